// Package utils 提供通用工具函数
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey 计算 API Key 的 SHA-256 摘要（十六进制），用于 api_keys.key_hash 查找
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// MaskAPIKey 脱敏 API Key，仅保留前后各 4 位
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

// KeyPrefix 返回 API Key 前缀（用于展示和检索）
func KeyPrefix(apiKey string) string {
	if len(apiKey) <= 8 {
		return apiKey
	}
	return apiKey[:8]
}
