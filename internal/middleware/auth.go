package middleware

import (
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/config"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/utils"
)

// 认证通过后写入 gin.Context 的键
const (
	CtxUser = "auth_user"
)

// APIKeyAuthMiddleware 网关调用方认证：按 x-api-key 查找活跃用户
func APIKeyAuthMiddleware(envCfg *config.EnvConfig, led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := getAPIKey(c)
		if apiKey == "" {
			c.JSON(401, gin.H{"error": "API key required"})
			c.Abort()
			return
		}

		user, err := led.AuthenticateKey(utils.HashAPIKey(apiKey))
		if err != nil {
			if envCfg.ShouldLog("warn") {
				log.Printf("[Auth-Failed] IP: %s | Path: %s | Key: %s",
					c.ClientIP(), c.Request.URL.Path, utils.MaskAPIKey(apiKey))
			}
			c.JSON(401, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Set(CtxUser, user)
		c.Next()
	}
}

// GetUser 从 gin.Context 取出认证用户
func GetUser(c *gin.Context) (*ledger.User, bool) {
	v, ok := c.Get(CtxUser)
	if !ok {
		return nil, false
	}
	user, ok := v.(*ledger.User)
	return user, ok
}

// AdminAuthMiddleware 管理端点访问控制
func AdminAuthMiddleware(envCfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := getAPIKey(c)
		expectedKey := envCfg.AdminAccessKey

		if providedKey == "" || providedKey != expectedKey {
			if envCfg.ShouldLog("warn") {
				log.Printf("[Auth-Failed] 管理密钥验证失败 - IP: %s | Path: %s", c.ClientIP(), c.Request.URL.Path)
			}
			c.JSON(401, gin.H{
				"error": "Invalid admin access key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// getAPIKey 获取 API 密钥
func getAPIKey(c *gin.Context) string {
	// 从 header 获取
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}

	if auth := c.GetHeader("Authorization"); auth != "" {
		// 移除 Bearer 前缀
		return strings.TrimPrefix(auth, "Bearer ")
	}

	// 从查询参数获取
	if key := c.Query("key"); key != "" {
		return key
	}

	return ""
}
