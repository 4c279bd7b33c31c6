// Package handlers 提供控制面 HTTP 处理器
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/config"
)

var startTime = time.Now()

// 版本信息（编译时通过 -ldflags 注入，由 main 调用 SetVersionInfo 设置）
var (
	versionString = "v0.0.0-dev"
	buildTime     = "unknown"
	gitCommit     = "unknown"
)

// SetVersionInfo 设置版本信息（从 main 调用）
func SetVersionInfo(version, build, commit string) {
	versionString = version
	buildTime = build
	gitCommit = commit
}

// HealthCheck 健康检查处理器
func HealthCheck(envCfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"service":   "credit-gateway",
			"uptime":    time.Since(startTime).Seconds(),
			"mode":      envCfg.Env,
			"version": gin.H{
				"version":   versionString,
				"buildTime": buildTime,
				"gitCommit": gitCommit,
			},
		})
	}
}
