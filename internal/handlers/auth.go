package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/types"
	"github.com/BenedictKing/credit-gateway/internal/utils"
)

// AuthValidate API Key 验证端点（供边缘策略调用）
// POST /auth/validate，凭据取自 x-api-key 头
func AuthValidate(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("x-api-key")
		if apiKey == "" {
			c.JSON(401, gin.H{"error": "API key required"})
			return
		}

		user, err := led.AuthenticateKey(utils.HashAPIKey(apiKey))
		if err != nil {
			if err != ledger.ErrInvalidAPIKey {
				log.Printf("[Auth-Validate] 错误: %v", err)
				c.JSON(500, gin.H{"error": "Internal server error"})
				return
			}
			c.JSON(401, gin.H{"error": "Invalid API key"})
			return
		}

		c.JSON(200, types.AuthResponse{
			Valid:   true,
			UserID:  user.ID,
			Credits: user.Credits,
			Context: types.AuthContext{
				UserID:    user.ID,
				UserEmail: user.Email,
				Credits:   user.Credits,
			},
		})
	}
}
