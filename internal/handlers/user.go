package handlers

import (
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/types"
)

// GetUserCredits 查询用户余额
// GET /user/:id/credits
func GetUserCredits(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		credits, err := led.GetCredits(c.Param("id"))
		if err != nil {
			if errors.Is(err, ledger.ErrUserNotFound) {
				c.JSON(404, gin.H{"error": "User not found"})
				return
			}
			log.Printf("[User-Credits] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(200, gin.H{"credits": credits})
	}
}

// AddUserCredits 管理员充值端点
// POST /admin/user/:id/credits
func AddUserCredits(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.AddCreditsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request body"})
			return
		}

		newBalance, err := led.AddCredits(c.Param("id"), req.Amount)
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrInvalidAmount):
				c.JSON(400, gin.H{"error": "Amount must be a positive integer"})
			case errors.Is(err, ledger.ErrUserNotFound):
				c.JSON(404, gin.H{"error": "User not found"})
			default:
				log.Printf("[User-AddCredits] 错误: %v", err)
				c.JSON(500, gin.H{"error": "Internal server error"})
			}
			return
		}

		c.JSON(200, gin.H{
			"success":     true,
			"new_balance": newBalance,
			"added":       req.Amount,
		})
	}
}
