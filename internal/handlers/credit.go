package handlers

import (
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/types"
)

// CreditValidate 供应商调用的额度预检端点
// POST /credit/validate
func CreditValidate(decider *admission.Decider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreditValidationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request body"})
			return
		}

		verdict, err := decider.DecideVendor(req.UserID, req.Vendor, req.Model)
		if err != nil {
			RespondAdmissionError(c, err)
			return
		}

		c.JSON(200, types.CreditValidationResponse{
			Valid:         true,
			APIID:         verdict.API.ID,
			Cost:          verdict.Cost,
			VendorURL:     verdict.Upstream,
			VendorHeaders: verdict.DefaultHeaders,
			APIKey:        verdict.API.APIKey,
		})
	}
}

// RespondAdmissionError 将准入错误映射为 HTTP 响应
func RespondAdmissionError(c *gin.Context, err error) {
	var insufficient *admission.InsufficientCreditsError
	switch {
	case errors.Is(err, catalog.ErrAPINotFound):
		c.JSON(404, gin.H{
			"error":          "API not found",
			"available_apis": "Please check available APIs: /api/v1/{vendor}/{model}",
		})
	case errors.Is(err, catalog.ErrServerNotFound):
		c.JSON(404, gin.H{
			"error": "MCP server not found",
			"hint":  "Check available servers at /api/mcp/servers",
		})
	case errors.Is(err, catalog.ErrToolNotFound):
		c.JSON(404, gin.H{
			"error": "Tool not found for this server",
			"hint":  "Check available tools at /api/mcp/server/{serverId}",
		})
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(404, gin.H{"error": "User not found"})
	case errors.As(err, &insufficient):
		body := gin.H{
			"error":     "Insufficient credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		}
		if insufficient.FreeRemaining >= 0 {
			body["free_requests_remaining"] = insufficient.FreeRemaining
		}
		c.JSON(402, body)
	default:
		log.Printf("[Admission] 错误: %v", err)
		c.JSON(500, gin.H{"error": "Internal server error"})
	}
}
