package handlers

import (
	"errors"
	"log"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/telemetry"
	"github.com/BenedictKing/credit-gateway/internal/types"
)

// UsageLog 结算端点（供边缘策略在响应后上报）
// POST /usage/log
//
// 进程内网关不走这里：它直接持有裁决并调用 ledger.Settle。
// 外部边缘只上报标识符，价格在此按目录现值解析后再进入结算。
func UsageLog(cat *catalog.Catalog, led *ledger.Ledger, tel *telemetry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.UsageLogRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request body"})
			return
		}

		if req.UserID == "" || req.RequestID == "" || req.Status == "" {
			c.JSON(400, gin.H{
				"error":    "Missing required fields",
				"required": []string{"user_id", "request_id", "status"},
			})
			return
		}

		in := ledger.SettleInput{
			UserID:          req.UserID,
			RequestID:       req.RequestID,
			Status:          req.Status,
			ResponseStatus:  req.ResponseStatus,
			LatencyMS:       req.LatencyMS,
			IsUpstreamError: req.IsUpstreamError,
		}

		capability := ""
		switch req.GatewayType {
		case ledger.GatewayMCP:
			if req.ServerID == "" || req.ToolName == "" {
				c.JSON(400, gin.H{
					"error":    "Missing MCP fields",
					"required": []string{"server_id", "tool_name"},
				})
				return
			}
			cost, freePerDay, err := cat.GetMCPPricing(req.ServerID, req.ToolName)
			if err != nil {
				RespondAdmissionError(c, err)
				return
			}
			in.GatewayType = ledger.GatewayMCP
			in.ServerUUID = req.ServerID
			in.ToolName = req.ToolName
			in.Cost = cost
			in.FreePerDay = freePerDay
			capability = req.ServerID + "/" + req.ToolName
		default:
			if req.APIID == "" {
				c.JSON(400, gin.H{
					"error":    "Missing LLM fields",
					"required": []string{"api_id"},
				})
				return
			}
			cost, err := cat.GetAPICost(req.APIID)
			if err != nil {
				RespondAdmissionError(c, err)
				return
			}
			in.GatewayType = ledger.GatewayLLM
			in.APIID = req.APIID
			in.Cost = cost
			capability = req.APIID
		}

		result, err := led.Settle(in)
		if err != nil {
			if errors.Is(err, ledger.ErrUserNotFound) {
				c.JSON(404, gin.H{"error": "User not found"})
				return
			}
			log.Printf("[Usage-Log] 结算失败: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		if result.InsufficientCredits {
			c.JSON(402, gin.H{
				"error":     "Insufficient credits",
				"required":  result.Required,
				"available": result.Available,
			})
			return
		}

		if !result.AlreadySettled {
			tel.Publish(telemetry.Record{
				RequestID:       req.RequestID,
				UserID:          req.UserID,
				GatewayType:     in.GatewayType,
				Capability:      capability,
				Status:          req.Status,
				ResponseStatus:  req.ResponseStatus,
				CreditsUsed:     result.CreditsDeducted,
				LatencyMS:       req.LatencyMS,
				IsFree:          result.IsFree,
				IsUpstreamError: req.IsUpstreamError,
			})
		}

		c.JSON(200, types.UsageLogResponse{
			Success:         true,
			CreditsDeducted: result.CreditsDeducted,
			GatewayType:     in.GatewayType,
			AlreadySettled:  result.AlreadySettled,
			IsFreeRequest:   result.IsFree,
		})
	}
}

// RecentUsage 近期调用记录查询（仅内存观测，不读账本）
// GET /api/usage/recent?limit=100&user_id=
func RecentUsage(tel *telemetry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		var records []telemetry.Record
		if userID := c.Query("user_id"); userID != "" {
			records = tel.GetByUser(userID, limit)
		} else {
			records = tel.GetRecent(limit)
		}

		c.JSON(200, gin.H{
			"records": records,
			"total":   tel.Count(),
		})
	}
}
