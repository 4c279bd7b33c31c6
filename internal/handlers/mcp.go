package handlers

import (
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/types"
)

// MCPCreditValidate MCP 工具调用的额度预检端点
// POST /api/mcp/credit/validate/mcp
func MCPCreditValidate(decider *admission.Decider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.MCPCreditValidationRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.ServerID == "" || req.ToolName == "" {
			c.JSON(400, gin.H{
				"error":    "Missing required parameters",
				"required": []string{"user_id", "server_id", "tool_name"},
			})
			return
		}

		verdict, err := decider.DecideMCP(req.UserID, req.ServerID, req.ToolName)
		if err != nil {
			RespondAdmissionError(c, err)
			return
		}

		server := verdict.Tool.Server
		c.JSON(200, types.MCPCreditValidationResponse{
			Valid:                 true,
			ServerUUID:            server.ID,
			ServerID:              server.ServerID,
			HTTPSURL:              server.HTTPSURL,
			AuthType:              server.AuthType,
			AuthConfig:            server.AuthConfig,
			Cost:                  verdict.Cost,
			FreeRequestsRemaining: verdict.FreeRemaining,
			IsFreeRequest:         verdict.IsFree,
		})
	}
}

// ListMCPServers 列出已发布的 MCP 服务器
// GET /api/mcp/servers
func ListMCPServers(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := cat.ListServers()
		if err != nil {
			log.Printf("[MCP-List] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(200, gin.H{
			"servers": servers,
			"total":   len(servers),
		})
	}
}

// GetMCPServer 查询服务器详情与工具列表
// GET /api/mcp/server/:serverId
func GetMCPServer(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		serverID := c.Param("serverId")

		server, err := cat.GetServer(serverID)
		if err != nil {
			if errors.Is(err, catalog.ErrServerNotFound) {
				c.JSON(404, gin.H{
					"error":     "MCP server not found",
					"server_id": serverID,
				})
				return
			}
			log.Printf("[MCP-Detail] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		tools, err := cat.ListTools(serverID)
		if err != nil {
			log.Printf("[MCP-Detail] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(200, gin.H{
			"server_id":             server.ServerID,
			"name":                  server.Name,
			"description":           server.Description,
			"free_requests_per_day": server.FreeRequestsPerDay,
			"auth_type":             server.AuthType,
			"tools":                 tools,
		})
	}
}

// CreateMCPServer 注册 MCP 服务器（管理端点）
// POST /api/mcp/admin/servers
func CreateMCPServer(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreateMCPServerRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ServerID == "" || req.HTTPSURL == "" {
			c.JSON(400, gin.H{
				"error":    "Missing required fields",
				"required": []string{"server_id", "https_url"},
			})
			return
		}

		server, err := cat.CreateServer(req.ServerID, req.HTTPSURL, req.Name, req.Description,
			req.Published, req.FreeRequestsPerDay, req.AuthType, req.AuthConfig)
		if err != nil {
			if errors.Is(err, catalog.ErrDuplicateServer) {
				c.JSON(409, gin.H{"error": "MCP server with this server_id already exists"})
				return
			}
			log.Printf("[MCP-Create] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(201, gin.H{
			"success": true,
			"server":  serverJSON(server),
		})
	}
}

// UpdateMCPServer 更新 MCP 服务器（管理端点，部分更新）
// PUT /api/mcp/admin/servers/:id
func UpdateMCPServer(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.UpdateMCPServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request body"})
			return
		}

		server, err := cat.UpdateServer(c.Param("id"), req.Name, req.Description, req.HTTPSURL,
			req.Published, req.FreeRequestsPerDay, req.AuthType, req.AuthConfig)
		if err != nil {
			if errors.Is(err, catalog.ErrServerNotFound) {
				c.JSON(404, gin.H{"error": "MCP server not found"})
				return
			}
			if err.Error() == "no fields to update" {
				c.JSON(400, gin.H{"error": "No fields to update"})
				return
			}
			log.Printf("[MCP-Update] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(200, gin.H{
			"success": true,
			"server":  serverJSON(server),
		})
	}
}

// SetToolPricing 设置工具价格（管理端点，upsert）
// POST /api/mcp/admin/servers/:id/pricing
func SetToolPricing(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SetToolPricingRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ToolName == "" {
			c.JSON(400, gin.H{
				"error":    "Missing required fields",
				"required": []string{"tool_name", "cost_per_call"},
			})
			return
		}

		serverUUID := c.Param("id")
		if _, err := cat.GetServerByUUID(serverUUID); err != nil {
			if errors.Is(err, catalog.ErrServerNotFound) {
				c.JSON(404, gin.H{"error": "MCP server not found"})
				return
			}
			log.Printf("[MCP-Pricing] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		if err := cat.SetToolPricing(serverUUID, req.ToolName, req.CostPerCall, req.Description); err != nil {
			log.Printf("[MCP-Pricing] 错误: %v", err)
			c.JSON(500, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(200, gin.H{
			"success": true,
			"pricing": gin.H{
				"server_id":     serverUUID,
				"tool_name":     req.ToolName,
				"cost_per_call": req.CostPerCall,
				"description":   req.Description,
			},
		})
	}
}

func serverJSON(s *catalog.MCPServer) gin.H {
	return gin.H{
		"id":                    s.ID,
		"server_id":             s.ServerID,
		"https_url":             s.HTTPSURL,
		"name":                  s.Name,
		"description":           s.Description,
		"published":             s.Published,
		"free_requests_per_day": s.FreeRequestsPerDay,
		"auth_type":             s.AuthType,
		"auth_config":           s.AuthConfig,
	}
}
