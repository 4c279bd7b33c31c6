// Package catalog 提供能力目录：供应商 API 与 MCP 服务器/工具的读模型及管理操作
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// 目录查找错误（调用方据此映射 HTTP 状态码）
var (
	ErrAPINotFound     = errors.New("api not found")
	ErrServerNotFound  = errors.New("mcp server not found")
	ErrToolNotFound    = errors.New("tool not found for this server")
	ErrDuplicateServer = errors.New("mcp server with this server_id already exists")
)

// VendorAPI 解析后的供应商能力（供应商 + API 连接查询结果）
type VendorAPI struct {
	ID             string
	VendorName     string
	Name           string
	Method         string
	CostPerCall    int64
	VendorURL      string // base_url + endpoint
	APIKey         string
	DefaultHeaders map[string]string
}

// MCPServer MCP 服务器
type MCPServer struct {
	ID                 string         // 内部 UUID
	ServerID           string         // 自然键
	HTTPSURL           string
	Name               string
	Description        string
	Published          bool
	FreeRequestsPerDay int
	AuthType           string // bearer | api_key | none
	AuthConfig         map[string]any
}

// MCPTool 解析后的 MCP 工具能力（服务器 + 工具价格）
type MCPTool struct {
	Server      *MCPServer
	ToolName    string
	CostPerCall int64
}

// ToolPrice 工具价格条目
type ToolPrice struct {
	ToolName    string `json:"tool_name"`
	CostPerCall int64  `json:"cost_per_call"`
	Description string `json:"description"`
}

// ServerSummary 服务器列表条目
type ServerSummary struct {
	ServerID           string `json:"server_id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	FreeRequestsPerDay int    `json:"free_requests_per_day"`
	AuthType           string `json:"auth_type"`
	ToolCount          int    `json:"tool_count"`
}

// Catalog 能力目录
type Catalog struct {
	db *sql.DB
}

// New 创建能力目录
func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// ResolveVendorAPI 按 vendor/model 解析供应商能力（大小写不敏感，仅返回启用的条目）
func (c *Catalog) ResolveVendorAPI(vendor, model string) (*VendorAPI, error) {
	row := c.db.QueryRow(`
		SELECT a.id, v.name, a.name, a.method, a.cost_per_call,
		       v.base_url, a.endpoint, v.api_key, v.default_headers
		FROM apis a
		JOIN vendors v ON a.vendor_id = v.id
		WHERE v.name = ? COLLATE NOCASE AND a.name = ? COLLATE NOCASE AND a.is_active = 1
	`, vendor, model)

	var api VendorAPI
	var baseURL, endpoint, headersJSON string
	err := row.Scan(&api.ID, &api.VendorName, &api.Name, &api.Method, &api.CostPerCall,
		&baseURL, &endpoint, &api.APIKey, &headersJSON)
	if err == sql.ErrNoRows {
		return nil, ErrAPINotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询供应商 API 失败: %w", err)
	}

	api.VendorURL = strings.TrimSuffix(baseURL, "/") + endpoint
	api.DefaultHeaders = map[string]string{}
	if headersJSON != "" {
		_ = json.Unmarshal([]byte(headersJSON), &api.DefaultHeaders)
	}
	return &api, nil
}

// GetServer 按自然键查找已发布的 MCP 服务器
func (c *Catalog) GetServer(serverID string) (*MCPServer, error) {
	return c.scanServer(c.db.QueryRow(`
		SELECT id, server_id, https_url, name, description, published,
		       free_requests_per_day, auth_type, auth_config
		FROM mcp_servers
		WHERE server_id = ? AND published = 1
	`, serverID))
}

// GetServerByUUID 按内部 UUID 查找服务器（含未发布，供结算端使用）
func (c *Catalog) GetServerByUUID(id string) (*MCPServer, error) {
	return c.scanServer(c.db.QueryRow(`
		SELECT id, server_id, https_url, name, description, published,
		       free_requests_per_day, auth_type, auth_config
		FROM mcp_servers
		WHERE id = ?
	`, id))
}

func (c *Catalog) scanServer(row *sql.Row) (*MCPServer, error) {
	var s MCPServer
	var published int
	var authConfigJSON string
	err := row.Scan(&s.ID, &s.ServerID, &s.HTTPSURL, &s.Name, &s.Description, &published,
		&s.FreeRequestsPerDay, &s.AuthType, &authConfigJSON)
	if err == sql.ErrNoRows {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询 MCP 服务器失败: %w", err)
	}

	s.Published = published != 0
	s.AuthConfig = map[string]any{}
	if authConfigJSON != "" {
		_ = json.Unmarshal([]byte(authConfigJSON), &s.AuthConfig)
	}
	return &s, nil
}

// ResolveMCPTool 按 server_id/tool_name 解析 MCP 工具能力
func (c *Catalog) ResolveMCPTool(serverID, toolName string) (*MCPTool, error) {
	server, err := c.GetServer(serverID)
	if err != nil {
		return nil, err
	}

	var cost int64
	err = c.db.QueryRow(`
		SELECT cost_per_call FROM tool_pricing
		WHERE server_id = ? AND tool_name = ?
	`, server.ID, toolName).Scan(&cost)
	if err == sql.ErrNoRows {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询工具价格失败: %w", err)
	}

	return &MCPTool{Server: server, ToolName: toolName, CostPerCall: cost}, nil
}

// GetAPICost 按 API ID 查询单次调用价格（/usage/log 协作端使用）
func (c *Catalog) GetAPICost(apiID string) (int64, error) {
	var cost int64
	err := c.db.QueryRow(`SELECT cost_per_call FROM apis WHERE id = ?`, apiID).Scan(&cost)
	if err == sql.ErrNoRows {
		return 0, ErrAPINotFound
	}
	if err != nil {
		return 0, fmt.Errorf("查询 API 价格失败: %w", err)
	}
	return cost, nil
}

// GetMCPPricing 按服务器 UUID + 工具名查询价格与免费额度（/usage/log 协作端使用）
func (c *Catalog) GetMCPPricing(serverUUID, toolName string) (cost int64, freePerDay int, err error) {
	err = c.db.QueryRow(`
		SELECT tp.cost_per_call, ms.free_requests_per_day
		FROM mcp_servers ms
		JOIN tool_pricing tp ON ms.id = tp.server_id
		WHERE ms.id = ? AND tp.tool_name = ?
	`, serverUUID, toolName).Scan(&cost, &freePerDay)
	if err == sql.ErrNoRows {
		return 0, 0, ErrToolNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("查询 MCP 价格失败: %w", err)
	}
	return cost, freePerDay, nil
}

// ListServers 列出已发布的服务器及工具数量
func (c *Catalog) ListServers() ([]ServerSummary, error) {
	rows, err := c.db.Query(`
		SELECT ms.server_id, ms.name, ms.description, ms.free_requests_per_day, ms.auth_type,
		       COUNT(tp.id) AS tool_count
		FROM mcp_servers ms
		LEFT JOIN tool_pricing tp ON ms.id = tp.server_id
		WHERE ms.published = 1
		GROUP BY ms.id
		ORDER BY ms.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("查询服务器列表失败: %w", err)
	}
	defer rows.Close()

	servers := make([]ServerSummary, 0)
	for rows.Next() {
		var s ServerSummary
		if err := rows.Scan(&s.ServerID, &s.Name, &s.Description, &s.FreeRequestsPerDay, &s.AuthType, &s.ToolCount); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// ListTools 列出服务器的工具及价格
func (c *Catalog) ListTools(serverID string) ([]ToolPrice, error) {
	rows, err := c.db.Query(`
		SELECT tp.tool_name, tp.cost_per_call, tp.description
		FROM tool_pricing tp
		JOIN mcp_servers ms ON tp.server_id = ms.id
		WHERE ms.server_id = ?
		ORDER BY tp.tool_name
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("查询工具列表失败: %w", err)
	}
	defer rows.Close()

	tools := make([]ToolPrice, 0)
	for rows.Next() {
		var t ToolPrice
		if err := rows.Scan(&t.ToolName, &t.CostPerCall, &t.Description); err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// CreateServer 注册 MCP 服务器；server_id 重复时返回 ErrDuplicateServer
func (c *Catalog) CreateServer(serverID, httpsURL, name, description string, published bool, freePerDay int, authType string, authConfig map[string]any) (*MCPServer, error) {
	if authType == "" {
		authType = "bearer"
	}
	if authConfig == nil {
		authConfig = map[string]any{}
	}
	configJSON, _ := json.Marshal(authConfig)

	id := uuid.New().String()
	_, err := c.db.Exec(`
		INSERT INTO mcp_servers (id, server_id, https_url, name, description, published, free_requests_per_day, auth_type, auth_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, serverID, httpsURL, name, description, boolToInt(published), freePerDay, authType, string(configJSON))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateServer
		}
		return nil, fmt.Errorf("注册 MCP 服务器失败: %w", err)
	}

	return &MCPServer{
		ID: id, ServerID: serverID, HTTPSURL: httpsURL, Name: name, Description: description,
		Published: published, FreeRequestsPerDay: freePerDay, AuthType: authType, AuthConfig: authConfig,
	}, nil
}

// UpdateServer 部分更新 MCP 服务器；没有任何字段时返回错误
func (c *Catalog) UpdateServer(id string, name, description, httpsURL *string, published *bool, freePerDay *int, authType *string, authConfig map[string]any) (*MCPServer, error) {
	setParts := []string{}
	args := []any{}

	if name != nil {
		setParts = append(setParts, "name = ?")
		args = append(args, *name)
	}
	if description != nil {
		setParts = append(setParts, "description = ?")
		args = append(args, *description)
	}
	if httpsURL != nil {
		setParts = append(setParts, "https_url = ?")
		args = append(args, *httpsURL)
	}
	if published != nil {
		setParts = append(setParts, "published = ?")
		args = append(args, boolToInt(*published))
	}
	if freePerDay != nil {
		setParts = append(setParts, "free_requests_per_day = ?")
		args = append(args, *freePerDay)
	}
	if authType != nil {
		setParts = append(setParts, "auth_type = ?")
		args = append(args, *authType)
	}
	if authConfig != nil {
		configJSON, _ := json.Marshal(authConfig)
		setParts = append(setParts, "auth_config = ?")
		args = append(args, string(configJSON))
	}

	if len(setParts) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, id)
	res, err := c.db.Exec(
		"UPDATE mcp_servers SET "+strings.Join(setParts, ", ")+", updated_at = datetime('now') WHERE id = ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("更新 MCP 服务器失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrServerNotFound
	}

	return c.GetServerByUUID(id)
}

// SetToolPricing 设置（插入或更新）工具价格
func (c *Catalog) SetToolPricing(serverUUID, toolName string, costPerCall int64, description string) error {
	_, err := c.db.Exec(`
		INSERT INTO tool_pricing (id, server_id, tool_name, cost_per_call, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_id, tool_name)
		DO UPDATE SET cost_per_call = excluded.cost_per_call, description = excluded.description
	`, uuid.New().String(), serverUUID, toolName, costPerCall, description)
	if err != nil {
		return fmt.Errorf("设置工具价格失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
