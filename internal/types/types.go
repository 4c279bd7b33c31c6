// Package types 定义控制面与网关的请求/响应结构
package types

// AuthContext 认证上下文（随 /auth/validate 返回，供边缘策略透传）
type AuthContext struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	Credits   int64  `json:"credits"`
}

// AuthResponse /auth/validate 响应
type AuthResponse struct {
	Valid   bool        `json:"valid"`
	UserID  string      `json:"user_id"`
	Credits int64       `json:"credits"`
	Context AuthContext `json:"context"`
}

// CreditValidationRequest /credit/validate 请求
type CreditValidationRequest struct {
	UserID string `json:"user_id"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// CreditValidationResponse /credit/validate 响应
type CreditValidationResponse struct {
	Valid         bool              `json:"valid"`
	APIID         string            `json:"api_id"`
	Cost          int64             `json:"cost"`
	VendorURL     string            `json:"vendor_url"`
	VendorHeaders map[string]string `json:"vendor_headers"`
	APIKey        string            `json:"api_key"`
}

// MCPCreditValidationRequest /api/mcp/credit/validate/mcp 请求
type MCPCreditValidationRequest struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
	ToolName string `json:"tool_name"`
}

// MCPCreditValidationResponse /api/mcp/credit/validate/mcp 响应
type MCPCreditValidationResponse struct {
	Valid                 bool              `json:"valid"`
	ServerUUID            string            `json:"server_uuid"`
	ServerID              string            `json:"server_id"`
	HTTPSURL              string            `json:"https_url"`
	AuthType              string            `json:"auth_type"`
	AuthConfig            map[string]any    `json:"auth_config"`
	Cost                  int64             `json:"cost"`
	FreeRequestsRemaining int               `json:"free_requests_remaining"`
	IsFreeRequest         bool              `json:"is_free_request"`
	ExtraHeaders          map[string]string `json:"extra_headers,omitempty"`
}

// UsageLogRequest /usage/log 请求
type UsageLogRequest struct {
	UserID          string `json:"user_id"`
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	ResponseStatus  int    `json:"response_status"`
	LatencyMS       int64  `json:"latency_ms"`
	GatewayType     string `json:"gateway_type"`
	APIID           string `json:"api_id,omitempty"`
	ServerID        string `json:"server_id,omitempty"`
	ToolName        string `json:"tool_name,omitempty"`
	IsUpstreamError bool   `json:"is_upstream_error,omitempty"`
}

// UsageLogResponse /usage/log 响应
type UsageLogResponse struct {
	Success         bool   `json:"success"`
	CreditsDeducted int64  `json:"credits_deducted"`
	GatewayType     string `json:"gateway_type"`
	AlreadySettled  bool   `json:"already_settled,omitempty"`
	IsFreeRequest   bool   `json:"is_free_request,omitempty"`
}

// CreateMCPServerRequest 注册 MCP 服务器请求
type CreateMCPServerRequest struct {
	ServerID           string         `json:"server_id"`
	HTTPSURL           string         `json:"https_url"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Published          bool           `json:"published"`
	FreeRequestsPerDay int            `json:"free_requests_per_day"`
	AuthType           string         `json:"auth_type"`
	AuthConfig         map[string]any `json:"auth_config"`
}

// UpdateMCPServerRequest 更新 MCP 服务器请求（字段为空指针时不更新）
type UpdateMCPServerRequest struct {
	Name               *string        `json:"name"`
	Description        *string        `json:"description"`
	HTTPSURL           *string        `json:"https_url"`
	Published          *bool          `json:"published"`
	FreeRequestsPerDay *int           `json:"free_requests_per_day"`
	AuthType           *string        `json:"auth_type"`
	AuthConfig         map[string]any `json:"auth_config"`
}

// SetToolPricingRequest 设置工具价格请求
type SetToolPricingRequest struct {
	ToolName    string `json:"tool_name"`
	CostPerCall int64  `json:"cost_per_call"`
	Description string `json:"description"`
}

// AddCreditsRequest 管理员充值请求
type AddCreditsRequest struct {
	Amount int64 `json:"amount"`
}
