// Package admission 提供准入判定：调用前的纯读预检
//
// 判定只读取目录与账本，不消费额度、不扣减余额——那是结算的职责。
// 被拒绝的请求不会产生任何账本变更。
package admission

import (
	"fmt"

	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/proxy"
)

// InsufficientCreditsError 余额不足（携带自诊断所需的操作数）
type InsufficientCreditsError struct {
	Required      int64
	Available     int64
	FreeRemaining int // -1 表示该能力没有免费额度
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required=%d available=%d", e.Required, e.Available)
}

// Verdict 准入裁决（仅存在于单次请求生命周期内，不落盘）
type Verdict struct {
	GatewayType string // llm | mcp

	API  *catalog.VendorAPI // llm 路径
	Tool *catalog.MCPTool   // mcp 路径

	Cost          int64 // 本次调用预计扣费（免费时为 0）
	CostPerCall   int64 // 未折扣单价，结算以此为准
	IsFree        bool
	FreeRemaining int

	Upstream       string
	Auth           proxy.AuthSpec
	DefaultHeaders map[string]string
}

// Decider 准入判定器
type Decider struct {
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
}

// New 创建准入判定器
func New(cat *catalog.Catalog, led *ledger.Ledger) *Decider {
	return &Decider{catalog: cat, ledger: led}
}

// DecideVendor 判定一次供应商 API 调用
// 检查顺序：能力存在且启用 → 用户存在且活跃 → 余额充足
func (d *Decider) DecideVendor(userID, vendor, model string) (*Verdict, error) {
	api, err := d.catalog.ResolveVendorAPI(vendor, model)
	if err != nil {
		return nil, err
	}

	user, err := d.ledger.GetUser(userID)
	if err != nil {
		return nil, err
	}

	if user.Credits < api.CostPerCall {
		// 供应商路径没有免费额度，FreeRemaining 置 -1 表示不适用
		return nil, &InsufficientCreditsError{Required: api.CostPerCall, Available: user.Credits, FreeRemaining: -1}
	}

	return &Verdict{
		GatewayType: ledger.GatewayLLM,
		API:         api,
		Cost:        api.CostPerCall,
		CostPerCall: api.CostPerCall,
		Upstream:    api.VendorURL,
		Auth: proxy.AuthSpec{
			Type:  proxy.AuthBearer,
			Token: api.APIKey,
		},
		DefaultHeaders: api.DefaultHeaders,
	}, nil
}

// DecideMCP 判定一次 MCP 工具调用
// 检查顺序：服务器 → 工具 → 用户 → 免费额度 → 余额
func (d *Decider) DecideMCP(userID, serverID, toolName string) (*Verdict, error) {
	tool, err := d.catalog.ResolveMCPTool(serverID, toolName)
	if err != nil {
		return nil, err
	}
	server := tool.Server

	user, err := d.ledger.GetUser(userID)
	if err != nil {
		return nil, err
	}

	freeRemaining := 0
	isFree := false
	if server.FreeRequestsPerDay > 0 {
		used, err := d.ledger.FreeUsageToday(userID, server.ID)
		if err != nil {
			return nil, err
		}
		freeRemaining = server.FreeRequestsPerDay - used
		if freeRemaining < 0 {
			freeRemaining = 0
		}
		isFree = freeRemaining > 0
	}

	if !isFree && user.Credits < tool.CostPerCall {
		return nil, &InsufficientCreditsError{
			Required:      tool.CostPerCall,
			Available:     user.Credits,
			FreeRemaining: freeRemaining,
		}
	}

	cost := tool.CostPerCall
	if isFree {
		cost = 0
	}

	return &Verdict{
		GatewayType:    ledger.GatewayMCP,
		Tool:           tool,
		Cost:           cost,
		CostPerCall:    tool.CostPerCall,
		IsFree:         isFree,
		FreeRemaining:  freeRemaining,
		Upstream:       server.HTTPSURL,
		Auth:           resolveAuth(server),
		DefaultHeaders: nil,
	}, nil
}

// resolveAuth 将服务器的松散 auth_config 解析为具体的认证标签变体
func resolveAuth(server *catalog.MCPServer) proxy.AuthSpec {
	spec := proxy.AuthSpec{Type: server.AuthType}

	cfg := server.AuthConfig
	if v, ok := cfg["header_name"].(string); ok {
		spec.Header = v
	}
	if v, ok := cfg["token_prefix"].(string); ok {
		spec.Prefix = v
	}
	if v, ok := cfg["token"].(string); ok {
		spec.Token = v
	} else if v, ok := cfg["api_key"].(string); ok {
		spec.Token = v
	}
	if custom, ok := cfg["custom_headers"].(map[string]any); ok {
		spec.Extra = make(map[string]string, len(custom))
		for k, v := range custom {
			if s, ok := v.(string); ok {
				spec.Extra[k] = s
			}
		}
	}
	return spec
}
