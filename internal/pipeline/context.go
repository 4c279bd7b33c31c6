// Package pipeline 提供单次请求的管线上下文
//
// 上下文在准入通过后由编排方构造一次，之后只读；派生数据（时延、结局）
// 由编排方计算后作为结算输入传出，而不是回写上下文。
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
)

// Context 单次请求的事实集合
type Context struct {
	RequestID   string
	UserID      string
	GatewayType string
	Verdict     *admission.Verdict
	StartTime   time.Time
}

// NewContext 构造管线上下文（分配 request_id 与起始时间）
func NewContext(userID string, verdict *admission.Verdict) *Context {
	return &Context{
		RequestID:   uuid.New().String(),
		UserID:      userID,
		GatewayType: verdict.GatewayType,
		Verdict:     verdict,
		StartTime:   time.Now(),
	}
}

// LatencyMS 自请求开始以来的毫秒时延
func (c *Context) LatencyMS() int64 {
	return time.Since(c.StartTime).Milliseconds()
}

// Outcome 代理阶段的结局
type Outcome struct {
	Status          string // success | failed
	ResponseStatus  int
	IsUpstreamError bool
}

// SettleInput 将裁决与结局组装为结算输入
// 价格取准入时裁决的单价，结算阶段不再重新定价
func (c *Context) SettleInput(out Outcome) ledger.SettleInput {
	in := ledger.SettleInput{
		UserID:          c.UserID,
		RequestID:       c.RequestID,
		GatewayType:     c.GatewayType,
		Status:          out.Status,
		ResponseStatus:  out.ResponseStatus,
		LatencyMS:       c.LatencyMS(),
		IsUpstreamError: out.IsUpstreamError,
		Cost:            c.Verdict.CostPerCall,
	}

	switch c.GatewayType {
	case ledger.GatewayLLM:
		in.APIID = c.Verdict.API.ID
	case ledger.GatewayMCP:
		in.ServerUUID = c.Verdict.Tool.Server.ID
		in.ToolName = c.Verdict.Tool.ToolName
		in.FreePerDay = c.Verdict.Tool.Server.FreeRequestsPerDay
	}
	return in
}
