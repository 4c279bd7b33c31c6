// Package gateway 提供进程内边缘网关：准入、转发与结算的同请求编排
//
// 与控制面端点不同，这里的裁决不跨进程传递：准入产出的裁决直接进入
// 管线上下文，结算复用裁决中的价格，调用结束前不再查询能力目录。
package gateway

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/config"
	"github.com/BenedictKing/credit-gateway/internal/handlers"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/middleware"
	"github.com/BenedictKing/credit-gateway/internal/pipeline"
	"github.com/BenedictKing/credit-gateway/internal/proxy"
	"github.com/BenedictKing/credit-gateway/internal/telemetry"
)

// Gateway 边缘网关
type Gateway struct {
	envCfg     *config.EnvConfig
	decider    *admission.Decider
	dispatcher *proxy.Dispatcher
	ledger     *ledger.Ledger
	telemetry  *telemetry.Store
}

// New 创建边缘网关
func New(envCfg *config.EnvConfig, decider *admission.Decider, dispatcher *proxy.Dispatcher, led *ledger.Ledger, tel *telemetry.Store) *Gateway {
	return &Gateway{
		envCfg:     envCfg,
		decider:    decider,
		dispatcher: dispatcher,
		ledger:     led,
		telemetry:  tel,
	}
}

// HandleLLM 供应商 API 调用入口
// POST /api/v1/:vendor/:model
func (g *Gateway) HandleLLM(c *gin.Context) {
	user, ok := middleware.GetUser(c)
	if !ok {
		c.JSON(401, gin.H{"error": "API key required"})
		return
	}

	vendor := c.Param("vendor")
	model := c.Param("model")

	body, err := readBody(c, g.envCfg.MaxRequestBodySize)
	if err != nil {
		c.JSON(413, gin.H{"error": "Request body too large"})
		return
	}

	verdict, err := g.decider.DecideVendor(user.ID, vendor, model)
	if err != nil {
		handlers.RespondAdmissionError(c, err)
		return
	}

	pc := pipeline.NewContext(user.ID, verdict)
	capability := vendor + "/" + model

	result, err := g.dispatcher.Dispatch(c.Request.Context(), verdict.API.Method, verdict.Upstream,
		verdict.DefaultHeaders, verdict.Auth, body)
	if err != nil {
		g.respondTransportError(c, pc, capability, err, "", "")
		return
	}

	outcome := classify(result.StatusCode)
	settled := g.settle(pc, capability, outcome)

	c.Header("X-Request-ID", pc.RequestID)
	c.Header("X-Credits-Used", strconv.FormatInt(settled.CreditsDeducted, 10))
	c.Header("X-Latency-MS", strconv.FormatInt(pc.LatencyMS(), 10))
	writeUpstream(c, result)
}

// HandleMCP MCP 工具调用入口
// POST /api/mcp/:serverId，工具名取自 JSON-RPC 负载的 params.name
func (g *Gateway) HandleMCP(c *gin.Context) {
	user, ok := middleware.GetUser(c)
	if !ok {
		c.JSON(401, gin.H{"error": "API key required"})
		return
	}

	serverID := c.Param("serverId")

	body, err := readBody(c, g.envCfg.MaxRequestBodySize)
	if err != nil {
		c.JSON(413, gin.H{"error": "Request body too large"})
		return
	}

	toolName := gjson.GetBytes(body, "params.name").String()
	if toolName == "" {
		c.JSON(400, gin.H{
			"error": "Missing tool name",
			"hint":  "MCP payload must carry params.name",
		})
		return
	}

	verdict, err := g.decider.DecideMCP(user.ID, serverID, toolName)
	if err != nil {
		handlers.RespondAdmissionError(c, err)
		return
	}

	pc := pipeline.NewContext(user.ID, verdict)
	capability := serverID + "/" + toolName

	result, err := g.dispatcher.Dispatch(c.Request.Context(), "POST", verdict.Upstream,
		verdict.DefaultHeaders, verdict.Auth, body)
	if err != nil {
		g.respondTransportError(c, pc, capability, err, serverID, toolName)
		return
	}

	outcome := classify(result.StatusCode)
	settled := g.settle(pc, capability, outcome)

	freeRemaining := verdict.FreeRemaining
	if settled.IsFree && freeRemaining > 0 {
		freeRemaining--
	}

	c.Header("X-Request-ID", pc.RequestID)
	c.Header("X-Credits-Used", strconv.FormatInt(settled.CreditsDeducted, 10))
	c.Header("X-Latency-MS", strconv.FormatInt(pc.LatencyMS(), 10))
	c.Header("X-Gateway-Type", ledger.GatewayMCP)
	c.Header("X-Server-ID", serverID)
	c.Header("X-Tool-Name", toolName)
	c.Header("X-Free-Request", strconv.FormatBool(settled.IsFree))
	if verdict.Tool.Server.FreeRequestsPerDay > 0 {
		c.Header("X-Free-Requests-Remaining", strconv.Itoa(freeRemaining))
	}
	writeUpstream(c, result)
}

// settle 结算并发布观测记录；结算失败只记日志，不影响已产生的上游响应
func (g *Gateway) settle(pc *pipeline.Context, capability string, out pipeline.Outcome) *ledger.SettleResult {
	result, err := g.ledger.Settle(pc.SettleInput(out))
	if err != nil {
		log.Printf("[Gateway-Settle] 结算失败: request=%s err=%v", pc.RequestID, err)
		return &ledger.SettleResult{}
	}

	g.telemetry.Publish(telemetry.Record{
		RequestID:       pc.RequestID,
		UserID:          pc.UserID,
		GatewayType:     pc.GatewayType,
		Capability:      capability,
		Status:          out.Status,
		ResponseStatus:  out.ResponseStatus,
		CreditsUsed:     result.CreditsDeducted,
		LatencyMS:       pc.LatencyMS(),
		IsFree:          result.IsFree,
		IsUpstreamError: out.IsUpstreamError,
	})
	return result
}

// respondTransportError 传输层失败：按失败零费结算后返回 502
func (g *Gateway) respondTransportError(c *gin.Context, pc *pipeline.Context, capability string, err error, serverID, toolName string) {
	log.Printf("[Gateway-Upstream] 转发失败: request=%s err=%v", pc.RequestID, err)

	g.settle(pc, capability, pipeline.Outcome{
		Status:          ledger.StatusFailed,
		ResponseStatus:  502,
		IsUpstreamError: true,
	})

	c.Header("X-Request-ID", pc.RequestID)
	c.Data(502, "application/json", proxy.ErrorBody(err.Error(), pc.RequestID, serverID, toolName))
}

// classify 将上游状态码折算为结算结局
func classify(status int) pipeline.Outcome {
	out := pipeline.Outcome{
		Status:          ledger.StatusSuccess,
		ResponseStatus:  status,
		IsUpstreamError: proxy.IsUpstreamError(status),
	}
	if status >= 400 {
		out.Status = ledger.StatusFailed
	}
	return out
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	reader := c.Request.Body
	if limit > 0 {
		reader = http.MaxBytesReader(c.Writer, reader, limit)
	}
	return io.ReadAll(reader)
}

func writeUpstream(c *gin.Context, result *proxy.Result) {
	contentType := "application/json"
	for k, v := range result.Headers {
		if k == "Content-Type" {
			contentType = v
			continue
		}
		c.Header(k, v)
	}
	c.Data(result.StatusCode, contentType, result.Body)
}
