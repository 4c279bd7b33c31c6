// Package proxy 提供上游转发：按裁决注入认证头并透传响应
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"
)

// 认证类型标签
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// AuthSpec 上游认证材料（标签变体 + 可选附加头）
type AuthSpec struct {
	Type   string // none | bearer | api_key
	Header string // 为空时按类型取默认头名
	Prefix string // bearer 前缀，为空时默认 "Bearer"
	Token  string
	Extra  map[string]string
}

// Apply 将认证材料落到具体的请求头集合
func (a AuthSpec) Apply(headers map[string]string) {
	switch a.Type {
	case AuthBearer:
		name := a.Header
		if name == "" {
			name = "Authorization"
		}
		prefix := a.Prefix
		if prefix == "" {
			prefix = "Bearer"
		}
		headers[name] = prefix + " " + a.Token
	case AuthAPIKey:
		name := a.Header
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = a.Token
	}

	for k, v := range a.Extra {
		headers[k] = v
	}
}

// 透传给调用方的上游响应头白名单
var passThroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"X-Ratelimit-Limit",
	"X-Ratelimit-Remaining",
	"X-Ratelimit-Reset",
	"X-Mcp-Server-Version",
	"X-Mcp-Protocol-Version",
}

// Result 上游响应
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Dispatcher 上游转发器
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher 创建转发器
func NewDispatcher(timeout, responseHeaderTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: responseHeaderTimeout,
				MaxIdleConnsPerHost:   10,
			},
		},
	}
}

// Dispatch 转发调用方负载到上游
//
// 传输层失败（连接拒绝、超时、读响应失败）以 error 返回，与上游返回的
// 错误状态码（包含在 Result 中）区分；两者的分类见 IsUpstreamError。
func (d *Dispatcher) Dispatch(ctx context.Context, method, url string, defaultHeaders map[string]string, auth AuthSpec, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建上游请求失败: %w", err)
	}

	// 能力默认头 + 动态注入的认证头；认证头后写入，可覆盖默认值
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	for k, v := range defaultHeaders {
		if v != "" {
			headers[k] = v
		}
	}
	auth.Apply(headers)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("上游请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取上游响应失败: %w", err)
	}

	selected := make(map[string]string)
	for _, name := range passThroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			selected[name] = v
		}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Headers:    selected,
		Body:       respBody,
	}, nil
}

// IsUpstreamError 判定响应状态是否归因于上游
// 5xx 以及除 401/402/403 之外的 4xx 计为上游错误；401/402/403 视为网关层拒绝
func IsUpstreamError(status int) bool {
	if status >= 500 {
		return true
	}
	if status >= 400 && status != 401 && status != 402 && status != 403 {
		return true
	}
	return false
}

// ErrorBody 构造传输层失败时返回给调用方的结构化错误体
func ErrorBody(message, requestID, serverID, toolName string) []byte {
	body := []byte(`{"error":"upstream request failed"}`)
	body, _ = sjson.SetBytes(body, "message", message)
	body, _ = sjson.SetBytes(body, "timestamp", time.Now().UTC().Format(time.RFC3339))
	body, _ = sjson.SetBytes(body, "request_id", requestID)
	if serverID != "" {
		body, _ = sjson.SetBytes(body, "server_id", serverID)
	}
	if toolName != "" {
		body, _ = sjson.SetBytes(body, "tool_name", toolName)
	}
	return body
}
