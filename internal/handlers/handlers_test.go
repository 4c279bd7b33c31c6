package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/store"
	"github.com/BenedictKing/credit-gateway/internal/telemetry"
	"github.com/BenedictKing/credit-gateway/internal/utils"
)

type testEnv struct {
	router  *gin.Engine
	db      *sql.DB
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cat := catalog.New(st.DB())
	led := ledger.New(st.DB())
	decider := admission.New(cat, led)
	tel := telemetry.NewStore(100)

	r := gin.New()
	r.POST("/auth/validate", AuthValidate(led))
	r.POST("/credit/validate", CreditValidate(decider))
	r.POST("/api/mcp/credit/validate/mcp", MCPCreditValidate(decider))
	r.POST("/usage/log", UsageLog(cat, led, tel))
	r.GET("/user/:id/credits", GetUserCredits(led))
	r.POST("/admin/user/:id/credits", AddUserCredits(led))
	r.GET("/api/mcp/servers", ListMCPServers(cat))
	r.GET("/api/mcp/server/:serverId", GetMCPServer(cat))
	r.POST("/api/mcp/admin/servers", CreateMCPServer(cat))
	r.PUT("/api/mcp/admin/servers/:id", UpdateMCPServer(cat))
	r.POST("/api/mcp/admin/servers/:id/pricing", SetToolPricing(cat))
	r.GET("/api/usage/recent", RecentUsage(tel))

	return &testEnv{router: r, db: st.DB(), catalog: cat, ledger: led}
}

func (e *testEnv) seedUser(t *testing.T, id string, credits int64, apiKey string) {
	t.Helper()
	if _, err := e.db.Exec(`INSERT INTO users (id, email, name, credits, status) VALUES (?, ?, '', ?, 'active')`,
		id, id+"@example.com", credits); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if apiKey != "" {
		if _, err := e.db.Exec(`INSERT INTO api_keys (id, user_id, key_hash, status) VALUES (?, ?, ?, 'active')`,
			uuid.New().String(), id, utils.HashAPIKey(apiKey)); err != nil {
			t.Fatalf("seed key: %v", err)
		}
	}
}

func (e *testEnv) seedVendorAPI(t *testing.T, vendor, model string, cost int64) string {
	t.Helper()
	if _, err := e.db.Exec(`
		INSERT INTO vendors (id, name, base_url, api_key, default_headers)
		VALUES (?, ?, 'https://api.example.com', 'vk-1', '{}')
		ON CONFLICT(name) DO NOTHING
	`, uuid.New().String(), vendor); err != nil {
		t.Fatalf("seed vendor: %v", err)
	}
	apiID := uuid.New().String()
	if _, err := e.db.Exec(`
		INSERT INTO apis (id, vendor_id, name, endpoint, cost_per_call, is_active)
		SELECT ?, id, ?, '/v1/chat', ?, 1 FROM vendors WHERE name = ?
	`, apiID, model, cost, vendor); err != nil {
		t.Fatalf("seed api: %v", err)
	}
	return apiID
}

func (e *testEnv) request(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestAuthValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 100, "sk-valid")

	t.Run("valid key", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/auth/validate", nil, map[string]string{"x-api-key": "sk-valid"})
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if resp["valid"] != true || resp["user_id"] != "u1" {
			t.Errorf("response = %v", resp)
		}
		ctx, _ := resp["context"].(map[string]any)
		if ctx["userId"] != "u1" || ctx["credits"] != float64(100) {
			t.Errorf("context = %v", ctx)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/auth/validate", nil, nil)
		if w.Code != 401 {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/auth/validate", nil, map[string]string{"x-api-key": "sk-bad"})
		if w.Code != 401 {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestCreditValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 100, "")
	env.seedUser(t, "u2", 5, "")
	env.seedVendorAPI(t, "openai", "gpt-5", 25)

	t.Run("admitted", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/credit/validate",
			map[string]any{"user_id": "u1", "vendor": "openai", "model": "gpt-5"}, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if resp["valid"] != true || resp["cost"] != float64(25) {
			t.Errorf("response = %v", resp)
		}
		if resp["api_key"] != "vk-1" || resp["vendor_url"] != "https://api.example.com/v1/chat" {
			t.Errorf("upstream material = %v", resp)
		}
	})

	t.Run("insufficient credits", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/credit/validate",
			map[string]any{"user_id": "u2", "vendor": "openai", "model": "gpt-5"}, nil)
		if w.Code != 402 {
			t.Fatalf("status = %d, want 402", w.Code)
		}
		if resp["required"] != float64(25) || resp["available"] != float64(5) {
			t.Errorf("response = %v", resp)
		}
		// Vendor path has no free tier so the field stays absent.
		if _, ok := resp["free_requests_remaining"]; ok {
			t.Errorf("unexpected free_requests_remaining: %v", resp)
		}
	})

	t.Run("unknown api", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/credit/validate",
			map[string]any{"user_id": "u1", "vendor": "openai", "model": "nope"}, nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/credit/validate",
			map[string]any{"user_id": "ghost", "vendor": "openai", "model": "gpt-5"}, nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestMCPCreditValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 100, "")
	srv, err := env.catalog.CreateServer("web-search", "https://mcp.example.com", "", "", true, 2, "bearer",
		map[string]any{"token": "tk"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := env.catalog.SetToolPricing(srv.ID, "search", 50, ""); err != nil {
		t.Fatalf("set pricing: %v", err)
	}

	t.Run("free quota forecast", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/api/mcp/credit/validate/mcp",
			map[string]any{"user_id": "u1", "server_id": "web-search", "tool_name": "search"}, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if resp["is_free_request"] != true || resp["cost"] != float64(0) {
			t.Errorf("response = %v", resp)
		}
		if resp["free_requests_remaining"] != float64(2) {
			t.Errorf("free_requests_remaining = %v", resp["free_requests_remaining"])
		}
		if resp["server_uuid"] != srv.ID || resp["https_url"] != "https://mcp.example.com" {
			t.Errorf("upstream material = %v", resp)
		}
	})

	t.Run("missing parameters", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/api/mcp/credit/validate/mcp",
			map[string]any{"user_id": "u1"}, nil)
		if w.Code != 400 {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestUsageLogEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 100, "")
	apiID := env.seedVendorAPI(t, "openai", "gpt-5", 25)

	logCall := func(requestID, status string) (*httptest.ResponseRecorder, map[string]any) {
		return env.request(t, "POST", "/usage/log", map[string]any{
			"user_id":         "u1",
			"request_id":      requestID,
			"status":          status,
			"response_status": 200,
			"latency_ms":      10,
			"gateway_type":    "llm",
			"api_id":          apiID,
		}, nil)
	}

	t.Run("successful call deducts", func(t *testing.T) {
		w, resp := logCall("req-1", "success")
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if resp["credits_deducted"] != float64(25) {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		w, resp := logCall("req-1", "success")
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		if resp["already_settled"] != true || resp["credits_deducted"] != float64(25) {
			t.Errorf("response = %v", resp)
		}

		var credits int64
		if err := env.db.QueryRow(`SELECT credits FROM users WHERE id = 'u1'`).Scan(&credits); err != nil {
			t.Fatalf("read credits: %v", err)
		}
		if credits != 75 {
			t.Errorf("balance = %d, want 75 after one deduction", credits)
		}
	})

	t.Run("failed call records at zero cost", func(t *testing.T) {
		w, resp := logCall("req-2", "failed")
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		if resp["credits_deducted"] != float64(0) {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/usage/log", map[string]any{"user_id": "u1"}, nil)
		if w.Code != 400 {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("insufficient at settlement", func(t *testing.T) {
		env.seedUser(t, "u-poor", 10, "")
		w, resp := env.request(t, "POST", "/usage/log", map[string]any{
			"user_id":      "u-poor",
			"request_id":   "req-poor",
			"status":       "success",
			"gateway_type": "llm",
			"api_id":       apiID,
		}, nil)
		if w.Code != 402 {
			t.Fatalf("status = %d, want 402 (body: %s)", w.Code, w.Body.String())
		}
		if resp["required"] != float64(25) || resp["available"] != float64(10) {
			t.Errorf("response = %v", resp)
		}
	})
}

func TestUserCreditsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 30, "")

	t.Run("read balance", func(t *testing.T) {
		w, resp := env.request(t, "GET", "/user/u1/credits", nil, nil)
		if w.Code != 200 || resp["credits"] != float64(30) {
			t.Errorf("status = %d, response = %v", w.Code, resp)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		w, _ := env.request(t, "GET", "/user/ghost/credits", nil, nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("admin top-up", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/admin/user/u1/credits", map[string]any{"amount": 70}, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if resp["new_balance"] != float64(100) || resp["added"] != float64(70) {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/admin/user/u1/credits", map[string]any{"amount": -1}, nil)
		if w.Code != 400 {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestMCPAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var serverUUID string
	t.Run("create server", func(t *testing.T) {
		w, resp := env.request(t, "POST", "/api/mcp/admin/servers", map[string]any{
			"server_id":             "calc",
			"https_url":             "https://calc.example.com",
			"name":                  "Calculator",
			"published":             true,
			"free_requests_per_day": 1,
		}, nil)
		if w.Code != 201 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		server, _ := resp["server"].(map[string]any)
		serverUUID, _ = server["id"].(string)
		if serverUUID == "" {
			t.Fatalf("missing server id in %v", resp)
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/api/mcp/admin/servers", map[string]any{
			"server_id": "calc",
			"https_url": "https://other.example.com",
		}, nil)
		if w.Code != 409 {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("set tool pricing", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/api/mcp/admin/servers/"+serverUUID+"/pricing", map[string]any{
			"tool_name":     "add",
			"cost_per_call": 3,
		}, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("server detail with tools", func(t *testing.T) {
		w, resp := env.request(t, "GET", "/api/mcp/server/calc", nil, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		tools, _ := resp["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("tools = %v", resp["tools"])
		}
	})

	t.Run("list servers", func(t *testing.T) {
		w, resp := env.request(t, "GET", "/api/mcp/servers", nil, nil)
		if w.Code != 200 || resp["total"] != float64(1) {
			t.Errorf("status = %d, response = %v", w.Code, resp)
		}
	})

	t.Run("partial update", func(t *testing.T) {
		w, resp := env.request(t, "PUT", "/api/mcp/admin/servers/"+serverUUID, map[string]any{
			"name": "Calculator v2",
		}, nil)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		server, _ := resp["server"].(map[string]any)
		if server["name"] != "Calculator v2" {
			t.Errorf("server = %v", server)
		}
	})

	t.Run("update unknown server", func(t *testing.T) {
		w, _ := env.request(t, "PUT", "/api/mcp/admin/servers/no-such", map[string]any{"name": "x"}, nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("pricing on unknown server", func(t *testing.T) {
		w, _ := env.request(t, "POST", "/api/mcp/admin/servers/no-such/pricing", map[string]any{
			"tool_name":     "add",
			"cost_per_call": 3,
		}, nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
