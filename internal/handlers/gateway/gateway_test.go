package gateway

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/config"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/middleware"
	"github.com/BenedictKing/credit-gateway/internal/proxy"
	"github.com/BenedictKing/credit-gateway/internal/store"
	"github.com/BenedictKing/credit-gateway/internal/telemetry"
	"github.com/BenedictKing/credit-gateway/internal/utils"
)

type gatewayEnv struct {
	router  *gin.Engine
	db      *sql.DB
	catalog *catalog.Catalog
	tel     *telemetry.Store
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	envCfg := &config.EnvConfig{
		AdminAccessKey:     "admin",
		LogLevel:           "error",
		MaxRequestBodySize: 1 << 20,
	}
	cat := catalog.New(st.DB())
	led := ledger.New(st.DB())
	decider := admission.New(cat, led)
	dispatcher := proxy.NewDispatcher(5*time.Second, 2*time.Second)
	tel := telemetry.NewStore(100)
	gw := New(envCfg, decider, dispatcher, led, tel)

	r := gin.New()
	edge := r.Group("/", middleware.APIKeyAuthMiddleware(envCfg, led))
	edge.POST("/api/v1/:vendor/:model", gw.HandleLLM)
	edge.POST("/api/mcp/:serverId", gw.HandleMCP)

	return &gatewayEnv{router: r, db: st.DB(), catalog: cat, tel: tel}
}

func (e *gatewayEnv) seedUser(t *testing.T, id string, credits int64, apiKey string) {
	t.Helper()
	if _, err := e.db.Exec(`INSERT INTO users (id, email, name, credits, status) VALUES (?, '', '', ?, 'active')`,
		id, credits); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := e.db.Exec(`INSERT INTO api_keys (id, user_id, key_hash, status) VALUES (?, ?, ?, 'active')`,
		uuid.New().String(), id, utils.HashAPIKey(apiKey)); err != nil {
		t.Fatalf("seed key: %v", err)
	}
}

func (e *gatewayEnv) seedVendor(t *testing.T, upstreamURL string, cost int64) {
	t.Helper()
	if _, err := e.db.Exec(`
		INSERT INTO vendors (id, name, base_url, api_key, default_headers)
		VALUES (?, 'openai', ?, 'vk-1', '{}')
	`, uuid.New().String(), upstreamURL); err != nil {
		t.Fatalf("seed vendor: %v", err)
	}
	if _, err := e.db.Exec(`
		INSERT INTO apis (id, vendor_id, name, endpoint, cost_per_call, is_active)
		SELECT ?, id, 'gpt-5', '', ?, 1 FROM vendors WHERE name = 'openai'
	`, uuid.New().String(), cost); err != nil {
		t.Fatalf("seed api: %v", err)
	}
}

func (e *gatewayEnv) call(t *testing.T, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *gatewayEnv) credits(t *testing.T, userID string) int64 {
	t.Helper()
	var credits int64
	if err := e.db.QueryRow(`SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits); err != nil {
		t.Fatalf("read credits: %v", err)
	}
	return credits
}

func TestGatewayLLM(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"hello"}`))
	}))
	defer upstream.Close()

	env := newGatewayEnv(t)
	env.seedUser(t, "u1", 100, "sk-u1")
	env.seedVendor(t, upstream.URL, 25)

	t.Run("successful call", func(t *testing.T) {
		w := env.call(t, "/api/v1/openai/gpt-5", "sk-u1", []byte(`{"input":"hi"}`))
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if w.Body.String() != `{"answer":"hello"}` {
			t.Errorf("body = %s", w.Body.String())
		}
		if gotAuth != "Bearer vk-1" {
			t.Errorf("upstream auth = %q, want vendor key injected", gotAuth)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
		if w.Header().Get("X-Credits-Used") != "25" {
			t.Errorf("X-Credits-Used = %q, want 25", w.Header().Get("X-Credits-Used"))
		}
		if got := env.credits(t, "u1"); got != 75 {
			t.Errorf("balance = %d, want 75", got)
		}
	})

	t.Run("missing api key", func(t *testing.T) {
		w := env.call(t, "/api/v1/openai/gpt-5", "", nil)
		if w.Code != 401 {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("unknown capability", func(t *testing.T) {
		w := env.call(t, "/api/v1/openai/nope", "sk-u1", nil)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
		// Rejection leaves the ledger untouched.
		if got := env.credits(t, "u1"); got != 75 {
			t.Errorf("balance = %d, want 75", got)
		}
	})

	t.Run("insufficient credits", func(t *testing.T) {
		env.seedUser(t, "u-poor", 5, "sk-poor")
		w := env.call(t, "/api/v1/openai/gpt-5", "sk-poor", nil)
		if w.Code != 402 {
			t.Fatalf("status = %d, want 402", w.Code)
		}
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["required"] != float64(25) || resp["available"] != float64(5) {
			t.Errorf("response = %v", resp)
		}
	})
}

func TestGatewayLLM_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"error":"vendor exploded"}`))
	}))
	defer upstream.Close()

	env := newGatewayEnv(t)
	env.seedUser(t, "u1", 100, "sk-u1")
	env.seedVendor(t, upstream.URL, 25)

	w := env.call(t, "/api/v1/openai/gpt-5", "sk-u1", []byte(`{}`))
	if w.Code != 500 {
		t.Fatalf("status = %d, want passthrough 500", w.Code)
	}
	if w.Header().Get("X-Credits-Used") != "0" {
		t.Errorf("X-Credits-Used = %q, want 0 for failed call", w.Header().Get("X-Credits-Used"))
	}
	if got := env.credits(t, "u1"); got != 100 {
		t.Errorf("balance = %d, failed call must not deduct", got)
	}

	// Still on record as a failed upstream call.
	var status string
	var upstreamErr int
	if err := env.db.QueryRow(`SELECT status, is_upstream_error FROM usage_logs WHERE user_id = 'u1'`).Scan(&status, &upstreamErr); err != nil {
		t.Fatalf("read usage log: %v", err)
	}
	if status != "failed" || upstreamErr != 1 {
		t.Errorf("usage log = %s/%d, want failed/1", status, upstreamErr)
	}
}

func TestGatewayLLM_TransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused

	env := newGatewayEnv(t)
	env.seedUser(t, "u1", 100, "sk-u1")
	env.seedVendor(t, upstream.URL, 25)

	w := env.call(t, "/api/v1/openai/gpt-5", "sk-u1", []byte(`{}`))
	if w.Code != 502 {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "upstream request failed" {
		t.Errorf("response = %v", resp)
	}
	if got := env.credits(t, "u1"); got != 100 {
		t.Errorf("balance = %d, transport failure must not deduct", got)
	}
}

func TestGatewayMCP(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"content":[]}}`))
	}))
	defer upstream.Close()

	env := newGatewayEnv(t)
	env.seedUser(t, "u1", 100, "sk-u1")

	srv, err := env.catalog.CreateServer("web-search", upstream.URL, "", "", true, 1, "bearer",
		map[string]any{"token": "mcp-token"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := env.catalog.SetToolPricing(srv.ID, "search", 50, ""); err != nil {
		t.Fatalf("set pricing: %v", err)
	}

	rpcBody := []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"search","arguments":{"q":"go"}}}`)

	t.Run("free call within quota", func(t *testing.T) {
		w := env.call(t, "/api/mcp/web-search", "sk-u1", rpcBody)
		if w.Code != 200 {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if gotAuth != "Bearer mcp-token" {
			t.Errorf("upstream auth = %q", gotAuth)
		}
		if w.Header().Get("X-Free-Request") != "true" {
			t.Errorf("X-Free-Request = %q, want true", w.Header().Get("X-Free-Request"))
		}
		if w.Header().Get("X-Free-Requests-Remaining") != "0" {
			t.Errorf("X-Free-Requests-Remaining = %q, want 0", w.Header().Get("X-Free-Requests-Remaining"))
		}
		if w.Header().Get("X-Tool-Name") != "search" {
			t.Errorf("X-Tool-Name = %q", w.Header().Get("X-Tool-Name"))
		}
		if got := env.credits(t, "u1"); got != 100 {
			t.Errorf("balance = %d, free call must not deduct", got)
		}
	})

	t.Run("paid call after quota", func(t *testing.T) {
		w := env.call(t, "/api/mcp/web-search", "sk-u1", rpcBody)
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("X-Free-Request") != "false" {
			t.Errorf("X-Free-Request = %q, want false", w.Header().Get("X-Free-Request"))
		}
		if w.Header().Get("X-Credits-Used") != "50" {
			t.Errorf("X-Credits-Used = %q, want 50", w.Header().Get("X-Credits-Used"))
		}
		if got := env.credits(t, "u1"); got != 50 {
			t.Errorf("balance = %d, want 50", got)
		}
	})

	t.Run("missing tool name", func(t *testing.T) {
		w := env.call(t, "/api/mcp/web-search", "sk-u1", []byte(`{"jsonrpc":"2.0","method":"tools/list"}`))
		if w.Code != 400 {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("unknown server", func(t *testing.T) {
		w := env.call(t, "/api/mcp/nope", "sk-u1", rpcBody)
		if w.Code != 404 {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
