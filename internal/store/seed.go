package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/BenedictKing/credit-gateway/internal/utils"
)

// SeedFile 能力目录种子文件结构
type SeedFile struct {
	Users      []SeedUser      `json:"users"`
	Vendors    []SeedVendor    `json:"vendors"`
	MCPServers []SeedMCPServer `json:"mcp_servers"`
}

type SeedUser struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Credits int64    `json:"credits"`
	Status  string   `json:"status"`
	APIKeys []string `json:"api_keys"`
}

type SeedVendor struct {
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	APIKey         string            `json:"api_key"`
	DefaultHeaders map[string]string `json:"default_headers"`
	APIs           []SeedAPI         `json:"apis"`
}

type SeedAPI struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	CostPerCall int64  `json:"cost_per_call"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

type SeedMCPServer struct {
	ServerID           string         `json:"server_id"`
	HTTPSURL           string         `json:"https_url"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Published          bool           `json:"published"`
	FreeRequestsPerDay int            `json:"free_requests_per_day"`
	AuthType           string         `json:"auth_type"`
	AuthConfig         map[string]any `json:"auth_config"`
	Tools              []SeedTool     `json:"tools"`
}

type SeedTool struct {
	ToolName    string `json:"tool_name"`
	CostPerCall int64  `json:"cost_per_call"`
	Description string `json:"description"`
}

// LoadSeed 加载种子文件并合并进数据库（文件不存在时静默跳过）
// 用户仅在不存在时插入（不覆盖余额），目录条目按自然键 upsert
func (s *Store) LoadSeed(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取种子文件失败: %w", err)
	}

	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("解析种子文件失败: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range seed.Users {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		if u.Status == "" {
			u.Status = "active"
		}
		// 已存在的用户不覆盖（余额由结算与充值独占维护）
		if _, err := tx.Exec(`
			INSERT INTO users (id, email, name, credits, status) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, u.ID, u.Email, u.Name, u.Credits, u.Status); err != nil {
			return fmt.Errorf("导入用户失败: %w", err)
		}
		for _, key := range u.APIKeys {
			if _, err := tx.Exec(`
				INSERT INTO api_keys (id, user_id, key_hash, key_prefix, status) VALUES (?, ?, ?, ?, 'active')
				ON CONFLICT(key_hash) DO NOTHING
			`, uuid.New().String(), u.ID, utils.HashAPIKey(key), utils.KeyPrefix(key)); err != nil {
				return fmt.Errorf("导入 API Key 失败: %w", err)
			}
		}
	}

	for _, v := range seed.Vendors {
		headersJSON, _ := json.Marshal(v.DefaultHeaders)
		if v.DefaultHeaders == nil {
			headersJSON = []byte("{}")
		}
		if _, err := tx.Exec(`
			INSERT INTO vendors (id, name, base_url, api_key, default_headers) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				base_url = excluded.base_url,
				api_key = excluded.api_key,
				default_headers = excluded.default_headers
		`, uuid.New().String(), v.Name, v.BaseURL, v.APIKey, string(headersJSON)); err != nil {
			return fmt.Errorf("导入供应商失败: %w", err)
		}

		for _, a := range v.APIs {
			method := a.Method
			if method == "" {
				method = "POST"
			}
			active := 1
			if a.IsActive != nil && !*a.IsActive {
				active = 0
			}
			if _, err := tx.Exec(`
				INSERT INTO apis (id, vendor_id, name, endpoint, method, cost_per_call, description, is_active)
				SELECT ?, id, ?, ?, ?, ?, ?, ? FROM vendors WHERE name = ? COLLATE NOCASE
				ON CONFLICT(vendor_id, name) DO UPDATE SET
					endpoint = excluded.endpoint,
					method = excluded.method,
					cost_per_call = excluded.cost_per_call,
					description = excluded.description,
					is_active = excluded.is_active
			`, uuid.New().String(), a.Name, a.Endpoint, method, a.CostPerCall, a.Description, active, v.Name); err != nil {
				return fmt.Errorf("导入 API 失败: %w", err)
			}
		}
	}

	for _, m := range seed.MCPServers {
		if m.AuthType == "" {
			m.AuthType = "bearer"
		}
		configJSON, _ := json.Marshal(m.AuthConfig)
		if m.AuthConfig == nil {
			configJSON = []byte("{}")
		}
		if _, err := tx.Exec(`
			INSERT INTO mcp_servers (id, server_id, https_url, name, description, published, free_requests_per_day, auth_type, auth_config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				https_url = excluded.https_url,
				name = excluded.name,
				description = excluded.description,
				published = excluded.published,
				free_requests_per_day = excluded.free_requests_per_day,
				auth_type = excluded.auth_type,
				auth_config = excluded.auth_config,
				updated_at = datetime('now')
		`, uuid.New().String(), m.ServerID, m.HTTPSURL, m.Name, m.Description, boolToInt(m.Published),
			m.FreeRequestsPerDay, m.AuthType, string(configJSON)); err != nil {
			return fmt.Errorf("导入 MCP 服务器失败: %w", err)
		}

		for _, t := range m.Tools {
			if _, err := tx.Exec(`
				INSERT INTO tool_pricing (id, server_id, tool_name, cost_per_call, description)
				SELECT ?, id, ?, ?, ? FROM mcp_servers WHERE server_id = ?
				ON CONFLICT(server_id, tool_name) DO UPDATE SET
					cost_per_call = excluded.cost_per_call,
					description = excluded.description
			`, uuid.New().String(), t.ToolName, t.CostPerCall, t.Description, m.ServerID); err != nil {
				return fmt.Errorf("导入工具价格失败: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[Seed-Load] 种子文件已合并: %s (用户 %d, 供应商 %d, MCP 服务器 %d)",
		path, len(seed.Users), len(seed.Vendors), len(seed.MCPServers))
	return nil
}

// WatchSeed 监听种子文件变更并热加载，返回停止函数
func (s *Store) WatchSeed(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// 监听目录而不是文件本身：编辑器保存通常是 rename+create
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	stopChan := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// 去抖：写入往往触发多个事件
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := s.LoadSeed(path); err != nil {
						log.Printf("[Seed-Watcher] 警告: 热加载种子文件失败: %v", err)
					} else {
						log.Printf("[Seed-Watcher] 种子文件已热加载: %s", path)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Seed-Watcher] 警告: 文件监听错误: %v", err)
			case <-stopChan:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(stopChan) }, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
