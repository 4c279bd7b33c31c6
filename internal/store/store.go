// Package store 提供 SQLite 持久化存储（账本与能力目录共用一个库）
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store SQLite 存储
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open 打开（或创建）数据库并初始化表结构
func Open(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	// 打开数据库连接（WAL 模式 + NORMAL 同步）
	// modernc.org/sqlite 使用 _pragma= 语法设置 PRAGMA
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite 单写入连接：结算事务借此获得互斥，代理调用不持有任何连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// 初始化表结构
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库 schema 失败: %w", err)
	}

	log.Printf("[Store-Init] 数据库已初始化: %s", dbPath)
	return &Store{db: db, dbPath: dbPath}, nil
}

// DB 返回底层数据库句柄
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema 初始化数据库表结构
func initSchema(db *sql.DB) error {
	schema := `
		-- 用户表
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		-- API Key 表（key_hash 为查找键）
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		-- 供应商表
		CREATE TABLE IF NOT EXISTS vendors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE COLLATE NOCASE,
			base_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			default_headers TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		-- 供应商 API（模型/端点）表
		CREATE TABLE IF NOT EXISTS apis (
			id TEXT PRIMARY KEY,
			vendor_id TEXT NOT NULL REFERENCES vendors(id),
			name TEXT NOT NULL COLLATE NOCASE,
			endpoint TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT 'POST',
			cost_per_call INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(vendor_id, name)
		);

		-- MCP 服务器表
		CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL UNIQUE,
			https_url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			published INTEGER NOT NULL DEFAULT 0,
			free_requests_per_day INTEGER NOT NULL DEFAULT 0,
			auth_type TEXT NOT NULL DEFAULT 'bearer',
			auth_config TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		-- 工具价格表
		CREATE TABLE IF NOT EXISTS tool_pricing (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES mcp_servers(id),
			tool_name TEXT NOT NULL,
			cost_per_call INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(server_id, tool_name)
		);

		-- 每日免费额度计数（UTC 日历日，只增不删，保留审计）
		CREATE TABLE IF NOT EXISTS daily_free_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			date TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(user_id, server_id, date)
		);

		-- 使用记录表（append-only，request_id 唯一作为结算去重键）
		CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			request_id TEXT NOT NULL UNIQUE,
			credits_used INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			response_status INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			gateway_type TEXT NOT NULL,
			api_id TEXT,
			server_id TEXT,
			tool_name TEXT,
			is_upstream_error INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created
			ON usage_logs(user_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_usage_logs_gateway_created
			ON usage_logs(gateway_type, created_at DESC);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return err
	}

	// 迁移：为旧表添加新列（如果不存在）
	migrations := []string{
		"ALTER TABLE usage_logs ADD COLUMN is_upstream_error INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE mcp_servers ADD COLUMN free_requests_per_day INTEGER NOT NULL DEFAULT 0",
	}
	for _, m := range migrations {
		// 忽略 "duplicate column" 错误
		db.Exec(m)
	}

	return nil
}
