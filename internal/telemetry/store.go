// Package telemetry 提供内存态的近期调用记录（火忘式下游观测，不参与账本）
package telemetry

import (
	"log"
	"sync"
	"time"
)

// Record 一次网关调用的观测记录
type Record struct {
	RequestID       string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	GatewayType     string    `json:"gateway_type"`
	Capability      string    `json:"capability"` // vendor/model 或 server_id/tool_name
	Status          string    `json:"status"`
	ResponseStatus  int       `json:"response_status"`
	CreditsUsed     int64     `json:"credits_used"`
	LatencyMS       int64     `json:"latency_ms"`
	IsFree          bool      `json:"is_free"`
	IsUpstreamError bool      `json:"is_upstream_error"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store 近期调用记录存储（固定容量环）
type Store struct {
	records []Record
	mu      sync.RWMutex
	maxSize int
}

// NewStore 创建记录存储
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Store{
		records: make([]Record, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add 添加观测记录
func (s *Store) Add(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	// 超过最大容量时移除最旧的记录
	if len(s.records) >= s.maxSize {
		s.records = s.records[1:]
	}
	s.records = append(s.records, record)
}

// Publish 火忘式写入：绝不阻塞响应路径，失败只记日志
func (s *Store) Publish(record Record) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Telemetry-Error] 观测记录写入失败: %v", r)
			}
		}()
		s.Add(record)
	}()
}

// GetRecent 获取最近的记录（最新的在前）
func (s *Store) GetRecent(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}
	result := make([]Record, len(s.records)-start)
	copy(result, s.records[start:])
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// GetByUser 获取指定用户的记录
func (s *Store) GetByUser(userID string, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for i := len(s.records) - 1; i >= 0 && len(result) < limit; i-- {
		if s.records[i].UserID == userID {
			result = append(result, s.records[i])
		}
	}
	return result
}

// Count 返回记录总数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
