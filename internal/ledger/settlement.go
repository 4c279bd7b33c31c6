package ledger

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// 结算输入中的网关类型
const (
	GatewayLLM = "llm"
	GatewayMCP = "mcp"
)

// 结算输入中的调用状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SettleInput 结算输入
//
// Cost 与 FreePerDay 来自准入判定时的裁决（价格在准入后不再重算）；
// 结算自身不查询能力目录。
type SettleInput struct {
	UserID    string
	RequestID string

	GatewayType string // llm | mcp
	APIID       string // llm 路径
	ServerUUID  string // mcp 路径（内部 UUID）
	ToolName    string // mcp 路径

	Status          string // success | failed
	ResponseStatus  int
	LatencyMS       int64
	IsUpstreamError bool

	Cost       int64 // 准入时决定的单次调用价格
	FreePerDay int   // 服务器级每日免费额度（llm 为 0）
}

// SettleResult 结算结果
type SettleResult struct {
	CreditsDeducted     int64
	IsFree              bool
	AlreadySettled      bool
	InsufficientCredits bool // 结算时余额复查未通过，本次按零费记账
	Required            int64
	Available           int64
}

// Settle 结算一次调用：免费额度复查、账本扣减与使用记录写入在同一事务内完成
//
// 幂等：request_id 已存在时不产生任何新的账本变更，返回首次结算的扣费额。
// 失败的调用（Status != success）一律零费记账。
func (l *Ledger) Settle(in SettleInput) (*SettleResult, error) {
	if in.UserID == "" || in.RequestID == "" {
		return nil, fmt.Errorf("结算缺少 user_id 或 request_id")
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// 去重：同一 request_id 只结算一次
	var prior int64
	err = tx.QueryRow(`SELECT credits_used FROM usage_logs WHERE request_id = ?`, in.RequestID).Scan(&prior)
	if err == nil {
		return &SettleResult{CreditsDeducted: prior, AlreadySettled: true}, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}

	result := &SettleResult{}
	cost := int64(0)

	if in.Status == StatusSuccess {
		cost = in.Cost

		// 免费额度在结算时复查（准入只是预测，这里才是权威消费点）
		if in.GatewayType == GatewayMCP && in.FreePerDay > 0 {
			free, err := l.consumeFreeQuota(tx, in.UserID, in.ServerUUID, in.FreePerDay)
			if err != nil {
				return nil, err
			}
			if free {
				result.IsFree = true
				cost = 0
			}
		}

		if cost > 0 {
			// 扣减时复查余额下限：并发准入可能共同透支同一笔余额
			res, err := tx.Exec(`
				UPDATE users SET credits = credits - ?, updated_at = datetime('now')
				WHERE id = ? AND status = 'active' AND credits >= ?
			`, cost, in.UserID, cost)
			if err != nil {
				return nil, fmt.Errorf("扣减余额失败: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var available int64
				if err := tx.QueryRow(`SELECT credits FROM users WHERE id = ?`, in.UserID).Scan(&available); err != nil {
					if err == sql.ErrNoRows {
						return nil, ErrUserNotFound
					}
					return nil, err
				}
				result.InsufficientCredits = true
				result.Required = cost
				result.Available = available
				cost = 0
			}
		}
	}

	// 使用记录与账本变更同事务落盘，保证恰好一次
	_, err = tx.Exec(`
		INSERT INTO usage_logs
			(id, user_id, request_id, credits_used, status, response_status, latency_ms,
			 gateway_type, api_id, server_id, tool_name, is_upstream_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), in.UserID, in.RequestID, cost, in.Status, in.ResponseStatus, in.LatencyMS,
		in.GatewayType, nullable(in.APIID), nullable(in.ServerUUID), nullable(in.ToolName),
		boolToInt(in.IsUpstreamError))
	if err != nil {
		return nil, fmt.Errorf("写入使用记录失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result.CreditsDeducted = cost
	if result.InsufficientCredits {
		log.Printf("[Settle-Floor] 结算时余额不足: user=%s request=%s required=%d available=%d",
			in.UserID, in.RequestID, result.Required, result.Available)
	}
	return result, nil
}

// consumeFreeQuota 免费额度复查并消费：insert-or-keep 后读取计数，未满则 +1
func (l *Ledger) consumeFreeQuota(tx *sql.Tx, userID, serverUUID string, limit int) (bool, error) {
	date := l.today()

	if _, err := tx.Exec(`
		INSERT INTO daily_free_usage (user_id, server_id, date, usage_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(user_id, server_id, date) DO NOTHING
	`, userID, serverUUID, date); err != nil {
		return false, fmt.Errorf("初始化免费额度计数失败: %w", err)
	}

	var count int
	if err := tx.QueryRow(`
		SELECT usage_count FROM daily_free_usage
		WHERE user_id = ? AND server_id = ? AND date = ?
	`, userID, serverUUID, date).Scan(&count); err != nil {
		return false, fmt.Errorf("读取免费额度计数失败: %w", err)
	}

	if count >= limit {
		return false, nil
	}

	if _, err := tx.Exec(`
		UPDATE daily_free_usage SET usage_count = usage_count + 1
		WHERE user_id = ? AND server_id = ? AND date = ?
	`, userID, serverUUID, date); err != nil {
		return false, fmt.Errorf("递增免费额度计数失败: %w", err)
	}
	return true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
