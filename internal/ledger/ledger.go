// Package ledger 提供用户余额、每日免费额度计数与使用记录的持久账本
//
// 账本只能被两类操作修改：结算（Settle）与管理员充值（AddCredits）。
// 免费额度按 UTC 日历日计数。
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrInvalidAmount = errors.New("invalid amount")
)

// User 用户账户
type User struct {
	ID      string
	Email   string
	Name    string
	Credits int64
	Status  string
}

// Ledger 账本
type Ledger struct {
	db  *sql.DB
	now func() time.Time // 可注入时钟，用于日期翻转测试
}

// New 创建账本
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// today 返回当前 UTC 日历日（免费额度的计数键）
func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// AuthenticateKey 按 key_hash 查找活跃用户（key 与用户均须为 active）
func (l *Ledger) AuthenticateKey(keyHash string) (*User, error) {
	row := l.db.QueryRow(`
		SELECT u.id, u.email, u.name, u.credits, u.status
		FROM users u
		JOIN api_keys ak ON u.id = ak.user_id
		WHERE ak.key_hash = ? AND ak.status = 'active' AND u.status = 'active'
	`, keyHash)

	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.Status)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("查询 API Key 失败: %w", err)
	}
	return &u, nil
}

// GetUser 查找活跃用户
func (l *Ledger) GetUser(userID string) (*User, error) {
	row := l.db.QueryRow(`
		SELECT id, email, name, credits, status
		FROM users
		WHERE id = ? AND status = 'active'
	`, userID)

	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.Status)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &u, nil
}

// GetCredits 查询用户余额
func (l *Ledger) GetCredits(userID string) (int64, error) {
	u, err := l.GetUser(userID)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// AddCredits 管理员充值；amount 必须为正
func (l *Ledger) AddCredits(userID string, amount int64) (newBalance int64, err error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := l.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE users SET credits = credits + ?, updated_at = datetime('now')
		WHERE id = ? AND status = 'active'
	`, amount, userID)
	if err != nil {
		return 0, fmt.Errorf("充值失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrUserNotFound
	}

	if err := tx.QueryRow(`SELECT credits FROM users WHERE id = ?`, userID).Scan(&newBalance); err != nil {
		return 0, err
	}
	return newBalance, tx.Commit()
}

// FreeUsageToday 查询用户今日（UTC）在某 MCP 服务器上已用的免费次数
// 纯读操作，供准入判定使用；计数的权威消费点在结算
func (l *Ledger) FreeUsageToday(userID, serverUUID string) (int, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT usage_count FROM daily_free_usage
		WHERE user_id = ? AND server_id = ? AND date = ?
	`, userID, serverUUID, l.today()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询免费额度失败: %w", err)
	}
	return count, nil
}
