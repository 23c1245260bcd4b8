package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Exchange is one prompt/response pair in the append-only log.
type Exchange struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Exchanges is the append-only exchange log keyed by user id.
type Exchanges struct {
	DB *sql.DB
}

// Append stores ex and returns its row id. A zero CreatedAt is stamped
// with the current time.
func (s *Exchanges) Append(ctx context.Context, ex Exchange) (int64, error) {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	var response any
	if ex.Response != "" {
		response = ex.Response
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO exchanges (user_id, prompt, response, created_at) VALUES (?, ?, ?, ?)`,
		ex.UserID, ex.Prompt, response, ex.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert exchange for user %d: %w", ex.UserID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get exchange id: %w", err)
	}
	return id, nil
}

// List returns up to limit exchanges of userID, newest first.
// limit <= 0 returns all of them.
func (s *Exchanges) List(ctx context.Context, userID int64, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, prompt, response, created_at FROM exchanges
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var response sql.NullString
		var createdAt int64
		if err := rows.Scan(&ex.ID, &ex.UserID, &ex.Prompt, &response, &createdAt); err != nil {
			return nil, err
		}
		ex.Response = response.String
		ex.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Count returns how many exchanges userID has stored.
func (s *Exchanges) Count(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
