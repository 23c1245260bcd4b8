package conversation

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteProvider rebuilds history from the exchanges log.
type SQLiteProvider struct {
	DB *sql.DB
}

// GetHistory returns the most recent `limit` exchanges of the given user as
// alternating user/assistant turns, ordered chronologically (oldest first).
// Exchanges without a stored response contribute only their user turn.
func (p *SQLiteProvider) GetHistory(ctx context.Context, userID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.DB.QueryContext(ctx,
		"SELECT prompt, response FROM exchanges WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for user %d: %w", userID, err)
	}
	defer rows.Close()

	var exchanges [][2]string
	for rows.Next() {
		var prompt string
		var response sql.NullString
		if err := rows.Scan(&prompt, &response); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		exchanges = append(exchanges, [2]string{prompt, response.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Message, 0, 2*len(exchanges))
	// Rows arrive newest first.
	for i := len(exchanges) - 1; i >= 0; i-- {
		results = append(results, Message{Role: RoleUser, Content: exchanges[i][0]})
		if exchanges[i][1] != "" {
			results = append(results, Message{Role: RoleAssistant, Content: exchanges[i][1]})
		}
	}
	return results, nil
}
