package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Process lifecycle events.
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Relay events, recorded under the process root.
const (
	EventSessionStarted      = "session.started"
	EventContextTrimmed      = "context.trimmed"
	EventContextUntrimmable  = "context.untrimmable"
	EventCompletionFailed    = "completion.failed"
	EventCircuitOpened       = "circuit.opened"
	EventCircuitClosed       = "circuit.closed"
	EventExchangePersistFail = "exchange.persist_failed"
	EventExchangeDropped     = "exchange.dropped"
)

// ErrNoProcessRoot is returned when no process.started event exists.
var ErrNoProcessRoot = errors.New("no process.started event found")

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(ctx context.Context, db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog records events as children of a process root event.
type EventLog struct {
	DB     *sql.DB
	RootID *int64
}

// Record logs an event under the log's root.
func (l *EventLog) Record(ctx context.Context, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(ctx, l.DB, l.RootID, eventType, payload)
}

// LatestProcessRoot finds the most recent process.started event.
func LatestProcessRoot(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventProcessStarted,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoProcessRoot
	}
	return id, err
}

// EventSubtree returns all events in the subtree rooted at rootID, in id order.
func EventSubtree(ctx context.Context, db *sql.DB, rootID int64) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
