package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('events','exchanges')`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables[name] = true
	}

	assert.True(t, tables["events"], "events table not created")
	assert.True(t, tables["exchanges"], "exchanges table not created")
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)

	applied, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestLogEvent_Basic(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	id1, err := LogEvent(ctx, db, nil, EventProcessStarted, map[string]any{"role": "serve", "pid": 123})
	require.NoError(t, err)
	assert.Positive(t, id1)

	id2, err := LogEvent(ctx, db, nil, EventCompletionFailed, map[string]any{"user_id": 456})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	var ts int64
	require.NoError(t, db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts))
	assert.NotZero(t, ts)

	var payloadStr string
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr))
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(payloadStr), &payload))
	assert.Equal(t, "serve", payload["role"])
}

func TestLogEvent_NilPayload(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	id, err := LogEvent(ctx, db, nil, EventProcessStopped, nil)
	require.NoError(t, err)

	var payload sql.NullString
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload))
	assert.False(t, payload.Valid)
}

func TestEventLog_RecordsUnderRoot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	rootID, err := LogEvent(ctx, db, nil, EventProcessStarted, nil)
	require.NoError(t, err)

	log := &EventLog{DB: db, RootID: &rootID}
	childID, err := log.Record(ctx, EventContextTrimmed, map[string]any{"evicted": 2})
	require.NoError(t, err)

	var storedParent int64
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent))
	assert.Equal(t, rootID, storedParent)

	var nullParent sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, rootID).Scan(&nullParent))
	assert.False(t, nullParent.Valid, "root event should have NULL parent_id")
}

func TestLatestProcessRoot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	_, err := LatestProcessRoot(ctx, db)
	require.ErrorIs(t, err, ErrNoProcessRoot)

	first, err := LogEvent(ctx, db, nil, EventProcessStarted, nil)
	require.NoError(t, err)
	_, err = LogEvent(ctx, db, &first, EventCompletionFailed, nil)
	require.NoError(t, err)
	second, err := LogEvent(ctx, db, nil, EventProcessStarted, nil)
	require.NoError(t, err)

	got, err := LatestProcessRoot(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestEventSubtree(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	root, _ := LogEvent(ctx, db, nil, EventProcessStarted, nil)
	child, _ := LogEvent(ctx, db, &root, EventSessionStarted, nil)
	_, _ = LogEvent(ctx, db, &child, EventContextTrimmed, nil)
	other, _ := LogEvent(ctx, db, nil, EventProcessStarted, nil)
	_, _ = LogEvent(ctx, db, &other, EventCompletionFailed, nil)

	events, err := EventSubtree(ctx, db, root)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventProcessStarted, events[0].EventType)
	assert.Equal(t, EventSessionStarted, events[1].EventType)
	assert.Equal(t, EventContextTrimmed, events[2].EventType)
	assert.Equal(t, child, events[2].ParentID.Int64)
}

func TestExchanges_AppendAndList(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := &Exchanges{DB: db}

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, p := range []string{"first", "second", "third"} {
		_, err := store.Append(ctx, Exchange{
			UserID:    7,
			Prompt:    p,
			Response:  p + " reply",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, Exchange{UserID: 8, Prompt: "other user"})
	require.NoError(t, err)

	got, err := store.List(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Prompt)
	assert.Equal(t, "second", got[1].Prompt)
	assert.Equal(t, "third reply", got[0].Response)
	assert.True(t, got[0].CreatedAt.Equal(base.Add(2*time.Minute)))

	all, err := store.List(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := store.Count(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExchanges_EmptyResponseStoredAsNull(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := &Exchanges{DB: db}

	id, err := store.Append(ctx, Exchange{UserID: 1, Prompt: "no reply"})
	require.NoError(t, err)

	var response sql.NullString
	require.NoError(t, db.QueryRow(`SELECT response FROM exchanges WHERE id = ?`, id).Scan(&response))
	assert.False(t, response.Valid)
}
