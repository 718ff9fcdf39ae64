// Package journal records per-build events (stage transitions, cache events,
// recovery actions) in an append-only SQLite log, so failure narratives can
// be reconstructed after the fact without re-running the build.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EventType names the recorded build events.
type EventType string

const (
	EventBuildStarted     EventType = "build_started"
	EventBuildFinished    EventType = "build_finished"
	EventStageStarted     EventType = "stage_started"
	EventStageFinished    EventType = "stage_finished"
	EventCacheHit         EventType = "cache_hit"
	EventCacheMiss        EventType = "cache_miss"
	EventRecoveryApplied  EventType = "recovery_applied"
	EventRetryScheduled   EventType = "retry_scheduled"
	EventBackendSwitched  EventType = "backend_switched"
)

// Event is one recorded build event.
type Event struct {
	ID        int64             `json:"id"`
	BuildID   string            `json:"build_id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Journal is an append-only event log. The nil Journal is valid and drops
// everything, so journaling stays optional.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a journal database. Use ":memory:" for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		fields TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_build_id ON events(build_id);
	CREATE INDEX IF NOT EXISTS idx_event_type ON events(event_type);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append records an event. Appending to a nil Journal is a no-op.
func (j *Journal) Append(ctx context.Context, buildID string, eventType EventType, fields map[string]string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var fieldsJSON []byte
	if len(fields) > 0 {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (build_id, event_type, timestamp, fields) VALUES (?, ?, ?, ?)",
		buildID, string(eventType), time.Now().UnixNano(), fieldsJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns all events for a build in append order.
func (j *Journal) Events(ctx context.Context, buildID string) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, build_id, event_type, timestamp, fields FROM events WHERE build_id = ? ORDER BY id ASC", buildID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var fieldsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Type, &ts, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal event fields: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the underlying database. Closing a nil Journal is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
