// Package observability provides SQLite-native monitoring for the
// coordinator: lifecycle events, process heartbeats, and timeseries
// metrics, all in a dedicated database separate from the queue.
//
// All persistence is best effort and non-blocking: a failing
// observability store never blocks or fails the dispatch path.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridforge/swarm/idgen"
)

// QueueEvent is one lifecycle event on a request, slot, worker, or
// account.
type QueueEvent struct {
	EventType  string // e.g. "request.submitted", "slot.faulted"
	EntityType string // "request" | "slot" | "worker" | "account"
	EntityID   string
	ActorID    string // account or worker that caused the event
	Action     string
	Details    string // optional JSON
	Success    bool
}

// EventLogger writes queue events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability
// database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a queue event. Errors are logged via slog but do not
// propagate.
func (l *EventLogger) LogEvent(ctx context.Context, ev QueueEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO queue_events (
			event_id, event_type, entity_type, entity_id,
			actor_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.EntityType, ev.EntityID,
		ev.ActorID, ev.Action, ev.Details, ev.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", ev.EventType)
	}
}

// RecentEvents returns the latest events for one entity, newest first.
func (l *EventLogger) RecentEvents(ctx context.Context, entityType, entityID string, limit int) ([]QueueEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, entity_type, entity_id, actor_id, action, details, success
		FROM queue_events
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []QueueEvent
	for rows.Next() {
		var ev QueueEvent
		if err := rows.Scan(&ev.EventType, &ev.EntityType, &ev.EntityID,
			&ev.ActorID, &ev.Action, &ev.Details, &ev.Success); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no
// cleanup for that table.
type RetentionConfig struct {
	EventsDays     int
	HeartbeatsDays int
	MetricsDays    int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"queue_events", "created_at", cfg.EventsDays},
		{"process_heartbeats", "timestamp", cfg.HeartbeatsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
