// Package vtq is a visibility-timeout queue on SQLite. Claiming a row
// hides it for a fixed window; an ack deletes it, a nack or an expired
// window puts it back in line. The coordinator runs its completion
// webhooks through one of these queues so deliveries outlive a restart.
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

const ddl = `
CREATE TABLE IF NOT EXISTS vtq_jobs (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
`

// Job is one queued item. VisibleAt and CreatedAt are stored as
// milliseconds since the epoch; Attempts counts claims, not failures.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options tunes one queue. Several queues may share a table; the Queue
// name keeps them apart.
type Options struct {
	Queue        string
	Visibility   time.Duration // invisibility window per claim, default 30s
	PollInterval time.Duration // Run loop cadence, default 1s
	MaxAttempts  int           // claims before a job is discarded, 0 = never
	Logger       *slog.Logger
}

// Q is a handle on one named queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New builds a handle. EnsureTable must run once before the first
// Publish.
func New(db *sql.DB, opts Options) *Q {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the backing table and index if missing.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, ddl)
	return err
}

// Publish enqueues a job, visible right away.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	ts := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `INSERT INTO vtq_jobs
		(id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, ts, ts)
	return err
}

// Claim takes the oldest visible job and hides it for the visibility
// window, bumping its attempt count. (nil, nil) means the queue has
// nothing visible. The guarded UPDATE makes concurrent claimers safe:
// only one of them gets any given row.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	nowMs := time.Now().UnixMilli()
	hiddenUntil := nowMs + q.opts.Visibility.Milliseconds()

	var (
		j            Job
		visMs, creMs int64
	)
	err := q.db.QueryRowContext(ctx, `UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (SELECT id FROM vtq_jobs
		            WHERE queue = ? AND visible_at <= ?
		            ORDER BY visible_at LIMIT 1)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hiddenUntil, q.opts.Queue, nowMs,
	).Scan(&j.ID, &j.Queue, &j.Payload, &visMs, &creMs, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visMs)
	j.CreatedAt = time.UnixMilli(creMs)
	return &j, nil
}

// Ack removes a finished job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack returns a job to the visible pool immediately.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`,
		id, q.opts.Queue)
	return err
}

// Extend grants a claimed job more invisible time.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Len counts every job in the queue, hidden ones included.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler consumes one job. nil acks; an error nacks for redelivery.
type Handler func(ctx context.Context, job *Job) error

// Run drains the queue through handler until ctx is cancelled. Each
// tick claims until the queue is empty, so a burst clears in one pass.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq consumer started", "queue", q.opts.Queue,
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	tick := time.NewTicker(q.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("vtq consumer stopped", "queue", q.opts.Queue)
			return
		case <-tick.C:
			q.drain(ctx, handler)
		}
	}
}

func (q *Q) drain(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq claim", "queue", q.opts.Queue, "error", err)
			return
		}
		if job == nil {
			return
		}
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("vtq discarding job past attempt budget",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			q.Ack(ctx, job.ID)
			continue
		}
		if err := handler(ctx, job); err != nil {
			log.Warn("vtq handler error, requeueing",
				"id", job.ID, "queue", q.opts.Queue, "error", err)
			q.Nack(ctx, job.ID)
			continue
		}
		q.Ack(ctx, job.ID)
	}
}
