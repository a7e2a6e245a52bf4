package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const workerCols = `id, account_id, name, models, media, max_concurrent, max_workload,
	paused, maintenance, auto_paused, probation, consecutive_faults,
	total_submitted, total_faulted, auto_paused_at, last_seen_at, active, created_at`

// InsertWorker registers a new worker.
func (s *Store) InsertWorker(ctx context.Context, w *Worker) error {
	if w.CreatedAt == 0 {
		w.CreatedAt = s.now().UnixMilli()
	}
	if w.LastSeenAt == 0 {
		w.LastSeenAt = w.CreatedAt
	}
	if w.Media == "" {
		w.Media = "image"
	}
	if w.ModelsJSON == "" {
		w.ModelsJSON = "[]"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO workers (id, account_id, name, models, media, max_concurrent, max_workload,
		paused, maintenance, auto_paused, probation, consecutive_faults,
		total_submitted, total_faulted, auto_paused_at, last_seen_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AccountID, w.Name, w.ModelsJSON, w.Media, w.MaxConcurrent, w.MaxWorkload,
		w.Paused, w.Maintenance, w.AutoPaused, w.Probation, w.ConsecutiveFaults,
		w.TotalSubmitted, w.TotalFaulted, w.AutoPausedAt, w.LastSeenAt, w.Active, w.CreatedAt,
	)
	return err
}

// GetWorker retrieves a worker by ID. Returns nil, nil when absent.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+workerCols+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// GetWorkerByName retrieves a worker by its unique name. Returns nil, nil when absent.
func (s *Store) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+workerCols+` FROM workers WHERE name = ?`, name)
	return scanWorker(row)
}

// ListWorkers returns all workers, active and deactivated.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+workerCols+` FROM workers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// TouchWorker refreshes last-check-in time and the declared capability set.
func (s *Store) TouchWorker(ctx context.Context, id, modelsJSON string, maxConcurrent int, maxWorkload float64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET models = ?, max_concurrent = ?, max_workload = ?, last_seen_at = ?
		WHERE id = ? AND active = 1`,
		modelsJSON, maxConcurrent, maxWorkload, s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// SetWorkerFlags updates the operator-controlled pause/maintenance flags.
func (s *Store) SetWorkerFlags(ctx context.Context, id string, paused, maintenance bool) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET paused = ?, maintenance = ? WHERE id = ?`,
		paused, maintenance, id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// ReviveWorker reactivates a worker row under a fresh capability set.
// Operator flags and fault history carry over across restarts.
func (s *Store) ReviveWorker(ctx context.Context, id, modelsJSON, media string, maxConcurrent int, maxWorkload float64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET active = 1, models = ?, media = ?, max_concurrent = ?, max_workload = ?, last_seen_at = ?
		WHERE id = ?`,
		modelsJSON, media, maxConcurrent, maxWorkload, s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// DeactivateWorker soft-deletes a worker. The row is kept for accounting.
func (s *Store) DeactivateWorker(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// RecordWorkerSuccess updates rolling counters after a successful submission
// and clears the consecutive-fault streak, the auto-pause, and any probation
// flag in one atomic statement.
func (s *Store) RecordWorkerSuccess(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET
			total_submitted = total_submitted + 1,
			consecutive_faults = 0,
			auto_paused = 0,
			probation = 0,
			auto_paused_at = 0
		WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// RecordWorkerFault increments fault counters. When the consecutive streak
// reaches threshold the worker is auto-paused; a fault during probation
// extends the pause by resetting auto_paused_at. Returns the worker's
// post-update auto_paused state.
func (s *Store) RecordWorkerFault(ctx context.Context, id string, threshold int) (autoPaused bool, err error) {
	now := s.now().UnixMilli()
	row := s.DB.QueryRowContext(ctx,
		`UPDATE workers SET
			total_faulted = total_faulted + 1,
			consecutive_faults = consecutive_faults + 1,
			auto_paused = CASE WHEN consecutive_faults + 1 >= ? THEN 1 ELSE auto_paused END,
			auto_paused_at = CASE WHEN consecutive_faults + 1 >= ? THEN ? ELSE auto_paused_at END,
			probation = 0
		WHERE id = ?
		RETURNING auto_paused`, threshold, threshold, now, id)
	err = row.Scan(&autoPaused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("worker %s: %w", id, sql.ErrNoRows)
	}
	return autoPaused, err
}

// GrantProbation marks an auto-paused worker as eligible for exactly one
// trial lease. Only fires when the pause has aged past the given cutoff.
func (s *Store) GrantProbation(ctx context.Context, id string, pausedBefore int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET probation = 1
		WHERE id = ? AND auto_paused = 1 AND probation = 0 AND auto_paused_at <= ?`,
		id, pausedBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetWorkerFaults manually clears the fault streak and auto-pause.
// This is the operator override for a worker known to be healthy again.
func (s *Store) ResetWorkerFaults(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workers SET consecutive_faults = 0, auto_paused = 0, probation = 0, auto_paused_at = 0
		WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "worker", id)
}

// InFlight counts the worker's currently leased slots.
func (s *Store) InFlight(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE worker_id = ? AND state = ?`,
		workerID, SlotLeased,
	).Scan(&n)
	return n, err
}

func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, sql.ErrNoRows)
	}
	return nil
}

func scanWorker(row *sql.Row) (*Worker, error) {
	var w Worker
	err := row.Scan(
		&w.ID, &w.AccountID, &w.Name, &w.ModelsJSON, &w.Media, &w.MaxConcurrent, &w.MaxWorkload,
		&w.Paused, &w.Maintenance, &w.AutoPaused, &w.Probation, &w.ConsecutiveFaults,
		&w.TotalSubmitted, &w.TotalFaulted, &w.AutoPausedAt, &w.LastSeenAt, &w.Active, &w.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWorkerRows(rows *sql.Rows) (*Worker, error) {
	var w Worker
	err := rows.Scan(
		&w.ID, &w.AccountID, &w.Name, &w.ModelsJSON, &w.Media, &w.MaxConcurrent, &w.MaxWorkload,
		&w.Paused, &w.Maintenance, &w.AutoPaused, &w.Probation, &w.ConsecutiveFaults,
		&w.TotalSubmitted, &w.TotalFaulted, &w.AutoPausedAt, &w.LastSeenAt, &w.Active, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
