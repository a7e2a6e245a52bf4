package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gridforge/swarm/dbopen"
)

const slotCols = `id, request_id, state, worker_id, model, attempts, ttl_ms, leased_at,
	result, seed, meta, download_url, file_size, fault_reason,
	last_fault_worker, last_fault_at, finished_at, created_at`

// GetSlot retrieves a slot by ID. Returns nil, nil when absent.
func (s *Store) GetSlot(ctx context.Context, id string) (*Slot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+slotCols+` FROM slots WHERE id = ?`, id)
	sl, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sl, err
}

// Candidate is a pending slot eligible for a worker, joined with the parent
// request fields the matcher needs to pick a model and compute the TTL.
type Candidate struct {
	SlotID        string
	RequestID     string
	AccountID     string
	Media         string
	ModelsJSON    string
	ParamsJSON    string
	Workload      float64
	Kudos         float64
	SlotCreatedAt int64
}

// CandidateQuery filters pending slots for one polling worker.
type CandidateQuery struct {
	WorkerID       string   // for the cool-down exclusion
	Models         []string // worker's declared models
	Media          string
	MaxWorkload    float64
	CooldownCutoff int64 // exclude slots this worker faulted on after this instant (ms)
	Limit          int
}

// Candidates returns eligible pending slots ordered by the parent request's
// priority key, then slot age. The cool-down exclusion keeps a slot away from
// the worker that last faulted on it; requests with an empty model list accept
// any of the worker's models.
func (s *Store) Candidates(ctx context.Context, q CandidateQuery) ([]*Candidate, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if len(q.Models) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Models)), ",")
	query := fmt.Sprintf(`
		SELECT s.id, r.id, r.account_id, r.media, r.models, r.params, r.workload, r.kudos, s.created_at
		FROM slots s
		JOIN requests r ON r.id = s.request_id
		WHERE s.state = ?
		  AND r.state = ?
		  AND r.media = ?
		  AND r.workload <= ?
		  AND NOT (s.last_fault_worker = ? AND s.last_fault_at > ?)
		  AND (
			json_array_length(r.models) = 0
			OR EXISTS (SELECT 1 FROM json_each(r.models) WHERE json_each.value IN (%s))
		  )
		ORDER BY r.priority_key ASC, s.created_at ASC, s.id ASC
		LIMIT ?`, placeholders)

	args := []any{SlotPending, RequestActive, q.Media, q.MaxWorkload, q.WorkerID, q.CooldownCutoff}
	for _, m := range q.Models {
		args = append(args, m)
	}
	args = append(args, q.Limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.SlotID, &c.RequestID, &c.AccountID, &c.Media, &c.ModelsJSON,
			&c.ParamsJSON, &c.Workload, &c.Kudos, &c.SlotCreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Lease atomically claims a pending slot for a worker. The single guarded
// UPDATE is what makes two concurrent polls for the same slot impossible to
// both succeed: the loser sees zero rows and gets ErrAlreadyLeased. The
// worker's concurrency cap is checked inside the same statement, so two
// polls racing for different slots cannot push one worker past its cap.
// maxConcurrent <= 0 means uncapped. The attempt counter increments on
// every lease.
func (s *Store) Lease(ctx context.Context, slotID, workerID, model string, ttl time.Duration, maxConcurrent int) (*Slot, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE slots
		SET state = ?, worker_id = ?, model = ?, ttl_ms = ?, leased_at = ?, attempts = attempts + 1
		WHERE id = ? AND state = ?
		  AND (? <= 0 OR (SELECT COUNT(*) FROM slots WHERE worker_id = ? AND state = ?) < ?)
		RETURNING `+slotCols,
		SlotLeased, workerID, model, ttl.Milliseconds(), s.now().UnixMilli(),
		slotID, SlotPending,
		maxConcurrent, workerID, SlotLeased, maxConcurrent,
	)
	sl, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlreadyLeased
	}
	return sl, err
}

// ResultPayload carries the worker-reported outcome of a completed slot.
type ResultPayload struct {
	Generation  string
	Seed        int64
	MetaJSON    string
	DownloadURL string
	FileSize    int64
}

// SubmitOutcome reports what a submission did.
type SubmitOutcome struct {
	Slot        *Slot
	Request     *Request
	Discarded   bool // parent request was cancelled; result dropped
	RequestDone bool // this submission made the parent request terminal
}

// Submit records a worker's result for its leased slot. The lease-holder
// check and the transition run in one transaction; a non-holder never
// mutates the slot. A result arriving after the parent request was cancelled
// is discarded (not an error — the worker did the work in good faith).
func (s *Store) Submit(ctx context.Context, slotID, workerID string, res ResultPayload) (*SubmitOutcome, error) {
	now := s.now().UnixMilli()
	var out SubmitOutcome

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		sl, err := getSlotTx(ctx, tx, slotID)
		if err != nil {
			return err
		}
		switch sl.State {
		case SlotSubmitted:
			return ErrAlreadySubmitted
		case SlotLeased:
			// fall through to the holder check
		default:
			// pending, faulted, stale, cancelled: no live lease to submit against
			return ErrLeaseMismatch
		}
		if sl.WorkerID != workerID {
			return ErrLeaseMismatch
		}

		req, err := getRequestTx(ctx, tx, sl.RequestID)
		if err != nil {
			return err
		}

		if req.State != RequestActive {
			// Cancelled or expired while leased: drop the result.
			_, err := tx.ExecContext(ctx,
				`UPDATE slots SET state = ?, finished_at = ? WHERE id = ?`,
				SlotCancelled, now, slotID)
			if err != nil {
				return err
			}
			sl.State = SlotCancelled
			sl.FinishedAt = now
			out = SubmitOutcome{Slot: sl, Request: req, Discarded: true}
			return nil
		}

		meta := res.MetaJSON
		if meta == "" {
			meta = "{}"
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE slots SET state = ?, result = ?, seed = ?, meta = ?,
				download_url = ?, file_size = ?, finished_at = ?
			WHERE id = ?`,
			SlotSubmitted, res.Generation, res.Seed, meta,
			res.DownloadURL, res.FileSize, now, slotID)
		if err != nil {
			return err
		}
		sl.State = SlotSubmitted
		sl.Result = res.Generation
		sl.Seed = res.Seed
		sl.FinishedAt = now

		done, err := finalizeRequestTx(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if done {
			req.State = RequestDone
		}
		out = SubmitOutcome{Slot: sl, Request: req, RequestDone: done}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FaultOutcome reports how a fault or stale abort resolved.
type FaultOutcome struct {
	Slot        *Slot
	WorkerID    string // the worker whose lease was revoked
	Requeued    bool   // slot returned to pending for another attempt
	Cancelled   bool   // parent request was already terminal
	RequestDone bool
}

// Fault records a worker-reported failure for its leased slot. While attempts
// remain the slot re-enters pending with a cool-down marker against the
// faulting worker; otherwise it terminally faults and the parent request may
// finish with a partial failure.
func (s *Store) Fault(ctx context.Context, slotID, workerID, reason string, maxAttempts int) (*FaultOutcome, error) {
	return s.revokeLease(ctx, slotID, workerID, reason, SlotFaulted, maxAttempts, false)
}

// AbortStale reclaims a leased slot whose TTL elapsed with no submission.
// Only the reconciliation sweep calls this. Idempotent: a slot that is no
// longer leased, or whose lease was renewed, is left alone (nil outcome).
func (s *Store) AbortStale(ctx context.Context, slotID string, maxAttempts int) (*FaultOutcome, error) {
	return s.revokeLease(ctx, slotID, "", "lease expired with no submission", SlotStale, maxAttempts, true)
}

func (s *Store) revokeLease(ctx context.Context, slotID, workerID, reason, terminalState string, maxAttempts int, staleCheck bool) (*FaultOutcome, error) {
	now := s.now().UnixMilli()
	var out *FaultOutcome

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		sl, err := getSlotTx(ctx, tx, slotID)
		if err != nil {
			return err
		}
		if sl.State != SlotLeased {
			if staleCheck {
				return nil // another sweep got here first
			}
			if sl.State == SlotSubmitted {
				return ErrAlreadySubmitted
			}
			return ErrLeaseMismatch
		}
		if staleCheck {
			if sl.LeasedAt+sl.TTLMillis > now {
				return nil // lease no longer stale (re-leased since the scan)
			}
		} else if sl.WorkerID != workerID {
			return ErrLeaseMismatch
		}

		req, err := getRequestTx(ctx, tx, sl.RequestID)
		if err != nil {
			return err
		}

		holder := sl.WorkerID
		if req.State != RequestActive {
			// Parent already terminal: nothing left to retry for.
			_, err = tx.ExecContext(ctx, `
				UPDATE slots SET state = ?, worker_id = NULL, leased_at = NULL,
					fault_reason = ?, finished_at = ?
				WHERE id = ?`,
				SlotCancelled, reason, now, slotID)
			if err != nil {
				return err
			}
			sl.State = SlotCancelled
			sl.WorkerID = ""
			sl.FinishedAt = now
			out = &FaultOutcome{Slot: sl, WorkerID: holder, Cancelled: true}
			return nil
		}

		requeue := sl.Attempts < maxAttempts
		if requeue {
			_, err = tx.ExecContext(ctx, `
				UPDATE slots SET state = ?, worker_id = NULL, model = '', leased_at = NULL,
					fault_reason = ?, last_fault_worker = ?, last_fault_at = ?
				WHERE id = ?`,
				SlotPending, reason, holder, now, slotID)
			if err != nil {
				return err
			}
			sl.State = SlotPending
			sl.WorkerID = ""
			sl.LastFaultWorker = holder
			sl.LastFaultAt = now
			out = &FaultOutcome{Slot: sl, WorkerID: holder, Requeued: true}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE slots SET state = ?, fault_reason = ?, last_fault_worker = ?,
				last_fault_at = ?, finished_at = ?
			WHERE id = ?`,
			terminalState, reason, holder, now, now, slotID)
		if err != nil {
			return err
		}
		sl.State = terminalState
		sl.LastFaultWorker = holder
		sl.LastFaultAt = now
		sl.FinishedAt = now

		done, err := finalizeRequestTx(ctx, tx, sl.RequestID)
		if err != nil {
			return err
		}
		out = &FaultOutcome{Slot: sl, WorkerID: holder, RequestDone: done}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SlotCounts reports how many slots sit pending and leased.
func (s *Store) SlotCounts(ctx context.Context) (pending, leased int, err error) {
	err = s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = ?),
			COUNT(*) FILTER (WHERE state = ?)
		FROM slots`,
		SlotPending, SlotLeased).Scan(&pending, &leased)
	return pending, leased, err
}

// StaleLeases returns leased slots whose TTL has elapsed.
func (s *Store) StaleLeases(ctx context.Context) ([]*Slot, error) {
	now := s.now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+slotCols+` FROM slots WHERE state = ? AND leased_at + ttl_ms <= ?`,
		SlotLeased, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		sl, err := scanSlotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// finalizeRequestTx marks the request done when no live slots remain.
// Cancelled/expired requests keep their state.
func finalizeRequestTx(ctx context.Context, tx *sql.Tx, requestID string) (bool, error) {
	var live int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE request_id = ? AND state IN (?, ?)`,
		requestID, SlotPending, SlotLeased,
	).Scan(&live)
	if err != nil {
		return false, err
	}
	if live > 0 {
		return false, nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET state = ? WHERE id = ? AND state = ?`,
		RequestDone, requestID, RequestActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func getSlotTx(ctx context.Context, tx *sql.Tx, id string) (*Slot, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+slotCols+` FROM slots WHERE id = ?`, id)
	sl, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slot %s: %w", id, sql.ErrNoRows)
	}
	return sl, err
}

func getRequestTx(ctx context.Context, tx *sql.Tx, id string) (*Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	var r Request
	err := row.Scan(
		&r.ID, &r.AccountID, &r.Media, &r.ModelsJSON, &r.ParamsJSON, &r.N, &r.Workload, &r.Kudos,
		&r.PriorityKey, &r.NSFW, &r.Webhook, &r.State, &r.ExpiresAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*Slot, error) {
	var sl Slot
	var workerID, result sql.NullString
	var leasedAt, finishedAt sql.NullInt64
	err := row.Scan(
		&sl.ID, &sl.RequestID, &sl.State, &workerID, &sl.Model, &sl.Attempts, &sl.TTLMillis, &leasedAt,
		&result, &sl.Seed, &sl.MetaJSON, &sl.DownloadURL, &sl.FileSize, &sl.FaultReason,
		&sl.LastFaultWorker, &sl.LastFaultAt, &finishedAt, &sl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sl.WorkerID = workerID.String
	sl.Result = result.String
	sl.LeasedAt = leasedAt.Int64
	sl.FinishedAt = finishedAt.Int64
	return &sl, nil
}

func scanSlotRows(rows *sql.Rows) (*Slot, error) {
	return scanSlot(rows)
}
