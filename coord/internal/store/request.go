package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gridforge/swarm/dbopen"
)

const requestCols = `id, account_id, media, models, params, n, workload, kudos,
	priority_key, nsfw, webhook, state, expires_at, created_at`

// InsertRequest creates a request together with its n slots in one
// transaction. The slot count is fixed here and never grows.
func (s *Store) InsertRequest(ctx context.Context, r *Request, slotIDs []string) error {
	if len(slotIDs) != r.N {
		return fmt.Errorf("request %s: %d slot ids for n=%d", r.ID, len(slotIDs), r.N)
	}
	now := s.now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.State == "" {
		r.State = RequestActive
	}
	if r.ModelsJSON == "" {
		r.ModelsJSON = "[]"
	}
	if r.ParamsJSON == "" {
		r.ParamsJSON = "{}"
	}

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO requests (id, account_id, media, models, params, n, workload, kudos,
			priority_key, nsfw, webhook, state, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AccountID, r.Media, r.ModelsJSON, r.ParamsJSON, r.N, r.Workload, r.Kudos,
			r.PriorityKey, r.NSFW, r.Webhook, r.State, r.ExpiresAt, r.CreatedAt,
		)
		if err != nil {
			return err
		}
		for _, id := range slotIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO slots (id, request_id, state, created_at) VALUES (?, ?, ?, ?)`,
				id, r.ID, SlotPending, r.CreatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRequest retrieves a request by ID. Returns nil, nil when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// RequestSlots returns all slots of a request in creation order.
func (s *Store) RequestSlots(ctx context.Context, requestID string) ([]*Slot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+slotCols+` FROM slots WHERE request_id = ? ORDER BY created_at, id`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*Slot
	for rows.Next() {
		sl, err := scanSlotRows(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// CancelRequest transitions all still-pending slots to cancelled and marks
// the request cancelled. Leased slots are untouched: they run to completion
// or time out, and their results are discarded on arrival.
func (s *Store) CancelRequest(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE requests SET state = ? WHERE id = ? AND state = ?`,
			RequestCancelled, id, RequestActive,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s: %w", id, sql.ErrNoRows)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE slots SET state = ?, finished_at = ? WHERE request_id = ? AND state = ?`,
			SlotCancelled, now, id, SlotPending,
		)
		return err
	})
}

// ExpireRequest force-terminates a request past its soft lifetime: pending
// slots become cancelled, the request becomes expired. Idempotent.
func (s *Store) ExpireRequest(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE requests SET state = ? WHERE id = ? AND state = ?`,
			RequestExpired, id, RequestActive,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // already terminal
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE slots SET state = ?, finished_at = ? WHERE request_id = ? AND state = ?`,
			SlotCancelled, now, id, SlotPending,
		)
		return err
	})
}

// ExpiredRequestIDs returns active requests whose soft expiry has passed.
func (s *Store) ExpiredRequestIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM requests WHERE state = ? AND expires_at <= ?`,
		RequestActive, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRequest(row *sql.Row) (*Request, error) {
	var r Request
	err := row.Scan(
		&r.ID, &r.AccountID, &r.Media, &r.ModelsJSON, &r.ParamsJSON, &r.N, &r.Workload, &r.Kudos,
		&r.PriorityKey, &r.NSFW, &r.Webhook, &r.State, &r.ExpiresAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
