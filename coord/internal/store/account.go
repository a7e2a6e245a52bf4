package store

import (
	"context"
	"database/sql"
	"errors"
)

const accountCols = `id, name, api_key_hash, trust_tier, kudos_ema, usage_at, created_at`

// InsertAccount adds a new requester account.
func (s *Store) InsertAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = s.now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO accounts (id, name, api_key_hash, trust_tier, kudos_ema, usage_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.APIKeyHash, a.TrustTier, a.KudosEMA, a.UsageAt, a.CreatedAt,
	)
	return err
}

// GetAccount retrieves an account by ID. Returns nil, nil when absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByKeyHash looks up an account by its API key digest.
// Returns nil, nil when no account matches.
func (s *Store) GetAccountByKeyHash(ctx context.Context, hash string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE api_key_hash = ?`, hash)
	return scanAccount(row)
}

// UpdateUsage persists the requester's decayed-usage EMA after a completed
// generation. The decay math itself lives in the priority package; the store
// only records the new value and its timestamp.
func (s *Store) UpdateUsage(ctx context.Context, accountID string, ema float64, at int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE accounts SET kudos_ema = ?, usage_at = ? WHERE id = ?`,
		ema, at, accountID,
	)
	return err
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.TrustTier, &a.KudosEMA, &a.UsageAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
