package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// IsBusy reports whether err looks like an SQLite BUSY condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(err.Error(), marker) {
			return true
		}
	}
	return false
}

// RunTx runs fn inside a transaction, retrying a handful of times with
// linear backoff when the database reports BUSY. Any other error, and
// any error from fn itself, rolls back and returns immediately.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	const attempts = 3
	var err error
	for try := 1; try <= attempts; try++ {
		if err = attempt(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if try == attempts {
			break
		}
		wait := time.NewTimer(time.Duration(try) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			wait.Stop()
			return fmt.Errorf("dbopen: retry interrupted: %w", ctx.Err())
		case <-wait.C:
		}
	}
	return fmt.Errorf("dbopen: still busy after %d attempts: %w", attempts, err)
}

func attempt(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
