package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"testing"

	"github.com/gridforge/swarm/dbopen"
)

func TestOpen(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
}

// Importing the package must be enough to open a database; no caller
// blank-imports the driver.
func TestDriverRegistered(t *testing.T) {
	if !slices.Contains(sql.Drivers(), "sqlite") {
		t.Fatalf(`drivers = %v, want "sqlite" registered`, sql.Drivers())
	}
}

func TestOpenWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE gens (slot_id TEXT PRIMARY KEY)`))

	if _, err := db.Exec(`INSERT INTO gens (slot_id) VALUES ('gen_1')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestRunTxCommit(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE leases (slot TEXT PRIMARY KEY, holder TEXT)`))
	ctx := context.Background()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO leases (slot, holder) VALUES ('gen_1', 'wrk_1')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var v string
	if err := db.QueryRow(`SELECT holder FROM leases WHERE slot = 'gen_1'`).Scan(&v); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if v != "wrk_1" {
		t.Fatalf("holder = %q, want wrk_1", v)
	}
}

func TestRunTxRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE leases (slot TEXT PRIMARY KEY, holder TEXT)`))
	ctx := context.Background()

	boom := errors.New("boom")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO leases (slot, holder) VALUES ('gen_1', 'wrk_1')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTx error = %v, want boom", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM leases`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows after rollback = %d, want 0", n)
	}
}

func TestIsBusy(t *testing.T) {
	if dbopen.IsBusy(nil) {
		t.Error("nil should not be busy")
	}
	if !dbopen.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("SQLITE_BUSY should be busy")
	}
	if dbopen.IsBusy(errors.New("no such table")) {
		t.Error("unrelated error should not be busy")
	}
}
