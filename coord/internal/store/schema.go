package store

import "database/sql"

// Schema is the complete coordinator schema.
const Schema = `
-- Requester accounts. api_key_hash is a SHA-256 digest used for lookup;
-- the plaintext key is shown once at creation and never stored.
CREATE TABLE IF NOT EXISTS accounts (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    api_key_hash  TEXT NOT NULL UNIQUE,
    trust_tier    INTEGER NOT NULL DEFAULT 0,
    kudos_ema     REAL NOT NULL DEFAULT 0,
    usage_at      INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL
);

-- Compute workers. Never hard-deleted: active=0 deactivates.
CREATE TABLE IF NOT EXISTS workers (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL REFERENCES accounts(id),
    name               TEXT NOT NULL UNIQUE,
    models             TEXT NOT NULL DEFAULT '[]',
    media              TEXT NOT NULL DEFAULT 'image',
    max_concurrent     INTEGER NOT NULL DEFAULT 1,
    max_workload       REAL NOT NULL DEFAULT 1,
    paused             INTEGER NOT NULL DEFAULT 0,
    maintenance        INTEGER NOT NULL DEFAULT 0,
    auto_paused        INTEGER NOT NULL DEFAULT 0,
    probation          INTEGER NOT NULL DEFAULT 0,
    consecutive_faults INTEGER NOT NULL DEFAULT 0,
    total_submitted    INTEGER NOT NULL DEFAULT 0,
    total_faulted      INTEGER NOT NULL DEFAULT 0,
    auto_paused_at     INTEGER NOT NULL DEFAULT 0,
    last_seen_at       INTEGER NOT NULL DEFAULT 0,
    active             INTEGER NOT NULL DEFAULT 1,
    created_at         INTEGER NOT NULL
);

-- Generation requests ("waiting prompts"). Slot count n is fixed at creation.
CREATE TABLE IF NOT EXISTS requests (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    media         TEXT NOT NULL DEFAULT 'image',
    models        TEXT NOT NULL DEFAULT '[]',
    params        TEXT NOT NULL DEFAULT '{}',
    n             INTEGER NOT NULL,
    workload      REAL NOT NULL DEFAULT 1,
    kudos         REAL NOT NULL DEFAULT 0,
    priority_key  REAL NOT NULL DEFAULT 0,
    nsfw          INTEGER NOT NULL DEFAULT 0,
    webhook       TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL DEFAULT 'active',
    expires_at    INTEGER NOT NULL,
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state, expires_at);

-- Generation slots ("processing generations"). One row per unit of work.
-- The lease is the (worker_id, leased_at, ttl_ms) triple on a leased row.
CREATE TABLE IF NOT EXISTS slots (
    id                TEXT PRIMARY KEY,
    request_id        TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    state             TEXT NOT NULL DEFAULT 'pending',
    worker_id         TEXT,
    model             TEXT NOT NULL DEFAULT '',
    attempts          INTEGER NOT NULL DEFAULT 0,
    ttl_ms            INTEGER NOT NULL DEFAULT 0,
    leased_at         INTEGER,
    result            TEXT,
    seed              INTEGER NOT NULL DEFAULT 0,
    meta              TEXT NOT NULL DEFAULT '{}',
    download_url      TEXT NOT NULL DEFAULT '',
    file_size         INTEGER NOT NULL DEFAULT 0,
    fault_reason      TEXT NOT NULL DEFAULT '',
    last_fault_worker TEXT NOT NULL DEFAULT '',
    last_fault_at     INTEGER NOT NULL DEFAULT 0,
    finished_at       INTEGER,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slots_state ON slots(state, created_at);
CREATE INDEX IF NOT EXISTS idx_slots_request ON slots(request_id);
CREATE INDEX IF NOT EXISTS idx_slots_worker ON slots(worker_id, state);
CREATE INDEX IF NOT EXISTS idx_slots_leased ON slots(state, leased_at);
`

// ApplySchema creates all coordinator tables and indexes if they don't exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
