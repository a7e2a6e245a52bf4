package observability

import "database/sql"

// Schema is the DDL for the observability database. It lives apart
// from the queue database so event and metric writes never contend
// with lease transactions. All statements are idempotent.
const Schema = `
-- Liveness rows written by each coordinator process.
CREATE TABLE IF NOT EXISTS process_heartbeats (
    heartbeat_id     TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    process_name     TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    pid              INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    memory_sys_mb    REAL,
    gc_count         INTEGER,
    created_at       INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_hb_proc_ts
    ON process_heartbeats(process_name, timestamp DESC);

-- Request, slot, and worker lifecycle events.
CREATE TABLE IF NOT EXISTS queue_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    entity_type TEXT,
    entity_id   TEXT,
    actor_id    TEXT,
    action      TEXT NOT NULL,
    details     TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_qe_type ON queue_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_qe_entity ON queue_events(entity_type, entity_id);

-- Gauge and counter datapoints.
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_mt_name_ts
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init applies the schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
