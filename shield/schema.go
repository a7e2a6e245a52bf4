package shield

import "database/sql"

// Schema holds the rate_limits table the RateLimiter reads. An
// operator row per endpoint; absent rows mean no limit.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Init creates the shield tables.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
