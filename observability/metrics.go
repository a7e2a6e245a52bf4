package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gauge and counter series the coordinator records.
const (
	MetricQueueDepth      = "queue_depth"
	MetricLeasesActive    = "leases_active"
	MetricSlotsSubmitted  = "slots_submitted_count"
	MetricSlotsFaulted    = "slots_faulted_count"
	MetricSweepStaleCount = "sweep_stale_count"
	MetricWorkersEligible = "workers_eligible"
	MetricPollLatencyMs   = "poll_latency_ms"
)

// Metric is one timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// MetricsManager batches datapoints in memory and writes them to the
// metrics_timeseries table on a timer or when the batch fills. Record
// never blocks on SQLite; poll and submit handlers call it inline.
type MetricsManager struct {
	db       *sql.DB
	capacity int
	interval time.Duration

	mu      sync.Mutex
	pending []*Metric

	quit     chan struct{}
	finished chan struct{}
}

// NewMetricsManager starts the flush goroutine. A capacity around 100
// and an interval of a few seconds keep write amplification low.
func NewMetricsManager(db *sql.DB, capacity int, interval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:       db,
		capacity: capacity,
		interval: interval,
		pending:  make([]*Metric, 0, capacity),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go mm.run()
	return mm
}

// Record queues one datapoint.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	mm.pending = append(mm.pending, m)
	full := len(mm.pending) >= mm.capacity
	if full {
		mm.writeBatchLocked()
	}
	mm.mu.Unlock()
}

// RecordSimple queues an unlabeled datapoint stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Close flushes whatever is pending and stops the flush goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.quit)
	<-mm.finished
	return nil
}

func (mm *MetricsManager) run() {
	defer close(mm.finished)
	tick := time.NewTicker(mm.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			mm.flush()
		case <-mm.quit:
			mm.flush()
			return
		}
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	mm.writeBatchLocked()
	mm.mu.Unlock()
}

func (mm *MetricsManager) writeBatchLocked() {
	if len(mm.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("metrics flush begin", "error", err)
		return
	}
	ins, err := tx.PrepareContext(ctx, `INSERT INTO metrics_timeseries
		(metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("metrics flush prepare", "error", err)
		return
	}
	defer ins.Close()

	for _, m := range mm.pending {
		labels := sql.NullString{}
		if len(m.Labels) > 0 {
			if raw, jerr := json.Marshal(m.Labels); jerr == nil {
				labels = sql.NullString{String: string(raw), Valid: true}
			}
		}
		if _, err := ins.ExecContext(ctx,
			m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
			slog.Error("metrics flush insert", "metric", m.Name, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("metrics flush commit", "error", err)
		return
	}
	mm.pending = mm.pending[:0]
}

// Query reads datapoints back, newest first. Empty name matches every
// series; nil bounds are open; limit <= 0 means no limit.
func (mm *MetricsManager) Query(name string, from, until *time.Time, limit int) ([]*Metric, error) {
	stmt := `SELECT metric_name, timestamp, value, labels, unit
		FROM metrics_timeseries WHERE 1=1`
	var args []any
	if name != "" {
		stmt += " AND metric_name = ?"
		args = append(args, name)
	}
	if from != nil {
		stmt += " AND timestamp >= ?"
		args = append(args, from.Unix())
	}
	if until != nil {
		stmt += " AND timestamp <= ?"
		args = append(args, until.Unix())
	}
	stmt += " ORDER BY timestamp DESC"
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var result []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}
