package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics is a point-in-time snapshot of the Go process.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics samples the runtime.
func CollectRuntimeMetrics() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1 << 20
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(ms.Alloc) / mb,
		MemorySysMB:     float64(ms.Sys) / mb,
		GCCount:         ms.NumGC,
	}
}

// HeartbeatWriter records liveness rows for the coordinator process so
// an operator can tell a dead swarmd from an idle one.
type HeartbeatWriter struct {
	db       *sql.DB
	process  string
	hostname string
	pid      int
	interval time.Duration
	quit     chan struct{}
	finished chan struct{}
}

func NewHeartbeatWriter(db *sql.DB, process string, interval time.Duration) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		process:  process,
		hostname: host,
		pid:      os.Getpid(),
		interval: interval,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start begins writing heartbeats: one immediately, then one per
// interval until Stop or ctx cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go func() {
		defer close(hw.finished)
		tick := time.NewTicker(hw.interval)
		defer tick.Stop()

		hw.write()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hw.quit:
				return
			case <-tick.C:
				hw.write()
			}
		}
	}()
}

// Stop ends the heartbeat goroutine and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.quit)
	<-hw.finished
}

// WriteHeartbeat inserts a single liveness row.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	rt := CollectRuntimeMetrics()
	_, err := hw.db.Exec(`INSERT INTO process_heartbeats
		(process_name, hostname, pid, timestamp,
		 goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES (?,?,?,?,?,?,?,?)`,
		hw.process, hw.hostname, hw.pid, time.Now().Unix(),
		rt.GoroutinesCount, rt.MemoryAllocMB, rt.MemorySysMB, rt.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) write() {
	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write", "process", hw.process, "error", err)
	}
}
