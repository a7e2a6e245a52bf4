// Package reconcile runs the periodic repair sweep.
//
// Nothing in the lease lifecycle depends on a worker saying goodbye:
// the sweep finds leases whose TTL passed without a result, revokes
// them, and either re-queues or terminally fails the slot. It also
// retires requests that outlived their lifetime. The sweep is
// idempotent, so overlapping or restarted sweeps are harmless.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridforge/swarm/coord/internal/registry"
	"github.com/gridforge/swarm/coord/internal/store"
)

type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxAttempts bounds lease attempts per slot before it fails
	// terminally.
	MaxAttempts int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

type Sweeper struct {
	store    *store.Store
	registry *registry.Registry
	cfg      Config
	log      *slog.Logger
}

func New(st *store.Store, reg *registry.Registry, cfg Config, log *slog.Logger) *Sweeper {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: st, registry: reg, cfg: cfg, log: log}
}

// Stats summarizes one sweep.
type Stats struct {
	StaleAborted      int
	Requeued          int
	TerminallyFaulted int
	RequestsExpired   int
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("sweep failed", "error", err)
				continue
			}
			if stats.StaleAborted > 0 || stats.RequestsExpired > 0 {
				s.log.Info("sweep",
					"stale_aborted", stats.StaleAborted,
					"requeued", stats.Requeued,
					"terminal", stats.TerminallyFaulted,
					"requests_expired", stats.RequestsExpired)
			}
		}
	}
}

// SweepOnce reclaims every expired lease and retires every expired
// request, once.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	stale, err := s.store.StaleLeases(ctx)
	if err != nil {
		return stats, err
	}
	for _, sl := range stale {
		out, err := s.store.AbortStale(ctx, sl.ID, s.cfg.MaxAttempts)
		if err != nil {
			return stats, err
		}
		if out == nil {
			// Raced with a submit or another sweep.
			continue
		}
		stats.StaleAborted++
		if out.Cancelled {
			// Parent request was already terminal; the lease died with
			// it, and the holder's fault streak stays untouched.
			s.log.Info("stale lease released", "slot", sl.ID, "worker", out.WorkerID)
			continue
		}
		if out.Requeued {
			stats.Requeued++
		} else {
			stats.TerminallyFaulted++
		}
		tripped, err := s.registry.MarkFault(ctx, out.WorkerID)
		if err != nil {
			return stats, err
		}
		s.log.Warn("stale lease revoked",
			"slot", sl.ID, "worker", out.WorkerID,
			"requeued", out.Requeued, "worker_auto_paused", tripped)
	}

	expired, err := s.store.ExpiredRequestIDs(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range expired {
		if err := s.store.ExpireRequest(ctx, id); err != nil {
			return stats, err
		}
		stats.RequestsExpired++
		s.log.Info("request expired", "request", id)
	}
	return stats, nil
}
