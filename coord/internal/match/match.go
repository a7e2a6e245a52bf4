// Package match assigns pending slots to polling workers.
//
// The matcher walks the priority-ordered candidate list and tries to
// lease each slot in turn. The lease itself is a single guarded update,
// so two workers racing for the same slot resolve in the database:
// the loser just moves on to the next candidate.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gridforge/swarm/coord/internal/store"
)

// Config tunes lease TTL computation and candidate scanning.
type Config struct {
	// TTLFloor is the minimum lease TTL regardless of workload.
	TTLFloor time.Duration
	// TTLBase plus TTLPerUnit times the request workload gives the raw
	// TTL before the floor applies.
	TTLBase    time.Duration
	TTLPerUnit time.Duration
	// Cooldown keeps a re-queued slot away from the worker that just
	// faulted on it.
	Cooldown time.Duration
	// CandidateLimit bounds how many slots one poll scans.
	CandidateLimit int
}

func (c *Config) setDefaults() {
	if c.TTLFloor <= 0 {
		c.TTLFloor = 150 * time.Second
	}
	if c.TTLBase <= 0 {
		c.TTLBase = 60 * time.Second
	}
	if c.TTLPerUnit <= 0 {
		c.TTLPerUnit = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Minute
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 20
	}
}

type Matcher struct {
	store *store.Store
	cfg   Config
}

func New(st *store.Store, cfg Config) *Matcher {
	cfg.setDefaults()
	return &Matcher{store: st, cfg: cfg}
}

// Assignment is a leased slot handed to a worker.
type Assignment struct {
	SlotID     string
	RequestID  string
	Model      string
	Media      string
	ParamsJSON string
	Workload   float64
	Kudos      float64
	Attempts   int
	TTL        time.Duration
}

// TTL computes the lease deadline for a given workload. Larger jobs
// get proportionally longer, but nothing goes below the floor so slow
// hardware is not aborted mid-generation on small jobs.
func (m *Matcher) TTL(workload float64) time.Duration {
	ttl := m.cfg.TTLBase + time.Duration(workload*float64(m.cfg.TTLPerUnit))
	if ttl < m.cfg.TTLFloor {
		ttl = m.cfg.TTLFloor
	}
	return ttl
}

// Assign finds the highest-priority slot the worker can serve and
// leases it. Returns nil, nil when nothing suitable is pending.
func (m *Matcher) Assign(ctx context.Context, w *store.Worker) (*Assignment, error) {
	var workerModels []string
	if err := json.Unmarshal([]byte(w.ModelsJSON), &workerModels); err != nil {
		return nil, err
	}
	if len(workerModels) == 0 {
		return nil, nil
	}

	cands, err := m.store.Candidates(ctx, store.CandidateQuery{
		WorkerID:       w.ID,
		Models:         workerModels,
		Media:          w.Media,
		MaxWorkload:    w.MaxWorkload,
		CooldownCutoff: m.store.Now().Add(-m.cfg.Cooldown).UnixMilli(),
		Limit:          m.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, err
	}

	for _, c := range cands {
		model, err := pickModel(c.ModelsJSON, workerModels)
		if err != nil {
			return nil, err
		}
		if model == "" {
			continue
		}
		ttl := m.TTL(c.Workload)
		sl, err := m.store.Lease(ctx, c.SlotID, w.ID, model, ttl, w.MaxConcurrent)
		if errors.Is(err, store.ErrAlreadyLeased) {
			// Lost the race for this slot, or a racing poll filled the
			// worker's last free lease. Try the next candidate.
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Assignment{
			SlotID:     sl.ID,
			RequestID:  c.RequestID,
			Model:      model,
			Media:      c.Media,
			ParamsJSON: c.ParamsJSON,
			Workload:   c.Workload,
			Kudos:      c.Kudos,
			Attempts:   sl.Attempts,
			TTL:        ttl,
		}, nil
	}
	return nil, nil
}

// pickModel chooses the concrete model for a lease: the first model in
// the request's preference order that the worker declares, or the
// worker's first model when the request accepts anything.
func pickModel(requestModelsJSON string, workerModels []string) (string, error) {
	var requested []string
	if requestModelsJSON != "" {
		if err := json.Unmarshal([]byte(requestModelsJSON), &requested); err != nil {
			return "", err
		}
	}
	if len(requested) == 0 {
		return workerModels[0], nil
	}
	declared := make(map[string]bool, len(workerModels))
	for _, m := range workerModels {
		declared[m] = true
	}
	for _, m := range requested {
		if declared[m] {
			return m, nil
		}
	}
	return "", nil
}
