// Package registry manages the worker fleet: registration, heartbeats,
// eligibility, and the fault breaker.
//
// The breaker treats a worker like a flaky upstream. A streak of
// consecutive faults trips an auto-pause; after a settle delay the
// worker is granted probation, a single trial lease. Success on the
// trial closes the breaker and clears the streak, another fault
// re-opens it and restarts the delay.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridforge/swarm/coord/internal/store"
	"github.com/gridforge/swarm/idgen"
)

// Config tunes the fault breaker.
type Config struct {
	// FaultThreshold is the consecutive-fault streak that trips the
	// auto-pause.
	FaultThreshold int
	// ProbationDelay is how long a tripped worker sits paused before a
	// trial lease is offered.
	ProbationDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = 5
	}
	if c.ProbationDelay <= 0 {
		c.ProbationDelay = 5 * time.Minute
	}
}

type Registry struct {
	store *store.Store
	cfg   Config
	newID idgen.Generator
}

func New(st *store.Store, cfg Config) *Registry {
	cfg.setDefaults()
	return &Registry{
		store: st,
		cfg:   cfg,
		newID: idgen.Prefixed("wrk_", idgen.UUIDv7()),
	}
}

// Registration is a worker's declared identity and capacity.
type Registration struct {
	AccountID     string
	Name          string
	Models        []string
	Media         string
	MaxConcurrent int
	MaxWorkload   float64
}

func (reg *Registration) validate() error {
	if reg.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(reg.Models) == 0 {
		return &ValidationError{Field: "models", Reason: "must declare at least one model"}
	}
	if reg.MaxConcurrent <= 0 {
		return &ValidationError{Field: "max_concurrent", Reason: "must be positive"}
	}
	if reg.MaxWorkload <= 0 {
		return &ValidationError{Field: "max_workload", Reason: "must be positive"}
	}
	switch reg.Media {
	case "image", "text":
	default:
		return &ValidationError{Field: "media", Reason: fmt.Sprintf("unknown media %q", reg.Media)}
	}
	return nil
}

// Register creates a worker under the given account. Worker names are
// globally unique; re-registering a name owned by the same account
// reactivates the existing row with the new capability set, so a worker
// process can restart without losing its track record.
func (r *Registry) Register(ctx context.Context, reg Registration) (*store.Worker, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}
	modelsJSON, err := json.Marshal(reg.Models)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetWorkerByName(ctx, reg.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.AccountID != reg.AccountID {
			return nil, fmt.Errorf("worker name %q: %w", reg.Name, ErrNameTaken)
		}
		if err := r.store.ReviveWorker(ctx, existing.ID, string(modelsJSON), reg.Media, reg.MaxConcurrent, reg.MaxWorkload); err != nil {
			return nil, err
		}
		return r.store.GetWorker(ctx, existing.ID)
	}

	w := &store.Worker{
		ID:            r.newID(),
		AccountID:     reg.AccountID,
		Name:          reg.Name,
		ModelsJSON:    string(modelsJSON),
		Media:         reg.Media,
		MaxConcurrent: reg.MaxConcurrent,
		MaxWorkload:   reg.MaxWorkload,
		Active:        true,
	}
	if err := r.store.InsertWorker(ctx, w); err != nil {
		return nil, err
	}
	return r.store.GetWorker(ctx, w.ID)
}

// Heartbeat refreshes a worker's declared capabilities and check-in
// time. For an auto-paused worker it also decides whether the settle
// delay has elapsed and a probation lease should be offered.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, models []string, maxConcurrent int, maxWorkload float64) (*store.Worker, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil || !w.Active {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrUnknownWorker)
	}

	modelsJSON := w.ModelsJSON
	if len(models) > 0 {
		b, err := json.Marshal(models)
		if err != nil {
			return nil, err
		}
		modelsJSON = string(b)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = w.MaxConcurrent
	}
	if maxWorkload <= 0 {
		maxWorkload = w.MaxWorkload
	}
	if err := r.store.TouchWorker(ctx, workerID, modelsJSON, maxConcurrent, maxWorkload); err != nil {
		return nil, err
	}

	if w.AutoPaused && !w.Probation {
		cutoff := r.store.Now().Add(-r.cfg.ProbationDelay).UnixMilli()
		if _, err := r.store.GrantProbation(ctx, workerID, cutoff); err != nil {
			return nil, err
		}
	}
	return r.store.GetWorker(ctx, workerID)
}

// MarkSuccess records a completed delivery. It closes the breaker: the
// fault streak, auto-pause, and probation flag all clear.
func (r *Registry) MarkSuccess(ctx context.Context, workerID string) error {
	return r.store.RecordWorkerSuccess(ctx, workerID)
}

// MarkFault records a failed or abandoned lease against the worker.
// Returns true when this fault tripped (or re-tripped) the auto-pause.
func (r *Registry) MarkFault(ctx context.Context, workerID string) (bool, error) {
	return r.store.RecordWorkerFault(ctx, workerID, r.cfg.FaultThreshold)
}

// Reset is the operator override: clear the streak and unpause.
func (r *Registry) Reset(ctx context.Context, workerID string) error {
	return r.store.ResetWorkerFaults(ctx, workerID)
}

// Eligible reports whether the worker may take new work right now and,
// when it may not, a short reason for the worker's status page.
func (r *Registry) Eligible(ctx context.Context, w *store.Worker) (bool, string, error) {
	switch {
	case w == nil || !w.Active:
		return false, "not registered", nil
	case w.Maintenance:
		return false, "maintenance", nil
	case w.Paused:
		return false, "paused", nil
	}

	inFlight, err := r.store.InFlight(ctx, w.ID)
	if err != nil {
		return false, "", err
	}
	if w.AutoPaused {
		// Probation admits exactly one trial lease at a time.
		if !w.Probation {
			return false, "auto-paused", nil
		}
		if inFlight > 0 {
			return false, "probation trial in flight", nil
		}
		return true, "", nil
	}
	if inFlight >= w.MaxConcurrent {
		return false, "at capacity", nil
	}
	return true, "", nil
}
