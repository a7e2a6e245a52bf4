// Package coord is the job lifecycle coordinator: it accepts generation
// requests, fans them out into slots, leases slots to polling workers,
// collects results, and repairs whatever untrusted workers leave behind.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridforge/swarm/auth"
	"github.com/gridforge/swarm/coord/internal/match"
	"github.com/gridforge/swarm/coord/internal/priority"
	"github.com/gridforge/swarm/coord/internal/reconcile"
	"github.com/gridforge/swarm/coord/internal/registry"
	"github.com/gridforge/swarm/coord/internal/store"
	"github.com/gridforge/swarm/dbopen"
	"github.com/gridforge/swarm/idgen"
	"github.com/gridforge/swarm/observability"
)

// Coordinator owns the request and worker lifecycles. All state lives
// in the database; the coordinator itself can restart at any time
// without losing a lease.
type Coordinator struct {
	cfg      *Config
	store    *store.Store
	registry *registry.Registry
	matcher  *match.Matcher
	sweeper  *reconcile.Sweeper
	meter    *priority.Meter
	tokens   *auth.LeaseTokens
	notify   *notifier
	events   *observability.EventLogger
	log      *slog.Logger

	workWake   *wake // pending slots appeared
	resultWake *wake // results or terminal transitions happened

	newRequestID idgen.Generator
	newSlotID    idgen.Generator
	newAccountID idgen.Generator
}

type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithEventLogger wires domain events into the observability store.
func WithEventLogger(ev *observability.EventLogger) Option {
	return func(c *Coordinator) { c.events = ev }
}

// WithStoreClock overrides the coordinator's time source, for tests.
func WithStoreClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.store = store.New(c.store.DB, store.WithClock(now)) }
}

// Open opens the queue database at cfg.DBPath, applies the schema and
// returns a ready coordinator. Close releases the database.
func Open(cfg *Config, opts ...Option) (*Coordinator, error) {
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	c := newCoordinator(cfg, store.New(db), opts...)
	if err := c.notify.Init(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init webhook outbox: %w", err)
	}
	return c, nil
}

func newCoordinator(cfg *Config, st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		store:        st,
		log:          slog.Default(),
		workWake:     newWake(),
		resultWake:   newWake(),
		newRequestID: idgen.Prefixed("req_", idgen.UUIDv7()),
		newSlotID:    idgen.Prefixed("gen_", idgen.UUIDv7()),
		newAccountID: idgen.Prefixed("acc_", idgen.UUIDv7()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = registry.New(c.store, registry.Config{
		FaultThreshold: cfg.Fleet.FaultThreshold,
		ProbationDelay: cfg.Fleet.ProbationDelay,
	})
	c.matcher = match.New(c.store, match.Config{
		TTLFloor:   cfg.Queue.TTLFloor,
		TTLBase:    cfg.Queue.TTLBase,
		TTLPerUnit: cfg.Queue.TTLPerUnit,
		Cooldown:   cfg.Queue.Cooldown,
	})
	c.sweeper = reconcile.New(c.store, c.registry, reconcile.Config{
		Interval:    cfg.Queue.ReconcileInterval,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, c.log)
	c.meter = priority.NewMeter(cfg.Priority.HalfLife)
	if cfg.LeaseSecret != "" {
		c.tokens = auth.NewLeaseTokens(cfg.LeaseSecret)
	}
	c.notify = newNotifier(c.store.DB, cfg.Webhook, c.log)
	return c
}

// Run drives the repair sweep and the webhook outbox until the context
// ends.
func (c *Coordinator) Run(ctx context.Context) {
	go c.notify.Run(ctx)
	c.sweeper.Run(ctx)
}

// SweepStats summarizes one repair pass.
type SweepStats struct {
	StaleAborted      int `json:"stale_aborted"`
	Requeued          int `json:"requeued"`
	TerminallyFaulted int `json:"terminally_faulted"`
	RequestsExpired   int `json:"requests_expired"`
}

// SweepOnce runs one repair pass. Exposed for the ops surface.
func (c *Coordinator) SweepOnce(ctx context.Context) (SweepStats, error) {
	stats, err := c.sweeper.SweepOnce(ctx)
	if err == nil && stats.StaleAborted > 0 {
		// Reclaimed slots are pending again.
		c.workWake.Wake()
	}
	if err == nil && (stats.TerminallyFaulted > 0 || stats.RequestsExpired > 0) {
		c.resultWake.Wake()
	}
	return SweepStats{
		StaleAborted:      stats.StaleAborted,
		Requeued:          stats.Requeued,
		TerminallyFaulted: stats.TerminallyFaulted,
		RequestsExpired:   stats.RequestsExpired,
	}, err
}

// Close releases the database. Pending webhook deliveries stay in the
// outbox for the next run.
func (c *Coordinator) Close() {
	c.store.DB.Close()
}

func (c *Coordinator) event(ctx context.Context, eventType, entityType, entityID, userID, action string, success bool) {
	if c.events == nil {
		return
	}
	c.events.LogEvent(ctx, observability.QueueEvent{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    userID,
		Action:     action,
		Success:    success,
	})
}

// --- client surface ---

// Authenticate resolves an API key to its account. Unknown keys return
// ErrForbidden; the key itself is never stored or logged.
func (c *Coordinator) Authenticate(ctx context.Context, apiKey string) (*AccountInfo, error) {
	if apiKey == "" {
		return nil, ErrForbidden
	}
	acct, err := c.store.GetAccountByKeyHash(ctx, auth.HashAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrForbidden
	}
	return &AccountInfo{ID: acct.ID, Name: acct.Name, TrustTier: acct.TrustTier}, nil
}

// CreateAccount provisions a requester account and returns it with a
// freshly minted API key. The key is shown exactly once.
func (c *Coordinator) CreateAccount(ctx context.Context, name string, trustTier int) (*AccountInfo, string, error) {
	if name == "" {
		return nil, "", &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	key, err := auth.NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	acct := &store.Account{
		ID:         c.newAccountID(),
		Name:       name,
		APIKeyHash: auth.HashAPIKey(key),
		TrustTier:  trustTier,
	}
	if err := c.store.InsertAccount(ctx, acct); err != nil {
		return nil, "", err
	}
	c.event(ctx, "account.created", "account", acct.ID, acct.ID, "create", true)
	return &AccountInfo{ID: acct.ID, Name: acct.Name, TrustTier: acct.TrustTier}, key, nil
}

// SubmitRequest validates and enqueues a generation request. The
// account's usage meter is charged immediately and the charge fixes the
// request's priority key for its whole life.
func (c *Coordinator) SubmitRequest(ctx context.Context, accountID string, spec RequestSpec) (*RequestReceipt, error) {
	if spec.N <= 0 {
		return nil, &ValidationError{Field: "n", Reason: "must be positive"}
	}
	if spec.N > c.cfg.Queue.MaxSlots {
		return nil, &ValidationError{Field: "n", Reason: fmt.Sprintf("exceeds maximum %d", c.cfg.Queue.MaxSlots)}
	}
	workload, err := computeWorkload(spec.Media, spec.Params)
	if err != nil {
		return nil, err
	}
	if workload > c.cfg.Queue.MaxWorkload {
		return nil, &ValidationError{Field: "params", Reason: "job too large"}
	}

	modelsJSON := "[]"
	if len(spec.Models) > 0 {
		b, err := json.Marshal(spec.Models)
		if err != nil {
			return nil, err
		}
		modelsJSON = string(b)
	}
	paramsJSON := "{}"
	if len(spec.Params) > 0 {
		paramsJSON = string(spec.Params)
	}

	// The meter is read at submit time so concurrent submissions from
	// the same account stack their charges.
	fresh, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, ErrForbidden
	}
	now := c.store.Now()
	cost := kudosCost(workload) * float64(spec.N)
	usage := c.meter.Charge(fresh.KudosEMA, time.UnixMilli(fresh.UsageAt), cost, now)
	if err := c.store.UpdateUsage(ctx, accountID, usage, now.UnixMilli()); err != nil {
		return nil, err
	}

	req := &store.Request{
		ID:          c.newRequestID(),
		AccountID:   accountID,
		Media:       spec.Media,
		ModelsJSON:  modelsJSON,
		ParamsJSON:  paramsJSON,
		N:           spec.N,
		Workload:    workload,
		Kudos:       cost,
		PriorityKey: priority.Key(usage, fresh.TrustTier),
		NSFW:        spec.NSFW,
		Webhook:     spec.Webhook,
		ExpiresAt:   now.Add(c.cfg.Queue.RequestLifetime).UnixMilli(),
	}
	slotIDs := make([]string, spec.N)
	for i := range slotIDs {
		slotIDs[i] = c.newSlotID()
	}
	if err := c.store.InsertRequest(ctx, req, slotIDs); err != nil {
		return nil, err
	}
	c.workWake.Wake()
	c.event(ctx, "request.submitted", "request", req.ID, accountID, "submit", true)
	c.log.Info("request accepted",
		"request", req.ID, "account", accountID, "media", req.Media,
		"n", req.N, "workload", workload, "priority_key", req.PriorityKey)

	return &RequestReceipt{
		RequestID: req.ID,
		Kudos:     cost,
		ExpiresAt: time.UnixMilli(req.ExpiresAt),
	}, nil
}

// GetStatus returns a request's current state with per-slot detail.
// A non-empty accountID enforces ownership; the operator surface passes
// the empty string.
func (c *Coordinator) GetStatus(ctx context.Context, accountID, requestID string) (*RequestStatus, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	if accountID != "" && req.AccountID != accountID {
		return nil, ErrForbidden
	}
	slots, err := c.store.RequestSlots(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return buildStatus(req, slots), nil
}

// WaitStatus long-polls GetStatus until the request is done or the wait
// elapses.
func (c *Coordinator) WaitStatus(ctx context.Context, accountID, requestID string, wait time.Duration) (*RequestStatus, error) {
	deadline := time.Now().Add(min(wait, c.cfg.Queue.LongPollWait))
	for {
		st, err := c.GetStatus(ctx, accountID, requestID)
		if err != nil || st.Done {
			return st, err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return st, nil
		}
		c.resultWake.Wait(ctx, remain)
		if ctx.Err() != nil {
			return st, nil
		}
	}
}

// CancelRequest stops dispatch for a request. Work already on a worker
// finishes there and is discarded on arrival.
func (c *Coordinator) CancelRequest(ctx context.Context, accountID, requestID string) error {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	if accountID != "" && req.AccountID != accountID {
		return ErrForbidden
	}
	if req.State != store.RequestActive {
		return nil // already terminal, cancel is idempotent
	}
	if err := c.store.CancelRequest(ctx, requestID); err != nil {
		return err
	}
	c.resultWake.Wake()
	c.event(ctx, "request.cancelled", "request", requestID, req.AccountID, "cancel", true)
	return nil
}

// --- worker surface ---

// RegisterWorker enrolls a worker under the given account.
func (c *Coordinator) RegisterWorker(ctx context.Context, accountID string, reg WorkerRegistration) (*WorkerView, error) {
	w, err := c.registry.Register(ctx, registry.Registration{
		AccountID:     accountID,
		Name:          reg.Name,
		Models:        reg.Models,
		Media:         reg.Media,
		MaxConcurrent: reg.MaxConcurrent,
		MaxWorkload:   reg.MaxWorkload,
	})
	if err != nil {
		var ve *registry.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Field: ve.Field, Reason: ve.Reason}
		}
		return nil, err
	}
	c.event(ctx, "worker.registered", "worker", w.ID, accountID, "register", true)
	view := workerView(w)
	return &view, nil
}

// PollForWork is the worker dispatch path: heartbeat, eligibility,
// match, lease. Returns nil, nil when no work is available within the
// wait, which is a normal outcome, not an error.
func (c *Coordinator) PollForWork(ctx context.Context, workerID string, models []string, maxConcurrent int, maxWorkload float64, wait time.Duration) (*WorkAssignment, error) {
	deadline := time.Now().Add(min(wait, c.cfg.Queue.LongPollWait))
	for {
		w, err := c.registry.Heartbeat(ctx, workerID, models, maxConcurrent, maxWorkload)
		if err != nil {
			return nil, err
		}
		ok, reason, err := c.registry.Eligible(ctx, w)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.log.Debug("worker not eligible", "worker", workerID, "reason", reason)
			return nil, nil
		}

		a, err := c.matcher.Assign(ctx, w)
		if err != nil {
			return nil, err
		}
		if a != nil {
			return c.buildAssignment(w, a)
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		c.workWake.Wait(ctx, remain)
		if ctx.Err() != nil {
			return nil, nil
		}
	}
}

func (c *Coordinator) buildAssignment(w *store.Worker, a *match.Assignment) (*WorkAssignment, error) {
	out := &WorkAssignment{
		SlotID:     a.SlotID,
		RequestID:  a.RequestID,
		Model:      a.Model,
		Media:      a.Media,
		Params:     json.RawMessage(a.ParamsJSON),
		Attempts:   a.Attempts,
		TTLSeconds: int(a.TTL / time.Second),
	}
	if c.tokens != nil {
		token, err := c.tokens.Issue(w.ID, a.SlotID, a.TTL)
		if err != nil {
			return nil, err
		}
		out.LeaseToken = token
	}
	c.log.Info("slot leased",
		"slot", a.SlotID, "request", a.RequestID, "worker", w.ID,
		"model", a.Model, "attempt", a.Attempts, "ttl", a.TTL)
	return out, nil
}

// SubmitResult records a worker's output for a leased slot. A result
// for a cancelled or expired request is discarded but still credited:
// the worker did the work in good faith.
func (c *Coordinator) SubmitResult(ctx context.Context, workerID, slotID string, sub ResultSubmission) (*SubmitAck, error) {
	out, err := c.store.Submit(ctx, slotID, workerID, store.ResultPayload{
		Generation:  sub.Generation,
		Seed:        sub.Seed,
		MetaJSON:    string(sub.Meta),
		DownloadURL: sub.DownloadURL,
		FileSize:    sub.FileSize,
	})
	if err != nil {
		c.event(ctx, "slot.submit_rejected", "slot", slotID, workerID, "submit", false)
		return nil, err
	}
	if err := c.registry.MarkSuccess(ctx, workerID); err != nil {
		return nil, err
	}
	kudos := kudosCost(out.Request.Workload)
	c.resultWake.Wake()
	c.event(ctx, "slot.submitted", "slot", slotID, workerID, "submit", true)
	c.log.Info("result received",
		"slot", slotID, "request", out.Request.ID, "worker", workerID,
		"discarded", out.Discarded, "request_done", out.RequestDone)

	if out.RequestDone {
		c.finishRequest(ctx, out.Request.ID)
	}
	return &SubmitAck{SlotID: slotID, Discarded: out.Discarded, Kudos: kudos}, nil
}

// ReportFault lets a worker hand back a lease it cannot serve. The slot
// re-queues while attempts remain, and the fault counts against the
// worker's breaker either way.
func (c *Coordinator) ReportFault(ctx context.Context, workerID, slotID, reason string) error {
	out, err := c.store.Fault(ctx, slotID, workerID, reason, c.cfg.Queue.MaxAttempts)
	if err != nil {
		return err
	}
	tripped, err := c.registry.MarkFault(ctx, workerID)
	if err != nil {
		return err
	}
	c.event(ctx, "slot.faulted", "slot", slotID, workerID, "fault", false)
	c.log.Warn("slot faulted",
		"slot", slotID, "worker", workerID, "reason", reason,
		"requeued", out.Requeued, "worker_auto_paused", tripped)
	if out.Requeued {
		c.workWake.Wake()
	} else {
		c.resultWake.Wake()
		if out.RequestDone {
			c.finishRequest(ctx, out.Slot.RequestID)
		}
	}
	return nil
}

// finishRequest fires the completion webhook for a terminal request.
func (c *Coordinator) finishRequest(ctx context.Context, requestID string) {
	st, err := c.GetStatus(ctx, "", requestID)
	if err != nil {
		c.log.Error("finish request status", "request", requestID, "error", err)
		return
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil || req == nil || req.Webhook == "" {
		return
	}
	c.notify.Notify(ctx, req.Webhook, completionEvent{
		Event:     "request.done",
		RequestID: requestID,
		State:     st.State,
		Finished:  st.Finished,
		Failed:    st.Failed,
		Partial:   st.Partial,
		Timestamp: c.store.Now().UTC().Format(time.RFC3339),
	})
}

// --- operator surface ---

// QueueDepth reports current pending and leased slot counts.
func (c *Coordinator) QueueDepth(ctx context.Context) (pending, leased int, err error) {
	return c.store.SlotCounts(ctx)
}

// ListWorkers returns the fleet for the ops dashboard.
func (c *Coordinator) ListWorkers(ctx context.Context) ([]WorkerView, error) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, workerView(w))
	}
	return views, nil
}

// SetWorkerFlags flips the operator pause or maintenance flag.
func (c *Coordinator) SetWorkerFlags(ctx context.Context, workerID string, paused, maintenance bool) error {
	if err := c.store.SetWorkerFlags(ctx, workerID, paused, maintenance); err != nil {
		return err
	}
	c.event(ctx, "worker.flags", "worker", workerID, "", "set_flags", true)
	return nil
}

// ResetWorker clears a worker's fault streak and auto-pause.
func (c *Coordinator) ResetWorker(ctx context.Context, workerID string) error {
	if err := c.registry.Reset(ctx, workerID); err != nil {
		return err
	}
	c.event(ctx, "worker.reset", "worker", workerID, "", "reset", true)
	return nil
}

// RetireWorker deactivates a worker permanently.
func (c *Coordinator) RetireWorker(ctx context.Context, workerID string) error {
	if err := c.store.DeactivateWorker(ctx, workerID); err != nil {
		return err
	}
	c.event(ctx, "worker.retired", "worker", workerID, "", "retire", true)
	return nil
}

// CheckAdmin verifies the operator password against the configured hash.
func (c *Coordinator) CheckAdmin(password string) bool {
	return c.cfg.AdminHash != "" && auth.CheckAdminPassword(c.cfg.AdminHash, password)
}

// VerifyLeaseToken checks a worker's capability token against the slot
// it is submitting into. With no lease secret configured this is a
// no-op and the database holder check stands alone.
func (c *Coordinator) VerifyLeaseToken(token, workerID, slotID string) error {
	if c.tokens == nil {
		return nil
	}
	claims, err := c.tokens.Verify(token)
	if err != nil {
		return err
	}
	if claims.WorkerID != workerID || claims.SlotID != slotID {
		return auth.ErrBadLeaseToken
	}
	return nil
}

func buildStatus(req *store.Request, slots []*store.Slot) *RequestStatus {
	st := &RequestStatus{
		RequestID: req.ID,
		State:     req.State,
		Done:      req.State != store.RequestActive,
		Slots:     make([]SlotStatus, 0, len(slots)),
	}
	for _, sl := range slots {
		ss := SlotStatus{
			SlotID:   sl.ID,
			State:    sl.State,
			Model:    sl.Model,
			WorkerID: sl.WorkerID,
			Attempts: sl.Attempts,
		}
		switch sl.State {
		case store.SlotPending:
			st.Waiting++
		case store.SlotLeased:
			st.Processing++
		case store.SlotSubmitted:
			st.Finished++
			ss.Result = &GenerationResult{
				Generation:  sl.Result,
				Seed:        sl.Seed,
				Meta:        json.RawMessage(sl.MetaJSON),
				DownloadURL: sl.DownloadURL,
				FileSize:    sl.FileSize,
			}
		case store.SlotFaulted, store.SlotStale, store.SlotCancelled:
			st.Failed++
		}
		st.Slots = append(st.Slots, ss)
	}
	st.Partial = st.Done && st.Finished > 0 && st.Failed > 0
	return st
}

func workerView(w *store.Worker) WorkerView {
	var models []string
	json.Unmarshal([]byte(w.ModelsJSON), &models)

	status := "ok"
	switch {
	case !w.Active:
		status = "retired"
	case w.Maintenance:
		status = "maintenance"
	case w.Paused:
		status = "paused"
	case w.AutoPaused && w.Probation:
		status = "probation"
	case w.AutoPaused:
		status = "auto-paused"
	}
	return WorkerView{
		ID:                w.ID,
		Name:              w.Name,
		Models:            models,
		Media:             w.Media,
		MaxConcurrent:     w.MaxConcurrent,
		MaxWorkload:       w.MaxWorkload,
		Status:            status,
		ConsecutiveFaults: w.ConsecutiveFaults,
		TotalSubmitted:    w.TotalSubmitted,
		TotalFaulted:      w.TotalFaulted,
		LastSeen:          time.UnixMilli(w.LastSeenAt),
	}
}
