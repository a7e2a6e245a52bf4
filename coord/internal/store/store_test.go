package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gridforge/swarm/dbopen"
)

// fakeClock lets tests advance time explicitly instead of sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clock := newFakeClock()
	return New(db, WithClock(clock.Now)), clock
}

func seedAccount(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.InsertAccount(context.Background(), &Account{
		ID: id, Name: "user-" + id, APIKeyHash: "hash-" + id,
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func seedWorker(t *testing.T, s *Store, id, account string, models string) {
	t.Helper()
	err := s.InsertWorker(context.Background(), &Worker{
		ID: id, AccountID: account, Name: "worker-" + id,
		ModelsJSON: models, MaxConcurrent: 2, MaxWorkload: 10, Active: true,
	})
	if err != nil {
		t.Fatalf("seed worker %s: %v", id, err)
	}
}

func seedRequest(t *testing.T, s *Store, id, account string, n int, models string) []string {
	t.Helper()
	slotIDs := make([]string, n)
	for i := range slotIDs {
		slotIDs[i] = id + "-slot-" + string(rune('a'+i))
	}
	err := s.InsertRequest(context.Background(), &Request{
		ID: id, AccountID: account, Media: "image", ModelsJSON: models,
		N: n, Workload: 1, Kudos: 10,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, slotIDs)
	if err != nil {
		t.Fatalf("seed request %s: %v", id, err)
	}
	return slotIDs
}

func TestApplySchema(t *testing.T) {
	s, _ := openTestStore(t)
	for _, table := range []string{"accounts", "workers", "requests", "slots"} {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestInsertRequestCreatesSlots(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")

	slotIDs := seedRequest(t, s, "req1", "acc1", 3, `["flux.1-krea-dev"]`)

	slots, err := s.RequestSlots(ctx, "req1")
	if err != nil {
		t.Fatalf("request slots: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("slots: got %d, want 3", len(slots))
	}
	for i, sl := range slots {
		if sl.State != SlotPending {
			t.Errorf("slot %d state: got %q, want pending", i, sl.State)
		}
		if sl.Attempts != 0 {
			t.Errorf("slot %d attempts: got %d, want 0", i, sl.Attempts)
		}
	}
	_ = slotIDs
}

func TestLeaseIsExclusive(t *testing.T) {
	// Two lease attempts for the same slot: exactly one succeeds.
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)

	sl, err := s.Lease(ctx, slotIDs[0], "w1", "m1", 150*time.Second, 0)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if sl.Attempts != 1 {
		t.Errorf("attempts after first lease: got %d, want 1", sl.Attempts)
	}
	if sl.State != SlotLeased {
		t.Errorf("state: got %q, want leased", sl.State)
	}

	if _, err := s.Lease(ctx, slotIDs[0], "w2", "m1", 150*time.Second, 0); err != ErrAlreadyLeased {
		t.Fatalf("second lease: got %v, want ErrAlreadyLeased", err)
	}
}

func TestLeaseEnforcesWorkerCap(t *testing.T) {
	// The cap check lives inside the guarded update, so a worker at
	// capacity is refused even when the candidate scan already ran.
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 3, `["m1"]`)

	if _, err := s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 1); err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if _, err := s.Lease(ctx, slotIDs[1], "w1", "m1", time.Minute, 1); err != ErrAlreadyLeased {
		t.Fatalf("over-cap lease: got %v, want ErrAlreadyLeased", err)
	}
	// Another worker is unaffected, and the refused slot stays pending.
	if _, err := s.Lease(ctx, slotIDs[1], "w2", "m1", time.Minute, 1); err != nil {
		t.Fatalf("other worker lease: %v", err)
	}
	sl, err := s.GetSlot(ctx, slotIDs[2])
	if err != nil {
		t.Fatal(err)
	}
	if sl.State != SlotPending {
		t.Errorf("untouched slot state: got %q, want pending", sl.State)
	}
}

func TestSubmitHolderOnly(t *testing.T) {
	// A non-holder cannot complete or corrupt the slot.
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)
	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)

	_, err := s.Submit(ctx, slotIDs[0], "w2", ResultPayload{Generation: "stolen"})
	if err != ErrLeaseMismatch {
		t.Fatalf("submit by non-holder: got %v, want ErrLeaseMismatch", err)
	}

	sl, _ := s.GetSlot(ctx, slotIDs[0])
	if sl.State != SlotLeased || sl.Result != "" {
		t.Fatalf("slot mutated by non-holder: state=%q result=%q", sl.State, sl.Result)
	}

	out, err := s.Submit(ctx, slotIDs[0], "w1", ResultPayload{Generation: "img-ref", Seed: 42})
	if err != nil {
		t.Fatalf("submit by holder: %v", err)
	}
	if !out.RequestDone {
		t.Error("single-slot request should be done after submit")
	}
	if out.Slot.State != SlotSubmitted {
		t.Errorf("state: got %q, want submitted", out.Slot.State)
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	// Idempotence: a duplicate result for a submitted slot is rejected
	// without mutating state.
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)
	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)
	s.Submit(ctx, slotIDs[0], "w1", ResultPayload{Generation: "first", Seed: 1})

	_, err := s.Submit(ctx, slotIDs[0], "w1", ResultPayload{Generation: "second", Seed: 2})
	if err != ErrAlreadySubmitted {
		t.Fatalf("duplicate submit: got %v, want ErrAlreadySubmitted", err)
	}

	sl, _ := s.GetSlot(ctx, slotIDs[0])
	if sl.Result != "first" || sl.Seed != 1 {
		t.Fatalf("duplicate mutated slot: result=%q seed=%d", sl.Result, sl.Seed)
	}
}

func TestFaultRequeuesUntilMaxAttempts(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)
	const maxAttempts = 3

	// Attempts 1 and 2 fault and re-queue.
	for attempt := 1; attempt < maxAttempts; attempt++ {
		if _, err := s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0); err != nil {
			t.Fatalf("lease attempt %d: %v", attempt, err)
		}
		out, err := s.Fault(ctx, slotIDs[0], "w1", "oom", maxAttempts)
		if err != nil {
			t.Fatalf("fault attempt %d: %v", attempt, err)
		}
		if !out.Requeued {
			t.Fatalf("attempt %d should re-queue", attempt)
		}
		if out.Slot.State != SlotPending {
			t.Fatalf("attempt %d state: got %q, want pending", attempt, out.Slot.State)
		}
		if out.Slot.LastFaultWorker != "w1" {
			t.Fatalf("attempt %d last fault worker: got %q", attempt, out.Slot.LastFaultWorker)
		}
		clock.Advance(time.Second)
	}

	// Final attempt faults terminally.
	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)
	out, err := s.Fault(ctx, slotIDs[0], "w1", "oom", maxAttempts)
	if err != nil {
		t.Fatalf("final fault: %v", err)
	}
	if out.Requeued {
		t.Fatal("final fault should be terminal")
	}
	if out.Slot.State != SlotFaulted {
		t.Fatalf("state: got %q, want faulted", out.Slot.State)
	}
	if !out.RequestDone {
		t.Error("request should be terminal after the last slot faults")
	}

	req, _ := s.GetRequest(ctx, "req1")
	if req.State != RequestDone {
		t.Errorf("request state: got %q, want done", req.State)
	}
}

func TestAbortStaleIdempotent(t *testing.T) {
	// Only an expired lease is reclaimed, and only once.
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)
	s.Lease(ctx, slotIDs[0], "w1", "m1", 150*time.Second, 0)

	// Not yet stale: nothing to do.
	out, err := s.AbortStale(ctx, slotIDs[0], 3)
	if err != nil {
		t.Fatalf("abort before expiry: %v", err)
	}
	if out != nil {
		t.Fatal("abort before expiry should be a no-op")
	}

	clock.Advance(151 * time.Second)
	stale, err := s.StaleLeases(ctx)
	if err != nil {
		t.Fatalf("stale leases: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale leases: got %d, want 1", len(stale))
	}

	out, err = s.AbortStale(ctx, slotIDs[0], 3)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if out == nil || !out.Requeued {
		t.Fatal("expired lease should be reclaimed and re-queued")
	}
	if out.WorkerID != "w1" {
		t.Errorf("revoked worker: got %q, want w1", out.WorkerID)
	}

	// Second sweep of the same slot is a no-op.
	out, err = s.AbortStale(ctx, slotIDs[0], 3)
	if err != nil {
		t.Fatalf("double abort: %v", err)
	}
	if out != nil {
		t.Fatal("double abort should be a no-op")
	}
}

func TestCancelRequestLeavesLeasedSlots(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 2, `["m1"]`)
	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)

	if err := s.CancelRequest(ctx, "req1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	leased, _ := s.GetSlot(ctx, slotIDs[0])
	if leased.State != SlotLeased {
		t.Errorf("leased slot state: got %q, want leased", leased.State)
	}
	pending, _ := s.GetSlot(ctx, slotIDs[1])
	if pending.State != SlotCancelled {
		t.Errorf("pending slot state: got %q, want cancelled", pending.State)
	}

	// The in-flight result is discarded on arrival but not an error.
	out, err := s.Submit(ctx, slotIDs[0], "w1", ResultPayload{Generation: "late"})
	if err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	if !out.Discarded {
		t.Error("result for cancelled request should be discarded")
	}
	sl, _ := s.GetSlot(ctx, slotIDs[0])
	if sl.State != SlotCancelled {
		t.Errorf("slot state after discarded submit: got %q", sl.State)
	}
}

func TestCandidatesFilterAndOrder(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "accA")
	seedAccount(t, s, "accB")

	// Heavy user accA (priority 50) submits first; light user accB (priority 1)
	// submits later but must be served first.
	err := s.InsertRequest(ctx, &Request{
		ID: "reqA", AccountID: "accA", Media: "image", ModelsJSON: `["m1"]`,
		N: 1, Workload: 1, PriorityKey: 50,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, []string{"slotA"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	err = s.InsertRequest(ctx, &Request{
		ID: "reqB", AccountID: "accB", Media: "image", ModelsJSON: `["m1"]`,
		N: 1, Workload: 1, PriorityKey: 1,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, []string{"slotB"})
	if err != nil {
		t.Fatal(err)
	}

	cands, err := s.Candidates(ctx, CandidateQuery{
		WorkerID: "w1", Models: []string{"m1"}, Media: "image", MaxWorkload: 10, Limit: 10,
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates: got %d, want 2", len(cands))
	}
	if cands[0].SlotID != "slotB" {
		t.Errorf("first candidate: got %s, want slotB (lower priority key wins)", cands[0].SlotID)
	}
}

func TestCandidatesModelAndWorkloadFilter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")

	s.InsertRequest(ctx, &Request{
		ID: "reqBig", AccountID: "acc1", Media: "image", ModelsJSON: `["m1"]`,
		N: 1, Workload: 100,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, []string{"slotBig"})
	s.InsertRequest(ctx, &Request{
		ID: "reqOther", AccountID: "acc1", Media: "image", ModelsJSON: `["m2"]`,
		N: 1, Workload: 1,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, []string{"slotOther"})
	s.InsertRequest(ctx, &Request{
		ID: "reqAny", AccountID: "acc1", Media: "image", ModelsJSON: `[]`,
		N: 1, Workload: 1,
		ExpiresAt: s.Now().Add(time.Hour).UnixMilli(),
	}, []string{"slotAny"})

	cands, err := s.Candidates(ctx, CandidateQuery{
		WorkerID: "w1", Models: []string{"m1"}, Media: "image", MaxWorkload: 10, Limit: 10,
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates: got %d, want 1 (workload and model filters)", len(cands))
	}
	if cands[0].SlotID != "slotAny" {
		t.Errorf("candidate: got %s, want slotAny (empty model list matches any)", cands[0].SlotID)
	}
}

func TestCandidatesCooldownExcludesFaultingWorker(t *testing.T) {
	// A re-queued slot is not re-offered to the worker that just faulted on
	// it while the cool-down is in force.
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 1, `["m1"]`)

	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)
	s.Fault(ctx, slotIDs[0], "w1", "oom", 3)

	cooldown := 2 * time.Minute
	cutoff := s.Now().Add(-cooldown).UnixMilli()

	cands, _ := s.Candidates(ctx, CandidateQuery{
		WorkerID: "w1", Models: []string{"m1"}, Media: "image",
		MaxWorkload: 10, CooldownCutoff: cutoff, Limit: 10,
	})
	if len(cands) != 0 {
		t.Fatal("slot offered back to the faulting worker inside cool-down")
	}

	// Another worker sees it immediately.
	cands, _ = s.Candidates(ctx, CandidateQuery{
		WorkerID: "w2", Models: []string{"m1"}, Media: "image",
		MaxWorkload: 10, CooldownCutoff: cutoff, Limit: 10,
	})
	if len(cands) != 1 {
		t.Fatal("slot should be visible to a different worker")
	}

	// After the cool-down elapses the original worker is eligible again.
	clock.Advance(cooldown + time.Second)
	cutoff = s.Now().Add(-cooldown).UnixMilli()
	cands, _ = s.Candidates(ctx, CandidateQuery{
		WorkerID: "w1", Models: []string{"m1"}, Media: "image",
		MaxWorkload: 10, CooldownCutoff: cutoff, Limit: 10,
	})
	if len(cands) != 1 {
		t.Fatal("cool-down should expire, not permanently exclude")
	}
}

func TestExpireRequest(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")

	s.InsertRequest(ctx, &Request{
		ID: "req1", AccountID: "acc1", Media: "image", ModelsJSON: `["m1"]`,
		N: 1, Workload: 1,
		ExpiresAt: s.Now().Add(10 * time.Minute).UnixMilli(),
	}, []string{"slot1"})

	ids, _ := s.ExpiredRequestIDs(ctx)
	if len(ids) != 0 {
		t.Fatal("nothing should be expired yet")
	}

	clock.Advance(11 * time.Minute)
	ids, _ = s.ExpiredRequestIDs(ctx)
	if len(ids) != 1 || ids[0] != "req1" {
		t.Fatalf("expired ids: got %v, want [req1]", ids)
	}

	if err := s.ExpireRequest(ctx, "req1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	req, _ := s.GetRequest(ctx, "req1")
	if req.State != RequestExpired {
		t.Errorf("request state: got %q, want expired", req.State)
	}
	sl, _ := s.GetSlot(ctx, "slot1")
	if sl.State != SlotCancelled {
		t.Errorf("slot state: got %q, want cancelled", sl.State)
	}

	// Idempotent.
	if err := s.ExpireRequest(ctx, "req1"); err != nil {
		t.Fatalf("double expire: %v", err)
	}
}

func TestWorkerCountersAndAutoPause(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	seedWorker(t, s, "w1", "acc1", `["m1"]`)
	const threshold = 5

	for i := 1; i < threshold; i++ {
		paused, err := s.RecordWorkerFault(ctx, "w1", threshold)
		if err != nil {
			t.Fatalf("fault %d: %v", i, err)
		}
		if paused {
			t.Fatalf("auto-paused after %d faults, threshold is %d", i, threshold)
		}
	}
	paused, err := s.RecordWorkerFault(ctx, "w1", threshold)
	if err != nil {
		t.Fatal(err)
	}
	if !paused {
		t.Fatal("worker should auto-pause at the fault threshold")
	}

	w, _ := s.GetWorker(ctx, "w1")
	if w.ConsecutiveFaults != threshold {
		t.Errorf("streak: got %d, want %d", w.ConsecutiveFaults, threshold)
	}
	if !w.AutoPaused {
		t.Error("auto_paused flag not set")
	}

	// One success clears everything.
	if err := s.RecordWorkerSuccess(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	w, _ = s.GetWorker(ctx, "w1")
	if w.AutoPaused || w.ConsecutiveFaults != 0 {
		t.Errorf("success should clear streak and pause: streak=%d paused=%v",
			w.ConsecutiveFaults, w.AutoPaused)
	}
}

func TestGrantProbation(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	seedWorker(t, s, "w1", "acc1", `["m1"]`)

	for range 5 {
		s.RecordWorkerFault(ctx, "w1", 5)
	}

	// Pause too fresh: no probation yet.
	granted, err := s.GrantProbation(ctx, "w1", s.Now().Add(-5*time.Minute).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatal("probation granted before the pause aged")
	}

	clock.Advance(6 * time.Minute)
	granted, err = s.GrantProbation(ctx, "w1", s.Now().Add(-5*time.Minute).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if !granted {
		t.Fatal("probation should be granted after the pause aged")
	}

	// Already on probation: no second grant.
	granted, _ = s.GrantProbation(ctx, "w1", s.Now().UnixMilli())
	if granted {
		t.Fatal("probation granted twice")
	}

	// A fault during probation extends the pause.
	if _, err := s.RecordWorkerFault(ctx, "w1", 5); err != nil {
		t.Fatal(err)
	}
	w, _ := s.GetWorker(ctx, "w1")
	if w.Probation {
		t.Error("probation should end on fault")
	}
	if !w.AutoPaused {
		t.Error("worker should stay auto-paused after a probation fault")
	}
}

func TestInFlight(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc1")
	slotIDs := seedRequest(t, s, "req1", "acc1", 2, `["m1"]`)

	n, _ := s.InFlight(ctx, "w1")
	if n != 0 {
		t.Fatalf("in-flight: got %d, want 0", n)
	}
	s.Lease(ctx, slotIDs[0], "w1", "m1", time.Minute, 0)
	s.Lease(ctx, slotIDs[1], "w1", "m1", time.Minute, 0)
	n, _ = s.InFlight(ctx, "w1")
	if n != 2 {
		t.Fatalf("in-flight: got %d, want 2", n)
	}
	s.Submit(ctx, slotIDs[0], "w1", ResultPayload{Generation: "g"})
	n, _ = s.InFlight(ctx, "w1")
	if n != 1 {
		t.Fatalf("in-flight after submit: got %d, want 1", n)
	}
}
