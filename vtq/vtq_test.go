package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/gridforge/swarm/dbopen"
	"github.com/gridforge/swarm/vtq"
)

func outbox(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestClaimHidesUntilAckOrTimeout(t *testing.T) {
	q := outbox(t, dbopen.OpenMemory(t), vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "whk_1", []byte(`{"url":"http://x/hook"}`)); err != nil {
		t.Fatal(err)
	}

	first, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.ID != "whk_1" || first.Attempts != 1 {
		t.Fatalf("first claim: %+v", first)
	}
	if string(first.Payload) != `{"url":"http://x/hook"}` {
		t.Fatalf("payload: %s", first.Payload)
	}

	if shadow, _ := q.Claim(ctx); shadow != nil {
		t.Fatalf("claimed a hidden delivery: %+v", shadow)
	}

	if err := q.Ack(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("outbox not empty after ack: %d", n)
	}
}

func TestNackMakesDeliveryVisibleAgain(t *testing.T) {
	q := outbox(t, dbopen.OpenMemory(t), vtq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "whk_retry", nil)
	d, _ := q.Claim(ctx)
	if err := q.Nack(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.Attempts != 2 {
		t.Fatalf("redelivery: %+v", again)
	}
}

func TestExpiredWindowRedelivery(t *testing.T) {
	q := outbox(t, dbopen.OpenMemory(t), vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "whk_slow", nil)
	if d, _ := q.Claim(ctx); d == nil {
		t.Fatal("initial claim failed")
	}

	time.Sleep(80 * time.Millisecond)
	d, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("delivery did not reappear after its window closed")
	}
	if d.Attempts != 2 {
		t.Fatalf("attempts after redelivery: %d", d.Attempts)
	}
}

func TestExtendDefersRedelivery(t *testing.T) {
	q := outbox(t, dbopen.OpenMemory(t), vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "whk_long", nil)
	d, _ := q.Claim(ctx)
	if err := q.Extend(ctx, d.ID, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	if late, _ := q.Claim(ctx); late != nil {
		t.Fatal("extended delivery reappeared early")
	}
}

func TestNamedQueuesDoNotCross(t *testing.T) {
	db := dbopen.OpenMemory(t)
	hooks := outbox(t, db, vtq.Options{Queue: "webhooks", Visibility: time.Second})
	other := outbox(t, db, vtq.Options{Queue: "other", Visibility: time.Second})
	ctx := context.Background()

	hooks.Publish(ctx, "whk_mine", nil)
	if stolen, _ := other.Claim(ctx); stolen != nil {
		t.Fatalf("queue %q claimed another queue's delivery", "other")
	}
	if d, _ := hooks.Claim(ctx); d == nil {
		t.Fatal("owning queue cannot see its delivery")
	}
}

func TestRunRetriesThenDiscards(t *testing.T) {
	q := outbox(t, dbopen.OpenMemory(t), vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Publish(ctx, "deliverable", nil)
	q.Publish(ctx, "dead-endpoint", nil)

	var ok, failed int
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		q.Run(ctx, func(_ context.Context, d *vtq.Job) error {
			if d.ID == "deliverable" {
				ok++
				return nil
			}
			failed++
			return errors.New("connection refused")
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, err := q.Len(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("outbox never drained, %d left", n)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-consumerDone

	if ok != 1 {
		t.Errorf("deliverable handled %d times", ok)
	}
	if failed != 3 {
		t.Errorf("dead endpoint tried %d times, want the full attempt budget of 3", failed)
	}
}
