package priority

import (
	"testing"
	"time"
)

func TestDecayedHalfLife(t *testing.T) {
	m := NewMeter(10 * time.Minute)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	got := m.Decayed(100, at, at.Add(10*time.Minute))
	if got < 49.9 || got > 50.1 {
		t.Errorf("after one half-life: got %f, want ~50", got)
	}
	got = m.Decayed(100, at, at.Add(20*time.Minute))
	if got < 24.9 || got > 25.1 {
		t.Errorf("after two half-lives: got %f, want ~25", got)
	}
}

func TestDecayedEdges(t *testing.T) {
	m := NewMeter(10 * time.Minute)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if got := m.Decayed(100, at, at); got != 100 {
		t.Errorf("zero elapsed: got %f, want 100", got)
	}
	// Clock skew must not inflate usage.
	if got := m.Decayed(100, at, at.Add(-time.Minute)); got != 100 {
		t.Errorf("backwards clock: got %f, want 100", got)
	}
	if got := m.Decayed(0, at, at.Add(time.Hour)); got != 0 {
		t.Errorf("zero usage: got %f, want 0", got)
	}
}

func TestChargeAccumulates(t *testing.T) {
	m := NewMeter(10 * time.Minute)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	usage := m.Charge(0, at, 40, at)
	if usage != 40 {
		t.Fatalf("first charge: got %f, want 40", usage)
	}
	// One half-life later: 20 residual plus the new 10.
	usage = m.Charge(usage, at, 10, at.Add(10*time.Minute))
	if usage < 29.9 || usage > 30.1 {
		t.Fatalf("second charge: got %f, want ~30", usage)
	}
}

func TestKeyOrdering(t *testing.T) {
	// More usage never dispatches earlier at the same tier.
	prev := Key(0, 0)
	for usage := 1.0; usage <= 1000; usage *= 2 {
		k := Key(usage, 0)
		if k < prev {
			t.Fatalf("key not monotonic: Key(%f)=%f < %f", usage, k, prev)
		}
		prev = k
	}

	// At equal usage the trusted account wins.
	if Key(100, 2) >= Key(100, 0) {
		t.Error("higher trust tier should yield a lower key")
	}
	if Key(100, -5) != Key(100, 0) {
		t.Error("negative tier should clamp to zero")
	}
}
