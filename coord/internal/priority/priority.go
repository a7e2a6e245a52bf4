// Package priority computes dispatch ordering for queued work.
//
// Every account carries an exponentially decayed meter of recently
// consumed kudos. A request's priority key is that decayed usage scaled
// down by the account's trust tier; lower keys dispatch first, so light
// and trusted users cut ahead of heavy anonymous ones. The key is fixed
// at enqueue time and never revised, which keeps ordering stable for
// work already in the queue.
package priority

import (
	"math"
	"time"
)

// DefaultHalfLife is how long it takes half of an account's recorded
// usage to evaporate when the account goes idle.
const DefaultHalfLife = 10 * time.Minute

// Meter applies half-life decay to per-account usage readings.
type Meter struct {
	halfLife time.Duration
}

func NewMeter(halfLife time.Duration) *Meter {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Meter{halfLife: halfLife}
}

// Decayed returns the usage reading taken at the given instant, decayed
// forward to now. Time running backwards is treated as zero elapsed.
func (m *Meter) Decayed(usage float64, at, now time.Time) float64 {
	if usage <= 0 {
		return 0
	}
	elapsed := now.Sub(at)
	if elapsed <= 0 {
		return usage
	}
	return usage * math.Exp2(-float64(elapsed)/float64(m.halfLife))
}

// Charge decays the stored reading to now and adds the kudos cost of
// newly accepted work. The result is the account's fresh usage reading.
func (m *Meter) Charge(usage float64, at time.Time, kudos float64, now time.Time) float64 {
	return m.Decayed(usage, at, now) + kudos
}

// Key maps an account's decayed usage and trust tier to a dispatch key.
// Lower is served first. The mapping is monotonic in usage and inversely
// scaled by tier, so at equal usage a more trusted account wins.
func Key(usage float64, trustTier int) float64 {
	if trustTier < 0 {
		trustTier = 0
	}
	return usage / float64(trustTier+1)
}
