package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadLeaseToken covers every way a lease token can fail to verify.
var ErrBadLeaseToken = errors.New("invalid lease token")

// LeaseClaims binds a token to one worker and one slot.
type LeaseClaims struct {
	WorkerID string `json:"wid"`
	SlotID   string `json:"sid"`
	jwt.RegisteredClaims
}

// LeaseTokens issues and verifies the capability tokens handed out with
// each lease. A token proves the bearer was assigned that exact slot,
// so a worker cannot submit into another worker's lease even with a
// guessed slot ID.
type LeaseTokens struct {
	secret []byte
	now    func() time.Time
}

type LeaseTokenOption func(*LeaseTokens)

// WithLeaseClock overrides the time source, for tests.
func WithLeaseClock(now func() time.Time) LeaseTokenOption {
	return func(l *LeaseTokens) { l.now = now }
}

func NewLeaseTokens(secret string, opts ...LeaseTokenOption) *LeaseTokens {
	l := &LeaseTokens{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Issue mints a token for one lease. The token outlives the lease TTL
// by a small grace so a submission racing the reaper still verifies;
// the slot state check is what finally arbitrates.
func (l *LeaseTokens) Issue(workerID, slotID string, ttl time.Duration) (string, error) {
	now := l.now()
	claims := LeaseClaims{
		WorkerID: workerID,
		SlotID:   slotID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl + 30*time.Second)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
}

// Verify parses a token and returns its claims. The signing method is
// pinned to HS256.
func (l *LeaseTokens) Verify(token string) (*LeaseClaims, error) {
	var claims LeaseClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(l.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLeaseToken, err)
	}
	if claims.WorkerID == "" || claims.SlotID == "" {
		return nil, ErrBadLeaseToken
	}
	return &claims, nil
}
