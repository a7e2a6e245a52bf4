package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is one endpoint's limit, as stored in rate_limits.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// window is a fixed counting window for one (ip, endpoint) pair.
type window struct {
	mu     sync.Mutex
	hits   int
	closes time.Time
}

// RateLimiter throttles per IP and endpoint. Limits live in the
// rate_limits table so an operator can tighten a hot route without a
// restart; routes without a row pass through untouched. A poll storm
// from misconfigured workers is the case this exists for.
type RateLimiter struct {
	db      *sql.DB
	skip    []string
	mu      sync.RWMutex
	limits  map[string]RateLimitConfig
	windows sync.Map
}

// NewRateLimiter loads the current limits from db. Paths starting with
// any of skipPrefixes (health checks, typically) bypass the limiter.
func NewRateLimiter(db *sql.DB, skipPrefixes ...string) *RateLimiter {
	rl := &RateLimiter{db: db, skip: skipPrefixes, limits: map[string]RateLimitConfig{}}
	rl.reload()
	return rl
}

// StartReloader refreshes limits every minute and drops closed windows
// every five, until done closes.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	go func() {
		refresh := time.NewTicker(time.Minute)
		sweep := time.NewTicker(5 * time.Minute)
		defer refresh.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-done:
				return
			case <-refresh.C:
				rl.reload()
			case <-sweep.C:
				rl.dropClosed()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(
		`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit reload", "error", err)
		return
	}
	defer rows.Close()

	next := map[string]RateLimitConfig{}
	for rows.Next() {
		var (
			ep      string
			lim     RateLimitConfig
			enabled int
		)
		if rows.Scan(&ep, &lim.MaxRequests, &lim.WindowSeconds, &enabled) != nil {
			continue
		}
		lim.Enabled = enabled != 0
		next[ep] = lim
	}

	rl.mu.Lock()
	rl.limits = next
	rl.mu.Unlock()
	slog.Debug("ratelimit limits loaded", "count", len(next))
}

func (rl *RateLimiter) dropClosed() {
	now := time.Now()
	rl.windows.Range(func(key, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		expired := now.After(w.closes)
		w.mu.Unlock()
		if expired {
			rl.windows.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	rl.mu.RLock()
	lim, found := rl.limits[endpoint]
	rl.mu.RUnlock()
	if !found || !lim.Enabled {
		return true
	}

	v, _ := rl.windows.LoadOrStore(ip+"|"+endpoint, &window{})
	w := v.(*window)
	span := time.Duration(lim.WindowSeconds) * time.Second
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if now.After(w.closes) {
		w.hits = 0
		w.closes = now.Add(span)
	}
	w.hits++
	return w.hits <= lim.MaxRequests
}

// Middleware rejects over-limit requests with 429 and a Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.skip {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		endpoint := r.Method + " " + r.URL.Path
		if !rl.allow(ip, endpoint) {
			slog.Warn("ratelimit blocked", "ip", ip, "endpoint", endpoint)
			w.Header().Set("Retry-After", strconv.Itoa(60))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func ExtractIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
