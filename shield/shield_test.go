package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gridforge/swarm/dbopen"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders()(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: %q", got)
	}
}

func TestTraceIDInjected(t *testing.T) {
	var sawLogger bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = GetLogger(r.Context()) != nil
	})
	rec := httptest.NewRecorder()
	TraceID(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("no X-Trace-ID header")
	}
	if !sawLogger {
		t.Error("no per-request logger in context")
	}
}

func TestMaxJSONBody(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && !strings.Contains(err.Error(), "EOF") {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := MaxJSONBody(8)(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader(`{"n": 1, "media": "image"}`)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader(`{}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("small body: got %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	_, err := db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /api/v1/requests', 2, 60, 1)`)
	if err != nil {
		t.Fatal(err)
	}

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	req := func(path string) int {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", path, nil)
		r.RemoteAddr = "10.0.0.1:4444"
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	if req("/api/v1/requests") != http.StatusOK {
		t.Fatal("first request blocked")
	}
	if req("/api/v1/requests") != http.StatusOK {
		t.Fatal("second request blocked")
	}
	if req("/api/v1/requests") != http.StatusTooManyRequests {
		t.Fatal("third request not limited")
	}
	// Unconfigured endpoints are unlimited.
	for range 5 {
		if req("/api/v1/other") != http.StatusOK {
			t.Fatal("unconfigured endpoint limited")
		}
	}
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:9999"
	if got := ExtractIP(r); got != "10.1.2.3" {
		t.Errorf("remote addr: %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(r); got != "203.0.113.9" {
		t.Errorf("xff: %q", got)
	}
}
