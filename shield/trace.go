package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gridforge/swarm/kit"
)

// TraceID tags every request with a short random id, echoed in the
// X-Trace-ID header and attached to a per-request logger under
// LoggerKey so handler log lines correlate with client reports.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := make([]byte, 4)
		rand.Read(raw)
		trace := hex.EncodeToString(raw)
		w.Header().Set("X-Trace-ID", trace)

		ctx := kit.WithRequestID(r.Context(), trace)
		ctx = context.WithValue(ctx, LoggerKey, slog.Default().With(
			"trace_id", trace,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
