package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridforge/swarm/auth"
	"github.com/gridforge/swarm/coord"
	"github.com/gridforge/swarm/kit"
	"github.com/gridforge/swarm/observability"
	"github.com/gridforge/swarm/shield"
)

type ctxKey int

const accountKey ctxKey = iota

func mountRoutes(r chi.Router, c *coord.Coordinator, metrics *observability.MetricsManager) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Client surface: API-key authenticated.
	r.Group(func(r chi.Router) {
		r.Use(requireAccount(c))

		r.Post("/api/v1/requests", handleSubmitRequest(c))
		r.Get("/api/v1/requests/{id}", handleGetStatus(c))
		r.Delete("/api/v1/requests/{id}", handleCancelRequest(c))
		r.Post("/api/v1/workers", handleRegisterWorker(c))
	})

	// Worker surface: poll is account-free (the worker ID is the handle),
	// submit and fault additionally require the lease token.
	r.Post("/api/v1/work/poll", handlePoll(c, metrics))
	r.Post("/api/v1/work/{slot}/submit", handleSubmitResult(c))
	r.Post("/api/v1/work/{slot}/fault", handleReportFault(c))

	// Operator surface: HTTP basic auth against the configured hash.
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin(c))

		r.Get("/admin/v1/workers", handleListWorkers(c))
		r.Put("/admin/v1/workers/{id}/flags", handleWorkerFlags(c))
		r.Post("/admin/v1/workers/{id}/reset", handleWorkerReset(c))
		r.Delete("/admin/v1/workers/{id}", handleWorkerRetire(c))
		r.Post("/admin/v1/accounts", handleCreateAccount(c))
		r.Get("/admin/v1/requests/{id}", handleAdminStatus(c))
		r.Post("/admin/v1/sweep", handleSweep(c))
	})
}

// requireAccount resolves the bearer API key to an account and stashes
// it in the request context.
func requireAccount(c *coord.Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			acct, err := c.Authenticate(r.Context(), key)
			if err != nil {
				if errors.Is(err, coord.ErrForbidden) {
					writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
					return
				}
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			ctx := kit.WithAccountID(r.Context(), acct.ID)
			ctx = kit.WithTrustTier(ctx, acct.TrustTier)
			ctx = withAccount(ctx, acct)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin enforces basic auth with the operator password.
func requireAdmin(c *coord.Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, password, ok := r.BasicAuth()
			if !ok || !c.CheckAdmin(password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="swarmd"`)
				writeError(w, http.StatusUnauthorized, errors.New("admin credentials required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleSubmitRequest(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec coord.RequestSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		receipt, err := c.SubmitRequest(r.Context(), accountFrom(r), spec)
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

func handleGetStatus(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		wait := queryDuration(r, "wait", 0)

		var (
			st  *coord.RequestStatus
			err error
		)
		if wait > 0 {
			st, err = c.WaitStatus(r.Context(), accountFrom(r), id, wait)
		} else {
			st, err = c.GetStatus(r.Context(), accountFrom(r), id)
		}
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCancelRequest(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := c.CancelRequest(r.Context(), accountFrom(r), id); err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "state": "cancelling"})
	}
}

func handleRegisterWorker(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reg coord.WorkerRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := c.RegisterWorker(r.Context(), accountFrom(r), reg)
		if err != nil {
			if errors.Is(err, coord.ErrWorkerNameTaken) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

type pollRequest struct {
	WorkerID      string   `json:"worker_id"`
	Models        []string `json:"models,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	MaxWorkload   float64  `json:"max_workload,omitempty"`
	WaitSeconds   int      `json:"wait_seconds,omitempty"`
}

func handlePoll(c *coord.Coordinator, metrics *observability.MetricsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.WorkerID == "" {
			writeError(w, http.StatusBadRequest, errors.New("worker_id required"))
			return
		}
		ctx := kit.WithWorkerID(r.Context(), req.WorkerID)

		start := time.Now()
		a, err := c.PollForWork(ctx, req.WorkerID, req.Models,
			req.MaxConcurrent, req.MaxWorkload,
			time.Duration(req.WaitSeconds)*time.Second)
		metrics.RecordSimple(observability.MetricPollLatencyMs,
			float64(time.Since(start).Milliseconds()), "ms")
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		if a == nil {
			writeJSON(w, http.StatusOK, map[string]any{"assignment": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignment": a})
	}
}

type submitRequest struct {
	WorkerID string `json:"worker_id"`
	coord.ResultSubmission
}

func handleSubmitResult(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID := chi.URLParam(r, "slot")
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := verifyLease(c, r, req.WorkerID, slotID); err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		ack, err := c.SubmitResult(r.Context(), req.WorkerID, slotID, req.ResultSubmission)
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

type faultRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

func handleReportFault(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID := chi.URLParam(r, "slot")
		var req faultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := verifyLease(c, r, req.WorkerID, slotID); err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		if err := c.ReportFault(r.Context(), req.WorkerID, slotID, req.Reason); err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"slot_id": slotID, "state": "faulted"})
	}
}

func verifyLease(c *coord.Coordinator, r *http.Request, workerID, slotID string) error {
	if workerID == "" {
		return errors.New("worker_id required")
	}
	return c.VerifyLeaseToken(r.Header.Get("X-Lease-Token"), workerID, slotID)
}

func handleListWorkers(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := c.ListWorkers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views, "count": len(views)})
	}
}

func handleWorkerFlags(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Paused      bool `json:"paused"`
			Maintenance bool `json:"maintenance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id := chi.URLParam(r, "id")
		if err := c.SetWorkerFlags(r.Context(), id, req.Paused, req.Maintenance); err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": id})
	}
}

func handleWorkerReset(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := c.ResetWorker(r.Context(), id); err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": id})
	}
}

func handleWorkerRetire(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := c.RetireWorker(r.Context(), id); err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": id, "status": "retired"})
	}
}

func handleCreateAccount(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string `json:"name"`
			TrustTier int    `json:"trust_tier"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		acct, key, err := c.CreateAccount(r.Context(), req.Name, req.TrustTier)
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"account": acct, "api_key": key})
	}
}

func handleAdminStatus(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := c.GetStatus(r.Context(), "", chi.URLParam(r, "id"))
		if err != nil {
			writeCoordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSweep(c *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := c.SweepOnce(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// --- helpers ---

func withAccount(ctx context.Context, acct *coord.AccountInfo) context.Context {
	return context.WithValue(ctx, accountKey, acct)
}

// accountFrom returns the authenticated account's ID. Handlers behind
// requireAccount always have one.
func accountFrom(r *http.Request) string {
	if acct, ok := r.Context().Value(accountKey).(*coord.AccountInfo); ok {
		return acct.ID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	// Some clients send the key bare in the apikey header.
	return r.Header.Get("apikey")
}

func queryDuration(r *http.Request, key string, def time.Duration) time.Duration {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeCoordError maps coordinator errors onto HTTP status codes.
func writeCoordError(w http.ResponseWriter, r *http.Request, err error) {
	log := shield.GetLogger(r.Context())
	var verr *coord.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, coord.ErrUnknownRequest), errors.Is(err, coord.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, coord.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, coord.ErrLeaseMismatch):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, coord.ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, auth.ErrBadLeaseToken):
		writeError(w, http.StatusForbidden, err)
	default:
		log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
