package coord

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridforge/swarm/idgen"
	"github.com/gridforge/swarm/vtq"
)

// completionEvent is the JSON body posted to a request's webhook once
// the request reaches a terminal state.
type completionEvent struct {
	Event     string `json:"event"` // request.done
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Finished  int    `json:"finished"`
	Failed    int    `json:"failed"`
	Partial   bool   `json:"partial"`
	Timestamp string `json:"timestamp"`
}

// webhookJob is the outbox payload: destination plus event.
type webhookJob struct {
	URL   string          `json:"url"`
	Event completionEvent `json:"event"`
}

// notifier delivers completion callbacks through a durable outbox.
// Enqueued deliveries survive a coordinator restart; a webhook that
// stays down past the retry budget is dropped with a log line, never
// blocking the request lifecycle.
type notifier struct {
	q      *vtq.Q
	client *http.Client
	log    *slog.Logger
	newID  idgen.Generator
}

func newNotifier(db *sql.DB, cfg WebhookConfig, log *slog.Logger) *notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	return &notifier{
		q: vtq.New(db, vtq.Options{
			Queue:        "webhooks",
			Visibility:   timeout + 5*time.Second,
			PollInterval: time.Second,
			MaxAttempts:  retries,
			Logger:       log,
		}),
		client: &http.Client{Timeout: timeout},
		log:    log,
		newID:  idgen.Prefixed("whk_", idgen.UUIDv7()),
	}
}

// Init creates the outbox table.
func (n *notifier) Init(ctx context.Context) error {
	return n.q.EnsureTable(ctx)
}

// Notify enqueues a delivery. The outbox consumer posts it.
func (n *notifier) Notify(ctx context.Context, url string, ev completionEvent) {
	if url == "" {
		return
	}
	payload, err := json.Marshal(webhookJob{URL: url, Event: ev})
	if err != nil {
		n.log.Error("webhook marshal", "request", ev.RequestID, "error", err)
		return
	}
	if err := n.q.Publish(ctx, n.newID(), payload); err != nil {
		n.log.Error("webhook enqueue", "request", ev.RequestID, "error", err)
	}
}

// Run consumes the outbox until the context ends.
func (n *notifier) Run(ctx context.Context) {
	n.q.Run(ctx, n.deliver)
}

func (n *notifier) deliver(ctx context.Context, job *vtq.Job) error {
	var wj webhookJob
	if err := json.Unmarshal(job.Payload, &wj); err != nil {
		// Poison payload, drop it.
		n.log.Error("webhook payload corrupt", "job", job.ID, "error", err)
		return nil
	}
	body, err := json.Marshal(wj.Event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wj.URL, bytes.NewReader(body))
	if err != nil {
		n.log.Error("webhook bad url", "job", job.ID, "url", wj.URL, "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	n.log.Info("webhook delivered",
		"request", wj.Event.RequestID, "url", wj.URL, "attempt", job.Attempts)
	return nil
}
