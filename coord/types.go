package coord

import (
	"encoding/json"
	"time"
)

// AccountInfo is the public view of a requester account.
type AccountInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TrustTier int    `json:"trust_tier"`
}

// WorkerRegistration is a worker's declared identity and capacity.
type WorkerRegistration struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Media         string   `json:"media"`
	MaxConcurrent int      `json:"max_concurrent"`
	MaxWorkload   float64  `json:"max_workload"`
}

// RequestSpec is a client's generation request.
type RequestSpec struct {
	Media   string          `json:"media"`
	Models  []string        `json:"models,omitempty"` // empty accepts any model
	Params  json.RawMessage `json:"params,omitempty"`
	N       int             `json:"n"`
	NSFW    bool            `json:"nsfw,omitempty"`
	Webhook string          `json:"webhook,omitempty"`
}

// RequestReceipt acknowledges an accepted request.
type RequestReceipt struct {
	RequestID string    `json:"request_id"`
	Kudos     float64   `json:"kudos"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerationResult is one slot's delivered output.
type GenerationResult struct {
	Generation  string          `json:"generation"`
	Seed        int64           `json:"seed,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	FileSize    int64           `json:"file_size,omitempty"`
}

// SlotStatus is one slot's view in a status poll.
type SlotStatus struct {
	SlotID   string            `json:"slot_id"`
	State    string            `json:"state"`
	Model    string            `json:"model,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
	Attempts int               `json:"attempts"`
	Result   *GenerationResult `json:"result,omitempty"`
}

// RequestStatus is the client's view of a request.
type RequestStatus struct {
	RequestID  string       `json:"request_id"`
	State      string       `json:"state"`
	Done       bool         `json:"done"`
	Partial    bool         `json:"partial"` // done with at least one failed slot
	Waiting    int          `json:"waiting"`
	Processing int          `json:"processing"`
	Finished   int          `json:"finished"`
	Failed     int          `json:"failed"`
	Slots      []SlotStatus `json:"slots"`
}

// WorkAssignment is a leased slot handed to a worker, with the
// capability token it must present when submitting.
type WorkAssignment struct {
	SlotID     string          `json:"slot_id"`
	RequestID  string          `json:"request_id"`
	Model      string          `json:"model"`
	Media      string          `json:"media"`
	Params     json.RawMessage `json:"params,omitempty"`
	NSFW       bool            `json:"nsfw,omitempty"`
	Attempts   int             `json:"attempts"`
	TTLSeconds int             `json:"ttl_seconds"`
	LeaseToken string          `json:"lease_token,omitempty"`
}

// ResultSubmission is a worker's delivered output for a leased slot.
type ResultSubmission struct {
	Generation  string          `json:"generation"`
	Seed        int64           `json:"seed,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	FileSize    int64           `json:"file_size,omitempty"`
}

// SubmitAck tells the worker what happened to its result.
type SubmitAck struct {
	SlotID    string  `json:"slot_id"`
	Discarded bool    `json:"discarded"` // request was cancelled or expired
	Kudos     float64 `json:"kudos"`
}

// WorkerView is the operator's view of one worker.
type WorkerView struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Models            []string  `json:"models"`
	Media             string    `json:"media"`
	MaxConcurrent     int       `json:"max_concurrent"`
	MaxWorkload       float64   `json:"max_workload"`
	Status            string    `json:"status"` // ok | paused | maintenance | auto-paused | probation | retired
	ConsecutiveFaults int       `json:"consecutive_faults"`
	TotalSubmitted    int64     `json:"total_submitted"`
	TotalFaulted      int64     `json:"total_faulted"`
	LastSeen          time.Time `json:"last_seen"`
}
