package store

// Slot states. pending and leased are live; the rest are terminal except
// that faulted/stale slots re-enter pending while attempts remain.
const (
	SlotPending   = "pending"
	SlotLeased    = "leased"
	SlotSubmitted = "submitted"
	SlotFaulted   = "faulted"
	SlotStale     = "aborted_stale"
	SlotCancelled = "cancelled"
)

// Request states.
const (
	RequestActive    = "active"
	RequestDone      = "done"
	RequestCancelled = "cancelled"
	RequestExpired   = "expired"
)

// TerminalSlot reports whether state is terminal for a slot.
func TerminalSlot(state string) bool {
	switch state {
	case SlotSubmitted, SlotFaulted, SlotStale, SlotCancelled:
		return true
	}
	return false
}

// Account is a requester identity with its priority inputs.
type Account struct {
	ID         string
	Name       string
	APIKeyHash string
	TrustTier  int
	KudosEMA   float64
	UsageAt    int64 // ms since epoch of the last EMA update
	CreatedAt  int64
}

// Worker is one registered compute endpoint.
type Worker struct {
	ID                string
	AccountID         string
	Name              string
	ModelsJSON        string // JSON array of declared model names
	Media             string // "image" or "text"
	MaxConcurrent     int
	MaxWorkload       float64
	Paused            bool
	Maintenance       bool
	AutoPaused        bool
	Probation         bool
	ConsecutiveFaults int
	TotalSubmitted    int64
	TotalFaulted      int64
	AutoPausedAt      int64
	LastSeenAt        int64
	Active            bool
	CreatedAt         int64
}

// Request is one client submission, expanded into N slots at creation.
type Request struct {
	ID          string
	AccountID   string
	Media       string
	ModelsJSON  string
	ParamsJSON  string
	N           int
	Workload    float64
	Kudos       float64
	PriorityKey float64
	NSFW        bool
	Webhook     string
	State       string
	ExpiresAt   int64
	CreatedAt   int64
}

// Slot is one unit of generation work.
type Slot struct {
	ID              string
	RequestID       string
	State           string
	WorkerID        string
	Model           string
	Attempts        int
	TTLMillis       int64
	LeasedAt        int64 // 0 when not leased
	Result          string
	Seed            int64
	MetaJSON        string
	DownloadURL     string
	FileSize        int64
	FaultReason     string
	LastFaultWorker string
	LastFaultAt     int64
	FinishedAt      int64
	CreatedAt       int64
}
