package coord

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full coordinator configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	LeaseSecret string `yaml:"lease_secret"` // HMAC key for lease tokens
	AdminHash   string `yaml:"admin_hash"`   // bcrypt hash of the operator password

	Queue    QueueConfig    `yaml:"queue"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Priority PriorityConfig `yaml:"priority"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// QueueConfig tunes leases, retries, and request lifetimes.
type QueueConfig struct {
	MaxSlots          int           `yaml:"max_slots"`          // cap on n per request
	MaxWorkload       float64       `yaml:"max_workload"`       // cap on per-slot workload
	MaxAttempts       int           `yaml:"max_attempts"`       // lease attempts per slot
	TTLFloor          time.Duration `yaml:"ttl_floor"`          // minimum lease TTL
	TTLBase           time.Duration `yaml:"ttl_base"`           // TTL for a zero-workload job
	TTLPerUnit        time.Duration `yaml:"ttl_per_unit"`       // TTL added per workload unit
	Cooldown          time.Duration `yaml:"cooldown"`           // faulting-worker exclusion window
	RequestLifetime   time.Duration `yaml:"request_lifetime"`   // soft expiry for unserved requests
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // repair sweep period
	LongPollWait      time.Duration `yaml:"long_poll_wait"`     // max wait on an empty poll
}

// FleetConfig tunes the worker fault breaker.
type FleetConfig struct {
	FaultThreshold int           `yaml:"fault_threshold"` // consecutive faults before auto-pause
	ProbationDelay time.Duration `yaml:"probation_delay"` // pause age before a trial lease
}

// PriorityConfig tunes requester ordering.
type PriorityConfig struct {
	HalfLife time.Duration `yaml:"half_life"` // usage decay half-life
}

// WebhookConfig tunes completion callbacks.
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8480",
		DBPath: "swarm.db",
		Queue: QueueConfig{
			MaxSlots:          20,
			MaxWorkload:       64,
			MaxAttempts:       3,
			TTLFloor:          150 * time.Second,
			TTLBase:           60 * time.Second,
			TTLPerUnit:        30 * time.Second,
			Cooldown:          2 * time.Minute,
			RequestLifetime:   20 * time.Minute,
			ReconcileInterval: 10 * time.Second,
			LongPollWait:      25 * time.Second,
		},
		Fleet: FleetConfig{
			FaultThreshold: 5,
			ProbationDelay: 5 * time.Minute,
		},
		Priority: PriorityConfig{
			HalfLife: 10 * time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
			Retries: 3,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.LeaseSecret == "" {
		return fmt.Errorf("lease_secret is required")
	}
	if c.Queue.MaxSlots <= 0 {
		return fmt.Errorf("queue.max_slots must be > 0")
	}
	if c.Queue.MaxWorkload <= 0 {
		return fmt.Errorf("queue.max_workload must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.TTLFloor <= 0 || c.Queue.TTLBase <= 0 || c.Queue.TTLPerUnit <= 0 {
		return fmt.Errorf("queue ttl settings must be > 0")
	}
	if c.Queue.RequestLifetime <= 0 {
		return fmt.Errorf("queue.request_lifetime must be > 0")
	}
	if c.Fleet.FaultThreshold <= 0 {
		return fmt.Errorf("fleet.fault_threshold must be > 0")
	}
	return nil
}
