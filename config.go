package izi

import (
	"fmt"
	"time"

	"izi/internal/insertbuffer"
	"izi/internal/notify"
)

// StorageDriver selects which adapter package backs a Config.
type StorageDriver int

const (
	Postgres StorageDriver = iota
	MySQL
	SQLite
)

func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

const (
	DefaultStageInterval   = time.Second
	DefaultRescueInterval  = 60 * time.Second
	DefaultRescueAfter     = 300 * time.Second
	DefaultPruneInterval   = 60 * time.Second
	DefaultPruneMaxAge     = 24 * time.Hour
	DefaultManualPruneAge  = 7 * 24 * time.Hour
	DefaultQueuePoll       = time.Second
	DefaultQueueLimit      = 10
)

// QueueConfig describes one dispatcher this process should run.
type QueueConfig struct {
	Name         string
	Limit        int
	Paused       bool
	PollInterval time.Duration
}

// Config is the fully-validated construction parameters for New. Build
// one with functional options and pass it to New.
type Config struct {
	Instance string
	Driver   StorageDriver
	DSN      string

	Queues []QueueConfig

	StageInterval  time.Duration
	RescueInterval time.Duration
	RescueAfter    time.Duration
	PruneInterval  time.Duration
	PruneMaxAge    time.Duration

	// InsertBuffer, when set, routes Insert through a publish-then-
	// batch-write path instead of writing directly.
	InsertBuffer *insertbuffer.Buffer

	// NotifyBridge, when set, supplements or substitutes the adapter's
	// native Listen/Notify with a Redis pub/sub channel.
	NotifyBridge *notify.RedisBridge

	IsolationMinContexts int
	IsolationMaxContexts int
	IsolationIdleTimeout time.Duration
}

// Option mutates a Config during construction; a non-nil error is
// collected into NewConfig's aggregate ValidationErrors.
type Option func(*Config) error

func defaultConfig(instance string) *Config {
	return &Config{
		Instance:             instance,
		Driver:               Postgres,
		StageInterval:        DefaultStageInterval,
		RescueInterval:       DefaultRescueInterval,
		RescueAfter:          DefaultRescueAfter,
		PruneInterval:        DefaultPruneInterval,
		PruneMaxAge:          DefaultPruneMaxAge,
		IsolationMinContexts: 0,
		IsolationMaxContexts: 4,
		IsolationIdleTimeout: 30 * time.Second,
	}
}

// NewConfig builds and validates a Config the way the orchestrator's New
// consumes it. Instance, a DSN and at least one queue are required;
// every other field carries a documented default.
func NewConfig(instance string, opts ...Option) (*Config, error) {
	cfg := defaultConfig(instance)
	verrs := &ValidationErrors{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			verrs.Add(err)
		}
	}

	if cfg.Instance == "" {
		verrs.Addf("config: instance name is required")
	}
	if cfg.DSN == "" {
		verrs.Addf("config: DSN is required")
	}
	if len(cfg.Queues) == 0 {
		verrs.Addf("config: at least one queue must be configured")
	}
	for _, q := range cfg.Queues {
		if q.Name == "" {
			verrs.Addf("config: queue name must not be empty")
		}
		if q.Limit <= 0 {
			verrs.Addf("config: queue %q limit must be positive", q.Name)
		}
	}

	if verrs.HasErrors() {
		return nil, verrs
	}
	return cfg, nil
}

func WithDriver(d StorageDriver, dsn string) Option {
	return func(c *Config) error {
		c.Driver = d
		c.DSN = dsn
		return nil
	}
}

// WithQueue adds one dispatcher configuration. Calling it more than once
// with the same name replaces the earlier entry.
func WithQueue(name string, limit int) Option {
	return func(c *Config) error {
		if name == "" {
			return errNamedf("queue name must not be empty")
		}
		if limit <= 0 {
			return errNamedf("queue %q limit must be positive", name)
		}
		for i, q := range c.Queues {
			if q.Name == name {
				c.Queues[i].Limit = limit
				return nil
			}
		}
		c.Queues = append(c.Queues, QueueConfig{Name: name, Limit: limit, PollInterval: DefaultQueuePoll})
		return nil
	}
}

// WithQueues is the mapping-of-name-to-limit convenience form.
func WithQueues(limits map[string]int) Option {
	return func(c *Config) error {
		for name, limit := range limits {
			if err := WithQueue(name, limit)(c); err != nil {
				return err
			}
		}
		return nil
	}
}

func WithStageInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errNamedf("stage interval must be positive")
		}
		c.StageInterval = d
		return nil
	}
}

func WithRescue(interval, after time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 || after <= 0 {
			return errNamedf("rescue interval and rescueAfter must be positive")
		}
		c.RescueInterval = interval
		c.RescueAfter = after
		return nil
	}
}

func WithPrune(interval, maxAge time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 || maxAge <= 0 {
			return errNamedf("prune interval and maxAge must be positive")
		}
		c.PruneInterval = interval
		c.PruneMaxAge = maxAge
		return nil
	}
}

func WithInsertBuffer(b *insertbuffer.Buffer) Option {
	return func(c *Config) error {
		c.InsertBuffer = b
		return nil
	}
}

func WithNotifyBridge(b *notify.RedisBridge) Option {
	return func(c *Config) error {
		c.NotifyBridge = b
		return nil
	}
}

func WithIsolationPool(min, max int, idleTimeout time.Duration) Option {
	return func(c *Config) error {
		if max <= 0 || min < 0 || min > max {
			return errNamedf("isolation pool: 0 <= min <= max, max > 0")
		}
		c.IsolationMinContexts = min
		c.IsolationMaxContexts = max
		if idleTimeout > 0 {
			c.IsolationIdleTimeout = idleTimeout
		}
		return nil
	}
}

func errNamedf(format string, args ...any) error {
	return fmt.Errorf("izi: "+format, args...)
}
