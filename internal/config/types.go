package config

import (
	"time"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
)

// Config represents the complete toolbridge configuration.
type Config struct {
	Include        []string                `yaml:"include,omitempty"`
	Service        ServiceConfig           `yaml:"service"`
	State          StateConfig             `yaml:"state"`
	API            APIConfig               `yaml:"api,omitempty"`
	Routing        RoutingConfig           `yaml:"routing,omitempty"`
	Lifecycle      LifecycleConfig         `yaml:"lifecycle,omitempty"`
	Cache          CacheConfig             `yaml:"cache,omitempty"`
	WorkerDefaults WorkerDefaults          `yaml:"worker_defaults,omitempty"`
	WorkersDirs    []string                `yaml:"workers_dirs,omitempty"`
	Workers        []descriptor.Descriptor `yaml:"workers,omitempty"`

	// Path is the absolute path of the root config file.
	Path string `yaml:"-"`
	// SourceFiles lists the root file followed by every included file, in load order.
	SourceFiles []string `yaml:"-"`
	// Hash is the BLAKE3 digest over SourceFiles' contents.
	Hash string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WatchConfig reloads the configuration when any source file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// Token, when set, is required as a bearer token on every /v1 endpoint.
	Token     string          `yaml:"token,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig bounds routed requests per client address.
// RequestsPerMinute of zero disables the limit; Burst defaults to it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst,omitempty"`
}

// RoutingConfig controls candidate ordering, retries and fingerprints.
type RoutingConfig struct {
	Policy         string        `yaml:"policy"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Fingerprint    string        `yaml:"fingerprint"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds retries against one worker.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// LifecycleConfig controls supervision of worker processes.
type LifecycleConfig struct {
	RuntimeDir         string        `yaml:"runtime_dir"`
	SuperviseInterval  time.Duration `yaml:"supervise_interval"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	RestartBackoffBase time.Duration `yaml:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `yaml:"restart_backoff_max"`
	MaxRestarts        int           `yaml:"max_restarts"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	StopGrace          time.Duration `yaml:"stop_grace"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	ConnectRetries     int           `yaml:"connect_retries"`
	ConnectBackoff     time.Duration `yaml:"connect_backoff"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"`
	Capacity   int           `yaml:"capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis,omitempty"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// WorkerDefaults fill zero fields on every worker descriptor.
type WorkerDefaults struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	MaxConnections int           `yaml:"max_connections"`
}

// Descriptor returns the descriptor defaults.
func (w WorkerDefaults) Descriptor() descriptor.Defaults {
	return descriptor.Defaults{
		IdleTimeout:    w.IdleTimeout,
		StartupTimeout: w.StartupTimeout,
		MaxConnections: w.MaxConnections,
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "toolbridge",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path:          "./data/state.db",
			FlushInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:8090",
			MaxBodyBytes: 1 << 20,
		},
		Routing: RoutingConfig{
			Policy:         "least-loaded",
			DefaultTimeout: 30 * time.Second,
			Fingerprint:    "canonical-json",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BackoffBase: 50 * time.Millisecond,
				BackoffMax:  time.Second,
			},
		},
		Lifecycle: LifecycleConfig{
			SuperviseInterval:  time.Second,
			ProbeInterval:      10 * time.Second,
			ProbeTimeout:       2 * time.Second,
			RestartBackoffBase: time.Second,
			RestartBackoffMax:  time.Minute,
			MaxRestarts:        5,
			DrainTimeout:       30 * time.Second,
			StopGrace:          5 * time.Second,
			AcquireTimeout:     5 * time.Second,
			ConnectRetries:     3,
			ConnectBackoff:     50 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    "memory",
			Capacity:   1024,
			DefaultTTL: 5 * time.Minute,
		},
		WorkerDefaults: WorkerDefaults{
			IdleTimeout:    5 * time.Minute,
			StartupTimeout: 10 * time.Second,
			MaxConnections: 4,
		},
	}
}
