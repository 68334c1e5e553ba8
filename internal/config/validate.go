package config

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
)

var (
	validLogLevels   = []string{"debug", "info", "warn", "error"}
	validLogFormats  = []string{"json", "text"}
	validPolicies    = []string{"first-match", "least-loaded", "priority"}
	validFingerprint = []string{"canonical-json", "raw"}
	validBackends    = []string{"memory", "redis"}
)

func oneOf(field, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of: %s (got %q)", field, strings.Join(valid, ", "), value)
}

// validate performs structural validation on the merged configuration.
func validate(cfg *Config) error {
	if err := oneOf("service.log_level", cfg.Service.LogLevel, validLogLevels); err != nil {
		return err
	}
	if err := oneOf("service.log_format", cfg.Service.LogFormat, validLogFormats); err != nil {
		return err
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		return fmt.Errorf("service.shutdown_timeout must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.FlushInterval <= 0 {
		return fmt.Errorf("state.flush_interval must be positive")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if name, ok := unresolvedEnv(cfg.API.Token); ok {
		return fmt.Errorf("api.token: environment variable ${%s} is not set", name)
	}
	if cfg.API.RateLimit.RequestsPerMinute < 0 || cfg.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}

	if err := oneOf("routing.policy", cfg.Routing.Policy, validPolicies); err != nil {
		return err
	}
	if err := oneOf("routing.fingerprint", cfg.Routing.Fingerprint, validFingerprint); err != nil {
		return err
	}
	if cfg.Routing.DefaultTimeout <= 0 {
		return fmt.Errorf("routing.default_timeout must be positive")
	}
	if cfg.Routing.Retry.MaxAttempts < 1 {
		return fmt.Errorf("routing.retry.max_attempts must be at least 1")
	}
	if cfg.Routing.Retry.BackoffMax < cfg.Routing.Retry.BackoffBase {
		return fmt.Errorf("routing.retry.backoff_max must not be less than backoff_base")
	}

	l := cfg.Lifecycle
	if l.RestartBackoffMax < l.RestartBackoffBase {
		return fmt.Errorf("lifecycle.restart_backoff_max must not be less than restart_backoff_base")
	}
	if l.MaxRestarts < 1 {
		return fmt.Errorf("lifecycle.max_restarts must be at least 1")
	}
	if l.ProbeTimeout > l.ProbeInterval {
		return fmt.Errorf("lifecycle.probe_timeout must not exceed probe_interval")
	}

	if cfg.Cache.Enabled {
		if err := oneOf("cache.backend", cfg.Cache.Backend, validBackends); err != nil {
			return err
		}
		if cfg.Cache.Backend == "memory" && cfg.Cache.Capacity < 1 {
			return fmt.Errorf("cache.capacity must be at least 1")
		}
		if cfg.Cache.Backend == "redis" {
			if cfg.Cache.Redis.Addr == "" {
				return fmt.Errorf("cache.redis.addr is required for the redis backend")
			}
			if name, ok := unresolvedEnv(cfg.Cache.Redis.Password); ok {
				return fmt.Errorf("cache.redis.password: environment variable ${%s} is not set", name)
			}
		}
		if cfg.Cache.DefaultTTL <= 0 {
			return fmt.Errorf("cache.default_ttl must be positive")
		}
	}

	d := cfg.WorkerDefaults
	if d.IdleTimeout <= 0 || d.StartupTimeout <= 0 || d.MaxConnections < 1 {
		return fmt.Errorf("worker_defaults: idle_timeout, startup_timeout and max_connections must be positive")
	}

	workers := make([]descriptor.Descriptor, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		for k, v := range w.Spawn.Env {
			if name, ok := unresolvedEnv(v); ok {
				return fmt.Errorf("worker %q: spawn.env.%s: environment variable ${%s} is not set", w.ID, k, name)
			}
		}
		workers = append(workers, w.WithDefaults(d.Descriptor()))
	}
	if err := descriptor.ValidateAll(workers); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	return nil
}
