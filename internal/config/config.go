// Package config loads runtime tunables for the concave core from the
// environment, in the same accumulate-then-report style the rest of the
// codebase uses for fallible setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP/event-stream server listens on.
	DefaultAddr = ":43127"
	// DefaultMaxPayloadBytes is the default for Config.MaxPayloadBytes. No
	// package in this module reads that field, so no frame size is enforced.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients is the default for Config.MaxClients, where zero means
	// no cap. No package in this module reads that field to limit connections.
	DefaultMaxClients = 256

	// DefaultLogLevel controls verbosity for structured logs.
	DefaultLogLevel = "info"

	// DefaultChangelogRetention bounds how many entries the changelog keeps in memory/bolt.
	DefaultChangelogRetention = 10000
	// DefaultChangelogPath is where the bbolt-backed changelog persists, empty disables it.
	DefaultChangelogPath = ""

	// DefaultKVMode selects the task/subscription KV backend: "redis" or "memory".
	DefaultKVMode = "memory"
	// DefaultKVAddr is the default Redis address when KVMode is "redis".
	DefaultKVAddr = "127.0.0.1:6379"
	// DefaultKVKeyPrefix namespaces every key the core writes to the KV.
	DefaultKVKeyPrefix = "concave:tasks:"

	// DefaultLockTTL is how long a worker's task lease is valid before it must be renewed.
	DefaultLockTTL = 30 * time.Second
	// DefaultHeartbeatInterval must stay below LockTTL/3 per the scheduler contract.
	DefaultHeartbeatInterval = 8 * time.Second
	// DefaultTaskTimeout bounds how long a task handler may run before it is cancelled.
	DefaultTaskTimeout = 30 * time.Second
	// DefaultWorkerConcurrency caps in-flight task executions per worker process.
	DefaultWorkerConcurrency = 8

	// DefaultAuthLeeway allows modest clock skew when validating subscription auth tokens.
	DefaultAuthLeeway = 5 * time.Second
	// DefaultAuthSweepInterval controls how often expired subscriptions are torn down.
	DefaultAuthSweepInterval = 10 * time.Second
)

// Config captures all runtime tunables for the core service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string

	Logging LoggingConfig

	ChangelogRetention int
	ChangelogPath      string

	KVMode      string
	KVAddr      string
	KVPassword  string
	KVKeyPrefix string

	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
	WorkerConcurrency int

	AuthHMACSecret    string
	AuthLeeway        time.Duration
	AuthSweepInterval time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string
}

// Load reads the core configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            getString("CONCAVE_ADDR", DefaultAddr),
		AllowedOrigins:     parseList(os.Getenv("CONCAVE_ALLOWED_ORIGINS")),
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		MaxClients:         DefaultMaxClients,
		TLSCertPath:        strings.TrimSpace(os.Getenv("CONCAVE_TLS_CERT")),
		TLSKeyPath:         strings.TrimSpace(os.Getenv("CONCAVE_TLS_KEY")),
		AdminToken:         strings.TrimSpace(os.Getenv("CONCAVE_ADMIN_TOKEN")),
		Logging:            LoggingConfig{Level: strings.TrimSpace(getString("CONCAVE_LOG_LEVEL", DefaultLogLevel))},
		ChangelogRetention: DefaultChangelogRetention,
		ChangelogPath:      strings.TrimSpace(getString("CONCAVE_CHANGELOG_PATH", DefaultChangelogPath)),
		KVMode:             strings.ToLower(getString("CONCAVE_KV_MODE", DefaultKVMode)),
		KVAddr:             getString("CONCAVE_KV_ADDR", DefaultKVAddr),
		KVPassword:         os.Getenv("CONCAVE_KV_PASSWORD"),
		KVKeyPrefix:        getString("CONCAVE_KV_PREFIX", DefaultKVKeyPrefix),
		LockTTL:            DefaultLockTTL,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		TaskTimeout:        DefaultTaskTimeout,
		WorkerConcurrency:  DefaultWorkerConcurrency,
		AuthHMACSecret:     os.Getenv("CONCAVE_AUTH_HMAC_SECRET"),
		AuthLeeway:         DefaultAuthLeeway,
		AuthSweepInterval:  DefaultAuthSweepInterval,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_CHANGELOG_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_CHANGELOG_RETENTION must be a positive integer, got %q", raw))
		} else {
			cfg.ChangelogRetention = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_LOCK_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_LOCK_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.LockTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_HEARTBEAT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_TASK_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_TASK_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.TaskTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_WORKER_CONCURRENCY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_WORKER_CONCURRENCY must be a positive integer, got %q", raw))
		} else {
			cfg.WorkerConcurrency = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_AUTH_LEEWAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_AUTH_LEEWAY must be a non-negative duration, got %q", raw))
		} else {
			cfg.AuthLeeway = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CONCAVE_AUTH_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CONCAVE_AUTH_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.AuthSweepInterval = duration
		}
	}

	switch cfg.KVMode {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("CONCAVE_KV_MODE must be %q or %q, got %q", "redis", "memory", cfg.KVMode))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "CONCAVE_TLS_CERT and CONCAVE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
