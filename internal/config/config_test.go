package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONCAVE_ADDR", "CONCAVE_ALLOWED_ORIGINS", "CONCAVE_MAX_PAYLOAD_BYTES",
		"CONCAVE_MAX_CLIENTS", "CONCAVE_TLS_CERT", "CONCAVE_TLS_KEY",
		"CONCAVE_ADMIN_TOKEN", "CONCAVE_LOG_LEVEL", "CONCAVE_CHANGELOG_RETENTION",
		"CONCAVE_CHANGELOG_PATH", "CONCAVE_KV_MODE", "CONCAVE_KV_ADDR",
		"CONCAVE_KV_PASSWORD", "CONCAVE_KV_PREFIX", "CONCAVE_LOCK_TTL",
		"CONCAVE_HEARTBEAT_INTERVAL", "CONCAVE_TASK_TIMEOUT",
		"CONCAVE_WORKER_CONCURRENCY", "CONCAVE_AUTH_HMAC_SECRET",
		"CONCAVE_AUTH_LEEWAY", "CONCAVE_AUTH_SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("expected default max clients %d, got %d", DefaultMaxClients, cfg.MaxClients)
	}
	if cfg.KVMode != DefaultKVMode {
		t.Fatalf("expected default kv mode %q, got %q", DefaultKVMode, cfg.KVMode)
	}
	if cfg.KVKeyPrefix != DefaultKVKeyPrefix {
		t.Fatalf("expected default kv prefix %q, got %q", DefaultKVKeyPrefix, cfg.KVKeyPrefix)
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("expected default lock ttl %v, got %v", DefaultLockTTL, cfg.LockTTL)
	}
	if cfg.WorkerConcurrency != DefaultWorkerConcurrency {
		t.Fatalf("expected default worker concurrency %d, got %d", DefaultWorkerConcurrency, cfg.WorkerConcurrency)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONCAVE_ADDR", "127.0.0.1:9000")
	t.Setenv("CONCAVE_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("CONCAVE_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("CONCAVE_MAX_CLIENTS", "12")
	t.Setenv("CONCAVE_KV_MODE", "redis")
	t.Setenv("CONCAVE_KV_ADDR", "redis.internal:6379")
	t.Setenv("CONCAVE_LOCK_TTL", "45s")
	t.Setenv("CONCAVE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("CONCAVE_WORKER_CONCURRENCY", "16")
	t.Setenv("CONCAVE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("expected overridden max payload, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.MaxClients != 12 {
		t.Fatalf("expected max clients 12, got %d", cfg.MaxClients)
	}
	if cfg.KVMode != "redis" {
		t.Fatalf("expected kv mode redis, got %q", cfg.KVMode)
	}
	if cfg.KVAddr != "redis.internal:6379" {
		t.Fatalf("unexpected kv addr %q", cfg.KVAddr)
	}
	if cfg.LockTTL != 45*time.Second {
		t.Fatalf("expected lock ttl 45s, got %v", cfg.LockTTL)
	}
	if cfg.WorkerConcurrency != 16 {
		t.Fatalf("expected worker concurrency 16, got %d", cfg.WorkerConcurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONCAVE_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("CONCAVE_MAX_CLIENTS", "-1")
	t.Setenv("CONCAVE_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("CONCAVE_KV_MODE", "not-a-mode")
	t.Setenv("CONCAVE_LOCK_TTL", "-1s")
	t.Setenv("CONCAVE_WORKER_CONCURRENCY", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"CONCAVE_MAX_PAYLOAD_BYTES",
		"CONCAVE_MAX_CLIENTS",
		"CONCAVE_TLS_CERT",
		"CONCAVE_KV_MODE",
		"CONCAVE_LOCK_TTL",
		"CONCAVE_WORKER_CONCURRENCY",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadAllowsUnlimitedClients(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONCAVE_MAX_CLIENTS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MaxClients != 0 {
		t.Fatalf("expected zero to disable limit, got %d", cfg.MaxClients)
	}
}
