package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Quorum.Policy != "manual" {
		t.Errorf("expected manual quorum, got %q", cfg.Quorum.Policy)
	}
	if cfg.Engine.OracleTimeout.Duration != 45*time.Second {
		t.Errorf("expected 45s oracle timeout, got %s", cfg.Engine.OracleTimeout.Duration)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Lock.Backend = "redis"
	cfg.Quorum.Policy = "unanimous"
	cfg.Settlement.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "store.redis_url", "quorum", "rpc_url", "contract_address", "private_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wager.toml")
	content := `
log_level = "debug"

[server]
port = 9090

[quorum]
policy = "majority"

[llm]
provider = "anthropic"
model = "claude-3-5-haiku-latest"
timeout = "10s"

[kafka]
brokers = ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WAGER_SERVER_PORT", "7070")
	t.Setenv("WAGER_KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Quorum.Policy != "majority" {
		t.Errorf("expected majority, got %q", cfg.Quorum.Policy)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Timeout.Duration != 10*time.Second {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.LLM.MaxRetries != 2 {
		t.Errorf("expected default max_retries kept, got %d", cfg.LLM.MaxRetries)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %q", cfg.LogLevel)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.Backend != "memory" {
		t.Errorf("expected memory lock, got %q", cfg.Lock.Backend)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("[lock]\nttl = \"soon\"\n"), 0o600)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestValidate_RedisLeaseOutlivesResolve(t *testing.T) {
	cfg := Defaults()
	cfg.Store.RedisURL = "redis://localhost:6379/0"
	cfg.Lock.Backend = "redis"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults with redis lock to validate, got %v", err)
	}

	cfg.Settlement.Timeout = duration{5 * time.Minute}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "lock: ttl") {
		t.Errorf("expected lease ttl error, got %v", err)
	}

	cfg.Lock.TTL = duration{10 * time.Minute}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected longer ttl to validate, got %v", err)
	}

	// The in-process lock has no lease.
	cfg.Lock.Backend = "memory"
	cfg.Lock.TTL = duration{time.Second}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected memory lock to ignore ttl bound, got %v", err)
	}
}
