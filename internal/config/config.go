// Package config defines the wager engine configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by WAGER_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Lock       LockConfig       `toml:"lock"`
	LLM        LLMConfig        `toml:"llm"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Settlement SettlementConfig `toml:"settlement"`
	Quorum     QuorumConfig     `toml:"quorum"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Archive    ArchiveConfig    `toml:"archive"`
	Engine     EngineConfig     `toml:"engine"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StoreConfig selects the wager store. An empty DSN means in-memory.
type StoreConfig struct {
	PostgresDSN   string   `toml:"postgres_dsn"`
	RedisURL      string   `toml:"redis_url"`
	CacheTTL      duration `toml:"cache_ttl"`
	RunMigrations bool     `toml:"run_migrations"`
}

// LockConfig selects how votes and transitions on one wager are serialized.
type LockConfig struct {
	Backend string   `toml:"backend"` // memory | redis
	TTL     duration `toml:"ttl"`
}

// LLMConfig configures the oracle's language model.
type LLMConfig struct {
	Provider          string   `toml:"provider"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	MaxTokens         int      `toml:"max_tokens"`
	Temperature       float64  `toml:"temperature"`
	Timeout           duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBackoff      duration `toml:"retry_backoff"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// ScheduleConfig configures the sports schedule API.
type ScheduleConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	APIHost           string   `toml:"api_host"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           duration `toml:"timeout"`
}

// SettlementConfig configures the on-ledger escrow contract. When disabled
// the engine runs with a no-op connector.
type SettlementConfig struct {
	Enabled         bool     `toml:"enabled"`
	RPCURL          string   `toml:"rpc_url"`
	ContractAddress string   `toml:"contract_address"`
	PrivateKey      string   `toml:"private_key"`
	ChainID         int64    `toml:"chain_id"`
	TokenDecimals   int32    `toml:"token_decimals"`
	Timeout         duration `toml:"timeout"`
}

type QuorumConfig struct {
	Policy string `toml:"policy"` // manual | all | majority
}

// KafkaConfig enables the lifecycle event stream when Brokers is set.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// ArchiveConfig enables the S3 archive of resolved wagers when Bucket is set.
type ArchiveConfig struct {
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

type EngineConfig struct {
	OracleTimeout duration `toml:"oracle_timeout"`
}

// duration wraps time.Duration so TOML strings like "45s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs fully in-process: memory store and
// lock, manual quorum, no ledger, no event sinks.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Store: StoreConfig{
			CacheTTL:      duration{30 * time.Second},
			RunMigrations: true,
		},
		Lock: LockConfig{
			Backend: "memory",
			TTL:     duration{3 * time.Minute},
		},
		LLM: LLMConfig{
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			MaxTokens:    256,
			Timeout:      duration{30 * time.Second},
			MaxRetries:   2,
			RetryBackoff: duration{time.Second},
		},
		Schedule: ScheduleConfig{
			BaseURL:           "https://api-nba-v1.p.rapidapi.com",
			APIHost:           "api-nba-v1.p.rapidapi.com",
			RequestsPerSecond: 1,
			Burst:             2,
			Timeout:           duration{15 * time.Second},
		},
		Settlement: SettlementConfig{
			ChainID:       84532,
			TokenDecimals: 18,
			Timeout:       duration{2 * time.Minute},
		},
		Quorum: QuorumConfig{Policy: "manual"},
		Kafka:  KafkaConfig{Topic: "wager-events"},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "wagers",
		},
		Engine:   EngineConfig{OracleTimeout: duration{45 * time.Second}},
		LogLevel: "info",
	}
}

var (
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLocks     = map[string]bool{"memory": true, "redis": true}
	validPolicies  = map[string]bool{"": true, "manual": true, "all": true, "majority": true}
	validProviders = map[string]bool{"openai": true, "anthropic": true, "ollama": true}
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	lockBackend := strings.ToLower(c.Lock.Backend)
	if !validLocks[lockBackend] {
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: memory, redis)", c.Lock.Backend))
	}
	if lockBackend == "redis" && c.Store.RedisURL == "" {
		errs = append(errs, "lock: backend redis requires store.redis_url")
	}
	if c.Lock.TTL.Duration <= 0 {
		errs = append(errs, "lock: ttl must be positive")
	}

	if !validProviders[strings.ToLower(c.LLM.Provider)] {
		errs = append(errs, fmt.Sprintf("llm: unknown provider %q (valid: openai, anthropic, ollama)", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, "llm: model must not be empty")
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, "llm: max_retries must not be negative")
	}

	if c.Schedule.BaseURL == "" {
		errs = append(errs, "schedule: base_url must not be empty")
	}
	if c.Schedule.RequestsPerSecond < 0 {
		errs = append(errs, "schedule: requests_per_second must not be negative")
	}

	if c.Settlement.Enabled {
		if c.Settlement.RPCURL == "" {
			errs = append(errs, "settlement: rpc_url is required when enabled")
		}
		if c.Settlement.ContractAddress == "" {
			errs = append(errs, "settlement: contract_address is required when enabled")
		}
		if c.Settlement.PrivateKey == "" {
			errs = append(errs, "settlement: private_key is required when enabled")
		}
		if c.Settlement.ChainID <= 0 {
			errs = append(errs, "settlement: chain_id must be positive")
		}
		if c.Settlement.TokenDecimals < 0 {
			errs = append(errs, "settlement: token_decimals must not be negative")
		}
	}

	if !validPolicies[strings.ToLower(c.Quorum.Policy)] {
		errs = append(errs, fmt.Sprintf("quorum: unknown policy %q (valid: manual, all, majority)", c.Quorum.Policy))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic is required when brokers are set")
	}

	if c.Engine.OracleTimeout.Duration <= 0 {
		errs = append(errs, "engine: oracle_timeout must be positive")
	}
	if c.Settlement.Timeout.Duration <= 0 {
		errs = append(errs, "settlement: timeout must be positive")
	}

	// Resolve holds the lease across the oracle and the ledger call, and
	// leases are not renewed.
	if lockBackend == "redis" {
		held := c.Engine.OracleTimeout.Duration + c.Settlement.Timeout.Duration
		if c.Lock.TTL.Duration <= held {
			errs = append(errs, fmt.Sprintf("lock: ttl %s must exceed engine.oracle_timeout + settlement.timeout (%s)",
				c.Lock.TTL.Duration, held))
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
