package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (a
// missing file is not an error), then a .env file if present, then WAGER_*
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform convention, WAGER_* wins
	setInt(&cfg.Server.Port, "WAGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WAGER_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ShutdownTimeout, "WAGER_SERVER_SHUTDOWN_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.PostgresDSN, "DATABASE_URL")
	setStr(&cfg.Store.PostgresDSN, "WAGER_STORE_POSTGRES_DSN")
	setStr(&cfg.Store.RedisURL, "REDIS_URL")
	setStr(&cfg.Store.RedisURL, "WAGER_STORE_REDIS_URL")
	setDuration(&cfg.Store.CacheTTL, "WAGER_STORE_CACHE_TTL")
	setBool(&cfg.Store.RunMigrations, "WAGER_STORE_RUN_MIGRATIONS")

	// ── Lock ──
	setStr(&cfg.Lock.Backend, "WAGER_LOCK_BACKEND")
	setDuration(&cfg.Lock.TTL, "WAGER_LOCK_TTL")

	// ── LLM ──
	setStr(&cfg.LLM.Provider, "WAGER_LLM_PROVIDER")
	setStr(&cfg.LLM.Model, "WAGER_LLM_MODEL")
	setStr(&cfg.LLM.BaseURL, "WAGER_LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "WAGER_LLM_API_KEY")
	setInt(&cfg.LLM.MaxTokens, "WAGER_LLM_MAX_TOKENS")
	setFloat64(&cfg.LLM.Temperature, "WAGER_LLM_TEMPERATURE")
	setDuration(&cfg.LLM.Timeout, "WAGER_LLM_TIMEOUT")
	setInt(&cfg.LLM.MaxRetries, "WAGER_LLM_MAX_RETRIES")
	setDuration(&cfg.LLM.RetryBackoff, "WAGER_LLM_RETRY_BACKOFF")
	setFloat64(&cfg.LLM.RequestsPerSecond, "WAGER_LLM_REQUESTS_PER_SECOND")

	// ── Schedule ──
	setStr(&cfg.Schedule.BaseURL, "WAGER_SCHEDULE_BASE_URL")
	setStr(&cfg.Schedule.APIKey, "WAGER_SCHEDULE_API_KEY")
	setStr(&cfg.Schedule.APIHost, "WAGER_SCHEDULE_API_HOST")
	setFloat64(&cfg.Schedule.RequestsPerSecond, "WAGER_SCHEDULE_REQUESTS_PER_SECOND")
	setInt(&cfg.Schedule.Burst, "WAGER_SCHEDULE_BURST")
	setDuration(&cfg.Schedule.Timeout, "WAGER_SCHEDULE_TIMEOUT")

	// ── Settlement ──
	setBool(&cfg.Settlement.Enabled, "WAGER_SETTLEMENT_ENABLED")
	setStr(&cfg.Settlement.RPCURL, "WAGER_SETTLEMENT_RPC_URL")
	setStr(&cfg.Settlement.ContractAddress, "WAGER_SETTLEMENT_CONTRACT_ADDRESS")
	setStr(&cfg.Settlement.PrivateKey, "WAGER_SETTLEMENT_PRIVATE_KEY")
	setInt64(&cfg.Settlement.ChainID, "WAGER_SETTLEMENT_CHAIN_ID")
	setInt32(&cfg.Settlement.TokenDecimals, "WAGER_SETTLEMENT_TOKEN_DECIMALS")
	setDuration(&cfg.Settlement.Timeout, "WAGER_SETTLEMENT_TIMEOUT")

	// ── Quorum ──
	setStr(&cfg.Quorum.Policy, "WAGER_QUORUM_POLICY")

	// ── Events ──
	setStringSlice(&cfg.Kafka.Brokers, "WAGER_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "WAGER_KAFKA_TOPIC")
	setStr(&cfg.Archive.Bucket, "WAGER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Region, "WAGER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Endpoint, "WAGER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Prefix, "WAGER_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "WAGER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "WAGER_ARCHIVE_SECRET_KEY")

	// ── Top-level ──
	setDuration(&cfg.Engine.OracleTimeout, "WAGER_ENGINE_ORACLE_TIMEOUT")
	setStr(&cfg.LogLevel, "WAGER_LOG_LEVEL")
}

// Typed env helpers. Each only mutates the target when the variable is set
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
