// Package config loads daemon configuration from the environment and the
// versioned decision-policy file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel string

	// DatabaseDriver is "sqlite" or "postgres"; DatabaseURL is the DSN.
	DatabaseDriver string
	DatabaseURL    string

	// LedgerAccount is the single signing identity.
	LedgerAccount  string
	FinalitySlots  uint64
	SubmitRate     float64
	SubmitBurst    int
	RetryAttempts  int
	RetryBase      time.Duration
	RetryMax       time.Duration
	RetryJitter    time.Duration
	PollInterval   time.Duration
	MaxPollCycles  int
	OracleTimeout  time.Duration
	SweepInterval  time.Duration

	// RedisAddr enables the shared duplicate-callback registry when set.
	RedisAddr string

	// PolicyPath points at the decision-policy YAML file.
	PolicyPath string

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:       envStr("LOG_LEVEL", "INFO"),
		DatabaseDriver: envStr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envStr("DATABASE_URL", "file:cropledger.db?_pragma=busy_timeout(5000)"),
		LedgerAccount:  envStr("LEDGER_ACCOUNT", "cropledger-signer"),
		FinalitySlots:  uint64(envInt("LEDGER_FINALITY_SLOTS", 3)),
		SubmitRate:     envFloat("LEDGER_SUBMIT_RATE", 5),
		SubmitBurst:    envInt("LEDGER_SUBMIT_BURST", 2),
		RetryAttempts:  envInt("LEDGER_RETRY_ATTEMPTS", 5),
		RetryBase:      envDuration("LEDGER_RETRY_BASE", 500*time.Millisecond),
		RetryMax:       envDuration("LEDGER_RETRY_MAX", 15*time.Second),
		RetryJitter:    envDuration("LEDGER_RETRY_JITTER", 250*time.Millisecond),
		PollInterval:   envDuration("ANCHOR_POLL_INTERVAL", 5*time.Second),
		MaxPollCycles:  envInt("ANCHOR_MAX_POLL_CYCLES", 60),
		OracleTimeout:  envDuration("ORACLE_TIMEOUT", 10*time.Minute),
		SweepInterval:  envDuration("ORACLE_SWEEP_INTERVAL", 15*time.Second),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		PolicyPath:     envStr("DECISION_POLICY_PATH", "decision_policy.yaml"),

		OTLPEndpoint:     envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
