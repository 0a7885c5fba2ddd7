package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/config"
	"github.com/cropledger-labs/cropledger/pkg/settlement"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "cropledger-signer", cfg.LedgerAccount)
	assert.Equal(t, uint64(3), cfg.FinalitySlots)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 10*time.Minute, cfg.OracleTimeout)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("LEDGER_FINALITY_SLOTS", "12")
	t.Setenv("LEDGER_SUBMIT_RATE", "2.5")
	t.Setenv("ORACLE_TIMEOUT", "30s")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := config.Load()
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, uint64(12), cfg.FinalitySlots)
	assert.Equal(t, 2.5, cfg.SubmitRate)
	assert.Equal(t, 30*time.Second, cfg.OracleTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LEDGER_RETRY_ATTEMPTS", "lots")
	t.Setenv("ANCHOR_POLL_INTERVAL", "soon")

	cfg := config.Load()
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

const policyYAML = `query:
  region: nashik
  metric: rainfall_mm
  window_days: 30
policies:
  - version: "1.0.0"
    expression: "result >= threshold"
    threshold: 40
  - version: "1.1.0"
    expression: "result >= threshold"
    threshold: 50
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decision_policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	pf, err := config.LoadPolicyFile(writePolicy(t, policyYAML))
	require.NoError(t, err)

	assert.Equal(t, "nashik", pf.Query.Region)
	assert.Equal(t, "rainfall_mm", pf.Query.Metric)
	assert.Equal(t, 30, pf.Query.WindowDays)
	require.Len(t, pf.Policies, 2)

	policy, err := settlement.SelectLatest(pf.Policies)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", policy.Version())
}

func TestLoadPolicyFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("no policies", func(t *testing.T) {
		_, err := config.LoadPolicyFile(writePolicy(t, "query:\n  region: nashik\n  metric: rainfall_mm\n"))
		require.Error(t, err)
	})

	t.Run("incomplete query", func(t *testing.T) {
		_, err := config.LoadPolicyFile(writePolicy(t, "policies:\n  - version: \"1.0.0\"\n    expression: \"result >= threshold\"\n"))
		require.Error(t, err)
	})

	t.Run("not yaml", func(t *testing.T) {
		_, err := config.LoadPolicyFile(writePolicy(t, "{{{{"))
		require.Error(t, err)
	})
}
