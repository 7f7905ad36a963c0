package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout)
	assert.Equal(t, DefaultHistory, cfg.HistoryDepth)
	assert.Equal(t, DefaultOfferTTL, cfg.DefaultOfferTTL)
	assert.True(t, cfg.IsDevelopment())
}

func TestValidateSimulatorMode(t *testing.T) {
	// No RPC URL means simulator mode; chain credentials are not required.
	cfg := &Config{StepTimeout: time.Second}
	assert.NoError(t, cfg.Validate())
}

func TestValidateChainMode(t *testing.T) {
	base := func() *Config {
		return &Config{
			RPCURL:          "http://127.0.0.1:8545",
			ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			AuthorityKey:    "0x" + repeat("a", 64),
			StepTimeout:     DefaultStepTimeout,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing contract", func(t *testing.T) {
		cfg := base()
		cfg.ContractAddress = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing authority key", func(t *testing.T) {
		cfg := base()
		cfg.AuthorityKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("short authority key", func(t *testing.T) {
		cfg := base()
		cfg.AuthorityKey = "abc123"
		assert.Error(t, cfg.Validate())
	})

	t.Run("key without prefix", func(t *testing.T) {
		cfg := base()
		cfg.AuthorityKey = repeat("b", 64)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("step timeout too small", func(t *testing.T) {
		cfg := base()
		cfg.StepTimeout = 100 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STEP_TIMEOUT", "90s")
	t.Setenv("HISTORY_DEPTH", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.StepTimeout)
	assert.Equal(t, 5, cfg.HistoryDepth)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
