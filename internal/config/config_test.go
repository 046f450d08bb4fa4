package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultSOLUSDRate, cfg.SOLUSDRate)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SOL_USD_RATE", "212.5")
	t.Setenv("RATE_LIMIT_RPS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 212.5, cfg.SOLUSDRate)
	assert.Equal(t, 10, cfg.RateLimitRPS)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Env: "development", SOLUSDRate: 150, RateLimitRPS: 100}
	assert.NoError(t, cfg.Validate())

	cfg.SOLUSDRate = 0
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "production", SOLUSDRate: 150, RateLimitRPS: 100}
	assert.Error(t, cfg.Validate(), "production requires a treasury wallet")

	cfg.TreasuryWallet = "4Nd1mYvH6LSyUQcuYE9ujXz6zGC3nRnBV9AbQp5tQDnw"
	assert.NoError(t, cfg.Validate())
}
