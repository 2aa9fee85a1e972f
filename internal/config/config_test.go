package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "3f8e2a1b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 24*time.Hour, cfg.EscrowWindow)
	assert.Equal(t, int64(1), cfg.AmountEpsilon)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingMasterKey(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "FIELD_MASTER_KEY"))
}

func TestLoad_InvalidMasterKey(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", "abc123")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RetiredKeys(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", testKey)
	t.Setenv("FIELD_RETIRED_KEYS", "k1:"+testKey+", k2:"+testKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.RetiredKeys, 2)
}

func TestLoad_RetiredKeysMalformed(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", testKey)
	t.Setenv("FIELD_RETIRED_KEYS", "not-a-pair")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FIELD_MASTER_KEY", testKey)
	t.Setenv("ESCROW_WINDOW", "48h")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("HIGH_RISK_COUNTRIES", "AA, BB,CC")
	t.Setenv("BLACKLISTED_USERS", "user_banned01")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.EscrowWindow)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"AA", "BB", "CC"}, cfg.HighRiskCountries)
	assert.Equal(t, []string{"user_banned01"}, cfg.BlacklistedUsers)
}
