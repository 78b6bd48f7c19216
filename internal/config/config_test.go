package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellar/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Matcher.Threshold)
	assert.Equal(t, 3, cfg.Matcher.MinTokenLength)
	assert.Equal(t, 5, cfg.Matcher.MaxSimilar)
	assert.Equal(t, 30*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 30, cfg.Session.MaxMessages)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.PacingDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.PersistDebounce)
	assert.Equal(t, 10, cfg.Session.DegradedHistory)
	assert.Equal(t, 0.7, cfg.Agent.EscalationThreshold)
	assert.Equal(t, 2, cfg.Agent.MaxRetries)
	assert.Equal(t, time.Second, cfg.Agent.RetryBaseDelay)
	assert.False(t, cfg.Agent.StrictTransitions)
	assert.Equal(t, "memory", cfg.Snapshot.Store)
}

func TestLoad_TierDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Agent.Tier(1).Primary.Provider)
	assert.Equal(t, "claude", cfg.Agent.Tier(2).Primary.Provider)
	assert.True(t, cfg.Agent.Tier(3).EnableSearch)
	assert.False(t, cfg.Agent.Tier(1).EnableSearch)
	assert.False(t, cfg.Agent.Tier(1).Fallback.Configured())
	assert.Nil(t, cfg.Agent.Tier(4))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CELLAR_AGENT_STRICT_TRANSITIONS", "true")
	t.Setenv("CELLAR_MATCHER_THRESHOLD", "0.85")
	t.Setenv("CELLAR_AGENT_TIER2_FALLBACK_PROVIDER", "openai")
	t.Setenv("CELLAR_AGENT_TIER2_FALLBACK_API_KEY", "sk-test")
	t.Setenv("CELLAR_SESSION_SNAPSHOT_VERSION", "4")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Agent.StrictTransitions)
	assert.Equal(t, 0.85, cfg.Matcher.Threshold)
	assert.Equal(t, "openai", cfg.Agent.Tier(2).Fallback.Provider)
	assert.Equal(t, "sk-test", cfg.Agent.Tier(2).Fallback.APIKey)
	assert.True(t, cfg.Agent.Tier(2).Fallback.Configured())
	assert.Equal(t, 4, cfg.Session.SnapshotVersion)
}

func TestLoad_PortFromPlatform(t *testing.T) {
	t.Setenv("PORT", "9999")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Port)
}

func TestLoad_RejectsUnknownSnapshotStore(t *testing.T) {
	t.Setenv("CELLAR_SNAPSHOT_STORE", "localstorage")

	_, err := config.Load()
	assert.ErrorContains(t, err, "unknown snapshot store")
}

func TestDBConfig_DSN(t *testing.T) {
	d := config.DBConfig{User: "u", Password: "p", Host: "h", Port: 5432, Name: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", d.DSN())
}
