package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "test-key", cfg.APIKey)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "8088", cfg.MetricsPort)
	require.Equal(t, 5.0, cfg.RateLimitRequestsPerSecond)
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}
