package config

import (
	"testing"

	"github.com/reflexcache/reflex/internal/reflexerr"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint16(8080), cfg.Port)
	require.Equal(t, "127.0.0.1", cfg.BindAddr)
	require.Equal(t, uint64(10000), cfg.L1Capacity)
	require.InDelta(t, 0.70, cfg.RerankerThreshold, 1e-6)
	require.False(t, cfg.MockProvider)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("REFLEX_PORT", "9090")
	t.Setenv("REFLEX_L1_CAPACITY", "500")
	t.Setenv("REFLEX_MOCK_PROVIDER", "1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint16(9090), cfg.Port)
	require.Equal(t, uint64(500), cfg.L1Capacity)
	require.True(t, cfg.MockProvider)
}

func TestLoad_InvalidPortIsConfigInvalid(t *testing.T) {
	t.Setenv("REFLEX_PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	require.True(t, reflexerr.Is(err, reflexerr.ConfigInvalid))
}

func TestLoad_RerankerThresholdOutOfRangeRejected(t *testing.T) {
	t.Setenv("REFLEX_RERANKER_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
	require.True(t, reflexerr.Is(err, reflexerr.ConfigInvalid))
}

func TestLoad_EmptyModelPathMeansStubEmbedder(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.ModelPath)
}
