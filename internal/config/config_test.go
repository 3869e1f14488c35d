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
	assert.Equal(t, "recallguard", cfg.AppName)
	assert.Equal(t, "disable", cfg.DBSSLMode)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	assert.InDelta(t, 0.85, cfg.DeleteThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.FlagThreshold, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.ScoreTimeout)
	assert.Equal(t, 50, cfg.SweepBatchLimit)
	assert.False(t, cfg.FallbackOnly)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DELETE_THRESHOLD", "0.9")
	t.Setenv("FLAG_THRESHOLD", "0.6")
	t.Setenv("SCORE_TIMEOUT", "3s")
	t.Setenv("QUEUE_FALLBACK_ONLY", "true")
	t.Setenv("SWEEP_CONCURRENCY", "16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.DeleteThreshold, 1e-9)
	assert.InDelta(t, 0.6, cfg.FlagThreshold, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.ScoreTimeout)
	assert.True(t, cfg.FallbackOnly)
	assert.Equal(t, 16, cfg.SweepConcurrency)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("DELETE_THRESHOLD", "very high")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("SCORE_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}
