package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "mnemo", cfg.Name)
	assert.Equal(t, 0.45, cfg.Query.Weights.BM25)
	assert.Equal(t, 0.35, cfg.Query.Weights.Semantic)
	assert.Equal(t, 0.10, cfg.Query.Weights.Priority)
	assert.Equal(t, 0.10, cfg.Query.Weights.Freshness)
	assert.Equal(t, 20, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)
	assert.Equal(t, 10000, cfg.Query.MaxOffset)
	assert.Equal(t, 300000, cfg.Query.CacheTTLMS)
	assert.Equal(t, 0.8, cfg.Cache.PressureThreshold)
	assert.Equal(t, 0.7, cfg.Cache.EvictionTarget)
	assert.Equal(t, 60000, cfg.Memory.CheckIntervalMS)
	assert.Equal(t, 30, cfg.Classification.FeedbackDecayDays)
	assert.Equal(t, 0.15, cfg.Classification.MaxPatternBoost)
	assert.Equal(t, 0.30, cfg.Classification.MaxPatternPenalty)
	assert.Equal(t, 0.92, cfg.Capture.DuplicateSimilarity)
	assert.Equal(t, 3, cfg.Capture.MinMessages)
	assert.Equal(t, 10, cfg.Capture.MaxEntries)
	assert.Equal(t, 0.1, cfg.Consolidation.MinRewardDelta)
	assert.Equal(t, "local", cfg.RateLimiter.Mode)
	assert.Equal(t, "closed", cfg.RateLimiter.FailMode)
	assert.Equal(t, 100, cfg.Limits.NameMax)
	assert.Equal(t, 50000, cfg.Limits.ContentMax)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Query.DefaultLimit, cfg.Query.DefaultLimit)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
query:
  defaultLimit: 50
  weights:
    bm25: 0.6
    semantic: 0.4
cache:
  totalLimitMB: 128
classification:
  preferLLM: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 50, cfg.Query.DefaultLimit)
	assert.Equal(t, 0.6, cfg.Query.Weights.BM25)
	assert.Equal(t, 128, cfg.Cache.TotalLimitMB)
	assert.True(t, cfg.Classification.PreferLLM)

	// Untouched values keep their defaults
	assert.Equal(t, 100, cfg.Query.MaxLimit)
	assert.Equal(t, 0.8, cfg.Cache.PressureThreshold)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Query.DefaultLimit = 33
	cfg.RateLimiter.MaxRequests = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 33, loaded.Query.DefaultLimit)
	assert.Equal(t, 7, loaded.RateLimiter.MaxRequests)
}

func TestValidate(t *testing.T) {
	t.Run("eviction target above pressure threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.EvictionTarget = 0.9
		cfg.Cache.PressureThreshold = 0.8
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative weight", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Query.Weights.Semantic = -0.1
		assert.Error(t, cfg.Validate())
	})

	t.Run("all-zero weights", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Query.Weights = WeightsConfig{}
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad limiter mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimiter.Mode = "distributed"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad fail mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimiter.FailMode = "maybe"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad embedding provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Embedding.Provider = "openai"
		assert.Error(t, cfg.Validate())
	})
}

func TestWeightsNormalized(t *testing.T) {
	w := WeightsConfig{BM25: 2, Semantic: 1, Priority: 1, Freshness: 0}
	n := w.Normalized()
	assert.InDelta(t, 0.5, n.BM25, 1e-9)
	assert.InDelta(t, 0.25, n.Semantic, 1e-9)
	assert.InDelta(t, 0.25, n.Priority, 1e-9)
	assert.InDelta(t, 0.0, n.Freshness, 1e-9)

	zero := WeightsConfig{}.Normalized()
	assert.Equal(t, 0.45, zero.BM25)
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Minute, cfg.QueryCacheTTL())
	assert.Equal(t, time.Minute, cfg.CheckInterval())
	assert.Equal(t, 5*time.Second, cfg.ContextCacheTTL())
	assert.Equal(t, 2*time.Minute, cfg.ClassificationCacheTTL())
	assert.Equal(t, time.Minute, cfg.RateWindow())
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout())

	// Zero values fall back to the documented defaults.
	cfg.Query.CacheTTLMS = 0
	assert.Equal(t, 5*time.Minute, cfg.QueryCacheTTL())
	cfg.Memory.CheckIntervalMS = -1
	assert.Equal(t, time.Minute, cfg.CheckInterval())
}

func TestHomeDir(t *testing.T) {
	t.Run("MNEMO_HOME wins", func(t *testing.T) {
		t.Setenv("MNEMO_HOME", "/tmp/mnemo-test-home")
		assert.Equal(t, "/tmp/mnemo-test-home", HomeDir())
	})

	t.Run("falls back under user home", func(t *testing.T) {
		t.Setenv("MNEMO_HOME", "")
		userHome, err := os.UserHomeDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(userHome, ".mnemo"), HomeDir())
	})
}

func TestDatabasePath(t *testing.T) {
	t.Setenv("MNEMO_HOME", "/tmp/mnemo-test-home")

	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join("/tmp/mnemo-test-home", "memory.db"), cfg.DatabasePath())

	cfg.Storage.Path = "/data/custom.db"
	assert.Equal(t, "/data/custom.db", cfg.DatabasePath())
}
