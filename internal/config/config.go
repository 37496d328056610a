// Package config loads and validates mnemo's YAML configuration.
//
// Configuration lives at <home>/config.yaml where <home> defaults to
// ~/.mnemo and can be overridden with MNEMO_HOME. Every field has a
// default so a missing file yields a working service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mnemo/internal/validate"
)

// Config holds all mnemo configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Context detection
	AutoContext AutoContextConfig `yaml:"autoContext"`

	// SQLite storage
	Storage StorageConfig `yaml:"storage"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM adapter for classification and extraction
	LLM LLMConfig `yaml:"llm"`

	// Query pipeline
	Query        QueryConfig        `yaml:"query"`
	Rerank       RerankConfig       `yaml:"rerank"`
	QueryRewrite QueryRewriteConfig `yaml:"queryRewrite"`

	// Classification and capture
	Classification ClassificationConfig `yaml:"classification"`
	Capture        CaptureConfig        `yaml:"capture"`

	// Memory coordinator
	Cache  CacheConfig  `yaml:"cache"`
	Memory MemoryConfig `yaml:"memory"`

	// Rate limiting
	RateLimiter RateLimiterConfig `yaml:"rateLimiter"`

	// Size limits
	Limits validate.Limits `yaml:"limits"`

	// Consolidation and DPO export
	Consolidation ConsolidationConfig `yaml:"consolidation"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mnemo",
		Version: "1.0.0",

		AutoContext: AutoContextConfig{
			Enabled:        true,
			AutoSession:    true,
			DefaultAgentID: "default",
			CacheTTLMS:     5000,
		},

		Storage: StorageConfig{
			Path:       "", // resolved against HomeDir when empty
			RequireVec: false,
		},

		Embedding: EmbeddingConfig{
			Provider:       "genai",
			GenAIModel:     "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		LLM: LLMConfig{
			Model:          "gemini-2.5-flash",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			TimeoutMS:      30000,
			MaxRetries:     3,
			MinIntervalMS:  100,
			MaxOutputToken: 2048,
		},

		Query: QueryConfig{
			Weights: WeightsConfig{
				BM25:      0.45,
				Semantic:  0.35,
				Priority:  0.10,
				Freshness: 0.10,
			},
			CacheTTLMS:   300000,
			TopKSemantic: 20,
			DefaultLimit: 20,
			MaxLimit:     100,
			MaxOffset:    10000,
		},

		Rerank: RerankConfig{
			Enabled: false,
			TopK:    50,
		},

		QueryRewrite: QueryRewriteConfig{
			Enabled: false,
		},

		Classification: ClassificationConfig{
			HighConfidenceThreshold: 0.8,
			LowConfidenceThreshold:  0.6,
			EnableLLMFallback:       true,
			PreferLLM:               false,
			MaxPatternBoost:         0.15,
			MaxPatternPenalty:       0.30,
			LearningRate:            0.1,
			FeedbackDecayDays:       30,
			CacheSize:               256,
			CacheTTLMS:              120000,
		},

		Capture: CaptureConfig{
			AutoStoreThreshold:       0.6,
			SweepConfidenceThreshold: 0.7,
			DuplicateSimilarity:      0.92,
			MaxEntries:               10,
			MinMessages:              3,
			QueueSize:                256,
			Workers:                  2,
		},

		Cache: CacheConfig{
			PressureThreshold: 0.8,
			EvictionTarget:    0.7,
			TotalLimitMB:      512,
		},

		Memory: MemoryConfig{
			CheckIntervalMS: 60000,
		},

		RateLimiter: RateLimiterConfig{
			Mode:               "local",
			FailMode:           "closed",
			MaxRequests:        100,
			WindowMS:           60000,
			MinBurstProtection: 0,
			MaxKeys:            10000,
		},

		Limits: validate.DefaultLimits(),

		Consolidation: ConsolidationConfig{
			SimilarityThreshold: 0.85,
			MinCommunitySize:    2,
			MaxIterations:       20,
			RandomSeed:          42,
			MinRewardDelta:      0.1,
			MinPairs:            10,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// HomeDir resolves the mnemo home directory.
// MNEMO_HOME wins; otherwise ~/.mnemo.
func HomeDir() string {
	if home := os.Getenv("MNEMO_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".mnemo"
	}
	return filepath.Join(userHome, ".mnemo")
}

// DefaultConfigPath returns the path of the config file under the home dir.
func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFromHome loads the config file under the resolved home directory.
func LoadFromHome() (*Config, error) {
	return Load(DefaultConfigPath())
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Embedding + LLM key, GENAI_API_KEY preferred over GEMINI_API_KEY
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}

	// Local embedding server
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}

	// Storage and Redis
	if path := os.Getenv("MNEMO_DB"); path != "" {
		c.Storage.Path = path
	}
	if addr := os.Getenv("MNEMO_REDIS_ADDR"); addr != "" {
		c.RateLimiter.RedisAddr = addr
		if c.RateLimiter.Mode == "" {
			c.RateLimiter.Mode = "remote"
		}
	}
}

// DatabasePath resolves the SQLite file path, defaulting to
// <home>/memory.db when storage.path is unset.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(HomeDir(), "memory.db")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Query.Weights.validate(); err != nil {
		return err
	}
	if c.Cache.PressureThreshold <= 0 || c.Cache.PressureThreshold > 1 {
		return fmt.Errorf("cache.pressureThreshold must be in (0,1], got %v", c.Cache.PressureThreshold)
	}
	if c.Cache.EvictionTarget <= 0 || c.Cache.EvictionTarget > 1 {
		return fmt.Errorf("cache.evictionTarget must be in (0,1], got %v", c.Cache.EvictionTarget)
	}
	if c.Cache.EvictionTarget > c.Cache.PressureThreshold {
		return fmt.Errorf("cache.evictionTarget (%v) must not exceed cache.pressureThreshold (%v)",
			c.Cache.EvictionTarget, c.Cache.PressureThreshold)
	}
	switch c.RateLimiter.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("rateLimiter.mode must be local or remote, got %q", c.RateLimiter.Mode)
	}
	switch c.RateLimiter.FailMode {
	case "closed", "local", "open":
	default:
		return fmt.Errorf("rateLimiter.failMode must be closed, local, or open, got %q", c.RateLimiter.FailMode)
	}
	switch c.Embedding.Provider {
	case "genai", "ollama":
	default:
		return fmt.Errorf("embedding.provider must be genai or ollama, got %q", c.Embedding.Provider)
	}
	return nil
}

// ====== DURATION GETTERS ======

// QueryCacheTTL returns the query result cache TTL as a duration.
func (c *Config) QueryCacheTTL() time.Duration {
	if c.Query.CacheTTLMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Query.CacheTTLMS) * time.Millisecond
}

// CheckInterval returns the coordinator check interval as a duration.
func (c *Config) CheckInterval() time.Duration {
	if c.Memory.CheckIntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.Memory.CheckIntervalMS) * time.Millisecond
}

// ContextCacheTTL returns the context detection cache TTL as a duration.
func (c *Config) ContextCacheTTL() time.Duration {
	if c.AutoContext.CacheTTLMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AutoContext.CacheTTLMS) * time.Millisecond
}

// ClassificationCacheTTL returns the classifier cache TTL as a duration.
func (c *Config) ClassificationCacheTTL() time.Duration {
	if c.Classification.CacheTTLMS <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Classification.CacheTTLMS) * time.Millisecond
}

// RateWindow returns the rate limiter window as a duration.
func (c *Config) RateWindow() time.Duration {
	if c.RateLimiter.WindowMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimiter.WindowMS) * time.Millisecond
}

// LLMTimeout returns the LLM request timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LLM.TimeoutMS) * time.Millisecond
}
