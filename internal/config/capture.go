package config

// ClassificationConfig tunes the hybrid pattern+LLM classifier.
type ClassificationConfig struct {
	// Pattern confidence at or above this skips the LLM stage
	HighConfidenceThreshold float64 `yaml:"highConfidenceThreshold"`

	// Pattern confidence below this consults the LLM when available
	LowConfidenceThreshold float64 `yaml:"lowConfidenceThreshold"`

	EnableLLMFallback bool `yaml:"enableLLMFallback"`
	PreferLLM         bool `yaml:"preferLLM"`

	// Learning loop bounds: feedback multiplier stays within
	// [1-MaxPatternPenalty, 1+MaxPatternBoost]
	MaxPatternBoost   float64 `yaml:"maxPatternBoost"`
	MaxPatternPenalty float64 `yaml:"maxPatternPenalty"`
	LearningRate      float64 `yaml:"learningRate"`

	// Feedback older than this decays linearly in accuracy queries
	FeedbackDecayDays int `yaml:"feedbackDecayDays"`

	// Classification result cache
	CacheSize  int `yaml:"cacheSize"`
	CacheTTLMS int `yaml:"cacheTTLMs"`
}

// CaptureConfig tunes the remember path and the session-end sweep.
type CaptureConfig struct {
	// Classifications below this are rejected unless the caller forces a type
	AutoStoreThreshold float64 `yaml:"autoStoreThreshold"`

	// Sweep candidates below this confidence are dropped
	SweepConfidenceThreshold float64 `yaml:"sweepConfidenceThreshold"`

	// Cosine similarity at or above this marks a sweep candidate duplicate
	DuplicateSimilarity float64 `yaml:"duplicateSimilarity"`

	// Sweep caps
	MaxEntries  int `yaml:"maxEntries"`
	MinMessages int `yaml:"minMessages"`

	// Async side-effect queue
	QueueSize int `yaml:"queueSize"`
	Workers   int `yaml:"workers"`
}
