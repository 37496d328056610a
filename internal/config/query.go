package config

import "fmt"

// QueryConfig tunes the hybrid query pipeline.
type QueryConfig struct {
	Weights WeightsConfig `yaml:"weights"`

	// Result cache TTL in milliseconds (default 5 minutes)
	CacheTTLMS int `yaml:"cacheTTLMs"`

	// Semantic channel candidate count
	TopKSemantic int `yaml:"topKSemantic"`

	// Pagination caps
	DefaultLimit int `yaml:"defaultLimit"`
	MaxLimit     int `yaml:"maxLimit"`
	MaxOffset    int `yaml:"maxOffset"`
}

// WeightsConfig holds the fused ranking weights:
// score = bm25*BM25 + cosine*Semantic + (priority/100)*Priority + freshness*Freshness.
type WeightsConfig struct {
	BM25      float64 `yaml:"bm25"`
	Semantic  float64 `yaml:"semantic"`
	Priority  float64 `yaml:"priority"`
	Freshness float64 `yaml:"freshness"`
}

func (w WeightsConfig) validate() error {
	for name, v := range map[string]float64{
		"bm25":      w.BM25,
		"semantic":  w.Semantic,
		"priority":  w.Priority,
		"freshness": w.Freshness,
	} {
		if v < 0 {
			return fmt.Errorf("query.weights.%s must be non-negative, got %v", name, v)
		}
	}
	if w.BM25+w.Semantic+w.Priority+w.Freshness == 0 {
		return fmt.Errorf("query.weights must not all be zero")
	}
	return nil
}

// Normalized returns the weights scaled so they sum to 1.
func (w WeightsConfig) Normalized() WeightsConfig {
	sum := w.BM25 + w.Semantic + w.Priority + w.Freshness
	if sum == 0 {
		return WeightsConfig{BM25: 0.45, Semantic: 0.35, Priority: 0.10, Freshness: 0.10}
	}
	return WeightsConfig{
		BM25:      w.BM25 / sum,
		Semantic:  w.Semantic / sum,
		Priority:  w.Priority / sum,
		Freshness: w.Freshness / sum,
	}
}

// RerankConfig caps the optional semantic re-rank stage.
type RerankConfig struct {
	Enabled bool `yaml:"enabled"`
	TopK    int  `yaml:"topK"`
}

// QueryRewriteConfig toggles query expansion: keyword queries that the
// exact index misses are widened through the substring path.
type QueryRewriteConfig struct {
	Enabled bool `yaml:"enabled"`
}
