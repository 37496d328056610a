package config

// ConsolidationConfig tunes similarity grouping, community detection,
// and the DPO exporter.
type ConsolidationConfig struct {
	// Cosine similarity at or above this clusters two entries
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	// Communities smaller than this are dropped
	MinCommunitySize int `yaml:"minCommunitySize"`

	// Community detection iteration cap
	MaxIterations int `yaml:"maxIterations"`

	// Seed for deterministic community detection
	RandomSeed int64 `yaml:"randomSeed"`

	// Minimum reward delta for a DPO pair
	MinRewardDelta float64 `yaml:"minRewardDelta"`

	// Exports with fewer pairs than this fail
	MinPairs int `yaml:"minPairs"`
}
