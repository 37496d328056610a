package config

// AutoContextConfig controls project/session/agent detection.
type AutoContextConfig struct {
	Enabled bool `yaml:"enabled"`

	// Create a session automatically when none is active
	AutoSession bool `yaml:"autoSession"`

	// Fallback agent id when MNEMO_AGENT_ID is unset
	DefaultAgentID string `yaml:"defaultAgentId"`

	// Detection cache TTL in milliseconds
	CacheTTLMS int `yaml:"cacheTTLMs"`
}
