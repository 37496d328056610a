package config

// LLMConfig configures the Gemini REST adapter used for classification
// and conversation extraction. The service degrades to pattern-only
// behavior when no API key is present.
type LLMConfig struct {
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseUrl"`

	TimeoutMS     int `yaml:"timeoutMs"`
	MaxRetries    int `yaml:"maxRetries"`
	MinIntervalMS int `yaml:"minIntervalMs"`

	// Max tokens requested per completion
	MaxOutputToken int `yaml:"maxOutputTokens"`
}

// Available reports whether the adapter can make calls at all.
func (c LLMConfig) Available() bool {
	return c.APIKey != ""
}

// EmbeddingConfig configures the vector embedding engine.
// Supports GenAI (cloud) and Ollama (local) backends.
type EmbeddingConfig struct {
	// Provider: "genai" or "ollama"
	Provider string `yaml:"provider"`

	// GenAI configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genaiApiKey"`
	GenAIModel  string `yaml:"genaiModel"`

	// Ollama configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollamaEndpoint"`
	OllamaModel    string `yaml:"ollamaModel"`

	// TaskType for GenAI embeddings:
	// SEMANTIC_SIMILARITY, CLASSIFICATION, CLUSTERING,
	// RETRIEVAL_DOCUMENT, RETRIEVAL_QUERY, QUESTION_ANSWERING
	TaskType string `yaml:"taskType"`
}

// Available reports whether the configured provider has what it needs.
// Ollama needs nothing up front; GenAI needs a key.
func (c EmbeddingConfig) Available() bool {
	switch c.Provider {
	case "ollama":
		return true
	case "genai":
		return c.GenAIAPIKey != ""
	default:
		return false
	}
}
