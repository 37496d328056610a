package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mnemo/internal/memerr"
)

// OllamaEngine generates embeddings against a local Ollama server.
// Works with embeddinggemma and other embedding models.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

var (
	_ EmbeddingEngine = (*OllamaEngine)(nil)
	_ HealthChecker   = (*OllamaEngine)(nil)
)

// NewOllamaEngine creates an Ollama embedding engine.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}

	return &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.Validation("text to embed is required")
	}

	var vec []float32
	err := retryProvider(ctx, "ollama", func() error {
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *OllamaEngine) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &providerStatusError{
			provider: "ollama",
			status:   resp.StatusCode,
			body:     strings.TrimSpace(string(msg)),
		}
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned no embedding", e.model)
	}
	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no batch
// API, so texts are embedded sequentially; the retry policy applies per text.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
// embeddinggemma produces 768-dimensional vectors; other models may vary.
func (e *OllamaEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// HealthCheck probes the server's tag listing, the cheapest endpoint that
// proves the daemon is up.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return memerr.Unavailable("ollama").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return memerr.Unavailable("ollama").WithContext("status", resp.StatusCode)
	}
	return nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
