// Package embedding generates vectors for semantic search. Two backends
// are supported: Google GenAI (cloud) and Ollama (local). Both satisfy
// store.Embedder; callers that need a health probe type-assert the
// optional HealthChecker.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of the produced vectors.
	Dimensions() int

	// Name identifies the provider and model, e.g. "ollama:embeddinggemma".
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before a batch operation starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an embedding engine from the service configuration.
func NewEngine(cfg config.EmbeddingConfig) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	switch cfg.Provider {
	case "ollama":
		logging.Embedding("initializing ollama engine: endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("initializing genai engine: model=%s taskType=%s", cfg.GenAIModel, cfg.TaskType)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, memerr.Validationf("unsupported embedding provider %q (use genai or ollama)", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value in [-1, 1]; zero-magnitude vectors compare as 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		magA += float64(a[i] * a[i])
		magB += float64(b[i] * b[i])
	}

	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// SimilarityResult is one corpus hit from FindTopK.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the K corpus vectors most similar to the
// query, best first. Corpus entries whose dimension disagrees with the
// query are skipped, not fatal.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK: skipped %d vectors with mismatched dimensions", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// ====== PROVIDER RETRY ======

const providerRetryMaxElapsed = 15 * time.Second

// newProviderBackoff builds the retry policy for provider I/O. BackOff
// instances carry state between calls, so every operation gets a fresh one.
func newProviderBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = providerRetryMaxElapsed
	return bo
}

// providerStatusError is a non-2xx HTTP response from a provider.
type providerStatusError struct {
	provider string
	status   int
	body     string
}

func (e *providerStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.provider, e.status, e.body)
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"429",
	"rate limit",
	"resource exhausted",
	"502",
	"503",
	"unavailable",
	"overloaded",
}

// retryableProviderError reports whether a provider call failed in a way a
// short retry can fix: transport faults, timeouts, 429 and 5xx responses.
func retryableProviderError(err error) bool {
	if err == nil {
		return false
	}

	var se *providerStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryProvider runs op under the provider retry policy. Transient failures
// are retried until the policy gives up; everything else aborts immediately.
// Context cancellation passes through untouched, any other terminal failure
// is reported as the dependency being unavailable.
func retryProvider(ctx context.Context, provider string, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryableProviderError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logging.EmbeddingWarn("%s call failed, retrying in %v: %v", provider, wait, err)
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(newProviderBackoff(), ctx), notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return memerr.Unavailable(provider).WithCause(err)
}
