package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"mnemo/internal/memerr"
)

// GenAIEngine generates embeddings with Google's Gemini embedding models.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

var _ EmbeddingEngine = (*GenAIEngine)(nil)

// NewGenAIEngine creates a GenAI embedding engine. The API key is required;
// config resolves it from GENAI_API_KEY or GEMINI_API_KEY when unset.
func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, memerr.Validation("genai api key is required (set GENAI_API_KEY)")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEngine{
		client:   client,
		model:    model,
		taskType: parseTaskType(taskType),
	}, nil
}

// parseTaskType maps the config string to a GenAI task type. Unknown values
// fall back to semantic similarity.
func parseTaskType(taskType string) string {
	switch taskType {
	case "SEMANTIC_SIMILARITY", "":
		return "SEMANTIC_SIMILARITY"
	case "CLASSIFICATION":
		return "CLASSIFICATION"
	case "CLUSTERING":
		return "CLUSTERING"
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "CODE_RETRIEVAL_QUERY":
		return "CODE_RETRIEVAL_QUERY"
	case "QUESTION_ANSWERING":
		return "QUESTION_ANSWERING"
	case "FACT_VERIFICATION":
		return "FACT_VERIFICATION"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.Validation("text to embed is required")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	var vec []float32
	err := retryProvider(ctx, "genai", func() error {
		result, err := e.client.Models.EmbedContent(ctx,
			e.model,
			contents,
			&genai.EmbedContentConfig{
				TaskType: e.taskType,
			},
		)
		if err != nil {
			return err
		}
		if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
			return fmt.Errorf("model %s returned no embedding", e.model)
		}
		vec = result.Embeddings[0].Values
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var vecs [][]float32
	err := retryProvider(ctx, "genai", func() error {
		result, err := e.client.Models.EmbedContent(ctx,
			e.model,
			contents,
			&genai.EmbedContentConfig{
				TaskType: e.taskType,
			},
		)
		if err != nil {
			return err
		}
		if len(result.Embeddings) != len(texts) {
			return fmt.Errorf("model %s returned %d embeddings for %d texts", e.model, len(result.Embeddings), len(texts))
		}
		vecs = make([][]float32, len(result.Embeddings))
		for i, emb := range result.Embeddings {
			vecs[i] = emb.Values
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimensions returns the dimensionality of embeddings.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GenAIEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// Close closes the underlying client. The genai client holds no resources
// that require explicit release, so there is nothing to do.
func (e *GenAIEngine) Close() error {
	return nil
}
