package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.5-flash"

	// transcriptMaxBytes bounds the prompt for long conversations; the tail
	// is kept because session endings carry the conclusions.
	transcriptMaxBytes = 24000
)

// GeminiAdapter talks to the Gemini REST API with JSON-schema constrained
// output. It throttles requests to a minimum interval and retries transient
// failures with exponential backoff.
type GeminiAdapter struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	minInterval     time.Duration
	maxRetries      uint64
	httpClient      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

var _ Adapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter builds the adapter from the llm config section. A missing
// API key is not an error; the adapter just reports unavailable.
func NewGeminiAdapter(cfg config.LLMConfig) *GeminiAdapter {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	timeout := 30 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	minInterval := 100 * time.Millisecond
	if cfg.MinIntervalMS > 0 {
		minInterval = time.Duration(cfg.MinIntervalMS) * time.Millisecond
	}
	maxRetries := uint64(3)
	if cfg.MaxRetries > 0 {
		maxRetries = uint64(cfg.MaxRetries)
	}
	maxOutputTokens := cfg.MaxOutputToken
	if maxOutputTokens <= 0 {
		maxOutputTokens = 2048
	}

	return &GeminiAdapter{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		minInterval:     minInterval,
		maxRetries:      maxRetries,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Available reports whether the adapter can make calls at all.
func (c *GeminiAdapter) Available() bool {
	return c.apiKey != ""
}

// ClassifyText asks the model to pick an entry kind for one text.
func (c *GeminiAdapter) ClassifyText(ctx context.Context, text string) (*Decision, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.Validation("text to classify is required")
	}

	raw, err := c.generate(ctx, classifySystemPrompt, text, classifySchema)
	if err != nil {
		return nil, err
	}

	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("failed to parse classify decision: %w", err)
	}
	if !normalizeDecision(&decision) {
		return nil, fmt.Errorf("model returned unknown entry kind %q", decision.Type)
	}

	logging.ExtractDebug("classify decision: type=%s confidence=%.2f", decision.Type, decision.Confidence)
	return &decision, nil
}

// ExtractEntries mines a conversation transcript for candidate entries.
func (c *GeminiAdapter) ExtractEntries(ctx context.Context, messages []Message) ([]Candidate, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	raw, err := c.generate(ctx, extractSystemPrompt, buildTranscript(messages), extractSchema)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Entries []Candidate `json:"entries"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse extraction result: %w", err)
	}

	kept, dropped := normalizeCandidates(envelope.Entries)
	if dropped > 0 {
		logging.ExtractDebug("extraction dropped %d malformed candidates", dropped)
	}
	logging.Extract("extraction returned %d candidates from %d messages", len(kept), len(messages))
	return kept, nil
}

// buildTranscript renders messages as "role: content" lines, keeping the
// tail when the conversation exceeds the prompt budget.
func buildTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	transcript := b.String()
	if len(transcript) > transcriptMaxBytes {
		cut := transcript[len(transcript)-transcriptMaxBytes:]
		if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
			cut = cut[idx+1:]
		}
		transcript = cut
	}
	return transcript
}

// generate performs one schema-constrained completion and returns the raw
// JSON text. Transient failures (429, 5xx, transport) are retried; terminal
// failures are reported as the provider being unavailable.
func (c *GeminiAdapter) generate(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) ([]byte, error) {
	if !c.Available() {
		return nil, memerr.Unavailable("llm")
	}

	// Auto-apply the configured timeout when the caller set no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.throttle()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      0.1,
			MaxOutputTokens:  c.maxOutputTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	start := time.Now()

	var out []byte
	var tokens int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncateBody(body))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncateBody(body)))
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
		}
		if geminiResp.Error != nil {
			return backoff.Permanent(fmt.Errorf("gemini api error %d: %s", geminiResp.Error.Code, geminiResp.Error.Message))
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(errors.New("no completion returned"))
		}

		var text strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		out = []byte(stripJSONFences(text.String()))
		tokens = geminiResp.UsageMetadata.TotalTokenCount
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.ExtractDebug("gemini call failed, retrying in %v: %v", wait, err)
	}

	bo := backoff.WithMaxRetries(newGeminiBackoff(), c.maxRetries)
	err = backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		logging.Audit().LLMCall(c.model, 0, elapsed, false, err.Error())
		logging.ExtractError("gemini call failed after %dms: %v", elapsed, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, memerr.Unavailable("gemini").WithCause(err)
	}

	logging.Audit().LLMCall(c.model, tokens, elapsed, true, "")
	return out, nil
}

// throttle enforces the minimum interval between requests. Concurrent
// callers serialize here, which is the point.
func (c *GeminiAdapter) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
}

// newGeminiBackoff builds the retry policy. Fresh per call; BackOff
// instances are stateful.
func newGeminiBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 20 * time.Second
	return bo
}

// stripJSONFences removes markdown code fences some models wrap around
// JSON even in structured-output mode.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// ====== WIRE TYPES ======
// The REST API uses camelCase except generationConfig's structured-output
// fields, which are snake_case.

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"response_mime_type,omitempty"`
	ResponseSchema   map[string]any `json:"response_schema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// ====== PROMPTS AND SCHEMAS ======

const classifySystemPrompt = `You classify one piece of text from a coding session into exactly one memory kind.

Kinds:
- guideline: a prescriptive rule or convention the team should follow
- knowledge: a fact, decision, reference, or piece of architectural context
- tool: a command, script, MCP server, function, or API worth reusing
- experience: a post-hoc narrative of something tried, with an outcome

Respond with JSON only: {"type": "...", "confidence": 0.0-1.0, "reasoning": "one short sentence"}.`

const extractSystemPrompt = `You review a coding-session transcript and extract entries worth remembering.

Use kind "experience" for attempts with an outcome (set "outcome" to success, partial, failure, or abandoned, optionally with " - qualifier"), "guideline" for rules the user stated, "knowledge" for facts and decisions, "tool" for commands worth reusing. Put the substance in "content" (the scenario for experiences). Skip greetings, logistics, and anything already obvious from the code. Confidence in [0,1] is how certain you are the entry is worth keeping.

Respond with JSON only: {"entries": [{"kind": "...", "title": "...", "content": "...", "category": "...", "outcome": "...", "tags": ["..."], "confidence": 0.0}]}. Return {"entries": []} when nothing qualifies.`

var classifySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"type": map[string]any{
			"type": "string",
			"enum": []string{"guideline", "knowledge", "tool", "experience"},
		},
		"confidence": map[string]any{"type": "number"},
		"reasoning":  map[string]any{"type": "string"},
	},
	"required": []string{"type", "confidence"},
}

var extractSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entries": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"guideline", "knowledge", "tool", "experience"},
					},
					"title":      map[string]any{"type": "string"},
					"content":    map[string]any{"type": "string"},
					"category":   map[string]any{"type": "string"},
					"outcome":    map[string]any{"type": "string"},
					"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"confidence": map[string]any{"type": "number"},
				},
				"required": []string{"kind", "title", "content", "confidence"},
			},
		},
	},
	"required": []string{"entries"},
}
