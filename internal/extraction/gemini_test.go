package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mnemo/internal/config"
	"mnemo/internal/memerr"
)

// geminiReply wraps a payload the way the REST API returns completions.
func geminiReply(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	resp := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": payload}}, "role": "model"}},
		},
		"usageMetadata": map[string]any{"totalTokenCount": 42},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *GeminiAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewGeminiAdapter(config.LLMConfig{
		APIKey:        "test-key",
		Model:         "gemini-2.5-flash",
		BaseURL:       srv.URL,
		TimeoutMS:     5000,
		MaxRetries:    2,
		MinIntervalMS: 1,
	})
}

func TestClassifyText(t *testing.T) {
	var gotPath string
	var gotReq geminiRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("api key missing from query")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		geminiReply(t, w, `{"type": "Experience", "confidence": 0.85, "reasoning": "describes a fix"}`)
	})

	decision, err := adapter.ClassifyText(context.Background(), "fixed the flaky test by pinning the clock")
	if err != nil {
		t.Fatalf("ClassifyText failed: %v", err)
	}
	if decision.Type != "experience" {
		t.Errorf("type = %q, want experience (lowercased)", decision.Type)
	}
	if decision.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", decision.Confidence)
	}
	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.GenerationConfig.ResponseMimeType != "application/json" {
		t.Error("request should demand JSON output")
	}
	if gotReq.GenerationConfig.ResponseSchema == nil {
		t.Error("request should carry a response schema")
	}
	if gotReq.SystemInstruction == nil || len(gotReq.SystemInstruction.Parts) == 0 {
		t.Error("request should carry a system instruction")
	}
}

func TestClassifyTextClampsConfidence(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		geminiReply(t, w, `{"type": "knowledge", "confidence": 1.7}`)
	})

	decision, err := adapter.ClassifyText(context.Background(), "the cache TTL is five minutes")
	if err != nil {
		t.Fatalf("ClassifyText failed: %v", err)
	}
	if decision.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", decision.Confidence)
	}
}

func TestClassifyTextUnknownKind(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		geminiReply(t, w, `{"type": "poem", "confidence": 0.9}`)
	})

	if _, err := adapter.ClassifyText(context.Background(), "whatever"); err == nil {
		t.Fatal("expected error for unknown entry kind")
	}
}

func TestClassifyTextStripsFences(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		geminiReply(t, w, "```json\n{\"type\": \"tool\", \"confidence\": 0.7}\n```")
	})

	decision, err := adapter.ClassifyText(context.Background(), "use rg --files-with-matches")
	if err != nil {
		t.Fatalf("ClassifyText failed: %v", err)
	}
	if decision.Type != "tool" {
		t.Errorf("type = %q, want tool", decision.Type)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"code": 429, "message": "quota"}}`, http.StatusTooManyRequests)
			return
		}
		geminiReply(t, w, `{"type": "guideline", "confidence": 0.8}`)
	})

	decision, err := adapter.ClassifyText(context.Background(), "always run the linter before committing")
	if err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if decision.Type != "guideline" {
		t.Errorf("type = %q", decision.Type)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestGenerateBadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"code": 400, "message": "bad schema"}}`, http.StatusBadRequest)
	})

	_, err := adapter.ClassifyText(context.Background(), "anything")
	if !memerr.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("400 should not be retried, server called %d times", calls.Load())
	}
}

func TestAdapterUnavailableWithoutKey(t *testing.T) {
	adapter := NewGeminiAdapter(config.LLMConfig{})
	if adapter.Available() {
		t.Fatal("adapter without key should report unavailable")
	}
	if _, err := adapter.ClassifyText(context.Background(), "text"); !memerr.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestExtractEntries(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		geminiReply(t, w, `{"entries": [
			{"kind": "experience", "title": "Fixed race in watcher", "content": "The watcher closed channels twice", "outcome": "success", "confidence": 0.9},
			{"kind": "sonnet", "title": "bad", "content": "bad", "confidence": 0.9},
			{"kind": "knowledge", "title": "  ", "content": "no title", "confidence": 0.8},
			{"kind": "tool", "title": "rg", "content": "ripgrep for code search", "confidence": 1.4}
		]}`)
	})

	messages := []Message{
		{Role: "user", Content: "the watcher is flaky"},
		{Role: "assistant", Content: "found a double close, fixed"},
		{Role: "user", Content: "nice, works now"},
	}
	candidates, err := adapter.ExtractEntries(context.Background(), messages)
	if err != nil {
		t.Fatalf("ExtractEntries failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2 (invalid kind and blank title dropped)", len(candidates))
	}
	if candidates[0].Kind != "experience" || candidates[0].Outcome != "success" {
		t.Errorf("first candidate = %+v", candidates[0])
	}
	if candidates[1].Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", candidates[1].Confidence)
	}
}

func TestExtractEntriesEmptyInput(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for empty input")
	})

	candidates, err := adapter.ExtractEntries(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExtractEntries failed: %v", err)
	}
	if candidates != nil {
		t.Errorf("got %v, want nil", candidates)
	}
}

func TestBuildTranscript(t *testing.T) {
	got := buildTranscript([]Message{
		{Role: "user", Content: "hello"},
		{Role: "", Content: "defaulted"},
	})
	if !strings.Contains(got, "user: hello") || !strings.Contains(got, "user: defaulted") {
		t.Errorf("transcript = %q", got)
	}

	long := buildTranscript([]Message{
		{Role: "user", Content: strings.Repeat("x", transcriptMaxBytes*2)},
		{Role: "assistant", Content: "conclusion"},
	})
	if len(long) > transcriptMaxBytes {
		t.Errorf("transcript not truncated: %d bytes", len(long))
	}
	if !strings.Contains(long, "conclusion") {
		t.Error("truncation should keep the tail")
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tc := range cases {
		if got := stripJSONFences(tc.in); got != tc.want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
