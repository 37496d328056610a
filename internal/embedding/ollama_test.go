package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mnemo/internal/memerr"
)

func newOllamaTestServer(t *testing.T, handler http.HandlerFunc) *OllamaEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	eng, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	if err != nil {
		t.Fatalf("NewOllamaEngine failed: %v", err)
	}
	return eng
}

func TestOllamaEmbed(t *testing.T) {
	var gotPrompt string
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})

	vec, err := eng.Embed(context.Background(), "prefer table tests")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("got %d dims, want 3", len(vec))
	}
	if gotPrompt != "prefer table tests" {
		t.Errorf("server saw prompt %q", gotPrompt)
	}
}

func TestOllamaEmbedEmptyText(t *testing.T) {
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for empty text")
	})

	if _, err := eng.Embed(context.Background(), "   "); !memerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOllamaEmbedRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2}})
	})

	vec, err := eng.Embed(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("Embed should succeed after retry: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("got %d dims, want 2", len(vec))
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestOllamaEmbedPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := eng.Embed(context.Background(), "anything")
	if !memerr.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "ollama") {
		t.Errorf("error should name the provider: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, server called %d times", calls.Load())
	}
}

func TestOllamaEmbedContextCancelled(t *testing.T) {
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1}})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Embed(ctx, "late"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestOllamaEmbedBatch(t *testing.T) {
	var calls atomic.Int32
	eng := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(n)}})
	})

	vecs, err := eng.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want one per text", calls.Load())
	}
	if vecs[0][0] != 1 || vecs[2][0] != 3 {
		t.Error("batch results out of order")
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	healthy := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	})
	if err := healthy.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed on healthy server: %v", err)
	}

	down, err := NewOllamaEngine("http://127.0.0.1:1", "embeddinggemma")
	if err != nil {
		t.Fatalf("NewOllamaEngine failed: %v", err)
	}
	if err := down.HealthCheck(context.Background()); !memerr.IsUnavailable(err) {
		t.Fatalf("expected unavailable error from unreachable server, got %v", err)
	}
}

func TestOllamaDefaults(t *testing.T) {
	eng, err := NewOllamaEngine("", "")
	if err != nil {
		t.Fatalf("NewOllamaEngine failed: %v", err)
	}
	if eng.endpoint != "http://localhost:11434" {
		t.Errorf("default endpoint = %q", eng.endpoint)
	}
	if eng.Name() != "ollama:embeddinggemma" {
		t.Errorf("default name = %q", eng.Name())
	}
}
