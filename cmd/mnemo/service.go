package main

import (
	"fmt"
	"os"
	"path/filepath"

	"mnemo/internal/capture"
	"mnemo/internal/classify"
	"mnemo/internal/contextdetect"
	"mnemo/internal/embedding"
	"mnemo/internal/extraction"
	"mnemo/internal/query"
	"mnemo/internal/store"

	"go.uber.org/zap"
)

// services bundles the long-lived components behind one open/close pair
// so command wiring stays in one place.
type services struct {
	store    *store.Store
	engine   embedding.EmbeddingEngine
	adapter  *extraction.GeminiAdapter
	classify *classify.Classifier
	capture  *capture.Service
	query    *query.Service
	detector *contextdetect.Detector
}

// openServices opens the database at the configured path and builds the
// service graph on top of it. A missing embedding provider degrades
// semantic search instead of failing the command.
func openServices() (*services, error) {
	path := cfg.DatabasePath()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	st, err := store.Open(path, store.Options{
		RequireVec: cfg.Storage.RequireVec,
		Limits:     cfg.Limits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var engine embedding.EmbeddingEngine
	if cfg.Embedding.Available() {
		eng, err := embedding.NewEngine(cfg.Embedding)
		if err != nil {
			logger.Warn("Embedding engine unavailable, semantic search degraded", zap.Error(err))
		} else {
			engine = eng
			// Dimension mismatch against stored vectors is fatal here.
			if err := st.SetEmbedder(eng); err != nil {
				st.Close()
				return nil, fmt.Errorf("embedding setup failed: %w (run %q to migrate)", err, "mnemo reembed")
			}
		}
	}

	adapter := extraction.NewGeminiAdapter(cfg.LLM)
	clf := classify.New(st, adapter, cfg.Classification)

	return &services{
		store:    st,
		engine:   engine,
		adapter:  adapter,
		classify: clf,
		capture:  capture.New(st, clf, engine, adapter, cfg.Capture),
		query:    query.New(st, engine, cfg.Query, cfg.Rerank, cfg.QueryRewrite),
		detector: contextdetect.New(st, cfg.AutoContext),
	}, nil
}

func (s *services) Close() {
	s.capture.Close()
	if err := s.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}
