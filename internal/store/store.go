// Package store is the embedded persistence layer: SQLite with FTS5 for
// keyword search, an embeddings table (plus the optional sqlite-vec
// extension) for semantic search, and repositories for every entity the
// memory service manages. All writes go through a single connection;
// readers ride WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

// Embedder is the minimal surface the store needs from an embedding
// engine; internal/embedding satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// Options tune Open. The zero value gives default limits and the
// brute-force vector fallback.
type Options struct {
	// RequireVec fails Open when the sqlite-vec extension is missing
	// instead of falling back to brute-force cosine scans.
	RequireVec bool

	// Limits overrides the size-limit table. Zero value uses defaults.
	Limits validate.Limits

	// EmbedTimeout bounds each out-of-band embedding call. Zero means
	// 30 seconds.
	EmbedTimeout time.Duration
}

// Store owns the SQLite database and all repositories.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	limits validate.Limits

	vectorExt bool
	vecDim    int // dimension vec_entries was created with; 0 = not yet created

	embedMu      sync.Mutex
	embedder     Embedder
	embedWG      sync.WaitGroup
	embedSem     chan struct{}
	embedTimeout time.Duration

	closed chan struct{}
}

// Open opens (creating if needed) the database at path and prepares the
// full schema. Use ":memory:" for tests.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, memerr.Validation("database path is required")
	}
	if opts.Limits == (validate.Limits{}) {
		opts.Limits = validate.DefaultLimits()
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 30 * time.Second
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, memerr.Internal("create database directory", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, memerr.Internal("open database", err)
	}

	// One connection total. SQLite serializes writers anyway; a pool of
	// one keeps transaction ordering deterministic and avoids
	// SQLITE_BUSY churn between our own connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, memerr.Internal(fmt.Sprintf("apply %s", pragma), err)
		}
	}

	s := &Store{
		db:           db,
		path:         path,
		limits:       opts.Limits,
		embedSem:     make(chan struct{}, 4),
		embedTimeout: opts.EmbedTimeout,
		closed:       make(chan struct{}),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if opts.RequireVec && !s.vectorExt {
		db.Close()
		return nil, memerr.Unavailable("sqlite-vec extension").
			WithContext("hint", "build with -tags sqlite_vec and cgo, or unset storage.requireVec")
	}

	logging.Store("store opened at %s (vec=%v, schema=v%d)", path, s.vectorExt, currentSchemaVersion)
	return s, nil
}

// initialize creates all tables and runs pending migrations.
func (s *Store) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "store.initialize")
	defer timer.Stop()

	for _, ddl := range allSchemas {
		if _, err := s.db.Exec(ddl); err != nil {
			return memerr.Internal("create schema", err)
		}
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	return nil
}

// detectVecExtension probes for the sqlite-vec extension. When absent,
// semantic search uses the brute-force scan over the embeddings table.
func (s *Store) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		s.vectorExt = false
		logging.StoreDebug("sqlite-vec not available, using brute-force vector scans")
		return
	}
	s.vectorExt = true
	logging.Store("sqlite-vec %s detected", version)
	// Recreate the vec index for any dimension already on record.
	if _, dim, err := s.embeddingMeta(); err == nil && dim > 0 {
		if err := s.ensureVecTable(dim); err != nil {
			logging.StoreWarn("vec index init failed: %v", err)
			s.vectorExt = false
		}
	}
}

// VectorExtAvailable reports whether KNN queries run on sqlite-vec.
func (s *Store) VectorExtAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Limits returns the size-limit table the store validates against.
func (s *Store) Limits() validate.Limits { return s.limits }

// SetEmbedder installs the engine used for out-of-band index updates.
// A dimension mismatch against vectors already on disk is a hard error;
// run ReembedAll to migrate instead.
func (s *Store) SetEmbedder(e Embedder) error {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()

	if e == nil {
		s.embedder = nil
		return nil
	}

	model, dim, err := s.embeddingMeta()
	if err != nil {
		return err
	}
	if dim != 0 && dim != e.Dimensions() {
		return memerr.Validationf(
			"embedding dimension mismatch: store has %d-dim vectors (%s), engine %s produces %d; re-embed required",
			dim, model, e.Name(), e.Dimensions())
	}
	if err := s.setEmbeddingMeta(e.Name(), e.Dimensions()); err != nil {
		return err
	}
	s.embedder = e
	logging.Store("embedder set: %s (%d dims)", e.Name(), e.Dimensions())
	return nil
}

// HasEmbedder reports whether semantic index maintenance is active.
func (s *Store) HasEmbedder() bool {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()
	return s.embedder != nil
}

// scheduleEmbed updates the vector index for one entry in the background.
// Failures degrade that entry to keyword-only retrieval; they never fail
// the write that triggered them.
func (s *Store) scheduleEmbed(kind, id, text string) {
	s.embedMu.Lock()
	e := s.embedder
	s.embedMu.Unlock()
	if e == nil || text == "" {
		return
	}

	s.embedWG.Add(1)
	go func() {
		defer s.embedWG.Done()
		select {
		case s.embedSem <- struct{}{}:
			defer func() { <-s.embedSem }()
		case <-s.closed:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.embedTimeout)
		defer cancel()

		vec, err := e.Embed(ctx, text)
		if err != nil {
			logging.EmbeddingWarn("embed %s/%s failed: %v", kind, id, err)
			return
		}
		if err := s.UpsertEmbedding(kind, id, vec, e.Name()); err != nil {
			logging.EmbeddingWarn("store embedding %s/%s failed: %v", kind, id, err)
		}
	}()
}

// WaitEmbeds blocks until all scheduled embedding updates finish. Tests
// and the sweep path use it to observe a settled index.
func (s *Store) WaitEmbeds() { s.embedWG.Wait() }

// Close waits for background index updates and releases the database.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	s.embedWG.Wait()
	logging.Store("store closed (%s)", s.path)
	return s.db.Close()
}

// GetStats summarizes row counts and index state.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{Counts: make(map[string]int64), VectorExt: s.vectorExt}

	tables := map[string]string{
		"guidelines":    "SELECT COUNT(*) FROM guidelines WHERE active = 1",
		"knowledge":     "SELECT COUNT(*) FROM knowledge WHERE active = 1",
		"tools":         "SELECT COUNT(*) FROM tools WHERE active = 1",
		"experiences":   "SELECT COUNT(*) FROM experiences WHERE active = 1",
		"conversations": "SELECT COUNT(*) FROM conversations",
		"messages":      "SELECT COUNT(*) FROM messages",
		"episodes":      "SELECT COUNT(*) FROM episodes",
		"tags":          "SELECT COUNT(*) FROM tags",
		"relations":     "SELECT COUNT(*) FROM entry_relations",
		"file_locks":    "SELECT COUNT(*) FROM file_locks WHERE expires_at = 0 OR expires_at > " + fmt.Sprintf("%d", nowMillis()),
		"feedback":      "SELECT COUNT(*) FROM classification_feedback",
	}
	for name, query := range tables {
		var n int64
		if err := s.db.QueryRow(query).Scan(&n); err != nil {
			return nil, memerr.Internal("count "+name, err)
		}
		stats.Counts[name] = n
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&stats.VectorCount); err != nil {
		return nil, memerr.Internal("count embeddings", err)
	}

	if model, dim, err := s.embeddingMeta(); err == nil {
		stats.EmbeddingModel = model
		stats.EmbeddingDim = dim
	}

	if v, err := s.schemaVersion("core"); err == nil {
		stats.SchemaVersion = v
	}

	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			stats.DBSizeBytes = fi.Size()
		}
	}
	return stats, nil
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return memerr.Internal("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logging.StoreWarn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return memerr.Internal("commit transaction", err)
	}
	return nil
}

// embeddingMeta reads the recorded model/dimension of the vector index.
func (s *Store) embeddingMeta() (model string, dim int, err error) {
	row := s.db.QueryRow("SELECT model, dim FROM embedding_meta WHERE id = 1")
	switch err := row.Scan(&model, &dim); err {
	case nil:
		return model, dim, nil
	case sql.ErrNoRows:
		return "", 0, nil
	default:
		return "", 0, memerr.Internal("read embedding meta", err)
	}
}

func (s *Store) setEmbeddingMeta(model string, dim int) error {
	_, err := s.db.Exec(`
		INSERT INTO embedding_meta (id, model, dim, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model, dim = excluded.dim, updated_at = excluded.updated_at`,
		model, dim, nowMillis())
	if err != nil {
		return memerr.Internal("write embedding meta", err)
	}
	return nil
}
