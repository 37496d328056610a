package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

// CosineSimilarity computes similarity between two vectors in [-1, 1].
// Mismatched dimensions or zero vectors return an error rather than a
// silent zero.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, memerr.Validation("cannot compare empty vectors")
	}
	if len(a) != len(b) {
		return 0, memerr.Validationf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, memerr.Validation("cannot compare zero-magnitude vectors")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// ensureVecTable creates the vec0 index for the given dimension. vec0
// tables are fixed-dimension, so the first write pins it.
func (s *Store) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 {
		return memerr.Validationf("vec index is %d-dim, cannot index %d-dim vector", s.vecDim, dim)
	}
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_entries USING vec0(
		entry_key TEXT PRIMARY KEY,
		embedding float[%d] distance_metric=cosine
	)`, dim)
	if _, err := s.db.Exec(ddl); err != nil {
		return memerr.Internal("create vec index", err)
	}
	s.vecDim = dim
	return nil
}

func vecKey(kind, id string) string { return kind + ":" + id }

// UpsertEmbedding persists one entry's vector. The embeddings table is
// the durable copy; the vec0 index is refreshed alongside when available.
func (s *Store) UpsertEmbedding(kind, id string, vector []float32, model string) error {
	if !ValidEntryKind(kind) {
		return memerr.Validationf("unknown entry kind %q", kind)
	}
	if len(vector) == 0 {
		return memerr.Validation("embedding vector is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(vector)
	if err != nil {
		return memerr.Internal("encode embedding", err)
	}

	// Create the vec index outside the transaction: DDL on the single
	// pooled connection would deadlock against an open tx.
	useVec := s.vectorExt
	if useVec {
		if err := s.ensureVecTable(len(vector)); err != nil {
			logging.StoreWarn("vec index disabled: %v", err)
			s.vectorExt = false
			useVec = false
		}
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO embeddings (entry_kind, entry_id, dim, vector, model, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entry_kind, entry_id) DO UPDATE SET
				dim = excluded.dim, vector = excluded.vector,
				model = excluded.model, updated_at = excluded.updated_at`,
			kind, id, len(vector), string(raw), model, nowMillis())
		if err != nil {
			return memerr.Internal("upsert embedding", err)
		}

		if useVec {
			key := vecKey(kind, id)
			if _, err := tx.Exec("DELETE FROM vec_entries WHERE entry_key = ?", key); err != nil {
				return memerr.Internal("vec delete", err)
			}
			if _, err := tx.Exec("INSERT INTO vec_entries (entry_key, embedding) VALUES (?, ?)", key, string(raw)); err != nil {
				return memerr.Internal("vec insert", err)
			}
		}
		return nil
	})
}

// DeleteEmbedding removes an entry's vector from both stores.
func (s *Store) DeleteEmbedding(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteEmbeddingLocked(kind, id)
}

func (s *Store) deleteEmbeddingLocked(kind, id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM embeddings WHERE entry_kind = ? AND entry_id = ?", kind, id); err != nil {
			return memerr.Internal("delete embedding", err)
		}
		if s.vectorExt && s.vecDim > 0 {
			if _, err := tx.Exec("DELETE FROM vec_entries WHERE entry_key = ?", vecKey(kind, id)); err != nil {
				return memerr.Internal("vec delete", err)
			}
		}
		return nil
	})
}

// GetEmbedding reads one entry's stored vector, or NotFound.
func (s *Store) GetEmbedding(kind, id string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(
		"SELECT vector FROM embeddings WHERE entry_kind = ? AND entry_id = ?", kind, id).Scan(&raw)
	if err != nil {
		return nil, mapSQLError(err, "embedding", vecKey(kind, id))
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, memerr.Internal("decode embedding", err)
	}
	return vec, nil
}

// SimilarByVector returns the topK nearest entries by cosine similarity,
// optionally restricted to kinds. A query dimension that disagrees with
// the index is a validation error, never a silent empty result.
func (s *Store) SimilarByVector(query []float32, kinds []string, topK int) ([]SimilarHit, error) {
	if len(query) == 0 {
		return nil, memerr.Validation("query vector is empty")
	}
	if topK <= 0 {
		topK = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, dim, err := s.embeddingMeta(); err == nil && dim != 0 && dim != len(query) {
		return nil, memerr.Validationf("query vector is %d-dim, index is %d-dim", len(query), dim)
	}

	if s.vectorExt && s.vecDim == len(query) {
		hits, err := s.similarKNN(query, kinds, topK)
		if err == nil {
			return hits, nil
		}
		logging.StoreWarn("vec knn failed, falling back to scan: %v", err)
	}
	return s.similarScan(query, kinds, topK)
}

// similarKNN runs the sqlite-vec KNN query. Distances come back as
// cosine distance; similarity = 1 - distance.
func (s *Store) similarKNN(query []float32, kinds []string, topK int) ([]SimilarHit, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	// Over-fetch when filtering by kind, since the filter applies after
	// the KNN.
	k := topK
	if len(kinds) > 0 {
		k = topK * 4
	}

	rows, err := s.db.Query(`
		SELECT entry_key, distance FROM vec_entries
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, string(raw), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	allowed := map[string]bool{}
	for _, kind := range kinds {
		allowed[kind] = true
	}

	var hits []SimilarHit
	for rows.Next() {
		var key string
		var distance float64
		if err := rows.Scan(&key, &distance); err != nil {
			return nil, err
		}
		kind, id, ok := splitVecKey(key)
		if !ok {
			continue
		}
		if len(allowed) > 0 && !allowed[kind] {
			continue
		}
		hits = append(hits, SimilarHit{Kind: kind, ID: id, Similarity: 1 - distance})
		if len(hits) >= topK {
			break
		}
	}
	return hits, rows.Err()
}

// similarScan is the extension-free path: decode every stored vector and
// rank by cosine. Fine for local corpora; the vec index takes over at
// scale.
func (s *Store) similarScan(query []float32, kinds []string, topK int) ([]SimilarHit, error) {
	sqlQuery := "SELECT entry_kind, entry_id, vector FROM embeddings"
	var args []any
	if clause, kindArgs := entryKindFilter(kinds); clause != "" {
		sqlQuery += " WHERE " + clause
		args = kindArgs
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, memerr.Internal("scan embeddings", err)
	}
	defer rows.Close()

	var hits []SimilarHit
	for rows.Next() {
		var kind, id, raw string
		if err := rows.Scan(&kind, &id, &raw); err != nil {
			return nil, memerr.Internal("scan embedding row", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			logging.StoreWarn("corrupt embedding %s/%s: %v", kind, id, err)
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		hits = append(hits, SimilarHit{Kind: kind, ID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate embeddings", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// EmbeddedEntry is one stored vector joined with its entry's scope.
// Consolidation walks these instead of re-reading entries one by one.
type EmbeddedEntry struct {
	Ref    EntryRef
	Scope  Scope
	Vector []float32
}

// EmbeddedEntries returns every active entry that has a stored vector,
// ordered by kind then id. Vectors whose entry was deactivated or deleted
// are left out; corrupt vectors are logged and skipped like the scan path.
func (s *Store) EmbeddedEntries() ([]EmbeddedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT e.entry_kind, e.entry_id, e.vector, t.scope, t.scope_id
		FROM embeddings e JOIN guidelines t ON e.entry_id = t.id
		WHERE e.entry_kind = 'guideline' AND t.active = 1
		UNION ALL
		SELECT e.entry_kind, e.entry_id, e.vector, t.scope, t.scope_id
		FROM embeddings e JOIN knowledge t ON e.entry_id = t.id
		WHERE e.entry_kind = 'knowledge' AND t.active = 1
		UNION ALL
		SELECT e.entry_kind, e.entry_id, e.vector, t.scope, t.scope_id
		FROM embeddings e JOIN tools t ON e.entry_id = t.id
		WHERE e.entry_kind = 'tool' AND t.active = 1
		UNION ALL
		SELECT e.entry_kind, e.entry_id, e.vector, t.scope, t.scope_id
		FROM embeddings e JOIN experiences t ON e.entry_id = t.id
		WHERE e.entry_kind = 'experience' AND t.active = 1
		ORDER BY 1, 2`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, memerr.Internal("list embedded entries", err)
	}
	defer rows.Close()

	var out []EmbeddedEntry
	for rows.Next() {
		var kind, id, raw, scopeType, scopeID string
		if err := rows.Scan(&kind, &id, &raw, &scopeType, &scopeID); err != nil {
			return nil, memerr.Internal("scan embedded entry", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			logging.StoreWarn("corrupt embedding %s/%s: %v", kind, id, err)
			continue
		}
		out = append(out, EmbeddedEntry{
			Ref:    EntryRef{Kind: kind, ID: id},
			Scope:  Scope{Type: scopeType, ID: scopeID},
			Vector: vec,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate embedded entries", err)
	}
	return out, nil
}

// ReembedAll regenerates every entry's vector with the given engine and
// repoints the index metadata at it. This is the migration path for
// provider or dimension changes.
func (s *Store) ReembedAll(ctx context.Context, e Embedder) (int, error) {
	if e == nil {
		return 0, memerr.Validation("embedder is required")
	}
	type pending struct {
		kind, id, text string
	}

	var work []pending
	for _, kind := range EntryKinds {
		refs, err := s.listEmbedTexts(kind)
		if err != nil {
			return 0, err
		}
		for _, r := range refs {
			work = append(work, pending{kind: kind, id: r.ID, text: r.Text})
		}
	}

	timer := logging.StartTimer(logging.CategoryEmbedding, "reembed_all")
	defer timer.Stop()

	// Rebuild the vec index from scratch: dimension may change.
	s.mu.Lock()
	if s.vectorExt && s.vecDim > 0 {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_entries"); err != nil {
			s.mu.Unlock()
			return 0, memerr.Internal("drop vec index", err)
		}
		s.vecDim = 0
	}
	s.mu.Unlock()

	const batchSize = 32
	done := 0
	for start := 0; start < len(work); start += batchSize {
		end := start + batchSize
		if end > len(work) {
			end = len(work)
		}
		for _, p := range work[start:end] {
			if err := ctx.Err(); err != nil {
				return done, memerr.Timeout("reembed_all")
			}
			vec, err := e.Embed(ctx, p.text)
			if err != nil {
				return done, memerr.Wrap(err, "embed "+vecKey(p.kind, p.id))
			}
			if err := s.UpsertEmbedding(p.kind, p.id, vec, e.Name()); err != nil {
				return done, err
			}
			done++
		}
		logging.EmbeddingDebug("reembed progress: %d/%d", end, len(work))
	}

	if err := s.setEmbeddingMeta(e.Name(), e.Dimensions()); err != nil {
		return done, err
	}
	logging.Embedding("reembedded %d entries with %s", done, e.Name())
	return done, nil
}

// embedText is what gets vectorized per entry kind.
type embedRef struct {
	ID   string
	Text string
}

func (s *Store) listEmbedTexts(kind string) ([]embedRef, error) {
	var query string
	switch kind {
	case KindGuideline:
		query = "SELECT id, name || '. ' || content FROM guidelines WHERE active = 1"
	case KindKnowledge:
		query = "SELECT id, title || '. ' || content FROM knowledge WHERE active = 1"
	case KindTool:
		query = "SELECT id, name || '. ' || description FROM tools WHERE active = 1"
	case KindExperience:
		query = "SELECT id, title || '. ' || scenario FROM experiences WHERE active = 1"
	default:
		return nil, memerr.Validationf("unknown entry kind %q", kind)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, memerr.Internal("list embed texts", err)
	}
	defer rows.Close()

	var out []embedRef
	for rows.Next() {
		var r embedRef
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, memerr.Internal("scan embed text", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func splitVecKey(key string) (kind, id string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func entryKindFilter(kinds []string) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	placeholders := ""
	args := make([]any, len(kinds))
	for i, k := range kinds {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = k
	}
	return "entry_kind IN (" + placeholders + ")", args
}
