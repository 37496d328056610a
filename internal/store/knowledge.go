package store

import (
	"database/sql"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const knowledgeColumns = `id, title, content, category, confidence, source, priority,
	valid_from, valid_until, scope, scope_id, active, content_hash, metadata,
	created_by, created_at, updated_at`

// knowledgeCategories is the closed category set for knowledge entries.
var knowledgeCategories = []string{"decision", "fact", "context", "reference", "architecture"}

func (s *Store) validateKnowledge(k *Knowledge) error {
	if err := validate.RequiredField("title", k.Title, s.limits.TitleMax); err != nil {
		return err
	}
	if err := validate.RequiredField("content", k.Content, s.limits.ContentMax); err != nil {
		return err
	}
	if k.Category == "" {
		k.Category = "fact"
	}
	if err := validate.Enum("category", k.Category, knowledgeCategories); err != nil {
		return err
	}
	if err := validate.Range("confidence", k.Confidence, 0, 1); err != nil {
		return err
	}
	if err := validate.Field("source", k.Source, s.limits.DescriptionMax); err != nil {
		return err
	}
	if err := validate.Range("priority", float64(k.Priority), 0, 100); err != nil {
		return err
	}
	if k.ValidFrom > 0 && k.ValidUntil > 0 && k.ValidUntil < k.ValidFrom {
		return memerr.Validation("validUntil must not precede validFrom")
	}
	if _, err := validate.MetadataBytes(k.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	scope, err := validateScope(k.Scope)
	if err != nil {
		return err
	}
	k.Scope = scope
	tags, err := validate.NormalizeTags(k.Tags, s.limits.TagsMaxCount)
	if err != nil {
		return err
	}
	k.Tags = tags
	return nil
}

// CreateKnowledge validates, inserts, and indexes one knowledge entry.
// Title must be unique within its scope.
func (s *Store) CreateKnowledge(k *Knowledge, actor string) (*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateKnowledge(k); err != nil {
		return nil, err
	}
	fillKnowledgeDefaults(k, actor)

	err := s.withTx(func(tx *sql.Tx) error {
		return s.insertKnowledgeTx(tx, k, actor)
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindKnowledge, k.ID, knowledgeEmbedText(k))
	logging.StoreDebug("knowledge created: %s (%s)", k.Title, k.ID)
	return k, nil
}

// BulkCreateKnowledge inserts up to BulkOperationMax entries atomically.
func (s *Store) BulkCreateKnowledge(ks []*Knowledge, actor string) ([]*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ks) == 0 {
		return nil, memerr.Validation("bulk create requires at least one item")
	}
	if len(ks) > s.limits.BulkOperationMax {
		return nil, memerr.SizeLimit("items", s.limits.BulkOperationMax, len(ks), "items")
	}
	for _, k := range ks {
		if err := s.validateKnowledge(k); err != nil {
			return nil, err
		}
		fillKnowledgeDefaults(k, actor)
	}

	err := s.withTx(func(tx *sql.Tx) error {
		for _, k := range ks {
			if err := s.insertKnowledgeTx(tx, k, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range ks {
		s.scheduleEmbed(KindKnowledge, k.ID, knowledgeEmbedText(k))
	}
	logging.Store("bulk created %d knowledge entries", len(ks))
	return ks, nil
}

func fillKnowledgeDefaults(k *Knowledge, actor string) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.Confidence == 0 {
		k.Confidence = 0.8
	}
	if k.CreatedBy == "" {
		k.CreatedBy = actor
	}
	now := nowMillis()
	if k.CreatedAt == 0 {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	k.Active = true
	k.ContentHash = ContentHash(k.Title, k.Content)
}

func (s *Store) insertKnowledgeTx(tx *sql.Tx, k *Knowledge, actor string) error {
	_, err := tx.Exec(`
		INSERT INTO knowledge (`+knowledgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Title, k.Content, k.Category, k.Confidence, k.Source, k.Priority,
		k.ValidFrom, k.ValidUntil, k.Scope.Type, k.Scope.ID, boolToInt(k.Active),
		k.ContentHash, marshalMap(k.Metadata), k.CreatedBy, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return mapSQLError(err, KindKnowledge, k.Title)
	}
	if err := s.replaceTagsTx(tx, KindKnowledge, k.ID, k.Tags); err != nil {
		return err
	}
	if err := upsertFTS(tx, KindKnowledge, k.ID, k.Title, k.Content, k.Tags); err != nil {
		return err
	}
	auditTx(tx, "created", KindKnowledge, k.ID, actor, map[string]any{"title": k.Title, "category": k.Category})
	return nil
}

// GetKnowledge loads one knowledge entry by id.
func (s *Store) GetKnowledge(id string) (*Knowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+knowledgeColumns+" FROM knowledge WHERE id = ?", id)
	k, err := scanKnowledge(row)
	if err != nil {
		return nil, mapSQLError(err, KindKnowledge, id)
	}
	k.Tags, err = s.loadTags(KindKnowledge, k.ID)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetKnowledgeByTitle resolves by the scoped unique title.
func (s *Store) GetKnowledgeByTitle(title string, scope Scope) (*Knowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, err := validateScope(scope)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		"SELECT "+knowledgeColumns+" FROM knowledge WHERE title = ? AND scope = ? AND scope_id = ?",
		title, scope.Type, scope.ID)
	k, err := scanKnowledge(row)
	if err != nil {
		return nil, mapSQLError(err, KindKnowledge, title)
	}
	k.Tags, err = s.loadTags(KindKnowledge, k.ID)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ListKnowledge returns entries matching the filter. When AtTime is set,
// only entries whose validity window covers that instant are returned;
// unbounded sides always match.
func (s *Store) ListKnowledge(f EntryFilter) ([]*Knowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildEntryWhere(f, KindKnowledge)
	if f.AtTime > 0 {
		validity := "(valid_from = 0 OR valid_from <= ?) AND (valid_until = 0 OR valid_until >= ?)"
		if where == "" {
			where = " WHERE " + validity
		} else {
			where += " AND " + validity
		}
		args = append(args, f.AtTime, f.AtTime)
	}

	query := "SELECT " + knowledgeColumns + " FROM knowledge" + where +
		" ORDER BY priority DESC, updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, 200),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list knowledge", err)
	}
	defer rows.Close()

	var out []*Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, memerr.Internal("scan knowledge", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate knowledge", err)
	}
	for _, k := range out {
		if k.Tags, err = s.loadTags(KindKnowledge, k.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// KnowledgeUpdate patches selected fields; nil means keep.
type KnowledgeUpdate struct {
	Title      *string
	Content    *string
	Category   *string
	Confidence *float64
	Source     *string
	Priority   *int
	ValidFrom  *int64
	ValidUntil *int64
	Metadata   *map[string]any
	Tags       *[]string
}

// UpdateKnowledge applies a patch and refreshes the indexes.
func (s *Store) UpdateKnowledge(id string, upd KnowledgeUpdate, actor string) (*Knowledge, error) {
	k, err := s.GetKnowledge(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.Title != nil {
		k.Title = *upd.Title
	}
	if upd.Content != nil {
		k.Content = *upd.Content
	}
	if upd.Category != nil {
		k.Category = *upd.Category
	}
	if upd.Confidence != nil {
		k.Confidence = *upd.Confidence
	}
	if upd.Source != nil {
		k.Source = *upd.Source
	}
	if upd.Priority != nil {
		k.Priority = *upd.Priority
	}
	if upd.ValidFrom != nil {
		k.ValidFrom = *upd.ValidFrom
	}
	if upd.ValidUntil != nil {
		k.ValidUntil = *upd.ValidUntil
	}
	if upd.Metadata != nil {
		k.Metadata = *upd.Metadata
	}
	if upd.Tags != nil {
		k.Tags = *upd.Tags
	}
	if err := s.validateKnowledge(k); err != nil {
		return nil, err
	}
	k.UpdatedAt = nowMillis()
	k.ContentHash = ContentHash(k.Title, k.Content)

	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE knowledge SET title = ?, content = ?, category = ?, confidence = ?,
				source = ?, priority = ?, valid_from = ?, valid_until = ?, scope = ?,
				scope_id = ?, content_hash = ?, metadata = ?, updated_at = ?
			WHERE id = ?`,
			k.Title, k.Content, k.Category, k.Confidence, k.Source, k.Priority,
			k.ValidFrom, k.ValidUntil, k.Scope.Type, k.Scope.ID, k.ContentHash,
			marshalMap(k.Metadata), k.UpdatedAt, k.ID)
		if err != nil {
			return mapSQLError(err, KindKnowledge, k.Title)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindKnowledge, id)
		}
		if err := s.replaceTagsTx(tx, KindKnowledge, k.ID, k.Tags); err != nil {
			return err
		}
		if err := upsertFTS(tx, KindKnowledge, k.ID, k.Title, k.Content, k.Tags); err != nil {
			return err
		}
		auditTx(tx, "updated", KindKnowledge, k.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindKnowledge, k.ID, knowledgeEmbedText(k))
	return k, nil
}

// SetKnowledgeActive soft-deletes or restores a knowledge entry.
func (s *Store) SetKnowledgeActive(id string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE knowledge SET active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), nowMillis(), id)
		if err != nil {
			return memerr.Internal("set knowledge active", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindKnowledge, id)
		}
		event := "deactivated"
		if active {
			event = "activated"
		}
		auditTx(tx, event, KindKnowledge, id, actor, nil)
		return nil
	})
}

// DeleteKnowledge removes the row and its index entries.
func (s *Store) DeleteKnowledge(id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM knowledge WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete knowledge", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindKnowledge, id)
		}
		if _, err := tx.Exec("DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?", KindKnowledge, id); err != nil {
			return memerr.Internal("delete entry tags", err)
		}
		if err := deleteFTS(tx, KindKnowledge, id); err != nil {
			return err
		}
		auditTx(tx, "deleted", KindKnowledge, id, actor, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.deleteEmbeddingLocked(KindKnowledge, id); err != nil {
		logging.StoreWarn("delete embedding for knowledge %s: %v", id, err)
	}
	return nil
}

func knowledgeEmbedText(k *Knowledge) string { return k.Title + ". " + k.Content }

func scanKnowledge(row rowScanner) (*Knowledge, error) {
	var k Knowledge
	var metadata string
	var active int
	err := row.Scan(&k.ID, &k.Title, &k.Content, &k.Category, &k.Confidence, &k.Source, &k.Priority,
		&k.ValidFrom, &k.ValidUntil, &k.Scope.Type, &k.Scope.ID, &active, &k.ContentHash,
		&metadata, &k.CreatedBy, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.Metadata = unmarshalMap(metadata)
	k.Active = active == 1
	return &k, nil
}
