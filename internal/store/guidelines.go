package store

import (
	"database/sql"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const guidelineColumns = `id, name, content, category, priority, rationale, examples,
	scope, scope_id, active, content_hash, metadata, created_by, created_at, updated_at`

func (s *Store) validateGuideline(g *Guideline) error {
	if err := validate.RequiredField("name", g.Name, s.limits.NameMax); err != nil {
		return err
	}
	if err := validate.RequiredField("content", g.Content, s.limits.ContentMax); err != nil {
		return err
	}
	if err := validate.Field("category", g.Category, s.limits.NameMax); err != nil {
		return err
	}
	if err := validate.Field("rationale", g.Rationale, s.limits.DescriptionMax); err != nil {
		return err
	}
	if len(g.Examples) > s.limits.ExamplesMaxCount {
		return memerr.SizeLimit("examples", s.limits.ExamplesMaxCount, len(g.Examples), "items")
	}
	for _, ex := range g.Examples {
		if err := validate.Field("example", ex, s.limits.DescriptionMax); err != nil {
			return err
		}
	}
	if err := validate.Range("priority", float64(g.Priority), 0, 100); err != nil {
		return err
	}
	if _, err := validate.MetadataBytes(g.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	scope, err := validateScope(g.Scope)
	if err != nil {
		return err
	}
	g.Scope = scope
	tags, err := validate.NormalizeTags(g.Tags, s.limits.TagsMaxCount)
	if err != nil {
		return err
	}
	g.Tags = tags
	return nil
}

// CreateGuideline validates, inserts, indexes, and schedules the vector
// update for one guideline. Name must be unique within its scope.
func (s *Store) CreateGuideline(g *Guideline, actor string) (*Guideline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateGuideline(g); err != nil {
		return nil, err
	}
	fillGuidelineDefaults(g, actor)

	err := s.withTx(func(tx *sql.Tx) error {
		return s.insertGuidelineTx(tx, g, actor)
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindGuideline, g.ID, guidelineEmbedText(g))
	logging.StoreDebug("guideline created: %s (%s)", g.Name, g.ID)
	return g, nil
}

// BulkCreateGuidelines inserts up to BulkOperationMax guidelines in one
// transaction. All rows validate before any row is written; one failure
// rolls back the lot.
func (s *Store) BulkCreateGuidelines(gs []*Guideline, actor string) ([]*Guideline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(gs) == 0 {
		return nil, memerr.Validation("bulk create requires at least one item")
	}
	if len(gs) > s.limits.BulkOperationMax {
		return nil, memerr.SizeLimit("items", s.limits.BulkOperationMax, len(gs), "items")
	}
	for _, g := range gs {
		if err := s.validateGuideline(g); err != nil {
			return nil, err
		}
		fillGuidelineDefaults(g, actor)
	}

	err := s.withTx(func(tx *sql.Tx) error {
		for _, g := range gs {
			if err := s.insertGuidelineTx(tx, g, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, g := range gs {
		s.scheduleEmbed(KindGuideline, g.ID, guidelineEmbedText(g))
	}
	logging.Store("bulk created %d guidelines", len(gs))
	return gs, nil
}

func fillGuidelineDefaults(g *Guideline, actor string) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedBy == "" {
		g.CreatedBy = actor
	}
	now := nowMillis()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	g.Active = true
	g.ContentHash = ContentHash(g.Name, g.Content)
}

func (s *Store) insertGuidelineTx(tx *sql.Tx, g *Guideline, actor string) error {
	_, err := tx.Exec(`
		INSERT INTO guidelines (`+guidelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Content, g.Category, g.Priority, g.Rationale, marshalStrings(g.Examples),
		g.Scope.Type, g.Scope.ID, boolToInt(g.Active), g.ContentHash, marshalMap(g.Metadata),
		g.CreatedBy, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return mapSQLError(err, KindGuideline, g.Name)
	}
	if err := s.replaceTagsTx(tx, KindGuideline, g.ID, g.Tags); err != nil {
		return err
	}
	if err := upsertFTS(tx, KindGuideline, g.ID, g.Name, ftsGuidelineContent(g), g.Tags); err != nil {
		return err
	}
	auditTx(tx, "created", KindGuideline, g.ID, actor, map[string]any{"name": g.Name, "scope": g.Scope.Type})
	return nil
}

// GetGuideline loads one guideline by id, tags included.
func (s *Store) GetGuideline(id string) (*Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+guidelineColumns+" FROM guidelines WHERE id = ?", id)
	g, err := scanGuideline(row)
	if err != nil {
		return nil, mapSQLError(err, KindGuideline, id)
	}
	g.Tags, err = s.loadTags(KindGuideline, g.ID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGuidelineByName resolves a guideline by its scoped unique name.
func (s *Store) GetGuidelineByName(name string, scope Scope) (*Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, err := validateScope(scope)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		"SELECT "+guidelineColumns+" FROM guidelines WHERE name = ? AND scope = ? AND scope_id = ?",
		name, scope.Type, scope.ID)
	g, err := scanGuideline(row)
	if err != nil {
		return nil, mapSQLError(err, KindGuideline, name)
	}
	g.Tags, err = s.loadTags(KindGuideline, g.ID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListGuidelines returns guidelines matching the filter, highest priority
// first.
func (s *Store) ListGuidelines(f EntryFilter) ([]*Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildEntryWhere(f, KindGuideline)
	query := "SELECT " + guidelineColumns + " FROM guidelines" + where +
		" ORDER BY priority DESC, updated_at DESC, id ASC"
	query += " LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, s.limits.BulkOperationMax*4),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list guidelines", err)
	}
	defer rows.Close()

	var out []*Guideline
	for rows.Next() {
		g, err := scanGuideline(rows)
		if err != nil {
			return nil, memerr.Internal("scan guideline", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate guidelines", err)
	}
	for _, g := range out {
		if g.Tags, err = s.loadTags(KindGuideline, g.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GuidelineUpdate patches selected fields; nil means keep.
type GuidelineUpdate struct {
	Name      *string
	Content   *string
	Category  *string
	Priority  *int
	Rationale *string
	Examples  *[]string
	Metadata  *map[string]any
	Tags      *[]string
}

// UpdateGuideline applies a patch and refreshes the indexes.
func (s *Store) UpdateGuideline(id string, upd GuidelineUpdate, actor string) (*Guideline, error) {
	g, err := s.GetGuideline(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.Name != nil {
		g.Name = *upd.Name
	}
	if upd.Content != nil {
		g.Content = *upd.Content
	}
	if upd.Category != nil {
		g.Category = *upd.Category
	}
	if upd.Priority != nil {
		g.Priority = *upd.Priority
	}
	if upd.Rationale != nil {
		g.Rationale = *upd.Rationale
	}
	if upd.Examples != nil {
		g.Examples = *upd.Examples
	}
	if upd.Metadata != nil {
		g.Metadata = *upd.Metadata
	}
	if upd.Tags != nil {
		g.Tags = *upd.Tags
	}
	if err := s.validateGuideline(g); err != nil {
		return nil, err
	}
	g.UpdatedAt = nowMillis()
	g.ContentHash = ContentHash(g.Name, g.Content)

	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE guidelines SET name = ?, content = ?, category = ?, priority = ?,
				rationale = ?, examples = ?, scope = ?, scope_id = ?, content_hash = ?,
				metadata = ?, updated_at = ?
			WHERE id = ?`,
			g.Name, g.Content, g.Category, g.Priority, g.Rationale, marshalStrings(g.Examples),
			g.Scope.Type, g.Scope.ID, g.ContentHash, marshalMap(g.Metadata), g.UpdatedAt, g.ID)
		if err != nil {
			return mapSQLError(err, KindGuideline, g.Name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindGuideline, id)
		}
		if err := s.replaceTagsTx(tx, KindGuideline, g.ID, g.Tags); err != nil {
			return err
		}
		if err := upsertFTS(tx, KindGuideline, g.ID, g.Name, ftsGuidelineContent(g), g.Tags); err != nil {
			return err
		}
		auditTx(tx, "updated", KindGuideline, g.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindGuideline, g.ID, guidelineEmbedText(g))
	return g, nil
}

// SetGuidelineActive soft-deletes or restores a guideline. Inactive rows
// keep their indexes but are filtered from every default read.
func (s *Store) SetGuidelineActive(id string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE guidelines SET active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), nowMillis(), id)
		if err != nil {
			return memerr.Internal("set guideline active", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindGuideline, id)
		}
		event := "deactivated"
		if active {
			event = "activated"
		}
		auditTx(tx, event, KindGuideline, id, actor, nil)
		return nil
	})
}

// DeleteGuideline removes the row and every index entry for it.
func (s *Store) DeleteGuideline(id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM guidelines WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete guideline", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindGuideline, id)
		}
		if _, err := tx.Exec("DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?", KindGuideline, id); err != nil {
			return memerr.Internal("delete entry tags", err)
		}
		if err := deleteFTS(tx, KindGuideline, id); err != nil {
			return err
		}
		auditTx(tx, "deleted", KindGuideline, id, actor, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.deleteEmbeddingLocked(KindGuideline, id); err != nil {
		logging.StoreWarn("delete embedding for guideline %s: %v", id, err)
	}
	return nil
}

func guidelineEmbedText(g *Guideline) string { return g.Name + ". " + g.Content }

func ftsGuidelineContent(g *Guideline) string {
	if g.Rationale == "" {
		return g.Content
	}
	return g.Content + "\n" + g.Rationale
}

func scanGuideline(row rowScanner) (*Guideline, error) {
	var g Guideline
	var examples, metadata string
	var active int
	err := row.Scan(&g.ID, &g.Name, &g.Content, &g.Category, &g.Priority, &g.Rationale, &examples,
		&g.Scope.Type, &g.Scope.ID, &active, &g.ContentHash, &metadata,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Examples = unmarshalStrings(examples)
	g.Metadata = unmarshalMap(metadata)
	g.Active = active == 1
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
