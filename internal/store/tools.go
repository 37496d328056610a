package store

import (
	"database/sql"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const toolColumns = `id, name, description, usage, examples, category, priority,
	current_version, scope, scope_id, active, content_hash, metadata,
	created_by, created_at, updated_at`

// toolCategories is the closed category set for tools.
var toolCategories = []string{"mcp", "cli", "function", "api"}

func (s *Store) validateTool(t *Tool) error {
	if err := validate.RequiredField("name", t.Name, s.limits.NameMax); err != nil {
		return err
	}
	if err := validate.RequiredField("description", t.Description, s.limits.DescriptionMax); err != nil {
		return err
	}
	if t.Category == "" {
		t.Category = "cli"
	}
	if err := validate.Enum("category", t.Category, toolCategories); err != nil {
		return err
	}
	if err := validate.Field("usage", t.Usage, s.limits.ContentMax); err != nil {
		return err
	}
	if len(t.Examples) > s.limits.ExamplesMaxCount {
		return memerr.SizeLimit("examples", s.limits.ExamplesMaxCount, len(t.Examples), "items")
	}
	for _, ex := range t.Examples {
		if err := validate.Field("example", ex, s.limits.DescriptionMax); err != nil {
			return err
		}
	}
	if err := validate.Range("priority", float64(t.Priority), 0, 100); err != nil {
		return err
	}
	if _, err := validate.MetadataBytes(t.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	scope, err := validateScope(t.Scope)
	if err != nil {
		return err
	}
	t.Scope = scope
	tags, err := validate.NormalizeTags(t.Tags, s.limits.TagsMaxCount)
	if err != nil {
		return err
	}
	t.Tags = tags
	return nil
}

// CreateTool validates, inserts, and indexes one tool. When the tool
// carries a CurrentVersion, the version chain starts with it.
func (s *Store) CreateTool(t *Tool, actor string) (*Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateTool(t); err != nil {
		return nil, err
	}
	fillToolDefaults(t, actor)

	err := s.withTx(func(tx *sql.Tx) error {
		if err := s.insertToolTx(tx, t, actor); err != nil {
			return err
		}
		if t.CurrentVersion != "" {
			if err := insertToolVersionTx(tx, t.ID, t.CurrentVersion, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindTool, t.ID, toolEmbedText(t))
	logging.StoreDebug("tool created: %s (%s)", t.Name, t.ID)
	return t, nil
}

// BulkCreateTools inserts up to BulkOperationMax tools atomically.
func (s *Store) BulkCreateTools(ts []*Tool, actor string) ([]*Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ts) == 0 {
		return nil, memerr.Validation("bulk create requires at least one item")
	}
	if len(ts) > s.limits.BulkOperationMax {
		return nil, memerr.SizeLimit("items", s.limits.BulkOperationMax, len(ts), "items")
	}
	for _, t := range ts {
		if err := s.validateTool(t); err != nil {
			return nil, err
		}
		fillToolDefaults(t, actor)
	}

	err := s.withTx(func(tx *sql.Tx) error {
		for _, t := range ts {
			if err := s.insertToolTx(tx, t, actor); err != nil {
				return err
			}
			if t.CurrentVersion != "" {
				if err := insertToolVersionTx(tx, t.ID, t.CurrentVersion, ""); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		s.scheduleEmbed(KindTool, t.ID, toolEmbedText(t))
	}
	logging.Store("bulk created %d tools", len(ts))
	return ts, nil
}

func fillToolDefaults(t *Tool, actor string) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedBy == "" {
		t.CreatedBy = actor
	}
	now := nowMillis()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Active = true
	t.ContentHash = ContentHash(t.Name, t.Description)
}

func (s *Store) insertToolTx(tx *sql.Tx, t *Tool, actor string) error {
	_, err := tx.Exec(`
		INSERT INTO tools (`+toolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Usage, marshalStrings(t.Examples), t.Category, t.Priority,
		t.CurrentVersion, t.Scope.Type, t.Scope.ID, boolToInt(t.Active), t.ContentHash,
		marshalMap(t.Metadata), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mapSQLError(err, KindTool, t.Name)
	}
	if err := s.replaceTagsTx(tx, KindTool, t.ID, t.Tags); err != nil {
		return err
	}
	if err := upsertFTS(tx, KindTool, t.ID, t.Name, ftsToolContent(t), t.Tags); err != nil {
		return err
	}
	auditTx(tx, "created", KindTool, t.ID, actor, map[string]any{"name": t.Name, "category": t.Category})
	return nil
}

func insertToolVersionTx(tx *sql.Tx, toolID, version, notes string) error {
	_, err := tx.Exec(`
		INSERT INTO tool_versions (tool_id, version, notes, created_at) VALUES (?, ?, ?, ?)`,
		toolID, version, notes, nowMillis())
	if err != nil {
		return mapSQLError(err, "tool version", version)
	}
	return nil
}

// GetTool loads one tool with its tags and version chain.
func (s *Store) GetTool(id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getToolLocked(id)
}

func (s *Store) getToolLocked(id string) (*Tool, error) {
	row := s.db.QueryRow("SELECT "+toolColumns+" FROM tools WHERE id = ?", id)
	t, err := scanTool(row)
	if err != nil {
		return nil, mapSQLError(err, KindTool, id)
	}
	if t.Tags, err = s.loadTags(KindTool, t.ID); err != nil {
		return nil, err
	}
	if t.Versions, err = s.listToolVersionsLocked(t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// GetToolByName resolves a tool by its scoped unique name.
func (s *Store) GetToolByName(name string, scope Scope) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, err := validateScope(scope)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		"SELECT "+toolColumns+" FROM tools WHERE name = ? AND scope = ? AND scope_id = ?",
		name, scope.Type, scope.ID)
	t, err := scanTool(row)
	if err != nil {
		return nil, mapSQLError(err, KindTool, name)
	}
	if t.Tags, err = s.loadTags(KindTool, t.ID); err != nil {
		return nil, err
	}
	if t.Versions, err = s.listToolVersionsLocked(t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTools returns tools matching the filter (versions omitted).
func (s *Store) ListTools(f EntryFilter) ([]*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildEntryWhere(f, KindTool)
	query := "SELECT " + toolColumns + " FROM tools" + where +
		" ORDER BY priority DESC, updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, 200),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list tools", err)
	}
	defer rows.Close()

	var out []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, memerr.Internal("scan tool", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate tools", err)
	}
	for _, t := range out {
		if t.Tags, err = s.loadTags(KindTool, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ToolUpdate patches selected fields; nil means keep.
type ToolUpdate struct {
	Name        *string
	Description *string
	Usage       *string
	Examples    *[]string
	Category    *string
	Priority    *int
	Metadata    *map[string]any
	Tags        *[]string
}

// UpdateTool applies a patch and refreshes the indexes.
func (s *Store) UpdateTool(id string, upd ToolUpdate, actor string) (*Tool, error) {
	t, err := s.GetTool(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Usage != nil {
		t.Usage = *upd.Usage
	}
	if upd.Examples != nil {
		t.Examples = *upd.Examples
	}
	if upd.Category != nil {
		t.Category = *upd.Category
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.Metadata != nil {
		t.Metadata = *upd.Metadata
	}
	if upd.Tags != nil {
		t.Tags = *upd.Tags
	}
	if err := s.validateTool(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = nowMillis()
	t.ContentHash = ContentHash(t.Name, t.Description)

	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tools SET name = ?, description = ?, usage = ?, examples = ?, category = ?,
				priority = ?, scope = ?, scope_id = ?, content_hash = ?, metadata = ?, updated_at = ?
			WHERE id = ?`,
			t.Name, t.Description, t.Usage, marshalStrings(t.Examples), t.Category,
			t.Priority, t.Scope.Type, t.Scope.ID, t.ContentHash, marshalMap(t.Metadata),
			t.UpdatedAt, t.ID)
		if err != nil {
			return mapSQLError(err, KindTool, t.Name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindTool, id)
		}
		if err := s.replaceTagsTx(tx, KindTool, t.ID, t.Tags); err != nil {
			return err
		}
		if err := upsertFTS(tx, KindTool, t.ID, t.Name, ftsToolContent(t), t.Tags); err != nil {
			return err
		}
		auditTx(tx, "updated", KindTool, t.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindTool, t.ID, toolEmbedText(t))
	return t, nil
}

// AddToolVersion appends a version to the chain and repoints
// current_version at it. Duplicate versions for the same tool are a
// unique-constraint error.
func (s *Store) AddToolVersion(toolID, version, notes string, actor string) (*Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate.RequiredField("version", version, s.limits.NameMax); err != nil {
		return nil, err
	}
	if err := validate.Field("notes", notes, s.limits.DescriptionMax); err != nil {
		return nil, err
	}

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE tools SET current_version = ?, updated_at = ? WHERE id = ?",
			version, nowMillis(), toolID)
		if err != nil {
			return memerr.Internal("update tool version", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindTool, toolID)
		}
		if err := insertToolVersionTx(tx, toolID, version, notes); err != nil {
			return err
		}
		auditTx(tx, "version_added", KindTool, toolID, actor, map[string]any{"version": version})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.getToolLocked(toolID)
}

func (s *Store) listToolVersionsLocked(toolID string) ([]ToolVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, tool_id, version, notes, created_at FROM tool_versions
		WHERE tool_id = ? ORDER BY created_at DESC, id DESC`, toolID)
	if err != nil {
		return nil, memerr.Internal("list tool versions", err)
	}
	defer rows.Close()

	var out []ToolVersion
	for rows.Next() {
		var v ToolVersion
		if err := rows.Scan(&v.ID, &v.ToolID, &v.Version, &v.Notes, &v.CreatedAt); err != nil {
			return nil, memerr.Internal("scan tool version", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetToolActive soft-deletes or restores a tool.
func (s *Store) SetToolActive(id string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE tools SET active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), nowMillis(), id)
		if err != nil {
			return memerr.Internal("set tool active", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindTool, id)
		}
		event := "deactivated"
		if active {
			event = "activated"
		}
		auditTx(tx, event, KindTool, id, actor, nil)
		return nil
	})
}

// DeleteTool removes the tool, its versions (by cascade), and its index
// entries.
func (s *Store) DeleteTool(id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM tools WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete tool", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindTool, id)
		}
		if _, err := tx.Exec("DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?", KindTool, id); err != nil {
			return memerr.Internal("delete entry tags", err)
		}
		if err := deleteFTS(tx, KindTool, id); err != nil {
			return err
		}
		auditTx(tx, "deleted", KindTool, id, actor, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.deleteEmbeddingLocked(KindTool, id); err != nil {
		logging.StoreWarn("delete embedding for tool %s: %v", id, err)
	}
	return nil
}

func toolEmbedText(t *Tool) string { return t.Name + ". " + t.Description }

func ftsToolContent(t *Tool) string {
	if t.Usage == "" {
		return t.Description
	}
	return t.Description + "\n" + t.Usage
}

func scanTool(row rowScanner) (*Tool, error) {
	var t Tool
	var examples, metadata string
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Usage, &examples, &t.Category, &t.Priority,
		&t.CurrentVersion, &t.Scope.Type, &t.Scope.ID, &active, &t.ContentHash, &metadata,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Examples = unmarshalStrings(examples)
	t.Metadata = unmarshalMap(metadata)
	t.Active = active == 1
	return &t, nil
}
