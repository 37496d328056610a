package store

import (
	"database/sql"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const experienceColumns = `id, title, scenario, outcome, category, learnings, confidence,
	auto_detected, priority, scope, scope_id, active, content_hash, metadata,
	created_by, created_at, updated_at`

func (s *Store) validateExperience(e *Experience) error {
	if err := validate.RequiredField("title", e.Title, s.limits.TitleMax); err != nil {
		return err
	}
	if err := validate.RequiredField("scenario", e.Scenario, s.limits.ContentMax); err != nil {
		return err
	}
	outcome, err := validateOutcome(e.Outcome)
	if err != nil {
		return err
	}
	e.Outcome = outcome
	if err := validate.Field("category", e.Category, s.limits.NameMax); err != nil {
		return err
	}
	if err := validate.Field("learnings", e.Learnings, s.limits.ContentMax); err != nil {
		return err
	}
	if err := validate.Range("confidence", e.Confidence, 0, 1); err != nil {
		return err
	}
	if err := validate.Range("priority", float64(e.Priority), 0, 100); err != nil {
		return err
	}
	if _, err := validate.MetadataBytes(e.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	scope, err := validateScope(e.Scope)
	if err != nil {
		return err
	}
	e.Scope = scope
	tags, err := validate.NormalizeTags(e.Tags, s.limits.TagsMaxCount)
	if err != nil {
		return err
	}
	e.Tags = tags
	return nil
}

// CreateExperience validates, inserts, and indexes one experience.
func (s *Store) CreateExperience(e *Experience, actor string) (*Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateExperience(e); err != nil {
		return nil, err
	}
	fillExperienceDefaults(e, actor)

	err := s.withTx(func(tx *sql.Tx) error {
		return s.insertExperienceTx(tx, e, actor)
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindExperience, e.ID, experienceEmbedText(e))
	logging.StoreDebug("experience created: %s (%s, auto=%v)", e.Title, e.ID, e.AutoDetected)
	return e, nil
}

// BulkCreateExperiences inserts up to BulkOperationMax experiences
// atomically.
func (s *Store) BulkCreateExperiences(es []*Experience, actor string) ([]*Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(es) == 0 {
		return nil, memerr.Validation("bulk create requires at least one item")
	}
	if len(es) > s.limits.BulkOperationMax {
		return nil, memerr.SizeLimit("items", s.limits.BulkOperationMax, len(es), "items")
	}
	for _, e := range es {
		if err := s.validateExperience(e); err != nil {
			return nil, err
		}
		fillExperienceDefaults(e, actor)
	}

	err := s.withTx(func(tx *sql.Tx) error {
		for _, e := range es {
			if err := s.insertExperienceTx(tx, e, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		s.scheduleEmbed(KindExperience, e.ID, experienceEmbedText(e))
	}
	logging.Store("bulk created %d experiences", len(es))
	return es, nil
}

func fillExperienceDefaults(e *Experience, actor string) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Confidence == 0 {
		e.Confidence = 0.8
	}
	if e.CreatedBy == "" {
		e.CreatedBy = actor
	}
	now := nowMillis()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Active = true
	e.ContentHash = ContentHash(e.Title, e.Scenario)
}

func (s *Store) insertExperienceTx(tx *sql.Tx, e *Experience, actor string) error {
	_, err := tx.Exec(`
		INSERT INTO experiences (`+experienceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Scenario, e.Outcome, e.Category, e.Learnings, e.Confidence,
		boolToInt(e.AutoDetected), e.Priority, e.Scope.Type, e.Scope.ID, boolToInt(e.Active),
		e.ContentHash, marshalMap(e.Metadata), e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return mapSQLError(err, KindExperience, e.Title)
	}
	if err := s.replaceTagsTx(tx, KindExperience, e.ID, e.Tags); err != nil {
		return err
	}
	if err := upsertFTS(tx, KindExperience, e.ID, e.Title, ftsExperienceContent(e), e.Tags); err != nil {
		return err
	}
	auditTx(tx, "created", KindExperience, e.ID, actor, map[string]any{
		"title": e.Title, "outcome": e.Outcome, "auto": e.AutoDetected,
	})
	return nil
}

// GetExperience loads one experience by id.
func (s *Store) GetExperience(id string) (*Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+experienceColumns+" FROM experiences WHERE id = ?", id)
	e, err := scanExperience(row)
	if err != nil {
		return nil, mapSQLError(err, KindExperience, id)
	}
	e.Tags, err = s.loadTags(KindExperience, e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetExperienceByTitle resolves by the scoped unique title. The capture
// duplicate check rides on this.
func (s *Store) GetExperienceByTitle(title string, scope Scope) (*Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, err := validateScope(scope)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		"SELECT "+experienceColumns+" FROM experiences WHERE title = ? AND scope = ? AND scope_id = ?",
		title, scope.Type, scope.ID)
	e, err := scanExperience(row)
	if err != nil {
		return nil, mapSQLError(err, KindExperience, title)
	}
	e.Tags, err = s.loadTags(KindExperience, e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExperiences returns experiences matching the filter. Outcome
// filtering matches the base status, with or without a qualifier.
func (s *Store) ListExperiences(f EntryFilter) ([]*Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildEntryWhere(f, KindExperience)
	var extra []string
	if f.Outcome != "" {
		extra = append(extra, "(outcome = ? OR outcome LIKE ?)")
		args = append(args, f.Outcome, f.Outcome+" - %")
	}
	if f.AutoDetected != nil {
		extra = append(extra, "auto_detected = ?")
		args = append(args, boolToInt(*f.AutoDetected))
	}
	for _, clause := range extra {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}

	query := "SELECT " + experienceColumns + " FROM experiences" + where +
		" ORDER BY priority DESC, updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, 200),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list experiences", err)
	}
	defer rows.Close()

	var out []*Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, memerr.Internal("scan experience", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Internal("iterate experiences", err)
	}
	for _, e := range out {
		if e.Tags, err = s.loadTags(KindExperience, e.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExperienceUpdate patches selected fields; nil means keep.
type ExperienceUpdate struct {
	Title      *string
	Scenario   *string
	Outcome    *string
	Category   *string
	Learnings  *string
	Confidence *float64
	Priority   *int
	Metadata   *map[string]any
	Tags       *[]string
}

// UpdateExperience applies a patch and refreshes the indexes.
func (s *Store) UpdateExperience(id string, upd ExperienceUpdate, actor string) (*Experience, error) {
	e, err := s.GetExperience(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.Title != nil {
		e.Title = *upd.Title
	}
	if upd.Scenario != nil {
		e.Scenario = *upd.Scenario
	}
	if upd.Outcome != nil {
		e.Outcome = *upd.Outcome
	}
	if upd.Category != nil {
		e.Category = *upd.Category
	}
	if upd.Learnings != nil {
		e.Learnings = *upd.Learnings
	}
	if upd.Confidence != nil {
		e.Confidence = *upd.Confidence
	}
	if upd.Priority != nil {
		e.Priority = *upd.Priority
	}
	if upd.Metadata != nil {
		e.Metadata = *upd.Metadata
	}
	if upd.Tags != nil {
		e.Tags = *upd.Tags
	}
	if err := s.validateExperience(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = nowMillis()
	e.ContentHash = ContentHash(e.Title, e.Scenario)

	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE experiences SET title = ?, scenario = ?, outcome = ?, category = ?,
				learnings = ?, confidence = ?, priority = ?, scope = ?, scope_id = ?,
				content_hash = ?, metadata = ?, updated_at = ?
			WHERE id = ?`,
			e.Title, e.Scenario, e.Outcome, e.Category, e.Learnings, e.Confidence,
			e.Priority, e.Scope.Type, e.Scope.ID, e.ContentHash, marshalMap(e.Metadata),
			e.UpdatedAt, e.ID)
		if err != nil {
			return mapSQLError(err, KindExperience, e.Title)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindExperience, id)
		}
		if err := s.replaceTagsTx(tx, KindExperience, e.ID, e.Tags); err != nil {
			return err
		}
		if err := upsertFTS(tx, KindExperience, e.ID, e.Title, ftsExperienceContent(e), e.Tags); err != nil {
			return err
		}
		auditTx(tx, "updated", KindExperience, e.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbed(KindExperience, e.ID, experienceEmbedText(e))
	return e, nil
}

// SetExperienceActive soft-deletes or restores an experience.
func (s *Store) SetExperienceActive(id string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE experiences SET active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), nowMillis(), id)
		if err != nil {
			return memerr.Internal("set experience active", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindExperience, id)
		}
		event := "deactivated"
		if active {
			event = "activated"
		}
		auditTx(tx, event, KindExperience, id, actor, nil)
		return nil
	})
}

// DeleteExperience removes the row and its index entries.
func (s *Store) DeleteExperience(id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM experiences WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete experience", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound(KindExperience, id)
		}
		if _, err := tx.Exec("DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?", KindExperience, id); err != nil {
			return memerr.Internal("delete entry tags", err)
		}
		if err := deleteFTS(tx, KindExperience, id); err != nil {
			return err
		}
		auditTx(tx, "deleted", KindExperience, id, actor, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.deleteEmbeddingLocked(KindExperience, id); err != nil {
		logging.StoreWarn("delete embedding for experience %s: %v", id, err)
	}
	return nil
}

func experienceEmbedText(e *Experience) string { return e.Title + ". " + e.Scenario }

func ftsExperienceContent(e *Experience) string {
	if e.Learnings == "" {
		return e.Scenario
	}
	return e.Scenario + "\n" + e.Learnings
}

func scanExperience(row rowScanner) (*Experience, error) {
	var e Experience
	var metadata string
	var active, auto int
	err := row.Scan(&e.ID, &e.Title, &e.Scenario, &e.Outcome, &e.Category, &e.Learnings, &e.Confidence,
		&auto, &e.Priority, &e.Scope.Type, &e.Scope.ID, &active, &e.ContentHash, &metadata,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Metadata = unmarshalMap(metadata)
	e.Active = active == 1
	e.AutoDetected = auto == 1
	return &e, nil
}
