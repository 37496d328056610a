package store

import (
	"database/sql"
	"strings"

	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

// getOrCreateTagTx resolves a normalized tag name to its id, creating the
// row on first use. Idempotent under concurrent create thanks to the
// UNIQUE(name) upsert.
func getOrCreateTagTx(tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.Exec(`
		INSERT INTO tags (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`, name, nowMillis()); err != nil {
		return 0, memerr.Internal("create tag", err)
	}
	var id int64
	if err := tx.QueryRow("SELECT id FROM tags WHERE name = ?", name).Scan(&id); err != nil {
		return 0, memerr.Internal("resolve tag", err)
	}
	return id, nil
}

// AttachTags adds tags to an entry, creating tag rows as needed.
// Attaching an already-attached tag is a no-op, not an error.
func (s *Store) AttachTags(kind, id string, tags []string, actor string) ([]string, error) {
	if !ValidEntryKind(kind) {
		return nil, memerr.Validationf("unknown entry kind %q", kind)
	}
	normalized, err := validate.NormalizeTags(tags, s.limits.TagsMaxCount)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, memerr.Validation("at least one tag is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.entryExistsLocked(kind, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, memerr.NotFound(kind, id)
	}

	// Enforce the per-entry cap against the combined set.
	current, err := s.loadTags(kind, id)
	if err != nil {
		return nil, err
	}
	combined := map[string]bool{}
	for _, t := range current {
		combined[t] = true
	}
	for _, t := range normalized {
		combined[t] = true
	}
	if len(combined) > s.limits.TagsMaxCount {
		return nil, memerr.SizeLimit("tags", s.limits.TagsMaxCount, len(combined), "items")
	}

	err = s.withTx(func(tx *sql.Tx) error {
		for _, name := range normalized {
			tagID, err := getOrCreateTagTx(tx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO entry_tags (entry_kind, entry_id, tag_id, created_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(entry_kind, entry_id, tag_id) DO NOTHING`,
				kind, id, tagID, nowMillis()); err != nil {
				return memerr.Internal("attach tag", err)
			}
		}
		if err := s.refreshFTSTagsTx(tx, kind, id); err != nil {
			return err
		}
		auditTx(tx, "tags_attached", kind, id, actor, map[string]any{"tags": strings.Join(normalized, ",")})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadTags(kind, id)
}

// DetachTags removes tags from an entry. Detaching an absent tag is a
// no-op. Orphaned tag rows are left in place; they are harmless and keep
// their ids stable.
func (s *Store) DetachTags(kind, id string, tags []string, actor string) ([]string, error) {
	if !ValidEntryKind(kind) {
		return nil, memerr.Validationf("unknown entry kind %q", kind)
	}
	normalized, err := validate.NormalizeTags(tags, s.limits.TagsMaxCount)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, memerr.Validation("at least one tag is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.entryExistsLocked(kind, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, memerr.NotFound(kind, id)
	}

	err = s.withTx(func(tx *sql.Tx) error {
		for _, name := range normalized {
			if _, err := tx.Exec(`
				DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?
				AND tag_id = (SELECT id FROM tags WHERE name = ?)`,
				kind, id, name); err != nil {
				return memerr.Internal("detach tag", err)
			}
		}
		if err := s.refreshFTSTagsTx(tx, kind, id); err != nil {
			return err
		}
		auditTx(tx, "tags_detached", kind, id, actor, map[string]any{"tags": strings.Join(normalized, ",")})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadTags(kind, id)
}

// refreshFTSTagsTx rewrites the tags column of an entry's FTS row after a
// tag change, leaving name/content untouched.
func (s *Store) refreshFTSTagsTx(tx *sql.Tx, kind, id string) error {
	var name, content string
	err := tx.QueryRow(
		"SELECT name, content FROM entries_fts WHERE kind = ? AND entry_id = ?", kind, id).
		Scan(&name, &content)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return memerr.Internal("read fts row", err)
	}

	rows, err := tx.Query(`
		SELECT t.name FROM entry_tags et JOIN tags t ON t.id = et.tag_id
		WHERE et.entry_kind = ? AND et.entry_id = ? ORDER BY t.name`, kind, id)
	if err != nil {
		return memerr.Internal("load tags", err)
	}
	var tags []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return memerr.Internal("scan tag", err)
		}
		tags = append(tags, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return memerr.Internal("iterate tags", err)
	}
	return upsertFTS(tx, kind, id, name, content, tags)
}

// ListTags returns all known tags with their usage counts, most used
// first.
func (s *Store) ListTags(limit int) ([]TagCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = validate.LimitOrDefault(limit, 100, 500)
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.created_at, COUNT(et.tag_id) AS uses
		FROM tags t LEFT JOIN entry_tags et ON et.tag_id = t.id
		GROUP BY t.id ORDER BY uses DESC, t.name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, memerr.Internal("list tags", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.CreatedAt, &tc.Uses); err != nil {
			return nil, memerr.Internal("scan tag count", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TagCount pairs a tag with how many entries carry it.
type TagCount struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	Uses      int64  `json:"uses"`
}

// EntriesByTag lists entry refs carrying a tag, newest attachment first.
func (s *Store) EntriesByTag(tag string, limit int) ([]EntryRef, error) {
	name := strings.ToLower(strings.TrimSpace(tag))
	if name == "" {
		return nil, memerr.Validation("tag is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = validate.LimitOrDefault(limit, 50, 200)
	rows, err := s.db.Query(`
		SELECT et.entry_kind, et.entry_id FROM entry_tags et
		JOIN tags t ON t.id = et.tag_id
		WHERE t.name = ? ORDER BY et.created_at DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, memerr.Internal("entries by tag", err)
	}
	defer rows.Close()

	var out []EntryRef
	for rows.Next() {
		var ref EntryRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, memerr.Internal("scan entry ref", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
