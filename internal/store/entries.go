package store

import (
	"database/sql"
	"strings"

	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

// EntryFilter narrows List operations. Zero fields are ignored; fields
// that only apply to one kind (AtTime, Outcome, AutoDetected) are ignored
// by the others.
type EntryFilter struct {
	Scopes          []Scope
	Category        string
	Tags            []string // all-of
	MinPriority     int
	IncludeInactive bool
	CreatedAfter    int64
	CreatedBefore   int64

	// Knowledge only: entry must be temporally valid at this instant.
	AtTime int64

	// Experience only.
	Outcome      string
	AutoDetected *bool

	Limit  int
	Offset int
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// validateScope normalizes and checks a scope. Global scopes drop their
// id; narrower scopes require one.
func validateScope(sc Scope) (Scope, error) {
	if sc.Type == "" {
		sc.Type = ScopeGlobal
	}
	if !ValidScopeType(sc.Type) {
		return sc, memerr.Validationf("scope must be one of global|org|project|session, got %q", sc.Type)
	}
	if sc.Type == ScopeGlobal {
		sc.ID = ""
		return sc, nil
	}
	sc.ID = strings.TrimSpace(sc.ID)
	if sc.ID == "" {
		return sc, memerr.Validationf("%s scope requires a scope id", sc.Type)
	}
	return sc, nil
}

// validateOutcome checks the "status - qualifier" outcome form used by
// experiences. An empty outcome defaults to success.
func validateOutcome(outcome string) (string, error) {
	if strings.TrimSpace(outcome) == "" {
		return "success", nil
	}
	base := outcome
	if idx := strings.Index(outcome, " - "); idx >= 0 {
		base = outcome[:idx]
	}
	if err := validate.Enum("outcome", strings.TrimSpace(base),
		[]string{"success", "partial", "failure", "abandoned"}); err != nil {
		return "", err
	}
	return outcome, nil
}

// buildEntryWhere assembles the common WHERE clauses for entry Lists.
// tagsKind must name the entry table's kind for the tag subquery.
func buildEntryWhere(f EntryFilter, tagsKind string) (string, []any) {
	var clauses []string
	var args []any

	if !f.IncludeInactive {
		clauses = append(clauses, "active = 1")
	}
	if clause, scopeArgs := scopeFilter(f.Scopes); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, scopeArgs...)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.MinPriority > 0 {
		clauses = append(clauses, "priority >= ?")
		args = append(args, f.MinPriority)
	}
	if f.CreatedAfter > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore > 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore)
	}
	if len(f.Tags) > 0 {
		clause, tagArgs := tagFilter(tagsKind, f.Tags)
		clauses = append(clauses, clause)
		args = append(args, tagArgs...)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// loadTags fetches the tag names attached to one entry.
func (s *Store) loadTags(kind, id string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT t.name FROM entry_tags et
		JOIN tags t ON t.id = et.tag_id
		WHERE et.entry_kind = ? AND et.entry_id = ?
		ORDER BY t.name`, kind, id)
	if err != nil {
		return nil, memerr.Internal("load tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, memerr.Internal("scan tag", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// replaceTagsTx rewrites the tag set of one entry inside a transaction.
// Tags must already be normalized.
func (s *Store) replaceTagsTx(tx *sql.Tx, kind, id string, tags []string) error {
	if _, err := tx.Exec("DELETE FROM entry_tags WHERE entry_kind = ? AND entry_id = ?", kind, id); err != nil {
		return memerr.Internal("clear tags", err)
	}
	for _, name := range tags {
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
	return nil
}

// EntryExists reports whether kind/id names a live row in its table.
func (s *Store) EntryExists(kind, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryExistsLocked(kind, id)
}

func (s *Store) entryExistsLocked(kind, id string) (bool, error) {
	table, err := entryTable(kind)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRow("SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	switch err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, memerr.Internal("entry exists", err)
	}
}

func entryTable(kind string) (string, error) {
	switch kind {
	case KindGuideline:
		return "guidelines", nil
	case KindKnowledge:
		return "knowledge", nil
	case KindTool:
		return "tools", nil
	case KindExperience:
		return "experiences", nil
	}
	return "", memerr.Validationf("unknown entry kind %q", kind)
}

// FindByContentHash resolves a live entry in the given scope whose stored
// content hash matches. Returns an empty id when nothing matches.
func (s *Store) FindByContentHash(kind, hash string, scope Scope) (string, error) {
	table, err := entryTable(kind)
	if err != nil {
		return "", err
	}
	scope, err = validateScope(scope)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id FROM " + table + " WHERE content_hash = ? AND active = 1"
	args := []any{hash}
	if clause, scopeArgs := scopeFilter([]Scope{scope}); clause != "" {
		query += " AND " + clause
		args = append(args, scopeArgs...)
	}
	var id string
	err = s.db.QueryRow(query+" LIMIT 1", args...).Scan(&id)
	switch err {
	case nil:
		return id, nil
	case sql.ErrNoRows:
		return "", nil
	default:
		return "", memerr.Internal("find by content hash", err)
	}
}

// EntryName resolves the display name (name or title) for a kind/id pair.
func (s *Store) EntryName(kind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch kind {
	case KindGuideline:
		query = "SELECT name FROM guidelines WHERE id = ?"
	case KindKnowledge:
		query = "SELECT title FROM knowledge WHERE id = ?"
	case KindTool:
		query = "SELECT name FROM tools WHERE id = ?"
	case KindExperience:
		query = "SELECT title FROM experiences WHERE id = ?"
	default:
		return "", memerr.Validationf("unknown entry kind %q", kind)
	}
	var name string
	if err := s.db.QueryRow(query, id).Scan(&name); err != nil {
		return "", mapSQLError(err, kind, id)
	}
	return name, nil
}
