package store

import (
	"database/sql"

	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

// AddRelation creates a typed edge between two entries. Both endpoints
// must exist; duplicate edges are idempotent and return the existing one.
func (s *Store) AddRelation(r *Relation, actor string) (*Relation, error) {
	if !ValidEntryKind(r.FromKind) {
		return nil, memerr.Validationf("unknown entry kind %q", r.FromKind)
	}
	if !ValidEntryKind(r.ToKind) {
		return nil, memerr.Validationf("unknown entry kind %q", r.ToKind)
	}
	if !ValidRelation(r.Relation) {
		return nil, memerr.Validationf(
			"relation must be one of related_to|derived_from|supersedes|caused_by|part_of, got %q", r.Relation)
	}
	if r.FromKind == r.ToKind && r.FromID == r.ToID {
		return nil, memerr.Validation("an entry cannot relate to itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, end := range []struct{ kind, id string }{
		{r.FromKind, r.FromID}, {r.ToKind, r.ToID},
	} {
		exists, err := s.entryExistsLocked(end.kind, end.id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, memerr.NotFound(end.kind, end.id)
		}
	}

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO entry_relations (from_kind, from_id, relation, to_kind, to_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_kind, from_id, relation, to_kind, to_id) DO NOTHING`,
			r.FromKind, r.FromID, r.Relation, r.ToKind, r.ToID, nowMillis())
		if err != nil {
			return memerr.Internal("insert relation", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			auditTx(tx, "related", r.FromKind, r.FromID, actor, map[string]any{
				"relation": r.Relation, "to": r.ToKind + ":" + r.ToID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
		SELECT id, from_kind, from_id, relation, to_kind, to_id, created_at
		FROM entry_relations
		WHERE from_kind = ? AND from_id = ? AND relation = ? AND to_kind = ? AND to_id = ?`,
		r.FromKind, r.FromID, r.Relation, r.ToKind, r.ToID)
	return scanRelation(row)
}

// DeleteRelation removes one edge by id.
func (s *Store) DeleteRelation(id int64, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM entry_relations WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete relation", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound("relation", "")
		}
		auditTx(tx, "unrelated", "relation", "", actor, map[string]any{"id": id})
		return nil
	})
}

// ListRelations returns edges touching an entry in either direction.
func (s *Store) ListRelations(kind, id string, limit int) ([]*Relation, error) {
	if !ValidEntryKind(kind) {
		return nil, memerr.Validationf("unknown entry kind %q", kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = validate.LimitOrDefault(limit, 50, 200)
	rows, err := s.db.Query(`
		SELECT id, from_kind, from_id, relation, to_kind, to_id, created_at
		FROM entry_relations
		WHERE (from_kind = ? AND from_id = ?) OR (to_kind = ? AND to_id = ?)
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		kind, id, kind, id, limit)
	if err != nil {
		return nil, memerr.Internal("list relations", err)
	}
	defer rows.Close()

	var out []*Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, memerr.Internal("scan relation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelatedEntry is one node reached by graph traversal.
type RelatedEntry struct {
	Ref      EntryRef `json:"ref"`
	Relation string   `json:"relation"`
	Depth    int      `json:"depth"`
}

// Traversal directions for Related. Empty means both.
const (
	DirectionOut  = "out"
	DirectionIn   = "in"
	DirectionBoth = "both"
)

// ValidDirection reports whether d names a traversal direction.
func ValidDirection(d string) bool {
	switch d {
	case "", DirectionOut, DirectionIn, DirectionBoth:
		return true
	}
	return false
}

// maxRelatedDepth caps BFS traversal regardless of what the caller asks for.
const maxRelatedDepth = 10

// Related walks the relation graph breadth-first from a starting entry up
// to maxDepth hops (clamped to 10). Direction restricts traversal to
// outgoing or incoming edges; empty or "both" follows either. The starting
// entry is not included. Traversal order is deterministic: edges sort by
// id within each frontier.
func (s *Store) Related(kind, id string, relation, direction string, maxDepth int) ([]RelatedEntry, error) {
	if !ValidEntryKind(kind) {
		return nil, memerr.Validationf("unknown entry kind %q", kind)
	}
	if relation != "" && !ValidRelation(relation) {
		return nil, memerr.Validationf("unknown relation %q", relation)
	}
	if !ValidDirection(direction) {
		return nil, memerr.Validationf("direction must be one of out|in|both, got %q", direction)
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > maxRelatedDepth {
		maxDepth = maxRelatedDepth
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := EntryRef{Kind: kind, ID: id}
	visited := map[EntryRef]bool{start: true}
	frontier := []EntryRef{start}
	var out []RelatedEntry

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []EntryRef
		for _, node := range frontier {
			neighbors, err := s.neighborsLocked(node, relation, direction)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n.Ref] {
					continue
				}
				visited[n.Ref] = true
				n.Depth = depth
				out = append(out, n)
				next = append(next, n.Ref)
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *Store) neighborsLocked(node EntryRef, relation, direction string) ([]RelatedEntry, error) {
	var cond string
	var args []any
	switch direction {
	case DirectionOut:
		cond = "(from_kind = ? AND from_id = ?)"
		args = []any{node.Kind, node.ID}
	case DirectionIn:
		cond = "(to_kind = ? AND to_id = ?)"
		args = []any{node.Kind, node.ID}
	default:
		cond = "((from_kind = ? AND from_id = ?) OR (to_kind = ? AND to_id = ?))"
		args = []any{node.Kind, node.ID, node.Kind, node.ID}
	}

	query := `
		SELECT from_kind, from_id, relation, to_kind, to_id
		FROM entry_relations
		WHERE ` + cond
	if relation != "" {
		query += " AND relation = ?"
		args = append(args, relation)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("load neighbors", err)
	}
	defer rows.Close()

	var out []RelatedEntry
	for rows.Next() {
		var fromKind, fromID, rel, toKind, toID string
		if err := rows.Scan(&fromKind, &fromID, &rel, &toKind, &toID); err != nil {
			return nil, memerr.Internal("scan neighbor", err)
		}
		other := EntryRef{Kind: toKind, ID: toID}
		if other.Kind == node.Kind && other.ID == node.ID {
			other = EntryRef{Kind: fromKind, ID: fromID}
		}
		out = append(out, RelatedEntry{Ref: other, Relation: rel})
	}
	return out, rows.Err()
}

func scanRelation(row rowScanner) (*Relation, error) {
	var r Relation
	if err := row.Scan(&r.ID, &r.FromKind, &r.FromID, &r.Relation, &r.ToKind, &r.ToID, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
