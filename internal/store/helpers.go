package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// trimExcerpt shortens text for audit payloads and feedback rows.
func trimExcerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

// ContentHash fingerprints an entry's identifying text for duplicate
// detection. Parts are joined with "::" so ("a","bc") and ("ab","c")
// hash differently.
func ContentHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "::")))
	return hex.EncodeToString(h[:])
}

// marshalMap renders metadata for TEXT columns. nil becomes "{}" so the
// column never holds SQL NULL.
func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func marshalStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	if len(s) == 0 {
		return nil
	}
	return s
}

// mapSQLError translates driver errors into the service error taxonomy.
// kind/ref feed NotFound; name feeds the unique-constraint message.
func mapSQLError(err error, kind, ref string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return memerr.NotFound(kind, ref)
	}
	if isUniqueViolation(err) {
		return memerr.UniqueConstraint(kind + " " + ref + " already exists in this scope")
	}
	return memerr.Internal(kind+" query", err)
}

// isUniqueViolation matches both the mattn and modernc error texts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// scopeFilter builds a WHERE fragment matching any of the given scopes.
// An empty slice matches everything.
func scopeFilter(scopes []Scope) (string, []any) {
	if len(scopes) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(scopes))
	args := make([]any, 0, len(scopes)*2)
	for _, sc := range scopes {
		if sc.Type == ScopeGlobal {
			parts = append(parts, "(scope = ?)")
			args = append(args, ScopeGlobal)
			continue
		}
		parts = append(parts, "(scope = ? AND scope_id = ?)")
		args = append(args, sc.Type, sc.ID)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// tagFilter builds an EXISTS fragment requiring every tag in tags to be
// attached to the row identified by kind and the id column expression.
func tagFilter(kind string, tags []string) (string, []any) {
	if len(tags) == 0 {
		return "", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	clause := `(
		SELECT COUNT(DISTINCT t.name) FROM entry_tags et
		JOIN tags t ON t.id = et.tag_id
		WHERE et.entry_kind = '` + kind + `' AND et.entry_id = id AND t.name IN (` + placeholders + `)
	) = ?`
	args := make([]any, 0, len(tags)+1)
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, len(tags))
	return clause, args
}

// auditTx appends an audit row inside the caller's transaction. Audit is
// best-effort: failures are logged, never propagated, so the primary
// write still commits.
func auditTx(tx *sql.Tx, event, kind, id, actor string, details map[string]any) {
	if actor == "" {
		return
	}
	_, err := tx.Exec(`
		INSERT INTO audit_log (event, entry_kind, entry_id, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event, kind, id, actor, marshalMap(details), nowMillis())
	if err != nil {
		logging.StoreWarn("audit append failed for %s: %v", event, err)
	}
}
