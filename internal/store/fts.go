package store

import (
	"database/sql"
	"regexp"
	"strings"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

// ftsToken matches the word characters we forward into MATCH queries.
// Everything else (quotes, parens, FTS operators) is dropped.
var ftsToken = regexp.MustCompile(`[A-Za-z0-9_]+`)

// stopWords never reach the keyword channel on their own; a query made
// entirely of these returns no keyword hits rather than matching the
// whole corpus.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "with": true, "you": true,
}

// ftsTokens extracts lowercase searchable tokens from raw user text,
// dropping stop words.
func ftsTokens(text string) []string {
	raw := ftsToken.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// sanitizeMatch builds a safe FTS5 MATCH expression: every token is
// double-quoted so user input can never inject NEAR/AND/column syntax.
// Returns "" when nothing searchable remains.
func sanitizeMatch(text string) string {
	tokens := ftsTokens(text)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " ")
}

// Searchable reports whether text still contains indexable tokens after
// stop-word removal. Queries failing this check would match nothing, so
// callers route them to the filter path instead.
func Searchable(text string) bool { return len(ftsTokens(text)) > 0 }

// ftsColumns are the searchable columns of entries_fts. Field filters
// outside this set are silently dropped.
var ftsColumns = map[string]bool{"name": true, "content": true, "tags": true}

// matchColumns normalizes a caller's field filter to known FTS columns.
// Nil means no restriction.
func matchColumns(fields []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if ftsColumns[f] && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// sanitizeMatchIn is sanitizeMatch with an optional column filter, e.g.
// {name tags}: ("token1" "token2").
func sanitizeMatchIn(text string, fields []string) string {
	match := sanitizeMatch(text)
	if match == "" {
		return ""
	}
	cols := matchColumns(fields)
	if len(cols) == 0 {
		return match
	}
	return "{" + strings.Join(cols, " ") + "}: (" + match + ")"
}

// upsertFTS replaces the search row for one entry inside the caller's
// transaction. FTS5 has no native upsert, so delete-then-insert.
func upsertFTS(tx *sql.Tx, kind, id, name, content string, tags []string) error {
	if _, err := tx.Exec("DELETE FROM entries_fts WHERE kind = ? AND entry_id = ?", kind, id); err != nil {
		return memerr.Internal("fts delete", err)
	}
	_, err := tx.Exec(
		"INSERT INTO entries_fts (kind, entry_id, name, content, tags) VALUES (?, ?, ?, ?, ?)",
		kind, id, name, content, strings.Join(tags, " "))
	if err != nil {
		return memerr.Internal("fts insert", err)
	}
	return nil
}

func deleteFTS(tx *sql.Tx, kind, id string) error {
	if _, err := tx.Exec("DELETE FROM entries_fts WHERE kind = ? AND entry_id = ?", kind, id); err != nil {
		return memerr.Internal("fts delete", err)
	}
	return nil
}

// SearchEntries runs the keyword channel: FTS5 MATCH with bm25 ranking,
// falling back to LIKE scans when the MATCH errors or (for fuzzy mode)
// returns nothing. Scores are normalized to (0, 1] with the best hit at 1.
func (s *Store) SearchEntries(text string, kinds []string, limit int, fuzzy bool) ([]SearchHit, error) {
	return s.SearchEntriesIn(text, kinds, nil, limit, fuzzy)
}

// SearchEntriesIn is SearchEntries restricted to the named FTS columns
// (name, content, tags). Unknown column names are dropped; an empty set
// searches every column.
func (s *Store) SearchEntriesIn(text string, kinds, fields []string, limit int, fuzzy bool) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	match := sanitizeMatchIn(text, fields)
	if match == "" {
		return nil, nil
	}

	hits, err := s.searchMatch(match, kinds, limit)
	if err != nil {
		logging.StoreWarn("fts match failed, falling back to LIKE: %v", err)
		return s.searchLike(text, kinds, fields, limit)
	}
	if len(hits) == 0 && fuzzy {
		return s.searchLike(text, kinds, fields, limit)
	}
	return hits, nil
}

// SearchEntriesLike bypasses FTS5 MATCH entirely and scans with LIKE.
// Callers reach for it when a request disables the FTS backend.
func (s *Store) SearchEntriesLike(text string, kinds, fields []string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	return s.searchLike(text, kinds, fields, limit)
}

func (s *Store) searchMatch(match string, kinds []string, limit int) ([]SearchHit, error) {
	// Column weights: name 5x, tags 3x, content 1x. kind/entry_id are
	// UNINDEXED and weighted zero.
	query := `
		SELECT kind, entry_id, name, snippet(entries_fts, 3, '[', ']', '…', 12),
		       bm25(entries_fts, 0.0, 0.0, 5.0, 1.0, 3.0) AS rank
		FROM entries_fts
		WHERE entries_fts MATCH ?`
	args := []any{match}

	if clause, kindArgs := kindFilter(kinds); clause != "" {
		query += " AND " + clause
		args = append(args, kindArgs...)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var rank float64
		if err := rows.Scan(&h.Kind, &h.ID, &h.Name, &h.Snippet, &rank); err != nil {
			return nil, err
		}
		h.Score = rank // normalized below
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	normalizeBM25(hits)
	return hits, nil
}

// normalizeBM25 maps raw bm25 ranks (negative, more negative = better)
// onto (0, 1] with the best hit scoring 1.
func normalizeBM25(hits []SearchHit) {
	if len(hits) == 0 {
		return
	}
	best := hits[0].Score
	for _, h := range hits {
		if h.Score < best {
			best = h.Score
		}
	}
	if best >= 0 {
		// Degenerate ranks (all zero) score equally.
		for i := range hits {
			hits[i].Score = 1
		}
		return
	}
	for i := range hits {
		hits[i].Score = hits[i].Score / best
	}
}

// searchLike is the fallback channel: substring scans over the FTS shadow
// content. Score is the fraction of query tokens present.
func (s *Store) searchLike(text string, kinds, fields []string, limit int) ([]SearchHit, error) {
	tokens := ftsTokens(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	cols := matchColumns(fields)
	if len(cols) == 0 {
		cols = []string{"name", "content"}
	}

	var sb strings.Builder
	sb.WriteString(`SELECT kind, entry_id, name, content, matched FROM (SELECT kind, entry_id, name, content, (`)
	args := make([]any, 0, len(tokens)*len(cols)+len(kinds)+1)
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteString(" + ")
		}
		sb.WriteString("(CASE WHEN ")
		for j, col := range cols {
			if j > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString(col + " LIKE ?")
			args = append(args, "%"+tok+"%")
		}
		sb.WriteString(" THEN 1 ELSE 0 END)")
	}
	sb.WriteString(`) AS matched FROM entries_fts`)
	if clause, kindArgs := kindFilter(kinds); clause != "" {
		sb.WriteString(" WHERE " + clause)
		args = append(args, kindArgs...)
	}
	sb.WriteString(") WHERE matched > 0 ORDER BY matched DESC, name ASC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, memerr.Internal("like search", err)
	}
	defer rows.Close()

	total := float64(len(tokens))
	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var content string
		var matched int
		if err := rows.Scan(&h.Kind, &h.ID, &h.Name, &content, &matched); err != nil {
			return nil, memerr.Internal("scan like hit", err)
		}
		h.Score = float64(matched) / total
		h.Snippet = excerpt(content, tokens[0], 96)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// excerpt returns up to width bytes around the first occurrence of token.
func excerpt(content, token string, width int) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, token)
	if idx < 0 {
		if len(content) > width {
			return content[:width] + "…"
		}
		return content
	}
	start := idx - width/4
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(content) {
		end = len(content)
	}
	out := content[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}

func kindFilter(kinds []string) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = k
	}
	return "kind IN (" + placeholders + ")", args
}
