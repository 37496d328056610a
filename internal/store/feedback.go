package store

import (
	"database/sql"
	"strings"

	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const feedbackColumns = "id, text_hash, text_excerpt, predicted, actual, method, confidence, correct, created_at"

// AppendFeedback records one classification outcome. The text itself is
// not stored, only its hash and a short excerpt for debugging.
func (s *Store) AppendFeedback(f *Feedback) (*Feedback, error) {
	if strings.TrimSpace(f.TextHash) == "" {
		return nil, memerr.Validation("textHash is required")
	}
	if err := validate.Required("predicted", f.Predicted); err != nil {
		return nil, err
	}
	if err := validate.Required("actual", f.Actual); err != nil {
		return nil, err
	}
	if err := validate.Range("confidence", f.Confidence, 0, 1); err != nil {
		return nil, err
	}
	f.TextExcerpt = trimExcerpt(f.TextExcerpt, 200)
	f.Correct = f.Predicted == f.Actual
	f.CreatedAt = nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO classification_feedback (text_hash, text_excerpt, predicted, actual, method, confidence, correct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TextHash, f.TextExcerpt, f.Predicted, f.Actual, f.Method, f.Confidence,
		boolToInt(f.Correct), f.CreatedAt)
	if err != nil {
		return nil, memerr.Internal("append feedback", err)
	}
	f.ID, _ = res.LastInsertId()
	return f, nil
}

// FeedbackByHash returns the feedback history of one text, newest first.
func (s *Store) FeedbackByHash(textHash string, limit int) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+feedbackColumns+" FROM classification_feedback WHERE text_hash = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		textHash, validate.LimitOrDefault(limit, 20, 200))
	if err != nil {
		return nil, memerr.Internal("feedback by hash", err)
	}
	defer rows.Close()
	return collectFeedback(rows)
}

// RecentFeedback returns the latest feedback rows across all texts.
func (s *Store) RecentFeedback(limit int) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+feedbackColumns+" FROM classification_feedback ORDER BY created_at DESC, id DESC LIMIT ?",
		validate.LimitOrDefault(limit, 50, 500))
	if err != nil {
		return nil, memerr.Internal("recent feedback", err)
	}
	defer rows.Close()
	return collectFeedback(rows)
}

func collectFeedback(rows *sql.Rows) ([]*Feedback, error) {
	var out []*Feedback
	for rows.Next() {
		var f Feedback
		var correct int
		if err := rows.Scan(&f.ID, &f.TextHash, &f.TextExcerpt, &f.Predicted, &f.Actual,
			&f.Method, &f.Confidence, &correct, &f.CreatedAt); err != nil {
			return nil, memerr.Internal("scan feedback", err)
		}
		f.Correct = correct == 1
		out = append(out, &f)
	}
	return out, rows.Err()
}

// FeedbackAccuracy reports total and correct counts, optionally since a
// timestamp (zero means all time).
func (s *Store) FeedbackAccuracy(since int64) (total, correct int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(correct), 0)
		FROM classification_feedback WHERE created_at >= ?`, since)
	if err := row.Scan(&total, &correct); err != nil {
		return 0, 0, memerr.Internal("feedback accuracy", err)
	}
	return total, correct, nil
}

// GetPatternConfidence returns the learned state for one pattern, or
// NotFound when the pattern has never received feedback.
func (s *Store) GetPatternConfidence(patternID string) (*PatternConfidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patternConfidenceLocked(patternID)
}

func (s *Store) patternConfidenceLocked(patternID string) (*PatternConfidence, error) {
	row := s.db.QueryRow(`
		SELECT pattern_id, pattern_type, base_weight, total_matches, correct_matches,
		       incorrect_matches, multiplier, updated_at
		FROM pattern_confidence WHERE pattern_id = ?`, patternID)
	var pc PatternConfidence
	err := row.Scan(&pc.PatternID, &pc.PatternType, &pc.BaseWeight, &pc.TotalMatches,
		&pc.CorrectMatches, &pc.IncorrectMatches, &pc.Multiplier, &pc.UpdatedAt)
	if err != nil {
		return nil, mapSQLError(err, "pattern", patternID)
	}
	return &pc, nil
}

// UpsertPatternConfidence stores the full learned state for one pattern.
// The classifier computes the multiplier; the store only persists it.
func (s *Store) UpsertPatternConfidence(pc *PatternConfidence) error {
	if strings.TrimSpace(pc.PatternID) == "" {
		return memerr.Validation("patternId is required")
	}
	pc.UpdatedAt = nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pattern_confidence (pattern_id, pattern_type, base_weight, total_matches,
			correct_matches, incorrect_matches, multiplier, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			pattern_type = excluded.pattern_type,
			base_weight = excluded.base_weight,
			total_matches = excluded.total_matches,
			correct_matches = excluded.correct_matches,
			incorrect_matches = excluded.incorrect_matches,
			multiplier = excluded.multiplier,
			updated_at = excluded.updated_at`,
		pc.PatternID, pc.PatternType, pc.BaseWeight, pc.TotalMatches,
		pc.CorrectMatches, pc.IncorrectMatches, pc.Multiplier, pc.UpdatedAt)
	if err != nil {
		return memerr.Internal("upsert pattern confidence", err)
	}
	return nil
}

// ListPatternConfidence returns all learned pattern states, most
// recently adjusted first.
func (s *Store) ListPatternConfidence(limit int) ([]*PatternConfidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT pattern_id, pattern_type, base_weight, total_matches, correct_matches,
		       incorrect_matches, multiplier, updated_at
		FROM pattern_confidence ORDER BY updated_at DESC, pattern_id ASC LIMIT ?`,
		validate.LimitOrDefault(limit, 100, 1000))
	if err != nil {
		return nil, memerr.Internal("list pattern confidence", err)
	}
	defer rows.Close()

	var out []*PatternConfidence
	for rows.Next() {
		var pc PatternConfidence
		if err := rows.Scan(&pc.PatternID, &pc.PatternType, &pc.BaseWeight, &pc.TotalMatches,
			&pc.CorrectMatches, &pc.IncorrectMatches, &pc.Multiplier, &pc.UpdatedAt); err != nil {
			return nil, memerr.Internal("scan pattern confidence", err)
		}
		out = append(out, &pc)
	}
	return out, rows.Err()
}

// AuditTrail returns recent audit rows, newest first, optionally
// filtered to one entry.
func (s *Store) AuditTrail(entryKind, entryID string, limit int) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, event, entry_kind, entry_id, actor, details, created_at FROM audit_log"
	var args []any
	if entryKind != "" && entryID != "" {
		query += " WHERE entry_kind = ? AND entry_id = ?"
		args = append(args, entryKind, entryID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, validate.LimitOrDefault(limit, 50, 500))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("audit trail", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		var details string
		if err := rows.Scan(&r.ID, &r.Event, &r.EntryKind, &r.EntryID, &r.Actor, &details, &r.CreatedAt); err != nil {
			return nil, memerr.Internal("scan audit record", err)
		}
		r.Details = unmarshalMap(details)
		out = append(out, &r)
	}
	return out, rows.Err()
}
