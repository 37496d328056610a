package store

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const episodeColumns = `id, session_id, title, description, status, outcome, metadata,
	active, created_by, started_at, completed_at, created_at, updated_at`

// episodeTransitions is the state machine: which statuses each current
// status may move to.
var episodeTransitions = map[string][]string{
	EpisodePlanned: {EpisodeActive, EpisodeCancelled},
	EpisodeActive:  {EpisodeCompleted, EpisodeFailed, EpisodeCancelled},
}

func (s *Store) validateEpisode(e *Episode) error {
	if err := validate.RequiredField("title", e.Title, s.limits.TitleMax); err != nil {
		return err
	}
	if err := validate.Field("description", e.Description, s.limits.ContentMax); err != nil {
		return err
	}
	if _, err := validate.MetadataBytes(e.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	return nil
}

// AddEpisode records a planned episode without starting it.
func (s *Store) AddEpisode(e *Episode, actor string) (*Episode, error) {
	if err := s.validateEpisode(e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fillEpisodeDefaults(e, actor)
	e.Status = EpisodePlanned

	err := s.withTx(func(tx *sql.Tx) error {
		return insertEpisodeTx(tx, e, actor)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// BeginEpisode creates an episode already active, with its "started"
// event. Fails when the session already has an active episode.
func (s *Store) BeginEpisode(e *Episode, actor string) (*Episode, error) {
	if err := s.validateEpisode(e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fillEpisodeDefaults(e, actor)
	e.Status = EpisodeActive
	e.StartedAt = e.CreatedAt

	err := s.withTx(func(tx *sql.Tx) error {
		if err := insertEpisodeTx(tx, e, actor); err != nil {
			return err
		}
		return appendEventTx(tx, e.ID, EventStarted, "episode started", nil)
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("episode begun: %s (%s)", e.Title, e.ID)
	return e, nil
}

// LogEpisode records an already-finished unit of work in one shot. The
// episode is inserted terminal with its started and completed events,
// so it never collides with the session's active episode.
func (s *Store) LogEpisode(e *Episode, outcome string, actor string) (*Episode, error) {
	if err := s.validateEpisode(e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fillEpisodeDefaults(e, actor)
	e.Status = EpisodeCompleted
	e.StartedAt = e.CreatedAt
	e.CompletedAt = e.CreatedAt
	if outcome != "" {
		e.Outcome = outcome
	}

	err := s.withTx(func(tx *sql.Tx) error {
		if err := insertEpisodeTx(tx, e, actor); err != nil {
			return err
		}
		if err := appendEventTx(tx, e.ID, EventStarted, "episode started", nil); err != nil {
			return err
		}
		return appendEventTx(tx, e.ID, EventCompleted, "episode completed", nil)
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("episode logged: %s (%s)", e.Title, e.ID)
	return e, nil
}

func fillEpisodeDefaults(e *Episode, actor string) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedBy == "" {
		e.CreatedBy = actor
	}
	now := nowMillis()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Active = true
}

func insertEpisodeTx(tx *sql.Tx, e *Episode, actor string) error {
	_, err := tx.Exec(`
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Title, e.Description, e.Status, e.Outcome,
		marshalMap(e.Metadata), boolToInt(e.Active), e.CreatedBy,
		e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return memerr.UniqueConstraint("session " + e.SessionID + " already has an active episode")
		}
		return memerr.Internal("insert episode", err)
	}
	auditTx(tx, "episode_"+e.Status, "episode", e.ID, actor, map[string]any{"title": e.Title})
	return nil
}

// GetEpisode loads one episode by id.
func (s *Store) GetEpisode(id string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEpisodeLocked(id)
}

func (s *Store) getEpisodeLocked(id string) (*Episode, error) {
	row := s.db.QueryRow("SELECT "+episodeColumns+" FROM episodes WHERE id = ?", id)
	e, err := scanEpisode(row)
	if err != nil {
		return nil, mapSQLError(err, "episode", id)
	}
	return e, nil
}

// ActiveEpisode returns the session's single active episode, or NotFound.
func (s *Store) ActiveEpisode(sessionID string) (*Episode, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, memerr.Validation("sessionId is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+episodeColumns+" FROM episodes WHERE session_id = ? AND status = ?",
		sessionID, EpisodeActive)
	e, err := scanEpisode(row)
	if err != nil {
		return nil, mapSQLError(err, "episode", "active in session "+sessionID)
	}
	return e, nil
}

// ResolveEpisode applies the lookup fallback chain: explicit id, then
// title within the session, then the session's active episode.
func (s *Store) ResolveEpisode(id, title, sessionID string) (*Episode, error) {
	if id != "" {
		return s.GetEpisode(id)
	}
	if title != "" && sessionID != "" {
		s.mu.RLock()
		row := s.db.QueryRow(
			"SELECT "+episodeColumns+` FROM episodes WHERE title = ? AND session_id = ?
			 ORDER BY created_at DESC LIMIT 1`, title, sessionID)
		e, err := scanEpisode(row)
		s.mu.RUnlock()
		if err == nil {
			return e, nil
		}
		if err != sql.ErrNoRows {
			return nil, mapSQLError(err, "episode", title)
		}
		// Fall through to the active episode.
	}
	if sessionID != "" {
		return s.ActiveEpisode(sessionID)
	}
	return nil, memerr.Validation("episode id, title+sessionId, or sessionId is required")
}

// EpisodeFilter narrows ListEpisodes.
type EpisodeFilter struct {
	SessionID       string
	Status          string
	IncludeInactive bool
	Limit           int
	Offset          int
}

// ListEpisodes returns episodes newest first.
func (s *Store) ListEpisodes(f EpisodeFilter) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clauses []string
	var args []any
	if !f.IncludeInactive {
		clauses = append(clauses, "active = 1")
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		if err := validate.Enum("status", f.Status,
			[]string{EpisodePlanned, EpisodeActive, EpisodeCompleted, EpisodeFailed, EpisodeCancelled}); err != nil {
			return nil, err
		}
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + episodeColumns + " FROM episodes"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, 200),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list episodes", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, memerr.Internal("scan episode", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartEpisode moves a planned episode to active.
func (s *Store) StartEpisode(id string, actor string) (*Episode, error) {
	return s.transitionEpisode(id, EpisodeActive, "", actor)
}

// CompleteEpisode finishes an active episode successfully.
func (s *Store) CompleteEpisode(id, outcome string, actor string) (*Episode, error) {
	return s.transitionEpisode(id, EpisodeCompleted, outcome, actor)
}

// FailEpisode finishes an active episode as failed.
func (s *Store) FailEpisode(id, outcome string, actor string) (*Episode, error) {
	return s.transitionEpisode(id, EpisodeFailed, outcome, actor)
}

// CancelEpisode abandons a planned or active episode.
func (s *Store) CancelEpisode(id, outcome string, actor string) (*Episode, error) {
	return s.transitionEpisode(id, EpisodeCancelled, outcome, actor)
}

func (s *Store) transitionEpisode(id, target, outcome string, actor string) (*Episode, error) {
	if err := validate.Field("outcome", outcome, s.limits.DescriptionMax); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEpisodeLocked(id)
	if err != nil {
		return nil, err
	}
	if EpisodeTerminal(e.Status) {
		return nil, memerr.Validationf("episode is %s and cannot transition", e.Status)
	}
	if !transitionAllowed(e.Status, target) {
		return nil, memerr.Validationf("cannot move episode from %s to %s", e.Status, target)
	}

	now := nowMillis()
	e.Status = target
	e.UpdatedAt = now
	if outcome != "" {
		e.Outcome = outcome
	}
	if target == EpisodeActive && e.StartedAt == 0 {
		e.StartedAt = now
	}
	if EpisodeTerminal(target) {
		e.CompletedAt = now
	}

	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE episodes SET status = ?, outcome = ?, started_at = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			e.Status, e.Outcome, e.StartedAt, e.CompletedAt, e.UpdatedAt, e.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return memerr.UniqueConstraint("session " + e.SessionID + " already has an active episode")
			}
			return memerr.Internal("transition episode", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound("episode", id)
		}

		switch target {
		case EpisodeActive:
			if err := appendEventTx(tx, e.ID, EventStarted, "episode started", nil); err != nil {
				return err
			}
		case EpisodeCompleted:
			if err := appendEventTx(tx, e.ID, EventCompleted, e.Outcome, nil); err != nil {
				return err
			}
		case EpisodeFailed:
			if err := appendEventTx(tx, e.ID, EventError, e.Outcome, nil); err != nil {
				return err
			}
		}
		auditTx(tx, "episode_"+target, "episode", e.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("episode %s -> %s", e.ID, e.Status)
	return e, nil
}

func transitionAllowed(from, to string) bool {
	for _, t := range episodeTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateEpisode patches title, description, or metadata. Terminal
// episodes are frozen.
func (s *Store) UpdateEpisode(id string, title, description *string, metadata *map[string]any, actor string) (*Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEpisodeLocked(id)
	if err != nil {
		return nil, err
	}
	if EpisodeTerminal(e.Status) {
		return nil, memerr.Validationf("episode is %s and cannot be updated", e.Status)
	}

	if title != nil {
		e.Title = *title
	}
	if description != nil {
		e.Description = *description
	}
	if metadata != nil {
		e.Metadata = *metadata
	}
	if err := s.validateEpisode(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = nowMillis()

	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE episodes SET title = ?, description = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			e.Title, e.Description, marshalMap(e.Metadata), e.UpdatedAt, e.ID)
		if err != nil {
			return memerr.Internal("update episode", err)
		}
		auditTx(tx, "episode_updated", "episode", e.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetEpisodeActive hides or restores an episode in listings.
func (s *Store) SetEpisodeActive(id string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE episodes SET active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), nowMillis(), id)
		if err != nil {
			return memerr.Internal("set episode active", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound("episode", id)
		}
		event := "episode_deactivated"
		if active {
			event = "episode_activated"
		}
		auditTx(tx, event, "episode", id, actor, nil)
		return nil
	})
}

// DeleteEpisode removes an episode and (by cascade) its events and links.
func (s *Store) DeleteEpisode(id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM episodes WHERE id = ?", id)
		if err != nil {
			return memerr.Internal("delete episode", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.NotFound("episode", id)
		}
		auditTx(tx, "episode_deleted", "episode", id, actor, nil)
		return nil
	})
}

// AppendEpisodeEvent logs one event on a non-terminal episode.
func (s *Store) AppendEpisodeEvent(episodeID, eventType, description string, data map[string]any, actor string) (*EpisodeEvent, error) {
	if err := validate.Enum("eventType", eventType,
		[]string{EventStarted, EventCheckpoint, EventDecision, EventError, EventCompleted}); err != nil {
		return nil, err
	}
	if err := validate.Field("description", description, s.limits.ContentMax); err != nil {
		return nil, err
	}
	if _, err := validate.MetadataBytes(data, s.limits.MetadataMaxBytes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEpisodeLocked(episodeID)
	if err != nil {
		return nil, err
	}
	if EpisodeTerminal(e.Status) {
		return nil, memerr.Validationf("episode is %s; events are frozen", e.Status)
	}

	var event *EpisodeEvent
	err = s.withTx(func(tx *sql.Tx) error {
		if err := appendEventTx(tx, episodeID, eventType, description, data); err != nil {
			return err
		}
		row := tx.QueryRow(`
			SELECT id, episode_id, seq, event_type, description, data, created_at
			FROM episode_events WHERE episode_id = ? ORDER BY seq DESC LIMIT 1`, episodeID)
		event, err = scanEpisodeEvent(row)
		if err != nil {
			return memerr.Internal("read appended event", err)
		}
		auditTx(tx, "episode_event", "episode", episodeID, actor, map[string]any{"type": eventType})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func appendEventTx(tx *sql.Tx, episodeID, eventType, description string, data map[string]any) error {
	var seq int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM episode_events WHERE episode_id = ?",
		episodeID).Scan(&seq); err != nil {
		return memerr.Internal("next event seq", err)
	}
	_, err := tx.Exec(`
		INSERT INTO episode_events (episode_id, seq, event_type, description, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		episodeID, seq, eventType, description, marshalMap(data), nowMillis())
	if err != nil {
		return memerr.Internal("append episode event", err)
	}
	return nil
}

// GetEpisodeEvents returns an episode's events in seq order.
func (s *Store) GetEpisodeEvents(episodeID string, limit, offset int) ([]*EpisodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getEpisodeLocked(episodeID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, episode_id, seq, event_type, description, data, created_at
		FROM episode_events WHERE episode_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		episodeID,
		validate.LimitOrDefault(limit, 200, 1000),
		validate.ClampOffset(offset, 1<<30))
	if err != nil {
		return nil, memerr.Internal("list episode events", err)
	}
	defer rows.Close()

	var out []*EpisodeEvent
	for rows.Next() {
		ev, err := scanEpisodeEvent(rows)
		if err != nil {
			return nil, memerr.Internal("scan episode event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LinkEpisodeEntity attaches an entry (or another episode) to an episode
// with a role. Idempotent per (episode, entity, role).
func (s *Store) LinkEpisodeEntity(episodeID, entityKind, entityID, role string, actor string) error {
	if err := validate.Enum("role", role, []string{LinkCreated, LinkModified, LinkReferenced}); err != nil {
		return err
	}
	if entityKind != "episode" && !ValidEntryKind(entityKind) {
		return memerr.Validationf("unknown entity kind %q", entityKind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getEpisodeLocked(episodeID); err != nil {
		return err
	}
	if entityKind == "episode" {
		if _, err := s.getEpisodeLocked(entityID); err != nil {
			return err
		}
	} else {
		exists, err := s.entryExistsLocked(entityKind, entityID)
		if err != nil {
			return err
		}
		if !exists {
			return memerr.NotFound(entityKind, entityID)
		}
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO episode_links (episode_id, entity_kind, entity_id, role, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(episode_id, entity_kind, entity_id, role) DO NOTHING`,
			episodeID, entityKind, entityID, role, nowMillis())
		if err != nil {
			return memerr.Internal("link episode entity", err)
		}
		auditTx(tx, "episode_linked", entityKind, entityID, actor, map[string]any{
			"episode": episodeID, "role": role,
		})
		return nil
	})
}

// GetEpisodeLinks returns an episode's entity links, oldest first.
func (s *Store) GetEpisodeLinks(episodeID string) ([]*EpisodeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getEpisodeLocked(episodeID); err != nil {
		return nil, err
	}
	return s.episodeLinksLocked(episodeID)
}

func (s *Store) episodeLinksLocked(episodeID string) ([]*EpisodeLink, error) {
	rows, err := s.db.Query(`
		SELECT episode_id, entity_kind, entity_id, role, created_at
		FROM episode_links WHERE episode_id = ? ORDER BY created_at ASC, entity_id ASC`, episodeID)
	if err != nil {
		return nil, memerr.Internal("list episode links", err)
	}
	defer rows.Close()

	var out []*EpisodeLink
	for rows.Next() {
		var l EpisodeLink
		if err := rows.Scan(&l.EpisodeID, &l.EntityKind, &l.EntityID, &l.Role, &l.CreatedAt); err != nil {
			return nil, memerr.Internal("scan episode link", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// TimelineItem is one entry of the merged episode timeline.
type TimelineItem struct {
	At    int64         `json:"at"`
	Event *EpisodeEvent `json:"event,omitempty"`
	Link  *EpisodeLink  `json:"link,omitempty"`
}

// EpisodeTimeline merges events and links into one chronological view.
func (s *Store) EpisodeTimeline(episodeID string) ([]TimelineItem, error) {
	events, err := s.GetEpisodeEvents(episodeID, 1000, 0)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	links, err := s.episodeLinksLocked(episodeID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	items := make([]TimelineItem, 0, len(events)+len(links))
	for _, ev := range events {
		items = append(items, TimelineItem{At: ev.CreatedAt, Event: ev})
	}
	for _, l := range links {
		items = append(items, TimelineItem{At: l.CreatedAt, Link: l})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].At < items[j].At })
	return items, nil
}

// EpisodeMessages returns the session's messages that fall inside the
// episode's time window.
func (s *Store) EpisodeMessages(episodeID string, limit int) ([]*Message, error) {
	e, err := s.GetEpisode(episodeID)
	if err != nil {
		return nil, err
	}
	if e.SessionID == "" {
		return nil, nil
	}
	from := e.StartedAt
	if from == 0 {
		from = e.CreatedAt
	}
	until := e.CompletedAt
	if until == 0 {
		until = nowMillis()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT m.id, m.conversation_id, m.seq, m.role, m.content, m.context_entries,
		       m.tools_used, m.metadata, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.session_id = ? AND m.created_at >= ? AND m.created_at <= ?
		ORDER BY m.created_at ASC, m.id ASC LIMIT ?`,
		e.SessionID, from, until, validate.LimitOrDefault(limit, 200, 1000))
	if err != nil {
		return nil, memerr.Internal("episode messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, memerr.Internal("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EpisodeDigest is the what_happened view: an episode with its events.
type EpisodeDigest struct {
	Episode *Episode        `json:"episode"`
	Events  []*EpisodeEvent `json:"events,omitempty"`
	Links   []*EpisodeLink  `json:"links,omitempty"`
}

// WhatHappened summarizes a session's recent episodes, newest first.
func (s *Store) WhatHappened(sessionID string, limit int) ([]*EpisodeDigest, error) {
	episodes, err := s.ListEpisodes(EpisodeFilter{
		SessionID: sessionID,
		Limit:     validate.LimitOrDefault(limit, 5, 20),
	})
	if err != nil {
		return nil, err
	}

	out := make([]*EpisodeDigest, 0, len(episodes))
	for _, e := range episodes {
		events, err := s.GetEpisodeEvents(e.ID, 100, 0)
		if err != nil {
			return nil, err
		}
		s.mu.RLock()
		links, err := s.episodeLinksLocked(e.ID)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		out = append(out, &EpisodeDigest{Episode: e, Events: events, Links: links})
	}
	return out, nil
}

// ChainNode is one hop of a causal chain.
type ChainNode struct {
	Ref      EntryRef `json:"ref"`
	Name     string   `json:"name,omitempty"`
	Relation string   `json:"relation"`
	Depth    int      `json:"depth"`
}

// CausalChain walks caused_by edges backward from the entries an episode
// created or modified, answering "what led to this".
func (s *Store) CausalChain(episodeID string, maxDepth int) ([]ChainNode, error) {
	links, err := s.GetEpisodeLinks(episodeID)
	if err != nil {
		return nil, err
	}

	var out []ChainNode
	seen := map[EntryRef]bool{}
	for _, l := range links {
		if l.Role == LinkReferenced || l.EntityKind == "episode" {
			continue
		}
		related, err := s.Related(l.EntityKind, l.EntityID, RelationCausedBy, DirectionOut, maxDepth)
		if err != nil {
			return nil, err
		}
		for _, r := range related {
			if seen[r.Ref] {
				continue
			}
			seen[r.Ref] = true
			name, _ := s.EntryName(r.Ref.Kind, r.Ref.ID)
			out = append(out, ChainNode{Ref: r.Ref, Name: name, Relation: r.Relation, Depth: r.Depth})
		}
	}
	return out, nil
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var e Episode
	var metadata string
	var active int
	err := row.Scan(&e.ID, &e.SessionID, &e.Title, &e.Description, &e.Status, &e.Outcome,
		&metadata, &active, &e.CreatedBy, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Metadata = unmarshalMap(metadata)
	e.Active = active == 1
	return &e, nil
}

func scanEpisodeEvent(row rowScanner) (*EpisodeEvent, error) {
	var ev EpisodeEvent
	var data string
	err := row.Scan(&ev.ID, &ev.EpisodeID, &ev.Seq, &ev.EventType, &ev.Description, &data, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Data = unmarshalMap(data)
	return &ev, nil
}
