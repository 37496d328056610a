package store

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const conversationColumns = `id, session_id, project_id, title, status, summary, metadata,
	message_count, created_by, started_at, ended_at, updated_at`

// StartConversation opens a new active conversation.
func (s *Store) StartConversation(c *Conversation, actor string) (*Conversation, error) {
	if err := validate.Field("title", c.Title, s.limits.TitleMax); err != nil {
		return nil, err
	}
	if _, err := validate.MetadataBytes(c.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedBy == "" {
		c.CreatedBy = actor
	}
	now := nowMillis()
	c.Status = ConversationActive
	c.StartedAt = now
	c.UpdatedAt = now
	c.MessageCount = 0

	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SessionID, c.ProjectID, c.Title, c.Status, c.Summary,
			marshalMap(c.Metadata), c.MessageCount, c.CreatedBy, c.StartedAt, c.EndedAt, c.UpdatedAt)
		if err != nil {
			return mapSQLError(err, "conversation", c.ID)
		}
		auditTx(tx, "started", "conversation", c.ID, actor, map[string]any{"session": c.SessionID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("conversation started: %s (session=%s)", c.ID, c.SessionID)
	return c, nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getConversationLocked(id)
}

func (s *Store) getConversationLocked(id string) (*Conversation, error) {
	row := s.db.QueryRow("SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, mapSQLError(err, "conversation", id)
	}
	return c, nil
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	SessionID string
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

// ListConversations returns conversations newest first.
func (s *Store) ListConversations(f ConversationFilter) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		if conversationRank(f.Status) < 0 {
			return nil, memerr.Validationf("status must be one of active|completed|archived, got %q", f.Status)
		}
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + conversationColumns + " FROM conversations"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args,
		validate.LimitOrDefault(f.Limit, 50, 200),
		validate.ClampOffset(f.Offset, 1<<30))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list conversations", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, memerr.Internal("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveSession returns the session id of the newest active
// conversation, or "" when no conversation is active.
func (s *Store) ActiveSession() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id FROM conversations WHERE status = 'active'
		 ORDER BY started_at DESC, id ASC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", memerr.Internal("active session", err)
	}
	return id, nil
}

// UpdateConversation patches title, summary, or metadata. Status moves
// through End/Archive only.
func (s *Store) UpdateConversation(id string, title, summary *string, metadata *map[string]any, actor string) (*Conversation, error) {
	c, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}

	if title != nil {
		c.Title = *title
	}
	if summary != nil {
		c.Summary = *summary
	}
	if metadata != nil {
		c.Metadata = *metadata
	}
	if err := validate.Field("title", c.Title, s.limits.TitleMax); err != nil {
		return nil, err
	}
	if err := validate.Field("summary", c.Summary, s.limits.ContentMax); err != nil {
		return nil, err
	}
	if _, err := validate.MetadataBytes(c.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.UpdatedAt = nowMillis()
	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE conversations SET title = ?, summary = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			c.Title, c.Summary, marshalMap(c.Metadata), c.UpdatedAt, c.ID)
		if err != nil {
			return memerr.Internal("update conversation", err)
		}
		auditTx(tx, "updated", "conversation", c.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EndConversation moves an active conversation to completed. Statuses
// only advance: ending an archived conversation leaves it archived.
func (s *Store) EndConversation(id, summary string, actor string) (*Conversation, error) {
	return s.advanceConversation(id, ConversationCompleted, summary, actor)
}

// ArchiveConversation moves a conversation to archived from any earlier
// status.
func (s *Store) ArchiveConversation(id string, actor string) (*Conversation, error) {
	return s.advanceConversation(id, ConversationArchived, "", actor)
}

func (s *Store) advanceConversation(id, target, summary string, actor string) (*Conversation, error) {
	if err := validate.Field("summary", summary, s.limits.ContentMax); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getConversationLocked(id)
	if err != nil {
		return nil, err
	}
	if conversationRank(c.Status) >= conversationRank(target) {
		// Already as far or further along; keep monotone and succeed.
		return c, nil
	}

	now := nowMillis()
	c.Status = target
	c.UpdatedAt = now
	if target == ConversationCompleted {
		c.EndedAt = now
	}
	if summary != "" {
		c.Summary = summary
	}

	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE conversations SET status = ?, summary = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
			c.Status, c.Summary, c.EndedAt, c.UpdatedAt, c.ID)
		if err != nil {
			return memerr.Internal("advance conversation", err)
		}
		auditTx(tx, target, "conversation", c.ID, actor, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("conversation %s -> %s", c.ID, c.Status)
	return c, nil
}

func (s *Store) validateMessage(m *Message) error {
	if err := validate.Enum("role", m.Role, []string{RoleUser, RoleAssistant, RoleSystem}); err != nil {
		return err
	}
	if err := validate.RequiredField("content", m.Content, s.limits.ContentMax); err != nil {
		return err
	}
	if len(m.ContextEntries) > MaxContextEntries {
		return memerr.SizeLimit("contextEntries", MaxContextEntries, len(m.ContextEntries), "items")
	}
	if len(m.ToolsUsed) > MaxToolsUsed {
		return memerr.SizeLimit("toolsUsed", MaxToolsUsed, len(m.ToolsUsed), "items")
	}
	if _, err := validate.MetadataBytes(m.Metadata, s.limits.MetadataMaxBytes); err != nil {
		return err
	}
	return nil
}

// AddMessage appends a message to an active conversation. Seq is assigned
// inside the transaction, so concurrent appends never collide.
func (s *Store) AddMessage(conversationID string, m *Message, actor string) (*Message, error) {
	if err := s.validateMessage(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow("SELECT status FROM conversations WHERE id = ?", conversationID).Scan(&status)
		if err != nil {
			return mapSQLError(err, "conversation", conversationID)
		}
		if status != ConversationActive {
			return memerr.Validationf("cannot add message to %s conversation", status)
		}

		var seq int
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?",
			conversationID).Scan(&seq); err != nil {
			return memerr.Internal("next message seq", err)
		}

		m.ConversationID = conversationID
		m.Seq = seq
		m.CreatedAt = nowMillis()

		res, err := tx.Exec(`
			INSERT INTO messages (conversation_id, seq, role, content, context_entries, tools_used, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, m.Seq, m.Role, m.Content,
			marshalStrings(m.ContextEntries), marshalStrings(m.ToolsUsed),
			marshalMap(m.Metadata), m.CreatedAt)
		if err != nil {
			return mapSQLError(err, "message", conversationID)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return memerr.Internal("message id", err)
		}

		if _, err := tx.Exec(
			"UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?",
			m.CreatedAt, conversationID); err != nil {
			return memerr.Internal("bump message count", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessages returns a conversation's messages in seq order.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getConversationLocked(conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, seq, role, content, context_entries, tools_used, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		conversationID,
		validate.LimitOrDefault(limit, 200, 1000),
		validate.ClampOffset(offset, 1<<30))
	if err != nil {
		return nil, memerr.Internal("list messages", err)
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

// SearchMessages scans message content for a substring, optionally within
// one session, newest first.
func (s *Store) SearchMessages(text, sessionID string, limit int) ([]*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.Validation("search text is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT m.id, m.conversation_id, m.seq, m.role, m.content, m.context_entries,
		       m.tools_used, m.metadata, m.created_at
		FROM messages m`
	args := []any{}
	if sessionID != "" {
		query += " JOIN conversations c ON c.id = m.conversation_id WHERE c.session_id = ? AND m.content LIKE ?"
		args = append(args, sessionID, "%"+text+"%")
	} else {
		query += " WHERE m.content LIKE ?"
		args = append(args, "%"+text+"%")
	}
	query += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, validate.LimitOrDefault(limit, 50, 200))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("search messages", err)
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

// LinkContext attaches an entry to a conversation (optionally anchored to
// one message) as working context. Relinking updates relevance and note.
func (s *Store) LinkContext(link *ContextLink, actor string) error {
	if !ValidEntryKind(link.EntryKind) {
		return memerr.Validationf("unknown entry kind %q", link.EntryKind)
	}
	if err := validate.Range("relevance", link.Relevance, 0, 1); err != nil {
		return err
	}
	if err := validate.Field("note", link.Note, s.limits.DescriptionMax); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getConversationLocked(link.ConversationID); err != nil {
		return err
	}
	exists, err := s.entryExistsLocked(link.EntryKind, link.EntryID)
	if err != nil {
		return err
	}
	if !exists {
		return memerr.NotFound(link.EntryKind, link.EntryID)
	}

	link.CreatedAt = nowMillis()
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO conversation_context (conversation_id, message_id, entry_kind, entry_id, relevance, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, message_id, entry_kind, entry_id) DO UPDATE SET
				relevance = excluded.relevance, note = excluded.note`,
			link.ConversationID, link.MessageID, link.EntryKind, link.EntryID,
			link.Relevance, link.Note, link.CreatedAt)
		if err != nil {
			return memerr.Internal("link context", err)
		}
		auditTx(tx, "context_linked", link.EntryKind, link.EntryID, actor, map[string]any{
			"conversation": link.ConversationID,
		})
		return nil
	})
}

// GetContext lists the entries linked to a conversation, highest
// relevance first.
func (s *Store) GetContext(conversationID string) ([]*ContextLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getConversationLocked(conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT conversation_id, message_id, entry_kind, entry_id, relevance, note, created_at
		FROM conversation_context WHERE conversation_id = ?
		ORDER BY relevance DESC, created_at ASC`, conversationID)
	if err != nil {
		return nil, memerr.Internal("get context", err)
	}
	defer rows.Close()

	var out []*ContextLink
	for rows.Next() {
		var l ContextLink
		if err := rows.Scan(&l.ConversationID, &l.MessageID, &l.EntryKind, &l.EntryID,
			&l.Relevance, &l.Note, &l.CreatedAt); err != nil {
			return nil, memerr.Internal("scan context link", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var metadata string
	err := row.Scan(&c.ID, &c.SessionID, &c.ProjectID, &c.Title, &c.Status, &c.Summary,
		&metadata, &c.MessageCount, &c.CreatedBy, &c.StartedAt, &c.EndedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Metadata = unmarshalMap(metadata)
	return &c, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var contextEntries, toolsUsed, metadata string
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
		&contextEntries, &toolsUsed, &metadata, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ContextEntries = unmarshalStrings(contextEntries)
	m.ToolsUsed = unmarshalStrings(toolsUsed)
	m.Metadata = unmarshalMap(metadata)
	return &m, nil
}
