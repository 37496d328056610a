package store

// =============================================================================
// SCOPES AND ENTRY KINDS
// =============================================================================

// Scope places an entry in the inheritance chain
// session ⊂ project ⊂ org ⊂ global.
type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

const (
	ScopeGlobal  = "global"
	ScopeOrg     = "org"
	ScopeProject = "project"
	ScopeSession = "session"
)

// GlobalScope is the widest scope. Its ID is always empty.
func GlobalScope() Scope { return Scope{Type: ScopeGlobal} }

// ValidScopeType reports whether t names a known scope level.
func ValidScopeType(t string) bool {
	switch t {
	case ScopeGlobal, ScopeOrg, ScopeProject, ScopeSession:
		return true
	}
	return false
}

// Specificity orders scopes narrow-to-wide for ranking ties:
// session(3) > project(2) > org(1) > global(0).
func (s Scope) Specificity() int {
	switch s.Type {
	case ScopeSession:
		return 3
	case ScopeProject:
		return 2
	case ScopeOrg:
		return 1
	default:
		return 0
	}
}

// Entry kinds stored in the four entry tables.
const (
	KindGuideline  = "guideline"
	KindKnowledge  = "knowledge"
	KindTool       = "tool"
	KindExperience = "experience"
)

// EntryKinds lists all entry kinds in stable order.
var EntryKinds = []string{KindGuideline, KindKnowledge, KindTool, KindExperience}

// ValidEntryKind reports whether k names an entry table.
func ValidEntryKind(k string) bool {
	switch k {
	case KindGuideline, KindKnowledge, KindTool, KindExperience:
		return true
	}
	return false
}

// =============================================================================
// ENTRY ROWS
// =============================================================================

// Guideline is a rule or convention the agent should follow.
type Guideline struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Content     string         `json:"content"`
	Category    string         `json:"category,omitempty"`
	Priority    int            `json:"priority"`
	Rationale   string         `json:"rationale,omitempty"`
	Examples    []string       `json:"examples,omitempty"`
	Scope       Scope          `json:"scope"`
	Active      bool           `json:"active"`
	ContentHash string         `json:"contentHash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// Knowledge is a stored fact, decision, or reference. ValidFrom/ValidUntil
// bound its temporal validity; zero means unbounded on that side.
type Knowledge struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Category    string         `json:"category,omitempty"`
	Confidence  float64        `json:"confidence"`
	Source      string         `json:"source,omitempty"`
	Priority    int            `json:"priority"`
	ValidFrom   int64          `json:"validFrom,omitempty"`
	ValidUntil  int64          `json:"validUntil,omitempty"`
	Scope       Scope          `json:"scope"`
	Active      bool           `json:"active"`
	ContentHash string         `json:"contentHash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// Tool describes a command or utility the agent can reach for.
// CurrentVersion points at the newest entry of the version chain.
type Tool struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Usage          string         `json:"usage,omitempty"`
	Examples       []string       `json:"examples,omitempty"`
	Category       string         `json:"category,omitempty"`
	Priority       int            `json:"priority"`
	CurrentVersion string         `json:"currentVersion,omitempty"`
	Scope          Scope          `json:"scope"`
	Active         bool           `json:"active"`
	ContentHash    string         `json:"contentHash,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Versions       []ToolVersion  `json:"versions,omitempty"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// ToolVersion records one released version of a tool.
type ToolVersion struct {
	ID        int64  `json:"id"`
	ToolID    string `json:"toolId"`
	Version   string `json:"version"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Experience captures a lesson learned from a concrete situation. Outcome
// is one of success|partial|failure|abandoned, optionally followed by
// " - qualifier" free text.
type Experience struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Scenario     string         `json:"scenario"`
	Outcome      string         `json:"outcome,omitempty"`
	Category     string         `json:"category,omitempty"`
	Learnings    string         `json:"learnings,omitempty"`
	Confidence   float64        `json:"confidence"`
	AutoDetected bool           `json:"autoDetected"`
	Priority     int            `json:"priority"`
	Scope        Scope          `json:"scope"`
	Active       bool           `json:"active"`
	ContentHash  string         `json:"contentHash,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// EntryRef points at one entry across the four tables.
type EntryRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// =============================================================================
// TAGS AND RELATIONS
// =============================================================================

// Tag is a normalized lowercase label.
type Tag struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Relation links two entries with a typed edge.
type Relation struct {
	ID        int64  `json:"id"`
	FromKind  string `json:"fromKind"`
	FromID    string `json:"fromId"`
	Relation  string `json:"relation"`
	ToKind    string `json:"toKind"`
	ToID      string `json:"toId"`
	CreatedAt int64  `json:"createdAt"`
}

// Relation edge types.
const (
	RelationRelatedTo   = "related_to"
	RelationDerivedFrom = "derived_from"
	RelationSupersedes  = "supersedes"
	RelationCausedBy    = "caused_by"
	RelationPartOf      = "part_of"
)

// ValidRelation reports whether r names a known edge type.
func ValidRelation(r string) bool {
	switch r {
	case RelationRelatedTo, RelationDerivedFrom, RelationSupersedes, RelationCausedBy, RelationPartOf:
		return true
	}
	return false
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

/// Conversation statuses form a one-way ladder: active -> completed -> archived.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationArchived  = "archived"
)

// conversationRank orders statuses so transitions only ever move forward.
func conversationRank(status string) int {
	switch status {
	case ConversationActive:
		return 0
	case ConversationCompleted:
		return 1
	case ConversationArchived:
		return 2
	}
	return -1
}

// Conversation is a recorded message exchange within a session.
type Conversation struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId,omitempty"`
	ProjectID    string         `json:"projectId,omitempty"`
	Title        string         `json:"title,omitempty"`
	Status       string         `json:"status"`
	Summary      string         `json:"summary,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MessageCount int            `json:"messageCount"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	StartedAt    int64          `json:"startedAt"`
	EndedAt      int64          `json:"endedAt,omitempty"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn inside a conversation. Seq is assigned by the store
// and is strictly increasing per conversation.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversationId"`
	Seq            int            `json:"seq"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ContextEntries []string       `json:"contextEntries,omitempty"`
	ToolsUsed      []string       `json:"toolsUsed,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
}

// Per-message attachment caps.
const (
	MaxContextEntries = 50
	MaxToolsUsed      = 100
)

// ContextLink attaches an entry to a conversation (optionally to one
// message) as working context.
type ContextLink struct {
	ConversationID string  `json:"conversationId"`
	MessageID      int64   `json:"messageId,omitempty"`
	EntryKind      string  `json:"entryKind"`
	EntryID        string  `json:"entryId"`
	Relevance      float64 `json:"relevance,omitempty"`
	Note           string  `json:"note,omitempty"`
	CreatedAt      int64   `json:"createdAt"`
}

// =============================================================================
// EPISODES
// =============================================================================

// Episode statuses. Planned episodes have not started yet; completed,
// failed, and cancelled are terminal. Only one active episode is allowed
// per session.
const (
	EpisodePlanned   = "planned"
	EpisodeActive    = "active"
	EpisodeCompleted = "completed"
	EpisodeFailed    = "failed"
	EpisodeCancelled = "cancelled"
)

// EpisodeTerminal reports whether status freezes the episode.
func EpisodeTerminal(status string) bool {
	switch status {
	case EpisodeCompleted, EpisodeFailed, EpisodeCancelled:
		return true
	}
	return false
}

// Episode is a bounded unit of work with a lifecycle and event log.
type Episode struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Active      bool           `json:"active"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// Episode event types.
const (
	EventStarted    = "started"
	EventCheckpoint = "checkpoint"
	EventDecision   = "decision"
	EventError      = "error"
	EventCompleted  = "completed"
)

// EpisodeEvent is one timeline entry within an episode.
type EpisodeEvent struct {
	ID          int64          `json:"id"`
	EpisodeID   string         `json:"episodeId"`
	Seq         int            `json:"seq"`
	EventType   string         `json:"eventType"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// Episode link roles.
const (
	LinkCreated    = "created"
	LinkModified   = "modified"
	LinkReferenced = "referenced"
)

// EpisodeLink connects an episode to an entry or another episode.
type EpisodeLink struct {
	EpisodeID  string `json:"episodeId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId"`
	Role       string `json:"role,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// =============================================================================
// FILE LOCKS
// =============================================================================

// FileLock is an advisory lease on a path. ExpiresAt of zero means the
// lease never expires.
type FileLock struct {
	ID         int64          `json:"id"`
	Path       string         `json:"path"`
	Owner      string         `json:"owner"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	AcquiredAt int64          `json:"acquiredAt"`
	ExpiresAt  int64          `json:"expiresAt,omitempty"`
}

// MaxLockTTLSeconds caps lock leases at one day. Zero requests a
// non-expiring lease.
const MaxLockTTLSeconds = 86400

// =============================================================================
// CLASSIFICATION FEEDBACK
// =============================================================================

// Feedback is one recorded classification outcome. Method names the stage
// that produced the prediction (pattern, llm, forced).
type Feedback struct {
	ID          int64   `json:"id"`
	TextHash    string  `json:"textHash"`
	TextExcerpt string  `json:"textExcerpt,omitempty"`
	Predicted   string  `json:"predicted"`
	Actual      string  `json:"actual"`
	Method      string  `json:"method,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Correct     bool    `json:"correct"`
	CreatedAt   int64   `json:"createdAt"`
}

// PatternConfidence is the learned multiplier for one classifier pattern.
// Multiplier stays within [1-maxPenalty, 1+maxBoost] no matter how much
// feedback accumulates.
type PatternConfidence struct {
	PatternID        string  `json:"patternId"`
	PatternType      string  `json:"patternType,omitempty"`
	BaseWeight       float64 `json:"baseWeight,omitempty"`
	TotalMatches     int     `json:"totalMatches"`
	CorrectMatches   int     `json:"correctMatches"`
	IncorrectMatches int     `json:"incorrectMatches"`
	Multiplier       float64 `json:"multiplier"`
	UpdatedAt        int64   `json:"updatedAt"`
}

// =============================================================================
// AUDIT AND SEARCH
// =============================================================================

// AuditRecord is one row of the durable mutation audit trail.
type AuditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	EntryKind string         `json:"entryKind,omitempty"`
	EntryID   string         `json:"entryId,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// SearchHit is one FTS match with its normalized relevance.
type SearchHit struct {
	Kind    string  `json:"kind"`
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

// SimilarHit is one vector match with its cosine similarity.
type SimilarHit struct {
	Kind       string  `json:"kind"`
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Stats summarizes the store for the stats surfaces.
type Stats struct {
	Counts         map[string]int64 `json:"counts"`
	DBSizeBytes    int64            `json:"dbSizeBytes"`
	VectorCount    int64            `json:"vectorCount"`
	VectorExt      bool             `json:"vectorExt"`
	SchemaVersion  int              `json:"schemaVersion"`
	EmbeddingModel string           `json:"embeddingModel,omitempty"`
	EmbeddingDim   int              `json:"embeddingDim,omitempty"`
}
