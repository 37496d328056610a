package store

// Schema DDL. Every statement is idempotent (IF NOT EXISTS) so Open can
// run the full list on every start; column-level changes go through
// migrations.go instead.

const schemaGuidelines = `
CREATE TABLE IF NOT EXISTS guidelines (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	content       TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 50,
	rationale     TEXT NOT NULL DEFAULT '',
	examples      TEXT NOT NULL DEFAULT '[]',
	scope         TEXT NOT NULL DEFAULT 'global',
	scope_id      TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	content_hash  TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(name, scope, scope_id)
);
CREATE INDEX IF NOT EXISTS idx_guidelines_scope ON guidelines(scope, scope_id);
CREATE INDEX IF NOT EXISTS idx_guidelines_category ON guidelines(category);
CREATE INDEX IF NOT EXISTS idx_guidelines_active ON guidelines(active);
`

const schemaKnowledge = `
CREATE TABLE IF NOT EXISTS knowledge (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	content       TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0.8,
	source        TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 50,
	valid_from    INTEGER NOT NULL DEFAULT 0,
	valid_until   INTEGER NOT NULL DEFAULT 0,
	scope         TEXT NOT NULL DEFAULT 'global',
	scope_id      TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	content_hash  TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(title, scope, scope_id)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_scope ON knowledge(scope, scope_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge(category);
CREATE INDEX IF NOT EXISTS idx_knowledge_validity ON knowledge(valid_from, valid_until);
`

const schemaTools = `
CREATE TABLE IF NOT EXISTS tools (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL,
	usage           TEXT NOT NULL DEFAULT '',
	examples        TEXT NOT NULL DEFAULT '[]',
	category        TEXT NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 50,
	current_version TEXT NOT NULL DEFAULT '',
	scope           TEXT NOT NULL DEFAULT 'global',
	scope_id        TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL DEFAULT 1,
	content_hash    TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE(name, scope, scope_id)
);
CREATE INDEX IF NOT EXISTS idx_tools_scope ON tools(scope, scope_id);
CREATE INDEX IF NOT EXISTS idx_tools_category ON tools(category);

CREATE TABLE IF NOT EXISTS tool_versions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_id     TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
	version     TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	UNIQUE(tool_id, version)
);
CREATE INDEX IF NOT EXISTS idx_tool_versions_tool ON tool_versions(tool_id);
`

const schemaExperiences = `
CREATE TABLE IF NOT EXISTS experiences (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	scenario      TEXT NOT NULL,
	outcome       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	learnings     TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0.8,
	auto_detected INTEGER NOT NULL DEFAULT 0,
	priority      INTEGER NOT NULL DEFAULT 50,
	scope         TEXT NOT NULL DEFAULT 'global',
	scope_id      TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	content_hash  TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(title, scope, scope_id)
);
CREATE INDEX IF NOT EXISTS idx_experiences_scope ON experiences(scope, scope_id);
CREATE INDEX IF NOT EXISTS idx_experiences_category ON experiences(category);
CREATE INDEX IF NOT EXISTS idx_experiences_auto ON experiences(auto_detected);
`

const schemaTags = `
CREATE TABLE IF NOT EXISTS tags (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entry_tags (
	entry_kind  TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	tag_id      INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY(entry_kind, entry_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag_id);
`

const schemaRelations = `
CREATE TABLE IF NOT EXISTS entry_relations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	from_kind   TEXT NOT NULL,
	from_id     TEXT NOT NULL,
	relation    TEXT NOT NULL,
	to_kind     TEXT NOT NULL,
	to_id       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE(from_kind, from_id, relation, to_kind, to_id)
);
CREATE INDEX IF NOT EXISTS idx_relations_from ON entry_relations(from_kind, from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON entry_relations(to_kind, to_id);
`

const schemaConversations = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL DEFAULT '',
	project_id    TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	summary       TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_by    TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	context_entries TEXT NOT NULL DEFAULT '[]',
	tools_used      TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	UNIQUE(conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS conversation_context (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	message_id      INTEGER NOT NULL DEFAULT 0,
	entry_kind      TEXT NOT NULL,
	entry_id        TEXT NOT NULL,
	relevance       REAL NOT NULL DEFAULT 0,
	note            TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	PRIMARY KEY(conversation_id, message_id, entry_kind, entry_id)
);
`

const schemaEpisodes = `
CREATE TABLE IF NOT EXISTS episodes (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'planned',
	outcome      TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	active       INTEGER NOT NULL DEFAULT 1,
	created_by   TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_episodes_one_active
	ON episodes(session_id) WHERE status = 'active' AND session_id != '';

CREATE TABLE IF NOT EXISTS episode_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id  TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	UNIQUE(episode_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_episode_events_episode ON episode_events(episode_id, seq);

CREATE TABLE IF NOT EXISTS episode_links (
	episode_id  TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT 'referenced',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY(episode_id, entity_kind, entity_id, role)
);
CREATE INDEX IF NOT EXISTS idx_episode_links_entity ON episode_links(entity_kind, entity_id);
`

const schemaFileLocks = `
CREATE TABLE IF NOT EXISTS file_locks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	path        TEXT NOT NULL UNIQUE,
	owner       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_file_locks_owner ON file_locks(owner);
CREATE INDEX IF NOT EXISTS idx_file_locks_expiry ON file_locks(expires_at);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS classification_feedback (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	text_hash    TEXT NOT NULL,
	text_excerpt TEXT NOT NULL DEFAULT '',
	predicted    TEXT NOT NULL,
	actual       TEXT NOT NULL,
	method       TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	correct      INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_hash ON classification_feedback(text_hash);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON classification_feedback(created_at);

CREATE TABLE IF NOT EXISTS pattern_confidence (
	pattern_id        TEXT PRIMARY KEY,
	pattern_type      TEXT NOT NULL DEFAULT '',
	base_weight       REAL NOT NULL DEFAULT 0,
	total_matches     INTEGER NOT NULL DEFAULT 0,
	correct_matches   INTEGER NOT NULL DEFAULT 0,
	incorrect_matches INTEGER NOT NULL DEFAULT 0,
	multiplier        REAL NOT NULL DEFAULT 1.0,
	updated_at        INTEGER NOT NULL
);
`

const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	entry_kind TEXT NOT NULL DEFAULT '',
	entry_id   TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entry ON audit_log(entry_kind, entry_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// entries_fts mirrors the searchable text of all four entry tables. The
// kind and id columns carry row identity only; bm25 weights are applied
// at query time so name matches outrank body matches.
const schemaFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
	kind UNINDEXED,
	entry_id UNINDEXED,
	name,
	content,
	tags,
	tokenize = 'porter unicode61'
);
`

// embeddings holds one vector per entry as a JSON float array. It is the
// source of truth for the brute-force path and the backfill source when
// the vec extension appears later.
const schemaEmbeddings = `
CREATE TABLE IF NOT EXISTS embeddings (
	entry_kind TEXT NOT NULL,
	entry_id   TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	vector     TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(entry_kind, entry_id)
);

CREATE TABLE IF NOT EXISTS embedding_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	model      TEXT NOT NULL DEFAULT '',
	dim        INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

const schemaVersions = `
CREATE TABLE IF NOT EXISTS schema_versions (
	component  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// allSchemas is executed in order by Open. FTS maintenance is done in
// application transactions rather than triggers, so ordering here only
// matters for foreign keys.
var allSchemas = []string{
	schemaGuidelines,
	schemaKnowledge,
	schemaTools,
	schemaExperiences,
	schemaTags,
	schemaRelations,
	schemaConversations,
	schemaEpisodes,
	schemaFileLocks,
	schemaFeedback,
	schemaAudit,
	schemaFTS,
	schemaEmbeddings,
	schemaVersions,
}
