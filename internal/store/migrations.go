package store

import (
	"database/sql"
	"fmt"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
)

// currentSchemaVersion is bumped whenever columnMigrations grows.
const currentSchemaVersion = 2

// columnMigration adds one column to an existing table. CREATE TABLE
// statements carry the full current shape, so these only matter for
// databases created by older builds.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

// columnMigrations is append-only. Version 2 added temporal validity to
// knowledge and attribution columns across entry tables.
var columnMigrations = []columnMigration{
	{"knowledge", "valid_from", "INTEGER NOT NULL DEFAULT 0"},
	{"knowledge", "valid_until", "INTEGER NOT NULL DEFAULT 0"},
	{"guidelines", "created_by", "TEXT NOT NULL DEFAULT ''"},
	{"knowledge", "created_by", "TEXT NOT NULL DEFAULT ''"},
	{"tools", "created_by", "TEXT NOT NULL DEFAULT ''"},
	{"tools", "current_version", "TEXT NOT NULL DEFAULT ''"},
	{"experiences", "created_by", "TEXT NOT NULL DEFAULT ''"},
	{"conversations", "project_id", "TEXT NOT NULL DEFAULT ''"},
	{"episodes", "active", "INTEGER NOT NULL DEFAULT 1"},
	{"messages", "context_entries", "TEXT NOT NULL DEFAULT '[]'"},
	{"messages", "tools_used", "TEXT NOT NULL DEFAULT '[]'"},
	{"pattern_confidence", "pattern_type", "TEXT NOT NULL DEFAULT ''"},
	{"pattern_confidence", "base_weight", "REAL NOT NULL DEFAULT 0"},
	{"pattern_confidence", "total_matches", "INTEGER NOT NULL DEFAULT 0"},
	{"classification_feedback", "method", "TEXT NOT NULL DEFAULT ''"},
	{"classification_feedback", "confidence", "REAL NOT NULL DEFAULT 0"},
}

// runMigrations applies any missing column migrations and records the
// resulting schema version.
func (s *Store) runMigrations() error {
	version, err := s.schemaVersion("core")
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	applied := 0
	for _, m := range columnMigrations {
		exists, err := s.columnExists(m.Table, m.Column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return memerr.Internal(fmt.Sprintf("migrate %s.%s", m.Table, m.Column), err)
		}
		applied++
	}

	if err := s.setSchemaVersion("core", currentSchemaVersion); err != nil {
		return err
	}
	if applied > 0 {
		logging.Store("applied %d column migrations (schema v%d -> v%d)", applied, version, currentSchemaVersion)
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, memerr.Internal("inspect table "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, memerr.Internal("scan table info", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) schemaVersion(component string) (int, error) {
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_versions WHERE component = ?", component).Scan(&v)
	switch err {
	case nil:
		return v, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, memerr.Internal("read schema version", err)
	}
}

func (s *Store) setSchemaVersion(component string, version int) error {
	_, err := s.db.Exec(`
		INSERT INTO schema_versions (component, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		component, version, nowMillis())
	if err != nil {
		return memerr.Internal("write schema version", err)
	}
	return nil
}
