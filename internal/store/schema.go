package store

import (
	"database/sql"
	"fmt"

	"sibyl/internal/logging"
)

// Schema versions:
// v2: base tables (conversations, sessions, subagent_calls, token usage,
//     reconciliation, checkpoints, config snapshots)
// v3: session rotation (session_rotations table, rotation columns on
//     sessions, integrity views)
// Migration is one-way; schema_meta records the version.
const CurrentSchemaVersion = 3

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		version INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS config_snapshots (
		config_version TEXT PRIMARY KEY,
		payload_json   TEXT NOT NULL,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		workflow_type     TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'running',
		token_budget      INTEGER NOT NULL,
		tokens_spent      INTEGER NOT NULL DEFAULT 0,
		cost_usd_micro    INTEGER NOT NULL DEFAULT 0,
		context_hash      TEXT DEFAULT '',
		config_version    TEXT NOT NULL,
		active_session_id TEXT DEFAULT '',
		tags_json         TEXT DEFAULT '{}',
		started_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at       DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id                      TEXT PRIMARY KEY,
		conversation_id         TEXT NOT NULL,
		parent_session_id       TEXT DEFAULT '',
		session_number          INTEGER NOT NULL,
		active_generation       INTEGER NOT NULL DEFAULT 1,
		rotation_in_progress    INTEGER NOT NULL DEFAULT 0,
		tokens_budget           INTEGER NOT NULL,
		tokens_spent            INTEGER NOT NULL DEFAULT 0,
		summarize_threshold_pct REAL NOT NULL DEFAULT 60,
		rotate_threshold_pct    REAL NOT NULL DEFAULT 70,
		context_summary_ref     TEXT DEFAULT '',
		preserved_state_json    TEXT DEFAULT '{}',
		status                  TEXT NOT NULL DEFAULT 'active',
		model_name              TEXT DEFAULT '',
		agent_type              TEXT DEFAULT '',
		created_at              DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at            DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_number ON sessions(conversation_id, session_number)`,

	`CREATE TABLE IF NOT EXISTS session_rotations (
		id                     TEXT PRIMARY KEY,
		conversation_id        TEXT NOT NULL,
		from_session_id        TEXT NOT NULL,
		to_session_id          TEXT DEFAULT '',
		"trigger"              TEXT NOT NULL,
		tokens_before_rotation INTEGER NOT NULL DEFAULT 0,
		tokens_threshold       INTEGER NOT NULL DEFAULT 0,
		strategy               TEXT NOT NULL,
		context_summary_ref    TEXT DEFAULT '',
		compression_ratio      REAL NOT NULL DEFAULT 0,
		agent_before           TEXT DEFAULT '',
		agent_after            TEXT DEFAULT '',
		model_before           TEXT DEFAULT '',
		model_after            TEXT DEFAULT '',
		preserved_keys_json    TEXT DEFAULT '[]',
		fallback_used          INTEGER NOT NULL DEFAULT 0,
		started_at             DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at           DATETIME,
		handoff_ms             INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rotations_from ON session_rotations(from_session_id)`,

	`CREATE TABLE IF NOT EXISTS subagent_calls (
		call_key             TEXT PRIMARY KEY,
		id                   TEXT NOT NULL,
		conversation_id      TEXT NOT NULL,
		session_id           TEXT NOT NULL,
		phase                TEXT NOT NULL,
		agent_type           TEXT DEFAULT '',
		model_name           TEXT DEFAULT '',
		provider_fingerprint TEXT DEFAULT '',
		prompt_ref           TEXT DEFAULT '',
		response_ref         TEXT DEFAULT '',
		tokens_in_reserved   INTEGER NOT NULL DEFAULT 0,
		tokens_in_actual     INTEGER NOT NULL DEFAULT 0,
		tokens_out_actual    INTEGER NOT NULL DEFAULT 0,
		cost_usd_micro       INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL DEFAULT 'queued',
		finish_reason        TEXT DEFAULT '',
		error_kind           TEXT DEFAULT '',
		error_message        TEXT DEFAULT '',
		retry_of             TEXT DEFAULT '',
		retry_count          INTEGER NOT NULL DEFAULT 0,
		correlation_id       TEXT DEFAULT '',
		span_id              TEXT DEFAULT '',
		started_at           DATETIME,
		finished_at          DATETIME,
		latency_ms           INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_conversation ON subagent_calls(conversation_id, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_session ON subagent_calls(session_id)`,

	`CREATE TABLE IF NOT EXISTS session_token_usage (
		session_id               TEXT NOT NULL,
		turn_id                  INTEGER NOT NULL,
		call_key                 TEXT DEFAULT '',
		tokens_in                INTEGER NOT NULL DEFAULT 0,
		tokens_out               INTEGER NOT NULL DEFAULT 0,
		tokens_total             INTEGER NOT NULL DEFAULT 0,
		cumulative_tokens        INTEGER NOT NULL DEFAULT 0,
		utilization_pct          REAL NOT NULL DEFAULT 0,
		active_generation        INTEGER NOT NULL DEFAULT 1,
		generation_at_completion INTEGER NOT NULL DEFAULT 0,
		created_at               DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, turn_id)
	)`,

	`CREATE TABLE IF NOT EXISTS budget_reconciliation (
		call_key        TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tokens_reserved INTEGER NOT NULL,
		tokens_actual   INTEGER NOT NULL,
		delta           INTEGER NOT NULL,
		cost_usd_micro  INTEGER NOT NULL DEFAULT 0,
		reconciled_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_conversation ON budget_reconciliation(conversation_id)`,

	`CREATE TABLE IF NOT EXISTS phase_checkpoints (
		conversation_id TEXT NOT NULL,
		phase           TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'running',
		context_hash    TEXT DEFAULT '',
		output_ref      TEXT DEFAULT '',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at    DATETIME,
		PRIMARY KEY (conversation_id, phase)
	)`,
}

// Integrity views surface boot-time inconsistencies (spec behaviors the
// runtime repairs on start). The stuck cutoff matches the default rotation
// hard timeout of 300s.
var integrityViews = []string{
	`CREATE VIEW IF NOT EXISTS v_orphaned_rotations AS
		SELECT r.id, r.from_session_id
		FROM session_rotations r
		LEFT JOIN sessions t ON t.id = r.to_session_id
		WHERE r.to_session_id != '' AND t.id IS NULL`,

	`CREATE VIEW IF NOT EXISTS v_stuck_rotations AS
		SELECT s.id AS session_id, s.conversation_id, s.status
		FROM sessions s
		WHERE s.status IN ('summarizing', 'rotating')
		  AND (julianday('now') - julianday(s.created_at)) * 86400 > 300
		  AND s.completed_at IS NULL`,

	`CREATE VIEW IF NOT EXISTS v_abandoned_active_sessions AS
		SELECT s.id AS session_id, s.conversation_id
		FROM sessions s
		JOIN conversations c ON c.id = s.conversation_id
		WHERE s.status = 'active'
		  AND c.status IN ('completed', 'failed', 'cancelled', 'crashed')`,

	`CREATE VIEW IF NOT EXISTS v_token_mismatch AS
		SELECT c.id AS conversation_id,
		       c.tokens_spent AS recorded,
		       COALESCE(SUM(r.tokens_actual), 0) AS reconciled,
		       c.tokens_spent - COALESCE(SUM(r.tokens_actual), 0) AS drift
		FROM conversations c
		LEFT JOIN budget_reconciliation r ON r.conversation_id = c.id
		WHERE c.status NOT IN ('running')
		GROUP BY c.id
		HAVING ABS(drift) > 100`,
}

// v2→v3 column migrations for databases created before session rotation
// existed. Skipped quietly when the column is already present.
var pendingMigrations = []struct {
	Table  string
	Column string
	Def    string
}{
	{"sessions", "parent_session_id", "TEXT DEFAULT ''"},
	{"sessions", "active_generation", "INTEGER NOT NULL DEFAULT 1"},
	{"sessions", "rotation_in_progress", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "context_summary_ref", "TEXT DEFAULT ''"},
	{"sessions", "preserved_state_json", "TEXT DEFAULT '{}'"},
	{"session_token_usage", "active_generation", "INTEGER NOT NULL DEFAULT 1"},
	{"session_token_usage", "generation_at_completion", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) initialize() error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, ddl := range integrityViews {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create integrity view: %w", err)
		}
	}
	return nil
}

func (s *Store) runMigrations() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version == 0 {
		// Fresh database: stamp and done.
		_, err := s.db.Exec("INSERT INTO schema_meta (version) VALUES (?)", CurrentSchemaVersion)
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	logging.Store("Migrating schema v%d -> v%d", version, CurrentSchemaVersion)
	applied := 0
	for _, m := range pendingMigrations {
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if _, err := s.db.Exec("UPDATE schema_meta SET version = ?", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	logging.Store("Schema migration complete: %d columns added", applied)
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
