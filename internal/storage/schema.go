package storage

import (
	"database/sql"
	"fmt"

	"github.com/tidwall/gjson"
)

// Base schema. The events table deliberately carries only the original
// columns here; the correlation columns arrive through eventColumnMigrations
// so that a legacy database and a fresh one take the same code path.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source TEXT NOT NULL,
  event_type TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  message TEXT,
  level TEXT,
  data TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_level ON events(level);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  project TEXT,
  started_at TEXT NOT NULL,
  ended_at TEXT,
  status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  tool_use_id TEXT,
  type TEXT NOT NULL DEFAULT 'subagent',
  name TEXT,
  session_id TEXT,
  parent_agent_id TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at TEXT NOT NULL,
  completed_at TEXT,
  event_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
CREATE INDEX IF NOT EXISTS idx_agents_tool_use ON agents(tool_use_id);
`

// eventColumnMigrations are the additive correlation columns. Order is
// irrelevant; each ALTER runs on its own so it is individually atomic, and a
// column that already exists is skipped.
var eventColumnMigrations = []struct {
	column string
	ddl    string
}{
	{"session_id", "ALTER TABLE events ADD COLUMN session_id TEXT"},
	{"hook", "ALTER TABLE events ADD COLUMN hook TEXT"},
	{"tool_name", "ALTER TABLE events ADD COLUMN tool_name TEXT"},
	{"tool_use_id", "ALTER TABLE events ADD COLUMN tool_use_id TEXT"},
	{"status", "ALTER TABLE events ADD COLUMN status TEXT"},
	{"agent_id", "ALTER TABLE events ADD COLUMN agent_id TEXT"},
	{"is_background", "ALTER TABLE events ADD COLUMN is_background INTEGER"},
}

// Indexes over migrated columns, created after the columns exist.
const migratedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// migrateSchema detects which correlation columns already exist on the events
// table and adds the missing ones.
func (s *Store) migrateSchema() error {
	existing, err := s.tableColumns("events")
	if err != nil {
		return err
	}

	for _, m := range eventColumnMigrations {
		if existing[m.column] {
			continue
		}
		s.logger.Info("storage: adding column", "table", "events", "column", m.column)
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("storage: add column %s: %w", m.column, err)
		}
	}

	if _, err := s.db.Exec(migratedIndexSQL); err != nil {
		return fmt.Errorf("storage: create migrated indexes: %w", err)
	}
	return nil
}

// tableColumns returns the set of column names on a table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("storage: table_info %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("storage: scan table_info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

// backfillSessionIDs populates events.session_id for legacy rows that carried
// it only inside the opaque data payload. Rows whose payload has no
// session_id are left alone. Returns the number of rows updated.
func (s *Store) backfillSessionIDs() (int64, error) {
	rows, err := s.db.Query(
		`SELECT id, data FROM events WHERE session_id IS NULL AND data IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("storage: scan backfill candidates: %w", err)
	}

	type update struct {
		id        int64
		sessionID string
	}
	var updates []update
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan backfill row: %w", err)
		}
		if sid := gjson.Get(data, "session_id").String(); sid != "" {
			updates = append(updates, update{id: id, sessionID: sid})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: backfill rows: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var n int64
	for _, u := range updates {
		res, err := s.db.Exec(
			`UPDATE events SET session_id = ? WHERE id = ? AND session_id IS NULL`,
			u.sessionID, u.id)
		if err != nil {
			return n, fmt.Errorf("storage: backfill event %d: %w", u.id, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}
