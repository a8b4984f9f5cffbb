package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/argus-obs/argus/internal/model"
)

// InsertEvent durably stores one event and returns it with the assigned id
// and timestamp filled in. If this call returns nil error, the event is
// recoverable by any subsequent query, including after a crash: the write is
// committed to the WAL before control returns to the caller.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.Timestamp == "" {
		ev.Timestamp = s.now().UTC().Format(model.TimestampLayout)
	}

	var data any
	if len(ev.Data) > 0 {
		data = string(ev.Data)
	}
	var background any
	if ev.IsBackground != nil {
		background = *ev.IsBackground
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (source, event_type, timestamp, message, level, data,
		                     session_id, hook, tool_name, tool_use_id, status, agent_id, is_background)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Source, ev.EventType, ev.Timestamp,
		nullStr(ev.Message), nullStr(string(ev.Level)), data,
		nullStr(ev.SessionID), nullStr(string(ev.Hook)), nullStr(ev.ToolName),
		nullStr(ev.ToolUseID), nullStr(string(ev.Status)), nullStr(ev.AgentID),
		background,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: event id after insert: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// QueryEvents returns events matching all provided filters, newest first.
// The limit is clamped into [1, model.MaxQueryLimit]; the database never
// materializes more than limit rows.
func (s *Store) QueryEvents(ctx context.Context, f model.QueryFilters) ([]model.Event, error) {
	where, args := buildEventWhereClause(f)

	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	if limit > model.MaxQueryLimit {
		limit = model.MaxQueryLimit
	}
	args = append(args, limit)

	query := `SELECT id, source, event_type, timestamp, message, level, data, created_at,
	                 session_id, hook, tool_name, tool_use_id, status, agent_id, is_background
	          FROM events` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// buildEventWhereClause assembles the WHERE clause from pre-defined safe
// fragments; user input only ever appears as bind parameters.
func buildEventWhereClause(f model.QueryFilters) (string, []any) {
	var clauses []string
	var args []any

	eq := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	eq("source", f.Source)
	eq("event_type", f.EventType)
	eq("level", f.Level)
	eq("session_id", f.SessionID)
	eq("hook", f.Hook)
	eq("tool_name", f.ToolName)
	eq("status", f.Status)
	eq("agent_id", f.AgentID)

	if f.Since != "" {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until)
	}

	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// scanEvents always returns a non-nil slice so an empty result serializes
// as [] rather than null.
func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	events := []model.Event{}
	for rows.Next() {
		var (
			e          model.Event
			message    sql.NullString
			level      sql.NullString
			data       sql.NullString
			createdAt  sql.NullString
			sessionID  sql.NullString
			hook       sql.NullString
			toolName   sql.NullString
			toolUseID  sql.NullString
			status     sql.NullString
			agentID    sql.NullString
			background sql.NullBool
		)
		if err := rows.Scan(
			&e.ID, &e.Source, &e.EventType, &e.Timestamp, &message, &level, &data, &createdAt,
			&sessionID, &hook, &toolName, &toolUseID, &status, &agentID, &background,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Message = strOrEmpty(message)
		e.Level = model.Level(strOrEmpty(level))
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		e.CreatedAt = strOrEmpty(createdAt)
		e.SessionID = strOrEmpty(sessionID)
		e.Hook = model.Hook(strOrEmpty(hook))
		e.ToolName = strOrEmpty(toolName)
		e.ToolUseID = strOrEmpty(toolUseID)
		e.Status = model.EventStatus(strOrEmpty(status))
		e.AgentID = strOrEmpty(agentID)
		if background.Valid {
			b := background.Bool
			e.IsBackground = &b
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DistinctSources returns every distinct event source, alphabetically sorted.
func (s *Store) DistinctSources(ctx context.Context) ([]string, error) {
	return s.distinctColumn(ctx, "source")
}

// DistinctEventTypes returns every distinct event type, alphabetically sorted.
func (s *Store) DistinctEventTypes(ctx context.Context) ([]string, error) {
	return s.distinctColumn(ctx, "event_type")
}

func (s *Store) distinctColumn(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM events ORDER BY %s ASC", column, column))
	if err != nil {
		return nil, fmt.Errorf("storage: distinct %s: %w", column, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan distinct %s: %w", column, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CleanupEvents deletes all events older than retentionDays before now and
// returns the deleted count. With vacuum set, reclaims file space afterward.
// Safe to call concurrently with InsertEvent; both hold the write lock, so a
// cleanup never deletes an event mid-write.
func (s *Store) CleanupEvents(ctx context.Context, retentionDays int, vacuum bool) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("storage: negative retention days %d", retentionDays)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(model.TimestampLayout)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup count: %w", err)
	}

	if vacuum && deleted > 0 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return deleted, fmt.Errorf("storage: vacuum: %w", err)
		}
	}
	return deleted, nil
}

// CountEventsByAgent returns how many stored events carry the given agent id.
func (s *Store) CountEventsByAgent(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count events by agent: %w", err)
	}
	return n, nil
}
