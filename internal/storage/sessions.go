package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/argus-obs/argus/internal/model"
)

// CreateSession idempotently creates an active session. Returns true when a
// row was created; a duplicate start signal is a no-op that leaves started_at
// untouched.
func (s *Store) CreateSession(ctx context.Context, id, project, startedAt string) (bool, error) {
	if startedAt == "" {
		startedAt = s.now().UTC().Format(model.TimestampLayout)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, project, started_at, status)
		 VALUES (?, ?, ?, ?)`,
		id, nullStr(project), startedAt, model.SessionActive)
	if err != nil {
		return false, fmt.Errorf("storage: create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: create session count: %w", err)
	}
	return n > 0, nil
}

// EndSession marks an active session ended. Returns true when state changed;
// unknown or already-ended sessions are no-ops.
func (s *Store) EndSession(ctx context.Context, id, endedAt string) (bool, error) {
	if endedAt == "" {
		endedAt = s.now().UTC().Format(model.TimestampLayout)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ? AND status = ?`,
		endedAt, model.SessionEnded, id, model.SessionActive)
	if err != nil {
		return false, fmt.Errorf("storage: end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: end session count: %w", err)
	}
	return n > 0, nil
}

// GetSession returns one session with derived fields, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string, idleThreshold time.Duration) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectSQL+` WHERE s.id = ?`, id)
	sess, err := scanSession(row.Scan, s.now(), idleThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, most recently started first, with the
// derived agent_count and is_idle fields populated.
func (s *Store) ListSessions(ctx context.Context, idleThreshold time.Duration) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectSQL+` ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	now := s.now()
	sessions := []model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows.Scan, now, idleThreshold)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const sessionSelectSQL = `
	SELECT s.id, s.project, s.started_at, s.ended_at, s.status,
	       (SELECT COUNT(*) FROM agents a WHERE a.session_id = s.id),
	       (SELECT MAX(e.timestamp) FROM events e WHERE e.session_id = s.id)
	FROM sessions s`

func scanSession(scan func(...any) error, now time.Time, idleThreshold time.Duration) (model.Session, error) {
	var (
		sess         model.Session
		project      sql.NullString
		endedAt      sql.NullString
		lastActivity sql.NullString
	)
	if err := scan(&sess.ID, &project, &sess.StartedAt, &endedAt, &sess.Status,
		&sess.AgentCount, &lastActivity); err != nil {
		return model.Session{}, err
	}
	sess.Project = strOrEmpty(project)
	sess.EndedAt = strOrEmpty(endedAt)
	sess.IsIdle = sessionIdle(sess.Status, strOrEmpty(lastActivity), now, idleThreshold)
	return sess, nil
}

// sessionIdle derives the is_idle flag: an active session with no event
// inside the threshold window, or no event ever, is idle. Unparseable
// activity timestamps count as no activity.
func sessionIdle(status model.SessionStatus, lastActivity string, now time.Time, threshold time.Duration) bool {
	if status != model.SessionActive {
		return false
	}
	if lastActivity == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, lastActivity)
	if err != nil {
		return true
	}
	return now.UTC().Sub(last) > threshold
}
