package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-obs/argus/internal/model"
)

// The agent state machine treats tool_use_id and the real agent id as two
// lookup keys into one record, valid in different phases. A pending row is
// keyed by tool_use_id; the rekey operation rewrites id to the real agent id
// while keeping tool_use_id as a secondary lookup column, so the record stays
// findable by the transient key during the transition window.

// PendingAgent describes a not-yet-identified agent created at tool
// invocation time.
type PendingAgent struct {
	ToolUseID     string
	SessionID     string
	Type          string
	Name          string
	ParentAgentID string
}

// CreatePendingAgent idempotently creates a pending agent keyed by its
// tool_use_id. Returns true when a row was created; duplicate delivery of the
// same invocation signal is a no-op.
func (s *Store) CreatePendingAgent(ctx context.Context, a PendingAgent) (bool, error) {
	if a.Type == "" {
		a.Type = "subagent"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (id, tool_use_id, type, name, session_id, parent_agent_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ToolUseID, a.ToolUseID, a.Type, nullStr(a.Name), nullStr(a.SessionID),
		nullStr(a.ParentAgentID), model.AgentPending, s.now().UTC().Format(model.TimestampLayout))
	if err != nil {
		return false, fmt.Errorf("storage: create pending agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: create pending agent count: %w", err)
	}
	return n > 0, nil
}

// CreateRunningAgent idempotently creates an agent directly keyed by its real
// id, already in the running state. This is the legacy SubagentStart path.
func (s *Store) CreateRunningAgent(ctx context.Context, agentID, sessionID, agentType, name, parentAgentID string) (bool, error) {
	if agentType == "" {
		agentType = "subagent"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (id, type, name, session_id, parent_agent_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, agentType, nullStr(name), nullStr(sessionID),
		nullStr(parentAgentID), model.AgentRunning, s.now().UTC().Format(model.TimestampLayout))
	if err != nil {
		return false, fmt.Errorf("storage: create running agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: create running agent count: %w", err)
	}
	return n > 0, nil
}

// ActivateAgent rekeys a pending agent from its tool_use_id to the discovered
// agent id and moves it to running. Returns true when state changed. If the
// final id already exists or no pending row matches, the call is a no-op
// (duplicate or out-of-order delivery).
func (s *Store) ActivateAgent(ctx context.Context, toolUseID, agentID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.agentExists(ctx, agentID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET id = ?, status = ? WHERE id = ? AND status = ?`,
		agentID, model.AgentRunning, toolUseID, model.AgentPending)
	if err != nil {
		return false, fmt.Errorf("storage: activate agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: activate agent count: %w", err)
	}
	return n > 0, nil
}

// CompleteAgent moves an agent to a terminal state, rekeying from toolUseID
// first if the row is still pending-keyed. event_count is computed from the
// stored events carrying the final agent id. Idempotent: completing an
// already-terminal agent (or an unknown one) changes nothing and returns
// false.
func (s *Store) CompleteAgent(ctx context.Context, toolUseID, agentID string, status model.AgentStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("storage: %q is not a terminal agent status", status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Rekey first when the record is still under its transient key.
	exists, err := s.agentExists(ctx, agentID)
	if err != nil {
		return false, err
	}
	if !exists {
		if toolUseID == "" {
			return false, nil // unknown agent: correlation skipped upstream
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE agents SET id = ? WHERE id = ? AND status IN (?, ?)`,
			agentID, toolUseID, model.AgentPending, model.AgentRunning)
		if err != nil {
			return false, fmt.Errorf("storage: rekey agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
	}

	count, err := s.countEventsByAgentLocked(ctx, agentID)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, completed_at = ?, event_count = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, s.now().UTC().Format(model.TimestampLayout), count,
		agentID, model.AgentPending, model.AgentRunning)
	if err != nil {
		return false, fmt.Errorf("storage: complete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: complete agent count: %w", err)
	}
	return n > 0, nil
}

func (s *Store) agentExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: agent exists: %w", err)
	}
	return true, nil
}

// countEventsByAgentLocked is CountEventsByAgent for callers already holding
// the write lock.
func (s *Store) countEventsByAgentLocked(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count events by agent: %w", err)
	}
	return n, nil
}

// GetAgent returns the agent under its current primary id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelectSQL+` WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByToolUse looks an agent up by its transient correlation key. Valid
// during the pending and running phases; after completion callers should hold
// the real id.
func (s *Store) GetAgentByToolUse(ctx context.Context, toolUseID string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelectSQL+` WHERE tool_use_id = ?`, toolUseID)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent by tool_use_id: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents, most recently created first.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelectSQL+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

const agentSelectSQL = `
	SELECT id, tool_use_id, type, name, session_id, parent_agent_id,
	       status, created_at, completed_at, event_count
	FROM agents`

func scanAgent(scan func(...any) error) (model.Agent, error) {
	var (
		a           model.Agent
		toolUseID   sql.NullString
		name        sql.NullString
		sessionID   sql.NullString
		parentID    sql.NullString
		completedAt sql.NullString
	)
	if err := scan(&a.ID, &toolUseID, &a.Type, &name, &sessionID, &parentID,
		&a.Status, &a.CreatedAt, &completedAt, &a.EventCount); err != nil {
		return model.Agent{}, err
	}
	a.ToolUseID = strOrEmpty(toolUseID)
	a.Name = strOrEmpty(name)
	a.SessionID = strOrEmpty(sessionID)
	a.ParentAgentID = strOrEmpty(parentID)
	a.CompletedAt = strOrEmpty(completedAt)
	return a, nil
}
