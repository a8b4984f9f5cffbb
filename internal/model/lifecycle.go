package model

// SessionStatus is the lifecycle state of a tracked session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one tracked run of a producing tool. The id is externally
// supplied and used as the primary key.
type Session struct {
	ID        string        `json:"id"`
	Project   string        `json:"project,omitempty"`
	StartedAt string        `json:"started_at"`
	EndedAt   string        `json:"ended_at,omitempty"`
	Status    SessionStatus `json:"status"`

	// Derived at read time, never persisted.
	AgentCount int  `json:"agent_count"`
	IsIdle     bool `json:"is_idle"`
}

// AgentStatus is one of the agent state machine's phases. Pending agents are
// keyed by their transient tool_use_id; the running transition rekeys the
// record to the real agent id; completed and failed are terminal.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// Agent is a tracked subagent or tool invocation. ID holds the tool_use_id
// while the agent is pending and the real agent id once discovered; ToolUseID
// keeps the transient key so the record stays findable by it during the
// rewrite window.
type Agent struct {
	ID            string      `json:"id"`
	ToolUseID     string      `json:"tool_use_id,omitempty"`
	Type          string      `json:"type"`
	Name          string      `json:"name,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	ParentAgentID string      `json:"parent_agent_id,omitempty"`
	Status        AgentStatus `json:"status"`
	CreatedAt     string      `json:"created_at"`
	CompletedAt   string      `json:"completed_at,omitempty"`
	EventCount    int64       `json:"event_count"`
}
