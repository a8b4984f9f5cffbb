// Package model defines the closed record types that cross the ingestion
// boundary. Validation happens once here; the storage and correlation layers
// never re-validate.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the canonical wire and storage format: ISO-8601 UTC with
// a trailing Z. Microsecond precision keeps lexicographic order equal to
// chronological order for store-assigned timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Level is the log severity of an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Hook is a named lifecycle signal point in the producing agent's execution.
type Hook string

const (
	HookPreToolUse        Hook = "PreToolUse"
	HookPostToolUse       Hook = "PostToolUse"
	HookStop              Hook = "Stop"
	HookSessionStart      Hook = "SessionStart"
	HookSessionEnd        Hook = "SessionEnd"
	HookSubagentStart     Hook = "SubagentStart"
	HookSubagentStop      Hook = "SubagentStop"
	HookSubagentActivated Hook = "SubagentActivated"
	HookUserPromptSubmit  Hook = "UserPromptSubmit"
)

// EventStatus is the reported outcome of a correlated operation.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusPending EventStatus = "pending"
)

// Field length limits for inbound events. These bound what a single producer
// can push into TEXT columns and broadcast frames.
const (
	MaxSourceLen    = 50
	MaxEventTypeLen = 50
	MaxMessageLen   = 2000
)

var (
	sourcePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
)

var validHooks = map[Hook]bool{
	HookPreToolUse: true, HookPostToolUse: true, HookStop: true,
	HookSessionStart: true, HookSessionEnd: true,
	HookSubagentStart: true, HookSubagentStop: true,
	HookSubagentActivated: true, HookUserPromptSubmit: true,
}

// Event is a stored event. Immutable once written; the id is assigned by the
// store and is never reused or reordered.
type Event struct {
	ID        int64           `json:"id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Message   string          `json:"message,omitempty"`
	Level     Level           `json:"level,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Correlation metadata, all optional.
	SessionID    string      `json:"session_id,omitempty"`
	Hook         Hook        `json:"hook,omitempty"`
	ToolName     string      `json:"tool_name,omitempty"`
	ToolUseID    string      `json:"tool_use_id,omitempty"`
	Status       EventStatus `json:"status,omitempty"`
	AgentID      string      `json:"agent_id,omitempty"`
	IsBackground *bool       `json:"is_background,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
}

// EventCreate is the ingestion payload for POST /events. Validate normalizes
// and checks it; a passing EventCreate converts losslessly to an Event.
type EventCreate struct {
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
	Level     string          `json:"level,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	SessionID    string `json:"session_id,omitempty"`
	Hook         string `json:"hook,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolUseID    string `json:"tool_use_id,omitempty"`
	Status       string `json:"status,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	IsBackground *bool  `json:"is_background,omitempty"`
}

// Validate normalizes the payload in place and returns the first violation.
func (c *EventCreate) Validate() error {
	c.Source = strings.TrimSpace(c.Source)
	if c.Source == "" {
		return fmt.Errorf("source must not be empty")
	}
	if len(c.Source) > MaxSourceLen {
		return fmt.Errorf("source exceeds maximum length of %d characters", MaxSourceLen)
	}
	if !sourcePattern.MatchString(c.Source) {
		return fmt.Errorf("source must start with a lowercase letter and contain only lowercase letters, digits, and hyphens")
	}

	c.EventType = strings.TrimSpace(c.EventType)
	if c.EventType == "" {
		return fmt.Errorf("event_type must not be empty")
	}
	if len(c.EventType) > MaxEventTypeLen {
		return fmt.Errorf("event_type exceeds maximum length of %d characters", MaxEventTypeLen)
	}
	if !eventTypePattern.MatchString(c.EventType) {
		return fmt.Errorf("event_type must start with a lowercase letter and contain only lowercase letters, digits, underscores, and dots")
	}

	if len(c.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d characters", MaxMessageLen)
	}

	if c.Level != "" {
		c.Level = strings.ToLower(strings.TrimSpace(c.Level))
		switch Level(c.Level) {
		case LevelDebug, LevelInfo, LevelWarn, LevelError:
		default:
			return fmt.Errorf("level must be one of debug, info, warn, error")
		}
	}

	if c.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, c.Timestamp); err != nil {
			return fmt.Errorf("timestamp must be valid ISO-8601: %v", err)
		}
	}

	if c.Hook != "" && !validHooks[Hook(c.Hook)] {
		return fmt.Errorf("hook %q is not a recognized lifecycle hook", c.Hook)
	}

	if c.Status != "" {
		switch EventStatus(c.Status) {
		case StatusSuccess, StatusFailure, StatusPending:
		default:
			return fmt.Errorf("status must be one of success, failure, pending")
		}
	}

	return nil
}

// Event converts a validated payload to its storable form. The store assigns
// the id and, when Timestamp is empty, the current time.
func (c *EventCreate) Event() Event {
	return Event{
		Source:       c.Source,
		EventType:    c.EventType,
		Timestamp:    c.Timestamp,
		Message:      c.Message,
		Level:        Level(c.Level),
		Data:         c.Data,
		SessionID:    c.SessionID,
		Hook:         Hook(c.Hook),
		ToolName:     c.ToolName,
		ToolUseID:    c.ToolUseID,
		Status:       EventStatus(c.Status),
		AgentID:      c.AgentID,
		IsBackground: c.IsBackground,
	}
}

// FilterFields returns the event's filterable fields as a flat map, used by
// the broadcast hub for per-connection filter matching.
func (e *Event) FilterFields() map[string]string {
	return map[string]string{
		"source":     e.Source,
		"event_type": e.EventType,
		"level":      string(e.Level),
		"session_id": e.SessionID,
		"hook":       string(e.Hook),
		"tool_name":  e.ToolName,
		"status":     string(e.Status),
		"agent_id":   e.AgentID,
	}
}

// QueryFilters are the equality and range filters accepted by the event
// store. Empty string means "not filtered". All provided filters AND.
type QueryFilters struct {
	Source    string
	EventType string
	Level     string
	SessionID string
	Hook      string
	ToolName  string
	Status    string
	AgentID   string
	Since     string // inclusive lower bound on timestamp
	Until     string // inclusive upper bound on timestamp
	Limit     int    // clamped to [1, MaxQueryLimit]; 0 means DefaultQueryLimit
}

// Query limit bounds. The store clamps whatever it is given into this range
// so a caller can never force an unbounded scan.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)
