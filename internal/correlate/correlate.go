// Package correlate derives session and agent lifecycle state from the
// ingested event stream. It has no API surface of its own: the gateway feeds
// every stored event through Observe and broadcasts the changes it reports.
package correlate

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/argus-obs/argus/internal/model"
	"github.com/argus-obs/argus/internal/storage"
)

// ChangeKind names a lifecycle state transition that actually happened.
type ChangeKind string

const (
	SessionCreated ChangeKind = "session_created"
	SessionEnded   ChangeKind = "session_ended"
	AgentCreated   ChangeKind = "agent_created"
	AgentUpdated   ChangeKind = "agent_updated"
)

// Change is one observed transition. SessionID and AgentID identify the
// affected record; AgentID is empty for session changes.
type Change struct {
	Kind      ChangeKind
	SessionID string
	AgentID   string
}

// Store is the subset of the storage layer the correlator drives.
type Store interface {
	CreateSession(ctx context.Context, id, project, startedAt string) (bool, error)
	EndSession(ctx context.Context, id, endedAt string) (bool, error)
	CreatePendingAgent(ctx context.Context, a storage.PendingAgent) (bool, error)
	CreateRunningAgent(ctx context.Context, agentID, sessionID, agentType, name, parentAgentID string) (bool, error)
	ActivateAgent(ctx context.Context, toolUseID, agentID string) (bool, error)
	CompleteAgent(ctx context.Context, toolUseID, agentID string, status model.AgentStatus) (bool, error)
}

// Correlator interprets lifecycle hooks on ingested events and applies the
// resulting transitions to the store. Failures here never fail ingestion:
// storage errors are logged and swallowed, missing correlation fields are
// logged at debug and skipped.
type Correlator struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Correlator {
	return &Correlator{store: store, logger: logger}
}

// Observe inspects one stored event and applies any lifecycle transitions it
// signals. It returns the changes that actually altered state, so the caller
// can decide whether to emit lifecycle notifications. No-op transitions
// (duplicate delivery, unknown records) return no change.
func (c *Correlator) Observe(ctx context.Context, ev model.Event) []Change {
	switch ev.Hook {
	case model.HookSessionStart:
		return c.sessionStart(ctx, ev)
	case model.HookSessionEnd:
		return c.sessionEnd(ctx, ev)
	case model.HookPreToolUse:
		if ev.EventType == "agent" {
			return c.agentPending(ctx, ev)
		}
	case model.HookPostToolUse:
		if ev.EventType == "agent" {
			return c.agentTerminal(ctx, ev, ev.ToolUseID, ev.AgentID)
		}
	case model.HookSubagentStart:
		return c.agentRunning(ctx, ev)
	case model.HookSubagentStop:
		return c.agentTerminal(ctx, ev, "", ev.AgentID)
	case model.HookSubagentActivated:
		return c.agentActivated(ctx, ev)
	}
	return nil
}

func (c *Correlator) sessionStart(ctx context.Context, ev model.Event) []Change {
	if ev.SessionID == "" {
		c.skip(ev, "session_id missing")
		return nil
	}
	project := gjson.GetBytes(ev.Data, "project").String()
	created, err := c.store.CreateSession(ctx, ev.SessionID, project, ev.Timestamp)
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !created {
		return nil
	}
	return []Change{{Kind: SessionCreated, SessionID: ev.SessionID}}
}

func (c *Correlator) sessionEnd(ctx context.Context, ev model.Event) []Change {
	if ev.SessionID == "" {
		c.skip(ev, "session_id missing")
		return nil
	}
	ended, err := c.store.EndSession(ctx, ev.SessionID, ev.Timestamp)
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !ended {
		return nil
	}
	return []Change{{Kind: SessionEnded, SessionID: ev.SessionID}}
}

func (c *Correlator) agentPending(ctx context.Context, ev model.Event) []Change {
	if ev.ToolUseID == "" || ev.SessionID == "" {
		c.skip(ev, "tool_use_id or session_id missing")
		return nil
	}
	created, err := c.store.CreatePendingAgent(ctx, storage.PendingAgent{
		ToolUseID:     ev.ToolUseID,
		SessionID:     ev.SessionID,
		Type:          gjson.GetBytes(ev.Data, "agent_type").String(),
		Name:          gjson.GetBytes(ev.Data, "agent_name").String(),
		ParentAgentID: gjson.GetBytes(ev.Data, "parent_agent_id").String(),
	})
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !created {
		return nil
	}
	return []Change{{Kind: AgentCreated, SessionID: ev.SessionID, AgentID: ev.ToolUseID}}
}

func (c *Correlator) agentRunning(ctx context.Context, ev model.Event) []Change {
	if ev.AgentID == "" || ev.SessionID == "" {
		c.skip(ev, "agent_id or session_id missing")
		return nil
	}
	created, err := c.store.CreateRunningAgent(ctx, ev.AgentID, ev.SessionID,
		gjson.GetBytes(ev.Data, "agent_type").String(),
		gjson.GetBytes(ev.Data, "agent_name").String(),
		gjson.GetBytes(ev.Data, "parent_agent_id").String())
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !created {
		return nil
	}
	return []Change{{Kind: AgentCreated, SessionID: ev.SessionID, AgentID: ev.AgentID}}
}

func (c *Correlator) agentActivated(ctx context.Context, ev model.Event) []Change {
	if ev.ToolUseID == "" || ev.AgentID == "" {
		c.skip(ev, "tool_use_id or agent_id missing")
		return nil
	}
	changed, err := c.store.ActivateAgent(ctx, ev.ToolUseID, ev.AgentID)
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !changed {
		return nil
	}
	return []Change{{Kind: AgentUpdated, SessionID: ev.SessionID, AgentID: ev.AgentID}}
}

func (c *Correlator) agentTerminal(ctx context.Context, ev model.Event, toolUseID, agentID string) []Change {
	if agentID == "" {
		c.skip(ev, "agent_id missing")
		return nil
	}
	terminal := model.AgentFailed
	if ev.Status == model.StatusSuccess {
		terminal = model.AgentCompleted
	}
	changed, err := c.store.CompleteAgent(ctx, toolUseID, agentID, terminal)
	if err != nil {
		c.fail(ev, err)
		return nil
	}
	if !changed {
		return nil
	}
	return []Change{{Kind: AgentUpdated, SessionID: ev.SessionID, AgentID: agentID}}
}

func (c *Correlator) skip(ev model.Event, reason string) {
	c.logger.Debug("correlation skipped",
		slog.Int64("event_id", ev.ID),
		slog.String("hook", string(ev.Hook)),
		slog.String("reason", reason))
}

func (c *Correlator) fail(ev model.Event, err error) {
	c.logger.Warn("correlation failed",
		slog.Int64("event_id", ev.ID),
		slog.String("hook", string(ev.Hook)),
		slog.String("error", err.Error()))
}
