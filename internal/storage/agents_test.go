package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-obs/argus/internal/model"
)

func TestCreatePendingAgentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreatePendingAgent(ctx, PendingAgent{
		ToolUseID: "toolu_01", SessionID: "sess-1", Type: "explore", Name: "scout",
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Duplicate invocation signal: exactly one row.
	created, err = s.CreatePendingAgent(ctx, PendingAgent{
		ToolUseID: "toolu_01", SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.False(t, created)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "toolu_01", agents[0].ID)
	assert.Equal(t, model.AgentPending, agents[0].Status)
	assert.Equal(t, "explore", agents[0].Type)
	assert.Equal(t, "scout", agents[0].Name)
}

func TestCreatePendingAgentDefaultsType(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreatePendingAgent(context.Background(), PendingAgent{ToolUseID: "toolu_01"})
	require.NoError(t, err)

	a, err := s.GetAgent(context.Background(), "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, "subagent", a.Type)
}

func TestActivateAgentRekeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePendingAgent(ctx, PendingAgent{ToolUseID: "toolu_01", SessionID: "sess-1"})
	require.NoError(t, err)

	changed, err := s.ActivateAgent(ctx, "toolu_01", "agent-1")
	require.NoError(t, err)
	assert.True(t, changed)

	// Retrievable under the real id, and still findable by the transient key.
	a, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunning, a.Status)
	assert.Equal(t, "toolu_01", a.ToolUseID)

	_, err = s.GetAgent(ctx, "toolu_01")
	assert.True(t, errors.Is(err, ErrNotFound), "transient id must no longer be the primary key")

	byTool, err := s.GetAgentByToolUse(ctx, "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", byTool.ID)

	// Duplicate activation is a no-op.
	changed, err = s.ActivateAgent(ctx, "toolu_01", "agent-1")
	require.NoError(t, err)
	assert.False(t, changed)

	// Activating an unknown transient key is a no-op.
	changed, err = s.ActivateAgent(ctx, "toolu_unknown", "agent-2")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCompleteAgentFullLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePendingAgent(ctx, PendingAgent{ToolUseID: "toolu_01", SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = s.ActivateAgent(ctx, "toolu_01", "agent-1")
	require.NoError(t, err)

	// Events attributed to the final id feed event_count.
	for i := 0; i < 3; i++ {
		_, err := s.InsertEvent(ctx, model.Event{
			Source: "test", EventType: "tick", AgentID: "agent-1",
		})
		require.NoError(t, err)
	}
	_, err = s.InsertEvent(ctx, model.Event{Source: "test", EventType: "tick", AgentID: "agent-other"})
	require.NoError(t, err)

	changed, err := s.CompleteAgent(ctx, "toolu_01", "agent-1", model.AgentCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	a, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, a.Status)
	assert.Equal(t, int64(3), a.EventCount)
	assert.NotEmpty(t, a.CompletedAt)

	// Completing an already-terminal agent changes nothing.
	changed, err = s.CompleteAgent(ctx, "toolu_01", "agent-1", model.AgentFailed)
	require.NoError(t, err)
	assert.False(t, changed)

	a, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, a.Status, "terminal state must not be overwritten")
}

func TestCompleteAgentRekeysPendingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// PostToolUse can arrive without a prior activation signal: the pending
	// row is rekeyed and completed in one step.
	_, err := s.CreatePendingAgent(ctx, PendingAgent{ToolUseID: "toolu_01", SessionID: "sess-1"})
	require.NoError(t, err)

	changed, err := s.CompleteAgent(ctx, "toolu_01", "agent-1", model.AgentFailed)
	require.NoError(t, err)
	assert.True(t, changed)

	a, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, a.Status)
}

func TestCompleteAgentUnknownIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	changed, err := s.CompleteAgent(ctx, "", "agent-ghost", model.AgentCompleted)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.CompleteAgent(ctx, "toolu_ghost", "agent-ghost", model.AgentCompleted)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCompleteAgentRejectsNonTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CompleteAgent(context.Background(), "", "agent-1", model.AgentRunning)
	assert.Error(t, err)
}

func TestCreateRunningAgentLegacyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateRunningAgent(ctx, "agent-1", "sess-1", "", "worker", "")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateRunningAgent(ctx, "agent-1", "sess-1", "", "worker", "")
	require.NoError(t, err)
	assert.False(t, created)

	a, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunning, a.Status)
	assert.Equal(t, "subagent", a.Type)
	assert.Empty(t, a.ToolUseID)

	changed, err := s.CompleteAgent(ctx, "", "agent-1", model.AgentCompleted)
	require.NoError(t, err)
	assert.True(t, changed)
}
