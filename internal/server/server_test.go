package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-obs/argus/internal/correlate"
	"github.com/argus-obs/argus/internal/hub"
	"github.com/argus-obs/argus/internal/server"
	"github.com/argus-obs/argus/internal/testutil"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := testutil.NewStore(t)
	logger := testutil.Logger()
	h := hub.New(logger)

	srv := server.New(server.ServerConfig{
		Store:                store,
		Correlator:           correlate.New(store, logger),
		Hub:                  h,
		Logger:               logger,
		Host:                 "127.0.0.1",
		Port:                 0,
		APIKeys:              []string{testAPIKey},
		SessionIdleThreshold: 10 * time.Minute,
		MaxRequestBodyBytes:  512 * 1024,
		Version:              "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, apiKey, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestCreateEventCaptured(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"tool.call","message":"ran ls"}`)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "captured", body["status"])
	assert.Equal(t, float64(1), body["event_id"])

	// Second event gets the next id.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"tool.call"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(2), body["event_id"])
}

func TestCreateEventAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", "",
		`{"source":"x","event_type":"y"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/events", "wrong-key",
		`{"source":"x","event_type":"y"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateEventValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"source":`},
		{"unknown field", `{"source":"x","event_type":"y","bogus":true}`},
		{"empty source", `{"source":"","event_type":"y"}`},
		{"bad source pattern", `{"source":"Bad_Source","event_type":"y"}`},
		{"bad hook", `{"source":"x","event_type":"y","hook":"Whatever"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.NotNil(t, body["error"])
		})
	}
}

func TestQueryEvents(t *testing.T) {
	ts := newTestServer(t)

	for _, src := range []string{"alpha", "beta", "alpha"} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
			`{"source":"`+src+`","event_type":"tick"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/events?source=alpha", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["events"], 2)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/events?limit=1", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/events?limit=abc", testAPIKey, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDiscoveryEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, src := range []string{"zeta", "alpha"} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
			`{"source":"`+src+`","event_type":"tick"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"alpha","event_type":"tock"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/sources", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"alpha", "zeta"}, body["sources"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/event-types", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"tick", "tock"}, body["event_types"])
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"session","hook":"SessionStart","session_id":"sess-1","data":{"project":"argus"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/sessions", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	sess := sessions[0].(map[string]any)
	assert.Equal(t, "sess-1", sess["id"])
	assert.Equal(t, "argus", sess["project"])
	assert.Equal(t, "active", sess["status"])

	resp, sessBody := doJSON(t, http.MethodGet, ts.URL+"/sessions/sess-1", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", sessBody["id"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/sessions/missing", testAPIKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"agent","hook":"PreToolUse","session_id":"sess-1","tool_use_id":"toolu_01","data":{"agent_type":"explore"}}`)
	doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"agent","hook":"PostToolUse","session_id":"sess-1","tool_use_id":"toolu_01","agent_id":"agent-1","status":"success"}`)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/agents", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]any)
	assert.Equal(t, "agent-1", agent["id"])
	assert.Equal(t, "completed", agent["status"])

	resp, agentBody := doJSON(t, http.MethodGet, ts.URL+"/agents/agent-1", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "explore", agentBody["type"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/agents/missing", testAPIKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthNoAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "wal", body["journal_mode"])
}

// wsURL rewrites an httptest base URL for websocket dialing.
func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestWSAuthFailureClosesConnection(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, ctx, c, map[string]string{"type": "auth", "api_key": "wrong"})

	frame := readFrame(t, ctx, c)
	assert.Equal(t, "auth_result", frame["type"])
	assert.Equal(t, "error", frame["status"])

	// The server closes with a policy violation after the error frame.
	_, _, err = c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSUnknownTypeKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, ctx, c, map[string]string{"type": "mystery"})
	frame := readFrame(t, ctx, c)
	assert.Equal(t, "error", frame["type"])

	// Still usable afterwards.
	writeFrame(t, ctx, c, map[string]string{"type": "ping"})
	frame = readFrame(t, ctx, c)
	assert.Equal(t, "pong", frame["type"])
}

func TestWSSubscribeAndReceive(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, ctx, c, map[string]string{"type": "auth", "api_key": testAPIKey})
	frame := readFrame(t, ctx, c)
	require.Equal(t, "auth_result", frame["type"])
	require.Equal(t, "ok", frame["status"])

	writeFrame(t, ctx, c, map[string]any{
		"type":    "subscribe",
		"filters": map[string]string{"source": "claude-code"},
	})
	frame = readFrame(t, ctx, c)
	require.Equal(t, "subscribe_result", frame["type"])
	assert.Equal(t, map[string]any{"source": "claude-code"}, frame["active_filters"])

	// A matching event arrives on the channel.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"claude-code","event_type":"tool.call","message":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	frame = readFrame(t, ctx, c)
	require.Equal(t, "event", frame["type"])
	event := frame["event"].(map[string]any)
	assert.Equal(t, "claude-code", event["source"])
	assert.Equal(t, "hello", event["message"])

	// A non-matching event is filtered out; the next frame received is the
	// lifecycle notification from a session start, which bypasses filters.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/events", testAPIKey,
		`{"source":"other-tool","event_type":"session","hook":"SessionStart","session_id":"sess-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	frame = readFrame(t, ctx, c)
	require.Equal(t, "session_created", frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "sess-1", payload["session_id"])
}
