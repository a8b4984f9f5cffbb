package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds one frame write to a subscriber. A peer that cannot
// drain a frame within this window is treated as gone.
const writeTimeout = 5 * time.Second

// clientFrame is any inbound message on the live channel.
type clientFrame struct {
	Type    string            `json:"type"`
	APIKey  string            `json:"api_key,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// wsConn pairs a websocket with a mutex so hub broadcasts and direct replies
// never write concurrently.
type wsConn struct {
	sock *websocket.Conn

	mu sync.Mutex
}

func (c *wsConn) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.sock.Write(wctx, websocket.MessageText, frame)
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// HandleWS handles GET /ws: the bidirectional live channel. The connection
// registers with the hub immediately but receives no broadcasts until an
// auth frame with a valid key arrives. A failed auth closes the connection
// with a policy-violation code; an unrecognized frame type gets an error
// frame and the connection stays open.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-network tool, subscribers come from any origin
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		return
	}

	conn := &wsConn{sock: sock}
	ctx := r.Context()

	id := h.hub.Connect(func(frame []byte) error {
		return conn.write(context.Background(), frame)
	})
	defer h.hub.Disconnect(id)
	defer sock.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.writeJSON(ctx, map[string]string{
				"type":    "error",
				"message": "invalid JSON frame",
			})
			continue
		}

		switch frame.Type {
		case "auth":
			if !h.apiKeys[frame.APIKey] {
				_ = conn.writeJSON(ctx, map[string]string{
					"type":    "auth_result",
					"status":  "error",
					"message": "invalid API key",
				})
				sock.Close(websocket.StatusPolicyViolation, "authentication failed")
				return
			}
			h.hub.Authenticate(id)
			_ = conn.writeJSON(ctx, map[string]string{
				"type":    "auth_result",
				"status":  "ok",
				"message": "authenticated",
			})

		case "subscribe":
			h.hub.SetFilters(id, frame.Filters)
			filters := frame.Filters
			if filters == nil {
				filters = map[string]string{}
			}
			_ = conn.writeJSON(ctx, map[string]any{
				"type":           "subscribe_result",
				"status":         "ok",
				"active_filters": filters,
			})

		case "ping":
			_ = conn.writeJSON(ctx, map[string]string{"type": "pong"})

		default:
			_ = conn.writeJSON(ctx, map[string]string{
				"type":    "error",
				"message": "unrecognized message type: " + frame.Type,
			})
		}
	}
}
