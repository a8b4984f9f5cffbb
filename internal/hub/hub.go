// Package hub maintains the set of live subscriber connections and fans
// stored events out to them. Connection-list mutations hold a lock only for
// the list edit; delivery runs against a snapshot so a slow peer never blocks
// connect, disconnect, or filter changes. A failed send drops that one
// connection and never propagates to the ingestion path or other recipients.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/argus-obs/argus/internal/model"
)

// SendFunc delivers one frame to the peer. It must be safe for calls from
// the hub's broadcast path and should fail fast when the peer is gone.
type SendFunc func(frame []byte) error

// Conn is one registered subscriber. A connection starts unauthenticated
// with empty filters and receives nothing until Authenticate.
type Conn struct {
	ID   uuid.UUID
	send SendFunc

	authenticated bool
	filters       map[string]string
}

// Hub owns the connection set. All methods are safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[uuid.UUID]*Conn),
	}
}

// Connect registers a new unauthenticated connection whose frames are
// delivered through send, and returns its handle.
func (h *Hub) Connect(send SendFunc) uuid.UUID {
	c := &Conn{ID: uuid.New(), send: send}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.logger.Debug("hub: connection registered", slog.String("conn_id", c.ID.String()))
	return c.ID
}

// Authenticate marks the connection eligible for broadcasts. Unknown handles
// are ignored.
func (h *Hub) Authenticate(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.authenticated = true
	}
}

// SetFilters replaces the connection's filter set wholesale. A nil or empty
// map matches every event.
func (h *Hub) SetFilters(id uuid.UUID, filters map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.filters = filters
	}
}

// Disconnect removes the connection. Safe to call more than once and safe
// concurrently with an in-flight broadcast.
func (h *Hub) Disconnect(id uuid.UUID) {
	h.mu.Lock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("hub: connection removed", slog.String("conn_id", id.String()))
	}
}

// Len reports the current number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastEvent delivers frame to every authenticated connection whose
// filters all match the event. Filters AND together: a connection filtering
// {a:1, b:2} receives only events where both fields equal the filtered
// value, never a partial match.
func (h *Hub) BroadcastEvent(ev *model.Event, frame []byte) {
	fields := ev.FilterFields()
	h.broadcast(frame, func(c *Conn) bool {
		return c.authenticated && matches(c.filters, fields)
	})
}

// BroadcastLifecycle delivers frame to every authenticated connection,
// ignoring filters. Session and agent transitions are always visible to
// subscribers regardless of what events they filtered down to.
func (h *Hub) BroadcastLifecycle(frame []byte) {
	h.broadcast(frame, func(c *Conn) bool {
		return c.authenticated
	})
}

// broadcast snapshots the eligible connections under the read lock, sends
// outside any lock, then re-acquires exclusive access only to drop the
// connections whose send failed.
func (h *Hub) broadcast(frame []byte, eligible func(*Conn) bool) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if eligible(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var failed []uuid.UUID
	for _, c := range targets {
		if err := c.send(frame); err != nil {
			h.logger.Debug("hub: send failed, dropping connection",
				slog.String("conn_id", c.ID.String()),
				slog.String("error", err.Error()))
			failed = append(failed, c.ID)
		}
	}

	for _, id := range failed {
		h.Disconnect(id)
	}
}

// matches reports whether every filter entry equals the corresponding event
// field. Filters on fields the event model does not expose never match.
func matches(filters, fields map[string]string) bool {
	for k, want := range filters {
		if got, ok := fields[k]; !ok || got != want {
			return false
		}
	}
	return true
}
