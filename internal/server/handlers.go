package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/argus-obs/argus/internal/correlate"
	"github.com/argus-obs/argus/internal/hub"
	"github.com/argus-obs/argus/internal/model"
	"github.com/argus-obs/argus/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               *storage.Store
	correlator          *correlate.Correlator
	hub                 *hub.Hub
	logger              *slog.Logger
	apiKeys             map[string]bool
	sessionIdle         time.Duration
	maxRequestBodyBytes int64
	startedAt           time.Time
	version             string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store                *storage.Store
	Correlator           *correlate.Correlator
	Hub                  *hub.Hub
	Logger               *slog.Logger
	APIKeys              []string
	SessionIdleThreshold time.Duration
	MaxRequestBodyBytes  int64
	Version              string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keys := make(map[string]bool, len(d.APIKeys))
	for _, k := range d.APIKeys {
		keys[k] = true
	}
	return &Handlers{
		store:               d.Store,
		correlator:          d.Correlator,
		hub:                 d.Hub,
		logger:              d.Logger,
		apiKeys:             keys,
		sessionIdle:         d.SessionIdleThreshold,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		startedAt:           time.Now(),
		version:             d.Version,
	}
}

// HandleCreateEvent handles POST /events: validate, store durably, then
// correlate lifecycle state and fan out to subscribers. Correlation and
// broadcast failures never fail the request; once the write is committed the
// event is captured.
func (h *Handlers) HandleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}

	var payload model.EventCreate
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, errCodeValidation, "invalid JSON body: "+err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, errCodeValidation, err.Error())
		return
	}

	ev, err := h.store.InsertEvent(r.Context(), payload.Event())
	if err != nil {
		h.logger.Error("event insert failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to store event")
		return
	}

	changes := h.correlator.Observe(r.Context(), ev)
	h.fanOut(ev, changes)

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":   "captured",
		"event_id": ev.ID,
	})
}

// fanOut broadcasts the stored event to matching subscribers and any
// lifecycle transitions to all authenticated subscribers.
func (h *Handlers) fanOut(ev model.Event, changes []correlate.Change) {
	if frame, err := json.Marshal(map[string]any{"type": "event", "event": ev}); err == nil {
		h.hub.BroadcastEvent(&ev, frame)
	}
	for _, ch := range changes {
		payload := map[string]any{"session_id": ch.SessionID}
		if ch.AgentID != "" {
			payload["agent_id"] = ch.AgentID
		}
		frame, err := json.Marshal(map[string]any{
			"type":    string(ch.Kind),
			"payload": payload,
		})
		if err != nil {
			continue
		}
		h.hub.BroadcastLifecycle(frame)
	}
}

// HandleQueryEvents handles GET /events with equality, range, and limit
// filters from the query string.
func (h *Handlers) HandleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.QueryFilters{
		Source:    q.Get("source"),
		EventType: q.Get("event_type"),
		Level:     q.Get("level"),
		SessionID: q.Get("session_id"),
		Hook:      q.Get("hook"),
		ToolName:  q.Get("tool_name"),
		Status:    q.Get("status"),
		AgentID:   q.Get("agent_id"),
		Since:     q.Get("since"),
		Until:     q.Get("until"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, errCodeValidation, "limit must be an integer")
			return
		}
		filters.Limit = limit
	}

	events, err := h.store.QueryEvents(r.Context(), filters)
	if err != nil {
		h.logger.Error("event query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// HandleListSources handles GET /sources.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.DistinctSources(r.Context())
	if err != nil {
		h.logger.Error("sources query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// HandleListEventTypes handles GET /event-types.
func (h *Handlers) HandleListEventTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.DistinctEventTypes(r.Context())
	if err != nil {
		h.logger.Error("event types query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query event types")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_types": types})
}

// HandleListSessions handles GET /sessions. Each session carries its derived
// agent_count and is_idle.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context(), h.sessionIdle)
	if err != nil {
		h.logger.Error("sessions query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleGetSession handles GET /sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	session, err := h.store.GetSession(r.Context(), id, h.sessionIdle)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("session query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleListAgents handles GET /agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("agents query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// HandleGetAgent handles GET /agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agent_id")
	agent, err := h.store.GetAgent(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.Error("agent query failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "failed to query agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbStatus := "connected"
	httpStatus := http.StatusOK

	mode, err := h.store.JournalMode()
	if err != nil {
		status = "unhealthy"
		dbStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"version":        h.version,
		"database":       dbStatus,
		"journal_mode":   mode,
		"subscribers":    h.hub.Len(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
