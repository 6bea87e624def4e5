package handler

import (
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// EventHandler pages through the retained cycle event stream so clients that
// were offline can catch up before switching to /ws.
type EventHandler struct {
	bus    domain.SignalBus
	stream string
}

// NewEventHandler serves the history of stream from bus.
func NewEventHandler(bus domain.SignalBus, stream string) *EventHandler {
	return &EventHandler{bus: bus, stream: stream}
}

type eventResponse struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ListEvents returns up to limit events after the given stream id, oldest
// first. next is the id to pass as after on the following call.
// GET /api/events?after=0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	limit := queryInt(q, "limit", defaultPageSize, maxPageSize)
	if limit == 0 {
		limit = defaultPageSize
	}

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventResponse{ID: m.ID, Data: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}
