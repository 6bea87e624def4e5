package handler

import (
	"net/http"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// SessionLister is the scheduler view the session endpoints read.
type SessionLister interface {
	Sessions() []domain.Session
	Session(id string) (domain.Session, error)
}

// SessionHandler serves the live session table.
type SessionHandler struct {
	sessions SessionLister
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionLister) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// ListSessions returns every session with its current priority.
// GET /api/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.Sessions()})
}

// GetSession returns one session.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Session(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
