package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// CycleHandler serves cycle records from the persistence store.
type CycleHandler struct {
	store  domain.CycleStore
	logger *slog.Logger
}

// NewCycleHandler creates a CycleHandler.
func NewCycleHandler(store domain.CycleStore, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{store: store, logger: logger}
}

// GetCycle returns one cycle.
// GET /api/cycles/{id}
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.store.GetCycle(r.Context(), id)
	if err != nil {
		h.logger.DebugContext(r.Context(), "get cycle failed",
			slog.String("cycle_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListOpen returns every non-terminal cycle, oldest first.
// GET /api/cycles
func (h *CycleHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.store.FindCycles(r.Context(), domain.TerminalPhases)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list open cycles failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if cycles == nil {
		cycles = []domain.Cycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}
