package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// StatusHandler serves the capital ledger head and the audit trail.
type StatusHandler struct {
	mode      string
	pair      domain.VenuePair
	portfolio domain.PortfolioStore
	audit     domain.AuditStore
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. audit may be nil.
func NewStatusHandler(mode string, pair domain.VenuePair, portfolio domain.PortfolioStore, audit domain.AuditStore) *StatusHandler {
	return &StatusHandler{mode: mode, pair: pair, portfolio: portfolio, audit: audit, startedAt: time.Now()}
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// GetStatus responds with the engine mode, venue pair and latest portfolio
// snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"krw_venue":      h.pair.KRW,
		"usd_venue":      h.pair.USD,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	snap, err := h.portfolio.GetLatestPortfolioSnapshot(r.Context())
	switch {
	case err == nil:
		resp["portfolio"] = snap
	case !errors.Is(err, domain.ErrNotFound):
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAudit returns recent audit entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *StatusHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log disabled")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
