package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// writeJSON writes v with status, or a bare 500 when v does not marshal.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads a non-negative integer parameter, falling back to def when
// it is absent or malformed, and clamps it to ceiling when ceiling > 0.
func queryInt(q url.Values, key string, def, ceiling int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n < 0 {
		n = def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// queryTime reads an RFC3339 parameter; nil when absent or malformed.
func queryTime(q url.Values, key string) *time.Time {
	t, err := time.Parse(time.RFC3339, q.Get(key))
	if err != nil {
		return nil
	}
	return &t
}

// parseListOpts reads limit (default 50, max 500), offset, the event prefix
// and the since/until window.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	limit := queryInt(q, "limit", defaultPageSize, maxPageSize)
	if limit == 0 {
		limit = defaultPageSize
	}
	return domain.ListOpts{
		Limit:  limit,
		Offset: queryInt(q, "offset", 0, 0),
		Event:  q.Get("event"),
		Since:  queryTime(q, "since"),
		Until:  queryTime(q, "until"),
	}
}

// writeDomainError maps the domain error taxonomy onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
