package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	do := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/sessions", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", "GET")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "https://dash.example")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, http.StatusNoContent, do(http.MethodOptions, "https://dash.example").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodOptions, "https://evil.example").Code)
}

func TestAuth_TokenSources(t *testing.T) {
	h := Auth("k3y", "/api/health")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	do := func(path string, header ...string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for i := 0; i+1 < len(header); i += 2 {
			req.Header.Set(header[i], header[i+1])
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/api/health"))
	assert.Equal(t, http.StatusUnauthorized, do("/api/cycles"))
	assert.Equal(t, http.StatusOK, do("/api/cycles", "Authorization", "bearer k3y"))
	assert.Equal(t, http.StatusOK, do("/api/cycles", "X-API-Key", "k3y"))
	assert.Equal(t, http.StatusUnauthorized, do("/api/cycles", "X-API-Key", "nope"))
	assert.Equal(t, http.StatusUnauthorized, do("/ws?token=k3y"), "query token only on upgrades")
	assert.Equal(t, http.StatusOK, do("/ws?token=k3y", "Upgrade", "websocket"))
}

func TestLogging_SetsRequestID(t *testing.T) {
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
}
