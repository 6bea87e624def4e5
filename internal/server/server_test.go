package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/kimpbot/internal/cache/memory"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/server/handler"
	"github.com/alanyoungcy/kimpbot/internal/server/ws"
	"github.com/alanyoungcy/kimpbot/internal/store/memory"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixedSessions []domain.Session

func (f fixedSessions) Sessions() []domain.Session { return f }

func (f fixedSessions) Session(id string) (domain.Session, error) {
	for _, s := range f {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Session{}, domain.ErrNotFound
}

type fixture struct {
	srv   *Server
	store *memory.Store
	bus   *cachemem.Bus
	hub   *ws.Hub
	dbErr error
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), bus: cachemem.NewBus(10)}
	logger := discardLogger()
	sessions := fixedSessions{
		{ID: "session-1", Status: domain.SessionIdle, Direction: domain.DirectionNormal},
		{ID: "session-2", Status: domain.SessionAwaitingLeg2, CycleID: "c-1", Priority: 100},
	}
	f.hub = ws.NewHub(f.bus, ws.Config{
		Channels: []string{"cycles", "prices"},
		Default:  []string{"cycles"},
		Status:   func() any { return map[string]any{"sessions": sessions.Sessions()} },
	}, logger)
	f.srv = NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler("paper", map[string]handler.Check{
			"postgres": func(context.Context) error { return f.dbErr },
		}, logger),
		Sessions: handler.NewSessionHandler(sessions),
		Cycles:   handler.NewCycleHandler(f.store, logger),
		Status:   handler.NewStatusHandler("paper", domain.VenuePair{KRW: "upbit", USD: "binance"}, f.store, f.store),
		History:  handler.NewEventHandler(f.bus, "cycles"),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("kimpbot_up 1\n"))
		}),
		Events: f.hub,
	}, cachemem.NewRateLimiter(), logger)
	return f
}

func (f *fixture) get(t *testing.T, path string, header ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec.Code, body
}

func TestServer_HealthReportsDependencies(t *testing.T) {
	f := newFixture(t, Config{})
	code, body := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	f.dbErr = errors.New("connection refused")
	code, body = f.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["postgres"])
}

func TestServer_SessionsAndCycles(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.CreateCycle(ctx, domain.Cycle{
		ID: "c-1", SessionID: "session-2", Phase: domain.PhaseAwaitingLeg2, Direction: domain.DirectionNormal,
		Leg1Symbol: "XRP", InvestmentKRW: 1_000_000, StartedAt: now, UpdatedAt: now, Leg1EndedAt: &now,
	}))

	code, body := f.get(t, "/api/sessions")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 2)

	code, body = f.get(t, "/api/sessions/session-2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "c-1", body["cycle_id"])

	code, _ = f.get(t, "/api/sessions/session-9")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.get(t, "/api/cycles/c-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AWAITING_LEG2", body["phase"])
	assert.Equal(t, "XRP", body["leg1_symbol"])

	code, _ = f.get(t, "/api/cycles/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.get(t, "/api/cycles")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["cycles"], 1)
}

func TestServer_StatusAndAudit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	code, body := f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["portfolio"])
	assert.Equal(t, "upbit", body["krw_venue"])

	require.NoError(t, f.store.AppendPortfolioSnapshot(ctx, domain.PortfolioSnapshot{ID: "p-1", TotalKRW: 10_000_000}))
	require.NoError(t, f.store.Log(ctx, "cycle_started", map[string]any{"cycle_id": "c-1"}))

	_, body = f.get(t, "/api/status")
	assert.Equal(t, 10_000_000.0, body["portfolio"].(map[string]any)["total_krw"])

	code, body = f.get(t, "/api/audit?limit=5")
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "cycle_started", entries[0].(map[string]any)["event"])
}

func TestServer_EventHistoryPages(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, phase := range []string{"LEG1_IN_FLIGHT", "AWAITING_LEG2", "COMPLETED"} {
		require.NoError(t, f.bus.StreamAppend(ctx, "cycles", []byte(`{"cycle_id":"c-1","phase":"`+phase+`"}`)))
	}

	code, body := f.get(t, "/api/events?limit=2")
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "LEG1_IN_FLIGHT", events[0].(map[string]any)["data"].(map[string]any)["phase"])

	_, body = f.get(t, "/api/events?after="+body["next"].(string))
	events = body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "COMPLETED", events[0].(map[string]any)["data"].(map[string]any)["phase"])

	_, body = f.get(t, "/api/events?after="+body["next"].(string))
	assert.Empty(t, body["events"])
}

func TestServer_AuthSkipsPublicPaths(t *testing.T) {
	f := newFixture(t, Config{APIKey: "s3cret"})

	code, _ := f.get(t, "/api/sessions")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.get(t, "/api/sessions", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "kimpbot_up 1\n", rec.Body.String())
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 2, RateWindow: time.Minute})
	for range 2 {
		code, _ := f.get(t, "/api/health")
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := f.get(t, "/api/health")
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestServer_EventStream(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.hub.Run(ctx) }()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var status struct {
		Type string `json:"type"`
		Data struct {
			Sessions []domain.Session `json:"sessions"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)
	assert.Len(t, status.Data.Sessions, 2)

	// The client is registered once the hub relays; publish until it lands.
	var event struct {
		Type    string         `json:"type"`
		Channel string         `json:"channel"`
		Data    map[string]any `json:"data"`
	}
	got := make(chan error, 1)
	go func() { got <- conn.ReadJSON(&event) }()
	require.Eventually(t, func() bool {
		_ = f.bus.Publish(ctx, "prices", []byte(`{"symbol":"XRP"}`))
		_ = f.bus.Publish(ctx, "cycles", []byte(`{"cycle_id":"c-1","phase":"COMPLETED"}`))
		select {
		case err := <-got:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "cycles", event.Channel, "prices are not in the default subscription")
	assert.Equal(t, "COMPLETED", event.Data["phase"])
}
