package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/executor"
)

func TestRegistry_ObservesCyclesAndLegs(t *testing.T) {
	r := New()

	r.PhaseChanged(domain.Cycle{Phase: domain.PhaseLeg1InFlight})
	r.PhaseChanged(domain.Cycle{Phase: domain.PhaseCompleted, TotalProfitPct: 0.3})
	r.LegFinished(1, executor.LegResult{State: executor.StateDone, ProfitKRW: 12_000, Submissions: 2})
	r.LegFinished(2, executor.LegResult{State: executor.StateAborted, Submissions: 1, Warnings: []string{"w"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.phaseTransitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.legsFinished.WithLabelValues("2", "ABORTED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.orderSubmissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.legWarnings))
	assert.Equal(t, 1, testutil.CollectAndCount(r.legProfit))
}

func TestSessionCollector(t *testing.T) {
	r := New()
	r.MustRegister(NewSessionCollector(func() []domain.Session {
		return []domain.Session{
			{ID: "session-1", Status: domain.SessionIdle, Priority: 10},
			{ID: "session-2", Status: domain.SessionAwaitingLeg2, Priority: 100.4},
			{ID: "session-3", Status: domain.SessionIdle},
		}
	}))
	r.GaugeFunc("feed_ticks_dropped", "Ticks dropped for slow subscribers.", func() float64 { return 7 })

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	for _, line := range []string{
		`kimpbot_sessions{status="IDLE"} 2`,
		`kimpbot_sessions{status="AWAITING_LEG2"} 1`,
		`kimpbot_sessions{status="DECIDING"} 0`,
		`kimpbot_session_priority{session="session-2"} 100.4`,
		`kimpbot_feed_ticks_dropped 7`,
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
}
