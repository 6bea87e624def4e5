package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

var (
	setupOnce sync.Once
	container testcontainers.Container
	client    *Client
	setupErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if client != nil {
		client.Close()
	}
	if container != nil {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("could not stop postgres container: %s", err)
		}
	}
	os.Exit(code)
}

// testClient starts one postgres container for the package and truncates
// every table before returning.
func testClient(t *testing.T) *Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	setupOnce.Do(func() {
		ctx := context.Background()
		container, setupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "kimpbot",
					"POSTGRES_PASSWORD": "kimpbot",
					"POSTGRES_DB":       "kimpbot",
				},
				WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(time.Minute),
			},
			Started: true,
		})
		if setupErr != nil {
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			setupErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432")
		if err != nil {
			setupErr = err
			return
		}
		cfg := ClientConfig{Host: host, Port: port.Int(), Database: "kimpbot", User: "kimpbot", Password: "kimpbot"}
		// The port can accept connections before the server finishes init.
		for range 30 {
			client, setupErr = New(ctx, cfg)
			if setupErr == nil {
				break
			}
			time.Sleep(time.Second)
		}
		if setupErr != nil {
			return
		}
		setupErr = client.RunMigrations(ctx)
	})
	require.NoError(t, setupErr)

	_, err := client.Pool().Exec(context.Background(),
		`TRUNCATE cycles, portfolio_snapshots, sessions, audit_log RESTART IDENTITY`)
	require.NoError(t, err)
	return client
}

// ts returns a timestamp at microsecond precision, the resolution postgres
// stores.
func ts(offset time.Duration) time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(offset)
}

func sampleCycle(id string, phase domain.CyclePhase, started time.Time) domain.Cycle {
	return domain.Cycle{
		ID:            id,
		SessionID:     "session-1",
		Phase:         phase,
		Direction:     domain.DirectionNormal,
		Leg1Symbol:    "XRP",
		InvestmentKRW: 1_000_000,
		InvestmentUSD: 714.2857,
		FXRate:        1400,
		StartedAt:     started,
		UpdatedAt:     started,
	}
}

func TestCycleStore_Lifecycle(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	store := NewCycleStore(c.Pool())

	cy := sampleCycle("c-1", domain.PhaseStarted, ts(0))
	require.NoError(t, store.CreateCycle(ctx, cy))
	assert.ErrorIs(t, store.CreateCycle(ctx, cy), domain.ErrAlreadyExists)

	ended := ts(10 * time.Minute)
	cy.Phase = domain.PhaseAwaitingLeg2
	cy.Leg1Profit = 12_000
	cy.Leg1EndedAt = &ended
	cy.Leg1 = domain.LegRecord{
		BuyVenue:     domain.Venue("binance"),
		SellVenue:    domain.Venue("upbit"),
		BuyOrderIDs:  []string{"b-1", "b-2"},
		WithdrawalID: "w-1",
		FilledQty:    1020.4081,
		Hedged:       true,
	}
	require.NoError(t, store.UpdateCycle(ctx, cy))

	got, err := store.GetCycle(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingLeg2, got.Phase)
	assert.Equal(t, cy.Leg1, got.Leg1)
	require.NotNil(t, got.Leg1EndedAt)
	assert.True(t, ended.Equal(*got.Leg1EndedAt))
	assert.Nil(t, got.EndedAt)

	done := ts(20 * time.Minute)
	cy.Phase = domain.PhaseCompleted
	cy.Leg2Symbol = "BTC"
	cy.Leg2Profit = -9_000
	cy.TotalProfit = 3_000
	cy.TotalProfitPct = 0.3
	cy.EndedAt = &done
	require.NoError(t, store.UpdateCycle(ctx, cy))

	cy.ErrorDetail = "late write"
	assert.ErrorIs(t, store.UpdateCycle(ctx, cy), domain.ErrTerminalCycle)
	got, err = store.GetCycle(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, got.ErrorDetail)
	assert.Equal(t, 3_000.0, got.TotalProfit)

	_, err = store.GetCycle(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.UpdateCycle(ctx, sampleCycle("missing", domain.PhaseStarted, ts(0))), domain.ErrNotFound)
}

func TestCycleStore_RejectsLeg2BeforeLeg1Ends(t *testing.T) {
	c := testClient(t)
	store := NewCycleStore(c.Pool())
	cy := sampleCycle("c-1", domain.PhaseLeg1InFlight, ts(0))
	cy.Leg2Symbol = "BTC"
	assert.ErrorIs(t, store.CreateCycle(context.Background(), cy), domain.ErrValidation)
}

func TestCycleStore_FindAndArchiveQueries(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	store := NewCycleStore(c.Pool())

	phases := []domain.CyclePhase{
		domain.PhaseLeg1InFlight, domain.PhaseStarted, domain.PhaseFailed, domain.PhaseAwaitingLeg2, domain.PhaseCompleted,
	}
	for i, p := range phases {
		cy := sampleCycle(fmt.Sprintf("c-%d", i), p, ts(time.Duration(i)*time.Minute))
		if p.IsTerminal() {
			end := ts(time.Duration(i)*time.Minute + 30*time.Second)
			cy.EndedAt = &end
		}
		require.NoError(t, store.CreateCycle(ctx, cy))
	}

	open, err := store.FindCycles(ctx, domain.TerminalPhases)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, []string{"c-0", "c-1", "c-3"}, []string{open[0].ID, open[1].ID, open[2].ID})

	old, err := store.ListTerminalBefore(ctx, ts(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "c-2", old[0].ID)

	require.NoError(t, store.DeleteCycles(ctx, []string{"c-2", "c-4"}))
	all, err := store.FindCycles(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPortfolioStore_AppendOnlyLatest(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	store := NewPortfolioStore(c.Pool())

	_, err := store.GetLatestPortfolioSnapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.AppendPortfolioSnapshot(ctx, domain.PortfolioSnapshot{
		ID: "p-1", Timestamp: ts(0), TotalKRW: 10_000_000,
		Balances: map[domain.Venue]float64{domain.Venue("upbit"): 6_000_000, domain.Venue("binance"): 4_000_000},
	}))
	require.NoError(t, store.AppendPortfolioSnapshot(ctx, domain.PortfolioSnapshot{
		ID: "p-2", Timestamp: ts(0), TotalKRW: 10_003_000, LastCycleID: "c-1", LastPnL: 3_000,
		Balances: map[domain.Venue]float64{domain.Venue("upbit"): 6_003_000, domain.Venue("binance"): 4_000_000},
	}))

	latest, err := store.GetLatestPortfolioSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p-2", latest.ID)
	assert.Equal(t, 10_003_000.0, latest.TotalKRW)
	assert.Equal(t, 6_003_000.0, latest.Balances[domain.Venue("upbit")])
	assert.Equal(t, "c-1", latest.LastCycleID)
}

func TestSessionStore_Upsert(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	store := NewSessionStore(c.Pool())

	sess := domain.Session{
		ID: "session-2", Status: domain.SessionIdle, Direction: domain.DirectionNormal,
		StatusSince: ts(0), CreatedAt: ts(0), UpdatedAt: ts(0),
	}
	require.NoError(t, store.UpsertSession(ctx, sess))
	require.NoError(t, store.UpsertSession(ctx, domain.Session{
		ID: "session-1", Status: domain.SessionIdle, Direction: domain.DirectionNormal,
		StatusSince: ts(0), CreatedAt: ts(0), UpdatedAt: ts(0),
	}))
	sess.Status = domain.SessionAwaitingLeg2
	sess.CycleID = "c-9"
	sess.Priority = 98.9
	sess.UpdatedAt = ts(time.Minute)
	require.NoError(t, store.UpsertSession(ctx, sess))

	rows, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "session-1", rows[0].ID)
	assert.Equal(t, domain.SessionAwaitingLeg2, rows[1].Status)
	assert.Equal(t, "c-9", rows[1].CycleID)
	assert.True(t, ts(0).Equal(rows[1].CreatedAt))
}

func TestAuditStore_LogAndList(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	store := NewAuditStore(c.Pool())

	require.NoError(t, store.Log(ctx, "cycle_started", map[string]any{"cycle_id": "c-1"}))
	require.NoError(t, store.Log(ctx, "cycle_phase", map[string]any{"cycle_id": "c-1", "phase": "LEG1_IN_FLIGHT"}))

	entries, err := store.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cycle_phase", entries[0].Event)
	assert.Equal(t, "LEG1_IN_FLIGHT", entries[0].Detail["phase"])

	entries, err = store.List(ctx, domain.ListOpts{Event: "cycle_st"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].Detail["cycle_id"])
}
