package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/kimpbot/internal/cache/memory"
	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/executor"
	"github.com/alanyoungcy/kimpbot/internal/service"
	"github.com/alanyoungcy/kimpbot/internal/store/memory"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) RunLeg(ctx context.Context, req executor.LegRequest) (executor.LegResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(executor.LegResult), args.Error(1)
}

type mockSearcher struct{ mock.Mock }

func (m *mockSearcher) Candidates(ctx context.Context, dir domain.Direction, investment float64,
	minNetPct *float64, exclude []string) []domain.Opportunity {
	args := m.Called(ctx, dir, investment, minNetPct, exclude)
	return args.Get(0).([]domain.Opportunity)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a domain.Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []domain.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Alert(nil), n.alerts...)
}

// flakyStore fails the next n cycle writes with err.
type flakyStore struct {
	*memory.Store
	mu  sync.Mutex
	n   int
	err error
}

func (s *flakyStore) failNext(n int, err error) {
	s.mu.Lock()
	s.n, s.err = n, err
	s.mu.Unlock()
}

func (s *flakyStore) injected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return nil
	}
	s.n--
	return s.err
}

func (s *flakyStore) CreateCycle(ctx context.Context, c domain.Cycle) error {
	if err := s.injected(); err != nil {
		return err
	}
	return s.Store.CreateCycle(ctx, c)
}

func (s *flakyStore) UpdateCycle(ctx context.Context, c domain.Cycle) error {
	if err := s.injected(); err != nil {
		return err
	}
	return s.Store.UpdateCycle(ctx, c)
}

type fixture struct {
	clk          *clock.Fake
	store        *memory.Store
	storeWrapper flakyStore
	bus          *cachemem.Bus
	runner       *mockRunner
	search       *mockSearcher
	capital      *service.CapitalService
	notifier     *recordingNotifier
	m            *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		clk:      clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		store:    memory.New(),
		bus:      cachemem.NewBus(100),
		runner:   &mockRunner{},
		search:   &mockSearcher{},
		notifier: &recordingNotifier{},
	}
	f.storeWrapper.Store = f.store
	f.capital = service.NewCapitalService(f.store, service.CapitalConfig{
		Strategy:          service.SizingFixed,
		FixedAmountKRW:    1_000_000,
		InitialCapitalKRW: 10_000_000,
	}, logger)
	_, err := f.capital.Seed(context.Background(), nil)
	require.NoError(t, err)

	f.m = New(Config{TargetReturnPct: 0.1, MaxSearchDuration: time.Hour}, Deps{
		Store:    &f.storeWrapper,
		Runner:   f.runner,
		Search:   f.search,
		Ledger:   f.capital,
		Notifier: f.notifier,
		Audit:    f.store,
		Bus:      f.bus,
		Clock:    f.clk,
		Logger:   logger,
	})
	return f
}

func opportunity(symbol string, dir domain.Direction, profit float64) domain.Opportunity {
	return domain.Opportunity{
		Symbol:         symbol,
		Direction:      dir,
		FXRate:         1400,
		InvestmentKRW:  1_000_000,
		FinalProfitKRW: profit,
		FinalPct:       profit / 10_000,
	}
}

func done(profit float64) executor.LegResult {
	return executor.LegResult{State: executor.StateDone, ProfitKRW: profit}
}

func manual(err error) executor.LegResult {
	return executor.LegResult{
		State: executor.StateManualIntervention,
		Cause: &executor.LegError{State: executor.StateRepriceRetry, Err: err},
	}
}

func legN(n int) any {
	return mock.MatchedBy(func(r executor.LegRequest) bool { return r.Leg == n })
}

func (f *fixture) openLeg1Done(t *testing.T, leg1Profit float64) domain.Cycle {
	t.Helper()
	ctx := context.Background()
	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)
	f.runner.On("RunLeg", mock.Anything, legN(1)).Return(done(leg1Profit), nil).Once()
	require.NoError(t, f.m.RunLeg1(ctx, &c, opp))
	require.Equal(t, domain.PhaseAwaitingLeg2, c.Phase)
	return c
}

func TestMachine_FullCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.openLeg1Done(t, 12_000)

	stored, err := f.store.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingLeg2, stored.Phase)
	assert.Equal(t, 12_000.0, stored.Leg1Profit)
	require.NotNil(t, stored.Leg1EndedAt)
	assert.InDelta(t, 714.2857, stored.InvestmentUSD, 1e-9)

	// Scenario C: leg 1 earned 12,000 KRW against a 1,000 KRW target, so
	// leg 2 may lose up to 11,000 KRW; the smaller loss wins.
	f.search.On("Candidates", mock.Anything, domain.DirectionReverse, 1_000_000.0,
		mock.MatchedBy(func(p *float64) bool { return p != nil && math.Abs(*p+1.1) < 1e-3 }), []string{"ETH"}).
		Return([]domain.Opportunity{
			opportunity("BTC", domain.DirectionReverse, -15_000),
			opportunity("XRP", domain.DirectionReverse, -9_000),
		}).Once()
	best, ok, err := f.m.SearchLeg2(ctx, &c, []string{"ETH"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "XRP", best.Symbol)

	f.runner.On("RunLeg", mock.Anything, mock.MatchedBy(func(r executor.LegRequest) bool {
		return r.Leg == 2 && r.Direction == domain.DirectionReverse && r.Symbol == "XRP"
	})).Return(done(-9_000), nil).Once()
	require.NoError(t, f.m.RunLeg2(ctx, &c, best))

	assert.Equal(t, domain.PhaseCompleted, c.Phase)
	assert.Equal(t, 3_000.0, c.TotalProfit)
	assert.InDelta(t, 0.3, c.TotalProfitPct, 1e-3)
	require.NotNil(t, c.EndedAt)

	snaps := f.store.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, 10_003_000.0, snaps[1].TotalKRW)
	assert.Equal(t, c.ID, snaps[1].LastCycleID)

	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityInfo, alerts[0].Severity)
	assert.Equal(t, "cycle:"+c.ID+":COMPLETED", alerts[0].Key)

	err = f.store.UpdateCycle(ctx, c)
	assert.ErrorIs(t, err, domain.ErrTerminalCycle)
	f.runner.AssertExpectations(t)
	f.search.AssertExpectations(t)
}

func TestMachine_NoCandidateFits(t *testing.T) {
	f := newFixture(t)
	c := f.openLeg1Done(t, 12_000)
	f.search.On("Candidates", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.Opportunity{opportunity("BTC", domain.DirectionReverse, -15_000)}).Once()

	_, ok, err := f.m.SearchLeg2(context.Background(), &c, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.PhaseAwaitingLeg2, c.Phase)
}

func TestMachine_SearchTimeoutCompletesLeg1Only(t *testing.T) {
	f := newFixture(t)
	c := f.openLeg1Done(t, 12_000)
	f.clk.Advance(time.Hour)

	_, ok, err := f.m.SearchLeg2(context.Background(), &c, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.PhaseLeg1OnlyCompleted, c.Phase)
	assert.Equal(t, 12_000.0, c.TotalProfit)
	assert.InDelta(t, 1.2, c.TotalProfitPct, 1e-3)
	assert.Empty(t, c.Leg2Symbol)
	f.search.AssertNotCalled(t, "Candidates", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	snaps := f.store.Snapshots()
	assert.Equal(t, 10_012_000.0, snaps[len(snaps)-1].TotalKRW)
}

func TestMachine_Leg1AbortFailsWithoutCapitalMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)

	abort := &executor.LegError{State: executor.StatePreflight, Err: domain.ErrWalletDisabled}
	f.runner.On("RunLeg", mock.Anything, legN(1)).
		Return(executor.LegResult{State: executor.StateAborted, Cause: abort}, abort).Once()

	require.NoError(t, f.m.RunLeg1(ctx, &c, opp))
	assert.Equal(t, domain.PhaseFailed, c.Phase)
	assert.Contains(t, c.ErrorDetail, "aborted before transfer")

	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityWarning, alerts[0].Severity)
	assert.Len(t, f.store.Snapshots(), 1, "no ledger entry for a failed cycle")
}

func TestMachine_Leg1ManualFailsCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)

	f.runner.On("RunLeg", mock.Anything, legN(1)).Return(manual(domain.ErrBadFill), nil).Once()
	require.NoError(t, f.m.RunLeg1(ctx, &c, opp))

	assert.Equal(t, domain.PhaseFailed, c.Phase)
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	f.runner.AssertNumberOfCalls(t, "RunLeg", 1)

	err = f.m.RunLeg1(ctx, &c, opp)
	assert.ErrorIs(t, err, domain.ErrValidation, "a failed cycle is never retried")
}

func TestMachine_Leg2AbortReturnsToAwaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.openLeg1Done(t, 12_000)

	abort := &executor.LegError{State: executor.StatePreflight, Err: domain.ErrWalletDisabled}
	f.runner.On("RunLeg", mock.Anything, legN(2)).
		Return(executor.LegResult{State: executor.StateAborted, Cause: abort}, abort).Once()

	err := f.m.RunLeg2(ctx, &c, opportunity("BTC", domain.DirectionReverse, -5_000))
	require.Error(t, err)
	var le *executor.LegError
	assert.True(t, errors.As(err, &le))

	assert.Equal(t, domain.PhaseAwaitingLeg2, c.Phase)
	assert.Empty(t, c.Leg2Symbol)
	stored, err := f.store.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingLeg2, stored.Phase)
	assert.Empty(t, f.notifier.all())
}

func TestMachine_Leg2ManualFailsCritical(t *testing.T) {
	f := newFixture(t)
	c := f.openLeg1Done(t, 12_000)
	f.runner.On("RunLeg", mock.Anything, legN(2)).Return(manual(domain.ErrDepositTimeout), nil).Once()

	require.NoError(t, f.m.RunLeg2(context.Background(), &c, opportunity("BTC", domain.DirectionReverse, -5_000)))
	assert.Equal(t, domain.PhaseFailed, c.Phase)
	assert.Equal(t, "BTC", c.Leg2Symbol)
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
}

func TestMachine_ProgressIsPersistedMidLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)

	f.runner.On("RunLeg", mock.Anything, legN(1)).Run(func(args mock.Arguments) {
		req := args.Get(1).(executor.LegRequest)
		req.OnProgress(executor.StateWithdrawn, domain.LegRecord{WithdrawalID: "w-1", TransferStarted: true})
		mid, err := f.store.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PhaseLeg1InFlight, mid.Phase)
		assert.Equal(t, "w-1", mid.Leg1.WithdrawalID)
	}).Return(executor.LegResult{
		State:     executor.StateDone,
		ProfitKRW: 1_000,
		Record:    domain.LegRecord{WithdrawalID: "w-1", TransferStarted: true, SoldQty: 10},
	}, nil).Once()

	require.NoError(t, f.m.RunLeg1(ctx, &c, opp))
	assert.Equal(t, "w-1", c.Leg1.WithdrawalID)
}

func TestMachine_RecoverReconcilesOpenCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clk.Now().Add(-time.Hour)
	ended := base.Add(time.Minute)

	seed := []domain.Cycle{
		{ID: "a-started", Phase: domain.PhaseStarted, StartedAt: base},
		{ID: "b-inflight", Phase: domain.PhaseLeg1InFlight, StartedAt: base.Add(time.Second)},
		{ID: "c-leg1done", Phase: domain.PhaseLeg1Done, Leg1Profit: 5_000, Leg1EndedAt: &ended, InvestmentKRW: 1_000_000, StartedAt: base.Add(2 * time.Second)},
		{ID: "d-awaiting", Phase: domain.PhaseAwaitingLeg2, Leg1EndedAt: &ended, StartedAt: base.Add(3 * time.Second)},
		{ID: "e-leg2", Phase: domain.PhaseLeg2InFlight, Leg1EndedAt: &ended, Leg2Symbol: "BTC", StartedAt: base.Add(4 * time.Second)},
	}
	for _, c := range seed {
		require.NoError(t, f.store.CreateCycle(ctx, c))
	}

	resumable, err := f.m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 2)
	assert.Equal(t, "c-leg1done", resumable[0].ID)
	assert.Equal(t, domain.PhaseAwaitingLeg2, resumable[0].Phase)
	assert.Equal(t, "d-awaiting", resumable[1].ID)
	assert.InDelta(t, -4_000.0, f.m.Budget(resumable[0]).Required, 1e-6)

	started, _ := f.store.GetCycle(ctx, "a-started")
	assert.Equal(t, domain.PhaseFailed, started.Phase)
	assert.Equal(t, "no leg executed before restart", started.RecoveryNote)

	for _, id := range []string{"b-inflight", "e-leg2"} {
		c, _ := f.store.GetCycle(ctx, id)
		assert.Equal(t, domain.PhaseFailed, c.Phase, id)
		assert.NotEmpty(t, c.RecoveryNote, id)
	}

	var critical int
	for _, a := range f.notifier.all() {
		if a.Severity == domain.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 2, critical)
}

func TestMachine_RecoverIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clk.Now().Add(-time.Hour)
	ended := base.Add(time.Minute)
	for _, c := range []domain.Cycle{
		{ID: "a-inflight", Phase: domain.PhaseLeg1InFlight, StartedAt: base},
		{ID: "b-leg1done", Phase: domain.PhaseLeg1Done, Leg1Profit: 5_000, Leg1EndedAt: &ended, InvestmentKRW: 1_000_000, StartedAt: base.Add(time.Second)},
		{ID: "c-awaiting", Phase: domain.PhaseAwaitingLeg2, Leg1Profit: -2_000, Leg1EndedAt: &ended, InvestmentKRW: 1_000_000, StartedAt: base.Add(2 * time.Second)},
	} {
		require.NoError(t, f.store.CreateCycle(ctx, c))
	}

	first, err := f.m.Recover(ctx)
	require.NoError(t, err)
	alerts := len(f.notifier.all())

	second, err := f.m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Phase, second[i].Phase)
		assert.Equal(t, f.m.Budget(first[i]).Required, f.m.Budget(second[i]).Required, first[i].ID)
	}
	assert.Len(t, f.notifier.all(), alerts, "a second pass must not alert again")

	failed, err := f.store.GetCycle(ctx, "a-inflight")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, failed.Phase)
}

func TestMachine_PersistenceRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.storeWrapper.failNext(2, domain.ErrNetwork)

	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)
	_, err = f.store.GetCycle(ctx, c.ID)
	require.NoError(t, err)
}

func TestMachine_PersistenceExhaustionFailsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := opportunity("XRP", domain.DirectionNormal, 30_000)
	c, err := f.m.Open(ctx, "s-1", opp)
	require.NoError(t, err)

	f.storeWrapper.failNext(100, domain.ErrNetwork)
	err = f.m.RunLeg1(ctx, &c, opp)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.PhaseFailed, c.Phase)
	f.runner.AssertNotCalled(t, "RunLeg", mock.Anything, mock.Anything)

	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
}

func TestMachine_TransitionsAreAuditedAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.bus.Subscribe(ctx, EventChannel)
	require.NoError(t, err)

	c := f.openLeg1Done(t, 12_000)

	entries, err := f.store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Event)
	}
	assert.Contains(t, names, "cycle_started")
	assert.Contains(t, names, "cycle_phase")

	var first Event
	require.NoError(t, json.Unmarshal(<-events, &first))
	assert.Equal(t, "cycle_started", first.Event)
	assert.Equal(t, c.ID, first.Cycle.ID)

	msgs, err := f.bus.StreamRead(ctx, EventChannel, "0", 100)
	require.NoError(t, err)
	// started, LEG1_IN_FLIGHT, LEG1_DONE, AWAITING_LEG2
	assert.Len(t, msgs, 4)
}
