// Package cycle drives one arbitrage round trip through its phases:
//
//	STARTED -> LEG1_IN_FLIGHT -> LEG1_DONE -> AWAITING_LEG2 -> LEG2_IN_FLIGHT
//	        -> COMPLETED | LEG1_ONLY_COMPLETED | FAILED
//
// Every transition is persisted before the next side effect, appended to the
// audit log and published on the signal bus.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/executor"
	"github.com/alanyoungcy/kimpbot/internal/money"
	"github.com/alanyoungcy/kimpbot/internal/service"
)

// EventChannel is the bus channel and stream cycle transitions are published on.
const EventChannel = "cycles"

// LegRunner executes a single leg.
type LegRunner interface {
	RunLeg(ctx context.Context, req executor.LegRequest) (executor.LegResult, error)
}

// Searcher lists leg-2 candidates.
type Searcher interface {
	Candidates(ctx context.Context, dir domain.Direction, investment float64,
		minNetPct *float64, exclude []string) []domain.Opportunity
}

// Ledger records realized PnL of finished cycles.
type Ledger interface {
	RecordCycle(ctx context.Context, cycleID string, pnl float64,
		balances map[domain.Venue]float64) (domain.PortfolioSnapshot, error)
}

// Observer is told about phase changes and finished legs.
type Observer interface {
	PhaseChanged(c domain.Cycle)
	LegFinished(leg int, res executor.LegResult)
}

// Config holds the cycle-level goals and bounds.
type Config struct {
	TargetReturnPct   float64
	MaxSearchDuration time.Duration
	PersistRetries    int
}

// Deps are the collaborators of a Machine. Audit, Bus and Observer are
// optional.
type Deps struct {
	Store    domain.CycleStore
	Runner   LegRunner
	Search   Searcher
	Ledger   Ledger
	Notifier domain.Notifier
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Machine advances cycles. It holds no per-cycle state; callers own the
// cycle value and pass it to each step.
type Machine struct {
	cfg    Config
	d      Deps
	logger *slog.Logger
}

// New creates a Machine.
func New(cfg Config, d Deps) *Machine {
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	return &Machine{
		cfg:    cfg,
		d:      d,
		logger: d.Logger.With(slog.String("component", "cycle")),
	}
}

// Config returns the machine configuration.
func (m *Machine) Config() Config { return m.cfg }

// Open creates and persists a STARTED cycle for opp on behalf of sessionID.
func (m *Machine) Open(ctx context.Context, sessionID string, opp domain.Opportunity) (domain.Cycle, error) {
	now := m.d.Clock.Now()
	c := domain.Cycle{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Phase:         domain.PhaseStarted,
		Direction:     opp.Direction,
		Leg1Symbol:    opp.Symbol,
		InvestmentKRW: opp.InvestmentKRW,
		FXRate:        opp.FXRate,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if opp.FXRate > 0 {
		c.InvestmentUSD = money.Floor4(opp.InvestmentKRW / opp.FXRate)
	}
	if err := m.write(ctx, func(ctx context.Context) error { return m.d.Store.CreateCycle(ctx, c) }); err != nil {
		return domain.Cycle{}, fmt.Errorf("cycle: open: %w", err)
	}
	m.emit(ctx, c, "cycle_started", map[string]any{
		"symbol":         opp.Symbol,
		"final_pct":      opp.FinalPct,
		"expected_krw":   opp.FinalProfitKRW,
		"investment_krw": opp.InvestmentKRW,
	})
	return c, nil
}

// Budget reconstructs the leg-2 budget from the persisted leg-1 fields.
func (m *Machine) Budget(c domain.Cycle) service.Budget {
	return service.LossBudget(m.cfg.TargetReturnPct, c.Leg1Profit, c.InvestmentKRW)
}

// RunLeg1 executes the first leg. On success the cycle ends in
// AWAITING_LEG2; any failure ends it in FAILED.
func (m *Machine) RunLeg1(ctx context.Context, c *domain.Cycle, opp domain.Opportunity) error {
	if c.Phase != domain.PhaseStarted {
		return fmt.Errorf("cycle %s: run leg 1 in phase %s: %w", c.ID, c.Phase, domain.ErrValidation)
	}
	if err := m.transition(ctx, c, domain.PhaseLeg1InFlight); err != nil {
		return err
	}

	res, legErr := m.d.Runner.RunLeg(ctx, m.legRequest(ctx, c, 1, opp))
	c.Leg1 = res.Record
	m.d.Observer.LegFinished(1, res)

	switch {
	case legErr != nil:
		m.fail(ctx, c, domain.SeverityWarning, "aborted before transfer: "+legErr.Error())
		return nil
	case res.Manual():
		m.fail(ctx, c, domain.SeverityCritical, "leg 1 needs manual intervention: "+res.Cause.Error())
		return nil
	}

	ended := m.d.Clock.Now()
	c.Leg1Profit = money.Floor4(res.ProfitKRW)
	c.Leg1EndedAt = &ended
	if err := m.transition(ctx, c, domain.PhaseLeg1Done); err != nil {
		return err
	}
	b := m.Budget(*c)
	m.logger.InfoContext(ctx, "leg 1 done",
		slog.String("cycle_id", c.ID),
		slog.Float64("leg1_profit", c.Leg1Profit),
		slog.Float64("required_leg2_profit", b.Required),
	)
	return m.transition(ctx, c, domain.PhaseAwaitingLeg2)
}

// SearchLeg2 runs one search step for an AWAITING_LEG2 cycle. It returns the
// chosen candidate, or ok=false when nothing fits yet. Once the search has
// run for MaxSearchDuration the cycle is finalized as LEG1_ONLY_COMPLETED.
func (m *Machine) SearchLeg2(ctx context.Context, c *domain.Cycle, exclude []string) (domain.Opportunity, bool, error) {
	if c.Phase != domain.PhaseAwaitingLeg2 {
		return domain.Opportunity{}, false, fmt.Errorf("cycle %s: search in phase %s: %w", c.ID, c.Phase, domain.ErrValidation)
	}
	if m.SearchExpired(*c) {
		return domain.Opportunity{}, false, m.finishLeg1Only(ctx, c)
	}
	b := m.Budget(*c)
	floor := b.MinNetPct()
	cands := m.d.Search.Candidates(ctx, c.Direction.Opposite(), c.InvestmentKRW, &floor, exclude)
	best, ok := service.SelectLeg2(cands, b)
	if ok {
		m.logger.InfoContext(ctx, "leg 2 candidate selected",
			slog.String("cycle_id", c.ID),
			slog.String("symbol", best.Symbol),
			slog.Float64("expected_krw", best.FinalProfitKRW),
			slog.Float64("required_krw", b.Required),
			slog.Int("candidates", len(cands)),
		)
	}
	return best, ok, nil
}

// SearchExpired reports whether an AWAITING_LEG2 cycle ran out of search time.
func (m *Machine) SearchExpired(c domain.Cycle) bool {
	if c.Leg1EndedAt == nil || m.cfg.MaxSearchDuration <= 0 {
		return false
	}
	return m.d.Clock.Now().Sub(*c.Leg1EndedAt) >= m.cfg.MaxSearchDuration
}

// RunLeg2 executes the second leg. A leg that aborts before committing
// capital returns the cycle to AWAITING_LEG2 and the abort error; the caller
// may try another candidate on a later step.
func (m *Machine) RunLeg2(ctx context.Context, c *domain.Cycle, opp domain.Opportunity) error {
	if c.Phase != domain.PhaseAwaitingLeg2 {
		return fmt.Errorf("cycle %s: run leg 2 in phase %s: %w", c.ID, c.Phase, domain.ErrValidation)
	}
	c.Leg2Symbol = opp.Symbol
	if err := m.transition(ctx, c, domain.PhaseLeg2InFlight); err != nil {
		return err
	}

	res, legErr := m.d.Runner.RunLeg(ctx, m.legRequest(ctx, c, 2, opp))
	m.d.Observer.LegFinished(2, res)

	switch {
	case legErr != nil:
		c.Leg2Symbol = ""
		c.Leg2 = domain.LegRecord{}
		if err := m.transition(ctx, c, domain.PhaseAwaitingLeg2); err != nil {
			return err
		}
		m.logger.WarnContext(ctx, "leg 2 aborted before transfer, searching again",
			slog.String("cycle_id", c.ID),
			slog.String("symbol", opp.Symbol),
			slog.String("error", legErr.Error()),
		)
		return legErr
	case res.Manual():
		c.Leg2 = res.Record
		m.fail(ctx, c, domain.SeverityCritical, "leg 2 needs manual intervention: "+res.Cause.Error())
		return nil
	}

	c.Leg2 = res.Record
	c.Leg2Profit = money.Floor4(res.ProfitKRW)
	return m.finish(ctx, c, domain.PhaseCompleted, c.Leg1Profit+c.Leg2Profit)
}

// Recover reconciles non-terminal cycles after a restart, oldest first. It
// returns the AWAITING_LEG2 cycles that can be resumed; the rest are failed.
func (m *Machine) Recover(ctx context.Context) ([]domain.Cycle, error) {
	open, err := m.d.Store.FindCycles(ctx, domain.TerminalPhases)
	if err != nil {
		return nil, fmt.Errorf("cycle: recover: %w", err)
	}
	var resumable []domain.Cycle
	for i := range open {
		c := open[i]
		switch {
		case c.Phase == domain.PhaseStarted:
			c.RecoveryNote = "no leg executed before restart"
			m.fail(ctx, &c, domain.SeverityWarning, "no leg executed before restart")
		case c.Phase.InFlight():
			c.RecoveryNote = fmt.Sprintf("restart during %s; reconcile venue balances and orders (leg1 %v, leg2 %v)",
				c.Phase, c.Leg1.BuyOrderIDs, c.Leg2.BuyOrderIDs)
			m.fail(ctx, &c, domain.SeverityCritical, "interrupted by restart during "+string(c.Phase))
		case c.Phase == domain.PhaseLeg1Done:
			c.RecoveryNote = "resumed after restart"
			if err := m.transition(ctx, &c, domain.PhaseAwaitingLeg2); err != nil {
				m.logger.ErrorContext(ctx, "resume failed", slog.String("cycle_id", c.ID), slog.String("error", err.Error()))
				continue
			}
			resumable = append(resumable, c)
		case c.Phase == domain.PhaseAwaitingLeg2:
			resumable = append(resumable, c)
		}
	}
	m.logger.InfoContext(ctx, "recovery finished",
		slog.Int("open", len(open)),
		slog.Int("resumable", len(resumable)),
	)
	return resumable, nil
}

func (m *Machine) legRequest(ctx context.Context, c *domain.Cycle, leg int, opp domain.Opportunity) executor.LegRequest {
	dir := c.Direction
	if leg == 2 {
		dir = dir.Opposite()
	}
	return executor.LegRequest{
		CycleID:       c.ID,
		Leg:           leg,
		Symbol:        opp.Symbol,
		Direction:     dir,
		InvestmentKRW: c.InvestmentKRW,
		FXRate:        c.FXRate,
		Opportunity:   opp,
		OnProgress: func(_ executor.LegState, rec domain.LegRecord) {
			if leg == 1 {
				c.Leg1 = rec
			} else {
				c.Leg2 = rec
			}
			c.UpdatedAt = m.d.Clock.Now()
			// The leg keeps running either way; capital is already committed.
			if err := m.write(context.WithoutCancel(ctx), func(ctx context.Context) error {
				return m.d.Store.UpdateCycle(ctx, *c)
			}); err != nil {
				m.logger.Error("persist leg progress failed",
					slog.String("cycle_id", c.ID),
					slog.Int("leg", leg),
					slog.String("error", err.Error()),
				)
			}
		},
	}
}

// transition persists c in phase to. A write that cannot be completed fails
// the cycle in memory.
func (m *Machine) transition(ctx context.Context, c *domain.Cycle, to domain.CyclePhase) error {
	from := c.Phase
	c.Phase = to
	c.UpdatedAt = m.d.Clock.Now()
	if err := m.write(ctx, func(ctx context.Context) error { return m.d.Store.UpdateCycle(ctx, *c) }); err != nil {
		c.Phase = from
		m.fail(ctx, c, domain.SeverityCritical, fmt.Sprintf("persist %s -> %s: %v", from, to, err))
		return fmt.Errorf("cycle %s: %s -> %s: %w", c.ID, from, to, err)
	}
	m.d.Observer.PhaseChanged(*c)
	m.emit(ctx, *c, "cycle_phase", map[string]any{"from": string(from)})
	return nil
}

func (m *Machine) finishLeg1Only(ctx context.Context, c *domain.Cycle) error {
	m.logger.InfoContext(ctx, "leg 2 search timed out",
		slog.String("cycle_id", c.ID),
		slog.Duration("searched", m.d.Clock.Now().Sub(*c.Leg1EndedAt)),
	)
	return m.finish(ctx, c, domain.PhaseLeg1OnlyCompleted, c.Leg1Profit)
}

// finish moves c into a successful terminal phase and books total.
func (m *Machine) finish(ctx context.Context, c *domain.Cycle, phase domain.CyclePhase, total float64) error {
	ended := m.d.Clock.Now()
	c.TotalProfit = money.Floor4(total)
	c.TotalProfitPct = money.Pct(c.TotalProfit, c.InvestmentKRW)
	c.EndedAt = &ended
	if err := m.transition(ctx, c, phase); err != nil {
		return err
	}

	var snapErr error
	werr := m.write(ctx, func(ctx context.Context) error {
		_, snapErr = m.d.Ledger.RecordCycle(ctx, c.ID, c.TotalProfit, nil)
		return snapErr
	})
	if werr != nil {
		m.logger.ErrorContext(ctx, "portfolio snapshot failed",
			slog.String("cycle_id", c.ID),
			slog.String("error", werr.Error()),
		)
		m.d.Notifier.Send(ctx, domain.Alert{
			Key:      "ledger:" + c.ID,
			Severity: domain.SeverityCritical,
			Title:    "Portfolio ledger not updated",
			Message:  fmt.Sprintf("cycle %s finished with %.0f KRW but the snapshot failed: %v", c.ID, c.TotalProfit, werr),
		})
	}

	title := "Cycle completed"
	if phase == domain.PhaseLeg1OnlyCompleted {
		title = "Cycle completed on leg 1 only"
	}
	m.d.Notifier.Send(ctx, domain.Alert{
		Key:      "cycle:" + c.ID + ":" + string(phase),
		Severity: domain.SeverityInfo,
		Title:    title,
		Message: fmt.Sprintf("cycle %s %s/%s: leg1 %.0f + leg2 %.0f = %.0f KRW (%.4f%%)",
			c.ID, c.Leg1Symbol, c.Leg2Symbol, c.Leg1Profit, c.Leg2Profit, c.TotalProfit, c.TotalProfitPct),
	})
	m.logger.InfoContext(ctx, "cycle finished",
		slog.String("cycle_id", c.ID),
		slog.String("phase", string(phase)),
		slog.Float64("total_profit", c.TotalProfit),
		slog.Float64("total_profit_pct", c.TotalProfitPct),
	)
	return nil
}

// fail moves c to FAILED and sends the cycle's single failure notification.
// The write is best effort: the cycle is failed in memory regardless.
func (m *Machine) fail(ctx context.Context, c *domain.Cycle, sev domain.Severity, detail string) {
	from := c.Phase
	ended := m.d.Clock.Now()
	c.Phase = domain.PhaseFailed
	c.ErrorDetail = detail
	c.EndedAt = &ended
	c.UpdatedAt = ended

	ctx = context.WithoutCancel(ctx)
	if err := m.write(ctx, func(ctx context.Context) error { return m.d.Store.UpdateCycle(ctx, *c) }); err != nil {
		m.logger.ErrorContext(ctx, "persist failed cycle",
			slog.String("cycle_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
	m.d.Observer.PhaseChanged(*c)
	m.emit(ctx, *c, "cycle_failed", map[string]any{"from": string(from), "error": detail})

	m.d.Notifier.Send(ctx, domain.Alert{
		Key:      "cycle:" + c.ID + ":" + string(domain.PhaseFailed),
		Severity: sev,
		Title:    "Cycle failed",
		Message:  fmt.Sprintf("cycle %s (%s, %s) failed in %s: %s", c.ID, c.Leg1Symbol, c.Direction, from, detail),
	})
	m.logger.ErrorContext(ctx, "cycle failed",
		slog.String("cycle_id", c.ID),
		slog.String("from", string(from)),
		slog.String("error", detail),
	)
}

// emit appends an audit entry and publishes the cycle on the bus. Both are
// observational; failures are only logged.
func (m *Machine) emit(ctx context.Context, c domain.Cycle, event string, extra map[string]any) {
	detail := map[string]any{
		"cycle_id":   c.ID,
		"session_id": c.SessionID,
		"phase":      string(c.Phase),
		"direction":  string(c.Direction),
	}
	for k, v := range extra {
		detail[k] = v
	}
	if m.d.Audit != nil {
		if err := m.d.Audit.Log(ctx, event, detail); err != nil {
			m.logger.WarnContext(ctx, "audit log failed", slog.String("cycle_id", c.ID), slog.String("error", err.Error()))
		}
	}
	if m.d.Bus != nil {
		payload, err := encodeEvent(event, c)
		if err != nil {
			return
		}
		if err := m.d.Bus.Publish(ctx, EventChannel, payload); err != nil {
			m.logger.WarnContext(ctx, "publish cycle event failed", slog.String("cycle_id", c.ID), slog.String("error", err.Error()))
		}
		if err := m.d.Bus.StreamAppend(ctx, EventChannel, payload); err != nil {
			m.logger.WarnContext(ctx, "append cycle stream failed", slog.String("cycle_id", c.ID), slog.String("error", err.Error()))
		}
	}
}

// permanent reports store errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrTerminalCycle) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrAlreadyExists) ||
		errors.Is(err, domain.ErrNotFound)
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(domain.Cycle)           {}
func (nopObserver) LegFinished(int, executor.LegResult) {}
