package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/money"
)

// SizingStrategy selects how the next cycle's investment is derived from the
// latest portfolio snapshot.
type SizingStrategy string

const (
	SizingFixed   SizingStrategy = "fixed"
	SizingPercent SizingStrategy = "percent"
	SizingFull    SizingStrategy = "full"
)

// CapitalConfig holds the tunable parameters of the capital accountant.
type CapitalConfig struct {
	Strategy          SizingStrategy
	FixedAmountKRW    float64
	Percent           float64 // of total, for SizingPercent
	MaxInvestmentKRW  float64 // zero disables the cap
	InitialCapitalKRW float64
	CacheTTL          time.Duration
}

// BalanceValuer reports the KRW-equivalent cash held on each venue.
type BalanceValuer interface {
	ValueBalances(ctx context.Context) (map[domain.Venue]float64, error)
}

// CapitalService sizes investments from the append-only portfolio ledger and
// tracks the capital each session has committed. Sizing reads and ledger
// appends share one lock, so no reader observes a half-applied cycle result.
type CapitalService struct {
	store  domain.PortfolioStore
	cfg    CapitalConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	latest   *domain.PortfolioSnapshot
	sized    float64
	sizedAt  time.Time
	reserved map[string]float64
}

// NewCapitalService creates a CapitalService over store.
func NewCapitalService(store domain.PortfolioStore, cfg CapitalConfig, logger *slog.Logger) *CapitalService {
	return &CapitalService{
		store:    store,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "capital_service")),
		now:      time.Now,
		reserved: make(map[string]float64),
	}
}

// Size applies the configured strategy to snap.
func (s *CapitalService) Size(snap domain.PortfolioSnapshot) float64 {
	var amount float64
	switch s.cfg.Strategy {
	case SizingFixed:
		amount = s.cfg.FixedAmountKRW
		if amount > snap.TotalKRW {
			amount = snap.TotalKRW
		}
	case SizingPercent:
		amount = snap.TotalKRW * s.cfg.Percent / 100
	default:
		amount = snap.TotalKRW
	}
	if s.cfg.MaxInvestmentKRW > 0 && amount > s.cfg.MaxInvestmentKRW {
		amount = s.cfg.MaxInvestmentKRW
	}
	amount = money.Sanitize(s.logger, "investment", amount)
	if amount < 0 {
		return 0
	}
	return amount
}

// Investment returns the sized investment for the next cycle, served from a
// short-lived cache.
func (s *CapitalService) Investment(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.sizedAt.IsZero() && now.Sub(s.sizedAt) < s.cfg.CacheTTL {
		return s.sized, nil
	}
	snap, err := s.latestLocked(ctx)
	if err != nil {
		return 0, err
	}
	s.sized = s.Size(snap)
	s.sizedAt = now
	return s.sized, nil
}

// Latest returns the most recent portfolio snapshot.
func (s *CapitalService) Latest(ctx context.Context) (domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(ctx)
}

func (s *CapitalService) latestLocked(ctx context.Context) (domain.PortfolioSnapshot, error) {
	if s.latest != nil {
		return *s.latest, nil
	}
	snap, err := s.store.GetLatestPortfolioSnapshot(ctx)
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("capital_service: latest snapshot: %w", err)
	}
	s.latest = &snap
	return snap, nil
}

// Reserve commits amount of capital to sessionID. It fails with
// domain.ErrInsufficientCapital when the unreserved total is smaller.
func (s *CapitalService) Reserve(ctx context.Context, sessionID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.latestLocked(ctx)
	if err != nil {
		return err
	}
	var total float64
	for id, v := range s.reserved {
		if id != sessionID {
			total += v
		}
	}
	if total+amount > snap.TotalKRW+1e-6 {
		return fmt.Errorf("capital_service: reserve %.0f for %s (reserved %.0f of %.0f): %w",
			amount, sessionID, total, snap.TotalKRW, domain.ErrInsufficientCapital)
	}
	s.reserved[sessionID] = amount
	return nil
}

// Release frees the capital reserved by sessionID.
func (s *CapitalService) Release(sessionID string) {
	s.mu.Lock()
	delete(s.reserved, sessionID)
	s.mu.Unlock()
}

// Reserved returns the total capital committed across sessions.
func (s *CapitalService) Reserved() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, v := range s.reserved {
		total += v
	}
	return total
}

// RecordCycle appends a snapshot whose total is the previous total plus pnl.
// balances replaces the per-venue breakdown when non-nil.
func (s *CapitalService) RecordCycle(ctx context.Context, cycleID string, pnl float64,
	balances map[domain.Venue]float64) (domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.latestLocked(ctx)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	pnl = money.Sanitize(s.logger, "cycle_pnl", pnl)
	next := domain.PortfolioSnapshot{
		ID:          uuid.NewString(),
		Timestamp:   s.now(),
		Balances:    maps.Clone(prev.Balances),
		TotalKRW:    prev.TotalKRW + pnl,
		LastCycleID: cycleID,
		LastPnL:     pnl,
	}
	if balances != nil {
		next.Balances = maps.Clone(balances)
	}
	if err := s.store.AppendPortfolioSnapshot(ctx, next); err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("capital_service: append snapshot: %w", err)
	}
	s.latest = &next
	s.sizedAt = time.Time{}

	s.logger.InfoContext(ctx, "portfolio updated",
		slog.String("cycle_id", cycleID),
		slog.Float64("pnl", pnl),
		slog.Float64("total_krw", next.TotalKRW),
	)
	return next, nil
}

// Seed ensures the ledger has a first row. It prefers live venue balances and
// falls back to the configured initial capital. An existing ledger is left
// untouched.
func (s *CapitalService) Seed(ctx context.Context, valuer BalanceValuer) (domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.GetLatestPortfolioSnapshot(ctx)
	if err == nil {
		s.latest = &snap
		return snap, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.PortfolioSnapshot{}, fmt.Errorf("capital_service: seed: %w", err)
	}

	seed := domain.PortfolioSnapshot{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		Balances:  map[domain.Venue]float64{},
	}
	if valuer != nil {
		balances, verr := valuer.ValueBalances(ctx)
		if verr != nil {
			s.logger.WarnContext(ctx, "live balance query failed, seeding from initial capital",
				slog.String("error", verr.Error()))
		} else {
			for v, amt := range balances {
				amt = money.Sanitize(s.logger, "balance_"+string(v), amt)
				seed.Balances[v] = amt
				seed.TotalKRW += amt
			}
		}
	}
	if seed.TotalKRW <= 0 {
		seed.Balances = map[domain.Venue]float64{}
		seed.TotalKRW = s.cfg.InitialCapitalKRW
	}
	if err := s.store.AppendPortfolioSnapshot(ctx, seed); err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("capital_service: seed append: %w", err)
	}
	s.latest = &seed
	s.logger.InfoContext(ctx, "portfolio seeded", slog.Float64("total_krw", seed.TotalKRW))
	return seed, nil
}

// Budget is the profit a cycle's second leg must still earn. Required is
// negative when leg 1 already beat the target; its magnitude is then the loss
// leg 2 may absorb.
type Budget struct {
	TargetReturnPct float64
	Leg1Profit      float64
	Investment      float64
	Required        float64
}

// LossBudget returns the budget for a leg 2 following a leg 1 that realized
// leg1Profit on investment, for an overall goal of targetReturnPct.
func LossBudget(targetReturnPct, leg1Profit, investment float64) Budget {
	return Budget{
		TargetReturnPct: targetReturnPct,
		Leg1Profit:      leg1Profit,
		Investment:      investment,
		Required:        targetReturnPct/100*investment - leg1Profit,
	}
}

// AllowedLoss returns the loss leg 2 may take, zero when it must profit.
func (b Budget) AllowedLoss() float64 {
	if b.Required >= 0 {
		return 0
	}
	return -b.Required
}

// Accepts reports whether a candidate expected to earn profit fits the
// budget, i.e. its loss does not exceed AllowedLoss.
func (b Budget) Accepts(profit float64) bool {
	return money.Finite(profit) && profit >= b.Required
}

// MinNetPct returns Required as a percentage of investment, floored to four
// decimals so it never rejects a candidate Accepts would take.
func (b Budget) MinNetPct() float64 {
	return money.Pct(b.Required, b.Investment)
}

// SelectLeg2 returns the acceptable candidate with the smallest expected
// loss (largest expected profit). ok is false when none fits.
func SelectLeg2(candidates []domain.Opportunity, b Budget) (best domain.Opportunity, ok bool) {
	for _, c := range candidates {
		if !b.Accepts(c.FinalProfitKRW) {
			continue
		}
		if !ok || c.FinalProfitKRW > best.FinalProfitKRW {
			best, ok = c, true
		}
	}
	return best, ok
}
