// Package scheduler owns the session table. It routes opportunities through
// a decision window into idle sessions, advances the highest-priority ready
// session on every tick and resumes open cycles after a restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/arbitrage"
	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/cycle"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/service"
)

// Cycles is the cycle state machine as driven by the scheduler.
type Cycles interface {
	Open(ctx context.Context, sessionID string, opp domain.Opportunity) (domain.Cycle, error)
	RunLeg1(ctx context.Context, c *domain.Cycle, opp domain.Opportunity) error
	SearchLeg2(ctx context.Context, c *domain.Cycle, exclude []string) (domain.Opportunity, bool, error)
	RunLeg2(ctx context.Context, c *domain.Cycle, opp domain.Opportunity) error
	Recover(ctx context.Context) ([]domain.Cycle, error)
	Budget(c domain.Cycle) service.Budget
}

// Detector evaluates symbols on demand.
type Detector interface {
	Candidates(ctx context.Context, dir domain.Direction, investment float64,
		minNetPct *float64, exclude []string) []domain.Opportunity
	Revalidate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, bool)
}

// Capital sizes and reserves investments.
type Capital interface {
	Investment(ctx context.Context) (float64, error)
	Reserve(ctx context.Context, sessionID string, amount float64) error
	Release(sessionID string)
	Seed(ctx context.Context, valuer service.BalanceValuer) (domain.PortfolioSnapshot, error)
}

var _ Cycles = (*cycle.Machine)(nil)

// Config controls the session table and its timers.
type Config struct {
	Sessions       int
	DecisionWindow time.Duration
	TickInterval   time.Duration
	// Reverse makes the idle pull scan look for REVERSE entries as well.
	Reverse  bool
	Priority PriorityConfig
	// LockKey names the single-instance lock held while running; LockTTL
	// is its lease.
	LockKey string
	LockTTL time.Duration
}

// Deps are the scheduler's collaborators. Sessions, Locker and Valuer are
// optional.
type Deps struct {
	Cycles   Cycles
	Detector Detector
	Capital  Capital
	Sessions domain.SessionStore
	Locker   domain.LockManager
	Valuer   service.BalanceValuer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// slot is one row of the session table. The scheduler mutex guards every
// field; busy marks a slot whose cycle is being driven outside the lock.
// rejected lists leg-2 symbols that aborted with a business error for the
// current cycle; they are skipped until the cycle ends.
type slot struct {
	sess     domain.Session
	cycle    *domain.Cycle
	holds    []string
	rejected []string
	busy     bool
	window   *window
}

// Scheduler runs the sessions.
type Scheduler struct {
	cfg    Config
	d      Deps
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	order  []string
	gen    uint64
	runCtx context.Context
	closed bool

	advancing atomic.Bool
	wg        sync.WaitGroup
}

var _ arbitrage.Sink = (*Scheduler)(nil)

// New builds the session table with cfg.Sessions idle sessions.
func New(cfg Config, d Deps) *Scheduler {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.Priority == (PriorityConfig{}) {
		cfg.Priority = DefaultPriority()
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "engine"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	s := &Scheduler{
		cfg:    cfg,
		d:      d,
		logger: d.Logger.With(slog.String("component", "scheduler")),
		slots:  make(map[string]*slot, cfg.Sessions),
		runCtx: context.Background(),
	}
	now := d.Clock.Now()
	for i := range cfg.Sessions {
		id := fmt.Sprintf("session-%d", i+1)
		s.slots[id] = &slot{sess: domain.Session{
			ID:          id,
			Status:      domain.SessionIdle,
			Direction:   domain.DirectionNormal,
			StatusSince: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}}
		s.order = append(s.order, id)
	}
	return s
}

// Start recovers open cycles into the session table and seeds the portfolio
// ledger when it is empty. It must run before Run.
func (s *Scheduler) Start(ctx context.Context) error {
	snap, err := s.d.Capital.Seed(ctx, s.d.Valuer)
	if err != nil {
		return fmt.Errorf("scheduler: seed portfolio: %w", err)
	}
	s.logger.InfoContext(ctx, "portfolio ready", slog.Float64("total_krw", snap.TotalKRW))

	resumable, err := s.d.Cycles.Recover(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recover: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range resumable {
		sl := s.freeSlotLocked()
		if sl == nil {
			s.logger.WarnContext(ctx, "no free session for recovered cycle; it stays open until the next restart",
				slog.String("cycle_id", c.ID))
			continue
		}
		if err := s.d.Capital.Reserve(ctx, sl.sess.ID, c.InvestmentKRW); err != nil {
			s.logger.WarnContext(ctx, "capital reservation for recovered cycle failed",
				slog.String("cycle_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
		sl.cycle = &c
		sl.holds = c.Symbols()
		sl.sess.CycleID = c.ID
		sl.sess.Direction = c.Direction
		s.setStatusLocked(sl, domain.SessionAwaitingLeg2)
		s.logger.InfoContext(ctx, "cycle resumed",
			slog.String("cycle_id", c.ID),
			slog.String("session_id", sl.sess.ID),
			slog.Float64("required_leg2_profit", s.d.Cycles.Budget(c).Required),
		)
	}
	for _, id := range s.order {
		s.persistLocked(ctx, s.slots[id])
	}
	return nil
}

// Run ticks until ctx is cancelled, then cancels open decision windows and
// waits for running legs. When a Locker is set, Run holds the engine lock for
// its whole lifetime.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.d.Locker != nil {
		unlock, err := s.d.Locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("scheduler: acquire %s lock: %w", s.cfg.LockKey, err)
		}
		defer unlock()
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("sessions", s.cfg.Sessions),
		slog.Duration("tick", s.cfg.TickInterval),
	)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Shutdown cancels open decision windows and waits for running legs.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, id := range s.order {
		if sl := s.slots[id]; sl.window != nil {
			s.closeWindowLocked(sl)
			s.setStatusLocked(sl, domain.SessionIdle)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick advances the highest-priority ready session by one step. It reports
// false without doing anything when another tick is still advancing.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.advancing.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "tick skipped, previous tick still advancing")
		return false
	}
	defer s.advancing.Store(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	sl := s.nextReadyLocked()
	if sl == nil {
		s.mu.Unlock()
		return true
	}
	switch sl.sess.Status {
	case domain.SessionAwaitingLeg2:
		sl.busy = true
		c := *sl.cycle
		exclude := s.heldLocked(sl.sess.ID)
		for _, sym := range sl.rejected {
			if !slices.Contains(exclude, sym) {
				exclude = append(exclude, sym)
			}
		}
		s.mu.Unlock()
		s.searchStep(ctx, sl, c, exclude)
	default:
		exclude := s.heldLocked("")
		s.mu.Unlock()
		s.scan(ctx, exclude)
	}
	return true
}

// searchStep runs one leg-2 search for sl and commits a chosen candidate.
func (s *Scheduler) searchStep(ctx context.Context, sl *slot, c domain.Cycle, exclude []string) {
	opp, ok, err := s.d.Cycles.SearchLeg2(ctx, &c, exclude)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.ErrorContext(ctx, "leg 2 search failed",
			slog.String("session_id", sl.sess.ID),
			slog.String("cycle_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
	if c.Phase.IsTerminal() {
		s.resetLocked(ctx, sl)
		return
	}
	sl.cycle = &c
	if !ok || s.closed {
		sl.busy = false
		return
	}
	if slices.Contains(s.heldLocked(sl.sess.ID), opp.Symbol) {
		sl.busy = false
		return
	}

	sl.holds = append(c.Symbols(), opp.Symbol)
	s.setStatusLocked(sl, domain.SessionLeg2InFlight)
	s.persistLocked(ctx, sl)
	s.wg.Add(1)
	go s.runLeg2(sl, c, opp)
}

// scan is the pull path for idle sessions: it evaluates every configured
// symbol and offers what passes.
func (s *Scheduler) scan(ctx context.Context, exclude []string) {
	investment, err := s.d.Capital.Investment(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "scan: size investment failed", slog.String("error", err.Error()))
		return
	}
	dirs := []domain.Direction{domain.DirectionNormal}
	if s.cfg.Reverse {
		dirs = append(dirs, domain.DirectionReverse)
	}
	for _, dir := range dirs {
		for _, opp := range s.d.Detector.Candidates(ctx, dir, investment, nil, exclude) {
			s.Offer(ctx, opp)
		}
	}
}

func (s *Scheduler) runLeg1(ctx context.Context, sl *slot, opp domain.Opportunity) {
	defer s.wg.Done()
	id := sl.sess.ID
	logger := s.logger.With(slog.String("session_id", id), slog.String("symbol", opp.Symbol))

	c, err := s.d.Cycles.Open(ctx, id, opp)
	if err != nil {
		logger.ErrorContext(ctx, "open cycle failed", slog.String("error", err.Error()))
		s.mu.Lock()
		s.resetLocked(ctx, sl)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	sl.cycle = &c
	sl.sess.CycleID = c.ID
	s.persistLocked(ctx, sl)
	s.mu.Unlock()

	if err := s.d.Cycles.RunLeg1(ctx, &c, opp); err != nil {
		logger.ErrorContext(ctx, "leg 1 failed", slog.String("cycle_id", c.ID), slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Phase != domain.PhaseAwaitingLeg2 {
		s.resetLocked(ctx, sl)
		return
	}
	sl.cycle = &c
	sl.busy = false
	s.setStatusLocked(sl, domain.SessionAwaitingLeg2)
	s.persistLocked(ctx, sl)
}

func (s *Scheduler) runLeg2(sl *slot, c domain.Cycle, opp domain.Opportunity) {
	defer s.wg.Done()
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	err := s.d.Cycles.RunLeg2(ctx, &c, opp)
	if err != nil {
		s.logger.WarnContext(ctx, "leg 2 did not run",
			slog.String("session_id", sl.sess.ID),
			slog.String("cycle_id", c.ID),
			slog.String("symbol", opp.Symbol),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Phase.IsTerminal() {
		s.resetLocked(ctx, sl)
		return
	}
	if err != nil && domain.KindOf(err) == domain.KindBusiness && !slices.Contains(sl.rejected, opp.Symbol) {
		sl.rejected = append(sl.rejected, opp.Symbol)
		s.logger.InfoContext(ctx, "leg 2 candidate rejected for this cycle",
			slog.String("session_id", sl.sess.ID),
			slog.String("cycle_id", c.ID),
			slog.String("symbol", opp.Symbol),
			slog.Any("rejected", sl.rejected),
		)
	}
	sl.cycle = &c
	sl.holds = c.Symbols()
	sl.busy = false
	s.setStatusLocked(sl, domain.SessionAwaitingLeg2)
	s.persistLocked(ctx, sl)
}

// Sessions returns the session table with current priorities, ordered by id.
func (s *Scheduler) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.d.Clock.Now()
	out := make([]domain.Session, 0, len(s.order))
	for _, id := range s.order {
		sl := s.slots[id]
		sess := sl.sess
		sess.Priority = s.priorityLocked(sl, now)
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns one session by id.
func (s *Scheduler) Session(id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("scheduler: session %s: %w", id, domain.ErrNotFound)
	}
	sess := sl.sess
	sess.Priority = s.priorityLocked(sl, s.d.Clock.Now())
	return sess, nil
}

func (s *Scheduler) priorityLocked(sl *slot, now time.Time) float64 {
	var ratio float64
	if sl.sess.Status == domain.SessionAwaitingLeg2 && sl.cycle != nil && sl.cycle.InvestmentKRW > 0 {
		ratio = s.d.Cycles.Budget(*sl.cycle).Required / sl.cycle.InvestmentKRW * 100
	}
	return s.cfg.Priority.Score(sl.sess.Status, sl.sess.StatusSince, now, ratio)
}

// nextReadyLocked returns the highest-priority session a tick can advance:
// an AWAITING_LEG2 session to search for, or an idle one to scan for. Ties
// go to the session created first.
func (s *Scheduler) nextReadyLocked() *slot {
	now := s.d.Clock.Now()
	var best *slot
	var bestScore float64
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.busy {
			continue
		}
		if sl.sess.Status != domain.SessionAwaitingLeg2 && sl.sess.Status != domain.SessionIdle {
			continue
		}
		score := s.priorityLocked(sl, now)
		if best == nil || score > bestScore {
			best, bestScore = sl, score
		}
	}
	return best
}

// freeSlotLocked returns the highest-priority idle session.
func (s *Scheduler) freeSlotLocked() *slot {
	now := s.d.Clock.Now()
	var best *slot
	var bestScore float64
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.busy || sl.sess.Status != domain.SessionIdle {
			continue
		}
		score := s.priorityLocked(sl, now)
		if best == nil || score > bestScore {
			best, bestScore = sl, score
		}
	}
	return best
}

// heldLocked lists symbols held by active cycles of sessions other than
// exceptID.
func (s *Scheduler) heldLocked(exceptID string) []string {
	var out []string
	for _, id := range s.order {
		if id == exceptID {
			continue
		}
		for _, sym := range s.slots[id].holds {
			if !slices.Contains(out, sym) {
				out = append(out, sym)
			}
		}
	}
	return out
}

func (s *Scheduler) setStatusLocked(sl *slot, status domain.SessionStatus) {
	now := s.d.Clock.Now()
	if sl.sess.Status != status {
		sl.sess.StatusSince = now
	}
	sl.sess.Status = status
	sl.sess.UpdatedAt = now
}

// resetLocked returns sl to IDLE and releases its capital.
func (s *Scheduler) resetLocked(ctx context.Context, sl *slot) {
	if sl.cycle != nil {
		s.logger.InfoContext(ctx, "session released",
			slog.String("session_id", sl.sess.ID),
			slog.String("cycle_id", sl.cycle.ID),
			slog.String("phase", string(sl.cycle.Phase)),
		)
	}
	s.d.Capital.Release(sl.sess.ID)
	sl.cycle = nil
	sl.holds = nil
	sl.rejected = nil
	sl.busy = false
	sl.sess.CycleID = ""
	s.setStatusLocked(sl, domain.SessionIdle)
	s.persistLocked(ctx, sl)
}

// persistLocked writes the session row. It is best effort: the table in
// memory is authoritative.
func (s *Scheduler) persistLocked(ctx context.Context, sl *slot) {
	if s.d.Sessions == nil {
		return
	}
	sess := sl.sess
	sess.Priority = s.priorityLocked(sl, s.d.Clock.Now())
	if err := s.d.Sessions.UpsertSession(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.WarnContext(ctx, "persist session failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}
