package scheduler

import (
	"context"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// window is an open decision window on a DECIDING session. gen identifies
// it; a timer callback or revalidation result carrying another generation is
// stale and ignored.
type window struct {
	gen  uint64
	best domain.Opportunity
	stop func() bool
	// expired is set once the timer fired and revalidation is running;
	// late offers are dropped from then on.
	expired bool
}

// Offer routes an opportunity into the decision window, opening one on the
// highest-priority idle session when none is open. Opportunities on symbols
// held by an active cycle are dropped.
func (s *Scheduler) Offer(ctx context.Context, opp domain.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if slices.Contains(s.heldLocked(""), opp.Symbol) {
		return
	}

	if sl := s.openWindowLocked(); sl != nil {
		w := sl.window
		if !w.expired && opp.FinalPct > w.best.FinalPct {
			s.logger.DebugContext(ctx, "decision window: better candidate",
				slog.String("session_id", sl.sess.ID),
				slog.String("symbol", opp.Symbol),
				slog.Float64("final_pct", opp.FinalPct),
				slog.Float64("previous_pct", w.best.FinalPct),
			)
			w.best = opp
		}
		return
	}

	sl := s.freeSlotLocked()
	if sl == nil {
		return
	}
	s.gen++
	gen := s.gen
	id := sl.sess.ID
	sl.window = &window{gen: gen, best: opp}
	sl.sess.Direction = opp.Direction
	s.setStatusLocked(sl, domain.SessionDeciding)
	sl.window.stop = s.d.Clock.AfterFunc(s.cfg.DecisionWindow, func() { s.expire(id, gen) })

	s.logger.InfoContext(ctx, "decision window opened",
		slog.String("session_id", id),
		slog.String("symbol", opp.Symbol),
		slog.String("direction", string(opp.Direction)),
		slog.Float64("final_pct", opp.FinalPct),
		slog.Duration("window", s.cfg.DecisionWindow),
	)
}

// CancelWindow discards the open decision window, if any, returning its
// session to IDLE. It reports whether a window was cancelled.
func (s *Scheduler) CancelWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.openWindowLocked()
	if sl == nil {
		return false
	}
	s.closeWindowLocked(sl)
	s.setStatusLocked(sl, domain.SessionIdle)
	return true
}

// expire is the decision-window timer callback.
func (s *Scheduler) expire(id string, gen uint64) {
	s.mu.Lock()
	sl := s.slots[id]
	if sl.window == nil || sl.window.gen != gen || sl.window.expired {
		s.mu.Unlock()
		return
	}
	sl.window.expired = true
	best := sl.window.best
	ctx := s.runCtx
	s.mu.Unlock()

	fresh, ok := s.d.Detector.Revalidate(ctx, best)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.window == nil || sl.window.gen != gen {
		return
	}
	sl.window = nil
	if !ok {
		s.logger.InfoContext(ctx, "decision window: candidate no longer qualifies",
			slog.String("session_id", id),
			slog.String("symbol", best.Symbol),
		)
		s.setStatusLocked(sl, domain.SessionIdle)
		return
	}
	s.commitLocked(ctx, sl, fresh)
}

// commitLocked reserves capital for opp and starts leg 1 on sl.
func (s *Scheduler) commitLocked(ctx context.Context, sl *slot, opp domain.Opportunity) {
	logger := s.logger.With(slog.String("session_id", sl.sess.ID), slog.String("symbol", opp.Symbol))
	if s.closed {
		s.setStatusLocked(sl, domain.SessionIdle)
		return
	}
	if slices.Contains(s.heldLocked(sl.sess.ID), opp.Symbol) {
		logger.InfoContext(ctx, "decision window: symbol taken by another session")
		s.setStatusLocked(sl, domain.SessionIdle)
		return
	}
	if err := s.d.Capital.Reserve(ctx, sl.sess.ID, opp.InvestmentKRW); err != nil {
		logger.WarnContext(ctx, "decision window: capital unavailable", slog.String("error", err.Error()))
		s.setStatusLocked(sl, domain.SessionIdle)
		return
	}

	sl.busy = true
	sl.holds = []string{opp.Symbol}
	sl.sess.Direction = opp.Direction
	s.setStatusLocked(sl, domain.SessionLeg1InFlight)
	logger.InfoContext(ctx, "opportunity committed",
		slog.String("direction", string(opp.Direction)),
		slog.Float64("final_pct", opp.FinalPct),
		slog.Float64("expected_krw", opp.FinalProfitKRW),
		slog.Float64("investment_krw", opp.InvestmentKRW),
	)
	s.wg.Add(1)
	go s.runLeg1(ctx, sl, opp)
}

func (s *Scheduler) openWindowLocked() *slot {
	for _, id := range s.order {
		if sl := s.slots[id]; sl.window != nil {
			return sl
		}
	}
	return nil
}

func (s *Scheduler) closeWindowLocked(sl *slot) {
	if sl.window.stop != nil {
		sl.window.stop()
	}
	sl.window = nil
}
