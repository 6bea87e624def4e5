// Package memory provides in-process implementations of the persistence
// ports for paper trading and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Store implements CycleStore, PortfolioStore, SessionStore and AuditStore.
type Store struct {
	mu        sync.Mutex
	cycles    map[string]domain.Cycle
	snapshots []domain.PortfolioSnapshot
	sessions  map[string]domain.Session
	audit     []domain.AuditEntry
}

var (
	_ domain.CycleStore     = (*Store)(nil)
	_ domain.PortfolioStore = (*Store)(nil)
	_ domain.SessionStore   = (*Store)(nil)
	_ domain.AuditStore     = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		cycles:   make(map[string]domain.Cycle),
		sessions: make(map[string]domain.Session),
	}
}

func (s *Store) CreateCycle(_ context.Context, c domain.Cycle) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[c.ID]; ok {
		return fmt.Errorf("memory: create cycle %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	s.cycles[c.ID] = cloneCycle(c)
	return nil
}

func (s *Store) UpdateCycle(_ context.Context, c domain.Cycle) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cycles[c.ID]
	if !ok {
		return fmt.Errorf("memory: update cycle %s: %w", c.ID, domain.ErrNotFound)
	}
	if cur.Phase.IsTerminal() {
		return fmt.Errorf("memory: update cycle %s in %s: %w", c.ID, cur.Phase, domain.ErrTerminalCycle)
	}
	s.cycles[c.ID] = cloneCycle(c)
	return nil
}

func (s *Store) GetCycle(_ context.Context, id string) (domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[id]
	if !ok {
		return domain.Cycle{}, fmt.Errorf("memory: get cycle %s: %w", id, domain.ErrNotFound)
	}
	return cloneCycle(c), nil
}

func (s *Store) FindCycles(_ context.Context, statusNotIn []domain.CyclePhase) ([]domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Cycle
	for _, c := range s.cycles {
		if !slices.Contains(statusNotIn, c.Phase) {
			out = append(out, cloneCycle(c))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *Store) ListTerminalBefore(_ context.Context, t time.Time, limit int) ([]domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Cycle
	for _, c := range s.cycles {
		if c.Phase.IsTerminal() && c.EndedAt != nil && c.EndedAt.Before(t) {
			out = append(out, cloneCycle(c))
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteCycles(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.cycles, id)
	}
	return nil
}

func (s *Store) AppendPortfolioSnapshot(_ context.Context, snap domain.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Balances = maps.Clone(snap.Balances)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *Store) GetLatestPortfolioSnapshot(_ context.Context) (domain.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return domain.PortfolioSnapshot{}, fmt.Errorf("memory: latest snapshot: %w", domain.ErrNotFound)
	}
	snap := s.snapshots[len(s.snapshots)-1]
	snap.Balances = maps.Clone(snap.Balances)
	return snap, nil
}

// Snapshots returns the whole ledger, oldest first.
func (s *Store) Snapshots() []domain.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.snapshots)
}

func (s *Store) UpsertSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) ||
			opts.Until != nil && e.CreatedAt.After(*opts.Until) ||
			!strings.HasPrefix(e.Event, opts.Event) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func sortOldestFirst(cs []domain.Cycle) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].StartedAt.Before(cs[j].StartedAt) })
}

func cloneCycle(c domain.Cycle) domain.Cycle {
	c.Leg1 = cloneLeg(c.Leg1)
	c.Leg2 = cloneLeg(c.Leg2)
	if c.Leg1EndedAt != nil {
		t := *c.Leg1EndedAt
		c.Leg1EndedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return c
}

func cloneLeg(l domain.LegRecord) domain.LegRecord {
	l.BuyOrderIDs = slices.Clone(l.BuyOrderIDs)
	l.SellOrderIDs = slices.Clone(l.SellOrderIDs)
	l.HedgeOrderIDs = slices.Clone(l.HedgeOrderIDs)
	return l
}
