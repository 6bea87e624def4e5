// Package clock abstracts wall-clock time so polling loops can be driven by
// simulated time in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by every bounded wait in the engine.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f once d has elapsed. stop cancels the call and
	// reports whether it did so before f ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Fake is a manually advanced clock. After advances the clock by d and fires
// immediately, so a polling loop runs through its whole timeline without
// real sleeping. AfterFunc callbacks run on the goroutine that moves the
// clock past their deadline.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at   time.Time
	f    func()
	done bool
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	now := f.advance(d)
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	t := &fakeTimer{at: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		return true
	}
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.advance(d) }

func (f *Fake) advance(d time.Duration) time.Time {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []func()
	pending := f.timers[:0]
	for _, t := range f.timers {
		switch {
		case t.done:
		case !t.at.After(now):
			t.done = true
			due = append(due, t.f)
		default:
			pending = append(pending, t)
		}
	}
	f.timers = pending
	f.mu.Unlock()

	for _, fn := range due {
		fn()
	}
	return now
}

// Sleep waits for d on c, returning early with the context error.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Timer is a one-shot timer on a Clock. It satisfies the Timer interface of
// github.com/cenkalti/backoff/v4 so retry waits follow simulated time.
type Timer struct {
	clk Clock
	c   <-chan time.Time
}

// NewTimer returns a stopped Timer on c.
func NewTimer(c Clock) *Timer { return &Timer{clk: c} }

func (t *Timer) Start(d time.Duration) { t.c = t.clk.After(d) }
func (t *Timer) Stop()                 {}
func (t *Timer) C() <-chan time.Time   { return t.c }
