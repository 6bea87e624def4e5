package notify

import (
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
)

// Dedup suppresses repeats of an alert key within a cooldown window. It is
// safe for concurrent use.
type Dedup struct {
	mu       sync.Mutex
	seen     map[string]time.Time // key -> last delivered
	cooldown time.Duration
	clock    clock.Clock
}

// NewDedup creates a Dedup with the given cooldown. A zero cooldown never
// suppresses.
func NewDedup(cooldown time.Duration, clk clock.Clock) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), cooldown: cooldown, clock: clk}
}

// Allow reports whether key may be delivered now and, if so, records it.
// Empty keys are always allowed.
func (d *Dedup) Allow(key string) bool {
	if key == "" || d.cooldown <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > 1024 {
		d.cleanupLocked(now)
	}
	return true
}

func (d *Dedup) cleanupLocked(now time.Time) {
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.cooldown {
			delete(d.seen, k)
		}
	}
}
