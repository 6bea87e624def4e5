// Package memory provides in-process implementations of the cache, lock,
// rate-limit and bus ports for paper mode and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

type key struct {
	venue  domain.Venue
	symbol string
}

type price struct {
	v  float64
	ts time.Time
}

// Cache implements PriceCache, OrderbookCache and VolumeCache.
type Cache struct {
	mu      sync.RWMutex
	prices  map[key]price
	books   map[key]domain.OrderBook
	volumes map[key]float64
}

var (
	_ domain.PriceCache     = (*Cache)(nil)
	_ domain.OrderbookCache = (*Cache)(nil)
	_ domain.VolumeCache    = (*Cache)(nil)
)

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		prices:  make(map[key]price),
		books:   make(map[key]domain.OrderBook),
		volumes: make(map[key]float64),
	}
}

func (c *Cache) SetPrice(_ context.Context, venue domain.Venue, symbol string, p float64, ts time.Time) error {
	c.mu.Lock()
	c.prices[key{venue, symbol}] = price{p, ts}
	c.mu.Unlock()
	return nil
}

func (c *Cache) GetPrice(_ context.Context, venue domain.Venue, symbol string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key{venue, symbol}]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("memory: price %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	return p.v, p.ts, nil
}

func (c *Cache) SetSnapshot(_ context.Context, book domain.OrderBook) error {
	book.Bids = append([]domain.OrderBookLevel(nil), book.Bids...)
	book.Asks = append([]domain.OrderBookLevel(nil), book.Asks...)
	c.mu.Lock()
	c.books[key{book.Venue, book.Symbol}] = book
	c.mu.Unlock()
	return nil
}

func (c *Cache) GetSnapshot(_ context.Context, venue domain.Venue, symbol string) (domain.OrderBook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[key{venue, symbol}]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("memory: orderbook %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	b.Bids = append([]domain.OrderBookLevel(nil), b.Bids...)
	b.Asks = append([]domain.OrderBookLevel(nil), b.Asks...)
	return b, nil
}

func (c *Cache) SetVolume(_ context.Context, venue domain.Venue, symbol string, v float64) error {
	c.mu.Lock()
	c.volumes[key{venue, symbol}] = v
	c.mu.Unlock()
	return nil
}

func (c *Cache) GetVolume(_ context.Context, venue domain.Venue, symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.volumes[key{venue, symbol}]
	if !ok {
		return 0, fmt.Errorf("memory: volume %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	return v, nil
}

// LockManager is a process-local domain.LockManager.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, k string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[k]; ok && l.now().Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", k, domain.ErrLockHeld)
	}
	exp := l.now().Add(ttl)
	l.held[k] = exp
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[k].Equal(exp) {
				delete(l.held, k)
			}
			l.mu.Unlock()
		})
	}, nil
}

// RateLimiter is a process-local sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, k string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	kept := r.hits[k][:0]
	for _, t := range r.hits[k] {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[k] = kept
		return false, nil
	}
	r.hits[k] = append(kept, now)
	return true, nil
}

func (r *RateLimiter) Wait(ctx context.Context, k string, limit int, window time.Duration) error {
	for {
		ok, err := r.Allow(ctx, k, limit, window)
		if err != nil || ok {
			return err
		}
		t := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("memory: rate limit wait %s: %w", k, ctx.Err())
		case <-t.C:
		}
	}
}
