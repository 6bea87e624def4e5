package domain

import (
	"context"
	"time"
)

// PriceCache holds the last traded or mid price per venue and symbol with
// the time it was observed.
type PriceCache interface {
	SetPrice(ctx context.Context, venue Venue, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, venue Venue, symbol string) (float64, time.Time, error)
}

// OrderbookCache stores the latest depth snapshot per venue and symbol.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, book OrderBook) error
	GetSnapshot(ctx context.Context, venue Venue, symbol string) (OrderBook, error)
}

// VolumeCache stores 24h quote volume per venue and symbol.
type VolumeCache interface {
	SetVolume(ctx context.Context, venue Venue, symbol string, quoteVolume float64) error
	GetVolume(ctx context.Context, venue Venue, symbol string) (float64, error)
}

// RateLimiter counts requests per key in a sliding window shared by every
// engine process.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request under key fits in limit per window.
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager grants exclusive, expiring leases. unlock releases the lease
// only while it is still held by the caller.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one retained stream entry. IDs increase within a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries live messages on channels and keeps a bounded, ordered
// history in streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
