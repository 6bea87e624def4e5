// Package feed turns venue market data into the engine's price stream:
// sources (websocket relay, exchange poller) ingest through PriceService;
// the Hub replays the published ticks to subscribers and serves the caches.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/service"
)

// Ingestor accepts market data from a source.
type Ingestor interface {
	HandleBook(ctx context.Context, book domain.OrderBook) error
	HandleTick(ctx context.Context, tick domain.PriceTick) error
	HandleTicker(ctx context.Context, venue domain.Venue, info domain.TickerInfo) error
}

var _ Ingestor = (*service.PriceService)(nil)

// Hub implements domain.PriceFeed. Ticks arrive on the bus prices channel,
// so any process publishing there (another engine, a relay) feeds it.
type Hub struct {
	bus     domain.SignalBus
	prices  domain.PriceCache
	books   domain.OrderbookCache
	volumes domain.VolumeCache
	buffer  int
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan domain.PriceTick
	nextID int
	drops  int

	readyOnce sync.Once
	ready     chan struct{}
}

var _ domain.PriceFeed = (*Hub)(nil)

// HubConfig wires a Hub.
type HubConfig struct {
	Bus     domain.SignalBus
	Prices  domain.PriceCache
	Books   domain.OrderbookCache
	Volumes domain.VolumeCache
	// Buffer is the per-subscriber channel capacity. Ticks for a full
	// subscriber are dropped.
	Buffer int
	Logger *slog.Logger
}

// NewHub creates a Hub. Call Run to start consuming the bus.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Hub{
		bus:     cfg.Bus,
		prices:  cfg.Prices,
		books:   cfg.Books,
		volumes: cfg.Volumes,
		buffer:  cfg.Buffer,
		logger:  cfg.Logger.With(slog.String("component", "price_hub")),
		subs:    make(map[int]chan domain.PriceTick),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to the bus.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run relays bus ticks to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ch, err := h.bus.Subscribe(ctx, service.PricesChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", service.PricesChannel, err)
	}
	h.readyOnce.Do(func() { close(h.ready) })
	h.logger.Info("price hub started")
	defer h.logger.Info("price hub stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var tick domain.PriceTick
			if err := json.Unmarshal(data, &tick); err != nil || tick.Symbol == "" || tick.Venue == "" {
				h.logger.Debug("dropping malformed tick", slog.Int("payload_len", len(data)))
				continue
			}
			h.Publish(tick)
		}
	}
}

// Publish fans a tick out to every subscriber without blocking.
func (h *Hub) Publish(tick domain.PriceTick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- tick:
		default:
			h.drops++
		}
	}
}

// Dropped returns how many ticks were discarded for slow subscribers.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops
}

// Subscribe returns a channel of ticks that is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan domain.PriceTick {
	ch := make(chan domain.PriceTick, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *Hub) LatestPrice(ctx context.Context, venue domain.Venue, symbol string) (float64, time.Time, error) {
	return h.prices.GetPrice(ctx, venue, symbol)
}

func (h *Hub) OrderBook(ctx context.Context, venue domain.Venue, symbol string) (domain.OrderBook, error) {
	return h.books.GetSnapshot(ctx, venue, symbol)
}

func (h *Hub) QuoteVolume24h(ctx context.Context, venue domain.Venue, symbol string) (float64, error) {
	return h.volumes.GetVolume(ctx, venue, symbol)
}
