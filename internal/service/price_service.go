package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// PricesChannel is the bus channel every ingested price tick is published on.
const PricesChannel = "prices"

// PriceService ingests order books and tickers from any source, keeps the
// price, order-book and volume caches current, and publishes one PriceTick
// per update on PricesChannel.
type PriceService struct {
	priceCache  domain.PriceCache
	bookCache   domain.OrderbookCache
	volumeCache domain.VolumeCache
	bus         domain.SignalBus
	logger      *slog.Logger
}

// NewPriceService creates a PriceService with all required dependencies.
func NewPriceService(
	priceCache domain.PriceCache,
	bookCache domain.OrderbookCache,
	volumeCache domain.VolumeCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		priceCache:  priceCache,
		bookCache:   bookCache,
		volumeCache: volumeCache,
		bus:         bus,
		logger:      logger.With(slog.String("component", "price_service")),
	}
}

// HandleBook validates a depth snapshot, stores it, updates the mid price
// and publishes a tick. Invalid books are rejected before touching a cache.
func (s *PriceService) HandleBook(ctx context.Context, book domain.OrderBook) error {
	if err := book.Validate(); err != nil {
		return fmt.Errorf("price_service: %w", err)
	}
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now()
	}
	if err := s.bookCache.SetSnapshot(ctx, book); err != nil {
		return fmt.Errorf("price_service: set snapshot %s/%s: %w", book.Venue, book.Symbol, err)
	}
	mid := book.Mid()
	if mid <= 0 {
		return nil
	}
	return s.HandleTick(ctx, domain.PriceTick{
		Symbol: book.Symbol, Venue: book.Venue, Price: mid, Timestamp: book.Timestamp,
	})
}

// HandleTick stores a last-price observation and publishes it.
func (s *PriceService) HandleTick(ctx context.Context, tick domain.PriceTick) error {
	if tick.Symbol == "" || tick.Venue == "" || !(tick.Price > 0) {
		return fmt.Errorf("price_service: tick %s/%s price %v: %w", tick.Venue, tick.Symbol, tick.Price, domain.ErrValidation)
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	if err := s.priceCache.SetPrice(ctx, tick.Venue, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
		return fmt.Errorf("price_service: set price %s/%s: %w", tick.Venue, tick.Symbol, err)
	}

	evt, _ := json.Marshal(tick)
	if pubErr := s.bus.Publish(ctx, PricesChannel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish price tick failed",
			slog.String("venue", string(tick.Venue)),
			slog.String("symbol", tick.Symbol),
			slog.String("error", pubErr.Error()),
		)
	}
	return nil
}

// HandleTicker records the 24h quote volume of a ticker. The last price is
// not published; books drive ticks.
func (s *PriceService) HandleTicker(ctx context.Context, venue domain.Venue, info domain.TickerInfo) error {
	if info.QuoteVolume24h < 0 {
		return fmt.Errorf("price_service: volume %s/%s %v: %w", venue, info.Symbol, info.QuoteVolume24h, domain.ErrValidation)
	}
	if err := s.volumeCache.SetVolume(ctx, venue, info.Symbol, info.QuoteVolume24h); err != nil {
		return fmt.Errorf("price_service: set volume %s/%s: %w", venue, info.Symbol, err)
	}
	return nil
}

// GetPrice returns the latest cached price and its timestamp.
func (s *PriceService) GetPrice(ctx context.Context, venue domain.Venue, symbol string) (float64, time.Time, error) {
	price, ts, err := s.priceCache.GetPrice(ctx, venue, symbol)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("price_service: get price %s/%s: %w", venue, symbol, err)
	}
	return price, ts, nil
}

// GetBook returns the cached depth snapshot.
func (s *PriceService) GetBook(ctx context.Context, venue domain.Venue, symbol string) (domain.OrderBook, error) {
	book, err := s.bookCache.GetSnapshot(ctx, venue, symbol)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("price_service: get book %s/%s: %w", venue, symbol, err)
	}
	return book, nil
}

// GetVolume returns the cached 24h quote volume.
func (s *PriceService) GetVolume(ctx context.Context, venue domain.Venue, symbol string) (float64, error) {
	v, err := s.volumeCache.GetVolume(ctx, venue, symbol)
	if err != nil {
		return 0, fmt.Errorf("price_service: get volume %s/%s: %w", venue, symbol, err)
	}
	return v, nil
}

// GetBBO returns the best bid and best ask from the cached book.
func (s *PriceService) GetBBO(ctx context.Context, venue domain.Venue, symbol string) (float64, float64, error) {
	book, err := s.GetBook(ctx, venue, symbol)
	if err != nil {
		return 0, 0, err
	}
	return book.BestBid(), book.BestAsk(), nil
}
