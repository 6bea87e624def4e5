package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// relayCommand is sent to the relay after connecting.
type relayCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// relayMessage is one inbound frame. Type selects which fields are set:
// "book" carries bids/asks, "tick" a price, "ticker" a 24h quote volume.
type relayMessage struct {
	Type        string                  `json:"type"`
	Venue       domain.Venue            `json:"venue"`
	Symbol      string                  `json:"symbol"`
	Price       float64                 `json:"price"`
	QuoteVolume float64                 `json:"quote_volume_24h"`
	Bids        []domain.OrderBookLevel `json:"bids"`
	Asks        []domain.OrderBookLevel `json:"asks"`
	Timestamp   time.Time               `json:"timestamp"`
}

// WSSourceConfig configures a WSSource.
type WSSourceConfig struct {
	URL               string
	Symbols           []string
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// WSSource streams books and ticks from a websocket market-data relay into
// an Ingestor, reconnecting with exponential backoff.
type WSSource struct {
	cfg    WSSourceConfig
	ingest Ingestor
	logger *slog.Logger
}

// NewWSSource creates a source for the relay at cfg.URL.
func NewWSSource(cfg WSSourceConfig, ingest Ingestor, logger *slog.Logger) *WSSource {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	return &WSSource{
		cfg:    cfg,
		ingest: ingest,
		logger: logger.With(slog.String("component", "ws_source"), slog.String("url", cfg.URL)),
	}
}

// Run connects, subscribes, and ingests frames until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context) error {
	if len(s.cfg.Symbols) == 0 {
		s.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.MaxInterval = s.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.logger.Warn("relay disconnected, reconnecting",
			slog.Int("frames", received),
			slog.Duration("delay", delay),
			slog.String("error", errString(err)),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runConnection serves one connection and returns the number of frames
// ingested before it ended.
func (s *WSSource) runConnection(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("feed: dial relay: %w", err)
	}

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cmd, _ := json.Marshal(relayCommand{Type: "subscribe", Symbols: s.cfg.Symbols})
	if err := write(websocket.TextMessage, cmd); err != nil {
		return 0, fmt.Errorf("feed: subscribe: %w", err)
	}
	s.logger.Info("relay subscribed", slog.Int("symbols", len(s.cfg.Symbols)))

	received := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handleMessage(ctx, raw); err != nil {
			s.logger.Debug("relay frame rejected", slog.String("error", err.Error()))
			continue
		}
		received++
	}
}

func (s *WSSource) handleMessage(ctx context.Context, raw []byte) error {
	var msg relayMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if msg.Venue == "" || msg.Symbol == "" {
		return fmt.Errorf("frame %q without venue or symbol: %w", msg.Type, domain.ErrValidation)
	}
	switch msg.Type {
	case "book":
		return s.ingest.HandleBook(ctx, domain.OrderBook{
			Venue: msg.Venue, Symbol: msg.Symbol, Bids: msg.Bids, Asks: msg.Asks, Timestamp: msg.Timestamp,
		})
	case "tick":
		return s.ingest.HandleTick(ctx, domain.PriceTick{
			Venue: msg.Venue, Symbol: msg.Symbol, Price: msg.Price, Timestamp: msg.Timestamp,
		})
	case "ticker":
		return s.ingest.HandleTicker(ctx, msg.Venue, domain.TickerInfo{
			Symbol: msg.Symbol, LastPrice: msg.Price, QuoteVolume24h: msg.QuoteVolume,
		})
	default:
		return errors.New("unknown frame type " + msg.Type)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
