package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const bookTTL = time.Minute

// OrderbookCache implements domain.OrderbookCache using Redis sorted sets and
// hashes per venue and symbol.
//
// Key schema, with {b} = book:{venue}:{symbol}:
//
//	{b}:bids     - sorted set of bid prices (score = price)
//	{b}:asks     - sorted set of ask prices (score = price)
//	{b}:bid:size - hash mapping price -> quantity for bids
//	{b}:ask:size - hash mapping price -> quantity for asks
//	{b}:meta     - hash with "ts" (snapshot Unix nanoseconds)
type OrderbookCache struct {
	c   *Client
	rdb *redis.Client
}

// NewOrderbookCache creates an OrderbookCache backed by c.
func NewOrderbookCache(c *Client) *OrderbookCache {
	return &OrderbookCache{c: c, rdb: c.Underlying()}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func (oc *OrderbookCache) keys(venue domain.Venue, symbol string) bookKeys {
	base := oc.c.key("book", string(venue), symbol)
	return bookKeys{
		bids:    base + ":bids",
		asks:    base + ":asks",
		bidSize: base + ":bid:size",
		askSize: base + ":ask:size",
		meta:    base + ":meta",
	}
}

// SetSnapshot atomically replaces the snapshot of book.Venue/book.Symbol.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, book domain.OrderBook) error {
	k := oc.keys(book.Venue, book.Symbol)
	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, k.bids, k.asks, k.bidSize, k.askSize, k.meta)

	for _, lvl := range book.Bids {
		p := strconv.FormatFloat(lvl.Price, 'f', -1, 64)
		pipe.ZAdd(ctx, k.bids, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, k.bidSize, p, strconv.FormatFloat(lvl.Quantity, 'f', -1, 64))
	}
	for _, lvl := range book.Asks {
		p := strconv.FormatFloat(lvl.Price, 'f', -1, 64)
		pipe.ZAdd(ctx, k.asks, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, k.askSize, p, strconv.FormatFloat(lvl.Quantity, 'f', -1, 64))
	}
	pipe.HSet(ctx, k.meta, "ts", strconv.FormatInt(book.Timestamp.UnixNano(), 10))
	for _, key := range []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta} {
		pipe.Expire(ctx, key, bookTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook %s/%s: %w", book.Venue, book.Symbol, err)
	}
	return nil
}

// GetSnapshot rebuilds the cached book, bids best-first descending and asks
// ascending. It returns domain.ErrNotFound when nothing is cached.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, venue domain.Venue, symbol string) (domain.OrderBook, error) {
	k := oc.keys(venue, symbol)
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.OrderBook{}, fmt.Errorf("redis: get orderbook %s/%s: %w", venue, symbol, err)
	}

	meta, _ := metaCmd.Result()
	tsStr, ok := meta["ts"]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("redis: orderbook %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	book := domain.OrderBook{Venue: venue, Symbol: symbol}
	if ns, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
		book.Timestamp = time.Unix(0, ns)
	}
	book.Bids = levels(bidsCmd, bidSizeCmd)
	book.Asks = levels(asksCmd, askSizeCmd)
	return book, nil
}

func levels(zcmd *redis.ZSliceCmd, sizes *redis.MapStringStringCmd) []domain.OrderBookLevel {
	zs, _ := zcmd.Result()
	qty, _ := sizes.Result()
	out := make([]domain.OrderBookLevel, 0, len(zs))
	for _, z := range zs {
		p, ok := z.Member.(string)
		if !ok {
			continue
		}
		q, _ := strconv.ParseFloat(qty[p], 64)
		out = append(out, domain.OrderBookLevel{Price: z.Score, Quantity: q})
	}
	return out
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
