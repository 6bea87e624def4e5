package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/kimpbot/internal/blob/s3"
	cachemem "github.com/alanyoungcy/kimpbot/internal/cache/memory"
	"github.com/alanyoungcy/kimpbot/internal/cache/redis"
	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/config"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/exchange"
	"github.com/alanyoungcy/kimpbot/internal/exchange/paper"
	"github.com/alanyoungcy/kimpbot/internal/fx"
	"github.com/alanyoungcy/kimpbot/internal/server/handler"
	"github.com/alanyoungcy/kimpbot/internal/store/memory"
	"github.com/alanyoungcy/kimpbot/internal/store/postgres"
)

const paperDriver = "paper"

// Dependencies bundles the backends the engine runs on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Cycles    domain.CycleStore
	Portfolio domain.PortfolioStore
	Sessions  domain.SessionStore
	Audit     domain.AuditStore

	// Caches, coordination and bus
	Prices  domain.PriceCache
	Books   domain.OrderbookCache
	Volumes domain.VolumeCache
	Limiter domain.RateLimiter
	Locker  domain.LockManager
	Bus     domain.SignalBus

	// Archive is nil when archiving is disabled.
	Archive *s3blob.Archive

	Pair   domain.VenuePair
	Venues *exchange.Registry
	// Paper holds the simulated venues, keyed by name, so feed prices can
	// be mirrored into their books.
	Paper map[domain.Venue]*paper.Exchange

	FX domain.FXRateSource

	// Checks are the dependency probes reported by /api/health.
	Checks map[string]handler.Check
}

func isLive(cfg *config.Config) bool { return strings.EqualFold(cfg.Mode, "live") }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Pair:   domain.VenuePair{KRW: domain.Venue(cfg.Venues.KRW.Name), USD: domain.Venue(cfg.Venues.USD.Name)},
		Paper:  make(map[domain.Venue]*paper.Exchange),
		Checks: make(map[string]handler.Check),
	}

	if isLive(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pgClient.Pool()
		deps.Cycles = postgres.NewCycleStore(pool)
		deps.Portfolio = postgres.NewPortfolioStore(pool)
		deps.Sessions = postgres.NewSessionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Prices = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.Books = redis.NewOrderbookCache(redisClient)
		deps.Volumes = redis.NewVolumeCache(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Locker = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		store := memory.New()
		deps.Cycles, deps.Portfolio, deps.Sessions, deps.Audit = store, store, store, store

		cache := cachemem.NewCache()
		deps.Prices, deps.Books, deps.Volumes = cache, cache, cache
		deps.Limiter = cachemem.NewRateLimiter()
		deps.Locker = cachemem.NewLockManager()
		deps.Bus = cachemem.NewBus(int(cfg.Redis.StreamMaxLen))
	}

	if cfg.Archive.Enabled {
		api, err := s3blob.NewClient(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewArchive(api, cfg.S3.Bucket, cfg.S3.Prefix)
		deps.Checks["s3"] = deps.Archive.Health
	}

	registry, err := wireVenues(ctx, cfg, deps, clk, logger)
	if err != nil {
		return fail(err)
	}
	deps.Venues = registry

	deps.FX = wireFX(cfg, clk)
	deps.Checks["fx"] = func(ctx context.Context) error {
		_, err := deps.FX.Rate(ctx)
		return err
	}

	return deps, cleanup, nil
}

// wireVenues builds both venues and wraps each in the request throttle.
func wireVenues(ctx context.Context, cfg *config.Config, deps *Dependencies, clk clock.Clock, logger *slog.Logger) (*exchange.Registry, error) {
	network := paper.NewNetwork()
	registry, err := exchange.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("wire: venues: %w", err)
	}

	for _, side := range []struct {
		venue config.VenueConfig
		quote string
	}{
		{cfg.Venues.KRW, "KRW"},
		{cfg.Venues.USD, "USDT"},
	} {
		var port domain.ExchangePort
		if side.venue.Driver == paperDriver {
			ex := newPaperVenue(cfg, side.venue, side.quote, clk, network)
			deps.Paper[ex.Name()] = ex
			port = ex
		} else {
			build, err := lookupDriver(side.venue.Driver)
			if err != nil {
				return nil, fmt.Errorf("wire: venue %s: %w", side.venue.Name, err)
			}
			if port, err = build(ctx, side.venue, side.quote); err != nil {
				return nil, fmt.Errorf("wire: venue %s: %w", side.venue.Name, err)
			}
		}

		throttled := exchange.NewThrottled(port, deps.Limiter, exchange.ThrottleConfig{
			QueryLimit: side.venue.QueryLimit,
			OrderLimit: side.venue.OrderLimit,
			Window:     side.venue.RateWindow.Duration,
		})
		if err := registry.Register(throttled); err != nil {
			return nil, fmt.Errorf("wire: venues: %w", err)
		}
		logger.Info("venue ready",
			slog.String("venue", side.venue.Name),
			slog.String("driver", side.venue.Driver),
			slog.String("quote", side.quote),
		)
	}
	return registry, nil
}

// newPaperVenue creates a simulated venue seeded from the paper section.
func newPaperVenue(cfg *config.Config, v config.VenueConfig, quote string, clk clock.Clock, network *paper.Network) *paper.Exchange {
	rules := domain.SymbolTradingRules{TickSize: 0.1, LotStep: 0.0001, MinQty: 1, MinNotional: 5_000}
	if quote != "KRW" {
		rules = domain.SymbolTradingRules{TickSize: 0.0001, LotStep: 0.0001, MinQty: 1, MinNotional: 5}
	}
	ex := paper.New(paper.Config{
		Venue:         domain.Venue(v.Name),
		Quote:         quote,
		TakerFeeBps:   v.TakerFeeBps,
		FuturesFeeBps: v.FuturesFeeBps,
		DefaultRules:  rules,
		WithdrawFee:   v.WithdrawFee,
	}, clk, network)

	p := cfg.Paper
	volume := p.VolumeKRW
	if quote == "KRW" {
		ex.SetBalance("KRW", p.KRWBalance)
	} else {
		volume = p.VolumeUSD
		ex.SetBalance("USDT", p.USDTBalance)
		ex.SetFuturesBalance("USDT", p.FuturesUSDT)
	}
	if p.TransferDelay.Duration > 0 {
		ex.SetDepositPlan([]paper.DepositChunk{{After: p.TransferDelay.Duration, Fraction: 1}})
	}
	for _, sym := range cfg.Trading.Symbols {
		seed, ok := p.Prices[sym]
		if !ok {
			continue
		}
		price := seed.KRW
		if quote != "KRW" {
			price = seed.USD
		}
		ex.MirrorPrice(sym, price, p.HalfSpreadPct/100, p.LevelQty, p.Levels)
		ex.SetVolume(sym, volume)
	}
	return ex
}

func wireFX(cfg *config.Config, clk clock.Clock) domain.FXRateSource {
	if cfg.FX.Source == "http" {
		src := fx.NewHTTPSource(cfg.FX.URL, cfg.FX.Field, cfg.FX.Timeout.Duration)
		return fx.NewCached(src, cfg.FX.TTL.Duration, cfg.FX.MaxStale.Duration, clk)
	}
	return fx.Static(cfg.FX.Static)
}
