package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/betforge/gamecore/internal/blob/s3"
	"github.com/betforge/gamecore/internal/cache/redis"
	"github.com/betforge/gamecore/internal/config"
	"github.com/betforge/gamecore/internal/crypto"
	"github.com/betforge/gamecore/internal/domain"
	"github.com/betforge/gamecore/internal/fairness"
	"github.com/betforge/gamecore/internal/games"
	"github.com/betforge/gamecore/internal/ledger"
	"github.com/betforge/gamecore/internal/market"
	"github.com/betforge/gamecore/internal/service"
	"github.com/betforge/gamecore/internal/store/postgres"
)

// Dependencies bundles everything the application needs to run. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	LedgerStore      domain.LedgerStore
	MarketStateStore domain.MarketStateStore
	CandleStore      domain.CandleStore

	// Caches
	IdempotencyCache domain.IdempotencyCache
	MarketStateCache domain.MarketStateCache
	LockManager      domain.LockManager
	NonceSource      domain.NonceSource

	// Core components
	Engine    *ledger.Engine
	Simulator *market.Simulator
	Bets      *service.BetService
	Market    *service.MarketQueryService

	// Archival, nil when archive is disabled
	Archiver domain.Archiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.LedgerStore = postgres.NewLedgerStore(pool)
	deps.MarketStateStore = postgres.NewMarketStateStore(pool)
	candleStore := postgres.NewCandleStore(pool)
	deps.CandleStore = candleStore

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.IdempotencyCache = redis.NewIdempotencyCache(redisClient)
	deps.MarketStateCache = redis.NewMarketStateCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.NonceSource = redis.NewNonceStore(redisClient)

	// --- Fairness ---
	masterSecret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Fairness.MasterSecret,
		EncryptedSecretPath: cfg.Fairness.EncryptedSecretPath,
		SecretPassword:      cfg.Fairness.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: master secret: %w", err)
	}
	chain, err := fairness.NewSeedChain(masterSecret)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: seed chain: %w", err)
	}
	gen := fairness.NewGenerator(cfg.Fairness.DefaultClientSeed)

	// --- Ledger engine ---
	deps.Engine = ledger.NewEngine(
		ledger.Config{
			IdempotencyTTL: cfg.Ledger.IdempotencyTTL.Duration,
			ApplyRetryMax:  cfg.Ledger.ApplyRetryMax,
			RetryBaseDelay: cfg.Ledger.RetryBaseDelay.Duration,
			StoreTimeout:   cfg.Ledger.StoreTimeout.Duration,
			LockTTL:        cfg.Ledger.LockTTL.Duration,
		},
		deps.LedgerStore,
		deps.IdempotencyCache,
		deps.LockManager,
		logger,
	)

	// --- Market simulator ---
	// Ticks draw from the same epoch seed as bets; the fixed tick client seed
	// keeps the two nonce sequences in separate HMAC streams.
	marketSeed, err := chain.SeedFor(cfg.Fairness.Epoch)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: market seed: %w", err)
	}
	deps.Simulator = market.NewSimulator(
		market.Config{
			ServerSeed:         marketSeed,
			StartPrice:         cfg.Market.StartPrice,
			MinPrice:           cfg.Market.MinPrice,
			MaxPrice:           cfg.Market.MaxPrice,
			BaseVolatility:     cfg.Market.BaseVolatility,
			MomentumFactor:     cfg.Market.MomentumFactor,
			ReversionRate:      cfg.Market.ReversionRate,
			CandleInterval:     cfg.Market.CandleInterval.Duration,
			TickMinDelay:       cfg.Market.TickMinDelay.Duration,
			TickMaxDelay:       cfg.Market.TickMaxDelay.Duration,
			CandlePersistEvery: cfg.Market.CandlePersistEvery,
			PersistRetryMax:    cfg.Market.PersistRetryMax,
			RetryBaseDelay:     cfg.Market.RetryBaseDelay.Duration,
			PersistTimeout:     cfg.Market.PersistTimeout.Duration,
		},
		gen,
		deps.MarketStateStore,
		deps.CandleStore,
		deps.MarketStateCache,
		logger,
	)

	// --- Services ---
	cases, err := buildCaseCatalog(cfg.Cases)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: case catalog: %w", err)
	}
	deps.Bets = service.NewBetService(
		gen, chain, cfg.Fairness.Epoch, cfg.Fairness.DefaultClientSeed,
		deps.NonceSource, deps.Engine, cases, logger,
	)
	deps.Market = service.NewMarketQueryService(
		deps.Simulator, deps.MarketStateCache,
		deps.MarketStateStore, deps.CandleStore, logger,
	)

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			candleStore,
			logger,
		)
	}

	return deps, cleanup, nil
}

// buildCaseCatalog converts the configured case definitions into resolvable
// cases, validating each one up front so a bad catalog fails at startup.
func buildCaseCatalog(cfgs []config.CaseConfig) (map[string]games.Case, error) {
	catalog := make(map[string]games.Case, len(cfgs))
	for _, cc := range cfgs {
		c := games.Case{ID: cc.ID, Items: make([]games.CaseItem, 0, len(cc.Items))}
		for _, ic := range cc.Items {
			mult, err := decimal.NewFromString(ic.Multiplier)
			if err != nil {
				return nil, fmt.Errorf("case %s item %s: bad multiplier %q: %w", cc.ID, ic.ID, ic.Multiplier, err)
			}
			c.Items = append(c.Items, games.CaseItem{
				ID:         ic.ID,
				Name:       ic.Name,
				Rarity:     ic.Rarity,
				Weight:     ic.Weight,
				Multiplier: mult,
			})
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("case %s: %w", cc.ID, err)
		}
		catalog[cc.ID] = c
	}
	return catalog, nil
}
