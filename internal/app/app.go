package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/cartrule"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/catalogrule"
	"github.com/noah-isme/toko-pricing/internal/checkout"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/health"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricemap"
	"github.com/noah-isme/toko-pricing/internal/queue"
	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/rules"
	"github.com/noah-isme/toko-pricing/internal/tax"
)

// Backend is everything the pricing services read from the catalog store.
type Backend interface {
	catalog.Repository
	cartrule.RuleSource
	cartrule.UsageCounter
	tax.Repository
}

// Dependencies holds the shared clients of one process. DB is nil when the
// catalog is served from a fixture file; Redis is nil without REDIS_URL.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Store     Backend
	PriceMaps *pricemap.Cache
	Groups    *catalog.Groups
	Taxes     *tax.Engine
	// Extensions holds the named actions of "extension" rules. Register
	// before building the sweeper or checkout service.
	Extensions *rules.Registry
}

// Open connects to the configured backends.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	deps := &Dependencies{Config: cfg, Logger: logger}

	var priceStore pricemap.Store
	if cfg.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database config: %w", err)
		}
		poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		deps.DB = pool
		deps.Store = repo.NewPostgres(pool,
			repo.WithShippingClassCode(cfg.ShippingTaxClassCode),
			repo.WithLocation(cfg.Location),
		)
		priceStore = repo.NewPriceMaps(pool)
	} else {
		mem, err := repo.LoadMemoryFile(cfg.FixturePath)
		if err != nil {
			return nil, err
		}
		mem.SetShippingClassCode(cfg.ShippingTaxClassCode)
		mem.SetLocation(cfg.Location)
		deps.Store = mem
		priceStore = pricemap.NewMemoryStore()
		logger.Warn().Str("fixture", cfg.FixturePath).Msg("serving catalog from fixture; compiled prices are not persisted")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
		deps.Redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	deps.PriceMaps = pricemap.NewCache(deps.Redis, priceStore, cfg.PriceMapCacheTTL, cfg.QueuePrefix+":pricemap")
	deps.Groups = catalog.NewGroups(deps.Store)
	deps.Taxes = tax.NewEngine(deps.Store, deps.Groups, obs.Component(logger, "tax"))
	deps.Extensions = rules.NewRegistry()
	return deps, nil
}

// Close releases the clients.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// ResetCaches drops cached customer groups and tax classes so edits in the
// store become visible.
func (d *Dependencies) ResetCaches() {
	d.Groups.Reset()
	d.Taxes.Reset()
}

// Checkout builds the quote service.
func (d *Dependencies) Checkout() (*checkout.Service, error) {
	evaluator, err := cartrule.NewEvaluator(cartrule.Config{
		Rules:        d.Store,
		Usage:        d.Store,
		Location:     d.Config.Location,
		GuestGroupID: d.Config.GuestGroupID,
		Extensions:   d.Extensions,
		Logger:       obs.Component(d.Logger, "cartrule"),
	})
	if err != nil {
		return nil, err
	}
	return checkout.NewService(checkout.Config{
		Products:     d.Store,
		PriceMaps:    d.PriceMaps,
		Discounts:    evaluator,
		Taxes:        d.Taxes,
		GuestGroupID: d.Config.GuestGroupID,
		Logger:       obs.Component(d.Logger, "checkout"),
	})
}

// Sweeper builds the catalog compiler loop.
func (d *Dependencies) Sweeper() *catalogrule.Sweeper {
	logger := obs.Component(d.Logger, "catalogrule")
	return &catalogrule.Sweeper{
		Compiler:    catalogrule.NewCompiler(d.Extensions, logger),
		Source:      d.Store,
		Store:       d.PriceMaps,
		ChunkSize:   d.Config.CompileChunkSize,
		Concurrency: d.Config.CompileConcurrency,
		Logger:      logger,
	}
}

// Enqueuer publishes compile tasks. It needs Redis.
func (d *Dependencies) Enqueuer() (queue.Enqueuer, error) {
	if d.Redis == nil {
		return queue.Enqueuer{}, errors.New("REDIS_URL is required for the task queue")
	}
	return queue.Enqueuer{R: d.Redis, Prefix: d.Config.QueuePrefix, MaxAttempts: d.Config.QueueMaxAttempts}, nil
}

// Planner builds the sweep planner.
func (d *Dependencies) Planner() (*catalogrule.Planner, error) {
	enq, err := d.Enqueuer()
	if err != nil {
		return nil, err
	}
	return &catalogrule.Planner{
		IDs:       d.Store,
		Queue:     enq,
		Locker:    lock.Locker{R: d.Redis},
		ChunkSize: d.Config.CompileChunkSize,
		LockTTL:   d.Config.LockTTL,
		Logger:    obs.Component(d.Logger, "planner"),
	}, nil
}

// DLQStore returns the Postgres dead-letter store, or nil without a database.
func (d *Dependencies) DLQStore() queue.Store {
	if d.DB == nil {
		return nil
	}
	return queue.NewStore(d.DB)
}

// Probes lists the readiness checks of the configured backends.
func (d *Dependencies) Probes() map[string]health.Probe {
	probes := map[string]health.Probe{}
	if d.DB != nil {
		probes["db"] = d.DB.Ping
	}
	if d.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	return probes
}

// ShutdownTimeout bounds graceful shutdown of servers and workers.
const ShutdownTimeout = 15 * time.Second
