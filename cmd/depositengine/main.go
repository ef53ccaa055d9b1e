package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"DepositEngine/internal/cache"
	"DepositEngine/internal/core"
	"DepositEngine/internal/ingestion"
	"DepositEngine/internal/ledger"
	"DepositEngine/internal/observability"
	"DepositEngine/internal/persistence"
	"DepositEngine/internal/query"
	"DepositEngine/internal/server"
	"DepositEngine/internal/state"
	"DepositEngine/internal/sweeper"
	"DepositEngine/internal/wallet"
	"DepositEngine/migrations"
)

// depositStore is what both PostgresStore and MemoryStore provide.
type depositStore interface {
	core.DepositStore
	core.AccountReader
	state.AssetSource
	wallet.Source
	persistence.OutboxStore
	query.Reader
	sweeper.StaleLister
}

// app is the wired process. Fields that depend on optional infrastructure
// (NATS, Redis) are nil when it is not configured.
type app struct {
	deps    *server.Deps
	relay   *persistence.OutboxRelay
	sweeper *sweeper.Sweeper
	ledger  *ledger.BalanceTracker // memory mode only

	subscriber *ingestion.NATSSubscriber
	rawEvents  chan ingestion.RawEvent

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func main() {
	cfg, err := LoadConfig()
	logger := observability.NewLoggerWithLevel("depositengine", cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().Str("store", cfg.StoreMode).Msg("DepositEngine starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Outbox relay: the only path for credits and notifications
	go func() {
		errChan <- a.relay.Run(ctx)
	}()

	// 2. NATS → engine intake
	if a.subscriber != nil {
		if err := a.subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		go func() {
			errChan <- a.deps.Intake.Run(ctx, a.rawEvents)
		}()
	}

	// 3. HTTP API
	handler, err := server.NewHTTPHandler(a.deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("build HTTP handler")
	}
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, handler, logger.With().Str("component", "http").Logger())
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 4. gRPC intake
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, a.deps)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// 5. Stale sweeper
	go func() {
		errChan <- a.sweeper.Start(ctx)
	}()

	a.deps.Health.SetReady(true)
	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Bool("nats", a.subscriber != nil).
		Bool("redis", cfg.RedisAddr != "").
		Msg("DepositEngine ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	a.deps.Health.SetReady(false)
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	cancel()

	// Let the relay flush its current batch and the servers drain.
	time.Sleep(500 * time.Millisecond)
	logger.Info().Msg("DepositEngine shutdown complete")
}

// newApp wires stores, engine, publishers and surfaces. It connects to every
// configured dependency and fails fast if one is unreachable.
func newApp(ctx context.Context, cfg Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Store ---
	var (
		store     depositStore
		dbChecker core.DBIdempotencyChecker
	)
	switch cfg.StoreMode {
	case "postgres":
		db, err := openPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		health.AddCheck("postgres", db.PingContext)

		pg := persistence.NewPostgresStore(db)
		store = pg
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	case "memory":
		mem := persistence.NewMemoryStore()
		if err := seedMemoryStore(mem, cfg.SeedFile); err != nil {
			return nil, err
		}
		store = mem
		dbChecker = mem
		logger.Warn().Msg("memory store: deposits are lost on restart")
	}

	// --- Redis (optional) ---
	var (
		assetCache state.AssetCache
		locker     sweeper.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, os.Getenv("DEPOSIT_REDIS_PASSWORD"), cfg.RedisDB, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		assetCache = cache.NewAssetCache(rdb, metrics, logger.With().Str("component", "cache").Logger())
		locker = sweeper.NewRedisLocker(rdb)
	}

	// --- Engine ---
	engine, err := core.NewEngine(
		store,
		store,
		state.NewAssetRegistry(store, assetCache, cfg.AssetCacheTTL),
		wallet.NewResolver(store),
		dbChecker,
		cfg.Engine,
		metrics,
		logger.With().Str("component", "engine").Logger(),
	)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	queries := query.NewQueryService(store)

	// --- Publisher: NATS, or the in-process ledger ---
	var publisher persistence.EventPublisher
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return nil, fmt.Errorf("ensure streams: %w", err)
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		publisher = ingestion.NewOutboundPublisher(js)
		a.rawEvents = make(chan ingestion.RawEvent, 1024)
		a.subscriber = ingestion.NewNATSSubscriber(js, a.rawEvents, logger.With().Str("component", "nats").Logger())
	} else {
		a.ledger = ledger.NewBalanceTracker()
		publisher = ingestion.NewLocalPublisher(a.ledger, logger.With().Str("component", "ledger").Logger())
		queries.WithLedger(a.ledger)
		logger.Info().Msg("NATS not configured, credits applied to the in-process ledger")
	}

	a.relay = persistence.NewOutboxRelay(
		store,
		publisher,
		cfg.OutboxBatchSize,
		cfg.OutboxPollInterval,
		metrics,
		logger.With().Str("component", "outbox").Logger(),
	)
	a.sweeper = sweeper.New(store, locker, cfg.Sweeper, metrics, logger)

	a.deps = &server.Deps{
		Engine:         engine,
		Queries:        queries,
		Intake:         ingestion.NewIntake(engine, metrics, logger.With().Str("component", "intake").Logger()),
		Health:         health,
		Limiter:        server.NewRateLimiter(cfg.SubmitPerMinute, cfg.SubmitBurst),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
	}

	ok = true
	return a, nil
}

func openPostgres(ctx context.Context, url string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")
	return db, nil
}

// compile-time checks
var (
	_ depositStore = (*persistence.PostgresStore)(nil)
	_ depositStore = (*persistence.MemoryStore)(nil)
)
