package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/davideshay/groceries/pkg/database"
	"github.com/davideshay/groceries/pkg/health"
	pkgkafka "github.com/davideshay/groceries/pkg/kafka"
	"github.com/davideshay/groceries/pkg/tracing"
	"github.com/davideshay/groceries/internal/auth"
	"github.com/davideshay/groceries/internal/config"
	"github.com/davideshay/groceries/internal/event"
	handler "github.com/davideshay/groceries/internal/handler/http"
	"github.com/davideshay/groceries/internal/repository/postgres"
	redisrepo "github.com/davideshay/groceries/internal/repository/redis"
	"github.com/davideshay/groceries/internal/service"
	"github.com/davideshay/groceries/migrations"
)

// App wires together all dependencies and runs the sync server.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	producer       *pkgkafka.Producer
	sessions       *service.SessionService
	resolver       *service.ResolverService
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "groceries-sync",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "sync")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// The store identifier clients use to detect a changed backend.
	dbUUID, err := postgres.InstanceUUID(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load instance uuid: %w", err)
	}
	logger.Info("store instance loaded", slog.String("db_uuid", dbUUID))

	// Redis holds login lockout state.
	redisClient, err := database.NewRedisClient(ctx, database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry)
	userRepo := postgres.NewUserRepository(pool)
	docRepo := postgres.NewDocumentRepository(pool)
	lockout := redisrepo.NewLockoutStore(redisClient)
	eventProducer := event.NewProducer(producer, logger)

	sessions := service.NewSessionService(userRepo, lockout, jwtManager, eventProducer, logger, service.SessionOptions{
		DisableAccountCreation: cfg.DisableAccountCreation,
		LockoutThreshold:       cfg.LockoutThreshold,
		LockoutWindow:          cfg.LockoutWindow,
	})
	resolver := service.NewResolverService(docRepo, eventProducer, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.Register("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(handler.RouterConfig{
		Sessions:           sessions,
		Resolver:           resolver,
		Documents:          docRepo,
		JWTManager:         jwtManager,
		Health:             healthHandler,
		Store:              handler.StoreCoordinates{URL: cfg.StoreURL, Database: cfg.StoreDBName},
		DBUUID:             dbUUID,
		TombstoneRetention: cfg.TombstoneRetention,
		CORS:               handler.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, Environment: cfg.Environment},
		PprofAllowedCIDRs:  cfg.PprofAllowedCIDRs,
		Logger:             logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redisClient:    redisClient,
		producer:       producer,
		sessions:       sessions,
		resolver:       resolver,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and the background maintenance loops, blocking
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go a.runResolverLoop(loopCtx)
	go a.runSessionSweepLoop(loopCtx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// runResolverLoop periodically resolves conflicting document revisions so
// devices converge without client involvement.
func (a *App) runResolverLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ResolverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.resolver.ResolveConflicts(ctx); err != nil {
				a.logger.ErrorContext(ctx, "conflict resolution sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runSessionSweepLoop periodically drops expired refresh tokens from stored
// device sessions.
func (a *App) runSessionSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.sessions.ExpirySweep(ctx); err != nil {
				a.logger.ErrorContext(ctx, "session expiry sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka producer
// 4. Redis client
// 5. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Close Kafka producer (2s budget).
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 4. Close Redis client.
	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("redis client close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
