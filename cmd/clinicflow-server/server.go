package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicflow/clinicflow/internal/config"
	"github.com/clinicflow/clinicflow/internal/domain/identity"
	"github.com/clinicflow/clinicflow/internal/domain/scheduling"
	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
	"github.com/clinicflow/clinicflow/internal/platform/db"
	"github.com/clinicflow/clinicflow/internal/platform/events"
	"github.com/clinicflow/clinicflow/internal/platform/metrics"
	"github.com/clinicflow/clinicflow/internal/platform/middleware"
	"github.com/clinicflow/clinicflow/internal/platform/telemetry"
)

const version = "0.1.0"

// stores holds the repositories for the configured backend.
type stores struct {
	pool         *pgxpool.Pool
	users        identity.UserRepository
	appointments scheduling.AppointmentRepository
	slots        scheduling.AvailabilityRepository
	outbox       events.Outbox
	source       events.BatchSource
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if !cfg.UsesPostgres() {
		outbox := events.NewMemoryOutbox()
		return &stores{
			users:        identity.NewUserRepoMemory(),
			appointments: scheduling.NewAppointmentRepoMemory(),
			slots:        scheduling.NewAvailabilityRepoMemory(),
			outbox:       outbox,
			source:       outbox,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	outbox := events.NewPGOutbox(pool)
	return &stores{
		pool:         pool,
		users:        identity.NewUserRepoPG(pool),
		appointments: scheduling.NewAppointmentRepoPG(pool),
		slots:        scheduling.NewAvailabilityRepoPG(pool),
		outbox:       outbox,
		source:       outbox,
	}, nil
}

func newTokenIssuer(cfg *config.Config) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  []byte(cfg.JWTSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		Issuer:        cfg.JWTIssuer,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
}

// app is a fully wired server together with everything it has to release
// on shutdown.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	echo      *echo.Echo
	stores    *stores
	telemetry *telemetry.TelemetryProvider
	relay     *events.Relay
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Telemetry
	tp, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "clinicflow-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		TracingEnabled: telemetry.BoolPtr(cfg.OTelEnabled),
		SampleRate:     cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tp
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	m := metrics.NewSchedulingMetrics(tp.Registry())

	// Storage
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.stores = st
	if st.pool != nil {
		a.closers = append(a.closers, func() error { st.pool.Close(); return nil })
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	checks := []db.ReadyCheck{}
	if st.pool != nil {
		checks = append(checks, db.PingCheck(st.pool))
	}

	// Redis
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.closers = append(a.closers, rdb.Close)
		checks = append(checks, db.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// Kafka
	if brokers := events.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		writer := events.NewKafkaWriter(brokers)
		a.closers = append(a.closers, writer.Close)
		a.relay = events.NewRelay(st.source, writer, logger.With().Str("component", "relay").Logger(), m, events.RelayConfig{
			TopicPrefix: cfg.KafkaTopicPrefix,
			PollEvery:   cfg.OutboxPollInterval,
			BatchSize:   cfg.OutboxBatchSize,
		})
		checks = append(checks, db.ReadyCheck{Name: "kafka", Check: events.BrokerReadyCheck(brokers)})
	}

	// Services
	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	idOpts := []identity.Option{identity.WithMetrics(m)}
	if rdb != nil {
		idOpts = append(idOpts, identity.WithProviderCache(identity.NewRedisProviderCache(rdb, cfg.ProviderCacheTTL)))
	}
	identitySvc := identity.NewService(st.users, tokens, logger, idOpts...)
	schedulingSvc := scheduling.NewService(st.appointments, st.slots, identitySvc, st.outbox, logger,
		scheduling.WithMetrics(m),
		scheduling.WithTracer(tp.Tracer("clinicflow/scheduling")),
		scheduling.WithAvailabilityEnforcement(cfg.EnforceAvailability),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// Infrastructure endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if st.pool != nil {
		e.GET("/health/db", db.HealthHandler(st.pool))
	}
	e.GET("/health/ready", db.ReadyHandler(checks...))
	e.GET("/metrics", tp.PrometheusHandler())

	// API
	api := e.Group("/api", auth.JWTMiddleware(auth.JWTConfig{
		Authenticator: tokens,
		Skipper:       auth.AuthSkipper,
	}))
	api.Use(a.rateLimit(rdb))

	identity.NewHandler(identitySvc).RegisterRoutes(api)
	scheduling.NewHandler(schedulingSvc).RegisterRoutes(api)

	a.echo = e
	ok = true
	return a, nil
}

// rateLimit shares the limit across instances through Redis when it is
// configured and falls back to a per-process token bucket otherwise.
func (a *app) rateLimit(rdb *redis.Client) echo.MiddlewareFunc {
	cfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg = middleware.DefaultRateLimitConfig()
	}
	if rdb == nil {
		return middleware.RateLimit(cfg)
	}
	perMinute := int(cfg.RequestsPerSecond * 60)
	return middleware.NewRedisRateLimiter(rdb, perMinute, time.Minute, "clinicflow:rl").Middleware(a.logger, true)
}

// run serves until ctx is cancelled, then drains in-flight requests.
func (a *app) run(ctx context.Context, addr string) error {
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if a.relay != nil {
		go a.relay.Run(bgCtx)
	}
	if a.stores.pool != nil {
		go a.samplePool(bgCtx, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func (a *app) samplePool(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.GetPoolStats(a.stores.pool)
			a.telemetry.SetDBPool(stats.AcquiredConns, stats.IdleConns)
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
