package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"taskstream/internal/broker"
	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/logger"
	"taskstream/internal/notification"
	"taskstream/internal/reminder"
	"taskstream/pkg/bootstrap"
	"taskstream/pkg/health"
	"taskstream/pkg/logging"
	"taskstream/pkg/metrics"
	"taskstream/pkg/middleware"
	"taskstream/pkg/migrations"
	"taskstream/pkg/ratelimit"
	"taskstream/pkg/tracing"
)

const serviceName = "reminder-service"

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	producer       broker.Producer
	publisher      *events.Publisher
	scanner        *reminder.Scanner
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	producer, err := broker.NewProducer(a.config.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	a.producer = producer
	a.publisher = events.NewPublisher(producer, a.logger)

	a.initScanner()

	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterReminderMetrics()
	metrics.RegisterBrokerMetrics()

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}

	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("postgres configuration is required")
	}
	a.db = db

	if a.config.Database.RunMigrations {
		dir := a.config.Database.MigrationsDir
		if dir == "" {
			dir = "migrations/postgres"
		}
		if err := migrations.RunPostgres(a.db, dir); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) initScanner() {
	interval := time.Duration(a.config.Reminder.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = constants.DefaultReminderInterval
	}

	// Lookback shifts the scan cutoff to now-lookback so a reminder never
	// fires ahead of its time on a jittery clock. It does not cap age:
	// reminders that accrued during downtime still dispatch.
	lookback := time.Duration(a.config.Reminder.LookbackSeconds) * time.Second
	if lookback <= 0 {
		lookback = constants.DefaultReminderLookback
	}

	store := reminder.NewPostgresStore(a.db, serviceName)
	a.scanner = reminder.NewScanner(store, a.publisher, interval, lookback, a.logger)
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.API.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.API.RateLimit.RPS,
			Burst:           a.config.API.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.API.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.API.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	notificationRepo := notification.NewPostgresRepository(a.db, serviceName)
	notificationHandler := notification.NewHandler(notificationRepo, a.logger)
	notificationHandler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "HTTP server starting", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scanCtx := logging.WithServiceName(gCtx, serviceName)
		a.logger.InfowCtx(scanCtx, "Starting reminder scanner")
		return a.scanner.Run(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.logger.InfowCtx(shutdownCtx, "Shutting down reminder service")

	var errs []error

	if a.server != nil {
		srvCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(srvCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, nil, a.db, nil)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(shutdownCtx, "Reminder service exited successfully")
	return nil
}
