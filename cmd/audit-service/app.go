package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"taskstream/internal/audit"
	"taskstream/internal/broker"
	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/idempotency"
	"taskstream/internal/logger"
	"taskstream/pkg/bootstrap"
	"taskstream/pkg/health"
	"taskstream/pkg/logging"
	"taskstream/pkg/metrics"
	"taskstream/pkg/middleware"
	"taskstream/pkg/migrations"
	"taskstream/pkg/ratelimit"
	"taskstream/pkg/tracing"
)

// auditTopics is every lifecycle topic the audit trail records. One handler
// serves them all; the entry's action is derived from the event type.
var auditTopics = []string{
	events.TopicTaskCreated,
	events.TopicTaskUpdated,
	events.TopicTaskCompleted,
	events.TopicTaskDeleted,
}

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	mongoClient    *mongo.Client
	consumer       broker.Consumer
	service        *audit.Service
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ConsumerAudit)
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initService(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	consumer, err := broker.NewConsumer(a.config.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	consumer.SetServiceName(constants.ConsumerAudit)
	a.consumer = consumer

	tp, err := tracing.Init(a.config.Tracing, constants.ConsumerAudit)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterAuditMetrics()
	metrics.RegisterIdempotencyMetrics()
	metrics.RegisterBrokerMetrics()
	if a.config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	if mongoClient == nil {
		return fmt.Errorf("mongodb uri is required")
	}
	a.mongoClient = mongoClient

	return nil
}

func (a *App) mongoDatabase() *mongo.Database {
	dbName := a.config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	return a.mongoClient.Database(dbName)
}

func (a *App) initService(ctx context.Context) error {
	mongoDB := a.mongoDatabase()

	indexCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrations.EnsureAuditIndexes(indexCtx, mongoDB); err != nil {
		return err
	}

	baseRepo := idempotency.NewRepository(a.redis)

	var guardRepo idempotency.Repository
	if a.config.CircuitBreaker.Enabled {
		guardRepo = idempotency.NewCircuitBreakerRepository(baseRepo, a.config.CircuitBreaker)
		initCtx := logging.WithServiceName(context.Background(), constants.ConsumerAudit)
		a.logger.InfowCtx(initCtx, "Circuit breaker enabled for idempotency repository")
	} else {
		guardRepo = baseRepo
	}

	guard := idempotency.NewGuard(guardRepo, a.config.Idempotency, a.logger)
	repo := audit.NewMongoRepository(mongoDB)
	a.service = audit.NewService(repo, guard, a.logger)
	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ConsumerAudit))
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

	handler := audit.NewHandler(a.service, a.logger)
	handler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewRedisChecker(a.redis))
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))

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

	for _, topic := range auditTopics {
		topic := topic
		g.Go(func() error {
			consumeCtx := logging.WithServiceName(gCtx, constants.ConsumerAudit)
			a.logger.InfowCtx(consumeCtx, "Starting audit consumer", "topic", topic)
			return a.consumer.Consume(gCtx, topic, a.service.HandleEvent)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ConsumerAudit)
	a.logger.InfowCtx(shutdownCtx, "Shutting down audit service")

	var errs []error

	if a.server != nil {
		srvCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(srvCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, nil, a.mongoClient)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(shutdownCtx, "Audit service exited successfully")
	return nil
}
