package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"taskstream/internal/broker"
	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/logger"
	"taskstream/internal/realtime"
	"taskstream/pkg/logging"
	"taskstream/pkg/metrics"
	"taskstream/pkg/middleware"
	"taskstream/pkg/tracing"
)

// broadcastTopics is everything clients can observe in real time: the four
// lifecycle topics plus reminder dispatches.
var broadcastTopics = []string{
	events.TopicTaskCreated,
	events.TopicTaskUpdated,
	events.TopicTaskCompleted,
	events.TopicTaskDeleted,
	events.TopicReminderDue,
}

type App struct {
	config         *config.Config
	logger         logger.Logger
	registry       *realtime.Registry
	broadcaster    *realtime.Broadcaster
	consumer       broker.Consumer
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ConsumerRealtime)
	}
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	a.registry = realtime.NewRegistry()
	a.broadcaster = realtime.NewBroadcaster(a.registry, a.logger)

	consumer, err := broker.NewConsumer(a.config.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	consumer.SetServiceName(constants.ConsumerRealtime)
	a.consumer = consumer

	tp, err := tracing.Init(a.config.Tracing, constants.ConsumerRealtime)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterRealtimeMetrics()
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

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ConsumerRealtime))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	handler := realtime.NewHandler(a.registry, a.config.Realtime, a.logger)
	handler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"connections": a.registry.UserCount(),
		})
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

	for _, topic := range broadcastTopics {
		topic := topic
		g.Go(func() error {
			consumeCtx := logging.WithServiceName(gCtx, constants.ConsumerRealtime)
			a.logger.InfowCtx(consumeCtx, "Starting broadcast consumer", "topic", topic)
			return a.consumer.Consume(gCtx, topic, a.broadcaster.HandleEvent)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ConsumerRealtime)
	a.logger.InfowCtx(shutdownCtx, "Shutting down realtime service")

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

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(shutdownCtx, "Realtime service exited successfully")
	return nil
}
