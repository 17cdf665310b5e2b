package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/api"
	"github.com/lalith-99/afterhours/internal/config"
	"github.com/lalith-99/afterhours/internal/db"
	"github.com/lalith-99/afterhours/internal/events"
	"github.com/lalith-99/afterhours/internal/observ"
	"github.com/lalith-99/afterhours/internal/realtime"
	"github.com/lalith-99/afterhours/internal/repository/postgres"
)

const serviceName = "afterhours"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 1. Config, logger, tracing
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observ.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// ---------------------------------------------------------------
	// 2. Postgres: pool, schema, repositories
	// ---------------------------------------------------------------
	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	pool := database.Pool()
	conversationRepo := postgres.NewConversationStore(pool)
	participantRepo := postgres.NewParticipantStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	profileRepo := postgres.NewProfileStore(pool)

	// ---------------------------------------------------------------
	// 3. Realtime: hub, cross-instance relay, change feed
	// ---------------------------------------------------------------
	hub := realtime.NewHub(logger)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	} else {
		logger.Info("REDIS_URL empty: broadcasts stay on this instance")
	}

	relay := realtime.NewRelay(rdb, hub, logger)
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer relay.Close()

	feed := realtime.NewChangeFeed(pool, db.ChangeChannel, messageRepo, hub, logger)
	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error("change feed stopped", zap.Error(err))
		}
	}()

	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()

	// ---------------------------------------------------------------
	// 4. HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		observ.RequestLogger(logger),
		observ.HTTPMetricsMiddleware(),
	)

	// Health and metrics are public so load balancers and scrapers reach them.
	srv.GET("/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	srv.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv.GET("/realtime", realtime.NewHandler(hub, relay, participantRepo, cfg.JWTSecret, logger).Serve)

	api.Register(srv, api.Handlers{
		Conversations: api.NewConversationHandler(conversationRepo, participantRepo, profileRepo, logger),
		Messages:      api.NewMessageHandler(messageRepo, participantRepo, publisher, logger),
		Profiles:      api.NewProfileHandler(profileRepo, logger),
		Session:       api.NewSessionHandler(cfg.JWTSecret, cfg.TokenTTL, logger),
	}, cfg.JWTSecret)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting afterhours",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
