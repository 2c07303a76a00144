package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/messaging/internal/config"
	"github.com/ehr/messaging/internal/domain/messaging"
	"github.com/ehr/messaging/internal/platform/auth"
	"github.com/ehr/messaging/internal/platform/cache"
	"github.com/ehr/messaging/internal/platform/changefeed"
	"github.com/ehr/messaging/internal/platform/db"
	"github.com/ehr/messaging/internal/platform/directory"
	"github.com/ehr/messaging/internal/platform/hipaa"
	"github.com/ehr/messaging/internal/platform/middleware"
	"github.com/ehr/messaging/internal/platform/queue"
	"github.com/ehr/messaging/internal/platform/telemetry"
	"github.com/ehr/messaging/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	poolStatsPeriod = 15 * time.Second
	fanoutTimeout   = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "messaging-server",
		Short: "Clinical messaging API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume notification fan-out tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// connectRedis returns nil when REDIS_URL is unset.
func connectRedis(ctx context.Context, cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	return cache.NewRedisCache(ctx, cfg.RedisURL)
}

// newService assembles the messaging core. rc may be nil, in which case the
// user directory is read straight from Postgres.
func newService(cfg *config.Config, pool *pgxpool.Pool, rc *cache.RedisCache, events websocket.EventPublisher, metrics *telemetry.Provider, logger zerolog.Logger) *messaging.Service {
	var dir directory.Directory = directory.NewPGDirectory(pool)
	if rc != nil {
		dir = directory.NewCachedDirectory(dir, rc, cfg.DirectoryCacheTTL, logger)
	}

	return messaging.NewService(messaging.Deps{
		Conversations: messaging.NewConversationRepoPG(pool),
		Messages:      messaging.NewMessageRepoPG(pool),
		Notifications: messaging.NewNotificationRepoPG(pool),
		Tx:            db.NewTransactor(pool),
		Directory:     dir,
		Sanitizer:     middleware.NewContentSanitizer(),
		Audit:         hipaa.NewAuditLogger(pool),
		Events:        events,
		Logger:        logger,
		Metrics:       metrics,
	})
}

// newDispatcher picks the fan-out strategy. The returned close func releases
// the queue client, or waits for in-flight inline fan-outs.
func newDispatcher(cfg *config.Config, notifier messaging.Notifier) (messaging.FanoutDispatcher, func() error, error) {
	if cfg.FanoutMode == config.FanoutQueue {
		client, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewQueueDispatcher(client), client.Close, nil
	}
	inline := messaging.NewInlineDispatcher(notifier, fanoutTimeout)
	return inline, func() error {
		inline.Wait()
		return nil
	}, nil
}

type routes struct {
	messaging *messaging.Handler
	websocket *websocket.WebSocketHandler
	health    echo.HandlerFunc
}

func newRouter(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider, r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M", "256K"))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
			Logger:     logger,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if r.health != nil {
		e.GET("/health/db", r.health)
	}
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	r.messaging.RegisterRoutes(apiV1)
	r.websocket.RegisterRoutes(apiV1)

	return e
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool, metrics *telemetry.Provider, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		stat := pool.Stat()
		metrics.SetDBPool(stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rc, err := connectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rc != nil {
		defer rc.Close()
		logger.Info().Msg("connected to redis")
	}

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "messaging-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// Change feed
	feed := changefeed.NewFeed()
	listener := changefeed.NewPGListener(pool, messaging.MessageChangeChannel, feed, logger)
	go func() {
		if err := listener.Run(bgCtx); err != nil {
			logger.Error().Err(err).Msg("change feed listener stopped")
		}
	}()

	hub := websocket.NewHub(logger)
	if rc != nil {
		relay := websocket.NewRedisRelay(rc.Client(), websocket.DefaultRelayChannel, hub, logger)
		go func() {
			if err := relay.Run(bgCtx); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}
	go reportPoolStats(bgCtx, pool, metrics, poolStatsPeriod)

	svc := newService(cfg, pool, rc, hub, metrics, logger)
	registry := messaging.NewSubscriptionRegistry()
	delivery := messaging.NewDeliveryService(svc, feed, registry, logger, metrics)

	dispatcher, closeDispatcher, err := newDispatcher(cfg, svc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create fan-out dispatcher")
	}
	logger.Info().Str("mode", cfg.FanoutMode).Msg("notification fan-out ready")

	checks := []db.Check{{Name: "change_feed", Ping: listener.Healthy}}
	if rc != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: rc.Ping})
	}

	e := newRouter(cfg, logger, metrics, routes{
		messaging: messaging.NewHandler(svc, dispatcher, logger),
		websocket: websocket.NewWebSocketHandler(hub, delivery, cfg.CORSOrigins, logger, metrics),
		health:    db.HealthHandler(pool, checks...),
	})

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("subscriptions", registry.Len()).Msg("shutting down server")
	registry.CloseAll()
	cancelBg()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := closeDispatcher(); err != nil {
		logger.Error().Err(err).Msg("fan-out dispatcher close failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	rc, err := connectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rc.Close()

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "messaging-worker",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	events := websocket.NewRedisPublisher(rc.Client(), websocket.DefaultRelayChannel)
	svc := newService(cfg, pool, rc, events, metrics, logger)

	srv, err := queue.NewAsynqServer(cfg.RedisURL, cfg.AsynqConcurrency, cfg.AsynqQueues, logger)
	if err != nil {
		return err
	}
	srv.Register(messaging.TaskFanout, messaging.FanoutTaskHandler(svc, logger))

	logger.Info().Str("queues", cfg.AsynqQueues).Int("concurrency", cfg.AsynqConcurrency).Msg("starting worker")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info().Msg("worker stopped")
	return nil
}
