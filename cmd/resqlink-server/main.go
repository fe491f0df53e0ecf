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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/resqlink/resqlink/internal/config"
	"github.com/resqlink/resqlink/internal/domain/assistant"
	"github.com/resqlink/resqlink/internal/domain/emergency"
	"github.com/resqlink/resqlink/internal/domain/fleet"
	"github.com/resqlink/resqlink/internal/domain/prediction"
	"github.com/resqlink/resqlink/internal/platform/auth"
	"github.com/resqlink/resqlink/internal/platform/cache"
	"github.com/resqlink/resqlink/internal/platform/db"
	"github.com/resqlink/resqlink/internal/platform/middleware"
	"github.com/resqlink/resqlink/internal/platform/notification"
	"github.com/resqlink/resqlink/internal/platform/realtime"
	"github.com/resqlink/resqlink/internal/platform/telemetry"
	"github.com/resqlink/resqlink/internal/platform/webhook"
	"github.com/resqlink/resqlink/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "resqlink-server",
		Short: "ResQLink emergency dispatch API server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnectAttempts: 5,
		RetryDelay:      time.Second,
	}
}

// withMigrator connects to the configured database for one migrate command.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	dir, _ := cmd.Flags().GetString("dir")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg.Env))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

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
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				writeStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func writeStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	return rl
}

// newEcho builds the server with global middleware and authentication.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", metrics.Handler())
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	checks := []db.Check{db.PoolCheck(pool)}

	metrics := telemetry.NewProvider("resqlink")
	metrics.GaugeFunc("db_pool_acquired_conns", "Database connections in use.", func() float64 {
		return float64(pool.Stat().AcquiredConns())
	})

	// Realtime
	hub := websocket.NewHub(logger)
	hub.SetDeliveryCheck(emergency.DeliveryCheck)
	metrics.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})
	var publisher websocket.EventPublisher = realtime.NopPublisher{}
	if cfg.RealtimeEnabled {
		publisher = realtime.NewNotifyPublisher(pool)
		go realtime.NewListener(pool, hub, logger).Start(ctx)
		logger.Info().Str("channel", realtime.Channel).Msg("realtime relay enabled")
	} else {
		logger.Info().Dur("poll_interval", cfg.PollInterval).Msg("realtime disabled, clients poll")
	}

	// Fleet
	fleetSvc := fleet.NewService(fleet.NewHospitalRepoPG(pool), fleet.NewAmbulanceRepoPG(pool))
	fleetSvc.SetLogger(logger)
	dispatch := fleet.NewDispatchAdapter(fleetSvc)

	// Emergencies
	emergencySvc := emergency.NewService(emergency.NewRepoPG(pool), dispatch, dispatch)
	emergencySvc.SetTxRunner(db.NewTxRunner(pool))
	emergencySvc.SetLogger(logger)
	emergencySvc.SetConfirmationTimeout(cfg.ConfirmationTimeout)

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, active emergency cache disabled")
		} else {
			defer client.Close()
			emergencySvc.SetActiveIndex(cache.NewActiveIndex(client, cache.DefaultActiveTTL))
			checks = append(checks, db.Check{
				Name:     "redis",
				Ping:     func(ctx context.Context) error { return client.Ping(ctx).Err() },
				Optional: true,
			})
		}
	}

	// Notifications
	var push notification.PushSender
	if cfg.PushEnabled() {
		fcm, err := notification.NewFCMSender(ctx, cfg.FCMCredentialsFile, cfg.FCMCredentialsB64)
		if err != nil {
			logger.Warn().Err(err).Msg("push notifications disabled")
		} else {
			push = fcm
		}
	}
	var messages notification.MessagePublisher
	if cfg.MQTTBrokerURL != "" {
		mq := notification.NewMQTTPublisher(notification.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
		}, logger)
		go func() {
			if err := mq.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("mqtt broker unreachable, will retry on publish")
			}
		}()
		defer mq.Close()
		messages = mq
		checks = append(checks, db.Check{Name: "mqtt", Ping: mq.Ping, Optional: true})
	}
	dispatcher := notification.NewDispatcher(push, messages, notification.NewTemplateEngine(), logger)
	go dispatcher.Start(ctx)

	emergencySvc.AddListener(emergency.NewEventFanout(publisher, dispatcher, emergencySvc, logger))
	emergencySvc.AddListener(emergency.NewMetricsListener(metrics))

	webhooks := webhook.NewManager(webhook.NewMemoryStore(), logger)
	go webhooks.Start(ctx)
	emergencySvc.AddListener(emergency.NewWebhookListener(webhooks))

	go emergency.NewSweeper(emergencySvc, cfg.SweepInterval, logger).Start(ctx)

	// HTTP
	e := newEcho(cfg, logger, metrics)
	e.GET("/health/db", db.HealthHandler(checks...))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg),
		middleware.SkipRoute(http.MethodPost, "/api/v1/emergencies")))

	emergency.NewHandler(emergencySvc).RegisterRoutes(apiV1)
	fleet.NewHandler(fleetSvc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, emergency.TopicAuthorizer(emergencySvc)).RegisterRoutes(apiV1)
	admin := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(dispatcher).RegisterRoutes(admin)
	webhook.NewHandler(webhooks).RegisterRoutes(admin)
	assistant.NewHandler(assistant.NewService(assistant.Config{
		APIURL: cfg.AssistantAPIURL,
		APIKey: cfg.AssistantAPIKey,
		Model:  cfg.AssistantModel,
	}, logger)).RegisterRoutes(apiV1)
	if cfg.PredictionAPIURL != "" {
		prediction.NewHandler(prediction.NewClient(cfg.PredictionAPIURL), logger).RegisterRoutes(apiV1)
	} else {
		logger.Info().Msg("PREDICTION_API_URL not set, energy predictions disabled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
