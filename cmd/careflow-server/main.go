package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/careflow/internal/config"
	"github.com/clinic/careflow/internal/domain/workflow"
	"github.com/clinic/careflow/internal/platform/auth"
	"github.com/clinic/careflow/internal/platform/db"
	"github.com/clinic/careflow/internal/platform/middleware"
	"github.com/clinic/careflow/internal/platform/notification"
	"github.com/clinic/careflow/internal/platform/telemetry"
	"github.com/clinic/careflow/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "careflow-server",
		Short: "Clinic patient-care workflow server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations, "migrations")
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to read migration status")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations, "migrations")
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect workflow definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [file]",
		Short: "Print the steps of every workflow definition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := workflow.LoadCatalog(catalogPath(args))
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), catalog)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check a catalog file without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := workflow.LoadCatalog(catalogPath(args))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d workflow(s)\n", len(catalog.Definitions()))
			return nil
		},
	})

	return cmd
}

// catalogPath prefers the positional argument, then CATALOG_FILE. Empty means
// the built-in catalog.
func catalogPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv("CATALOG_FILE")
}

func printCatalog(w io.Writer, catalog *workflow.Catalog) {
	for _, def := range catalog.Definitions() {
		fmt.Fprintf(w, "%s (%s)\n", def.Type, def.DisplayName)
		for _, s := range def.Steps {
			flags := ""
			if s.Required {
				flags += " required"
			}
			if s.Terminal {
				flags += " terminal"
			}
			fmt.Fprintf(w, "  %-22s %-28s next=%v%s\n", s.ID, s.DisplayName, s.Next, flags)
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "careflow").Logger()
}

// storage is the opened persistence backend plus its health check.
type storage struct {
	persist workflow.Persistence
	health  echo.HandlerFunc
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch backend := cfg.ResolvedBackend(); backend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory workflow store; instances are lost on restart")
		return &storage{
			persist: workflow.NewMemoryPersistence(),
			health:  db.PingHandler(backend, nil),
			close:   func() {},
		}, nil

	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		count, err := db.NewMigrator(pool, db.Migrations, "migrations").Up(ctx, "public")
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", count).Msg("connected to database")
		return &storage{
			persist: workflow.NewPGPersistence(pool),
			health:  db.HealthHandler(pool),
			close:   pool.Close,
		}, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		persist := workflow.NewRedisPersistence(client, workflow.WithRedisPrefix(cfg.RedisPrefix))
		if err := persist.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("prefix", cfg.RedisPrefix).Msg("connected to redis")
		return &storage{
			persist: persist,
			health:  db.PingHandler(backend, persist.Ping),
			close:   func() { _ = client.Close() },
		}, nil

	case config.BackendDiskv:
		if err := os.MkdirAll(cfg.DiskvDir, 0o750); err != nil {
			return nil, fmt.Errorf("create diskv dir: %w", err)
		}
		logger.Info().Str("dir", cfg.DiskvDir).Msg("using disk workflow store")
		return &storage{
			persist: workflow.NewDiskvPersistence(cfg.DiskvDir),
			health:  db.PingHandler(backend, nil),
			close:   func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func toNotificationEvent(evt workflow.DomainEvent) notification.Event {
	return notification.Event{
		InstanceID:   evt.InstanceID,
		WorkflowType: string(evt.WorkflowType),
		EntityID:     evt.EntityID,
		FromStep:     string(evt.FromStep),
		ToStep:       string(evt.ToStep),
		ActorID:      evt.ActorID,
		Timestamp:    evt.Timestamp,
		Payload:      evt.Payload,
	}
}

// transitionFrame is the live update pushed to clients following an instance.
func transitionFrame(evt workflow.DomainEvent) (websocket.Event, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return websocket.Event{}, err
	}
	return websocket.Event{
		Type:       websocket.EventTransition,
		Topic:      websocket.WorkflowTopic(evt.InstanceID),
		InstanceID: evt.InstanceID,
		EntityID:   evt.EntityID,
		Timestamp:  evt.Timestamp,
		Data:       data,
	}, nil
}

// eventSink fans committed transitions out to the notification dispatcher and
// to clients following the instance.
func eventSink(dispatcher *notification.Dispatcher, hub *websocket.Hub, logger zerolog.Logger) workflow.EventSink {
	return workflow.EventSinkFunc(func(ctx context.Context, evt workflow.DomainEvent) {
		res := dispatcher.Dispatch(ctx, toNotificationEvent(evt))
		if res.Dropped > 0 {
			logger.Warn().
				Str("instance_id", evt.InstanceID).
				Int("dropped", res.Dropped).
				Msg("notifications dropped")
		}

		frame, err := transitionFrame(evt)
		if err != nil {
			logger.Error().Err(err).Str("instance_id", evt.InstanceID).Msg("encode transition frame")
			return
		}
		_ = hub.Publish(ctx, frame)
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	catalog, err := workflow.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load workflow catalog")
	}

	ctx := context.Background()
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.ResolvedBackend()).Msg("failed to open workflow store")
	}
	defer store.close()

	metrics := telemetry.NewMetrics()

	// Notification transports
	hub := websocket.NewHub(logger)
	transports := notification.Multi{hub}
	if cfg.NATSURL != "" {
		nc, err := notification.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		transports = append(transports, notification.NewNATSTransport(nc))
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing notifications to NATS")
	}
	transports = append(transports, notification.NewLogTransport(logger))

	dispatcher := notification.NewDispatcher(transports, logger, notification.Options{
		QueueSize:   cfg.NotifyQueueSize,
		Workers:     cfg.NotifyWorkers,
		OutboxLimit: cfg.NotifyOutboxLimit,
		SendTimeout: cfg.NotifySendTimeout,
		Metrics:     metrics,
	})

	// Workflow domain
	instances := workflow.NewStore(catalog, store.persist)
	instances.SetCacheSize(cfg.StoreCacheSize)
	engine := workflow.NewEngine(catalog, instances, eventSink(dispatcher, hub, logger), logger)
	engine.SetMaxAttempts(cfg.TransitionMaxAttempts)
	engine.SetMetrics(metrics)
	workflowSvc := workflow.NewService(catalog, instances, engine, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	securityCfg := middleware.DefaultSecurityHeadersConfig()
	if cfg.IsDev() {
		securityCfg.HSTSMaxAge = 0
	}
	e.Use(middleware.SecurityHeaders(securityCfg))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Roles"},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{
		Timeout: cfg.RequestTimeout,
		Skipper: middleware.SkipUpgrades,
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		logger.Warn().Msg("development auth enabled; requests act as dev-user unless X-User-ID is set")
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

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", store.health)
	e.GET("/metrics", metrics.Handler())

	// API
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	workflow.NewHandler(workflowSvc).RegisterRoutes(apiV1)
	notification.NewHandler(dispatcher).RegisterRoutes(apiV1)

	// Live updates
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("backend", cfg.ResolvedBackend()).
			Str("auth", cfg.ResolvedAuthMode()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	dispatcher.Close()
	logger.Info().Interface("notifications", dispatcher.Stats()).Msg("server stopped")
	return nil
}
