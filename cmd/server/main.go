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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/asimhafeezz/pm-agent-sub000/internal/api"
	"github.com/asimhafeezz/pm-agent-sub000/internal/backend"
	"github.com/asimhafeezz/pm-agent-sub000/internal/config"
	"github.com/asimhafeezz/pm-agent-sub000/internal/database"
	"github.com/asimhafeezz/pm-agent-sub000/internal/integration"
	"github.com/asimhafeezz/pm-agent-sub000/internal/jobs"
	"github.com/asimhafeezz/pm-agent-sub000/internal/jwks"
	"github.com/asimhafeezz/pm-agent-sub000/internal/netguard"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
	"github.com/asimhafeezz/pm-agent-sub000/internal/proxy"
	"github.com/asimhafeezz/pm-agent-sub000/internal/secrets"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
	"github.com/asimhafeezz/pm-agent-sub000/internal/tokens"
	"github.com/asimhafeezz/pm-agent-sub000/internal/websocket"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "integrations",
		Short:        "Integration connection and OAuth token service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})

	return root
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

func runServe(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	cipher, err := secrets.NewCipher(cfg.Crypto.EncryptionKey, cfg.Crypto.Cipher)
	if err != nil {
		return err
	}

	connections := store.NewConnectionStore(db, cipher, logger)
	client := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)

	redirects, err := oauth.NewRedirectValidator(cfg.OAuth.RedirectAllowlist, cfg.OAuth.RedirectOverrides, cfg.IsDevelopment())
	if err != nil {
		return err
	}

	// Replay ledger: Redis when configured so replicas share it
	var (
		ledger oauth.NonceLedger
		purger jobs.NoncePurger
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		ledger = oauth.NewRedisLedger(rdb)
		logger.Info("Using Redis OAuth state ledger", zap.String("addr", opts.Addr))
	} else {
		dbLedger := oauth.NewDBLedger(db)
		ledger, purger = dbLedger, dbLedger
	}

	flow := oauth.NewCoordinator(
		oauth.NewStateCodec(cfg.OAuth.StateSecret, cfg.OAuth.StateTTL),
		ledger, redirects, client, connections, logger,
	)
	manager := tokens.NewManager(connections, client, cfg.Tokens.RefreshMargin, logger)
	svc := integration.NewService(connections, flow, proxy.New(manager, client, logger), logger)

	keys := jwks.New(
		jwks.WithTTL(cfg.Auth.JWKSCacheTTL),
		jwks.WithURLGuard(netguard.New(cfg.IsDevelopment())),
		jwks.WithLogger(logger),
	)
	defer keys.Close()
	auth := api.NewAuthenticator(cfg.JWTSecret, cfg.Auth.Issuers, keys, logger)

	// Initialize WebSocket hub
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := websocket.NewHub(auth, cfg.CORSOrigins, logger)
	go hub.Run(hubCtx)
	connections.SetEventPublisher(hub)

	limiter := api.NewRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)

	// Initialize job scheduler
	scheduler := jobs.NewScheduler(purger, connections, limiter, jobs.DefaultEventRetention, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start job scheduler: %w", err)
	}
	defer scheduler.Stop()

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, svc, auth, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Backend.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.Int("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
