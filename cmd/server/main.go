/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cold-storage settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration (.env + environment)
  2. Build the logger
  3. Open the SQLite ledger
  4. Wire the settlement engine with the metrics observer
  5. Open the session store (Redis when configured, memory otherwise)
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Dotenv file to load before the environment (default: .env)
  -db      Overrides COLDSTORE_DB_PATH. Use ":memory:" for a throwaway ledger
  -addr    Overrides COLDSTORE_ADDR

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  COLDSTORE_ADMIN_PASSWORD_HASH='$2a$10$...' ./server -db="./data/coldstore.db"

  # Demo instance with seed scenarios
  COLDSTORE_ENABLE_SCENARIOS=true ./server -db=":memory:"

ENVIRONMENT:
  See config/config.go. Every variable is prefixed COLDSTORE_.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/coldstore/api"
	"github.com/warp/coldstore/config"
	"github.com/warp/coldstore/logger"
	"github.com/warp/coldstore/observability"
	"github.com/warp/coldstore/session"
	"github.com/warp/coldstore/settlement"
	"github.com/warp/coldstore/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coldstore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	envFile := flag.String("env", ".env", "dotenv file to load")
	dbPath := flag.String("db", "", "SQLite database path (overrides COLDSTORE_DB_PATH)")
	addr := flag.String("addr", "", "listen address (overrides COLDSTORE_ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	ledger, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer ledger.Close()

	metrics := observability.NewMetrics()
	engine := settlement.NewEngine(ledger, settlement.Options{
		Logger:               logger.Named(log, "settlement"),
		Observer:             metrics,
		BaseChargeOncePerLot: cfg.BaseChargeOncePerLot,
	})

	sessions, closeSessions, err := newSessionStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSessions()

	creds := []session.Credential{{Username: cfg.AdminUser, PasswordHash: cfg.AdminPasswordHash, Role: settlement.RoleAdmin}}
	if cfg.OperatorUser != "" {
		creds = append(creds, session.Credential{Username: cfg.OperatorUser, PasswordHash: cfg.OperatorPasswordHash, Role: settlement.RoleOperator})
	}

	handler := api.NewHandler(engine, session.NewManager(sessions, cfg.SessionTTL, creds...), log)
	if cfg.EnableScenarios {
		handler.EnableScenarios(ledger.Reset)
		log.Warn("scenario endpoints enabled, loading a scenario wipes the ledger")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             log,
		Metrics:            metrics,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Development:        cfg.EnableScenarios,
		Health:             ledger.Ping,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// newSessionStore picks Redis when an address is configured so sessions
// survive restarts and are shared between instances.
func newSessionStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (session.Store, func(), error) {
	if !cfg.UseRedis() {
		log.Info("sessions kept in memory")
		return session.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rs := session.NewRedisStore(client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Info("sessions kept in redis", zap.String("addr", cfg.RedisAddr))
	return rs, func() { client.Close() }, nil
}
