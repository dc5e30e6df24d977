/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the debt allocation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Build the logger
  3. Open the store (SQLite or PostgreSQL)
  4. Pick the payee locker (in-process or Redis)
  5. Create API handler and router
  6. Start server with graceful shutdown

CONFIGURATION:
  See config/config.go for every variable. The common ones:
  APP_ADDR       Listen address (default :8080)
  DB_DRIVER      sqlite | postgres
  SQLITE_PATH    SQLite file (":memory:" for a throwaway database)
  PG_DSN         PostgreSQL connection string
  LOCK_BACKEND   memory | redis (redis when several replicas share a database)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (APP_SHUTDOWN_TIMEOUT)
  3. Close database and Redis connections
  4. Exit

EXAMPLES:
  # Run with file database
  SQLITE_PATH=./data/debt.db ./server

  # Run against PostgreSQL with Redis locks
  DB_DRIVER=postgres PG_DSN=postgres://localhost/debt LOCK_BACKEND=redis ./server

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/truetype/debt-engine/api"
	"github.com/truetype/debt-engine/config"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/lock"
	"github.com/truetype/debt-engine/store/postgres"
	"github.com/truetype/debt-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		logrus.Fatalf("Failed to build logger: %v", err)
	}

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.DBDriver).Fatal("Failed to initialize database")
	}
	defer closeStore()

	// Initialize locker
	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).WithField("backend", cfg.LockBackend).Fatal("Failed to initialize locker")
	}
	defer closeLocker()

	handler := api.NewHandler(store, locker, logger, generic.Currency(cfg.Currency))
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             logger,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   cfg.Addr,
			"driver": cfg.DBDriver,
			"lock":   cfg.LockBackend,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (generic.Store, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

func openLocker(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (generic.KeyLocker, func(), error) {
	if cfg.LockBackend != config.LockRedis {
		return generic.NewMutexLocker(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return lock.NewRedisLocker(rdb, cfg.LockTTL, logger), func() { rdb.Close() }, nil
}
