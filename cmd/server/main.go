/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Work-and-Pay ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (environment variables supply defaults)
  2. Build the zap logger
  3. Open the store (SQLite or Postgres)
  4. Optionally connect the Redis agreement cache
  5. Start the settlement scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS (ENV):
  -port                 (PORT)                  HTTP server port (default: 8080)
  -db-driver            (DB_DRIVER)             sqlite | postgres (default: sqlite)
  -db                   (DB_PATH)               SQLite database path (default: workpay.db)
                                                Use ":memory:" for in-memory database
  -dsn                  (DATABASE_DSN)          Postgres DSN when -db-driver=postgres
  -redis                (REDIS_ADDR)            Redis address; empty disables the cache
  -settlement-interval  (SETTLEMENT_INTERVAL)   Settlement sweep interval; 0 disables
  -log-level            (LOG_LEVEL)             debug | info | warn | error
  -cors-origins         (CORS_ALLOWED_ORIGINS)  Comma-separated allowed origins
  -scenarios            (ENABLE_SCENARIOS)      Mount demo scenario endpoints

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the settlement scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and cache connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/workpay.db"

  # Run against Postgres with a Redis cache
  DATABASE_DSN="host=localhost user=postgres dbname=workpay sslmode=disable" \
    ./server -db-driver=postgres -redis=localhost:6379

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Settlement scheduler
  - store/sqlite/sqlite.go: Default database implementation
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/workpay-engine/api"
	"github.com/warp/workpay-engine/store/postgres"
	"github.com/warp/workpay-engine/store/rediscache"
	"github.com/warp/workpay-engine/store/sqlite"
	"github.com/warp/workpay-engine/workandpay"
)

type config struct {
	Port               int
	DBDriver           string
	DBPath             string
	DatabaseDSN        string
	RedisAddr          string
	SettlementInterval time.Duration
	LogLevel           string
	CORSOrigins        string
	EnableScenarios    bool
}

func parseConfig() config {
	var cfg config
	flag.IntVar(&cfg.Port, "port", getEnvInt("PORT", 8080), "HTTP server port")
	flag.StringVar(&cfg.DBDriver, "db-driver", getEnv("DB_DRIVER", "sqlite"), "Database driver: sqlite or postgres")
	flag.StringVar(&cfg.DBPath, "db", getEnv("DB_PATH", "workpay.db"), "SQLite database path")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", getEnv("DATABASE_DSN", ""), "Postgres DSN")
	flag.StringVar(&cfg.RedisAddr, "redis", getEnv("REDIS_ADDR", ""), "Redis address for the agreement cache")
	flag.DurationVar(&cfg.SettlementInterval, "settlement-interval", getEnvDuration("SETTLEMENT_INTERVAL", time.Minute), "Settlement sweep interval (0 disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level")
	flag.StringVar(&cfg.CORSOrigins, "cors-origins", getEnv("CORS_ALLOWED_ORIGINS", ""), "Comma-separated CORS origins")
	flag.BoolVar(&cfg.EnableScenarios, "scenarios", getEnv("ENABLE_SCENARIOS", "false") == "true", "Mount demo scenario endpoints")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseConfig()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	// Initialize store
	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer closeStore()

	// Optional cache
	var opts []workandpay.Option
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := rediscache.Connect(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, agreement cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			defer client.Close()
			opts = append(opts, workandpay.WithCache(rediscache.New(client)))
			logger.Info("agreement cache enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	handler := api.NewHandler(store, logger, opts...)

	scheduler := api.NewSettlementScheduler(handler.Service, logger)
	scheduler.CheckInterval = cfg.SettlementInterval
	scheduler.Start()

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins:  splitList(cfg.CORSOrigins),
		EnableScenarios: cfg.EnableScenarios,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port), zap.String("db_driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func openStore(cfg config) (api.Backend, func(), error) {
	switch cfg.DBDriver {
	case "sqlite", "":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return nil, nil, errors.New("DATABASE_DSN is required for postgres")
		}
		s, err := postgres.New(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
