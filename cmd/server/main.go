/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the branch stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and LEDGER_* configuration
  2. Parse command-line flags (override config)
  3. Open the document store (SQLite or in-memory)
  4. Build branch registry, device binder, ledger service, cost saga
  5. Start the saga intent sweeper
  6. Connect Redis for idempotency (optional)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: LEDGER_HTTP_PORT, 8080)
  -db      SQLite database path (default: LEDGER_DB_PATH, ledger.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper and flush pending move log appends
  4. Close Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run fully in memory with console logs
  LEDGER_STORE=memory LEDGER_LOG_FORMAT=console ./server

  # Enable idempotency keys
  LEDGER_REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/costalloc"
	"github.com/warp/stock-ledger/docstore"
	"github.com/warp/stock-ledger/docstore/memory"
	"github.com/warp/stock-ledger/docstore/sqlite"
	"github.com/warp/stock-ledger/idempotency"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/metrics"
)

func main() {
	// Missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.App.HTTPPort, "HTTP server port")
	dbPath := flag.String("db", cfg.Store.DBPath, "SQLite database path")
	flag.Parse()
	cfg.App.HTTPPort = *port
	cfg.Store.DBPath = *dbPath

	log := logger.New(logger.Options{
		ServiceName: "stock-ledger",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})
	ctx := context.Background()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	retry := docstore.RetryPolicy{MaxAttempts: cfg.Store.TxMaxAttempts, Backoff: cfg.Store.TxBackoff}

	// Initialize store
	var store docstore.Store
	switch cfg.Store.Kind {
	case config.StoreMemory:
		store = memory.NewMemory(memory.WithRetryPolicy(retry))
	default:
		s, err := sqlite.New(cfg.Store.DBPath, retry)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer s.Close()
		store = s
	}

	registry, err := branch.NewRegistry(cfg.App.Branches...)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewLedger(promRegistry)

	svc := ledger.NewService(store, registry,
		ledger.WithLogger(log),
		ledger.WithMetrics(m),
		ledger.WithMoveLogTimeout(cfg.Store.MoveLogTimeout),
	)
	defer svc.Flush()

	binder := branch.NewBinder(registry, store, log)

	sagaOpts := []costalloc.Option{costalloc.WithLogger(log), costalloc.WithMetrics(m)}
	var intents *costalloc.IntentStore
	if cfg.Saga.PersistIntent {
		intents = costalloc.NewIntentStore(store)
		sagaOpts = append(sagaOpts, costalloc.WithIntents(intents))

		sweeper := costalloc.NewSweeper(intents, log)
		sweeper.StaleAfter = cfg.Saga.StaleAfter
		sweeper.Interval = cfg.Saga.SweepInterval
		sweeper.Metrics = m
		sweeper.Start()
		defer sweeper.Stop()
	}
	saga := costalloc.NewSaga(svc, costalloc.NewStoreRecorder(store), sagaOpts...)

	routerOpts := api.RouterOptions{
		CORSOrigins:    cfg.App.CORSOriginList(),
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		Metrics:        promRegistry,
	}
	if cfg.Redis.URL != "" {
		redisStore, err := idempotency.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisStore.Close()
		routerOpts.Idempotency = redisStore
	} else {
		log.Warn(ctx, "LEDGER_REDIS_URL not set, idempotency keys are ignored", nil)
	}

	handler := api.NewHandler(svc, binder, saga, intents, log)
	router := api.NewRouter(handler, routerOpts)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info(log.WithFields(ctx, map[string]any{
			"port":     cfg.App.HTTPPort,
			"store":    cfg.Store.Kind,
			"branches": cfg.App.Branches,
		}), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	log.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info(ctx, "server stopped")
	return nil
}
