// dservice is the scan scheduler daemon: it accepts worker connections,
// distributes trial-decryption tasks, commits scan progress to the account
// registry, and serves the public wallet API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/oreoslabs/oreowallet-mono/internal/api"
	"github.com/oreoslabs/oreowallet-mono/internal/blockcache"
	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/prover"
	"github.com/oreoslabs/oreowallet-mono/internal/scheduler"
	"github.com/oreoslabs/oreowallet-mono/internal/store/postgres"
	"github.com/oreoslabs/oreowallet-mono/internal/store/redisblocks"
	"github.com/oreoslabs/oreowallet-mono/internal/tracing"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dservice exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "dservice", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		if err := db.RunMigrations(dir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	blocks, err := redisblocks.New(cfg.Blocks.RedisURL)
	if err != nil {
		return fmt.Errorf("connect block store: %w", err)
	}
	defer blocks.Close()

	registry := postgres.NewAccountRepo(db)
	cachedBlocks := blockcache.New(blocks, cfg.Blocks.CacheCapacity, cfg.Blocks.CacheTTL)

	sched := scheduler.New(cfg.Scheduler, registry, cachedBlocks, logger)
	proofs := prover.New(cfg.Prover, prover.NewStubBackend(), logger)

	apiServer, err := api.NewServer(cfg.Server, sched, registry, proofs, logger)
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	workerMux := http.NewServeMux()
	workerMux.Handle("/ws", sched.WorkerHandler())

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	servers := []*http.Server{
		{Addr: cfg.Scheduler.ListenAddr, Handler: workerMux},
		{Addr: cfg.Server.APIAddr, Handler: apiServer.Handler(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: fmt.Sprintf(":%d", cfg.Server.HealthPort), Handler: opsMux, ReadHeaderTimeout: 10 * time.Second},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(ctx)
	})

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("dservice started",
		"worker_listen", cfg.Scheduler.ListenAddr,
		"api_listen", cfg.Server.APIAddr,
		"health_port", cfg.Server.HealthPort,
	)
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
