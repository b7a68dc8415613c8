package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldnote-ai/fieldnote/internal/config"
	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/health"
	"github.com/fieldnote-ai/fieldnote/internal/httpapi"
	_ "github.com/fieldnote-ai/fieldnote/internal/metrics" // metric registration
	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/replay"
	"github.com/fieldnote-ai/fieldnote/internal/taskmanager"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIELDNOTE_CONFIG"), "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Invalid redis_url", zap.String("redis_url", cfg.RedisURL), zap.Error(err))
	}
	client := redis.NewClient(opts)
	defer client.Close()

	// A dead Redis at boot is not fatal: the fallback log serves from
	// memory until the store comes back.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, serving from in-memory fallback", zap.Error(err))
	}
	cancelPing()

	eventLog := eventlog.NewFallbackLog(eventlog.NewRedisLog(client, logger), logger, 5*time.Second)
	reg := registry.New(client, logger)
	engine := workflow.NewSimulated()
	mgr := taskmanager.New(eventLog, reg, engine, logger, cfg.MaxConcurrentTasks)
	mgr.SetRetention(cfg.RetentionDays)
	replayer := replay.New(eventLog, reg, logger)
	replayer.Tune(int64(cfg.ReplayBatchSize), cfg.TailBlock)

	// Public API.
	apiMux := http.NewServeMux()
	httpapi.NewServer(mgr, reg, replayer, eventLog, logger).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:     apiMux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: replay sessions stream indefinitely.
	}

	// Admin surface: probes and metrics.
	hm := health.NewManager(logger)
	hm.Register(health.NewRedisChecker(client, logger))
	hm.Register(health.NewWorkerChecker(mgr.Healthy))
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("GET /metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.Int("port", cfg.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Admin server listening", zap.Int("port", cfg.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown incomplete", zap.Error(err))
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Task manager shutdown incomplete", zap.Error(err))
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
