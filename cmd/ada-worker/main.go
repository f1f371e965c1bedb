package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/adaql/ada/internal/app"
	"github.com/adaql/ada/internal/config"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/tasks"
	"github.com/adaql/ada/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("ada-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = services.Close() }()

	driver, err := services.OpenWarehouse()
	if err != nil {
		logger.Error("failed to initialize warehouse driver", slog.Any("error", err))
		os.Exit(1)
	}
	t2s, err := services.Text2SQL(driver)
	if err != nil {
		logger.Error("failed to build text2sql pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	chatPipeline, err := services.Chat(t2s, driver)
	if err != nil {
		logger.Error("failed to build chat pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	w := &tasks.Worker{
		Dispatcher: services.Dispatcher,
		Handlers:   worker.Pipelines{Tenants: services.Tenants, Chat: chatPipeline, Text2SQL: t2s}.Handlers(),
		Config: tasks.WorkerConfig{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			DequeueWait: cfg.Worker.DequeueWait,
			TaskTimeout: cfg.Worker.TaskTimeout,
		},
		Logger: logger,
	}
	monitor, err := services.QueueMonitor(cfg.Worker.Queues)
	if err != nil {
		logger.Error("failed to initialize queue monitor", slog.Any("error", err))
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	if cfg.Worker.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /v1/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Worker.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("task worker started", slog.Int("concurrency", cfg.Worker.Concurrency), slog.Any("queues", cfg.Worker.Queues))
	if err := g.Wait(); err != nil {
		logger.Error("task worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("task worker stopped")
}
