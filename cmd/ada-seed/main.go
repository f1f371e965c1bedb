package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adaql/ada/internal/app"
	"github.com/adaql/ada/internal/config"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/vectorstore"
)

func main() {
	file := flag.String("file", "", "YAML file of question/SQL samples to embed and upsert")
	flag.Parse()

	cfg, err := config.LoadFromEnv("ada-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger, *file)
	stop()
	if err != nil {
		logger.Error("seeding failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, file string) error {
	if file == "" {
		return errors.New("-file is required")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	samples, err := vectorstore.ParseSeed(raw)
	if err != nil {
		return err
	}

	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() { _ = services.Close() }()

	written, err := services.SeedSamples(ctx, samples)
	if err != nil {
		return fmt.Errorf("seeded %d of %d samples: %w", written, len(samples), err)
	}
	logger.Info("samples seeded",
		slog.String("collection", cfg.VectorStore.Collection),
		slog.Int("written", written),
	)
	return nil
}
