// Command storewriterd owns the single writable database handle. Every other
// process persists through its HTTP proxy, which keeps SQLite to one writer
// regardless of how many daemons share the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/tradecore/internal/config"
	"github.com/quantfold/tradecore/internal/logging"
	"github.com/quantfold/tradecore/internal/store/sqlite"
	"github.com/quantfold/tradecore/internal/storewriter"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger := logging.New(cfg)
	slog.SetDefault(logger)

	// Only the store section matters here; the trading config is validated
	// by tradecored.
	if cfg.Store.Path == "" {
		logger.Error("invalid configuration: store path is required")
		os.Exit(1)
	}
	if cfg.StoreWriter.Port <= 0 || cfg.StoreWriter.Port > 65535 {
		logger.Error("invalid configuration: store_writer port out of range",
			slog.Int("port", cfg.StoreWriter.Port))
		os.Exit(1)
	}

	client, err := sqlite.Open(cfg.Store.Path, sqlite.ModeReadWrite)
	if err != nil {
		logger.Error("failed to open database",
			slog.String("path", cfg.Store.Path),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	srv := storewriter.NewServer(storewriter.ServerConfig{
		Port:   cfg.StoreWriter.Port,
		APIKey: cfg.StoreWriter.APIKey,
	}, client, logger)

	logger.Info("storewriterd starting",
		slog.String("db", cfg.Store.Path),
		slog.Int("port", cfg.StoreWriter.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("storewriterd stopped")
}
