package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/quantfold/tradecore/internal/blob/s3"
	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/broker/gateway"
	"github.com/quantfold/tradecore/internal/broker/paper"
	"github.com/quantfold/tradecore/internal/cache/memory"
	"github.com/quantfold/tradecore/internal/cache/redis"
	"github.com/quantfold/tradecore/internal/calendar"
	"github.com/quantfold/tradecore/internal/config"
	"github.com/quantfold/tradecore/internal/crypto"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/registry"
	"github.com/quantfold/tradecore/internal/risk"
	"github.com/quantfold/tradecore/internal/store/sqlite"
	"github.com/quantfold/tradecore/internal/storewriter"
)

// Dependencies bundles everything the run modes need. Reads go through the
// read-only database handle; writes go through the storewriter proxy.
type Dependencies struct {
	Bars       domain.BarStore
	Trades     domain.TradeStore
	Control    domain.ControlStore
	PnL        domain.PnLStore
	Strategies domain.StrategyReader

	Registry *registry.Registry
	Calendar *calendar.Calendar
	Quotes   domain.QuoteCache
	Signals  domain.SignalBus // nil when Redis is disabled

	Broker broker.Broker
	Limits *risk.Holder
	Engine *risk.Engine

	Blob *s3blob.Writer // nil when S3 is disabled
}

// Wire constructs all concrete dependency implementations from the
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- SQLite, read-only. The sole writable handle lives in storewriterd.
	ro, err := sqlite.Open(cfg.Store.Path, sqlite.ModeReadOnly)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: sqlite read-only: %w", err)
	}
	closers = append(closers, func() { _ = ro.Close() })

	roBars := sqlite.NewBarStore(ro)
	roTrades := sqlite.NewTradeStore(ro)
	roControl := sqlite.NewControlStore(ro)
	roPnL := sqlite.NewPnLStore(ro)
	deps.Strategies = sqlite.NewStrategyStore(ro)

	// --- Write proxy.
	writer := storewriter.NewClient(storewriter.ClientConfig{
		BaseURL: cfg.StoreWriter.BaseURL,
		APIKey:  cfg.StoreWriter.APIKey,
		Timeout: cfg.StoreWriter.Timeout.Duration,
	})
	deps.Bars = storewriter.NewBarWriter(writer, roBars)
	deps.Trades = storewriter.NewTradeWriter(writer, roTrades)
	deps.Control = storewriter.NewControlWriter(writer, roControl)
	deps.PnL = storewriter.NewPnLWriter(writer, roPnL)

	// --- Static asset registry and session calendar.
	assets := make([]registry.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, registry.Asset{
			Symbol:     a.Symbol,
			AssetClass: a.AssetClass,
			Tradable:   a.Tradable,
		})
	}
	deps.Registry = registry.New(assets)
	deps.Calendar = cfg.SessionCalendar()

	// --- Quote cache and signal bus.
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Quotes = redis.NewQuoteCache(redisClient)
		deps.Signals = redis.NewSignalBus(redisClient)
	} else {
		deps.Quotes = memory.NewQuoteBoard(time.Minute)
	}

	// --- Risk policy.
	deps.Limits = risk.NewHolder(cfg.RiskLimits())
	deps.Engine = risk.NewEngine(deps.Limits, deps.Registry)

	// --- Broker. Paper mode always trades against the simulator.
	if cfg.Mode == "paper" || cfg.Broker.Name == "paper" {
		deps.Broker = paper.New(
			deps.Quotes,
			cfg.Broker.Paper.StartingCash,
			cfg.Broker.Paper.CommissionPerUnit,
			logger,
		)
	} else {
		apiKey, err := crypto.LoadCredential(crypto.CredentialConfig{
			Raw:           cfg.Broker.Gateway.APIKey,
			EncryptedPath: cfg.Broker.Gateway.APIKeyFile,
			Password:      cfg.Broker.Gateway.APIKeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: gateway credentials: %w", err)
		}
		deps.Broker = gateway.New(gateway.Config{
			BaseURL:   cfg.Broker.Gateway.BaseURL,
			APIKey:    apiKey,
			AccountID: cfg.Broker.Gateway.AccountID,
			Timeout:   cfg.Broker.Gateway.Timeout.Duration,
		}, logger)
	}

	// --- S3 cold storage.
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Blob = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}
