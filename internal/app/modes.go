package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/tradecore/internal/aggregate"
	"github.com/quantfold/tradecore/internal/archive"
	"github.com/quantfold/tradecore/internal/bus"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/feed"
	"github.com/quantfold/tradecore/internal/hotbuf"
	"github.com/quantfold/tradecore/internal/metrics"
	"github.com/quantfold/tradecore/internal/orchestrator"
	"github.com/quantfold/tradecore/internal/server"
)

// LiveMode runs the full pipeline against the configured real broker.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runPipeline(ctx, deps)
}

// PaperMode runs the same pipeline with the simulated broker; fills and
// account state are synthetic but the whole order path is exercised.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode, fills are simulated")
	return a.runPipeline(ctx, deps)
}

// newTickHandler builds the feed callback: it hands each tick to its
// aggregation shard, blocking when the shard inbox is full, which is the
// backpressure the websocket read loop relies on.
//
// Only the simulated broker gets zero-spread quotes synthesized from trade
// prints; it needs a book to fill against. With a real broker the cache is
// left alone so the spread check sees the live bid/ask instead of a
// synthetic spread of zero.
func newTickHandler(synthQuotes bool, quotes domain.QuoteCache, shards *aggregate.Shards) func(context.Context, domain.Tick) error {
	return func(ctx context.Context, tick domain.Tick) error {
		if synthQuotes {
			_ = quotes.SetQuote(ctx, domain.Quote{
				Symbol:    tick.Symbol,
				Bid:       tick.Price,
				Ask:       tick.Price,
				Last:      tick.Price,
				Volume:    tick.Size,
				Timestamp: tick.ReceivedTS,
			})
		}
		return shards.Submit(ctx, tick)
	}
}

// runPipeline starts every long-running component and blocks until the
// context ends or one of them fails.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies) error {
	if err := deps.Broker.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "broker connect failed, heartbeat will keep checking",
			slog.String("broker", deps.Broker.Name()),
			slog.String("error", err.Error()),
		)
	}

	// Bar pipeline: hot buffer, sharded aggregation, in-process bus.
	buf := hotbuf.New(deps.Bars, a.cfg.HotBuffer.MaxEntries, a.cfg.HotBuffer.FlushInterval.Duration, a.logger)
	buf.SetOnFlush(func(n int, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.BufferFlushes.WithLabelValues(outcome).Inc()
	})

	barBus := bus.New(a.logger)
	if deps.Signals != nil {
		bridge := bus.NewBridge(deps.Signals, a.logger)
		bridge.Attach(barBus)
	}

	shards := aggregate.NewShards(a.cfg.Aggregator.Shards, a.cfg.Aggregator.QueueDepth, func() *aggregate.Aggregator {
		return aggregate.New(a.cfg.Aggregator.BarWidth.Duration, deps.Calendar, buf, barBus, a.logger)
	})

	// Order path.
	orch := orchestrator.New(
		orchestrator.Config{
			AccountID:        a.cfg.Orchestration.AccountID,
			MinOrderNotional: a.cfg.Orchestration.MinOrderNotional,
		},
		deps.Broker,
		deps.Trades,
		deps.Control,
		deps.Strategies,
		deps.Quotes,
		deps.Registry,
		deps.Engine,
		deps.Signals,
		a.logger,
	)
	// The kill switch fails closed: if the durable flag cannot be read we
	// refuse to start rather than guess it was off.
	if err := orch.RestoreHaltState(ctx); err != nil {
		return fmt.Errorf("app: restore halt state: %w", err)
	}

	heartbeat := orchestrator.NewHeartbeat(
		orchestrator.HeartbeatConfig{
			Interval: a.cfg.Heartbeat.Interval.Duration,
			Regime: orchestrator.RegimeParams{
				RealizedVol: a.cfg.Heartbeat.RealizedVol,
				ZScore:      a.cfg.Heartbeat.ZScore,
				Multiplier:  a.cfg.Heartbeat.RegimeMultiplier,
			},
		},
		deps.Broker,
		deps.Trades,
		deps.PnL,
		orch,
		deps.Limits,
		a.logger,
	)

	tickHandler := newTickHandler(deps.Broker.Name() == "paper", deps.Quotes, shards)
	tickFeed := feed.New(feed.Config{
		URL:     a.cfg.Feed.URL,
		Source:  a.cfg.Feed.Source,
		Symbols: a.cfg.Symbols(),
	}, deps.Registry, tickHandler, a.logger)

	opsServer := server.NewServer(
		server.Config{
			Port:         a.cfg.Server.Port,
			APIKey:       a.cfg.StoreWriter.APIKey,
			ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
			WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		},
		server.Deps{
			Control: orch,
			Broker:  deps.Broker,
			Buffer:  buf,
			Bars:    deps.Bars,
			Trades:  deps.Trades,
		},
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return buf.Run(ctx) })
	g.Go(func() error { return shards.Run(ctx) })
	g.Go(func() error { return tickFeed.Run(ctx) })
	g.Go(func() error { return heartbeat.Run(ctx) })

	if a.cfg.Archive.Enabled && deps.Blob != nil {
		archiver := archive.New(archive.Config{
			RetentionDays: a.cfg.Archive.RetentionDays,
			Interval:      a.cfg.Archive.Interval.Duration,
		}, deps.Bars, deps.Trades, deps.Blob, a.logger)
		g.Go(func() error { return archiver.Run(ctx) })
	}

	g.Go(opsServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
		barBus.Close()
		return ctx.Err()
	})

	return g.Wait()
}
