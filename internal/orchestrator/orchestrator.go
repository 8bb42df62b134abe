// Package orchestrator drives the order lifecycle: target-percent sizing,
// pre-trade risk validation, durable audit records, broker dispatch, and the
// system-wide halt switch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/metrics"
	"github.com/quantfold/tradecore/internal/risk"
)

// HaltedFlag is the durable control flag name for the kill switch.
const HaltedFlag = "halted"

// HaltChannel is the signal bus channel carrying halt/resume events.
const HaltChannel = "control.halt"

// brokerOrderIDPrefix marks the broker's order id in the status reason of a
// submitted record. The heartbeat parses it back out to match records against
// the broker's order list when reconciling fills.
const brokerOrderIDPrefix = "broker_order_id="

// Config holds orchestrator tunables.
type Config struct {
	AccountID string
	// MinOrderNotional suppresses rebalance dust: a computed order below
	// this value (in account currency) is a silent no-op.
	MinOrderNotional float64
}

// Orchestrator owns the order path. One instance serves all symbols; it is
// safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	brk        broker.Broker
	trades     domain.TradeStore
	control    domain.ControlStore
	strategies domain.StrategyReader
	quotes     domain.QuoteCache
	registry   domain.AssetRegistry
	engine     *risk.Engine
	signals    domain.SignalBus // optional
	logger     *slog.Logger

	halted atomic.Bool
}

// New creates an Orchestrator. signals may be nil when no bus is configured.
func New(
	cfg Config,
	brk broker.Broker,
	trades domain.TradeStore,
	control domain.ControlStore,
	strategies domain.StrategyReader,
	quotes domain.QuoteCache,
	registry domain.AssetRegistry,
	engine *risk.Engine,
	signals domain.SignalBus,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MinOrderNotional <= 0 {
		cfg.MinOrderNotional = 50
	}
	return &Orchestrator{
		cfg:        cfg,
		brk:        brk,
		trades:     trades,
		control:    control,
		strategies: strategies,
		quotes:     quotes,
		registry:   registry,
		engine:     engine,
		signals:    signals,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// RestoreHaltState re-reads the durable halted flag at startup so a halt
// survives restarts until an operator explicitly resumes.
func (o *Orchestrator) RestoreHaltState(ctx context.Context) error {
	halted, reason, err := o.control.GetFlag(ctx, HaltedFlag)
	if err != nil {
		return fmt.Errorf("orchestrator: restore halt state: %w", err)
	}
	o.halted.Store(halted)
	if halted {
		metrics.Halted.Set(1)
		o.logger.WarnContext(ctx, "starting in halted state",
			slog.String("reason", reason))
	} else {
		metrics.Halted.Set(0)
	}
	return nil
}

// IsHalted reports the in-memory halt state.
func (o *Orchestrator) IsHalted() bool {
	return o.halted.Load()
}

// Halt stops all order submission, durably. The in-memory gate flips first
// so the order path closes even if the durable write fails.
func (o *Orchestrator) Halt(ctx context.Context, reason string) error {
	o.halted.Store(true)
	metrics.Halted.Set(1)
	o.logger.ErrorContext(ctx, "trading halted", slog.String("reason", reason))

	o.publishHaltEvent(ctx, true, reason)
	if err := o.control.SetFlag(ctx, HaltedFlag, true, reason); err != nil {
		return fmt.Errorf("orchestrator: persist halt: %w", err)
	}
	return nil
}

// Resume re-enables order submission.
func (o *Orchestrator) Resume(ctx context.Context, reason string) error {
	if err := o.control.SetFlag(ctx, HaltedFlag, false, reason); err != nil {
		return fmt.Errorf("orchestrator: persist resume: %w", err)
	}
	o.halted.Store(false)
	metrics.Halted.Set(0)
	o.logger.InfoContext(ctx, "trading resumed", slog.String("reason", reason))
	o.publishHaltEvent(ctx, false, reason)
	return nil
}

func (o *Orchestrator) publishHaltEvent(ctx context.Context, halted bool, reason string) {
	if o.signals == nil {
		return
	}
	payload := fmt.Sprintf(`{"halted":%t,"reason":%q,"ts":%d}`, halted, reason, time.Now().Unix())
	if err := o.signals.Publish(ctx, HaltChannel, []byte(payload)); err != nil {
		o.logger.WarnContext(ctx, "halt event publish failed",
			slog.String("error", err.Error()))
	}
}

// SubmitTargetPercent rebalances one symbol to targetWeight of portfolio
// value. It returns the durable trade record for the submitted order, or nil
// when the rebalance was a no-op.
//
// The audit record is written in pending_submit before the broker is called.
// A crash between those two steps leaves a pending_submit row behind for
// reconciliation instead of an untracked live order.
func (o *Orchestrator) SubmitTargetPercent(ctx context.Context, symbol string, targetWeight float64) (*domain.TradeRecord, error) {
	if o.IsHalted() {
		return nil, fmt.Errorf("orchestrator: submit %s: %w", symbol, domain.ErrHalted)
	}

	strategy, err := o.strategies.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: submit %s: %w", symbol, err)
	}
	if !strategy.AuthorizesLive(time.Now()) {
		return nil, fmt.Errorf("orchestrator: submit %s: strategy %s stage %s does not authorize live orders: %w",
			symbol, strategy.Hash, strategy.Stage, domain.ErrNoActiveStrategy)
	}

	snap, err := o.snapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: submit %s: %w", symbol, err)
	}

	price := snap.quote.Mid()
	if price <= 0 {
		return nil, fmt.Errorf("orchestrator: submit %s: no usable quote (bid %.4f ask %.4f)",
			symbol, snap.quote.Bid, snap.quote.Ask)
	}

	pv := snap.account.NetLiquidation
	var currentValue float64
	for _, p := range snap.positions {
		if p.Symbol == symbol {
			currentValue = p.MarketValue
			break
		}
	}

	delta := targetWeight*pv - currentValue
	if abs(delta) < o.cfg.MinOrderNotional {
		o.logger.DebugContext(ctx, "rebalance below minimum notional",
			slog.String("symbol", symbol),
			slog.Float64("delta", delta))
		return nil, nil
	}

	side := domain.OrderSideBuy
	if delta < 0 {
		side = domain.OrderSideSell
	}
	quantity := abs(delta) / price

	decision := o.engine.ValidateOrder(risk.OrderContext{
		Symbol:     symbol,
		AssetClass: snap.assetClass,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		Quote:      snap.quote,
		Portfolio:  pv,
		Positions:  snap.positions,
		Account:    snap.account,
		DailyPnL:   snap.account.DailyPnL,
	})
	if !decision.OK {
		metrics.RiskRejections.WithLabelValues(symbol).Inc()
		if decision.Breaker {
			if herr := o.Halt(ctx, decision.Reason); herr != nil {
				o.logger.ErrorContext(ctx, "halt persistence failed",
					slog.String("error", herr.Error()))
			}
			if n, cerr := o.brk.CancelAllOrders(ctx); cerr != nil {
				o.logger.ErrorContext(ctx, "cancel-all after breaker trip failed",
					slog.String("error", cerr.Error()))
			} else if n > 0 {
				o.logger.WarnContext(ctx, "cancelled working orders after breaker trip",
					slog.Int("count", n))
			}
			return nil, fmt.Errorf("orchestrator: submit %s: %s: %w", symbol, decision.Reason, domain.ErrHalted)
		}
		return nil, fmt.Errorf("orchestrator: submit %s rejected: %s", symbol, decision.Reason)
	}

	rec := domain.TradeRecord{
		ID:           uuid.NewString(),
		StrategyHash: strategy.Hash,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		ExecutedAt:   time.Now().UTC(),
		OrderType:    domain.OrderTypeMarket,
		Status:       domain.TradeStatusPendingSubmit,
		AccountID:    o.cfg.AccountID,
	}
	if err := o.trades.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("orchestrator: submit %s: persist audit record: %w", symbol, err)
	}

	handle, err := o.brk.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Quantity: quantity,
		Side:     side,
		Type:     domain.OrderTypeMarket,
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(symbol, "failed").Inc()
		reason := "failed: " + err.Error()
		if uerr := o.trades.UpdateStatus(ctx, rec.ID, domain.TradeStatusFailed, reason); uerr != nil {
			o.logger.ErrorContext(ctx, "failed to record order failure",
				slog.String("trade_id", rec.ID),
				slog.String("error", uerr.Error()))
		}
		rec.Status = domain.TradeStatusFailed
		rec.StatusReason = reason
		return &rec, fmt.Errorf("orchestrator: submit %s: %w", symbol, err)
	}

	metrics.OrdersTotal.WithLabelValues(symbol, "submitted").Inc()
	reason := brokerOrderIDPrefix + handle.BrokerOrderID
	if err := o.trades.UpdateStatus(ctx, rec.ID, domain.TradeStatusSubmitted, reason); err != nil {
		o.logger.ErrorContext(ctx, "failed to record order submission",
			slog.String("trade_id", rec.ID),
			slog.String("error", err.Error()))
	}
	rec.Status = domain.TradeStatusSubmitted
	rec.StatusReason = reason

	// Synchronous backends report the fill in the submit response; record it
	// now so the filled transition does not wait for a heartbeat.
	if handle.Filled() {
		if err := o.trades.SetFill(ctx, rec.ID, handle.FillPrice, handle.Commission); err != nil {
			o.logger.ErrorContext(ctx, "failed to record synchronous fill",
				slog.String("trade_id", rec.ID),
				slog.String("error", err.Error()))
		} else {
			metrics.OrdersTotal.WithLabelValues(symbol, "filled").Inc()
			rec.Status = domain.TradeStatusFilled
			rec.FillPrice = &handle.FillPrice
			rec.Commission = handle.Commission
		}
	}

	o.logger.InfoContext(ctx, "order submitted",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("quantity", quantity),
		slog.String("trade_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.String("broker_order_id", handle.BrokerOrderID))
	return &rec, nil
}

type portfolioSnapshot struct {
	account    domain.AccountInfo
	positions  []domain.Position
	quote      domain.Quote
	assetClass string
}

// snapshot gathers the account, positions, and quote concurrently. The quote
// is served from the cache when fresh and falls back to the broker.
func (o *Orchestrator) snapshot(ctx context.Context, symbol string) (portfolioSnapshot, error) {
	var snap portfolioSnapshot

	class, ok := o.registry.AssetClass(symbol)
	if !ok {
		return snap, fmt.Errorf("unknown symbol %q", symbol)
	}
	if !o.registry.IsTradable(symbol) {
		return snap, fmt.Errorf("symbol %q is not tradable", symbol)
	}
	snap.assetClass = class

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		account, err := o.brk.GetAccountInfo(gctx)
		if err != nil {
			return fmt.Errorf("account info: %w", err)
		}
		snap.account = account
		return nil
	})
	g.Go(func() error {
		positions, err := o.brk.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		snap.positions = positions
		return nil
	})
	g.Go(func() error {
		q, err := o.quotes.GetQuote(gctx, symbol)
		if errors.Is(err, domain.ErrNotFound) {
			q, err = o.brk.GetQuote(gctx, symbol)
		}
		if err != nil {
			return fmt.Errorf("quote: %w", err)
		}
		snap.quote = q
		return nil
	})
	if err := g.Wait(); err != nil {
		return snap, err
	}
	return snap, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
