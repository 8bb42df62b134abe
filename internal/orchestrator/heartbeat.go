package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/risk"
)

// RegimeParams feed the dynamic daily-loss limit. RealizedVol is the
// annualized-to-daily realized volatility estimate supplied by the research
// side; ZScore and Multiplier scale it to a loss threshold for the current
// volatility regime.
type RegimeParams struct {
	RealizedVol float64
	ZScore      float64
	Multiplier  float64
}

// HeartbeatConfig holds heartbeat tunables.
type HeartbeatConfig struct {
	Interval time.Duration
	Regime   RegimeParams
}

// Heartbeat periodically re-checks the circuit breaker against the dynamic
// loss limit and snapshots per-strategy realized P&L from filled trades. It
// is the slow control loop next to the per-order fast path.
type Heartbeat struct {
	cfg    HeartbeatConfig
	brk    broker.Broker
	trades domain.TradeStore
	pnl    domain.PnLStore
	orch   *Orchestrator
	limits *risk.Holder
	logger *slog.Logger
}

// NewHeartbeat creates a Heartbeat.
func NewHeartbeat(
	cfg HeartbeatConfig,
	brk broker.Broker,
	trades domain.TradeStore,
	pnl domain.PnLStore,
	orch *Orchestrator,
	limits *risk.Holder,
	logger *slog.Logger,
) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Heartbeat{
		cfg:    cfg,
		brk:    brk,
		trades: trades,
		pnl:    pnl,
		orch:   orch,
		limits: limits,
		logger: logger.With(slog.String("component", "heartbeat")),
	}
}

// Run executes beats on the configured interval until the context ends.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.WarnContext(ctx, "heartbeat failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Beat performs one heartbeat cycle.
func (h *Heartbeat) Beat(ctx context.Context) error {
	if !h.brk.IsConnected() {
		return fmt.Errorf("orchestrator: heartbeat: %w", domain.ErrBrokerDisconnected)
	}

	account, err := h.brk.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: heartbeat account info: %w", err)
	}

	limits := h.limits.Current()
	lossLimit := risk.DynamicLossLimit(
		account.NetLiquidation,
		h.cfg.Regime.RealizedVol,
		h.cfg.Regime.ZScore,
		h.cfg.Regime.Multiplier,
		limits.Global.MaxDailyLoss,
	)
	if account.DailyPnL < -lossLimit && !h.orch.IsHalted() {
		reason := fmt.Sprintf("%s: daily PnL %.2f breaches dynamic loss limit %.2f",
			risk.CircuitBreakerTag, account.DailyPnL, lossLimit)
		if err := h.orch.Halt(ctx, reason); err != nil {
			return err
		}
		// Working orders could still fill into the breached book; pull them.
		// Cancel-all is idempotent upstream, so a failure just retries by hand.
		n, err := h.brk.CancelAllOrders(ctx)
		if err != nil {
			h.logger.ErrorContext(ctx, "cancel-all after breaker trip failed",
				slog.String("error", err.Error()))
		} else if n > 0 {
			h.logger.WarnContext(ctx, "cancelled working orders after breaker trip",
				slog.Int("count", n))
		}
	}

	if err := h.reconcileFills(ctx); err != nil {
		return err
	}
	if err := h.snapshotPnL(ctx); err != nil {
		return err
	}
	return nil
}

// reconcileWindow bounds how many recent trades and broker orders one beat
// matches against each other.
const reconcileWindow = 200

// reconcileFills moves submitted records to filled once the broker reports
// the fill. Records are matched by the broker order id stamped into the
// status reason at submit time.
func (h *Heartbeat) reconcileFills(ctx context.Context) error {
	recent, err := h.trades.ListRecent(ctx, reconcileWindow)
	if err != nil {
		return fmt.Errorf("orchestrator: heartbeat list trades: %w", err)
	}

	var pending []domain.TradeRecord
	for _, rec := range recent {
		if rec.Status == domain.TradeStatusSubmitted {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	orders, err := h.brk.GetRecentOrders(ctx, reconcileWindow)
	if err != nil {
		return fmt.Errorf("orchestrator: heartbeat broker orders: %w", err)
	}
	fills := make(map[string]broker.Order, len(orders))
	for _, ord := range orders {
		if ord.Status == "filled" && ord.FillPrice > 0 {
			fills[ord.ID] = ord
		}
	}

	for _, rec := range pending {
		brokerID, ok := strings.CutPrefix(rec.StatusReason, brokerOrderIDPrefix)
		if !ok || brokerID == "" {
			continue
		}
		ord, ok := fills[brokerID]
		if !ok {
			continue
		}
		if err := h.trades.SetFill(ctx, rec.ID, ord.FillPrice, rec.Commission); err != nil {
			return fmt.Errorf("orchestrator: heartbeat set fill %s: %w", rec.ID, err)
		}
		h.logger.InfoContext(ctx, "fill reconciled",
			slog.String("trade_id", rec.ID),
			slog.String("broker_order_id", brokerID),
			slog.Float64("fill_price", ord.FillPrice))
	}
	return nil
}

// snapshotPnL rebuilds today's per-strategy realized cash flow (net of
// commissions) from filled trades and upserts one snapshot row per strategy.
func (h *Heartbeat) snapshotPnL(ctx context.Context) error {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	fills, err := h.trades.ListFilledSince(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("orchestrator: heartbeat list fills: %w", err)
	}

	type agg struct {
		realized float64
		count    int64
	}
	byStrategy := make(map[string]*agg)
	for _, fill := range fills {
		if fill.FillPrice == nil {
			continue
		}
		a := byStrategy[fill.StrategyHash]
		if a == nil {
			a = &agg{}
			byStrategy[fill.StrategyHash] = a
		}
		cash := *fill.FillPrice * fill.Quantity
		if fill.Side == domain.OrderSideBuy {
			cash = -cash
		}
		a.realized += cash - fill.Commission
		a.count++
	}

	for hash, a := range byStrategy {
		snap := domain.StrategyPnL{
			StrategyHash: hash,
			RealizedPnL:  a.realized,
			TradeCount:   a.count,
			SnapshotAt:   dayStart,
		}
		if err := h.pnl.UpsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("orchestrator: heartbeat snapshot %s: %w", hash, err)
		}
	}
	return nil
}
