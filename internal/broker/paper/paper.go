// Package paper implements an in-memory simulated broker. Orders fill
// immediately at the live quote (ask for buys, bid for sells); positions and
// account state are book-kept locally. It backs paper mode and tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/domain"
)

// QuoteSource supplies live quotes for fills and mark-to-market.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// Broker is the simulated broker. Safe for concurrent use.
type Broker struct {
	quotes        QuoteSource
	commissionPer float64
	logger        *slog.Logger

	mu        sync.Mutex
	connected bool
	cash      float64
	startCash float64
	realized  float64 // realized PnL today
	positions map[string]*domain.Position
	orders    []broker.Order
}

// New creates a paper Broker with the given starting cash.
func New(quotes QuoteSource, startingCash, commissionPerUnit float64, logger *slog.Logger) *Broker {
	return &Broker{
		quotes:        quotes,
		commissionPer: commissionPerUnit,
		logger:        logger.With(slog.String("component", "paper_broker")),
		cash:          startingCash,
		startCash:     startingCash,
		positions:     make(map[string]*domain.Position),
	}
}

// Name identifies this backend in configuration and execution-authority maps.
func (b *Broker) Name() string { return "paper" }

// Connect marks the simulated session up. It never fails.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.logger.InfoContext(ctx, "paper broker connected", slog.Float64("cash", b.cash))
	return nil
}

// IsConnected reports session state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// GetQuote passes through to the quote source.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	q, err := b.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("paper: get quote %s: %w", symbol, err)
	}
	return q, nil
}

// GetPositions returns mark-to-market positions using the latest quotes.
func (b *Broker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	b.mu.Unlock()

	marks := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if q, err := b.quotes.GetQuote(ctx, sym); err == nil {
			if mid := q.Mid(); mid > 0 {
				marks[sym] = mid
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for sym, p := range b.positions {
		if mark, ok := marks[sym]; ok {
			p.CurrentPrice = mark
		}
		p.MarketValue = p.Quantity * p.CurrentPrice
		p.UnrealizedPnL = (p.CurrentPrice - p.AvgCost) * p.Quantity
		out = append(out, *p)
	}
	return out, nil
}

// GetAccountInfo computes the simulated account snapshot.
func (b *Broker) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return domain.AccountInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var gross, net, unrealized float64
	for _, p := range positions {
		net += p.MarketValue
		unrealized += p.UnrealizedPnL
		if p.MarketValue >= 0 {
			gross += p.MarketValue
		} else {
			gross -= p.MarketValue
		}
	}

	nlv := b.cash + net
	return domain.AccountInfo{
		NetLiquidation:     nlv,
		BuyingPower:        b.cash,
		Cash:               b.cash,
		GrossPositionValue: gross,
		DailyPnL:           b.realized + unrealized,
	}, nil
}

// SubmitOrder fills the order immediately at the current quote. Orders with
// no live quote on the fill side are rejected.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (domain.OrderHandle, error) {
	if !b.IsConnected() {
		return domain.OrderHandle{}, domain.ErrBrokerDisconnected
	}
	if req.Quantity <= 0 {
		return domain.OrderHandle{}, fmt.Errorf("paper: quantity must be positive, got %v", req.Quantity)
	}

	q, err := b.quotes.GetQuote(ctx, req.Symbol)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("paper: quote for fill %s: %w", req.Symbol, err)
	}

	fillPrice := q.Ask
	if req.Side == domain.OrderSideSell {
		fillPrice = q.Bid
	}
	if fillPrice <= 0 {
		return domain.OrderHandle{}, fmt.Errorf("paper: no liquidity to fill %s %s", req.Side, req.Symbol)
	}

	now := time.Now().UTC()
	commission := b.commissionPer * req.Quantity

	b.mu.Lock()
	defer b.mu.Unlock()

	signedQty := req.Quantity
	if req.Side == domain.OrderSideSell {
		signedQty = -req.Quantity
	}

	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: req.Symbol}
		b.positions[req.Symbol] = pos
	}

	// Reducing or flipping a position realizes PnL on the closed part.
	if pos.Quantity != 0 && sameSign(pos.Quantity, -signedQty) {
		closed := minAbs(pos.Quantity, signedQty)
		if pos.Quantity < 0 {
			closed = -closed
		}
		b.realized += (fillPrice - pos.AvgCost) * closed
	}

	newQty := pos.Quantity + signedQty
	switch {
	case newQty == 0:
		delete(b.positions, req.Symbol)
	case pos.Quantity == 0 || sameSign(pos.Quantity, signedQty):
		// Opening or adding: blend the average cost.
		pos.AvgCost = (pos.AvgCost*pos.Quantity + fillPrice*signedQty) / newQty
		pos.Quantity = newQty
	default:
		pos.Quantity = newQty
		if sameSign(newQty, signedQty) {
			// Flipped through zero: the residue carries the fill price.
			pos.AvgCost = fillPrice
		}
	}

	b.cash -= fillPrice*signedQty + commission
	b.realized -= commission

	order := broker.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Type:      req.Type,
		FillPrice: fillPrice,
		Status:    "filled",
		CreatedAt: now,
	}
	b.orders = append(b.orders, order)

	b.logger.InfoContext(ctx, "paper fill",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", req.Quantity),
		slog.Float64("price", fillPrice),
	)

	return domain.OrderHandle{
		BrokerOrderID: order.ID,
		Status:        order.Status,
		FillPrice:     fillPrice,
		Commission:    commission,
		SubmittedAt:   now,
	}, nil
}

// GetOpenOrders returns nothing: paper orders fill synchronously.
func (b *Broker) GetOpenOrders(context.Context) ([]broker.Order, error) {
	return nil, nil
}

// GetRecentOrders returns the most recent orders, newest first.
func (b *Broker) GetRecentOrders(_ context.Context, limit int) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.orders)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]broker.Order, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.orders[i])
	}
	return out, nil
}

// CancelAllOrders is a no-op for synchronous fills.
func (b *Broker) CancelAllOrders(context.Context) (int, error) {
	return 0, nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func minAbs(a, b float64) float64 {
	abs := func(x float64) float64 {
		if x < 0 {
			return -x
		}
		return x
	}
	if abs(a) < abs(b) {
		return abs(a)
	}
	return abs(b)
}

var _ broker.Broker = (*Broker)(nil)
