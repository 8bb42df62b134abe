// Package broker defines the capability interface every broker backend
// implements, with interchangeable implementations selected by configuration.
package broker

import (
	"context"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// OrderRequest is one order to submit. Quantity is the absolute number of
// units; Side carries the direction. LimitPrice is ignored for market orders.
type OrderRequest struct {
	Symbol     string
	Quantity   float64
	Side       domain.OrderSide
	Type       domain.OrderType
	LimitPrice float64
}

// Order is a broker-side order as reported by the backend.
type Order struct {
	ID         string
	Symbol     string
	Side       domain.OrderSide
	Quantity   float64
	Type       domain.OrderType
	LimitPrice float64
	FillPrice  float64
	Status     string
	CreatedAt  time.Time
}

// Broker is the capability surface the core needs from any broker backend.
// All methods taking a context must honor its deadline; callers pass bounded
// timeouts.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	IsConnected() bool
	GetAccountInfo(ctx context.Context) (domain.AccountInfo, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (domain.OrderHandle, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetRecentOrders(ctx context.Context, limit int) ([]Order, error)
	CancelAllOrders(ctx context.Context) (int, error)
}
