// Package gateway implements the broker interface against a REST order
// gateway (an execution bridge such as an IB gateway sidecar) speaking JSON
// over HTTP with API-key authentication.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/domain"
)

// Config holds connection parameters for the gateway.
type Config struct {
	BaseURL   string
	APIKey    string
	AccountID string
	// Timeout bounds every request; submit uses it as the unknown-outcome
	// window (a timed-out submit may still have been accepted upstream).
	Timeout time.Duration
}

// Client is the REST broker client. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	connected  atomic.Bool
}

// New creates a gateway Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "gateway_broker")),
	}
}

// Name identifies this backend in configuration and execution-authority maps.
func (c *Client) Name() string { return "gateway" }

// Connect verifies reachability and authentication against the gateway's
// status endpoint.
func (c *Client) Connect(ctx context.Context) error {
	var status struct {
		Connected bool   `json:"connected"`
		Account   string `json:"account"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("gateway: connect: %w", err)
	}
	if !status.Connected {
		c.connected.Store(false)
		return fmt.Errorf("gateway: upstream session down: %w", domain.ErrBrokerDisconnected)
	}
	c.connected.Store(true)
	c.logger.InfoContext(ctx, "gateway connected", slog.String("account", status.Account))
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

type accountResponse struct {
	NetLiquidation     float64 `json:"net_liquidation"`
	BuyingPower        float64 `json:"buying_power"`
	Cash               float64 `json:"cash"`
	GrossPositionValue float64 `json:"gross_position_value"`
	DailyPnL           float64 `json:"daily_pnl"`
}

// GetAccountInfo fetches the live account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	var resp accountResponse
	if err := c.doIdempotent(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("gateway: get account: %w", err)
	}
	return domain.AccountInfo{
		NetLiquidation:     resp.NetLiquidation,
		BuyingPower:        resp.BuyingPower,
		Cash:               resp.Cash,
		GrossPositionValue: resp.GrossPositionValue,
		DailyPnL:           resp.DailyPnL,
	}, nil
}

type positionResponse struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// GetPositions fetches all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Positions []positionResponse `json:"positions"`
	}
	if err := c.doIdempotent(ctx, http.MethodGet, "/v1/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("gateway: get positions: %w", err)
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			AvgCost:       p.AvgCost,
			CurrentPrice:  p.CurrentPrice,
			MarketValue:   p.MarketValue,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

// GetQuote fetches a live top-of-book quote.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var resp struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Last   float64 `json:"last"`
		Volume float64 `json:"volume"`
		TS     int64   `json:"ts"`
	}
	if err := c.doIdempotent(ctx, http.MethodGet, "/v1/quotes/"+symbol, nil, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("gateway: get quote %s: %w", symbol, err)
	}
	return domain.Quote{
		Symbol:    resp.Symbol,
		Bid:       resp.Bid,
		Ask:       resp.Ask,
		Last:      resp.Last,
		Volume:    resp.Volume,
		Timestamp: time.Unix(resp.TS, 0).UTC(),
	}, nil
}

type submitRequest struct {
	Account    string  `json:"account"`
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

// SubmitOrder dispatches one order. It is never retried here: a timeout is
// an unknown outcome and the caller must reconcile before resubmitting.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (domain.OrderHandle, error) {
	if !c.IsConnected() {
		return domain.OrderHandle{}, domain.ErrBrokerDisconnected
	}

	var resp struct {
		OrderID    string  `json:"order_id"`
		Status     string  `json:"status"`
		FillPrice  float64 `json:"fill_price"`
		Commission float64 `json:"commission"`
	}
	body := submitRequest{
		Account:    c.cfg.AccountID,
		Symbol:     req.Symbol,
		Quantity:   req.Quantity,
		Side:       string(req.Side),
		Type:       string(req.Type),
		LimitPrice: req.LimitPrice,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("gateway: submit order %s: %w", req.Symbol, err)
	}
	return domain.OrderHandle{
		BrokerOrderID: resp.OrderID,
		Status:        resp.Status,
		FillPrice:     resp.FillPrice,
		Commission:    resp.Commission,
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

type orderResponse struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Type       string  `json:"type"`
	LimitPrice float64 `json:"limit_price"`
	FillPrice  float64 `json:"fill_price"`
	Status     string  `json:"status"`
	CreatedTS  int64   `json:"created_ts"`
}

func (c *Client) listOrders(ctx context.Context, path string) ([]broker.Order, error) {
	var resp struct {
		Orders []orderResponse `json:"orders"`
	}
	if err := c.doIdempotent(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, broker.Order{
			ID:         o.ID,
			Symbol:     o.Symbol,
			Side:       domain.OrderSide(o.Side),
			Quantity:   o.Quantity,
			Type:       domain.OrderType(o.Type),
			LimitPrice: o.LimitPrice,
			FillPrice:  o.FillPrice,
			Status:     o.Status,
			CreatedAt:  time.Unix(o.CreatedTS, 0).UTC(),
		})
	}
	return out, nil
}

// GetOpenOrders lists working orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	orders, err := c.listOrders(ctx, "/v1/orders?status=open")
	if err != nil {
		return nil, fmt.Errorf("gateway: get open orders: %w", err)
	}
	return orders, nil
}

// GetRecentOrders lists the most recent orders, newest first.
func (c *Client) GetRecentOrders(ctx context.Context, limit int) ([]broker.Order, error) {
	orders, err := c.listOrders(ctx, fmt.Sprintf("/v1/orders?limit=%d", limit))
	if err != nil {
		return nil, fmt.Errorf("gateway: get recent orders: %w", err)
	}
	return orders, nil
}

// CancelAllOrders cancels every working order and returns the count. The
// operation is idempotent upstream, so callers may retry it.
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.doIdempotent(ctx, http.MethodDelete, "/v1/orders", nil, &resp); err != nil {
		return 0, fmt.Errorf("gateway: cancel all: %w", err)
	}
	return resp.Cancelled, nil
}

// doIdempotent retries do with bounded backoff. Only safe for requests the
// upstream treats as idempotent: reads and cancel-all.
func (c *Client) doIdempotent(ctx context.Context, method, path string, body, out any) error {
	const attempts = 3
	backoff := 250 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = c.do(ctx, method, path, body, out); err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
	}
	return err
}

// retryableError marks transport failures and 5xx/429 responses.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// do performs one JSON request/response cycle against the gateway.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: statusErr}
		}
		return statusErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ broker.Broker = (*Client)(nil)
