package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/tradecore/internal/domain"
)

// quoteTTL expires stale quotes so the risk engine never sizes an order
// against a book snapshot from a disconnected feed.
const quoteTTL = 30 * time.Second

// QuoteCache implements domain.QuoteCache using Redis hashes. Each symbol's
// quote lives at key "quote:{symbol}" with bid/ask/last/volume/ts fields.
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// SetQuote stores the latest top-of-book quote for a symbol.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Symbol)
	fields := map[string]interface{}{
		"bid":    strconv.FormatFloat(q.Bid, 'f', -1, 64),
		"ask":    strconv.FormatFloat(q.Ask, 'f', -1, 64),
		"last":   strconv.FormatFloat(q.Last, 'f', -1, 64),
		"volume": strconv.FormatFloat(q.Volume, 'f', -1, 64),
		"ts":     strconv.FormatInt(q.Timestamp.UnixNano(), 10),
	}

	pipe := qc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a symbol. It returns
// domain.ErrNotFound when no quote is cached (or it has expired).
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q := domain.Quote{Symbol: symbol}
	if q.Bid, err = parseField(vals, "bid"); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", symbol, err)
	}
	if q.Ask, err = parseField(vals, "ask"); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", symbol, err)
	}
	if q.Last, err = parseField(vals, "last"); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", symbol, err)
	}
	if q.Volume, err = parseField(vals, "volume"); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: parse ts: %w", symbol, err)
	}
	q.Timestamp = time.Unix(0, tsNano).UTC()

	return q, nil
}

func parseField(vals map[string]string, name string) (float64, error) {
	s, ok := vals[name]
	if !ok {
		return 0, fmt.Errorf("missing field %s", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
