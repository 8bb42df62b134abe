package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/aggregate"
	"github.com/quantfold/tradecore/internal/domain"
)

type recordingQuoteCache struct {
	quotes map[string]domain.Quote
}

func (c *recordingQuoteCache) SetQuote(_ context.Context, q domain.Quote) error {
	c.quotes[q.Symbol] = q
	return nil
}

func (c *recordingQuoteCache) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	q, ok := c.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func TestTickHandlerQuoteSynthesis(t *testing.T) {
	ctx := context.Background()
	tick := domain.Tick{
		Symbol:     "AAPL",
		Price:      100.0,
		Size:       10,
		ReceivedTS: time.Now().UTC(),
		Source:     "test",
		AssetClass: "equity",
	}
	newShards := func() *aggregate.Shards {
		return aggregate.NewShards(1, 8, func() *aggregate.Aggregator { return nil })
	}

	t.Run("paper mode fills the cache from trade prints", func(t *testing.T) {
		quotes := &recordingQuoteCache{quotes: map[string]domain.Quote{}}
		handler := newTickHandler(true, quotes, newShards())

		require.NoError(t, handler(ctx, tick))
		q, err := quotes.GetQuote(ctx, "AAPL")
		require.NoError(t, err)
		assert.InDelta(t, 100.0, q.Bid, 1e-9)
		assert.InDelta(t, 100.0, q.Ask, 1e-9)
	})

	// A real broker's book must not be shadowed by zero-spread synthetics,
	// or the spread check would never reject.
	t.Run("live mode leaves the cache broker-fed", func(t *testing.T) {
		quotes := &recordingQuoteCache{quotes: map[string]domain.Quote{}}
		handler := newTickHandler(false, quotes, newShards())

		require.NoError(t, handler(ctx, tick))
		_, err := quotes.GetQuote(ctx, "AAPL")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
