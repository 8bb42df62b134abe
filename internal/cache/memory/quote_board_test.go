package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

func TestQuoteBoardRoundTrip(t *testing.T) {
	b := NewQuoteBoard(time.Minute)
	ctx := context.Background()

	_, err := b.GetQuote(ctx, "AAPL")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	q := domain.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.1, Last: 100.0, Timestamp: time.Now()}
	require.NoError(t, b.SetQuote(ctx, q))

	got, err := b.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestQuoteBoardExpiry(t *testing.T) {
	b := NewQuoteBoard(time.Minute)
	ctx := context.Background()

	stale := domain.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.1, Timestamp: time.Now().Add(-2 * time.Minute)}
	require.NoError(t, b.SetQuote(ctx, stale))

	_, err := b.GetQuote(ctx, "AAPL")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
