// Package memory provides in-process cache implementations used when Redis
// is not configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// QuoteBoard is an in-memory quote cache. Entries older than maxAge read as
// missing, mirroring the TTL behavior of the Redis-backed cache.
type QuoteBoard struct {
	maxAge time.Duration

	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

// NewQuoteBoard creates a QuoteBoard. maxAge <= 0 disables expiry.
func NewQuoteBoard(maxAge time.Duration) *QuoteBoard {
	return &QuoteBoard{
		maxAge: maxAge,
		quotes: make(map[string]domain.Quote),
	}
}

func (b *QuoteBoard) SetQuote(_ context.Context, q domain.Quote) error {
	b.mu.Lock()
	b.quotes[q.Symbol] = q
	b.mu.Unlock()
	return nil
}

func (b *QuoteBoard) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.RLock()
	q, ok := b.quotes[symbol]
	b.mu.RUnlock()
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	if b.maxAge > 0 && time.Since(q.Timestamp) > b.maxAge {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

var _ domain.QuoteCache = (*QuoteBoard)(nil)
