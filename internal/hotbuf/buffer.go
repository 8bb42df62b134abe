// Package hotbuf provides the burst buffer between high-frequency bar
// mutation and durable storage: an in-memory coalescing map that batches bar
// upserts and flushes them on a size-or-time trigger.
package hotbuf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// Buffer coalesces bar writes per (symbol, bucket start). Later writes
// overwrite earlier ones for the same key, so the buffer holds at most one
// entry per key regardless of tick rate.
//
// Add never blocks the ingestion path: flushes run on the background loop
// started by Run, woken by a timer or by Add crossing the size trigger.
type Buffer struct {
	store      domain.BarStore
	maxEntries int
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[domain.BarKey]domain.Bar

	flushMu sync.Mutex // serializes concurrent Flush calls

	wake chan struct{}

	onFlush func(n int, err error) // test/metrics hook, may be nil
}

// New creates a Buffer flushing to store when maxEntries is reached or
// interval has elapsed since the last flush, whichever fires first.
func New(store domain.BarStore, maxEntries int, interval time.Duration, logger *slog.Logger) *Buffer {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Buffer{
		store:      store,
		maxEntries: maxEntries,
		interval:   interval,
		logger:     logger.With(slog.String("component", "hotbuf")),
		entries:    make(map[domain.BarKey]domain.Bar),
		wake:       make(chan struct{}, 1),
	}
}

// SetOnFlush installs a hook invoked after every flush attempt.
func (b *Buffer) SetOnFlush(fn func(n int, err error)) {
	b.onFlush = fn
}

// Add stages the latest version of a bar. It never blocks: when the size
// trigger fires it only nudges the background flusher.
func (b *Buffer) Add(bar domain.Bar) {
	b.mu.Lock()
	b.entries[bar.Key()] = bar
	full := len(b.entries) >= b.maxEntries
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Len returns the current number of staged entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush writes all staged entries to the store in one batched upsert. It is
// idempotent and safe to call concurrently. On failure the staged entries
// are retained for the next attempt; duplicate upserts are harmless because
// the store keys on (symbol, start_ts).
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]domain.Bar, 0, len(b.entries))
	for _, bar := range b.entries {
		batch = append(batch, bar)
	}
	b.entries = make(map[domain.BarKey]domain.Bar, b.maxEntries)
	b.mu.Unlock()

	_, err := b.store.UpsertBatch(ctx, batch)
	if err != nil {
		// Restore for at-least-once delivery, but never clobber entries
		// staged while the flush was in flight: those are newer.
		b.mu.Lock()
		for _, bar := range batch {
			if _, exists := b.entries[bar.Key()]; !exists {
				b.entries[bar.Key()] = bar
			}
		}
		b.mu.Unlock()
	}

	if b.onFlush != nil {
		b.onFlush(len(batch), err)
	}
	if err != nil {
		return fmt.Errorf("hotbuf: flush %d bars: %w", len(batch), err)
	}
	return nil
}

// Run drives the time trigger and services size-trigger wakeups until ctx is
// cancelled. A final flush is attempted on shutdown so staged bars are not
// lost on a clean exit.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("hot buffer started",
		slog.Int("max_entries", b.maxEntries),
		slog.Duration("interval", b.interval),
	)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				b.logger.Error("final flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
		case <-b.wake:
		}

		if err := b.Flush(ctx); err != nil {
			b.logger.Warn("flush failed, retaining entries",
				slog.String("error", err.Error()),
				slog.Int("staged", b.Len()),
			)
		}
	}
}
