// Package bus implements the in-process bar-close event bus. Subscribers are
// notified when a bar transitions from open to final; dispatch is
// asynchronous so a slow or panicking subscriber can never block the
// aggregator or other subscribers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/quantfold/tradecore/internal/domain"
)

// subscriberBuffer bounds each subscriber's queue. A subscriber that falls
// further behind than this loses the oldest-undelivered bars rather than
// stalling the publisher.
const subscriberBuffer = 256

// BarBus fans finalized bars out to subscribers, one goroutine per
// subscriber.
type BarBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []chan domain.Bar
	closed bool
	wg     sync.WaitGroup
}

// New creates a BarBus.
func New(logger *slog.Logger) *BarBus {
	return &BarBus{logger: logger.With(slog.String("component", "bar_bus"))}
}

// Subscribe registers a callback invoked for every finalized bar. The
// callback runs on a dedicated goroutine; a panic inside it is recovered and
// logged without affecting other subscribers.
func (b *BarBus) Subscribe(fn func(domain.Bar)) {
	ch := make(chan domain.Bar, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, ch)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for bar := range ch {
			b.deliver(fn, bar)
		}
	}()
}

func (b *BarBus) deliver(fn func(domain.Bar), bar domain.Bar) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.Any("panic", r),
				slog.String("symbol", bar.Symbol),
			)
		}
	}()
	fn(bar)
}

// Publish delivers a finalized bar to every subscriber without blocking.
// Subscribers whose queues are full drop the bar; durable delivery is the
// hot buffer's job, not the bus's.
func (b *BarBus) Publish(bar domain.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- bar:
		default:
			b.logger.Warn("subscriber queue full, dropping bar",
				slog.String("symbol", bar.Symbol),
				slog.Int64("start_ts", bar.StartTS.Unix()),
			)
		}
	}
}

// Close stops delivery and waits for in-flight callbacks to finish.
func (b *BarBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
