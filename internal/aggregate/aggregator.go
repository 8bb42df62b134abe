// Package aggregate converts trade ticks into fixed-width OHLCV bars. Each
// Aggregator instance owns per-symbol state and must be driven from a single
// goroutine; the sharded front in shards.go provides per-symbol
// serialization across many feed goroutines.
package aggregate

import (
	"log/slog"
	"time"

	"github.com/quantfold/tradecore/internal/calendar"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/hotbuf"
	"github.com/quantfold/tradecore/internal/metrics"
)

// Publisher receives bars the moment they become final.
type Publisher interface {
	Publish(bar domain.Bar)
}

// symbolState is the aggregation state for one symbol. Exactly one open bar
// may exist per symbol at any time.
type symbolState struct {
	current          *domain.Bar
	lastFinalizedEnd time.Time
}

// Aggregator builds bars of a fixed width from ticks.
//
// Rejection policy, in order: zero-size ticks (quotes), ticks outside the
// tradeable session, and ticks whose exchange timestamp precedes the last
// finalized bucket for their symbol. The late-tick guard trades completeness
// for monotonicity of published bars: once a bar is out, nothing revises it.
type Aggregator struct {
	width  time.Duration
	cal    *calendar.Calendar
	buf    *hotbuf.Buffer
	bus    Publisher
	logger *slog.Logger

	states map[string]*symbolState
}

// New creates an Aggregator producing bars of the given width.
func New(width time.Duration, cal *calendar.Calendar, buf *hotbuf.Buffer, bus Publisher, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		width:  width,
		cal:    cal,
		buf:    buf,
		bus:    bus,
		logger: logger.With(slog.String("component", "aggregator")),
		states: make(map[string]*symbolState),
	}
}

// Process folds one tick into the bar state for its symbol. Not safe for
// concurrent use; see Shards.
func (a *Aggregator) Process(tick domain.Tick) {
	if tick.IsQuote() {
		metrics.TicksDropped.WithLabelValues("quote").Inc()
		return
	}
	if !a.cal.InSession(tick.AssetClass, tick.ExchangeTS) {
		metrics.TicksDropped.WithLabelValues("out_of_session").Inc()
		return
	}

	st, ok := a.states[tick.Symbol]
	if !ok {
		st = &symbolState{}
		a.states[tick.Symbol] = st
	}

	if tick.ExchangeTS.Before(st.lastFinalizedEnd) {
		metrics.TicksDropped.WithLabelValues("late").Inc()
		a.logger.Debug("dropping late tick",
			slog.String("symbol", tick.Symbol),
			slog.Int64("tick_ts", tick.ExchangeTS.Unix()),
			slog.Int64("finalized_end", st.lastFinalizedEnd.Unix()),
		)
		return
	}

	bucketStart := domain.BucketStart(tick.ExchangeTS, a.width)

	if st.current != nil {
		if bucketStart.After(st.current.StartTS) {
			a.finalize(st)
		} else if bucketStart.Before(st.current.StartTS) {
			// Out-of-order tick for a bucket older than the open bar.
			metrics.TicksDropped.WithLabelValues("late").Inc()
			return
		}
	}

	metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()

	if st.current == nil {
		st.current = &domain.Bar{
			Symbol:     tick.Symbol,
			StartTS:    bucketStart,
			EndTS:      bucketStart.Add(a.width),
			Open:       tick.Price,
			High:       tick.Price,
			Low:        tick.Price,
			Close:      tick.Price,
			Volume:     tick.Size,
			TickCount:  1,
			Source:     tick.Source,
			AssetClass: tick.AssetClass,
		}
	} else {
		b := st.current
		if tick.Price > b.High {
			b.High = tick.Price
		}
		if tick.Price < b.Low {
			b.Low = tick.Price
		}
		b.Close = tick.Price
		b.Volume += tick.Size
		b.TickCount++
	}

	// Stage every mutation so live readers see intra-bar progress.
	a.buf.Add(*st.current)
}

// finalize closes the open bar: marks it final, publishes it, stages the
// final version, and advances the late-tick watermark.
func (a *Aggregator) finalize(st *symbolState) {
	bar := *st.current
	bar.IsFinal = true

	a.bus.Publish(bar)
	a.buf.Add(bar)

	st.lastFinalizedEnd = bar.EndTS
	st.current = nil

	metrics.BarsFinalized.WithLabelValues(bar.Symbol).Inc()
}

// ForceFinalize flushes every in-progress bar. Used at graceful shutdown and
// session close so partial bars are published rather than lost.
func (a *Aggregator) ForceFinalize() {
	for _, st := range a.states {
		if st.current != nil {
			a.finalize(st)
		}
	}
}

// OpenBar returns a copy of the open bar for a symbol, if any. Test and
// inspection helper.
func (a *Aggregator) OpenBar(symbol string) (domain.Bar, bool) {
	st, ok := a.states[symbol]
	if !ok || st.current == nil {
		return domain.Bar{}, false
	}
	return *st.current, true
}
