// Package feed ingests the real-time tick stream over WebSocket and hands
// each tick to the aggregation layer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/metrics"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
	handshakeTimeout  = 15 * time.Second
)

// TickHandler receives each decoded tick. It may block; the read loop applies
// backpressure to the socket rather than dropping ticks.
type TickHandler func(ctx context.Context, tick domain.Tick) error

// Config holds the feed connection settings.
type Config struct {
	URL     string
	Source  string
	Symbols []string
}

// Feed is the WebSocket tick feed. It subscribes to the configured symbols
// and reconnects with exponential backoff on disconnect.
type Feed struct {
	cfg      Config
	registry domain.AssetRegistry
	handler  TickHandler
	logger   *slog.Logger
}

// New creates a Feed dispatching into handler.
func New(cfg Config, registry domain.AssetRegistry, handler TickHandler, logger *slog.Logger) *Feed {
	return &Feed{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		logger:   logger.With(slog.String("component", "tick_feed")),
	}
}

// Run connects and consumes ticks until the context ends, reconnecting with
// capped exponential backoff in between.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.cfg.Symbols) == 0 {
		f.logger.InfoContext(ctx, "no symbols configured, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// tickMessage is the wire format of one tick. TS is exchange time in Unix
// milliseconds; size zero or negative marks a quote-only update.
type tickMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	TS     int64   `json:"ts"`
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := subscribeCommand{Type: "subscribe", Symbols: f.cfg.Symbols}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "feed subscribed",
		slog.Int("symbols", len(f.cfg.Symbols)))

	// Close the socket when the context ends so ReadMessage unblocks, and
	// keep the connection alive with pings meanwhile.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.WarnContext(ctx, "malformed tick",
				slog.String("error", err.Error()))
			metrics.TicksDropped.WithLabelValues("malformed").Inc()
			continue
		}
		if msg.Symbol == "" {
			continue
		}

		class, ok := f.registry.AssetClass(msg.Symbol)
		if !ok {
			metrics.TicksDropped.WithLabelValues("unknown_symbol").Inc()
			continue
		}

		tick := domain.Tick{
			Symbol:     msg.Symbol,
			Price:      msg.Price,
			Size:       msg.Size,
			ExchangeTS: time.UnixMilli(msg.TS).UTC(),
			ReceivedTS: time.Now().UTC(),
			Source:     f.cfg.Source,
			AssetClass: class,
		}
		if err := f.handler(ctx, tick); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "tick handler error",
				slog.String("symbol", msg.Symbol),
				slog.String("error", err.Error()))
		}
	}
}
