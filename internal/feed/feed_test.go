package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/registry"
)

var upgrader = websocket.Upgrader{}

// fakeFeedServer accepts one connection, records the subscribe command, and
// pushes the given tick messages.
func fakeFeedServer(t *testing.T, ticks []tickMessage, gotSubscribe *subscribeCommand) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.ReadJSON(gotSubscribe); err != nil {
			return
		}
		for _, tick := range ticks {
			data, _ := json.Marshal(tick)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testRegistry() *registry.Registry {
	return registry.New([]registry.Asset{
		{Symbol: "AAPL", AssetClass: "equity", Tradable: true},
		{Symbol: "BTC-USD", AssetClass: "crypto", Tradable: true},
	})
}

func TestFeedDeliversTicks(t *testing.T) {
	var gotSubscribe subscribeCommand
	srv := fakeFeedServer(t, []tickMessage{
		{Symbol: "AAPL", Price: 100.5, Size: 10, TS: 1700000000000},
		{Symbol: "BTC-USD", Price: 50000, Size: 0.1, TS: 1700000000500},
		{Symbol: "UNKNOWN", Price: 1, Size: 1, TS: 1700000001000},
	}, &gotSubscribe)
	defer srv.Close()

	var mu sync.Mutex
	var received []domain.Tick
	done := make(chan struct{})
	handler := func(_ context.Context, tick domain.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, tick)
		if len(received) == 2 {
			close(done)
		}
		return nil
	}

	f := New(Config{URL: wsURL(srv), Source: "test", Symbols: []string{"AAPL", "BTC-USD"}},
		testRegistry(), handler, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ticks")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2, "unknown symbol must be dropped")
	assert.Equal(t, "AAPL", received[0].Symbol)
	assert.Equal(t, "equity", received[0].AssetClass)
	assert.Equal(t, "test", received[0].Source)
	assert.InDelta(t, 100.5, received[0].Price, 1e-9)
	assert.Equal(t, int64(1700000000000), received[0].ExchangeTS.UnixMilli())
	assert.Equal(t, "crypto", received[1].AssetClass)

	assert.Equal(t, "subscribe", gotSubscribe.Type)
	assert.Equal(t, []string{"AAPL", "BTC-USD"}, gotSubscribe.Symbols)
}

func TestFeedReconnects(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		var cmd subscribeCommand
		conn.ReadJSON(&cmd)
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		data, _ := json.Marshal(tickMessage{Symbol: "AAPL", Price: 101, Size: 1, TS: 1700000000000})
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	done := make(chan struct{})
	handler := func(context.Context, domain.Tick) error {
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	}

	f := New(Config{URL: wsURL(srv), Source: "test", Symbols: []string{"AAPL"}},
		testRegistry(), handler, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for tick after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connections, 2)
}
