package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

func finalBar(symbol string, start int64) domain.Bar {
	return domain.Bar{
		Symbol:  symbol,
		StartTS: time.Unix(start, 0).UTC(),
		EndTS:   time.Unix(start+60, 0).UTC(),
		Open:    1, High: 2, Low: 0.5, Close: 1.5,
		Volume:  10,
		IsFinal: true,
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler))
	defer b.Close()

	var mu sync.Mutex
	got := map[int]int{}
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		i := i
		b.Subscribe(func(domain.Bar) {
			mu.Lock()
			got[i]++
			mu.Unlock()
			wg.Done()
		})
	}

	b.Publish(finalBar("AAPL", 60))
	waitDone(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got[0])
	assert.Equal(t, 1, got[1])
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler))
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(func(domain.Bar) {
		defer wg.Done()
		panic("subscriber bug")
	})

	count := 0
	var mu sync.Mutex
	b.Subscribe(func(domain.Bar) {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
	})

	// Publisher must survive the panicking subscriber, and the healthy
	// subscriber keeps receiving.
	b.Publish(finalBar("AAPL", 60))
	waitDone(t, &wg)

	wg.Add(2)
	b.Publish(finalBar("AAPL", 120))
	waitDone(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler))
	called := false
	b.Subscribe(func(domain.Bar) { called = true })
	b.Close()

	b.Publish(finalBar("AAPL", 60))
	assert.False(t, called)
}

type fakeSignalBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeSignalBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSignalBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func TestBridgePublishesJSON(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler))
	signals := &fakeSignalBus{}
	NewBridge(signals, slog.New(slog.DiscardHandler)).Attach(b)

	b.Publish(finalBar("AAPL", 60))
	b.Close()

	signals.mu.Lock()
	defer signals.mu.Unlock()
	require.Len(t, signals.payloads, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(signals.payloads[0], &ev))
	assert.Equal(t, "AAPL", ev["symbol"])
	assert.EqualValues(t, 60, ev["start_ts"])
	assert.EqualValues(t, 120, ev["end_ts"])
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribers")
	}
}
