package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

type fakeControl struct {
	halted     bool
	lastReason string
}

func (f *fakeControl) IsHalted() bool { return f.halted }

func (f *fakeControl) Halt(_ context.Context, reason string) error {
	f.halted = true
	f.lastReason = reason
	return nil
}

func (f *fakeControl) Resume(_ context.Context, reason string) error {
	f.halted = false
	f.lastReason = reason
	return nil
}

type fakeBrokerStatus struct{ connected bool }

func (f *fakeBrokerStatus) Name() string      { return "paper" }
func (f *fakeBrokerStatus) IsConnected() bool { return f.connected }

type fakeBuffer struct{ n int }

func (f *fakeBuffer) Len() int { return f.n }

type fakeBarStore struct {
	bars []domain.Bar
}

func (f *fakeBarStore) UpsertBatch(context.Context, []domain.Bar) (int64, error) { return 0, nil }

func (f *fakeBarStore) ListRange(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range f.bars {
		if b.Symbol == symbol && !b.StartTS.Before(from) && b.StartTS.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBarStore) ListBefore(context.Context, time.Time) ([]domain.Bar, error) { return nil, nil }
func (f *fakeBarStore) DeleteBefore(context.Context, time.Time) (int64, error)      { return 0, nil }

type fakeTradeStore struct {
	trades []domain.TradeRecord
}

func (f *fakeTradeStore) Create(context.Context, domain.TradeRecord) error { return nil }
func (f *fakeTradeStore) UpdateStatus(context.Context, string, domain.TradeStatus, string) error {
	return nil
}
func (f *fakeTradeStore) SetFill(context.Context, string, float64, float64) error { return nil }
func (f *fakeTradeStore) GetByID(context.Context, string) (domain.TradeRecord, error) {
	return domain.TradeRecord{}, domain.ErrNotFound
}

func (f *fakeTradeStore) ListRecent(_ context.Context, limit int) ([]domain.TradeRecord, error) {
	if limit > len(f.trades) {
		limit = len(f.trades)
	}
	return f.trades[:limit], nil
}

func (f *fakeTradeStore) ListFilledSince(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeTradeStore) ListBefore(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeTradeStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type serverFixture struct {
	ts      *httptest.Server
	control *fakeControl
}

func newServerFixture(t *testing.T, apiKey string) *serverFixture {
	t.Helper()
	control := &fakeControl{}
	now := time.Now().UTC().Truncate(time.Minute)
	srv := NewServer(
		Config{Port: 0, APIKey: apiKey},
		Deps{
			Control: control,
			Broker:  &fakeBrokerStatus{connected: true},
			Buffer:  &fakeBuffer{n: 3},
			Bars: &fakeBarStore{bars: []domain.Bar{
				{Symbol: "AAPL", StartTS: now.Add(-2 * time.Minute)},
				{Symbol: "AAPL", StartTS: now.Add(-time.Minute)},
				{Symbol: "BTC-USD", StartTS: now.Add(-time.Minute)},
			}},
			Trades: &fakeTradeStore{trades: []domain.TradeRecord{
				{ID: "t1", Symbol: "AAPL"},
				{ID: "t2", Symbol: "AAPL"},
			}},
		},
		slog.New(slog.DiscardHandler),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, control: control}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newServerFixture(t, "secret")

	resp, err := http.Get(f.ts.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["halted"])
	assert.Equal(t, "paper", body["broker"])
	assert.Equal(t, true, body["broker_connected"])
	assert.Equal(t, float64(3), body["buffered_bars"])
}

func TestMetricsSkipsAuth(t *testing.T) {
	f := newServerFixture(t, "secret")

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlRequiresAuth(t *testing.T) {
	f := newServerFixture(t, "secret")

	resp, err := http.Post(f.ts.URL+"/api/control/halt", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, f.control.halted)
}

func TestHaltAndResume(t *testing.T) {
	f := newServerFixture(t, "secret")

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/control/halt",
		strings.NewReader(`{"reason":"drill"}`))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.control.halted)
	assert.Equal(t, "drill", f.control.lastReason)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/api/control/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["halted"])

	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/api/control/resume",
		strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.control.halted)
	assert.Equal(t, "manual resume via API", f.control.lastReason)
}

func TestListBars(t *testing.T) {
	f := newServerFixture(t, "")

	resp, err := http.Get(f.ts.URL + "/api/bars/AAPL")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "AAPL", body["symbol"])
	assert.Equal(t, float64(2), body["count"])

	resp, err = http.Get(f.ts.URL + "/api/bars/AAPL?from=not-a-time")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTrades(t *testing.T) {
	f := newServerFixture(t, "")

	resp, err := http.Get(f.ts.URL + "/api/trades?limit=1")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp, err = http.Get(f.ts.URL + "/api/trades?limit=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
