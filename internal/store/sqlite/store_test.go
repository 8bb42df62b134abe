package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

func setupTestDB(t *testing.T) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradecore_test.db")
	client, err := Open(path, ModeReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func testBar(symbol string, startUnix int64, close float64) domain.Bar {
	start := time.Unix(startUnix, 0).UTC()
	return domain.Bar{
		Symbol:     symbol,
		StartTS:    start,
		EndTS:      start.Add(time.Minute),
		Open:       close - 1,
		High:       close + 1,
		Low:        close - 2,
		Close:      close,
		Volume:     100,
		TickCount:  10,
		IsFinal:    true,
		Source:     "test",
		AssetClass: "equity",
	}
}

func TestBarUpsertIsIdempotent(t *testing.T) {
	s := NewBarStore(setupTestDB(t))
	ctx := context.Background()

	bars := []domain.Bar{testBar("AAPL", 60, 100), testBar("AAPL", 120, 101)}
	_, err := s.UpsertBatch(ctx, bars)
	require.NoError(t, err)

	// Replay with an updated close; the row is replaced, not duplicated.
	bars[1].Close = 102
	_, err = s.UpsertBatch(ctx, bars)
	require.NoError(t, err)

	got, err := s.ListRange(ctx, "AAPL", time.Unix(0, 0), time.Unix(300, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 100.0, got[0].Close, 1e-9)
	assert.InDelta(t, 102.0, got[1].Close, 1e-9)
	assert.True(t, got[0].IsFinal)
}

func TestBarFinalFlagRoundTrips(t *testing.T) {
	s := NewBarStore(setupTestDB(t))
	ctx := context.Background()

	// An intra-bar snapshot reads back as not final until the closing upsert
	// replaces it.
	snap := testBar("AAPL", 60, 100)
	snap.IsFinal = false
	_, err := s.UpsertBatch(ctx, []domain.Bar{snap})
	require.NoError(t, err)

	got, err := s.ListRange(ctx, "AAPL", time.Unix(0, 0), time.Unix(300, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsFinal)

	snap.IsFinal = true
	_, err = s.UpsertBatch(ctx, []domain.Bar{snap})
	require.NoError(t, err)

	got, err = s.ListRange(ctx, "AAPL", time.Unix(0, 0), time.Unix(300, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsFinal)
}

func TestBarListRangeIsHalfOpen(t *testing.T) {
	s := NewBarStore(setupTestDB(t))
	ctx := context.Background()

	_, err := s.UpsertBatch(ctx, []domain.Bar{
		testBar("AAPL", 60, 100),
		testBar("AAPL", 120, 101),
		testBar("AAPL", 180, 102),
	})
	require.NoError(t, err)

	got, err := s.ListRange(ctx, "AAPL", time.Unix(60, 0), time.Unix(180, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(60), got[0].StartTS.Unix())
	assert.Equal(t, int64(120), got[1].StartTS.Unix())
}

func TestBarDeleteBefore(t *testing.T) {
	s := NewBarStore(setupTestDB(t))
	ctx := context.Background()

	_, err := s.UpsertBatch(ctx, []domain.Bar{
		testBar("AAPL", 60, 100),
		testBar("AAPL", 120, 101),
		testBar("BTC-USD", 60, 50000),
	})
	require.NoError(t, err)

	old, err := s.ListBefore(ctx, time.Unix(120, 0))
	require.NoError(t, err)
	assert.Len(t, old, 2)

	n, err := s.DeleteBefore(ctx, time.Unix(120, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.ListRange(ctx, "AAPL", time.Unix(0, 0), time.Unix(300, 0))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestTradeLifecycle(t *testing.T) {
	s := NewTradeStore(setupTestDB(t))
	ctx := context.Background()

	rec := domain.TradeRecord{
		ID:           "t-1",
		StrategyHash: "abc123",
		Symbol:       "AAPL",
		Side:         domain.OrderSideBuy,
		Quantity:     100,
		ExecutedAt:   time.Now().UTC(),
		OrderType:    domain.OrderTypeMarket,
		Status:       domain.TradeStatusPendingSubmit,
		AccountID:    "ACC1",
	}
	require.NoError(t, s.Create(ctx, rec))

	err := s.Create(ctx, rec)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, s.UpdateStatus(ctx, "t-1", domain.TradeStatusSubmitted, ""))
	require.NoError(t, s.SetFill(ctx, "t-1", 100.1, 1.0))

	got, err := s.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFilled, got.Status)
	require.NotNil(t, got.FillPrice)
	assert.InDelta(t, 100.1, *got.FillPrice, 1e-9)
	assert.InDelta(t, 1.0, got.Commission, 1e-9)
}

func TestTradeUpdateMissingRecord(t *testing.T) {
	s := NewTradeStore(setupTestDB(t))
	ctx := context.Background()

	err := s.UpdateStatus(ctx, "missing", domain.TradeStatusFailed, "broker timeout")
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.SetFill(ctx, "missing", 1, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradeListFilledSince(t *testing.T) {
	s := NewTradeStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, status := range []domain.TradeStatus{
		domain.TradeStatusFilled,
		domain.TradeStatusFailed,
		domain.TradeStatusFilled,
	} {
		require.NoError(t, s.Create(ctx, domain.TradeRecord{
			ID:         string(rune('a' + i)),
			Symbol:     "AAPL",
			Side:       domain.OrderSideBuy,
			Quantity:   1,
			ExecutedAt: base.Add(time.Duration(i) * time.Hour),
			Status:     status,
		}))
	}

	filled, err := s.ListFilledSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, filled, 2)
	assert.Equal(t, "a", filled[0].ID)
	assert.Equal(t, "c", filled[1].ID)

	later, err := s.ListFilledSince(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "c", later[0].ID)
}

func TestControlFlagRoundTrip(t *testing.T) {
	s := NewControlStore(setupTestDB(t))
	ctx := context.Background()

	// Unset flags read as false.
	v, reason, err := s.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.False(t, v)
	assert.Empty(t, reason)

	require.NoError(t, s.SetFlag(ctx, HaltedFlag, true, "CIRCUIT BREAKER: daily loss"))
	v, reason, err = s.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, "CIRCUIT BREAKER: daily loss", reason)

	require.NoError(t, s.SetFlag(ctx, HaltedFlag, false, "operator resume"))
	v, _, err = s.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestPnLSnapshots(t *testing.T) {
	s := NewPnLStore(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	snap := domain.StrategyPnL{StrategyHash: "abc123", RealizedPnL: 150.5, TradeCount: 3, SnapshotAt: at}
	require.NoError(t, s.UpsertSnapshot(ctx, snap))

	// Same key upserts in place.
	snap.RealizedPnL = 175.0
	snap.TradeCount = 4
	require.NoError(t, s.UpsertSnapshot(ctx, snap))

	got, err := s.ListSnapshots(ctx, "abc123", domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 175.0, got[0].RealizedPnL, 1e-9)
	assert.Equal(t, int64(4), got[0].TradeCount)
}

func TestStrategyGetActive(t *testing.T) {
	client := setupTestDB(t)
	s := NewStrategyStore(client)
	ctx := context.Background()

	_, err := s.GetActive(ctx)
	require.ErrorIs(t, err, domain.ErrNoActiveStrategy)

	cfg, err := json.Marshal(map[string]any{"target_weight": 0.1})
	require.NoError(t, err)
	expiry := time.Now().Add(24 * time.Hour).UTC()
	require.NoError(t, client.db.Create(&strategyRow{
		Hash:        "abc123",
		Stage:       string(domain.StageCanary),
		TTLExpiry:   expiry,
		ConfigJSON:  string(cfg),
		IsActive:    true,
		ActivatedAt: time.Now().UTC(),
	}).Error)

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", active.Hash)
	assert.Equal(t, domain.StageCanary, active.Stage)
	assert.True(t, active.AuthorizesLive(time.Now()))
	assert.InDelta(t, 0.1, active.Config["target_weight"].(float64), 1e-9)
}
