package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/store/sqlite"
)

type fakeBlob struct {
	objects map[string][]byte
	err     error
}

func (b *fakeBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.err != nil {
		return b.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = raw
	return nil
}

func setupStores(t *testing.T) (*sqlite.BarStore, *sqlite.TradeStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive_test.db")
	client, err := sqlite.Open(path, sqlite.ModeReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return sqlite.NewBarStore(client), sqlite.NewTradeStore(client)
}

func TestRunOnceArchivesAndDeletes(t *testing.T) {
	bars, trades := setupStores(t)
	blob := &fakeBlob{}
	ctx := context.Background()

	old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Minute)
	recent := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)

	_, err := bars.UpsertBatch(ctx, []domain.Bar{
		{Symbol: "AAPL", StartTS: old, EndTS: old.Add(time.Minute), Close: 100, Volume: 10},
		{Symbol: "AAPL", StartTS: recent, EndTS: recent.Add(time.Minute), Close: 101, Volume: 20},
	})
	require.NoError(t, err)
	require.NoError(t, trades.Create(ctx, domain.TradeRecord{
		ID: "t-old", Symbol: "AAPL", Side: domain.OrderSideBuy,
		Quantity: 1, ExecutedAt: old, Status: domain.TradeStatusFilled,
	}))
	require.NoError(t, trades.Create(ctx, domain.TradeRecord{
		ID: "t-new", Symbol: "AAPL", Side: domain.OrderSideBuy,
		Quantity: 1, ExecutedAt: recent, Status: domain.TradeStatusFilled,
	}))

	a := New(Config{RetentionDays: 30}, bars, trades, blob, slog.New(slog.DiscardHandler))
	require.NoError(t, a.RunOnce(ctx))

	// Old rows are gone, recent rows remain.
	remaining, err := bars.ListBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.Unix(), remaining[0].StartTS.Unix())

	_, err = trades.GetByID(ctx, "t-old")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = trades.GetByID(ctx, "t-new")
	require.NoError(t, err)

	// Both kinds landed in the object store as line-delimited JSON.
	require.Len(t, blob.objects, 2)
	var barObj []byte
	for path, data := range blob.objects {
		if len(path) > 4 && path[:4] == "bars" {
			barObj = data
		}
	}
	require.NotNil(t, barObj, "bar archive object missing")

	scanner := bufio.NewScanner(bytes.NewReader(barObj))
	require.True(t, scanner.Scan())
	var line barRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, "AAPL", line.Symbol)
	assert.Equal(t, old.Unix(), line.StartTS)
}

func TestUploadFailureKeepsRows(t *testing.T) {
	bars, trades := setupStores(t)
	blob := &fakeBlob{err: context.DeadlineExceeded}
	ctx := context.Background()

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	_, err := bars.UpsertBatch(ctx, []domain.Bar{
		{Symbol: "AAPL", StartTS: old, EndTS: old.Add(time.Minute), Close: 100},
	})
	require.NoError(t, err)

	a := New(Config{RetentionDays: 30}, bars, trades, blob, slog.New(slog.DiscardHandler))
	require.Error(t, a.RunOnce(ctx))

	remaining, err := bars.ListBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "rows must survive a failed upload")
}

func TestRunOnceEmptyIsNoOp(t *testing.T) {
	bars, trades := setupStores(t)
	blob := &fakeBlob{}

	a := New(Config{RetentionDays: 30}, bars, trades, blob, slog.New(slog.DiscardHandler))
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, blob.objects)
}
