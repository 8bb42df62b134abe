package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/broker"
	"github.com/quantfold/tradecore/internal/broker/paper"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/registry"
	"github.com/quantfold/tradecore/internal/risk"
)

type fakeBroker struct {
	mu           sync.Mutex
	account      domain.AccountInfo
	positions    []domain.Position
	quotes       map[string]domain.Quote
	submitErr    error
	submitHandle *domain.OrderHandle
	onSubmit     func(broker.OrderRequest)
	submitted    []broker.OrderRequest
	recent       []broker.Order
	cancelCalls  int
	cancelN      int
	connected    bool
}

func (b *fakeBroker) Name() string                      { return "paper" }
func (b *fakeBroker) Connect(context.Context) error     { b.connected = true; return nil }
func (b *fakeBroker) IsConnected() bool                 { return b.connected }
func (b *fakeBroker) GetAccountInfo(context.Context) (domain.AccountInfo, error) {
	return b.account, nil
}
func (b *fakeBroker) GetPositions(context.Context) ([]domain.Position, error) {
	return b.positions, nil
}
func (b *fakeBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	q, ok := b.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}
func (b *fakeBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (domain.OrderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onSubmit != nil {
		b.onSubmit(req)
	}
	if b.submitErr != nil {
		return domain.OrderHandle{}, b.submitErr
	}
	b.submitted = append(b.submitted, req)
	if b.submitHandle != nil {
		return *b.submitHandle, nil
	}
	return domain.OrderHandle{BrokerOrderID: "brk-1", Status: "submitted", SubmittedAt: time.Now()}, nil
}
func (b *fakeBroker) GetOpenOrders(context.Context) ([]broker.Order, error) { return nil, nil }
func (b *fakeBroker) GetRecentOrders(context.Context, int) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recent, nil
}
func (b *fakeBroker) CancelAllOrders(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelN, nil
}

type fakeTradeStore struct {
	mu      sync.Mutex
	records map[string]domain.TradeRecord
	order   []string
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{records: make(map[string]domain.TradeRecord)}
}

func (s *fakeTradeStore) Create(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *fakeTradeStore) UpdateStatus(_ context.Context, id string, status domain.TradeStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.StatusReason = reason
	s.records[id] = rec
	return nil
}

func (s *fakeTradeStore) SetFill(_ context.Context, id string, fillPrice, commission float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.FillPrice = &fillPrice
	rec.Commission = commission
	rec.Status = domain.TradeStatusFilled
	s.records[id] = rec
	return nil
}

func (s *fakeTradeStore) GetByID(_ context.Context, id string) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *fakeTradeStore) ListRecent(_ context.Context, limit int) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

func (s *fakeTradeStore) ListFilledSince(_ context.Context, since time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == domain.TradeStatusFilled && !rec.ExecutedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeTradeStore) ListBefore(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *fakeTradeStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeTradeStore) latest() (domain.TradeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return domain.TradeRecord{}, false
	}
	return s.records[s.order[len(s.order)-1]], true
}

type fakeControlStore struct {
	mu     sync.Mutex
	flags  map[string]bool
	reason map[string]string
	getErr error
}

func newFakeControlStore() *fakeControlStore {
	return &fakeControlStore{flags: make(map[string]bool), reason: make(map[string]string)}
}

func (s *fakeControlStore) SetFlag(_ context.Context, name string, value bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = value
	s.reason[name] = reason
	return nil
}

func (s *fakeControlStore) GetFlag(_ context.Context, name string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return false, "", s.getErr
	}
	return s.flags[name], s.reason[name], nil
}

type fakeStrategyReader struct {
	strategy domain.ActiveStrategy
	err      error
}

func (r *fakeStrategyReader) GetActive(context.Context) (domain.ActiveStrategy, error) {
	if r.err != nil {
		return domain.ActiveStrategy{}, r.err
	}
	return r.strategy, nil
}

type fakeQuoteCache struct {
	quotes map[string]domain.Quote
}

func (c *fakeQuoteCache) SetQuote(_ context.Context, q domain.Quote) error {
	c.quotes[q.Symbol] = q
	return nil
}

func (c *fakeQuoteCache) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	q, ok := c.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

type fixture struct {
	orch    *Orchestrator
	brk     *fakeBroker
	trades  *fakeTradeStore
	control *fakeControlStore
	limits  *risk.Holder
}

func testLimits() *risk.Limits {
	return &risk.Limits{
		Global: risk.GlobalLimits{
			MaxDailyLoss:         5000,
			MaxSpreadPct:         0.01,
			MaxLeverage:          2.0,
			MaxSymbolExposurePct: 0.20,
		},
		PerClass: map[string]risk.ClassLimits{
			"equity": {MaxTotalExposurePct: 0.60, MaxSymbolExposurePct: 0.20},
		},
		ExecutionAuthority: map[string][]string{
			"paper": {"equity"},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	brk := &fakeBroker{
		connected: true,
		account: domain.AccountInfo{
			NetLiquidation: 100_000,
			BuyingPower:    200_000,
			Cash:           100_000,
		},
		quotes: map[string]domain.Quote{
			"AAPL": {Symbol: "AAPL", Bid: 99.9, Ask: 100.1, Last: 100.0, Volume: 1_000_000, Timestamp: time.Now()},
		},
	}
	trades := newFakeTradeStore()
	control := newFakeControlStore()
	strategies := &fakeStrategyReader{strategy: domain.ActiveStrategy{
		Hash:      "abc123",
		Stage:     domain.StageCanary,
		TTLExpiry: time.Now().Add(24 * time.Hour),
	}}
	quotes := &fakeQuoteCache{quotes: map[string]domain.Quote{}}
	reg := registry.New([]registry.Asset{
		{Symbol: "AAPL", AssetClass: "equity", Tradable: true},
		{Symbol: "HALTED-SYM", AssetClass: "equity", Tradable: false},
	})
	limits := risk.NewHolder(testLimits())
	engine := risk.NewEngine(limits, reg)

	orch := New(Config{AccountID: "ACC1", MinOrderNotional: 50},
		brk, trades, control, strategies, quotes, reg, engine, nil,
		slog.New(slog.DiscardHandler))
	return &fixture{orch: orch, brk: brk, trades: trades, control: control, limits: limits}
}

func TestSubmitTargetPercentHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The audit record must exist in pending_submit before the broker sees
	// the order.
	var statusAtSubmit domain.TradeStatus
	f.brk.onSubmit = func(broker.OrderRequest) {
		rec, ok := f.trades.latest()
		require.True(t, ok, "no audit record at submit time")
		statusAtSubmit = rec.Status
	}

	rec, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, domain.TradeStatusPendingSubmit, statusAtSubmit)
	assert.Equal(t, domain.TradeStatusSubmitted, rec.Status)
	assert.Equal(t, domain.OrderSideBuy, rec.Side)
	// 10% of 100k at mid 100.0 is about 100 shares.
	assert.InDelta(t, 100.0, rec.Quantity, 0.01)
	assert.Equal(t, "abc123", rec.StrategyHash)

	stored, err := f.trades.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusSubmitted, stored.Status)
	assert.Contains(t, stored.StatusReason, "brk-1")
}

func TestSynchronousFillRecordedFromSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.brk.submitHandle = &domain.OrderHandle{
		BrokerOrderID: "brk-7",
		Status:        "filled",
		FillPrice:     100.1,
		Commission:    0.5,
		SubmittedAt:   time.Now(),
	}

	rec, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TradeStatusFilled, rec.Status)

	stored, err := f.trades.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFilled, stored.Status)
	require.NotNil(t, stored.FillPrice)
	assert.InDelta(t, 100.1, *stored.FillPrice, 1e-9)
	assert.InDelta(t, 0.5, stored.Commission, 1e-9)
}

func TestSubmitSellWhenOverweight(t *testing.T) {
	f := newFixture(t)
	f.brk.positions = []domain.Position{
		{Symbol: "AAPL", Quantity: 150, AvgCost: 95, CurrentPrice: 100, MarketValue: 15_000},
	}

	rec, err := f.orch.SubmitTargetPercent(context.Background(), "AAPL", 0.10)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.OrderSideSell, rec.Side)
	// Need to shed 5k of a 15k position at mid 100.
	assert.InDelta(t, 50.0, rec.Quantity, 0.01)
}

func TestSubmitRejectedWhenHalted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Halt(ctx, "operator halt"))

	rec, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.ErrorIs(t, err, domain.ErrHalted)
	assert.Nil(t, rec)
	_, ok := f.trades.latest()
	assert.False(t, ok, "no audit record should exist for a gated order")
}

func TestCircuitBreakerEscalatesToDurableHalt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.brk.account.DailyPnL = -6000

	rec, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.ErrorIs(t, err, domain.ErrHalted)
	assert.Nil(t, rec)
	assert.True(t, f.orch.IsHalted())

	halted, reason, err := f.control.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Contains(t, reason, risk.CircuitBreakerTag)

	// Subsequent orders stay gated without touching the risk engine.
	_, err = f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.ErrorIs(t, err, domain.ErrHalted)
}

func TestBrokerFailureMarksRecordFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.brk.submitErr = errors.New("gateway timeout")

	rec, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TradeStatusFailed, rec.Status)
	assert.Contains(t, rec.StatusReason, "gateway timeout")

	stored, err := f.trades.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFailed, stored.Status)
}

func TestSubmitNoOpBelowMinNotional(t *testing.T) {
	f := newFixture(t)
	f.brk.positions = []domain.Position{
		{Symbol: "AAPL", Quantity: 100, MarketValue: 9_990},
	}

	rec, err := f.orch.SubmitTargetPercent(context.Background(), "AAPL", 0.10)
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, ok := f.trades.latest()
	assert.False(t, ok)
}

func TestSubmitRequiresLiveAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.strategies = &fakeStrategyReader{strategy: domain.ActiveStrategy{
		Hash:      "abc123",
		Stage:     domain.StagePaper,
		TTLExpiry: time.Now().Add(24 * time.Hour),
	}}
	_, err := f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.ErrorIs(t, err, domain.ErrNoActiveStrategy)

	// Expired TTL revokes a canary strategy too.
	f.orch.strategies = &fakeStrategyReader{strategy: domain.ActiveStrategy{
		Hash:      "abc123",
		Stage:     domain.StageCanary,
		TTLExpiry: time.Now().Add(-time.Minute),
	}}
	_, err = f.orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.ErrorIs(t, err, domain.ErrNoActiveStrategy)
}

func TestSubmitUnknownOrUntradableSymbol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.SubmitTargetPercent(ctx, "UNKNOWN", 0.10)
	require.Error(t, err)

	_, err = f.orch.SubmitTargetPercent(ctx, "HALTED-SYM", 0.10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tradable")
}

func TestRestoreHaltStatePropagatesStoreError(t *testing.T) {
	f := newFixture(t)
	f.control.getErr = errors.New("database is locked")

	err := f.orch.RestoreHaltState(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore halt state")
}

func TestRestoreHaltStateAtStartup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.control.SetFlag(ctx, HaltedFlag, true, "halted before restart"))
	require.NoError(t, f.orch.RestoreHaltState(ctx))
	assert.True(t, f.orch.IsHalted())

	require.NoError(t, f.orch.Resume(ctx, "operator resume"))
	assert.False(t, f.orch.IsHalted())

	halted, _, err := f.control.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestHeartbeatTripsDynamicBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.brk.account.DailyPnL = -6000

	hb := NewHeartbeat(HeartbeatConfig{
		Interval: time.Minute,
		Regime:   RegimeParams{RealizedVol: 0.01, ZScore: 2.0, Multiplier: 1.0},
	}, f.brk, f.trades, &fakePnLStore{}, f.orch, f.limits, slog.New(slog.DiscardHandler))

	// Dynamic limit is max(100k*0.01*2*1 = 2000, static 5000) = 5000.
	require.NoError(t, hb.Beat(ctx))
	assert.True(t, f.orch.IsHalted())

	_, reason, err := f.control.GetFlag(ctx, HaltedFlag)
	require.NoError(t, err)
	assert.Contains(t, reason, risk.CircuitBreakerTag)

	// The trip also pulls working orders so nothing fills into the breach.
	assert.Equal(t, 1, f.brk.cancelCalls)
}

func TestHeartbeatReconcilesBrokerFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pnl := &fakePnLStore{}

	rec := domain.TradeRecord{
		ID:           "t-async",
		StrategyHash: "alpha",
		Symbol:       "AAPL",
		Side:         domain.OrderSideBuy,
		Quantity:     100,
		ExecutedAt:   time.Now().UTC(),
		Status:       domain.TradeStatusSubmitted,
		StatusReason: brokerOrderIDPrefix + "brk-9",
	}
	require.NoError(t, f.trades.Create(ctx, rec))
	f.brk.recent = []broker.Order{
		{ID: "brk-9", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 100, FillPrice: 101.0, Status: "filled"},
		{ID: "brk-10", Symbol: "AAPL", Status: "open"},
	}

	hb := NewHeartbeat(HeartbeatConfig{Interval: time.Minute},
		f.brk, f.trades, pnl, f.orch, f.limits, slog.New(slog.DiscardHandler))
	require.NoError(t, hb.Beat(ctx))

	stored, err := f.trades.GetByID(ctx, "t-async")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFilled, stored.Status)
	require.NotNil(t, stored.FillPrice)
	assert.InDelta(t, 101.0, *stored.FillPrice, 1e-9)

	// The reconciled fill feeds the same beat's P&L snapshot.
	require.Len(t, pnl.snaps, 1)
	assert.Equal(t, "alpha", pnl.snaps[0].StrategyHash)
	assert.InDelta(t, -10100.0, pnl.snaps[0].RealizedPnL, 1e-9)
}

// The simulated broker fills synchronously; its fill must land in the trade
// store without waiting for a heartbeat.
func TestPaperFillReachesTradeStore(t *testing.T) {
	ctx := context.Background()

	quotes := &fakeQuoteCache{quotes: map[string]domain.Quote{
		"AAPL": {Symbol: "AAPL", Bid: 99.9, Ask: 100.1, Last: 100.0, Volume: 1_000_000, Timestamp: time.Now()},
	}}
	brk := paper.New(quotes, 100_000, 0.005, slog.New(slog.DiscardHandler))
	require.NoError(t, brk.Connect(ctx))

	trades := newFakeTradeStore()
	control := newFakeControlStore()
	strategies := &fakeStrategyReader{strategy: domain.ActiveStrategy{
		Hash:      "abc123",
		Stage:     domain.StageCanary,
		TTLExpiry: time.Now().Add(24 * time.Hour),
	}}
	reg := registry.New([]registry.Asset{
		{Symbol: "AAPL", AssetClass: "equity", Tradable: true},
	})
	engine := risk.NewEngine(risk.NewHolder(testLimits()), reg)

	orch := New(Config{AccountID: "ACC1", MinOrderNotional: 50},
		brk, trades, control, strategies, quotes, reg, engine, nil,
		slog.New(slog.DiscardHandler))

	rec, err := orch.SubmitTargetPercent(ctx, "AAPL", 0.10)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TradeStatusFilled, rec.Status)

	stored, err := trades.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFilled, stored.Status)
	require.NotNil(t, stored.FillPrice)
	// Buys lift the ask.
	assert.InDelta(t, 100.1, *stored.FillPrice, 1e-9)

	fills, err := trades.ListFilledSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

type fakePnLStore struct {
	mu    sync.Mutex
	snaps []domain.StrategyPnL
}

func (s *fakePnLStore) UpsertSnapshot(_ context.Context, snap domain.StrategyPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *fakePnLStore) ListSnapshots(context.Context, string, domain.ListOpts) ([]domain.StrategyPnL, error) {
	return nil, nil
}

func TestHeartbeatSnapshotsPerStrategyPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pnl := &fakePnLStore{}

	now := time.Now().UTC()
	fill := func(id, hash string, side domain.OrderSide, qty, price, commission float64) {
		require.NoError(t, f.trades.Create(ctx, domain.TradeRecord{
			ID: id, StrategyHash: hash, Symbol: "AAPL",
			Side: side, Quantity: qty, ExecutedAt: now,
			Status: domain.TradeStatusPendingSubmit,
		}))
		require.NoError(t, f.trades.SetFill(ctx, id, price, commission))
	}
	fill("t1", "alpha", domain.OrderSideBuy, 100, 100.0, 1.0)
	fill("t2", "alpha", domain.OrderSideSell, 100, 101.0, 1.0)
	fill("t3", "beta", domain.OrderSideBuy, 10, 50.0, 0.5)

	hb := NewHeartbeat(HeartbeatConfig{Interval: time.Minute},
		f.brk, f.trades, pnl, f.orch, f.limits, slog.New(slog.DiscardHandler))
	require.NoError(t, hb.Beat(ctx))

	byHash := map[string]domain.StrategyPnL{}
	for _, s := range pnl.snaps {
		byHash[s.StrategyHash] = s
	}
	require.Len(t, byHash, 2)
	// alpha: -100*100 - 1 + 100*101 - 1 = 98 net cash flow.
	assert.InDelta(t, 98.0, byHash["alpha"].RealizedPnL, 1e-9)
	assert.Equal(t, int64(2), byHash["alpha"].TradeCount)
	// beta holds an open position; its snapshot is pure cash outflow.
	assert.InDelta(t, -500.5, byHash["beta"].RealizedPnL, 1e-9)
}
