package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/execution"
	"github.com/hedgerow/spotbot/internal/guardrails"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/risk"
)

// ───────────────────────────── fakes ─────────────────────────────────

type fakeStore struct {
	positions map[string]*models.Position
	trades    []models.Trade
	alerts    []models.Alert
	updateErr error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[string]*models.Position{}}
}

func (s *fakeStore) UpdatePosition(p *models.Position) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *fakeStore) GetOpenPositions(userID string) ([]models.Position, error) {
	var out []models.Position
	for _, p := range s.positions {
		if p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateTrade(t *models.Trade) error {
	s.trades = append(s.trades, *t)
	return nil
}

func (s *fakeStore) CreateAlert(a *models.Alert) error {
	s.alerts = append(s.alerts, *a)
	return nil
}

type fakeRouter struct {
	results []execution.Result
	orders  []execution.Order
}

var _ Router = (*fakeRouter)(nil)

func (r *fakeRouter) Execute(ctx context.Context, ord execution.Order) execution.Result {
	r.orders = append(r.orders, ord)
	if len(r.results) == 0 {
		return execution.Result{Success: true, FillPrice: ord.ReferencePrice, FilledQty: ord.Quantity}
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res
}

type fakeGate struct {
	verdict  guardrails.Verdict
	requests []guardrails.Request
}

var _ Gate = (*fakeGate)(nil)

func (g *fakeGate) Check(ctx context.Context, cfg *models.BotConfig, state *models.BotState, open []models.Position, req guardrails.Request) guardrails.Verdict {
	g.requests = append(g.requests, req)
	return g.verdict
}

type fakePrices struct {
	last    map[string]decimal.Decimal
	klines  []exchange.Kline
	filters exchange.SymbolFilters
}

var _ exchange.Interface = (*fakePrices)(nil)

func (f *fakePrices) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return nil, errors.New("no ticker")
}

func (f *fakePrices) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if f.klines == nil {
		return nil, errors.New("no klines")
	}
	return f.klines, nil
}

func (f *fakePrices) GetDepth(ctx context.Context, symbol string, levels int) (*exchange.Depth, error) {
	return nil, errors.New("no depth")
}

func (f *fakePrices) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	return nil, errors.New("no balances")
}

func (f *fakePrices) Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakePrices) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePrices) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderAck, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePrices) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderAck, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePrices) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (f *fakePrices) LastPrice(symbol string) decimal.Decimal {
	return f.last[symbol]
}

// ──────────────────────────── fixtures ───────────────────────────────

type fixture struct {
	store  *fakeStore
	router *fakeRouter
	gate   *fakeGate
	prices *fakePrices
	mgr    *Manager
	cfg    *models.BotConfig
	state  *models.BotState
}

func newFixture(price float64) *fixture {
	f := &fixture{
		store:  newFakeStore(),
		router: &fakeRouter{},
		gate:   &fakeGate{verdict: guardrails.Verdict{Approved: true, ScaleFactor: 1.0}},
		prices: &fakePrices{last: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromFloat(price)}},
	}
	f.mgr = NewManager(f.store, f.prices, f.router, f.gate, risk.New())
	f.cfg = &models.BotConfig{
		UserID: "u1",
		Status: models.StatusActive,
		PlaybookA: models.PlaybookAConfig{
			BreakevenR:   1.0,
			ScaleR:       2.0,
			ScalePct:     0.5,
			TrailATRMult: 2.0,
		},
		PlaybookB: models.PlaybookBConfig{TimeStopMin: 120},
		PlaybookC: models.PlaybookCConfig{
			Scale1R:      1.0,
			Scale1Pct:    0.5,
			Scale2R:      2.0,
			Scale2Pct:    0.5,
			TrailATRMult: 2.0,
		},
	}
	f.state = &models.BotState{
		UserID:   "u1",
		Equity:   decimal.NewFromInt(10_000),
		CurrentR: decimal.NewFromInt(60),
	}
	return f
}

func (f *fixture) open(playbook models.Playbook) *models.Position {
	pos := &models.Position{
		ID:         "pos-1",
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		Playbook:   playbook,
		Status:     models.PositionOpen,
		EntryPrice: decimal.NewFromInt(50_000),
		StopPrice:  decimal.NewFromInt(49_400),
		Quantity:   decimal.NewFromFloat(0.1),
		OpenedAt:   time.Now().Add(-10 * time.Minute),
	}
	f.store.positions[pos.ID] = pos
	return pos
}

// ───────────────────────────── tests ─────────────────────────────────

func TestStopHitClosesPosition(t *testing.T) {
	f := newFixture(49_350) // below the 49_400 stop
	pos := f.open(models.PlaybookA)

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.PositionClosed, pos.Status)
	assert.Equal(t, models.CloseStopLoss, pos.CloseReason)
	require.Len(t, f.store.trades, 1)
	assert.Equal(t, models.OutcomeLoss, f.store.trades[0].Outcome)

	// Close order went through the gate flagged as closing.
	require.Len(t, f.gate.requests, 1)
	assert.True(t, f.gate.requests[0].IsClosing)
	assert.Equal(t, exchange.SideSell, f.gate.requests[0].Action)

	// Realized loss rolled into both PnL windows: 0.1 * -650 = -65.
	assert.InDelta(t, -65.0/60.0, f.state.DailyPnlR, 0.01)
	assert.InDelta(t, f.state.DailyPnlR, f.state.WeeklyPnlR, 0.0001)
}

func TestBreakevenMove(t *testing.T) {
	f := newFixture(50_600) // +1R unrealized
	pos := f.open(models.PlaybookA)

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)

	assert.True(t, pos.StopPrice.Equal(pos.EntryPrice), "stop moved to entry, got %s", pos.StopPrice)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Empty(t, f.router.orders, "breakeven move places no order")
}

func TestBreakevenMoveIsOneShot(t *testing.T) {
	f := newFixture(50_600)
	pos := f.open(models.PlaybookA)
	pos.StopPrice = pos.EntryPrice // already at breakeven

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, pos.StopPrice.Equal(pos.EntryPrice))
}

func TestPlaybookAScaleOut(t *testing.T) {
	f := newFixture(51_200) // +2R unrealized
	f.prices.klines = flatKlines(51_200, 30)
	pos := f.open(models.PlaybookA)
	pos.StopPrice = pos.EntryPrice // past breakeven already

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)

	assert.True(t, pos.Scaled1)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.05)), "half the book sold, got %s", pos.Quantity)
	assert.False(t, pos.TrailDistance.IsZero(), "trail armed after the scale")
	// Gross realized on the half: 0.05 * 1200 = 60.
	assert.True(t, pos.RealizedPnl.Equal(decimal.NewFromInt(60)), "got %s", pos.RealizedPnl)

	require.Len(t, f.router.orders, 1)
	assert.Contains(t, f.router.orders[0].Purpose, "scale")
}

func TestScaleOutSnapsToLotStep(t *testing.T) {
	f := newFixture(51_200) // +2R
	f.prices.klines = flatKlines(51_200, 30)
	f.prices.filters = exchange.SymbolFilters{
		Symbol:    "BTCUSDT",
		PriceTick: decimal.NewFromFloat(0.01),
		QtyStep:   decimal.NewFromFloat(0.01),
	}
	f.cfg.PlaybookA.ScalePct = 0.33
	pos := f.open(models.PlaybookA)
	pos.StopPrice = pos.EntryPrice // past breakeven already

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)

	// 0.1 * 0.33 = 0.033 floors to the 0.01 step before any gate or
	// order sees it.
	require.Len(t, f.router.orders, 1)
	sold := f.router.orders[0].Quantity
	assert.True(t, sold.Equal(decimal.NewFromFloat(0.03)), "got %s", sold)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.07)), "got %s", pos.Quantity)

	require.Len(t, f.gate.requests, 1)
	assert.True(t, f.gate.requests[0].Quantity.Mod(decimal.NewFromFloat(0.01)).IsZero())
}

func TestTrailOnlyTightens(t *testing.T) {
	f := newFixture(51_000)
	pos := f.open(models.PlaybookA)
	pos.Scaled1 = true
	pos.StopPrice = decimal.NewFromInt(50_000)
	pos.TrailDistance = decimal.NewFromInt(400)

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, pos.StopPrice.Equal(decimal.NewFromInt(50_600)), "stop trails to price-distance, got %s", pos.StopPrice)

	// Price retreats: the stop must hold.
	f.prices.last["BTCUSDT"] = decimal.NewFromInt(50_700)
	err = f.mgr.Update(context.Background(), f.cfg, f.state, pos, 2, time.Now())
	require.NoError(t, err)
	assert.True(t, pos.StopPrice.Equal(decimal.NewFromInt(50_600)), "stop never loosens, got %s", pos.StopPrice)
}

func TestPlaybookBTargetAndTimeStop(t *testing.T) {
	t.Run("target hit closes", func(t *testing.T) {
		f := newFixture(50_650)
		pos := f.open(models.PlaybookB)
		pos.TargetPrice = decimal.NewFromInt(50_600)

		err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, pos.Status)
		assert.Equal(t, models.CloseTarget, pos.CloseReason)
	})

	t.Run("time stop closes a stale position", func(t *testing.T) {
		f := newFixture(50_100)
		pos := f.open(models.PlaybookB)
		pos.OpenedAt = time.Now().Add(-3 * time.Hour)

		err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, pos.Status)
		assert.Equal(t, models.CloseTimeStop, pos.CloseReason)
	})

	t.Run("young position inside target stays open", func(t *testing.T) {
		f := newFixture(50_100)
		pos := f.open(models.PlaybookB)
		pos.TargetPrice = decimal.NewFromInt(50_600)

		err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
		require.NoError(t, err)
		assert.Equal(t, models.PositionOpen, pos.Status)
	})
}

func TestPlaybookCTwoStageScale(t *testing.T) {
	f := newFixture(50_600) // +1R
	f.prices.klines = flatKlines(50_600, 30)
	pos := f.open(models.PlaybookC)

	// Stage one at +1R.
	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, pos.Scaled1)
	assert.False(t, pos.Scaled2)
	assert.True(t, pos.TrailDistance.IsZero(), "trail waits for stage two")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.05)))

	// Stage two at +2R on the remaining half arms the trail.
	f.prices.last["BTCUSDT"] = decimal.NewFromInt(52_400)
	err = f.mgr.Update(context.Background(), f.cfg, f.state, pos, 2, time.Now())
	require.NoError(t, err)
	assert.True(t, pos.Scaled2)
	assert.False(t, pos.TrailDistance.IsZero())
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.025)), "got %s", pos.Quantity)
}

func TestCloseAccountsFeesAndRealizedR(t *testing.T) {
	f := newFixture(50_650)
	pos := f.open(models.PlaybookB)
	pos.TargetPrice = decimal.NewFromInt(50_600)
	pos.FeesPaid = decimal.NewFromInt(5) // entry fee

	f.router.results = []execution.Result{{
		Success:   true,
		FillPrice: decimal.NewFromInt(50_650),
		FilledQty: decimal.NewFromFloat(0.1),
		Fees:      decimal.NewFromInt(5),
	}}

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	require.NoError(t, err)

	// Gross 65, minus 10 in cumulative fees.
	assert.True(t, pos.RealizedPnl.Equal(decimal.NewFromInt(55)), "got %s", pos.RealizedPnl)
	assert.InDelta(t, 55.0/60.0, pos.RealizedR, 0.001)

	require.Len(t, f.store.trades, 1)
	trade := f.store.trades[0]
	assert.True(t, trade.Fees.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, models.OutcomeWin, trade.Outcome)
}

func TestCloseRejectedByGateFails(t *testing.T) {
	f := newFixture(49_000)
	f.gate.verdict = guardrails.Verdict{Approved: false, Gate: "exchange_filters", Reason: "LOT_SIZE"}
	pos := f.open(models.PlaybookA)

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	assert.Error(t, err)
	assert.Equal(t, models.PositionOpen, pos.Status, "position stays open on a failed close")
}

func TestPersistFailureRaisesCriticalAlert(t *testing.T) {
	f := newFixture(49_000)
	pos := f.open(models.PlaybookA)
	f.store.updateErr = errors.New("disk full")

	err := f.mgr.Update(context.Background(), f.cfg, f.state, pos, 1, time.Now())
	assert.Error(t, err)
	require.Len(t, f.store.alerts, 1)
	assert.Equal(t, models.AlertCritical, f.store.alerts[0].Level)
}

func TestUpdateAllIsolatesFailures(t *testing.T) {
	f := newFixture(50_100)
	f.open(models.PlaybookA)
	bad := &models.Position{
		ID:       "pos-2",
		UserID:   "u1",
		Symbol:   "NOPRICE",
		Side:     models.SideLong,
		Playbook: models.PlaybookA,
		Status:   models.PositionOpen,
		Quantity: decimal.NewFromFloat(1),
	}
	f.store.positions[bad.ID] = bad

	// Must not panic or abort; the healthy position still marks.
	f.mgr.UpdateAll(context.Background(), f.cfg, f.state, 1, time.Now())

	updated := f.store.positions["pos-1"]
	assert.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(50_100)))
}

func flatKlines(price float64, n int) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := range out {
		out[i] = exchange.Kline{
			High:  decimal.NewFromFloat(price + 10),
			Low:   decimal.NewFromFloat(price - 10),
			Close: decimal.NewFromFloat(price),
		}
	}
	return out
}
