package guardrails

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/risk"
)

type fakeFilters struct {
	filters exchange.SymbolFilters
	err     error
}

var _ FilterSource = (*fakeFilters)(nil)

func (f *fakeFilters) Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	return f.filters, f.err
}

func passingFilters() *fakeFilters {
	return &fakeFilters{filters: exchange.SymbolFilters{
		Symbol:      "BTCUSDT",
		PriceTick:   decimal.NewFromFloat(0.01),
		QtyStep:     decimal.NewFromFloat(0.00001),
		MinNotional: decimal.NewFromInt(10),
	}}
}

func chainConfig() *models.BotConfig {
	return &models.BotConfig{
		UserID: "u1",
		Status: models.StatusActive,
		Risk: models.RiskConfig{
			RPct:             0.006,
			DailyStopR:       -2.0,
			WeeklyStopR:      -5.0,
			MaxOpenR:         3.0,
			MaxRPerTrade:     1.0,
			MaxExposurePct:   0.5,
			MaxPositions:     4,
			CorrelationGuard: true,
			SlippageBps:      100,
			SlippageBpsEvent: 200,
		},
	}
}

func chainState() *models.BotState {
	st := &models.BotState{UserID: "u1", Equity: decimal.NewFromInt(10_000)}
	st.CurrentR = decimal.NewFromInt(60)
	return st
}

func baseRequest() Request {
	return Request{
		UserID:           "u1",
		Symbol:           "BTCUSDT",
		Action:           exchange.SideBuy,
		Side:             models.SideLong,
		Playbook:         models.PlaybookA,
		Price:            decimal.NewFromInt(50_000),
		SignalPrice:      decimal.NewFromInt(50_000),
		Quantity:         decimal.NewFromFloat(0.01),
		ProposedR:        1.0,
		ProposedNotional: decimal.NewFromInt(500),
	}
}

func TestChainApproves(t *testing.T) {
	c := New(risk.New(), passingFilters())
	v := c.Check(context.Background(), chainConfig(), chainState(), nil, baseRequest())
	assert.True(t, v.Approved)
	assert.Empty(t, v.Gate)
	assert.Equal(t, 1.0, v.ScaleFactor)
}

func TestChainGateOrder(t *testing.T) {
	// A request that violates every gate at once must be attributed to
	// the earliest one in the chain.
	c := New(risk.New(), &fakeFilters{err: errors.New("down")})

	cfg := chainConfig()
	cfg.Status = models.StatusHaltedDaily

	req := baseRequest()
	req.Side = models.SideShort
	req.ProposedR = 5.0

	v := c.Check(context.Background(), cfg, chainState(), nil, req)
	require.False(t, v.Approved)
	assert.Equal(t, GateSpotOnly, v.Gate)

	// Clearing spot-only exposes the R clamp next.
	req.Side = models.SideLong
	v = c.Check(context.Background(), cfg, chainState(), nil, req)
	assert.Equal(t, GateRClamp, v.Gate)

	// Then the kill-switch.
	req.ProposedR = 1.0
	v = c.Check(context.Background(), cfg, chainState(), nil, req)
	assert.Equal(t, GateKillSwitch, v.Gate)

	// Then the filter lookup failure.
	cfg.Status = models.StatusActive
	v = c.Check(context.Background(), cfg, chainState(), nil, req)
	assert.Equal(t, GateFilters, v.Gate)
}

func TestChainSpotOnly(t *testing.T) {
	c := New(risk.New(), passingFilters())
	req := baseRequest()
	req.Side = models.SideShort

	v := c.Check(context.Background(), chainConfig(), chainState(), nil, req)
	require.False(t, v.Approved)
	assert.Equal(t, GateSpotOnly, v.Gate)

	// A SELL with a SHORT tag is a close, not a short.
	req.Action = exchange.SideSell
	req.IsClosing = true
	v = c.Check(context.Background(), chainConfig(), chainState(), nil, req)
	assert.True(t, v.Approved)
}

func TestChainKillSwitchFreshRead(t *testing.T) {
	// Status is still ACTIVE but this tick's losses already crossed the
	// daily stop: the chain must reject before the kill-switch lands.
	c := New(risk.New(), passingFilters())
	state := chainState()
	state.DailyPnlR = -2.5

	v := c.Check(context.Background(), chainConfig(), state, nil, baseRequest())
	require.False(t, v.Approved)
	assert.Equal(t, GateKillSwitch, v.Gate)

	// Closes still pass.
	req := baseRequest()
	req.Action = exchange.SideSell
	req.IsClosing = true
	v = c.Check(context.Background(), chainConfig(), state, nil, req)
	assert.True(t, v.Approved)
}

func TestChainFilterViolation(t *testing.T) {
	f := passingFilters()
	f.filters.MinNotional = decimal.NewFromInt(1000)
	c := New(risk.New(), f)

	req := baseRequest()
	req.Quantity = decimal.NewFromFloat(0.001) // $50 notional

	v := c.Check(context.Background(), chainConfig(), chainState(), nil, req)
	require.False(t, v.Approved)
	assert.Equal(t, GateFilters, v.Gate)
	assert.Contains(t, v.Reason, "NOTIONAL")
}

func TestChainSlippage(t *testing.T) {
	c := New(risk.New(), passingFilters())

	t.Run("rejects 104 bps against a 100 bps limit", func(t *testing.T) {
		req := baseRequest()
		req.SignalPrice = decimal.NewFromInt(50_000)
		req.Price = decimal.NewFromInt(50_520) // 104 bps

		v := c.Check(context.Background(), chainConfig(), chainState(), nil, req)
		require.False(t, v.Approved)
		assert.Equal(t, GateSlippage, v.Gate)
	})

	t.Run("event orders get the wider limit", func(t *testing.T) {
		req := baseRequest()
		req.SignalPrice = decimal.NewFromInt(50_000)
		req.Price = decimal.NewFromInt(50_520)
		req.EventDriven = true

		v := c.Check(context.Background(), chainConfig(), chainState(), nil, req)
		assert.True(t, v.Approved)
	})
}

func TestChainExposure(t *testing.T) {
	c := New(risk.New(), passingFilters())

	open := []models.Position{{
		Symbol:     "ETHUSDT",
		Side:       models.SideLong,
		Status:     models.PositionOpen,
		EntryPrice: decimal.NewFromInt(3000),
		StopPrice:  decimal.NewFromInt(2999),
		Quantity:   decimal.NewFromFloat(1.6), // $4800 notional
	}}

	t.Run("entry past the cap is rejected", func(t *testing.T) {
		req := baseRequest()
		req.ProposedNotional = decimal.NewFromInt(500)

		v := c.Check(context.Background(), chainConfig(), chainState(), open, req)
		require.False(t, v.Approved)
		assert.Equal(t, GateExposure, v.Gate)
	})

	t.Run("closing orders bypass exposure", func(t *testing.T) {
		req := baseRequest()
		req.Action = exchange.SideSell
		req.IsClosing = true
		req.ProposedNotional = decimal.NewFromInt(500)

		v := c.Check(context.Background(), chainConfig(), chainState(), open, req)
		assert.True(t, v.Approved)
	})
}

func TestSlippageBps(t *testing.T) {
	assert.InDelta(t, 104.0, SlippageBps(decimal.NewFromInt(50_000), decimal.NewFromInt(50_520)), 0.01)
	assert.InDelta(t, 104.0, SlippageBps(decimal.NewFromInt(50_000), decimal.NewFromInt(49_480)), 0.01)
	assert.Zero(t, SlippageBps(decimal.Zero, decimal.NewFromInt(50_000)))
}
