package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/execution"
	"github.com/hedgerow/spotbot/internal/guardrails"
	"github.com/hedgerow/spotbot/internal/indicators"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/risk"
	"github.com/hedgerow/spotbot/internal/scanner"
)

// Store is the persistence surface the manager needs.
type Store interface {
	UpdatePosition(p *models.Position) error
	GetOpenPositions(userID string) ([]models.Position, error)
	CreateTrade(t *models.Trade) error
	CreateAlert(a *models.Alert) error
}

// Router places reducing orders.
type Router interface {
	Execute(ctx context.Context, ord execution.Order) execution.Result
}

// Gate runs the pre-trade chain. Closes pass isClosing so the exposure
// gate is bypassed.
type Gate interface {
	Check(ctx context.Context, cfg *models.BotConfig, state *models.BotState, open []models.Position, req guardrails.Request) guardrails.Verdict
}

// Manager drives every open position through its per-playbook state
// machine once per tick. All position writes are serialized through it;
// the kill-switch and operator closes reuse ClosePosition.
type Manager struct {
	store      Store
	ex         exchange.Interface
	router     Router
	chain      Gate
	riskEngine *risk.Engine

	// Guards BotState PnL rollup; the kill-switch closes positions in
	// parallel.
	stateMu sync.Mutex
}

// NewManager creates a position manager.
func NewManager(store Store, ex exchange.Interface, router Router, chain Gate, riskEngine *risk.Engine) *Manager {
	return &Manager{store: store, ex: ex, router: router, chain: chain, riskEngine: riskEngine}
}

// UpdateAll refreshes and steps every open position. Per-position
// errors are isolated; the rest of the book still updates.
func (m *Manager) UpdateAll(ctx context.Context, cfg *models.BotConfig, state *models.BotState, tickID int64, now time.Time) {
	open, err := m.store.GetOpenPositions(cfg.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", cfg.UserID).Msg("Failed to load open positions")
		return
	}

	for i := range open {
		pos := &open[i]
		if err := m.Update(ctx, cfg, state, pos, tickID, now); err != nil {
			log.Error().Err(err).
				Str("position", pos.ID).
				Str("symbol", pos.Symbol).
				Msg("Position update failed")
		}
	}
}

// Update runs one position through the state machine. The first
// matching rule ends the position's tick.
func (m *Manager) Update(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, tickID int64, now time.Time) error {
	price, err := m.currentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("price refresh: %w", err)
	}

	m.mark(pos, state, price, now)

	// Common rule: hard stop.
	if stopHit(pos, price) {
		return m.ClosePosition(ctx, cfg, state, pos, models.CloseStopLoss, tickID)
	}

	// Common rule: trailing stop only ever tightens.
	if !pos.TrailDistance.IsZero() {
		tightenTrail(pos, price)
	}

	var closed bool
	switch pos.Playbook {
	case models.PlaybookA:
		closed, err = m.stepPlaybookA(ctx, cfg, state, pos, tickID)
	case models.PlaybookB:
		closed, err = m.stepPlaybookB(ctx, cfg, state, pos, tickID, now)
	case models.PlaybookC:
		closed, err = m.stepPlaybookC(ctx, cfg, state, pos, tickID)
	case models.PlaybookD:
		closed, err = m.stepPlaybookD(ctx, cfg, state, pos, tickID)
	}
	if err != nil || closed {
		return err
	}

	return m.store.UpdatePosition(pos)
}

// mark refreshes price-derived fields.
func (m *Manager) mark(pos *models.Position, state *models.BotState, price decimal.Decimal, now time.Time) {
	pos.CurrentPrice = price
	pos.UnrealizedPnl = price.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Side.Sign())
	if !state.CurrentR.IsZero() {
		pos.UnrealizedR, _ = pos.UnrealizedPnl.Div(state.CurrentR).Float64()
	}
	pos.HoldTimeSec = int64(now.Sub(pos.OpenedAt).Seconds())
}

func (m *Manager) stepPlaybookA(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, tickID int64) (bool, error) {
	pc := cfg.PlaybookA

	// Breakeven move.
	if pos.UnrealizedR >= pc.BreakevenR && stopBehindEntry(pos) {
		pos.StopPrice = pos.EntryPrice
		log.Info().Str("symbol", pos.Symbol).Str("stop", pos.StopPrice.StringFixed(2)).Msg("Stop moved to breakeven")
		return false, nil
	}

	// Single scale-out, then trail on ATR.
	if pos.UnrealizedR >= pc.ScaleR && !pos.Scaled1 {
		if err := m.scaleOut(ctx, cfg, state, pos, pc.ScalePct, tickID); err != nil {
			return false, err
		}
		pos.Scaled1 = true
		m.enableTrail(ctx, pos, pc.TrailATRMult)
		return false, m.store.UpdatePosition(pos)
	}

	return false, nil
}

func (m *Manager) stepPlaybookB(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, tickID int64, now time.Time) (bool, error) {
	pc := cfg.PlaybookB

	if targetHit(pos) {
		return true, m.ClosePosition(ctx, cfg, state, pos, models.CloseTarget, tickID)
	}

	if pc.TimeStopMin > 0 && now.Sub(pos.OpenedAt) >= time.Duration(pc.TimeStopMin)*time.Minute {
		return true, m.ClosePosition(ctx, cfg, state, pos, models.CloseTimeStop, tickID)
	}

	return false, nil
}

func (m *Manager) stepPlaybookC(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, tickID int64) (bool, error) {
	pc := cfg.PlaybookC

	if pos.UnrealizedR >= pc.Scale1R && !pos.Scaled1 {
		if err := m.scaleOut(ctx, cfg, state, pos, pc.Scale1Pct, tickID); err != nil {
			return false, err
		}
		pos.Scaled1 = true
		return false, m.store.UpdatePosition(pos)
	}

	if pos.UnrealizedR >= pc.Scale2R && pos.Scaled1 && !pos.Scaled2 {
		if err := m.scaleOut(ctx, cfg, state, pos, pc.Scale2Pct, tickID); err != nil {
			return false, err
		}
		pos.Scaled2 = true
		m.enableTrail(ctx, pos, pc.TrailATRMult)
		return false, m.store.UpdatePosition(pos)
	}

	if pc.TargetR > 0 && pos.UnrealizedR >= pc.TargetR {
		return true, m.ClosePosition(ctx, cfg, state, pos, models.CloseTarget, tickID)
	}

	return false, nil
}

func (m *Manager) stepPlaybookD(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, tickID int64) (bool, error) {
	if targetHit(pos) {
		return true, m.ClosePosition(ctx, cfg, state, pos, models.CloseTarget, tickID)
	}
	return false, nil
}

// scaleOut submits a reducing order for a fraction of the current
// remaining quantity and realizes its PnL into the position.
func (m *Manager) scaleOut(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, fraction float64, tickID int64) error {
	qty := pos.Quantity.Mul(decimal.NewFromFloat(fraction))
	if qty.IsZero() {
		return nil
	}

	res, err := m.reduce(ctx, cfg, state, pos, qty, "scale", tickID)
	if err != nil {
		return err
	}

	pos.Quantity = pos.Quantity.Sub(res.FilledQty)
	pos.RealizedPnl = pos.RealizedPnl.Add(res.FillPrice.Sub(pos.EntryPrice).Mul(res.FilledQty).Mul(pos.Side.Sign()))
	pos.FeesPaid = pos.FeesPaid.Add(res.Fees)

	log.Info().
		Str("symbol", pos.Symbol).
		Str("sold", res.FilledQty.String()).
		Str("remaining", pos.Quantity.String()).
		Str("fill", res.FillPrice.StringFixed(2)).
		Msg("Scaled out")
	return nil
}

// ClosePosition runs the closure procedure: reducing order for the
// remaining quantity, realized PnL net of all cumulative fees, one
// Trade row, daily/weekly PnL rollup. Closes bypass the exposure gate.
func (m *Manager) ClosePosition(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, reason models.CloseReason, tickID int64) error {
	if pos.Status == models.PositionClosed {
		return nil
	}

	res, err := m.reduce(ctx, cfg, state, pos, pos.Quantity, "close", tickID)
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}

	now := time.Now()
	pos.FeesPaid = pos.FeesPaid.Add(res.Fees)
	pos.RealizedPnl = pos.RealizedPnl.
		Add(res.FillPrice.Sub(pos.EntryPrice).Mul(res.FilledQty).Mul(pos.Side.Sign())).
		Sub(pos.FeesPaid)
	if !state.CurrentR.IsZero() {
		pos.RealizedR, _ = pos.RealizedPnl.Div(state.CurrentR).Float64()
	}
	pos.Quantity = pos.Quantity.Sub(res.FilledQty)
	pos.CurrentPrice = res.FillPrice
	pos.UnrealizedPnl = decimal.Zero
	pos.UnrealizedR = 0
	pos.Status = models.PositionClosed
	pos.CloseReason = reason
	pos.ClosedAt = &now
	pos.HoldTimeSec = int64(now.Sub(pos.OpenedAt).Seconds())

	if err := m.store.UpdatePosition(pos); err != nil {
		m.fatal(cfg.UserID, pos, "position close write failed: "+err.Error())
		return err
	}

	trade := &models.Trade{
		UserID:     pos.UserID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Playbook:   pos.Playbook,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  res.FillPrice,
		Quantity:   res.FilledQty,
		PnlUSD:     pos.RealizedPnl,
		PnlR:       pos.RealizedR,
		Fees:       pos.FeesPaid,
		Outcome:    outcome(pos.RealizedPnl),
		Notes:      string(reason),
	}
	if err := m.store.CreateTrade(trade); err != nil {
		m.fatal(cfg.UserID, pos, "trade write failed: "+err.Error())
		return err
	}

	m.stateMu.Lock()
	m.riskEngine.RecordClose(state, pos.RealizedPnl, pos.RealizedR)
	m.stateMu.Unlock()

	log.Info().
		Str("symbol", pos.Symbol).
		Str("playbook", string(pos.Playbook)).
		Str("reason", string(reason)).
		Str("pnl", pos.RealizedPnl.StringFixed(2)).
		Float64("pnl_r", pos.RealizedR).
		Msg("Position closed")
	return nil
}

// reduce routes a gated reducing order.
func (m *Manager) reduce(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, qty decimal.Decimal, purpose string, tickID int64) (execution.Result, error) {
	price := pos.CurrentPrice
	if price.IsZero() {
		var err error
		price, err = m.currentPrice(ctx, pos.Symbol)
		if err != nil {
			return execution.Result{}, err
		}
	}

	// Snap before the gates: a fractional scale-out quantity or raw
	// market price is almost never step-conformant.
	f, err := m.ex.Filters(ctx, pos.Symbol)
	if err != nil {
		return execution.Result{}, fmt.Errorf("filters %s: %w", pos.Symbol, err)
	}
	qty = f.SnapQty(qty)
	if qty.IsZero() {
		return execution.Result{}, fmt.Errorf("reducing quantity rounds to zero at lot step %s", f.QtyStep)
	}
	price = f.SnapPrice(price)

	verdict := m.chain.Check(ctx, cfg, state, nil, guardrails.Request{
		UserID:      pos.UserID,
		Symbol:      pos.Symbol,
		Action:      exchange.SideSell,
		Side:        pos.Side,
		Playbook:    pos.Playbook,
		Price:       price,
		SignalPrice: price,
		Quantity:    qty,
		IsClosing:   true,
	})
	if !verdict.Approved {
		return execution.Result{}, fmt.Errorf("reducing order rejected by %s: %s", verdict.Gate, verdict.Reason)
	}

	res := m.router.Execute(ctx, execution.Order{
		UserID:         pos.UserID,
		Symbol:         pos.Symbol,
		Side:           exchange.SideSell,
		Quantity:       qty,
		ReferencePrice: price,
		TickID:         tickID,
		Purpose:        purpose + "-" + pos.ID,
		PositionID:     pos.ID,
	})
	if !res.Success {
		return res, fmt.Errorf("%s order failed: %w", purpose, res.Err)
	}
	return res, nil
}

// enableTrail computes a fresh ATR and arms the trailing stop.
func (m *Manager) enableTrail(ctx context.Context, pos *models.Position, atrMult float64) {
	if atrMult <= 0 {
		return
	}
	atr, err := m.fetchATR(ctx, pos.Symbol)
	if err != nil || atr.IsZero() {
		// Fall back to the entry risk distance.
		atr = pos.EntryPrice.Sub(pos.StopPrice).Abs()
		log.Warn().Str("symbol", pos.Symbol).Msg("ATR fetch failed, trailing on entry risk distance")
	}
	pos.TrailDistance = atr.Mul(decimal.NewFromFloat(atrMult))
	log.Info().Str("symbol", pos.Symbol).Str("distance", pos.TrailDistance.StringFixed(2)).Msg("Trailing stop enabled")
}

func (m *Manager) fetchATR(ctx context.Context, symbol string) (decimal.Decimal, error) {
	klines, err := m.ex.GetKlines(ctx, symbol, scanner.AnalysisInterval, 30)
	if err != nil {
		return decimal.Zero, err
	}
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		highs[i], _ = k.High.Float64()
		lows[i], _ = k.Low.Float64()
		closes[i], _ = k.Close.Float64()
	}
	return decimal.NewFromFloat(indicators.ATR(highs, lows, closes, 14)), nil
}

func (m *Manager) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price := m.ex.LastPrice(symbol); !price.IsZero() {
		return price, nil
	}
	ticker, err := m.ex.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return ticker.LastPrice, nil
}

func (m *Manager) fatal(userID string, pos *models.Position, msg string) {
	log.Error().Str("position", pos.ID).Str("symbol", pos.Symbol).Msg(msg)
	alert := &models.Alert{
		UserID:  userID,
		Level:   models.AlertCritical,
		Type:    "persistence_failure",
		Message: fmt.Sprintf("position %s (%s): %s", pos.ID, pos.Symbol, msg),
	}
	if err := m.store.CreateAlert(alert); err != nil {
		log.Error().Err(err).Msg("Failed to persist critical alert")
	}
}

func stopHit(pos *models.Position, price decimal.Decimal) bool {
	if pos.StopPrice.IsZero() {
		return false
	}
	if pos.Side == models.SideShort {
		return price.GreaterThanOrEqual(pos.StopPrice)
	}
	return price.LessThanOrEqual(pos.StopPrice)
}

// stopBehindEntry reports whether the stop is still on the losing side
// of entry.
func stopBehindEntry(pos *models.Position) bool {
	if pos.Side == models.SideShort {
		return pos.StopPrice.GreaterThan(pos.EntryPrice)
	}
	return pos.StopPrice.LessThan(pos.EntryPrice)
}

func targetHit(pos *models.Position) bool {
	if pos.TargetPrice.IsZero() {
		return false
	}
	if pos.Side == models.SideShort {
		return pos.CurrentPrice.LessThanOrEqual(pos.TargetPrice)
	}
	return pos.CurrentPrice.GreaterThanOrEqual(pos.TargetPrice)
}

// tightenTrail ratchets the stop toward price, never away.
func tightenTrail(pos *models.Position, price decimal.Decimal) {
	if pos.Side == models.SideShort {
		candidate := price.Add(pos.TrailDistance)
		if candidate.LessThan(pos.StopPrice) {
			pos.StopPrice = candidate
		}
		return
	}
	candidate := price.Sub(pos.TrailDistance)
	if candidate.GreaterThan(pos.StopPrice) {
		pos.StopPrice = candidate
	}
}

func outcome(pnl decimal.Decimal) models.TradeOutcome {
	switch {
	case pnl.IsPositive():
		return models.OutcomeWin
	case pnl.IsNegative():
		return models.OutcomeLoss
	default:
		return models.OutcomeBreakeven
	}
}
