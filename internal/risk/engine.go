package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/models"
)

// ErrZeroStopDistance is the hard error for entry == stop: quantity is
// undefined and no order may be derived from the candidate.
var ErrZeroStopDistance = errors.New("entry and stop are equal, cannot size position")

// correlationFactor is the quantity haircut applied to non-BTC
// candidates while an open BTC position carries a full R of risk.
const correlationFactor = 0.5

// Engine owns R-denominated sizing, aggregate exposure checks and the
// PnL window accounting. It is stateless; all state lives in BotState.
type Engine struct{}

// New creates a risk engine.
func New() *Engine {
	return &Engine{}
}

// Size computes the R-sized quantity for a candidate:
// quantity = currentR / |entry - stop|.
func (e *Engine) Size(state *models.BotState, entry, stop decimal.Decimal) (decimal.Decimal, error) {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() {
		return decimal.Zero, ErrZeroStopDistance
	}
	if state.CurrentR.IsZero() {
		return decimal.Zero, fmt.Errorf("currentR is zero, equity not loaded")
	}
	return state.CurrentR.Div(dist), nil
}

// Assessment is the outcome of the aggregate risk check.
type Assessment struct {
	Approved    bool
	Reason      string
	ScaleFactor float64 // 1.0 normally, 0.5 under the correlation guard
}

// CheckAggregate validates a proposed trade against all currently open
// positions: open-R sum, position count, exposure cap, correlation
// guard. The correlation guard scales rather than rejects.
func (e *Engine) CheckAggregate(cfg *models.BotConfig, state *models.BotState, open []models.Position, symbol string, proposedR float64, proposedNotional decimal.Decimal) Assessment {
	sumOpenR := 0.0
	sumNotional := decimal.Zero
	btcRiskR := 0.0
	for i := range open {
		p := &open[i]
		r := p.RiskInR(state.CurrentR)
		sumOpenR += r
		sumNotional = sumNotional.Add(p.Notional())
		if isBTC(p.Symbol) {
			btcRiskR += r
		}
	}

	if sumOpenR+proposedR > cfg.Risk.MaxOpenR {
		return Assessment{Reason: fmt.Sprintf("open risk %.2fR + %.2fR exceeds max %.2fR", sumOpenR, proposedR, cfg.Risk.MaxOpenR)}
	}

	if len(open) >= cfg.Risk.MaxPositions {
		return Assessment{Reason: fmt.Sprintf("%d open positions at max %d", len(open), cfg.Risk.MaxPositions)}
	}

	maxNotional := state.Equity.Mul(decimal.NewFromFloat(cfg.Risk.MaxExposurePct))
	if sumNotional.Add(proposedNotional).GreaterThan(maxNotional) {
		return Assessment{Reason: fmt.Sprintf("exposure %s + %s exceeds cap %s",
			sumNotional.StringFixed(2), proposedNotional.StringFixed(2), maxNotional.StringFixed(2))}
	}

	scale := 1.0
	if cfg.Risk.CorrelationGuard && !isBTC(symbol) && btcRiskR >= 1.0 {
		scale = correlationFactor
		log.Debug().
			Str("symbol", symbol).
			Float64("btc_risk_r", btcRiskR).
			Float64("scale", scale).
			Msg("Correlation guard scaling candidate")
	}

	return Assessment{Approved: true, ScaleFactor: scale}
}

// Rollover zeroes the daily and weekly PnL windows when their
// boundaries have been crossed. Runs at the top of every tick.
// Returns which windows rolled.
func (e *Engine) Rollover(state *models.BotState, now time.Time) (daily, weekly bool) {
	if midnight := MidnightOf(now); midnight.After(state.SessionStartDate) {
		state.SessionStartDate = midnight
		state.DailyPnlUSD = decimal.Zero
		state.DailyPnlR = 0
		state.PlaybookBCounters = make(map[string]int)
		daily = true
		log.Info().Time("session_start", midnight).Msg("Daily PnL window rolled")
	}

	if weekStart := WeekStartOf(now); weekStart.After(state.WeekStartDate) {
		state.WeekStartDate = weekStart
		state.WeeklyPnlUSD = decimal.Zero
		state.WeeklyPnlR = 0
		weekly = true
		log.Info().Time("week_start", weekStart).Msg("Weekly PnL window rolled")
	}

	return daily, weekly
}

// RecomputeR refreshes equity and the invariant currentR = equity * R_pct.
func (e *Engine) RecomputeR(cfg *models.BotConfig, state *models.BotState, equity decimal.Decimal) {
	state.Equity = equity
	state.CurrentR = equity.Mul(decimal.NewFromFloat(cfg.Risk.RPct))
	now := time.Now()
	state.RRefreshedAt = &now
}

// HaltCheck returns the halt kind the loss windows demand, if any.
// Open positions' unrealized R counts toward both windows: a book
// bleeding past the stop flattens before the losses realize one by
// one. Thresholds are inclusive: exactly at the stop triggers.
func (e *Engine) HaltCheck(cfg *models.BotConfig, state *models.BotState, open []models.Position) (models.HaltKind, string, bool) {
	unrealized := 0.0
	for i := range open {
		unrealized += open[i].UnrealizedR
	}
	if daily := state.DailyPnlR + unrealized; daily <= cfg.Risk.DailyStopR {
		return models.HaltDaily, fmt.Sprintf("Daily loss limit reached: %.2fR", daily), true
	}
	if weekly := state.WeeklyPnlR + unrealized; weekly <= cfg.Risk.WeeklyStopR {
		return models.HaltWeekly, fmt.Sprintf("Weekly loss limit reached: %.2fR", weekly), true
	}
	return "", "", false
}

// RecordClose rolls a realized result into the daily and weekly PnL
// windows.
func (e *Engine) RecordClose(state *models.BotState, pnlUSD decimal.Decimal, pnlR float64) {
	state.DailyPnlUSD = state.DailyPnlUSD.Add(pnlUSD)
	state.DailyPnlR += pnlR
	state.WeeklyPnlUSD = state.WeeklyPnlUSD.Add(pnlUSD)
	state.WeeklyPnlR += pnlR
}

// MidnightOf returns local midnight of t's day.
func MidnightOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// WeekStartOf returns the Sunday-anchored local midnight of t's week.
func WeekStartOf(t time.Time) time.Time {
	midnight := MidnightOf(t)
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}

func isBTC(symbol string) bool {
	return strings.HasPrefix(strings.ToUpper(symbol), "BTC")
}
