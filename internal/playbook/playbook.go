package playbook

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/indicators"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/scanner"
)

// Candidate is an entry signal proposed by an evaluator. Sizing and all
// pre-trade gates happen downstream; position management reads the
// playbook's config, not the candidate.
type Candidate struct {
	Symbol   string
	Playbook models.Playbook
	Side     models.Side

	Entry  decimal.Decimal
	Stop   decimal.Decimal
	Target decimal.Decimal // zero = managed exit only

	TimeStopMin int  // 0 = no time stop
	EventDriven bool // widens the slippage limit downstream
	MakerFirst  bool

	Reason string
}

// Evaluator is a pure function from market snapshot to at most one
// candidate per tick per symbol.
type Evaluator interface {
	Playbook() models.Playbook
	Evaluate(cfg *models.BotConfig, state *models.BotState, snap *scanner.MarketSnapshot) *Candidate
}

// All returns the evaluators in static priority order (A > C > B > D).
// The first evaluator to fire for a symbol wins the tick.
func All() []Evaluator {
	return []Evaluator{
		&Breakout{},
		&EventBurst{},
		&VWAPReversion{},
		&Dip{},
	}
}

// ───────────────────────────── A: breakout ───────────────────────────

// Breakout fires when the latest close breaks the recent N-bar high on
// expanded volume.
type Breakout struct{}

func (b *Breakout) Playbook() models.Playbook { return models.PlaybookA }

func (b *Breakout) Evaluate(cfg *models.BotConfig, state *models.BotState, snap *scanner.MarketSnapshot) *Candidate {
	pc := cfg.PlaybookA
	if !pc.Enabled {
		return nil
	}
	n := len(snap.Closes)
	if n < pc.Lookback+1 {
		return nil
	}

	lastClose := snap.Closes[n-1]
	lastVolume := snap.Volumes[n-1]

	// Extreme over the lookback window, excluding the breaking bar.
	priorHigh := indicators.Highest(snap.Highs[:n-1], pc.Lookback)
	if lastClose <= priorHigh {
		return nil
	}

	avgVolume := indicators.SMA(snap.Volumes[:n-1], pc.Lookback)
	if avgVolume <= 0 || lastVolume < pc.VolumeMult*avgVolume {
		return nil
	}

	entry := snap.Price
	stop := entry.Sub(snap.ATR.Mul(decimal.NewFromFloat(pc.StopATRMult)))
	if !stop.IsPositive() {
		return nil
	}

	return &Candidate{
		Symbol:   snap.Symbol,
		Playbook: models.PlaybookA,
		Side:     models.SideLong,
		Entry:    entry,
		Stop:     stop,
		Reason:   fmt.Sprintf("close %.2f broke %d-bar high %.2f on %.1fx volume", lastClose, pc.Lookback, priorHigh, lastVolume/avgVolume),
	}
}

// ──────────────────────── B: VWAP mean-reversion ─────────────────────

// VWAPReversion fires when price stretches below session VWAP by a
// configured multiple of ATR. Attempts are session-capped per symbol.
type VWAPReversion struct{}

func (v *VWAPReversion) Playbook() models.Playbook { return models.PlaybookB }

func (v *VWAPReversion) Evaluate(cfg *models.BotConfig, state *models.BotState, snap *scanner.MarketSnapshot) *Candidate {
	pc := cfg.PlaybookB
	if !pc.Enabled {
		return nil
	}
	if state.PlaybookBCounters[snap.Symbol] >= pc.MaxTradesPerSession {
		return nil
	}
	if snap.ATR.IsZero() || snap.VWAP.IsZero() {
		return nil
	}

	// Spot-only: only the below-VWAP stretch is tradeable.
	deviation := snap.VWAP.Sub(snap.Price)
	required := snap.ATR.Mul(decimal.NewFromFloat(pc.DeviationATRMult))
	if deviation.LessThan(required) {
		return nil
	}

	entry := snap.Price
	stop := entry.Sub(snap.ATR.Mul(decimal.NewFromFloat(pc.StopATRMult)))
	if !stop.IsPositive() {
		return nil
	}
	target := entry.Add(entry.Sub(stop).Mul(decimal.NewFromFloat(pc.TargetR)))

	return &Candidate{
		Symbol:      snap.Symbol,
		Playbook:    models.PlaybookB,
		Side:        models.SideLong,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		TimeStopMin: pc.TimeStopMin,
		MakerFirst:  true,
		Reason:      fmt.Sprintf("price %s stretched %s below VWAP %s (>= %s)", entry.StringFixed(2), deviation.StringFixed(2), snap.VWAP.StringFixed(2), required.StringFixed(2)),
	}
}

// ───────────────────────── C: event burst ────────────────────────────

// EventBurst trades only inside a volatility burst window, with a wider
// stop and staged scale-outs managed downstream.
type EventBurst struct{}

func (e *EventBurst) Playbook() models.Playbook { return models.PlaybookC }

func (e *EventBurst) Evaluate(cfg *models.BotConfig, state *models.BotState, snap *scanner.MarketSnapshot) *Candidate {
	pc := cfg.PlaybookC
	if !pc.Enabled {
		return nil
	}
	if !snap.EventActive {
		return nil
	}
	n := len(snap.Closes)
	if n < 2 || snap.ATR.IsZero() {
		return nil
	}

	// Burst must resolve upward: spot-only, no fading.
	if snap.Closes[n-1] <= snap.Closes[n-2] {
		return nil
	}

	entry := snap.Price
	stop := entry.Sub(snap.ATR.Mul(decimal.NewFromFloat(pc.StopATRMult)))
	if !stop.IsPositive() {
		return nil
	}

	var target decimal.Decimal
	if pc.TargetR > 0 {
		target = entry.Add(entry.Sub(stop).Mul(decimal.NewFromFloat(pc.TargetR)))
	}

	return &Candidate{
		Symbol:      snap.Symbol,
		Playbook:    models.PlaybookC,
		Side:        models.SideLong,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		EventDriven: true,
		Reason:      fmt.Sprintf("event burst: bar range >= 2x ATR %s, upward resolution", snap.ATR.StringFixed(2)),
	}
}

// ─────────────────────────────── D: dip ──────────────────────────────

// Dip buys an oversold pullback from the recent high.
type Dip struct{}

func (d *Dip) Playbook() models.Playbook { return models.PlaybookD }

func (d *Dip) Evaluate(cfg *models.BotConfig, state *models.BotState, snap *scanner.MarketSnapshot) *Candidate {
	pc := cfg.PlaybookD
	if !pc.Enabled {
		return nil
	}
	n := len(snap.Closes)
	if n == 0 || snap.ATR.IsZero() {
		return nil
	}

	recentHigh := indicators.Highest(snap.Highs, 20)
	if recentHigh <= 0 {
		return nil
	}
	lastClose := snap.Closes[n-1]
	dipPct := (recentHigh - lastClose) / recentHigh * 100
	if dipPct < pc.DipPct {
		return nil
	}
	if snap.RSI > pc.RSIMax {
		return nil
	}

	entry := snap.Price
	stop := entry.Sub(snap.ATR.Mul(decimal.NewFromFloat(pc.StopATRMult)))
	if !stop.IsPositive() {
		return nil
	}

	var target decimal.Decimal
	if pc.TargetR > 0 {
		target = entry.Add(entry.Sub(stop).Mul(decimal.NewFromFloat(pc.TargetR)))
	}

	return &Candidate{
		Symbol:   snap.Symbol,
		Playbook: models.PlaybookD,
		Side:     models.SideLong,
		Entry:    entry,
		Stop:     stop,
		Target:   target,
		Reason:   fmt.Sprintf("%.1f%% dip from high %.2f with RSI %.0f", dipPct, recentHigh, snap.RSI),
	}
}
