package guardrails

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/risk"
)

// Gate names, in chain order. Cheapest checks run first so most
// rejections cost nothing.
const (
	GateSpotOnly   = "spot_only"
	GateRClamp     = "r_clamp"
	GateKillSwitch = "kill_switch"
	GateFilters    = "exchange_filters"
	GateSlippage   = "slippage"
	GateExposure   = "exposure"
)

// Request is one proposed order entering the chain.
type Request struct {
	UserID   string
	Symbol   string
	Action   string // BUY or SELL
	Side     models.Side
	Playbook models.Playbook

	Price       decimal.Decimal // current order price, snapped
	SignalPrice decimal.Decimal // price at signal time
	Quantity    decimal.Decimal

	ProposedR        float64
	ProposedNotional decimal.Decimal

	EventDriven bool
	IsClosing   bool
}

// Verdict is the chain's decision. Exactly one gate may reject; its
// name and reason travel to the Signal row.
type Verdict struct {
	Approved    bool
	Gate        string
	Reason      string
	ScaleFactor float64 // correlation guard may scale an approval
}

// FilterSource resolves exchange trading rules.
type FilterSource interface {
	Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, error)
}

// Chain is the fixed, ordered pre-trade gate sequence. It
// short-circuits on the first failure.
type Chain struct {
	riskEngine *risk.Engine
	filters    FilterSource
}

// New creates the guardrail chain.
func New(riskEngine *risk.Engine, filters FilterSource) *Chain {
	return &Chain{riskEngine: riskEngine, filters: filters}
}

// Check runs the chain. Order is fixed: spot-only, R clamp,
// kill-switch, exchange filters, slippage, exposure. The exposure gate
// is skipped for closing orders, which must never be blocked.
func (c *Chain) Check(ctx context.Context, cfg *models.BotConfig, state *models.BotState, open []models.Position, req Request) Verdict {
	reject := func(gate, reason string) Verdict {
		log.Debug().
			Str("symbol", req.Symbol).
			Str("gate", gate).
			Str("reason", reason).
			Msg("Order rejected by guardrail")
		return Verdict{Gate: gate, Reason: reason}
	}

	// 1. Spot-only: a BUY can never open a SHORT.
	if req.Action == exchange.SideBuy && req.Side == models.SideShort {
		return reject(GateSpotOnly, "BUY with SHORT orientation is not a spot order")
	}

	// 2. Per-trade R clamp.
	maxR := cfg.Risk.MaxRPerTrade
	if maxR <= 0 {
		maxR = 1.0
	}
	if !req.IsClosing && req.ProposedR > maxR {
		return reject(GateRClamp, fmt.Sprintf("proposed %.2fR exceeds per-trade max %.2fR", req.ProposedR, maxR))
	}

	// 3. Kill-switch stickiness, plus a fresh read of the halt
	// predicate in case this tick's losses already crossed a stop.
	if cfg.Status.Halted() {
		return reject(GateKillSwitch, fmt.Sprintf("bot status is %s", cfg.Status))
	}
	if !req.IsClosing {
		if kind, reason, halted := c.riskEngine.HaltCheck(cfg, state, open); halted {
			return reject(GateKillSwitch, fmt.Sprintf("%s halt pending: %s", kind, reason))
		}
	}

	// 4. Exchange filters: (symbol, price, quantity).
	f, err := c.filters.Filters(ctx, req.Symbol)
	if err != nil {
		return reject(GateFilters, "filter lookup failed: "+err.Error())
	}
	if violated := f.Validate(req.Price, req.Quantity); violated != "" {
		return reject(GateFilters, fmt.Sprintf("%s violated (price=%s qty=%s)", violated, req.Price, req.Quantity))
	}

	// 5. Slippage guard against the signal price.
	if !req.SignalPrice.IsZero() {
		limit := cfg.Risk.SlippageBps
		if req.EventDriven && cfg.Risk.SlippageBpsEvent > 0 {
			limit = cfg.Risk.SlippageBpsEvent
		}
		bps := SlippageBps(req.SignalPrice, req.Price)
		if bps > limit {
			return reject(GateSlippage, fmt.Sprintf("slippage %.0f bps exceeds limit %.0f bps", bps, limit))
		}
	}

	// 6. Exposure limits. Closing orders reduce risk and bypass this.
	scale := 1.0
	if !req.IsClosing {
		assessment := c.riskEngine.CheckAggregate(cfg, state, open, req.Symbol, req.ProposedR, req.ProposedNotional)
		if !assessment.Approved {
			return reject(GateExposure, assessment.Reason)
		}
		scale = assessment.ScaleFactor
	}

	return Verdict{Approved: true, ScaleFactor: scale}
}

// SlippageBps is |current - signal| / signal * 10000.
func SlippageBps(signalPrice, currentPrice decimal.Decimal) float64 {
	if signalPrice.IsZero() {
		return 0
	}
	bps, _ := currentPrice.Sub(signalPrice).Abs().
		Div(signalPrice).
		Mul(decimal.NewFromInt(10000)).
		Float64()
	return bps
}
