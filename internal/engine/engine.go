// Package engine runs the per-user trading pipeline: scan, evaluate,
// size, gate, execute, persist.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/execution"
	"github.com/hedgerow/spotbot/internal/guardrails"
	"github.com/hedgerow/spotbot/internal/killswitch"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/playbook"
	"github.com/hedgerow/spotbot/internal/position"
	"github.com/hedgerow/spotbot/internal/reserve"
	"github.com/hedgerow/spotbot/internal/risk"
	"github.com/hedgerow/spotbot/internal/scanner"
	"github.com/hedgerow/spotbot/internal/store"
)

const quoteAsset = "USDT"

// maxRAge bounds how stale currentR may be before sizing becomes
// untrustworthy and the tick is abandoned.
const maxRAge = 10 * time.Minute

// Engine drives one user's full tick pipeline. Ticks are serialized:
// the scheduler never overlaps them, and operator commands take the
// same lock.
type Engine struct {
	userID     string
	store      *store.Store
	ex         exchange.Interface
	scanner    *scanner.Scanner
	evaluators []playbook.Evaluator
	riskEngine *risk.Engine
	chain      *guardrails.Chain
	reserve    *reserve.Manager
	router     *execution.Router
	positions  *position.Manager
	ks         *killswitch.Switch
	notify     func(userID string, level models.AlertLevel, kind, msg string)

	mu      sync.Mutex
	tickSeq atomic.Int64
}

// New wires the pipeline. notify may be nil.
func New(userID string, st *store.Store, ex exchange.Interface, sc *scanner.Scanner,
	riskEngine *risk.Engine, chain *guardrails.Chain, res *reserve.Manager,
	router *execution.Router, positions *position.Manager, ks *killswitch.Switch,
	notify func(userID string, level models.AlertLevel, kind, msg string)) *Engine {

	e := &Engine{
		userID:     userID,
		store:      st,
		ex:         ex,
		scanner:    sc,
		evaluators: playbook.All(),
		riskEngine: riskEngine,
		chain:      chain,
		reserve:    res,
		router:     router,
		positions:  positions,
		ks:         ks,
		notify:     notify,
	}
	// Seed past any tick IDs from a previous run so idempotency keys
	// never collide across restarts.
	e.tickSeq.Store(time.Now().Unix())
	return e
}

// Tick runs one full pipeline pass.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tickID := e.tickSeq.Add(1)
	now := time.Now()

	cfg, err := e.store.GetBotConfig(e.userID)
	if err != nil {
		return fmt.Errorf("tick config load: %w", err)
	}
	state, err := e.store.GetBotState(e.userID)
	if err != nil {
		return fmt.Errorf("tick state load: %w", err)
	}

	// 1. PnL window rollover.
	daily, _ := e.riskEngine.Rollover(state, now)

	// 2. Daily halts lift themselves at the session boundary.
	if daily || cfg.Status == models.StatusHaltedDaily {
		if _, err := e.ks.MaybeResumeDaily(cfg, now); err != nil {
			log.Error().Err(err).Msg("Daily resume failed")
		}
	}

	// 3. Refresh equity and R. A failed balance read keeps the last
	// known equity rather than zeroing position sizing.
	if equity, err := e.computeEquity(ctx); err != nil {
		log.Warn().Err(err).Msg("Equity refresh failed, using last known value")
	} else {
		e.riskEngine.RecomputeR(cfg, state, equity)
		if state.StartingEquity.IsZero() {
			state.StartingEquity = equity
		}
	}

	// Sizing and R-multiple math both read currentR. If the refresh
	// above failed and the last good value is too old, the rest of
	// this tick would act on numbers that no longer describe the
	// account: abandon it and let the next tick start fresh.
	if state.RRefreshedAt == nil || now.Sub(*state.RRefreshedAt) > maxRAge {
		e.alert(models.AlertWarning, "stale_risk_state",
			fmt.Sprintf("currentR not refreshed within %s, aborting tick", maxRAge))
		return e.store.SaveBotState(state)
	}

	// 4. Step every open position through its state machine.
	e.positions.UpdateAll(ctx, cfg, state, tickID, now)

	// 5. Kill-switch: realized closes plus the book's freshly marked
	// unrealized R may have crossed a stop.
	if !cfg.Status.Halted() {
		open, err := e.store.GetOpenPositions(e.userID)
		if err != nil {
			log.Error().Err(err).Msg("Open position load failed, skipping halt check")
		} else if kind, reason, halted := e.riskEngine.HaltCheck(cfg, state, open); halted {
			if err := e.ks.Execute(ctx, cfg, state, kind, reason, tickID); err != nil {
				log.Error().Err(err).Msg("Kill-switch execution failed")
			}
		}
	}

	// 6. New entries only while active.
	if !cfg.Status.Halted() {
		snaps := e.scanner.Scan(ctx, e.userID, cfg, state, now)
		state.LastScanAt = &now
		e.enterCandidates(ctx, cfg, state, snaps, tickID, now)
	}

	if err := e.store.SaveBotState(state); err != nil {
		return fmt.Errorf("tick state save: %w", err)
	}
	return nil
}

// enterCandidates evaluates the playbooks over this tick's snapshots
// and routes approved entries. Per symbol the highest-priority playbook
// wins; a symbol with an open position is skipped outright.
func (e *Engine) enterCandidates(ctx context.Context, cfg *models.BotConfig, state *models.BotState, snaps map[string]*scanner.MarketSnapshot, tickID int64, now time.Time) {
	open, err := e.store.GetOpenPositions(e.userID)
	if err != nil {
		log.Error().Err(err).Msg("Open position load failed, skipping entries")
		return
	}
	held := make(map[string]bool, len(open))
	for i := range open {
		held[open[i].Symbol] = true
	}

	for _, symbol := range cfg.Scanner.Watchlist {
		snap, ok := snaps[symbol]
		if !ok || held[symbol] {
			continue
		}

		for _, ev := range e.evaluators {
			cand := ev.Evaluate(cfg, state, snap)
			if cand == nil {
				continue
			}
			if e.enter(ctx, cfg, state, open, cand, tickID, now) {
				open, _ = e.store.GetOpenPositions(e.userID)
			}
			break // first firing playbook ends the symbol's tick
		}
	}
}

// enter sizes, gates and routes one candidate. Returns true when a
// position was opened.
func (e *Engine) enter(ctx context.Context, cfg *models.BotConfig, state *models.BotState, open []models.Position, cand *playbook.Candidate, tickID int64, now time.Time) bool {
	qty, err := e.riskEngine.Size(state, cand.Entry, cand.Stop)
	if err != nil {
		e.recordSkip(cand, "sizing", err.Error())
		return false
	}

	if e.reserve.BelowTarget(cfg, state, open) {
		e.recordSkip(cand, "reserve", "free capital below reserve target, waiting for profits to refill")
		return false
	}

	// Exchange-conformant shape before any gate sees the order: the
	// raw R-sized quantity is almost never a lot-step multiple.
	f, err := e.ex.Filters(ctx, cand.Symbol)
	if err != nil {
		e.recordSkip(cand, guardrails.GateFilters, "filter lookup failed: "+err.Error())
		return false
	}
	qty = f.SnapQty(qty)
	if qty.IsZero() {
		e.recordSkip(cand, guardrails.GateFilters, "sized quantity rounds to zero at lot step "+f.QtyStep.String())
		return false
	}

	// Gate against the live price: the slippage guard measures drift
	// between the signal and now.
	price := e.ex.LastPrice(cand.Symbol)
	if price.IsZero() {
		price = cand.Entry
	}
	price = f.SnapPrice(price)

	verdict := e.chain.Check(ctx, cfg, state, open, guardrails.Request{
		UserID:           e.userID,
		Symbol:           cand.Symbol,
		Action:           exchange.SideBuy,
		Side:             cand.Side,
		Playbook:         cand.Playbook,
		Price:            price,
		SignalPrice:      cand.Entry,
		Quantity:         qty,
		ProposedR:        1.0,
		ProposedNotional: qty.Mul(price),
		EventDriven:      cand.EventDriven,
	})
	if !verdict.Approved {
		e.recordSkip(cand, verdict.Gate, verdict.Reason)
		return false
	}
	if verdict.ScaleFactor != 1.0 {
		qty = f.SnapQty(qty.Mul(decimal.NewFromFloat(verdict.ScaleFactor)))
		if qty.IsZero() {
			e.recordSkip(cand, guardrails.GateFilters, "scaled quantity rounds to zero at lot step "+f.QtyStep.String())
			return false
		}
	}

	notional := qty.Mul(price)
	if ok, reason := e.reserve.Check(cfg, state, open, notional); !ok {
		e.recordSkip(cand, "reserve", reason)
		return false
	}

	slippageLimit := cfg.Risk.SlippageBps
	if cand.EventDriven && cfg.Risk.SlippageBpsEvent > 0 {
		slippageLimit = cfg.Risk.SlippageBpsEvent
	}

	res := e.router.Execute(ctx, execution.Order{
		UserID:           e.userID,
		Symbol:           cand.Symbol,
		Side:             exchange.SideBuy,
		Quantity:         qty,
		LimitPrice:       price,
		ReferencePrice:   cand.Entry,
		TickID:           tickID,
		Purpose:          "entry-" + string(cand.Playbook),
		MakerFirst:       cand.MakerFirst,
		SlippageLimitBps: slippageLimit,
	})
	if !res.Success {
		e.recordSkip(cand, "execution", res.Err.Error())
		if res.Kind == execution.KindInsufficientBalance || res.Kind == execution.KindNonRetryable {
			e.alert(models.AlertError, "execution",
				fmt.Sprintf("%s entry failed: %v", cand.Symbol, res.Err))
		}
		return false
	}

	pos := &models.Position{
		ID:           uuid.NewString(),
		UserID:       e.userID,
		Symbol:       cand.Symbol,
		Side:         cand.Side,
		Playbook:     cand.Playbook,
		EntryPrice:   res.FillPrice,
		Quantity:     res.FilledQty,
		StopPrice:    cand.Stop,
		TargetPrice:  cand.Target,
		Status:       models.PositionOpen,
		OpenedAt:     now,
		CurrentPrice: res.FillPrice,
		FeesPaid:     res.Fees,
	}
	if err := e.store.CreatePosition(pos); err != nil {
		// The order filled but the position row is lost. This is the
		// one state the pipeline cannot repair on its own.
		e.alert(models.AlertCritical, "persistence_failure",
			fmt.Sprintf("position write failed after fill: %s qty %s order %s: %v",
				cand.Symbol, res.FilledQty, res.OrderID, err))
		return false
	}

	if err := e.store.SetLastPairSignalTime(e.userID, cand.Symbol, now); err != nil {
		log.Error().Err(err).Str("symbol", cand.Symbol).Msg("Cooldown timestamp write failed")
	}
	if state.LastPairSignalTimes == nil {
		state.LastPairSignalTimes = make(map[string]time.Time)
	}
	state.LastPairSignalTimes[cand.Symbol] = now

	if cand.Playbook == models.PlaybookB {
		if err := e.store.IncrPlaybookBCounter(e.userID, cand.Symbol); err != nil {
			log.Error().Err(err).Str("symbol", cand.Symbol).Msg("Session counter write failed")
		}
		if state.PlaybookBCounters == nil {
			state.PlaybookBCounters = make(map[string]int)
		}
		state.PlaybookBCounters[cand.Symbol]++
	}

	state.LastSignalAt = &now
	e.recordExecuted(cand, res.FillPrice, verdict.ScaleFactor)

	log.Info().
		Str("symbol", cand.Symbol).
		Str("playbook", string(cand.Playbook)).
		Str("entry", res.FillPrice.StringFixed(2)).
		Str("stop", cand.Stop.StringFixed(2)).
		Str("qty", res.FilledQty.String()).
		Str("reason", cand.Reason).
		Msg("🎯 Position opened")
	return true
}

// computeEquity values the account in quote terms: the quote balance
// plus every other asset marked at its last trade price.
func (e *Engine) computeEquity(ctx context.Context) (decimal.Decimal, error) {
	balances, err := e.ex.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	equity := decimal.Zero
	for _, b := range balances {
		total := b.Free.Add(b.Locked)
		if total.IsZero() {
			continue
		}
		if b.Asset == quoteAsset {
			equity = equity.Add(total)
			continue
		}

		symbol := b.Asset + quoteAsset
		price := e.ex.LastPrice(symbol)
		if price.IsZero() {
			ticker, err := e.ex.GetTicker(ctx, symbol)
			if err != nil {
				log.Debug().Str("asset", b.Asset).Msg("No quote price for asset, excluded from equity")
				continue
			}
			price = ticker.LastPrice
		}
		equity = equity.Add(total.Mul(price))
	}
	return equity, nil
}

// Halt is the operator path into a manual kill-switch.
func (e *Engine) Halt(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetBotConfig(e.userID)
	if err != nil {
		return err
	}
	state, err := e.store.GetBotState(e.userID)
	if err != nil {
		return err
	}
	if err := e.ks.Execute(ctx, cfg, state, models.HaltManual, reason, e.tickSeq.Add(1)); err != nil {
		return err
	}
	return e.store.SaveBotState(state)
}

// Resume is the operator path out of a halt. The kill-switch enforces
// the justification requirement.
func (e *Engine) Resume(justification string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetBotConfig(e.userID)
	if err != nil {
		return err
	}
	return e.ks.Resume(cfg, justification)
}

func (e *Engine) recordSkip(cand *playbook.Candidate, gate, reason string) {
	log.Debug().
		Str("symbol", cand.Symbol).
		Str("playbook", string(cand.Playbook)).
		Str("gate", gate).
		Str("reason", reason).
		Msg("Candidate skipped")
	sig := &models.Signal{
		UserID:     e.userID,
		Symbol:     cand.Symbol,
		Playbook:   cand.Playbook,
		Action:     models.ActionSkipped,
		Gate:       gate,
		Reason:     reason,
		EntryPrice: cand.Entry,
	}
	if err := e.store.CreateSignal(sig); err != nil {
		log.Error().Err(err).Msg("Signal row write failed")
	}
}

func (e *Engine) recordExecuted(cand *playbook.Candidate, fill decimal.Decimal, scale float64) {
	reason := cand.Reason
	if scale != 1.0 {
		reason = fmt.Sprintf("%s; correlation guard scaled size to %.2fx", reason, scale)
	}
	sig := &models.Signal{
		UserID:     e.userID,
		Symbol:     cand.Symbol,
		Playbook:   cand.Playbook,
		Action:     models.ActionExecuted,
		Reason:     reason,
		EntryPrice: fill,
	}
	if err := e.store.CreateSignal(sig); err != nil {
		log.Error().Err(err).Msg("Signal row write failed")
	}
}

func (e *Engine) alert(level models.AlertLevel, kind, msg string) {
	if e.notify != nil {
		e.notify(e.userID, level, kind, msg)
	}
}
