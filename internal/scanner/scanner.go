package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/indicators"
	"github.com/hedgerow/spotbot/internal/models"
)

const (
	// AnalysisInterval is the candle interval the pipeline evaluates.
	AnalysisInterval = "5m"

	// MinCandles is the minimum history required to trade a symbol.
	MinCandles = 100

	klineLimit  = 120
	depthLevels = 5
	atrPeriod   = 14
)

// MarketSnapshot is the per-symbol market view handed to the playbook
// evaluators. Symbols failing any quality gate never get one.
type MarketSnapshot struct {
	Symbol string

	Price decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal

	SpreadBps   float64
	BidDepthUSD decimal.Decimal
	AskDepthUSD decimal.Decimal
	Volume24h   decimal.Decimal

	ATR       decimal.Decimal
	VWAP      decimal.Decimal
	RSI       float64
	SMAFast   float64
	SMASlow   float64
	BollWidth float64

	// EventActive marks a volatility burst window; playbook C trades
	// only inside it and the spread gate widens to the event limit.
	EventActive bool

	Highs   []float64
	Lows    []float64
	Closes  []float64
	Volumes []float64

	FetchedAt time.Time
}

// SignalRecorder persists scan-cycle decisions.
type SignalRecorder interface {
	CreateSignal(sig *models.Signal) error
}

// Scanner filters the watchlist down to tradeable symbols and builds
// their market snapshots.
type Scanner struct {
	ex      exchange.Interface
	signals SignalRecorder

	// Burst windows outlive the bar that opened them.
	burstMu    sync.Mutex
	burstStart map[string]time.Time
}

// New creates a scanner.
func New(ex exchange.Interface, signals SignalRecorder) *Scanner {
	return &Scanner{ex: ex, signals: signals, burstStart: make(map[string]time.Time)}
}

// Scan runs the quality gates over the watchlist. Failing symbols are
// absent from the returned map and have a SKIPPED signal row with the
// gate reason. Exchange errors are isolated per symbol.
func (s *Scanner) Scan(ctx context.Context, userID string, cfg *models.BotConfig, state *models.BotState, now time.Time) map[string]*MarketSnapshot {
	out := make(map[string]*MarketSnapshot, len(cfg.Scanner.Watchlist))

	for _, symbol := range cfg.Scanner.Watchlist {
		snap, gate, reason := s.scanSymbol(ctx, symbol, cfg, state, now)
		if snap != nil {
			out[symbol] = snap
			continue
		}
		if gate == "" {
			continue // exchange error already logged, nothing to record
		}
		s.recordSkip(userID, symbol, gate, reason)
	}

	return out
}

func (s *Scanner) scanSymbol(ctx context.Context, symbol string, cfg *models.BotConfig, state *models.BotState, now time.Time) (*MarketSnapshot, string, string) {
	// Cooldown first, before any API call.
	if last, ok := state.LastPairSignalTimes[symbol]; ok {
		cooldown := time.Duration(cfg.Scanner.CooldownMin) * time.Minute
		if elapsed := now.Sub(last); elapsed < cooldown {
			return nil, "cooldown", fmt.Sprintf("cooldown: %s of %s elapsed since last signal", elapsed.Round(time.Second), cooldown)
		}
	}

	ticker, err := s.ex.GetTicker(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Ticker fetch failed, skipping symbol")
		s.recordSkip(state.UserID, symbol, "exchange_error", "ticker fetch failed: "+err.Error())
		return nil, "", ""
	}

	if ticker.QuoteVolume24h.LessThan(cfg.Scanner.MinVolumeUSD24h) {
		return nil, "volume", fmt.Sprintf("24h volume %s below minimum %s",
			ticker.QuoteVolume24h.StringFixed(0), cfg.Scanner.MinVolumeUSD24h.StringFixed(0))
	}

	spreadBps := spreadBps(ticker.Bid, ticker.Ask)

	depth, err := s.ex.GetDepth(ctx, symbol, depthLevels)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Depth fetch failed, skipping symbol")
		s.recordSkip(state.UserID, symbol, "exchange_error", "depth fetch failed: "+err.Error())
		return nil, "", ""
	}

	bidDepth := depthUSD(depth.Bids)
	askDepth := depthUSD(depth.Asks)
	minDepth := bidDepth
	if askDepth.LessThan(minDepth) {
		minDepth = askDepth
	}
	if minDepth.LessThan(cfg.Scanner.TOBMinDepthUSD) {
		return nil, "depth", fmt.Sprintf("top-of-book depth %s below minimum %s",
			minDepth.StringFixed(0), cfg.Scanner.TOBMinDepthUSD.StringFixed(0))
	}

	klines, err := s.ex.GetKlines(ctx, symbol, AnalysisInterval, klineLimit)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Klines fetch failed, skipping symbol")
		s.recordSkip(state.UserID, symbol, "exchange_error", "klines fetch failed: "+err.Error())
		return nil, "", ""
	}
	if len(klines) < MinCandles {
		return nil, "history", fmt.Sprintf("only %d candles available, need %d", len(klines), MinCandles)
	}

	snap := buildSnapshot(symbol, ticker, klines, spreadBps, bidDepth, askDepth, now)
	snap.EventActive = s.eventWindow(symbol, snap.EventActive, cfg.PlaybookC.EventWindowMin, now)

	// Spread gate runs after the event flag is known: event windows get
	// the wider limit.
	limit := cfg.Scanner.MaxSpreadBps
	if snap.EventActive && cfg.Scanner.MaxSpreadBpsEvent > 0 {
		limit = cfg.Scanner.MaxSpreadBpsEvent
	}
	if spreadBps > limit {
		return nil, "spread", fmt.Sprintf("spread %.1f bps above limit %.1f bps", spreadBps, limit)
	}

	return snap, "", ""
}

func buildSnapshot(symbol string, ticker *exchange.Ticker, klines []exchange.Kline, spread float64, bidDepth, askDepth decimal.Decimal, now time.Time) *MarketSnapshot {
	n := len(klines)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range klines {
		highs[i], _ = k.High.Float64()
		lows[i], _ = k.Low.Float64()
		closes[i], _ = k.Close.Float64()
		volumes[i], _ = k.Volume.Float64()
	}

	atr := indicators.ATR(highs, lows, closes, atrPeriod)
	vwap := indicators.VWAP(closes, volumes)

	// Volatility burst: latest bar range at least double the ATR.
	eventActive := false
	if atr > 0 && n > 0 {
		lastRange := highs[n-1] - lows[n-1]
		eventActive = lastRange >= 2*atr
	}

	return &MarketSnapshot{
		Symbol:      symbol,
		Price:       ticker.LastPrice,
		Bid:         ticker.Bid,
		Ask:         ticker.Ask,
		SpreadBps:   spread,
		BidDepthUSD: bidDepth,
		AskDepthUSD: askDepth,
		Volume24h:   ticker.QuoteVolume24h,
		ATR:         decimal.NewFromFloat(atr),
		VWAP:        decimal.NewFromFloat(vwap),
		RSI:         indicators.RSI(closes, 14),
		SMAFast:     indicators.SMA(closes, 9),
		SMASlow:     indicators.SMA(closes, 21),
		BollWidth:   indicators.BollingerWidth(closes, 20),
		EventActive: eventActive,
		Highs:       highs,
		Lows:        lows,
		Closes:      closes,
		Volumes:     volumes,
		FetchedAt:   now,
	}
}

// eventWindow extends an instantaneous volatility burst into a window:
// once a bar qualifies, the symbol stays event-flagged for the
// configured number of minutes even after the bars calm down.
func (s *Scanner) eventWindow(symbol string, burstNow bool, windowMin int, now time.Time) bool {
	s.burstMu.Lock()
	defer s.burstMu.Unlock()

	window := time.Duration(windowMin) * time.Minute
	if burstNow {
		if start, ok := s.burstStart[symbol]; !ok || now.Sub(start) >= window {
			s.burstStart[symbol] = now
		}
		return true
	}

	start, ok := s.burstStart[symbol]
	if !ok {
		return false
	}
	if window <= 0 || now.Sub(start) >= window {
		delete(s.burstStart, symbol)
		return false
	}
	return true
}

func (s *Scanner) recordSkip(userID, symbol, gate, reason string) {
	sig := &models.Signal{
		UserID: userID,
		Symbol: symbol,
		Action: models.ActionSkipped,
		Gate:   gate,
		Reason: reason,
	}
	if err := s.signals.CreateSignal(sig); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist skip signal")
	}
	log.Debug().Str("symbol", symbol).Str("gate", gate).Str("reason", reason).Msg("Symbol skipped")
}

func spreadBps(bid, ask decimal.Decimal) float64 {
	if bid.IsZero() || ask.IsZero() {
		return 0
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return 0
	}
	bps, _ := ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

func depthUSD(levels []exchange.Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Price.Mul(l.Quantity))
	}
	return total
}
