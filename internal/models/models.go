package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle state of a user's trading pipeline.
type BotStatus string

const (
	StatusActive       BotStatus = "ACTIVE"
	StatusHaltedDaily  BotStatus = "HALTED_DAILY"
	StatusHaltedWeekly BotStatus = "HALTED_WEEKLY"
	StatusStopped      BotStatus = "STOPPED"
)

// Halted reports whether the status blocks new orders.
func (s BotStatus) Halted() bool {
	return s == StatusHaltedDaily || s == StatusHaltedWeekly || s == StatusStopped
}

// Side is a position orientation tag. SHORT never produces an exchange
// short; it only flips the sign in PnL math.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG, -1 for SHORT.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Playbook identifies one of the four strategy templates.
type Playbook string

const (
	PlaybookA Playbook = "A" // breakout
	PlaybookB Playbook = "B" // VWAP mean-reversion
	PlaybookC Playbook = "C" // event burst
	PlaybookD Playbook = "D" // dip
)

// PlaybookPriority is the static tie-break order across playbooks for
// the same symbol: A > C > B > D.
var PlaybookPriority = []Playbook{PlaybookA, PlaybookC, PlaybookB, PlaybookD}

// PositionStatus is OPEN or CLOSED.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTarget     CloseReason = "TARGET"
	CloseTimeStop   CloseReason = "TIME_STOP"
	CloseManual     CloseReason = "MANUAL"
	CloseKillSwitch CloseReason = "KILL_SWITCH"
)

// SignalAction is the scan-cycle decision for a (symbol, playbook).
type SignalAction string

const (
	ActionExecuted SignalAction = "EXECUTED"
	ActionSkipped  SignalAction = "SKIPPED"
)

// TradeOutcome buckets a closed trade.
type TradeOutcome string

const (
	OutcomeWin       TradeOutcome = "WIN"
	OutcomeLoss      TradeOutcome = "LOSS"
	OutcomeBreakeven TradeOutcome = "BREAKEVEN"
)

// AlertLevel is the severity of an Alert row.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// HaltKind is the trigger class passed to the kill-switch.
type HaltKind string

const (
	HaltDaily          HaltKind = "DAILY"
	HaltWeekly         HaltKind = "WEEKLY"
	HaltCircuitBreaker HaltKind = "CIRCUIT_BREAKER"
	HaltMaxDrawdown    HaltKind = "MAX_DRAWDOWN"
	HaltManual         HaltKind = "MANUAL"
)

// Status maps a halt kind to the resulting bot status.
func (k HaltKind) Status() BotStatus {
	switch k {
	case HaltDaily:
		return StatusHaltedDaily
	case HaltWeekly:
		return StatusHaltedWeekly
	default:
		return StatusStopped
	}
}

// ScannerConfig gates which watchlist symbols are tradeable this tick.
type ScannerConfig struct {
	Watchlist         []string        `gorm:"serializer:json"`
	RefreshMS         int             `gorm:"default:15000"`
	MinVolumeUSD24h   decimal.Decimal `gorm:"type:decimal(20,2)"`
	MaxSpreadBps      float64
	MaxSpreadBpsEvent float64
	TOBMinDepthUSD    decimal.Decimal `gorm:"type:decimal(20,2)"`
	CooldownMin       int
}

// RiskConfig holds the R-denominated risk parameters.
type RiskConfig struct {
	RPct             float64 // R as fraction of equity
	DailyStopR       float64 // negative, e.g. -2.0
	WeeklyStopR      float64 // negative, e.g. -5.0
	MaxOpenR         float64
	MaxRPerTrade     float64
	MaxExposurePct   float64
	MaxPositions     int
	CorrelationGuard bool
	SlippageBps      float64
	SlippageBpsEvent float64
}

// ReserveConfig keeps a slice of equity out of play.
type ReserveConfig struct {
	TargetPct float64
	FloorPct  float64
	RefillPct float64
}

// PlaybookAConfig - breakout.
type PlaybookAConfig struct {
	Enabled      bool
	Lookback     int
	VolumeMult   float64
	StopATRMult  float64
	BreakevenR   float64
	ScaleR       float64
	ScalePct     float64 // fraction of current qty reduced at scale
	TrailATRMult float64
}

// PlaybookBConfig - VWAP mean-reversion.
type PlaybookBConfig struct {
	Enabled             bool
	DeviationATRMult    float64
	StopATRMult         float64
	TargetR             float64
	MaxTradesPerSession int
	TimeStopMin         int
}

// PlaybookCConfig - event burst.
type PlaybookCConfig struct {
	Enabled        bool
	EventWindowMin int
	StopATRMult    float64
	Scale1R        float64
	Scale1Pct      float64
	Scale2R        float64
	Scale2Pct      float64
	TargetR        float64
	TrailATRMult   float64
}

// PlaybookDConfig - dip.
type PlaybookDConfig struct {
	Enabled     bool
	DipPct      float64
	RSIMax      float64
	StopATRMult float64
	TargetR     float64
}

// BotConfig is the per-user configuration. It is immutable between
// ticks: the pipeline reads a fresh copy at the top of every tick, and
// only the kill-switch, admin resets, or operator actions mutate it.
type BotConfig struct {
	UserID string `gorm:"primaryKey"`

	Status BotStatus `gorm:"default:ACTIVE"`

	HaltReason        string
	HaltAt            *time.Time
	HaltJustification string
	HaltFlattened     int

	Scanner   ScannerConfig   `gorm:"embedded;embeddedPrefix:scanner_"`
	Risk      RiskConfig      `gorm:"embedded;embeddedPrefix:risk_"`
	Reserve   ReserveConfig   `gorm:"embedded;embeddedPrefix:reserve_"`
	PlaybookA PlaybookAConfig `gorm:"embedded;embeddedPrefix:pb_a_"`
	PlaybookB PlaybookBConfig `gorm:"embedded;embeddedPrefix:pb_b_"`
	PlaybookC PlaybookCConfig `gorm:"embedded;embeddedPrefix:pb_c_"`
	PlaybookD PlaybookDConfig `gorm:"embedded;embeddedPrefix:pb_d_"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotState is the mutable per-tick state. The user's trading actor is
// the only writer; everyone else reads snapshots.
type BotState struct {
	UserID string `gorm:"primaryKey"`

	IsRunning      bool
	StartingEquity decimal.Decimal `gorm:"type:decimal(20,8)"`
	Equity         decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentR       decimal.Decimal `gorm:"type:decimal(20,8)"` // equity * RPct
	RRefreshedAt   *time.Time      // last successful equity/R refresh

	DailyPnlUSD  decimal.Decimal `gorm:"type:decimal(20,8)"`
	DailyPnlR    float64
	WeeklyPnlUSD decimal.Decimal `gorm:"type:decimal(20,8)"`
	WeeklyPnlR   float64

	SessionStartDate time.Time // local-midnight boundary
	WeekStartDate    time.Time // Sunday-anchored local-midnight

	LastScanAt   *time.Time
	LastSignalAt *time.Time

	LastPairSignalTimes map[string]time.Time `gorm:"serializer:json"`
	PlaybookBCounters   map[string]int       `gorm:"serializer:json"`

	UpdatedAt time.Time
}

// Position is a live or closed spot holding.
type Position struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"index:idx_pos_user_status_symbol,priority:1"`
	Symbol   string `gorm:"index:idx_pos_user_status_symbol,priority:3"`
	Side     Side
	Playbook Playbook

	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	TargetPrice decimal.Decimal `gorm:"type:decimal(20,8)"` // zero = none

	Status   PositionStatus `gorm:"index:idx_pos_user_status_symbol,priority:2"`
	OpenedAt time.Time
	ClosedAt *time.Time

	CurrentPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	UnrealizedPnl decimal.Decimal `gorm:"type:decimal(20,8)"`
	UnrealizedR   float64
	HoldTimeSec   int64
	FeesPaid      decimal.Decimal `gorm:"type:decimal(20,8)"`

	Scaled1       bool
	Scaled2       bool
	TrailDistance decimal.Decimal `gorm:"type:decimal(20,8)"` // zero = no trail

	RealizedPnl decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedR   float64
	CloseReason CloseReason

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RiskInR is the open risk of the position expressed in R.
func (p *Position) RiskInR(currentR decimal.Decimal) float64 {
	if currentR.IsZero() {
		return 0
	}
	risk := p.EntryPrice.Sub(p.StopPrice).Abs().Mul(p.Quantity)
	r, _ := risk.Div(currentR).Float64()
	return r
}

// Notional returns quantity * entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Trade is the immutable record appended when a position closes.
type Trade struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"index:idx_trade_user_date,priority:1"`
	PositionID string `gorm:"index"`
	Symbol     string
	Side       Side
	Playbook   Playbook

	EntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnlUSD     decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnlR       float64
	Fees       decimal.Decimal `gorm:"type:decimal(20,8)"`

	Outcome TradeOutcome
	Notes   string

	CreatedAt time.Time `gorm:"index:idx_trade_user_date,priority:2,sort:desc"`
}

// Signal records one scan-cycle decision. Every non-trivial decision,
// including each gate rejection, produces exactly one row.
type Signal struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"index:idx_signal_user_date,priority:1"`
	Symbol   string
	Playbook Playbook

	Action     SignalAction
	Gate       string
	Reason     string
	EntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`

	CreatedAt time.Time `gorm:"index:idx_signal_user_date,priority:2,sort:desc"`
}

// Alert is a notification journal entry.
type Alert struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	UserID  string `gorm:"index:idx_alert_user_date,priority:1"`
	Level   AlertLevel
	Type    string
	Message string

	CreatedAt time.Time `gorm:"index:idx_alert_user_date,priority:2,sort:desc"`
}
