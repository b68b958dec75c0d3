package reserve

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/models"
)

// Manager keeps a slice of equity permanently out of play. An entry
// only passes if the capital left after it still covers the reserve
// floor.
type Manager struct{}

// New creates a reserve manager.
func New() *Manager {
	return &Manager{}
}

// Available returns equity minus the sum of open position notionals.
func (m *Manager) Available(state *models.BotState, open []models.Position) decimal.Decimal {
	deployed := decimal.Zero
	for i := range open {
		deployed = deployed.Add(open[i].Notional())
	}
	return state.Equity.Sub(deployed)
}

// Check approves a proposed entry notional. The floor is a fraction of
// current equity that must remain free after the order fills.
func (m *Manager) Check(cfg *models.BotConfig, state *models.BotState, open []models.Position, proposedNotional decimal.Decimal) (bool, string) {
	available := m.Available(state, open)
	floor := state.Equity.Mul(decimal.NewFromFloat(cfg.Reserve.FloorPct))
	required := proposedNotional.Add(floor)

	if available.LessThan(required) {
		reason := fmt.Sprintf("available %s below notional %s + reserve floor %s",
			available.StringFixed(2), proposedNotional.StringFixed(2), floor.StringFixed(2))
		log.Debug().Str("reason", reason).Msg("Reserve check failed")
		return false, reason
	}
	return true, ""
}

// BelowTarget reports whether free capital has fallen under the target
// reserve, which pauses new entries until profits refill it.
func (m *Manager) BelowTarget(cfg *models.BotConfig, state *models.BotState, open []models.Position) bool {
	if cfg.Reserve.TargetPct <= 0 {
		return false
	}
	target := state.Equity.Mul(decimal.NewFromFloat(cfg.Reserve.TargetPct))
	refill := target.Mul(decimal.NewFromFloat(cfg.Reserve.RefillPct))
	return m.Available(state, open).LessThan(target.Sub(refill))
}
