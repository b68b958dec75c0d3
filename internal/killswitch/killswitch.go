package killswitch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/risk"
)

// flattenConcurrency bounds parallel close orders during a halt.
const flattenConcurrency = 4

// Store is the persistence surface the kill-switch needs.
type Store interface {
	GetOpenPositions(userID string) ([]models.Position, error)
	SetBotStatus(userID string, status models.BotStatus, reason, justification string, flattened int) error
	CreateAlert(a *models.Alert) error
}

// Closer flattens a single position. Each close is atomic on its own;
// one failure never blocks the others.
type Closer interface {
	ClosePosition(ctx context.Context, cfg *models.BotConfig, state *models.BotState, pos *models.Position, reason models.CloseReason, tickID int64) error
}

// Switch halts trading and flattens the book. Daily halts self-resume
// at the next session boundary; weekly and manual halts require an
// operator with a justification.
type Switch struct {
	store   Store
	closer  Closer
	notify  func(userID string, level models.AlertLevel, kind, msg string)
	tripped atomic.Bool
}

// New creates a kill-switch. notify may be nil.
func New(store Store, closer Closer, notify func(userID string, level models.AlertLevel, kind, msg string)) *Switch {
	return &Switch{store: store, closer: closer, notify: notify}
}

// Execute trips the switch: flatten every open position in parallel,
// transition the bot status, journal a CRITICAL alert. Flatten failures
// are counted, not fatal; the status transition always happens.
func (s *Switch) Execute(ctx context.Context, cfg *models.BotConfig, state *models.BotState, kind models.HaltKind, reason string, tickID int64) error {
	if !s.tripped.CompareAndSwap(false, true) {
		return nil
	}
	defer s.tripped.Store(false)

	log.Warn().
		Str("user", cfg.UserID).
		Str("kind", string(kind)).
		Str("reason", reason).
		Msg("🛑 Kill-switch tripped")

	open, err := s.store.GetOpenPositions(cfg.UserID)
	if err != nil {
		return fmt.Errorf("kill-switch position load: %w", err)
	}

	var flattened, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flattenConcurrency)
	for i := range open {
		pos := &open[i]
		g.Go(func() error {
			if err := s.closer.ClosePosition(gctx, cfg, state, pos, models.CloseKillSwitch, tickID); err != nil {
				failed.Add(1)
				log.Error().Err(err).
					Str("position", pos.ID).
					Str("symbol", pos.Symbol).
					Msg("Kill-switch flatten failed")
				return nil
			}
			flattened.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	status := kind.Status()
	if err := s.store.SetBotStatus(cfg.UserID, status, reason, "", int(flattened.Load())); err != nil {
		return fmt.Errorf("kill-switch status write: %w", err)
	}
	cfg.Status = status
	cfg.HaltReason = reason

	msg := fmt.Sprintf("%s halt: %s (flattened %d/%d positions", kind, reason, flattened.Load(), len(open))
	if failed.Load() > 0 {
		msg += fmt.Sprintf(", %d FAILED", failed.Load())
	}
	msg += ")"
	s.alert(cfg.UserID, models.AlertCritical, "kill_switch", msg)

	return nil
}

// MaybeResumeDaily lifts a HALTED_DAILY status once the session that
// triggered it has rolled over. Weekly and manual halts never
// self-resume.
func (s *Switch) MaybeResumeDaily(cfg *models.BotConfig, now time.Time) (bool, error) {
	if cfg.Status != models.StatusHaltedDaily {
		return false, nil
	}
	if cfg.HaltAt == nil || !risk.MidnightOf(now).After(risk.MidnightOf(*cfg.HaltAt)) {
		return false, nil
	}

	if err := s.store.SetBotStatus(cfg.UserID, models.StatusActive, "", "", 0); err != nil {
		return false, err
	}
	cfg.Status = models.StatusActive
	cfg.HaltReason = ""
	cfg.HaltAt = nil

	s.alert(cfg.UserID, models.AlertInfo, "resume", "Daily halt lifted at session rollover")
	log.Info().Str("user", cfg.UserID).Msg("✅ Daily halt lifted, trading resumed")
	return true, nil
}

// Resume is the operator path out of a weekly or manual halt. The
// justification is mandatory and journaled.
func (s *Switch) Resume(cfg *models.BotConfig, justification string) error {
	if !cfg.Status.Halted() {
		return fmt.Errorf("bot is not halted (status %s)", cfg.Status)
	}
	if justification == "" {
		return fmt.Errorf("resume from %s requires a justification", cfg.Status)
	}

	if err := s.store.SetBotStatus(cfg.UserID, models.StatusActive, "", justification, 0); err != nil {
		return err
	}
	prev := cfg.Status
	cfg.Status = models.StatusActive
	cfg.HaltReason = ""
	cfg.HaltAt = nil

	s.alert(cfg.UserID, models.AlertWarning, "resume",
		fmt.Sprintf("Operator resume from %s: %s", prev, justification))
	log.Info().
		Str("user", cfg.UserID).
		Str("from", string(prev)).
		Str("justification", justification).
		Msg("Operator resumed trading")
	return nil
}

// alert routes through the notifier when present (it journals and
// pushes); otherwise it journals directly.
func (s *Switch) alert(userID string, level models.AlertLevel, kind, msg string) {
	if s.notify != nil {
		s.notify(userID, level, kind, msg)
		return
	}
	if err := s.store.CreateAlert(&models.Alert{UserID: userID, Level: level, Type: kind, Message: msg}); err != nil {
		log.Error().Err(err).Msg("Failed to journal kill-switch alert")
	}
}
