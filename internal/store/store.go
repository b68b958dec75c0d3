package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hedgerow/spotbot/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// Store wraps the database. Positions, trades, signals and alerts are
// indexed per user; BotState map fields are updated atomically per key.
type Store struct {
	db *gorm.DB
}

// New opens the database. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite file path.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&models.BotConfig{},
		&models.BotState{},
		&models.Position{},
		&models.Trade{},
		&models.Signal{},
		&models.Alert{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// ───────────────────────────── BotConfig ─────────────────────────────

// GetBotConfig returns the user's config.
func (s *Store) GetBotConfig(userID string) (*models.BotConfig, error) {
	var cfg models.BotConfig
	err := s.db.First(&cfg, "user_id = ?", userID).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveBotConfig upserts the config.
func (s *Store) SaveBotConfig(cfg *models.BotConfig) error {
	return s.db.Save(cfg).Error
}

// EnsureBotConfig inserts defaults if the user has no config yet and
// returns the stored row.
func (s *Store) EnsureBotConfig(defaults *models.BotConfig) (*models.BotConfig, error) {
	cfg, err := s.GetBotConfig(defaults.UserID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := s.db.Create(defaults).Error; err != nil {
		return nil, err
	}
	return defaults, nil
}

// SetBotStatus transitions the bot status and records halt metadata.
func (s *Store) SetBotStatus(userID string, status models.BotStatus, reason, justification string, flattened int) error {
	now := time.Now()
	updates := map[string]any{
		"status":             status,
		"halt_reason":        reason,
		"halt_justification": justification,
		"halt_flattened":     flattened,
	}
	if status == models.StatusActive {
		updates["halt_at"] = nil
	} else {
		updates["halt_at"] = &now
	}
	return s.db.Model(&models.BotConfig{}).Where("user_id = ?", userID).Updates(updates).Error
}

// ───────────────────────────── BotState ──────────────────────────────

// GetBotState returns the user's state.
func (s *Store) GetBotState(userID string) (*models.BotState, error) {
	var st models.BotState
	err := s.db.First(&st, "user_id = ?", userID).Error
	if err != nil {
		return nil, err
	}
	if st.LastPairSignalTimes == nil {
		st.LastPairSignalTimes = make(map[string]time.Time)
	}
	if st.PlaybookBCounters == nil {
		st.PlaybookBCounters = make(map[string]int)
	}
	return &st, nil
}

// SaveBotState upserts the full state row.
func (s *Store) SaveBotState(st *models.BotState) error {
	return s.db.Save(st).Error
}

// EnsureBotState inserts a zeroed state if missing.
func (s *Store) EnsureBotState(st *models.BotState) (*models.BotState, error) {
	existing, err := s.GetBotState(st.UserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if st.LastPairSignalTimes == nil {
		st.LastPairSignalTimes = make(map[string]time.Time)
	}
	if st.PlaybookBCounters == nil {
		st.PlaybookBCounters = make(map[string]int)
	}
	if err := s.db.Create(st).Error; err != nil {
		return nil, err
	}
	return st, nil
}

// SetLastPairSignalTime updates one key of the signal-time map inside a
// transaction so concurrent admin writes cannot drop entries.
func (s *Store) SetLastPairSignalTime(userID, symbol string, at time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var st models.BotState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&st, "user_id = ?", userID).Error; err != nil {
			return err
		}
		if st.LastPairSignalTimes == nil {
			st.LastPairSignalTimes = make(map[string]time.Time)
		}
		st.LastPairSignalTimes[symbol] = at
		st.LastSignalAt = &at
		// Struct-based update so the json serializer applies to the
		// map column; raw map values bypass it and fail to bind.
		return tx.Model(&st).
			Select("last_pair_signal_times", "last_signal_at").
			Updates(&st).Error
	})
}

// IncrPlaybookBCounter bumps one symbol's session counter atomically.
func (s *Store) IncrPlaybookBCounter(userID, symbol string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var st models.BotState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&st, "user_id = ?", userID).Error; err != nil {
			return err
		}
		if st.PlaybookBCounters == nil {
			st.PlaybookBCounters = make(map[string]int)
		}
		st.PlaybookBCounters[symbol]++
		return tx.Model(&st).
			Select("playbook_b_counters").
			Updates(&st).Error
	})
}

// ───────────────────────────── Positions ─────────────────────────────

// CreatePosition inserts a new position.
func (s *Store) CreatePosition(p *models.Position) error {
	return s.db.Create(p).Error
}

// UpdatePosition saves position mutations.
func (s *Store) UpdatePosition(p *models.Position) error {
	return s.db.Save(p).Error
}

// GetPosition fetches a position by ID.
func (s *Store) GetPosition(id string) (*models.Position, error) {
	var p models.Position
	err := s.db.First(&p, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOpenPositions returns all OPEN positions for a user.
func (s *Store) GetOpenPositions(userID string) ([]models.Position, error) {
	var out []models.Position
	err := s.db.Where("user_id = ? AND status = ?", userID, models.PositionOpen).
		Order("opened_at ASC").Find(&out).Error
	return out, err
}

// GetOpenPositionsBySymbol returns OPEN positions for one symbol.
func (s *Store) GetOpenPositionsBySymbol(userID, symbol string) ([]models.Position, error) {
	var out []models.Position
	err := s.db.Where("user_id = ? AND status = ? AND symbol = ?", userID, models.PositionOpen, symbol).
		Find(&out).Error
	return out, err
}

// ─────────────────────── Trades / Signals / Alerts ───────────────────

// CreateTrade appends a trade row.
func (s *Store) CreateTrade(t *models.Trade) error {
	return s.db.Create(t).Error
}

// GetRecentTrades returns the newest trades for a user.
func (s *Store) GetRecentTrades(userID string, limit int) ([]models.Trade, error) {
	var out []models.Trade
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// CreateSignal appends a signal row.
func (s *Store) CreateSignal(sig *models.Signal) error {
	return s.db.Create(sig).Error
}

// GetRecentSignals returns the newest signals for a user.
func (s *Store) GetRecentSignals(userID string, limit int) ([]models.Signal, error) {
	var out []models.Signal
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// CreateAlert appends an alert row.
func (s *Store) CreateAlert(a *models.Alert) error {
	return s.db.Create(a).Error
}

// GetRecentAlerts returns the newest alerts for a user.
func (s *Store) GetRecentAlerts(userID string, limit int) ([]models.Alert, error) {
	var out []models.Alert
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Stats returns aggregate trading statistics for a user.
func (s *Store) Stats(userID string) (map[string]any, error) {
	stats := make(map[string]any)

	var total, wins, losses int64
	s.db.Model(&models.Trade{}).Where("user_id = ?", userID).Count(&total)
	s.db.Model(&models.Trade{}).Where("user_id = ? AND outcome = ?", userID, models.OutcomeWin).Count(&wins)
	s.db.Model(&models.Trade{}).Where("user_id = ? AND outcome = ?", userID, models.OutcomeLoss).Count(&losses)
	stats["total_trades"] = total
	stats["wins"] = wins
	stats["losses"] = losses

	var pnl struct{ Total float64 }
	s.db.Model(&models.Trade{}).Where("user_id = ?", userID).
		Select("COALESCE(SUM(pnl_usd), 0) as total").Scan(&pnl)
	stats["total_pnl"] = pnl.Total

	var open int64
	s.db.Model(&models.Position{}).Where("user_id = ? AND status = ?", userID, models.PositionOpen).Count(&open)
	stats["open_positions"] = open

	type pbCount struct {
		Playbook string
		Count    int64
	}
	var byPb []pbCount
	s.db.Model(&models.Trade{}).Where("user_id = ?", userID).
		Select("playbook, count(*) as count").Group("playbook").Scan(&byPb)
	pbStats := make(map[string]int64)
	for _, pc := range byPb {
		pbStats[pc.Playbook] = pc.Count
	}
	stats["by_playbook"] = pbStats

	return stats, nil
}
