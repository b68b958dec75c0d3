package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/models"
)

// Config holds process-level configuration. Per-user trading parameters
// live in the store as models.BotConfig; this only covers what the
// binary needs to boot.
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Exchange API
	ExchangeRESTURL string
	ExchangeWSURL   string
	APIKey          string
	APISecret       string

	// Fees (bps)
	TakerFeeBps decimal.Decimal
	MakerFeeBps decimal.Decimal

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Bootstrap user started on launch
	UserID string

	// Database
	DatabaseDSN string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		ExchangeRESTURL: getEnv("EXCHANGE_REST_URL", "https://api.binance.com"),
		ExchangeWSURL:   getEnv("EXCHANGE_WS_URL", "wss://stream.binance.com:9443/ws"),
		APIKey:          os.Getenv("EXCHANGE_API_KEY"),
		APISecret:       os.Getenv("EXCHANGE_API_SECRET"),

		TakerFeeBps: getEnvDecimal("TAKER_FEE_BPS", decimal.NewFromInt(10)),
		MakerFeeBps: getEnvDecimal("MAKER_FEE_BPS", decimal.NewFromInt(8)),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		UserID: getEnv("BOT_USER_ID", "default"),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/spotbot.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, fmt.Errorf("EXCHANGE_API_KEY/EXCHANGE_API_SECRET required for live trading")
	}

	return cfg, nil
}

// DefaultBotConfig builds the bootstrap user's trading configuration
// from environment variables with conservative defaults. Once persisted
// it is owned by the store and only updated via operator commands.
func DefaultBotConfig(userID string) *models.BotConfig {
	return &models.BotConfig{
		UserID: userID,
		Status: models.StatusActive,
		Scanner: models.ScannerConfig{
			Watchlist:         getEnvList("WATCHLIST", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}),
			RefreshMS:         getEnvInt("SCAN_REFRESH_MS", 15000),
			MinVolumeUSD24h:   getEnvDecimal("MIN_VOLUME_USD_24H", decimal.NewFromInt(20000000)),
			MaxSpreadBps:      getEnvFloat("MAX_SPREAD_BPS", 5),
			MaxSpreadBpsEvent: getEnvFloat("MAX_SPREAD_BPS_EVENT", 12),
			TOBMinDepthUSD:    getEnvDecimal("TOB_MIN_DEPTH_USD", decimal.NewFromInt(50000)),
			CooldownMin:       getEnvInt("SIGNAL_COOLDOWN_MIN", 15),
		},
		Risk: models.RiskConfig{
			RPct:             getEnvFloat("RISK_R_PCT", 0.006),
			DailyStopR:       getEnvFloat("RISK_DAILY_STOP_R", -2.0),
			WeeklyStopR:      getEnvFloat("RISK_WEEKLY_STOP_R", -5.0),
			MaxOpenR:         getEnvFloat("RISK_MAX_OPEN_R", 3.0),
			MaxRPerTrade:     getEnvFloat("RISK_MAX_R_PER_TRADE", 1.0),
			MaxExposurePct:   getEnvFloat("RISK_MAX_EXPOSURE_PCT", 0.5),
			MaxPositions:     getEnvInt("RISK_MAX_POSITIONS", 4),
			CorrelationGuard: getEnvBool("RISK_CORRELATION_GUARD", true),
			SlippageBps:      getEnvFloat("RISK_SLIPPAGE_BPS", 100),
			SlippageBpsEvent: getEnvFloat("RISK_SLIPPAGE_BPS_EVENT", 200),
		},
		Reserve: models.ReserveConfig{
			TargetPct: getEnvFloat("RESERVE_TARGET_PCT", 0.20),
			FloorPct:  getEnvFloat("RESERVE_FLOOR_PCT", 0.10),
			RefillPct: getEnvFloat("RESERVE_REFILL_PCT", 0.25),
		},
		PlaybookA: models.PlaybookAConfig{
			Enabled:      getEnvBool("PB_A_ENABLED", true),
			Lookback:     getEnvInt("PB_A_LOOKBACK", 20),
			VolumeMult:   getEnvFloat("PB_A_VOLUME_MULT", 1.5),
			StopATRMult:  getEnvFloat("PB_A_STOP_ATR_MULT", 1.2),
			BreakevenR:   getEnvFloat("PB_A_BREAKEVEN_R", 1.0),
			ScaleR:       getEnvFloat("PB_A_SCALE_R", 1.5),
			ScalePct:     getEnvFloat("PB_A_SCALE_PCT", 0.5),
			TrailATRMult: getEnvFloat("PB_A_TRAIL_ATR_MULT", 1.0),
		},
		PlaybookB: models.PlaybookBConfig{
			Enabled:             getEnvBool("PB_B_ENABLED", true),
			DeviationATRMult:    getEnvFloat("PB_B_DEVIATION_ATR_MULT", 2.0),
			StopATRMult:         getEnvFloat("PB_B_STOP_ATR_MULT", 1.0),
			TargetR:             getEnvFloat("PB_B_TARGET_R", 1.5),
			MaxTradesPerSession: getEnvInt("PB_B_MAX_TRADES_PER_SESSION", 2),
			TimeStopMin:         getEnvInt("PB_B_TIME_STOP_MIN", 120),
		},
		PlaybookC: models.PlaybookCConfig{
			Enabled:        getEnvBool("PB_C_ENABLED", false),
			EventWindowMin: getEnvInt("PB_C_EVENT_WINDOW_MIN", 30),
			StopATRMult:    getEnvFloat("PB_C_STOP_ATR_MULT", 2.0),
			Scale1R:        getEnvFloat("PB_C_SCALE_1_R", 1.0),
			Scale1Pct:      getEnvFloat("PB_C_SCALE_1_PCT", 0.33),
			Scale2R:        getEnvFloat("PB_C_SCALE_2_R", 2.0),
			Scale2Pct:      getEnvFloat("PB_C_SCALE_2_PCT", 0.5),
			TargetR:        getEnvFloat("PB_C_TARGET_R", 3.0),
			TrailATRMult:   getEnvFloat("PB_C_TRAIL_ATR_MULT", 1.5),
		},
		PlaybookD: models.PlaybookDConfig{
			Enabled:     getEnvBool("PB_D_ENABLED", false),
			DipPct:      getEnvFloat("PB_D_DIP_PCT", 3.0),
			RSIMax:      getEnvFloat("PB_D_RSI_MAX", 30),
			StopATRMult: getEnvFloat("PB_D_STOP_ATR_MULT", 1.5),
			TargetR:     getEnvFloat("PB_D_TARGET_R", 2.0),
		},
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
