// Spotbot - R-denominated spot trading engine
//
// Runs a per-user tick pipeline over a spot exchange watchlist:
// scan quality gates, four playbook evaluators, R-based sizing, an
// ordered pre-trade guardrail chain, and a kill-switch that flattens
// the book when a daily or weekly loss stop is hit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hedgerow/spotbot/internal/alert"
	"github.com/hedgerow/spotbot/internal/config"
	"github.com/hedgerow/spotbot/internal/engine"
	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/execution"
	"github.com/hedgerow/spotbot/internal/guardrails"
	"github.com/hedgerow/spotbot/internal/killswitch"
	"github.com/hedgerow/spotbot/internal/models"
	"github.com/hedgerow/spotbot/internal/position"
	"github.com/hedgerow/spotbot/internal/reserve"
	"github.com/hedgerow/spotbot/internal/risk"
	"github.com/hedgerow/spotbot/internal/scanner"
	"github.com/hedgerow/spotbot/internal/store"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("user", cfg.UserID).
		Bool("dry_run", cfg.DryRun).
		Msg("🤖 Spotbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	st, err := store.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	botCfg, err := st.EnsureBotConfig(config.DefaultBotConfig(cfg.UserID))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure bot config")
	}
	if _, err := st.EnsureBotState(&models.BotState{
		UserID:              cfg.UserID,
		SessionStartDate:    risk.MidnightOf(time.Now()),
		WeekStartDate:       risk.WeekStartOf(time.Now()),
		LastPairSignalTimes: map[string]time.Time{},
		PlaybookBCounters:   map[string]int{},
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure bot state")
	}

	// Exchange client with warm websocket price cache
	ex := exchange.NewClient(exchange.Options{
		RESTURL:   cfg.ExchangeRESTURL,
		WSURL:     cfg.ExchangeWSURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})
	ex.StartStream(botCfg.Scanner.Watchlist)
	log.Info().Strs("watchlist", botCfg.Scanner.Watchlist).Msg("📈 Exchange stream started")

	// Pipeline components
	riskEngine := risk.New()
	chain := guardrails.New(riskEngine, ex)
	sc := scanner.New(ex, st)
	router := execution.New(ex, cfg.DryRun, cfg.TakerFeeBps, cfg.MakerFeeBps)
	reserveMgr := reserve.New()

	// Alerting: journal always, Telegram push once attached
	notifier := alert.NewNotifier(st)
	notify := notifier.Notify

	posManager := position.NewManager(st, ex, router, chain, riskEngine)
	ks := killswitch.New(st, posManager, notify)

	eng := engine.New(cfg.UserID, st, ex, sc, riskEngine, chain, reserveMgr, router, posManager, ks, notify)
	sched := engine.NewScheduler(eng, time.Duration(botCfg.Scanner.RefreshMS)*time.Millisecond)

	// Telegram operator console
	var tgBot *alert.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = alert.NewBot(cfg.TelegramToken, cfg.TelegramChatID, cfg.UserID, st, eng)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram bot unavailable, continuing without it")
		} else {
			notifier.AttachTelegram(tgBot.API(), cfg.TelegramChatID)
			tgBot.Start()
		}
	}

	sched.Start(ctx)
	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	log.Info().Msg("Shutting down...")

	sched.Stop()
	if tgBot != nil {
		tgBot.Stop()
	}
	ex.StopStream()

	log.Info().Msg("👋 Goodbye!")
}
