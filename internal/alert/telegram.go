package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/hedgerow/spotbot/internal/models"
)

// Store is the read surface the operator bot needs.
type Store interface {
	GetBotConfig(userID string) (*models.BotConfig, error)
	GetBotState(userID string) (*models.BotState, error)
	GetOpenPositions(userID string) ([]models.Position, error)
	GetRecentTrades(userID string, limit int) ([]models.Trade, error)
	Stats(userID string) (map[string]any, error)
}

// Controller is the engine surface operator commands act on. Halts and
// resumes are serialized through the engine so they never race a tick.
type Controller interface {
	Halt(ctx context.Context, reason string) error
	Resume(justification string) error
}

// Bot is the Telegram operator console.
type Bot struct {
	api        *tgbotapi.BotAPI
	chatID     int64
	userID     string
	store      Store
	controller Controller
	stopCh     chan struct{}
}

// NewBot connects the operator bot.
func NewBot(token string, chatID int64, userID string, store Store, controller Controller) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:        api,
		chatID:     chatID,
		userID:     userID,
		store:      store,
		controller: controller,
		stopCh:     make(chan struct{}),
	}, nil
}

// API exposes the underlying client for the notifier.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

// Start begins the command listener.
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.chatID != 0 {
		b.sendMarkdown("🟢 *Spotbot online*\n\nUse /status for the current state.")
	}
}

// Stop stops the bot.
func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat.ID != b.chatID {
		log.Warn().Int64("chat_id", msg.Chat.ID).Msg("Ignoring command from unknown chat")
		return
	}
	if !msg.IsCommand() {
		return
	}

	log.Debug().Str("command", msg.Command()).Msg("Received operator command")

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "trades":
		b.cmdTrades()
	case "halt":
		b.cmdHalt(msg.CommandArguments())
	case "resume":
		b.cmdResume(msg.CommandArguments())
	case "config":
		b.cmdConfig()
	default:
		b.sendText("❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) cmdHelp() {
	b.sendMarkdown(`📚 *Spotbot Commands*

*📊 Monitoring:*
/status - Bot status, equity, PnL windows
/positions - Open positions
/trades - Recent closed trades
/config - Active risk configuration

*🛑 Control:*
/halt [reason] - Flatten everything and stop
/resume <justification> - Resume from a halt`)
}

func (b *Bot) cmdStatus() {
	cfg, err := b.store.GetBotConfig(b.userID)
	if err != nil {
		b.sendText("❌ Failed to load config: " + err.Error())
		return
	}
	state, err := b.store.GetBotState(b.userID)
	if err != nil {
		b.sendText("❌ Failed to load state: " + err.Error())
		return
	}
	open, _ := b.store.GetOpenPositions(b.userID)

	statusEmoji := "🟢"
	if cfg.Status.Halted() {
		statusEmoji = "🔴"
	}

	text := fmt.Sprintf(`📊 *Bot Status*

%s *Status:* %s
💰 *Equity:* $%s
📐 *Current R:* $%s

*PnL Windows:*
├ Daily: $%s (%.2fR / %.1fR stop)
└ Weekly: $%s (%.2fR / %.1fR stop)

*Book:*
• Open positions: %d / %d`,
		statusEmoji, cfg.Status,
		state.Equity.StringFixed(2),
		state.CurrentR.StringFixed(2),
		state.DailyPnlUSD.StringFixed(2), state.DailyPnlR, cfg.Risk.DailyStopR,
		state.WeeklyPnlUSD.StringFixed(2), state.WeeklyPnlR, cfg.Risk.WeeklyStopR,
		len(open), cfg.Risk.MaxPositions,
	)

	if cfg.Status.Halted() && cfg.HaltReason != "" {
		text += fmt.Sprintf("\n\n🛑 *Halt reason:* %s", escapeMarkdown(cfg.HaltReason))
	}

	b.sendMarkdown(text)
}

func (b *Bot) cmdPositions() {
	open, err := b.store.GetOpenPositions(b.userID)
	if err != nil {
		b.sendText("❌ Failed to load positions: " + err.Error())
		return
	}
	if len(open) == 0 {
		b.sendText("📭 No open positions.")
		return
	}

	text := fmt.Sprintf("📈 *Open Positions* (%d)\n\n", len(open))
	for i := range open {
		p := &open[i]
		text += fmt.Sprintf(`*%s* [%s] %s
├ Entry: $%s | Now: $%s
├ Stop: $%s | Qty: %s
└ Unrealized: $%s (%.2fR)

`,
			p.Symbol, p.Playbook, p.Side,
			p.EntryPrice.StringFixed(2), p.CurrentPrice.StringFixed(2),
			p.StopPrice.StringFixed(2), p.Quantity.String(),
			p.UnrealizedPnl.StringFixed(2), p.UnrealizedR,
		)
	}

	b.sendMarkdown(text)
}

func (b *Bot) cmdTrades() {
	trades, err := b.store.GetRecentTrades(b.userID, 10)
	if err != nil {
		b.sendText("❌ Failed to load trades: " + err.Error())
		return
	}
	if len(trades) == 0 {
		b.sendText("📭 No closed trades yet.")
		return
	}

	text := fmt.Sprintf("📜 *Recent Trades* (%d)\n\n", len(trades))
	for i := range trades {
		t := &trades[i]
		emoji := "⚪"
		switch t.Outcome {
		case models.OutcomeWin:
			emoji = "🟢"
		case models.OutcomeLoss:
			emoji = "🔴"
		}
		text += fmt.Sprintf("%s *%s* [%s] $%s (%.2fR) %s\n",
			emoji, t.Symbol, t.Playbook,
			t.PnlUSD.StringFixed(2), t.PnlR,
			t.CreatedAt.Format("01-02 15:04"),
		)
	}

	b.sendMarkdown(text)
}

func (b *Bot) cmdHalt(args string) {
	reason := strings.TrimSpace(args)
	if reason == "" {
		reason = "operator halt"
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := b.controller.Halt(ctx, reason); err != nil {
		b.sendText("❌ Halt failed: " + err.Error())
		return
	}
	b.sendMarkdown("🛑 *Halted.* All positions flattened, new orders blocked.\n\nUse /resume <justification> to restart.")
}

func (b *Bot) cmdResume(args string) {
	justification := strings.TrimSpace(args)
	if justification == "" {
		b.sendText("⚠️ Usage: /resume <justification>\n\nA justification is required and will be journaled.")
		return
	}

	if err := b.controller.Resume(justification); err != nil {
		b.sendText("❌ Resume failed: " + err.Error())
		return
	}
	b.sendMarkdown("✅ *Resumed.* Trading is active again.")
}

func (b *Bot) cmdConfig() {
	cfg, err := b.store.GetBotConfig(b.userID)
	if err != nil {
		b.sendText("❌ Failed to load config: " + err.Error())
		return
	}

	text := fmt.Sprintf(`⚙️ *Risk Configuration*

*Sizing:*
├ R: %.2f%% of equity
├ Max R/trade: %.1f
└ Max open R: %.1f

*Stops:*
├ Daily: %.1fR
└ Weekly: %.1fR

*Limits:*
├ Max positions: %d
├ Max exposure: %.0f%%
├ Slippage: %.0f bps (%.0f event)
└ Correlation guard: %t

*Watchlist:* %s`,
		cfg.Risk.RPct*100,
		cfg.Risk.MaxRPerTrade,
		cfg.Risk.MaxOpenR,
		cfg.Risk.DailyStopR,
		cfg.Risk.WeeklyStopR,
		cfg.Risk.MaxPositions,
		cfg.Risk.MaxExposurePct*100,
		cfg.Risk.SlippageBps, cfg.Risk.SlippageBpsEvent,
		cfg.Risk.CorrelationGuard,
		strings.Join(cfg.Scanner.Watchlist, ", "),
	)

	b.sendMarkdown(text)
}

// Helpers

func (b *Bot) sendText(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *Bot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
