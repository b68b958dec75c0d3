// Package alert journals notifications and pushes the important ones
// to Telegram.
package alert

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/hedgerow/spotbot/internal/models"
)

// Journal persists alert rows.
type Journal interface {
	CreateAlert(a *models.Alert) error
}

// Notifier writes every alert to the journal and pushes ERROR and
// CRITICAL ones to the operator chat. Telegram is attached after
// construction; until then the journal still gets every row.
type Notifier struct {
	journal Journal

	mu     sync.RWMutex
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier creates a journal-only notifier.
func NewNotifier(journal Journal) *Notifier {
	return &Notifier{journal: journal}
}

// AttachTelegram enables Telegram pushes for severe alerts.
func (n *Notifier) AttachTelegram(api *tgbotapi.BotAPI, chatID int64) {
	n.mu.Lock()
	n.api = api
	n.chatID = chatID
	n.mu.Unlock()
}

// Notify journals the alert and pushes it when severe enough.
func (n *Notifier) Notify(userID string, level models.AlertLevel, kind, msg string) {
	if err := n.journal.CreateAlert(&models.Alert{UserID: userID, Level: level, Type: kind, Message: msg}); err != nil {
		log.Error().Err(err).Str("type", kind).Msg("Failed to journal alert")
	}

	n.mu.RLock()
	api, chatID := n.api, n.chatID
	n.mu.RUnlock()

	if api == nil || chatID == 0 {
		return
	}
	if level != models.AlertError && level != models.AlertCritical {
		return
	}

	emoji := "⚠️"
	if level == models.AlertCritical {
		emoji = "🚨"
	}
	text := fmt.Sprintf("%s *%s* (%s)\n\n%s", emoji, level, kind, msg)

	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = "Markdown"
	if _, err := api.Send(out); err != nil {
		log.Error().Err(err).Msg("Failed to push Telegram alert")
	}
}
