package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter pushes alerts to operator chats. Info-level alerts
// are dropped to keep the channel signal-only.
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

// NewTelegramAlerter creates a Telegram alert channel
func NewTelegramAlerter(token string, chatIDs []int64) (*TelegramAlerter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	log.Info().Str("bot", api.Self.UserName).Int("chats", len(chatIDs)).
		Msg("Telegram alerting enabled")

	return &TelegramAlerter{api: api, chatIDs: chatIDs}, nil
}

func (t *TelegramAlerter) SendAlert(_ context.Context, alert Alert) {
	if alert.Severity == SeverityInfo {
		return
	}

	text := fmt.Sprintf("[%s] %s\n%s", alert.Severity, alert.Category, alert.Message)
	if alert.Error != nil {
		text += fmt.Sprintf("\nerror: %v", alert.Error)
	}

	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.api.Send(msg); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).
				Msg("Failed to send Telegram alert")
		}
	}
}
