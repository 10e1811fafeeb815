package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/config"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/infra/metrics"
)

var _ adapter.Notifier = (*Notifier)(nil)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends purchase outcomes as Telegram direct messages to users with a linked chat.
type Notifier struct {
	sender Sender
	chats  map[string]int64
	logger *zerolog.Logger
}

// NewNotifier logs in with cfg.Token.
func NewNotifier(cfg config.TelegramConfig, logger *zerolog.Logger) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return NewNotifierWithSender(bot, cfg.ChatIDs, logger), nil
}

func NewNotifierWithSender(sender Sender, chats map[string]int64, logger *zerolog.Logger) *Notifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "TelegramNotifier").Logger()
	if chats == nil {
		chats = map[string]int64{}
	}
	return &Notifier{sender: sender, chats: chats, logger: &l}
}

func (t *Notifier) Notify(ctx context.Context, n model.Notification) error {
	chatID, ok := t.chats[n.UserID]
	if !ok {
		metrics.IncNotification("telegram", "skipped")
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg := tgbotapi.NewMessage(chatID, n.Text)
	if _, err := t.sender.Send(msg); err != nil {
		metrics.IncNotification("telegram", "error")
		t.logger.Warn().Err(err).Str("intent_id", n.IntentID).Int64("chat_id", chatID).Msg("telegram send failed")
		return err
	}
	metrics.IncNotification("telegram", "sent")
	return nil
}
