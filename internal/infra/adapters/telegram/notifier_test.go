package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"marketplace-purchase-saga/internal/domain/model"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestNotifier(t *testing.T) {
	ctx := context.Background()
	n := model.Notification{UserID: "u1", IntentID: "01H", Text: "Package 42 is active."}

	t.Run("linked chat", func(t *testing.T) {
		s := &fakeSender{}
		tn := NewNotifierWithSender(s, map[string]int64{"u1": 777}, nil)
		if err := tn.Notify(ctx, n); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(s.sent) != 1 || s.sent[0].ChatID != 777 || s.sent[0].Text != n.Text {
			t.Fatalf("unexpected messages: %+v", s.sent)
		}
	})

	t.Run("unlinked user is skipped", func(t *testing.T) {
		s := &fakeSender{}
		tn := NewNotifierWithSender(s, nil, nil)
		if err := tn.Notify(ctx, n); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(s.sent) != 0 {
			t.Fatalf("expected nothing sent, got %d", len(s.sent))
		}
	})

	t.Run("send error", func(t *testing.T) {
		s := &fakeSender{err: errors.New("blocked by user")}
		tn := NewNotifierWithSender(s, map[string]int64{"u1": 777}, nil)
		if err := tn.Notify(ctx, n); err == nil {
			t.Fatal("expected error")
		}
	})
}
