// Package notify delivers the terminal purchase message to the user.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/infra/metrics"
)

var (
	_ adapter.Notifier = (*LogNotifier)(nil)
	_ adapter.Notifier = (*Inbox)(nil)
	_ adapter.Notifier = (Fanout)(nil)
)

// LogNotifier writes every notification to the log.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "LogNotifier").Logger()
	return &LogNotifier{logger: &l}
}

func (l *LogNotifier) Notify(_ context.Context, n model.Notification) error {
	l.logger.Info().
		Str("user_id", n.UserID).
		Str("intent_id", n.IntentID).
		Str("kind", string(n.Kind)).
		Str("state", string(n.State)).
		Str("message_key", n.MessageKey).
		Msg(n.Text)
	metrics.IncNotification("log", "sent")
	return nil
}

// Inbox keeps the latest notifications per user until the UI drains them.
type Inbox struct {
	mu   sync.Mutex
	size int
	box  map[string][]model.Notification
}

// NewInbox keeps at most size messages per user; older ones are dropped first.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 32
	}
	return &Inbox{size: size, box: make(map[string][]model.Notification)}
}

func (b *Inbox) Notify(_ context.Context, n model.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(b.box[n.UserID], n)
	if len(q) > b.size {
		q = q[len(q)-b.size:]
	}
	b.box[n.UserID] = q
	metrics.IncNotification("inbox", "sent")
	return nil
}

// Drain returns and forgets the user's pending notifications, oldest first.
func (b *Inbox) Drain(userID string) []model.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.box[userID]
	delete(b.box, userID)
	return q
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []adapter.Notifier

func (f Fanout) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, nt := range f {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
