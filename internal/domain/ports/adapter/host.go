package adapter

import (
	"context"
	"time"

	"marketplace-purchase-saga/internal/domain/model"
)

// Navigator hands control to the external payment page. It is only ever called after the
// intent carrying the order ref has been persisted.
type Navigator interface {
	Navigate(ctx context.Context, intent *model.PurchaseIntent, redirectURL string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, intent *model.PurchaseIntent, redirectURL string) error

func (f NavigatorFunc) Navigate(ctx context.Context, intent *model.PurchaseIntent, redirectURL string) error {
	return f(ctx, intent, redirectURL)
}

// Notifier delivers the user-visible message for a terminal intent.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Debouncer drops repeated resume events for the same key inside a short window.
type Debouncer interface {
	// Allow reports whether an event for key should be processed.
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MessageRenderer turns a message key into user-facing text.
type MessageRenderer interface {
	T(key string, args ...interface{}) string
}
