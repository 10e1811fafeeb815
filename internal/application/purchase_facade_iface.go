package application

import (
	"context"

	"marketplace-purchase-saga/internal/domain/model"
)

// ---- small interfaces to decouple the facade from concrete infra types ----

// EntitlementLister is the read side of the entitlement checker.
type EntitlementLister interface {
	ListActive(ctx context.Context, userID string, kind model.IntentKind, category string) ([]model.Entitlement, error)
	HasActiveEntitlement(ctx context.Context, userID string, kind model.IntentKind, category, subjectFilter string) (*model.Entitlement, error)
}

// InboxReader hands out the notifications waiting for a user.
type InboxReader interface {
	Drain(userID string) []model.Notification
}
