package repository

import (
	"context"
	"time"

	"marketplace-purchase-saga/internal/domain/model"
)

// -----------------------------
// Purchase intents
// -----------------------------

// IntentRepository is the durable intent store. Implementations must survive a process
// restart and must make Create and the state changes atomic with respect to each other.
type IntentRepository interface {
	// Create inserts p. It fails with domain.ErrActiveIntentExists when the user already
	// has an intent in an active state.
	Create(ctx context.Context, p *model.PurchaseIntent) error
	FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error)
	// FindActiveByUser returns the user's created/awaiting_gateway/reconciling intent or domain.ErrNotFound.
	FindActiveByUser(ctx context.Context, userID string) (*model.PurchaseIntent, error)
	FindByOrderRef(ctx context.Context, orderRef string) (*model.PurchaseIntent, error)
	// FindLatestOutcome returns the user's most recently finished settled/failed intent that
	// has not been deleted yet, or domain.ErrNotFound.
	FindLatestOutcome(ctx context.Context, userID string) (*model.PurchaseIntent, error)

	// CompareAndSetState moves the intent from -> to and reports whether this call did it.
	// false with a nil error means the intent was not in `from` any more.
	CompareAndSetState(ctx context.Context, id string, from, to model.IntentState) (bool, error)
	// MarkAwaitingGateway atomically stores the order ref and moves created -> awaiting_gateway.
	MarkAwaitingGateway(ctx context.Context, id, orderRef string) (bool, error)

	// ListByState returns up to limit intents in state created before olderThan, oldest first.
	ListByState(ctx context.Context, state model.IntentState, olderThan time.Time, limit int) ([]*model.PurchaseIntent, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalOlderThan purges settled/failed/abandoned intents last updated before t.
	DeleteTerminalOlderThan(ctx context.Context, t time.Time) (int, error)
}
