package usecase

import (
	"context"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain/model"
)

// PurchaseRequest is what a purchase screen submits.
type PurchaseRequest struct {
	UserID       string
	Kind         model.IntentKind
	SubjectRef   string
	Category     string
	Amount       decimal.Decimal
	Method       model.PaymentMethod
	ForceAbandon bool // drop a pending created/awaiting_gateway intent instead of refusing
}

// PurchaseUseCase is the single entry point used by the wallet top-up, package,
// business package and verification screens.
type PurchaseUseCase interface {
	StartPurchase(ctx context.Context, req PurchaseRequest) (*model.Outcome, error)
	OnResume(ctx context.Context, userID string, signal model.ReturnSignal) (*model.Outcome, error)
	Abandon(ctx context.Context, userID string) (*model.Outcome, error)
	Acknowledge(ctx context.Context, userID, intentID string) error
	Active(ctx context.Context, userID string) (*model.PurchaseIntent, error)
	// LastOutcome is the latest settled/failed outcome the user has not acknowledged yet.
	LastOutcome(ctx context.Context, userID string) (*model.Outcome, error)
}
