package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain/model"
)

// BalanceService reads the user's stored balance from the remote authority.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// EntitlementService lists the user's grants of one kind (and optionally one category).
type EntitlementService interface {
	ListEntitlements(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error)
}

// PurchaseOrder is the body sent to the purchase endpoint.
type PurchaseOrder struct {
	IdempotencyKey string // the intent id; retries of the same attempt reuse it
	UserID         string
	Kind           model.IntentKind
	SubjectRef     string
	Category       string
	Amount         string
	ReturnURL      string // gateway only
}

// GatewaySession is what the backend returns for a gateway purchase.
type GatewaySession struct {
	OrderRef    string
	RedirectURL string
}

// PurchaseBackend is the remote purchase endpoint.
type PurchaseBackend interface {
	PurchaseWithWallet(ctx context.Context, order PurchaseOrder) error
	CreateGatewaySession(ctx context.Context, order PurchaseOrder) (*GatewaySession, error)
}

// Backend is everything the saga consumes from the marketplace API.
type Backend interface {
	BalanceService
	EntitlementService
	PurchaseBackend
}
