package application

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	uc "marketplace-purchase-saga/internal/domain/ports/usecase"
)

// PurchaseFacade is what the purchase screens (wallet top-up, packages, business packages,
// verification) and the HTTP host call. Any dependency except Purchases may be nil.
type PurchaseFacade struct {
	Purchases    uc.PurchaseUseCase
	Entitlements EntitlementLister
	Inbox        InboxReader
	Messages     adapter.MessageRenderer
}

func NewPurchaseFacade(purchases uc.PurchaseUseCase, entitlements EntitlementLister, inbox InboxReader, messages adapter.MessageRenderer) *PurchaseFacade {
	return &PurchaseFacade{
		Purchases:    purchases,
		Entitlements: entitlements,
		Inbox:        inbox,
		Messages:     messages,
	}
}

// Start runs a purchase request as submitted by a screen.
func (f *PurchaseFacade) Start(ctx context.Context, req uc.PurchaseRequest) (*model.Outcome, error) {
	return f.Purchases.StartPurchase(ctx, req)
}

// TopUp adds amount to the user's wallet through method.
func (f *PurchaseFacade) TopUp(ctx context.Context, userID string, amount decimal.Decimal, method model.PaymentMethod) (*model.Outcome, error) {
	return f.Purchases.StartPurchase(ctx, uc.PurchaseRequest{
		UserID: userID,
		Kind:   model.IntentKindWalletTopUp,
		Amount: amount,
		Method: method,
	})
}

// BuyPackage subscribes the user to a regular or business package.
func (f *PurchaseFacade) BuyPackage(ctx context.Context, userID, packageID, category string, price decimal.Decimal, method model.PaymentMethod) (*model.Outcome, error) {
	return f.Purchases.StartPurchase(ctx, uc.PurchaseRequest{
		UserID:     userID,
		Kind:       model.IntentKindPackageSubscription,
		SubjectRef: packageID,
		Category:   category,
		Amount:     price,
		Method:     method,
	})
}

// BuyVerification purchases a verification tier.
func (f *PurchaseFacade) BuyVerification(ctx context.Context, userID, tierID string, price decimal.Decimal, method model.PaymentMethod) (*model.Outcome, error) {
	return f.Purchases.StartPurchase(ctx, uc.PurchaseRequest{
		UserID:     userID,
		Kind:       model.IntentKindVerificationPurchase,
		SubjectRef: tierID,
		Amount:     price,
		Method:     method,
	})
}

// Resume is called whenever control may have come back from the gateway.
func (f *PurchaseFacade) Resume(ctx context.Context, userID string, sig model.ReturnSignal) (*model.Outcome, error) {
	return f.Purchases.OnResume(ctx, userID, sig)
}

func (f *PurchaseFacade) Abandon(ctx context.Context, userID string) (*model.Outcome, error) {
	return f.Purchases.Abandon(ctx, userID)
}

func (f *PurchaseFacade) Acknowledge(ctx context.Context, userID, intentID string) error {
	return f.Purchases.Acknowledge(ctx, userID, intentID)
}

func (f *PurchaseFacade) Active(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	return f.Purchases.Active(ctx, userID)
}

// ActiveEntitlements lists the user's usable grants of the given purchase kind.
func (f *PurchaseFacade) ActiveEntitlements(ctx context.Context, userID string, kind model.IntentKind, category string) ([]model.Entitlement, error) {
	if f.Entitlements == nil {
		return nil, fmt.Errorf("entitlement checker not available")
	}
	return f.Entitlements.ListActive(ctx, userID, kind, category)
}

// ActiveEntitlement returns the user's usable grant of kind for one subject, or nil.
func (f *PurchaseFacade) ActiveEntitlement(ctx context.Context, userID string, kind model.IntentKind, category, subjectRef string) (*model.Entitlement, error) {
	if f.Entitlements == nil {
		return nil, fmt.Errorf("entitlement checker not available")
	}
	return f.Entitlements.HasActiveEntitlement(ctx, userID, kind, category, subjectRef)
}

// LastOutcome is the latest settled/failed purchase the user has not acknowledged. It
// survives restarts, unlike the notification inbox.
func (f *PurchaseFacade) LastOutcome(ctx context.Context, userID string) (*model.Outcome, error) {
	return f.Purchases.LastOutcome(ctx, userID)
}

// Notifications drains the user's pending purchase messages.
func (f *PurchaseFacade) Notifications(userID string) []model.Notification {
	if f.Inbox == nil {
		return nil
	}
	return f.Inbox.Drain(userID)
}

// ReturnPageText is the sentence shown on the gateway landing page for outcome (nil = no intent).
func (f *PurchaseFacade) ReturnPageText(o *model.Outcome) string {
	key := "page.return.none"
	if o != nil {
		switch o.State {
		case model.IntentStateSettled:
			key = "page.return.settled"
		case model.IntentStateFailed:
			key = "page.return.failed"
		case model.IntentStateAbandoned:
			key = "page.return.abandoned"
		default:
			key = "page.return.pending"
		}
	}
	if f.Messages == nil {
		return key
	}
	return f.Messages.T(key)
}
