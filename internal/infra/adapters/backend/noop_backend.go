package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
)

var _ adapter.Backend = (*NoopBackend)(nil)

// NoopBackend is an in-memory marketplace backend to use in tests and the demo.
// Gateway orders take effect when CompleteOrder is called, or immediately with AutoComplete.
type NoopBackend struct {
	mu           sync.Mutex
	seq          int64
	balances     map[string]decimal.Decimal
	entitlements map[string][]model.Entitlement
	orders       map[string]adapter.PurchaseOrder // order ref -> order
	applied      map[string]bool                  // idempotency key -> effect applied

	AutoComplete bool
	GrantUses    int
	GrantFor     time.Duration
	Now          func() time.Time
}

func NewNoopBackend() *NoopBackend {
	return &NoopBackend{
		balances:     make(map[string]decimal.Decimal),
		entitlements: make(map[string][]model.Entitlement),
		orders:       make(map[string]adapter.PurchaseOrder),
		applied:      make(map[string]bool),
		GrantUses:    10,
		GrantFor:     30 * 24 * time.Hour,
		Now:          time.Now,
	}
}

func (b *NoopBackend) next() string {
	b.seq++
	return fmt.Sprintf("noop-%d", b.seq)
}

// SetBalance seeds a user's balance.
func (b *NoopBackend) SetBalance(userID string, v decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[userID] = v
}

func (b *NoopBackend) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[userID], nil
}

func (b *NoopBackend) ListEntitlements(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Entitlement
	for _, e := range b.entitlements[userID] {
		if (kind == "" || e.Kind == kind) && (category == "" || e.Category == category) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *NoopBackend) PurchaseWithWallet(ctx context.Context, order adapter.PurchaseOrder) error {
	amount, err := decimal.NewFromString(order.Amount)
	if err != nil {
		return fmt.Errorf("%w: amount %q", domain.ErrInvalidArgument, order.Amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applied[order.IdempotencyKey] {
		return nil
	}
	if order.Kind != model.IntentKindWalletTopUp {
		bal := b.balances[order.UserID]
		if amount.GreaterThan(bal) {
			return fmt.Errorf("%w: noop wallet", domain.ErrInsufficientFunds)
		}
		b.balances[order.UserID] = bal.Sub(amount)
	}
	b.apply(order, amount)
	return nil
}

func (b *NoopBackend) CreateGatewaySession(ctx context.Context, order adapter.PurchaseOrder) (*adapter.GatewaySession, error) {
	amount, err := decimal.NewFromString(order.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", domain.ErrInvalidArgument, order.Amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := b.next()
	b.orders[ref] = order
	if b.AutoComplete {
		b.apply(order, amount)
	}
	return &adapter.GatewaySession{OrderRef: ref, RedirectURL: "https://example.test/pay/" + ref}, nil
}

// CompleteOrder simulates the user paying on the gateway page.
func (b *NoopBackend) CompleteOrder(orderRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderRef]
	if !ok {
		return fmt.Errorf("noop: order %s not found", orderRef)
	}
	amount, _ := decimal.NewFromString(order.Amount)
	b.apply(order, amount)
	return nil
}

// apply credits the effect of a paid order once per idempotency key. Callers hold b.mu.
func (b *NoopBackend) apply(order adapter.PurchaseOrder, amount decimal.Decimal) {
	if b.applied[order.IdempotencyKey] {
		return
	}
	b.applied[order.IdempotencyKey] = true
	if order.Kind == model.IntentKindWalletTopUp {
		b.balances[order.UserID] = b.balances[order.UserID].Add(amount)
		return
	}
	b.entitlements[order.UserID] = append(b.entitlements[order.UserID], model.Entitlement{
		SubjectRef: order.SubjectRef,
		Kind:       order.Kind.EntitlementKind(),
		Category:   order.Category,
		Remaining:  b.GrantUses,
		ExpiresAt:  b.Now().Add(b.GrantFor),
	})
}
