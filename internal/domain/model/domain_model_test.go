//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
)

// --- PurchaseIntent Tests ---

func TestNewPurchaseIntent(t *testing.T) {
	now := time.Now()

	t.Run("should create a wallet top-up intent", func(t *testing.T) {
		p, err := NewPurchaseIntent("user-1", IntentKindWalletTopUp, "", "", decimal.RequireFromString("5.000"), PaymentMethodWallet, now)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if p.ID == "" {
			t.Error("expected intent ID to be non-empty")
		}
		if p.State != IntentStateCreated {
			t.Errorf("expected state 'created', got '%s'", p.State)
		}
		if !p.CreatedAt.Equal(now) {
			t.Errorf("expected CreatedAt to be %v, got %v", now, p.CreatedAt)
		}
	})

	t.Run("should generate unique ids", func(t *testing.T) {
		a, _ := NewPurchaseIntent("user-1", IntentKindWalletTopUp, "", "", decimal.NewFromInt(1), PaymentMethodWallet, now)
		b, _ := NewPurchaseIntent("user-1", IntentKindWalletTopUp, "", "", decimal.NewFromInt(1), PaymentMethodWallet, now)
		if a.ID == b.ID {
			t.Errorf("expected distinct ids, both were %s", a.ID)
		}
	})

	cases := []struct {
		name       string
		userID     string
		kind       IntentKind
		subjectRef string
		amount     decimal.Decimal
		method     PaymentMethod
	}{
		{"empty user", "", IntentKindWalletTopUp, "", decimal.NewFromInt(1), PaymentMethodWallet},
		{"unknown kind", "u", IntentKind("gift"), "", decimal.NewFromInt(1), PaymentMethodWallet},
		{"unknown method", "u", IntentKindWalletTopUp, "", decimal.NewFromInt(1), PaymentMethod("cash")},
		{"top-up with subject", "u", IntentKindWalletTopUp, "42", decimal.NewFromInt(1), PaymentMethodGateway},
		{"package without subject", "u", IntentKindPackageSubscription, "", decimal.NewFromInt(1), PaymentMethodGateway},
		{"zero amount", "u", IntentKindVerificationPurchase, "7", decimal.Zero, PaymentMethodGateway},
		{"negative amount", "u", IntentKindVerificationPurchase, "7", decimal.NewFromInt(-3), PaymentMethodGateway},
	}
	for _, tc := range cases {
		t.Run("should reject "+tc.name, func(t *testing.T) {
			p, err := NewPurchaseIntent(tc.userID, tc.kind, tc.subjectRef, "", tc.amount, tc.method, now)
			if p != nil {
				t.Error("expected intent to be nil on error")
			}
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]IntentState{
		{IntentStateCreated, IntentStateReconciling},
		{IntentStateCreated, IntentStateAwaitingGateway},
		{IntentStateCreated, IntentStateFailed},
		{IntentStateCreated, IntentStateAbandoned},
		{IntentStateAwaitingGateway, IntentStateReconciling},
		{IntentStateAwaitingGateway, IntentStateAbandoned},
		{IntentStateReconciling, IntentStateSettled},
		{IntentStateReconciling, IntentStateFailed},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be allowed", e[0], e[1])
		}
	}

	denied := [][2]IntentState{
		{IntentStateAwaitingGateway, IntentStateSettled},
		{IntentStateReconciling, IntentStateAbandoned},
		{IntentStateSettled, IntentStateFailed},
		{IntentStateFailed, IntentStateSettled},
		{IntentStateAbandoned, IntentStateReconciling},
		{IntentStateSettled, IntentStateSettled},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be denied", e[0], e[1])
		}
		if err := CheckTransition(e[0], e[1]); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition for %s -> %s, got %v", e[0], e[1], err)
		}
	}
}

func TestIntentState_Classes(t *testing.T) {
	for _, s := range ActiveStates {
		if !s.Active() || s.Terminal() {
			t.Errorf("%s should be active and not terminal", s)
		}
	}
	for _, s := range []IntentState{IntentStateSettled, IntentStateFailed, IntentStateAbandoned} {
		if s.Active() || !s.Terminal() {
			t.Errorf("%s should be terminal and not active", s)
		}
	}
}

func TestPurchaseIntent_Expired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &PurchaseIntent{CreatedAt: created}

	if p.Expired(created.Add(29*time.Minute), 30*time.Minute) {
		t.Error("expected intent to be fresh before the window")
	}
	if !p.Expired(created.Add(31*time.Minute), 30*time.Minute) {
		t.Error("expected intent to be expired after the window")
	}
	if p.Expired(created.Add(48*time.Hour), 0) {
		t.Error("a zero window never expires")
	}
}

// --- Entitlement Tests ---

func TestEntitlement(t *testing.T) {
	now := time.Now()

	t.Run("active requires remaining usage and a future expiry", func(t *testing.T) {
		e := &Entitlement{SubjectRef: "42", Remaining: 3, ExpiresAt: now.Add(time.Hour)}
		if !e.Active(now) {
			t.Error("expected entitlement to be active")
		}
		used := &Entitlement{SubjectRef: "42", Remaining: 0, ExpiresAt: now.Add(time.Hour)}
		if used.Active(now) {
			t.Error("expected consumed entitlement to be inactive")
		}
		old := &Entitlement{SubjectRef: "42", Remaining: 3, ExpiresAt: now.Add(-time.Minute)}
		if old.Active(now) {
			t.Error("expected expired entitlement to be inactive")
		}
	})

	t.Run("fingerprint changes when the grant is renewed", func(t *testing.T) {
		a := &Entitlement{SubjectRef: "42", Remaining: 3, ExpiresAt: now}
		b := &Entitlement{SubjectRef: "42", Remaining: 3, ExpiresAt: now.Add(24 * time.Hour)}
		if a.Fingerprint() == b.Fingerprint() {
			t.Error("expected different fingerprints")
		}
		p := &PurchaseIntent{EntitlementSnapshot: []string{a.Fingerprint()}}
		if !p.HasSnapshot(a.Fingerprint()) || p.HasSnapshot(b.Fingerprint()) {
			t.Error("snapshot lookup mismatch")
		}
	})

	t.Run("granted since snapshot", func(t *testing.T) {
		before := &Entitlement{SubjectRef: "bp|7", Remaining: 3, ExpiresAt: now.Add(time.Hour)}
		snap := []string{before.Fingerprint()}

		consumed := &Entitlement{SubjectRef: "bp|7", Remaining: 2, ExpiresAt: before.ExpiresAt}
		if consumed.GrantedSince(snap) {
			t.Error("consumption must not look like a new grant")
		}
		renewed := &Entitlement{SubjectRef: "bp|7", Remaining: 3, ExpiresAt: now.Add(48 * time.Hour)}
		if !renewed.GrantedSince(snap) {
			t.Error("expected renewal to count as a grant")
		}
		other := &Entitlement{SubjectRef: "9", Remaining: 1, ExpiresAt: now.Add(time.Hour)}
		if !other.GrantedSince(snap) || !other.GrantedSince(nil) {
			t.Error("expected unrelated subject to count as a grant")
		}
	})
}
