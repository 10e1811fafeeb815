package application_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/application"
	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	uc "marketplace-purchase-saga/internal/domain/ports/usecase"
	"marketplace-purchase-saga/internal/infra/i18n"
	"marketplace-purchase-saga/internal/infra/notify"
)

// mockPurchaseUC records the requests the facade builds.
type mockPurchaseUC struct {
	requests []uc.PurchaseRequest
	resumed  []model.ReturnSignal
	outcome  *model.Outcome
	err      error
}

func (m *mockPurchaseUC) StartPurchase(ctx context.Context, req uc.PurchaseRequest) (*model.Outcome, error) {
	m.requests = append(m.requests, req)
	return m.outcome, m.err
}

func (m *mockPurchaseUC) OnResume(ctx context.Context, userID string, sig model.ReturnSignal) (*model.Outcome, error) {
	m.resumed = append(m.resumed, sig)
	return m.outcome, m.err
}

func (m *mockPurchaseUC) Abandon(ctx context.Context, userID string) (*model.Outcome, error) {
	return m.outcome, m.err
}

func (m *mockPurchaseUC) Acknowledge(ctx context.Context, userID, intentID string) error {
	return m.err
}

func (m *mockPurchaseUC) Active(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	return nil, domain.ErrNotFound
}

func (m *mockPurchaseUC) LastOutcome(ctx context.Context, userID string) (*model.Outcome, error) {
	return m.outcome, m.err
}

type mockLister struct {
	kind    model.IntentKind
	ents    []model.Entitlement
	subject string
}

func (m *mockLister) HasActiveEntitlement(ctx context.Context, userID string, kind model.IntentKind, category, subjectFilter string) (*model.Entitlement, error) {
	m.kind, m.subject = kind, subjectFilter
	for i := range m.ents {
		if m.ents[i].SubjectRef == subjectFilter {
			e := m.ents[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (m *mockLister) ListActive(ctx context.Context, userID string, kind model.IntentKind, category string) ([]model.Entitlement, error) {
	m.kind = kind
	return m.ents, nil
}

func TestPurchaseFacade_BuildsRequests(t *testing.T) {
	ctx := context.Background()
	m := &mockPurchaseUC{outcome: &model.Outcome{State: model.IntentStateSettled}}
	f := application.NewPurchaseFacade(m, nil, nil, nil)

	if _, err := f.TopUp(ctx, "u1", decimal.NewFromInt(5), model.PaymentMethodWallet); err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if _, err := f.BuyPackage(ctx, "u1", "42", "business", decimal.NewFromInt(20), model.PaymentMethodGateway); err != nil {
		t.Fatalf("BuyPackage: %v", err)
	}
	if _, err := f.BuyVerification(ctx, "u1", "gold", decimal.NewFromInt(3), model.PaymentMethodWallet); err != nil {
		t.Fatalf("BuyVerification: %v", err)
	}

	if len(m.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(m.requests))
	}
	if r := m.requests[0]; r.Kind != model.IntentKindWalletTopUp || r.SubjectRef != "" || !r.Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected top-up request: %+v", r)
	}
	if r := m.requests[1]; r.Kind != model.IntentKindPackageSubscription || r.SubjectRef != "42" || r.Category != "business" || r.Method != model.PaymentMethodGateway {
		t.Errorf("unexpected package request: %+v", r)
	}
	if r := m.requests[2]; r.Kind != model.IntentKindVerificationPurchase || r.SubjectRef != "gold" {
		t.Errorf("unexpected verification request: %+v", r)
	}
}

func TestPurchaseFacade_LastOutcome(t *testing.T) {
	m := &mockPurchaseUC{outcome: &model.Outcome{IntentID: "i1", State: model.IntentStateFailed}}
	f := application.NewPurchaseFacade(m, nil, nil, nil)
	out, err := f.LastOutcome(context.Background(), "u1")
	if err != nil || out.IntentID != "i1" || out.State != model.IntentStateFailed {
		t.Fatalf("unexpected outcome %+v, %v", out, err)
	}
}

func TestPurchaseFacade_PassesErrors(t *testing.T) {
	m := &mockPurchaseUC{err: domain.ErrInsufficientFunds}
	f := application.NewPurchaseFacade(m, nil, nil, nil)
	_, err := f.TopUp(context.Background(), "u1", decimal.NewFromInt(5), model.PaymentMethodWallet)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPurchaseFacade_EntitlementsAndInbox(t *testing.T) {
	ctx := context.Background()
	lister := &mockLister{ents: []model.Entitlement{{SubjectRef: "42", Remaining: 1}}}
	inbox := notify.NewInbox(4)
	f := application.NewPurchaseFacade(&mockPurchaseUC{}, lister, inbox, nil)

	ents, err := f.ActiveEntitlements(ctx, "u1", model.IntentKindPackageSubscription, "")
	if err != nil || len(ents) != 1 {
		t.Fatalf("unexpected entitlements: %v %v", ents, err)
	}
	if lister.kind != model.IntentKindPackageSubscription {
		t.Errorf("kind not forwarded: %s", lister.kind)
	}

	e, err := f.ActiveEntitlement(ctx, "u1", model.IntentKindVerificationPurchase, "", "42")
	if err != nil || e == nil || e.SubjectRef != "42" {
		t.Fatalf("unexpected entitlement: %+v %v", e, err)
	}
	if lister.subject != "42" || lister.kind != model.IntentKindVerificationPurchase {
		t.Errorf("subject filter not forwarded: %q %s", lister.subject, lister.kind)
	}
	if e, _ := f.ActiveEntitlement(ctx, "u1", model.IntentKindVerificationPurchase, "", "7"); e != nil {
		t.Errorf("expected no grant for another subject, got %+v", e)
	}

	_ = inbox.Notify(ctx, model.Notification{UserID: "u1", Text: "done"})
	if got := f.Notifications("u1"); len(got) != 1 || got[0].Text != "done" {
		t.Fatalf("unexpected notifications: %+v", got)
	}

	bare := application.NewPurchaseFacade(&mockPurchaseUC{}, nil, nil, nil)
	if _, err := bare.ActiveEntitlements(ctx, "u1", model.IntentKindPackageSubscription, ""); err == nil {
		t.Error("expected error without an entitlement checker")
	}
	if bare.Notifications("u1") != nil {
		t.Error("expected no notifications without an inbox")
	}
}

func TestPurchaseFacade_ReturnPageText(t *testing.T) {
	tr, err := i18n.NewDefault("en")
	if err != nil {
		t.Fatalf("translator: %v", err)
	}
	f := application.NewPurchaseFacade(&mockPurchaseUC{}, nil, nil, tr)

	cases := []struct {
		name    string
		outcome *model.Outcome
		want    string
	}{
		{"none", nil, tr.T("page.return.none")},
		{"settled", &model.Outcome{State: model.IntentStateSettled}, tr.T("page.return.settled")},
		{"failed", &model.Outcome{State: model.IntentStateFailed}, tr.T("page.return.failed")},
		{"abandoned", &model.Outcome{State: model.IntentStateAbandoned}, tr.T("page.return.abandoned")},
		{"pending", &model.Outcome{State: model.IntentStateReconciling}, tr.T("page.return.pending")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.ReturnPageText(tc.outcome); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
			if tc.want == "" || tc.want[:5] == "page." {
				t.Errorf("locale key %q missing", tc.want)
			}
		})
	}
}
