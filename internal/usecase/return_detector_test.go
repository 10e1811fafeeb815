//go:build !integration

package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	ucport "marketplace-purchase-saga/internal/domain/ports/usecase"
	"marketplace-purchase-saga/internal/usecase"
)

func walletTopUp(userID, amount string) ucport.PurchaseRequest {
	return ucport.PurchaseRequest{
		UserID: userID, Kind: model.IntentKindWalletTopUp, Amount: dec(amount), Method: model.PaymentMethodWallet,
	}
}

// seedAwaiting stores an intent as a previous process would have left it before the user
// was sent to the gateway.
func seedAwaiting(deps *sagaTestDeps, userID, subject, orderRef string, age time.Duration) *model.PurchaseIntent {
	p, err := model.NewPurchaseIntent(userID, model.IntentKindPackageSubscription, subject, "regular", dec("25"), model.PaymentMethodGateway, deps.clock.Now().Add(-age))
	if err != nil {
		panic(err)
	}
	ref := orderRef
	p.GatewayOrderRef = &ref
	p.State = model.IntentStateAwaitingGateway
	deps.repo.Put(p)
	return p
}

func TestReturnDetector_GatewayResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p := seedAwaiting(deps, "u1", "42", "X", 2*time.Minute)
	deps.backend.Grant(deps.entitlement("42", "regular"))

	// a brand new orchestrator: nothing survives but the store
	uc := deps.build()
	out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X", Status: "OK", Source: "query"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.IntentID != p.ID || out.State != model.IntentStateSettled || !out.Notified {
		t.Fatalf("expected settled and notified outcome for %s, got %+v", p.ID, out)
	}
	if out.Entitlement == nil || out.Entitlement.SubjectRef != "42" {
		t.Errorf("expected entitlement 42 in the outcome, got %+v", out.Entitlement)
	}
	if deps.notifier.Count() != 1 || deps.notifier.Last().MessageKey != "purchase.settled.package_subscription" {
		t.Errorf("unexpected notifications: %+v", deps.notifier.Sent)
	}

	// the same deep link delivered again
	again, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X", Source: "deeplink"})
	if err != nil || again != nil {
		t.Errorf("expected a no-op for the repeated signal, got %+v, %v", again, err)
	}
	if deps.notifier.Count() != 1 || deps.repo.TerminalTransitions(p.ID) != 1 {
		t.Error("expected a single transition and a single notification")
	}
}

func TestReturnDetector_ConcurrentResumes(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p := seedAwaiting(deps, "u1", "42", "X", time.Minute)
	deps.backend.Grant(deps.entitlement("42", "regular"))
	uc := deps.build()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		notified int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X", Source: "focus"})
			if err != nil {
				t.Errorf("OnResume failed: %v", err)
				return
			}
			if out != nil && out.Notified {
				mu.Lock()
				notified++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := deps.repo.TerminalTransitions(p.ID); got != 1 {
		t.Errorf("expected exactly one terminal transition, got %d", got)
	}
	if deps.notifier.Count() != 1 || notified != 1 {
		t.Errorf("expected exactly one notification, got %d sent and %d outcomes marked notified", deps.notifier.Count(), notified)
	}
	stored, _ := deps.repo.FindByID(ctx, p.ID)
	if stored.State != model.IntentStateSettled {
		t.Errorf("expected settled, got %s", stored.State)
	}
}

func TestReturnDetector_Expiry(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p := seedAwaiting(deps, "u1", "42", "X", 31*time.Minute)
	deps.backend.Grant(deps.entitlement("42", "regular"))
	uc := deps.build()

	out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.State != model.IntentStateAbandoned {
		t.Fatalf("expected abandoned, got %s", out.State)
	}

	// a late return for the same order is never reconciled
	again, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
	if err != nil || again != nil {
		t.Errorf("expected a no-op, got %+v, %v", again, err)
	}
	if deps.backend.EntitlementCalls != 0 {
		t.Errorf("expected no reconciliation reads, got %d", deps.backend.EntitlementCalls)
	}
	if deps.notifier.Count() != 0 {
		t.Error("abandonment must not notify")
	}
	stored, _ := deps.repo.FindByID(ctx, p.ID)
	if stored.State != model.IntentStateAbandoned {
		t.Errorf("expected the record to stay abandoned, got %s", stored.State)
	}
}

func TestReturnDetector_NoOps(t *testing.T) {
	ctx := context.Background()

	t.Run("stale signal without an intent", func(t *testing.T) {
		deps := newSagaDeps()
		uc := deps.build()
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "forged", Status: "OK"})
		if err != nil || out != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", out, err)
		}
		if deps.backend.BalanceCalls+deps.backend.EntitlementCalls != 0 {
			t.Error("expected no backend reads")
		}
	})

	t.Run("replayed link for a finished order", func(t *testing.T) {
		for _, state := range []model.IntentState{model.IntentStateAbandoned, model.IntentStateSettled} {
			deps := newSagaDeps()
			p := seedAwaiting(deps, "u1", "42", "X", time.Minute)
			p.State = state
			deps.repo.Put(p)
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			uc := usecase.NewPurchaseUseCase(deps.repo, deps.backend, deps.nav, deps.notifier, nil, nil, deps.opts, &logger)

			out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X", Status: "OK", Source: "deeplink"})
			if err != nil || out != nil {
				t.Fatalf("%s: expected nil, nil; got %+v, %v", state, out, err)
			}
			if deps.repo.CASCalls != 0 || deps.backend.EntitlementCalls != 0 || deps.notifier.Count() != 0 {
				t.Errorf("%s: expected no reconciliation", state)
			}
			if !strings.Contains(buf.String(), "stale return signal ignored") || !strings.Contains(buf.String(), p.ID) {
				t.Errorf("%s: expected the stale signal to be logged, got %s", state, buf.String())
			}
		}
	})

	t.Run("another user's order ref is not reported", func(t *testing.T) {
		deps := newSagaDeps()
		p := seedAwaiting(deps, "u2", "42", "X", time.Minute)
		p.State = model.IntentStateSettled
		deps.repo.Put(p)
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		uc := usecase.NewPurchaseUseCase(deps.repo, deps.backend, deps.nav, deps.notifier, nil, nil, deps.opts, &logger)

		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
		if err != nil || out != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", out, err)
		}
		if strings.Contains(buf.String(), "stale return signal ignored") {
			t.Error("expected no stale report for another user's intent")
		}
	})

	t.Run("signal for another order", func(t *testing.T) {
		deps := newSagaDeps()
		p := seedAwaiting(deps, "u1", "42", "X", time.Minute)
		uc := deps.build()
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "Y"})
		if err != nil {
			t.Fatalf("OnResume failed: %v", err)
		}
		if out.State != model.IntentStateAwaitingGateway {
			t.Errorf("expected the intent to stay awaiting_gateway, got %s", out.State)
		}
		stored, _ := deps.repo.FindByID(ctx, p.ID)
		if stored.State != model.IntentStateAwaitingGateway {
			t.Errorf("expected no state change, got %s", stored.State)
		}
	})

	t.Run("plain focus reconciles the pending order", func(t *testing.T) {
		deps := newSagaDeps()
		seedAwaiting(deps, "u1", "42", "X", time.Minute)
		deps.backend.Grant(deps.entitlement("42", "regular"))
		uc := deps.build()
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{Source: "focus"})
		if err != nil {
			t.Fatalf("OnResume failed: %v", err)
		}
		if out.State != model.IntentStateSettled {
			t.Errorf("expected settled, got %s", out.State)
		}
	})

	t.Run("fresh gateway intent in created is left alone", func(t *testing.T) {
		deps := newSagaDeps()
		p, _ := model.NewPurchaseIntent("u1", model.IntentKindWalletTopUp, "", "", dec("5"), model.PaymentMethodGateway, deps.clock.Now())
		deps.repo.Put(p)
		uc := deps.build()
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{})
		if err != nil {
			t.Fatalf("OnResume failed: %v", err)
		}
		if out.State != model.IntentStateCreated {
			t.Errorf("expected created, got %s", out.State)
		}

		deps.clock.Advance(time.Hour)
		out, err = uc.OnResume(ctx, "u1", model.ReturnSignal{})
		if err != nil {
			t.Fatalf("OnResume failed: %v", err)
		}
		if out.State != model.IntentStateAbandoned {
			t.Errorf("expected abandoned after expiry, got %s", out.State)
		}
	})
}

func TestReconciler_NeverConfirms(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p := seedAwaiting(deps, "u1", "42", "X", time.Minute)
	uc := deps.build()

	out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.State != model.IntentStateFailed || !errors.Is(out.Reason, domain.ErrReconciliationTimeout) {
		t.Fatalf("expected failed with ErrReconciliationTimeout, got %+v", out)
	}
	if deps.backend.EntitlementCalls != 5 {
		t.Errorf("expected 5 reconciliation reads, got %d", deps.backend.EntitlementCalls)
	}
	n := deps.notifier.Last()
	if deps.notifier.Count() != 1 || n.MessageKey != "purchase.failed.check_later" || n.IntentID != p.ID {
		t.Errorf("expected one check-later notification, got %+v", deps.notifier.Sent)
	}
}

func TestReconciler_TransientReadsCountAsAttempts(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	deps.backend.Balance = dec("10")
	reads := 0
	deps.backend.BalanceFunc = func(ctx context.Context, userID string) (decimal.Decimal, error) {
		reads++
		switch {
		case reads == 1:
			return dec("10"), nil // pre-check
		case reads < 4:
			return decimal.Zero, domain.ErrTransientNetwork
		default:
			return dec("15"), nil
		}
	}
	uc := deps.build()

	out, err := uc.StartPurchase(ctx, walletTopUp("u1", "5"))
	if err != nil {
		t.Fatalf("StartPurchase failed: %v", err)
	}
	if out.State != model.IntentStateSettled {
		t.Fatalf("expected settled, got %+v", out)
	}
	if reads != 4 {
		t.Errorf("expected 1 pre-check and 3 reconciliation reads, got %d", reads)
	}
}

func TestReconciler_Unauthorized(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p := seedAwaiting(deps, "u1", "42", "X", time.Minute)
	deps.backend.EntitlementsFunc = func(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error) {
		return nil, domain.ErrUnauthorized
	}
	uc := deps.build()

	if _, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	stored, _ := deps.repo.FindByID(ctx, p.ID)
	if stored.State != model.IntentStateReconciling {
		t.Fatalf("expected the intent to stay reconciling, got %s", stored.State)
	}
	if deps.notifier.Count() != 0 {
		t.Error("expected no notification")
	}

	// after re-authentication the next resume continues
	deps.backend.EntitlementsFunc = nil
	deps.backend.Grant(deps.entitlement("42", "regular"))
	out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{Source: "focus"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.State != model.IntentStateSettled || deps.notifier.Count() != 1 {
		t.Errorf("expected settled with one notification, got %+v", out)
	}
}

func TestReturnDetector_WalletRecovery(t *testing.T) {
	ctx := context.Background()
	deps := newSagaDeps()
	p, _ := model.NewPurchaseIntent("u1", model.IntentKindWalletTopUp, "", "", dec("5"), model.PaymentMethodWallet, deps.clock.Now())
	p.BalanceSnapshot = dec("10")
	deps.repo.Put(p)
	deps.backend.Balance = dec("15")
	uc := deps.build()

	out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{Source: "startup"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.State != model.IntentStateCreated {
		t.Fatalf("expected an in-flight wallet intent to be left alone, got %s", out.State)
	}

	deps.clock.Advance(5 * time.Minute)
	out, err = uc.OnResume(ctx, "u1", model.ReturnSignal{Source: "startup"})
	if err != nil {
		t.Fatalf("OnResume failed: %v", err)
	}
	if out.State != model.IntentStateSettled {
		t.Errorf("expected recovered wallet intent to settle, got %s", out.State)
	}
}

func TestReturnDetector_Debounce(t *testing.T) {
	ctx := context.Background()

	t.Run("memory debouncer", func(t *testing.T) {
		d := usecase.NewMemoryDebouncer()
		if ok, _ := d.Allow(ctx, "u1|X", time.Hour); !ok {
			t.Fatal("expected the first event to pass")
		}
		if ok, _ := d.Allow(ctx, "u1|X", time.Hour); ok {
			t.Error("expected the burst to be dropped")
		}
		if ok, _ := d.Allow(ctx, "u1|Y", time.Hour); !ok {
			t.Error("expected another key to pass")
		}
		if ok, _ := d.Allow(ctx, "u1|X", 0); !ok {
			t.Error("expected a zero window to disable debouncing")
		}
	})

	t.Run("dropped events do not touch the store", func(t *testing.T) {
		deps := newSagaDeps()
		seedAwaiting(deps, "u1", "42", "X", time.Minute)
		uc := usecase.NewPurchaseUseCase(deps.repo, deps.backend, deps.nav, deps.notifier,
			&MockDebouncer{Allowed: false}, nil, deps.opts, newTestLogger())
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
		if err != nil || out != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", out, err)
		}
		if deps.repo.CASCalls != 0 {
			t.Error("expected no state change")
		}
	})

	t.Run("an unavailable debouncer does not block resume", func(t *testing.T) {
		deps := newSagaDeps()
		seedAwaiting(deps, "u1", "42", "X", time.Minute)
		deps.backend.Grant(deps.entitlement("42", "regular"))
		uc := usecase.NewPurchaseUseCase(deps.repo, deps.backend, deps.nav, deps.notifier,
			&MockDebouncer{Err: errBoom}, nil, deps.opts, newTestLogger())
		out, err := uc.OnResume(ctx, "u1", model.ReturnSignal{OrderRef: "X"})
		if err != nil {
			t.Fatalf("OnResume failed: %v", err)
		}
		if out.State != model.IntentStateSettled {
			t.Errorf("expected settled, got %s", out.State)
		}
		// no renderer: the key doubles as the text
		if deps.notifier.Last().Text != "purchase.settled.package_subscription" {
			t.Errorf("unexpected text %q", deps.notifier.Last().Text)
		}
	})
}
