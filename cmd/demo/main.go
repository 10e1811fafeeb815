package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain/model"
	uc "marketplace-purchase-saga/internal/domain/ports/usecase"
	"marketplace-purchase-saga/internal/infra/adapters/backend"
	"marketplace-purchase-saga/internal/infra/db/sqlite"
	"marketplace-purchase-saga/internal/infra/i18n"
	"marketplace-purchase-saga/internal/infra/notify"
	"marketplace-purchase-saga/internal/infra/sched"
	"marketplace-purchase-saga/internal/infra/worker"
	"marketplace-purchase-saga/internal/usecase"
)

// demo walks one user through a wallet top-up and a gateway purchase that is
// interrupted by a process restart, all against the in-memory backend.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dir, err := os.MkdirTemp("", "saga-demo")
	if err != nil {
		log.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "intents.db")

	be := backend.NewNoopBackend()
	msgs, err := i18n.NewDefault("en")
	if err != nil {
		log.Fatalf("i18n: %v", err)
	}
	inbox := notify.NewInbox(16)
	opts := usecase.DefaultSagaOptions()
	opts.ReturnURL = "http://localhost:8080/api/v1/payment/return"
	opts.DebounceWindow = 0
	opts.Reconcile = usecase.RetryPolicy{Attempts: 3, Interval: 50 * time.Millisecond}

	const user = "demo-user"

	// 1. First process: top up the wallet, then start a gateway purchase.
	db, err := sqlite.Open(dbPath)
	if err != nil {
		log.Fatalf("sqlite: %v", err)
	}
	intents := sqlite.NewIntentRepo(db)
	purchases := usecase.NewPurchaseUseCase(intents, be, nil, inbox, nil, msgs, opts, &logger)

	topUp, err := purchases.StartPurchase(ctx, uc.PurchaseRequest{
		UserID: user,
		Kind:   model.IntentKindWalletTopUp,
		Amount: decimal.NewFromInt(50),
		Method: model.PaymentMethodWallet,
	})
	if err != nil {
		log.Fatalf("top-up: %v", err)
	}
	bal, _ := be.GetBalance(ctx, user)
	log.Printf("top-up %s -> %s, balance %s", topUp.IntentID, topUp.State, bal)

	pkg, err := purchases.StartPurchase(ctx, uc.PurchaseRequest{
		UserID:     user,
		Kind:       model.IntentKindPackageSubscription,
		SubjectRef: "pkg-gold",
		Category:   "regular",
		Amount:     decimal.NewFromInt(120),
		Method:     model.PaymentMethodGateway,
	})
	if err != nil {
		log.Fatalf("package: %v", err)
	}
	log.Printf("package %s -> %s, redirect %s", pkg.IntentID, pkg.State, pkg.RedirectURL)

	active, err := purchases.Active(ctx, user)
	if err != nil || active == nil || active.GatewayOrderRef == nil {
		log.Fatalf("active intent missing: %v", err)
	}

	// 2. The user pays while the process is gone.
	_ = sqlite.Close(db)
	if err := be.CompleteOrder(*active.GatewayOrderRef); err != nil {
		log.Fatalf("complete order: %v", err)
	}
	log.Printf("gateway paid order %s; process restarted", *active.GatewayOrderRef)

	// 3. Second process: the startup resumer reconciles the stored intent.
	db, err = sqlite.Open(dbPath)
	if err != nil {
		log.Fatalf("sqlite reopen: %v", err)
	}
	defer sqlite.Close(db)
	intents = sqlite.NewIntentRepo(db)
	purchases = usecase.NewPurchaseUseCase(intents, be, nil, inbox, nil, msgs, opts, &logger)

	pool := worker.NewPool(2, &logger)
	pool.Start(ctx)
	defer pool.Stop()
	n, err := sched.NewStartupResumer(intents, purchases, pool, &logger).ResumeAll(ctx)
	if err != nil {
		log.Fatalf("resume: %v", err)
	}
	log.Printf("resumed %d user(s)", n)

	got, err := intents.FindByID(ctx, pkg.IntentID)
	if err != nil {
		log.Fatalf("find: %v", err)
	}
	log.Printf("package %s is now %s", got.ID, got.State)

	for _, note := range inbox.Drain(user) {
		log.Printf("notification [%s]: %s", note.State, note.Text)
	}
	ents, _ := be.ListEntitlements(ctx, user, "", "")
	for _, e := range ents {
		log.Printf("entitlement %s (%s) remaining=%d", e.SubjectRef, e.Kind, e.Remaining)
	}
}
