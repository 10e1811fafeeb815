// File: internal/usecase/purchase_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	uc "marketplace-purchase-saga/internal/domain/ports/usecase"
	"marketplace-purchase-saga/internal/infra/logging"
	"marketplace-purchase-saga/internal/infra/metrics"
)

// Compile-time check
var _ uc.PurchaseUseCase = (*purchaseUC)(nil)

// SagaOptions tunes timing of the purchase saga.
type SagaOptions struct {
	ExpiryWindow   time.Duration // created/awaiting_gateway intents older than this are abandoned
	ReturnURL      string        // where the gateway sends the user back
	Precheck       RetryPolicy   // balance/entitlement reads and the wallet purchase call
	Reconcile      RetryPolicy
	DebounceWindow time.Duration
	WalletGrace    time.Duration // how long a wallet intent may sit in created before recovery
	Now            func() time.Time
}

func DefaultSagaOptions() SagaOptions {
	return SagaOptions{
		ExpiryWindow:   30 * time.Minute,
		Precheck:       RetryPolicy{Attempts: 3, Interval: 500 * time.Millisecond},
		Reconcile:      RetryPolicy{Attempts: 5, Interval: time.Second},
		DebounceWindow: 2 * time.Second,
		WalletGrace:    2 * time.Minute,
		Now:            time.Now,
	}
}

func (o SagaOptions) withDefaults() SagaOptions {
	def := DefaultSagaOptions()
	if o.ExpiryWindow <= 0 {
		o.ExpiryWindow = def.ExpiryWindow
	}
	if o.Precheck.Attempts <= 0 {
		o.Precheck = def.Precheck
	}
	if o.Reconcile.Attempts <= 0 {
		o.Reconcile = def.Reconcile
	}
	if o.DebounceWindow < 0 {
		o.DebounceWindow = 0
	}
	if o.WalletGrace <= 0 {
		o.WalletGrace = def.WalletGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type purchaseUC struct {
	intents      repository.IntentRepository
	backend      adapter.Backend
	navigator    adapter.Navigator
	entitlements *EntitlementChecker
	reconciler   *Reconciler
	detector     *ReturnDetector
	opts         SagaOptions
	log          *zerolog.Logger
}

// NewPurchaseUseCase wires the orchestrator, the return detector and the reconciler.
// navigator, notifier, debouncer and msgs may be nil.
func NewPurchaseUseCase(
	intents repository.IntentRepository,
	backend adapter.Backend,
	navigator adapter.Navigator,
	notifier adapter.Notifier,
	debouncer adapter.Debouncer,
	msgs adapter.MessageRenderer,
	opts SagaOptions,
	logger *zerolog.Logger,
) *purchaseUC {
	opts = opts.withDefaults()
	logger = orNop(logger)
	ents := NewEntitlementChecker(backend, opts.Precheck, logger)
	ents.now = opts.Now
	rec := NewReconciler(intents, backend, ents, notifier, msgs, opts.Reconcile, logger)
	rec.now = opts.Now
	l := logger.With().Str("component", "purchase").Logger()
	return &purchaseUC{
		intents:      intents,
		backend:      backend,
		navigator:    navigator,
		entitlements: ents,
		reconciler:   rec,
		detector:     NewReturnDetector(intents, rec, debouncer, opts, logger),
		opts:         opts,
		log:          &l,
	}
}

// StartPurchase runs the saga from method confirmation. Errors before the intent is stored
// leave nothing behind; afterwards the intent always ends in a state the user can see.
func (u *purchaseUC) StartPurchase(ctx context.Context, req uc.PurchaseRequest) (*model.Outcome, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.StartPurchase")()

	now := u.opts.Now()
	p, err := model.NewPurchaseIntent(req.UserID, req.Kind, req.SubjectRef, req.Category, req.Amount, req.Method, now)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIntentID(logging.WithUserID(ctx, p.UserID), p.ID)
	log := logging.With(ctx, u.log).With().Str("kind", string(p.Kind)).Str("method", string(p.Method)).Logger()

	if err := u.clearActive(ctx, req.UserID, req.ForceAbandon, now, &log); err != nil {
		return nil, err
	}

	guarded := p.Kind != model.IntentKindWalletTopUp
	if guarded {
		if out, err := u.guard(ctx, p, &log); out != nil || err != nil {
			return out, err
		}
	}

	balance, err := u.readBalance(ctx, p.UserID)
	switch {
	case err == nil:
		p.BalanceSnapshot = balance
	case p.Method == model.PaymentMethodWallet || p.Kind == model.IntentKindWalletTopUp:
		// a wallet debit needs the balance, a top-up needs it as the reconciliation baseline
		return nil, err
	case errors.Is(err, domain.ErrUnauthorized):
		return nil, err
	default:
		log.Warn().Err(err).Msg("balance unavailable, continuing gateway purchase")
	}
	if p.Method == model.PaymentMethodWallet && p.Amount.GreaterThan(balance) {
		return nil, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, p.Amount, balance)
	}

	if guarded && p.SnapshotUnknown {
		// one more read while no money has moved
		if out, err := u.guard(ctx, p, &log); out != nil || err != nil {
			return out, err
		}
		if p.SnapshotUnknown {
			log.Warn().Msg("entitlements unknown, reconciliation will take its own baseline")
		}
	}

	if err := u.intents.Create(ctx, p); err != nil {
		return nil, err
	}
	metrics.IncIntentCreated(string(p.Kind), string(p.Method))
	log.Info().Str("amount", p.Amount.String()).Msg("purchase intent created")

	order := adapter.PurchaseOrder{
		IdempotencyKey: p.ID,
		UserID:         p.UserID,
		Kind:           p.Kind,
		SubjectRef:     p.SubjectRef,
		Category:       p.Category,
		Amount:         p.Amount.String(),
	}
	if p.Method == model.PaymentMethodWallet {
		return u.payWithWallet(ctx, p, order, &log)
	}
	order.ReturnURL = u.opts.ReturnURL
	return u.payWithGateway(ctx, p, order, &log)
}

// guard refuses the purchase when a grant of the kind-class is already active and records
// the snapshot the reconciler compares against otherwise.
func (u *purchaseUC) guard(ctx context.Context, p *model.PurchaseIntent, log *zerolog.Logger) (*model.Outcome, error) {
	snap, err := u.entitlements.Snapshot(ctx, p.UserID, p.Kind, p.Category)
	if err != nil {
		return nil, err
	}
	if snap.Existing != nil {
		log.Info().Str("subject_ref", snap.Existing.SubjectRef).Msg("purchase refused, entitlement already active")
		return &model.Outcome{
			Kind:        p.Kind,
			SubjectRef:  p.SubjectRef,
			Reason:      domain.ErrAlreadyEntitled,
			Entitlement: snap.Existing,
		}, domain.ErrAlreadyEntitled
	}
	p.EntitlementSnapshot = snap.Fingerprints
	p.SnapshotUnknown = snap.Unknown
	return nil, nil
}

func (u *purchaseUC) readBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := retryTransient(ctx, u.opts.Precheck, func() error {
		var err error
		bal, err = u.backend.GetBalance(ctx, userID)
		return err
	})
	return bal, err
}

// clearActive makes room for a new intent or explains why there is none.
func (u *purchaseUC) clearActive(ctx context.Context, userID string, force bool, now time.Time, log *zerolog.Logger) error {
	cur, err := u.intents.FindActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !(cur.Expired(now, u.opts.ExpiryWindow) || force) || !abandonable(cur) {
		return fmt.Errorf("%w: intent %s is %s", domain.ErrActiveIntentExists, cur.ID, cur.State)
	}
	won, err := u.intents.CompareAndSetState(ctx, cur.ID, cur.State, model.IntentStateAbandoned)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: intent %s changed state", domain.ErrActiveIntentExists, cur.ID)
	}
	metrics.IncIntentTerminal(string(cur.Kind), string(model.IntentStateAbandoned))
	log.Info().Str("previous_intent_id", cur.ID).Bool("forced", force).Msg("previous intent abandoned")
	return nil
}

// abandonable: no money can have moved yet from the user's point of view. Wallet intents in
// created may have a debit in flight and are left to recovery.
func abandonable(p *model.PurchaseIntent) bool {
	switch p.State {
	case model.IntentStateAwaitingGateway:
		return true
	case model.IntentStateCreated:
		return p.Method == model.PaymentMethodGateway
	}
	return false
}

func (u *purchaseUC) payWithWallet(ctx context.Context, p *model.PurchaseIntent, order adapter.PurchaseOrder, log *zerolog.Logger) (*model.Outcome, error) {
	err := retryTransient(ctx, u.opts.Precheck, func() error {
		return u.backend.PurchaseWithWallet(ctx, order)
	})
	if errors.Is(err, domain.ErrTransientNetwork) {
		// The debit may have gone through. The intent stays created so that recovery
		// reconciles it once the wallet grace period has passed.
		log.Warn().Err(err).Msg("wallet purchase outcome unknown, leaving intent to recovery")
		return nil, err
	}
	if err != nil {
		log.Warn().Err(err).Msg("wallet purchase rejected, discarding intent")
		if derr := u.intents.Delete(context.WithoutCancel(ctx), p.ID); derr != nil {
			log.Error().Err(derr).Msg("failed to discard intent")
		}
		return nil, err
	}

	won, err := u.intents.CompareAndSetState(ctx, p.ID, model.IntentStateCreated, model.IntentStateReconciling)
	if err != nil {
		return nil, err
	}
	if !won {
		// recovery picked it up concurrently
		cur, err := u.intents.FindByID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if cur.State != model.IntentStateReconciling {
			return OutcomeWithReason(cur), nil
		}
		p = cur
	}
	p.State = model.IntentStateReconciling
	return u.reconciler.Reconcile(ctx, p)
}

func (u *purchaseUC) payWithGateway(ctx context.Context, p *model.PurchaseIntent, order adapter.PurchaseOrder, log *zerolog.Logger) (*model.Outcome, error) {
	session, err := u.backend.CreateGatewaySession(ctx, order)
	if err != nil {
		log.Warn().Err(err).Msg("gateway session failed")
		cleanup := context.WithoutCancel(ctx)
		if _, cerr := u.intents.CompareAndSetState(cleanup, p.ID, model.IntentStateCreated, model.IntentStateFailed); cerr != nil {
			log.Error().Err(cerr).Msg("failed to mark intent failed")
		}
		if derr := u.intents.Delete(cleanup, p.ID); derr != nil {
			log.Error().Err(derr).Msg("failed to discard intent")
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewaySessionFailed, err)
	}

	won, err := u.intents.MarkAwaitingGateway(ctx, p.ID, session.OrderRef)
	if err != nil || !won {
		// Without the stored order ref a later return could not be matched: never navigate.
		log.Error().Err(err).Bool("won", won).Msg("failed to persist gateway order ref")
		if derr := u.intents.Delete(context.WithoutCancel(ctx), p.ID); derr != nil {
			log.Error().Err(derr).Msg("failed to discard intent")
		}
		if err == nil {
			err = errors.New("intent left created state")
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	ref := session.OrderRef
	p.GatewayOrderRef = &ref
	p.State = model.IntentStateAwaitingGateway

	out := model.OutcomeOf(p)
	out.RedirectURL = session.RedirectURL
	if u.navigator != nil {
		if err := u.navigator.Navigate(ctx, p, session.RedirectURL); err != nil {
			log.Error().Err(err).Msg("navigation to gateway failed, intent stays awaiting_gateway")
		}
	}
	log.Info().Str("order_ref", logging.Redact(ref, false)).Msg("handed off to gateway")
	return out, nil
}

// OnResume runs the return detector for the user.
func (u *purchaseUC) OnResume(ctx context.Context, userID string, signal model.ReturnSignal) (*model.Outcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", domain.ErrInvalidArgument)
	}
	return u.detector.Detect(ctx, userID, signal)
}

// Abandon drops the user's pending created/awaiting_gateway intent. No notification is sent.
func (u *purchaseUC) Abandon(ctx context.Context, userID string) (*model.Outcome, error) {
	cur, err := u.intents.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !abandonable(cur) {
		return nil, fmt.Errorf("%w: cannot abandon a %s %s intent", domain.ErrInvalidTransition, cur.Method, cur.State)
	}
	won, err := u.intents.CompareAndSetState(ctx, cur.ID, cur.State, model.IntentStateAbandoned)
	if err != nil {
		return nil, err
	}
	if !won {
		latest, err := u.intents.FindByID(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		if latest.State != model.IntentStateAbandoned {
			return nil, fmt.Errorf("%w: intent moved to %s", domain.ErrInvalidTransition, latest.State)
		}
		return model.OutcomeOf(latest), nil
	}
	metrics.IncIntentTerminal(string(cur.Kind), string(model.IntentStateAbandoned))
	u.log.Info().Str("user_id", userID).Str("intent_id", cur.ID).Msg("intent abandoned by user")
	cur.State = model.IntentStateAbandoned
	return model.OutcomeOf(cur), nil
}

// Acknowledge deletes a terminal intent once the user has seen its outcome.
func (u *purchaseUC) Acknowledge(ctx context.Context, userID, intentID string) error {
	p, err := u.intents.FindByID(ctx, intentID)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return domain.ErrNotFound
	}
	if !p.State.Terminal() {
		return fmt.Errorf("%w: intent is still %s", domain.ErrInvalidTransition, p.State)
	}
	return u.intents.Delete(ctx, intentID)
}

func (u *purchaseUC) Active(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	return u.intents.FindActiveByUser(ctx, userID)
}

// LastOutcome returns the outcome of the user's latest settled/failed intent that has not
// been acknowledged yet.
func (u *purchaseUC) LastOutcome(ctx context.Context, userID string) (*model.Outcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", domain.ErrInvalidArgument)
	}
	p, err := u.intents.FindLatestOutcome(ctx, userID)
	if err != nil {
		return nil, err
	}
	return OutcomeWithReason(p), nil
}
