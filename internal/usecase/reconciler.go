package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/logging"
	"marketplace-purchase-saga/internal/infra/metrics"
)

// Message keys for the terminal notification.
const (
	msgSettledPrefix    = "purchase.settled."
	msgFailedCheckLater = "purchase.failed.check_later"
)

var errNotConfirmed = errors.New("purchase not visible on the backend yet")

// Reconciler re-derives the outcome of an intent in the reconciling state from the backend
// and moves it to settled or failed exactly once.
type Reconciler struct {
	intents      repository.IntentRepository
	balance      adapter.BalanceService
	entitlements *EntitlementChecker
	notifier     adapter.Notifier
	msgs         adapter.MessageRenderer
	policy       RetryPolicy
	now          func() time.Time
	log          *zerolog.Logger

	group singleflight.Group
}

func NewReconciler(
	intents repository.IntentRepository,
	balance adapter.BalanceService,
	entitlements *EntitlementChecker,
	notifier adapter.Notifier,
	msgs adapter.MessageRenderer,
	policy RetryPolicy,
	logger *zerolog.Logger,
) *Reconciler {
	l := orNop(logger).With().Str("component", "reconciler").Logger()
	return &Reconciler{
		intents:      intents,
		balance:      balance,
		entitlements: entitlements,
		notifier:     notifier,
		msgs:         msgs,
		policy:       policy,
		now:          time.Now,
		log:          &l,
	}
}

// Reconcile settles p. Concurrent calls for the same intent share one run; only the call
// that ran it reports Notified=true.
func (r *Reconciler) Reconcile(ctx context.Context, p *model.PurchaseIntent) (*model.Outcome, error) {
	ran := false
	v, err, _ := r.group.Do(p.ID, func() (interface{}, error) {
		ran = true
		return r.reconcile(ctx, p.ID)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*model.Outcome)
	if !ran {
		out.Notified = false
	}
	return &out, nil
}

func (r *Reconciler) reconcile(ctx context.Context, id string) (*model.Outcome, error) {
	defer logging.TraceDuration(r.log, "Reconciler.reconcile")()

	cur, err := r.intents.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return OutcomeWithReason(cur), nil
	}
	if cur.State != model.IntentStateReconciling {
		return nil, fmt.Errorf("%w: reconcile from %s", domain.ErrInvalidTransition, cur.State)
	}
	ctx = logging.WithIntentID(logging.WithUserID(ctx, cur.UserID), cur.ID)
	log := logging.With(ctx, r.log).With().Str("kind", string(cur.Kind)).Logger()

	var (
		attempts int
		granted  *model.Entitlement
		base     = grantBaseline{fps: cur.EntitlementSnapshot, known: !cur.SnapshotUnknown}
	)
	err = backoff.Retry(func() error {
		attempts++
		e, err := r.confirm(ctx, cur, &base)
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			return backoff.Permanent(err)
		case err != nil:
			log.Debug().Err(err).Int("attempt", attempts).Msg("reconcile read failed")
			return err
		}
		granted = e
		return nil
	}, r.policy.constant(ctx))

	target := model.IntentStateSettled
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnauthorized):
		metrics.ObserveReconcile("unauthorized", attempts)
		log.Warn().Err(err).Msg("backend rejected credentials, intent stays reconciling")
		return nil, err
	case ctx.Err() != nil:
		metrics.ObserveReconcile("cancelled", attempts)
		return nil, ctx.Err()
	default:
		target = model.IntentStateFailed
		log.Info().Err(err).Int("attempts", attempts).Msg("purchase not confirmed")
	}
	metrics.ObserveReconcile(string(target), attempts)

	won, err := r.intents.CompareAndSetState(ctx, cur.ID, model.IntentStateReconciling, target)
	if err != nil {
		return nil, err
	}
	if !won {
		latest, err := r.intents.FindByID(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		return OutcomeWithReason(latest), nil
	}

	cur.State = target
	cur.UpdatedAt = r.now()
	out := OutcomeWithReason(cur)
	out.Entitlement = granted
	metrics.IncIntentTerminal(string(cur.Kind), string(target))
	if target == model.IntentStateSettled {
		f, _ := cur.Amount.Float64()
		metrics.AddSettledAmount(string(cur.Kind), f)
	}
	r.notify(ctx, cur, &log)
	out.Notified = true
	log.Info().Str("state", string(target)).Int("attempts", attempts).Msg("intent reconciled")
	return out, nil
}

// grantBaseline is the set of grants a purchased grant has to be new or improved against.
type grantBaseline struct {
	fps   []string
	known bool
}

// confirm performs one authoritative read. A nil error means the purchase is visible.
// When the pre-purchase snapshot is unknown, the first successful read becomes the baseline
// and only later improvements count, unless the wallet shows the debit.
func (r *Reconciler) confirm(ctx context.Context, p *model.PurchaseIntent, base *grantBaseline) (*model.Entitlement, error) {
	if p.Kind == model.IntentKindWalletTopUp {
		bal, err := r.balance.GetBalance(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if bal.GreaterThan(p.BalanceSnapshot) {
			return nil, nil
		}
		return nil, errNotConfirmed
	}
	active, err := r.entitlements.ListActive(ctx, p.UserID, p.Kind, p.Category)
	if err != nil {
		return nil, err
	}
	if !base.known {
		if p.Method == model.PaymentMethodWallet {
			e, err := r.debited(ctx, p, active)
			if e != nil || err != nil {
				return e, err
			}
		}
		base.fps = fingerprints(active)
		base.known = true
		return nil, errNotConfirmed
	}
	for i := range active {
		e := active[i]
		if e.SubjectRef == p.SubjectRef && e.GrantedSince(base.fps) {
			return &e, nil
		}
	}
	return nil, errNotConfirmed
}

// debited returns the grant for p's subject when the wallet is down by at least p.Amount
// since the intent was created.
func (r *Reconciler) debited(ctx context.Context, p *model.PurchaseIntent, active []model.Entitlement) (*model.Entitlement, error) {
	for i := range active {
		if active[i].SubjectRef != p.SubjectRef {
			continue
		}
		bal, err := r.balance.GetBalance(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if bal.LessThanOrEqual(p.BalanceSnapshot.Sub(p.Amount)) {
			e := active[i]
			return &e, nil
		}
		return nil, nil
	}
	return nil, nil
}

func (r *Reconciler) notify(ctx context.Context, p *model.PurchaseIntent, log *zerolog.Logger) {
	if r.notifier == nil {
		return
	}
	key := msgFailedCheckLater
	args := []interface{}{p.Amount.String()}
	if p.State == model.IntentStateSettled {
		key = msgSettledPrefix + string(p.Kind)
		if p.Kind != model.IntentKindWalletTopUp {
			args = []interface{}{p.SubjectRef}
		}
	}
	text := key
	if r.msgs != nil {
		text = r.msgs.T(key, args...)
	}
	n := model.Notification{
		UserID:     p.UserID,
		IntentID:   p.ID,
		Kind:       p.Kind,
		State:      p.State,
		MessageKey: key,
		Text:       text,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		log.Error().Err(err).Msg("failed to deliver purchase notification")
	}
}

// OutcomeWithReason is model.OutcomeOf plus the failure reason implied by the state.
func OutcomeWithReason(p *model.PurchaseIntent) *model.Outcome {
	out := model.OutcomeOf(p)
	if p.State == model.IntentStateFailed {
		out.Reason = domain.ErrReconciliationTimeout
	}
	return out
}

func orNop(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return l
}
