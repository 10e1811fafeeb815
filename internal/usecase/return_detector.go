package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/logging"
	"marketplace-purchase-saga/internal/infra/metrics"
)

// ReturnDetector runs on every start, resume and focus event and decides whether a stored
// intent has to be reconciled. The return signal only triggers the lookup.
type ReturnDetector struct {
	intents    repository.IntentRepository
	reconciler *Reconciler
	debouncer  adapter.Debouncer
	opts       SagaOptions
	log        *zerolog.Logger
}

func NewReturnDetector(intents repository.IntentRepository, reconciler *Reconciler, debouncer adapter.Debouncer, opts SagaOptions, logger *zerolog.Logger) *ReturnDetector {
	if debouncer == nil {
		debouncer = NewMemoryDebouncer()
	}
	l := orNop(logger).With().Str("component", "return_detector").Logger()
	return &ReturnDetector{
		intents:    intents,
		reconciler: reconciler,
		debouncer:  debouncer,
		opts:       opts.withDefaults(),
		log:        &l,
	}
}

// Detect returns nil, nil when there is nothing to do for the user.
func (d *ReturnDetector) Detect(ctx context.Context, userID string, sig model.ReturnSignal) (*model.Outcome, error) {
	defer logging.TraceDuration(d.log, "ReturnDetector.Detect")()
	log := d.log.With().Str("user_id", userID).Str("source", sig.Source).Logger()

	ok, err := d.debouncer.Allow(ctx, userID+"|"+sig.OrderRef, d.opts.DebounceWindow)
	if err != nil {
		log.Warn().Err(err).Msg("debouncer unavailable, processing resume")
	} else if !ok {
		metrics.IncResume("debounced")
		return nil, nil
	}

	p, err := d.intents.FindActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		if !sig.Empty() && d.stale(ctx, userID, sig, &log) {
			metrics.IncResume("stale")
			return nil, nil
		}
		metrics.IncResume("no_intent")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log = log.With().Str("intent_id", p.ID).Str("state", string(p.State)).Logger()
	now := d.opts.Now()

	switch p.State {
	case model.IntentStateCreated:
		return d.onCreated(ctx, p, now, &log)

	case model.IntentStateAwaitingGateway:
		if p.Expired(now, d.opts.ExpiryWindow) {
			return d.abandon(ctx, p, model.IntentStateAwaitingGateway, &log)
		}
		if sig.OrderRef != "" && sig.OrderRef != p.OrderRef() {
			metrics.IncResume("order_mismatch")
			log.Info().Str("signal_ref", logging.Redact(sig.OrderRef, false)).Msg("return signal for another order ignored")
			return model.OutcomeOf(p), nil
		}
		won, err := d.intents.CompareAndSetState(ctx, p.ID, model.IntentStateAwaitingGateway, model.IntentStateReconciling)
		if err != nil {
			return nil, err
		}
		if !won {
			metrics.IncResume("lost_race")
			return d.current(ctx, p.ID)
		}
		p.State = model.IntentStateReconciling
		metrics.IncResume("reconciled")
		return d.reconciler.Reconcile(ctx, p)

	case model.IntentStateReconciling:
		metrics.IncResume("reconciled")
		return d.reconciler.Reconcile(ctx, p)
	}

	metrics.IncResume("terminal")
	return nil, nil
}

// stale reports whether an explicit return marker points at one of the user's intents that
// is already abandoned or finished, e.g. a replayed deep link.
func (d *ReturnDetector) stale(ctx context.Context, userID string, sig model.ReturnSignal, log *zerolog.Logger) bool {
	if sig.OrderRef == "" {
		log.Debug().Str("status", sig.Status).Msg("return marker without order ref and no pending intent")
		return false
	}
	p, err := d.intents.FindByOrderRef(ctx, sig.OrderRef)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("order ref lookup failed")
		}
		return false
	}
	if p.UserID != userID || !p.State.Terminal() {
		return false
	}
	log.Info().Str("intent_id", p.ID).Str("state", string(p.State)).
		Str("signal_ref", logging.Redact(sig.OrderRef, false)).Msg("stale return signal ignored")
	return true
}

// onCreated handles an intent that never left created: the process stopped between
// persisting it and the backend call, or that call is still running.
func (d *ReturnDetector) onCreated(ctx context.Context, p *model.PurchaseIntent, now time.Time, log *zerolog.Logger) (*model.Outcome, error) {
	if p.Method == model.PaymentMethodWallet {
		if now.Sub(p.CreatedAt) < d.opts.WalletGrace {
			metrics.IncResume("in_progress")
			return model.OutcomeOf(p), nil
		}
		// The wallet call may have reached the backend; only the backend can tell.
		won, err := d.intents.CompareAndSetState(ctx, p.ID, model.IntentStateCreated, model.IntentStateReconciling)
		if err != nil {
			return nil, err
		}
		if !won {
			metrics.IncResume("lost_race")
			return d.current(ctx, p.ID)
		}
		p.State = model.IntentStateReconciling
		log.Info().Msg("recovering wallet purchase left in created")
		metrics.IncResume("reconciled")
		return d.reconciler.Reconcile(ctx, p)
	}
	if p.Expired(now, d.opts.ExpiryWindow) {
		return d.abandon(ctx, p, model.IntentStateCreated, log)
	}
	metrics.IncResume("in_progress")
	return model.OutcomeOf(p), nil
}

func (d *ReturnDetector) abandon(ctx context.Context, p *model.PurchaseIntent, from model.IntentState, log *zerolog.Logger) (*model.Outcome, error) {
	won, err := d.intents.CompareAndSetState(ctx, p.ID, from, model.IntentStateAbandoned)
	if err != nil {
		return nil, err
	}
	if !won {
		metrics.IncResume("lost_race")
		return d.current(ctx, p.ID)
	}
	metrics.IncResume("expired")
	metrics.IncIntentTerminal(string(p.Kind), string(model.IntentStateAbandoned))
	log.Info().Msg("intent expired and was abandoned")
	p.State = model.IntentStateAbandoned
	return model.OutcomeOf(p), nil
}

func (d *ReturnDetector) current(ctx context.Context, id string) (*model.Outcome, error) {
	p, err := d.intents.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return OutcomeWithReason(p), nil
}
