package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/metrics"
)

const sweepBatch = 200

// Sweeper periodically abandons expired intents that never reached the gateway or never came
// back from it, and purges terminal intents after the retention window.
type Sweeper struct {
	intents   repository.IntentRepository
	interval  time.Duration
	expiry    time.Duration
	retention time.Duration
	now       func() time.Time
	log       *zerolog.Logger
}

func NewSweeper(intents repository.IntentRepository, interval, expiry, retention time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "Sweeper").Logger()
	return &Sweeper{
		intents:   intents,
		interval:  interval,
		expiry:    expiry,
		retention: retention,
		now:       time.Now,
		log:       &l,
	}
}

func (w *Sweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting intent sweeper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping intent sweeper")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one expiry pass and one retention pass.
func (w *Sweeper) Tick(ctx context.Context) {
	if n := w.expire(ctx); n > 0 {
		metrics.AddSweeper("expiry", "abandoned", n)
		w.log.Info().Int("count", n).Msg("expired intents abandoned")
	}
	if w.retention <= 0 {
		return
	}
	n, err := w.intents.DeleteTerminalOlderThan(ctx, w.now().Add(-w.retention))
	if err != nil {
		w.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		metrics.AddSweeper("retention", "deleted", n)
		w.log.Info().Int("count", n).Msg("terminal intents purged")
	}
}

func (w *Sweeper) expire(ctx context.Context) int {
	if w.expiry <= 0 {
		return 0
	}
	cutoff := w.now().Add(-w.expiry)
	abandoned := 0
	for _, state := range []model.IntentState{model.IntentStateCreated, model.IntentStateAwaitingGateway} {
		list, err := w.intents.ListByState(ctx, state, cutoff, sweepBatch)
		if err != nil {
			w.log.Error().Err(err).Str("state", string(state)).Msg("list expired intents failed")
			continue
		}
		for _, p := range list {
			// a wallet debit may have gone through; the return detector reconciles those
			if state == model.IntentStateCreated && p.Method == model.PaymentMethodWallet {
				continue
			}
			won, err := w.intents.CompareAndSetState(ctx, p.ID, state, model.IntentStateAbandoned)
			if err != nil {
				w.log.Warn().Err(err).Str("intent_id", p.ID).Msg("abandon failed")
				continue
			}
			if won {
				abandoned++
				metrics.IncIntentTerminal(string(p.Kind), string(model.IntentStateAbandoned))
			}
		}
	}
	return abandoned
}
