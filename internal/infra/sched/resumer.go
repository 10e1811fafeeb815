package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/metrics"
	"marketplace-purchase-saga/internal/infra/worker"
)

// Resumer is the part of the purchase use case the startup resume needs.
type Resumer interface {
	OnResume(ctx context.Context, userID string, signal model.ReturnSignal) (*model.Outcome, error)
}

// StartupResumer runs the return detector once for every user who had a purchase in flight
// when the process stopped.
type StartupResumer struct {
	intents repository.IntentRepository
	uc      Resumer
	pool    *worker.Pool
	log     *zerolog.Logger
}

func NewStartupResumer(intents repository.IntentRepository, uc Resumer, pool *worker.Pool, logger *zerolog.Logger) *StartupResumer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "StartupResumer").Logger()
	return &StartupResumer{intents: intents, uc: uc, pool: pool, log: &l}
}

var resumeStates = []model.IntentState{
	model.IntentStateCreated,
	model.IntentStateAwaitingGateway,
	model.IntentStateReconciling,
}

// ResumeAll blocks until every affected user has been resumed and returns how many were.
// The pool must be started. It gives up when ctx ends or the pool stops first.
func (s *StartupResumer) ResumeAll(ctx context.Context) (int, error) {
	now := time.Now()
	seen := map[string]bool{}
	var users []string
	for _, state := range resumeStates {
		list, err := s.intents.ListByState(ctx, state, now, 0)
		if err != nil {
			return 0, err
		}
		for _, p := range list {
			if !seen[p.UserID] {
				seen[p.UserID] = true
				users = append(users, p.UserID)
			}
		}
	}

	var wg sync.WaitGroup
	for _, userID := range users {
		userID := userID
		wg.Add(1)
		err := s.pool.SubmitWait(ctx, func(ctx context.Context) error {
			defer wg.Done()
			o, err := s.uc.OnResume(ctx, userID, model.ReturnSignal{Source: "startup"})
			if err != nil {
				return err
			}
			if o != nil {
				s.log.Info().Str("user_id", userID).Str("intent_id", o.IntentID).Str("state", string(o.State)).Msg("resumed")
			}
			return nil
		})
		if err != nil {
			wg.Done()
			return 0, err
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.pool.Done():
		// the workers are gone; whatever is still queued never runs
		return 0, worker.ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if len(users) > 0 {
		metrics.AddSweeper("startup", "resumed", len(users))
	}
	return len(users), nil
}
