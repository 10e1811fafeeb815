package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/infra/logging"
)

// EntitlementChecker answers "does the user already hold an active grant of this
// kind-class?". A kind-class is the entitlement kind plus the package category.
type EntitlementChecker struct {
	svc   adapter.EntitlementService
	retry RetryPolicy
	now   func() time.Time
	log   *zerolog.Logger
}

func NewEntitlementChecker(svc adapter.EntitlementService, retry RetryPolicy, logger *zerolog.Logger) *EntitlementChecker {
	return &EntitlementChecker{svc: svc, retry: retry, now: time.Now, log: orNop(logger)}
}

// ListActive performs a single backend read and keeps the active grants only.
func (c *EntitlementChecker) ListActive(ctx context.Context, userID string, kind model.IntentKind, category string) ([]model.Entitlement, error) {
	ek := kind.EntitlementKind()
	if ek == "" {
		return nil, nil
	}
	all, err := c.svc.ListEntitlements(ctx, userID, ek, category)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := all[:0:0]
	for _, e := range all {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// EntitlementSnapshot is one guarded read of the user's active grants.
type EntitlementSnapshot struct {
	Existing     *model.Entitlement // first active grant of the kind-class, if any
	Fingerprints []string
	// Unknown is set when the read failed transiently after retries. Existing and
	// Fingerprints are empty then, which must not be read as "the user holds nothing".
	Unknown bool
}

// Snapshot reads the active grants of the kind-class with the retry policy. Transient
// failures that survive the policy give an Unknown snapshot; ErrUnauthorized is returned.
func (c *EntitlementChecker) Snapshot(ctx context.Context, userID string, kind model.IntentKind, category string) (EntitlementSnapshot, error) {
	defer logging.TraceDuration(c.log, "EntitlementChecker.Snapshot")()

	var active []model.Entitlement
	err := retryTransient(ctx, c.retry, func() error {
		var err error
		active, err = c.ListActive(ctx, userID, kind, category)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransientNetwork) {
			c.log.Warn().Err(err).Str("user_id", userID).Str("kind", string(kind)).
				Msg("entitlement check failed, proceeding as none known")
			return EntitlementSnapshot{Unknown: true}, nil
		}
		return EntitlementSnapshot{}, err
	}
	if len(active) == 0 {
		return EntitlementSnapshot{}, nil
	}
	first := active[0]
	return EntitlementSnapshot{Existing: &first, Fingerprints: fingerprints(active)}, nil
}

// Check returns the first active grant of the kind-class (nil when there is none or the read
// failed transiently) and the fingerprints of all active grants.
func (c *EntitlementChecker) Check(ctx context.Context, userID string, kind model.IntentKind, category string) (*model.Entitlement, []string, error) {
	snap, err := c.Snapshot(ctx, userID, kind, category)
	if err != nil {
		return nil, nil, err
	}
	return snap.Existing, snap.Fingerprints, nil
}

func fingerprints(active []model.Entitlement) []string {
	if len(active) == 0 {
		return nil
	}
	fps := make([]string, 0, len(active))
	for i := range active {
		fps = append(fps, active[i].Fingerprint())
	}
	return fps
}

// HasActiveEntitlement returns the active grant of the kind-class, optionally narrowed to
// one subject, or nil.
func (c *EntitlementChecker) HasActiveEntitlement(ctx context.Context, userID string, kind model.IntentKind, category, subjectFilter string) (*model.Entitlement, error) {
	if subjectFilter == "" {
		e, _, err := c.Check(ctx, userID, kind, category)
		return e, err
	}
	var active []model.Entitlement
	err := retryTransient(ctx, c.retry, func() error {
		var err error
		active, err = c.ListActive(ctx, userID, kind, category)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransientNetwork) {
			return nil, nil
		}
		return nil, err
	}
	for i := range active {
		if active[i].SubjectRef == subjectFilter {
			e := active[i]
			return &e, nil
		}
	}
	return nil, nil
}
