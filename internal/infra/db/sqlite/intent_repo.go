package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/repository"
)

var _ repository.IntentRepository = (*IntentRepo)(nil)

// intentRow is the purchase_intents table. Times are unix milliseconds so that range
// queries compare numbers, not sqlite's text timestamps.
type intentRow struct {
	ID                  string  `gorm:"column:id;primaryKey"`
	UserID              string  `gorm:"column:user_id;not null;index"`
	Kind                string  `gorm:"column:kind;not null"`
	SubjectRef          string  `gorm:"column:subject_ref"`
	Category            string  `gorm:"column:category"`
	Amount              string  `gorm:"column:amount;not null"`
	Method              string  `gorm:"column:method;not null"`
	GatewayOrderRef     *string `gorm:"column:gateway_order_ref;uniqueIndex"`
	State               string  `gorm:"column:state;not null;index:ix_purchase_intents_state_created,priority:1"`
	CreatedMs           int64   `gorm:"column:created_ms;not null;index:ix_purchase_intents_state_created,priority:2"`
	UpdatedMs           int64   `gorm:"column:updated_ms;not null"`
	BalanceSnapshot     string  `gorm:"column:balance_snapshot"`
	EntitlementSnapshot string  `gorm:"column:entitlement_snapshot"`
	SnapshotUnknown     bool    `gorm:"column:snapshot_unknown;not null;default:false"`
}

func (intentRow) TableName() string { return "purchase_intents" }

func toRow(p *model.PurchaseIntent) (*intentRow, error) {
	snap, err := json.Marshal(p.EntitlementSnapshot)
	if err != nil {
		return nil, err
	}
	return &intentRow{
		ID:                  p.ID,
		UserID:              p.UserID,
		Kind:                string(p.Kind),
		SubjectRef:          p.SubjectRef,
		Category:            p.Category,
		Amount:              p.Amount.String(),
		Method:              string(p.Method),
		GatewayOrderRef:     p.GatewayOrderRef,
		State:               string(p.State),
		CreatedMs:           p.CreatedAt.UnixMilli(),
		UpdatedMs:           p.UpdatedAt.UnixMilli(),
		BalanceSnapshot:     p.BalanceSnapshot.String(),
		EntitlementSnapshot: string(snap),
		SnapshotUnknown:     p.SnapshotUnknown,
	}, nil
}

func (r *intentRow) toModel() (*model.PurchaseIntent, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt amount for intent %s: %v", domain.ErrStoreUnavailable, r.ID, err)
	}
	bal, _ := decimal.NewFromString(r.BalanceSnapshot)
	var snap []string
	if r.EntitlementSnapshot != "" {
		if err := json.Unmarshal([]byte(r.EntitlementSnapshot), &snap); err != nil {
			return nil, fmt.Errorf("%w: corrupt snapshot for intent %s: %v", domain.ErrStoreUnavailable, r.ID, err)
		}
	}
	return &model.PurchaseIntent{
		ID:                  r.ID,
		UserID:              r.UserID,
		Kind:                model.IntentKind(r.Kind),
		SubjectRef:          r.SubjectRef,
		Category:            r.Category,
		Amount:              amount,
		Method:              model.PaymentMethod(r.Method),
		GatewayOrderRef:     r.GatewayOrderRef,
		State:               model.IntentState(r.State),
		CreatedAt:           time.UnixMilli(r.CreatedMs).UTC(),
		UpdatedAt:           time.UnixMilli(r.UpdatedMs).UTC(),
		BalanceSnapshot:     bal,
		EntitlementSnapshot: snap,
		SnapshotUnknown:     r.SnapshotUnknown,
	}, nil
}

// IntentRepo is the on-device intent store.
type IntentRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewIntentRepo(db *gorm.DB) *IntentRepo {
	return &IntentRepo{db: db, now: time.Now}
}

func dbErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: sqlite: %v", domain.ErrStoreUnavailable, err)
}

func activeStates() []string {
	out := make([]string, len(model.ActiveStates))
	for i, s := range model.ActiveStates {
		out[i] = string(s)
	}
	return out
}

func outcomeStates() []string {
	out := make([]string, len(model.OutcomeStates))
	for i, s := range model.OutcomeStates {
		out[i] = string(s)
	}
	return out
}

func (r *IntentRepo) Create(ctx context.Context, p *model.PurchaseIntent) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&intentRow{}).
			Where("user_id = ? AND state IN ?", p.UserID, activeStates()).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrActiveIntentExists
		}
		return tx.Create(row).Error
	})
	switch {
	case errors.Is(err, domain.ErrActiveIntentExists):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// the partial index caught a concurrent writer
		return domain.ErrActiveIntentExists
	}
	return dbErr(err)
}

func (r *IntentRepo) first(ctx context.Context, query string, args ...interface{}) (*model.PurchaseIntent, error) {
	return r.firstBy(ctx, "created_ms DESC", query, args...)
}

func (r *IntentRepo) firstBy(ctx context.Context, order, query string, args ...interface{}) (*model.PurchaseIntent, error) {
	var row intentRow
	if err := r.db.WithContext(ctx).Where(query, args...).Order(order).First(&row).Error; err != nil {
		return nil, dbErr(err)
	}
	return row.toModel()
}

func (r *IntentRepo) FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *IntentRepo) FindActiveByUser(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	return r.first(ctx, "user_id = ? AND state IN ?", userID, activeStates())
}

func (r *IntentRepo) FindByOrderRef(ctx context.Context, orderRef string) (*model.PurchaseIntent, error) {
	return r.first(ctx, "gateway_order_ref = ?", orderRef)
}

func (r *IntentRepo) FindLatestOutcome(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	return r.firstBy(ctx, "updated_ms DESC", "user_id = ? AND state IN ?", userID, outcomeStates())
}

// exists turns a zero-row update into either "lost the race" or ErrNotFound.
func (r *IntentRepo) exists(ctx context.Context, id string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&intentRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return dbErr(err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *IntentRepo) CompareAndSetState(ctx context.Context, id string, from, to model.IntentState) (bool, error) {
	if err := model.CheckTransition(from, to); err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Model(&intentRow{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(map[string]interface{}{"state": string(to), "updated_ms": r.now().UnixMilli()})
	if res.Error != nil {
		return false, dbErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	return false, r.exists(ctx, id)
}

func (r *IntentRepo) MarkAwaitingGateway(ctx context.Context, id, orderRef string) (bool, error) {
	if orderRef == "" {
		return false, fmt.Errorf("%w: empty order ref", domain.ErrInvalidArgument)
	}
	res := r.db.WithContext(ctx).Model(&intentRow{}).
		Where("id = ? AND state = ?", id, string(model.IntentStateCreated)).
		Updates(map[string]interface{}{
			"state":             string(model.IntentStateAwaitingGateway),
			"gateway_order_ref": orderRef,
			"updated_ms":        r.now().UnixMilli(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, fmt.Errorf("%w: order ref %s already used", domain.ErrInvalidArgument, orderRef)
		}
		return false, dbErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	return false, r.exists(ctx, id)
}

func (r *IntentRepo) ListByState(ctx context.Context, state model.IntentState, olderThan time.Time, limit int) ([]*model.PurchaseIntent, error) {
	q := r.db.WithContext(ctx).
		Where("state = ? AND created_ms < ?", string(state), olderThan.UnixMilli()).
		Order("created_ms ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []intentRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, dbErr(err)
	}
	out := make([]*model.PurchaseIntent, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *IntentRepo) Delete(ctx context.Context, id string) error {
	return dbErr(r.db.WithContext(ctx).Where("id = ?", id).Delete(&intentRow{}).Error)
}

func (r *IntentRepo) DeleteTerminalOlderThan(ctx context.Context, t time.Time) (int, error) {
	terminal := []string{string(model.IntentStateSettled), string(model.IntentStateFailed), string(model.IntentStateAbandoned)}
	res := r.db.WithContext(ctx).
		Where("state IN ? AND updated_ms < ?", terminal, t.UnixMilli()).
		Delete(&intentRow{})
	if res.Error != nil {
		return 0, dbErr(res.Error)
	}
	return int(res.RowsAffected), nil
}
