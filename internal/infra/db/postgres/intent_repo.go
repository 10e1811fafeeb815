package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/repository"
)

var _ repository.IntentRepository = (*IntentRepo)(nil)

const (
	uniqueViolation    = "23505"
	activeUserIndex    = "ux_purchase_intents_active_user"
	intentColumns      = `id, user_id, kind, subject_ref, category, amount::text, method, gateway_order_ref, state, created_at, updated_at, balance_snapshot::text, entitlement_snapshot, snapshot_unknown`
	activeStatesInSQL  = `('created','awaiting_gateway','reconciling')`
	outcomeStatesInSQL = `('settled','failed')`
)

// IntentRepo stores purchase intents in Postgres for hosts that share one database.
type IntentRepo struct {
	pool *pgxpool.Pool
	tx   *TxManager
	now  func() time.Time
}

func NewIntentRepo(pool *pgxpool.Pool) *IntentRepo {
	return &IntentRepo{pool: pool, tx: NewTxManager(pool), now: time.Now}
}

func dbErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: postgres: %v", domain.ErrStoreUnavailable, err)
}

func scanIntent(row pgx.Row) (*model.PurchaseIntent, error) {
	var (
		p               model.PurchaseIntent
		kind, method    string
		state           string
		amount, balance string
	)
	if err := row.Scan(&p.ID, &p.UserID, &kind, &p.SubjectRef, &p.Category, &amount, &method,
		&p.GatewayOrderRef, &state, &p.CreatedAt, &p.UpdatedAt, &balance, &p.EntitlementSnapshot, &p.SnapshotUnknown); err != nil {
		return nil, dbErr(err)
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("%w: corrupt amount for intent %s: %v", domain.ErrStoreUnavailable, p.ID, err)
	}
	p.BalanceSnapshot, _ = decimal.NewFromString(balance)
	p.Kind = model.IntentKind(kind)
	p.Method = model.PaymentMethod(method)
	p.State = model.IntentState(state)
	if len(p.EntitlementSnapshot) == 0 {
		p.EntitlementSnapshot = nil
	}
	return &p, nil
}

func (r *IntentRepo) Create(ctx context.Context, p *model.PurchaseIntent) error {
	snapshot := p.EntitlementSnapshot
	if snapshot == nil {
		snapshot = []string{}
	}
	err := r.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		// serialize creators for the same user
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, p.UserID); err != nil {
			return err
		}
		var n int
		q := `SELECT count(*) FROM purchase_intents WHERE user_id=$1 AND state IN ` + activeStatesInSQL + `;`
		if err := tx.QueryRow(ctx, q, p.UserID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrActiveIntentExists
		}
		const ins = `
INSERT INTO purchase_intents (
  id, user_id, kind, subject_ref, category, amount, method, gateway_order_ref, state, created_at, updated_at, balance_snapshot, entitlement_snapshot, snapshot_unknown
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`
		_, err := tx.Exec(ctx, ins, p.ID, p.UserID, string(p.Kind), p.SubjectRef, p.Category, p.Amount.String(),
			string(p.Method), p.GatewayOrderRef, string(p.State), p.CreatedAt, p.UpdatedAt, p.BalanceSnapshot.String(), snapshot, p.SnapshotUnknown)
		return err
	})
	if errors.Is(err, domain.ErrActiveIntentExists) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == activeUserIndex {
			return domain.ErrActiveIntentExists
		}
		return fmt.Errorf("%w: intent %s already stored", domain.ErrInvalidArgument, p.ID)
	}
	return dbErr(err)
}

func (r *IntentRepo) FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE id=$1;`
	return scanIntent(r.pool.QueryRow(ctx, q, id))
}

func (r *IntentRepo) FindActiveByUser(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE user_id=$1 AND state IN ` + activeStatesInSQL + ` LIMIT 1;`
	return scanIntent(r.pool.QueryRow(ctx, q, userID))
}

func (r *IntentRepo) FindByOrderRef(ctx context.Context, orderRef string) (*model.PurchaseIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE gateway_order_ref=$1;`
	return scanIntent(r.pool.QueryRow(ctx, q, orderRef))
}

func (r *IntentRepo) FindLatestOutcome(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE user_id=$1 AND state IN ` + outcomeStatesInSQL + ` ORDER BY updated_at DESC LIMIT 1;`
	return scanIntent(r.pool.QueryRow(ctx, q, userID))
}

// lost tells a zero-row update apart from a missing intent.
func (r *IntentRepo) lost(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM purchase_intents WHERE id=$1);`, id).Scan(&exists); err != nil {
		return false, dbErr(err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (r *IntentRepo) CompareAndSetState(ctx context.Context, id string, from, to model.IntentState) (bool, error) {
	if err := model.CheckTransition(from, to); err != nil {
		return false, err
	}
	const q = `UPDATE purchase_intents SET state=$3, updated_at=$4 WHERE id=$1 AND state=$2;`
	tag, err := r.pool.Exec(ctx, q, id, string(from), string(to), r.now().UTC())
	if err != nil {
		return false, dbErr(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return r.lost(ctx, id)
}

func (r *IntentRepo) MarkAwaitingGateway(ctx context.Context, id, orderRef string) (bool, error) {
	if orderRef == "" {
		return false, fmt.Errorf("%w: empty order ref", domain.ErrInvalidArgument)
	}
	const q = `UPDATE purchase_intents SET state='awaiting_gateway', gateway_order_ref=$2, updated_at=$3 WHERE id=$1 AND state='created';`
	tag, err := r.pool.Exec(ctx, q, id, orderRef, r.now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, fmt.Errorf("%w: order ref %s already used", domain.ErrInvalidArgument, orderRef)
		}
		return false, dbErr(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return r.lost(ctx, id)
}

func (r *IntentRepo) ListByState(ctx context.Context, state model.IntentState, olderThan time.Time, limit int) ([]*model.PurchaseIntent, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE state=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, string(state), olderThan, limit)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var out []*model.PurchaseIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, dbErr(rows.Err())
}

func (r *IntentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM purchase_intents WHERE id=$1;`, id)
	return dbErr(err)
}

func (r *IntentRepo) DeleteTerminalOlderThan(ctx context.Context, t time.Time) (int, error) {
	const q = `DELETE FROM purchase_intents WHERE state IN ('settled','failed','abandoned') AND updated_at < $1;`
	tag, err := r.pool.Exec(ctx, q, t)
	if err != nil {
		return 0, dbErr(err)
	}
	return int(tag.RowsAffected()), nil
}
