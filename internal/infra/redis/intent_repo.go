package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/repository"
)

var _ repository.IntentRepository = (*IntentRepo)(nil)

// Layout, all under prefix:
//
//	intent:{id}          hash: data (immutable JSON), user_id, state, order_ref, created_ms, updated_ms
//	active:{user_id}     id of the user's active intent
//	ref:{order_ref}      id of the intent holding the gateway order ref
//	state:{state}        zset of active intents per state, scored by created_ms
//	terminal             zset of terminal intents, scored by updated_ms
//	done:{user_id}       zset of the user's settled/failed intents, scored by updated_ms

var createIntentScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "user_id", ARGV[3], "state", "created", "order_ref", "", "created_ms", ARGV[4], "updated_ms", ARGV[4])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: intent, state:{from}, state:{to}, terminal, active:{user}, ref:{order_ref}, done:{user}
// ARGV: from, to, now_ms, id, terminal flag, ttl_ms, outcome flag
var casIntentScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "updated_ms", ARGV[3])
redis.call("ZREM", KEYS[2], ARGV[4])
if ARGV[5] == "1" then
  if redis.call("GET", KEYS[5]) == ARGV[4] then
    redis.call("DEL", KEYS[5])
  end
  redis.call("ZADD", KEYS[4], ARGV[3], ARGV[4])
  if ARGV[7] == "1" then
    redis.call("ZADD", KEYS[7], ARGV[3], ARGV[4])
  end
  local ttl = tonumber(ARGV[6])
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
    redis.call("PEXPIRE", KEYS[6], ttl)
  end
else
  redis.call("ZADD", KEYS[3], redis.call("HGET", KEYS[1], "created_ms"), ARGV[4])
end
return 1
`)

// KEYS: intent, state:created, state:awaiting_gateway, ref:{order_ref}
// ARGV: order_ref, now_ms, id
var markAwaitingScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "created" then
  return 0
end
if redis.call("EXISTS", KEYS[4]) == 1 then
  return -2
end
redis.call("HSET", KEYS[1], "state", "awaiting_gateway", "order_ref", ARGV[1], "updated_ms", ARGV[2])
redis.call("SET", KEYS[4], ARGV[3])
redis.call("ZREM", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], redis.call("HGET", KEYS[1], "created_ms"), ARGV[3])
return 1
`)

// KEYS: intent, active:{user}, ref:{order_ref}, terminal, state:created, state:awaiting_gateway, state:reconciling, done:{user}
// ARGV: id
var deleteIntentScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
if redis.call("GET", KEYS[3]) == ARGV[1] then
  redis.call("DEL", KEYS[3])
end
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("ZREM", KEYS[6], ARGV[1])
redis.call("ZREM", KEYS[7], ARGV[1])
redis.call("ZREM", KEYS[8], ARGV[1])
return redis.call("DEL", KEYS[1])
`)

// IntentRepo keeps purchase intents in Redis so several hosts can share them.
type IntentRepo struct {
	client      *Client
	prefix      string
	terminalTTL time.Duration
	now         func() time.Time
}

// NewIntentRepo creates the store. terminalTTL > 0 lets Redis expire terminal intents on its
// own in addition to the retention sweep.
func NewIntentRepo(client *Client, prefix string, terminalTTL time.Duration) *IntentRepo {
	if prefix == "" {
		prefix = "saga"
	}
	return &IntentRepo{client: client, prefix: prefix, terminalTTL: terminalTTL, now: time.Now}
}

func (r *IntentRepo) intentKey(id string) string          { return r.prefix + ":intent:" + id }
func (r *IntentRepo) activeKey(userID string) string      { return r.prefix + ":active:" + userID }
func (r *IntentRepo) refKey(ref string) string            { return r.prefix + ":ref:" + ref }
func (r *IntentRepo) stateKey(s model.IntentState) string { return r.prefix + ":state:" + string(s) }
func (r *IntentRepo) terminalKey() string                 { return r.prefix + ":terminal" }
func (r *IntentRepo) doneKey(userID string) string        { return r.prefix + ":done:" + userID }

// intentData is the immutable part of an intent.
type intentData struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Kind                string    `json:"kind"`
	SubjectRef          string    `json:"subject_ref,omitempty"`
	Category            string    `json:"category,omitempty"`
	Amount              string    `json:"amount"`
	Method              string    `json:"method"`
	CreatedAt           time.Time `json:"created_at"`
	BalanceSnapshot     string    `json:"balance_snapshot"`
	EntitlementSnapshot []string  `json:"entitlement_snapshot,omitempty"`
	SnapshotUnknown     bool      `json:"snapshot_unknown,omitempty"`
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: redis: %v", domain.ErrStoreUnavailable, err)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (r *IntentRepo) Create(ctx context.Context, p *model.PurchaseIntent) error {
	data, err := json.Marshal(intentData{
		ID:                  p.ID,
		UserID:              p.UserID,
		Kind:                string(p.Kind),
		SubjectRef:          p.SubjectRef,
		Category:            p.Category,
		Amount:              p.Amount.String(),
		Method:              string(p.Method),
		CreatedAt:           p.CreatedAt,
		BalanceSnapshot:     p.BalanceSnapshot.String(),
		EntitlementSnapshot: p.EntitlementSnapshot,
		SnapshotUnknown:     p.SnapshotUnknown,
	})
	if err != nil {
		return err
	}
	res, err := createIntentScript.Run(ctx, r.client.cli,
		[]string{r.intentKey(p.ID), r.activeKey(p.UserID), r.stateKey(model.IntentStateCreated)},
		p.ID, string(data), p.UserID, ms(p.CreatedAt),
	).Int()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case 0:
		return domain.ErrActiveIntentExists
	case -1:
		return fmt.Errorf("%w: intent %s already stored", domain.ErrInvalidArgument, p.ID)
	}
	return nil
}

func (r *IntentRepo) FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	h, err := r.client.cli.HGetAll(ctx, r.intentKey(id)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeIntent(h)
}

func decodeIntent(h map[string]string) (*model.PurchaseIntent, error) {
	var d intentData
	if err := json.Unmarshal([]byte(h["data"]), &d); err != nil {
		return nil, fmt.Errorf("%w: corrupt intent: %v", domain.ErrStoreUnavailable, err)
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt amount: %v", domain.ErrStoreUnavailable, err)
	}
	bal, _ := decimal.NewFromString(d.BalanceSnapshot)
	p := &model.PurchaseIntent{
		ID:                  d.ID,
		UserID:              d.UserID,
		Kind:                model.IntentKind(d.Kind),
		SubjectRef:          d.SubjectRef,
		Category:            d.Category,
		Amount:              amount,
		Method:              model.PaymentMethod(d.Method),
		State:               model.IntentState(h["state"]),
		CreatedAt:           d.CreatedAt,
		BalanceSnapshot:     bal,
		EntitlementSnapshot: d.EntitlementSnapshot,
		SnapshotUnknown:     d.SnapshotUnknown,
	}
	if ref := h["order_ref"]; ref != "" {
		p.GatewayOrderRef = &ref
	}
	if u, err := strconv.ParseInt(h["updated_ms"], 10, 64); err == nil {
		p.UpdatedAt = time.UnixMilli(u).UTC()
	}
	return p, nil
}

func (r *IntentRepo) findByPointer(ctx context.Context, key string) (*model.PurchaseIntent, error) {
	id, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, storeErr(err)
	}
	return r.FindByID(ctx, id)
}

func (r *IntentRepo) FindActiveByUser(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	p, err := r.findByPointer(ctx, r.activeKey(userID))
	if err != nil {
		return nil, err
	}
	if !p.State.Active() {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (r *IntentRepo) FindByOrderRef(ctx context.Context, orderRef string) (*model.PurchaseIntent, error) {
	return r.findByPointer(ctx, r.refKey(orderRef))
}

// FindLatestOutcome walks done:{user} newest first, dropping members whose hash expired.
func (r *IntentRepo) FindLatestOutcome(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	key := r.doneKey(userID)
	ids, err := r.client.cli.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	for _, id := range ids {
		p, err := r.FindByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			r.client.cli.ZRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.State == model.IntentStateSettled || p.State == model.IntentStateFailed {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

// meta reads the immutable index fields needed to build script keys.
func (r *IntentRepo) meta(ctx context.Context, id string) (userID, orderRef string, err error) {
	vals, err := r.client.cli.HMGet(ctx, r.intentKey(id), "user_id", "order_ref").Result()
	if err != nil {
		return "", "", storeErr(err)
	}
	if vals[0] == nil {
		return "", "", domain.ErrNotFound
	}
	userID, _ = vals[0].(string)
	orderRef, _ = vals[1].(string)
	return userID, orderRef, nil
}

func (r *IntentRepo) CompareAndSetState(ctx context.Context, id string, from, to model.IntentState) (bool, error) {
	if err := model.CheckTransition(from, to); err != nil {
		return false, err
	}
	userID, ref, err := r.meta(ctx, id)
	if err != nil {
		return false, err
	}
	terminal, outcome := "0", "0"
	if to.Terminal() {
		terminal = "1"
	}
	if to == model.IntentStateSettled || to == model.IntentStateFailed {
		outcome = "1"
	}
	res, err := casIntentScript.Run(ctx, r.client.cli,
		[]string{r.intentKey(id), r.stateKey(from), r.stateKey(to), r.terminalKey(), r.activeKey(userID), r.refKey(ref), r.doneKey(userID)},
		string(from), string(to), ms(r.now()), id, terminal, r.terminalTTL.Milliseconds(), outcome,
	).Int()
	if err != nil {
		return false, storeErr(err)
	}
	if res == -1 {
		return false, domain.ErrNotFound
	}
	return res == 1, nil
}

func (r *IntentRepo) MarkAwaitingGateway(ctx context.Context, id, orderRef string) (bool, error) {
	if orderRef == "" {
		return false, fmt.Errorf("%w: empty order ref", domain.ErrInvalidArgument)
	}
	res, err := markAwaitingScript.Run(ctx, r.client.cli,
		[]string{r.intentKey(id), r.stateKey(model.IntentStateCreated), r.stateKey(model.IntentStateAwaitingGateway), r.refKey(orderRef)},
		orderRef, ms(r.now()), id,
	).Int()
	if err != nil {
		return false, storeErr(err)
	}
	switch res {
	case -1:
		return false, domain.ErrNotFound
	case -2:
		return false, fmt.Errorf("%w: order ref %s already used", domain.ErrInvalidArgument, orderRef)
	}
	return res == 1, nil
}

func (r *IntentRepo) ListByState(ctx context.Context, state model.IntentState, olderThan time.Time, limit int) ([]*model.PurchaseIntent, error) {
	key := r.stateKey(state)
	if state.Terminal() {
		key = r.terminalKey()
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(ms(olderThan), 10)}
	if limit > 0 && !state.Terminal() {
		rng.Count = int64(limit)
	}
	ids, err := r.client.cli.ZRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*model.PurchaseIntent, 0, len(ids))
	for _, id := range ids {
		p, err := r.FindByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// expired by TTL; drop the dangling member
			r.client.cli.ZRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.State != state || (state.Terminal() && !p.UpdatedAt.Before(olderThan)) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *IntentRepo) Delete(ctx context.Context, id string) error {
	userID, ref, err := r.meta(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = deleteIntentScript.Run(ctx, r.client.cli,
		[]string{
			r.intentKey(id), r.activeKey(userID), r.refKey(ref), r.terminalKey(),
			r.stateKey(model.IntentStateCreated), r.stateKey(model.IntentStateAwaitingGateway), r.stateKey(model.IntentStateReconciling),
			r.doneKey(userID),
		},
		id,
	).Result()
	return storeErr(err)
}

func (r *IntentRepo) DeleteTerminalOlderThan(ctx context.Context, t time.Time) (int, error) {
	ids, err := r.client.cli.ZRangeByScore(ctx, r.terminalKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(ms(t), 10),
	}).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	n := 0
	for _, id := range ids {
		exists, err := r.client.cli.Exists(ctx, r.intentKey(id)).Result()
		if err != nil {
			return n, storeErr(err)
		}
		if exists == 0 {
			r.client.cli.ZRem(ctx, r.terminalKey(), id)
			continue
		}
		if err := r.Delete(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
