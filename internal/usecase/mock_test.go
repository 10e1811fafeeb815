//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/i18n"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func clone(p *model.PurchaseIntent) *model.PurchaseIntent {
	cp := *p
	if p.GatewayOrderRef != nil {
		ref := *p.GatewayOrderRef
		cp.GatewayOrderRef = &ref
	}
	cp.EntitlementSnapshot = append([]string(nil), p.EntitlementSnapshot...)
	return &cp
}

// fakeClock is a settable time source shared by the saga and the mocks.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================
// Repositories
// =============================

// ---- Mock IntentRepository ----

type MockIntentRepo struct {
	mu   sync.Mutex
	byID map[string]*model.PurchaseIntent

	CreateErr           error
	MarkAwaitingErr     error
	FindActiveErr       error
	BeforeCAS           func(id string, from, to model.IntentState) // runs outside the lock
	CASCalls            int
	MarkAwaitingCalls   int
	DeleteCalls         int
	terminalTransitions map[string]int
}

var _ repository.IntentRepository = (*MockIntentRepo)(nil)

func NewMockIntentRepo() *MockIntentRepo {
	return &MockIntentRepo{
		byID:                make(map[string]*model.PurchaseIntent),
		terminalTransitions: make(map[string]int),
	}
}

func (m *MockIntentRepo) Create(ctx context.Context, p *model.PurchaseIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, x := range m.byID {
		if x.UserID == p.UserID && x.State.Active() {
			return domain.ErrActiveIntentExists
		}
	}
	m.byID[p.ID] = clone(p)
	return nil
}

func (m *MockIntentRepo) FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(p), nil
}

func (m *MockIntentRepo) FindActiveByUser(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindActiveErr != nil {
		return nil, m.FindActiveErr
	}
	for _, p := range m.byID {
		if p.UserID == userID && p.State.Active() {
			return clone(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockIntentRepo) FindByOrderRef(ctx context.Context, orderRef string) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.OrderRef() == orderRef {
			return clone(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockIntentRepo) FindLatestOutcome(ctx context.Context, userID string) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.PurchaseIntent
	for _, p := range m.byID {
		if p.UserID != userID || (p.State != model.IntentStateSettled && p.State != model.IntentStateFailed) {
			continue
		}
		if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return clone(latest), nil
}

func (m *MockIntentRepo) CompareAndSetState(ctx context.Context, id string, from, to model.IntentState) (bool, error) {
	if m.BeforeCAS != nil {
		m.BeforeCAS(id, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CASCalls++
	p, ok := m.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if err := model.CheckTransition(from, to); err != nil {
		return false, err
	}
	if p.State != from {
		return false, nil
	}
	p.State = to
	p.UpdatedAt = time.Now()
	if to.Terminal() {
		m.terminalTransitions[id]++
	}
	return true, nil
}

func (m *MockIntentRepo) MarkAwaitingGateway(ctx context.Context, id, orderRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkAwaitingCalls++
	if m.MarkAwaitingErr != nil {
		return false, m.MarkAwaitingErr
	}
	p, ok := m.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.State != model.IntentStateCreated {
		return false, nil
	}
	ref := orderRef
	p.GatewayOrderRef = &ref
	p.State = model.IntentStateAwaitingGateway
	return true, nil
}

func (m *MockIntentRepo) ListByState(ctx context.Context, state model.IntentState, olderThan time.Time, limit int) ([]*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PurchaseIntent
	for _, p := range m.byID {
		if p.State == state && p.CreatedAt.Before(olderThan) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockIntentRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	delete(m.byID, id)
	return nil
}

func (m *MockIntentRepo) DeleteTerminalOlderThan(ctx context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.byID {
		if p.State.Terminal() && p.UpdatedAt.Before(t) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

// Put stores p as-is, bypassing the active-intent check (used to seed "after restart" state).
func (m *MockIntentRepo) Put(p *model.PurchaseIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = clone(p)
}

func (m *MockIntentRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MockIntentRepo) TerminalTransitions(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalTransitions[id]
}

// Only returns the single stored intent, or nil.
func (m *MockIntentRepo) Only() *model.PurchaseIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		return clone(p)
	}
	return nil
}

// =============================
// Adapters
// =============================

// ---- Mock Backend ----

type MockBackend struct {
	mu sync.Mutex

	Balance      decimal.Decimal
	Entitlements []model.Entitlement

	// configurable behavior; nil means the default in-memory answer
	BalanceFunc      func(ctx context.Context, userID string) (decimal.Decimal, error)
	EntitlementsFunc func(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error)
	WalletFunc       func(ctx context.Context, order adapter.PurchaseOrder) error
	GatewayFunc      func(ctx context.Context, order adapter.PurchaseOrder) (*adapter.GatewaySession, error)

	BalanceCalls     int
	EntitlementCalls int
	WalletOrders     []adapter.PurchaseOrder
	GatewayOrders    []adapter.PurchaseOrder
}

var _ adapter.Backend = (*MockBackend)(nil)

func (b *MockBackend) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b.mu.Lock()
	b.BalanceCalls++
	fn := b.BalanceFunc
	bal := b.Balance
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, userID)
	}
	return bal, nil
}

func (b *MockBackend) ListEntitlements(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error) {
	b.mu.Lock()
	b.EntitlementCalls++
	fn := b.EntitlementsFunc
	var out []model.Entitlement
	for _, e := range b.Entitlements {
		if e.Kind == kind && (category == "" || e.Category == category) {
			out = append(out, e)
		}
	}
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, userID, kind, category)
	}
	return out, nil
}

func (b *MockBackend) PurchaseWithWallet(ctx context.Context, order adapter.PurchaseOrder) error {
	b.mu.Lock()
	b.WalletOrders = append(b.WalletOrders, order)
	fn := b.WalletFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, order)
	}
	return nil
}

func (b *MockBackend) CreateGatewaySession(ctx context.Context, order adapter.PurchaseOrder) (*adapter.GatewaySession, error) {
	b.mu.Lock()
	b.GatewayOrders = append(b.GatewayOrders, order)
	fn := b.GatewayFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, order)
	}
	return &adapter.GatewaySession{OrderRef: "ORD-" + order.IdempotencyKey, RedirectURL: "https://pay.example/" + order.IdempotencyKey}, nil
}

func (b *MockBackend) SetBalance(v decimal.Decimal) {
	b.mu.Lock()
	b.Balance = v
	b.mu.Unlock()
}

func (b *MockBackend) Grant(e model.Entitlement) {
	b.mu.Lock()
	b.Entitlements = append(b.Entitlements, e)
	b.mu.Unlock()
}

// ---- Recording Navigator ----

type MockNavigator struct {
	mu    sync.Mutex
	Calls []string

	NavigateFunc func(ctx context.Context, p *model.PurchaseIntent, url string) error
}

func (n *MockNavigator) Navigate(ctx context.Context, p *model.PurchaseIntent, url string) error {
	n.mu.Lock()
	n.Calls = append(n.Calls, url)
	fn := n.NavigateFunc
	n.mu.Unlock()
	if fn != nil {
		return fn(ctx, p, url)
	}
	return nil
}

func (n *MockNavigator) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Calls)
}

// ---- Recording Notifier ----

type MockNotifier struct {
	mu   sync.Mutex
	Sent []model.Notification
	Err  error
}

func (n *MockNotifier) Notify(ctx context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, msg)
	return n.Err
}

func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}

func (n *MockNotifier) Last() model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Sent) == 0 {
		return model.Notification{}
	}
	return n.Sent[len(n.Sent)-1]
}

// ---- Mock Debouncer ----

type MockDebouncer struct {
	Err     error
	Allowed bool
}

func (d *MockDebouncer) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return d.Allowed, d.Err
}

var errBoom = errors.New("boom")

// newTestLogger creates a silent zerolog.Logger for use in tests.
// It writes to io.Discard to prevent logs from cluttering test output.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// --- Mock Translator

func newTestTranslator() *i18n.Translator {
	// Minimal in-memory locale so the tests don't depend on the embedded files.
	fsys := fstest.MapFS{
		"locales/en.yaml": &fstest.MapFile{Data: []byte(`
purchase.settled.wallet_topup: "Your wallet was topped up with %s."
purchase.settled.package_subscription: "Package %s is now active."
purchase.settled.verification_purchase: "Verification %s is now active."
purchase.failed.check_later: "We could not confirm your payment of %s yet. Please check your purchases later."
`)},
	}
	tr, err := i18n.NewTranslator(fsys, "en")
	if err != nil {
		panic(err)
	}
	return tr
}
