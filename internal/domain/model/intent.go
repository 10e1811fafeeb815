package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
)

type IntentKind string

const (
	IntentKindWalletTopUp          IntentKind = "wallet_topup"
	IntentKindPackageSubscription  IntentKind = "package_subscription"
	IntentKindVerificationPurchase IntentKind = "verification_purchase"
)

func (k IntentKind) Valid() bool {
	switch k {
	case IntentKindWalletTopUp, IntentKindPackageSubscription, IntentKindVerificationPurchase:
		return true
	}
	return false
}

// EntitlementKind is the backend's name for the grant a purchase of this kind produces.
// Wallet top-ups produce no entitlement.
func (k IntentKind) EntitlementKind() string {
	switch k {
	case IntentKindPackageSubscription:
		return "package"
	case IntentKindVerificationPurchase:
		return "verification"
	}
	return ""
}

type PaymentMethod string

const (
	PaymentMethodWallet  PaymentMethod = "wallet"
	PaymentMethodGateway PaymentMethod = "gateway"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodWallet || m == PaymentMethodGateway
}

type IntentState string

const (
	IntentStateCreated         IntentState = "created"          // persisted, no money moved yet
	IntentStateAwaitingGateway IntentState = "awaiting_gateway" // order ref stored; user is (or was) on the gateway page
	IntentStateReconciling     IntentState = "reconciling"      // re-deriving the result from the backend
	IntentStateSettled         IntentState = "settled"          // confirmed by the backend
	IntentStateFailed          IntentState = "failed"           // not confirmed; user told to check later
	IntentStateAbandoned       IntentState = "abandoned"        // expired or dropped by the user
)

// ActiveStates are the states that block a new intent for the same user.
var ActiveStates = []IntentState{IntentStateCreated, IntentStateAwaitingGateway, IntentStateReconciling}

// OutcomeStates are the terminal states the user is notified about.
var OutcomeStates = []IntentState{IntentStateSettled, IntentStateFailed}

func (s IntentState) Active() bool {
	switch s {
	case IntentStateCreated, IntentStateAwaitingGateway, IntentStateReconciling:
		return true
	}
	return false
}

func (s IntentState) Terminal() bool {
	switch s {
	case IntentStateSettled, IntentStateFailed, IntentStateAbandoned:
		return true
	}
	return false
}

var transitions = map[IntentState][]IntentState{
	IntentStateCreated:         {IntentStateReconciling, IntentStateAwaitingGateway, IntentStateFailed, IntentStateAbandoned},
	IntentStateAwaitingGateway: {IntentStateReconciling, IntentStateAbandoned},
	IntentStateReconciling:     {IntentStateSettled, IntentStateFailed},
}

// CanTransition reports whether from -> to is an edge of the purchase state machine.
func CanTransition(from, to IntentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition as an error.
func CheckTransition(from, to IntentState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// PurchaseIntent is the durable local record of a purchase attempt.
// Kind, SubjectRef, Category, Amount and the snapshots are write-once; only State,
// GatewayOrderRef and UpdatedAt change after creation.
type PurchaseIntent struct {
	ID              string // ULID, unique per attempt
	UserID          string
	Kind            IntentKind
	SubjectRef      string // package or verification tier id; empty for wallet top-ups
	Category        string // package class (regular/business); empty when not applicable
	Amount          decimal.Decimal
	Method          PaymentMethod
	GatewayOrderRef *string
	State           IntentState
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Authoritative state observed at creation, compared against during reconciliation.
	BalanceSnapshot     decimal.Decimal
	EntitlementSnapshot []string
	// SnapshotUnknown is set when the entitlements could not be read before any money
	// moved; an empty EntitlementSnapshot then means "unknown", not "none".
	SnapshotUnknown bool
}

// NewPurchaseIntent validates the request fields and returns an intent in the created state.
func NewPurchaseIntent(userID string, kind IntentKind, subjectRef, category string, amount decimal.Decimal, method PaymentMethod, now time.Time) (*PurchaseIntent, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", domain.ErrInvalidArgument)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidArgument, kind)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", domain.ErrInvalidArgument, method)
	}
	if kind == IntentKindWalletTopUp && subjectRef != "" {
		return nil, fmt.Errorf("%w: wallet top-up has no subject", domain.ErrInvalidArgument)
	}
	if kind != IntentKindWalletTopUp && subjectRef == "" {
		return nil, fmt.Errorf("%w: subject ref is required for %s", domain.ErrInvalidArgument, kind)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	}
	return &PurchaseIntent{
		ID:         ulid.Make().String(),
		UserID:     userID,
		Kind:       kind,
		SubjectRef: subjectRef,
		Category:   category,
		Amount:     amount,
		Method:     method,
		State:      IntentStateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Expired reports whether the intent was created more than window ago.
func (p *PurchaseIntent) Expired(now time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(p.CreatedAt) > window
}

// OrderRef returns the gateway order reference or "".
func (p *PurchaseIntent) OrderRef() string {
	if p.GatewayOrderRef == nil {
		return ""
	}
	return *p.GatewayOrderRef
}

// HasSnapshot reports whether fingerprint was among the entitlements active at creation.
func (p *PurchaseIntent) HasSnapshot(fingerprint string) bool {
	for _, f := range p.EntitlementSnapshot {
		if f == fingerprint {
			return true
		}
	}
	return false
}
