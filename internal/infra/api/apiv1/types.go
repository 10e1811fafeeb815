package apiv1

import (
	"time"

	"marketplace-purchase-saga/internal/domain/model"
)

type PurchaseRequest struct {
	Kind         string `json:"kind"`
	SubjectRef   string `json:"subject_ref,omitempty"`
	Category     string `json:"category,omitempty"`
	Amount       string `json:"amount"`
	Method       string `json:"method"`
	ForceAbandon bool   `json:"force_abandon,omitempty"`
}

type ResumeRequest struct {
	OrderRef string `json:"order_ref,omitempty"`
	Status   string `json:"status,omitempty"`
	Source   string `json:"source,omitempty"`
}

type Entitlement struct {
	SubjectRef string    `json:"subject_ref"`
	Kind       string    `json:"kind"`
	Category   string    `json:"category,omitempty"`
	Remaining  int       `json:"remaining"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Outcome struct {
	IntentID    string       `json:"intent_id,omitempty"`
	Kind        string       `json:"kind,omitempty"`
	SubjectRef  string       `json:"subject_ref,omitempty"`
	State       string       `json:"state,omitempty"`
	RedirectURL string       `json:"redirect_url,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Entitlement *Entitlement `json:"entitlement,omitempty"`
	Notified    bool         `json:"notified"`
}

type Intent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SubjectRef string    `json:"subject_ref,omitempty"`
	Category   string    `json:"category,omitempty"`
	Amount     string    `json:"amount"`
	Method     string    `json:"method"`
	OrderRef   string    `json:"order_ref,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Notification struct {
	IntentID   string `json:"intent_id"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	MessageKey string `json:"message_key"`
	Text       string `json:"text"`
}

type Error struct {
	Error string   `json:"error"`
	Data  *Outcome `json:"data,omitempty"`
}

func toEntitlement(e *model.Entitlement) *Entitlement {
	if e == nil {
		return nil
	}
	return &Entitlement{
		SubjectRef: e.SubjectRef,
		Kind:       e.Kind,
		Category:   e.Category,
		Remaining:  e.Remaining,
		ExpiresAt:  e.ExpiresAt,
	}
}

func toOutcome(o *model.Outcome) *Outcome {
	if o == nil {
		return nil
	}
	out := &Outcome{
		IntentID:    o.IntentID,
		Kind:        string(o.Kind),
		SubjectRef:  o.SubjectRef,
		State:       string(o.State),
		RedirectURL: o.RedirectURL,
		Entitlement: toEntitlement(o.Entitlement),
		Notified:    o.Notified,
	}
	if o.Reason != nil {
		out.Reason = o.Reason.Error()
	}
	return out
}

func toIntent(p *model.PurchaseIntent) Intent {
	return Intent{
		ID:         p.ID,
		Kind:       string(p.Kind),
		SubjectRef: p.SubjectRef,
		Category:   p.Category,
		Amount:     p.Amount.String(),
		Method:     string(p.Method),
		OrderRef:   p.OrderRef(),
		State:      string(p.State),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}
