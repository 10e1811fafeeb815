package model

// Outcome is what the saga reports back to the UI layer for a single call.
type Outcome struct {
	IntentID    string
	Kind        IntentKind
	SubjectRef  string
	State       IntentState
	RedirectURL string       // set while the user has to be sent to the gateway
	Reason      error        // why the intent failed or was refused, if it did
	Entitlement *Entitlement // the existing grant when refused with ErrAlreadyEntitled
	Notified    bool         // true only for the call that produced the user notification
}

// OutcomeOf builds an outcome from the stored intent.
func OutcomeOf(p *PurchaseIntent) *Outcome {
	return &Outcome{
		IntentID:   p.ID,
		Kind:       p.Kind,
		SubjectRef: p.SubjectRef,
		State:      p.State,
	}
}

// Notification is the single user-visible message emitted for a terminal intent.
type Notification struct {
	UserID     string
	IntentID   string
	Kind       IntentKind
	State      IntentState
	MessageKey string
	Text       string
}

// ReturnSignal is whatever evidence the host saw that control came back from the gateway.
// It only triggers a lookup; success is always re-derived from the backend.
type ReturnSignal struct {
	OrderRef string
	Status   string
	Source   string // e.g. "query", "deeplink", "focus", "startup"
}

// Empty means no explicit marker was found (plain resume/focus).
func (s ReturnSignal) Empty() bool {
	return s.OrderRef == "" && s.Status == ""
}
