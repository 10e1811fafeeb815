package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/application"
	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	uc "marketplace-purchase-saga/internal/domain/ports/usecase"
	"marketplace-purchase-saga/internal/infra/api/auth"
	"marketplace-purchase-saga/internal/infra/logging"
)

// Server implements the authenticated /api/v1 JSON endpoints on top of the purchase facade.
type Server struct {
	facade *application.PurchaseFacade
	log    *zerolog.Logger
}

func NewServer(facade *application.PurchaseFacade, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "apiv1").Logger()
	return &Server{facade: facade, log: &l}
}

// RegisterAPIV1 mounts the endpoints on r with absolute paths. r is expected to authenticate.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Post("/api/v1/purchases", s.startPurchase)
	r.Get("/api/v1/purchases/active", s.activePurchase)
	r.Get("/api/v1/purchases/outcome", s.lastOutcome)
	r.Delete("/api/v1/purchases/active", s.abandonPurchase)
	r.Post("/api/v1/purchases/{id}/ack", s.acknowledge)
	r.Post("/api/v1/resume", s.resume)
	r.Get("/api/v1/notifications", s.notifications)
	r.Get("/api/v1/entitlements", s.entitlements)
}

// StatusOf maps saga errors to HTTP status codes.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyEntitled), errors.Is(err, domain.ErrActiveIntentExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewaySessionFailed), errors.Is(err, domain.ErrTransientNetwork):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, o *model.Outcome) {
	code := StatusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.With(r.Context(), s.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, code, Error{Error: msg, Data: toOutcome(o)})
}

func (s *Server) startPurchase(w http.ResponseWriter, r *http.Request) {
	var body PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		http.Error(w, "Invalid amount", http.StatusBadRequest)
		return
	}
	req := uc.PurchaseRequest{
		UserID:       auth.UserID(r.Context()),
		Kind:         model.IntentKind(body.Kind),
		SubjectRef:   body.SubjectRef,
		Category:     body.Category,
		Amount:       amount,
		Method:       model.PaymentMethod(body.Method),
		ForceAbandon: body.ForceAbandon,
	}
	o, err := s.facade.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, o)
		return
	}
	code := http.StatusOK
	if o.RedirectURL != "" {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toOutcome(o))
}

func (s *Server) activePurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.facade.Active(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toIntent(p))
}

func (s *Server) lastOutcome(w http.ResponseWriter, r *http.Request) {
	o, err := s.facade.LastOutcome(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(o))
}

func (s *Server) abandonPurchase(w http.ResponseWriter, r *http.Request) {
	o, err := s.facade.Abandon(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err, o)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(o))
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.facade.Acknowledge(r.Context(), auth.UserID(r.Context()), id); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	var body ResumeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if body.Source == "" {
		body.Source = "focus"
	}
	sig := model.ReturnSignal{OrderRef: body.OrderRef, Status: body.Status, Source: body.Source}
	o, err := s.facade.Resume(r.Context(), auth.UserID(r.Context()), sig)
	if err != nil {
		s.writeError(w, r, err, o)
		return
	}
	if o == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(o))
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	items := make([]Notification, 0)
	for _, n := range s.facade.Notifications(auth.UserID(r.Context())) {
		items = append(items, Notification{
			IntentID:   n.IntentID,
			Kind:       string(n.Kind),
			State:      string(n.State),
			MessageKey: n.MessageKey,
			Text:       n.Text,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) entitlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := model.IntentKind(q.Get("kind"))
	if kind == "" {
		kind = model.IntentKindPackageSubscription
	}
	if !kind.Valid() || kind == model.IntentKindWalletTopUp {
		http.Error(w, "Invalid kind", http.StatusBadRequest)
		return
	}
	userID := auth.UserID(r.Context())
	if subject := q.Get("subject"); subject != "" {
		e, err := s.facade.ActiveEntitlement(r.Context(), userID, kind, q.Get("category"), subject)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		items := make([]*Entitlement, 0, 1)
		if e != nil {
			items = append(items, toEntitlement(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	ents, err := s.facade.ActiveEntitlements(r.Context(), userID, kind, q.Get("category"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	items := make([]*Entitlement, 0, len(ents))
	for i := range ents {
		items = append(items, toEntitlement(&ents[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
