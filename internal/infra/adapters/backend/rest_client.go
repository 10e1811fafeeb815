package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketplace-purchase-saga/internal/domain"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/infra/logging"
	"marketplace-purchase-saga/internal/infra/metrics"
)

var _ adapter.Backend = (*RESTClient)(nil)

// RESTClient talks to the marketplace API over JSON/HTTP.
type RESTClient struct {
	baseURL string
	token   string // fallback when the context carries none
	client  *http.Client
	now     func() time.Time
	log     *zerolog.Logger
}

// NewRESTClient creates a client for baseURL. A zero timeout means 15s.
func NewRESTClient(baseURL, token string, timeout time.Duration, logger *zerolog.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "backend").Logger()
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
		log:     &l,
	}
}

type balanceResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

type entitlementResponse struct {
	SubjectRef string    `json:"subject_ref"`
	Kind       string    `json:"kind"`
	Category   string    `json:"category"`
	Remaining  int       `json:"remaining"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type purchaseRequest struct {
	Kind       string `json:"kind"`
	SubjectRef string `json:"subject_ref,omitempty"`
	Category   string `json:"category,omitempty"`
	Amount     string `json:"amount"`
	Method     string `json:"method"`
	ReturnURL  string `json:"return_url,omitempty"`
}

type purchaseResponse struct {
	Success     bool   `json:"success"`
	OrderRef    string `json:"order_ref"`
	RedirectURL string `json:"redirect_url"`
}

func (c *RESTClient) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var resp balanceResponse
	path := "/v1/users/" + url.PathEscape(userID) + "/balance"
	if err := c.do(ctx, "get_balance", http.MethodGet, path, "", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (c *RESTClient) ListEntitlements(ctx context.Context, userID, kind, category string) ([]model.Entitlement, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if category != "" {
		q.Set("category", category)
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/entitlements"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp []entitlementResponse
	if err := c.do(ctx, "list_entitlements", http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Entitlement, 0, len(resp))
	for _, e := range resp {
		out = append(out, model.Entitlement{
			SubjectRef: e.SubjectRef,
			Kind:       e.Kind,
			Category:   e.Category,
			Remaining:  e.Remaining,
			ExpiresAt:  e.ExpiresAt,
		})
	}
	return out, nil
}

func (c *RESTClient) PurchaseWithWallet(ctx context.Context, order adapter.PurchaseOrder) error {
	var resp purchaseResponse
	if err := c.do(ctx, "purchase_wallet", http.MethodPost, "/v1/purchases", order.IdempotencyKey, toRequest(order, model.PaymentMethodWallet), &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: backend reported an unsuccessful wallet purchase", domain.ErrInvalidArgument)
	}
	return nil
}

func (c *RESTClient) CreateGatewaySession(ctx context.Context, order adapter.PurchaseOrder) (*adapter.GatewaySession, error) {
	var resp purchaseResponse
	if err := c.do(ctx, "create_gateway_session", http.MethodPost, "/v1/purchases", order.IdempotencyKey, toRequest(order, model.PaymentMethodGateway), &resp); err != nil {
		return nil, err
	}
	if resp.OrderRef == "" || resp.RedirectURL == "" {
		return nil, fmt.Errorf("%w: gateway session without order_ref or redirect_url", domain.ErrInvalidArgument)
	}
	return &adapter.GatewaySession{OrderRef: resp.OrderRef, RedirectURL: resp.RedirectURL}, nil
}

func toRequest(o adapter.PurchaseOrder, method model.PaymentMethod) purchaseRequest {
	return purchaseRequest{
		Kind:       string(o.Kind),
		SubjectRef: o.SubjectRef,
		Category:   o.Category,
		Amount:     o.Amount,
		Method:     string(method),
		ReturnURL:  o.ReturnURL,
	}
}

// do sends one request and decodes a 2xx JSON body into out. Failures are mapped onto the
// domain error taxonomy.
func (c *RESTClient) do(ctx context.Context, op, method, path, idemKey string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveBackend(op, resultLabel(err), time.Since(start))
	}()

	token := AccessToken(ctx)
	if token == "" {
		token = c.token
	}
	if token != "" {
		if err := checkExpiry(token, c.now()); err != nil {
			return err
		}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request data: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", domain.ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if id := logging.TraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", domain.ErrTransientNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Str("body", truncate(string(raw), 256)).Msg("backend error response")
		return statusError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v", domain.ErrTransientNetwork, err)
	}
	return nil
}

// statusError maps an HTTP status onto a domain sentinel.
func statusError(code int, body []byte) error {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if msg == "" {
		msg = http.StatusText(code)
	}

	var base error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		base = domain.ErrUnauthorized
	case code == http.StatusPaymentRequired:
		base = domain.ErrInsufficientFunds
	case code == http.StatusConflict:
		base = domain.ErrAlreadyEntitled
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		base = domain.ErrTransientNetwork
	default:
		base = domain.ErrInvalidArgument
	}
	return fmt.Errorf("%w: status %d: %s", base, code, msg)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTransientNetwork):
		return "transient"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "rejected"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
