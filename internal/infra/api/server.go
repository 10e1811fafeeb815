package api

import (
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketplace-purchase-saga/internal/application"
	"marketplace-purchase-saga/internal/domain/model"
	"marketplace-purchase-saga/internal/infra/api/apiv1"
	"marketplace-purchase-saga/internal/infra/api/auth"
	"marketplace-purchase-saga/internal/infra/logging"
)

// ReturnPath is where the gateway sends the browser back; it must match saga.return_url.
const ReturnPath = "/api/v1/payment/return"

// Server is the HTTP host: the JSON API, the gateway landing page, health and metrics.
type Server struct {
	facade  *application.PurchaseFacade
	auth    *auth.Manager
	log     *zerolog.Logger
	timeout time.Duration
}

// NewServer constructs the HTTP layer. timeout bounds every request (0 = 30s).
func NewServer(facade *application.PurchaseFacade, authm *auth.Manager, timeout time.Duration, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := logger.With().Str("component", "http").Logger()
	return &Server{facade: facade, auth: authm, log: &l, timeout: timeout}
}

// Router builds the chi router with all routes and middlewares.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), TraceID(), RequestLog(s.log), Timeout(s.timeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require)
		r.Get(ReturnPath, s.handleReturn)
		apiv1.RegisterAPIV1(r, apiv1.NewServer(s.facade, s.log))
	})
	return r
}

// handleReturn is the gateway landing page. Its query is only a hint; the page shows whatever
// reconciliation with the backend concluded.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sig := model.ReturnSignal{OrderRef: q.Get("order_ref"), Status: q.Get("status"), Source: "query"}
	o, err := s.facade.Resume(r.Context(), auth.UserID(r.Context()), sig)
	if err != nil {
		l := logging.With(r.Context(), s.log)
		l.Warn().Err(err).Str("order_ref", sig.OrderRef).Msg("return page resume failed")
		code := apiv1.StatusOf(err)
		if o == nil {
			// nothing settled; tell the user we are still checking
			o = &model.Outcome{State: model.IntentStateReconciling}
		}
		s.renderHTML(w, code, o)
		return
	}
	if o == nil {
		userID := auth.UserID(r.Context())
		if p, aerr := s.facade.Active(r.Context(), userID); aerr == nil {
			o = model.OutcomeOf(p)
		} else if last, lerr := s.facade.LastOutcome(r.Context(), userID); lerr == nil {
			// settled earlier, possibly by another process, and not acknowledged yet
			o = last
		}
	}
	s.renderHTML(w, http.StatusOK, o)
}

var page = template.Must(template.New("return").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
{{if .Pending}}<meta http-equiv="refresh" content="3" />{{end}}
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{.Title}}</h2>
  <p>{{.Msg}}</p>
</div>
</body>
</html>`))

func (s *Server) renderHTML(w http.ResponseWriter, code int, o *model.Outcome) {
	title := "Payment"
	if s.facade.Messages != nil {
		title = s.facade.Messages.T("page.return.title")
	}
	pending := o != nil && o.State.Active()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = page.Execute(w, struct {
		Title   string
		Msg     string
		OK      bool
		Pending bool
	}{
		Title:   title,
		Msg:     s.facade.ReturnPageText(o),
		OK:      o != nil && o.State == model.IntentStateSettled,
		Pending: pending,
	})
}
