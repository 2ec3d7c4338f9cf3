// Package api provides the HTTP server for CounselPipe.
//
// It mounts the transport and payment webhooks, the operator admin endpoints
// and the health and metrics endpoints on a chi router.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Admin is the operator surface of the session controller.
type Admin interface {
	EnterMaintenance(ctx context.Context) error
	ExitMaintenance(ctx context.Context) error
	MaintenanceActive() bool
	SetDelegate(ctx context.Context, userID string, delegate bool) error
	OperatorReply(ctx context.Context, userID, text string) error
	Session(userID string) (*models.Session, error)
	ActiveTimers() []session.TimerInfo
}

// Opts holds optional server routes and settings.
type Opts struct {
	TwilioWebhook  http.Handler
	PaymentWebhook http.Handler
	Metrics        http.Handler
	AdminToken     string
}

// Option configures a Server.
type Option func(*Opts)

// WithTwilioWebhook mounts the Twilio inbound message webhook.
func WithTwilioWebhook(h http.Handler) Option { return func(o *Opts) { o.TwilioWebhook = h } }

// WithPaymentWebhook mounts the payment processor webhook.
func WithPaymentWebhook(h http.Handler) Option { return func(o *Opts) { o.PaymentWebhook = h } }

// WithMetricsHandler mounts the Prometheus scrape endpoint.
func WithMetricsHandler(h http.Handler) Option { return func(o *Opts) { o.Metrics = h } }

// WithAdminToken enables the admin endpoints behind a bearer token.
func WithAdminToken(token string) Option { return func(o *Opts) { o.AdminToken = token } }

// Server holds the HTTP router and its collaborators.
type Server struct {
	admin  Admin
	opts   Opts
	router chi.Router
	srv    *http.Server
}

// NewServer creates a server; routes whose handlers are not configured are
// not mounted.
func NewServer(admin Admin, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{admin: admin, opts: o}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.healthHandler)
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}
	r.Route("/webhooks", func(r chi.Router) {
		if o.TwilioWebhook != nil {
			r.Method(http.MethodPost, "/twilio", o.TwilioWebhook)
		}
		if o.PaymentWebhook != nil {
			r.Method(http.MethodPost, "/payments", o.PaymentWebhook)
		}
	})
	if o.AdminToken != "" && admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/maintenance", s.getMaintenanceHandler)
			r.Post("/maintenance", s.setMaintenanceHandler)
			r.Get("/timers", s.timersHandler)
			r.Get("/sessions/{userID}", s.getSessionHandler)
			r.Post("/sessions/{userID}/delegate", s.delegateHandler)
			r.Post("/sessions/{userID}/reply", s.operatorReplyHandler)
		})
	} else {
		slog.Warn("Server: admin endpoints disabled, no admin token configured")
	}

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping HTTP server")
	return s.srv.Shutdown(ctx)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	want := []byte(s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			slog.Warn("Server.requireToken: unauthorized admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
