// Package api exposes LifePipe over HTTP: on-demand delivery, delivery
// confirmation, flow inspection, inbound channel webhooks, health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Orchestrator is the delivery surface the API drives.
type Orchestrator interface {
	Deliver(ctx context.Context, d models.Delivery) (models.DeliveryTicket, error)
	StartFlow(ctx context.Context, userID, category string, def models.FlowDefinition) (models.DeliveryTicket, error)
	LastSent(userID, category string) (models.DeliveryTicket, bool)
	ListFlows(ctx context.Context, userID string) ([]*models.ConversationFlowState, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(s *Server) { s.twilioWebhook = h }
}

// WithEmailWebhook mounts the inbound email webhook.
func WithEmailWebhook(h http.Handler) Option {
	return func(s *Server) { s.emailWebhook = h }
}

// Server is the HTTP API.
type Server struct {
	orch          Orchestrator
	checkIn       func() models.FlowDefinition
	addr          string
	twilioWebhook http.Handler
	emailWebhook  http.Handler
	router        *chi.Mux
	http          *http.Server
}

// NewServer creates the API. checkIn supplies the flow started by the check-in endpoint.
func NewServer(orch Orchestrator, checkIn func() models.FlowDefinition, opts ...Option) *Server {
	s := &Server{orch: orch, checkIn: checkIn, addr: DefaultAddr}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/deliver", s.deliverHandler)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/last-sent", s.lastSentHandler)
		r.Get("/flows", s.flowsHandler)
		r.Post("/checkin", s.checkInHandler)
	})

	if s.twilioWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/twilio", s.twilioWebhook)
	}
	if s.emailWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/email", s.emailWebhook)
	}
	return r
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	slog.Info("Server.Start: API listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
