// Package webhook serves the inbound webhook endpoint and the health and
// metrics probes.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/yairfalse/liftsync/internal/orchestrator"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// DefaultMaxBodyBytes bounds webhook request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Dispatcher handles a parsed webhook event.
type Dispatcher interface {
	WebhookDispatch(ctx context.Context, event resource.WebhookEvent) (*orchestrator.Result, error)
}

// Server routes webhook deliveries to a Dispatcher. Deliveries are
// acknowledged before they are processed; Wait blocks until every accepted
// delivery has finished.
type Server struct {
	router      chi.Router
	dispatcher  Dispatcher
	logger      *telemetry.Logger
	metrics     http.Handler
	httpMetrics *HTTPMetrics
	maxBody     int64

	ready    atomic.Bool
	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHTTPMetrics records request metrics for every route.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.httpMetrics = m }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewServer creates a Server dispatching to d.
func NewServer(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		logger:     telemetry.NopLogger(),
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(s.httpMetrics.Middleware)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the /readyz probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Wait blocks until all accepted deliveries are processed or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type acceptedResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		s.logger.WithContext(r.Context()).Warn().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("rejecting webhook with invalid JSON body")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	event := resource.ParseWebhookEvent(payload)
	deliveryID := uuid.NewString()

	// the request context ends with the response; processing must not
	ctx := context.WithoutCancel(r.Context())

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.process(ctx, deliveryID, event)
	}()

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", DeliveryID: deliveryID})
}

func (s *Server) process(ctx context.Context, deliveryID string, event resource.WebhookEvent) {
	log := s.logger.WithContext(ctx).With().
		Str("delivery_id", deliveryID).
		Str("event_type", event.EventType).
		Str("resource_id", event.ResourceID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("webhook dispatch panicked")
		}
	}()

	res, err := s.dispatcher.WebhookDispatch(ctx, event)
	if err != nil {
		log.Error().Err(err).Msg("webhook dispatch failed")
		return
	}
	log.Debug().Str("state", string(res.State)).Str("operation_id", res.OperationID).Msg("webhook processed")
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("initial resync pending"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
