package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"homestay/internal/config"
	"homestay/internal/metrics"
	"homestay/internal/payments"
	"homestay/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the operations the HTTP API exposes.
type Services struct {
	Allocator  *service.Allocator
	Checker    *service.AvailabilityChecker
	Lifecycle  *service.LifecycleManager
	Reconciler *service.Reconciler
	Store      Pinger

	// MockPayments enables the pay route for local checkout runs. Nil with a real gateway.
	MockPayments *payments.MockGateway
}

// HTTPServer serves the booking API.
type HTTPServer struct {
	cfg     config.APIConfig
	svc     Services
	auth    *TokenAuth
	limiter *rateLimiter
	logger  *zerolog.Logger
	handler http.Handler
	server  *http.Server
	now     func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "http").Logger()
	s := &HTTPServer{
		cfg:     cfg,
		svc:     svc,
		auth:    NewTokenAuth(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  &l,
		now:     time.Now,
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = s.recoverer(s.requestLogger(s.rateLimit(mux)))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return s
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	s.handle(mux, "GET /healthz", s.handleHealth)
	s.handle(mux, "GET /readyz", s.handleReady)

	s.handle(mux, "GET /api/v1/listings/{id}/availability", s.handleAvailability)
	s.handle(mux, "GET /api/v1/listings/{id}/quote", s.handleQuote)

	s.handle(mux, "POST /api/v1/bookings", s.auth.Require(s.handleCreateBooking))
	s.handle(mux, "GET /api/v1/bookings/mine", s.auth.Require(s.handleMyBookings))
	s.handle(mux, "GET /api/v1/bookings/hosting", s.auth.Require(s.handleHostBookings))
	s.handle(mux, "GET /api/v1/bookings/hosting/export", s.auth.Require(s.handleHostExport))
	s.handle(mux, "GET /api/v1/bookings/{id}", s.auth.Require(s.handleGetBooking))
	s.handle(mux, "PATCH /api/v1/bookings/{id}/cancel", s.auth.Require(s.handleCancelBooking))
	s.handle(mux, "PATCH /api/v1/bookings/{id}/status", s.auth.Require(s.handleSetStatus))

	s.handle(mux, "POST /api/v1/payments/checkout", s.auth.Require(s.handleCheckout))
	s.handle(mux, "GET /api/v1/payments/verify/{sessionId}", s.auth.Require(s.handleVerify))
	s.handle(mux, "POST /api/v1/payments/webhook", s.handleWebhook)
	if s.svc.MockPayments != nil {
		s.handle(mux, "POST /api/v1/payments/mock/{sessionId}/pay", s.auth.Require(s.handleMockPay))
	}
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		reqLogger := s.logger.With().Str("request_id", requestID).Logger()
		r = r.WithContext(reqLogger.WithContext(r.Context()))

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		event := reqLogger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = reqLogger.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
