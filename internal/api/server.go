// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/service"
)

// ValidationServiceInterface defines the service operations the API needs
type ValidationServiceInterface interface {
	ValidateSync(ctx context.Context, req *service.Request) (*service.Response, error)
	SubmitAsync(ctx context.Context, req *service.Request) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	Balance(ctx context.Context, accountToken, clientID string) (*models.Balance, error)
	ApplyPurchase(ctx context.Context, ev *models.PurchaseEvent) (bool, error)
	Health() *service.HealthReport
}

// Request headers
const (
	HeaderAccountToken       = "X-Account-Token"
	HeaderProviderPreference = "X-Provider-Preference"
	HeaderFreeUserID         = "X-Free-User-Id"
	HeaderWebhookSecret      = "X-Webhook-Secret"
	HeaderRequestID          = "X-Request-Id"
)

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	validation ValidationServiceInterface
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64 // per account token or free client
	RateLimitBurst  int
	WebhookSecret   string // empty disables the purchase webhook
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, validation ValidationServiceInterface) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		validation: validation,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware)

	s.setupRoutes()

	// CORS wraps the router so preflights reach it before method matching
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Payment provider callbacks authenticate with a shared secret instead
	s.router.HandleFunc("/webhooks/purchase", s.handlePurchaseWebhook).Methods("POST")

	// Metered endpoints are rate limited per account
	limit := RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst))
	s.router.Handle("/validate", limit(http.HandlerFunc(s.handleValidate))).Methods("POST")
	s.router.Handle("/validate/async", limit(http.HandlerFunc(s.handleValidateAsync))).Methods("POST")
	s.router.Handle("/jobs/{id}", limit(http.HandlerFunc(s.handleGetJob))).Methods("GET")
	s.router.Handle("/credits", limit(http.HandlerFunc(s.handleGetCredits))).Methods("GET")
}

// Handler returns the root handler (tests and custom listeners).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.validation.Health()
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
