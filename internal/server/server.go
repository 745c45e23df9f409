// Package server provides the HTTP and gRPC servers of a node.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/handler"
	"github.com/RaphaelDarley/messagedisk/internal/health"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/middleware"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *apierrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	errorHandler *apierrors.Handler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, middleware.Metrics(s.metrics))
	}
	s.router.Use(mux.MiddlewareFunc(middleware.Chain(middlewareChain...)))

	// Peer traffic is never rate limited: a rejected token would be lost.
	s.router.HandleFunc("/", s.handlers.Catch).Methods(http.MethodPost)

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		api.Use(rateLimiter.Limit)
	}

	// Chunk operations
	api.HandleFunc("/read", s.handlers.Read).Methods(http.MethodPost)
	api.HandleFunc("/write", s.handlers.Write).Methods(http.MethodPost)

	// Ring management
	api.HandleFunc("/create", s.handlers.Create).Methods(http.MethodPost)
	api.HandleFunc("/join", s.handlers.Join).Methods(http.MethodPost)
	api.HandleFunc("/start", s.handlers.Start).Methods(http.MethodPost)
	api.HandleFunc("/inject", s.handlers.Inject).Methods(http.MethodPost)
	api.HandleFunc("/discover", s.handlers.Discover).Methods(http.MethodGet)
	api.HandleFunc("/rings/{ring_id:[0-9]+}", s.handlers.RingStatus).Methods(http.MethodGet)
	api.HandleFunc("/cluster", s.handlers.Cluster).Methods(http.MethodGet)
	api.HandleFunc("/shutdown", s.handlers.Shutdown).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrCodeInvalidArgument, "endpoint not found", requestID)
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrCodeInvalidArgument, "method not allowed", requestID)
	})
}

// Serve serves HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("address", l.Addr().String()))

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
