package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/internal/observability/metrics"
	"github.com/inferloop/tsdp/pkg/constants"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *config.ServerConfig
	metricsCfg metrics.PrometheusConfig
	handlers   *Handlers
	metrics    *metrics.PrometheusMetrics
}

// NewServer creates a new HTTP server instance. metrics may be nil.
func NewServer(cfg *config.Config, handlers *Handlers, prom *metrics.PrometheusMetrics, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	router := mux.NewRouter()

	server := &Server{
		router:     router,
		logger:     logger,
		config:     &cfg.Server,
		metricsCfg: cfg.Metrics,
		handlers:   handlers,
		metrics:    prom,
	}

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:           cfg.Server.Address(),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return server
}

// Start serves until Stop is called. It returns http.ErrServerClosed after
// a graceful shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down HTTP server")
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the HTTP router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	apiRouter := s.router.PathPrefix(constants.APIPrefix).Subrouter()

	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handlers.Version).Methods(http.MethodGet)

	if s.metrics != nil && s.metricsCfg.Enabled {
		s.router.Handle(s.metrics.Path(), s.metrics.Handler()).Methods(http.MethodGet)
	}

	apiRouter.HandleFunc("/perturb", s.handlers.Perturb).Methods(http.MethodPost)
	apiRouter.HandleFunc("/experiments", s.handlers.CreateExperiment).Methods(http.MethodPost)
	apiRouter.HandleFunc("/experiments/{id}", s.handlers.GetExperiment).Methods(http.MethodGet)
	apiRouter.HandleFunc("/experiments/{id}/summary", s.handlers.GetExperimentSummary).Methods(http.MethodGet)
	apiRouter.HandleFunc("/analyze", s.handlers.Analyze).Methods(http.MethodPost)

	// Router middleware only runs on matched routes.
	s.router.NotFoundHandler = s.requestIDMiddleware(s.loggingMiddleware(http.HandlerFunc(s.handlers.NotFound)))
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestSizeLimitMiddleware)
	s.router.Use(s.timeoutMiddleware)
}
