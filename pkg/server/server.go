// Package server is the gateway's HTTP surface: the OpenAI-compatible
// chat completions endpoint with mode routing, the models and health
// endpoints, metrics, and a reverse proxy for everything the gateway
// does not handle itself.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/robaikg/gateway/pkg/admission"
	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/observability"
	"github.com/robaikg/gateway/pkg/research"
	"github.com/robaikg/gateway/pkg/router"
	"github.com/robaikg/gateway/pkg/toolloop"
)

// Server wires the HTTP surface to the orchestrators.
type Server struct {
	cfg        *config.Config
	llm        *llm.Client
	models     *llm.ModelCache
	router     *router.Router
	classifier *router.Classifier
	admission  *admission.Controller
	research   *research.Orchestrator
	loop       *toolloop.Loop
	health     *HealthMonitor
	metrics    *observability.Metrics
	logger     *slog.Logger

	httpServer *http.Server
}

// Deps carries everything the server needs.
type Deps struct {
	Config     *config.Config
	LLM        *llm.Client
	Models     *llm.ModelCache
	Router     *router.Router
	Classifier *router.Classifier
	Admission  *admission.Controller
	Research   *research.Orchestrator
	Loop       *toolloop.Loop
	Health     *HealthMonitor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

func New(deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		llm:        deps.LLM,
		models:     deps.Models,
		router:     deps.Router,
		classifier: deps.Classifier,
		admission:  deps.Admission,
		research:   deps.Research,
		loop:       deps.Loop,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(captureUserContext)

	r.Post("/v1/chat/completions", s.handleCompletions)
	r.Get("/v1/models", s.handleModels)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())

	// Everything else, /openapi.json included, goes straight to the
	// backend so clients see its full surface through one port.
	proxy := s.backendProxy()
	if proxy != nil {
		r.NotFound(proxy.ServeHTTP)
	}

	s.httpServer = &http.Server{
		Addr:              deps.Config.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
