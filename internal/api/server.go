// Package api exposes the memory service over HTTP.
//
// The surface is the boundary contract with the chat-serving layer: context
// retrieval for live turns, manual fact management, tenant memory deletion
// and stats, plus the operational endpoints (health, readiness, metrics).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reverie-ai/reverie/internal/health"
	"github.com/reverie-ai/reverie/internal/retrieval"
	"github.com/reverie-ai/reverie/pkg/memory"
)

// ContextRetriever is the slice of the retrieval engine the API needs.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Server holds the handlers for the memory HTTP API.
type Server struct {
	retriever ContextRetriever
	facts     memory.FactStore
	snippets  memory.SnippetIndex

	logger     *slog.Logger
	health     *health.Handler
	metrics    http.Handler
	middleware []func(http.Handler) http.Handler
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithHealthHandler mounts /healthz and /readyz from the given handler.
func WithHealthHandler(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetricsHandler mounts the given handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMiddleware appends router-wide middleware, outermost first.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// NewServer constructs the API server over the retrieval engine and stores.
func NewServer(
	retriever ContextRetriever,
	facts memory.FactStore,
	snippets memory.SnippetIndex,
	opts ...Option,
) (*Server, error) {
	if retriever == nil {
		return nil, fmt.Errorf("api: retriever must not be nil")
	}
	if facts == nil {
		return nil, fmt.Errorf("api: fact store must not be nil")
	}
	if snippets == nil {
		return nil, fmt.Errorf("api: snippet index must not be nil")
	}

	s := &Server{
		retriever: retriever,
		facts:     facts,
		snippets:  snippets,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Router constructs the chi mux with all routes wired.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	// Operational endpoints.
	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve-context", s.handleRetrieveContext())
		r.Post("/facts", s.handleUpsertFact())
		r.Get("/facts/{userID}/{characterID}", s.handleGetFacts())
		r.Delete("/memory/{userID}", s.handleDeleteMemory())
		r.Delete("/memory/{userID}/{characterID}", s.handleDeleteMemory())
		r.Get("/memory/{userID}/{characterID}/stats", s.handleStats())
	})

	return r
}
