package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/queue"
)

// ExecutionStore is the execution queue as seen by downstream runners.
// *queue.Queue satisfies it.
type ExecutionStore interface {
	Get(ctx context.Context, id string) (*queue.Execution, error)
	Recent(ctx context.Context, limit int) ([]*queue.Execution, error)
	Depth(ctx context.Context) (int, error)
	Dequeue(ctx context.Context) (*queue.Execution, error)
	Complete(ctx context.Context, id string, status queue.Status) error
}

// TriggerRegistry looks up configured trigger nodes. *node.Registry
// satisfies it.
type TriggerRegistry interface {
	Get(name string) (*node.TriggerNode, error)
	All() []*node.TriggerNode
}

// Messenger sends outbound messages. *node.SendMessageNode satisfies it.
type Messenger interface {
	ExecuteItems(ctx context.Context, items []map[string]any, defaults map[string]any, continueOnFail bool) ([]map[string]any, error)
}

// EventSource is the read side of the event hub.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	executions ExecutionStore
	triggers   TriggerRegistry
	messenger  Messenger
	events     EventSource
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance
func New(config Config, executions ExecutionStore, triggers TriggerRegistry, messenger Messenger, events EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		executions: executions,
		triggers:   triggers,
		messenger:  messenger,
		events:     events,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams until the client leaves.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/events", s.handleEvents)

		r.Get("/triggers", s.handleListTriggers)
		r.Get("/triggers/{name}", s.handleGetTrigger)
		r.Post("/triggers/{name}/activate", s.handleActivate)
		r.Post("/triggers/{name}/deactivate", s.handleDeactivate)
		r.Post("/triggers/{name}/check", s.handleCheck)

		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/claim", s.handleClaimExecution)
		r.Post("/executions/{id}/complete", s.handleCompleteExecution)

		r.Post("/messages", s.handleSendMessage)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
