package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/queue"
	"github.com/mattjoyce/joai-gw/internal/trigger"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	resolve   Resolver
	queue     ExecutionQueuer
	publisher events.Publisher
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new webhook server instance.
func New(config Config, resolve Resolver, queue ExecutionQueuer, pub events.Publisher, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Server{
		config:    config,
		resolve:   resolve,
		queue:     queue,
		publisher: pub,
		logger:    logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/{workflowID}/{nodeID}", s.handleWebhook)

	return r
}

// loggingMiddleware logs HTTP requests. Bodies and secret headers are
// never logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	workflowID := pathParam(r, "workflowID")
	nodeID := pathParam(r, "nodeID")
	n, ok := s.resolve(workflowID, nodeID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	logger := s.logger.With(
		"trigger", n.Name(),
		"workflow_id", n.WorkflowID(),
		"node_id", n.NodeID(),
		"request_id", middleware.GetReqID(ctx),
	)

	outcome, err := n.Handle(ctx, r.Header, body)
	if err != nil {
		logger.Error("webhook handling failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	event := map[string]any{
		"trigger":     n.Name(),
		"workflow_id": n.WorkflowID(),
		"node_id":     n.NodeID(),
		"event":       outcome.Event,
		"reason":      outcome.Reason,
	}

	switch outcome.Decision {
	case trigger.Rejected:
		logger.Warn("webhook secret verification failed", "reason", outcome.Reason)
		s.publisher.Publish(events.WebhookRejected, event)
		s.respondJSON(w, http.StatusForbidden, RejectedResponse{Message: trigger.RejectMessage})
		return

	case trigger.Suppressed:
		logger.Debug("webhook ignored", "reason", outcome.Reason, "event", outcome.Event)
		s.publisher.Publish(events.WebhookIgnored, event)
		s.respondJSON(w, http.StatusOK, IgnoredResponse{Status: "ignored"})
		return
	}

	ids := make([]string, 0, len(outcome.Items))
	for _, item := range outcome.Items {
		id, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			Trigger:    n.Name(),
			WorkflowID: n.WorkflowID(),
			NodeID:     n.NodeID(),
			Event:      outcome.Event,
			Item:       item,
			RequestID:  middleware.GetReqID(ctx),
		})
		if err != nil {
			logger.Error("failed to enqueue trigger execution", "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to enqueue execution")
			return
		}
		ids = append(ids, id)
	}

	logger.Info("webhook accepted", "event", outcome.Event, "execution_ids", ids)
	event["execution_ids"] = ids
	s.publisher.Publish(events.WebhookAccepted, event)
	s.respondJSON(w, http.StatusOK, AcceptedResponse{Status: "accepted", ExecutionIDs: ids})
}

func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
