package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/queue"
	"github.com/mattjoyce/joai-gw/internal/reconcile"
)

const (
	defaultExecutionLimit = 50
	maxMessageBody        = 1 << 20
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.executions.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		Triggers:      len(s.triggers.All()),
	})
}

// handleListTriggers handles GET /triggers.
func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	resp := TriggerListResponse{Triggers: []node.TriggerStatus{}}
	for _, n := range s.triggers.All() {
		st, err := n.Status(r.Context())
		if err != nil {
			s.logger.Error("failed to load trigger status", "trigger", n.Name(), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load trigger status")
			return
		}
		resp.Triggers = append(resp.Triggers, st)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTrigger handles GET /triggers/{name}.
func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupTrigger(w, r)
	if !ok {
		return
	}
	st, err := n.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load trigger status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleActivate handles POST /triggers/{name}/activate.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupTrigger(w, r)
	if !ok {
		return
	}
	res, err := n.Activate(r.Context())
	if err != nil {
		s.writeLifecycleError(w, n.Name(), "activate", err)
		return
	}
	respondJSON(w, http.StatusOK, ActivateResponse{
		Trigger:      n.Name(),
		Created:      res.Created,
		WebhookID:    res.WebhookID,
		WebhookURL:   res.WebhookURL,
		Replaced:     res.Replaced,
		StaleDeleted: res.StaleDeleted,
	})
}

// handleDeactivate handles POST /triggers/{name}/deactivate.
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupTrigger(w, r)
	if !ok {
		return
	}
	report, err := n.Deactivate(r.Context())
	if err != nil {
		s.writeLifecycleError(w, n.Name(), "deactivate", err)
		return
	}
	resp := DeactivateResponse{
		Trigger: n.Name(),
		Matched: report.Matched,
		Deleted: report.Deleted,
		Failed:  report.Failed,
	}
	if report.ListErr != nil {
		resp.ListError = report.ListErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCheck handles POST /triggers/{name}/check.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupTrigger(w, r)
	if !ok {
		return
	}
	res, err := n.Check(r.Context())
	if err != nil {
		s.writeLifecycleError(w, n.Name(), "check", err)
		return
	}
	respondJSON(w, http.StatusOK, NewCheckResponse(n.Name(), res))
}

// handleListExecutions handles GET /executions?limit=N.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	execs, err := s.executions.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*queue.Execution{}
	}
	respondJSON(w, http.StatusOK, ExecutionListResponse{Executions: execs})
}

// handleGetExecution handles GET /executions/{id}.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrExecutionNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve execution")
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// handleClaimExecution handles POST /executions/claim. The oldest queued
// execution is marked running and returned; 204 when nothing is queued.
func (s *Server) handleClaimExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Dequeue(r.Context())
	if err != nil {
		s.logger.Error("failed to claim execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to claim execution")
		return
	}
	if exec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// handleCompleteExecution handles POST /executions/{id}/complete.
func (s *Server) handleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != queue.StatusSucceeded && req.Status != queue.StatusFailed {
		s.writeError(w, http.StatusBadRequest, "status must be succeeded or failed")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.executions.Complete(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, queue.ErrExecutionNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to complete execution")
		return
	}
	s.logger.Info("execution completed", "execution_id", id, "status", req.Status)
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage handles POST /messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.messenger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "messaging not configured")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	defaults := map[string]any{}
	setIf(defaults, node.ParamAgentID, req.AgentID)
	setIf(defaults, node.ParamRoom, req.Room)
	setIf(defaults, node.ParamOperation, req.Operation)

	items := req.Items
	if len(items) == 0 {
		items = []map[string]any{{}}
		setIf(items[0], node.ParamMessage, req.Message)
	} else {
		setIf(defaults, node.ParamMessage, req.Message)
	}

	results, err := s.messenger.ExecuteItems(r.Context(), items, defaults, req.ContinueOnFail)
	if err != nil {
		var apiErr *joai.APIError
		if errors.As(err, &apiErr) {
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, MessageResponse{Results: results})
}

func (s *Server) lookupTrigger(w http.ResponseWriter, r *http.Request) (*node.TriggerNode, bool) {
	n, err := s.triggers.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "trigger not found")
		return nil, false
	}
	return n, true
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, trigger, op string, err error) {
	s.logger.Error("trigger "+op+" failed", "trigger", trigger, "error", err)
	if errors.Is(err, node.ErrAgentIDRequired) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeError(w, http.StatusBadGateway, err.Error())
}

// NewCheckResponse shapes a check result for the wire.
func NewCheckResponse(trigger string, res reconcile.ExistsResult) CheckResponse {
	resp := CheckResponse{
		Trigger:        trigger,
		Exists:         res.Exists,
		MatchedID:      res.MatchedID,
		SecretMismatch: res.SecretMismatch,
		Stale:          res.Stale,
		Deleted:        res.Deleted,
		Failed:         res.Failed,
	}
	if res.ListErr != nil {
		resp.ListError = res.ListErr.Error()
	}
	return resp
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
