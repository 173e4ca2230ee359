package api

import (
	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/queue"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Triggers      int    `json:"triggers"`
}

// TriggerListResponse is returned by GET /triggers.
type TriggerListResponse struct {
	Triggers []node.TriggerStatus `json:"triggers"`
}

// ActivateResponse is returned by POST /triggers/{name}/activate.
type ActivateResponse struct {
	Trigger      string `json:"trigger"`
	Created      bool   `json:"created"`
	WebhookID    string `json:"webhook_id,omitempty"`
	WebhookURL   string `json:"webhook_url"`
	Replaced     int    `json:"replaced,omitempty"`
	StaleDeleted int    `json:"stale_deleted"`
}

// DeactivateResponse is returned by POST /triggers/{name}/deactivate.
type DeactivateResponse struct {
	Trigger   string `json:"trigger"`
	Matched   int    `json:"matched"`
	Deleted   int    `json:"deleted"`
	Failed    int    `json:"failed"`
	ListError string `json:"list_error,omitempty"`
}

// CheckResponse is returned by POST /triggers/{name}/check.
type CheckResponse struct {
	Trigger        string   `json:"trigger"`
	Exists         bool     `json:"exists"`
	MatchedID      string   `json:"matched_id,omitempty"`
	SecretMismatch bool     `json:"secret_mismatch,omitempty"`
	Stale          []string `json:"stale,omitempty"`
	Deleted        int      `json:"deleted"`
	Failed         int      `json:"failed"`
	ListError      string   `json:"list_error,omitempty"`
}

// ExecutionListResponse is returned by GET /executions.
type ExecutionListResponse struct {
	Executions []*queue.Execution `json:"executions"`
}

// CompleteRequest is the JSON body for POST /executions/{id}/complete.
type CompleteRequest struct {
	Status queue.Status `json:"status"`
}

// MessageRequest is the JSON body for POST /messages. Without Items the
// top-level fields describe a single message; with Items they act as
// per-item defaults.
type MessageRequest struct {
	AgentID        string           `json:"agent_id"`
	Message        string           `json:"message,omitempty"`
	Room           string           `json:"room,omitempty"`
	Operation      string           `json:"operation,omitempty"`
	Items          []map[string]any `json:"items,omitempty"`
	ContinueOnFail bool             `json:"continue_on_fail,omitempty"`
}

// MessageResponse carries one result per input item.
type MessageResponse struct {
	Results []map[string]any `json:"results"`
}
