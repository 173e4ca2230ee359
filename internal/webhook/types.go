package webhook

import (
	"context"
	"net/http"

	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/queue"
	"github.com/mattjoyce/joai-gw/internal/trigger"
)

// ExecutionQueuer records accepted trigger items.
type ExecutionQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Handler is the inbound side of a trigger node.
type Handler interface {
	Name() string
	WorkflowID() string
	NodeID() string
	Handle(ctx context.Context, header http.Header, body []byte) (trigger.Outcome, error)
}

// Resolver finds the node behind an endpoint path.
type Resolver func(workflowID, nodeID string) (Handler, bool)

// FromRegistry resolves nodes registered in r.
func FromRegistry(r *node.Registry) Resolver {
	return func(workflowID, nodeID string) (Handler, bool) {
		n, ok := r.Lookup(workflowID, nodeID)
		if !ok {
			return nil, false
		}
		return n, true
	}
}

// Config holds webhook server configuration.
type Config struct {
	Listen      string
	MaxBodySize int64
}

// AcceptedResponse is returned when items were recorded.
type AcceptedResponse struct {
	Status       string   `json:"status"`
	ExecutionIDs []string `json:"execution_ids"`
}

// IgnoredResponse is returned when the call was valid but produced nothing.
type IgnoredResponse struct {
	Status string `json:"status"`
}

// RejectedResponse is the 403 body.
type RejectedResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the JSON response for other webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const DefaultMaxBodySize = 1048576 // 1 MB
