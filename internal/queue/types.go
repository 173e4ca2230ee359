package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Execution is one accepted trigger item waiting for (or handed to) the
// workflow pipeline.
type Execution struct {
	ID         string          `json:"id"`
	Trigger    string          `json:"trigger"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id"`
	Event      string          `json:"event"`
	Item       json.RawMessage `json:"item"`
	Status     Status          `json:"status"`
	RequestID  string          `json:"request_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type EnqueueRequest struct {
	Trigger    string
	WorkflowID string
	NodeID     string
	Event      string
	Item       map[string]any
	RequestID  string
}

var ErrExecutionNotFound = errors.New("execution not found")
