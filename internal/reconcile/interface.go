package reconcile

import (
	"context"

	"github.com/mattjoyce/joai-gw/internal/joai"
)

//go:generate mockgen -destination=mocks/mock_reconcile.go -package=mocks github.com/mattjoyce/joai-gw/internal/reconcile DirectoryClient,WebhookReconciler

// DirectoryClient is the remote webhook directory. *joai.Client satisfies it.
type DirectoryClient interface {
	ListWebhooks(ctx context.Context, agentID string) ([]joai.Webhook, error)
	CreateWebhook(ctx context.Context, agentID string, req joai.WebhookRequest) (joai.Webhook, error)
	DeleteWebhook(ctx context.Context, agentID, webhookID string) error
}

// WebhookReconciler keeps one remote subscription per node instance.
type WebhookReconciler interface {
	Exists(ctx context.Context, sub Subscription) (ExistsResult, error)
	Create(ctx context.Context, sub Subscription) (CreateResult, error)
	Delete(ctx context.Context, sub Subscription) (DeleteReport, error)
}

// Subscription is the webhook a node instance wants to exist.
type Subscription struct {
	AgentID     string
	URL         string
	Triggers    []string
	Secret      string
	Name        string
	Description string
}

type ExistsResult struct {
	Exists bool
	// MatchedID is the id of the record whose URL matched, if any.
	MatchedID string
	// SecretMismatch is set when the matched record authenticates with a
	// different secret header, so its calls would be rejected.
	SecretMismatch bool
	// Stale lists records that carried this node's secret under another URL.
	Stale   []string
	Deleted int
	Failed  int
	// ListErr is set when the directory could not be listed; Exists is
	// then false without having been verified.
	ListErr error
}

type CreateResult struct {
	Webhook joai.Webhook
}

// DeleteReport describes a teardown pass. Failed > 0 means remote records
// may have been left behind.
type DeleteReport struct {
	Matched int
	Deleted int
	Failed  int
	ListErr error
}
