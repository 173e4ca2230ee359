// Package reconcile registers, deduplicates and tears down the remote webhook
// subscription that belongs to one trigger node instance.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/joai-gw/internal/identity"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/log"
)

var (
	ErrAgentIDRequired  = errors.New("agent id is required")
	ErrURLRequired      = errors.New("webhook url is required")
	ErrSecretRequired   = errors.New("secret token is required")
	ErrTriggersRequired = errors.New("at least one trigger is required")
)

// Transport settings sent with every new subscription.
const (
	DefaultName      = "joai-gw webhook"
	createTimeout    = 30
	createMaxRetries = 3
)

type Reconciler struct {
	dir    DirectoryClient
	logger *slog.Logger
}

var _ WebhookReconciler = (*Reconciler)(nil)

func New(dir DirectoryClient, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = log.WithComponent("reconcile")
	}
	return &Reconciler{dir: dir, logger: logger}
}

// Exists reports whether a record with the subscription's URL is registered.
// A URL match whose secret header differs from the subscription's is flagged
// with SecretMismatch. When no URL matches, records that still carry this node's secret (and overlap its
// triggers, when the record says) are stale and get deleted so the caller
// can create a fresh one. Directory failures read as "does not exist".
func (r *Reconciler) Exists(ctx context.Context, sub Subscription) (ExistsResult, error) {
	if err := sub.validate(); err != nil {
		return ExistsResult{}, err
	}
	logger := r.logger.With("agent_id", sub.AgentID, "webhook_url", sub.URL)

	hooks, err := r.dir.ListWebhooks(ctx, sub.AgentID)
	if err != nil {
		logger.Error("webhook existence check failed", "error", err)
		return ExistsResult{ListErr: err}, nil
	}

	for _, h := range hooks {
		if h.URL == sub.URL {
			res := ExistsResult{Exists: true, MatchedID: h.ID, SecretMismatch: sub.secretDiffers(h)}
			logger.Info("webhook exists", "webhook_id", h.ID, "existing_count", len(hooks), "secret_mismatch", res.SecretMismatch)
			return res, nil
		}
	}

	var stale []joai.Webhook
	for _, h := range hooks {
		if sub.ownsSecret(h) && (!h.HasTriggerInfo() || h.Overlaps(sub.Triggers)) {
			stale = append(stale, h)
		}
	}
	if len(stale) == 0 {
		logger.Info("webhook does not exist", "existing_count", len(hooks))
		return ExistsResult{}, nil
	}

	res := ExistsResult{Stale: ids(stale)}
	res.Deleted, res.Failed = r.deleteAll(ctx, logger, sub.AgentID, stale)
	logger.Info("removed stale webhooks after url drift",
		"stale", len(stale),
		"deleted", res.Deleted,
		"failed", res.Failed,
	)
	return res, nil
}

// Create registers the subscription. Any failure is returned.
func (r *Reconciler) Create(ctx context.Context, sub Subscription) (CreateResult, error) {
	if err := sub.validate(); err != nil {
		return CreateResult{}, err
	}
	if sub.Secret == "" {
		return CreateResult{}, ErrSecretRequired
	}
	if len(sub.Triggers) == 0 {
		return CreateResult{}, ErrTriggersRequired
	}

	req := joai.WebhookRequest{
		Name:     sub.Name,
		URL:      sub.URL,
		Trigger:  sub.Triggers[0],
		Triggers: sub.Triggers,
		Active:   true,
		Headers: map[string]string{
			identity.SecretHeader: sub.Secret,
		},
		Description: sub.Description,
		VerifySSL:   true,
		Timeout:     createTimeout,
		MaxRetries:  createMaxRetries,
	}
	if req.Name == "" {
		req.Name = DefaultName
	}

	logger := r.logger.With("agent_id", sub.AgentID, "webhook_url", sub.URL)
	logger.Info("creating webhook", "triggers", sub.Triggers, "has_secret", true)

	created, err := r.dir.CreateWebhook(ctx, sub.AgentID, req)
	if err != nil {
		logger.Error("webhook creation failed", "error", err)
		return CreateResult{}, fmt.Errorf("failed to create webhook: %w", err)
	}

	logger.Info("webhook created", "webhook_id", created.ID)
	return CreateResult{Webhook: created}, nil
}

// Delete removes every record matching the URL or the secret. It never
// fails on directory errors; the report says what happened.
func (r *Reconciler) Delete(ctx context.Context, sub Subscription) (DeleteReport, error) {
	if err := sub.validate(); err != nil {
		return DeleteReport{}, err
	}
	logger := r.logger.With("agent_id", sub.AgentID, "webhook_url", sub.URL)

	hooks, err := r.dir.ListWebhooks(ctx, sub.AgentID)
	if err != nil {
		logger.Warn("failed to list webhooks for deletion", "error", err)
		return DeleteReport{ListErr: err}, nil
	}

	var matched []joai.Webhook
	for _, h := range hooks {
		if h.URL == sub.URL || sub.ownsSecret(h) {
			matched = append(matched, h)
		}
	}

	report := DeleteReport{Matched: len(matched)}
	report.Deleted, report.Failed = r.deleteAll(ctx, logger, sub.AgentID, matched)

	if report.Failed > 0 {
		logger.Warn("webhook deletion incomplete",
			"matched", report.Matched,
			"deleted", report.Deleted,
			"failed", report.Failed,
		)
	} else {
		logger.Info("webhook deletion completed",
			"deleted", report.Deleted,
			"total_webhooks", len(hooks),
		)
	}
	return report, nil
}

// deleteAll issues one delete per record concurrently and waits for all.
func (r *Reconciler) deleteAll(ctx context.Context, logger *slog.Logger, agentID string, hooks []joai.Webhook) (deleted, failed int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, h := range hooks {
		wg.Add(1)
		go func(h joai.Webhook) {
			defer wg.Done()
			err := r.dir.DeleteWebhook(ctx, agentID, h.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logger.Warn("failed to delete webhook", "webhook_id", h.ID, "error", err)
				return
			}
			deleted++
		}(h)
	}
	wg.Wait()
	return deleted, failed
}

func (s Subscription) validate() error {
	if s.AgentID == "" {
		return ErrAgentIDRequired
	}
	if s.URL == "" {
		return ErrURLRequired
	}
	return nil
}

// ownsSecret reports whether the record carries this node's secret header.
func (s Subscription) ownsSecret(h joai.Webhook) bool {
	if s.Secret == "" {
		return false
	}
	v, ok := h.Header(identity.SecretHeader)
	return ok && v == s.Secret
}

// secretDiffers reports a record that carries a secret header other than
// the subscription's. A record that does not echo its headers is not
// considered different.
func (s Subscription) secretDiffers(h joai.Webhook) bool {
	v, ok := h.Header(identity.SecretHeader)
	return ok && v != s.Secret
}

func ids(hooks []joai.Webhook) []string {
	out := make([]string, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, h.ID)
	}
	return out
}
