package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/identity"
	"github.com/mattjoyce/joai-gw/internal/log"
	"github.com/mattjoyce/joai-gw/internal/reconcile"
	"github.com/mattjoyce/joai-gw/internal/state"
	"github.com/mattjoyce/joai-gw/internal/trigger"
)

var ErrAgentIDRequired = reconcile.ErrAgentIDRequired

// TriggerSpec identifies a trigger node instance.
type TriggerSpec struct {
	Name       string
	WorkflowID string
	NodeID     string
	SecretMode string
}

// TriggerDeps are the collaborators a trigger node needs.
type TriggerDeps struct {
	Reconciler reconcile.WebhookReconciler
	Store      StaticStore
	URLs       URLProvider
	Publisher  events.Publisher
	Logger     *slog.Logger
}

// ActivationResult describes what Activate did remotely.
type ActivationResult struct {
	Created   bool
	WebhookID string
	// Replaced counts records removed because they carried an outdated
	// secret.
	Replaced     int
	WebhookURL   string
	StaleDeleted int
}

// TriggerStatus is the operator view of a trigger node.
type TriggerStatus struct {
	Name        string   `json:"name"`
	WorkflowID  string   `json:"workflow_id"`
	NodeID      string   `json:"node_id"`
	Fingerprint string   `json:"fingerprint"`
	AgentID     string   `json:"agent_id,omitempty"`
	Events      []string `json:"events"`
	WebhookURL  string   `json:"webhook_url"`
	WebhookID   string   `json:"webhook_id,omitempty"`
	SecretMode  string   `json:"secret_mode"`
	Registered  bool     `json:"registered"`
}

// TriggerNode owns one remote subscription and the inbound endpoint that
// receives its calls. Lifecycle operations on a node are serialized.
type TriggerNode struct {
	spec   TriggerSpec
	ref    state.NodeRef
	params ParameterSource
	deps   TriggerDeps
	logger *slog.Logger

	mu sync.Mutex
}

func NewTriggerNode(spec TriggerSpec, params ParameterSource, deps TriggerDeps) *TriggerNode {
	if spec.SecretMode == "" {
		spec.SecretMode = config.SecretModeDerived
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithNode(spec.WorkflowID, spec.NodeID)
	} else {
		logger = logger.With("workflow_id", spec.WorkflowID, "node_id", spec.NodeID)
	}
	return &TriggerNode{
		spec: spec,
		ref: state.NodeRef{
			Key:        identity.Fingerprint(spec.WorkflowID, spec.NodeID),
			WorkflowID: spec.WorkflowID,
			NodeID:     spec.NodeID,
		},
		params: params,
		deps:   deps,
		logger: logger.With("trigger", spec.Name),
	}
}

func (n *TriggerNode) Name() string       { return n.spec.Name }
func (n *TriggerNode) WorkflowID() string { return n.spec.WorkflowID }
func (n *TriggerNode) NodeID() string     { return n.spec.NodeID }

// WebhookURL is the callback URL this node registers.
func (n *TriggerNode) WebhookURL() string {
	return n.deps.URLs.WebhookURL(n.spec.WorkflowID, n.spec.NodeID)
}

// Activate makes sure exactly one subscription for this node exists,
// creating it when the reconciler finds none.
func (n *TriggerNode) Activate(ctx context.Context) (ActivationResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activate(ctx)
}

// activate requires n.mu.
func (n *TriggerNode) activate(ctx context.Context) (ActivationResult, error) {
	agentID := paramString(n.params, ParamAgentID, 0)
	if agentID == "" {
		return ActivationResult{}, fmt.Errorf("activate %s: %w", n.spec.Name, ErrAgentIDRequired)
	}

	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("load node storage: %w", err)
	}

	secret, err := n.secret(ctx, stored, true)
	if err != nil {
		return ActivationResult{}, err
	}

	if stored.AgentID != "" && stored.AgentID != agentID {
		// The subscription moved to another agent; tear down the old one.
		old := n.subscription(stored.AgentID, secret)
		if report, err := n.deps.Reconciler.Delete(ctx, old); err != nil {
			n.logger.Warn("failed to remove subscription of previous agent", "agent_id", stored.AgentID, "error", err)
		} else {
			n.logger.Info("removed subscription of previous agent", "agent_id", stored.AgentID, "deleted", report.Deleted, "failed", report.Failed)
		}
	}

	sub := n.subscription(agentID, secret)
	exists, err := n.deps.Reconciler.Exists(ctx, sub)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("check webhook: %w", err)
	}

	res := ActivationResult{
		WebhookID:    exists.MatchedID,
		WebhookURL:   sub.URL,
		StaleDeleted: exists.Deleted,
	}
	if exists.Exists && exists.SecretMismatch {
		// The record still sends a previous secret, so every call it makes
		// would be rejected here.
		replaced, err := n.replace(ctx, sub, exists.MatchedID)
		if err != nil {
			return ActivationResult{}, err
		}
		res.Replaced = replaced
		res.WebhookID = ""
	}
	if !exists.Exists || exists.SecretMismatch {
		created, err := n.deps.Reconciler.Create(ctx, sub)
		if err != nil {
			return ActivationResult{}, err
		}
		res.Created = true
		res.WebhookID = created.Webhook.ID
	}

	save := state.StaticData{
		WebhookID:  res.WebhookID,
		AgentID:    agentID,
		WebhookURL: sub.URL,
	}
	if n.spec.SecretMode == config.SecretModeRandom {
		save.Secret = secret
	}
	if err := n.deps.Store.SaveSubscription(ctx, n.ref, save); err != nil {
		return res, fmt.Errorf("save node storage: %w", err)
	}

	n.logger.Info("trigger activated",
		"agent_id", agentID,
		"webhook_url", sub.URL,
		"webhook_id", res.WebhookID,
		"created", res.Created,
		"replaced", res.Replaced,
	)
	n.deps.Publisher.Publish(events.TriggerActivated, map[string]any{
		"trigger":       n.spec.Name,
		"workflow_id":   n.spec.WorkflowID,
		"node_id":       n.spec.NodeID,
		"agent_id":      agentID,
		"webhook_url":   sub.URL,
		"webhook_id":    res.WebhookID,
		"created":       res.Created,
		"replaced":      res.Replaced,
		"stale_deleted": res.StaleDeleted,
	})
	return res, nil
}

// replace deletes the records registered for the node's URL. It fails unless
// every one of them is gone, so a record with an outdated secret is never
// left next to the new one.
func (n *TriggerNode) replace(ctx context.Context, sub reconcile.Subscription, matchedID string) (int, error) {
	report, err := n.deps.Reconciler.Delete(ctx, sub)
	if err != nil {
		return 0, fmt.Errorf("replace webhook %s: %w", matchedID, err)
	}
	if report.ListErr != nil {
		return 0, fmt.Errorf("replace webhook %s: %w", matchedID, report.ListErr)
	}
	if report.Failed > 0 {
		return 0, fmt.Errorf("replace webhook %s: %d of %d deletes failed", matchedID, report.Failed, report.Matched)
	}
	n.logger.Info("replaced webhook with outdated secret", "webhook_id", matchedID, "deleted", report.Deleted)
	return report.Deleted, nil
}

// Deactivate removes every subscription belonging to this node. Remote
// failures are reported, not returned.
func (n *TriggerNode) Deactivate(ctx context.Context) (reconcile.DeleteReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return reconcile.DeleteReport{}, fmt.Errorf("load node storage: %w", err)
	}

	agentID := stored.AgentID
	if agentID == "" {
		agentID = paramString(n.params, ParamAgentID, 0)
	}
	if agentID == "" {
		return reconcile.DeleteReport{}, fmt.Errorf("deactivate %s: %w", n.spec.Name, ErrAgentIDRequired)
	}

	secret, err := n.secret(ctx, stored, false)
	if err != nil {
		return reconcile.DeleteReport{}, err
	}

	report, err := n.deps.Reconciler.Delete(ctx, n.subscription(agentID, secret))
	if err != nil {
		return report, err
	}

	if err := n.deps.Store.ClearStatic(ctx, n.ref); err != nil {
		n.logger.Warn("failed to clear node storage", "error", err)
	}

	n.logger.Info("trigger deactivated", "agent_id", agentID, "deleted", report.Deleted, "failed", report.Failed)
	payload := map[string]any{
		"trigger":     n.spec.Name,
		"workflow_id": n.spec.WorkflowID,
		"node_id":     n.spec.NodeID,
		"agent_id":    agentID,
		"matched":     report.Matched,
		"deleted":     report.Deleted,
		"failed":      report.Failed,
	}
	if report.ListErr != nil {
		payload["list_error"] = report.ListErr.Error()
	}
	n.deps.Publisher.Publish(events.TriggerDeactivated, payload)
	return report, nil
}

// Check runs the existence check only. Stale records found along the way
// are still removed.
func (n *TriggerNode) Check(ctx context.Context) (reconcile.ExistsResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return reconcile.ExistsResult{}, fmt.Errorf("load node storage: %w", err)
	}
	return n.check(ctx, stored)
}

// check requires n.mu.
func (n *TriggerNode) check(ctx context.Context, stored state.StaticData) (reconcile.ExistsResult, error) {
	agentID := paramString(n.params, ParamAgentID, 0)
	if agentID == "" {
		return reconcile.ExistsResult{}, fmt.Errorf("check %s: %w", n.spec.Name, ErrAgentIDRequired)
	}
	secret, err := n.secret(ctx, stored, false)
	if err != nil {
		return reconcile.ExistsResult{}, err
	}

	sub := n.subscription(agentID, secret)
	res, err := n.deps.Reconciler.Exists(ctx, sub)
	if err != nil {
		return res, err
	}

	n.deps.Publisher.Publish(events.TriggerChecked, map[string]any{
		"trigger":         n.spec.Name,
		"workflow_id":     n.spec.WorkflowID,
		"node_id":         n.spec.NodeID,
		"agent_id":        agentID,
		"webhook_url":     sub.URL,
		"exists":          res.Exists,
		"secret_mismatch": res.SecretMismatch,
		"stale":           len(res.Stale),
		"deleted":         res.Deleted,
	})
	return res, nil
}

// DriftReport is the outcome of one CheckRegistered pass.
type DriftReport struct {
	// Registered is false when the node was never activated or has been
	// deactivated; nothing else was done.
	Registered bool
	// AgentID and WebhookID are the remembered subscription before the pass.
	AgentID   string
	WebhookID string
	Check     reconcile.ExistsResult
	// Drifted is set when the directory verifiably lacks a usable record.
	Drifted    bool
	Healed     bool
	Activation ActivationResult
}

// CheckRegistered verifies the subscription of a registered node and, with
// heal, restores a missing or outdated one. The node lock is held for the
// whole pass: a concurrent Deactivate runs either before it, and the pass is
// skipped, or after the restore.
func (n *TriggerNode) CheckRegistered(ctx context.Context, heal bool) (DriftReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return DriftReport{}, fmt.Errorf("load node storage: %w", err)
	}
	if stored.AgentID == "" {
		return DriftReport{}, nil
	}

	report := DriftReport{Registered: true, AgentID: stored.AgentID, WebhookID: stored.WebhookID}
	report.Check, err = n.check(ctx, stored)
	if err != nil {
		return report, err
	}
	if report.Check.ListErr != nil || (report.Check.Exists && !report.Check.SecretMismatch) {
		return report, nil
	}

	report.Drifted = true
	n.logger.Warn("subscription drifted",
		"agent_id", stored.AgentID,
		"webhook_id", stored.WebhookID,
		"secret_mismatch", report.Check.SecretMismatch,
	)
	n.deps.Publisher.Publish(events.TriggerDrift, map[string]any{
		"trigger":         n.spec.Name,
		"agent_id":        stored.AgentID,
		"webhook_id":      stored.WebhookID,
		"secret_mismatch": report.Check.SecretMismatch,
		"heal":            heal,
	})
	if !heal {
		return report, nil
	}

	report.Activation, err = n.activate(ctx)
	if err != nil {
		return report, fmt.Errorf("restore subscription: %w", err)
	}
	report.Healed = true
	return report, nil
}

// Handle runs the inbound verifier for one call.
func (n *TriggerNode) Handle(ctx context.Context, header http.Header, body []byte) (trigger.Outcome, error) {
	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return trigger.Outcome{}, fmt.Errorf("load node storage: %w", err)
	}
	secret, err := n.secret(ctx, stored, false)
	if err != nil {
		return trigger.Outcome{}, err
	}
	if secret == "" {
		// Random mode before first activation: nothing can authenticate.
		return trigger.Outcome{Decision: trigger.Rejected, Reason: trigger.ReasonMissingSecret}, nil
	}

	router := trigger.NewRouter(trigger.Config{
		Secret:        secret,
		RequireSecret: paramBool(n.params, ParamRequireSecret, 0),
		Events:        n.events(),
		Filters: trigger.Filters{
			Room:            paramString(n.params, ParamRoom, 0),
			MessageContains: paramString(n.params, ParamMessageContains, 0),
			SenderEmail:     paramString(n.params, ParamSenderEmail, 0),
		},
	})
	return router.Handle(header, body), nil
}

// Status reports the node's configuration and remembered subscription.
func (n *TriggerNode) Status(ctx context.Context) (TriggerStatus, error) {
	stored, err := n.deps.Store.LoadStatic(ctx, n.ref)
	if err != nil {
		return TriggerStatus{}, fmt.Errorf("load node storage: %w", err)
	}
	agentID := stored.AgentID
	if agentID == "" {
		agentID = paramString(n.params, ParamAgentID, 0)
	}
	return TriggerStatus{
		Name:        n.spec.Name,
		WorkflowID:  n.spec.WorkflowID,
		NodeID:      n.spec.NodeID,
		Fingerprint: n.ref.Key,
		AgentID:     agentID,
		Events:      n.events(),
		WebhookURL:  n.WebhookURL(),
		WebhookID:   stored.WebhookID,
		SecretMode:  n.spec.SecretMode,
		Registered:  stored.AgentID != "",
	}, nil
}

func (n *TriggerNode) events() []string {
	ev := paramStrings(n.params, ParamEvents, 0)
	if len(ev) == 0 {
		return []string{config.DefaultEvent}
	}
	return ev
}

func (n *TriggerNode) subscription(agentID, secret string) reconcile.Subscription {
	return reconcile.Subscription{
		AgentID:     agentID,
		URL:         n.WebhookURL(),
		Triggers:    n.events(),
		Secret:      secret,
		Name:        paramString(n.params, ParamWebhookName, 0),
		Description: fmt.Sprintf("joai-gw trigger %s (fingerprint %s)", n.spec.Name, n.ref.Key),
	}
}

// secret returns the node's shared secret. In random mode a missing secret
// is generated only when create is set; otherwise "" is returned.
func (n *TriggerNode) secret(ctx context.Context, stored state.StaticData, create bool) (string, error) {
	switch n.spec.SecretMode {
	case config.SecretModeDerived:
		return identity.SecretToken(n.spec.WorkflowID, n.spec.NodeID), nil
	case config.SecretModeRandom:
		if stored.Secret != "" || !create {
			return stored.Secret, nil
		}
		s, err := identity.GenerateSecret()
		if err != nil {
			return "", err
		}
		// Stored before the subscription that carries it is created.
		if err := n.deps.Store.SaveStatic(ctx, n.ref, state.StaticData{Secret: s}); err != nil {
			return "", fmt.Errorf("save node secret: %w", err)
		}
		return s, nil
	default:
		return "", fmt.Errorf("unknown secret mode %q", n.spec.SecretMode)
	}
}
