// Package node hosts the JoAi trigger and send-message nodes: the lifecycle
// glue between configuration, node storage and the reconciler.
package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/state"
)

// ParameterSource yields configured node parameters, optionally per item.
type ParameterSource interface {
	Get(name string, itemIndex int) (any, bool)
}

// URLProvider returns the public callback URL for a node instance.
type URLProvider interface {
	WebhookURL(workflowID, nodeID string) string
}

// StaticStore is node-instance scoped storage. *state.Store satisfies it.
type StaticStore interface {
	LoadStatic(ctx context.Context, ref state.NodeRef) (state.StaticData, error)
	SaveStatic(ctx context.Context, ref state.NodeRef, data state.StaticData) error
	SaveSubscription(ctx context.Context, ref state.NodeRef, data state.StaticData) error
	ClearStatic(ctx context.Context, ref state.NodeRef) error
}

// Parameter names.
const (
	ParamAgentID         = "agent_id"
	ParamEvents          = "events"
	ParamWebhookName     = "webhook_name"
	ParamRoom            = "room"
	ParamMessageContains = "message_contains"
	ParamSenderEmail     = "sender_email"
	ParamRequireSecret   = "require_secret"
	ParamOperation       = "operation"
	ParamMessage         = "message"
)

// ConfigParams serves trigger parameters from a config entry. The item
// index is ignored.
type ConfigParams config.TriggerConfig

func (p ConfigParams) Get(name string, _ int) (any, bool) {
	switch name {
	case ParamAgentID:
		return p.AgentID, p.AgentID != ""
	case ParamEvents:
		return p.Events, len(p.Events) > 0
	case ParamWebhookName:
		return p.WebhookName, p.WebhookName != ""
	case ParamRoom:
		return p.Filters.Room, p.Filters.Room != ""
	case ParamMessageContains:
		return p.Filters.MessageContains, p.Filters.MessageContains != ""
	case ParamSenderEmail:
		return p.Filters.SenderEmail, p.Filters.SenderEmail != ""
	case ParamRequireSecret:
		return p.RequireSecret, true
	}
	return nil, false
}

// ItemParams reads parameters from each input item, falling back to
// Defaults.
type ItemParams struct {
	Items    []map[string]any
	Defaults map[string]any
}

func (p ItemParams) Get(name string, itemIndex int) (any, bool) {
	if itemIndex >= 0 && itemIndex < len(p.Items) {
		if v, ok := p.Items[itemIndex][name]; ok && v != nil {
			return v, true
		}
	}
	v, ok := p.Defaults[name]
	return v, ok && v != nil
}

func paramString(ps ParameterSource, name string, itemIndex int) string {
	v, ok := ps.Get(name, itemIndex)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func paramStrings(ps ParameterSource, name string, itemIndex int) []string {
	v, ok := ps.Get(name, itemIndex)
	if !ok {
		return nil
	}
	var out []string
	switch s := v.(type) {
	case []string:
		out = append(out, s...)
	case []any:
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
	case string:
		out = strings.Split(s, ",")
	}

	cleaned := out[:0]
	for _, e := range out {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return cleaned
}

func paramBool(ps ParameterSource, name string, itemIndex int) bool {
	v, ok := ps.Get(name, itemIndex)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
