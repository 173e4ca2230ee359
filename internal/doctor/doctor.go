// Package doctor validates joai-gw configuration beyond what loading
// enforces: credentials, trigger wiring and reachability hints.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the event catalogue.
type Doctor struct {
	cfg     *config.Config
	events  map[string]bool
	checkFS func(path string) error
}

// New creates a Doctor. A nil catalogue falls back to joai.DefaultEvents.
func New(cfg *config.Config, catalogue []joai.EventOption) *Doctor {
	if catalogue == nil {
		catalogue = joai.DefaultEvents
	}
	known := make(map[string]bool, len(catalogue))
	for _, ev := range catalogue {
		known[ev.Value] = true
	}
	return &Doctor{cfg: cfg, events: known, checkFS: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCredentials(r)
	d.validateListeners(r)
	d.validateStatePath(r)
	d.validateTriggers(r)
	d.warnPublicURL(r)
	d.warnExposedAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCredentials checks the remote API key.
func (d *Doctor) validateCredentials(r *Result) {
	if d.cfg.JoAi.APIKey == "" {
		d.addError(r, "credentials", "joai.api_key", "api_key is required to manage subscriptions and send messages")
	}
}

// validateListeners checks that the two HTTP surfaces do not collide.
func (d *Doctor) validateListeners(r *Result) {
	if d.cfg.Webhooks.Listen == "" {
		d.addError(r, "listeners", "webhooks.listen", "webhooks.listen is required")
	}
	if d.cfg.API.Enabled && d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "listeners", "api.listen",
			fmt.Sprintf("api.listen %q is also used by webhooks.listen", d.cfg.API.Listen))
	}
}

// validateStatePath refuses state on a network mount. Other detection
// failures are not the config's fault and are ignored.
func (d *Doctor) validateStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	var nfsErr *storage.NetworkFilesystemError
	if err := d.checkFS(d.cfg.State.Path); errors.As(err, &nfsErr) {
		d.addError(r, "state", "state.path", nfsErr.Error())
	}
}

// validateTriggers checks each trigger's agent, events and filters.
func (d *Doctor) validateTriggers(r *Result) {
	if len(d.cfg.Triggers) == 0 {
		d.addWarning(r, "triggers", "triggers", "no triggers configured; the gateway will only send messages")
		return
	}

	for i, t := range d.cfg.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)

		if t.AgentID == "" {
			d.addError(r, "triggers", field+".agent_id",
				fmt.Sprintf("trigger %q: agent_id is required to activate", t.Name))
		}

		for j, ev := range t.Events {
			if !d.events[ev] {
				d.addWarning(r, "triggers", fmt.Sprintf("%s.events[%d]", field, j),
					fmt.Sprintf("trigger %q: event %q is not in the known catalogue", t.Name, ev))
			}
		}

		if email := t.Filters.SenderEmail; email != "" && !strings.Contains(email, "@") {
			d.addWarning(r, "triggers", field+".filters.sender_email",
				fmt.Sprintf("trigger %q: sender_email %q does not look like an address", t.Name, email))
		}

		if t.SecretMode == config.SecretModeRandom && !t.RequireSecret {
			d.addWarning(r, "triggers", field+".require_secret",
				fmt.Sprintf("trigger %q: random secrets are only enforced on calls that carry the header; consider require_secret", t.Name))
		}
	}
}

// warnPublicURL flags callback URLs the remote service cannot reach safely.
func (d *Doctor) warnPublicURL(r *Result) {
	raw := d.cfg.Webhooks.PublicURL
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	if u.Scheme == "http" {
		d.addWarning(r, "webhooks", "webhooks.public_url",
			"public_url uses plain http; secrets travel in a request header")
	}
	if isLoopback(u.Hostname()) {
		d.addWarning(r, "webhooks", "webhooks.public_url",
			fmt.Sprintf("public_url host %q is not reachable from the remote service", u.Hostname()))
	}
}

// warnExposedAPI flags a control API bound beyond loopback.
func (d *Doctor) warnExposedAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("control API listens on %q; it can create and delete remote subscriptions", d.cfg.API.Listen))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
