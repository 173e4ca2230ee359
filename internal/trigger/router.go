// Package trigger authenticates inbound JoAi webhook calls, filters them
// against a node's configuration and projects accepted envelopes into
// workflow items.
package trigger

import (
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/joai-gw/internal/identity"
)

type Decision int

const (
	Accepted Decision = iota
	Suppressed
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Suppressed:
		return "suppressed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Suppression and rejection reasons.
const (
	ReasonMalformed       = "malformed"
	ReasonEventFiltered   = "event_filtered"
	ReasonRoomMismatch    = "room_mismatch"
	ReasonMessageMismatch = "message_mismatch"
	ReasonSenderMismatch  = "sender_mismatch"
	ReasonInvalidSecret   = "invalid_secret"
	ReasonMissingSecret   = "missing_secret"
)

// RejectMessage is the 403 body message for failed authentication.
const RejectMessage = "Invalid webhook secret"

// Outcome is the result of one inbound call.
type Outcome struct {
	Decision Decision
	Reason   string
	Event    string
	Items    []map[string]any
}

// HTTPStatus is the status the endpoint answers with. Only authentication
// failures produce an error status.
func (o Outcome) HTTPStatus() int {
	if o.Decision == Rejected {
		return http.StatusForbidden
	}
	return http.StatusOK
}

// Filters are the optional, AND-combined content predicates. An empty
// field always passes.
type Filters struct {
	Room            string
	MessageContains string
	SenderEmail     string
}

type predicate struct {
	reason string
	match  func(Payload) bool
}

func (f Filters) predicates() []predicate {
	var out []predicate
	if f.Room != "" {
		out = append(out, predicate{ReasonRoomMismatch, func(p Payload) bool {
			room, ok := p.Room()
			return ok && room == f.Room
		}})
	}
	if f.MessageContains != "" {
		needle := strings.ToLower(f.MessageContains)
		out = append(out, predicate{ReasonMessageMismatch, func(p Payload) bool {
			text, ok := p.Text()
			return ok && strings.Contains(strings.ToLower(text), needle)
		}})
	}
	if f.SenderEmail != "" {
		out = append(out, predicate{ReasonSenderMismatch, func(p Payload) bool {
			email, ok := p.SenderEmail()
			return ok && email == f.SenderEmail
		}})
	}
	return out
}

// Config is the per-node verifier setup.
type Config struct {
	Secret        string
	RequireSecret bool
	Events        []string
	Filters       Filters
}

// Router runs the inbound pipeline for one trigger node.
type Router struct {
	secret        string
	requireSecret bool
	events        map[string]struct{}
	predicates    []predicate
	now           func() time.Time
}

func NewRouter(cfg Config) *Router {
	events := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = struct{}{}
	}
	return &Router{
		secret:        cfg.Secret,
		requireSecret: cfg.RequireSecret,
		events:        events,
		predicates:    cfg.Filters.predicates(),
		now:           time.Now,
	}
}

// Handle authenticates, validates, filters and projects one call.
// Authentication runs first so a forged call is rejected whatever its body.
func (r *Router) Handle(header http.Header, body []byte) Outcome {
	if o, ok := r.authenticate(header); !ok {
		return o
	}

	env, ok := parseEnvelope(body)
	if !ok {
		return Outcome{Decision: Suppressed, Reason: ReasonMalformed}
	}

	if _, ok := r.events[env.Event]; !ok {
		return Outcome{Decision: Suppressed, Reason: ReasonEventFiltered, Event: env.Event}
	}

	for _, p := range r.predicates {
		if !p.match(env.Payload) {
			return Outcome{Decision: Suppressed, Reason: p.reason, Event: env.Event}
		}
	}

	return Outcome{
		Decision: Accepted,
		Event:    env.Event,
		Items:    []map[string]any{r.project(env)},
	}
}

func (r *Router) authenticate(header http.Header) (Outcome, bool) {
	got := header.Get(identity.SecretHeader)
	if got == "" {
		if r.requireSecret {
			return Outcome{Decision: Rejected, Reason: ReasonMissingSecret}, false
		}
		return Outcome{}, true
	}
	if r.secret == "" {
		return Outcome{}, true
	}
	if eq, _ := secretsEqual(r.secret, got); !eq {
		return Outcome{Decision: Rejected, Reason: ReasonInvalidSecret}, false
	}
	return Outcome{}, true
}

var aliasFields = []string{"message_id", "content", "message", "sender", "room", "user"}

func (r *Router) project(env Envelope) map[string]any {
	item := map[string]any{
		"event":     env.Event,
		"timestamp": env.Timestamp,
		"data":      env.Payload.Raw(),
	}
	if item["timestamp"] == nil {
		item["timestamp"] = r.now().UTC().Format(time.RFC3339)
	}
	if env.Webhookable != nil {
		item["agent"] = normalizeAgent(env.Webhookable)
	}
	if env.Webhook != nil {
		item["webhook"] = env.Webhook
	}
	for _, k := range aliasFields {
		if v, ok := env.Payload.Field(k); ok {
			item[k] = v
		}
	}
	return item
}

func normalizeAgent(wa map[string]any) map[string]any {
	agent := make(map[string]any, 4)
	for _, k := range []string{"type", "uuid", "name", "description"} {
		agent[k] = wa[k]
	}
	return agent
}
