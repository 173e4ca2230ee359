package joai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Webhook is a subscription record as the remote directory reports it.
type Webhook struct {
	ID       string
	URL      string
	Name     string
	Triggers []string
	Headers  map[string]string
	Active   bool
}

type webhookWire struct {
	ID       json.RawMessage `json:"id"`
	URL      string          `json:"url"`
	Name     string          `json:"name"`
	Trigger  string          `json:"trigger"`
	Triggers []string        `json:"triggers"`
	Headers  map[string]any  `json:"headers"`
	Active   bool            `json:"active"`
}

// UnmarshalJSON accepts either the scalar trigger or the triggers array and
// tolerates numeric ids and non-string header values.
func (w *Webhook) UnmarshalJSON(b []byte) error {
	var raw webhookWire
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return fmt.Errorf("decode webhook id: %w", err)
	}

	*w = Webhook{
		ID:     id,
		URL:    raw.URL,
		Name:   raw.Name,
		Active: raw.Active,
	}

	seen := make(map[string]struct{}, len(raw.Triggers)+1)
	for _, t := range append([]string{raw.Trigger}, raw.Triggers...) {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		w.Triggers = append(w.Triggers, t)
	}

	if len(raw.Headers) > 0 {
		w.Headers = make(map[string]string, len(raw.Headers))
		for k, v := range raw.Headers {
			switch s := v.(type) {
			case string:
				w.Headers[k] = s
			case nil:
				w.Headers[k] = ""
			default:
				w.Headers[k] = fmt.Sprint(s)
			}
		}
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Header returns a header value using a case-insensitive name match.
func (w Webhook) Header(name string) (string, bool) {
	for k, v := range w.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// HasTriggerInfo reports whether the record carries any trigger.
func (w Webhook) HasTriggerInfo() bool {
	return len(w.Triggers) > 0
}

// Overlaps reports whether the record subscribes to any of the given triggers.
func (w Webhook) Overlaps(triggers []string) bool {
	for _, have := range w.Triggers {
		for _, want := range triggers {
			if have == want {
				return true
			}
		}
	}
	return false
}

// WebhookRequest is the body sent to create a subscription. Both trigger
// forms are sent; the remote API has used each of them.
type WebhookRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Trigger     string            `json:"trigger"`
	Triggers    []string          `json:"triggers"`
	Active      bool              `json:"active"`
	Headers     map[string]string `json:"headers"`
	Description string            `json:"description,omitempty"`
	VerifySSL   bool              `json:"verifySsl"`
	Timeout     int               `json:"timeout"`
	MaxRetries  int               `json:"maxRetries"`
}

type MessageRequest struct {
	Message string `json:"message"`
	Room    string `json:"room"`
}

// EventOption is one entry of the remote event catalogue.
type EventOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// DefaultEvents is used when the remote catalogue is unavailable.
var DefaultEvents = []EventOption{
	{Value: "agent.action", Label: "Agent Action"},
	{Value: "agent.message", Label: "Agent Message"},
	{Value: "user.message", Label: "User Message"},
}

// APIError is a non-2xx response from the JoAi API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("joai %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("joai %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}
