package trigger

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Envelope is the inbound webhook body after shape validation.
type Envelope struct {
	Event       string
	Timestamp   any
	Webhookable map[string]any
	Webhook     any
	Payload     Payload
}

// Payload wraps the event-specific body. Its fields are all optional and
// reached through accessors so an absent field is never confused with an
// empty one.
type Payload struct {
	fields map[string]any
}

// NewPayload wraps a decoded JSON object.
func NewPayload(fields map[string]any) Payload {
	return Payload{fields: fields}
}

// Raw returns the underlying object.
func (p Payload) Raw() map[string]any {
	return p.fields
}

// Field returns a top-level field when present and non-null.
func (p Payload) Field(name string) (any, bool) {
	v, ok := p.fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Room returns the room identifier. A room object yields its uuid, then id.
func (p Payload) Room() (string, bool) {
	v, ok := p.Field("room")
	if !ok {
		return "", false
	}
	switch r := v.(type) {
	case string:
		return r, true
	case map[string]any:
		for _, k := range []string{"uuid", "id"} {
			if s, ok := stringField(r, k); ok {
				return s, true
			}
		}
	case float64:
		return strconv.FormatFloat(r, 'f', -1, 64), true
	}
	return "", false
}

// Text returns the message body, preferring "message" over "content".
func (p Payload) Text() (string, bool) {
	for _, k := range []string{"message", "content"} {
		v, ok := p.Field(k)
		if !ok {
			continue
		}
		switch m := v.(type) {
		case string:
			return m, true
		case map[string]any:
			if s, ok := stringField(m, "content"); ok {
				return s, true
			}
		}
	}
	return "", false
}

// SenderEmail returns sender.email, falling back to user.email.
func (p Payload) SenderEmail() (string, bool) {
	for _, k := range []string{"sender", "user"} {
		v, ok := p.Field(k)
		if !ok {
			continue
		}
		if obj, ok := v.(map[string]any); ok {
			if s, ok := stringField(obj, "email"); ok {
				return s, true
			}
		}
	}
	return "", false
}

// parseEnvelope validates the body shape. The payload is the "data" object
// when present, otherwise the whole body.
func parseEnvelope(body []byte) (Envelope, bool) {
	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return Envelope{}, false
	}

	event, _ := top["event"].(string)
	event = strings.TrimSpace(event)
	if event == "" {
		return Envelope{}, false
	}

	env := Envelope{
		Event:     event,
		Timestamp: top["timestamp"],
		Webhook:   top["webhook"],
		Payload:   NewPayload(top),
	}
	if data, ok := top["data"].(map[string]any); ok {
		env.Payload = NewPayload(data)
	}
	if wa, ok := top["webhookable"].(map[string]any); ok {
		env.Webhookable = wa
	}
	return env, true
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
