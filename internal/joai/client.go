// Package joai is a thin client for the JoAi agent API: the webhook
// directory used by triggers and the message endpoints used by senders.
package joai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/joai-gw/internal/log"
)

const maxResponseBytes = 4 << 20

// Client talks to the JoAi API with a static bearer key. It does not retry.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A zero timeout means 30s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("joai"),
	}
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// BaseURL returns the API root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// ListWebhooks returns every subscription registered for the agent.
func (c *Client) ListWebhooks(ctx context.Context, agentID string) ([]Webhook, error) {
	var resp struct {
		Data []Webhook `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(agentID, "webhooks"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateWebhook registers a subscription. The created record is returned
// when the API echoes it back; otherwise a zero Webhook.
func (c *Client) CreateWebhook(ctx context.Context, agentID string, req WebhookRequest) (Webhook, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, agentPath(agentID, "webhooks"), req, &raw); err != nil {
		return Webhook{}, err
	}

	var created Webhook
	if obj, ok := unwrapData(raw); ok {
		if err := json.Unmarshal(obj, &created); err != nil {
			c.logger.Debug("create webhook response not a record", "error", err)
			return Webhook{}, nil
		}
	}
	return created, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, agentID, webhookID string) error {
	if webhookID == "" {
		return fmt.Errorf("webhook id is empty")
	}
	return c.do(ctx, http.MethodDelete, agentPath(agentID, "webhooks", webhookID), nil, nil)
}

// Execute sends a message to the agent as a user.
func (c *Client) Execute(ctx context.Context, agentID string, msg MessageRequest) (map[string]any, error) {
	return c.sendMessage(ctx, agentPath(agentID, "execute"), msg)
}

// ExecuteAsAgent posts a message into a room as the agent.
func (c *Client) ExecuteAsAgent(ctx context.Context, agentID string, msg MessageRequest) (map[string]any, error) {
	return c.sendMessage(ctx, agentPath(agentID, "execute", "as-agent"), msg)
}

func (c *Client) sendMessage(ctx context.Context, path string, msg MessageRequest) (map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, path, msg, &raw); err != nil {
		return nil, err
	}
	return responseItem(raw), nil
}

// WebhookEvents returns the remote event catalogue, falling back to
// DefaultEvents on any error or empty answer.
func (c *Client) WebhookEvents(ctx context.Context) []EventOption {
	var resp struct {
		Data struct {
			Events json.RawMessage `json:"events"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/webhooks/events", nil, &resp); err != nil {
		c.logger.Debug("event catalogue unavailable, using defaults", "error", err)
		return DefaultEvents
	}
	events := decodeEventCatalogue(resp.Data.Events)
	if len(events) == 0 {
		return DefaultEvents
	}
	return events
}

// Ping checks that the credential is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("joai request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("joai %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("joai request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode joai %s %s: %w", method, path, err)
	}
	return nil
}

func agentPath(agentID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/agents/")
	b.WriteString(url.PathEscape(agentID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// unwrapData returns the "data" member when it holds an object, else the
// whole body when that is an object.
func unwrapData(raw json.RawMessage) (json.RawMessage, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, false
	}
	if d, ok := top["data"]; ok && isObject(d) {
		return d, true
	}
	return raw, true
}

// responseItem shapes an execute response into an output item: the data
// member when it is truthy, otherwise the whole body.
func responseItem(raw json.RawMessage) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return map[string]any{"response": string(raw)}
	}

	top, ok := body.(map[string]any)
	if !ok {
		return map[string]any{"response": body}
	}
	data, present := top["data"]
	if !present || !truthy(data) {
		return top
	}
	if obj, ok := data.(map[string]any); ok {
		return obj
	}
	return map[string]any{"data": data}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// decodeEventCatalogue accepts either a keyed object of options or a list.
func decodeEventCatalogue(raw json.RawMessage) []EventOption {
	if len(raw) == 0 {
		return nil
	}

	var keyed map[string]EventOption
	if err := json.Unmarshal(raw, &keyed); err == nil {
		out := make([]EventOption, 0, len(keyed))
		for k, opt := range keyed {
			if opt.Value == "" {
				opt.Value = k
			}
			if opt.Label == "" {
				opt.Label = opt.Value
			}
			out = append(out, opt)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
		return out
	}

	var list []EventOption
	if err := json.Unmarshal(raw, &list); err == nil {
		out := list[:0]
		for _, opt := range list {
			if opt.Value != "" {
				out = append(out, opt)
			}
		}
		return out
	}
	return nil
}
