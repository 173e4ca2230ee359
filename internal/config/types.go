package config

import "time"

// Config represents the complete joai-gw configuration.
type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	State    StateConfig     `yaml:"state"`
	JoAi     JoAiConfig      `yaml:"joai"`
	Webhooks WebhooksConfig  `yaml:"webhooks"`
	API      APIConfig       `yaml:"api,omitempty"`
	Triggers []TriggerConfig `yaml:"triggers"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// DeactivateOnShutdown removes remote subscriptions when the gateway stops.
	DeactivateOnShutdown bool `yaml:"deactivate_on_shutdown"`

	// CheckInterval enables periodic drift checks of registered triggers.
	// Zero disables them.
	CheckInterval time.Duration `yaml:"check_interval,omitempty"`
	CheckJitter   time.Duration `yaml:"check_jitter,omitempty"`
	// HealDrift re-creates a registered trigger's subscription when a drift
	// check finds it missing.
	HealDrift bool `yaml:"heal_drift,omitempty"`
	// ExecutionRetention prunes finished executions older than this. Zero
	// keeps them forever.
	ExecutionRetention time.Duration `yaml:"execution_retention,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// JoAiConfig is the credential and transport setup for the remote API.
type JoAiConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhooksConfig defines the inbound webhook listener.
type WebhooksConfig struct {
	Listen string `yaml:"listen"`
	// PublicURL is the externally reachable base URL (tunnel, ingress) that
	// the remote service calls back. Rotating it causes drift cleanup on the
	// next activation.
	PublicURL   string `yaml:"public_url"`
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// APIConfig defines the control-plane HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// TriggerConfig declares one trigger node instance.
type TriggerConfig struct {
	Name       string `yaml:"name"`
	WorkflowID string `yaml:"workflow_id"`
	NodeID     string `yaml:"node_id"`
	AgentID    string `yaml:"agent_id"`

	// Events is the trigger set; defaults to agent.message.
	Events      []string `yaml:"events"`
	WebhookName string   `yaml:"webhook_name,omitempty"`
	SecretMode  string   `yaml:"secret_mode,omitempty"`

	// RequireSecret rejects inbound calls that carry no secret header.
	RequireSecret bool          `yaml:"require_secret,omitempty"`
	Filters       FiltersConfig `yaml:"filters,omitempty"`
}

// FiltersConfig holds the optional inbound predicates.
type FiltersConfig struct {
	Room            string `yaml:"room,omitempty"`
	MessageContains string `yaml:"message_contains,omitempty"`
	SenderEmail     string `yaml:"sender_email,omitempty"`
}

// Secret modes.
const (
	SecretModeDerived = "derived"
	SecretModeRandom  = "random"
)

// Defaults used when the config leaves a field empty.
const (
	DefaultBaseURL     = "https://api.joai.com"
	DefaultWebhookName = "joai-gw webhook"
	DefaultEvent       = "agent.message"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "joai-gw",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		JoAi: JoAiConfig{
			BaseURL: DefaultBaseURL,
			Timeout: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Listen: "127.0.0.1:8081",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// Trigger returns the trigger with the given name.
func (c *Config) Trigger(name string) (TriggerConfig, bool) {
	for _, t := range c.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return TriggerConfig{}, false
}
