package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultMaxBodySize caps inbound webhook bodies when max_body_size is unset.
const DefaultMaxBodySize = 1048576 // 1 MB

// Load reads and parses configuration from a file.
// A directory argument is resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $JOAI_GW_CONFIG, ~/.config/joai-gw/config.yaml, /etc/joai-gw/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	candidates := []string{}
	if p := os.Getenv("JOAI_GW_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "joai-gw", "config.yaml"))
	}
	candidates = append(candidates, "/etc/joai-gw/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $JOAI_GW_CONFIG, ~/.config/joai-gw, /etc/joai-gw, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.JoAi.BaseURL == "" {
		cfg.JoAi.BaseURL = defaults.JoAi.BaseURL
	}
	cfg.JoAi.BaseURL = strings.TrimRight(cfg.JoAi.BaseURL, "/")
	if cfg.JoAi.Timeout == 0 {
		cfg.JoAi.Timeout = defaults.JoAi.Timeout
	}

	if cfg.Webhooks.Listen == "" {
		cfg.Webhooks.Listen = defaults.Webhooks.Listen
	}
	cfg.Webhooks.PublicURL = strings.TrimRight(cfg.Webhooks.PublicURL, "/")

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	for i := range cfg.Triggers {
		t := &cfg.Triggers[i]
		if t.Name == "" {
			t.Name = t.WorkflowID + "/" + t.NodeID
		}
		if len(t.Events) == 0 {
			t.Events = []string{DefaultEvent}
		}
		if t.WebhookName == "" {
			t.WebhookName = DefaultWebhookName
		}
		if t.SecretMode == "" {
			t.SecretMode = SecretModeDerived
		}
	}
}

// interpolateEnv replaces ${VAR} with the environment value. Unset
// variables are left in place and caught by validation where required.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolvedEnv(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.CheckInterval < 0 || cfg.Service.CheckJitter < 0 || cfg.Service.ExecutionRetention < 0 {
		return fmt.Errorf("service.check_interval, check_jitter and execution_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if _, err := url.ParseRequestURI(cfg.JoAi.BaseURL); err != nil {
		return fmt.Errorf("joai.base_url is invalid: %w", err)
	}
	if err := unresolvedEnv("joai.api_key", cfg.JoAi.APIKey); err != nil {
		return err
	}
	if cfg.JoAi.Timeout < 0 {
		return fmt.Errorf("joai.timeout must not be negative")
	}

	if _, err := ParseMaxBodySize(cfg.Webhooks.MaxBodySize); err != nil {
		return fmt.Errorf("webhooks.max_body_size %q: %w", cfg.Webhooks.MaxBodySize, err)
	}
	if len(cfg.Triggers) > 0 {
		if cfg.Webhooks.PublicURL == "" {
			return fmt.Errorf("webhooks.public_url is required when triggers are configured")
		}
		u, err := url.Parse(cfg.Webhooks.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks.public_url must be an absolute http(s) URL (got %q)", cfg.Webhooks.PublicURL)
		}
	}

	if cfg.API.Enabled {
		if err := unresolvedEnv("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
	}

	names := make(map[string]bool, len(cfg.Triggers))
	identities := make(map[string]bool, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		if t.WorkflowID == "" || t.NodeID == "" {
			return fmt.Errorf("triggers[%d]: workflow_id and node_id are required", i)
		}
		if strings.ContainsAny(t.WorkflowID+t.NodeID, "/?#") {
			return fmt.Errorf("triggers[%d]: workflow_id and node_id must not contain '/', '?' or '#'", i)
		}
		if names[t.Name] {
			return fmt.Errorf("triggers[%d]: duplicate trigger name %q", i, t.Name)
		}
		names[t.Name] = true

		key := t.WorkflowID + "\x00" + t.NodeID
		if identities[key] {
			return fmt.Errorf("triggers[%d] (%s): duplicate workflow_id/node_id pair", i, t.Name)
		}
		identities[key] = true

		if t.SecretMode != SecretModeDerived && t.SecretMode != SecretModeRandom {
			return fmt.Errorf("triggers[%d] (%s): secret_mode must be %q or %q (got %q)",
				i, t.Name, SecretModeDerived, SecretModeRandom, t.SecretMode)
		}
		for _, ev := range t.Events {
			if strings.TrimSpace(ev) == "" {
				return fmt.Errorf("triggers[%d] (%s): empty event type", i, t.Name)
			}
		}
		// agent_id is checked by the node at activation time.
	}

	return nil
}

// ParseMaxBodySize parses size strings like "1MB", "512KB", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result < 0 {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
