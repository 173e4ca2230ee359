package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
service:
  name: joai-test
  log_level: DEBUG
  check_interval: 10m
  heal_drift: true
  execution_retention: 168h
state:
  path: /tmp/joai/state.db
joai:
  base_url: https://api.example.test/
  api_key: ${JOAI_TEST_KEY}
webhooks:
  listen: 127.0.0.1:9091
  public_url: https://abc.ngrok.app/
  max_body_size: 512KB
triggers:
  - name: support
    workflow_id: wf1
    node_id: n1
    agent_id: 07f3169e-e7f0-4394-8e7b-5446e8e1fcb6
    events: [agent.message, user.message]
    filters:
      room: r1
      message_contains: help
  - workflow_id: wf2
    node_id: n2
    agent_id: a2
    secret_mode: random
    require_secret: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndInterpolation(t *testing.T) {
	t.Setenv("JOAI_TEST_KEY", "sk-test")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "joai-test", cfg.Service.Name)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "https://api.example.test", cfg.JoAi.BaseURL)
	assert.Equal(t, "sk-test", cfg.JoAi.APIKey)
	assert.Equal(t, 30*time.Second, cfg.JoAi.Timeout)
	assert.Equal(t, "https://abc.ngrok.app", cfg.Webhooks.PublicURL)
	assert.Equal(t, 10*time.Minute, cfg.Service.CheckInterval)
	assert.Zero(t, cfg.Service.CheckJitter)
	assert.True(t, cfg.Service.HealDrift)
	assert.Equal(t, 168*time.Hour, cfg.Service.ExecutionRetention)

	require.Len(t, cfg.Triggers, 2)
	support := cfg.Triggers[0]
	assert.Equal(t, []string{"agent.message", "user.message"}, support.Events)
	assert.Equal(t, DefaultWebhookName, support.WebhookName)
	assert.Equal(t, SecretModeDerived, support.SecretMode)
	assert.Equal(t, "r1", support.Filters.Room)

	second := cfg.Triggers[1]
	assert.Equal(t, "wf2/n2", second.Name)
	assert.Equal(t, []string{DefaultEvent}, second.Events)
	assert.Equal(t, SecretModeRandom, second.SecretMode)
	assert.True(t, second.RequireSecret)

	tr, ok := cfg.Trigger("support")
	assert.True(t, ok)
	assert.Equal(t, "wf1", tr.WorkflowID)
	_, ok = cfg.Trigger("missing")
	assert.False(t, ok)
}

func TestLoadDirectoryResolvesConfigYAML(t *testing.T) {
	t.Setenv("JOAI_TEST_KEY", "k")
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, cfg.Triggers, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad log level",
			body:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "negative check interval",
			body:    "service:\n  check_interval: -5m\n",
			wantErr: "must not be negative",
		},
		{
			name:    "unresolved api key",
			body:    "joai:\n  api_key: ${JOAI_DEFINITELY_UNSET_VAR}\n",
			wantErr: "JOAI_DEFINITELY_UNSET_VAR",
		},
		{
			name:    "triggers without public url",
			body:    "triggers:\n  - workflow_id: w\n    node_id: n\n",
			wantErr: "public_url",
		},
		{
			name:    "relative public url",
			body:    "webhooks:\n  public_url: /hooks\ntriggers:\n  - workflow_id: w\n    node_id: n\n",
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "missing node id",
			body:    "webhooks:\n  public_url: https://x.test\ntriggers:\n  - workflow_id: w\n",
			wantErr: "workflow_id and node_id are required",
		},
		{
			name: "duplicate identity",
			body: "webhooks:\n  public_url: https://x.test\ntriggers:\n" +
				"  - {name: a, workflow_id: w, node_id: n}\n  - {name: b, workflow_id: w, node_id: n}\n",
			wantErr: "duplicate workflow_id/node_id",
		},
		{
			name:    "bad secret mode",
			body:    "webhooks:\n  public_url: https://x.test\ntriggers:\n  - {workflow_id: w, node_id: n, secret_mode: hmac}\n",
			wantErr: "secret_mode",
		},
		{
			name:    "api enabled without key",
			body:    "api:\n  enabled: true\n",
			wantErr: "api.api_key is required",
		},
		{
			name:    "bad body size",
			body:    "webhooks:\n  max_body_size: lots\n",
			wantErr: "max_body_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Service.Name, cfg.Service.Name)
	assert.Equal(t, DefaultBaseURL, cfg.JoAi.BaseURL)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Listen)
}

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"4kb", 4096, false},
		{"1MB", 1 << 20, false},
		{"1GB", 1 << 30, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMaxBodySize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
