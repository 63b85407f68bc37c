package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesDurationsAndRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoresponder.yml")
	body := `
autoresponder:
  run_id: exp_01
  input:
    file: /tmp/alerts.ndjson
    poll_interval: 2s
  dedup:
    window: 90s
  targets:
    rules:
      - prefix: "10.0.0."
        role: server
        target_ip: 10.0.0.9
        machine: web
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	ApplyDefaults(cfg)

	ar := cfg.AutoResponder
	assert.Equal(t, "exp_01", ar.RunID)
	assert.Equal(t, 2*time.Second, ar.Input.PollInterval)
	assert.Equal(t, 90*time.Second, ar.Dedup.Window)
	require.Len(t, ar.Targets.Rules, 1)
	assert.Equal(t, "web", ar.Targets.Rules[0].Machine)
	assert.Equal(t, filepath.Join("/outputs", "exp_01", "processed_alerts.json"), ar.Dedup.File)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	ar := cfg.AutoResponder
	assert.Equal(t, "run_local", ar.RunID)
	assert.Equal(t, 300*time.Second, ar.Dedup.Window)
	assert.Equal(t, 300*time.Second, ar.Dispatch.ExecutionTimeout)
	assert.Equal(t, 3, ar.Dispatch.MaxRetries)
	assert.Equal(t, 4096, ar.Agent.Port)
	assert.Equal(t, "file", ar.Records.Mode)
	assert.Len(t, ar.Targets.Rules, 2)
}

func TestApplyEnvFromOverridesFileValues(t *testing.T) {
	cfg := &Config{}
	cfg.AutoResponder.Planner.URL = "http://file-value/plan"

	env := map[string]string{
		"RUN_ID":                  "env_run",
		"ALERT_FILE":              "/data/alerts.ndjson",
		"PLANNER_URL":             "http://planner:1654/plan",
		"AUTO_RESPONDER_INTERVAL": "0.5",
		"OPENCODE_TIMEOUT":        "120",
		"MAX_EXECUTION_RETRIES":   "5",
		"DEDUP_WINDOW_SECONDS":    "60",
		"STATUS_POLL_INTERVAL":    "1500ms",
		"OPENCODE_PORT":           "not-a-number",
	}
	ApplyEnvFrom(cfg, func(k string) string { return env[k] })

	ar := cfg.AutoResponder
	assert.Equal(t, "env_run", ar.RunID)
	assert.Equal(t, "/data/alerts.ndjson", ar.Input.File)
	assert.Equal(t, "http://planner:1654/plan", ar.Planner.URL)
	assert.Equal(t, 500*time.Millisecond, ar.Input.PollInterval)
	assert.Equal(t, 120*time.Second, ar.Dispatch.ExecutionTimeout)
	assert.Equal(t, 5, ar.Dispatch.MaxRetries)
	assert.Equal(t, 60*time.Second, ar.Dedup.Window)
	assert.Equal(t, 1500*time.Millisecond, ar.Dispatch.StatusInterval)
	assert.Equal(t, 0, ar.Agent.Port)
}

func TestLoggingOnByDefaultWithoutConfigFile(t *testing.T) {
	cfg := &Config{}
	ApplyEnvFrom(cfg, func(string) string { return "" })
	ApplyDefaults(cfg)

	lg := cfg.AutoResponder.Logging
	assert.True(t, lg.IsEnabled())
	assert.True(t, lg.ToConsole())
	assert.Equal(t, "info", lg.Level)
	assert.Equal(t, filepath.Join("/outputs", "run_local", "auto_responder_detailed.log"), lg.File)
}

func TestLoggingEnvOverrides(t *testing.T) {
	env := map[string]string{"LOG_ENABLED": "false", "LOG_LEVEL": "debug", "LOG_FORMAT": "json"}
	cfg := &Config{}
	ApplyEnvFrom(cfg, func(k string) string { return env[k] })
	ApplyDefaults(cfg)

	lg := cfg.AutoResponder.Logging
	assert.False(t, lg.IsEnabled())
	assert.Equal(t, "debug", lg.Level)
	assert.Equal(t, "json", lg.Format)
}

func TestLoggingExplicitlyDisabledInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoresponder.yml")
	body := "autoresponder:\n  logging:\n    enabled: false\n    console: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	ApplyDefaults(cfg)
	assert.False(t, cfg.AutoResponder.Logging.IsEnabled())
	assert.False(t, cfg.AutoResponder.Logging.ToConsole())
}
