package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	AutoResponder AutoResponderConfig `yaml:"autoresponder"`
}

// AutoResponderConfig is the project configuration.
type AutoResponderConfig struct {
	RunID     string          `yaml:"run_id"`
	OutputDir string          `yaml:"output_dir"`
	Input     InputConfig     `yaml:"input"`
	Rules     RulesConfig     `yaml:"rules"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Planner   PlannerConfig   `yaml:"planner"`
	Targets   TargetsConfig   `yaml:"targets"`
	Agent     AgentConfig     `yaml:"agent"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Records   RecordsConfig   `yaml:"records"`
	Ops       OpsConfig       `yaml:"ops"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InputConfig controls the alert source.
type InputConfig struct {
	Mode         string        `yaml:"mode"` // file|redis
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	BatchSize    int           `yaml:"batch_size"`
}

// RulesConfig controls optional Sigma rules for the confidence filter.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DedupConfig controls deduplication state.
type DedupConfig struct {
	Window time.Duration `yaml:"window"`
	Store  string        `yaml:"store"` // file|redis
	File   string        `yaml:"file"`
	Redis  RedisConfig   `yaml:"redis"`
}

// PlannerConfig controls the planning service client.
type PlannerConfig struct {
	URL         string            `yaml:"url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Temperature *float64          `yaml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens"`
	Headers     map[string]string `yaml:"headers"`
}

// TargetsConfig maps executor IPs to remediation targets.
type TargetsConfig struct {
	Rules []TargetRule `yaml:"rules"`
}

// TargetRule is one IP-prefix rule.
type TargetRule struct {
	Prefix   string `yaml:"prefix"`
	Role     string `yaml:"role"`
	TargetIP string `yaml:"target_ip"`
	Machine  string `yaml:"machine"`
}

// AgentConfig controls the remote execution agent client.
type AgentConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Port           int           `yaml:"port"`
	AgentName      string        `yaml:"agent_name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	AbortPause     time.Duration `yaml:"abort_pause"`
}

// DispatchConfig controls the dispatcher and completion poller.
type DispatchConfig struct {
	Workers          int           `yaml:"workers"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	MinGoneElapsed   time.Duration `yaml:"min_gone_elapsed"`
	MaxRetries       int           `yaml:"max_retries"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// RecordsConfig controls the execution record sink.
type RecordsConfig struct {
	Mode       string                 `yaml:"mode"` // file|http|clickhouse|nats
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	NATS       NATSOutputConfig       `yaml:"nats"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// NATSOutputConfig config for publishing records to NATS.
type NATSOutputConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// OpsConfig controls the operational HTTP endpoint.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output. Enabled and Console default to
// true when unset.
type LoggingConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console *bool  `yaml:"console"`
	Format  string `yaml:"format"`
}

// IsEnabled reports whether logging is on.
func (l LoggingConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// ToConsole reports whether logs are mirrored to stdout.
func (l LoggingConfig) ToConsole() bool {
	return l.Console == nil || *l.Console
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overrides file values with the recognized environment variables.
func ApplyEnv(cfg *Config) {
	ApplyEnvFrom(cfg, os.Getenv)
}

// ApplyEnvFrom is ApplyEnv with an injectable lookup.
func ApplyEnvFrom(cfg *Config, getenv func(string) string) {
	ar := &cfg.AutoResponder
	if v := getenv("RUN_ID"); v != "" {
		ar.RunID = v
	}
	if v := getenv("OUTPUT_DIR"); v != "" {
		ar.OutputDir = v
	}
	if v := getenv("ALERT_FILE"); v != "" {
		ar.Input.File = v
	}
	if v := getenv("PLANNER_URL"); v != "" {
		ar.Planner.URL = v
	}
	if v := getenv("OPENCODE_URL"); v != "" {
		ar.Agent.BaseURL = v
	}
	if v, ok := envInt(getenv, "OPENCODE_PORT"); ok {
		ar.Agent.Port = v
	}
	if v, ok := envSeconds(getenv, "AUTO_RESPONDER_INTERVAL"); ok {
		ar.Input.PollInterval = v
	}
	if v, ok := envSeconds(getenv, "OPENCODE_TIMEOUT"); ok {
		ar.Dispatch.ExecutionTimeout = v
	}
	if v, ok := envInt(getenv, "MAX_EXECUTION_RETRIES"); ok {
		ar.Dispatch.MaxRetries = v
	}
	if v, ok := envSeconds(getenv, "DEDUP_WINDOW_SECONDS"); ok {
		ar.Dedup.Window = v
	}
	if v, ok := envSeconds(getenv, "STATUS_POLL_INTERVAL"); ok {
		ar.Dispatch.StatusInterval = v
	}
	if v, ok := envBool(getenv, "LOG_ENABLED"); ok {
		ar.Logging.Enabled = &v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		ar.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("LOG_FORMAT")); v != "" {
		ar.Logging.Format = v
	}
	if v := strings.TrimSpace(getenv("LOG_FILE")); v != "" {
		ar.Logging.File = v
	}
}

func envBool(getenv func(string) string, key string) (bool, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envInt(getenv func(string) string, key string) (int, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// envSeconds accepts plain (possibly fractional) seconds or a Go duration.
func envSeconds(getenv func(string) string, key string) (time.Duration, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	return 0, false
}
