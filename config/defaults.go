package config

import (
	"path/filepath"
	"time"
)

// DefaultTargetRules mirrors the cyber-range topology.
func DefaultTargetRules() []TargetRule {
	return []TargetRule{
		{Prefix: "172.31.0.", Role: "server", TargetIP: "172.31.0.10", Machine: "server"},
		{Prefix: "172.30.0.", Role: "compromised", TargetIP: "172.30.0.10", Machine: "compromised"},
	}
}

// ApplyDefaults fills unset values.
func ApplyDefaults(cfg *Config) {
	ar := &cfg.AutoResponder

	if ar.RunID == "" {
		ar.RunID = "run_local"
	}
	if ar.OutputDir == "" {
		ar.OutputDir = "/outputs"
	}
	runDir := filepath.Join(ar.OutputDir, ar.RunID)

	if ar.Input.Mode == "" {
		ar.Input.Mode = "file"
	}
	if ar.Input.File == "" {
		ar.Input.File = filepath.Join(runDir, "defender_alerts.ndjson")
	}
	if ar.Input.PollInterval <= 0 {
		ar.Input.PollInterval = 5 * time.Second
	}
	if ar.Input.Redis.Addr == "" {
		ar.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if ar.Input.Redis.Key == "" {
		ar.Input.Redis.Key = "defender_alerts"
	}
	if ar.Input.Redis.BlockTimeout <= 0 {
		ar.Input.Redis.BlockTimeout = time.Second
	}
	if ar.Input.Redis.BatchSize <= 0 {
		ar.Input.Redis.BatchSize = 500
	}

	if ar.Dedup.Window <= 0 {
		ar.Dedup.Window = 300 * time.Second
	}
	if ar.Dedup.Store == "" {
		ar.Dedup.Store = "file"
	}
	if ar.Dedup.File == "" {
		ar.Dedup.File = filepath.Join(runDir, "processed_alerts.json")
	}
	if ar.Dedup.Redis.Addr == "" {
		ar.Dedup.Redis.Addr = ar.Input.Redis.Addr
	}
	if ar.Dedup.Redis.Key == "" {
		ar.Dedup.Redis.Key = "autoresponder:" + ar.RunID + ":dedup_state"
	}

	if ar.Planner.URL == "" {
		ar.Planner.URL = "http://127.0.0.1:1654/plan"
	}
	if ar.Planner.Timeout <= 0 {
		ar.Planner.Timeout = 30 * time.Second
	}

	if len(ar.Targets.Rules) == 0 {
		ar.Targets.Rules = DefaultTargetRules()
	}

	if ar.Agent.Port <= 0 {
		ar.Agent.Port = 4096
	}
	if ar.Agent.AgentName == "" {
		ar.Agent.AgentName = "soc_god"
	}
	if ar.Agent.RequestTimeout <= 0 {
		ar.Agent.RequestTimeout = 30 * time.Second
	}
	if ar.Agent.HealthTimeout <= 0 {
		ar.Agent.HealthTimeout = 60 * time.Second
	}
	if ar.Agent.HealthInterval <= 0 {
		ar.Agent.HealthInterval = 2 * time.Second
	}
	if ar.Agent.AbortPause <= 0 {
		ar.Agent.AbortPause = 2 * time.Second
	}

	if ar.Dispatch.Workers <= 0 {
		ar.Dispatch.Workers = 8
	}
	if ar.Dispatch.ExecutionTimeout <= 0 {
		ar.Dispatch.ExecutionTimeout = 300 * time.Second
	}
	if ar.Dispatch.StatusInterval <= 0 {
		ar.Dispatch.StatusInterval = 3 * time.Second
	}
	if ar.Dispatch.MinGoneElapsed <= 0 {
		ar.Dispatch.MinGoneElapsed = 5 * time.Second
	}
	if ar.Dispatch.MaxRetries <= 0 {
		ar.Dispatch.MaxRetries = 3
	}
	if ar.Dispatch.ShutdownGrace <= 0 {
		ar.Dispatch.ShutdownGrace = 30 * time.Second
	}

	if ar.Records.Mode == "" {
		ar.Records.Mode = "file"
	}
	if ar.Records.File.Path == "" {
		ar.Records.File.Path = filepath.Join(runDir, "execution_records.jsonl")
	}
	if ar.Records.ClickHouse.Database == "" {
		ar.Records.ClickHouse.Database = "autoresponder"
	}
	if ar.Records.ClickHouse.Table == "" {
		ar.Records.ClickHouse.Table = "execution_records"
	}
	if ar.Records.NATS.Subject == "" {
		ar.Records.NATS.Subject = "autoresponder.executions"
	}

	if ar.Ops.Addr == "" {
		ar.Ops.Addr = ":9464"
	}

	if ar.Logging.Enabled == nil {
		enabled := true
		ar.Logging.Enabled = &enabled
	}
	if ar.Logging.Console == nil {
		console := true
		ar.Logging.Console = &console
	}
	if ar.Logging.Level == "" {
		ar.Logging.Level = "info"
	}
	if ar.Logging.File == "" {
		ar.Logging.File = filepath.Join(runDir, "auto_responder_detailed.log")
	}
}
