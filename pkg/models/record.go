package models

import "time"

// Outcome is the result recorded for one execution.
type Outcome string

const (
	OutcomeDispatched         Outcome = "dispatched"
	OutcomeDispatchFailed     Outcome = "dispatch_failed"
	OutcomeCompleted          Outcome = "completed"
	OutcomeCompletedWithError Outcome = "completed_with_error"
	OutcomeTimeout            Outcome = "timeout"
)

// ExecutionRecord is the audit row for one dispatched plan.
type ExecutionRecord struct {
	AlertIdentity string      `json:"alert_identity"`
	ExecutionID   string      `json:"execution_id"`
	TargetIP      string      `json:"target_ip"`
	Machine       string      `json:"machine,omitempty"`
	Role          Role        `json:"role,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	DispatchedAt  time.Time   `json:"dispatched_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	Outcome       Outcome     `json:"outcome"`
	Error         string      `json:"error,omitempty"`
	Metrics       *RunMetrics `json:"metrics,omitempty"`
}

// TokenUsage sums token counters from assistant messages.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

// Total returns the sum of all counters.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.Reasoning + u.CacheRead + u.CacheWrite
}

// RunMetrics are derived from a remote session's message history.
type RunMetrics struct {
	Messages    int        `json:"messages"`
	Events      int        `json:"events"`
	Steps       int        `json:"llm_calls"`
	ToolCalls   []string   `json:"tool_calls"`
	FinalOutput string     `json:"final_output"`
	Tokens      TokenUsage `json:"tokens"`
	Cost        float64    `json:"cost"`
}
