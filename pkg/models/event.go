package models

import (
	"encoding/json"
	"time"
)

// Normalized event types for the flattened remote execution log.
const (
	EventStepStart  = "step_start"
	EventStepFinish = "step_finish"
	EventToolUse    = "tool_use"
	EventText       = "text"
	EventReasoning  = "reasoning"
)

// ExecutionEvent is one content part of a remote message, flattened.
type ExecutionEvent struct {
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	Machine   string          `json:"machine"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Text      string          `json:"text,omitempty"`
	Part      json.RawMessage `json:"part,omitempty"`
}

// TimelineEntry is one orchestrator-internal event written to the timeline.
type TimelineEntry struct {
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Alert     string                 `json:"alert,omitempty"`
	Exec      string                 `json:"exec,omitempty"`
	Machine   string                 `json:"machine,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
