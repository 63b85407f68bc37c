package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one entry of a session's history.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// MessageInfo is the message envelope.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"`
	Time      MessageTime `json:"time"`
	Cost      float64     `json:"cost"`
	Tokens    Tokens      `json:"tokens"`
}

// MessageTime holds unix-millisecond timestamps.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// Tokens are per-message token counters.
type Tokens struct {
	Input     int64      `json:"input"`
	Output    int64      `json:"output"`
	Reasoning int64      `json:"reasoning"`
	Cache     TokenCache `json:"cache"`
}

// TokenCache holds cache token counters.
type TokenCache struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write"`
}

// Part is one content part. Raw keeps the original document.
type Part struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Text           string          `json:"text"`
	Tool           string          `json:"tool"`
	Time           *PartTime       `json:"time"`
	ToolInvocation *ToolInvocation `json:"toolInvocation"`
	Raw            json.RawMessage `json:"-"`
}

// PartTime holds unix-millisecond timestamps.
type PartTime struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// ToolInvocation is the older tool part payload.
type ToolInvocation struct {
	ToolName string `json:"toolName"`
}

// UnmarshalJSON decodes a part and keeps its raw bytes.
func (p *Part) UnmarshalJSON(data []byte) error {
	type plain Part
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = Part(decoded)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ToolName returns the invoked tool for tool parts.
func (p Part) ToolName() string {
	if p.Tool != "" {
		return p.Tool
	}
	if p.ToolInvocation != nil {
		return p.ToolInvocation.ToolName
	}
	return ""
}

// DecodeMessages decodes a session history. Empty input is an empty history.
func DecodeMessages(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}
