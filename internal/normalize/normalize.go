package normalize

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"autoresponder/internal/agent"
	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

const finalOutputChars = 500

// MessageAPI fetches a session's message history.
type MessageAPI interface {
	Messages(ctx context.Context, sessionID string) ([]agent.Message, json.RawMessage, error)
}

// ArtifactWriter persists per-machine execution artifacts.
type ArtifactWriter interface {
	WriteRawMessages(machine, sessionID string, raw json.RawMessage) error
	AppendEvents(machine string, events []models.ExecutionEvent) error
}

// Normalizer fetches remote histories and writes normalized artifacts.
type Normalizer struct {
	artifacts ArtifactWriter
}

// New creates a normalizer. artifacts may be nil.
func New(artifacts ArtifactWriter) *Normalizer {
	return &Normalizer{artifacts: artifacts}
}

// FetchAndNormalize archives the session history for target and returns
// the derived metrics. Fetch or write failures are logged and never
// returned; an unreachable history yields zero metrics.
func (n *Normalizer) FetchAndNormalize(ctx context.Context, api MessageAPI, target models.TargetInfo, sessionID string) models.RunMetrics {
	msgs, raw, err := api.Messages(ctx, sessionID)
	if err != nil {
		logger.Warnf("Could not fetch messages for session %s on %s: %v", sessionID, target.TargetIP, err)
		if len(raw) > 0 && n.artifacts != nil {
			n.writeRaw(target.Machine, sessionID, raw)
		}
		return models.RunMetrics{ToolCalls: []string{}}
	}
	if len(msgs) == 0 {
		logger.Warnf("Session %s on %s has no message history", sessionID, target.TargetIP)
	}

	events, metrics := Normalize(msgs, target.Machine, sessionID)
	if n.artifacts != nil {
		n.writeRaw(target.Machine, sessionID, raw)
		if len(events) > 0 {
			if err := n.artifacts.AppendEvents(target.Machine, events); err != nil {
				logger.Warnf("Failed to write normalized events for %s: %v", target.Machine, err)
			}
		}
	}
	return metrics
}

func (n *Normalizer) writeRaw(machine, sessionID string, raw json.RawMessage) {
	if err := n.artifacts.WriteRawMessages(machine, sessionID, raw); err != nil {
		logger.Warnf("Failed to archive raw messages for %s: %v", machine, err)
	}
}

// Normalize flattens message parts into chronologically ordered events and
// aggregates run metrics. A part without its own start time is stamped with
// the message creation time but keeps its position after the preceding part
// of the same message.
func Normalize(msgs []agent.Message, machine, sessionID string) ([]models.ExecutionEvent, models.RunMetrics) {
	metrics := models.RunMetrics{Messages: len(msgs), ToolCalls: []string{}}
	type keyed struct {
		order time.Time
		event models.ExecutionEvent
	}
	var parts []keyed
	var texts []string

	for _, msg := range msgs {
		if strings.EqualFold(msg.Info.Role, "assistant") {
			metrics.Cost += msg.Info.Cost
			metrics.Tokens.Input += msg.Info.Tokens.Input
			metrics.Tokens.Output += msg.Info.Tokens.Output
			metrics.Tokens.Reasoning += msg.Info.Tokens.Reasoning
			metrics.Tokens.CacheRead += msg.Info.Tokens.Cache.Read
			metrics.Tokens.CacheWrite += msg.Info.Tokens.Cache.Write
		}

		session := msg.Info.SessionID
		if session == "" {
			session = sessionID
		}
		created := millis(msg.Info.Time.Created)
		order := created
		for _, part := range msg.Parts {
			ts := created
			if part.Time != nil && part.Time.Start > 0 {
				ts = millis(part.Time.Start)
				order = ts
			}

			ev := models.ExecutionEvent{
				Timestamp: ts,
				Type:      EventType(part.Type),
				Machine:   machine,
				SessionID: session,
				MessageID: msg.Info.ID,
				Role:      msg.Info.Role,
				Part:      part.Raw,
			}
			switch ev.Type {
			case models.EventStepStart:
				metrics.Steps++
			case models.EventToolUse:
				ev.Tool = part.ToolName()
				if ev.Tool != "" {
					metrics.ToolCalls = append(metrics.ToolCalls, ev.Tool)
				}
			case models.EventText:
				ev.Text = part.Text
				if strings.TrimSpace(part.Text) != "" {
					texts = append(texts, part.Text)
				}
			case models.EventReasoning:
				ev.Text = part.Text
			}
			parts = append(parts, keyed{order: order, event: ev})
		}
	}

	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].order.Before(parts[j].order)
	})
	events := make([]models.ExecutionEvent, len(parts))
	for i, p := range parts {
		events[i] = p.event
	}
	metrics.Events = len(events)
	metrics.FinalOutput = lastChars(strings.Join(texts, "\n"), finalOutputChars)
	return events, metrics
}

// EventType maps a remote part type to the normalized event type.
func EventType(partType string) string {
	switch strings.ToLower(strings.TrimSpace(partType)) {
	case "step-start", "step_start", "reasoning-step":
		return models.EventStepStart
	case "step-finish", "step_finish":
		return models.EventStepFinish
	case "tool", "tool-invocation", "tool_use", "tool-use":
		return models.EventToolUse
	case "text":
		return models.EventText
	case "reasoning":
		return models.EventReasoning
	default:
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(partType)), "-", "_")
	}
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func lastChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
