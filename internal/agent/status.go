package agent

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Status is the interpreted state of a remote session.
type Status int

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusBusy
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	idleMarkers  = []string{"idle", "completed", "complete", "ready", "done", "finished", "succeeded", "success"}
	errorMarkers = []string{"error", "errored", "failed", "failure"}
	busyMarkers  = []string{"busy", "running", "active", "pending", "retry", "working", "processing", "queued", "progress"}
)

// InterpretStatus maps a raw status value to a Status. Values may be plain
// strings or objects; for objects the type, status or state field is used
// when present, otherwise the document's string values. Markers are matched as whole
// words in the order idle, error, busy.
func InterpretStatus(raw json.RawMessage) Status {
	text := statusText(raw)
	if text == "" {
		return StatusUnknown
	}
	words := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = struct{}{}
	}
	switch {
	case hasAny(words, idleMarkers):
		return StatusIdle
	case hasAny(words, errorMarkers):
		return StatusError
	case hasAny(words, busyMarkers):
		return StatusBusy
	default:
		return StatusUnknown
	}
}

func statusText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return trimmed
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		for _, key := range []string{"type", "status", "state"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return strings.Join(stringValues(doc, nil), " ")
}

// stringValues collects string leaves; keys are never included.
func stringValues(v interface{}, out []string) []string {
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case map[string]interface{}:
		for _, e := range t {
			out = stringValues(e, out)
		}
	case []interface{}:
		for _, e := range t {
			out = stringValues(e, out)
		}
	}
	return out
}

func hasAny(words map[string]struct{}, markers []string) bool {
	for _, m := range markers {
		if _, ok := words[m]; ok {
			return true
		}
	}
	return false
}
