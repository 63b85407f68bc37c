package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Alert is one IDS alert line. Keys are preserved as read; the orchestrator
// never mutates an alert after parsing it.
type Alert map[string]interface{}

// ParseAlert decodes one JSON object. Non-object documents are rejected.
func ParseAlert(data []byte) (Alert, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("alert is not a JSON object")
	}
	return Alert(raw), nil
}

// Field returns a top-level or dotted-path field rendered as a string.
func (a Alert) Field(path string) string {
	v, ok := a.lookup(path)
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FirstField returns the first non-empty field among paths.
func (a Alert) FirstField(paths ...string) string {
	for _, p := range paths {
		if v := a.Field(p); v != "" {
			return v
		}
	}
	return ""
}

// Has reports whether key is present at the top level.
func (a Alert) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Text is the lowercase concatenation of the free-text fields used for
// confidence matching and attack-type extraction.
func (a Alert) Text() string {
	return strings.ToLower(a.Field("raw") + " " + a.Field("description") + " " + a.Field("threat_level"))
}

// Time parses the alert timestamp. Returns false when absent or unparseable.
func (a Alert) Time() (time.Time, bool) {
	return ParseTimestamp(a.Field("timestamp"))
}

func (a Alert) lookup(path string) (interface{}, bool) {
	if v, ok := a[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var current interface{} = map[string]interface{}(a)
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// ParseTimestamp accepts RFC3339 variants and the space-separated layouts
// emitted by the IDS.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
