package rules

import (
	"strings"

	"autoresponder/pkg/models"
)

// HighConfidencePatterns are lowercase substrings that mark an alert's free
// text as worth remediating.
var HighConfidencePatterns = []string{
	"confidence: 1",
	"confidence: 0.9",
	"confidence: 0.8",
	"confidence: 1.0",
	"threat level: high",
	"threat_level: high",
	"vertical port scan",
	"horizontal port scan",
	"denial of service",
	"ddos",
	"brute force",
	"password guessing",
}

var systemNotes = map[string]struct{}{
	"heartbeat": {},
	"queued":    {},
	"completed": {},
}

// Matcher is an additional alert matcher consulted when no pattern hits.
type Matcher interface {
	Match(alert models.Alert) (string, bool)
}

// Classifier decides whether an alert is actionable.
type Classifier struct {
	patterns []string
	extra    Matcher
}

// NewClassifier creates a classifier over the built-in patterns. extra may be nil.
func NewClassifier(extra Matcher) *Classifier {
	return &Classifier{patterns: HighConfidencePatterns, extra: extra}
}

// IsActionable reports whether alert should be sent to the planner.
func (c *Classifier) IsActionable(alert models.Alert) bool {
	_, ok := c.Classify(alert)
	return ok
}

// Classify returns the reason an alert is actionable: the pattern or rule
// that matched.
func (c *Classifier) Classify(alert models.Alert) (string, bool) {
	if IsSystemMarker(alert) {
		return "", false
	}
	text := alert.Text()
	for _, p := range c.patterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	if c.extra != nil {
		if name, ok := c.extra.Match(alert); ok {
			return "sigma:" + name, true
		}
	}
	return "", false
}

// IsActionable applies the built-in patterns only.
func IsActionable(alert models.Alert) bool {
	return NewClassifier(nil).IsActionable(alert)
}

// IsSystemMarker reports heartbeat/queue notes and bare note-only records.
func IsSystemMarker(alert models.Alert) bool {
	if !alert.Has("note") {
		return false
	}
	if _, ok := systemNotes[strings.ToLower(alert.Field("note"))]; ok {
		return true
	}
	return len(alert) <= 3
}
