package planner

import (
	"regexp"
	"strings"
	"time"

	"autoresponder/pkg/models"
)

var (
	rawIPPattern   = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)`)
	rawTimePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})`)
)

// FormatAlert renders an alert as the one-line text the planner expects:
// "<ts> <src> <attack> (<proto>) targeting <dst> - <description>". When the
// structured IP fields are missing, values are recovered from the raw text.
func FormatAlert(alert models.Alert, now time.Time) string {
	timestamp := alert.Field("timestamp")
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}
	sourceIP := orUnknown(alert.Field("sourceip"))
	destIP := orUnknown(alert.Field("destip"))
	attackID := orUnknown(alert.Field("attackid"))
	proto := orUnknown(alert.Field("proto"))
	description := alert.FirstField("description", "threat_level")

	raw := alert.Field("raw")
	if raw != "" && (sourceIP == "unknown" || destIP == "unknown") {
		if ips := rawIPPattern.FindAllString(raw, -1); len(ips) >= 2 {
			sourceIP, destIP = ips[0], ips[1]
		}
		if m := rawTimePattern.FindStringSubmatch(raw); m != nil {
			timestamp = m[1] + "+00:00"
		}
		attackID = "unknown"
		if strings.Contains(strings.ToLower(raw), "vertical port scan") {
			attackID = "vertical_port_scan"
		}
		proto = "unknown"
		if strings.Contains(raw, "TCP") {
			proto = "TCP"
		}
		description = raw
	}

	out := timestamp + " " + sourceIP + " " + attackID + " (" + proto + ") targeting " + destIP
	if description != "" {
		out += " - " + description
	}
	return out
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
