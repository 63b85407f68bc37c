package pipeline

import (
	"fmt"
	"strings"

	"autoresponder/internal/dedup"
)

// BuildPrompt wraps a plan with the alert context the remote agent needs.
func BuildPrompt(job Job) string {
	src, dst := dedup.Endpoints(job.Alert)
	var b strings.Builder
	b.WriteString("Execute this security remediation plan immediately:\n\n")
	fmt.Fprintf(&b, "PLAN: %s\n\n", job.Plan.Text)
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "- Alert Source IP: %s\n", orUnknown(src))
	fmt.Fprintf(&b, "- Alert Target IP: %s\n", orUnknown(dst))
	fmt.Fprintf(&b, "- Attack Type: %s\n", orUnknown(job.Alert.Field("attackid")))
	fmt.Fprintf(&b, "- Target Machine: %s (%s)\n", job.Target.Machine, job.Target.TargetIP)
	fmt.Fprintf(&b, "- Target IP: %s\n\n", job.Plan.ExecutorHostIP)
	b.WriteString("Execute all containment and remediation steps immediately. Be decisive and thorough.")
	return b.String()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
