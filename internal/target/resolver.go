package target

import (
	"fmt"
	"strings"

	"autoresponder/pkg/models"
)

// Rule maps an executor IP prefix to a remediation target.
type Rule struct {
	Prefix   string
	Role     models.Role
	TargetIP string
	Machine  string
}

// Resolver maps plan executor IPs to targets using ordered prefix rules.
// It holds no mutable state.
type Resolver struct {
	rules     []Rule
	agentBase string
	agentPort int
}

// NewResolver creates a resolver. When agentBase is set every target uses
// it as the remote agent URL; otherwise the URL is built from the target IP
// and agentPort.
func NewResolver(rules []Rule, agentBase string, agentPort int) *Resolver {
	if agentPort <= 0 {
		agentPort = 4096
	}
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Resolver{
		rules:     copied,
		agentBase: strings.TrimRight(agentBase, "/"),
		agentPort: agentPort,
	}
}

var machineSafe = strings.NewReplacer(".", "_", ":", "_")

// unknownMachine names the artifact directory of an unmatched IP.
func unknownMachine(ip string) string {
	return "unknown-" + machineSafe.Replace(ip)
}

// Resolve returns the target for ip. The first matching rule wins; an
// unmatched IP is its own target with role unknown and a machine name
// derived from the IP, so unrelated hosts never share a directory.
func (r *Resolver) Resolve(ip string) models.TargetInfo {
	ip = strings.TrimSpace(ip)
	info := models.TargetInfo{TargetIP: ip, Role: models.RoleUnknown, Machine: unknownMachine(ip)}
	for _, rule := range r.rules {
		if rule.Prefix == "" || !strings.HasPrefix(ip, rule.Prefix) {
			continue
		}
		info.Role = rule.Role
		if info.Role == "" {
			info.Role = models.RoleUnknown
		}
		if rule.TargetIP != "" {
			info.TargetIP = rule.TargetIP
		}
		info.Machine = rule.Machine
		if info.Machine == "" {
			info.Machine = string(info.Role)
		}
		break
	}
	info.AgentURL = r.agentURL(info.TargetIP)
	return info
}

func (r *Resolver) agentURL(targetIP string) string {
	if r.agentBase != "" {
		return r.agentBase
	}
	return fmt.Sprintf("http://%s:%d", targetIP, r.agentPort)
}
