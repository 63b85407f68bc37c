package models

// Role is the network-topology role of a remediation target.
type Role string

const (
	RoleServer      Role = "server"
	RoleCompromised Role = "compromised"
	RoleUnknown     Role = "unknown"
)

// Plan is one remediation plan for one executor host.
type Plan struct {
	ExecutorHostIP string `json:"executor_host_ip"`
	Text           string `json:"plan"`
}

// TargetInfo describes where a plan is executed.
type TargetInfo struct {
	TargetIP string `json:"target_ip"`
	Role     Role   `json:"role"`
	Machine  string `json:"machine"`
	AgentURL string `json:"agent_url"`
}
