// Package policy derives the sandbox profile applied to every execution unit
// and statically scans generated program bodies for disallowed operations.
package policy

import (
	"time"

	"github.com/optiforge/optiforge/internal/profile"
)

// DefaultDeadline is the hard wall-clock ceiling for a sandboxed execution.
const DefaultDeadline = 600 * time.Second

// Egress targets every sandbox may reach. Everything else is blocked and no
// ingress is allowed.
var defaultEgress = []string{"dns", "platform-api"}

// SandboxPolicy is the fixed isolation profile for one execution unit.
// Retries, if any, happen at the orchestrator level; the sandbox itself
// never restarts a failed unit.
type SandboxPolicy struct {
	RunAsNonRoot             bool     `json:"run_as_non_root"`
	RunAsUser                int      `json:"run_as_user"`
	AllowPrivilegeEscalation bool     `json:"allow_privilege_escalation"`
	DropCapabilities         []string `json:"drop_capabilities"`
	SeccompProfile           string   `json:"seccomp_profile"`
	CPURequestMillis         int      `json:"cpu_request_millis"`
	CPULimitMillis           int      `json:"cpu_limit_millis"`
	MemoryRequestMB          int      `json:"memory_request_mb"`
	MemoryLimitMB            int      `json:"memory_limit_mb"`
	DeadlineSeconds          int      `json:"deadline_seconds"`
	RetryLimit               int      `json:"retry_limit"`
	EgressAllow              []string `json:"egress_allow"`
	AllowIngress             bool     `json:"allow_ingress"`
}

// BuildPolicy produces the sandbox profile for a tier spec. The shape is
// fixed: non-root, no privilege escalation, all capabilities dropped,
// default syscall filtering, request==limit resources, bounded deadline,
// zero sandbox-level retries, and egress restricted to DNS plus the
// platform's own API.
func BuildPolicy(spec profile.TierSpec, deadline time.Duration) SandboxPolicy {
	if deadline <= 0 || deadline > DefaultDeadline {
		deadline = DefaultDeadline
	}
	return SandboxPolicy{
		RunAsNonRoot:             true,
		RunAsUser:                1000,
		AllowPrivilegeEscalation: false,
		DropCapabilities:         []string{"ALL"},
		SeccompProfile:           "runtime/default",
		CPURequestMillis:         spec.CPUMillis,
		CPULimitMillis:           spec.CPUMillis,
		MemoryRequestMB:          spec.MemoryMB,
		MemoryLimitMB:            spec.MemoryMB,
		DeadlineSeconds:          int(deadline.Seconds()),
		RetryLimit:               0,
		EgressAllow:              defaultEgress,
		AllowIngress:             false,
	}
}
