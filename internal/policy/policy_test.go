package policy_test

import (
	"strings"
	"testing"
	"time"

	"github.com/optiforge/optiforge/internal/model"
	"github.com/optiforge/optiforge/internal/policy"
	"github.com/optiforge/optiforge/internal/profile"
)

func TestBuildPolicyShape(t *testing.T) {
	spec := profile.Spec(model.TierMedium)
	p := policy.BuildPolicy(spec, 120*time.Second)

	if !p.RunAsNonRoot {
		t.Error("RunAsNonRoot = false, want true")
	}
	if p.AllowPrivilegeEscalation {
		t.Error("AllowPrivilegeEscalation = true, want false")
	}
	if len(p.DropCapabilities) != 1 || p.DropCapabilities[0] != "ALL" {
		t.Errorf("DropCapabilities = %v, want [ALL]", p.DropCapabilities)
	}
	if p.SeccompProfile != "runtime/default" {
		t.Errorf("SeccompProfile = %q, want runtime/default", p.SeccompProfile)
	}
	if p.CPURequestMillis != spec.CPUMillis || p.CPULimitMillis != spec.CPUMillis {
		t.Errorf("CPU request/limit = %d/%d, want both %d", p.CPURequestMillis, p.CPULimitMillis, spec.CPUMillis)
	}
	if p.MemoryRequestMB != spec.MemoryMB || p.MemoryLimitMB != spec.MemoryMB {
		t.Errorf("memory request/limit = %d/%d, want both %d", p.MemoryRequestMB, p.MemoryLimitMB, spec.MemoryMB)
	}
	if p.DeadlineSeconds != 120 {
		t.Errorf("DeadlineSeconds = %d, want 120", p.DeadlineSeconds)
	}
	if p.RetryLimit != 0 {
		t.Errorf("RetryLimit = %d, want 0 (retries happen at the orchestrator level)", p.RetryLimit)
	}
	if p.AllowIngress {
		t.Error("AllowIngress = true, want false")
	}
}

func TestBuildPolicyDeadlineCap(t *testing.T) {
	spec := profile.Spec(model.TierSmall)

	tests := []struct {
		deadline time.Duration
		wantSecs int
	}{
		{0, 600},                 // unset → default
		{-5 * time.Second, 600},  // nonsense → default
		{30 * time.Second, 30},   // within cap
		{20 * time.Minute, 600},  // above cap → clamped
		{600 * time.Second, 600}, // exactly the cap
	}
	for _, tc := range tests {
		p := policy.BuildPolicy(spec, tc.deadline)
		if p.DeadlineSeconds != tc.wantSecs {
			t.Errorf("BuildPolicy(deadline=%v).DeadlineSeconds = %d, want %d", tc.deadline, p.DeadlineSeconds, tc.wantSecs)
		}
	}
}

func TestValidateProgramClean(t *testing.T) {
	r := policy.ValidateProgram("import math\nprint(math.sqrt(2))\n")
	if !r.IsValid {
		t.Errorf("IsValid = false, errors = %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", r.Warnings)
	}
}

func TestValidateProgramDangerousPatternsAreWarnings(t *testing.T) {
	program := "import subprocess\nsubprocess.run(['ls'])\neval('1+1')\n"
	r := policy.ValidateProgram(program)

	if !r.IsValid {
		t.Error("pattern matches must not invalidate the program; the sandbox is the boundary")
	}
	if len(r.Warnings) < 2 {
		t.Errorf("Warnings = %v, want at least shell and eval warnings", r.Warnings)
	}
	if len(r.Errors) != 0 {
		t.Errorf("Errors = %v, want none", r.Errors)
	}
}

func TestValidateProgramSizeCeiling(t *testing.T) {
	r := policy.ValidateProgram(strings.Repeat("x", policy.MaxProgramBytes+1))
	if r.IsValid {
		t.Error("oversized program should be invalid")
	}
	if len(r.Errors) != 1 {
		t.Errorf("Errors = %v, want exactly one size error", r.Errors)
	}
}
