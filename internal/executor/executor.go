// Package executor defines the cluster executor seam: the four operations
// the orchestrator needs from the underlying compute platform, a registry of
// named implementations, and an in-process executor for development and tests.
package executor

import (
	"context"

	"github.com/optiforge/optiforge/internal/policy"
)

// State is the executor-reported status of a submitted unit.
type State string

// Executor states. NotFound is expected transiently right after submission
// and must not be treated as failure by pollers.
const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateNotFound  State = "not_found"
)

// JobSpec describes one sandboxed execution unit to submit.
type JobSpec struct {
	ExecutionID string               `json:"execution_id"`
	Program     string               `json:"program"`
	Tier        string               `json:"tier"`
	Policy      policy.SandboxPolicy `json:"policy"`
}

// ClusterExecutor is the abstract compute platform. The orchestrator assumes
// nothing about the infrastructure beyond these four operations.
type ClusterExecutor interface {
	// Submit starts a unit and returns its correlation id.
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Status reports the unit's current state.
	Status(ctx context.Context, correlationID string) (State, error)

	// Logs returns the unit's full output stream so far.
	Logs(ctx context.Context, correlationID string) (string, error)

	// Cancel terminates a unit, best effort.
	Cancel(ctx context.Context, correlationID string) error
}
