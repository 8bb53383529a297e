// Package faults defines the failure taxonomy for workflow executions.
// Every error surfaced to an observer or API caller is classified into one
// of these kinds first; raw infrastructure errors never escape uninterpreted.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Fault kind constants. These are the machine-readable error_type values
// returned to callers.
const (
	KindValidation         = "validation_error"
	KindResourceExhausted  = "resource_exhausted"
	KindSecurityPolicy     = "security_policy_violation"
	KindExecutorSubmission = "executor_submission_error"
	KindTimeout            = "execution_timeout"
	KindResultParsing      = "result_parsing_error"
)

// recommendations maps each kind to the free-text guidance returned to callers.
var recommendations = map[string]string{
	KindValidation:         "Fix the workflow graph or component configuration and resubmit.",
	KindResourceExhausted:  "The cluster is at capacity. Retry after a short backoff or request a smaller tier.",
	KindSecurityPolicy:     "The generated program violates the sandbox policy. Review the component parameters.",
	KindExecutorSubmission: "A transient infrastructure error occurred. Retrying usually succeeds.",
	KindTimeout:            "The execution exceeded its wall-clock limit. Increase the timeout or reduce the workload.",
	KindResultParsing:      "The execution finished but produced no recognizable result block. Check the component output contract.",
}

// recoverable marks the kinds that are safe to retry without user action.
var recoverable = map[string]bool{
	KindResourceExhausted:  true,
	KindExecutorSubmission: true,
}

// Fault is a classified execution failure.
type Fault struct {
	Kind           string
	Message        string
	Recoverable    bool
	Recommendation string
	err            error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying cause, if any.
func (f *Fault) Unwrap() error { return f.err }

// New creates a fault of the given kind with the standard recommendation.
func New(kind, message string) *Fault {
	return &Fault{
		Kind:           kind,
		Message:        message,
		Recoverable:    recoverable[kind],
		Recommendation: recommendations[kind],
	}
}

// Newf creates a fault of the given kind with a formatted message.
func Newf(kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a fault of the given kind wrapping an underlying cause.
func Wrap(kind string, err error, message string) *Fault {
	f := New(kind, message)
	f.err = err
	return f
}

// Classify maps an arbitrary error into the taxonomy. Already-classified
// faults pass through unchanged. Context deadline errors become timeouts;
// anything else is treated as a transient executor error, since by this
// point all user-input failures have already been classified upstream.
func Classify(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "execution exceeded its deadline")
	}
	return Wrap(KindExecutorSubmission, err, "cluster executor error")
}
