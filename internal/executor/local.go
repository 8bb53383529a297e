package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optiforge/optiforge/internal/model"
)

// NameLocal is the registry name of the in-process executor.
const NameLocal = "local"

// submitVisibilityDelay simulates the window right after submission during
// which the platform has not yet materialized the unit and reports not-found.
const submitVisibilityDelay = 50 * time.Millisecond

// Script produces the full output stream of a simulated unit.
type Script func(spec JobSpec) string

// Local runs execution units in-process. It exists for development and
// tests: units "run" for a configurable duration and then emit a scripted
// output stream, exercising the same submit/poll/logs/cancel path a real
// cluster client would.
type Local struct {
	mu     sync.Mutex
	jobs   map[string]*localJob
	delay  time.Duration
	script Script
}

type localJob struct {
	spec      JobSpec
	state     State
	logs      string
	visibleAt time.Time
	cancel    chan struct{}
	once      sync.Once
}

// NewLocal creates a local executor whose units run for delay before
// completing. A nil script uses DefaultScript.
func NewLocal(delay time.Duration, script Script) *Local {
	if script == nil {
		script = DefaultScript
	}
	return &Local{
		jobs:   make(map[string]*localJob),
		delay:  delay,
		script: script,
	}
}

// Submit starts a simulated unit and returns its correlation id.
func (l *Local) Submit(_ context.Context, spec JobSpec) (string, error) {
	id := uuid.NewString()
	job := &localJob{
		spec:      spec,
		state:     StateRunning,
		visibleAt: time.Now().Add(submitVisibilityDelay),
		cancel:    make(chan struct{}),
	}

	l.mu.Lock()
	l.jobs[id] = job
	l.mu.Unlock()

	go l.run(job)
	return id, nil
}

func (l *Local) run(job *localJob) {
	select {
	case <-time.After(l.delay):
		l.mu.Lock()
		job.logs = l.script(job.spec)
		job.state = StateSucceeded
		l.mu.Unlock()
	case <-job.cancel:
		l.mu.Lock()
		job.logs = "execution canceled\n"
		job.state = StateFailed
		l.mu.Unlock()
	}
}

// Status reports a unit's state. Units are invisible (not found) for a short
// window after submission, like a real cluster.
func (l *Local) Status(_ context.Context, correlationID string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[correlationID]
	if !ok || time.Now().Before(job.visibleAt) {
		return StateNotFound, nil
	}
	return job.state, nil
}

// Logs returns the unit's output stream so far.
func (l *Local) Logs(_ context.Context, correlationID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[correlationID]
	if !ok {
		return "", fmt.Errorf("unknown correlation id %s", correlationID)
	}
	return job.logs, nil
}

// Cancel terminates a running unit. Canceling a finished or unknown unit is
// a no-op.
func (l *Local) Cancel(_ context.Context, correlationID string) error {
	l.mu.Lock()
	job, ok := l.jobs[correlationID]
	l.mu.Unlock()

	if !ok {
		return nil
	}
	job.once.Do(func() { close(job.cancel) })
	return nil
}

// DefaultScript emits a plausible optimization run: a few progress events
// and a successful result block, interleaved with plain program output.
func DefaultScript(spec JobSpec) string {
	return fmt.Sprintf(`sandbox ready for %s
%s{"step":1,"level":"info","message":"loading problem"}
%s{"step":2,"level":"info","message":"running optimizer"}
iteration 50/100
%s{"step":3,"level":"info","message":"optimization converged"}
%s
{"success":true,"best_value":0.0042,"evaluations":100}
%s
sandbox exiting
`, spec.ExecutionID,
		model.ProgressPrefix, model.ProgressPrefix, model.ProgressPrefix,
		model.ResultStartMarker, model.ResultEndMarker)
}
