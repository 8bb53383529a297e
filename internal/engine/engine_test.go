package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/optiforge/optiforge/internal/config"
	"github.com/optiforge/optiforge/internal/engine"
	"github.com/optiforge/optiforge/internal/executor"
	"github.com/optiforge/optiforge/internal/faults"
	"github.com/optiforge/optiforge/internal/model"
	"github.com/optiforge/optiforge/internal/profile"
	"github.com/optiforge/optiforge/internal/store"
)

func newOrchestrator(t *testing.T, exec executor.ClusterExecutor, opts engine.Options) (*engine.Orchestrator, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}
	}
	if opts.Thresholds == (profile.Thresholds{}) {
		opts.Thresholds = profile.DefaultThresholds()
	}
	logger := config.NewLogger(testWriter{t}, slog.LevelError)
	o := engine.New(s, exec, clock.New(), logger, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// logBuffer captures logger output from lifecycle goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func validGraph() *model.WorkflowGraph {
	return &model.WorkflowGraph{
		Nodes: []model.Node{
			{ID: "p1", Kind: model.KindProblem, Parameters: map[string]any{"repository": "acme/sphere"}},
			{ID: "o1", Kind: model.KindOptimizer, Parameters: map[string]any{"repository": "acme/anneal"}},
		},
		Edges: []model.Edge{
			{SourceID: "p1", TargetID: "o1"},
		},
	}
}

func waitForStatus(t *testing.T, s store.Store, id, want string) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err == nil && e.Status == want {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := s.GetExecution(context.Background(), id)
	t.Fatalf("execution %s never reached %s (last seen %+v)", id, want, e)
	return nil
}

// stubExecutor is a scriptable in-memory executor for failure-mode tests.
type stubExecutor struct {
	mu          sync.Mutex
	failSubmits int
	submits     int
	state       executor.State
	logs        string
	canceled    bool
}

func (s *stubExecutor) Submit(_ context.Context, _ executor.JobSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if s.submits <= s.failSubmits {
		return "", errors.New("transient submit failure")
	}
	return fmt.Sprintf("corr-%d", s.submits), nil
}

func (s *stubExecutor) Status(_ context.Context, _ string) (executor.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *stubExecutor) Logs(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs, nil
}

func (s *stubExecutor) Cancel(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return nil
}

func (s *stubExecutor) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *stubExecutor) set(state executor.State, logs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.logs = logs
}

func (s *stubExecutor) wasCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func TestExecuteWorkflowSuccess(t *testing.T) {
	o, s := newOrchestrator(t, executor.NewLocal(20*time.Millisecond, nil), engine.Options{})

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if !resp.Success {
		t.Fatalf("ExecuteWorkflow failed: %s (%s)", resp.Error, resp.ErrorType)
	}
	if resp.Result == nil {
		t.Fatal("Success response has no result")
	}

	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if result["success"] != true {
		t.Errorf("result = %v, want success true", result)
	}

	e := waitForStatus(t, s, resp.ExecutionID, model.StatusCompleted)
	if e.DurationMS == nil || *e.DurationMS < 0 {
		t.Error("completed execution has no duration")
	}

	lines, err := s.GetLogLines(context.Background(), resp.ExecutionID)
	if err != nil || len(lines) == 0 {
		t.Errorf("no log lines persisted (err %v)", err)
	}

	if rt := o.Runtime(); rt.PoolHeld != 0 || rt.Running != 0 {
		t.Errorf("resources not released: %+v", rt)
	}
}

func TestExecuteWorkflowValidationFailure(t *testing.T) {
	o, s := newOrchestrator(t, executor.NewLocal(time.Millisecond, nil), engine.Options{})

	g := validGraph()
	g.Edges = append(g.Edges, model.Edge{SourceID: "o1", TargetID: "p1"})

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: g})
	if resp.Success {
		t.Fatal("cyclic graph accepted")
	}
	if resp.ErrorType != faults.KindValidation {
		t.Errorf("ErrorType = %q, want %q", resp.ErrorType, faults.KindValidation)
	}
	if resp.Recommendation == "" {
		t.Error("failure response has no recommendation")
	}

	waitForStatus(t, s, resp.ExecutionID, model.StatusFailed)
	if rt := o.Runtime(); rt.PoolHeld != 0 {
		t.Errorf("rejected execution holds resources: %+v", rt)
	}
}

func TestExecuteWorkflowOversizedProgramRejected(t *testing.T) {
	o, _ := newOrchestrator(t, executor.NewLocal(time.Millisecond, nil), engine.Options{})

	g := validGraph()
	g.Nodes[1].Parameters["payload"] = strings.Repeat("x", 200<<10)

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: g})
	if resp.Success {
		t.Fatal("oversized program accepted")
	}
	if resp.ErrorType != faults.KindSecurityPolicy {
		t.Errorf("ErrorType = %q, want %q", resp.ErrorType, faults.KindSecurityPolicy)
	}
}

func TestResultCacheSkipsSecondRun(t *testing.T) {
	stub := &stubExecutor{
		state: executor.StateSucceeded,
		logs: model.ResultStartMarker + "\n" +
			`{"success": true, "best_value": 1.5}` + "\n" +
			model.ResultEndMarker + "\n",
	}
	o, _ := newOrchestrator(t, stub, engine.Options{})

	first := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if !first.Success {
		t.Fatalf("first run failed: %s", first.Error)
	}
	second := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if !second.Success {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if string(second.Result) != string(first.Result) {
		t.Errorf("cached result %s differs from original %s", second.Result, first.Result)
	}
	if got := stub.submitCount(); got != 1 {
		t.Errorf("executor submissions = %d, want 1 (second run should hit the result cache)", got)
	}
}

func TestSubmitQueuesOverCeiling(t *testing.T) {
	o, s := newOrchestrator(t, executor.NewLocal(150*time.Millisecond, nil), engine.Options{Concurrency: 1})

	firstResp, _ := o.Submit(context.Background(), engine.Request{Graph: validGraph()})
	if firstResp.Queued || firstResp.ErrorType != "" {
		t.Fatalf("first submission not started: %+v", firstResp)
	}

	g := validGraph()
	g.Nodes[1].Parameters["seed"] = 42.0
	secondResp, _ := o.Submit(context.Background(), engine.Request{Graph: g})
	if !secondResp.Queued {
		t.Fatalf("second submission not queued: %+v", secondResp)
	}
	if secondResp.QueuePosition != 1 {
		t.Errorf("QueuePosition = %d, want 1", secondResp.QueuePosition)
	}

	// Both finish: the queued one is admitted when the first completes.
	waitForStatus(t, s, firstResp.ExecutionID, model.StatusCompleted)
	waitForStatus(t, s, secondResp.ExecutionID, model.StatusCompleted)
}

func TestCancelQueuedExecution(t *testing.T) {
	o, s := newOrchestrator(t, executor.NewLocal(200*time.Millisecond, nil), engine.Options{Concurrency: 1})

	running, _ := o.Submit(context.Background(), engine.Request{Graph: validGraph()})

	g := validGraph()
	g.Nodes[1].Parameters["seed"] = 7.0
	queued, _ := o.Submit(context.Background(), engine.Request{Graph: g})
	if !queued.Queued {
		t.Fatalf("second submission not queued: %+v", queued)
	}

	if err := o.Cancel(context.Background(), queued.ExecutionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, s, queued.ExecutionID, model.StatusCanceled)
	waitForStatus(t, s, running.ExecutionID, model.StatusCompleted)
}

func TestCancelRunningExecution(t *testing.T) {
	stub := &stubExecutor{state: executor.StateRunning}
	o, s := newOrchestrator(t, stub, engine.Options{})

	resp, _ := o.Submit(context.Background(), engine.Request{Graph: validGraph()})
	if resp.Queued || resp.ErrorType != "" {
		t.Fatalf("submission not started: %+v", resp)
	}

	// Give the lifecycle a moment to register its cancel hook.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := o.Cancel(context.Background(), resp.ExecutionID); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e := waitForStatus(t, s, resp.ExecutionID, model.StatusCanceled)
	if e.Status != model.StatusCanceled {
		t.Fatalf("status = %s, want canceled", e.Status)
	}
	if rt := o.Runtime(); rt.PoolHeld != 0 {
		t.Errorf("canceled execution holds resources: %+v", rt)
	}
}

func TestMarkersOverrideExecutorStatus(t *testing.T) {
	stub := &stubExecutor{
		state: executor.StateFailed,
		logs: "some noise\n" +
			model.ResultStartMarker + "\n" +
			`{"success": true, "best_value": 0.25}` + "\n" +
			model.ResultEndMarker + "\n",
	}
	o, s := newOrchestrator(t, stub, engine.Options{})

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if !resp.Success {
		t.Fatalf("markers should win over executor status: %+v", resp)
	}
	waitForStatus(t, s, resp.ExecutionID, model.StatusCompleted)
}

func TestMarkerMentionDoesNotEndRunningUnit(t *testing.T) {
	mention := "note: prints " + model.ResultEndMarker + " when finished\n"
	stub := &stubExecutor{state: executor.StateRunning, logs: mention}
	o, s := newOrchestrator(t, stub, engine.Options{})

	resp, done := o.Submit(context.Background(), engine.Request{Graph: validGraph()})
	if resp.Queued || resp.ErrorType != "" {
		t.Fatalf("submission not started: %+v", resp)
	}
	waitForStatus(t, s, resp.ExecutionID, model.StatusRunning)

	// Let several polls see the marker text inside an ordinary log line.
	time.Sleep(100 * time.Millisecond)
	e, err := s.GetExecution(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != model.StatusRunning {
		t.Fatalf("status = %s after marker mention in logs, want running", e.Status)
	}
	if stub.wasCanceled() {
		t.Error("running unit was canceled over a marker mention")
	}

	stub.set(executor.StateRunning, mention+
		model.ResultStartMarker+"\n"+
		`{"success": true, "best_value": 3.5}`+"\n"+
		model.ResultEndMarker+"\n")

	select {
	case final := <-done:
		if !final.Success {
			t.Fatalf("run failed after real result block: %+v", final)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never completed after real result block")
	}
	waitForStatus(t, s, resp.ExecutionID, model.StatusCompleted)
}

func TestDisagreementWarningOnlyOnReportedFailure(t *testing.T) {
	block := model.ResultStartMarker + "\n" +
		`{"success": true}` + "\n" +
		model.ResultEndMarker + "\n"

	cases := []struct {
		name     string
		state    executor.State
		wantWarn bool
	}{
		{"running status lagging the stream", executor.StateRunning, false},
		{"reported failure despite a delivered result", executor.StateFailed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			defer s.Close()

			var buf logBuffer
			logger := config.NewLogger(&buf, slog.LevelWarn)
			o := engine.New(s, &stubExecutor{state: tc.state, logs: block}, clock.New(), logger, nil, engine.Options{
				PollInterval: 10 * time.Millisecond,
				Retry:        engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
			})

			resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
			if !resp.Success {
				t.Fatalf("ExecuteWorkflow failed: %+v", resp)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.Shutdown(ctx)

			if got := strings.Contains(buf.String(), "disagree"); got != tc.wantWarn {
				t.Errorf("disagreement warning logged = %v, want %v (logs: %s)", got, tc.wantWarn, buf.String())
			}
		})
	}
}

func TestAbandonedWaitResponse(t *testing.T) {
	stub := &stubExecutor{state: executor.StateRunning}
	o, s := newOrchestrator(t, stub, engine.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := o.ExecuteWorkflow(ctx, engine.Request{Graph: validGraph()})
	if resp.Success {
		t.Fatal("abandoned wait reported success")
	}
	if resp.ErrorType != engine.ErrorTypeWaitAbandoned {
		t.Errorf("ErrorType = %q, want %q", resp.ErrorType, engine.ErrorTypeWaitAbandoned)
	}
	if resp.Recommendation == "" {
		t.Error("abandoned wait response has no recommendation")
	}
	if resp.ExecutionID == "" {
		t.Fatal("abandoned wait response has no execution id")
	}

	// The run is still alive in the background; stop it so shutdown
	// does not have to wait it out.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := o.Cancel(context.Background(), resp.ExecutionID); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForStatus(t, s, resp.ExecutionID, model.StatusCanceled)
}

func TestMissingResultBlockFails(t *testing.T) {
	stub := &stubExecutor{state: executor.StateSucceeded, logs: "ran fine\nbut said nothing\n"}
	o, s := newOrchestrator(t, stub, engine.Options{})

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if resp.Success {
		t.Fatal("missing result block accepted")
	}
	if resp.ErrorType != faults.KindResultParsing {
		t.Errorf("ErrorType = %q, want %q", resp.ErrorType, faults.KindResultParsing)
	}
	waitForStatus(t, s, resp.ExecutionID, model.StatusFailed)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	stub := &stubExecutor{
		failSubmits: 2,
		state:       executor.StateSucceeded,
		logs: model.ResultStartMarker + "\n" +
			`{"success": true}` + "\n" +
			model.ResultEndMarker + "\n",
	}
	o, _ := newOrchestrator(t, stub, engine.Options{})

	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph()})
	if !resp.Success {
		t.Fatalf("submission should succeed after retries: %+v", resp)
	}
	if got := stub.submitCount(); got != 3 {
		t.Errorf("submit attempts = %d, want 3", got)
	}
}

func TestObserverReceivesEvents(t *testing.T) {
	o, _ := newOrchestrator(t, executor.NewLocal(10*time.Millisecond, nil), engine.Options{})

	obs := &recordingObserver{}
	resp := o.ExecuteWorkflow(context.Background(), engine.Request{Graph: validGraph(), Observer: obs})
	if !resp.Success {
		t.Fatalf("ExecuteWorkflow failed: %s", resp.Error)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) == 0 {
		t.Error("observer received no progress events")
	}
	for i := 1; i < len(obs.events); i++ {
		if obs.events[i].Step < obs.events[i-1].Step {
			t.Errorf("events out of order: step %d after %d", obs.events[i].Step, obs.events[i-1].Step)
		}
	}
	if obs.result == nil {
		t.Error("observer received no result")
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []model.LogEvent
	result json.RawMessage
	fault  *faults.Fault
}

func (r *recordingObserver) OnLog(_ string, ev model.LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) OnResult(_ string, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
}

func (r *recordingObserver) OnError(_ string, f *faults.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = f
}
