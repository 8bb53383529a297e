// Package engine orchestrates workflow executions: it validates and parses
// composed graphs, profiles their resource needs, generates and screens the
// program body, admits runs through the bounded-concurrency queue, drives each
// execution unit on the cluster executor, and interprets the output stream
// into progress events and a final result.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/optiforge/optiforge/internal/cache"
	"github.com/optiforge/optiforge/internal/executor"
	"github.com/optiforge/optiforge/internal/faults"
	"github.com/optiforge/optiforge/internal/generator"
	"github.com/optiforge/optiforge/internal/graph"
	"github.com/optiforge/optiforge/internal/model"
	"github.com/optiforge/optiforge/internal/policy"
	"github.com/optiforge/optiforge/internal/profile"
	"github.com/optiforge/optiforge/internal/queue"
	"github.com/optiforge/optiforge/internal/store"
)

// ErrNotCancelable is returned by Cancel for executions that already reached
// a terminal state.
var ErrNotCancelable = errors.New("execution is not queued or running")

// ErrorTypeWaitAbandoned marks a response whose caller stopped waiting while
// the execution kept running in the background. It is not a failure kind; the
// execution reaches its own terminal state independently.
const ErrorTypeWaitAbandoned = "wait_abandoned"

// Observer receives the lifecycle events of a single submission. All methods
// may be called from the execution's own goroutine and must not block.
type Observer interface {
	OnLog(executionID string, ev model.LogEvent)
	OnResult(executionID string, result json.RawMessage)
	OnError(executionID string, f *faults.Fault)
}

type noopObserver struct{}

func (noopObserver) OnLog(string, model.LogEvent)     {}
func (noopObserver) OnResult(string, json.RawMessage) {}
func (noopObserver) OnError(string, *faults.Fault)    {}

// Request is one workflow submission.
type Request struct {
	Graph *model.WorkflowGraph
	// Timeout overrides the configured wall-clock limit. It is clamped to the
	// sandbox deadline ceiling; zero means the default.
	Timeout  time.Duration
	Auth     model.AuthContext
	Observer Observer
}

// Response is the submission outcome returned to the caller. A queued
// response carries the position and wait estimate; a completed one carries
// the result or the classified failure.
type Response struct {
	Success         bool            `json:"success"`
	ExecutionID     string          `json:"execution_id"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorType       string          `json:"error_type,omitempty"`
	Recommendation  string          `json:"recommendation,omitempty"`
	Queued          bool            `json:"queued,omitempty"`
	QueuePosition   int             `json:"queue_position,omitempty"`
	EstimatedWaitMS int64           `json:"estimated_wait_ms,omitempty"`
}

// Options configures the orchestrator.
type Options struct {
	Concurrency  int
	JobTimeout   time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
	Thresholds   profile.Thresholds
	CacheTTL     time.Duration
	CacheSize    int
	PoolCapacity profile.Capacity
	StaleAge     time.Duration
}

// Orchestrator owns all execution state: the admission queue, the resource
// pool, the memo cache, and the set of live runs. One instance serves the
// whole process.
type Orchestrator struct {
	store    store.Store
	executor executor.ClusterExecutor
	parser   *graph.Parser
	gen      generator.ProgramGenerator
	cache    *cache.Cache
	pool     *profile.Pool
	queue    *queue.AdmissionQueue
	broker   *LogBroker
	metrics  *Metrics
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates an orchestrator. The store and executor are the only external
// collaborators; queue, pool, cache, and broker are engine-owned.
func New(st store.Store, exec executor.ClusterExecutor, clk clock.Clock, logger *slog.Logger, metrics *Metrics, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = policy.DefaultDeadline
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.PoolCapacity == (profile.Capacity{}) {
		opts.PoolCapacity = profile.DefaultCapacity()
	}

	o := &Orchestrator{
		store:    st,
		executor: exec,
		parser:   graph.NewParser(logger),
		gen:      generator.NewTemplate(),
		cache:    cache.New(opts.CacheSize, opts.CacheTTL, clk),
		pool:     profile.NewPool(opts.PoolCapacity, opts.StaleAge, clk, logger),
		queue:    queue.New(opts.Concurrency, clk),
		broker:   NewLogBroker(),
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
		opts:     opts,
		cancels:  make(map[string]context.CancelFunc),
		stop:     make(chan struct{}),
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pool.RunSweeper(time.Minute, o.stop)
	}()

	return o
}

// Broker exposes the progress-event broker for log streaming consumers.
func (o *Orchestrator) Broker() *LogBroker { return o.broker }

// RuntimeStats is a point-in-time view of the engine's live state.
type RuntimeStats struct {
	QueueDepth   int `json:"queue_depth"`
	Running      int `json:"running"`
	PoolHeld     int `json:"pool_allocations"`
	PoolCPMillis int `json:"pool_cpu_millis_in_use"`
	PoolMemoryMB int `json:"pool_memory_mb_in_use"`
}

// Runtime returns the engine's live counters.
func (o *Orchestrator) Runtime() RuntimeStats {
	cpu, mem := o.pool.InUse()
	return RuntimeStats{
		QueueDepth:   o.queue.Depth(),
		Running:      o.queue.Running(),
		PoolHeld:     o.pool.Held(),
		PoolCPMillis: cpu,
		PoolMemoryMB: mem,
	}
}

// ExecuteWorkflow admits a submission and, when it starts immediately, waits
// for its terminal outcome. Queued submissions return at once with the queue
// position and wait estimate; the run proceeds in the background.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, req Request) *Response {
	resp, done := o.Submit(ctx, req)
	if resp.Queued || done == nil {
		return resp
	}
	select {
	case final := <-done:
		return final
	case <-ctx.Done():
		return &Response{
			ExecutionID:    resp.ExecutionID,
			Error:          "caller gave up waiting; the execution continues in the background",
			ErrorType:      ErrorTypeWaitAbandoned,
			Recommendation: "poll the execution record for the terminal outcome",
		}
	}
}

// Submit validates, profiles, and admits a submission without waiting for it
// to run. The returned channel delivers the terminal outcome when the run was
// started immediately; it is nil for queued, cached, and rejected submissions.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Response, <-chan *Response) {
	obs := req.Observer
	if obs == nil {
		obs = noopObserver{}
	}

	exec := &model.Execution{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		CreatedAt: o.clock.Now().UTC(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		f := faults.Classify(err)
		o.logger.Error("creating execution record", "error", err)
		return failureResponse(exec.ID, f), nil
	}

	key := cache.Key(req.Graph)

	cfg, err := o.parseConfig(req.Graph, key)
	if err != nil {
		return o.rejectSubmission(ctx, exec, faults.Classify(err), obs), nil
	}

	score := profile.ScoreComplexity(cfg, o.opts.Thresholds)
	exec.Tier = profile.TierFor(score)
	exec.Priority = queue.CalculatePriority(exec.Tier, req.Auth.Valid(), len(req.Graph.Nodes))

	// An identical workflow that completed recently is answered from the
	// result cache without consuming a run slot.
	if cached, ok := o.cache.Get(cache.KindResult, key); ok {
		o.metrics.cacheHit(cache.KindResult)
		return o.completeFromCache(ctx, exec, cached.(json.RawMessage), obs), nil
	}
	o.metrics.cacheMiss(cache.KindResult)

	program, err := o.generateProgram(cfg, exec.ID, req.Auth, key)
	if err != nil {
		return o.rejectSubmission(ctx, exec, faults.Classify(err), obs), nil
	}

	report := policy.ValidateProgram(program)
	for _, w := range report.Warnings {
		o.logger.Warn("program scan warning", "execution_id", exec.ID, "warning", w)
	}
	if !report.IsValid {
		f := faults.New(faults.KindSecurityPolicy, strings.Join(report.Errors, "; "))
		return o.rejectSubmission(ctx, exec, f, obs), nil
	}

	pol := policy.BuildPolicy(profile.Spec(exec.Tier), o.effectiveTimeout(req.Timeout))

	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.Error("persisting execution profile", "execution_id", exec.ID, "error", err)
	}

	done := make(chan *Response, 1)
	run := func() {
		o.runLifecycle(exec, program, pol, key, obs, done)
	}
	entry := &queue.Entry{
		ExecutionID: exec.ID,
		Tier:        exec.Tier,
		Priority:    exec.Priority,
		Start:       run,
	}

	decision := o.queue.Submit(entry, o.pool.CanAllocate(exec.Tier))
	if !decision.Queued {
		if err := o.pool.Allocate(exec.ID, exec.Tier); err != nil {
			// Lost a race for the last slot; fall back to the queue.
			o.queue.Complete(0)
			decision = o.queue.Submit(entry, false)
		}
	}
	o.observeGauges()

	if decision.Queued {
		o.logger.Info("execution queued",
			"execution_id", exec.ID, "graph", graph.Fingerprint(req.Graph), "tier", exec.Tier,
			"priority", exec.Priority, "position", decision.Position)
		return &Response{
			ExecutionID:     exec.ID,
			Queued:          true,
			QueuePosition:   decision.Position,
			EstimatedWaitMS: decision.ETAMillis,
		}, nil
	}

	o.logger.Info("execution admitted",
		"execution_id", exec.ID, "graph", graph.Fingerprint(req.Graph), "tier", exec.Tier)
	o.launch(run)
	return &Response{ExecutionID: exec.ID}, done
}

// Cancel stops a queued or running execution. Queued entries are removed
// before they consume any resources; running ones have their unit terminated.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	if o.queue.Cancel(executionID) {
		if err := o.store.UpdateExecutionStatus(ctx, executionID, model.StatusCanceled); err != nil {
			o.logger.Error("marking queued execution canceled", "execution_id", executionID, "error", err)
		}
		o.broker.Close(executionID)
		o.metrics.executionFinished(model.StatusCanceled, 0)
		o.observeGauges()
		o.logger.Info("queued execution canceled", "execution_id", executionID)
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[executionID]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if _, err := o.store.GetExecution(ctx, executionID); err != nil {
		return err
	}
	return ErrNotCancelable
}

// Shutdown stops the background sweeper and waits for in-flight executions
// to finish, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stop)
	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseConfig returns the memoized parsed configuration for a graph hash, or
// parses and stores it.
func (o *Orchestrator) parseConfig(g *model.WorkflowGraph, key string) (*model.WorkflowConfig, error) {
	if v, ok := o.cache.Get(cache.KindConfig, key); ok {
		o.metrics.cacheHit(cache.KindConfig)
		return v.(*model.WorkflowConfig), nil
	}
	o.metrics.cacheMiss(cache.KindConfig)

	cfg, err := o.parser.Parse(g)
	if err != nil {
		return nil, err
	}
	o.cache.Put(cache.KindConfig, key, cfg)
	return cfg, nil
}

// generateProgram returns the memoized program body for a graph hash, or
// generates and stores it. Bodies depend only on the parsed configuration,
// which is what makes the memoization sound.
func (o *Orchestrator) generateProgram(cfg *model.WorkflowConfig, executionID string, auth model.AuthContext, key string) (string, error) {
	if v, ok := o.cache.Get(cache.KindProgram, key); ok {
		o.metrics.cacheHit(cache.KindProgram)
		return v.(string), nil
	}
	o.metrics.cacheMiss(cache.KindProgram)

	program, err := o.gen.Generate(cfg, executionID, auth)
	if err != nil {
		return "", err
	}
	o.cache.Put(cache.KindProgram, key, program)
	return program, nil
}

// rejectSubmission marks an execution failed before it ever ran and builds
// the failure response. No resources have been allocated at this point.
func (o *Orchestrator) rejectSubmission(ctx context.Context, exec *model.Execution, f *faults.Fault, obs Observer) *Response {
	now := o.clock.Now().UTC()
	exec.Status = model.StatusFailed
	exec.Error = f.Message
	exec.ErrorType = f.Kind
	exec.Recommendation = f.Recommendation
	exec.FinishedAt = &now

	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.Error("recording rejected execution", "execution_id", exec.ID, "error", err)
	}
	o.metrics.executionFinished(model.StatusFailed, 0)
	o.broker.Close(exec.ID)
	obs.OnError(exec.ID, f)
	o.logger.Info("execution rejected",
		"execution_id", exec.ID, "error_type", f.Kind, "error", f.Message)

	return failureResponse(exec.ID, f)
}

// completeFromCache finishes an execution with a memoized result.
func (o *Orchestrator) completeFromCache(ctx context.Context, exec *model.Execution, result json.RawMessage, obs Observer) *Response {
	now := o.clock.Now().UTC()
	dur := 0
	exec.Status = model.StatusCompleted
	exec.Result = result
	exec.DurationMS = &dur
	exec.StartedAt = &now
	exec.FinishedAt = &now

	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		o.logger.Error("recording cached completion", "execution_id", exec.ID, "error", err)
	}
	o.metrics.executionFinished(model.StatusCompleted, 0)
	o.broker.Close(exec.ID)
	obs.OnResult(exec.ID, result)
	o.logger.Info("execution served from result cache", "execution_id", exec.ID)

	return &Response{Success: true, ExecutionID: exec.ID, Result: result}
}

// admitNext starts the head of the queue if a run slot and its tier's
// resources are both free. Called after every completion.
func (o *Orchestrator) admitNext() {
	entry := o.queue.PopNext(o.pool.CanAllocate)
	if entry == nil {
		o.observeGauges()
		return
	}
	if err := o.pool.Allocate(entry.ExecutionID, entry.Tier); err != nil {
		// The slot vanished between the check and the claim. Give the run
		// slot back; the next completion retries.
		o.logger.Warn("allocation lost after dequeue", "execution_id", entry.ExecutionID, "error", err)
		o.queue.Complete(0)
		o.observeGauges()
		return
	}
	o.observeGauges()
	o.logger.Info("execution admitted from queue",
		"execution_id", entry.ExecutionID, "tier", entry.Tier)
	o.launch(entry.Start)
}

func (o *Orchestrator) launch(run func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		run()
	}()
}

func (o *Orchestrator) observeGauges() {
	if o.metrics == nil {
		return
	}
	o.metrics.QueueDepth.Set(float64(o.queue.Depth()))
	o.metrics.Running.Set(float64(o.queue.Running()))
	cpu, mem := o.pool.InUse()
	o.metrics.PoolCPUInUse.Set(float64(cpu))
	o.metrics.PoolMemoryInUse.Set(float64(mem))
}

// effectiveTimeout clamps a per-request timeout to the configured ceiling.
func (o *Orchestrator) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > o.opts.JobTimeout {
		return o.opts.JobTimeout
	}
	return requested
}

func failureResponse(executionID string, f *faults.Fault) *Response {
	return &Response{
		ExecutionID:    executionID,
		Error:          f.Message,
		ErrorType:      f.Kind,
		Recommendation: f.Recommendation,
	}
}
