package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/optiforge/optiforge/internal/cache"
	"github.com/optiforge/optiforge/internal/executor"
	"github.com/optiforge/optiforge/internal/faults"
	"github.com/optiforge/optiforge/internal/model"
	"github.com/optiforge/optiforge/internal/policy"
)

// notFoundGraceAttempts is how many consecutive not-found polls are tolerated
// before the unit is declared lost. Clusters routinely report a freshly
// submitted unit as unknown for a poll or two.
const notFoundGraceAttempts = 5

// maxStatusErrors is the consecutive transient poll-error budget.
const maxStatusErrors = 3

// RetryPolicy bounds the retries around executor submission. Retries use
// exponential backoff with jitter.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts         uint64
	InitialInterval     time.Duration
	RandomizationFactor float64
}

// DefaultRetryPolicy allows three submission attempts starting half a second
// apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.2,
	}
}

func (rp RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.InitialInterval
	b.RandomizationFactor = rp.RandomizationFactor
	retries := uint64(0)
	if rp.MaxAttempts > 0 {
		retries = rp.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// runLifecycle drives one admitted execution from submission to a terminal
// state. It owns the execution's resource allocation and releases it on every
// exit path. The terminal response is delivered on done without blocking.
func (o *Orchestrator) runLifecycle(exec *model.Execution, program string, pol policy.SandboxPolicy, cacheKey string, obs Observer, done chan<- *Response) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.cancels, exec.ID)
		o.mu.Unlock()
		cancel()
		o.pool.Release(exec.ID)
		o.broker.Close(exec.ID)
		o.queue.Complete(durationOf(exec))
		o.admitNext()
	}()

	start := o.clock.Now().UTC()
	exec.StartedAt = &start
	exec.Status = model.StatusRunning
	if err := o.store.UpdateExecution(context.Background(), exec); err != nil {
		o.logger.Error("marking execution running", "execution_id", exec.ID, "error", err)
	}
	o.observeGauges()
	o.logger.Info("execution started", "execution_id", exec.ID, "tier", exec.Tier)

	corrID, err := o.submitUnit(ctx, exec, program, pol)
	if err != nil {
		if ctx.Err() != nil {
			o.finishCanceled(exec, obs, done)
			return
		}
		o.finishFailed(exec, faults.Classify(err), obs, done)
		return
	}
	exec.CorrelationID = corrID
	if err := o.store.UpdateExecution(context.Background(), exec); err != nil {
		o.logger.Error("recording correlation id", "execution_id", exec.ID, "error", err)
	}

	o.pollUnit(ctx, exec, pol, cacheKey, obs, done)
}

// submitUnit hands the unit to the cluster executor, retrying transient
// submission failures per the retry policy.
func (o *Orchestrator) submitUnit(ctx context.Context, exec *model.Execution, program string, pol policy.SandboxPolicy) (string, error) {
	spec := executor.JobSpec{
		ExecutionID: exec.ID,
		Program:     program,
		Tier:        exec.Tier,
		Policy:      pol,
	}
	var corrID string
	attempt := 0
	op := func() error {
		attempt++
		id, err := o.executor.Submit(ctx, spec)
		if err != nil {
			o.logger.Warn("executor submission failed",
				"execution_id", exec.ID, "attempt", attempt, "error", err)
			return err
		}
		corrID = id
		return nil
	}
	if err := backoff.Retry(op, o.opts.Retry.newBackOff(ctx)); err != nil {
		return "", err
	}
	return corrID, nil
}

// pollUnit watches a submitted unit until it reaches a terminal state, its
// deadline expires, or the run is canceled. The output markers are
// authoritative: a result block ends the run even if the executor still
// reports the unit as running or failed.
func (o *Orchestrator) pollUnit(ctx context.Context, exec *model.Execution, pol policy.SandboxPolicy, cacheKey string, obs Observer, done chan<- *Response) {
	deadline := time.Duration(pol.DeadlineSeconds) * time.Second
	timeout := o.clock.Timer(deadline)
	defer timeout.Stop()
	ticker := o.clock.Ticker(o.opts.PollInterval)
	defer ticker.Stop()

	notFoundLeft := notFoundGraceAttempts
	statusErrorsLeft := maxStatusErrors

	for {
		select {
		case <-ctx.Done():
			o.cancelUnit(exec)
			o.finishCanceled(exec, obs, done)
			return

		case <-timeout.C:
			o.cancelUnit(exec)
			f := faults.Newf(faults.KindTimeout, "execution exceeded its %s limit", deadline)
			o.emitOutput(exec, o.fetchLogs(exec), obs)
			o.finishFailed(exec, f, obs, done)
			return

		case <-ticker.C:
			state, err := o.executor.Status(ctx, exec.CorrelationID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				statusErrorsLeft--
				o.logger.Warn("status poll failed",
					"execution_id", exec.ID, "remaining_budget", statusErrorsLeft, "error", err)
				if statusErrorsLeft < 0 {
					o.emitOutput(exec, o.fetchLogs(exec), obs)
					o.finishFailed(exec, faults.Classify(err), obs, done)
					return
				}
				continue
			}
			statusErrorsLeft = maxStatusErrors

			switch state {
			case executor.StateNotFound:
				notFoundLeft--
				if notFoundLeft < 0 {
					f := faults.New(faults.KindExecutorSubmission, "execution unit disappeared after submission")
					o.finishFailed(exec, f, obs, done)
					return
				}

			case executor.StateRunning:
				notFoundLeft = notFoundGraceAttempts
				text, err := o.executor.Logs(ctx, exec.CorrelationID)
				if err != nil || !strings.Contains(text, model.ResultEndMarker) {
					continue
				}
				// The marker text alone is not enough: an ordinary log line
				// may mention it. Only a well-formed result block ends a unit
				// the executor still reports as running.
				if out := ParseOutput(text); out.FoundMarkers && out.Result != nil {
					o.finishFromOutput(exec, text, state, cacheKey, obs, done)
					return
				}

			case executor.StateSucceeded, executor.StateFailed:
				text := o.fetchLogs(exec)
				o.finishFromOutput(exec, text, state, cacheKey, obs, done)
				return
			}
		}
	}
}

// finishFromOutput interprets the unit's output stream and settles the
// execution. A well-formed result block wins over the executor's own verdict;
// the disagreement is logged but never downgrades a delivered result.
func (o *Orchestrator) finishFromOutput(exec *model.Execution, text string, state executor.State, cacheKey string, obs Observer, done chan<- *Response) {
	out := o.emitOutput(exec, text, obs)

	if out.FoundMarkers && out.Result != nil {
		// A running status that lags the log stream is normal; only a
		// reported failure actually contradicts the delivered result.
		if state == executor.StateFailed {
			o.logger.Warn("result markers disagree with executor status",
				"execution_id", exec.ID, "executor_state", string(state))
		}
		o.finishCompleted(exec, out, cacheKey, obs, done)
		return
	}

	if state == executor.StateFailed {
		f := faults.New(faults.KindExecutorSubmission, "execution unit reported failure")
		o.finishFailed(exec, f, obs, done)
		return
	}
	f := faults.New(faults.KindResultParsing, "execution finished without a valid result block")
	o.finishFailed(exec, f, obs, done)
}

// emitOutput parses the output stream, persists the raw lines, and publishes
// the structured progress events, in stream order, to the broker and the
// observer. Callers must invoke it at most once per execution.
func (o *Orchestrator) emitOutput(exec *model.Execution, text string, obs Observer) Output {
	out := ParseOutput(text)
	ctx := context.Background()
	for i, line := range out.Lines {
		if err := o.store.InsertLogLine(ctx, exec.ID, i, line); err != nil {
			o.logger.Error("persisting log line", "execution_id", exec.ID, "seq", i, "error", err)
			break
		}
	}
	for _, ev := range out.Events {
		o.broker.Publish(exec.ID, ev)
		obs.OnLog(exec.ID, ev)
	}
	return out
}

func (o *Orchestrator) finishCompleted(exec *model.Execution, out Output, cacheKey string, obs Observer, done chan<- *Response) {
	o.settle(exec, model.StatusCompleted)
	exec.Result = out.Result
	if err := o.store.UpdateExecution(context.Background(), exec); err != nil {
		o.logger.Error("recording completion", "execution_id", exec.ID, "error", err)
	}
	o.cache.Put(cache.KindResult, cacheKey, out.Result)
	o.metrics.executionFinished(model.StatusCompleted, durationOf(exec).Seconds())

	obs.OnResult(exec.ID, out.Result)
	o.logger.Info("execution completed",
		"execution_id", exec.ID, "duration_ms", *exec.DurationMS)

	deliver(done, &Response{Success: true, ExecutionID: exec.ID, Result: out.Result})
}

// finishFailed settles a failed execution. Any salvageable output has already
// been emitted by the caller.
func (o *Orchestrator) finishFailed(exec *model.Execution, f *faults.Fault, obs Observer, done chan<- *Response) {
	o.settle(exec, model.StatusFailed)
	exec.Error = f.Message
	exec.ErrorType = f.Kind
	exec.Recommendation = f.Recommendation
	if err := o.store.UpdateExecution(context.Background(), exec); err != nil {
		o.logger.Error("recording failure", "execution_id", exec.ID, "error", err)
	}
	o.metrics.executionFinished(model.StatusFailed, durationOf(exec).Seconds())

	obs.OnError(exec.ID, f)
	o.logger.Info("execution failed",
		"execution_id", exec.ID, "error_type", f.Kind, "error", f.Message)

	deliver(done, failureResponse(exec.ID, f))
}

func (o *Orchestrator) finishCanceled(exec *model.Execution, obs Observer, done chan<- *Response) {
	o.settle(exec, model.StatusCanceled)
	if err := o.store.UpdateExecution(context.Background(), exec); err != nil {
		o.logger.Error("recording cancellation", "execution_id", exec.ID, "error", err)
	}
	o.metrics.executionFinished(model.StatusCanceled, durationOf(exec).Seconds())
	o.logger.Info("execution canceled", "execution_id", exec.ID)

	deliver(done, &Response{ExecutionID: exec.ID, Error: "execution canceled"})
}

// settle stamps the terminal status, finish time, and duration on the record.
func (o *Orchestrator) settle(exec *model.Execution, status string) {
	now := o.clock.Now().UTC()
	exec.Status = status
	exec.FinishedAt = &now
	if exec.StartedAt != nil {
		dur := int(now.Sub(*exec.StartedAt).Milliseconds())
		exec.DurationMS = &dur
	}
}

// cancelUnit terminates the unit on the cluster, best effort. A fresh context
// is used because the run context may already be canceled.
func (o *Orchestrator) cancelUnit(exec *model.Execution) {
	if exec.CorrelationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.executor.Cancel(ctx, exec.CorrelationID); err != nil {
		o.logger.Warn("canceling execution unit", "execution_id", exec.ID, "error", err)
	}
}

// fetchLogs retrieves the unit's output, best effort.
func (o *Orchestrator) fetchLogs(exec *model.Execution) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := o.executor.Logs(ctx, exec.CorrelationID)
	if err != nil {
		o.logger.Warn("fetching execution logs", "execution_id", exec.ID, "error", err)
		return ""
	}
	return text
}

func durationOf(exec *model.Execution) time.Duration {
	if exec.DurationMS == nil {
		return 0
	}
	return time.Duration(*exec.DurationMS) * time.Millisecond
}

// deliver hands the terminal response to a waiting caller without blocking;
// nobody may be listening for queued or abandoned submissions.
func deliver(done chan<- *Response, r *Response) {
	select {
	case done <- r:
	default:
	}
}