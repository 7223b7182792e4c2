// Package dispatch implements the Task Dispatcher/Worker (spec §4.5): the
// loop that pulls a task off the strict-priority queues, claims an
// executor, runs the evaluation, and resolves it to a terminal state or a
// computed retry.
//
// Grounded on backend/dispatcher.go's Dispatcher.Consume (queue-consume
// loop feeding per-runner goroutines) and tasks.py's evaluate_code Celery
// task, whose exception-driven retry/DLQ branching is replaced here with an
// explicit Outcome value so the control flow stays in ordinary Go, not
// panic/recover.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/codepr/crucible/internal/dlq"
	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/executor"
	"github.com/codepr/crucible/internal/pool"
	"github.com/codepr/crucible/internal/priority"
	"github.com/codepr/crucible/internal/queue"
	"github.com/codepr/crucible/internal/retry"
)

// StateStore is the state-machine-and-storage seam the Lifecycle
// Controller (internal/lifecycle) implements; dispatch never talks to
// durable storage directly.
type StateStore interface {
	Transition(ctx context.Context, evalID string, next eval.Status) error
	SetExecutor(ctx context.Context, evalID, executorURL, containerID string) error
	RecordOutput(ctx context.Context, evalID, output, errText string, exitCode int) error
	IncrementRetry(ctx context.Context, evalID string) (int, error)
}

// ExecutorClient is the dispatcher-side call into a claimed executor,
// satisfied by executor.Client.
type ExecutorClient interface {
	Execute(ctx context.Context, url string, req executor.ExecuteRequest) (executor.ExecuteResult, int, error)
}

// PoolClaimer is the claim/release seam, satisfied by pool.Registry.
type PoolClaimer interface {
	Claim(ctx context.Context, evalID string, leaseTTL time.Duration) (string, error)
	Release(ctx context.Context, url string) (pool.ReleaseStatus, error)
}

// HealthChecker is the liveness-probe seam, satisfied by router.Router.
type HealthChecker interface {
	CheckHealth(ctx context.Context, url string) bool
}

// Dequeuer is the strict-priority transport seam, satisfied by
// queue.PriorityQueues.
type Dequeuer interface {
	Next(ctx context.Context) (queue.Delivery, error)
	PublishTo(q priority.Queue, m queue.Message) error
}

// TaskDLQ is the dead-letter seam, satisfied by dlq.Queue.
type TaskDLQ interface {
	Add(ctx context.Context, t dlq.Task) error
}

// RunningTracker is the Running-State Index seam, satisfied by
// runningindex.Index.
type RunningTracker interface {
	MarkRunning(ctx context.Context, evalID, executorURL string) error
	MarkTerminal(ctx context.Context, evalID string) error
}

// Metrics is the event-driven recording seam, satisfied by
// metrics.Collectors. It is optional: a nil Worker.Metrics simply skips
// recording, the same nil-safe pattern Worker.Publisher already follows.
type Metrics interface {
	RecordRetry(policy string)
	RecordOutcome(outcome string, duration time.Duration)
}

// Worker drains a Dequeuer and drives each task through claim, execute, and
// resolve.
type Worker struct {
	Queues    Dequeuer
	Pool      PoolClaimer
	Router    HealthChecker
	Executor  ExecutorClient
	State     StateStore
	Publisher events.Publisher
	DLQ       TaskDLQ
	Running   RunningTracker
	Metrics   Metrics
	LeaseTTL  time.Duration
	Logger    *log.Logger
}

// Run drains deliveries until ctx is cancelled, processing one at a time.
// Multiple Workers may call Run concurrently over the same PriorityQueues
// to parallelize processing, the same "N goroutines pull from one channel"
// shape as TestRunnerPool.Start in core/runner.go.
func (w *Worker) Run(ctx context.Context) error {
	for {
		delivery, err := w.Queues.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.Logger.Printf("dispatch: queue poll error: %v", err)
			continue
		}
		w.process(ctx, delivery)
	}
}

// process runs one delivery through claim -> execute -> resolve, always
// ack'ing or nack'ing it exactly once.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	m := d.Message
	started := time.Now()

	if err := w.State.Transition(ctx, m.EvalID, eval.StatusProvisioning); err != nil {
		w.Logger.Printf("eval %s: cannot move to provisioning: %v", m.EvalID, err)
		d.Nack(false)
		return
	}

	url, err := w.Pool.Claim(ctx, m.EvalID, w.leaseTTL())
	if err != nil {
		w.Logger.Printf("eval %s: claim failed: %v", m.EvalID, err)
		w.requeue(ctx, d, m)
		return
	}

	if healthy := w.Router.CheckHealth(ctx, url); !healthy {
		w.Logger.Printf("eval %s: claimed executor %s failed health check, releasing and requeueing", m.EvalID, url)
		w.Pool.Release(ctx, url)
		w.requeue(ctx, d, m)
		return
	}

	if err := w.State.SetExecutor(ctx, m.EvalID, url, ""); err != nil {
		w.Logger.Printf("eval %s: set executor failed: %v", m.EvalID, err)
	}
	if err := w.Running.MarkRunning(ctx, m.EvalID, url); err != nil {
		w.Logger.Printf("eval %s: mark running failed: %v", m.EvalID, err)
	}
	if err := w.State.Transition(ctx, m.EvalID, eval.StatusRunning); err != nil {
		w.Logger.Printf("eval %s: cannot move to running: %v", m.EvalID, err)
	}
	w.publish(ctx, m.EvalID, eval.StatusRunning, 0, "")

	result, statusCode, execErr := w.Executor.Execute(ctx, url, executor.ExecuteRequest{
		EvalID:      m.EvalID,
		Code:        m.Code,
		Language:    m.Language,
		Engine:      m.Engine,
		TimeoutSecs: m.Timeout,
	})

	if _, releaseErr := w.Pool.Release(ctx, url); releaseErr != nil {
		w.Logger.Printf("eval %s: release failed: %v", m.EvalID, releaseErr)
	}

	if execErr != nil {
		w.resolveFailure(ctx, d, m, execErr, statusCode, started)
		return
	}

	if result.TimedOut {
		w.Running.MarkTerminal(ctx, m.EvalID)
		w.State.RecordOutput(ctx, m.EvalID, result.Output, result.Error, result.ExitCode)
		w.State.Transition(ctx, m.EvalID, eval.StatusTimeout)
		w.publish(ctx, m.EvalID, eval.StatusTimeout, result.ExitCode, "execution exceeded timeout")
		w.recordOutcome(string(eval.StatusTimeout), started)
		d.Ack()
		return
	}

	if result.Cancelled {
		// The evaluation was already transitioned to cancelled by
		// lifecycle.Controller.Cancel's forced-cancel path; the state
		// transition below is expected to no-op against that terminal
		// state (logged, not treated as an error) the same way any other
		// late Transition call after an operator-initiated cancel would.
		w.Running.MarkTerminal(ctx, m.EvalID)
		w.State.RecordOutput(ctx, m.EvalID, result.Output, result.Error, result.ExitCode)
		if err := w.State.Transition(ctx, m.EvalID, eval.StatusCancelled); err != nil {
			w.Logger.Printf("eval %s: cancelled-state transition: %v", m.EvalID, err)
		}
		w.recordOutcome(string(eval.StatusCancelled), started)
		d.Ack()
		return
	}

	w.Running.MarkTerminal(ctx, m.EvalID)
	w.State.RecordOutput(ctx, m.EvalID, result.Output, result.Error, result.ExitCode)
	if result.ExitCode == 0 {
		w.State.Transition(ctx, m.EvalID, eval.StatusCompleted)
		w.publish(ctx, m.EvalID, eval.StatusCompleted, result.ExitCode, "")
		w.recordOutcome(string(eval.StatusCompleted), started)
	} else {
		w.State.Transition(ctx, m.EvalID, eval.StatusFailed)
		w.publish(ctx, m.EvalID, eval.StatusFailed, result.ExitCode, result.Error)
		w.recordOutcome(string(eval.StatusFailed), started)
	}
	d.Ack()
}

func (w *Worker) recordOutcome(outcome string, started time.Time) {
	if w.Metrics != nil {
		w.Metrics.RecordOutcome(outcome, time.Since(started))
	}
}

// resolveFailure classifies an execution-call error and either requeues
// with a computed delay or dead-letters the task, mirroring tasks.py's
// autoretry_for / max_retries branching but as an explicit decision instead
// of catching a raised exception.
func (w *Worker) resolveFailure(ctx context.Context, d queue.Delivery, m queue.Message, execErr error, statusCode int, started time.Time) {
	outcome, policy := retry.Classify(execErr, statusCode)

	if outcome == retry.Retryable {
		attempt, err := w.State.IncrementRetry(ctx, m.EvalID)
		if err == nil && !retry.Exhausted(attempt, policy) {
			if w.Metrics != nil {
				w.Metrics.RecordRetry(policy.Name)
			}
			w.requeueWithDelay(ctx, d, m, retry.Delay(attempt-1, policy))
			return
		}
	}

	w.Running.MarkTerminal(ctx, m.EvalID)
	w.State.RecordOutput(ctx, m.EvalID, "", execErr.Error(), -1)
	w.State.Transition(ctx, m.EvalID, eval.StatusFailed)
	w.publish(ctx, m.EvalID, eval.StatusFailed, -1, execErr.Error())
	w.recordOutcome(string(eval.StatusFailed), started)

	if w.DLQ != nil {
		w.DLQ.Add(ctx, dlq.Task{
			TaskID:         m.EvalID,
			EvalID:         m.EvalID,
			TaskName:       "evaluate_code",
			Message:        m,
			ExceptionClass: classifyException(execErr),
			ExceptionMsg:   execErr.Error(),
			Attempts:       m.Attempt,
			FailedAt:       time.Now(),
		})
	}
	d.Ack()
}

// requeue re-publishes m onto its originating priority band immediately,
// used when a claim or health check fails before execution ever began (no
// retry-policy delay applies, since no attempt against the evaluation's own
// timeout budget was made).
func (w *Worker) requeue(ctx context.Context, d queue.Delivery, m queue.Message) {
	w.State.Transition(ctx, m.EvalID, eval.StatusQueued)
	if err := w.Queues.PublishTo(priority.ToQueue(m.Priority), m); err != nil {
		w.Logger.Printf("eval %s: requeue failed: %v", m.EvalID, err)
	}
	d.Ack()
}

// requeueWithDelay sleeps for delay before re-publishing; the sleep runs in
// its own goroutine so it never blocks the worker's main poll loop (the
// same non-blocking timer discipline as queue.PriorityQueues.Next's empty
// sweeps).
func (w *Worker) requeueWithDelay(ctx context.Context, d queue.Delivery, m queue.Message, delay time.Duration) {
	m.Attempt++
	w.State.Transition(ctx, m.EvalID, eval.StatusQueued)
	d.Ack()
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := w.Queues.PublishTo(priority.ToQueue(m.Priority), m); err != nil {
			w.Logger.Printf("eval %s: delayed requeue failed: %v", m.EvalID, err)
		}
	}()
}

func (w *Worker) publish(ctx context.Context, evalID string, status eval.Status, exitCode int, errText string) {
	if w.Publisher == nil {
		return
	}
	if err := w.Publisher.Publish(ctx, events.Event{
		EvalID:    evalID,
		Status:    status,
		ExitCode:  exitCode,
		Error:     errText,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		w.Logger.Printf("eval %s: publish %s event failed: %v", evalID, status, err)
	}
}

func (w *Worker) leaseTTL() time.Duration {
	if w.LeaseTTL > 0 {
		return w.LeaseTTL
	}
	return 2 * time.Minute
}

// classifyException reduces an error to a short class name for DLQ
// statistics grouping, mirroring how the Python side records
// exception.__class__.__name__.
func classifyException(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	default:
		return "ExecutionError"
	}
}
