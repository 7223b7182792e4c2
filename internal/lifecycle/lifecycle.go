// Package lifecycle implements the Evaluation Lifecycle Controller (spec
// §4.7): the end-to-end coordinator from submission through queueing,
// dispatch, completion events, storage finalization, and running-index
// cleanup. It is the StateStore dispatch.Worker drives and the upward-facing
// API internal/httpapi calls into.
//
// Grounded on core/commitstore.go / core/repostore.go's Store (simple
// keyed record access guarded by a mutex), generalized from an in-memory
// commit store to durable storage plus queue enqueue and event publish.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/priority"
	"github.com/codepr/crucible/internal/queue"
	"github.com/codepr/crucible/internal/runningindex"
	"github.com/codepr/crucible/internal/storage"
)

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	Code        string
	Language    string
	Engine      string
	TimeoutSecs int
	Priority    int
}

// Validate enforces spec §4.7's submission invariants.
func (r SubmitRequest) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("lifecycle: code must not be empty")
	}
	if r.TimeoutSecs < 1 {
		return fmt.Errorf("lifecycle: timeout_secs must be >= 1")
	}
	return nil
}

// CancelOutcome is the structured result of a Cancel call, mirroring
// task_management.py's cancel_task return shape.
type CancelOutcome struct {
	PreviousState eval.Status
	Cancelled     bool
	Message       string
}

// ErrCapacity wraps a Submit failure that originates from a downstream
// collaborator (durable storage or the queue broker) rather than from
// request validation, so internal/httpapi can report it as a 503 instead
// of a 400 (spec §3: "503 if no downstream capacity").
var ErrCapacity = errors.New("lifecycle: no downstream capacity")

// Enqueuer is the transport seam Submit publishes onto.
type Enqueuer interface {
	Publish(m queue.Message) error
}

// Canceller signals a running evaluation's claimed executor to stop,
// satisfied by executorctl.ForcedCanceller. It is optional: a nil
// Canceller still marks the evaluation cancelled in storage and the
// running index, it just never notifies the executor, leaving the
// executor to run to its own completion or timeout.
type Canceller interface {
	Cancel(ctx context.Context, executorURL, evalID string) error
}

// Controller owns the Evaluation record end to end.
type Controller struct {
	Store     storage.Store
	Queue     Enqueuer
	Publisher events.Publisher
	Running   *runningindex.Index
	Canceller Canceller
	Logger    *log.Logger
}

// New constructs a Controller from its collaborators.
func New(store storage.Store, q Enqueuer, publisher events.Publisher, running *runningindex.Index, logger *log.Logger) *Controller {
	return &Controller{Store: store, Queue: q, Publisher: publisher, Running: running, Logger: logger}
}

// Submit validates req, assigns an eval_id, writes the initial queued
// record, and enqueues it onto the priority-appropriate queue. It returns
// as soon as the record is durable and the message is enqueued -- it does
// not wait for dispatch.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	priorityVal := priority.Normalize(req.Priority)

	id, err := newEvalID()
	if err != nil {
		return "", fmt.Errorf("lifecycle: generate id: %w", err)
	}

	e := eval.New(id, req.Code, req.Language, req.Engine, req.TimeoutSecs, priorityVal)
	if err := c.Store.Put(ctx, e); err != nil {
		return "", fmt.Errorf("lifecycle: persist %s: %w: %w", id, ErrCapacity, err)
	}

	if err := c.Queue.Publish(queue.Message{
		EvalID:   id,
		Code:     req.Code,
		Language: req.Language,
		Engine:   req.Engine,
		Timeout:  req.TimeoutSecs,
		Priority: priorityVal,
	}); err != nil {
		return "", fmt.Errorf("lifecycle: enqueue %s: %w: %w", id, ErrCapacity, err)
	}

	c.publishEvent(ctx, id, eval.StatusQueued, 0, "")
	return id, nil
}

// Get returns the current record. Callers distinguish not-found from a
// lookup failure via errors.Is(err, storage.ErrNotFound).
func (c *Controller) Get(ctx context.Context, evalID string) (*eval.Evaluation, error) {
	return c.Store.Get(ctx, evalID)
}

// List returns a paginated view over durable storage. For status=running
// filters, List cross-checks each candidate against the live running index
// so a stale durable record is never reported as running when the
// dispatcher has already moved it on (spec §4.7: "must return the actual
// current status ... never a hard-coded placeholder").
func (c *Controller) List(ctx context.Context, filter storage.ListFilter, page storage.Page) ([]*eval.Evaluation, error) {
	results, err := c.Store.List(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	if filter.Status != eval.StatusRunning || c.Running == nil {
		return results, nil
	}

	filtered := results[:0]
	for _, e := range results {
		stillRunning, err := c.Running.IsRunning(ctx, e.ID)
		if err != nil {
			c.Logger.Printf("lifecycle: running-index check failed for %s: %v", e.ID, err)
			continue
		}
		if stillRunning {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Cancel applies spec §4.5's cancel semantics: queued/provisioning cancel
// immediately (soft, queue-only removal already implied by the state
// transition); running requires force, and a forced cancel first calls
// Canceller to signal the executor, waiting for that call to return and
// logging (not returning) its error, before it transitions the record.
// Cancelling a terminal evaluation is an idempotent no-op.
func (c *Controller) Cancel(ctx context.Context, evalID string, force bool) (CancelOutcome, error) {
	e, err := c.Store.Get(ctx, evalID)
	if err != nil {
		return CancelOutcome{}, err
	}
	previous := e.CurrentStatus()

	if previous.Terminal() {
		return CancelOutcome{PreviousState: previous, Cancelled: false, Message: "evaluation already in a terminal state"}, nil
	}

	if previous == eval.StatusRunning && !force {
		return CancelOutcome{PreviousState: previous, Cancelled: false, Message: "evaluation is running; force=true required to cancel"}, nil
	}

	if previous == eval.StatusRunning && force {
		c.signalExecutorStop(ctx, e.ExecutorID, evalID)
	}

	if err := e.Transition(eval.StatusCancelled); err != nil {
		return CancelOutcome{}, fmt.Errorf("lifecycle: cancel %s: %w", evalID, err)
	}
	if err := c.Store.Put(ctx, e); err != nil {
		return CancelOutcome{}, fmt.Errorf("lifecycle: persist cancel %s: %w", evalID, err)
	}
	if c.Running != nil {
		c.Running.MarkTerminal(ctx, evalID)
	}
	c.publishEvent(ctx, evalID, eval.StatusCancelled, 0, "cancelled by caller")

	msg := "cancelled"
	if previous == eval.StatusRunning {
		msg = "cancel signal sent to executor"
	}
	return CancelOutcome{PreviousState: previous, Cancelled: true, Message: msg}, nil
}

// StateStore implementation -- the seam dispatch.Worker drives.

// Transition advances evalID's state machine, persisting the result.
func (c *Controller) Transition(ctx context.Context, evalID string, next eval.Status) error {
	e, err := c.Store.Get(ctx, evalID)
	if err != nil {
		return err
	}
	if err := e.Transition(next); err != nil {
		return err
	}
	return c.Store.Put(ctx, e)
}

// SetExecutor records the claimed executor against evalID.
func (c *Controller) SetExecutor(ctx context.Context, evalID, executorURL, containerID string) error {
	e, err := c.Store.Get(ctx, evalID)
	if err != nil {
		return err
	}
	if err := e.SetExecutor(executorURL, containerID); err != nil {
		return err
	}
	return c.Store.Put(ctx, e)
}

// RecordOutput persists the (possibly truncated) output/error/exit code.
func (c *Controller) RecordOutput(ctx context.Context, evalID, output, errText string, exitCode int) error {
	e, err := c.Store.Get(ctx, evalID)
	if err != nil {
		return err
	}
	e.SetOutput(output, errText, exitCode, nil)
	return c.Store.Put(ctx, e)
}

// IncrementRetry bumps and persists evalID's retry counter, returning the
// new count.
func (c *Controller) IncrementRetry(ctx context.Context, evalID string) (int, error) {
	e, err := c.Store.Get(ctx, evalID)
	if err != nil {
		return 0, err
	}
	e.RetryCount++
	if err := c.Store.Put(ctx, e); err != nil {
		return 0, err
	}
	return e.RetryCount, nil
}

// signalExecutorStop best-effort notifies the executor holding evalID to
// abort. Failure is logged, not propagated: the Evaluation still transitions
// to cancelled either way (spec §5: forced cancel "must ... not wait forever
// for a response"), and the dispatcher's own release-on-completion path
// reclaims the executor regardless of whether the signal was delivered.
func (c *Controller) signalExecutorStop(ctx context.Context, executorURL, evalID string) {
	if c.Canceller == nil || executorURL == "" {
		return
	}
	if err := c.Canceller.Cancel(ctx, executorURL, evalID); err != nil {
		c.Logger.Printf("lifecycle: forced cancel signal to %s for %s failed: %v", executorURL, evalID, err)
	}
}

func (c *Controller) publishEvent(ctx context.Context, evalID string, status eval.Status, exitCode int, errText string) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.Publish(ctx, events.Event{
		EvalID:    evalID,
		Status:    status,
		ExitCode:  exitCode,
		Error:     errText,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		c.Logger.Printf("lifecycle: publish %s event for %s failed: %v", status, evalID, err)
	}
}

func newEvalID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
