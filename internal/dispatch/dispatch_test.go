package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/codepr/crucible/internal/dlq"
	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/executor"
	"github.com/codepr/crucible/internal/pool"
	"github.com/codepr/crucible/internal/priority"
	"github.com/codepr/crucible/internal/queue"
)

// fakeAckNacker records whether it was acked or nacked, standing in for a
// live amqp.Delivery.
type fakeAckNacker struct {
	acked, nacked bool
	requeued      bool
}

func (f *fakeAckNacker) Ack(multiple bool) error { f.acked = true; return nil }
func (f *fakeAckNacker) Nack(multiple, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

// fakeDequeuer hands back exactly one delivery then blocks until ctx is
// cancelled, and records every PublishTo call.
type fakeDequeuer struct {
	mu        sync.Mutex
	delivered bool
	delivery  queue.Delivery
	published []queue.Message
}

func (f *fakeDequeuer) Next(ctx context.Context) (queue.Delivery, error) {
	f.mu.Lock()
	if !f.delivered {
		f.delivered = true
		d := f.delivery
		f.mu.Unlock()
		return d, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return queue.Delivery{}, ctx.Err()
}

func (f *fakeDequeuer) PublishTo(q priority.Queue, m queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return nil
}

type fakePool struct {
	claimErr   error
	releasedAt []string
}

func (p *fakePool) Claim(ctx context.Context, evalID string, ttl time.Duration) (string, error) {
	if p.claimErr != nil {
		return "", p.claimErr
	}
	return "http://executor-0:8083", nil
}

func (p *fakePool) Release(ctx context.Context, url string) (pool.ReleaseStatus, error) {
	p.releasedAt = append(p.releasedAt, url)
	return pool.ReleaseReleased, nil
}

type fakeHealthChecker struct{ healthy bool }

func (h *fakeHealthChecker) CheckHealth(ctx context.Context, url string) bool { return h.healthy }

type fakeExecutorClient struct {
	result     executor.ExecuteResult
	statusCode int
	err        error
}

func (e *fakeExecutorClient) Execute(ctx context.Context, url string, req executor.ExecuteRequest) (executor.ExecuteResult, int, error) {
	return e.result, e.statusCode, e.err
}

type fakeStateStore struct {
	mu          sync.Mutex
	transitions []eval.Status
	retryCount  int
}

func (s *fakeStateStore) Transition(ctx context.Context, evalID string, next eval.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, next)
	return nil
}
func (s *fakeStateStore) SetExecutor(ctx context.Context, evalID, executorURL, containerID string) error {
	return nil
}
func (s *fakeStateStore) RecordOutput(ctx context.Context, evalID, output, errText string, exitCode int) error {
	return nil
}
func (s *fakeStateStore) IncrementRetry(ctx context.Context, evalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fakeDLQ struct {
	added []dlq.Task
}

func (d *fakeDLQ) Add(ctx context.Context, t dlq.Task) error {
	d.added = append(d.added, t)
	return nil
}

type fakeRunningTracker struct {
	marked   []string
	released []string
}

func (r *fakeRunningTracker) MarkRunning(ctx context.Context, evalID, executorURL string) error {
	r.marked = append(r.marked, evalID)
	return nil
}
func (r *fakeRunningTracker) MarkTerminal(ctx context.Context, evalID string) error {
	r.released = append(r.released, evalID)
	return nil
}

func testLogger() *log.Logger { return log.New(os.Stderr, "test: ", 0) }

func TestProcessSuccessPath(t *testing.T) {
	ack := &fakeAckNacker{}
	m := queue.Message{EvalID: "e1", Code: "print(1)", Language: "python", Engine: "cpython", Timeout: 10, Priority: 500}
	d := queue.NewDelivery(m, priority.QueueMid, ack)

	deq := &fakeDequeuer{delivery: d}
	state := &fakeStateStore{}
	publisher := &fakePublisher{}
	running := &fakeRunningTracker{}
	pl := &fakePool{}

	w := &Worker{
		Queues:    deq,
		Pool:      pl,
		Router:    &fakeHealthChecker{healthy: true},
		Executor:  &fakeExecutorClient{result: executor.ExecuteResult{Output: "1\n", ExitCode: 0}},
		State:     state,
		Publisher: publisher,
		DLQ:       &fakeDLQ{},
		Running:   running,
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if !ack.acked {
		t.Fatal("expected delivery to be acked on success")
	}
	if len(pl.releasedAt) != 1 {
		t.Fatalf("expected exactly one release, got %d", len(pl.releasedAt))
	}
	last := state.transitions[len(state.transitions)-1]
	if last != eval.StatusCompleted {
		t.Fatalf("expected final transition to completed, got %s", last)
	}
	if len(running.released) != 1 {
		t.Fatalf("expected running index to mark terminal once, got %d", len(running.released))
	}
}

func TestProcessNonZeroExitMarksFailed(t *testing.T) {
	ack := &fakeAckNacker{}
	m := queue.Message{EvalID: "e2", Code: "raise", Language: "python", Engine: "cpython", Timeout: 10, Priority: 500}
	d := queue.NewDelivery(m, priority.QueueMid, ack)

	deq := &fakeDequeuer{delivery: d}
	state := &fakeStateStore{}

	w := &Worker{
		Queues:    deq,
		Pool:      &fakePool{},
		Router:    &fakeHealthChecker{healthy: true},
		Executor:  &fakeExecutorClient{result: executor.ExecuteResult{Error: "boom", ExitCode: 1}},
		State:     state,
		Publisher: &fakePublisher{},
		DLQ:       &fakeDLQ{},
		Running:   &fakeRunningTracker{},
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	last := state.transitions[len(state.transitions)-1]
	if last != eval.StatusFailed {
		t.Fatalf("expected final transition to failed, got %s", last)
	}
	if !ack.acked {
		t.Fatal("expected delivery to be acked even on an exit-code failure")
	}
}

func TestProcessCancelledResultMarksCancelledNotFailed(t *testing.T) {
	ack := &fakeAckNacker{}
	m := queue.Message{EvalID: "e5", Code: "while True: pass", Language: "python", Engine: "cpython", Timeout: 10, Priority: 500}
	d := queue.NewDelivery(m, priority.QueueMid, ack)

	deq := &fakeDequeuer{delivery: d}
	state := &fakeStateStore{}
	running := &fakeRunningTracker{}

	w := &Worker{
		Queues:    deq,
		Pool:      &fakePool{},
		Router:    &fakeHealthChecker{healthy: true},
		Executor:  &fakeExecutorClient{result: executor.ExecuteResult{Cancelled: true}},
		State:     state,
		Publisher: &fakePublisher{},
		DLQ:       &fakeDLQ{},
		Running:   running,
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if !ack.acked {
		t.Fatal("expected delivery to be acked on a cancelled result")
	}
	last := state.transitions[len(state.transitions)-1]
	if last != eval.StatusCancelled {
		t.Fatalf("expected final transition to cancelled, got %s", last)
	}
	if len(running.released) != 1 {
		t.Fatalf("expected running index to mark terminal once, got %d", len(running.released))
	}
}

func TestProcessClaimFailureRequeuesImmediately(t *testing.T) {
	ack := &fakeAckNacker{}
	m := queue.Message{EvalID: "e3", Priority: 500}
	d := queue.NewDelivery(m, priority.QueueMid, ack)

	deq := &fakeDequeuer{delivery: d}

	w := &Worker{
		Queues:    deq,
		Pool:      &fakePool{claimErr: pool.ErrNoneAvailable},
		Router:    &fakeHealthChecker{healthy: true},
		Executor:  &fakeExecutorClient{},
		State:     &fakeStateStore{},
		Publisher: &fakePublisher{},
		DLQ:       &fakeDLQ{},
		Running:   &fakeRunningTracker{},
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if !ack.acked {
		t.Fatal("expected original delivery acked once re-published")
	}
	deq.mu.Lock()
	defer deq.mu.Unlock()
	if len(deq.published) != 1 || deq.published[0].EvalID != "e3" {
		t.Fatalf("expected e3 to be republished, got %+v", deq.published)
	}
}

func TestProcessExecutionErrorDeadLettersOnExhaustion(t *testing.T) {
	ack := &fakeAckNacker{}
	m := queue.Message{EvalID: "e4", Priority: 500, Attempt: 99}
	d := queue.NewDelivery(m, priority.QueueMid, ack)

	deq := &fakeDequeuer{delivery: d}
	dq := &fakeDLQ{}
	state := &fakeStateStore{retryCount: 10} // already past any policy's max retries

	w := &Worker{
		Queues:    deq,
		Pool:      &fakePool{},
		Router:    &fakeHealthChecker{healthy: true},
		Executor:  &fakeExecutorClient{err: fmt.Errorf("unexpected EOF"), statusCode: 500},
		State:     state,
		Publisher: &fakePublisher{},
		DLQ:       dq,
		Running:   &fakeRunningTracker{},
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(dq.added) != 1 {
		t.Fatalf("expected task to be dead-lettered, got %d entries", len(dq.added))
	}
	last := state.transitions[len(state.transitions)-1]
	if last != eval.StatusFailed {
		t.Fatalf("expected final transition to failed, got %s", last)
	}
}
