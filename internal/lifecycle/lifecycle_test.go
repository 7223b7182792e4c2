package lifecycle

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/queue"
	"github.com/codepr/crucible/internal/storage"
)

type fakeEnqueuer struct {
	published []queue.Message
}

func (f *fakeEnqueuer) Publish(m queue.Message) error {
	f.published = append(f.published, m)
	return nil
}

type fakePublisher struct {
	events []events.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e events.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeCanceller struct {
	calls int
	url   string
	id    string
	err   error
}

func (f *fakeCanceller) Cancel(ctx context.Context, executorURL, evalID string) error {
	f.calls++
	f.url = executorURL
	f.id = evalID
	return f.err
}

func newController() (*Controller, *fakeEnqueuer, *fakePublisher) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	pub := &fakePublisher{}
	logger := log.New(os.Stderr, "test: ", 0)
	return New(store, enq, pub, nil, logger), enq, pub
}

func TestSubmitValidatesEmptyCode(t *testing.T) {
	c, _, _ := newController()
	if _, err := c.Submit(context.Background(), SubmitRequest{Code: "", TimeoutSecs: 10}); err == nil {
		t.Fatal("expected validation error for empty code")
	}
}

func TestSubmitValidatesTimeout(t *testing.T) {
	c, _, _ := newController()
	if _, err := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 0}); err == nil {
		t.Fatal("expected validation error for timeout < 1")
	}
}

func TestSubmitPersistsEnqueuesAndPublishes(t *testing.T) {
	c, enq, pub := newController()
	id, err := c.Submit(context.Background(), SubmitRequest{Code: "print(1)", Language: "python", Engine: "cpython", TimeoutSecs: 10, Priority: 500})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty eval id")
	}

	got, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != eval.StatusQueued {
		t.Fatalf("expected queued status, got %s", got.Status)
	}

	if len(enq.published) != 1 || enq.published[0].EvalID != id {
		t.Fatalf("expected one enqueued message for %s, got %+v", id, enq.published)
	}
	if len(pub.events) != 1 || pub.events[0].Status != eval.StatusQueued {
		t.Fatalf("expected one queued event published, got %+v", pub.events)
	}
}

func TestCancelQueuedSucceeds(t *testing.T) {
	c, _, _ := newController()
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})

	outcome, err := c.Cancel(context.Background(), id, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !outcome.Cancelled || outcome.PreviousState != eval.StatusQueued {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	got, _ := c.Get(context.Background(), id)
	if got.Status != eval.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancelRunningWithoutForceRefuses(t *testing.T) {
	c, _, _ := newController()
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})
	c.Transition(context.Background(), id, eval.StatusProvisioning)
	c.Transition(context.Background(), id, eval.StatusRunning)

	outcome, err := c.Cancel(context.Background(), id, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome.Cancelled {
		t.Fatal("expected cancel without force to be refused while running")
	}

	got, _ := c.Get(context.Background(), id)
	if got.Status != eval.StatusRunning {
		t.Fatalf("expected status unchanged at running, got %s", got.Status)
	}
}

func TestCancelRunningWithForceSucceeds(t *testing.T) {
	c, _, _ := newController()
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})
	c.Transition(context.Background(), id, eval.StatusProvisioning)
	c.Transition(context.Background(), id, eval.StatusRunning)

	outcome, err := c.Cancel(context.Background(), id, true)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !outcome.Cancelled {
		t.Fatal("expected forced cancel to succeed")
	}
}

func TestCancelRunningWithForceSignalsCanceller(t *testing.T) {
	c, _, _ := newController()
	canceller := &fakeCanceller{}
	c.Canceller = canceller
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})
	c.Transition(context.Background(), id, eval.StatusProvisioning)
	c.SetExecutor(context.Background(), id, "http://executor-0:8083", "")
	c.Transition(context.Background(), id, eval.StatusRunning)

	if _, err := c.Cancel(context.Background(), id, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceller.calls != 1 {
		t.Fatalf("expected Canceller.Cancel called once, got %d", canceller.calls)
	}
	if canceller.url != "http://executor-0:8083" || canceller.id != id {
		t.Fatalf("unexpected canceller args: url=%s id=%s", canceller.url, canceller.id)
	}
}

func TestCancelRunningWithoutForceNeverSignalsCanceller(t *testing.T) {
	c, _, _ := newController()
	canceller := &fakeCanceller{}
	c.Canceller = canceller
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})
	c.Transition(context.Background(), id, eval.StatusProvisioning)
	c.Transition(context.Background(), id, eval.StatusRunning)

	if _, err := c.Cancel(context.Background(), id, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceller.calls != 0 {
		t.Fatalf("expected Canceller.Cancel never called without force, got %d calls", canceller.calls)
	}
}

func TestCancelTerminalIsIdempotentNoOp(t *testing.T) {
	c, _, _ := newController()
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})
	c.Cancel(context.Background(), id, false)

	outcome, err := c.Cancel(context.Background(), id, false)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if outcome.Cancelled {
		t.Fatal("expected second cancel on a terminal state to be a no-op")
	}
	if outcome.PreviousState != eval.StatusCancelled {
		t.Fatalf("expected previous state cancelled, got %s", outcome.PreviousState)
	}
}

func TestIncrementRetryPersists(t *testing.T) {
	c, _, _ := newController()
	id, _ := c.Submit(context.Background(), SubmitRequest{Code: "x", TimeoutSecs: 10})

	n, err := c.IncrementRetry(context.Background(), id)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected retry count 1, got %d", n)
	}
	got, _ := c.Get(context.Background(), id)
	if got.RetryCount != 1 {
		t.Fatalf("expected persisted retry count 1, got %d", got.RetryCount)
	}
}
