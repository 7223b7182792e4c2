// Package runningindex implements the Running-State Index (spec §4.6): a
// fast, in-memory-speed view of which evaluations are currently in flight
// and on which executor, kept consistent with durable storage by
// subscribing to evaluation events and by periodic reconciliation.
//
// Grounded on queue-worker/app.py's in-memory executor/task bookkeeping,
// generalized into one Redis key per evaluation (eval_id -> executor URL)
// plus a set of live IDs so multiple dispatcher processes share one view, the same
// division of labour as the Executor Pool Registry in internal/pool.
package runningindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
)

const (
	liveSetKey  = "running:ids"
	executorKey = "running:executor:"
)

// Index tracks in-flight evaluations.
type Index struct {
	rdb *redis.Client
}

// New constructs an Index over an existing Redis client.
func New(rdb *redis.Client) *Index {
	return &Index{rdb: rdb}
}

// MarkRunning records evalID as in flight on executorURL.
func (idx *Index) MarkRunning(ctx context.Context, evalID, executorURL string) error {
	pipe := idx.rdb.TxPipeline()
	pipe.SAdd(ctx, liveSetKey, evalID)
	pipe.Set(ctx, executorKey+evalID, executorURL, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runningindex: mark running %s: %w", evalID, err)
	}
	return nil
}

// MarkTerminal removes evalID from the live set, mirroring the invariant
// that the index only ever reflects non-terminal evaluations.
func (idx *Index) MarkTerminal(ctx context.Context, evalID string) error {
	pipe := idx.rdb.TxPipeline()
	pipe.SRem(ctx, liveSetKey, evalID)
	pipe.Del(ctx, executorKey+evalID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runningindex: mark terminal %s: %w", evalID, err)
	}
	return nil
}

// IsRunning reports whether evalID is currently tracked as in flight.
func (idx *Index) IsRunning(ctx context.Context, evalID string) (bool, error) {
	ok, err := idx.rdb.SIsMember(ctx, liveSetKey, evalID).Result()
	if err != nil {
		return false, fmt.Errorf("runningindex: is running %s: %w", evalID, err)
	}
	return ok, nil
}

// List returns every evaluation ID currently tracked as in flight.
func (idx *Index) List(ctx context.Context) ([]string, error) {
	ids, err := idx.rdb.SMembers(ctx, liveSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("runningindex: list: %w", err)
	}
	return ids, nil
}

// ExecutorFor returns which executor evalID was dispatched to, if any.
func (idx *Index) ExecutorFor(ctx context.Context, evalID string) (string, bool, error) {
	url, err := idx.rdb.Get(ctx, executorKey+evalID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("runningindex: executor for %s: %w", evalID, err)
	}
	return url, true, nil
}

// Follow subscribes to evaluation events and removes an evaluation from the
// index on any terminal event; non-terminal events change nothing, since
// membership is added only by MarkRunning. This is the index's fast path; Reconcile is the slow, authoritative
// backstop against missed events.
func (idx *Index) Follow(ctx context.Context, sub *events.Subscriber) error {
	return sub.Subscribe(ctx, func(e events.Event) {
		switch e.Status {
		case eval.StatusRunning, eval.StatusProvisioning, eval.StatusQueued:
			// Membership for non-terminal states is maintained by the
			// dispatcher's explicit MarkRunning call (it alone knows the
			// executor URL); Follow only needs to clear terminal ones.
		default:
			if e.Status.Terminal() {
				idx.MarkTerminal(ctx, e.EvalID)
			}
		}
	})
}

// StatusLookup resolves an evaluation's durable status, used by Reconcile
// to find entries the index should have already dropped.
type StatusLookup func(ctx context.Context, evalID string) (eval.Status, error)

// Reconcile compares the index against durable storage and drops any
// tracked ID whose durable status has gone terminal, closing the gap left
// by a missed pub/sub event (e.g. a dispatcher restart mid-publish). It
// returns the IDs it removed.
func (idx *Index) Reconcile(ctx context.Context, lookup StatusLookup) ([]string, error) {
	ids, err := idx.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]eval.Status, len(ids))
	for _, id := range ids {
		status, err := lookup(ctx, id)
		if err != nil {
			continue // durable store unreachable or record missing; leave as-is, retry next pass
		}
		statuses[id] = status
	}

	var removed []string
	for _, id := range terminalAmong(ids, statuses) {
		if err := idx.MarkTerminal(ctx, id); err == nil {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// terminalAmong filters ids down to those whose looked-up status has gone
// terminal, kept pure so the reconciliation decision can be tested without
// a live Redis connection.
func terminalAmong(ids []string, statuses map[string]eval.Status) []string {
	var terminal []string
	for _, id := range ids {
		if status, ok := statuses[id]; ok && status.Terminal() {
			terminal = append(terminal, id)
		}
	}
	return terminal
}

// ReconcileLoop runs Reconcile on a fixed interval until ctx is cancelled,
// the same periodic-correction shape as the teacher's health-check ticker
// in core/server.go.
func (idx *Index) ReconcileLoop(ctx context.Context, interval time.Duration, lookup StatusLookup, onRemoved func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := idx.Reconcile(ctx, lookup)
			if err == nil && onRemoved != nil && len(removed) > 0 {
				onRemoved(removed)
			}
		}
	}
}
