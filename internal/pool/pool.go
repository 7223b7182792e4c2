// Package pool implements the Executor Pool Registry (spec §4.1): atomic
// claim/release of a bounded set of executor URLs, backed by Redis so that
// multiple dispatcher processes can share one pool safely.
//
// Grounded on original_source/celery-worker/executor_pool.py: the available
// list is a Redis list (LPUSH/RPOP), busy markers are TTL'd keys, and
// release is a single Lua script performing the check-and-requeue
// atomically, exactly mirroring the original's `release_executor`.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	availableKey  = "executors:available"
	busyPrefix    = "executor:busy:"
	metricsPrefix = "executor:metrics:"
)

// releaseScript implements executor_pool.py's release_executor in Lua:
// delete the busy marker, scan the available list for the URL, and push it
// back only if it was busy and not already present. Returns
// {wasBusy, addedToPool, status}.
const releaseScript = `
local was_busy = redis.call('del', KEYS[2])

local available = redis.call('lrange', KEYS[1], 0, -1)
for i, item in ipairs(available) do
	if item == ARGV[1] then
		return {was_busy, 0, "already_in_pool"}
	end
end

if was_busy == 1 then
	redis.call('lpush', KEYS[1], ARGV[1])
	return {was_busy, 1, "released"}
else
	return {was_busy, 0, "not_busy"}
end
`

// Registry is the Redis-backed Executor Pool Registry.
type Registry struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRegistry constructs a Registry over an existing Redis client. logger is
// injected the way every long-lived component in this codebase takes one
// (see core/server.go in the teacher lineage).
func NewRegistry(rdb *redis.Client, logger *log.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger}
}

// Initialize atomically replaces the available list with urls and clears
// any stale busy markers left over from a previous pool membership.
func (r *Registry) Initialize(ctx context.Context, urls []string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, availableKey)
	for _, u := range urls {
		pipe.Del(ctx, busyPrefix+u)
	}
	for _, u := range urls {
		pipe.LPush(ctx, availableKey, u)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pool: initialize: %w", err)
	}
	r.logger.Printf("initialized executor pool with %d executors", len(urls))
	return nil
}

// ErrNoneAvailable is returned by Claim when the pool is empty.
var ErrNoneAvailable = fmt.Errorf("pool: no executors available")

// Claim atomically pops one URL from the available list and marks it busy
// with evalID for leaseTTL. If the busy-marker write fails after the pop,
// the URL is pushed back so it is never silently lost.
func (r *Registry) Claim(ctx context.Context, evalID string, leaseTTL time.Duration) (string, error) {
	url, err := r.rdb.RPop(ctx, availableKey).Result()
	if err == redis.Nil {
		return "", ErrNoneAvailable
	}
	if err != nil {
		return "", fmt.Errorf("pool: claim: rpop: %w", err)
	}

	busyKey := busyPrefix + url
	if err := r.rdb.SetEx(ctx, busyKey, evalID, leaseTTL).Err(); err != nil {
		// Could not complete the transition; return the URL to the pool
		// rather than leak it.
		r.rdb.LPush(ctx, availableKey, url)
		return "", fmt.Errorf("pool: claim: mark busy: %w", err)
	}
	r.logger.Printf("executor %s claimed by %s", url, evalID)
	return url, nil
}

// ReleaseStatus describes the outcome of a Release call.
type ReleaseStatus string

const (
	ReleaseAlreadyInPool ReleaseStatus = "already_in_pool"
	ReleaseReleased      ReleaseStatus = "released"
	ReleaseNotBusy       ReleaseStatus = "not_busy"
)

type releaseMetric struct {
	Timestamp   int64         `json:"timestamp"`
	Status      ReleaseStatus `json:"status"`
	WasBusy     bool          `json:"was_busy"`
	AddedToPool bool          `json:"added_to_pool"`
}

// Release idempotently returns url to the available pool. It is safe to
// call multiple times for the same URL: only the first call after a claim
// re-adds it, every call after that observes already_in_pool/not_busy.
func (r *Registry) Release(ctx context.Context, url string) (ReleaseStatus, error) {
	busyKey := busyPrefix + url
	res, err := r.rdb.Eval(ctx, releaseScript, []string{availableKey, busyKey}, url).Result()
	if err != nil {
		return "", fmt.Errorf("pool: release: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return "", fmt.Errorf("pool: release: unexpected script reply %T", res)
	}
	wasBusy, _ := fields[0].(int64)
	addedToPool, _ := fields[1].(int64)
	status := ReleaseStatus(fmt.Sprintf("%v", fields[2]))

	r.trackReleaseMetrics(ctx, url, wasBusy == 1, addedToPool == 1, status)

	switch status {
	case ReleaseReleased:
		r.logger.Printf("executor %s released back to pool", url)
	case ReleaseAlreadyInPool:
		r.logger.Printf("executor %s already in pool (idempotent release)", url)
	case ReleaseNotBusy:
		r.logger.Printf("executor %s was not busy (possible duplicate release)", url)
	}
	return status, nil
}

// trackReleaseMetrics appends to the bounded 24h ring of release attempts
// and warns on a double-release within one second, per spec §4.1.
func (r *Registry) trackReleaseMetrics(ctx context.Context, url string, wasBusy, addedToPool bool, status ReleaseStatus) {
	key := metricsPrefix + url
	now := time.Now()
	data, err := json.Marshal(releaseMetric{
		Timestamp:   now.UnixMilli(),
		Status:      status,
		WasBusy:     wasBusy,
		AddedToPool: addedToPool,
	})
	if err != nil {
		return
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, 99)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Printf("pool: failed to record release metric for %s: %v", url, err)
		return
	}

	recent, err := r.rdb.LRange(ctx, key, 0, 1).Result()
	if err != nil || len(recent) < 2 {
		return
	}
	var latest, prior releaseMetric
	if json.Unmarshal([]byte(recent[0]), &latest) != nil || json.Unmarshal([]byte(recent[1]), &prior) != nil {
		return
	}
	if gap, dup := isDoubleRelease(latest, prior); dup {
		r.logger.Printf("WARNING: possible double release detected for %s: 2 releases within %v", url, gap)
	}
}

// isDoubleRelease reports whether two consecutive release metrics landed
// within one second of each other, kept pure so it can be tested without a
// live Redis connection.
func isDoubleRelease(latest, prior releaseMetric) (time.Duration, bool) {
	gap := time.Duration(latest.Timestamp-prior.Timestamp) * time.Millisecond
	return gap, gap < time.Second
}

// ExecutorStatus describes one busy executor for Status().
type ExecutorStatus struct {
	URL            string
	EvalID         string
	TTLRemaining   time.Duration
}

// PoolStatus is the snapshot returned by Status().
type PoolStatus struct {
	Available int
	Busy      int
	Executors []ExecutorStatus
}

// Status reports counts and per-busy-URL detail, per spec §4.1.
func (r *Registry) Status(ctx context.Context) (PoolStatus, error) {
	available, err := r.rdb.LLen(ctx, availableKey).Result()
	if err != nil {
		return PoolStatus{}, fmt.Errorf("pool: status: llen: %w", err)
	}

	var cursor uint64
	var executors []ExecutorStatus
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, busyPrefix+"*", 100).Result()
		if err != nil {
			return PoolStatus{}, fmt.Errorf("pool: status: scan: %w", err)
		}
		for _, key := range keys {
			evalID, err := r.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return PoolStatus{}, fmt.Errorf("pool: status: get %s: %w", key, err)
			}
			ttl, err := r.rdb.TTL(ctx, key).Result()
			if err != nil {
				return PoolStatus{}, fmt.Errorf("pool: status: ttl %s: %w", key, err)
			}
			executors = append(executors, ExecutorStatus{
				URL:          key[len(busyPrefix):],
				EvalID:       evalID,
				TTLRemaining: ttl,
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return PoolStatus{
		Available: int(available),
		Busy:      len(executors),
		Executors: executors,
	}, nil
}

// Available reports the available/busy counts only, satisfying
// internal/metrics.PoolSampler without callers needing the full per-URL
// detail Status returns.
func (r *Registry) Available(ctx context.Context) (available, busy int, err error) {
	status, err := r.Status(ctx)
	if err != nil {
		return 0, 0, err
	}
	return status.Available, status.Busy, nil
}

// RecoverStale is a documented no-op: stale busy markers recover themselves
// via Redis TTL expiry. It exists as an explicit reconciliation hook an
// operator can call to confirm the pool's available count matches the
// configured executor count, logging a discrepancy rather than fixing it
// blindly (a busy marker with no corresponding available-list entry might
// mean the executor is genuinely still in flight).
func (r *Registry) RecoverStale(ctx context.Context, expectedTotal int) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if total := status.Available + status.Busy; total != expectedTotal {
		r.logger.Printf("WARNING: executor pool size drift: have %d, expected %d", total, expectedTotal)
	}
	return nil
}
