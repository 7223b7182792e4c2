// Package dlq implements the Dead-Letter Queue (spec §4.4): tasks whose
// retry budget is exhausted land here for operator inspection and manual
// retry instead of being silently dropped.
//
// Grounded on original_source/celery-worker/dlq_config.py: a Redis list
// holds the queue body, a parallel metadata hash keyed by task ID backs
// point lookups, and entries expire after 30 days.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/crucible/internal/queue"
)

const (
	listKey    = "celery:dlq"
	metaPrefix = "celery:dlq:meta:"
	entryTTL   = 30 * 24 * time.Hour
)

// Task is one dead-lettered evaluation task.
type Task struct {
	TaskID         string        `json:"task_id"`
	EvalID         string        `json:"eval_id"`
	TaskName       string        `json:"task_name"`
	Message        queue.Message `json:"message"`
	ExceptionClass string        `json:"exception_class"`
	ExceptionMsg   string        `json:"exception_message"`
	Attempts       int           `json:"attempts"`
	FailedAt       time.Time     `json:"failed_at"`
}

// Queue is the Redis-backed dead-letter queue.
type Queue struct {
	rdb *redis.Client
}

// New constructs a Queue over an existing Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Add appends t to the queue and indexes its metadata by TaskID.
func (q *Queue) Add(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("dlq: marshal task: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, listKey, body)
	pipe.Set(ctx, metaPrefix+t.TaskID, body, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq: add: %w", err)
	}
	return nil
}

// ErrNotFound is returned when a task ID has no corresponding entry.
var ErrNotFound = fmt.Errorf("dlq: task not found")

// Get looks up a single task by ID via the metadata hash.
func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	body, err := q.rdb.Get(ctx, metaPrefix+taskID).Bytes()
	if err == redis.Nil {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("dlq: get %s: %w", taskID, err)
	}
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("dlq: unmarshal %s: %w", taskID, err)
	}
	return t, nil
}

// List returns up to limit tasks starting at offset, most recent first,
// optionally filtered to one evaluation ID. It scans the full list body
// (bounded by the 30-day TTL and realistic DLQ sizes), mirroring
// dlq_config.py's list_tasks.
func (q *Queue) List(ctx context.Context, evalID string, offset, limit int) ([]Task, error) {
	raw, err := q.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	return filterAndPaginate(decodeTasks(raw), evalID, offset, limit), nil
}

func decodeTasks(raw []string) []Task {
	tasks := make([]Task, 0, len(raw))
	for _, body := range raw {
		var t Task
		if json.Unmarshal([]byte(body), &t) != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// filterAndPaginate applies the optional eval_id filter and offset/limit
// pagination used by List, kept pure so it can be tested without Redis.
func filterAndPaginate(tasks []Task, evalID string, offset, limit int) []Task {
	var matched []Task
	for _, t := range tasks {
		if evalID != "" && t.EvalID != evalID {
			continue
		}
		matched = append(matched, t)
	}

	if offset >= len(matched) {
		return []Task{}
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Remove deletes a task's metadata entry together with every list body
// entry identical to it, so the task no longer appears in List, Statistics
// or Size. A body entry written by an earlier Add of the same task ID with
// different content is not matched and stays in the list (see DESIGN.md).
func (q *Queue) Remove(ctx context.Context, taskID string) error {
	body, err := q.rdb.Get(ctx, metaPrefix+taskID).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("dlq: remove %s: %w", taskID, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, listKey, 0, body)
	pipe.Del(ctx, metaPrefix+taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq: remove %s: %w", taskID, err)
	}
	return nil
}

// RetryFunc resubmits a task's message onto its originating priority queue.
// The dispatcher supplies one backed by queue.PriorityQueues.PublishTo, so
// this package carries no transport dependency beyond message encoding.
type RetryFunc func(ctx context.Context, m queue.Message) error

// Retry removes taskID from the DLQ and resubmits its message via resubmit.
// If resubmit fails the DLQ entry is left intact so the task is not lost.
func (q *Queue) Retry(ctx context.Context, taskID string, resubmit RetryFunc) error {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	t.Message.Attempt = 0
	if err := resubmit(ctx, t.Message); err != nil {
		return fmt.Errorf("dlq: retry %s: resubmit: %w", taskID, err)
	}
	return q.Remove(ctx, taskID)
}

// Size reports the current queue body length, used by internal/metrics to
// populate the DLQ size gauge.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: size: %w", err)
	}
	return n, nil
}

// Statistics summarizes up to the first 1000 queued tasks by exception
// class and task name, mirroring dlq_config.py's get_statistics sampling.
type Statistics struct {
	TotalSampled    int
	ByException     map[string]int
	ByTaskName      map[string]int
}

// Statistics computes a Statistics snapshot over at most the first 1000
// entries in the queue body.
func (q *Queue) Statistics(ctx context.Context) (Statistics, error) {
	raw, err := q.rdb.LRange(ctx, listKey, 0, 999).Result()
	if err != nil {
		return Statistics{}, fmt.Errorf("dlq: statistics: %w", err)
	}
	return computeStatistics(decodeTasks(raw)), nil
}

// computeStatistics aggregates a (already-sampled) task slice, kept pure so
// it can be tested without Redis.
func computeStatistics(tasks []Task) Statistics {
	stats := Statistics{
		ByException: map[string]int{},
		ByTaskName:  map[string]int{},
	}
	for _, t := range tasks {
		stats.TotalSampled++
		stats.ByException[t.ExceptionClass]++
		stats.ByTaskName[t.TaskName]++
	}
	return stats
}
