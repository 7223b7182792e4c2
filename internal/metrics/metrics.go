// Package metrics exposes the platform's Prometheus collectors: pool
// utilization, queue depth per priority band, retry attempts, and DLQ size.
//
// Grounded on the queue-worker pattern of registering a small, fixed set of
// gauges/counters at startup and updating them from the poll loop.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the dispatcher updates.
type Collectors struct {
	PoolAvailable  prometheus.Gauge
	PoolBusy       prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	RetriesTotal   *prometheus.CounterVec
	DLQSize        prometheus.Gauge
	TasksProcessed *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
}

// New constructs and registers every collector against reg. Passing a fresh
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests free of cross-test registration panics.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "pool",
			Name:      "available_executors",
			Help:      "Number of executors currently idle and available for claim.",
		}),
		PoolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "pool",
			Name:      "busy_executors",
			Help:      "Number of executors currently leased to an evaluation.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of pending tasks per priority queue.",
		}, []string{"queue"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Number of task re-enqueues due to a retryable failure.",
		}, []string{"policy"}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "dlq",
			Name:      "size",
			Help:      "Number of tasks currently dead-lettered.",
		}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "dispatch",
			Name:      "tasks_processed_total",
			Help:      "Number of evaluation tasks reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time from claim to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.PoolAvailable,
		c.PoolBusy,
		c.QueueDepth,
		c.RetriesTotal,
		c.DLQSize,
		c.TasksProcessed,
		c.TaskDuration,
	)
	return c
}

// RecordRetry increments the retry counter for the named policy, called by
// internal/dispatch whenever resolveFailure computes a requeue delay.
func (c *Collectors) RecordRetry(policy string) {
	c.RetriesTotal.WithLabelValues(policy).Inc()
}

// RecordOutcome increments the terminal-outcome counter and observes the
// claim-to-terminal duration, called by internal/dispatch once per task
// that reaches completed/failed/timeout/cancelled.
func (c *Collectors) RecordOutcome(outcome string, duration time.Duration) {
	c.TasksProcessed.WithLabelValues(outcome).Inc()
	c.TaskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// PoolSampler reports point-in-time pool availability, satisfied by
// pool.Registry.Status narrowed to the two counts the gauges need.
type PoolSampler interface {
	Available(ctx context.Context) (available, busy int, err error)
}

// QueueSampler reports pending-message counts per queue name, satisfied by
// queue.PriorityQueues.Depths.
type QueueSampler interface {
	Depths() (map[string]int, error)
}

// DLQSampler reports the current dead-letter queue length, satisfied by
// dlq.Queue.Size.
type DLQSampler interface {
	Size(ctx context.Context) (int64, error)
}

// RunSampler polls pool, queue, and DLQ sizes on interval until ctx is
// cancelled, updating the corresponding gauges. It is the periodic
// counterpart to RecordRetry/RecordOutcome, which are event-driven.
func (c *Collectors) RunSampler(ctx context.Context, interval time.Duration, pool PoolSampler, queues QueueSampler, deadLetters DLQSampler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce(ctx, pool, queues, deadLetters)
		}
	}
}

func (c *Collectors) sampleOnce(ctx context.Context, pool PoolSampler, queues QueueSampler, deadLetters DLQSampler) {
	if pool != nil {
		if available, busy, err := pool.Available(ctx); err == nil {
			c.PoolAvailable.Set(float64(available))
			c.PoolBusy.Set(float64(busy))
		}
	}
	if queues != nil {
		if depths, err := queues.Depths(); err == nil {
			for name, n := range depths {
				c.QueueDepth.WithLabelValues(name).Set(float64(n))
			}
		}
	}
	if deadLetters != nil {
		if n, err := deadLetters.Size(ctx); err == nil {
			c.DLQSize.Set(float64(n))
		}
	}
}
