package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAllCollectorsWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.PoolAvailable.Set(3)
	c.QueueDepth.WithLabelValues("high_priority").Set(1)
	c.RetriesTotal.WithLabelValues("default").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestRecordRetryAndOutcome(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordRetry("aggressive")
	c.RecordOutcome("completed", 2*time.Second)

	if got := testutil.ToFloat64(c.RetriesTotal.WithLabelValues("aggressive")); got != 1 {
		t.Fatalf("retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TasksProcessed.WithLabelValues("completed")); got != 1 {
		t.Fatalf("tasks_processed_total{outcome=completed} = %v, want 1", got)
	}
}

type fakePoolSampler struct{ available, busy int }

func (f fakePoolSampler) Available(ctx context.Context) (int, int, error) {
	return f.available, f.busy, nil
}

type fakeQueueSampler struct{ depths map[string]int }

func (f fakeQueueSampler) Depths() (map[string]int, error) { return f.depths, nil }

type fakeDLQSampler struct{ size int64 }

func (f fakeDLQSampler) Size(ctx context.Context) (int64, error) { return f.size, nil }

func TestSampleOnceUpdatesGauges(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.sampleOnce(context.Background(),
		fakePoolSampler{available: 2, busy: 1},
		fakeQueueSampler{depths: map[string]int{"high_priority": 5}},
		fakeDLQSampler{size: 3},
	)

	if got := testutil.ToFloat64(c.PoolAvailable); got != 2 {
		t.Fatalf("pool available = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.DLQSize); got != 3 {
		t.Fatalf("dlq size = %v, want 3", got)
	}
}
