package dlq

import (
	"context"
	"log"
)

// Thresholds controls when Monitor logs a warning, mirroring the constants
// checked inline in tasks.py's monitor_dead_letter_queue beat task.
type Thresholds struct {
	QueueSize        int
	PerExceptionCount int
}

// DefaultThresholds matches the values used in the original beat task:
// warn once the DLQ holds more than 100 entries, or any single exception
// class accounts for more than 10 of the sampled entries.
var DefaultThresholds = Thresholds{QueueSize: 100, PerExceptionCount: 10}

// Monitor checks the queue against thresholds and logs a warning for each
// breach. It is meant to be invoked periodically (spec §4.4's 30-minute
// cadence) by the operator process, the same way tasks.py schedules it as a
// Celery beat entry.
func Monitor(ctx context.Context, q *Queue, thresholds Thresholds, logger *log.Logger) error {
	size, err := q.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return err
	}
	if int(size) > thresholds.QueueSize {
		logger.Printf("WARNING: dead letter queue size %d exceeds threshold %d", size, thresholds.QueueSize)
	}

	stats, err := q.Statistics(ctx)
	if err != nil {
		return err
	}
	for exc, count := range stats.ByException {
		if count > thresholds.PerExceptionCount {
			logger.Printf("WARNING: exception class %s accounts for %d dead-lettered tasks (sampled %d)", exc, count, stats.TotalSampled)
		}
	}
	return nil
}
