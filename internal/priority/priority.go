// Package priority normalizes numeric evaluation priorities into queue
// names and Kubernetes workload priority classes.
//
// Grounded on original_source/shared/utils/priority_mapping.py; the numeric
// bands and legacy -1/0/1 aliases are carried over unchanged.
package priority

// Queue is the name of one of the three strict-priority task queues.
type Queue string

const (
	QueueHigh Queue = "high_priority"
	QueueMid  Queue = "evaluation"
	QueueLow  Queue = "low_priority"
)

// Queues lists the three queues in strict dispatch order: a dispatcher must
// never look at QueueMid while QueueHigh has pending work, and never at
// QueueLow while either of the other two is non-empty.
var Queues = []Queue{QueueHigh, QueueMid, QueueLow}

// ToQueue maps a numeric priority to the queue it is dispatched through.
func ToQueue(p int) Queue {
	switch {
	case p >= 1000:
		return QueueHigh
	case p >= 250:
		return QueueMid
	default:
		return QueueLow
	}
}

// legacyPriority maps the pre-numeric -1/0/1 values to their numeric
// equivalents (test-low/test-normal/test-high).
var legacyPriority = map[int]int{
	-1: 150,
	0:  250,
	1:  350,
}

// Normalize converts a legacy -1/0/1 priority to its numeric equivalent;
// any other value passes through unchanged.
func Normalize(p int) int {
	if p >= -1 && p <= 1 {
		if n, ok := legacyPriority[p]; ok {
			return n
		}
	}
	return p
}

// WorkloadClass is the Kubernetes PriorityClass name a workload is
// scheduled under.
type WorkloadClass string

const (
	ClassCritical        WorkloadClass = "critical-priority"
	ClassHighEvaluation  WorkloadClass = "high-priority-evaluation"
	ClassNormal          WorkloadClass = "normal-priority-evaluation"
	ClassTestInfra       WorkloadClass = "test-infrastructure-priority"
	ClassTestHigh        WorkloadClass = "test-high-priority-evaluation"
	ClassTestNormal      WorkloadClass = "test-normal-priority-evaluation"
	ClassTestLow         WorkloadClass = "test-low-priority-evaluation"
	ClassLowEvaluation   WorkloadClass = "low-priority-evaluation"
)

// classBand is one (inclusive) range of priorities mapped to a class name.
// Order matters: the first matching band wins.
type classBand struct {
	min, max int // max < 0 means unbounded
	class    WorkloadClass
}

var classBands = []classBand{
	{2000, -1, ClassCritical},
	{1000, 1999, ClassHighEvaluation},
	{500, 999, ClassNormal},
	{400, 499, ClassTestInfra},
	{350, 399, ClassTestHigh},
	{250, 349, ClassTestNormal},
	{150, 249, ClassTestLow},
	{100, 149, ClassLowEvaluation},
	{0, 99, ClassLowEvaluation},
}

// ToWorkloadClass maps a numeric priority to the PriorityClass name the
// reaper/scheduler should attach to the workload.
func ToWorkloadClass(p int) WorkloadClass {
	for _, b := range classBands {
		if p < b.min {
			continue
		}
		if b.max < 0 || p <= b.max {
			return b.class
		}
	}
	return ClassLowEvaluation
}
