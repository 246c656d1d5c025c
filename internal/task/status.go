package task

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDelegated  Status = "delegated"
	StatusRetry      Status = "retry"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether the status is a final state. RETRY is not terminal:
// the coordinator turns it back into a new execution attempt or finalizes it
// as FAILED once the retry budget is exhausted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority classifies a task for queue admission decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the total order used for overflow comparisons.
// Higher rank outranks lower rank.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return 0
}

// Outranks reports whether p strictly outranks other.
func (p Priority) Outranks(other Priority) bool {
	return p.Rank() > other.Rank()
}
