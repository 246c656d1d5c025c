package task

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a state-machine operation is
	// attempted from a state it is not valid in.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrCyclicDependency is returned at construction when the dependency
	// set reaches back to the task being built, directly or transitively.
	ErrCyclicDependency = errors.New("circular dependency detected")
)

// Task is a unit of work with a priority, a retry budget, dependencies, and
// resource bookkeeping. All mutating operations are safe for concurrent use.
type Task struct {
	id           string
	description  string
	taskType     string
	urgent       bool
	complexity   int
	tools        []string
	requiredCaps []string
	maxRetries   int
	deadline     time.Time
	dependencies []string
	context      map[string]string
	metadata     map[string]any
	createdAt    time.Time

	// depTasks holds the dependency task pointers supplied at construction.
	// They are retained so that tasks built on top of this one can walk the
	// transitive pointer graph during their own cycle check.
	depTasks []*Task

	mu          sync.Mutex
	status      Status
	priority    Priority
	retryCount  int
	startedAt   time.Time
	completedAt time.Time
	result      *Result
	handles     []io.Closer
	tempFiles   []string
}

// Option configures a Task under construction.
type Option func(*Task)

// WithID overrides the generated task id. Intended for decomposed subtasks
// and tests; ids must remain unique within a coordinator.
func WithID(id string) Option { return func(t *Task) { t.id = id } }

// WithPriority sets the admission priority explicitly. Unset tasks are
// classified by the router at enqueue time.
func WithPriority(p Priority) Option { return func(t *Task) { t.priority = p } }

// WithMaxRetries sets the retry budget. Negative values fail construction.
func WithMaxRetries(n int) Option { return func(t *Task) { t.maxRetries = n } }

// WithDeadline sets an absolute deadline. Must be in the future at creation.
func WithDeadline(d time.Time) Option { return func(t *Task) { t.deadline = d } }

// WithDependsOn records a dependency on another task. The dependency's id is
// added to the dependency set and its pointer is kept for construction-time
// cycle detection.
func WithDependsOn(dep *Task) Option {
	return func(t *Task) {
		if dep == nil {
			return
		}
		t.dependencies = append(t.dependencies, dep.id)
		t.depTasks = append(t.depTasks, dep)
	}
}

// WithDependencyIDs records dependencies by id only. The coordinator
// validates that the ids are known and acyclic at admission.
func WithDependencyIDs(ids ...string) Option {
	return func(t *Task) { t.dependencies = append(t.dependencies, ids...) }
}

// WithTools declares the tool set the task expects to use.
func WithTools(names ...string) Option {
	return func(t *Task) { t.tools = append(t.tools, names...) }
}

// WithComplexity sets the 1..10 complexity estimate used for priority
// classification and decomposition heuristics.
func WithComplexity(c int) Option { return func(t *Task) { t.complexity = c } }

// WithType tags the task with a type matched against agent specializations.
func WithType(typ string) Option { return func(t *Task) { t.taskType = typ } }

// WithRequiredCapabilities declares capabilities an agent must carry.
func WithRequiredCapabilities(caps ...string) Option {
	return func(t *Task) { t.requiredCaps = append(t.requiredCaps, caps...) }
}

// WithUrgent flags the task as urgent; urgent tasks classify as CRITICAL.
func WithUrgent() Option { return func(t *Task) { t.urgent = true } }

// WithContext supplies the substitution mapping for {placeholder} tokens in
// the description.
func WithContext(ctx map[string]string) Option {
	return func(t *Task) {
		if t.context == nil {
			t.context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			t.context[k] = v
		}
	}
}

// WithMetadata attaches free-form metadata to the task.
func WithMetadata(key string, value any) Option {
	return func(t *Task) {
		if t.metadata == nil {
			t.metadata = make(map[string]any)
		}
		t.metadata[key] = value
	}
}

// New constructs a Task and validates its invariants: non-empty description,
// future deadline, complexity bounds, non-negative retry budget, and an
// acyclic dependency set (depth-first over the supplied dependency tasks).
func New(description string, opts ...Option) (*Task, error) {
	t := &Task{
		id:          uuid.NewString(),
		description: description,
		status:      StatusPending,
		priority:    PriorityMedium,
		maxRetries:  3,
		createdAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if strings.TrimSpace(t.description) == "" {
		return nil, errors.New("task description cannot be empty")
	}
	if t.maxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", t.maxRetries)
	}
	if t.complexity != 0 && (t.complexity < 1 || t.complexity > 10) {
		return nil, fmt.Errorf("complexity must be between 1 and 10, got %d", t.complexity)
	}
	if !t.deadline.IsZero() && !t.deadline.After(time.Now()) {
		return nil, errors.New("deadline cannot be in the past")
	}
	if err := t.validateDependencies(); err != nil {
		return nil, err
	}
	return t, nil
}

// validateDependencies runs a depth-first cycle check over the reachable
// dependency tasks. Ids without a supplied pointer are treated as leaves;
// the coordinator re-validates the full graph at admission.
func (t *Task) validateDependencies() error {
	byID := make(map[string]*Task)
	var collect func(n *Task)
	collect = func(n *Task) {
		if _, seen := byID[n.id]; seen {
			return
		}
		byID[n.id] = n
		for _, dep := range n.depTasks {
			collect(dep)
		}
	}
	collect(t)

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var check func(id string) error
	check = func(id string) error {
		if visiting[id] {
			return fmt.Errorf("%w: task %s", ErrCyclicDependency, id)
		}
		if visited[id] {
			return nil
		}
		visiting[id] = true
		if n, ok := byID[id]; ok {
			for _, dep := range n.dependencies {
				if err := check(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, id)
		visited[id] = true
		return nil
	}
	return check(t.id)
}

// ID returns the unique task identifier.
func (t *Task) ID() string { return t.id }

// Description renders the goal string with {placeholder} tokens resolved
// against the task context. Unresolved placeholders are left intact.
func (t *Task) Description() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.context) == 0 {
		return t.description
	}
	out := t.description
	for key, val := range t.context {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}

// RawDescription returns the goal string without placeholder resolution.
func (t *Task) RawDescription() string { return t.description }

// Type returns the declared task type, or "" when untyped.
func (t *Task) Type() string { return t.taskType }

// Urgent reports whether the task was flagged urgent at creation.
func (t *Task) Urgent() bool { return t.urgent }

// Complexity returns the declared complexity, or 0 when undeclared.
func (t *Task) Complexity() int { return t.complexity }

// Tools returns a copy of the declared tool set.
func (t *Task) Tools() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tools...)
}

// SetTools replaces the tool set. Retry strategies use this to re-execute a
// failed task with a different tool selection.
func (t *Task) SetTools(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = append([]string(nil), names...)
}

// MergeContext adds entries to the placeholder substitution map, overwriting
// existing keys.
func (t *Task) MergeContext(ctx map[string]string) {
	if len(ctx) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.context == nil {
		t.context = make(map[string]string, len(ctx))
	}
	for k, v := range ctx {
		t.context[k] = v
	}
}

// RequiredCapabilities returns a copy of the required capability set.
func (t *Task) RequiredCapabilities() []string {
	return append([]string(nil), t.requiredCaps...)
}

// Dependencies returns a copy of the dependency id set.
func (t *Task) Dependencies() []string {
	return append([]string(nil), t.dependencies...)
}

// MaxRetries returns the retry budget.
func (t *Task) MaxRetries() int { return t.maxRetries }

// Deadline returns the absolute deadline and whether one is set.
func (t *Task) Deadline() (time.Time, bool) {
	return t.deadline, !t.deadline.IsZero()
}

// CreatedAt returns the creation timestamp.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Metadata returns the metadata value for key, if any.
func (t *Task) Metadata(key string) (any, bool) {
	v, ok := t.metadata[key]
	return v, ok
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Priority returns the admission priority.
func (t *Task) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority overrides the admission priority. The coordinator calls this
// with the router's classification when no explicit priority was set.
func (t *Task) SetPriority(p Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = p
}

// RetryCount returns the number of failed attempts recorded so far.
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// Result returns the attached result once the task is terminal, else nil.
func (t *Task) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// StartedAt returns the start timestamp, zero until MarkStarted.
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// CompletedAt returns the completion timestamp, zero until terminal.
func (t *Task) CompletedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedAt
}

// Duration returns the elapsed execution time and true only when both the
// start and completion timestamps are set.
func (t *Task) Duration() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() || t.completedAt.IsZero() {
		return 0, false
	}
	return t.completedAt.Sub(t.startedAt), true
}

// IsExpired reports whether a deadline exists and has passed.
func (t *Task) IsExpired() bool {
	if t.deadline.IsZero() {
		return false
	}
	return time.Now().After(t.deadline)
}

// IsOverdue is an alias for IsExpired.
func (t *Task) IsOverdue() bool { return t.IsExpired() }

// CanRetry reports whether another execution attempt is permitted: the task
// failed or timed out, the retry budget is not exhausted, and the deadline
// has not passed.
func (t *Task) CanRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canRetryLocked()
}

func (t *Task) canRetryLocked() bool {
	switch t.status {
	case StatusFailed, StatusTimeout, StatusInProgress, StatusRetry:
	default:
		return false
	}
	return t.retryCount < t.maxRetries && !t.IsExpired()
}

// MarkStarted transitions PENDING -> IN_PROGRESS and sets the start
// timestamp. Any other starting state is an invalid transition.
func (t *Task) MarkStarted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return fmt.Errorf("%w: cannot start task in %s status", ErrInvalidTransition, t.status)
	}
	t.status = StatusInProgress
	t.startedAt = time.Now()
	return nil
}

// MarkCompleted attaches the result of an execution attempt. A failed result
// on a retry-eligible task transitions to RETRY and consumes one unit of the
// retry budget; otherwise the task finalizes as COMPLETED or FAILED. The
// completion timestamp is written once, on the terminal transition.
func (t *Task) MarkCompleted(result *Result) error {
	if result == nil {
		return errors.New("result cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.status)
	}
	if !result.Success && t.canRetryLocked() {
		t.status = StatusRetry
		t.retryCount++
	} else if result.Success {
		t.status = StatusCompleted
		t.completedAt = time.Now()
	} else {
		t.status = StatusFailed
		t.completedAt = time.Now()
	}
	t.result = result
	return nil
}

// MarkFailed force-finalizes the task as FAILED with a synthesized result.
// Used for non-retryable faults.
func (t *Task) MarkFailed(errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusFailed
	t.completedAt = time.Now()
	elapsed := 0.0
	if !t.startedAt.IsZero() {
		elapsed = t.completedAt.Sub(t.startedAt).Seconds()
	}
	t.result = NewResult(false, nil, errMsg, elapsed)
	t.retryCount++
	return nil
}

// MarkCancelled force-finalizes the task as CANCELLED, synthesizing a failed
// result carrying the reason.
func (t *Task) MarkCancelled(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusCancelled
	t.completedAt = time.Now()
	t.result = NewResult(false, nil, reason, 0)
	return nil
}

// MarkTimeout force-finalizes the task as TIMEOUT with a synthesized result.
func (t *Task) MarkTimeout(errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusTimeout
	t.completedAt = time.Now()
	elapsed := 0.0
	if !t.startedAt.IsZero() {
		elapsed = t.completedAt.Sub(t.startedAt).Seconds()
	}
	t.result = NewResult(false, nil, errMsg, elapsed)
	t.retryCount++
	return nil
}

// BeginRetry transitions RETRY -> IN_PROGRESS for a coordinator-driven new
// attempt. The start timestamp is not rewritten.
func (t *Task) BeginRetry() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRetry {
		return fmt.Errorf("%w: cannot retry task in %s status", ErrInvalidTransition, t.status)
	}
	t.status = StatusInProgress
	t.result = nil
	return nil
}

// RegisterHandle records a file-handle-like resource closed by
// CleanupResources.
func (t *Task) RegisterHandle(h io.Closer) error {
	if h == nil {
		return errors.New("handle cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = append(t.handles, h)
	return nil
}

// RegisterTempFile records a temporary file removed by CleanupResources.
func (t *Task) RegisterTempFile(path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tempFiles = append(t.tempFiles, path)
	return nil
}

// CleanupResources closes registered handles and removes temp files. It is
// idempotent and never fails: individual close/remove errors are swallowed
// and the next resource is processed. The attached result is released too.
func (t *Task) CleanupResources() {
	t.mu.Lock()
	handles := t.handles
	tempFiles := t.tempFiles
	result := t.result
	t.handles = nil
	t.tempFiles = nil
	t.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	for _, path := range tempFiles {
		_ = os.Remove(path)
	}
	if result != nil {
		result.Release()
	}
}
