package task

import (
	"io"
	"os"
	"runtime"
	"sync"
	"time"
)

// Result is the outcome of one task execution attempt. It owns any resource
// handles opened during execution; Release is the primary cleanup contract,
// with a garbage-collection finalizer as a best-effort backstop.
type Result struct {
	Success        bool           `json:"success"`
	Output         any            `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	ExecutionTime  float64        `json:"execution_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CompletionTime time.Time      `json:"completion_time"`

	resources *resourceSet
}

// resourceSet holds the releasable state separately from Result so the
// finalizer closure does not keep the Result itself alive.
type resourceSet struct {
	mu        sync.Mutex
	handles   []io.Closer
	tempFiles []string
	released  bool
}

// NewResult constructs a Result. Error must be non-empty iff success is
// false; execution time is clamped to >= 0.
func NewResult(success bool, output any, errMsg string, executionTime float64) *Result {
	if executionTime < 0 {
		executionTime = 0
	}
	r := &Result{
		Success:        success,
		Output:         output,
		Error:          errMsg,
		ExecutionTime:  executionTime,
		CompletionTime: time.Now(),
		resources:      &resourceSet{},
	}
	// Backstop only: tests and callers must invoke Release explicitly and
	// never rely on finalizer timing.
	runtime.AddCleanup(r, func(rs *resourceSet) { rs.release() }, r.resources)
	return r
}

// metaErrorKind distinguishes failure classes in result metadata. Timeout
// failures route to MarkTimeout instead of MarkFailed.
const (
	metaErrorKind    = "error_kind"
	errorKindTimeout = "timeout"
)

// NewTimeoutResult constructs a failed Result marked as a timeout.
func NewTimeoutResult(errMsg string, executionTime float64) *Result {
	return NewResult(false, nil, errMsg, executionTime).WithMetadata(metaErrorKind, errorKindTimeout)
}

// TimedOut reports whether the result records a timeout failure.
func (r *Result) TimedOut() bool {
	if r.Success || r.Metadata == nil {
		return false
	}
	return r.Metadata[metaErrorKind] == errorKindTimeout
}

// WithMetadata attaches a metadata entry and returns the result for chaining.
func (r *Result) WithMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// RegisterHandle records a handle closed on Release.
func (r *Result) RegisterHandle(h io.Closer) {
	if h == nil || r.resources == nil {
		return
	}
	r.resources.mu.Lock()
	defer r.resources.mu.Unlock()
	r.resources.handles = append(r.resources.handles, h)
}

// RegisterTempFile records a temporary file removed on Release.
func (r *Result) RegisterTempFile(path string) {
	if path == "" || r.resources == nil {
		return
	}
	r.resources.mu.Lock()
	defer r.resources.mu.Unlock()
	r.resources.tempFiles = append(r.resources.tempFiles, path)
}

// Release frees all tracked resources. Idempotent; individual failures are
// swallowed so one bad handle never blocks the rest.
// Results decoded from JSON carry no resource set; for those, resource
// methods are no-ops.
func (r *Result) Release() {
	if r.resources != nil {
		r.resources.release()
	}
}

// Released reports whether Release has already run.
func (r *Result) Released() bool {
	if r.resources == nil {
		return true
	}
	r.resources.mu.Lock()
	defer r.resources.mu.Unlock()
	return r.resources.released
}

func (rs *resourceSet) release() {
	rs.mu.Lock()
	if rs.released {
		rs.mu.Unlock()
		return
	}
	handles := rs.handles
	tempFiles := rs.tempFiles
	rs.handles = nil
	rs.tempFiles = nil
	rs.released = true
	rs.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	for _, path := range tempFiles {
		_ = os.Remove(path)
	}
}
