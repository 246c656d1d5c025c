package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolLockManager provides per-tool mutual exclusion for concurrent task
// execution. Uses a keyed semaphore pattern: each tool name gets its own
// single-slot channel, allowing concurrent use of different tools while
// serializing use of the same tool. Channel semaphores instead of mutexes
// so acquisition can be abandoned when the caller's context expires.
type ToolLockManager struct {
	mu    sync.Mutex // Guards the locks and held maps
	locks map[string]chan struct{}
	held  map[string]bool // Tool names currently locked through this manager
}

// NewToolLockManager creates a new ToolLockManager.
func NewToolLockManager() *ToolLockManager {
	return &ToolLockManager{
		locks: make(map[string]chan struct{}),
		held:  make(map[string]bool),
	}
}

func (r *ToolLockManager) semaphore(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[name] = sem
	}
	return sem
}

// Acquire takes the per-tool lock, blocking until it is available or the
// context is done.
func (r *ToolLockManager) Acquire(ctx context.Context, name string) error {
	sem := r.semaphore(name)
	select {
	case sem <- struct{}{}:
		r.mu.Lock()
		r.held[name] = true
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquiring lock for tool %q: %w", name, ctx.Err())
	}
}

// Release frees the per-tool lock. Releasing a lock that is not held is a
// no-op.
func (r *ToolLockManager) Release(name string) {
	r.mu.Lock()
	sem, ok := r.locks[name]
	heldHere := r.held[name]
	delete(r.held, name)
	r.mu.Unlock()

	if ok && heldHere {
		<-sem
	}
}

// AcquireAll takes locks for ALL given tool names.
// CRITICAL: sorts names lexicographically BEFORE acquiring to prevent
// deadlocks between agents that request overlapping tool sets. On failure,
// locks already taken are released in reverse order before returning.
func (r *ToolLockManager) AcquireAll(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	// Sorted copy so the caller's slice is untouched.
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	for i, name := range sorted {
		if err := r.Acquire(ctx, name); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Release(sorted[j])
			}
			return err
		}
	}
	return nil
}

// ReleaseAll frees locks for all given tool names, in reverse sorted order
// for symmetry with AcquireAll.
func (r *ToolLockManager) ReleaseAll(names []string) {
	if len(names) == 0 {
		return
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		r.Release(sorted[i])
	}
}

// Held reports the tool names currently locked, sorted.
func (r *ToolLockManager) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.held))
	for name := range r.held {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
