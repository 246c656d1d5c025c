// Package memory provides a bounded, indexed in-memory store of historical
// events. Agents and the coordinator consult it for cross-task context;
// store/retrieve failures are advisory and must never abort task execution.
package memory

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultMaxHistory bounds the event ring; oldest entries are evicted first.
const DefaultMaxHistory = 1000

// MaxContextSize bounds the working-context map; the least recently updated
// key is evicted when the cap is exceeded.
const MaxContextSize = 100

// Entry is one recorded event.
type Entry struct {
	Timestamp time.Time
	Data      map[string]any
	Tags      []string
	Priority  int
}

// Query filters retrieval. A nil Match map matches everything.
type Query struct {
	Match       map[string]any // exact-match constraints on entry data
	Tags        []string       // any-of tag filter; empty means all entries
	Limit       int            // max results; <=0 means 10
	MinPriority int
}

// Memory is a bounded ring of entries with a tag index. Safe for concurrent
// use; all operations share one mutex, matching the single-writer discipline
// of the store it backs.
type Memory struct {
	mu       sync.Mutex
	max      int
	entries  []Entry // ring in arrival order, oldest first
	tagIndex map[string][]int
	evicted  int // count of entries dropped from the front, for index fixup

	context    map[string]any       // working context, capped at MaxContextSize
	contextAge map[string]time.Time // last update per key, drives eviction
}

// New creates a Memory bounded to maxHistory entries (DefaultMaxHistory when
// maxHistory <= 0).
func New(maxHistory int) *Memory {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Memory{
		max:        maxHistory,
		tagIndex:   make(map[string][]int),
		context:    make(map[string]any),
		contextAge: make(map[string]time.Time),
	}
}

// Store records an event with optional tags and priority.
func (m *Memory) Store(data map[string]any, tags []string, priority int) error {
	if data == nil {
		return errors.New("memory entry data cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.max {
		drop := len(m.entries) - m.max + 1
		dropped := m.entries[:drop]
		m.entries = m.entries[drop:]
		m.evicted += drop
		for _, gone := range dropped {
			for _, tag := range gone.Tags {
				m.pruneTagLocked(tag)
			}
		}
	}
	m.entries = append(m.entries, Entry{
		Timestamp: time.Now(),
		Data:      data,
		Tags:      append([]string(nil), tags...),
		Priority:  priority,
	})
	abs := m.evicted + len(m.entries) - 1
	for _, tag := range tags {
		m.tagIndex[tag] = append(m.tagIndex[tag], abs)
	}
	return nil
}

// pruneTagLocked drops index positions that fell off the front of the ring.
// Positions are appended in arrival order, so stale ones form a sorted prefix.
func (m *Memory) pruneTagLocked(tag string) {
	idxs := m.tagIndex[tag]
	cut := 0
	for cut < len(idxs) && idxs[cut] < m.evicted {
		cut++
	}
	switch {
	case cut == len(idxs):
		delete(m.tagIndex, tag)
	case cut > 0:
		m.tagIndex[tag] = append([]int(nil), idxs[cut:]...)
	}
}

// UpdateContext sets a working-context key. When the map exceeds
// MaxContextSize the least recently updated key is evicted.
func (m *Memory) UpdateContext(key string, value any) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.context[key] = value
	m.contextAge[key] = time.Now()
	if len(m.context) > MaxContextSize {
		oldest := ""
		var oldestAt time.Time
		for k, at := range m.contextAge {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = k, at
			}
		}
		delete(m.context, oldest)
		delete(m.contextAge, oldest)
	}
	return nil
}

// Context returns the working-context value for key, if set.
func (m *Memory) Context(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.context[key]
	return v, ok
}

// ContextSnapshot returns a copy of the working-context map.
func (m *Memory) ContextSnapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.context))
	for k, v := range m.context {
		out[k] = v
	}
	return out
}

// Retrieve returns matching entries, newest first.
func (m *Memory) Retrieve(q Query) []Entry {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []int
	if len(q.Tags) > 0 {
		seen := make(map[int]bool)
		for _, tag := range q.Tags {
			for _, abs := range m.tagIndex[tag] {
				idx := abs - m.evicted
				if idx >= 0 && !seen[idx] {
					seen[idx] = true
					candidates = append(candidates, idx)
				}
			}
		}
		sort.Ints(candidates)
	} else {
		candidates = make([]int, len(m.entries))
		for i := range m.entries {
			candidates[i] = i
		}
	}

	var matches []Entry
	// Walk newest first so the limit keeps the most recent matches.
	for i := len(candidates) - 1; i >= 0; i-- {
		e := m.entries[candidates[i]]
		if e.Priority < q.MinPriority {
			continue
		}
		if !matchesQuery(e.Data, q.Match) {
			continue
		}
		matches = append(matches, e)
		if len(matches) >= limit {
			break
		}
	}
	return matches
}

// RetrieveByTimeRange returns entries within [start, end], oldest first.
// A zero end means now.
func (m *Memory) RetrieveByTimeRange(start, end time.Time) []Entry {
	if end.IsZero() {
		end = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Cleanup drops entries older than the cutoff and rebuilds the tag index.
func (m *Memory) Cleanup(olderThan time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Timestamp.After(olderThan) {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	m.evicted = 0
	m.tagIndex = make(map[string][]int)
	for i, e := range m.entries {
		for _, tag := range e.Tags {
			m.tagIndex[tag] = append(m.tagIndex[tag], i)
		}
	}
}

func matchesQuery(data, match map[string]any) bool {
	for key, want := range match {
		got, ok := data[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
