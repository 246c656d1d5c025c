// Package serve implements the coordinator: a bounded task queue with
// priority-aware overflow, a dispatch loop with a concurrency limit, routing,
// retry handling, periodic retention cleanup, and metrics. One Serve owns a
// pool of agents and is the single writer of task lifecycle state.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pilottgo/pilott/internal/agent"
	"github.com/pilottgo/pilott/internal/events"
	"github.com/pilottgo/pilott/internal/memory"
	"github.com/pilottgo/pilott/internal/persistence"
	"github.com/pilottgo/pilott/internal/router"
	"github.com/pilottgo/pilott/internal/task"
)

var (
	// ErrShuttingDown is returned by AddTask once Stop has begun.
	ErrShuttingDown = errors.New("coordinator is shutting down")
	// ErrUnknownTask is returned for ids the coordinator has never seen.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskRunning is returned when cancelling a task that already left
	// the queue.
	ErrTaskRunning = errors.New("task is already executing")
)

// Config tunes the coordinator. Zero values select the defaults.
type Config struct {
	Name                string
	MaxConcurrentTasks  int           // default 5
	TaskTimeout         time.Duration // default 5m
	MaxQueueSize        int           // default 1000
	CleanupInterval     time.Duration // default 1h
	TaskRetentionPeriod time.Duration // default 24h
	// MaxRetryAttempts caps coordinator-driven retries per task on top of
	// the task's own budget. 0 means the task budget alone governs.
	MaxRetryAttempts int
	Logger           *log.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "pilott-" + uuid.NewString()[:8]
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.TaskRetentionPeriod <= 0 {
		c.TaskRetentionPeriod = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
}

// Deps carries the coordinator's collaborators. Router is required; the rest
// are optional. A nil Bus gets an internally owned one.
type Deps struct {
	Router  *router.Router
	Manager Manager
	Memory  *memory.Memory
	Bus     *events.EventBus
	Store   persistence.Store
}

// Metrics is a point-in-time snapshot of coordinator state.
type Metrics struct {
	Name          string           `json:"name"`
	QueueDepth    int              `json:"queue_depth"`
	Running       int              `json:"running"`
	Agents        int              `json:"agents"`
	Counters      map[string]int64 `json:"counters"`
	LastCleanup   time.Time        `json:"last_cleanup"`
	EventsDropped uint64           `json:"events_dropped"`
}

// Serve is the coordinator.
type Serve struct {
	cfg     Config
	rt      *router.Router
	manager Manager
	mem     *memory.Memory
	bus     *events.EventBus
	ownBus  bool
	store   persistence.Store
	logger  *log.Logger

	queue *boundedQueue

	mu         sync.Mutex
	agents     []agent.Executor // registration order, for deterministic routing
	agentsByID map[string]agent.Executor
	tasks      map[string]*task.Task
	completed  map[string]*task.Task
	failed     map[string]*task.Task // failed, timed out, and cancelled
	callbacks  map[string]func(*task.Result)
	counters   map[string]int64
	running    int
	lastClean  time.Time
	started    bool
	stopping   bool
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New builds a coordinator. A nil Deps.Router gets a default router.
func New(cfg Config, deps Deps) *Serve {
	cfg.applyDefaults()

	rt := deps.Router
	if rt == nil {
		rt = router.New(router.Config{Logger: cfg.Logger})
	}
	bus := deps.Bus
	ownBus := false
	if bus == nil {
		bus = events.NewEventBus()
		ownBus = true
	}

	return &Serve{
		cfg:        cfg,
		rt:         rt,
		manager:    deps.Manager,
		mem:        deps.Memory,
		bus:        bus,
		ownBus:     ownBus,
		store:      deps.Store,
		logger:     cfg.Logger,
		queue:      newBoundedQueue(cfg.MaxQueueSize),
		agentsByID: make(map[string]agent.Executor),
		tasks:      make(map[string]*task.Task),
		completed:  make(map[string]*task.Task),
		failed:     make(map[string]*task.Task),
		callbacks:  make(map[string]func(*task.Result)),
		counters:   make(map[string]int64),
	}
}

// Bus exposes the event bus for subscribers.
func (s *Serve) Bus() *events.EventBus { return s.bus }

// Start launches the dispatch and cleanup loops. Idempotent. The loops stop
// when ctx is cancelled or Stop is called.
func (s *Serve) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(loopCtx)
	}()

	s.logger.Printf("serve %s: started (concurrency=%d queue=%d)",
		s.cfg.Name, s.cfg.MaxConcurrentTasks, s.cfg.MaxQueueSize)
	return nil
}

// Stop rejects new work, cancels the loops, awaits in-flight executions, and
// stops every agent. One agent failing to stop does not prevent stopping the
// rest. Idempotent.
func (s *Serve) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	pool := append([]agent.Executor(nil), s.agents...)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var firstErr error
	for _, a := range pool {
		if err := a.Stop(); err != nil {
			s.logger.Printf("serve %s: stopping agent %s: %v", s.cfg.Name, a.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.ownBus {
		s.bus.Close()
	}
	s.logger.Printf("serve %s: stopped", s.cfg.Name)
	return firstErr
}

// AddAgent registers and starts an agent.
func (s *Serve) AddAgent(ctx context.Context, exec agent.Executor) error {
	if exec == nil {
		return errors.New("cannot add nil agent")
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := s.agentsByID[exec.ID()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("agent %s already registered", exec.ID())
	}
	s.agents = append(s.agents, exec)
	s.agentsByID[exec.ID()] = exec
	s.mu.Unlock()

	if err := exec.Start(ctx); err != nil {
		s.removeAgentLocked(exec.ID())
		return fmt.Errorf("starting agent %s: %w", exec.ID(), err)
	}
	s.bus.Publish(events.TopicAgent, events.AgentAddedEvent{
		AgentID: exec.ID(), Role: exec.Role(), Timestamp: time.Now(),
	})
	return nil
}

// RemoveAgent stops and deregisters an agent.
func (s *Serve) RemoveAgent(id string) error {
	exec := s.removeAgentLocked(id)
	if exec == nil {
		return fmt.Errorf("agent %s not registered", id)
	}
	err := exec.Stop()
	s.bus.Publish(events.TopicAgent, events.AgentRemovedEvent{AgentID: id, Timestamp: time.Now()})
	return err
}

func (s *Serve) removeAgentLocked(id string) agent.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.agentsByID[id]
	if !ok {
		return nil
	}
	delete(s.agentsByID, id)
	for i, a := range s.agents {
		if a.ID() == id {
			s.agents = append(s.agents[:i], s.agents[i+1:]...)
			break
		}
	}
	return exec
}

// AgentHealth snapshots every registered agent.
func (s *Serve) AgentHealth() []agent.Health {
	s.mu.Lock()
	pool := append([]agent.Executor(nil), s.agents...)
	s.mu.Unlock()

	out := make([]agent.Health, 0, len(pool))
	for _, a := range pool {
		out = append(out, a.Health())
	}
	return out
}

// AddTask validates and enqueues a task. When a manager decomposes it, the
// subtasks are enqueued instead. Returns the ids of every enqueued task.
func (s *Serve) AddTask(ctx context.Context, t *task.Task) ([]string, error) {
	if t == nil {
		return nil, errors.New("cannot add nil task")
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.mu.Unlock()

	batch := []*task.Task{t}
	if s.manager != nil {
		subs, err := s.manager.Decompose(ctx, t)
		if err != nil {
			s.logger.Printf("serve %s: decomposition of %s failed, queuing as-is: %v", s.cfg.Name, t.ID(), err)
		} else if len(subs) > 0 {
			batch = subs
		}
	}

	if err := s.validateGraph(batch); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(batch))
	for _, tk := range batch {
		if err := s.enqueue(ctx, tk); err != nil {
			return ids, err
		}
		ids = append(ids, tk.ID())
	}
	return ids, nil
}

// validateGraph checks that every dependency of the batch resolves to a
// known task or a batch member and that the combined graph stays acyclic.
func (s *Serve) validateGraph(batch []*task.Task) error {
	graph := make(map[string][]string)
	s.mu.Lock()
	for id, t := range s.tasks {
		graph[id] = t.Dependencies()
	}
	s.mu.Unlock()
	for _, t := range batch {
		graph[t.ID()] = t.Dependencies()
	}
	return task.ValidateAcyclic(graph)
}

func (s *Serve) enqueue(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := s.tasks[t.ID()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("duplicate task id %s", t.ID())
	}
	s.mu.Unlock()

	// Priority classification only ever upgrades: an explicit priority set
	// by the submitter is not downgraded.
	if p := router.ClassifyPriority(t); p.Outranks(t.Priority()) {
		t.SetPriority(p)
	}

	evicted, err := s.queue.Push(t)
	if err != nil {
		return fmt.Errorf("adding task %s: %w", t.ID(), err)
	}

	s.mu.Lock()
	s.tasks[t.ID()] = t
	s.counters["submitted"]++
	depth := s.queue.Len()
	s.mu.Unlock()

	if evicted != nil {
		s.evictOnOverflow(ctx, evicted)
	}
	s.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
		ID: t.ID(), Priority: string(t.Priority()), QueueLen: depth, Timestamp: time.Now(),
	})
	return nil
}

// evictOnOverflow finalizes a task displaced from the queue through the same
// path as executed tasks, so its callback, memory entry, and archive record
// are not skipped.
func (s *Serve) evictOnOverflow(ctx context.Context, evicted *task.Task) {
	s.incr("evictions")
	if err := evicted.MarkFailed("queue overflow: evicted for higher-priority task"); err != nil {
		s.logger.Printf("serve %s: marking evicted task %s: %v", s.cfg.Name, evicted.ID(), err)
	}
	s.bus.Publish(events.TopicTask, events.TaskEvictedEvent{
		ID: evicted.ID(), Priority: string(evicted.Priority()), Timestamp: time.Now(),
	})
	s.logger.Printf("serve %s: task %s evicted on overflow", s.cfg.Name, evicted.ID())
	s.finalize(ctx, evicted)
}

// OnComplete registers a callback invoked once with the task's terminal
// result. One callback per task.
func (s *Serve) OnComplete(id string, fn func(*task.Result)) error {
	if fn == nil {
		return errors.New("callback cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	s.callbacks[id] = fn
	return nil
}

// GetTask returns a known task by id.
func (s *Serve) GetTask(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// GetResult returns the terminal result for a task id, falling back to the
// archive for tasks already purged from memory.
func (s *Serve) GetResult(ctx context.Context, id string) (*task.Result, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		if !t.Status().Terminal() {
			return nil, fmt.Errorf("task %s not finished: %s", id, t.Status())
		}
		return t.Result(), nil
	}
	if s.store != nil {
		rec, err := s.store.Get(ctx, id)
		if err == nil {
			return rec.Result, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

// CancelTask removes a queued task and records it CANCELLED. Tasks that have
// already left the queue cannot be cancelled.
func (s *Serve) CancelTask(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	st := t.Status()
	if st.Terminal() {
		return fmt.Errorf("task %s already %s", id, st)
	}
	if st != task.StatusPending {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	if err := t.MarkCancelled("cancelled by caller"); err != nil {
		return err
	}
	// Best effort: if the dispatch loop already popped it, the cancelled
	// status makes it skip.
	s.queue.Remove(id)
	s.incr("cancellations")

	s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
		ID: id, Reason: "cancelled by caller", Timestamp: time.Now(),
	})
	s.finalize(context.Background(), t)
	return nil
}

// Metrics snapshots queue depth, running count, and lifetime counters.
func (s *Serve) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	return Metrics{
		Name:          s.cfg.Name,
		QueueDepth:    s.queue.Len(),
		Running:       s.running,
		Agents:        len(s.agents),
		Counters:      counters,
		LastCleanup:   s.lastClean,
		EventsDropped: s.bus.Dropped(),
	}
}

func (s *Serve) incr(key string) {
	s.mu.Lock()
	s.counters[key]++
	s.mu.Unlock()
}

// dispatchLoop pops tasks and executes them with bounded parallelism. The
// errgroup limit makes Go block once MaxConcurrentTasks executions are in
// flight, which degrades dispatch to sequential under saturation.
func (s *Serve) dispatchLoop(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentTasks)

	for {
		t, err := s.queue.Pop(ctx)
		if err != nil {
			break
		}

		s.mu.Lock()
		_, known := s.tasks[t.ID()]
		s.mu.Unlock()
		if !known || t.Status() == task.StatusCancelled {
			continue // cancelled before dispatch
		}

		g.Go(func() error {
			s.executeOne(ctx, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Printf("serve %s: dispatch group: %v", s.cfg.Name, err)
	}
}

// executeOne drives a task through attempts until it reaches a terminal
// state, then records the outcome. Failures of individual tasks never
// propagate; the dispatch loop is unaffected.
func (s *Serve) executeOne(ctx context.Context, t *task.Task) {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		if requeued := s.attemptOnce(ctx, t, attempt); requeued {
			return // dispatched again once dependencies settle
		}
		if t.Status() != task.StatusRetry {
			break
		}
		if s.cfg.MaxRetryAttempts > 0 && attempt+1 >= s.cfg.MaxRetryAttempts {
			if err := failFromRetry(t, "coordinator retry cap reached"); err != nil {
				s.logger.Printf("serve %s: finalizing %s: %v", s.cfg.Name, t.ID(), err)
			}
			break
		}
		if err := t.BeginRetry(); err != nil {
			s.logger.Printf("serve %s: retrying %s: %v", s.cfg.Name, t.ID(), err)
			break
		}
		s.incr("retries")
		s.bus.Publish(events.TopicTask, events.TaskRetriedEvent{
			ID:        t.ID(),
			Attempt:   t.RetryCount(),
			Remaining: t.MaxRetries() - t.RetryCount(),
			Timestamp: time.Now(),
		})
	}

	s.finalize(ctx, t)
}

// failFromRetry finalizes a RETRY-state task as failed, preserving the last
// attempt's error in the reason.
func failFromRetry(t *task.Task, reason string) error {
	if err := t.BeginRetry(); err != nil {
		return err
	}
	return t.MarkFailed(reason)
}

// attemptOnce runs a single execution attempt: route, dependency gate,
// execute under the per-task timeout, evaluate, and apply at most one
// evaluation-driven re-execution. Returns true when the task was requeued to
// wait for dependencies.
func (s *Serve) attemptOnce(ctx context.Context, t *task.Task, attempt int) (requeued bool) {
	exec, err := s.selectExecutor(ctx, t, "")
	if err != nil {
		s.markFailed(t, fmt.Sprintf("routing: %v", err))
		return false
	}

	switch state := s.checkDependencies(t); state {
	case depsFailed:
		return false // already marked failed
	case depsPending:
		return s.requeue(ctx, t)
	}

	if t.Status() == task.StatusPending {
		if err := t.MarkStarted(); err != nil {
			s.logger.Printf("serve %s: starting %s: %v", s.cfg.Name, t.ID(), err)
			return false
		}
	}
	s.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        t.ID(),
		AgentID:   exec.ID(),
		AgentRole: exec.Role(),
		Attempt:   attempt + 1,
		Timestamp: time.Now(),
	})

	res := s.runOnAgent(ctx, exec, t)
	if res == nil {
		return false // terminal state already recorded
	}

	eval := s.evaluate(ctx, t, res)
	if !eval.Accept && eval.Retry != nil {
		res = s.reExecute(ctx, t, exec, eval.Retry, res)
		if res == nil {
			return false
		}
		eval = s.evaluate(ctx, t, res)
	}

	if !eval.Accept && res.Success {
		// The agent claimed success but the evaluation rejected it; the
		// recorded result must reflect the rejection.
		res = task.NewResult(false, res.Output, "evaluation rejected result: "+eval.Reason, res.ExecutionTime)
	}
	if err := t.MarkCompleted(res); err != nil {
		s.logger.Printf("serve %s: completing %s: %v", s.cfg.Name, t.ID(), err)
	}
	return false
}

// runOnAgent executes the task under the coordinator's per-task timeout.
// A nil return means the task already reached a terminal state here.
func (s *Serve) runOnAgent(ctx context.Context, exec agent.Executor, t *task.Task) *task.Result {
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	res, err := exec.Execute(execCtx, t)
	cancel()

	if err != nil {
		s.markFailed(t, fmt.Sprintf("agent %s: %v", exec.ID(), err))
		return nil
	}
	if res.TimedOut() {
		s.incr("timeouts")
		if err := t.MarkTimeout(res.Error); err != nil {
			s.logger.Printf("serve %s: timing out %s: %v", s.cfg.Name, t.ID(), err)
		}
		s.bus.Publish(events.TopicTask, events.TaskTimedOutEvent{
			ID: t.ID(), AgentID: exec.ID(), Limit: s.cfg.TaskTimeout, Timestamp: time.Now(),
		})
		return nil
	}
	return res
}

// reExecute applies the retry patch and runs the task once more, on the
// hinted agent when available. On failure to improve, the original result
// stands.
func (s *Serve) reExecute(ctx context.Context, t *task.Task, exec agent.Executor, patch *RetryPatch, prev *task.Result) *task.Result {
	if len(patch.Tools) > 0 {
		t.SetTools(patch.Tools...)
	}
	t.MergeContext(patch.Context)
	if patch.AgentHint != "" {
		if hinted, err := s.selectExecutor(ctx, t, patch.AgentHint); err == nil {
			exec = hinted
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	res, err := exec.Execute(execCtx, t)
	cancel()
	if err != nil {
		s.logger.Printf("serve %s: re-execution of %s: %v", s.cfg.Name, t.ID(), err)
		return prev
	}
	if res.TimedOut() {
		s.incr("timeouts")
		if err := t.MarkTimeout(res.Error); err != nil {
			s.logger.Printf("serve %s: timing out %s: %v", s.cfg.Name, t.ID(), err)
		}
		s.bus.Publish(events.TopicTask, events.TaskTimedOutEvent{
			ID: t.ID(), AgentID: exec.ID(), Limit: s.cfg.TaskTimeout, Timestamp: time.Now(),
		})
		return nil
	}
	return res
}

type depState int

const (
	depsReady depState = iota
	depsPending
	depsFailed
)

// checkDependencies gates execution on every dependency being COMPLETED. A
// terminally unsuccessful dependency fails this task; an unfinished one
// sends it back to the queue.
func (s *Serve) checkDependencies(t *task.Task) depState {
	for _, depID := range t.Dependencies() {
		s.mu.Lock()
		dep, ok := s.tasks[depID]
		s.mu.Unlock()
		if !ok {
			s.markFailed(t, fmt.Sprintf("dependency %s is not a known task", depID))
			return depsFailed
		}
		switch dep.Status() {
		case task.StatusCompleted:
		case task.StatusFailed, task.StatusCancelled, task.StatusTimeout:
			s.markFailed(t, fmt.Sprintf("dependency %s finished as %s", depID, dep.Status()))
			return depsFailed
		default:
			return depsPending
		}
	}
	return depsReady
}

// requeue sends a dependency-blocked task back to the queue after a short
// yield so the blocking dependency gets scheduled.
func (s *Serve) requeue(ctx context.Context, t *task.Task) bool {
	select {
	case <-ctx.Done():
		s.markFailed(t, "coordinator shut down while waiting for dependencies")
		return false
	case <-time.After(10 * time.Millisecond):
	}
	evicted, err := s.queue.Push(t)
	if err != nil {
		s.markFailed(t, fmt.Sprintf("requeue while waiting for dependencies: %v", err))
		return false
	}
	if evicted != nil {
		s.evictOnOverflow(ctx, evicted)
	}
	return true
}

func (s *Serve) markFailed(t *task.Task, reason string) {
	if err := t.MarkFailed(reason); err != nil {
		s.logger.Printf("serve %s: failing %s: %v", s.cfg.Name, t.ID(), err)
	}
}

// selectExecutor picks the agent for a task: explicit hint, then manager
// override, then router.
func (s *Serve) selectExecutor(ctx context.Context, t *task.Task, hint string) (agent.Executor, error) {
	s.mu.Lock()
	candidates := append([]agent.Executor(nil), s.agents...)
	hinted := s.agentsByID[hint]
	s.mu.Unlock()

	if hinted != nil {
		return hinted, nil
	}
	if s.manager != nil {
		exec, err := s.manager.SelectAgent(ctx, t, candidates)
		if err != nil {
			s.logger.Printf("serve %s: manager selection for %s failed, using router: %v", s.cfg.Name, t.ID(), err)
		} else if exec != nil {
			return exec, nil
		}
	}
	return s.rt.Route(t, candidates)
}

// evaluate applies the manager's judgment, defaulting to pass-through on the
// agent-reported success flag.
func (s *Serve) evaluate(ctx context.Context, t *task.Task, res *task.Result) Evaluation {
	if s.manager == nil {
		return Evaluation{Accept: res.Success, Reason: res.Error}
	}
	eval, err := s.manager.Evaluate(ctx, t, res)
	if err != nil {
		s.logger.Printf("serve %s: evaluation of %s failed, passing through: %v", s.cfg.Name, t.ID(), err)
		return Evaluation{Accept: res.Success, Reason: res.Error}
	}
	return eval
}

// finalize records a terminal task: completed/failed maps, counters, shared
// memory, the completion callback, the archive, and events. Memory and
// archive failures are logged, never fatal.
func (s *Serve) finalize(ctx context.Context, t *task.Task) {
	st := t.Status()
	res := t.Result()

	s.mu.Lock()
	switch st {
	case task.StatusCompleted:
		s.completed[t.ID()] = t
		s.counters["completed"]++
	case task.StatusFailed, task.StatusTimeout:
		s.failed[t.ID()] = t
		s.counters["failed"]++
	case task.StatusCancelled:
		s.failed[t.ID()] = t
	}
	cb := s.callbacks[t.ID()]
	delete(s.callbacks, t.ID())
	s.mu.Unlock()

	if s.mem != nil && res != nil {
		err := s.mem.Store(map[string]any{
			"task_id": t.ID(),
			"status":  string(st),
			"success": res.Success,
			"error":   res.Error,
		}, []string{"task_result", t.Type()}, t.Priority().Rank())
		if err != nil {
			s.logger.Printf("serve %s: memory update for %s: %v", s.cfg.Name, t.ID(), err)
		}
	}

	if cb != nil && res != nil {
		cb(res)
	}

	if s.store != nil {
		if err := s.store.Archive(ctx, t); err != nil {
			s.logger.Printf("serve %s: archiving %s: %v", s.cfg.Name, t.ID(), err)
		}
	}

	now := time.Now()
	switch st {
	case task.StatusCompleted:
		dur, _ := t.Duration()
		s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID: t.ID(), AgentID: agentID(res), Duration: dur, Timestamp: now,
		})
	case task.StatusFailed:
		reason := ""
		if res != nil {
			reason = res.Error
		}
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID: t.ID(), AgentID: agentID(res), Reason: reason, Attempts: t.RetryCount() + 1, Timestamp: now,
		})
	}
}

func agentID(res *task.Result) string {
	if res == nil || res.Metadata == nil {
		return ""
	}
	if id, ok := res.Metadata["agent_id"].(string); ok {
		return id
	}
	return ""
}

// cleanupLoop periodically purges terminal tasks past the retention window.
func (s *Serve) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce()
		}
	}
}

// cleanupOnce drops terminal tasks older than the retention window and
// releases their resources. The in-memory record disappears; the archive
// keeps the durable copy.
func (s *Serve) cleanupOnce() {
	cutoff := time.Now().Add(-s.cfg.TaskRetentionPeriod)

	var victims []*task.Task
	s.mu.Lock()
	for _, m := range []map[string]*task.Task{s.completed, s.failed} {
		for id, t := range m {
			if done := t.CompletedAt(); !done.IsZero() && done.Before(cutoff) {
				delete(m, id)
				delete(s.tasks, id)
				delete(s.callbacks, id)
				victims = append(victims, t)
			}
		}
	}
	s.counters["cleanups"]++
	s.counters["purged"] += int64(len(victims))
	s.lastClean = time.Now()
	s.mu.Unlock()

	for _, t := range victims {
		t.CleanupResources()
	}
	s.bus.Publish(events.TopicServe, events.ServeCleanupEvent{
		Purged: len(victims), Timestamp: time.Now(),
	})
	if len(victims) > 0 {
		s.logger.Printf("serve %s: purged %d task(s) past retention", s.cfg.Name, len(victims))
	}
}
