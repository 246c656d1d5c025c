// Package agent implements task-executing workers. An agent validates a task,
// plans a bounded sequence of steps, runs each step under a per-tool lock,
// and reports the outcome as a task.Result. Agents never panic across the
// Execute boundary and never return to a caller holding tool locks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilottgo/pilott/internal/llm"
	"github.com/pilottgo/pilott/internal/memory"
	"github.com/pilottgo/pilott/internal/task"
	"github.com/pilottgo/pilott/internal/tool"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	// StatusError marks an executor wedged by an internal fault. Agent never
	// enters it (failures are absorbed into results); alternate Executor
	// implementations report it so the router skips them.
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

var (
	// ErrStopped is returned when Execute is called on a stopped agent.
	ErrStopped = errors.New("agent is stopped")
	// ErrTaskConflict is returned when the same task id is submitted to an
	// agent that is already executing it.
	ErrTaskConflict = errors.New("task already executing on this agent")
)

// Defaults applied by NewAgent when the corresponding Config field is zero.
const (
	DefaultMaxIterations = 10
	DefaultStepTimeout   = 60 * time.Second
	DefaultTaskTimeout   = 5 * time.Minute
	DefaultMaxHistory    = 100
	DefaultQueueCapacity = 10
)

// Config describes an agent. Role is required.
type Config struct {
	ID              string
	Role            string
	Goal            string
	Description     string
	Specializations []string // task types this agent is preferred for
	Capabilities    []string // capabilities this agent can satisfy
	MaxIterations   int
	StepTimeout     time.Duration
	TaskTimeout     time.Duration
	MaxHistory      int
	QueueCapacity   int // concurrent task budget used for load reporting
}

// Deps carries the collaborators an agent needs. Tools and Locks are
// typically shared across agents; LLM, Planner, Memory, and Logger are
// optional.
type Deps struct {
	LLM     llm.Handler
	Tools   *tool.Registry
	Planner Planner
	Locks   *ToolLockManager
	Memory  *memory.Memory
	Logger  *log.Logger
}

// Health is a point-in-time snapshot of an agent.
type Health struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Status         Status   `json:"status"`
	ActiveTasks    int      `json:"active_tasks"`
	CompletedTasks uint64   `json:"completed_tasks"`
	FailedTasks    uint64   `json:"failed_tasks"`
	TimedOutTasks  uint64   `json:"timed_out_tasks"`
	QueueCapacity  int      `json:"queue_capacity"`
	HeldLocks      []string `json:"held_locks,omitempty"`
}

// LoadFactor is the fraction of an agent's concurrent budget in use, in
// [0, 1].
func (h Health) LoadFactor() float64 {
	if h.QueueCapacity <= 0 {
		return 0
	}
	load := float64(h.ActiveTasks) / float64(h.QueueCapacity)
	if load > 1 {
		return 1
	}
	return load
}

// Executor is the contract the coordinator routes tasks through. Agent is
// the standard implementation; alternates register through a Registry.
type Executor interface {
	ID() string
	Role() string
	Start(ctx context.Context) error
	Stop() error
	Execute(ctx context.Context, t *task.Task) (*task.Result, error)
	EvaluateSuitability(t *task.Task) float64
	Health() Health
}

// Agent executes tasks one planned step at a time.
type Agent struct {
	id      string
	cfg     Config
	handler llm.Handler
	tools   *tool.Registry
	planner Planner
	locks   *ToolLockManager
	mem     *memory.Memory
	logger  *log.Logger

	mu        sync.Mutex
	status    Status
	active    map[string]struct{} // task ids currently executing
	history   []llm.Message
	completed uint64
	failed    uint64
	timedOut  uint64
}

// NewAgent builds an Agent from cfg, filling zero fields with defaults.
func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	if strings.TrimSpace(cfg.Role) == "" {
		return nil, errors.New("agent role cannot be empty")
	}
	if cfg.MaxIterations < 0 || cfg.StepTimeout < 0 || cfg.TaskTimeout < 0 {
		return nil, errors.New("agent timeouts and iteration bound must be non-negative")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	planner := deps.Planner
	if planner == nil {
		if deps.LLM != nil {
			planner = NewModelPlanner(deps.LLM)
		} else {
			planner = sequentialPlanner{}
		}
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewToolLockManager()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	return &Agent{
		id:      cfg.ID,
		cfg:     cfg,
		handler: deps.LLM,
		tools:   deps.Tools,
		planner: planner,
		locks:   locks,
		mem:     deps.Memory,
		logger:  logger,
		status:  StatusIdle,
		active:  make(map[string]struct{}),
	}, nil
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Role() string { return a.cfg.Role }

// Start makes a stopped agent accept tasks again. Idempotent.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusStopped {
		a.status = StatusIdle
	}
	return nil
}

// Stop marks the agent stopped. In-flight executions run to completion;
// new submissions are rejected. Idempotent.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusStopped
	return nil
}

// Health reports a snapshot of the agent's state and counters.
func (a *Agent) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{
		ID:             a.id,
		Role:           a.cfg.Role,
		Status:         a.status,
		ActiveTasks:    len(a.active),
		CompletedTasks: a.completed,
		FailedTasks:    a.failed,
		TimedOutTasks:  a.timedOut,
		QueueCapacity:  a.cfg.QueueCapacity,
		HeldLocks:      a.locks.Held(),
	}
}

// EvaluateSuitability scores how well this agent fits a task, in [0, 1].
// A missing required capability scores 0. Otherwise the base score is 0.7,
// plus 0.3 when the task type matches a specialization, minus a load penalty
// of 0.1 per active task capped at 0.5.
func (a *Agent) EvaluateSuitability(t *task.Task) float64 {
	for _, want := range t.RequiredCapabilities() {
		if !containsFold(a.cfg.Capabilities, want) {
			return 0
		}
	}
	score := 0.7
	if t.Type() != "" && containsFold(a.cfg.Specializations, t.Type()) {
		score += 0.3
	}
	a.mu.Lock()
	depth := len(a.active)
	a.mu.Unlock()
	penalty := 0.1 * float64(depth)
	if penalty > 0.5 {
		penalty = 0.5
	}
	score -= penalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Execute runs one attempt of the task and always returns a Result for
// execution outcomes; an error return means the task was never started
// (stopped agent, duplicate submission, nil task).
//
// The attempt runs in its own goroutine under a deadline so a wedged step
// cannot hang the caller. On timeout the returned Result is marked as a
// timeout failure; the attempt goroutine unwinds through its own defers and
// releases any tool locks it holds.
func (a *Agent) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	if t == nil {
		return nil, errors.New("cannot execute nil task")
	}

	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		return nil, ErrStopped
	}
	if _, dup := a.active[t.ID()]; dup {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskConflict, t.ID())
	}
	a.active[t.ID()] = struct{}{}
	a.status = StatusBusy
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		// Delete the entry rather than flagging it so the map cannot grow
		// without bound across many task ids.
		delete(a.active, t.ID())
		if len(a.active) == 0 && a.status == StatusBusy {
			a.status = StatusIdle
		}
		a.mu.Unlock()
	}()

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.TaskTimeout)
	defer cancel()

	resCh := make(chan *task.Result, 1)
	go func() { resCh <- a.attempt(attemptCtx, t, start) }()

	select {
	case res := <-resCh:
		a.recordOutcome(res)
		return res, nil
	case <-attemptCtx.Done():
		elapsed := time.Since(start).Seconds()
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			a.mu.Lock()
			a.timedOut++
			a.mu.Unlock()
			a.logger.Printf("agent %s: task %s timed out after %s", a.id, t.ID(), a.cfg.TaskTimeout)
			return task.NewTimeoutResult(
				fmt.Sprintf("execution exceeded %s", a.cfg.TaskTimeout), elapsed), nil
		}
		a.mu.Lock()
		a.failed++
		a.mu.Unlock()
		return task.NewResult(false, nil, attemptCtx.Err().Error(), elapsed), nil
	}
}

func (a *Agent) recordOutcome(res *task.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case res.Success:
		a.completed++
	case res.TimedOut():
		a.timedOut++
	default:
		a.failed++
	}
}

// attempt is the full validate/analyze/lock/step/evaluate pipeline. It only
// ever returns a Result; failures are encoded, not raised.
func (a *Agent) attempt(ctx context.Context, t *task.Task, start time.Time) *task.Result {
	fail := func(err error) *task.Result {
		a.logger.Printf("agent %s: task %s failed: %v", a.id, t.ID(), err)
		return task.NewResult(false, nil, err.Error(), time.Since(start).Seconds()).
			WithMetadata("agent_id", a.id)
	}

	if t.IsExpired() {
		return fail(errors.New("task deadline already passed"))
	}

	verdict, err := a.analyze(ctx, t)
	if err != nil {
		return fail(fmt.Errorf("analyzing task: %w", err))
	}
	if !verdict.CanExecute {
		return fail(fmt.Errorf("task rejected: %s", verdict.Reason))
	}

	selected, err := a.selectTools(t)
	if err != nil {
		return fail(err)
	}

	// All tool locks are taken up front, in lexical order, and held for the
	// whole step loop. Release order is the exact reverse.
	if err := a.locks.AcquireAll(ctx, selected); err != nil {
		return fail(err)
	}
	defer a.locks.ReleaseAll(selected)

	steps, err := a.runSteps(ctx, t, selected)
	if err != nil {
		return fail(err)
	}

	eval, err := a.evaluate(ctx, t, steps)
	if err != nil {
		return fail(fmt.Errorf("evaluating output: %w", err))
	}

	a.remember(t, len(steps), eval.Success)

	errMsg := ""
	if !eval.Success {
		errMsg = eval.Reasoning
		if errMsg == "" {
			errMsg = "output judged unsatisfactory"
		}
	}
	res := task.NewResult(eval.Success, finalOutput(steps), errMsg, time.Since(start).Seconds()).
		WithMetadata("agent_id", a.id).
		WithMetadata("tools_used", selected).
		WithMetadata("iterations", len(steps))
	if eval.Reasoning != "" && eval.Success {
		res.WithMetadata("evaluation", eval.Reasoning)
	}
	return res
}

type verdict struct {
	CanExecute bool   `json:"can_execute"`
	Reason     string `json:"reason"`
}

// analyze asks the model whether the task is executable by this agent.
// Without a model the capability check in EvaluateSuitability is the only
// gate, so the verdict is an unconditional yes.
func (a *Agent) analyze(ctx context.Context, t *task.Task) (verdict, error) {
	if a.handler == nil {
		return verdict{CanExecute: true}, nil
	}

	prompt := fmt.Sprintf(`Decide whether you can execute this task.
Your role: %s
Your goal: %s
Task: %s

Respond with JSON only: {"can_execute": bool, "reason": "short explanation"}`,
		a.cfg.Role, a.cfg.Goal, t.Description())

	resp, err := a.handler.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You assess task fit for an execution agent."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return verdict{}, err
	}
	a.recordHistory(llm.Message{Role: "assistant", Content: resp.Content})

	var v verdict
	if err := parseJSONResponse(resp.Content, &v); err != nil {
		return verdict{}, err
	}
	return v, nil
}

// selectTools resolves the task's tool list against the registry. Tasks with
// no explicit tools get every registered tool.
func (a *Agent) selectTools(t *task.Task) ([]string, error) {
	if a.tools == nil {
		if len(t.Tools()) > 0 {
			return nil, errors.New("task requires tools but agent has no tool registry")
		}
		return nil, nil
	}
	names := t.Tools()
	if len(names) == 0 {
		return a.tools.Names(), nil
	}
	for _, name := range names {
		if _, ok := a.tools.Get(name); !ok {
			return nil, fmt.Errorf("task names unregistered tool %q", name)
		}
	}
	return names, nil
}

// runSteps drives the planner until it signals completion or the iteration
// bound is reached. Hitting the bound is not an error; the steps accumulated
// so far are the output.
func (a *Agent) runSteps(ctx context.Context, t *task.Task, selected []string) ([]StepOutcome, error) {
	allowed := make(map[string]bool, len(selected))
	for _, name := range selected {
		allowed[name] = true
	}

	var completed []StepOutcome
	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)

		step, err := a.planner.NextStep(stepCtx, PlanContext{
			Task:      t,
			Tools:     selected,
			Completed: completed,
			Iteration: iter,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("planning step %d: %w", iter, err)
		}
		if step.Done {
			cancel()
			break
		}

		out, err := a.execStep(stepCtx, step, allowed)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", iter, stepName(step), err)
		}
		completed = append(completed, StepOutcome{Step: step, Output: out})
	}
	return completed, nil
}

func (a *Agent) execStep(ctx context.Context, step Step, allowed map[string]bool) (any, error) {
	switch {
	case step.Tool != "":
		if !allowed[step.Tool] {
			return nil, fmt.Errorf("tool %q was not selected for this task", step.Tool)
		}
		tl, ok := a.tools.Get(step.Tool)
		if !ok {
			return nil, fmt.Errorf("tool %q not registered", step.Tool)
		}
		return tl.Execute(ctx, step.Input)
	case step.RequiresModel:
		if a.handler == nil {
			return nil, errors.New("step requires a model but none is configured")
		}
		resp, err := a.handler.Generate(ctx, []llm.Message{
			{Role: "user", Content: step.Action},
		})
		if err != nil {
			return nil, err
		}
		a.recordHistory(
			llm.Message{Role: "user", Content: step.Action},
			llm.Message{Role: "assistant", Content: resp.Content},
		)
		return resp.Content, nil
	default:
		return nil, errors.New("step names neither a tool nor a model action")
	}
}

type stepEval struct {
	Success   bool   `json:"success"`
	Reasoning string `json:"reasoning"`
}

// evaluate judges the accumulated step output. Without a model, completing
// the step loop counts as success.
func (a *Agent) evaluate(ctx context.Context, t *task.Task, steps []StepOutcome) (stepEval, error) {
	if a.handler == nil {
		return stepEval{Success: true}, nil
	}

	encoded, err := jsonCompact(steps)
	if err != nil {
		return stepEval{}, err
	}
	prompt := fmt.Sprintf(`Judge whether the executed steps satisfy the task.
Task: %s
Steps: %s

Respond with JSON only: {"success": bool, "reasoning": "short explanation"}`,
		t.Description(), encoded)

	resp, err := a.handler.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You evaluate task outputs."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return stepEval{}, err
	}

	var ev stepEval
	if err := parseJSONResponse(resp.Content, &ev); err != nil {
		return stepEval{}, err
	}
	return ev, nil
}

// remember records the execution outcome. Memory failures are advisory only.
func (a *Agent) remember(t *task.Task, steps int, success bool) {
	if a.mem == nil {
		return
	}
	err := a.mem.Store(map[string]any{
		"task_id":  t.ID(),
		"agent_id": a.id,
		"steps":    steps,
		"success":  success,
	}, []string{"execution", t.Type()}, t.Priority().Rank())
	if err != nil {
		a.logger.Printf("agent %s: memory store for task %s failed: %v", a.id, t.ID(), err)
	}
}

func (a *Agent) recordHistory(msgs ...llm.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, msgs...)
	if over := len(a.history) - a.cfg.MaxHistory; over > 0 {
		a.history = a.history[over:]
	}
}

// History returns a copy of the retained conversation turns.
func (a *Agent) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.history...)
}

// sequentialPlanner is the model-free fallback: run each selected tool once,
// in order, then finish.
type sequentialPlanner struct{}

func (sequentialPlanner) NextStep(_ context.Context, pc PlanContext) (Step, error) {
	if pc.Iteration >= len(pc.Tools) {
		return Step{Done: true}, nil
	}
	return Step{
		Tool:   pc.Tools[pc.Iteration],
		Action: pc.Task.Description(),
		Input:  map[string]any{"task_id": pc.Task.ID(), "description": pc.Task.Description()},
	}, nil
}

func finalOutput(steps []StepOutcome) any {
	if len(steps) == 0 {
		return nil
	}
	return steps[len(steps)-1].Output
}

func stepName(s Step) string {
	if s.Tool != "" {
		return s.Tool
	}
	return "model"
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
