package serve

import (
	"context"

	"github.com/pilottgo/pilott/internal/agent"
	"github.com/pilottgo/pilott/internal/task"
)

// RetryPatch is the closed set of task modifications a manager may request
// before the single evaluation-driven re-execution.
type RetryPatch struct {
	// Tools, when non-empty, replaces the task's tool selection.
	Tools []string
	// AgentHint, when non-empty, asks for that agent id on re-execution.
	AgentHint string
	// Context entries are merged into the task's placeholder map.
	Context map[string]string
}

// Evaluation is a manager's judgment of an execution result.
type Evaluation struct {
	Accept bool
	Reason string
	// Retry, when non-nil on a rejected result, requests exactly one
	// re-execution with the patch applied.
	Retry *RetryPatch
}

// Manager optionally refines coordinator decisions. Every method may decline
// by returning its zero answer, in which case the coordinator falls back to
// its defaults: no decomposition, router selection, pass-through evaluation.
type Manager interface {
	// Decompose may split a task into dependent subtasks, each queued
	// independently. A nil slice means the task is queued as-is.
	Decompose(ctx context.Context, t *task.Task) ([]*task.Task, error)

	// SelectAgent may override routing. A nil executor defers to the router.
	SelectAgent(ctx context.Context, t *task.Task, candidates []agent.Executor) (agent.Executor, error)

	// Evaluate judges an execution result.
	Evaluate(ctx context.Context, t *task.Task, res *task.Result) (Evaluation, error)
}
