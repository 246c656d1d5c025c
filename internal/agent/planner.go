package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pilottgo/pilott/internal/llm"
	"github.com/pilottgo/pilott/internal/task"
)

// Step is one planned action in a task's execution.
type Step struct {
	// Done signals that no further steps are needed. When set, the other
	// fields are ignored.
	Done bool `json:"task_complete"`

	// Tool names the registry tool to invoke. Empty with RequiresModel set
	// means a pure model round trip.
	Tool          string         `json:"tool,omitempty"`
	Action        string         `json:"action,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	RequiresModel bool           `json:"requires_model,omitempty"`
}

// StepOutcome pairs an executed step with its output.
type StepOutcome struct {
	Step   Step `json:"step"`
	Output any  `json:"output"`
}

// PlanContext is everything a planner may consult when deciding the next step.
type PlanContext struct {
	Task      *task.Task
	Tools     []string
	Completed []StepOutcome
	Iteration int
}

// Planner decides the next step for a task. Implementations must be safe for
// concurrent use; one planner may serve many in-flight tasks.
type Planner interface {
	NextStep(ctx context.Context, pc PlanContext) (Step, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, pc PlanContext) (Step, error)

func (f PlannerFunc) NextStep(ctx context.Context, pc PlanContext) (Step, error) {
	return f(ctx, pc)
}

// NewModelPlanner returns a Planner that asks the model for the next step and
// parses its JSON reply.
func NewModelPlanner(h llm.Handler) Planner {
	return &modelPlanner{handler: h}
}

type modelPlanner struct {
	handler llm.Handler
}

func (p *modelPlanner) NextStep(ctx context.Context, pc PlanContext) (Step, error) {
	history, err := json.Marshal(pc.Completed)
	if err != nil {
		return Step{}, fmt.Errorf("encoding step history: %w", err)
	}

	prompt := fmt.Sprintf(`Determine the next step for this task.
Task: %s
Available tools: %s
Completed steps: %s

Respond with JSON only:
{"task_complete": bool, "tool": "name or empty", "action": "what to do", "input": {}, "requires_model": bool}`,
		pc.Task.Description(), strings.Join(pc.Tools, ", "), history)

	resp, err := p.handler.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You plan task execution one step at a time."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Step{}, fmt.Errorf("planning step %d: %w", pc.Iteration, err)
	}

	var step Step
	if err := parseJSONResponse(resp.Content, &step); err != nil {
		return Step{}, fmt.Errorf("parsing plan for step %d: %w", pc.Iteration, err)
	}
	return step, nil
}

func jsonCompact(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %T: %w", v, err)
	}
	return string(b), nil
}

// parseJSONResponse decodes a model reply into v. Models often wrap JSON in
// fenced code blocks or surrounding prose; strip fences and fall back to the
// outermost brace pair before giving up.
func parseJSONResponse(content string, v any) error {
	text := strings.TrimSpace(content)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return json.Unmarshal([]byte(text[start:end+1]), v)
	}
	return fmt.Errorf("no JSON object found in model response")
}
