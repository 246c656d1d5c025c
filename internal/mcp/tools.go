package mcp

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pilottgo/pilott/internal/task"
)

// submitView is the JSON representation returned by submit_task.
type submitView struct {
	TaskIDs []string `json:"task_ids"`
}

// resultView is the JSON representation returned by get_result.
type resultView struct {
	TaskID        string  `json:"task_id"`
	Success       bool    `json:"success"`
	Output        any     `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time_seconds"`
}

// handleSubmitTask builds a task from the request arguments and queues it.
func handleSubmitTask(coord Coordinator, logger *log.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		description := req.GetString("description", "")
		if description == "" {
			return gomcp.NewToolResultError("missing required parameter: description"), nil
		}

		var opts []task.Option
		if typ := req.GetString("type", ""); typ != "" {
			opts = append(opts, task.WithType(typ))
		}
		switch p := task.Priority(req.GetString("priority", "")); p {
		case "":
		case task.PriorityLow, task.PriorityMedium, task.PriorityHigh, task.PriorityCritical:
			opts = append(opts, task.WithPriority(p))
		default:
			return gomcp.NewToolResultError("invalid priority: " + string(p)), nil
		}
		if names := splitTrimmed(req.GetString("tools", "")); len(names) > 0 {
			opts = append(opts, task.WithTools(names...))
		}
		if deps := splitTrimmed(req.GetString("depends_on", "")); len(deps) > 0 {
			opts = append(opts, task.WithDependencyIDs(deps...))
		}
		if c := getIntParam(req, "complexity", 0); c != 0 {
			opts = append(opts, task.WithComplexity(c))
		}
		if r := getIntParam(req, "max_retries", -1); r >= 0 {
			opts = append(opts, task.WithMaxRetries(r))
		}
		if req.GetBool("urgent", false) {
			opts = append(opts, task.WithUrgent())
		}

		t, err := task.New(description, opts...)
		if err != nil {
			return gomcp.NewToolResultError("invalid task: " + err.Error()), nil
		}

		ids, err := coord.AddTask(ctx, t)
		if err != nil {
			logger.Printf("mcp: submit_task rejected: %v", err)
			return gomcp.NewToolResultError("failed to queue task: " + err.Error()), nil
		}

		data, err := json.MarshalIndent(submitView{TaskIDs: ids}, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal response: " + err.Error()), nil
		}
		logger.Printf("mcp: submit_task queued %d task(s)", len(ids))
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleGetResult fetches the terminal result for a task id.
func handleGetResult(coord Coordinator, logger *log.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetString("task_id", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}

		res, err := coord.GetResult(ctx, id)
		if err != nil {
			return gomcp.NewToolResultError("failed to get result: " + err.Error()), nil
		}
		if res == nil {
			return gomcp.NewToolResultError("task " + id + " has no recorded result"), nil
		}

		view := resultView{
			TaskID:        id,
			Success:       res.Success,
			Output:        res.Output,
			Error:         res.Error,
			ExecutionTime: res.ExecutionTime,
		}
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleGetMetrics snapshots the coordinator.
func handleGetMetrics(coord Coordinator, logger *log.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		data, err := json.MarshalIndent(coord.Metrics(), "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal metrics: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleCancelTask cancels a queued task.
func handleCancelTask(coord Coordinator, logger *log.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetString("task_id", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}

		if err := coord.CancelTask(id); err != nil {
			return gomcp.NewToolResultError("failed to cancel task: " + err.Error()), nil
		}
		logger.Printf("mcp: task %s cancelled", id)
		return gomcp.NewToolResultText("Task " + id + " cancelled."), nil
	}
}

// splitTrimmed splits a comma-separated string and returns non-empty trimmed
// parts. Returns nil for empty input.
func splitTrimmed(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getIntParam extracts a numeric parameter from the request arguments,
// returning defaultVal if not present.
func getIntParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}
