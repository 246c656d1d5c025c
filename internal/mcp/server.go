// Package mcp exposes coordinator operations as MCP tools over stdio so
// external agent hosts can submit and inspect tasks.
package mcp

import (
	"context"
	"log"
	"os"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pilottgo/pilott/internal/serve"
	"github.com/pilottgo/pilott/internal/task"
)

const serverInstructions = "You are connected to a pilott task coordinator. " +
	"Use submit_task to queue work for the agent pool; it returns the task ids " +
	"(several when the task is decomposed into subtasks). Poll get_result with a " +
	"task id to retrieve the outcome once the task finishes. get_metrics shows " +
	"queue depth and lifetime counters. cancel_task removes a task that has not " +
	"started executing yet."

// Coordinator is the slice of the serve API the tools need. *serve.Serve
// satisfies it; tests substitute a fake.
type Coordinator interface {
	AddTask(ctx context.Context, t *task.Task) ([]string, error)
	GetResult(ctx context.Context, id string) (*task.Result, error)
	CancelTask(id string) error
	Metrics() serve.Metrics
}

// Server wraps an MCP server bound to one coordinator.
type Server struct {
	server *mcpserver.MCPServer
	coord  Coordinator
	logger *log.Logger
}

// NewServer creates an MCP server exposing the coordinator's operations.
func NewServer(coord Coordinator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := mcpserver.NewMCPServer(
		"pilott",
		"0.1.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	srv := &Server{server: s, coord: coord, logger: logger}
	srv.registerTools()
	return srv
}

func (s *Server) registerTools() {
	submitTask := gomcp.NewTool("submit_task",
		gomcp.WithDescription(
			"Queue a task for the agent pool. Returns the ids of every queued task; "+
				"a manager agent may decompose the request into several dependent subtasks.",
		),
		gomcp.WithString("description",
			gomcp.Required(),
			gomcp.Description("What the task should accomplish. {placeholder} tokens are resolved against the context."),
		),
		gomcp.WithString("type",
			gomcp.Description("Task type matched against agent specializations (e.g. 'research', 'writing')."),
		),
		gomcp.WithString("priority",
			gomcp.Description("Queue priority: low, medium, high, or critical. Unset tasks are classified automatically."),
		),
		gomcp.WithString("tools",
			gomcp.Description("Comma-separated tool names the task expects to use."),
		),
		gomcp.WithString("depends_on",
			gomcp.Description("Comma-separated ids of previously submitted tasks this one must wait for."),
		),
		gomcp.WithNumber("complexity",
			gomcp.Description("Complexity estimate from 1 to 10, used for priority classification."),
		),
		gomcp.WithNumber("max_retries",
			gomcp.Description("Retry budget for failed attempts. Defaults to 3."),
		),
		gomcp.WithBoolean("urgent",
			gomcp.Description("Urgent tasks classify as critical priority."),
		),
	)
	s.server.AddTool(submitTask, handleSubmitTask(s.coord, s.logger))

	getResult := gomcp.NewTool("get_result",
		gomcp.WithDescription(
			"Fetch the terminal result of a task by id. Errors while the task is still "+
				"queued or executing; poll until it succeeds.",
		),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("The task id returned by submit_task."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getResult, handleGetResult(s.coord, s.logger))

	getMetrics := gomcp.NewTool("get_metrics",
		gomcp.WithDescription("Snapshot the coordinator: queue depth, running count, agent count, and lifetime counters."),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getMetrics, handleGetMetrics(s.coord, s.logger))

	cancelTask := gomcp.NewTool("cancel_task",
		gomcp.WithDescription("Cancel a queued task. Tasks that already started executing cannot be cancelled."),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("The id of the task to cancel."),
		),
	)
	s.server.AddTool(cancelTask, handleCancelTask(s.coord, s.logger))
}

// Serve runs the MCP server over stdio until the client disconnects.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}
