package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/pilottgo/pilott/internal/serve"
	"github.com/pilottgo/pilott/internal/task"
)

// fakeCoord records calls and returns scripted answers.
type fakeCoord struct {
	addedTask *task.Task
	addIDs    []string
	addErr    error

	result    *task.Result
	resultErr error

	cancelled string
	cancelErr error

	metrics serve.Metrics
}

func (f *fakeCoord) AddTask(_ context.Context, t *task.Task) ([]string, error) {
	f.addedTask = t
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.addIDs != nil {
		return f.addIDs, nil
	}
	return []string{t.ID()}, nil
}

func (f *fakeCoord) GetResult(context.Context, string) (*task.Result, error) {
	return f.result, f.resultErr
}

func (f *fakeCoord) CancelTask(id string) error {
	f.cancelled = id
	return f.cancelErr
}

func (f *fakeCoord) Metrics() serve.Metrics { return f.metrics }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// resultText extracts the text string from a CallToolResult.
func resultText(t *testing.T, result *gomcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := gomcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("result content[0] is not TextContent: %T", result.Content[0])
	}
	return tc.Text
}

func TestHandleSubmitTask(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		addErr    error
		wantErr   bool
		contains  string
		checkTask func(t *testing.T, tk *task.Task)
	}{
		{
			name: "full argument set",
			args: map[string]any{
				"description": "summarize the {topic} findings",
				"type":        "research",
				"priority":    "high",
				"tools":       "search, fetch",
				"depends_on":  "dep-1,dep-2",
				"complexity":  float64(7),
				"max_retries": float64(1),
			},
			checkTask: func(t *testing.T, tk *task.Task) {
				t.Helper()
				if tk.Type() != "research" {
					t.Errorf("Type = %q, want research", tk.Type())
				}
				if tk.Priority() != task.PriorityHigh {
					t.Errorf("Priority = %q, want high", tk.Priority())
				}
				if got := tk.Tools(); len(got) != 2 || got[0] != "search" {
					t.Errorf("Tools = %v", got)
				}
				if got := tk.Dependencies(); len(got) != 2 || got[1] != "dep-2" {
					t.Errorf("Dependencies = %v", got)
				}
				if tk.Complexity() != 7 {
					t.Errorf("Complexity = %d, want 7", tk.Complexity())
				}
				if tk.MaxRetries() != 1 {
					t.Errorf("MaxRetries = %d, want 1", tk.MaxRetries())
				}
			},
		},
		{
			name:     "urgent flag classifies critical later",
			args:     map[string]any{"description": "hotfix now", "urgent": true},
			contains: "task_ids",
			checkTask: func(t *testing.T, tk *task.Task) {
				t.Helper()
				if !tk.Urgent() {
					t.Error("task not flagged urgent")
				}
			},
		},
		{
			name:    "missing description",
			args:    map[string]any{"type": "research"},
			wantErr: true,
		},
		{
			name:    "invalid priority",
			args:    map[string]any{"description": "x", "priority": "sky-high"},
			wantErr: true,
		},
		{
			name:     "coordinator rejection surfaces",
			args:     map[string]any{"description": "x"},
			addErr:   errors.New("queue is full"),
			wantErr:  true,
			contains: "queue is full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &fakeCoord{addErr: tt.addErr}
			handler := handleSubmitTask(coord, testLogger())

			req := gomcp.CallToolRequest{}
			req.Params.Arguments = tt.args

			result, err := handler(context.Background(), req)
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (%s)", result.IsError, tt.wantErr, resultText(t, result))
			}
			if tt.contains != "" && !strings.Contains(resultText(t, result), tt.contains) {
				t.Errorf("result %q does not contain %q", resultText(t, result), tt.contains)
			}
			if tt.checkTask != nil {
				if coord.addedTask == nil {
					t.Fatal("no task reached the coordinator")
				}
				tt.checkTask(t, coord.addedTask)
			}
		})
	}
}

func TestHandleSubmitTaskReturnsSubtaskIDs(t *testing.T) {
	coord := &fakeCoord{addIDs: []string{"sub-1", "sub-2"}}
	handler := handleSubmitTask(coord, testLogger())

	req := gomcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"description": "decomposable job"}

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var view submitView
	if err := json.Unmarshal([]byte(resultText(t, result)), &view); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(view.TaskIDs) != 2 || view.TaskIDs[0] != "sub-1" {
		t.Errorf("TaskIDs = %v", view.TaskIDs)
	}
}

func TestHandleGetResult(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		result    *task.Result
		resultErr error
		wantErr   bool
		contains  string
	}{
		{
			name:     "finished task",
			args:     map[string]any{"task_id": "t-1"},
			result:   task.NewResult(true, "all done", "", 1.5),
			contains: `"success": true`,
		},
		{
			name:      "unknown task",
			args:      map[string]any{"task_id": "ghost"},
			resultErr: errors.New("unknown task: ghost"),
			wantErr:   true,
			contains:  "unknown task",
		},
		{
			name:    "missing task_id",
			args:    map[string]any{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &fakeCoord{result: tt.result, resultErr: tt.resultErr}
			handler := handleGetResult(coord, testLogger())

			req := gomcp.CallToolRequest{}
			req.Params.Arguments = tt.args

			result, err := handler(context.Background(), req)
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v", result.IsError, tt.wantErr)
			}
			if tt.contains != "" && !strings.Contains(resultText(t, result), tt.contains) {
				t.Errorf("result %q does not contain %q", resultText(t, result), tt.contains)
			}
		})
	}
}

func TestHandleGetMetrics(t *testing.T) {
	coord := &fakeCoord{metrics: serve.Metrics{
		Name:       "test-pool",
		QueueDepth: 3,
		Agents:     2,
		Counters:   map[string]int64{"completed": 7},
	}}
	handler := handleGetMetrics(coord, testLogger())

	result, err := handler(context.Background(), gomcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var snap serve.Metrics
	if err := json.Unmarshal([]byte(resultText(t, result)), &snap); err != nil {
		t.Fatalf("parsing metrics: %v", err)
	}
	if snap.Name != "test-pool" || snap.QueueDepth != 3 || snap.Counters["completed"] != 7 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestHandleCancelTask(t *testing.T) {
	coord := &fakeCoord{}
	handler := handleCancelTask(coord, testLogger())

	req := gomcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"task_id": "t-9"}

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if coord.cancelled != "t-9" {
		t.Errorf("cancelled id = %q, want t-9", coord.cancelled)
	}

	coord.cancelErr = errors.New("task is already executing")
	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "already executing") {
		t.Errorf("expected executing error, got %q", resultText(t, result))
	}
}
