package task

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name        string
		description string
		opts        []Option
		wantErr     bool
		errContains string
	}{
		{
			name:        "minimal valid task",
			description: "summarize the report",
		},
		{
			name:        "empty description",
			description: "",
			wantErr:     true,
			errContains: "description",
		},
		{
			name:        "whitespace description",
			description: "   ",
			wantErr:     true,
			errContains: "description",
		},
		{
			name:        "negative retries",
			description: "x",
			opts:        []Option{WithMaxRetries(-1)},
			wantErr:     true,
			errContains: "retries",
		},
		{
			name:        "zero retries allowed",
			description: "x",
			opts:        []Option{WithMaxRetries(0)},
		},
		{
			name:        "past deadline",
			description: "x",
			opts:        []Option{WithDeadline(time.Now().Add(-time.Minute))},
			wantErr:     true,
			errContains: "deadline",
		},
		{
			name:        "future deadline",
			description: "x",
			opts:        []Option{WithDeadline(time.Now().Add(time.Hour))},
		},
		{
			name:        "complexity too high",
			description: "x",
			opts:        []Option{WithComplexity(11)},
			wantErr:     true,
			errContains: "complexity",
		},
		{
			name:        "complexity lower bound",
			description: "x",
			opts:        []Option{WithComplexity(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tsk, err := New(tt.description, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New() succeeded, want error containing %q", tt.errContains)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			if tsk.ID() == "" {
				t.Error("task id is empty")
			}
			if tsk.Status() != StatusPending {
				t.Errorf("new task status = %s, want %s", tsk.Status(), StatusPending)
			}
		})
	}
}

func TestNewUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tsk, err := New("x")
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		if seen[tsk.ID()] {
			t.Fatalf("duplicate task id %q", tsk.ID())
		}
		seen[tsk.ID()] = true
	}
}

func TestCyclicDependencyDetection(t *testing.T) {
	t.Run("direct cycle", func(t *testing.T) {
		a, err := New("a", WithID("a"), WithDependencyIDs("b"))
		if err != nil {
			t.Fatalf("New(a) failed: %v", err)
		}
		_, err = New("b", WithID("b"), WithDependsOn(a))
		if !errors.Is(err, ErrCyclicDependency) {
			t.Fatalf("New(b) error = %v, want ErrCyclicDependency", err)
		}
	})

	t.Run("transitive cycle", func(t *testing.T) {
		a, err := New("a", WithID("a"), WithDependencyIDs("c"))
		if err != nil {
			t.Fatalf("New(a) failed: %v", err)
		}
		b, err := New("b", WithID("b"), WithDependsOn(a))
		if err != nil {
			t.Fatalf("New(b) failed: %v", err)
		}
		_, err = New("c", WithID("c"), WithDependsOn(b))
		if !errors.Is(err, ErrCyclicDependency) {
			t.Fatalf("New(c) error = %v, want ErrCyclicDependency", err)
		}
	})

	t.Run("cycle two constructions deep", func(t *testing.T) {
		a, err := New("a", WithID("a"), WithDependencyIDs("d"))
		if err != nil {
			t.Fatalf("New(a) failed: %v", err)
		}
		b, err := New("b", WithID("b"), WithDependsOn(a))
		if err != nil {
			t.Fatalf("New(b) failed: %v", err)
		}
		c, err := New("c", WithID("c"), WithDependsOn(b))
		if err != nil {
			t.Fatalf("New(c) failed: %v", err)
		}
		_, err = New("d", WithID("d"), WithDependsOn(c))
		if !errors.Is(err, ErrCyclicDependency) {
			t.Fatalf("New(d) error = %v, want ErrCyclicDependency", err)
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := New("a", WithID("a"), WithDependencyIDs("a"))
		if !errors.Is(err, ErrCyclicDependency) {
			t.Fatalf("New error = %v, want ErrCyclicDependency", err)
		}
	})

	t.Run("valid chain", func(t *testing.T) {
		a, err := New("a")
		if err != nil {
			t.Fatalf("New(a) failed: %v", err)
		}
		b, err := New("b", WithDependsOn(a))
		if err != nil {
			t.Fatalf("New(b) failed: %v", err)
		}
		c, err := New("c", WithDependsOn(a), WithDependsOn(b))
		if err != nil {
			t.Fatalf("New(c) failed: %v", err)
		}
		if got := len(c.Dependencies()); got != 2 {
			t.Errorf("dependency count = %d, want 2", got)
		}
	})
}

func TestValidateAcyclic(t *testing.T) {
	tests := []struct {
		name    string
		deps    map[string][]string
		wantErr bool
	}{
		{
			name: "linear chain",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
		},
		{
			name: "diamond",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
		},
		{
			name:    "two-node cycle",
			deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
			wantErr: true,
		},
		{
			name:    "unknown dependency",
			deps:    map[string][]string{"a": {"ghost"}},
			wantErr: true,
		},
		{
			name: "disconnected components",
			deps: map[string][]string{"a": nil, "b": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAcyclic(tt.deps)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAcyclic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStateMachineMonotonicity(t *testing.T) {
	t.Run("start only from pending", func(t *testing.T) {
		tsk, _ := New("x")
		if err := tsk.MarkStarted(); err != nil {
			t.Fatalf("MarkStarted() failed: %v", err)
		}
		if tsk.Status() != StatusInProgress {
			t.Fatalf("status = %s, want %s", tsk.Status(), StatusInProgress)
		}
		if err := tsk.MarkStarted(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second MarkStarted() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("started timestamp set once", func(t *testing.T) {
		tsk, _ := New("x")
		_ = tsk.MarkStarted()
		started := tsk.StartedAt()
		if started.IsZero() {
			t.Fatal("StartedAt is zero after MarkStarted")
		}
		_ = tsk.MarkCompleted(NewResult(false, nil, "boom", 0.1))
		if tsk.Status() != StatusRetry {
			t.Fatalf("status = %s, want %s", tsk.Status(), StatusRetry)
		}
		_ = tsk.BeginRetry()
		if got := tsk.StartedAt(); !got.Equal(started) {
			t.Errorf("StartedAt rewritten on retry: %v != %v", got, started)
		}
	})

	t.Run("success completes", func(t *testing.T) {
		tsk, _ := New("x")
		_ = tsk.MarkStarted()
		if err := tsk.MarkCompleted(NewResult(true, "done", "", 0.5)); err != nil {
			t.Fatalf("MarkCompleted() failed: %v", err)
		}
		if tsk.Status() != StatusCompleted {
			t.Errorf("status = %s, want %s", tsk.Status(), StatusCompleted)
		}
		if tsk.Result() == nil || !tsk.Result().Success {
			t.Error("result not attached or not successful")
		}
		if tsk.CompletedAt().IsZero() {
			t.Error("CompletedAt not set on terminal transition")
		}
	})

	t.Run("no transition out of terminal", func(t *testing.T) {
		tsk, _ := New("x")
		_ = tsk.MarkStarted()
		_ = tsk.MarkCompleted(NewResult(true, nil, "", 0))
		if err := tsk.MarkFailed("late failure"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkFailed after COMPLETED error = %v, want ErrInvalidTransition", err)
		}
		if err := tsk.MarkCancelled("late cancel"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkCancelled after COMPLETED error = %v, want ErrInvalidTransition", err)
		}
		if tsk.Status() != StatusCompleted {
			t.Errorf("terminal status changed to %s", tsk.Status())
		}
	})
}

func TestRetryBudgetExhaustion(t *testing.T) {
	const budget = 3
	tsk, err := New("always fails", WithMaxRetries(budget))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := tsk.MarkStarted(); err != nil {
		t.Fatalf("MarkStarted() failed: %v", err)
	}

	retries := 0
	for {
		if err := tsk.MarkCompleted(NewResult(false, nil, "boom", 0.01)); err != nil {
			t.Fatalf("MarkCompleted() failed: %v", err)
		}
		if tsk.Status() != StatusRetry {
			break
		}
		retries++
		if retries > budget {
			t.Fatalf("observed %d RETRY transitions, budget is %d", retries, budget)
		}
		if err := tsk.BeginRetry(); err != nil {
			t.Fatalf("BeginRetry() failed: %v", err)
		}
	}

	if retries != budget {
		t.Errorf("RETRY transitions = %d, want %d", retries, budget)
	}
	if tsk.Status() != StatusFailed {
		t.Errorf("final status = %s, want %s", tsk.Status(), StatusFailed)
	}
	if tsk.RetryCount() > tsk.MaxRetries() {
		t.Errorf("retry count %d exceeds budget %d", tsk.RetryCount(), tsk.MaxRetries())
	}
}

func TestMarkFailedSynthesizesResult(t *testing.T) {
	tsk, _ := New("x")
	_ = tsk.MarkStarted()
	time.Sleep(5 * time.Millisecond)
	if err := tsk.MarkFailed("tool exploded"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	res := tsk.Result()
	if res == nil {
		t.Fatal("no result attached")
	}
	if res.Success {
		t.Error("synthesized result reports success")
	}
	if res.Error != "tool exploded" {
		t.Errorf("result error = %q", res.Error)
	}
	if res.ExecutionTime <= 0 {
		t.Errorf("execution time = %v, want > 0 when started", res.ExecutionTime)
	}
}

func TestMarkFailedWithoutStart(t *testing.T) {
	tsk, _ := New("x")
	if err := tsk.MarkFailed("rejected"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if got := tsk.Result().ExecutionTime; got != 0 {
		t.Errorf("execution time = %v, want 0 for never-started task", got)
	}
}

func TestMarkCancelled(t *testing.T) {
	tsk, _ := New("x")
	if err := tsk.MarkCancelled("queue overflow"); err != nil {
		t.Fatalf("MarkCancelled() failed: %v", err)
	}
	if tsk.Status() != StatusCancelled {
		t.Errorf("status = %s, want %s", tsk.Status(), StatusCancelled)
	}
	if res := tsk.Result(); res == nil || res.Error != "queue overflow" {
		t.Errorf("result = %+v, want failed result with reason", res)
	}
}

func TestDurationDefinedOnlyWhenBothTimestampsSet(t *testing.T) {
	tsk, _ := New("x")
	if _, ok := tsk.Duration(); ok {
		t.Error("Duration defined before start")
	}
	_ = tsk.MarkStarted()
	if _, ok := tsk.Duration(); ok {
		t.Error("Duration defined before completion")
	}
	_ = tsk.MarkCompleted(NewResult(true, nil, "", 0))
	if d, ok := tsk.Duration(); !ok || d < 0 {
		t.Errorf("Duration = (%v, %v), want defined non-negative", d, ok)
	}
}

func TestIsExpired(t *testing.T) {
	tsk, err := New("x", WithDeadline(time.Now().Add(30*time.Millisecond)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if tsk.IsExpired() {
		t.Error("task expired immediately")
	}
	time.Sleep(50 * time.Millisecond)
	if !tsk.IsExpired() {
		t.Error("task not expired after deadline")
	}
	if tsk.IsOverdue() != tsk.IsExpired() {
		t.Error("IsOverdue and IsExpired disagree")
	}
}

func TestDescriptionPlaceholders(t *testing.T) {
	tsk, err := New("scrape {url} and store in {table}", WithContext(map[string]string{
		"url":   "https://example.com",
		"table": "pages",
	}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	want := "scrape https://example.com and store in pages"
	if got := tsk.Description(); got != want {
		t.Errorf("Description() = %q, want %q", got, want)
	}
	if got := tsk.RawDescription(); !strings.Contains(got, "{url}") {
		t.Errorf("RawDescription() = %q, want raw placeholders", got)
	}
}

func TestCleanupResourcesIdempotent(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "scratch.txt")
	if err := os.WriteFile(tmpPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	tsk, _ := New("x")
	closer := &countingCloser{}
	if err := tsk.RegisterHandle(closer); err != nil {
		t.Fatalf("RegisterHandle() failed: %v", err)
	}
	if err := tsk.RegisterTempFile(tmpPath); err != nil {
		t.Fatalf("RegisterTempFile() failed: %v", err)
	}

	tsk.CleanupResources()
	tsk.CleanupResources()

	if closer.closed != 1 {
		t.Errorf("handle closed %d times, want exactly 1", closer.closed)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file still exists after cleanup")
	}
}

func TestPriorityOrdering(t *testing.T) {
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if !order[i].Outranks(order[i-1]) {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
		if order[i-1].Outranks(order[i]) {
			t.Errorf("%s should not outrank %s", order[i-1], order[i])
		}
	}
	if PriorityHigh.Outranks(PriorityHigh) {
		t.Error("priority should not outrank itself")
	}
}

type countingCloser struct {
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}
