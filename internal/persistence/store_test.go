package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pilottgo/pilott/internal/task"
)

// testStore creates an in-memory archive for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func finishedTask(t *testing.T, desc string, opts ...task.Option) *task.Task {
	t.Helper()
	tk, err := task.New(desc, opts...)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := tk.MarkStarted(); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	res := task.NewResult(true, "done", "", 1.5).WithMetadata("agent_id", "agent-1")
	if err := tk.MarkCompleted(res); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	return tk
}

func TestArchiveAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := finishedTask(t, "summarize the report",
		task.WithType("research"), task.WithPriority(task.PriorityHigh))

	if err := store.Archive(ctx, tk); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	rec, err := store.Get(ctx, tk.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Description != "summarize the report" {
		t.Errorf("Description = %q", rec.Description)
	}
	if rec.Type != "research" || rec.Priority != task.PriorityHigh {
		t.Errorf("Type/Priority = %q/%q", rec.Type, rec.Priority)
	}
	if rec.Status != task.StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.Result == nil || !rec.Result.Success || rec.Result.Output != "done" {
		t.Errorf("Result = %+v", rec.Result)
	}
	if rec.Result.ExecutionTime != 1.5 {
		t.Errorf("ExecutionTime = %v, want 1.5", rec.Result.ExecutionTime)
	}
	if rec.StartedAt.IsZero() || rec.CompletedAt.IsZero() || rec.ArchivedAt.IsZero() {
		t.Errorf("timestamps not round-tripped: %+v", rec)
	}
}

func TestGetMissing(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), "no-such-task")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestArchiveUpsertsLatestAttempt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk, err := task.New("flaky work", task.WithMaxRetries(2))
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := tk.MarkStarted(); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := tk.MarkCompleted(task.NewResult(false, nil, "first attempt failed", 0.5)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := store.Archive(ctx, tk); err != nil {
		t.Fatalf("Archive (retry state): %v", err)
	}

	if err := tk.BeginRetry(); err != nil {
		t.Fatalf("BeginRetry: %v", err)
	}
	if err := tk.MarkCompleted(task.NewResult(true, "second time lucky", "", 0.7)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := store.Archive(ctx, tk); err != nil {
		t.Fatalf("Archive (final state): %v", err)
	}

	rec, err := store.Get(ctx, tk.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != task.StatusCompleted || rec.RetryCount != 1 {
		t.Fatalf("Status/RetryCount = %q/%d, want completed/1", rec.Status, rec.RetryCount)
	}
	if rec.Result == nil || rec.Result.Output != "second time lucky" {
		t.Fatalf("Result = %+v, want the final attempt's output", rec.Result)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List returned %d records, want 1 (upsert, not insert)", len(records))
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		tk := finishedTask(t, fmt.Sprintf("job %d", i))
		ids = append(ids, tk.ID())
		if err := store.Archive(ctx, tk); err != nil {
			t.Fatalf("Archive: %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct archived_at values
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("List returned %d records, want 3", len(records))
	}
	for i, rec := range records {
		if want := ids[len(ids)-1-i]; rec.ID != want {
			t.Fatalf("records[%d].ID = %s, want %s (newest first)", i, rec.ID, want)
		}
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := finishedTask(t, "old job")
	if err := store.Archive(ctx, old); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)

	fresh := finishedTask(t, "fresh job")
	if err := store.Archive(ctx, fresh); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	purged, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d records, want 1", purged)
	}

	if _, err := store.Get(ctx, old.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old record still present: %v", err)
	}
	if _, err := store.Get(ctx, fresh.ID()); err != nil {
		t.Fatalf("fresh record purged: %v", err)
	}
}

func TestPurgeAtSubSecondBoundary(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// .12s is a digit-prefix of .123s, so a trailing-zero-trimming layout
	// would misorder the two under string comparison.
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	earlier := base.Add(120 * time.Millisecond)
	later := base.Add(123 * time.Millisecond)

	insert := func(id string, archivedAt time.Time) {
		t.Helper()
		_, err := store.db.ExecContext(ctx, `
			INSERT INTO archived_tasks
				(id, description, task_type, priority, status, retry_count,
				 created_at, archived_at)
			VALUES (?, ?, '', ?, ?, 0, ?, ?)`,
			id, "boundary job", string(task.PriorityMedium), string(task.StatusCompleted),
			base.Format(timeLayout), archivedAt.Format(timeLayout))
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("earlier", earlier)
	insert("later", later)

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].ID != "later" || records[1].ID != "earlier" {
		t.Fatalf("List order = %+v, want later before earlier", records)
	}

	purged, err := store.PurgeOlderThan(ctx, later)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d record(s), want 1 (only the earlier record predates the cutoff)", purged)
	}
	if _, err := store.Get(ctx, "later"); err != nil {
		t.Fatalf("later record purged: %v", err)
	}
}

func TestArchiveNilTask(t *testing.T) {
	store := testStore(t)
	if err := store.Archive(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}

func TestArchiveTaskWithoutResult(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk, err := task.New("never ran")
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := store.Archive(ctx, tk); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	rec, err := store.Get(ctx, tk.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Result != nil {
		t.Fatalf("Result = %+v, want nil", rec.Result)
	}
	if rec.Status != task.StatusPending {
		t.Fatalf("Status = %q, want pending", rec.Status)
	}
	if !rec.StartedAt.IsZero() || !rec.CompletedAt.IsZero() {
		t.Fatalf("unstarted task has non-zero timestamps: %+v", rec)
	}
}
