// Package persistence archives finished tasks to SQLite so results survive
// in-memory retention cleanup and process restarts.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pilottgo/pilott/internal/task"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task id has no archived record.
var ErrNotFound = errors.New("task not found in archive")

// Record is an archived snapshot of a finished task.
type Record struct {
	ID          string
	Description string
	Type        string
	Priority    task.Priority
	Status      task.Status
	RetryCount  int
	Result      *task.Result
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ArchivedAt  time.Time
}

// Store defines the archive interface.
type Store interface {
	Archive(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, taskID string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed archive at the given path, creating
// parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory archive for testing. A shared cache
// lets multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
