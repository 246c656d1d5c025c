package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilottgo/pilott/internal/task"
)

// timeLayout keeps timestamps sortable as text so the purge query can
// compare them directly. The fractional second is fixed-width so that
// string order matches time order (RFC3339Nano trims trailing zeros,
// which breaks lexical comparison at sub-second boundaries).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Archive upserts a snapshot of the task. Re-archiving the same id replaces
// the previous record, so the archive always holds the latest attempt.
func (s *SQLiteStore) Archive(ctx context.Context, t *task.Task) error {
	if t == nil {
		return errors.New("cannot archive nil task")
	}

	var resultJSON sql.NullString
	if res := t.Result(); res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encoding result for task %s: %w", t.ID(), err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archived_tasks
			(id, description, task_type, priority, status, retry_count,
			 result_json, created_at, started_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			result_json = excluded.result_json,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			archived_at = excluded.archived_at`,
		t.ID(),
		t.RawDescription(),
		t.Type(),
		string(t.Priority()),
		string(t.Status()),
		t.RetryCount(),
		resultJSON,
		t.CreatedAt().UTC().Format(timeLayout),
		formatNullable(t.StartedAt()),
		formatNullable(t.CompletedAt()),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("archiving task %s: %w", t.ID(), err)
	}
	return nil
}

// Get returns the archived record for a task id.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, task_type, priority, status, retry_count,
		       result_json, created_at, started_at, completed_at, archived_at
		FROM archived_tasks WHERE id = ?`, taskID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return rec, err
}

// List returns all archived records, most recently archived first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, task_type, priority, status, retry_count,
		       result_json, created_at, started_at, completed_at, archived_at
		FROM archived_tasks ORDER BY archived_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeOlderThan deletes records archived before the cutoff and reports how
// many were removed.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archived_tasks WHERE archived_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		priority   string
		status     string
		resultJSON sql.NullString
		createdAt  string
		startedAt  sql.NullString
		completed  sql.NullString
		archivedAt string
	)
	err := row.Scan(&rec.ID, &rec.Description, &rec.Type, &priority, &status,
		&rec.RetryCount, &resultJSON, &createdAt, &startedAt, &completed, &archivedAt)
	if err != nil {
		return nil, err
	}

	rec.Priority = task.Priority(priority)
	rec.Status = task.Status(status)
	if resultJSON.Valid {
		var res task.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decoding archived result for %s: %w", rec.ID, err)
		}
		rec.Result = &res
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", rec.ID, err)
	}
	if rec.StartedAt, err = parseNullable(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at for %s: %w", rec.ID, err)
	}
	if rec.CompletedAt, err = parseNullable(completed); err != nil {
		return nil, fmt.Errorf("parsing completed_at for %s: %w", rec.ID, err)
	}
	if rec.ArchivedAt, err = time.Parse(timeLayout, archivedAt); err != nil {
		return nil, fmt.Errorf("parsing archived_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func formatNullable(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullable(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s.String)
}
