package task

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResultReleaseIdempotent(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "out.tmp")
	if err := os.WriteFile(tmpPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	res := NewResult(true, "payload", "", 1.5)
	closer := &countingCloser{}
	res.RegisterHandle(closer)
	res.RegisterTempFile(tmpPath)

	res.Release()
	res.Release()

	if closer.closed != 1 {
		t.Errorf("handle closed %d times, want exactly 1", closer.closed)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Error("temp file still exists after release")
	}
	if !res.Released() {
		t.Error("Released() = false after Release")
	}
}

func TestResultReleaseSwallowsFailures(t *testing.T) {
	res := NewResult(false, nil, "boom", 0)
	res.RegisterHandle(&failingCloser{})
	res.RegisterHandle(&countingCloser{})
	res.RegisterTempFile("/nonexistent/path/for/sure")
	res.Release() // must not panic
	if !res.Released() {
		t.Error("Released() = false after Release with failures")
	}
}

func TestResultExecutionTimeClamped(t *testing.T) {
	res := NewResult(true, nil, "", -3)
	if res.ExecutionTime != 0 {
		t.Errorf("ExecutionTime = %v, want clamped to 0", res.ExecutionTime)
	}
}

func TestResultJSONRoundTrip(t *testing.T) {
	res := NewResult(false, map[string]any{"steps": 3.0}, "timed out", 12.25)
	res.WithMetadata("iterations", 3.0)

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if decoded.Success != res.Success || decoded.Error != res.Error {
		t.Errorf("round trip lost fields: %+v", decoded)
	}
	if decoded.ExecutionTime != 12.25 {
		t.Errorf("ExecutionTime = %v, want 12.25 round-tripped exactly", decoded.ExecutionTime)
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusDelegated, StatusRetry, StatusCancelled, StatusTimeout} {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%s) failed: %v", s, err)
		}
		var back Status
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", data, err)
		}
		if back != s {
			t.Errorf("round trip %s -> %s", s, back)
		}
	}
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }
