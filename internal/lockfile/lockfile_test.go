package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %q", lock.Path())
	}

	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info, ok := parseInfo(string(content))
	if !ok {
		t.Fatalf("lock file has no process information: %q", content)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Started.IsZero() {
		t.Error("expected a start time in the lock file")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if !strings.Contains(lockErr.Holder, "running") {
		t.Errorf("Holder should describe the running process: %q", lockErr.Holder)
	}

	msg := err.Error()
	if !strings.Contains(msg, "another TradeBridge instance") {
		t.Errorf("Error message should mention another instance: %s", msg)
	}
	if !strings.Contains(msg, dir) {
		t.Errorf("Error message should contain the lock path: %s", msg)
	}

	// A failed attempt must not clobber the holder's info.
	content, _ := os.ReadFile(lock1.Path())
	if info, ok := parseInfo(string(content)); !ok || info.PID != os.Getpid() {
		t.Errorf("holder info lost after failed acquisition: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	path := lock.Path()

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", path)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		wantPID int
		wantOK  bool
	}{
		{"written by Info", Info{PID: 4242, Started: started}.String(), 4242, true},
		{"pid only", "pid=12345\n", 12345, true},
		{"no pid", "other=info", 0, false},
		{"empty", "", 0, false},
		{"invalid pid", "pid=abc", 0, false},
		{"no equals", "pid12345", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseInfo(tt.content)
			if ok != tt.wantOK || info.PID != tt.wantPID {
				t.Errorf("parseInfo(%q) = (%d, %v), want (%d, %v)", tt.content, info.PID, ok, tt.wantPID, tt.wantOK)
			}
		})
	}

	info, _ := parseInfo(Info{PID: 1, Started: started}.String())
	if !info.Started.Equal(started) {
		t.Errorf("Started = %v, want %v", info.Started, started)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}
