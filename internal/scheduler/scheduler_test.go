package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if _, err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	id, err := s.AddJob("@every 30s", func() {})
	if err != nil {
		t.Fatalf("Expected descriptor schedule to parse, got %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Len())
	}
	s.Remove(id)
	if s.Len() != 1 {
		t.Errorf("expected 1 entry after Remove, got %d", s.Len())
	}
	if _, err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestSimpleTimerRunsOnce(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	done := make(chan struct{})
	var runs atomic.Int32
	if _, err := timer.ScheduleAfter(0, func() {
		runs.Add(1)
		close(done)
	}); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled function did not run")
	}
	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}
	if len(timer.ListActive()) != 0 {
		t.Error("fired timer should be removed from the active list")
	}
}

func TestSimpleTimerCancel(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	var ran atomic.Bool
	id, err := timer.ScheduleAfter(50*time.Millisecond, func() { ran.Store(true) })
	if err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if len(timer.ListActive()) != 1 {
		t.Fatalf("expected 1 active timer")
	}
	if err := timer.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled function ran")
	}
	if err := timer.Cancel("timer_unknown"); err != nil {
		t.Errorf("Cancel of unknown id should be ignored, got %v", err)
	}
}

func TestSimpleTimerStopRejectsNewWork(t *testing.T) {
	timer := NewSimpleTimer()
	var ran atomic.Bool
	if _, err := timer.ScheduleAfter(50*time.Millisecond, func() { ran.Store(true) }); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	timer.Stop()

	if _, err := timer.ScheduleAfter(0, func() {}); !errors.Is(err, ErrTimerStopped) {
		t.Fatalf("expected ErrTimerStopped, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("function ran after Stop")
	}
}
