package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTimerStopped is returned when scheduling on a stopped timer.
var ErrTimerStopped = errors.New("timer stopped")

// Timer runs delayed one-shot tasks.
type Timer interface {
	// ScheduleAfter runs fn once after delay and returns an id usable with Cancel.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// Cancel prevents a scheduled fn from running. Unknown ids are ignored.
	Cancel(id string) error
	// Stop cancels everything and rejects further scheduling.
	Stop()
}

// TimerInfo describes a scheduled task.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// Compile-time check that SimpleTimer implements Timer.
var _ Timer = (*SimpleTimer)(nil)

// SimpleTimer implements the Timer interface using Go's standard time package.
type SimpleTimer struct {
	timers  map[string]*timerEntry
	mu      sync.Mutex
	nextID  int64
	stopped bool
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return "", ErrTimerStopped
	}
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	now := time.Now()
	// The callback cannot observe the map before this function releases mu.
	t.timers[id] = &timerEntry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		timer: time.AfterFunc(delay, func() {
			t.mu.Lock()
			_, live := t.timers[id]
			delete(t.timers, id)
			t.mu.Unlock()
			if !live {
				return
			}
			slog.Debug("SimpleTimer executing scheduled function", "id", id)
			fn()
		}),
	}

	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
	t.stopped = true
}

// ListActive returns information about all scheduled timers.
func (t *SimpleTimer) ListActive() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]TimerInfo, 0, len(t.timers))
	for id, entry := range t.timers {
		result = append(result, TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
		})
	}
	return result
}
