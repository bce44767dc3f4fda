package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/scheduler"
)

var errRemote = errors.New("api down")

// immediateTimer fires scheduled functions right away and counts them.
type immediateTimer struct {
	scheduled atomic.Int32
	stopped   atomic.Bool
}

func (t *immediateTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if t.stopped.Load() {
		return "", scheduler.ErrTimerStopped
	}
	t.scheduled.Add(1)
	go fn()
	return "t", nil
}

func (t *immediateTimer) Cancel(string) error { return nil }
func (t *immediateTimer) Stop()               { t.stopped.Store(true) }

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	results []error
	records []models.PurchaseRecord
}

func (s *fakeSource) LastPurchases(ctx context.Context, shopIDs []string) ([]models.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return nil, s.results[i]
	}
	if len(s.results) > 0 && i >= len(s.results) && s.results[len(s.results)-1] != nil {
		return nil, s.results[len(s.results)-1]
	}
	return s.records, nil
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingIngester struct {
	mu   sync.Mutex
	recs []models.PurchaseRecord
	got  chan struct{}
}

func newRecordingIngester() *recordingIngester {
	return &recordingIngester{got: make(chan struct{}, 16)}
}

func (r *recordingIngester) Ingest(ctx context.Context, rec models.PurchaseRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordingIngester) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

type fakeCron struct {
	mu      sync.Mutex
	expr    string
	task    func()
	removed bool
}

func (c *fakeCron) AddJob(expr string, task func()) (scheduler.EntryID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expr, c.task = expr, task
	return 1, nil
}

func (c *fakeCron) Remove(scheduler.EntryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

func TestPollOnceExhaustsRetries(t *testing.T) {
	src := &fakeSource{results: []error{errRemote}}
	timer := &immediateTimer{}
	ing := newRecordingIngester()
	p := New(src, ing, &fakeCron{}, WithRetryAttempts(3), WithRetryDelay(0), WithTimer(timer))

	records, err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errRemote)
	require.Nil(t, records)
	require.Equal(t, 4, src.Calls(), "first attempt plus three retries")
	require.Equal(t, int32(3), timer.scheduled.Load())
	require.Equal(t, 0, ing.Len())
	require.Equal(t, StateIdle, p.State())
	require.Contains(t, p.Status().LastError, "api down")
}

func TestPollOnceRecoversAfterRetry(t *testing.T) {
	rec := models.PurchaseRecord{Buyer: "Steve", ItemID: "42", Succeeded: true}
	src := &fakeSource{results: []error{errRemote, errRemote, nil}, records: []models.PurchaseRecord{rec}}
	timer := &immediateTimer{}
	p := New(src, newRecordingIngester(), &fakeCron{}, WithRetryAttempts(3), WithTimer(timer))

	records, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []models.PurchaseRecord{rec}, records)
	require.Equal(t, 3, src.Calls())
	require.Equal(t, int32(2), timer.scheduled.Load())
	require.False(t, p.Status().LastSuccess.IsZero())
}

func TestPollOnceZeroRetries(t *testing.T) {
	src := &fakeSource{results: []error{errRemote}}
	timer := &immediateTimer{}
	p := New(src, newRecordingIngester(), &fakeCron{}, WithRetryAttempts(0), WithTimer(timer))

	_, err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 1, src.Calls())
	require.Equal(t, int32(0), timer.scheduled.Load())
}

func TestPollOnceCancelledWhileWaitingForRetry(t *testing.T) {
	src := &fakeSource{results: []error{errRemote}}
	p := New(src, newRecordingIngester(), &fakeCron{}, WithRetryAttempts(3), WithRetryDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.PollOnce(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return p.State() == StateRetrying }, time.Second, 5*time.Millisecond)
	_, err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, ErrBusy, "a second cycle must not overlap a retrying one")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("PollOnce did not return after cancellation")
	}
}

func TestIntervalClampedToMinimum(t *testing.T) {
	p := New(&fakeSource{}, newRecordingIngester(), &fakeCron{}, WithInterval(5*time.Second))
	require.Equal(t, MinInterval, p.Interval())

	p = New(&fakeSource{}, newRecordingIngester(), &fakeCron{}, WithInterval(2*time.Minute))
	require.Equal(t, 2*time.Minute, p.Interval())
}

func TestStartRunsImmediatelyAndOnSchedule(t *testing.T) {
	rec := models.PurchaseRecord{Buyer: "Steve", ItemID: "42", Succeeded: true}
	src := &fakeSource{records: []models.PurchaseRecord{rec}}
	ing := newRecordingIngester()
	cron := &fakeCron{}
	p := New(src, ing, cron, WithTimer(&immediateTimer{}))

	require.NoError(t, p.Start(context.Background()))
	select {
	case <-ing.got:
	case <-time.After(time.Second):
		t.Fatal("no immediate cycle on start")
	}
	require.Equal(t, "@every 1m0s", cron.expr)
	require.True(t, p.Status().Running)

	cron.task()
	require.Equal(t, 2, ing.Len())
	require.Equal(t, 2, src.Calls())

	p.Stop()
	require.True(t, cron.removed)
	require.False(t, p.Status().Running)

	// Ticks delivered after Stop are ignored.
	cron.task()
	require.Equal(t, 2, src.Calls())
}

func TestRestartKeepsRetrying(t *testing.T) {
	rec := models.PurchaseRecord{Buyer: "Steve", ItemID: "42", Succeeded: true}
	src := &fakeSource{results: []error{nil, errRemote, nil}, records: []models.PurchaseRecord{rec}}
	ing := newRecordingIngester()
	timer := &immediateTimer{}
	p := New(src, ing, &fakeCron{}, WithRetryAttempts(2), WithRetryDelay(0), WithTimer(timer))

	require.NoError(t, p.Start(context.Background()))
	<-ing.got
	p.Stop()
	require.False(t, timer.stopped.Load(), "Stop must leave the timer usable")

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	select {
	case <-ing.got:
	case <-time.After(time.Second):
		t.Fatal("restarted poller did not recover through a retry")
	}
	require.Equal(t, 3, src.Calls())
	require.Equal(t, int32(1), timer.scheduled.Load())
	require.Equal(t, 2, ing.Len())
}
