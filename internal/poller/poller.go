// Package poller periodically fetches recent purchases from the marketplace and
// hands them to the reconciliation engine.
//
// A poll cycle is one request plus up to RetryAttempts retries at a fixed delay.
// Retries are re-submitted through a scheduler.Timer; a cycle that exhausts its
// retries is abandoned and the next scheduled cycle tries again.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/scheduler"
)

// Poller defaults
const (
	// MinInterval bounds the load placed on the marketplace API.
	MinInterval          = 30 * time.Second
	DefaultInterval      = 60 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

var (
	// ErrRetriesExhausted is returned by PollOnce when every attempt failed.
	ErrRetriesExhausted = errors.New("poll retries exhausted")
	// ErrBusy is returned by PollOnce when a cycle is already running.
	ErrBusy = errors.New("poll cycle already running")
)

// PurchaseSource fetches recent purchases for a set of shops.
type PurchaseSource interface {
	LastPurchases(ctx context.Context, shopIDs []string) ([]models.PurchaseRecord, error)
}

// Ingester receives polled purchases.
type Ingester interface {
	Ingest(ctx context.Context, rec models.PurchaseRecord)
}

// Cron schedules the recurring poll.
type Cron interface {
	AddJob(expr string, task func()) (scheduler.EntryID, error)
	Remove(id scheduler.EntryID)
}

// State is the poll cycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateRetrying
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time view of the poller for operators.
type Status struct {
	State       string    `json:"state"`
	Retry       int       `json:"retry,omitempty"`
	Interval    string    `json:"interval"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Running     bool      `json:"running"`
}

// Opts holds configuration options for Poller.
type Opts struct {
	ShopIDs       []string
	Interval      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Timer         scheduler.Timer
	Metrics       *metrics.Metrics
}

// Option defines a configuration option for Poller.
type Option func(*Opts)

func WithShopIDs(ids []string) Option {
	return func(o *Opts) { o.ShopIDs = ids }
}

// WithInterval sets the time between cycles. Values below MinInterval are raised to it.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithRetryAttempts sets the number of retries after the first failed attempt.
func WithRetryAttempts(n int) Option {
	return func(o *Opts) { o.RetryAttempts = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// WithTimer sets the timer used to re-submit retries.
func WithTimer(t scheduler.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Poller runs poll cycles on a schedule.
type Poller struct {
	source   PurchaseSource
	ingester Ingester
	cron     Cron
	timer    scheduler.Timer
	metrics  *metrics.Metrics

	shopIDs       []string
	interval      time.Duration
	retryAttempts int
	retryDelay    time.Duration

	mu          sync.Mutex
	state       State
	retry       int
	lastErr     error
	lastSuccess time.Time
	busy        bool

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	entryID scheduler.EntryID
	cycles  sync.WaitGroup
}

// New creates a Poller. It does nothing until Start is called.
func New(source PurchaseSource, ingester Ingester, cron Cron, opts ...Option) *Poller {
	cfg := Opts{
		Interval:      DefaultInterval,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval < MinInterval {
		slog.Warn("Poller: interval below minimum, clamping", "configured", cfg.Interval, "min", MinInterval)
		cfg.Interval = MinInterval
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Timer == nil {
		cfg.Timer = scheduler.NewSimpleTimer()
	}
	return &Poller{
		source:        source,
		ingester:      ingester,
		cron:          cron,
		timer:         cfg.Timer,
		metrics:       cfg.Metrics,
		shopIDs:       cfg.ShopIDs,
		interval:      cfg.Interval,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

// Interval returns the effective poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// State returns the current cycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a snapshot for the operator API.
func (p *Poller) Status() Status {
	p.mu.Lock()
	st := Status{
		State:       p.state.String(),
		Interval:    p.interval.String(),
		LastSuccess: p.lastSuccess,
	}
	if p.state == StateRetrying {
		st.Retry = p.retry
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()

	p.runMu.Lock()
	st.Running = p.running
	p.runMu.Unlock()
	return st
}

func (p *Poller) setState(s State, retry int) {
	p.mu.Lock()
	p.state = s
	p.retry = retry
	p.mu.Unlock()
}

// PollOnce runs one poll cycle and returns the purchases it fetched.
// It returns ErrBusy if another cycle is in progress.
func (p *Poller) PollOnce(ctx context.Context) ([]models.PurchaseRecord, error) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.busy = true
	p.mu.Unlock()

	records, err := p.pollWithRetry(ctx)

	p.mu.Lock()
	p.busy = false
	p.state = StateIdle
	p.retry = 0
	if err != nil {
		p.lastErr = err
	} else {
		p.lastErr = nil
		p.lastSuccess = time.Now()
	}
	p.mu.Unlock()
	return records, err
}

func (p *Poller) pollWithRetry(ctx context.Context) ([]models.PurchaseRecord, error) {
	for attempt := 0; ; attempt++ {
		p.setState(StatePolling, attempt)
		records, err := p.source.LastPurchases(ctx, p.shopIDs)
		if err == nil {
			p.metrics.PollAttempt(metrics.ResultOK)
			p.metrics.PollCycle(metrics.ResultOK)
			slog.Debug("Poller.PollOnce: poll succeeded", "records", len(records), "retries", attempt)
			return records, nil
		}
		p.metrics.PollAttempt(metrics.ResultFailed)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if attempt >= p.retryAttempts {
			p.setState(StateExhausted, attempt)
			p.metrics.PollCycle(metrics.ResultExhausted)
			slog.Warn("Poller.PollOnce: retries exhausted, skipping cycle", "retries", attempt, "error", err)
			return nil, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, attempt, err)
		}

		slog.Warn("Poller.PollOnce: poll failed, retrying", "attempt", attempt+1, "of", p.retryAttempts, "delay", p.retryDelay, "error", err)
		p.setState(StateRetrying, attempt+1)
		if err := p.waitRetry(ctx); err != nil {
			return nil, err
		}
	}
}

// waitRetry schedules a wake-up on the timer and blocks until it fires or ctx ends.
func (p *Poller) waitRetry(ctx context.Context) error {
	fire := make(chan struct{})
	id, err := p.timer.ScheduleAfter(p.retryDelay, func() { close(fire) })
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	select {
	case <-fire:
		return nil
	case <-ctx.Done():
		p.timer.Cancel(id)
		return ctx.Err()
	}
}

// Start runs a cycle immediately and then every Interval until Stop.
func (p *Poller) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	id, err := p.cron.AddJob("@every "+p.interval.String(), p.scheduledCycle)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to schedule poll: %w", err)
	}
	p.entryID = id
	p.running = true

	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		p.cycle(p.ctx)
	}()

	slog.Info("Poller.Start: polling started", "interval", p.interval, "shops", p.shopIDs, "retry_attempts", p.retryAttempts, "retry_delay", p.retryDelay)
	return nil
}

func (p *Poller) scheduledCycle() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	ctx := p.ctx
	p.cycles.Add(1)
	p.runMu.Unlock()

	defer p.cycles.Done()
	p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) {
	records, err := p.PollOnce(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		p.metrics.PollCycle(metrics.ResultSkipped)
		slog.Debug("Poller.cycle: previous cycle still running, skipping tick")
		return
	case err != nil:
		return
	}
	// Fetched records are always ingested, even if Stop was called meanwhile.
	for _, rec := range records {
		p.ingester.Ingest(context.WithoutCancel(ctx), rec)
	}
}

// Stop unschedules the poll, cancels pending retries and waits for the running cycle.
// The timer stays usable, so Start may be called again.
func (p *Poller) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.cron.Remove(p.entryID)
	p.cancel()
	p.runMu.Unlock()

	p.cycles.Wait()
	slog.Info("Poller.Stop: polling stopped")
}
