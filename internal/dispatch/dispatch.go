// Package dispatch delivers rewards for accepted purchases.
//
// Deliveries are submitted from any goroutine and executed in order by a single
// consumer goroutine (Run). That goroutine is the only place that sends commands
// and broadcasts to the game server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/TradeBridge/internal/audit"
	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/store"
)

// Dispatcher defaults
const (
	DefaultRewardTemplate    = "%item%"
	DefaultBroadcastTemplate = "%player% purchased %item%. Thank you for your support!"
	DefaultBufferSize        = 256
	DefaultActionTimeout     = 10 * time.Second
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrExecutorUnavailable marks an Execute error where the command was never
	// sent, so handing the delivery back cannot grant it twice.
	ErrExecutorUnavailable = errors.New("executor unavailable")
)

// Executor runs a console command on the game server.
type Executor interface {
	Execute(ctx context.Context, command string) error
}

// Broadcaster sends a message to every connected player.
type Broadcaster interface {
	Broadcast(ctx context.Context, message string) error
}

// Requeuer takes back a delivery that never reached the game server.
type Requeuer interface {
	Requeue(ctx context.Context, del Delivery)
}

// AuditLog records the outcome of each delivery.
type AuditLog interface {
	Record(e audit.Entry) error
}

// Delivery is one item to grant to a connected player.
type Delivery struct {
	ID       string
	Player   string
	Buyer    string
	ItemID   string
	ItemName string
	Commands []string
	Source   models.Source
}

// NewDelivery builds a delivery for the player's live name.
func NewDelivery(player, buyer string, item models.PendingItem) Delivery {
	return Delivery{
		ID:       uuid.NewString(),
		Player:   player,
		Buyer:    buyer,
		ItemID:   item.ID,
		ItemName: item.Name,
		Commands: item.Commands,
		Source:   item.Source,
	}
}

// Opts holds configuration options for Dispatcher.
type Opts struct {
	RewardTemplate    string
	BroadcastTemplate string
	BufferSize        int
	ActionTimeout     time.Duration
	AuditLog          AuditLog
	AuditSink         store.DonationRepo
	Metrics           *metrics.Metrics
}

// Option defines a configuration option for Dispatcher.
type Option func(*Opts)

// WithRewardTemplate sets the command used for items without their own commands.
func WithRewardTemplate(t string) Option {
	return func(o *Opts) { o.RewardTemplate = t }
}

// WithBroadcastTemplate sets the player-facing notice. Empty disables broadcasts.
func WithBroadcastTemplate(t string) Option {
	return func(o *Opts) { o.BroadcastTemplate = t }
}

func WithBufferSize(n int) Option {
	return func(o *Opts) { o.BufferSize = n }
}

// WithActionTimeout bounds each command and broadcast.
func WithActionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ActionTimeout = d }
}

func WithAuditLog(l AuditLog) Option {
	return func(o *Opts) { o.AuditLog = l }
}

func WithAuditSink(r store.DonationRepo) Option {
	return func(o *Opts) { o.AuditSink = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Dispatcher executes deliveries on a single consumer goroutine.
type Dispatcher struct {
	executor    Executor
	broadcaster Broadcaster
	requeuer    Requeuer
	cfg         Opts

	mu      sync.RWMutex
	closed  bool
	queue   chan Delivery
	started chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a Dispatcher. Call Run to start consuming.
func New(executor Executor, broadcaster Broadcaster, opts ...Option) *Dispatcher {
	cfg := Opts{
		RewardTemplate:    DefaultRewardTemplate,
		BroadcastTemplate: DefaultBroadcastTemplate,
		BufferSize:        DefaultBufferSize,
		ActionTimeout:     DefaultActionTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Dispatcher{
		executor:    executor,
		broadcaster: broadcaster,
		cfg:         cfg,
		queue:       make(chan Delivery, cfg.BufferSize),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetRequeuer sets where deliveries go when the executor is unavailable before any
// of their commands ran. Without one such deliveries count as failed. It must be
// called before Run.
func (d *Dispatcher) SetRequeuer(r Requeuer) {
	d.requeuer = r
}

// Submit queues d for delivery. It blocks while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, del Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if del.ID == "" {
		del.ID = uuid.NewString()
	}
	select {
	case d.queue <- del:
		slog.Debug("Dispatcher.Submit: delivery queued", "id", del.ID, "player", del.Player, "item_id", del.ItemID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes deliveries until Close is called and the queue is drained.
// ctx is the parent of every delivery action.
// Only the first call consumes; later calls return immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	first := false
	d.once.Do(func() {
		first = true
		close(d.started)
	})
	if !first {
		return
	}
	defer close(d.done)
	slog.Info("Dispatcher.Run: consumer started")
	for del := range d.queue {
		d.deliver(ctx, del)
	}
	slog.Info("Dispatcher.Run: consumer stopped")
}

// Close stops intake and waits until every queued delivery has run or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.started:
	default:
		// Nothing consumes the queue; drain it here so no delivery is dropped.
		go d.Run(context.Background())
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain interrupted with %d deliveries queued: %w", len(d.queue), ctx.Err())
	}
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Commands resolves the console commands for del.
func (d *Dispatcher) Commands(del Delivery) []string {
	templates := del.Commands
	if len(templates) == 0 && d.cfg.RewardTemplate != "" {
		templates = []string{d.cfg.RewardTemplate}
	}
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		if cmd := strings.TrimSpace(Render(t, del)); cmd != "" {
			out = append(out, strings.TrimPrefix(cmd, "/"))
		}
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery) {
	logger := slog.With("id", del.ID, "player", del.Player, "item_id", del.ItemID, "item", del.ItemName, "source", del.Source)
	commands := d.Commands(del)

	var execErr error
	if len(commands) == 0 {
		execErr = errors.New("no reward command configured")
	}
	for i, cmd := range commands {
		actx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
		err := d.executor.Execute(actx, cmd)
		cancel()
		if err != nil {
			if i == 0 && d.requeuer != nil && errors.Is(err, ErrExecutorUnavailable) {
				logger.Warn("Dispatcher.deliver: game server unavailable, handing delivery back", "error", err)
				d.cfg.Metrics.Delivery(metrics.ResultRequeued)
				d.requeuer.Requeue(ctx, del)
				return
			}
			execErr = fmt.Errorf("command %q failed: %w", cmd, err)
			break
		}
		logger.Debug("Dispatcher.deliver: command executed", "command", cmd)
	}

	entry := audit.Entry{
		DeliveryID: del.ID,
		Buyer:      del.Buyer,
		Player:     del.Player,
		ItemID:     del.ItemID,
		ItemName:   del.ItemName,
		Source:     string(del.Source),
		Commands:   commands,
		Result:     audit.ResultDelivered,
	}

	if execErr != nil {
		// The key stays processed; the item is not re-queued.
		logger.Error("Dispatcher.deliver: reward action failed, not retrying", "error", execErr)
		d.cfg.Metrics.Delivery(metrics.ResultFailed)
		entry.Result = audit.ResultFailed
		entry.Error = execErr
		d.record(logger, entry)
		return
	}

	d.cfg.Metrics.Delivery(metrics.ResultOK)
	d.record(logger, entry)

	if d.cfg.AuditSink != nil {
		donation := store.Donation{
			ID:          del.ID,
			Buyer:       del.Buyer,
			ItemID:      del.ItemID,
			ItemName:    del.ItemName,
			Source:      string(del.Source),
			DeliveredAt: time.Now(),
		}
		actx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
		if err := d.cfg.AuditSink.LogDonation(actx, donation); err != nil {
			logger.Warn("Dispatcher.deliver: audit sink failed", "error", err)
		}
		cancel()
	}

	if d.cfg.BroadcastTemplate != "" {
		actx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
		if err := d.broadcaster.Broadcast(actx, Render(d.cfg.BroadcastTemplate, del)); err != nil {
			logger.Warn("Dispatcher.deliver: broadcast failed", "error", err)
		}
		cancel()
	}
	logger.Info("Dispatcher.deliver: purchase delivered", "commands", len(commands))
}

func (d *Dispatcher) record(logger *slog.Logger, e audit.Entry) {
	if d.cfg.AuditLog == nil {
		return
	}
	if err := d.cfg.AuditLog.Record(e); err != nil {
		logger.Warn("Dispatcher.deliver: audit log write failed", "error", err)
	}
}

// Render substitutes %player%, %buyer%, %item% and %item_id% in tmpl.
// %item% is expanded first, so an item name may itself be a command template.
func Render(tmpl string, del Delivery) string {
	expanded := strings.ReplaceAll(tmpl, "%item%", del.ItemName)
	return strings.NewReplacer(
		"%player%", del.Player,
		"%buyer%", del.Buyer,
		"%item_id%", del.ItemID,
	).Replace(expanded)
}
