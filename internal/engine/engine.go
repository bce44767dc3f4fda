// Package engine is the single ingestion path for purchases from every channel.
//
// Ingest gates each purchase through the dedup store, then either submits it for
// delivery (buyer online) or queues it until the buyer connects. No other code
// inserts into the dedup store or the pending queue.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TradeBridge/internal/dispatch"
	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/store"
)

// Presence reports which players are connected to the game server.
type Presence interface {
	// OnlineName returns the live name of buyer if connected (case-insensitive).
	OnlineName(buyer string) (string, bool)
}

// Submitter accepts deliveries for execution.
type Submitter interface {
	Submit(ctx context.Context, d dispatch.Delivery) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for PendingItem.QueuedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine reconciles purchases from the poller and the callback listener.
type Engine struct {
	dedup      store.DedupStore
	pending    store.PendingQueue
	presence   Presence
	dispatcher Submitter
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates an Engine over the given stores.
func New(dedup store.DedupStore, pending store.PendingQueue, presence Presence, dispatcher Submitter, opts ...Option) *Engine {
	e := &Engine{
		dedup:      dedup,
		pending:    pending,
		presence:   presence,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.SetPendingItems(pending.Len())
	return e
}

// Ingest processes one purchase record.
func (e *Engine) Ingest(ctx context.Context, rec models.PurchaseRecord) {
	source := string(rec.Source)
	e.metrics.PurchaseObserved(source)
	logger := slog.With("source", source, "buyer", rec.Buyer, "item_id", rec.ItemID, "item", rec.ItemName)

	if !rec.Succeeded {
		e.metrics.PurchaseSkipped(metrics.ReasonNotSucceeded)
		logger.Info("Engine.Ingest: purchase not marked successful, skipping")
		return
	}
	if err := rec.Validate(); err != nil {
		e.metrics.PurchaseSkipped(metrics.ReasonMalformed)
		logger.Warn("Engine.Ingest: malformed purchase, skipping", "error", err)
		return
	}

	key := rec.Key()
	if !e.dedup.TryAccept(key) {
		e.metrics.PurchaseDuplicate(source)
		logger.Info("Engine.Ingest: purchase already processed", "key", key.String())
		return
	}
	logger.Info("Engine.Ingest: purchase accepted", "key", key.String())

	item := rec.PendingItem(e.now())
	if name, online := e.presence.OnlineName(rec.Buyer); online {
		err := e.dispatcher.Submit(ctx, dispatch.NewDelivery(name, key.Buyer, item))
		if err == nil {
			return
		}
		logger.Warn("Engine.Ingest: dispatcher unavailable, queueing instead", "error", err)
	}

	e.pending.Enqueue(key.Buyer, item)
	e.metrics.PendingEnqueued()
	e.metrics.SetPendingItems(e.pending.Len())
	logger.Info("Engine.Ingest: buyer offline, purchase queued")

	// The buyer may have joined between the presence check and Enqueue,
	// in which case their join drain ran before the item was queued.
	if name, online := e.presence.OnlineName(rec.Buyer); online {
		e.PlayerConnected(ctx, name)
	}
}

// PlayerConnected delivers everything queued for name.
func (e *Engine) PlayerConnected(ctx context.Context, name string) {
	items := e.pending.Drain(name)
	if len(items) == 0 {
		return
	}
	buyer := models.NormalizeBuyer(name)
	slog.Info("Engine.PlayerConnected: delivering pending purchases", "player", name, "count", len(items))

	for i, item := range items {
		if err := e.dispatcher.Submit(ctx, dispatch.NewDelivery(name, buyer, item)); err != nil {
			slog.Warn("Engine.PlayerConnected: dispatcher unavailable, re-queueing", "player", name, "remaining", len(items)-i, "error", err)
			for _, rest := range items[i:] {
				e.pending.Enqueue(buyer, rest)
			}
			break
		}
	}
	e.metrics.SetPendingItems(e.pending.Len())
}

// Requeue puts back a delivery the dispatcher could not hand to the game server.
// None of its commands ran, so it waits for the buyer's next connection like any
// offline purchase. The host replays its player snapshot on reconnect.
func (e *Engine) Requeue(_ context.Context, del dispatch.Delivery) {
	item := models.PendingItem{
		ID:       del.ItemID,
		Name:     del.ItemName,
		Commands: append([]string(nil), del.Commands...),
		Source:   del.Source,
		QueuedAt: e.now().UTC(),
	}
	e.pending.Enqueue(del.Buyer, item)
	e.metrics.PendingEnqueued()
	e.metrics.SetPendingItems(e.pending.Len())
	slog.Warn("Engine.Requeue: delivery returned to pending queue", "buyer", del.Buyer, "item_id", del.ItemID)
}

// PlayerSnapshot handles the full list of connected players sent when the host
// bridge (re)connects.
func (e *Engine) PlayerSnapshot(ctx context.Context, names []string) {
	for _, name := range names {
		e.PlayerConnected(ctx, name)
	}
}

// PendingCount returns the number of queued items.
func (e *Engine) PendingCount() int {
	return e.pending.Len()
}
