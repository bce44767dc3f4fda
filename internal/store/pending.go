package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// PendingQueue holds accepted purchases for buyers who were offline.
type PendingQueue interface {
	// Enqueue appends item to the buyer's queue and persists.
	Enqueue(buyer string, item models.PendingItem)
	// Drain removes and returns every item queued for buyer, in order.
	Drain(buyer string) []models.PendingItem
	Snapshot() map[string][]models.PendingItem
	Len() int
}

// Compile-time check that MemoryPendingQueue implements PendingQueue.
var _ PendingQueue = (*MemoryPendingQueue)(nil)

// MemoryPendingQueue is a PendingQueue guarded by a single mutex.
// Buyer names are case-insensitive.
type MemoryPendingQueue struct {
	mu        sync.Mutex
	items     map[string][]models.PendingItem
	persister Persister
}

// NewMemoryPendingQueue creates an empty queue. persister may be nil.
func NewMemoryPendingQueue(persister Persister) *MemoryPendingQueue {
	return &MemoryPendingQueue{
		items:     make(map[string][]models.PendingItem),
		persister: persister,
	}
}

// Load replaces the queue contents with previously persisted entries.
func (q *MemoryPendingQueue) Load(pending map[string][]models.PendingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string][]models.PendingItem, len(pending))
	for buyer, items := range pending {
		if len(items) == 0 {
			continue
		}
		b := models.NormalizeBuyer(buyer)
		q.items[b] = append(q.items[b], items...)
	}
	slog.Debug("MemoryPendingQueue.Load: pending entries loaded", "buyers", len(q.items))
}

func (q *MemoryPendingQueue) Enqueue(buyer string, item models.PendingItem) {
	b := models.NormalizeBuyer(buyer)
	q.mu.Lock()
	q.items[b] = append(q.items[b], item)
	q.mu.Unlock()

	slog.Debug("MemoryPendingQueue.Enqueue: item queued", "buyer", b, "item_id", item.ID)
	q.persist("Enqueue")
}

func (q *MemoryPendingQueue) Drain(buyer string) []models.PendingItem {
	b := models.NormalizeBuyer(buyer)
	q.mu.Lock()
	items, ok := q.items[b]
	delete(q.items, b)
	q.mu.Unlock()

	if !ok {
		return []models.PendingItem{}
	}
	slog.Debug("MemoryPendingQueue.Drain: items drained", "buyer", b, "count", len(items))
	q.persist("Drain")
	return items
}

// Snapshot returns a deep copy of the queue.
func (q *MemoryPendingQueue) Snapshot() map[string][]models.PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][]models.PendingItem, len(q.items))
	for buyer, items := range q.items {
		cp := make([]models.PendingItem, len(items))
		for i, it := range items {
			it.Commands = append([]string(nil), it.Commands...)
			cp[i] = it
		}
		out[buyer] = cp
	}
	return out
}

// Len returns the total number of queued items.
func (q *MemoryPendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.items {
		n += len(items)
	}
	return n
}

// Buyers returns the sorted names of buyers with queued items.
func (q *MemoryPendingQueue) Buyers() []string {
	q.mu.Lock()
	out := make([]string, 0, len(q.items))
	for b := range q.items {
		out = append(out, b)
	}
	q.mu.Unlock()
	sort.Strings(out)
	return out
}

func (q *MemoryPendingQueue) persist(op string) {
	if q.persister == nil {
		return
	}
	if err := q.persister.Persist(); err != nil {
		slog.Warn("MemoryPendingQueue."+op+": queue change not persisted", "error", err)
	}
}
