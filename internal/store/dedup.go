package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// Persister writes the current state to durable storage.
type Persister interface {
	Persist() error
}

// DedupStore is the set of purchase keys that have already been accepted.
type DedupStore interface {
	// TryAccept inserts key if absent and reports whether it was inserted.
	// The new key is persisted before TryAccept returns.
	TryAccept(key models.PurchaseKey) bool
	Contains(key models.PurchaseKey) bool
	Snapshot() []string
	Len() int
}

// Compile-time check that MemoryDedupStore implements DedupStore.
var _ DedupStore = (*MemoryDedupStore)(nil)

// MemoryDedupStore keeps accepted keys in memory and writes through to a Persister.
type MemoryDedupStore struct {
	mu        sync.Mutex
	keys      map[string]struct{}
	persister Persister
}

// NewMemoryDedupStore creates an empty dedup store. persister may be nil.
func NewMemoryDedupStore(persister Persister) *MemoryDedupStore {
	return &MemoryDedupStore{
		keys:      make(map[string]struct{}),
		persister: persister,
	}
}

// Load adds previously persisted keys in their "buyer_itemId" form.
func (s *MemoryDedupStore) Load(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	slog.Debug("MemoryDedupStore.Load: keys loaded", "count", len(keys), "total", len(s.keys))
}

func (s *MemoryDedupStore) TryAccept(key models.PurchaseKey) bool {
	k := key.String()

	s.mu.Lock()
	if _, ok := s.keys[k]; ok {
		s.mu.Unlock()
		return false
	}
	s.keys[k] = struct{}{}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Persist(); err != nil {
			slog.Warn("MemoryDedupStore.TryAccept: key accepted but not persisted", "key", k, "error", err)
		}
	}
	return true
}

func (s *MemoryDedupStore) Contains(key models.PurchaseKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key.String()]
	return ok
}

// Snapshot returns a sorted copy of all keys.
func (s *MemoryDedupStore) Snapshot() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *MemoryDedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
