package store

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

type countingPersister struct {
	calls atomic.Int32
	err   error
}

func (p *countingPersister) Persist() error {
	p.calls.Add(1)
	return p.err
}

func TestMemoryDedupStore_TryAcceptExactlyOnceUnderConcurrency(t *testing.T) {
	p := &countingPersister{}
	s := NewMemoryDedupStore(p)
	key := models.NewPurchaseKey("Steve", "42")

	const workers = 64
	var accepted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Mix buyer casing the way the two ingestion paths do.
			buyer := "Steve"
			if i%2 == 0 {
				buyer = "steve"
			}
			if s.TryAccept(models.NewPurchaseKey(buyer, "42")) {
				accepted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Fatalf("expected exactly one acceptance, got %d", got)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("expected one persist call, got %d", got)
	}
	if !s.Contains(key) {
		t.Error("accepted key should be contained")
	}
}

func TestMemoryDedupStore_LoadAndSnapshot(t *testing.T) {
	s := NewMemoryDedupStore(nil)
	s.Load([]string{"steve_42", "alex_7"})

	if s.TryAccept(models.NewPurchaseKey("STEVE", "42")) {
		t.Error("loaded key must not be accepted again")
	}
	if !s.TryAccept(models.NewPurchaseKey("steve", "43")) {
		t.Error("new key should be accepted")
	}

	snap := s.Snapshot()
	want := []string{"alex_7", "steve_42", "steve_43"}
	if len(snap) != len(want) {
		t.Fatalf("snapshot = %v, want %v", snap, want)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, snap[i], want[i])
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestMemoryDedupStore_PersistFailureStillAccepts(t *testing.T) {
	p := &countingPersister{err: errTest}
	s := NewMemoryDedupStore(p)
	if !s.TryAccept(models.NewPurchaseKey("steve", "1")) {
		t.Fatal("persist failure must not reject the key")
	}
	if s.TryAccept(models.NewPurchaseKey("steve", "1")) {
		t.Fatal("key must stay accepted in memory")
	}
}
