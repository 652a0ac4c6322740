package replay

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreRemembersForTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.SetClock(func() time.Time { return now })

	seen, err := store.CheckAndRemember("fp-1", 5*time.Minute)
	if err != nil || seen {
		t.Fatalf("first sight: seen=%v err=%v", seen, err)
	}
	now = now.Add(4 * time.Minute)
	seen, err = store.CheckAndRemember("fp-1", 5*time.Minute)
	if err != nil || !seen {
		t.Fatalf("within TTL: seen=%v err=%v", seen, err)
	}
	now = now.Add(2 * time.Minute)
	seen, err = store.CheckAndRemember("fp-1", 5*time.Minute)
	if err != nil || seen {
		t.Fatalf("after TTL: seen=%v err=%v", seen, err)
	}
}

func TestMemoryStoreExactlyOneWinner(t *testing.T) {
	store := NewMemoryStore()
	const workers = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := store.CheckAndRemember("contested", time.Minute)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if !seen {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)
	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one unseen observer, got %d", count)
	}
}

func TestMemoryStorePrunesExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.SetClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		if _, err := store.CheckAndRemember(fmt.Sprintf("fp-%d", i), time.Second); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.CheckAndRemember("fresh", time.Minute); err != nil {
		t.Fatalf("remember fresh: %v", err)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("expected expired entries pruned, have %d", got)
	}
}

func TestLevelDBStoreRoundTrip(t *testing.T) {
	store, err := NewLevelDBStore(t.TempDir() + "/replay")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Unix(1700000000, 0)
	store.SetClock(func() time.Time { return now })

	seen, err := store.CheckAndRemember("fp-db", time.Minute)
	if err != nil || seen {
		t.Fatalf("first sight: seen=%v err=%v", seen, err)
	}
	seen, err = store.CheckAndRemember("fp-db", time.Minute)
	if err != nil || !seen {
		t.Fatalf("replay: seen=%v err=%v", seen, err)
	}
	now = now.Add(2 * time.Minute)
	seen, err = store.CheckAndRemember("fp-db", time.Minute)
	if err != nil || seen {
		t.Fatalf("after TTL: seen=%v err=%v", seen, err)
	}
}
