// Package replay suppresses duplicate request fingerprints within a
// configurable TTL window. The store is single-node: fingerprints are
// scoped to this process unless the LevelDB backend is configured.
package replay

import (
	"sync"
	"time"
)

// Store records fingerprints and answers whether one was already seen
// inside its TTL. CheckAndRemember must be atomic: of any set of
// concurrent callers with the same fingerprint, exactly one observes
// seen=false.
type Store interface {
	// CheckAndRemember returns true when the fingerprint was already
	// recorded and its TTL has not elapsed. Otherwise it records the
	// fingerprint with the supplied TTL and returns false.
	CheckAndRemember(fingerprint string, ttl time.Duration) (bool, error)
	Close() error
}

// MemoryStore is the default in-process implementation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	nowFn   func() time.Time

	// pruneEvery bounds how often the lazy sweep runs.
	pruneEvery time.Duration
	lastPrune  time.Time
}

// NewMemoryStore builds an empty in-memory replay store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]time.Time),
		nowFn:      time.Now,
		pruneEvery: time.Minute,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// CheckAndRemember implements Store.
func (s *MemoryStore) CheckAndRemember(fingerprint string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	s.pruneLocked(now)
	deadline, ok := s.entries[fingerprint]
	if ok && now.Before(deadline) {
		return true, nil
	}
	s.entries[fingerprint] = now.Add(ttl)
	return false, nil
}

// Len reports the number of live entries. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) pruneLocked(now time.Time) {
	if now.Sub(s.lastPrune) < s.pruneEvery {
		return
	}
	s.lastPrune = now
	for fp, deadline := range s.entries {
		if !now.Before(deadline) {
			delete(s.entries, fp)
		}
	}
}
