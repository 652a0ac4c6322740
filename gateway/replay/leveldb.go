package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const fingerprintKeyPrefix = "fp:"

// LevelDBStore persists fingerprints so a restart inside the replay
// window still suppresses duplicates. It keeps the single-node contract
// of the memory store; it is not a coordination mechanism.
type LevelDBStore struct {
	mu    sync.Mutex
	db    *leveldb.DB
	nowFn func() time.Time

	pruneEvery time.Duration
	lastPrune  time.Time
}

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve replay store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	return &LevelDBStore{db: db, nowFn: time.Now, pruneEvery: time.Minute}, nil
}

// SetClock overrides the time source. Test hook.
func (s *LevelDBStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// CheckAndRemember implements Store.
func (s *LevelDBStore) CheckAndRemember(fingerprint string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, fmt.Errorf("replay store closed")
	}
	now := s.nowFn()
	if err := s.pruneLocked(now); err != nil {
		return false, err
	}
	key := []byte(fingerprintKeyPrefix + fingerprint)
	val, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load fingerprint: %w", err)
	default:
		deadline := time.Unix(0, int64(binary.BigEndian.Uint64(val)))
		if now.Before(deadline) {
			return true, nil
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.Add(ttl).UnixNano()))
	if err := s.db.Put(key, buf, nil); err != nil {
		return false, fmt.Errorf("record fingerprint: %w", err)
	}
	return false, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *LevelDBStore) pruneLocked(now time.Time) error {
	if now.Sub(s.lastPrune) < s.pruneEvery {
		return nil
	}
	s.lastPrune = now
	iter := s.db.NewIterator(util.BytesPrefix([]byte(fingerprintKeyPrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if len(iter.Value()) != 8 {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		deadline := time.Unix(0, int64(binary.BigEndian.Uint64(iter.Value())))
		if !now.Before(deadline) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate fingerprints: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune fingerprints: %w", err)
		}
	}
	return nil
}
