package webhook

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// DefaultReplayTTL is the 24h replay window.
const DefaultReplayTTL = 24 * time.Hour

// ReplaySet records (timestamp, signature) pairs already seen, rejecting a
// duplicate delivery within the TTL window.
type ReplaySet interface {
	// CheckAndInsert atomically reports whether key was already present and,
	// if not, inserts it with the given TTL. Check and insert are one
	// operation so two
	// concurrent deliveries of the same replayed request cannot both pass.
	CheckAndInsert(ctx context.Context, key string, ttl time.Duration) (alreadySeen bool, err error)
}

// MemoryReplaySet is a mutex-guarded, expiry-sweeping ReplaySet for tests
// and single-instance deployments.
type MemoryReplaySet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplaySet() *MemoryReplaySet {
	return &MemoryReplaySet{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryReplaySet) CheckAndInsert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expiry, ok := m.entries[key]; ok && now.Before(expiry) {
		return true, nil
	}
	m.entries[key] = now.Add(ttl)
	return false, nil
}

// LevelDBReplaySet persists the replay window durably across restarts, so
// a restarted ingress cannot re-admit an already-seen delivery.
type LevelDBReplaySet struct {
	db *leveldb.DB
	mu sync.Mutex
}

func OpenLevelDBReplaySet(path string) (*LevelDBReplaySet, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook: replay set path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve replay set path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: open replay set: %w", err)
	}
	return &LevelDBReplaySet{db: db}, nil
}

func (l *LevelDBReplaySet) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDBReplaySet) CheckAndInsert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	raw, err := l.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// fall through to insert
	case err != nil:
		return false, fmt.Errorf("webhook: replay set lookup: %w", err)
	default:
		expiry := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
		if now.Before(expiry) {
			return true, nil
		}
	}
	expiryBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(expiryBuf, uint64(now.Add(ttl).UnixNano()))
	if err := l.db.Put([]byte(key), expiryBuf, nil); err != nil {
		return false, fmt.Errorf("webhook: replay set insert: %w", err)
	}
	return false, nil
}
