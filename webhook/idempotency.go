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

// DefaultIdempotencyTTL bounds how long a first response is replayed to duplicates.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyEntry is the persisted record of the first
// response produced for a key, replayed verbatim on a duplicate delivery.
type IdempotencyEntry struct {
	Response  []byte
	Completed bool
	StoredAt  time.Time
}

// IdempotencyStore keys responses by (auth_id, event_type) so a duplicate
// webhook delivery returns the identical response and causes at most one
// on-chain effect.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyEntry, bool, error)
	Put(ctx context.Context, key string, entry IdempotencyEntry, ttl time.Duration) error
}

// MemoryIdempotencyStore is a mutex-guarded IdempotencyStore for tests and
// single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyRecord
	now     func() time.Time
}

type idempotencyRecord struct {
	entry  IdempotencyEntry
	expiry time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]idempotencyRecord), now: time.Now}
}

func (m *MemoryIdempotencyStore) Get(_ context.Context, key string) (IdempotencyEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[key]
	if !ok || m.now().After(rec.expiry) {
		return IdempotencyEntry{}, false, nil
	}
	return rec.entry, true, nil
}

func (m *MemoryIdempotencyStore) Put(_ context.Context, key string, entry IdempotencyEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = idempotencyRecord{entry: entry, expiry: m.now().Add(ttl)}
	return nil
}

// LevelDBIdempotencyStore durably persists idempotency responses, following
// the same leveldb key/expiry encoding as LevelDBReplaySet.
type LevelDBIdempotencyStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

func OpenLevelDBIdempotencyStore(path string) (*LevelDBIdempotencyStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook: idempotency store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve idempotency store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: open idempotency store: %w", err)
	}
	return &LevelDBIdempotencyStore{db: db}, nil
}

func (l *LevelDBIdempotencyStore) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDBIdempotencyStore) Get(_ context.Context, key string) (IdempotencyEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("webhook: idempotency lookup: %w", err)
	}
	entry, expiry, ok := decodeIdempotencyRecord(raw)
	if !ok || time.Now().After(expiry) {
		return IdempotencyEntry{}, false, nil
	}
	return entry, true, nil
}

func (l *LevelDBIdempotencyStore) Put(_ context.Context, key string, entry IdempotencyEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry := time.Now().Add(ttl)
	raw := encodeIdempotencyRecord(entry, expiry)
	if err := l.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("webhook: idempotency insert: %w", err)
	}
	return nil
}

// encodeIdempotencyRecord packs [completed(1)][expiryNanos(8)][response...].
func encodeIdempotencyRecord(entry IdempotencyEntry, expiry time.Time) []byte {
	buf := make([]byte, 9+len(entry.Response))
	if entry.Completed {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(expiry.UnixNano()))
	copy(buf[9:], entry.Response)
	return buf
}

func decodeIdempotencyRecord(raw []byte) (IdempotencyEntry, time.Time, bool) {
	if len(raw) < 9 {
		return IdempotencyEntry{}, time.Time{}, false
	}
	completed := raw[0] == 1
	expiry := time.Unix(0, int64(binary.BigEndian.Uint64(raw[1:9])))
	response := append([]byte(nil), raw[9:]...)
	return IdempotencyEntry{Response: response, Completed: completed, StoredAt: time.Now()}, expiry, true
}
