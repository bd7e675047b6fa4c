package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"cardcredit/crypto"
)

// LevelDBDeadLetter durably persists dead-lettered jobs so they survive a
// process restart and can be inspected or replayed by an operator, following
// the same goleveldb idiom as the webhook package's replay/idempotency
// stores. Keys are time-ordered so an iterator walks entries oldest-first.
type LevelDBDeadLetter struct {
	db  *leveldb.DB
	mu  sync.Mutex
	seq uint64
}

// persistedJob is the on-disk form of a Job: addresses as bech32 strings,
// the amount in decimal, so entries stay readable with plain leveldb tools.
type persistedJob struct {
	Kind           string `json:"kind"`
	Owner          string `json:"owner"`
	Caller         string `json:"caller,omitempty"`
	SeizeMint      string `json:"seizeMint,omitempty"`
	AmountUSDMicro string `json:"amountUsdMicro,omitempty"`
	AuthID         string `json:"authId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Reason         string `json:"reason"`
	StoredAt       int64  `json:"storedAt"`
}

func OpenLevelDBDeadLetter(path string) (*LevelDBDeadLetter, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("queue: dead-letter path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("queue: resolve dead-letter path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: open dead-letter store: %w", err)
	}
	return &LevelDBDeadLetter{db: db}, nil
}

func (l *LevelDBDeadLetter) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDBDeadLetter) Put(_ context.Context, job Job, reason string) error {
	now := time.Now()
	record := persistedJob{
		Kind:           string(job.Kind),
		Owner:          encodeAddress(job.Owner),
		Caller:         encodeAddress(job.Caller),
		SeizeMint:      encodeAddress(job.SeizeMint),
		AuthID:         job.AuthID,
		IdempotencyKey: job.IdempotencyKey,
		Reason:         reason,
		StoredAt:       now.Unix(),
	}
	if job.AmountUSDMicro != nil {
		record.AmountUSDMicro = job.AmountUSDMicro.String()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("queue: encode dead-letter entry: %w", err)
	}
	l.mu.Lock()
	l.seq++
	key := fmt.Sprintf("%020d-%06d", now.UnixNano(), l.seq)
	l.mu.Unlock()
	if err := l.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("queue: dead-letter insert: %w", err)
	}
	return nil
}

// Entries returns every persisted dead-letter entry, oldest first. Entries
// that no longer decode (schema drift across versions) are skipped rather
// than failing the whole scan.
func (l *LevelDBDeadLetter) Entries() ([]DeadLetterEntry, error) {
	iter := l.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	var out []DeadLetterEntry
	for iter.Next() {
		var record persistedJob
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		job := Job{
			Kind:           Kind(record.Kind),
			AuthID:         record.AuthID,
			IdempotencyKey: record.IdempotencyKey,
		}
		if record.Owner != "" {
			if addr, err := crypto.DecodeAddress(record.Owner); err == nil {
				job.Owner = addr
			}
		}
		if record.Caller != "" {
			if addr, err := crypto.DecodeAddress(record.Caller); err == nil {
				job.Caller = addr
			}
		}
		if record.SeizeMint != "" {
			if addr, err := crypto.DecodeAddress(record.SeizeMint); err == nil {
				job.SeizeMint = addr
			}
		}
		if record.AmountUSDMicro != "" {
			if amount, ok := new(big.Int).SetString(record.AmountUSDMicro, 10); ok {
				job.AmountUSDMicro = amount
			}
		}
		out = append(out, DeadLetterEntry{Job: job, Reason: record.Reason})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("queue: dead-letter scan: %w", err)
	}
	return out, nil
}

// encodeAddress renders addr as bech32, or "" for the zero value (a
// record_debt job has no seize mint, a repay has no caller).
func encodeAddress(addr crypto.Address) string {
	if len(addr.Bytes()) == 0 {
		return ""
	}
	return addr.String()
}
