package indexer

import (
	"context"
	"sync"
	"sync/atomic"

	"cardcredit/crypto"
)

// MemoryWatcher is a single-process Watcher: the submission queue (or a test)
// calls Notify after each successful instruction instead of this package
// polling a remote account-change stream. Production deployments substitute
// a Watcher backed by the chain's actual account-subscription RPC; the
// indexer itself never depends on the concrete transport.
type MemoryWatcher struct {
	mu         sync.Mutex
	owners     map[string]crypto.Address
	ch         chan Change
	checkpoint int64 // atomic
}

func NewMemoryWatcher() *MemoryWatcher {
	return &MemoryWatcher{
		owners: make(map[string]crypto.Address),
		ch:     make(chan Change, 256),
	}
}

// Notify records owner as known (for future cold starts) and publishes a
// Change event for the running subscription loop.
func (w *MemoryWatcher) Notify(owner crypto.Address, kind ChangeKind, slot uint64) {
	w.mu.Lock()
	if kind == ChangePosition {
		w.owners[owner.String()] = owner
	}
	w.mu.Unlock()
	select {
	case w.ch <- Change{Kind: kind, Owner: owner, Slot: slot}:
	default:
		// Drop on a full channel rather than block the writer; the next
		// owner-touching op will still refresh this position because the
		// cache read path falls through to stale/missing handling.
	}
}

func (w *MemoryWatcher) Subscribe(_ context.Context) (<-chan Change, error) {
	return w.ch, nil
}

func (w *MemoryWatcher) ListOwners(_ context.Context) ([]crypto.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]crypto.Address, 0, len(w.owners))
	for _, owner := range w.owners {
		out = append(out, owner)
	}
	return out, nil
}

func (w *MemoryWatcher) Checkpoint() (uint64, error) {
	return uint64(atomic.LoadInt64(&w.checkpoint)), nil
}

func (w *MemoryWatcher) SaveCheckpoint(slot uint64) error {
	atomic.StoreInt64(&w.checkpoint, int64(slot))
	return nil
}
