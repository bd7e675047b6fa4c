// Package indexer streams on-chain Position and Config writes into the
// position cache, recomputing the derived fields the authorization
// decision core needs on its hot path. A single mutex-guarded coordinator
// consumes account-write notifications and checkpoints its cache-write
// progress.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cardcredit/cache"
	"cardcredit/corestate"
	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/oracle"
)

// ChangeKind distinguishes which record kind triggered a Watcher event.
type ChangeKind uint8

const (
	ChangePosition ChangeKind = iota
	ChangeConfig
)

// Change is one observed program account write.
type Change struct {
	Kind  ChangeKind
	Owner crypto.Address // zero value when Kind == ChangeConfig
	Slot  uint64
}

// Watcher is the subscription boundary: a concrete implementation (polling
// the corestate.Store's embedded bbolt log, or a richer account-change
// stream) is an external collaborator from the indexer's point of view.
type Watcher interface {
	Subscribe(ctx context.Context) (<-chan Change, error)
	ListOwners(ctx context.Context) ([]crypto.Address, error)
	Checkpoint() (uint64, error)
	SaveCheckpoint(slot uint64) error
}

// Indexer recomputes {collateral_value_usd, debt_usd, available_credit,
// health_factor, index_snapshot} for every observed Position write and
// publishes the result to the cache with a fresh timestamp.
type Indexer struct {
	mu       sync.Mutex
	store    *corestate.Store
	prices   *oracle.Gate
	cache    cache.Store
	watcher  Watcher
	logger   *slog.Logger
	now      func() time.Time
	lookupFn func(owner crypto.Address) ([]string, []string) // owner -> (wallets, card tokens)
}

// Option configures an Indexer at construction time.
type Option func(*Indexer)

// WithIdentityLookup registers the callback resolving an owner's secondary
// cache keys (wallet addresses, card tokens mapped to that owner) — this
// protocol treats wallet/card-token enrollment as an external collaborator,
// so the indexer only consumes whatever mapping it is given.
func WithIdentityLookup(fn func(owner crypto.Address) ([]string, []string)) Option {
	return func(idx *Indexer) { idx.lookupFn = fn }
}

func New(store *corestate.Store, prices *oracle.Gate, c cache.Store, watcher Watcher, logger *slog.Logger, opts ...Option) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Indexer{
		store:   store,
		prices:  prices,
		cache:   c,
		watcher: watcher,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// ColdStart performs the full scan required on first boot: every known
// owner is recomputed and written to the cache before the subscription loop
// begins.
func (idx *Indexer) ColdStart(ctx context.Context) error {
	owners, err := idx.watcher.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("indexer: list owners: %w", err)
	}
	for _, owner := range owners {
		if err := idx.refreshPosition(ctx, owner); err != nil {
			idx.logger.Warn("indexer: cold start refresh failed", "owner", owner.String(), "error", err)
		}
	}
	return nil
}

// Run subscribes to account changes and refreshes the cache until ctx is
// cancelled. Each processed change advances the durable checkpoint so a
// restart resumes rather than re-scanning everything.
func (idx *Indexer) Run(ctx context.Context) error {
	changes, err := idx.watcher.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("indexer: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			idx.handle(ctx, change)
		}
	}
}

func (idx *Indexer) handle(ctx context.Context, change Change) {
	switch change.Kind {
	case ChangePosition:
		if err := idx.refreshPosition(ctx, change.Owner); err != nil {
			idx.logger.Warn("indexer: refresh position failed", "owner", change.Owner.String(), "error", err)
		}
	case ChangeConfig:
		// Config changes (e.g. a rate change) can shift every position's
		// derived fields, but re-pricing every owner on every config write
		// is out of scope here; the next position-touching op will refresh
		// that owner's entry, matching "a cache entry for owner reflects a
		// write observed at least as recent as its last_update_timestamp".
	}
	if err := idx.watcher.SaveCheckpoint(change.Slot); err != nil {
		idx.logger.Warn("indexer: checkpoint save failed", "slot", change.Slot, "error", err)
	}
}

// refreshPosition is the guarantee-bearing step: a cache entry for owner
// reflects a write observed at least as recent as its last_update_timestamp
// field. If the oracle is stale the entry is still written, but flagged
// stale so the decision core treats it as missing.
func (idx *Indexer) refreshPosition(ctx context.Context, owner crypto.Address) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cfg, err := idx.store.GetConfig()
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	pos, err := idx.store.GetPosition(owner)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}

	now := idx.now().Unix()
	lookup := credit.StoreLookup(ctx, idx.store, idx.prices, now)
	valuation, err := credit.ValuePosition(pos, cfg, lookup)
	oracleStale := err != nil

	entry := cache.CachedPosition{
		Owner:         owner,
		IndexSnapshot: cfg.GlobalBorrowIndex.String(),
		Version:       pos.LastUpdateTimestamp,
		WrittenAt:     idx.now(),
		OracleStale:   oracleStale,
	}
	if !oracleStale {
		entry.CollateralValueUSDMicro = valuation.CollateralValueUSDMicro.String()
		entry.DebtUSDMicro = valuation.CurrentDebtUSDMicro.String()
		entry.AvailableCreditUSDMicro = valuation.AvailableCreditUSDMicro.String()
		if valuation.HealthFactorBps != nil {
			entry.HealthFactorBps = valuation.HealthFactorBps.String()
		}
	}

	var wallets, cardTokens []string
	if idx.lookupFn != nil {
		wallets, cardTokens = idx.lookupFn(owner)
	}
	return idx.cache.PutPosition(ctx, owner, entry, wallets, cardTokens)
}
