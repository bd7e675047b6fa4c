// Package cache implements the off-chain position cache named in the
// credit protocol's data model: an eventually-consistent, TTL-bounded view
// of the on-chain Position and Config records that the authorization
// decision core reads synchronously on the hot path. It is never
// authoritative: the indexer is the sole writer and the decision core a
// read-only consumer.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"cardcredit/crypto"
)

// DefaultStalenessHorizon is the staleness horizon named in the data model:
// a CachedPosition older than this must be refreshed or treated as missing.
const DefaultStalenessHorizon = 60 * time.Second

// ErrMiss is returned when a key has no cached value.
var ErrMiss = errors.New("cache: miss")

// CachedPosition is the snapshot of derived quantities the indexer writes
// and the decision core reads. Version is Position.LastUpdateTimestamp, not
// a cache-local counter, so a reader can tell a write apart from a stale one
// even across cache restarts.
type CachedPosition struct {
	Owner                   crypto.Address
	CollateralValueUSDMicro string // decimal string; big.Int values cross cache/network boundaries as strings
	DebtUSDMicro            string
	AvailableCreditUSDMicro string
	HealthFactorBps         string // empty string means infinite (zero debt)
	IndexSnapshot           string
	Version                 int64 // Position.LastUpdateTimestamp at write time
	WrittenAt               time.Time
	OracleStale             bool
}

// Stale reports whether this snapshot has aged past horizon as of now, or
// was written already flagged stale by the indexer (oracle unavailable).
func (c CachedPosition) Stale(now time.Time, horizon time.Duration) bool {
	if c.OracleStale {
		return true
	}
	if horizon <= 0 {
		horizon = DefaultStalenessHorizon
	}
	return now.Sub(c.WrittenAt) > horizon
}

// Store is the position cache contract: a primary key plus the two
// secondary lookup keys the webhook ingress path needs (wallet and
// card-token to owner), written atomically together and read
// independently.
type Store interface {
	PutPosition(ctx context.Context, owner crypto.Address, pos CachedPosition, walletToOwner, cardTokenToOwner []string) error
	GetPosition(ctx context.Context, owner crypto.Address) (CachedPosition, error)
	OwnerByWallet(ctx context.Context, wallet string) (crypto.Address, error)
	OwnerByCardToken(ctx context.Context, cardToken string) (crypto.Address, error)
}

// InMemory is a mutex-guarded Store for tests and single-instance
// deployments; production deployments substitute the redis-backed Store
// (see redis.go) so the decision core never depends on a concrete type,
// per the "shared mutable module-level maps" re-architecture note.
type InMemory struct {
	mu          sync.RWMutex
	positions   map[string]CachedPosition
	walletIdx   map[string]string
	cardTokenIx map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		positions:   make(map[string]CachedPosition),
		walletIdx:   make(map[string]string),
		cardTokenIx: make(map[string]string),
	}
}

func ownerKey(owner crypto.Address) string { return owner.String() }

// PutPosition writes the primary and secondary keys as a single critical
// section so a concurrent reader never observes the primary key updated
// without its secondary lookups: the wallet and card-token keys update
// atomically with the primary.
func (m *InMemory) PutPosition(_ context.Context, owner crypto.Address, pos CachedPosition, walletToOwner, cardTokenToOwner []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ownerKey(owner)
	m.positions[key] = pos
	for _, w := range walletToOwner {
		if w != "" {
			m.walletIdx[w] = key
		}
	}
	for _, c := range cardTokenToOwner {
		if c != "" {
			m.cardTokenIx[c] = key
		}
	}
	return nil
}

func (m *InMemory) GetPosition(_ context.Context, owner crypto.Address) (CachedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[ownerKey(owner)]
	if !ok {
		return CachedPosition{}, ErrMiss
	}
	return pos, nil
}

func (m *InMemory) OwnerByWallet(_ context.Context, wallet string) (crypto.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.walletIdx[wallet]
	if !ok {
		return crypto.Address{}, ErrMiss
	}
	return crypto.DecodeAddress(key)
}

func (m *InMemory) OwnerByCardToken(_ context.Context, cardToken string) (crypto.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.cardTokenIx[cardToken]
	if !ok {
		return crypto.Address{}, ErrMiss
	}
	return crypto.DecodeAddress(key)
}
