package indexer

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardcredit/cache"
	"cardcredit/corestate"
	"cardcredit/crypto"
	"cardcredit/fixedpoint"
	"cardcredit/oracle"
)

func newTestStore(t *testing.T) *corestate.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := corestate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleMint(t *testing.T) crypto.Address {
	t.Helper()
	return crypto.MustNewAddress(crypto.AccountPrefix, []byte("01234567890123456789"))
}

func TestColdStartPopulatesCache(t *testing.T) {
	store := newTestStore(t)
	owner := crypto.MustNewAddress(crypto.AccountPrefix, []byte("ownerownerownerown01"))
	mint := sampleMint(t)

	cfg := &corestate.Config{
		Admin:                   owner,
		LTVMaxBps:               6000,
		LiquidationThresholdBps: 7500,
		GlobalBorrowIndex:       new(big.Int).Set(fixedpoint.Ray),
		LastUpdateTimestamp:     100,
		OracleRefs:              map[string]string{},
	}
	require.NoError(t, store.PutConfig(cfg))

	whitelist := &corestate.Whitelist{Mint: mint, Decimals: 9, MaxLTVBps: 6000, LiquidationThresholdBps: 7500, OracleRef: "SOL", Enabled: true}
	require.NoError(t, store.PutWhitelist(whitelist))

	pos := corestate.NewPosition(owner)
	pos.CollateralByMint[string(mint.Bytes())] = big.NewInt(5_000_000_000)
	pos.LastUpdateTimestamp = 200
	require.NoError(t, store.PutPosition(pos))

	adapter := oracle.NewMemoryAdapter()
	adapter.Set(oracle.Quote{AssetID: "SOL", PriceRay: new(big.Int).Mul(big.NewInt(150), fixedpoint.Ray), PublishTSUnix: 200})
	gate := oracle.NewGate(adapter, 30, 0)

	memCache := cache.NewInMemory()
	watcher := NewMemoryWatcher()
	watcher.Notify(owner, ChangePosition, 1)

	idx := New(store, gate, memCache, watcher, nil)
	idx.now = func() time.Time { return time.Unix(200, 0) }
	require.NoError(t, idx.ColdStart(context.Background()))

	entry, err := memCache.GetPosition(context.Background(), owner)
	require.NoError(t, err)
	require.False(t, entry.OracleStale)
	require.Equal(t, int64(200), entry.Version)
	require.Equal(t, "750000000", entry.CollateralValueUSDMicro)
}

func TestRunRefreshesOnNotify(t *testing.T) {
	store := newTestStore(t)
	owner := crypto.MustNewAddress(crypto.AccountPrefix, []byte("ownerownerownerown02"))
	cfg := &corestate.Config{
		GlobalBorrowIndex:   new(big.Int).Set(fixedpoint.Ray),
		LastUpdateTimestamp: 0,
		OracleRefs:          map[string]string{},
	}
	require.NoError(t, store.PutConfig(cfg))
	require.NoError(t, store.PutPosition(corestate.NewPosition(owner)))

	gate := oracle.NewGate(oracle.NewMemoryAdapter(), 30, 0)
	memCache := cache.NewInMemory()
	watcher := NewMemoryWatcher()

	idx := New(store, gate, memCache, watcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()

	watcher.Notify(owner, ChangePosition, 5)

	require.Eventually(t, func() bool {
		_, err := memCache.GetPosition(context.Background(), owner)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	checkpoint, err := watcher.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(5), checkpoint)
}

