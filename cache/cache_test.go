package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardcredit/crypto"
)

func testOwner(t *testing.T) crypto.Address {
	t.Helper()
	return crypto.MustNewAddress(crypto.AccountPrefix, make([]byte, 20))
}

func TestInMemoryPutGetPosition(t *testing.T) {
	store := NewInMemory()
	owner := testOwner(t)
	pos := CachedPosition{Owner: owner, DebtUSDMicro: "0", WrittenAt: time.Now()}

	require.NoError(t, store.PutPosition(context.Background(), owner, pos, []string{"wallet-1"}, []string{"card-1"}))

	got, err := store.GetPosition(context.Background(), owner)
	require.NoError(t, err)
	require.Equal(t, pos.DebtUSDMicro, got.DebtUSDMicro)
}

func TestInMemorySecondaryIndexesAtomic(t *testing.T) {
	store := NewInMemory()
	owner := testOwner(t)
	pos := CachedPosition{Owner: owner, WrittenAt: time.Now()}
	require.NoError(t, store.PutPosition(context.Background(), owner, pos, []string{"wallet-1"}, []string{"card-1"}))

	gotOwner, err := store.OwnerByWallet(context.Background(), "wallet-1")
	require.NoError(t, err)
	require.Equal(t, owner.String(), gotOwner.String())

	gotOwner, err = store.OwnerByCardToken(context.Background(), "card-1")
	require.NoError(t, err)
	require.Equal(t, owner.String(), gotOwner.String())
}

func TestInMemoryMiss(t *testing.T) {
	store := NewInMemory()
	_, err := store.GetPosition(context.Background(), testOwner(t))
	require.ErrorIs(t, err, ErrMiss)
}

func TestCachedPositionStaleness(t *testing.T) {
	now := time.Now()
	fresh := CachedPosition{WrittenAt: now.Add(-10 * time.Second)}
	require.False(t, fresh.Stale(now, DefaultStalenessHorizon))

	old := CachedPosition{WrittenAt: now.Add(-90 * time.Second)}
	require.True(t, old.Stale(now, DefaultStalenessHorizon))

	flagged := CachedPosition{WrittenAt: now, OracleStale: true}
	require.True(t, flagged.Stale(now, DefaultStalenessHorizon))
}
