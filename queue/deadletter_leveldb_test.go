package queue

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBDeadLetterRoundTrip(t *testing.T) {
	dl, err := OpenLevelDBDeadLetter(filepath.Join(t.TempDir(), "deadletter"))
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	owner := testAddr(t, 0x11)
	caller := testAddr(t, 0x22)
	job := Job{
		Kind:           KindRecordDebt,
		Owner:          owner,
		Caller:         caller,
		AmountUSDMicro: big.NewInt(50_000_000),
		AuthID:         "auth-1",
		IdempotencyKey: "auth-1|commit",
	}
	require.NoError(t, dl.Put(context.Background(), job, "health violation"))

	entries, err := dl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	require.Equal(t, KindRecordDebt, got.Job.Kind)
	require.Equal(t, owner.String(), got.Job.Owner.String())
	require.Equal(t, caller.String(), got.Job.Caller.String())
	require.Equal(t, "50000000", got.Job.AmountUSDMicro.String())
	require.Equal(t, "auth-1", got.Job.AuthID)
	require.Equal(t, "health violation", got.Reason)
}

func TestLevelDBDeadLetterOrdersOldestFirst(t *testing.T) {
	dl, err := OpenLevelDBDeadLetter(filepath.Join(t.TempDir(), "deadletter"))
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	owner := testAddr(t, 0x33)
	for i, authID := range []string{"auth-a", "auth-b", "auth-c"} {
		job := Job{
			Kind:           KindRepayDebt,
			Owner:          owner,
			AmountUSDMicro: big.NewInt(int64(i + 1)),
			AuthID:         authID,
			IdempotencyKey: authID + "|refund",
		}
		require.NoError(t, dl.Put(context.Background(), job, "retries exhausted"))
	}

	entries, err := dl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "auth-a", entries[0].Job.AuthID)
	require.Equal(t, "auth-b", entries[1].Job.AuthID)
	require.Equal(t, "auth-c", entries[2].Job.AuthID)
}
