package oracle

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateRejectsStalePrice(t *testing.T) {
	adapter := NewMemoryAdapter()
	adapter.Set(Quote{AssetID: "SOL", PriceRay: big.NewInt(1), PublishTSUnix: 0})
	gate := NewGate(adapter, 30, 0)

	_, status, err := gate.PriceUSDRay(context.Background(), "SOL", 45)
	require.ErrorIs(t, err, ErrStalePrice)
	require.Equal(t, StatusStale, status)
}

func TestGateRejectsLowConfidence(t *testing.T) {
	adapter := NewMemoryAdapter()
	adapter.Set(Quote{AssetID: "SOL", PriceRay: big.NewInt(1), PublishTSUnix: 100, ConfidenceBps: 500})
	gate := NewGate(adapter, 30, 200)

	_, status, err := gate.PriceUSDRay(context.Background(), "SOL", 100)
	require.ErrorIs(t, err, ErrLowConfidence)
	require.Equal(t, StatusLowConfidence, status)
}

func TestGateAcceptsFreshPrice(t *testing.T) {
	adapter := NewMemoryAdapter()
	adapter.Set(Quote{AssetID: "SOL", PriceRay: big.NewInt(150), PublishTSUnix: 100})
	gate := NewGate(adapter, 30, 0)

	quote, status, err := gate.PriceUSDRay(context.Background(), "SOL", 110)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, big.NewInt(150), quote.PriceRay)
}

func TestGateUnavailableAsset(t *testing.T) {
	adapter := NewMemoryAdapter()
	gate := NewGate(adapter, 30, 0)

	_, status, err := gate.PriceUSDRay(context.Background(), "MISSING", 0)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, StatusUnavailable, status)
}
