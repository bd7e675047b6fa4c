package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memIssuerSource struct{ captures []IssuerCapture }

func (m memIssuerSource) Captures(_ context.Context, _ Window) ([]IssuerCapture, error) {
	return m.captures, nil
}

type memChainSource struct{ deltas []ChainDebit }

func (m memChainSource) DebtDeltas(_ context.Context, _ Window) ([]ChainDebit, error) {
	return m.deltas, nil
}

func testWindow() Window {
	end := time.Unix(1_700_000_000, 0)
	return Window{Start: end.Add(-time.Hour), End: end}
}

func TestReconcileNoDivergence(t *testing.T) {
	issuer := memIssuerSource{captures: []IssuerCapture{
		{AuthID: "auth1", AmountUSDMicro: 50_000_000},
		{AuthID: "auth2", AmountUSDMicro: 25_000_000},
	}}
	chain := memChainSource{deltas: []ChainDebit{
		{AuthID: "auth1", AmountUSDMicro: 50_000_000},
		{AuthID: "auth2", AmountUSDMicro: 25_000_000},
	}}
	r := New(issuer, chain, 0, nil)
	result, err := r.Run(context.Background(), testWindow())
	require.NoError(t, err)
	require.Zero(t, result.DivergenceBps)
	require.False(t, result.Alert)
	require.Empty(t, result.PerAuthDiffs)
}

func TestReconcileFlagsDivergenceAboveThreshold(t *testing.T) {
	issuer := memIssuerSource{captures: []IssuerCapture{
		{AuthID: "auth1", AmountUSDMicro: 100_000_000},
	}}
	chain := memChainSource{deltas: []ChainDebit{
		{AuthID: "auth1", AmountUSDMicro: 102_000_000}, // 200 bps over
	}}
	r := New(issuer, chain, DefaultDivergenceThresholdBps, nil)
	result, err := r.Run(context.Background(), testWindow())
	require.NoError(t, err)
	require.True(t, result.Alert)
	require.Equal(t, int64(200), result.DivergenceBps)
	require.Len(t, result.PerAuthDiffs, 1)
	require.Equal(t, "auth1", result.PerAuthDiffs[0].AuthID)
	require.Equal(t, int64(2_000_000), result.PerAuthDiffs[0].DeltaUSDMicro)
}

func TestReconcileToleratesSmallDivergence(t *testing.T) {
	issuer := memIssuerSource{captures: []IssuerCapture{
		{AuthID: "auth1", AmountUSDMicro: 100_000_000},
	}}
	chain := memChainSource{deltas: []ChainDebit{
		{AuthID: "auth1", AmountUSDMicro: 100_050_000}, // 5 bps, under default threshold
	}}
	r := New(issuer, chain, DefaultDivergenceThresholdBps, nil)
	result, err := r.Run(context.Background(), testWindow())
	require.NoError(t, err)
	require.False(t, result.Alert)
	require.Len(t, result.PerAuthDiffs, 1)
}

func TestReconcileReportsOnChainOnlyAuth(t *testing.T) {
	issuer := memIssuerSource{}
	chain := memChainSource{deltas: []ChainDebit{
		{AuthID: "auth-ghost", AmountUSDMicro: 10_000_000},
	}}
	r := New(issuer, chain, DefaultDivergenceThresholdBps, nil)
	result, err := r.Run(context.Background(), testWindow())
	require.NoError(t, err)
	require.True(t, result.Alert)
	require.Equal(t, int64(10_000), result.DivergenceBps)
	require.Len(t, result.PerAuthDiffs, 1)
	require.Equal(t, "auth-ghost", result.PerAuthDiffs[0].AuthID)
}
