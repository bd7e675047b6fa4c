package corestate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cardcredit/crypto"
)

func addr(seed byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = seed
	}
	return crypto.MustNewAddress(crypto.AccountPrefix, b)
}

func TestConfigRoundTrip(t *testing.T) {
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	in := &Config{
		Admin:                   addr(0x01),
		Paused:                  true,
		LTVMaxBps:               6_000,
		LiquidationThresholdBps: 7_500,
		LiquidationBonusBps:     500,
		InterestRateBps:         500,
		DebtMint:                addr(0x02),
		GlobalBorrowIndex:       new(big.Int).Add(ray, big.NewInt(42)),
		LastUpdateTimestamp:     1_700_000_000,
		ReserveFactorBps:        1_000,
		ProtocolFeeBps:          200,
		DeveloperFeeBps:         100,
		DeveloperFeeCollector:   addr(0x03),
		SocializedLossFlag:      true,
		OracleRefs:              map[string]string{"SOL": "pyth:sol-usd", "USDC": "pyth:usdc-usd"},
		TotalDebtPrincipal:          big.NewInt(12345),
		ProtocolFeeBalanceUSDMicro:  big.NewInt(67),
		DeveloperFeeBalanceUSDMicro: big.NewInt(89),
		ReserveBalanceUSDMicro:      big.NewInt(1011),
	}

	raw, err := EncodeConfig(in)
	require.NoError(t, err)
	out, err := DecodeConfig(raw)
	require.NoError(t, err)

	require.Equal(t, in.Admin.String(), out.Admin.String())
	require.Equal(t, in.DebtMint.String(), out.DebtMint.String())
	require.Equal(t, in.DeveloperFeeCollector.String(), out.DeveloperFeeCollector.String())
	require.True(t, out.Paused)
	require.True(t, out.SocializedLossFlag)
	require.Equal(t, in.LTVMaxBps, out.LTVMaxBps)
	require.Equal(t, in.LiquidationThresholdBps, out.LiquidationThresholdBps)
	require.Equal(t, in.LiquidationBonusBps, out.LiquidationBonusBps)
	require.Equal(t, in.InterestRateBps, out.InterestRateBps)
	require.Equal(t, 0, in.GlobalBorrowIndex.Cmp(out.GlobalBorrowIndex))
	require.Equal(t, in.LastUpdateTimestamp, out.LastUpdateTimestamp)
	require.Equal(t, in.OracleRefs, out.OracleRefs)
	require.Equal(t, 0, in.TotalDebtPrincipal.Cmp(out.TotalDebtPrincipal))
	require.Equal(t, 0, in.ProtocolFeeBalanceUSDMicro.Cmp(out.ProtocolFeeBalanceUSDMicro))
	require.Equal(t, 0, in.DeveloperFeeBalanceUSDMicro.Cmp(out.DeveloperFeeBalanceUSDMicro))
	require.Equal(t, 0, in.ReserveBalanceUSDMicro.Cmp(out.ReserveBalanceUSDMicro))
}

func TestWhitelistRoundTripLPExtras(t *testing.T) {
	in := &Whitelist{
		Mint:                    addr(0x10),
		Category:                CategoryLPVolatile,
		Decimals:                9,
		MaxLTVBps:               4_000,
		LiquidationThresholdBps: 5_000,
		LiquidationBonusBps:     800,
		OracleRef:               "pyth:lp-sol-usdc",
		Enabled:                 true,
		MaxDeposit:              big.NewInt(1_000_000_000),
		MinDepositUSDMicro:      big.NewInt(10_000_000),
		Pool:                    addr(0x11),
		TokenA:                  addr(0x12),
		TokenB:                  addr(0x13),
		ProtocolTag:             "orca",
	}

	raw, err := EncodeWhitelist(in)
	require.NoError(t, err)
	out, err := DecodeWhitelist(raw)
	require.NoError(t, err)

	require.Equal(t, in.Mint.String(), out.Mint.String())
	require.Equal(t, CategoryLPVolatile, out.Category)
	require.Equal(t, in.Decimals, out.Decimals)
	require.Equal(t, in.OracleRef, out.OracleRef)
	require.True(t, out.Enabled)
	require.Equal(t, 0, in.MaxDeposit.Cmp(out.MaxDeposit))
	require.Equal(t, 0, in.MinDepositUSDMicro.Cmp(out.MinDepositUSDMicro))
	require.Equal(t, in.Pool.String(), out.Pool.String())
	require.Equal(t, in.TokenA.String(), out.TokenA.String())
	require.Equal(t, in.TokenB.String(), out.TokenB.String())
	require.Equal(t, "orca", out.ProtocolTag)
}

func TestPositionRoundTrip(t *testing.T) {
	in := NewPosition(addr(0x20))
	in.CollateralByMint[string(addr(0x21).Bytes())] = big.NewInt(5_000_000_000)
	in.CollateralByMint[string(addr(0x22).Bytes())] = big.NewInt(250)
	in.DebtPrincipal = big.NewInt(50_000_000)
	in.BorrowIndexSnapshot = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	in.LastUpdateTimestamp = 1_700_000_123
	in.RecordAuthID("auth-1", 0)
	in.RecordAuthID("auth-2", 0)

	raw, err := EncodePosition(in)
	require.NoError(t, err)
	out, err := DecodePosition(raw)
	require.NoError(t, err)

	require.Equal(t, in.Owner.String(), out.Owner.String())
	require.Len(t, out.CollateralByMint, 2)
	for mint, amount := range in.CollateralByMint {
		got, ok := out.CollateralByMint[mint]
		require.True(t, ok)
		require.Equal(t, 0, amount.Cmp(got))
	}
	require.Equal(t, 0, in.DebtPrincipal.Cmp(out.DebtPrincipal))
	require.Equal(t, 0, in.BorrowIndexSnapshot.Cmp(out.BorrowIndexSnapshot))
	require.Equal(t, in.LastUpdateTimestamp, out.LastUpdateTimestamp)
	require.Equal(t, []string{"auth-1", "auth-2"}, out.RecentAuthIDs)
	require.True(t, out.SeenAuthID("auth-2"))
	require.False(t, out.SeenAuthID("auth-3"))
}

func TestAddressDerivationIsDeterministicAndDistinct(t *testing.T) {
	owner := addr(0x30)
	mint := addr(0x31)

	require.Equal(t, PositionAddress(owner).String(), PositionAddress(owner).String())
	require.Equal(t, WhitelistAddress(mint).String(), WhitelistAddress(mint).String())
	require.Equal(t, ConfigAddress().String(), ConfigAddress().String())
	require.Equal(t, DerivePDA([]byte("cardcredit")).String(), DerivePDA([]byte("cardcredit")).String())

	seen := map[string]struct{}{}
	for _, derived := range []crypto.Address{
		PositionAddress(owner),
		PositionAddress(addr(0x32)),
		WhitelistAddress(mint),
		ConfigAddress(),
		DerivePDA([]byte("cardcredit")),
	} {
		s := derived.String()
		_, dup := seen[s]
		require.False(t, dup, "derived address collision: %s", s)
		seen[s] = struct{}{}
	}
}
