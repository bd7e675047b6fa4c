package credit

import (
	"math/big"

	"cardcredit/corestate"
	"cardcredit/fixedpoint"
)

// microUSD is the 6-decimal fixed-point scale used for all USD-denominated
// quantities named in the data model.
var microUSD = big.NewInt(1_000_000)

// pow10 returns 10^n as a fresh big.Int.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// mintValueUSDMicro converts a raw collateral amount into micro-USD using a
// ray-scaled whole-token price, normalizing decimals before the USD
// conversion per the "never multiply raw integer amounts by raw prices"
// design rule.
func mintValueUSDMicro(amountRaw, priceRay *big.Int, decimals uint8) (*big.Int, error) {
	if amountRaw == nil || amountRaw.Sign() == 0 {
		return big.NewInt(0), nil
	}
	usdWhole, err := fixedpoint.MulDivRay(amountRaw, priceRay)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivFloor(usdWhole, microUSD, pow10(decimals))
}

// valueUSDMicroToMintRaw is the inverse of mintValueUSDMicro: it converts a
// micro-USD amount into the raw smallest-unit quantity of a mint at the
// given ray-scaled price, used to size a liquidation seizure.
func valueUSDMicroToMintRaw(usdMicro, priceRay *big.Int, decimals uint8) (*big.Int, error) {
	scaled, err := fixedpoint.MulDivFloor(usdMicro, pow10(decimals), microUSD)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivFloor(scaled, fixedpoint.Ray, priceRay)
}

// currentDebtUSDMicro computes debt_principal * global_borrow_index / ray.
func currentDebtUSDMicro(debtPrincipal, globalBorrowIndex *big.Int) (*big.Int, error) {
	return fixedpoint.MulDivRay(debtPrincipal, globalBorrowIndex)
}

// availableCreditUSDMicro computes max(0, collateral*ltv_max_bps/10_000 - debt).
func availableCreditUSDMicro(collateralValueUSDMicro, currentDebtUSDMicroVal *big.Int, ltvMaxBps uint64) (*big.Int, error) {
	allowed, err := fixedpoint.MulBps(collateralValueUSDMicro, ltvMaxBps)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(allowed, currentDebtUSDMicroVal)
	if available.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return available, nil
}

// healthFactorBps computes (collateral*liq_threshold_bps)/debt, or nil
// (treated as infinite) when debt is zero.
func healthFactorBps(collateralValueUSDMicro, currentDebtUSDMicroVal *big.Int, liqThresholdBps uint64) (*big.Int, error) {
	if currentDebtUSDMicroVal == nil || currentDebtUSDMicroVal.Sign() == 0 {
		return nil, nil
	}
	numerator, err := fixedpoint.MulBps(collateralValueUSDMicro, liqThresholdBps)
	if err != nil {
		return nil, err
	}
	bps := new(big.Int).Mul(numerator, big.NewInt(10_000))
	return new(big.Int).Quo(bps, currentDebtUSDMicroVal), nil
}

// positionValuation bundles the derived quantities the engine recomputes on
// every debt- or collateral-touching instruction.
type positionValuation struct {
	CollateralValueUSDMicro *big.Int
	CurrentDebtUSDMicro     *big.Int
	AvailableCreditUSDMicro *big.Int
	HealthFactorBps         *big.Int // nil means infinite (zero debt)

	// EffectiveLTVBps and EffectiveLiqThresholdBps are the value-weighted
	// per-mint overrides actually applied, never wider than the config-level
	// ceilings.
	EffectiveLTVBps          uint64
	EffectiveLiqThresholdBps uint64
}

// valuePosition prices every mint held in the position against the supplied
// price lookup, grounded on the collateral_value_usd_micro summation rule.
func valuePosition(pos *corestate.Position, cfg *corestate.Config, lookup func(mintKey string) (priceRay *big.Int, decimals uint8, liqThresholdBps, ltvMaxBps uint64, err error)) (*positionValuation, error) {
	collateralTotal := big.NewInt(0)
	// Use the config-level thresholds unless a whitelist override narrows
	// them; callers pass the per-mint override already resolved via lookup.
	var weightedLiqThreshold, weightedLTV *big.Int
	weightedLiqThreshold = big.NewInt(0)
	weightedLTV = big.NewInt(0)
	for mintKey, amount := range pos.CollateralByMint {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		priceRay, decimals, liqThresholdBps, ltvMaxBps, err := lookup(mintKey)
		if err != nil {
			return nil, err
		}
		value, err := mintValueUSDMicro(amount, priceRay, decimals)
		if err != nil {
			return nil, err
		}
		collateralTotal.Add(collateralTotal, value)
		weightedLiqThreshold.Add(weightedLiqThreshold, new(big.Int).Mul(value, big.NewInt(int64(liqThresholdBps))))
		weightedLTV.Add(weightedLTV, new(big.Int).Mul(value, big.NewInt(int64(ltvMaxBps))))
	}

	effectiveLiqThreshold := cfg.LiquidationThresholdBps
	effectiveLTV := cfg.LTVMaxBps
	if collateralTotal.Sign() > 0 {
		effectiveLiqThreshold = new(big.Int).Quo(weightedLiqThreshold, collateralTotal).Uint64()
		effectiveLTV = new(big.Int).Quo(weightedLTV, collateralTotal).Uint64()
		// A mint-level override may only narrow the config ceilings.
		if effectiveLiqThreshold > cfg.LiquidationThresholdBps {
			effectiveLiqThreshold = cfg.LiquidationThresholdBps
		}
		if effectiveLTV > cfg.LTVMaxBps {
			effectiveLTV = cfg.LTVMaxBps
		}
	}

	debt, err := currentDebtUSDMicro(pos.DebtPrincipal, cfg.GlobalBorrowIndex)
	if err != nil {
		return nil, err
	}
	available, err := availableCreditUSDMicro(collateralTotal, debt, effectiveLTV)
	if err != nil {
		return nil, err
	}
	hf, err := healthFactorBps(collateralTotal, debt, effectiveLiqThreshold)
	if err != nil {
		return nil, err
	}
	return &positionValuation{
		CollateralValueUSDMicro: collateralTotal,
		CurrentDebtUSDMicro:     debt,
		AvailableCreditUSDMicro: available,
		HealthFactorBps:         hf,
		EffectiveLTVBps:          effectiveLTV,
		EffectiveLiqThresholdBps: effectiveLiqThreshold,
	}, nil
}
