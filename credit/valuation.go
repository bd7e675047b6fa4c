package credit

import (
	"context"
	"math/big"

	"cardcredit/corestate"
	"cardcredit/crypto"
	"cardcredit/oracle"
)

// Valuation is the exported form of the derived quantities the engine
// recomputes on every debt- or collateral-touching instruction. The
// indexer and decision core reuse this single valuation path rather than
// re-deriving collateral_value_usd_micro/health_factor_bps themselves, per
// the "one typed schema ... all readers go through it" design note.
type Valuation = positionValuation

// PriceLookup resolves a position's stored mint key to the inputs
// valuePosition needs: the oracle price, the mint's decimals, and its
// whitelist-overridden liquidation threshold / max LTV.
type PriceLookup = func(mintKey string) (priceRay *big.Int, decimals uint8, liqThresholdBps, ltvMaxBps uint64, err error)

// ValuePosition is the exported entry point to the engine's internal
// valuation math, used by packages outside credit (indexer, decision) that
// must compute the same derived fields read-only, without duplicating the
// summation/rounding rules.
func ValuePosition(pos *corestate.Position, cfg *corestate.Config, lookup PriceLookup) (*Valuation, error) {
	return valuePosition(pos, cfg, lookup)
}

// StoreLookup builds a PriceLookup against a read-only *corestate.Store
// (rather than an in-flight StateTx), for callers such as the indexer that
// run outside an engine instruction.
func StoreLookup(ctx context.Context, store *corestate.Store, prices *oracle.Gate, now int64) PriceLookup {
	return func(key string) (*big.Int, uint8, uint64, uint64, error) {
		mint := crypto.MustNewAddress(crypto.AccountPrefix, []byte(key))
		w, err := store.GetWhitelist(mint)
		if err != nil {
			return nil, 0, 0, 0, ErrNotWhitelisted
		}
		quote, _, err := prices.PriceUSDRay(ctx, w.OracleRef, now)
		if err != nil {
			return nil, 0, 0, 0, err
		}
		return quote.PriceRay, w.Decimals, w.LiquidationThresholdBps, w.MaxLTVBps, nil
	}
}
