// Package credit implements the on-chain credit engine: the instructions
// that mutate Config, Whitelist, and Position records for a
// multi-collateral, USD-debt-denominated card-credit line. Every
// instruction either applies fully or leaves state untouched.
package credit

import (
	"context"
	"fmt"
	"math/big"

	"cardcredit/corestate"
	"cardcredit/crypto"
	"cardcredit/fixedpoint"
	nativecommon "cardcredit/native/common"
	"cardcredit/oracle"
)

const moduleName = "credit"

// DefaultCloseFactorBps is the default maximum fraction of debt repayable in
// a single liquidation call; SetCloseFactorBps overrides it.
const DefaultCloseFactorBps = 5_000

// DefaultMaxCollateralMints caps the distinct mints held in one position.
const DefaultMaxCollateralMints = 8

// Engine orchestrates the credit protocol's state transitions. Every public
// method runs inside a single store transaction so a caller never observes
// partially-updated state.
type Engine struct {
	store              *corestate.Store
	prices             *oracle.Gate
	pauses             nativecommon.PauseView
	issuer             crypto.Address
	closeFactorBps     uint64
	maxCollateralMints int
}

func NewEngine(store *corestate.Store, prices *oracle.Gate, issuer crypto.Address) *Engine {
	e := &Engine{
		store:              store,
		prices:             prices,
		issuer:             issuer,
		closeFactorBps:     DefaultCloseFactorBps,
		maxCollateralMints: DefaultMaxCollateralMints,
	}
	// The guard defaults to reading Config.Paused directly; SetPauses
	// overrides this for callers that share a multi-module pause
	// registry.
	e.pauses = &configPauseView{store: store}
	return e
}

// configPauseView adapts Config.Paused to the nativecommon.PauseView
// contract so Pause/Unpause take effect through the same Guard call every
// other instruction already goes through.
type configPauseView struct {
	store *corestate.Store
}

func (v *configPauseView) IsPaused(module string) bool {
	if v == nil || v.store == nil || module != moduleName {
		return false
	}
	cfg, err := v.store.GetConfig()
	if err != nil {
		return false
	}
	return cfg.Paused
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e != nil {
		e.pauses = p
	}
}

func (e *Engine) SetCloseFactorBps(bps uint64) {
	if e != nil && bps > 0 {
		e.closeFactorBps = bps
	}
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return fmt.Errorf("%w: %v", ErrPaused, err)
	}
	return nil
}

// InitConfigParams are the inputs to init_config.
type InitConfigParams struct {
	Admin                   crypto.Address
	LTVMaxBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	InterestRateBps         uint64
	DebtMint                crypto.Address
	OracleRefs              map[string]string
	ReserveFactorBps        uint64
	ProtocolFeeBps          uint64
	DeveloperFeeBps         uint64
	DeveloperFeeCollector   crypto.Address
}

// InitConfig creates the singleton Config with global_borrow_index = 1 ray.
func (e *Engine) InitConfig(params InitConfigParams, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		if _, err := tx.GetConfig(); err == nil {
			return ErrAlreadyInitialized
		}
		cfg := &corestate.Config{
			Admin:                   params.Admin,
			LTVMaxBps:               params.LTVMaxBps,
			LiquidationThresholdBps: params.LiquidationThresholdBps,
			LiquidationBonusBps:     params.LiquidationBonusBps,
			InterestRateBps:         params.InterestRateBps,
			DebtMint:                params.DebtMint,
			GlobalBorrowIndex:       new(big.Int).Set(fixedpoint.Ray),
			LastUpdateTimestamp:     now,
			ReserveFactorBps:        params.ReserveFactorBps,
			ProtocolFeeBps:          params.ProtocolFeeBps,
			DeveloperFeeBps:         params.DeveloperFeeBps,
			DeveloperFeeCollector:   params.DeveloperFeeCollector,
			OracleRefs:              params.OracleRefs,
		}
		if err := cfg.Validate(fixedpoint.Ray); err != nil {
			return ErrInvalidParameters
		}
		return tx.PutConfig(cfg)
	})
}

// WhitelistParams are the inputs to whitelist_token.
type WhitelistParams struct {
	Mint                    crypto.Address
	Category                corestate.Category
	Decimals                uint8
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	OracleRef               string
	Enabled                 bool
	MaxDeposit              *big.Int
	MinDepositUSDMicro      *big.Int
}

// WhitelistToken is admin-only: creates or updates a Whitelist entry.
func (e *Engine) WhitelistToken(caller crypto.Address, params WhitelistParams) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) {
			return ErrUnauthorized
		}
		if params.MaxLTVBps > params.LiquidationThresholdBps || params.LiquidationThresholdBps > 10_000 {
			return ErrInvalidParameters
		}
		w := &corestate.Whitelist{
			Mint:                    params.Mint,
			Category:                params.Category,
			Decimals:                params.Decimals,
			MaxLTVBps:               params.MaxLTVBps,
			LiquidationThresholdBps: params.LiquidationThresholdBps,
			LiquidationBonusBps:     params.LiquidationBonusBps,
			OracleRef:               params.OracleRef,
			Enabled:                 params.Enabled,
			MaxDeposit:              params.MaxDeposit,
			MinDepositUSDMicro:      params.MinDepositUSDMicro,
		}
		return tx.PutWhitelist(w)
	})
}

// SetOracleRef is admin-only: updates or adds a single asset->oracle-ref
// mapping on the singleton Config, per the admin CLI's set-oracle command.
func (e *Engine) SetOracleRef(caller crypto.Address, asset, ref string) error {
	if err := e.guard(); err != nil {
		return err
	}
	if asset == "" || ref == "" {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) {
			return ErrUnauthorized
		}
		if cfg.OracleRefs == nil {
			cfg.OracleRefs = make(map[string]string)
		}
		cfg.OracleRefs[asset] = ref
		return tx.PutConfig(cfg)
	})
}

// RotateAdmin is admin-only: transfers the admin principal to newAdmin.
func (e *Engine) RotateAdmin(caller, newAdmin crypto.Address) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) {
			return ErrUnauthorized
		}
		cfg.Admin = newAdmin
		return tx.PutConfig(cfg)
	})
}

// InitPosition creates a zeroed Position for owner.
func (e *Engine) InitPosition(owner crypto.Address) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		if _, err := tx.GetPosition(owner); err == nil {
			return ErrAlreadyExists
		}
		return tx.PutPosition(corestate.NewPosition(owner))
	})
}

func mintKey(mint crypto.Address) string { return string(mint.Bytes()) }

func sameAddress(a, b crypto.Address) bool {
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) || len(ab) == 0 {
		return false
	}
	return string(ab) == string(bb)
}

// accrue advances cfg.GlobalBorrowIndex in place per the linear-in-time
// compounding rule; a zero Δt is a no-op. It also carves the configured
// reserve/developer fee cut out of the interest accrued system-wide this
// step, using cfg.TotalDebtPrincipal as the scaled-debt base since no
// per-position scan is affordable here.
func accrue(cfg *corestate.Config, now int64) error {
	delta := now - cfg.LastUpdateTimestamp
	if delta <= 0 {
		return nil
	}
	oldIndex := cfg.GlobalBorrowIndex
	newIndex, err := fixedpoint.CompoundIndex(oldIndex, cfg.InterestRateBps, delta)
	if err != nil {
		return err
	}
	if cfg.TotalDebtPrincipal != nil && cfg.TotalDebtPrincipal.Sign() > 0 && newIndex.Cmp(oldIndex) > 0 {
		indexDelta := new(big.Int).Sub(newIndex, oldIndex)
		interestAccruedUSDMicro, err := fixedpoint.MulDivRay(cfg.TotalDebtPrincipal, indexDelta)
		if err != nil {
			return err
		}
		if cfg.ReserveFactorBps > 0 {
			cut, err := fixedpoint.MulBps(interestAccruedUSDMicro, cfg.ReserveFactorBps)
			if err != nil {
				return err
			}
			cfg.ReserveBalanceUSDMicro = new(big.Int).Add(fixedpoint.Clone(cfg.ReserveBalanceUSDMicro), cut)
		}
		if cfg.ProtocolFeeBps > 0 {
			cut, err := fixedpoint.MulBps(interestAccruedUSDMicro, cfg.ProtocolFeeBps)
			if err != nil {
				return err
			}
			cfg.ProtocolFeeBalanceUSDMicro = new(big.Int).Add(fixedpoint.Clone(cfg.ProtocolFeeBalanceUSDMicro), cut)
		}
		if cfg.DeveloperFeeBps > 0 {
			cut, err := fixedpoint.MulBps(interestAccruedUSDMicro, cfg.DeveloperFeeBps)
			if err != nil {
				return err
			}
			cfg.DeveloperFeeBalanceUSDMicro = new(big.Int).Add(fixedpoint.Clone(cfg.DeveloperFeeBalanceUSDMicro), cut)
		}
	}
	cfg.GlobalBorrowIndex = newIndex
	cfg.LastUpdateTimestamp = now
	return nil
}

// AccrueInterest updates global_borrow_index and advances
// last_update_timestamp. Any principal may call it; it is a pure
// accounting step, idempotent within one second-step.
func (e *Engine) AccrueInterest(now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
}

// WithdrawProtocolFees pays out the admin-collected protocol-fee cut of
// accrued interest (the reserve-factor cut is not withdrawable). Admin-only,
// since the protocol fee belongs to the protocol's own treasury rather than
// a third party.
func (e *Engine) WithdrawProtocolFees(caller crypto.Address, amountUSDMicro *big.Int, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amountUSDMicro == nil || amountUSDMicro.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) {
			return ErrUnauthorized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}
		balance := fixedpoint.Clone(cfg.ProtocolFeeBalanceUSDMicro)
		if balance.Cmp(amountUSDMicro) < 0 {
			return ErrInsufficientFunds
		}
		cfg.ProtocolFeeBalanceUSDMicro = new(big.Int).Sub(balance, amountUSDMicro)
		return tx.PutConfig(cfg)
	})
}

// WithdrawDeveloperFees pays out the developer-fee cut of accrued interest
// to cfg.DeveloperFeeCollector. Either the admin or the collector itself may
// call it; the funds still land at the fixed collector address either way.
func (e *Engine) WithdrawDeveloperFees(caller crypto.Address, amountUSDMicro *big.Int, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amountUSDMicro == nil || amountUSDMicro.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) && !sameAddress(caller, cfg.DeveloperFeeCollector) {
			return ErrUnauthorized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}
		balance := fixedpoint.Clone(cfg.DeveloperFeeBalanceUSDMicro)
		if balance.Cmp(amountUSDMicro) < 0 {
			return ErrInsufficientFunds
		}
		cfg.DeveloperFeeBalanceUSDMicro = new(big.Int).Sub(balance, amountUSDMicro)
		return tx.PutConfig(cfg)
	})
}

func (e *Engine) lookupMint(tx corestate.StateTx, cfg *corestate.Config, mint crypto.Address) (*corestate.Whitelist, error) {
	w, err := tx.GetWhitelist(mint)
	if err != nil {
		return nil, ErrNotWhitelisted
	}
	return w, nil
}

func (e *Engine) priceOf(ctx context.Context, ref string, now int64) (*big.Int, error) {
	quote, _, err := e.prices.PriceUSDRay(ctx, ref, now)
	if err != nil {
		return nil, err
	}
	return quote.PriceRay, nil
}

// valuationLookup builds the per-mint pricing callback valuePosition needs,
// resolving each held mint's whitelist entry and oracle price.
func (e *Engine) valuationLookup(ctx context.Context, tx corestate.StateTx, now int64) func(string) (*big.Int, uint8, uint64, uint64, error) {
	return func(key string) (*big.Int, uint8, uint64, uint64, error) {
		mint := crypto.MustNewAddress(crypto.AccountPrefix, []byte(key))
		w, err := tx.GetWhitelist(mint)
		if err != nil {
			return nil, 0, 0, 0, ErrNotWhitelisted
		}
		priceRay, err := e.priceOf(ctx, w.OracleRef, now)
		if err != nil {
			return nil, 0, 0, 0, err
		}
		return priceRay, w.Decimals, w.LiquidationThresholdBps, w.MaxLTVBps, nil
	}
}

// AddCollateral deposits amount of mint into owner's position.
func (e *Engine) AddCollateral(ctx context.Context, owner, mint crypto.Address, amount *big.Int, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		w, err := e.lookupMint(tx, cfg, mint)
		if err != nil {
			return err
		}
		if !w.Enabled {
			return ErrDisabled
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}

		pos, err := tx.GetPosition(owner)
		if err != nil {
			return err
		}
		key := mintKey(mint)
		existing := pos.CollateralByMint[key]
		if existing == nil {
			existing = big.NewInt(0)
			if len(pos.CollateralByMint) >= e.maxCollateralMints {
				return ErrCapExceeded
			}
		}
		updated := new(big.Int).Add(existing, amount)
		if w.MaxDeposit != nil && w.MaxDeposit.Sign() > 0 && updated.Cmp(w.MaxDeposit) > 0 {
			return ErrCapExceeded
		}
		pos.CollateralByMint[key] = updated
		pos.LastUpdateTimestamp = now

		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
}

// WithdrawCollateral releases amount of mint from owner's position, enforcing
// the post-withdrawal health invariant.
func (e *Engine) WithdrawCollateral(ctx context.Context, owner, mint crypto.Address, amount *big.Int, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}

		pos, err := tx.GetPosition(owner)
		if err != nil {
			return err
		}
		key := mintKey(mint)
		held := pos.CollateralByMint[key]
		if held == nil || held.Cmp(amount) < 0 {
			return ErrInsufficientCollateral
		}

		projected := pos.Clone()
		projected.CollateralByMint[key] = new(big.Int).Sub(held, amount)

		valuation, err := valuePosition(projected, cfg, e.valuationLookup(ctx, tx, now))
		if err != nil {
			return err
		}
		allowed, err := fixedpoint.MulBps(valuation.CollateralValueUSDMicro, valuation.EffectiveLTVBps)
		if err != nil {
			return err
		}
		if valuation.CurrentDebtUSDMicro.Cmp(allowed) > 0 {
			return ErrHealthViolation
		}

		pos.CollateralByMint[key] = projected.CollateralByMint[key]
		pos.LastUpdateTimestamp = now
		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
}

// RecordDebt is called by the designated card-issuer principal on capture.
// authID is the webhook authorization/transaction id driving this write;
// when non-empty, the engine checks the position's recent-auth ring first
// and rejects with ErrDuplicateAuthID if this id was already applied.
func (e *Engine) RecordDebt(ctx context.Context, caller, owner crypto.Address, amountUSDMicro *big.Int, authID string, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if !sameAddress(caller, e.issuer) {
		return ErrUnauthorized
	}
	if amountUSDMicro == nil || amountUSDMicro.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}

		pos, err := tx.GetPosition(owner)
		if err != nil {
			return err
		}
		if pos.SeenAuthID(authID) {
			return ErrDuplicateAuthID
		}
		valuation, err := valuePosition(pos, cfg, e.valuationLookup(ctx, tx, now))
		if err != nil {
			return err
		}
		projectedDebt := new(big.Int).Add(valuation.CurrentDebtUSDMicro, amountUSDMicro)
		allowed, err := fixedpoint.MulBps(valuation.CollateralValueUSDMicro, valuation.EffectiveLTVBps)
		if err != nil {
			return err
		}
		if projectedDebt.Cmp(allowed) > 0 {
			return ErrHealthViolation
		}

		// Round the scaled-debt delta up so the protocol never under-accounts
		// debt, per the rounding invariant for debt-increasing operations.
		deltaScaled, err := fixedpoint.DivRay(amountUSDMicro, cfg.GlobalBorrowIndex)
		if err != nil {
			return err
		}
		if new(big.Int).Mul(deltaScaled, cfg.GlobalBorrowIndex).Cmp(new(big.Int).Mul(amountUSDMicro, fixedpoint.Ray)) < 0 {
			deltaScaled.Add(deltaScaled, big.NewInt(1))
		}
		pos.DebtPrincipal = new(big.Int).Add(pos.DebtPrincipal, deltaScaled)
		pos.BorrowIndexSnapshot = new(big.Int).Set(cfg.GlobalBorrowIndex)
		pos.LastUpdateTimestamp = now
		pos.RecordAuthID(authID, e.maxCollateralMints*2)
		cfg.TotalDebtPrincipal = new(big.Int).Add(fixedpoint.Clone(cfg.TotalDebtPrincipal), deltaScaled)

		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
}

// RepayDebt reduces owner's debt_principal by min(debt, amount*ray/index).
// Third parties may repay on an owner's behalf (no owner signature check),
// which the refund path (transaction.updated REFUNDED) depends on. authID
// follows the same at-most-once discipline as RecordDebt when non-empty.
func (e *Engine) RepayDebt(ctx context.Context, owner crypto.Address, amountUSDMicro *big.Int, authID string, now int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amountUSDMicro == nil || amountUSDMicro.Sign() <= 0 {
		return ErrInvalidParameters
	}
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}

		pos, err := tx.GetPosition(owner)
		if err != nil {
			return err
		}
		if pos.SeenAuthID(authID) {
			return ErrDuplicateAuthID
		}
		if pos.DebtPrincipal.Sign() == 0 {
			return ErrNothingToRepay
		}

		// Round the scaled reduction down so the protocol never removes more
		// debt than was actually repaid.
		scaledRepay, err := fixedpoint.DivRay(amountUSDMicro, cfg.GlobalBorrowIndex)
		if err != nil {
			return err
		}
		if scaledRepay.Cmp(pos.DebtPrincipal) > 0 {
			scaledRepay = new(big.Int).Set(pos.DebtPrincipal)
		}
		pos.DebtPrincipal = new(big.Int).Sub(pos.DebtPrincipal, scaledRepay)
		pos.BorrowIndexSnapshot = new(big.Int).Set(cfg.GlobalBorrowIndex)
		pos.LastUpdateTimestamp = now
		pos.RecordAuthID(authID, e.maxCollateralMints*2)
		cfg.TotalDebtPrincipal = subClampZero(fixedpoint.Clone(cfg.TotalDebtPrincipal), scaledRepay)

		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
}

// subClampZero returns max(0, a-b), used to keep cfg.TotalDebtPrincipal from
// going negative if it ever drifts from the true per-position sum.
func subClampZero(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// Liquidate repays up to the close factor of owner's debt in exchange for a
// bonus-adjusted seizure of seizeMint, capped at the position's holding.
func (e *Engine) Liquidate(ctx context.Context, liquidator, owner, seizeMint crypto.Address, repayAmountUSDMicro *big.Int, now int64) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if repayAmountUSDMicro == nil || repayAmountUSDMicro.Sign() <= 0 {
		return nil, ErrInvalidParameters
	}
	var seized *big.Int
	err := e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if err := accrue(cfg, now); err != nil {
			return err
		}

		pos, err := tx.GetPosition(owner)
		if err != nil {
			return err
		}
		valuation, err := valuePosition(pos, cfg, e.valuationLookup(ctx, tx, now))
		if err != nil {
			return err
		}
		if valuation.HealthFactorBps != nil && valuation.HealthFactorBps.Cmp(big.NewInt(10_000)) >= 0 {
			return ErrNotLiquidatable
		}
		if valuation.HealthFactorBps == nil {
			return ErrNotLiquidatable
		}

		maxRepay, err := fixedpoint.MulBps(valuation.CurrentDebtUSDMicro, e.closeFactorBps)
		if err != nil {
			return err
		}
		if repayAmountUSDMicro.Cmp(maxRepay) > 0 {
			return ErrCloseFactorExceeded
		}

		w, err := tx.GetWhitelist(seizeMint)
		if err != nil {
			return ErrNotWhitelisted
		}
		priceRay, err := e.priceOf(ctx, w.OracleRef, now)
		if err != nil {
			return err
		}

		bonusUSDMicro, err := fixedpoint.MulBps(repayAmountUSDMicro, 10_000+w.LiquidationBonusBps)
		if err != nil {
			return err
		}
		seizeRaw, err := valueUSDMicroToMintRaw(bonusUSDMicro, priceRay, w.Decimals)
		if err != nil {
			return err
		}
		key := mintKey(seizeMint)
		held := pos.CollateralByMint[key]
		if held == nil {
			return ErrInsufficientCollateralOfMint
		}
		if seizeRaw.Cmp(held) > 0 {
			seizeRaw = new(big.Int).Set(held)
		}

		scaledRepay, err := fixedpoint.DivRay(repayAmountUSDMicro, cfg.GlobalBorrowIndex)
		if err != nil {
			return err
		}
		if scaledRepay.Cmp(pos.DebtPrincipal) > 0 {
			scaledRepay = new(big.Int).Set(pos.DebtPrincipal)
		}
		pos.DebtPrincipal = new(big.Int).Sub(pos.DebtPrincipal, scaledRepay)
		pos.CollateralByMint[key] = new(big.Int).Sub(held, seizeRaw)
		pos.BorrowIndexSnapshot = new(big.Int).Set(cfg.GlobalBorrowIndex)
		pos.LastUpdateTimestamp = now
		cfg.TotalDebtPrincipal = subClampZero(fixedpoint.Clone(cfg.TotalDebtPrincipal), scaledRepay)

		// Debt the remaining collateral cannot cover is written off against
		// the protocol reserve; the socialized-loss flag is raised only once
		// the reserve is exhausted.
		postVal, err := valuePosition(pos, cfg, e.valuationLookup(ctx, tx, now))
		if err != nil {
			return err
		}
		if postVal.CollateralValueUSDMicro.Cmp(postVal.CurrentDebtUSDMicro) < 0 {
			shortfall := new(big.Int).Sub(postVal.CurrentDebtUSDMicro, postVal.CollateralValueUSDMicro)
			reserve := fixedpoint.Clone(cfg.ReserveBalanceUSDMicro)
			cover := shortfall
			if reserve.Cmp(cover) < 0 {
				cover = reserve
				cfg.SocializedLossFlag = true
			}
			if cover.Sign() > 0 {
				scaledCover, err := fixedpoint.DivRay(cover, cfg.GlobalBorrowIndex)
				if err != nil {
					return err
				}
				if scaledCover.Cmp(pos.DebtPrincipal) > 0 {
					scaledCover = new(big.Int).Set(pos.DebtPrincipal)
				}
				pos.DebtPrincipal = new(big.Int).Sub(pos.DebtPrincipal, scaledCover)
				cfg.TotalDebtPrincipal = subClampZero(fixedpoint.Clone(cfg.TotalDebtPrincipal), scaledCover)
				cfg.ReserveBalanceUSDMicro = new(big.Int).Sub(reserve, cover)
			}
		}

		seized = seizeRaw
		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.PutConfig(cfg)
	})
	if err != nil {
		return nil, err
	}
	return seized, nil
}

// Pause and Unpause are admin-only circuit-breaker toggles.
func (e *Engine) Pause(caller crypto.Address) error   { return e.setPaused(caller, true) }
func (e *Engine) Unpause(caller crypto.Address) error { return e.setPaused(caller, false) }

func (e *Engine) setPaused(caller crypto.Address, paused bool) error {
	return e.store.WithTx(func(tx corestate.StateTx) error {
		cfg, err := tx.GetConfig()
		if err != nil {
			return ErrNotInitialized
		}
		if !sameAddress(caller, cfg.Admin) {
			return ErrUnauthorized
		}
		cfg.Paused = paused
		return tx.PutConfig(cfg)
	})
}
