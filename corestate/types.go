// Package corestate defines the on-chain record kinds for the credit
// protocol (Config, Whitelist, Position, VaultAuthority) with
// deterministic Keccak256-derived addressing and RLP encoding.
package corestate

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"cardcredit/crypto"
)

// Category classifies a whitelisted collateral mint.
type Category uint8

const (
	CategoryNative Category = iota
	CategoryLiquidStaking
	CategoryStable
	CategoryBlueChip
	CategoryMemecoin
	CategoryLPStable
	CategoryLPVolatile
	CategoryOther
)

var (
	ErrInvalidParameters = errors.New("corestate: invalid parameters")
)

// Config is the protocol singleton record.
type Config struct {
	Admin                   crypto.Address
	Paused                  bool
	LTVMaxBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	InterestRateBps         uint64
	DebtMint                crypto.Address
	GlobalBorrowIndex       *big.Int
	LastUpdateTimestamp     int64
	ReserveFactorBps        uint64
	ProtocolFeeBps          uint64
	DeveloperFeeBps         uint64
	DeveloperFeeCollector   crypto.Address
	SocializedLossFlag      bool
	OracleRefs              map[string]string

	// TotalDebtPrincipal mirrors the sum of every position's DebtPrincipal,
	// maintained incrementally by the engine on RecordDebt/RepayDebt/
	// Liquidate so accrual can derive system-wide interest in one step
	// without scanning every Position.
	TotalDebtPrincipal *big.Int
	// ProtocolFeeBalanceUSDMicro / DeveloperFeeBalanceUSDMicro accumulate
	// each accrual step's fee cut of interest, in debt-mint USD-micro
	// units, until withdrawn by WithdrawProtocolFees /
	// WithdrawDeveloperFees. ReserveBalanceUSDMicro accumulates the
	// ReserveFactorBps cut and is not withdrawable: it is the loss buffer
	// liquidation draws down before raising SocializedLossFlag.
	ProtocolFeeBalanceUSDMicro  *big.Int
	DeveloperFeeBalanceUSDMicro *big.Int
	ReserveBalanceUSDMicro      *big.Int
}

// Validate checks the invariants named for Config: ltv_max_bps <=
// liquidation_threshold_bps <= 10_000, global_borrow_index >= 1 ray.
func (c *Config) Validate(ray *big.Int) error {
	if c == nil {
		return ErrInvalidParameters
	}
	if c.LTVMaxBps > c.LiquidationThresholdBps || c.LiquidationThresholdBps > 10_000 {
		return ErrInvalidParameters
	}
	if c.GlobalBorrowIndex == nil || c.GlobalBorrowIndex.Cmp(ray) < 0 {
		return ErrInvalidParameters
	}
	if c.ReserveFactorBps+c.ProtocolFeeBps+c.DeveloperFeeBps > 10_000 {
		return ErrInvalidParameters
	}
	return nil
}

// Clone returns a deep copy so callers never share *big.Int backing arrays.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.GlobalBorrowIndex = cloneInt(c.GlobalBorrowIndex)
	clone.TotalDebtPrincipal = cloneInt(c.TotalDebtPrincipal)
	clone.ProtocolFeeBalanceUSDMicro = cloneInt(c.ProtocolFeeBalanceUSDMicro)
	clone.DeveloperFeeBalanceUSDMicro = cloneInt(c.DeveloperFeeBalanceUSDMicro)
	clone.ReserveBalanceUSDMicro = cloneInt(c.ReserveBalanceUSDMicro)
	if c.OracleRefs != nil {
		clone.OracleRefs = make(map[string]string, len(c.OracleRefs))
		for k, v := range c.OracleRefs {
			clone.OracleRefs[k] = v
		}
	}
	return &clone
}

// Whitelist describes the risk parameters and caps for a single mint.
type Whitelist struct {
	Mint                    crypto.Address
	Category                Category
	Decimals                uint8
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	OracleRef               string
	Enabled                 bool
	MaxDeposit              *big.Int
	MinDepositUSDMicro      *big.Int
	// LP extras, populated only when Category is one of the lp_* variants.
	Pool         crypto.Address
	TokenA       crypto.Address
	TokenB       crypto.Address
	ProtocolTag  string
}

func (w *Whitelist) Clone() *Whitelist {
	if w == nil {
		return nil
	}
	clone := *w
	clone.MaxDeposit = cloneInt(w.MaxDeposit)
	clone.MinDepositUSDMicro = cloneInt(w.MinDepositUSDMicro)
	return &clone
}

// Position is the per-owner credit record. CollateralByMint is capped at
// K entries by the engine, not by this type.
type Position struct {
	Owner                crypto.Address
	CollateralByMint      map[string]*big.Int
	DebtPrincipal         *big.Int
	BorrowIndexSnapshot   *big.Int
	LastUpdateTimestamp   int64
	RecentAuthIDs         []string
}

func NewPosition(owner crypto.Address) *Position {
	return &Position{
		Owner:               owner,
		CollateralByMint:    make(map[string]*big.Int),
		DebtPrincipal:       big.NewInt(0),
		BorrowIndexSnapshot: big.NewInt(0),
	}
}

// DefaultAuthIDRingSize bounds the per-position ring of recently-applied
// auth_ids the engine consults to enforce at-most-once debt mutation for a
// given webhook auth_id.
const DefaultAuthIDRingSize = 16

// SeenAuthID reports whether authID is already recorded in this position's
// recent-auth ring, meaning a prior debt mutation already applied it.
func (p *Position) SeenAuthID(authID string) bool {
	if p == nil || authID == "" {
		return false
	}
	for _, id := range p.RecentAuthIDs {
		if id == authID {
			return true
		}
	}
	return false
}

// RecordAuthID appends authID to the ring, evicting the oldest entry once
// the ring exceeds ringSize (DefaultAuthIDRingSize when ringSize <= 0).
func (p *Position) RecordAuthID(authID string, ringSize int) {
	if p == nil || authID == "" {
		return
	}
	if ringSize <= 0 {
		ringSize = DefaultAuthIDRingSize
	}
	p.RecentAuthIDs = append(p.RecentAuthIDs, authID)
	if len(p.RecentAuthIDs) > ringSize {
		p.RecentAuthIDs = p.RecentAuthIDs[len(p.RecentAuthIDs)-ringSize:]
	}
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.DebtPrincipal = cloneInt(p.DebtPrincipal)
	clone.BorrowIndexSnapshot = cloneInt(p.BorrowIndexSnapshot)
	clone.CollateralByMint = make(map[string]*big.Int, len(p.CollateralByMint))
	for k, v := range p.CollateralByMint {
		clone.CollateralByMint[k] = cloneInt(v)
	}
	clone.RecentAuthIDs = append([]string(nil), p.RecentAuthIDs...)
	return &clone
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Fixed seed byte tags for address derivation: tagVaultAuthority for the
// program-owned collateral signer, and one short type tag per stored record
// kind.
const (
	tagVaultAuthority = "vault-authority"
	tagPosition       = "position"
	tagWhitelist      = "whitelist"
	tagConfig         = "config"
)

// DerivePDA derives the vault authority address: a data-less,
// program-derived signer that custodies deposited collateral.
func DerivePDA(programSeed []byte) crypto.Address {
	sum := ethcrypto.Keccak256(append([]byte(tagVaultAuthority), programSeed...))
	return crypto.MustNewAddress(crypto.ProgramPrefix, sum[12:])
}

// PositionAddress derives the deterministic address of an owner's
// Position record: Keccak256("position" || owner.Bytes()).
func PositionAddress(owner crypto.Address) crypto.Address {
	sum := ethcrypto.Keccak256(append([]byte(tagPosition), owner.Bytes()...))
	return crypto.MustNewAddress(crypto.ProgramPrefix, sum[12:])
}

// WhitelistAddress derives the deterministic address of a mint's
// Whitelist record: Keccak256("whitelist" || mint.Bytes()).
func WhitelistAddress(mint crypto.Address) crypto.Address {
	sum := ethcrypto.Keccak256(append([]byte(tagWhitelist), mint.Bytes()...))
	return crypto.MustNewAddress(crypto.ProgramPrefix, sum[12:])
}

// ConfigAddress derives the singleton Config record's address.
func ConfigAddress() crypto.Address {
	sum := ethcrypto.Keccak256([]byte(tagConfig))
	return crypto.MustNewAddress(crypto.ProgramPrefix, sum[12:])
}
