package corestate

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"cardcredit/crypto"
)

// RLP cannot encode maps or the unexported crypto.Address fields directly,
// so each record type has a wire twin built from exported byte slices,
// splitting the logical record type from its on-disk encoding.

type configWire struct {
	Admin                   []byte
	Paused                  bool
	LTVMaxBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	InterestRateBps         uint64
	DebtMint                []byte
	GlobalBorrowIndex       *big.Int
	LastUpdateTimestamp     uint64 // rlp has no signed-integer form
	ReserveFactorBps        uint64
	ProtocolFeeBps          uint64
	DeveloperFeeBps         uint64
	DeveloperFeeCollector   []byte
	SocializedLossFlag      bool
	OracleRefKeys           []string
	OracleRefValues         []string
	TotalDebtPrincipal          *big.Int
	ProtocolFeeBalanceUSDMicro  *big.Int
	DeveloperFeeBalanceUSDMicro *big.Int
	ReserveBalanceUSDMicro      *big.Int
}

// EncodeConfig serializes a Config into its wire representation.
func EncodeConfig(c *Config) ([]byte, error) {
	w := configWire{
		Paused:                  c.Paused,
		LTVMaxBps:               c.LTVMaxBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		LiquidationBonusBps:     c.LiquidationBonusBps,
		InterestRateBps:         c.InterestRateBps,
		GlobalBorrowIndex:       cloneInt(c.GlobalBorrowIndex),
		LastUpdateTimestamp:     uint64(c.LastUpdateTimestamp),
		ReserveFactorBps:        c.ReserveFactorBps,
		ProtocolFeeBps:          c.ProtocolFeeBps,
		DeveloperFeeBps:         c.DeveloperFeeBps,
		SocializedLossFlag:      c.SocializedLossFlag,
		TotalDebtPrincipal:          cloneInt(c.TotalDebtPrincipal),
		ProtocolFeeBalanceUSDMicro:  cloneInt(c.ProtocolFeeBalanceUSDMicro),
		DeveloperFeeBalanceUSDMicro: cloneInt(c.DeveloperFeeBalanceUSDMicro),
		ReserveBalanceUSDMicro:      cloneInt(c.ReserveBalanceUSDMicro),
	}
	if len(c.Admin.Bytes()) > 0 {
		w.Admin = c.Admin.Bytes()
	}
	if len(c.DebtMint.Bytes()) > 0 {
		w.DebtMint = c.DebtMint.Bytes()
	}
	if len(c.DeveloperFeeCollector.Bytes()) > 0 {
		w.DeveloperFeeCollector = c.DeveloperFeeCollector.Bytes()
	}
	keys := make([]string, 0, len(c.OracleRefs))
	for k := range c.OracleRefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.OracleRefKeys = append(w.OracleRefKeys, k)
		w.OracleRefValues = append(w.OracleRefValues, c.OracleRefs[k])
	}
	return rlp.EncodeToBytes(&w)
}

// DecodeConfig deserializes a wire-encoded Config.
func DecodeConfig(data []byte) (*Config, error) {
	var w configWire
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, err
	}
	c := &Config{
		Paused:                  w.Paused,
		LTVMaxBps:               w.LTVMaxBps,
		LiquidationThresholdBps: w.LiquidationThresholdBps,
		LiquidationBonusBps:     w.LiquidationBonusBps,
		InterestRateBps:         w.InterestRateBps,
		GlobalBorrowIndex:       cloneInt(w.GlobalBorrowIndex),
		LastUpdateTimestamp:     int64(w.LastUpdateTimestamp),
		ReserveFactorBps:        w.ReserveFactorBps,
		ProtocolFeeBps:          w.ProtocolFeeBps,
		DeveloperFeeBps:         w.DeveloperFeeBps,
		SocializedLossFlag:      w.SocializedLossFlag,
		OracleRefs:              make(map[string]string, len(w.OracleRefKeys)),
		TotalDebtPrincipal:          cloneInt(w.TotalDebtPrincipal),
		ProtocolFeeBalanceUSDMicro:  cloneInt(w.ProtocolFeeBalanceUSDMicro),
		DeveloperFeeBalanceUSDMicro: cloneInt(w.DeveloperFeeBalanceUSDMicro),
		ReserveBalanceUSDMicro:      cloneInt(w.ReserveBalanceUSDMicro),
	}
	if len(w.Admin) == 20 {
		c.Admin = crypto.MustNewAddress(crypto.AccountPrefix, w.Admin)
	}
	if len(w.DebtMint) == 20 {
		c.DebtMint = crypto.MustNewAddress(crypto.AccountPrefix, w.DebtMint)
	}
	if len(w.DeveloperFeeCollector) == 20 {
		c.DeveloperFeeCollector = crypto.MustNewAddress(crypto.AccountPrefix, w.DeveloperFeeCollector)
	}
	for i, k := range w.OracleRefKeys {
		if i < len(w.OracleRefValues) {
			c.OracleRefs[k] = w.OracleRefValues[i]
		}
	}
	return c, nil
}

type whitelistWire struct {
	Mint                    []byte
	Category                uint8
	Decimals                uint8
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	OracleRef               string
	Enabled                 bool
	MaxDeposit              *big.Int
	MinDepositUSDMicro      *big.Int
	Pool                    []byte
	TokenA                  []byte
	TokenB                  []byte
	ProtocolTag             string
}

func EncodeWhitelist(w *Whitelist) ([]byte, error) {
	wire := whitelistWire{
		Category:                uint8(w.Category),
		Decimals:                w.Decimals,
		MaxLTVBps:               w.MaxLTVBps,
		LiquidationThresholdBps: w.LiquidationThresholdBps,
		LiquidationBonusBps:     w.LiquidationBonusBps,
		OracleRef:               w.OracleRef,
		Enabled:                 w.Enabled,
		MaxDeposit:              cloneInt(w.MaxDeposit),
		MinDepositUSDMicro:      cloneInt(w.MinDepositUSDMicro),
		ProtocolTag:             w.ProtocolTag,
	}
	if len(w.Mint.Bytes()) > 0 {
		wire.Mint = w.Mint.Bytes()
	}
	if len(w.Pool.Bytes()) > 0 {
		wire.Pool = w.Pool.Bytes()
	}
	if len(w.TokenA.Bytes()) > 0 {
		wire.TokenA = w.TokenA.Bytes()
	}
	if len(w.TokenB.Bytes()) > 0 {
		wire.TokenB = w.TokenB.Bytes()
	}
	return rlp.EncodeToBytes(&wire)
}

func DecodeWhitelist(data []byte) (*Whitelist, error) {
	var wire whitelistWire
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, err
	}
	w := &Whitelist{
		Category:                Category(wire.Category),
		Decimals:                wire.Decimals,
		MaxLTVBps:               wire.MaxLTVBps,
		LiquidationThresholdBps: wire.LiquidationThresholdBps,
		LiquidationBonusBps:     wire.LiquidationBonusBps,
		OracleRef:               wire.OracleRef,
		Enabled:                 wire.Enabled,
		MaxDeposit:              cloneInt(wire.MaxDeposit),
		MinDepositUSDMicro:      cloneInt(wire.MinDepositUSDMicro),
		ProtocolTag:             wire.ProtocolTag,
	}
	if len(wire.Mint) == 20 {
		w.Mint = crypto.MustNewAddress(crypto.AccountPrefix, wire.Mint)
	}
	if len(wire.Pool) == 20 {
		w.Pool = crypto.MustNewAddress(crypto.AccountPrefix, wire.Pool)
	}
	if len(wire.TokenA) == 20 {
		w.TokenA = crypto.MustNewAddress(crypto.AccountPrefix, wire.TokenA)
	}
	if len(wire.TokenB) == 20 {
		w.TokenB = crypto.MustNewAddress(crypto.AccountPrefix, wire.TokenB)
	}
	return w, nil
}

type positionWire struct {
	Owner               []byte
	CollateralMints     [][]byte
	CollateralAmounts   []*big.Int
	DebtPrincipal       *big.Int
	BorrowIndexSnapshot *big.Int
	LastUpdateTimestamp uint64
	RecentAuthIDs       []string
}

func EncodePosition(p *Position) ([]byte, error) {
	mints := make([]string, 0, len(p.CollateralByMint))
	for k := range p.CollateralByMint {
		mints = append(mints, k)
	}
	sort.Strings(mints)
	wire := positionWire{
		DebtPrincipal:       cloneInt(p.DebtPrincipal),
		BorrowIndexSnapshot: cloneInt(p.BorrowIndexSnapshot),
		LastUpdateTimestamp: uint64(p.LastUpdateTimestamp),
		RecentAuthIDs:       append([]string(nil), p.RecentAuthIDs...),
	}
	if len(p.Owner.Bytes()) > 0 {
		wire.Owner = p.Owner.Bytes()
	}
	for _, mint := range mints {
		wire.CollateralMints = append(wire.CollateralMints, []byte(mint))
		wire.CollateralAmounts = append(wire.CollateralAmounts, cloneInt(p.CollateralByMint[mint]))
	}
	return rlp.EncodeToBytes(&wire)
}

func DecodePosition(data []byte) (*Position, error) {
	var wire positionWire
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, err
	}
	p := &Position{
		CollateralByMint:    make(map[string]*big.Int, len(wire.CollateralMints)),
		DebtPrincipal:       cloneInt(wire.DebtPrincipal),
		BorrowIndexSnapshot: cloneInt(wire.BorrowIndexSnapshot),
		LastUpdateTimestamp: int64(wire.LastUpdateTimestamp),
		RecentAuthIDs:       append([]string(nil), wire.RecentAuthIDs...),
	}
	if len(wire.Owner) == 20 {
		p.Owner = crypto.MustNewAddress(crypto.AccountPrefix, wire.Owner)
	}
	for i, mint := range wire.CollateralMints {
		if i < len(wire.CollateralAmounts) {
			p.CollateralByMint[string(mint)] = cloneInt(wire.CollateralAmounts[i])
		}
	}
	return p, nil
}
