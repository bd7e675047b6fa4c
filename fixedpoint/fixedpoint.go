// Package fixedpoint implements the ray (10^27) and basis-point (10^4)
// arithmetic used throughout the credit engine. All intermediates are
// checked against 256-bit unsigned range and overflow is a hard fault.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when an intermediate product or sum cannot be
// represented in 256-bit unsigned arithmetic. The caller must abort the
// instruction with no state change.
var ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

// ErrDivideByZero guards the ray/bps division helpers.
var ErrDivideByZero = errors.New("fixedpoint: division by zero")

// Ray is 1e27, the fixed-point scale used for indexes and prices.
var Ray = mustBigInt("1000000000000000000000000000")

// BPS is 10_000, the basis-point scale.
var BPS = big.NewInt(10_000)

// SecondsPerYear is the denominator used when annualising bps interest rates.
const SecondsPerYear = 31_536_000

func mustBigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("fixedpoint: invalid constant " + s)
	}
	return v
}

// checked256 verifies that v fits in an unsigned 256-bit integer, returning
// ErrOverflow otherwise. It never mutates v.
func checked256(v *big.Int) error {
	if v.Sign() < 0 {
		return ErrOverflow
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrOverflow
	}
	return nil
}

// MulDivRay computes a*b/Ray rounding towards zero, faulting on overflow of
// the intermediate product.
func MulDivRay(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, errors.New("fixedpoint: nil operand")
	}
	product := new(big.Int).Mul(a, b)
	if err := checked256(product); err != nil {
		return nil, err
	}
	return new(big.Int).Quo(product, Ray), nil
}

// DivRay computes a*Ray/b rounding towards zero.
func DivRay(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, errors.New("fixedpoint: nil operand")
	}
	if b.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	numerator := new(big.Int).Mul(a, Ray)
	if err := checked256(numerator); err != nil {
		return nil, err
	}
	return new(big.Int).Quo(numerator, b), nil
}

// DivRayHalfUp computes a*Ray/b with half-up rounding.
func DivRayHalfUp(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, errors.New("fixedpoint: nil operand")
	}
	if b.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	numerator := new(big.Int).Mul(a, Ray)
	if err := checked256(numerator); err != nil {
		return nil, err
	}
	numerator.Add(numerator, halfUp(b))
	return new(big.Int).Quo(numerator, b), nil
}

// MulBps computes amount*bps/10_000 rounding towards zero. Used for LTV,
// liquidation threshold, and liquidation bonus conversions.
func MulBps(amount *big.Int, bps uint64) (*big.Int, error) {
	if amount == nil {
		return nil, errors.New("fixedpoint: nil operand")
	}
	product := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	if err := checked256(product); err != nil {
		return nil, err
	}
	return new(big.Int).Quo(product, BPS), nil
}

// halfUp returns ceil(x/2) for positive x.
func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

// CompoundIndex advances a ray-precision index by one linear-in-time accrual
// step: new_index = old_index + old_index*rate_per_second*delta/ray, where
// rate_per_second = rate_bps*ray/(10_000*SecondsPerYear). Delta is in
// seconds. A zero delta or a zero rate is a no-op and returns oldIndex
// unchanged (by value).
func CompoundIndex(oldIndex *big.Int, rateBps uint64, deltaSeconds int64) (*big.Int, error) {
	if oldIndex == nil {
		return nil, errors.New("fixedpoint: nil index")
	}
	if deltaSeconds <= 0 || rateBps == 0 {
		return new(big.Int).Set(oldIndex), nil
	}
	ratePerSecondDenominator := new(big.Int).Mul(BPS, big.NewInt(SecondsPerYear))
	// ratePerSecond = rateBps * Ray / (10_000 * SecondsPerYear)
	numerator := new(big.Int).Mul(new(big.Int).SetUint64(rateBps), Ray)
	if err := checked256(numerator); err != nil {
		return nil, err
	}
	ratePerSecond := new(big.Int).Quo(numerator, ratePerSecondDenominator)

	// delta index = oldIndex * ratePerSecond * delta / Ray / Ray
	step := new(big.Int).Mul(ratePerSecond, big.NewInt(deltaSeconds))
	step, err := MulDivRay(oldIndex, step)
	if err != nil {
		return nil, err
	}
	newIndex := new(big.Int).Add(oldIndex, step)
	if err := checked256(newIndex); err != nil {
		return nil, err
	}
	return newIndex, nil
}

// MulDivFloor computes a*b/c rounding towards zero, for an arbitrary
// denominator (e.g. a power of ten from a mint's decimals), faulting on
// overflow of the intermediate product. Used when converting collateral
// amounts through oracle prices into micro-USD.
func MulDivFloor(a, b, c *big.Int) (*big.Int, error) {
	if a == nil || b == nil || c == nil {
		return nil, errors.New("fixedpoint: nil operand")
	}
	if c.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	product := new(big.Int).Mul(a, b)
	if err := checked256(product); err != nil {
		return nil, err
	}
	return new(big.Int).Quo(product, c), nil
}

// Clone returns a defensive copy, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

