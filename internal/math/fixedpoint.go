// internal/math/fixedpoint.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// All amounts are 18-decimal fixed point held in 256-bit unsigned integers.
// Functions in this package never mutate their arguments; every result is a
// freshly allocated value, so callers may share pointers freely.

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

// RoundingMode selects the direction of integer division.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor: assets, credits
	RoundUp                       // ceil: liabilities, burns
)

func (m RoundingMode) String() string {
	if m == RoundUp {
		return "up"
	}
	return "down"
}

var (
	// WAD is the 1e18 fixed-point unit.
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
	// BPS is the basis-point denominator.
	BPS = uint256.NewInt(10_000)
	// SecondsPerYear uses a 365.25 day year.
	SecondsPerYear = uint256.NewInt(31_557_600)
	// MaxUint256 is the "infinite" health factor sentinel.
	MaxUint256 = new(uint256.Int).Not(new(uint256.Int))
)

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Amount wraps a uint64 literal.
func Amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Units scales a whole-token count to 18 decimals.
func Units(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), WAD)
}

// MulDiv computes x*y/d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if q.Eq(MaxUint256) {
			return nil, ErrOverflow
		}
		q.AddUint64(q, 1)
	}
	return q, nil
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SatSub returns max(0, x-y).
func SatSub(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return x.Clone()
	}
	return y.Clone()
}

// OrZero treats nil as zero.
func OrZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
