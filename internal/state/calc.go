package state

import (
	"fmt"

	"github.com/holiman/uint256"

	fpmath "yieldledger/internal/math"
)

// calc chains fixed-point steps and keeps the first failure, so a formula
// reads as a straight line and is checked once at the end.
type calc struct {
	err error
}

func (c *calc) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
}

func (c *calc) mulDiv(x, y, d *uint256.Int, mode fpmath.RoundingMode) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	z, err := fpmath.MulDiv(x, y, d, mode)
	if err != nil {
		c.fail(err)
		return new(uint256.Int)
	}
	return z
}

func (c *calc) add(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	z, err := fpmath.Add(x, y)
	if err != nil {
		c.fail(err)
		return new(uint256.Int)
	}
	return z
}

func (c *calc) sub(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	z, err := fpmath.Sub(x, y)
	if err != nil {
		c.fail(err)
		return new(uint256.Int)
	}
	return z
}

func (c *calc) mul(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		c.fail(fpmath.ErrOverflow)
		return new(uint256.Int)
	}
	return z
}
