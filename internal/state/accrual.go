package state

import (
	"fmt"

	"github.com/holiman/uint256"

	fpmath "yieldledger/internal/math"
)

var yearE18 = new(uint256.Int).Mul(fpmath.SecondsPerYear, fpmath.WAD)

// Accrual describes what a single Accrue step did.
type Accrual struct {
	Interest     *uint256.Int
	ReserveCut   *uint256.Int
	BorrowAprE18 *uint256.Int
	Elapsed      int64
}

// Accrue advances the borrow index from LastAccrual to now. It is pure: the
// returned pool is a modified copy. The APR is taken at the utilization
// before this step. Timestamps at or before LastAccrual leave the index
// alone; LastAccrual still moves to now when there is no debt.
func Accrue(p Pool, now int64) (Pool, Accrual, error) {
	orig := p
	acc := Accrual{Interest: new(uint256.Int), ReserveCut: new(uint256.Int), BorrowAprE18: new(uint256.Int)}
	dt := now - p.LastAccrual
	if dt <= 0 {
		return p, acc, nil
	}
	acc.Elapsed = dt
	if p.TotalDebtShares.IsZero() {
		p.LastAccrual = now
		return p, acc, nil
	}

	apr, err := p.Rates.BorrowApr(p.Utilization())
	if err != nil {
		return orig, acc, fmt.Errorf("%w: borrow apr: %v", ErrArithmetic, err)
	}
	acc.BorrowAprE18 = apr

	var c calc
	// index += index*apr*dt/secondsPerYear/1e18, floored once
	aprTime := c.mul(apr, uint256.NewInt(uint64(dt)))
	growth := c.mulDiv(p.BorrowIndex, aprTime, yearE18, fpmath.RoundDown)
	before := p.TotalDebt
	p.BorrowIndex = c.add(p.BorrowIndex, growth)
	p = p.withDebtShares(&c, p.TotalDebtShares)
	interest := fpmath.SatSub(p.TotalDebt, before)
	reserveCut := c.mulDiv(interest, uint256.NewInt(p.Risk.ReserveFactorBps), fpmath.BPS, fpmath.RoundDown)
	p.ReserveBalance = c.add(p.ReserveBalance, reserveCut)
	if c.err != nil {
		return orig, acc, fmt.Errorf("accrue: %w", c.err)
	}

	p.LastAccrual = now
	acc.Interest = interest
	acc.ReserveCut = reserveCut
	return p, acc, nil
}
