package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
)

// Borrow lends amount to caller against its supplied collateral. Debt
// shares are minted rounded up.
func (tx *Txn) Borrow(caller common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	pos := tx.Position(caller)
	var c calc

	limit := tx.Pool.maxBorrow(&c, pos)
	if c.err != nil {
		return fmt.Errorf("borrow: %w", c.err)
	}
	if amount.Gt(limit) {
		return fmt.Errorf("borrow %s exceeds limit %s: %w", amount.Dec(), limit.Dec(), ErrExceedsBorrowLimit)
	}
	if amount.Gt(tx.Pool.Cash) {
		return fmt.Errorf("borrow %s exceeds idle cash %s: %w", amount.Dec(), tx.Pool.Cash.Dec(), ErrInsufficientLiquidity)
	}

	debtShares := c.mulDiv(amount, fpmath.WAD, tx.Pool.BorrowIndex, fpmath.RoundUp)
	pool := tx.Pool.withDebtShares(&c, c.add(tx.Pool.TotalDebtShares, debtShares))
	pool.Cash = c.sub(pool.Cash, amount)
	pos.DebtShares = c.add(pos.DebtShares, debtShares)
	if c.err != nil {
		return fmt.Errorf("borrow: %w", c.err)
	}

	tx.Pool = pool
	tx.setPosition(caller, pos)
	tx.push(caller, amount, ledger.JournalTypeBorrow)
	tx.emit(&event.Borrowed{Account: caller, Assets: amount.Clone(), DebtShares: debtShares})
	return nil
}

// Repay pays down caller's debt. The amount is capped at the current debt;
// shares burned round down unless the debt is cleared in full.
func (tx *Txn) Repay(caller common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	pos := tx.Position(caller)
	if pos.DebtShares.IsZero() {
		return fmt.Errorf("repay: no debt: %w", ErrInsufficientBalance)
	}
	var c calc
	debt := tx.Pool.debtValue(&c, pos)
	if c.err != nil {
		return fmt.Errorf("repay: %w", c.err)
	}

	pay := fpmath.Min(amount, debt)
	burn := pos.DebtShares.Clone()
	if pay.Lt(debt) {
		burn = fpmath.Min(c.mulDiv(pay, fpmath.WAD, tx.Pool.BorrowIndex, fpmath.RoundDown), pos.DebtShares)
		if c.err != nil {
			return fmt.Errorf("repay: %w", c.err)
		}
		if burn.IsZero() {
			return fmt.Errorf("repay of %s burns no debt shares: %w", pay.Dec(), ErrZeroAmount)
		}
	}
	return tx.settleRepay(caller, pos, pay, burn)
}

// RepayAll clears caller's debt exactly, paying ceil(debtShares*index/1e18).
func (tx *Txn) RepayAll(caller common.Address) error {
	pos := tx.Position(caller)
	if pos.DebtShares.IsZero() {
		return fmt.Errorf("repay all: no debt: %w", ErrInsufficientBalance)
	}
	var c calc
	pay := tx.Pool.debtValue(&c, pos)
	if c.err != nil {
		return fmt.Errorf("repay all: %w", c.err)
	}
	return tx.settleRepay(caller, pos, pay, pos.DebtShares.Clone())
}

func (tx *Txn) settleRepay(caller common.Address, pos Position, pay, burn *uint256.Int) error {
	var c calc
	pool := tx.Pool.withDebtShares(&c, c.sub(tx.Pool.TotalDebtShares, burn))
	pool.Cash = c.add(pool.Cash, pay)
	pos.DebtShares = c.sub(pos.DebtShares, burn)
	if c.err != nil {
		return fmt.Errorf("repay: %w", c.err)
	}

	tx.Pool = pool
	tx.setPosition(caller, pos)
	tx.pull(caller, pay, ledger.JournalTypeRepay)
	tx.emit(&event.Repaid{Account: caller, Assets: pay, DebtShares: burn})
	return nil
}
