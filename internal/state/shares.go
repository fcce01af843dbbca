package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
)

// Deposit supplies amount from caller and mints shares at the current
// share price, rounded down.
func (tx *Txn) Deposit(caller common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	var c calc
	shares := tx.Pool.sharesForAssets(&c, amount, fpmath.RoundDown)
	if c.err != nil {
		return fmt.Errorf("deposit: %w", c.err)
	}
	if shares.IsZero() {
		return fmt.Errorf("deposit of %s mints no shares: %w", amount.Dec(), ErrZeroAmount)
	}

	pos := tx.Position(caller)
	pool := tx.Pool
	pool.Cash = c.add(pool.Cash, amount)
	pool.TotalShares = c.add(pool.TotalShares, shares)
	pos.Shares = c.add(pos.Shares, shares)
	if c.err != nil {
		return fmt.Errorf("deposit: %w", c.err)
	}

	tx.Pool = pool
	tx.setPosition(caller, pos)
	tx.pull(caller, amount, ledger.JournalTypeSupply)
	tx.emit(&event.Deposited{Account: caller, Assets: amount.Clone(), Shares: shares})
	return nil
}

// Withdraw redeems amount of underlying for caller, burning shares rounded
// up so remaining suppliers are never diluted.
func (tx *Txn) Withdraw(caller common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	pos := tx.Position(caller)
	var c calc

	balance := tx.Pool.collateralValue(&c, pos)
	if c.err == nil && amount.Gt(balance) {
		return fmt.Errorf("withdraw %s exceeds balance %s: %w", amount.Dec(), balance.Dec(), ErrInsufficientBalance)
	}
	burn := tx.Pool.sharesForAssets(&c, amount, fpmath.RoundUp)
	if c.err != nil {
		return fmt.Errorf("withdraw: %w", c.err)
	}
	if burn.Gt(pos.Shares) {
		return fmt.Errorf("withdraw burns %s shares, holds %s: %w", burn.Dec(), pos.Shares.Dec(), ErrInsufficientBalance)
	}
	if !pos.DebtShares.IsZero() {
		limit := tx.Pool.maxWithdraw(&c, pos)
		if c.err != nil {
			return fmt.Errorf("withdraw: %w", c.err)
		}
		if amount.Gt(limit) {
			return fmt.Errorf("withdraw %s exceeds safe limit %s: %w", amount.Dec(), limit.Dec(), ErrUnsafeHealthFactor)
		}
	}
	if amount.Gt(tx.Pool.Cash) {
		return fmt.Errorf("withdraw %s exceeds idle cash %s: %w", amount.Dec(), tx.Pool.Cash.Dec(), ErrInsufficientLiquidity)
	}

	pool := tx.Pool
	pool.Cash = c.sub(pool.Cash, amount)
	pool.TotalShares = c.sub(pool.TotalShares, burn)
	pos.Shares = c.sub(pos.Shares, burn)
	if c.err != nil {
		return fmt.Errorf("withdraw: %w", c.err)
	}

	tx.Pool = pool
	tx.setPosition(caller, pos)
	tx.push(caller, amount, ledger.JournalTypeWithdrawal)
	tx.emit(&event.Withdrawn{Account: caller, Assets: amount.Clone(), Shares: burn})
	return nil
}
