package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
)

// Liquidate lets liquidator repay part of user's debt in exchange for
// collateral plus the liquidation bonus, paid out in underlying. The repay
// is capped by the close factor; seizure is capped by the user's shares.
func (tx *Txn) Liquidate(liquidator, user common.Address, requested *uint256.Int) error {
	if requested.IsZero() {
		return ErrInsufficientRepayAmount
	}
	pool := tx.Pool
	pos := tx.Position(user)
	var c calc

	hf := pool.healthFactor(&c, pos)
	if c.err != nil {
		return fmt.Errorf("liquidate: %w", c.err)
	}
	if !hf.Lt(fpmath.WAD) {
		return fmt.Errorf("health factor %s: %w", hf.Dec(), ErrPositionHealthy)
	}

	debt := pool.debtValue(&c, pos)
	closeCap := c.mulDiv(debt, uint256.NewInt(pool.Risk.CloseFactorBps), fpmath.BPS, fpmath.RoundDown)
	actual := fpmath.Min(fpmath.Min(requested, debt), closeCap)

	bonusBps := uint256.NewInt(10_000 + pool.Risk.LiquidationBonusBps)
	burnFor := func(repay *uint256.Int) *uint256.Int {
		return fpmath.Min(c.mulDiv(repay, fpmath.WAD, pool.BorrowIndex, fpmath.RoundDown), pos.DebtShares)
	}

	burned := burnFor(actual)
	seized := c.mulDiv(actual, bonusBps, fpmath.BPS, fpmath.RoundDown)
	sharesSeized := pool.sharesForAssets(&c, seized, fpmath.RoundUp)
	if c.err == nil && sharesSeized.Gt(pos.Shares) {
		// seize everything and shrink the repay so seized >= repaid holds
		sharesSeized = pos.Shares.Clone()
		seized = pool.assetsForShares(&c, sharesSeized)
		actual = c.mulDiv(seized, fpmath.BPS, bonusBps, fpmath.RoundDown)
		burned = burnFor(actual)
	}
	if c.err != nil {
		return fmt.Errorf("liquidate: %w", c.err)
	}
	if actual.IsZero() || burned.IsZero() || sharesSeized.IsZero() {
		return fmt.Errorf("liquidation repays %s, burns %s debt shares: %w", actual.Dec(), burned.Dec(), ErrInsufficientRepayAmount)
	}

	available := c.add(pool.Cash, actual)
	if c.err == nil && available.Lt(seized) {
		return fmt.Errorf("seize %s exceeds cash %s: %w", seized.Dec(), available.Dec(), ErrInsufficientLiquidity)
	}

	sharePrice := pool.sharePrice(&c)
	next := pool.withDebtShares(&c, c.sub(pool.TotalDebtShares, burned))
	next.TotalShares = c.sub(next.TotalShares, sharesSeized)
	next.Cash = c.sub(available, seized)
	pos.DebtShares = c.sub(pos.DebtShares, burned)
	pos.Shares = c.sub(pos.Shares, sharesSeized)
	if c.err != nil {
		return fmt.Errorf("liquidate: %w", c.err)
	}

	tx.Pool = next
	tx.setPosition(user, pos)
	tx.pull(liquidator, actual, ledger.JournalTypeLiquidationRepay)
	tx.push(liquidator, seized, ledger.JournalTypeLiquidationSeize)
	tx.emit(&event.Liquidated{
		Liquidator:       liquidator,
		User:             user,
		AssetsPaid:       actual,
		DebtSharesBurned: burned,
		CollateralSeized: seized,
		SharesSeized:     sharesSeized,
		BorrowIndexE18:   pool.BorrowIndex.Clone(),
		SharePriceE18:    sharePrice,
	})
	return nil
}
