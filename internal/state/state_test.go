package state_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
	"yieldledger/internal/state"
)

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner    = common.HexToAddress("0x000000000000000000000000000000000000000f")
	user     = common.HexToAddress("0x0000000000000000000000000000000000000011")
	keeper   = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

const t0 int64 = 1_000_000

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// underwater builds a pool where user supplies 100 of 1000 shares against
// 100 of debt: health factor 0.5.
func underwater() (state.Pool, *state.PositionManager) {
	p := state.NewPool(poolAddr, owner, t0)
	p.Cash = u(900)
	p.TotalShares = u(1000)
	p.TotalDebtShares = u(100)
	p.TotalDebt = u(100)

	pm := state.NewPositionManager()
	pm.Set(user, state.Position{Shares: u(100), DebtShares: u(100)})
	return p, pm
}

// ============================================================================
// Accrual
// ============================================================================

func TestAccrue_IsPure(t *testing.T) {
	p, _ := underwater()
	p.Rates = fpmath.Flat(fpmath.WAD.Clone())

	next, acc, err := state.Accrue(p, t0+31_557_600)
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", next.BorrowIndex.Dec())
	assert.Equal(t, "200", next.TotalDebt.Dec())
	assert.Equal(t, "100", acc.Interest.Dec())
	assert.Equal(t, "10", acc.ReserveCut.Dec())
	assert.Equal(t, "10", next.ReserveBalance.Dec())

	// the input is untouched
	assert.Equal(t, fpmath.WAD.Dec(), p.BorrowIndex.Dec())
	assert.Equal(t, "100", p.TotalDebt.Dec())
	assert.Equal(t, t0, p.LastAccrual)
}

func TestAccrue_NoDebtOnlyMovesClock(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	next, acc, err := state.Accrue(p, t0+100)
	require.NoError(t, err)
	assert.Equal(t, t0+100, next.LastAccrual)
	assert.True(t, acc.Interest.IsZero())
	assert.Equal(t, fpmath.WAD.Dec(), next.BorrowIndex.Dec())
}

func TestAccrue_BackwardsIsNoop(t *testing.T) {
	p, _ := underwater()
	next, acc, err := state.Accrue(p, t0-5)
	require.NoError(t, err)
	assert.Equal(t, t0, next.LastAccrual)
	assert.Equal(t, int64(0), acc.Elapsed)
}

func TestAccrue_IndexNeverDecreases(t *testing.T) {
	p, _ := underwater()
	prev := p.BorrowIndex
	for i := int64(1); i <= 50; i++ {
		next, _, err := state.Accrue(p, t0+i*3_600)
		require.NoError(t, err)
		assert.False(t, next.BorrowIndex.Lt(prev))
		prev = next.BorrowIndex
		p = next
	}
}

func TestAccrue_SingleRoundingStep(t *testing.T) {
	p, _ := underwater()
	p.BorrowIndex = uint256.MustFromDecimal("1656247381085762037")
	p.Rates = fpmath.Flat(uint256.MustFromDecimal("291028859863088069"))

	next, _, err := state.Accrue(p, t0+168_496_743)
	require.NoError(t, err)
	// floor(index*apr*dt / (secondsPerYear*1e18)); flooring index*apr/1e18
	// first would give ...033 instead.
	assert.Equal(t, "4229893354759091036", next.BorrowIndex.Dec())
}

// ============================================================================
// Shares
// ============================================================================

func TestSharePrice_OverflowIsError(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	p.Cash = new(uint256.Int).Rsh(fpmath.MaxUint256, 1)
	p.TotalShares = u(1)

	_, err := p.SharePriceE18()
	assert.ErrorIs(t, err, state.ErrArithmetic)
	_, err = p.Stats()
	assert.ErrorIs(t, err, state.ErrArithmetic)

	p.TotalShares = u(0)
	price, err := p.SharePriceE18()
	require.NoError(t, err)
	assert.Equal(t, fpmath.WAD.Dec(), price.Dec())
}

func TestDeposit_DustMintsNoShares(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	p.Cash = u(1900)
	p.TotalShares = u(1000)

	tx, err := state.Begin(p, state.NewPositionManager(), t0)
	require.NoError(t, err)
	err = tx.Deposit(user, u(1))
	assert.ErrorIs(t, err, state.ErrZeroAmount)
	assert.Empty(t, tx.Transfers)
}

func TestDeposit_QueuesPullByPool(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	tx, err := state.Begin(p, state.NewPositionManager(), t0)
	require.NoError(t, err)
	require.NoError(t, tx.Deposit(user, u(250)))

	require.Len(t, tx.Transfers, 1)
	tr := tx.Transfers[0]
	assert.Equal(t, ledger.NewUserAccountKey(user), tr.From)
	assert.Equal(t, ledger.NewSystemAccountKey(poolAddr), tr.To)
	require.NotNil(t, tr.Spender)
	assert.Equal(t, poolAddr, *tr.Spender)
	assert.Equal(t, ledger.JournalTypeSupply, tr.Type)

	touched := tx.Touched()
	require.Len(t, touched, 1)
	assert.Equal(t, "250", touched[0].Position.Shares.Dec())
}

func TestWithdraw_BurnsRoundedUp(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	p.Cash = u(1900)
	p.TotalShares = u(1000)
	pm := state.NewPositionManager()
	pm.Set(user, state.Position{Shares: u(1000)})

	tx, err := state.Begin(p, pm, t0)
	require.NoError(t, err)
	require.NoError(t, tx.Withdraw(user, u(100)))

	w := tx.Records[0].(*event.Withdrawn)
	// ceil(100*1000/1900) = 53
	assert.Equal(t, "53", w.Shares.Dec())
	assert.Equal(t, "947", tx.Position(user).Shares.Dec())
}

// ============================================================================
// Health
// ============================================================================

func TestHealthFactor_NoDebtIsMax(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	hf, err := p.HealthFactorE18(state.Position{Shares: u(10)})
	require.NoError(t, err)
	assert.True(t, hf.Eq(fpmath.MaxUint256))

	ok, err := p.Liquidatable(state.ZeroPosition())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthFactor_Underwater(t *testing.T) {
	p, pm := underwater()
	pos := pm.Position(user)

	hf, err := p.HealthFactorE18(pos)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", hf.Dec())

	ok, err := p.Liquidatable(pos)
	require.NoError(t, err)
	assert.True(t, ok)

	mb, err := p.MaxBorrow(pos)
	require.NoError(t, err)
	assert.True(t, mb.IsZero())

	mw, err := p.MaxWithdraw(pos)
	require.NoError(t, err)
	assert.True(t, mw.IsZero())
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidate_SeizesAllSharesWhenShort(t *testing.T) {
	p, pm := underwater()
	p.Risk.CloseFactorBps = 10_000

	tx, err := state.Begin(p, pm, t0)
	require.NoError(t, err)
	require.NoError(t, tx.Liquidate(keeper, user, u(100)))

	liq := tx.Records[0].(*event.Liquidated)
	assert.Equal(t, "100", liq.SharesSeized.Dec())
	assert.Equal(t, "100", liq.CollateralSeized.Dec())
	// repay shrinks to floor(100*10000/10500)
	assert.Equal(t, "95", liq.AssetsPaid.Dec())
	assert.Equal(t, "95", liq.DebtSharesBurned.Dec())

	pos := tx.Position(user)
	assert.True(t, pos.Shares.IsZero())
	assert.Equal(t, "5", pos.DebtShares.Dec())
	assert.Equal(t, "895", tx.Pool.Cash.Dec())
	assert.Equal(t, "900", tx.Pool.TotalShares.Dec())

	require.Len(t, tx.Transfers, 2)
	assert.Equal(t, ledger.JournalTypeLiquidationRepay, tx.Transfers[0].Type)
	assert.Equal(t, ledger.JournalTypeLiquidationSeize, tx.Transfers[1].Type)
}

func TestLiquidate_CloseFactor(t *testing.T) {
	p, pm := underwater()
	tx, err := state.Begin(p, pm, t0)
	require.NoError(t, err)
	require.NoError(t, tx.Liquidate(keeper, user, u(1_000)))

	liq := tx.Records[0].(*event.Liquidated)
	assert.Equal(t, "50", liq.AssetsPaid.Dec())
	assert.Equal(t, "52", liq.CollateralSeized.Dec())
	assert.Equal(t, "52", liq.SharesSeized.Dec())
}

// ============================================================================
// Admin
// ============================================================================

func TestSetRiskParam_Validation(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	tx, err := state.Begin(p, state.NewPositionManager(), t0)
	require.NoError(t, err)

	assert.ErrorIs(t, tx.SetRiskParam(user, state.ParamLtvBps, 6000), state.ErrUnauthorized)
	assert.ErrorIs(t, tx.SetRiskParam(owner, state.ParamCloseFactorBps, 10_001), state.ErrInvalidParameter)
	assert.ErrorIs(t, tx.SetRiskParam(owner, "nope", 1), state.ErrInvalidParameter)
	require.NoError(t, tx.SetRiskParam(owner, state.ParamLiquidationBonusBps, 800))
	assert.Equal(t, uint64(800), tx.Pool.Risk.LiquidationBonusBps)

	rec := tx.Records[0].(*event.ParamsUpdated)
	assert.Equal(t, "800", rec.Value)
}

func TestTransferOwnership_RejectsZero(t *testing.T) {
	p := state.NewPool(poolAddr, owner, t0)
	tx, err := state.Begin(p, state.NewPositionManager(), t0)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.TransferOwnership(owner, common.Address{}), state.ErrInvalidParameter)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "position_healthy", state.ErrorCode(state.ErrPositionHealthy))
	assert.Equal(t, "internal", state.ErrorCode(assert.AnError))
}

// ============================================================================
// Positions
// ============================================================================

func TestPositionManager_DropsFlat(t *testing.T) {
	pm := state.NewPositionManager()
	pm.Set(user, state.Position{Shares: u(1)})
	pm.Set(keeper, state.Position{DebtShares: u(2)})
	assert.Equal(t, 2, pm.Count())

	pm.Apply([]state.PositionEntry{{Address: user, Position: state.ZeroPosition()}})
	assert.Equal(t, 1, pm.Count())
	all := pm.All()
	require.Len(t, all, 1)
	assert.Equal(t, keeper, all[0].Address)
}
