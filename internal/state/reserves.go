package state

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
	fpmath "yieldledger/internal/math"
)

// AvailableReserves is the part of the reserve claim backed by idle cash.
func (p Pool) AvailableReserves() *uint256.Int {
	return fpmath.Min(p.ReserveBalance, p.Cash)
}

// WithdrawReserves pays amount of protocol reserves to `to`. Owner only.
func (tx *Txn) WithdrawReserves(caller, to common.Address, amount *uint256.Int) error {
	if err := tx.requireOwner(caller); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.Gt(tx.Pool.ReserveBalance) {
		return fmt.Errorf("withdraw %s exceeds reserves %s: %w", amount.Dec(), tx.Pool.ReserveBalance.Dec(), ErrInsufficientBalance)
	}
	if amount.Gt(tx.Pool.AvailableReserves()) {
		return fmt.Errorf("withdraw %s exceeds available reserves %s: %w", amount.Dec(), tx.Pool.AvailableReserves().Dec(), ErrInsufficientLiquidity)
	}

	var c calc
	pool := tx.Pool
	pool.ReserveBalance = c.sub(pool.ReserveBalance, amount)
	pool.Cash = c.sub(pool.Cash, amount)
	if c.err != nil {
		return fmt.Errorf("withdraw reserves: %w", c.err)
	}

	tx.Pool = pool
	tx.push(to, amount, ledger.JournalTypeReserveWithdrawal)
	tx.emit(&event.ReservesWithdrawn{To: to, Amount: amount.Clone()})
	return nil
}

// Risk parameter names used in ParamsUpdated records.
const (
	ParamLtvBps              = "ltv_bps"
	ParamCloseFactorBps      = "close_factor_bps"
	ParamLiquidationBonusBps = "liquidation_bonus_bps"
	ParamReserveFactorBps    = "reserve_factor_bps"
	ParamRateModel           = "rate_model"
)

// SetRiskParam updates one basis-point parameter. Interest up to now has
// already accrued under the old setting. Owner only.
func (tx *Txn) SetRiskParam(caller common.Address, param string, value uint64) error {
	if err := tx.requireOwner(caller); err != nil {
		return err
	}
	risk := tx.Pool.Risk
	switch param {
	case ParamLtvBps:
		risk.LtvBps = value
	case ParamCloseFactorBps:
		risk.CloseFactorBps = value
	case ParamLiquidationBonusBps:
		risk.LiquidationBonusBps = value
	case ParamReserveFactorBps:
		risk.ReserveFactorBps = value
	default:
		return fmt.Errorf("%w: unknown risk parameter %q", ErrInvalidParameter, param)
	}
	if err := ValidateRiskParams(risk); err != nil {
		return err
	}
	tx.Pool.Risk = risk
	tx.emit(&event.ParamsUpdated{Caller: caller, Param: param, Value: strconv.FormatUint(value, 10)})
	return nil
}

// SetRateModel replaces the borrow rate curve. Owner only.
func (tx *Txn) SetRateModel(caller common.Address, m fpmath.RateModel) error {
	if err := tx.requireOwner(caller); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode rate model: %w", err)
	}
	tx.Pool.Rates = fpmath.RateModel{
		BaseRateE18: m.BaseRateE18.Clone(),
		Slope1E18:   m.Slope1E18.Clone(),
		KinkUtilE18: m.KinkUtilE18.Clone(),
		Slope2E18:   m.Slope2E18.Clone(),
	}
	tx.emit(&event.ParamsUpdated{Caller: caller, Param: ParamRateModel, Value: string(encoded)})
	return nil
}

// SetBorrowApr pins the borrow rate at aprE18 regardless of utilization.
func (tx *Txn) SetBorrowApr(caller common.Address, aprE18 *uint256.Int) error {
	return tx.SetRateModel(caller, fpmath.Flat(aprE18))
}

// TransferOwnership hands the owner role to next. Owner only.
func (tx *Txn) TransferOwnership(caller, next common.Address) error {
	if err := tx.requireOwner(caller); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return fmt.Errorf("%w: new owner is the zero address", ErrInvalidParameter)
	}
	prev := tx.Pool.Admin.Owner
	tx.Pool.Admin = AdminConfig{Owner: next}
	tx.emit(&event.OwnershipTransferred{Previous: prev, Next: next})
	return nil
}
