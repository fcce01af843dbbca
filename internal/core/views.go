package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

// Views project accrual to `now` on a discarded transaction. A `now` at or
// before the last accrual reads committed state as is.

func (e *Engine) viewTxn(now int64) (*state.Txn, error) {
	if now < e.pool.LastAccrual {
		now = e.pool.LastAccrual
	}
	return state.Begin(e.pool, e.positions, now)
}

func (e *Engine) splitterView(now int64) (*splitter.Txn, error) {
	tx, err := e.viewTxn(now)
	if err != nil {
		return nil, err
	}
	return splitter.Begin(tx, e.splitter, e.claims)
}

// Account returns every per-account lending view for addr.
func (e *Engine) Account(addr common.Address, now int64) (state.AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.viewTxn(now)
	if err != nil {
		return state.AccountView{}, err
	}
	return tx.Account(addr)
}

func (e *Engine) accountField(addr common.Address, now int64, pick func(state.AccountView) *uint256.Int) (*uint256.Int, error) {
	v, err := e.Account(addr, now)
	if err != nil {
		return nil, err
	}
	return pick(v), nil
}

// SharesOf returns addr's supply shares. Shares do not accrue.
func (e *Engine) SharesOf(addr common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Position(addr).Shares.Clone()
}

// DebtSharesOf returns addr's debt shares.
func (e *Engine) DebtSharesOf(addr common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Position(addr).DebtShares.Clone()
}

// DebtOf is addr's debt including interest, rounded up.
func (e *Engine) DebtOf(addr common.Address, now int64) (*uint256.Int, error) {
	return e.accountField(addr, now, func(v state.AccountView) *uint256.Int { return v.Debt })
}

// GetBalanceWithInterest is the underlying value of addr's supply shares.
func (e *Engine) GetBalanceWithInterest(addr common.Address, now int64) (*uint256.Int, error) {
	return e.accountField(addr, now, func(v state.AccountView) *uint256.Int { return v.BalanceWithInterest })
}

func (e *Engine) MaxBorrow(addr common.Address, now int64) (*uint256.Int, error) {
	return e.accountField(addr, now, func(v state.AccountView) *uint256.Int { return v.MaxBorrow })
}

func (e *Engine) MaxWithdraw(addr common.Address, now int64) (*uint256.Int, error) {
	return e.accountField(addr, now, func(v state.AccountView) *uint256.Int { return v.MaxWithdraw })
}

// HealthFactorE18 returns MaxUint256 for an account without debt.
func (e *Engine) HealthFactorE18(addr common.Address, now int64) (*uint256.Int, error) {
	return e.accountField(addr, now, func(v state.AccountView) *uint256.Int { return v.HealthFactorE18 })
}

// BorrowIndexE18 is the borrow index projected to now.
func (e *Engine) BorrowIndexE18(now int64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.viewTxn(now)
	if err != nil {
		return nil, err
	}
	return tx.Pool.BorrowIndex.Clone(), nil
}

// PoolState returns pool totals, utilization and rates projected to now.
func (e *Engine) PoolState(now int64) (state.PoolStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.viewTxn(now)
	if err != nil {
		return state.PoolStats{}, err
	}
	return tx.Pool.Stats()
}

// ProtocolReserves is the reserve balance projected to now.
func (e *Engine) ProtocolReserves(now int64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.viewTxn(now)
	if err != nil {
		return nil, err
	}
	return tx.Pool.ReserveBalance.Clone(), nil
}

// AvailableReserves is the withdrawable part of reserves at now.
func (e *Engine) AvailableReserves(now int64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.viewTxn(now)
	if err != nil {
		return nil, err
	}
	return tx.Pool.AvailableReserves(), nil
}

// PreviewClaimUpdated is what ClaimYield would pay account at now.
func (e *Engine) PreviewClaimUpdated(account common.Address, now int64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stx, err := e.splitterView(now)
	if err != nil {
		return nil, err
	}
	return stx.PreviewClaim(account)
}

// Maturity is fixed at genesis.
func (e *Engine) Maturity() int64 {
	return e.cfg.Maturity
}

// ClaimHandles returns the PT and YT handles.
func (e *Engine) ClaimHandles(now int64) (pt, yt splitter.ClaimHandle, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stx, err := e.splitterView(now)
	if err != nil {
		return pt, yt, err
	}
	pt, yt = stx.Handles()
	return pt, yt, nil
}

// SplitterState returns the splitter singleton with yield accrued to now.
func (e *Engine) SplitterState(now int64) (splitter.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stx, err := e.splitterView(now)
	if err != nil {
		return splitter.State{}, err
	}
	return stx.State, nil
}

// ClaimAccount returns addr's PT/YT balances and yield watermark.
func (e *Engine) ClaimAccount(addr common.Address) splitter.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claims.Account(addr)
}

// BalanceOf is addr's underlying asset balance.
func (e *Engine) BalanceOf(addr common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceTracker.BalanceOf(addr)
}

func (e *Engine) Allowance(owner, spender common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceTracker.Allowance(owner, spender)
}

// Config returns the genesis configuration.
func (e *Engine) Config() Config {
	return e.cfg
}
