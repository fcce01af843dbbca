package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "yieldledger/internal/math"
)

// Liabilities round up, assets round down.

func (p Pool) collateralValue(c *calc, pos Position) *uint256.Int {
	return p.assetsForShares(c, pos.normalized().Shares)
}

func (p Pool) debtValue(c *calc, pos Position) *uint256.Int {
	return p.debtForShares(c, pos.normalized().DebtShares, fpmath.RoundUp)
}

// borrowCapacity is floor(C*ltv/10000).
func (p Pool) borrowCapacity(c *calc, pos Position) *uint256.Int {
	return c.mulDiv(p.collateralValue(c, pos), uint256.NewInt(p.Risk.LtvBps), fpmath.BPS, fpmath.RoundDown)
}

func (p Pool) maxBorrow(c *calc, pos Position) *uint256.Int {
	return fpmath.SatSub(p.borrowCapacity(c, pos), p.debtValue(c, pos))
}

func (p Pool) maxWithdraw(c *calc, pos Position) *uint256.Int {
	collateral := p.collateralValue(c, pos)
	debt := p.debtValue(c, pos)
	if debt.IsZero() {
		return collateral
	}
	required := c.mulDiv(debt, fpmath.BPS, uint256.NewInt(p.Risk.LtvBps), fpmath.RoundUp)
	return fpmath.SatSub(collateral, required)
}

// healthFactor is floor(C*ltv*1e18 / (10000*D)) in one widened step, or
// MaxUint256 when there is no debt.
func (p Pool) healthFactor(c *calc, pos Position) *uint256.Int {
	debt := p.debtValue(c, pos)
	if debt.IsZero() {
		return fpmath.MaxUint256.Clone()
	}
	scaledLtv := c.mul(uint256.NewInt(p.Risk.LtvBps), fpmath.WAD)
	denom := c.mul(fpmath.BPS, debt)
	return c.mulDiv(p.collateralValue(c, pos), scaledLtv, denom, fpmath.RoundDown)
}

func view(p Pool, pos Position, f func(Pool, *calc, Position) *uint256.Int) (*uint256.Int, error) {
	var c calc
	v := f(p, &c, pos)
	if c.err != nil {
		return nil, c.err
	}
	return v, nil
}

// CollateralValue is floor(shares*A/S).
func (p Pool) CollateralValue(pos Position) (*uint256.Int, error) {
	return view(p, pos, Pool.collateralValue)
}

// DebtValue is ceil(debtShares*index/1e18).
func (p Pool) DebtValue(pos Position) (*uint256.Int, error) {
	return view(p, pos, Pool.debtValue)
}

func (p Pool) MaxBorrow(pos Position) (*uint256.Int, error) {
	return view(p, pos, Pool.maxBorrow)
}

func (p Pool) MaxWithdraw(pos Position) (*uint256.Int, error) {
	return view(p, pos, Pool.maxWithdraw)
}

func (p Pool) HealthFactorE18(pos Position) (*uint256.Int, error) {
	return view(p, pos, Pool.healthFactor)
}

// Liquidatable reports whether the health factor is below 1e18.
func (p Pool) Liquidatable(pos Position) (bool, error) {
	hf, err := p.HealthFactorE18(pos)
	if err != nil {
		return false, err
	}
	return hf.Lt(fpmath.WAD), nil
}

// AccountView bundles every per-account view at one point in time.
type AccountView struct {
	Address             common.Address `json:"address"`
	Shares              *uint256.Int   `json:"shares"`
	DebtShares          *uint256.Int   `json:"debt_shares"`
	BalanceWithInterest *uint256.Int   `json:"balance_with_interest"`
	Debt                *uint256.Int   `json:"debt"`
	MaxBorrow           *uint256.Int   `json:"max_borrow"`
	MaxWithdraw         *uint256.Int   `json:"max_withdraw"`
	HealthFactorE18     *uint256.Int   `json:"health_factor_e18"`
}

// Account computes the AccountView for addr.
func (tx *Txn) Account(addr common.Address) (AccountView, error) {
	pos := tx.Position(addr)
	var c calc
	v := AccountView{
		Address:             addr,
		Shares:              pos.Shares.Clone(),
		DebtShares:          pos.DebtShares.Clone(),
		BalanceWithInterest: tx.Pool.collateralValue(&c, pos),
		Debt:                tx.Pool.debtValue(&c, pos),
		MaxBorrow:           tx.Pool.maxBorrow(&c, pos),
		MaxWithdraw:         tx.Pool.maxWithdraw(&c, pos),
		HealthFactorE18:     tx.Pool.healthFactor(&c, pos),
	}
	if c.err != nil {
		return AccountView{}, c.err
	}
	return v, nil
}

// BalanceWithInterest is addr's supplied value inside the transaction.
func (tx *Txn) BalanceWithInterest(addr common.Address) (*uint256.Int, error) {
	return tx.Pool.CollateralValue(tx.Position(addr))
}
