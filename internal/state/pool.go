package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "yieldledger/internal/math"
)

// AdminConfig holds the single privileged role. Every admin operation takes
// the caller explicitly and checks it against Owner.
type AdminConfig struct {
	Owner common.Address `json:"owner"`
}

// Pool is the singleton lending pool state. It is copied by value into a
// transaction; amount fields are never mutated in place, only replaced.
type Pool struct {
	Address         common.Address   `json:"address"`
	Cash            *uint256.Int     `json:"cash"`
	TotalShares     *uint256.Int     `json:"total_shares"`
	TotalDebtShares *uint256.Int     `json:"total_debt_shares"`
	TotalDebt       *uint256.Int     `json:"total_debt"` // floor(TotalDebtShares*BorrowIndex/1e18)
	BorrowIndex     *uint256.Int     `json:"borrow_index"`
	ReserveBalance  *uint256.Int     `json:"reserve_balance"`
	LastAccrual     int64            `json:"last_accrual"`
	Risk            RiskParams       `json:"risk"`
	Rates           fpmath.RateModel `json:"rates"`
	Admin           AdminConfig      `json:"admin"`
}

// NewPool creates an empty pool with default risk and rate parameters.
func NewPool(address, owner common.Address, now int64) Pool {
	return Pool{
		Address:         address,
		Cash:            new(uint256.Int),
		TotalShares:     new(uint256.Int),
		TotalDebtShares: new(uint256.Int),
		TotalDebt:       new(uint256.Int),
		BorrowIndex:     fpmath.WAD.Clone(),
		ReserveBalance:  new(uint256.Int),
		LastAccrual:     now,
		Risk:            DefaultRiskParams,
		Rates:           fpmath.DefaultRateModel(),
		Admin:           AdminConfig{Owner: owner},
	}
}

// Validate checks structural pool invariants.
func (p Pool) Validate() error {
	for name, v := range map[string]*uint256.Int{
		"cash": p.Cash, "total_shares": p.TotalShares, "total_debt_shares": p.TotalDebtShares,
		"total_debt": p.TotalDebt, "borrow_index": p.BorrowIndex, "reserve_balance": p.ReserveBalance,
	} {
		if v == nil {
			return fmt.Errorf("pool: %s is unset", name)
		}
	}
	if p.BorrowIndex.Lt(fpmath.WAD) {
		return fmt.Errorf("pool: borrow index %s below 1e18", p.BorrowIndex.Dec())
	}
	if err := ValidateRiskParams(p.Risk); err != nil {
		return err
	}
	return p.Rates.Validate()
}

// SupplierAssets is the underlying owed to suppliers: idle cash plus debt
// valued at the current index, less the protocol's reserve claim.
func (p Pool) SupplierAssets() *uint256.Int {
	gross, overflow := new(uint256.Int).AddOverflow(p.Cash, p.TotalDebt)
	if overflow {
		gross = fpmath.MaxUint256.Clone()
	}
	return fpmath.SatSub(gross, p.ReserveBalance)
}

// SharePriceE18 is assets per share, 1e18 when no shares exist.
func (p Pool) SharePriceE18() (*uint256.Int, error) {
	var c calc
	price := p.sharePrice(&c)
	if c.err != nil {
		return nil, fmt.Errorf("share price: %w", c.err)
	}
	return price, nil
}

func (p Pool) sharePrice(c *calc) *uint256.Int {
	if p.TotalShares.IsZero() {
		return fpmath.WAD.Clone()
	}
	return c.mulDiv(p.SupplierAssets(), fpmath.WAD, p.TotalShares, fpmath.RoundDown)
}

// sharesForAssets converts an underlying amount to supply shares.
func (p Pool) sharesForAssets(c *calc, assets *uint256.Int, mode fpmath.RoundingMode) *uint256.Int {
	a := p.SupplierAssets()
	if p.TotalShares.IsZero() || a.IsZero() {
		return assets.Clone()
	}
	return c.mulDiv(assets, p.TotalShares, a, mode)
}

// assetsForShares converts supply shares to underlying, floored.
func (p Pool) assetsForShares(c *calc, shares *uint256.Int) *uint256.Int {
	if p.TotalShares.IsZero() {
		return new(uint256.Int)
	}
	return c.mulDiv(shares, p.SupplierAssets(), p.TotalShares, fpmath.RoundDown)
}

// debtForShares values debt shares at the borrow index.
func (p Pool) debtForShares(c *calc, debtShares *uint256.Int, mode fpmath.RoundingMode) *uint256.Int {
	return c.mulDiv(debtShares, p.BorrowIndex, fpmath.WAD, mode)
}

// withDebtShares returns p with TotalDebtShares replaced and TotalDebt
// recomputed.
func (p Pool) withDebtShares(c *calc, total *uint256.Int) Pool {
	p.TotalDebtShares = total
	p.TotalDebt = p.debtForShares(c, total, fpmath.RoundDown)
	return p
}

// Utilization of supplier assets by outstanding debt.
func (p Pool) Utilization() *uint256.Int {
	return fpmath.Utilization(p.TotalDebt, p.SupplierAssets())
}

// PoolStats is the poolState() view.
type PoolStats struct {
	Cash            *uint256.Int   `json:"cash"`
	SupplierAssets  *uint256.Int   `json:"supplier_assets"`
	TotalShares     *uint256.Int   `json:"total_shares"`
	TotalDebt       *uint256.Int   `json:"total_debt"`
	TotalDebtShares *uint256.Int   `json:"total_debt_shares"`
	BorrowIndexE18  *uint256.Int   `json:"borrow_index_e18"`
	SharePriceE18   *uint256.Int   `json:"share_price_e18"`
	ReserveBalance  *uint256.Int   `json:"reserve_balance"`
	UtilizationE18  *uint256.Int   `json:"utilization_e18"`
	BorrowAprE18    *uint256.Int   `json:"borrow_apr_e18"`
	SupplyAprE18    *uint256.Int   `json:"supply_apr_e18"`
	LastAccrual     int64          `json:"last_accrual"`
	Risk            RiskParams     `json:"risk"`
	Owner           common.Address `json:"owner"`
}

// Stats computes the pool view at its current accrual point.
func (p Pool) Stats() (PoolStats, error) {
	util := p.Utilization()
	borrowApr, err := p.Rates.BorrowApr(util)
	if err != nil {
		return PoolStats{}, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	supplyApr, err := fpmath.SupplyApr(borrowApr, util, p.Risk.ReserveFactorBps)
	if err != nil {
		return PoolStats{}, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	sharePrice, err := p.SharePriceE18()
	if err != nil {
		return PoolStats{}, err
	}
	return PoolStats{
		Cash:            p.Cash.Clone(),
		SupplierAssets:  p.SupplierAssets(),
		TotalShares:     p.TotalShares.Clone(),
		TotalDebt:       p.TotalDebt.Clone(),
		TotalDebtShares: p.TotalDebtShares.Clone(),
		BorrowIndexE18:  p.BorrowIndex.Clone(),
		SharePriceE18:   sharePrice,
		ReserveBalance:  p.ReserveBalance.Clone(),
		UtilizationE18:  util,
		BorrowAprE18:    borrowApr,
		SupplyAprE18:    supplyApr,
		LastAccrual:     p.LastAccrual,
		Risk:            p.Risk,
		Owner:           p.Admin.Owner,
	}, nil
}
