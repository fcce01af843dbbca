package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RateModel is a two-slope kinked borrow rate curve. All fields are 1e18-scaled
// annual rates, except KinkUtilE18 which is a 1e18-scaled utilization.
type RateModel struct {
	BaseRateE18 *uint256.Int `json:"base_rate_e18"`
	Slope1E18   *uint256.Int `json:"slope1_e18"`
	KinkUtilE18 *uint256.Int `json:"kink_util_e18"`
	Slope2E18   *uint256.Int `json:"slope2_e18"`
}

// DefaultRateModel: 2% base, 15% slope below an 80% kink, 60% above it.
func DefaultRateModel() RateModel {
	return RateModel{
		BaseRateE18: uint256.NewInt(20_000_000_000_000_000),
		Slope1E18:   uint256.NewInt(150_000_000_000_000_000),
		KinkUtilE18: uint256.NewInt(800_000_000_000_000_000),
		Slope2E18:   uint256.NewInt(600_000_000_000_000_000),
	}
}

// Flat returns a model that charges aprE18 at every utilization.
func Flat(aprE18 *uint256.Int) RateModel {
	return RateModel{
		BaseRateE18: aprE18.Clone(),
		Slope1E18:   new(uint256.Int),
		KinkUtilE18: WAD.Clone(),
		Slope2E18:   new(uint256.Int),
	}
}

func (m RateModel) Validate() error {
	if m.BaseRateE18 == nil || m.Slope1E18 == nil || m.KinkUtilE18 == nil || m.Slope2E18 == nil {
		return fmt.Errorf("rate model: missing parameter")
	}
	if m.KinkUtilE18.Gt(WAD) {
		return fmt.Errorf("rate model: kink %s exceeds 1e18", m.KinkUtilE18.Dec())
	}
	return nil
}

// BorrowApr maps utilization to an annual borrow rate. Non-decreasing in
// utilization because both slopes are unsigned and the segments meet at the kink.
func (m RateModel) BorrowApr(utilE18 *uint256.Int) (*uint256.Int, error) {
	if utilE18.Cmp(m.KinkUtilE18) <= 0 {
		term, err := MulDiv(m.Slope1E18, utilE18, WAD, RoundDown)
		if err != nil {
			return nil, err
		}
		return Add(m.BaseRateE18, term)
	}

	atKink, err := MulDiv(m.Slope1E18, m.KinkUtilE18, WAD, RoundDown)
	if err != nil {
		return nil, err
	}
	excess := new(uint256.Int).Sub(utilE18, m.KinkUtilE18)
	steep, err := MulDiv(m.Slope2E18, excess, WAD, RoundDown)
	if err != nil {
		return nil, err
	}
	apr, err := Add(m.BaseRateE18, atKink)
	if err != nil {
		return nil, err
	}
	return Add(apr, steep)
}

// Utilization is totalDebt/totalAssets in 1e18, floored and capped at 1e18.
// Zero when there are no assets.
func Utilization(totalDebt, totalAssets *uint256.Int) *uint256.Int {
	if totalAssets.IsZero() {
		return new(uint256.Int)
	}
	u, err := MulDiv(totalDebt, WAD, totalAssets, RoundDown)
	if err != nil || u.Gt(WAD) {
		return WAD.Clone()
	}
	return u
}

// SupplyApr = borrowApr * util / 1e18 * (10000 - reserveFactorBps) / 10000,
// floored at each step.
func SupplyApr(borrowAprE18, utilE18 *uint256.Int, reserveFactorBps uint64) (*uint256.Int, error) {
	if reserveFactorBps > 10_000 {
		return nil, fmt.Errorf("reserve factor %d bps exceeds 10000", reserveFactorBps)
	}
	gross, err := MulDiv(borrowAprE18, utilE18, WAD, RoundDown)
	if err != nil {
		return nil, err
	}
	return MulDiv(gross, uint256.NewInt(10_000-reserveFactorBps), BPS, RoundDown)
}
