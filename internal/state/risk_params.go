package state

import "fmt"

// RiskParams are the owner-settable basis-point risk settings
type RiskParams struct {
	LtvBps              uint64 `json:"ltv_bps"`
	CloseFactorBps      uint64 `json:"close_factor_bps"`
	LiquidationBonusBps uint64 `json:"liquidation_bonus_bps"`
	ReserveFactorBps    uint64 `json:"reserve_factor_bps"`
}

// DefaultRiskParams: 50% LTV, 50% close factor, 5% bonus, 10% reserve factor.
var DefaultRiskParams = RiskParams{
	LtvBps:              5_000,
	CloseFactorBps:      5_000,
	LiquidationBonusBps: 500,
	ReserveFactorBps:    1_000,
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < ltv <= 10000, 0 < close factor <= 10000, bonus <= 10000,
// reserve factor <= 10000.
func ValidateRiskParams(p RiskParams) error {
	if p.LtvBps == 0 || p.LtvBps > 10_000 {
		return fmt.Errorf("%w: ltv_bps must be in (0, 10000], got %d", ErrInvalidParameter, p.LtvBps)
	}
	if p.CloseFactorBps == 0 || p.CloseFactorBps > 10_000 {
		return fmt.Errorf("%w: close_factor_bps must be in (0, 10000], got %d", ErrInvalidParameter, p.CloseFactorBps)
	}
	if p.LiquidationBonusBps > 10_000 {
		return fmt.Errorf("%w: liquidation_bonus_bps must be <= 10000, got %d", ErrInvalidParameter, p.LiquidationBonusBps)
	}
	if p.ReserveFactorBps > 10_000 {
		return fmt.Errorf("%w: reserve_factor_bps must be <= 10000, got %d", ErrInvalidParameter, p.ReserveFactorBps)
	}
	return nil
}
