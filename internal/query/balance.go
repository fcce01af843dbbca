package query

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	fpmath "yieldledger/internal/math"
	"yieldledger/internal/splitter"
	"yieldledger/internal/state"
)

// AccountResponse combines the lending, asset and PT/YT views of one
// account. Raw amounts are decimal strings in the underlying's smallest
// unit; the *Display fields are human-scaled.
type AccountResponse struct {
	Address string `json:"address"`

	// Lending position
	Shares              string `json:"shares"`
	DebtShares          string `json:"debt_shares"`
	BalanceWithInterest string `json:"balance_with_interest"`
	Debt                string `json:"debt"`
	MaxBorrow           string `json:"max_borrow"`
	MaxWithdraw         string `json:"max_withdraw"`
	HealthFactorE18     string `json:"health_factor_e18"`
	HealthFactorDisplay string `json:"health_factor"`

	// Underlying asset held outside the pool
	WalletBalance string `json:"wallet_balance"`

	// Splitter claims
	PTBalance      string `json:"pt_balance"`
	YTBalance      string `json:"yt_balance"`
	ClaimableYield string `json:"claimable_yield"`

	Timestamp    int64 `json:"timestamp"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolResponse is the pool view projected to Timestamp.
type PoolResponse struct {
	Pool            string           `json:"pool"`
	Owner           string           `json:"owner"`
	Cash            string           `json:"cash"`
	SupplierAssets  string           `json:"supplier_assets"`
	TotalShares     string           `json:"total_shares"`
	TotalDebt       string           `json:"total_debt"`
	TotalDebtShares string           `json:"total_debt_shares"`
	BorrowIndexE18  string           `json:"borrow_index_e18"`
	SharePriceE18   string           `json:"share_price_e18"`
	ReserveBalance  string           `json:"reserve_balance"`
	Utilization     string           `json:"utilization"`
	BorrowAPR       string           `json:"borrow_apr"`
	SupplyAPR       string           `json:"supply_apr"`
	Risk            state.RiskParams `json:"risk"`
	LastAccrual     int64            `json:"last_accrual"`
	Timestamp       int64            `json:"timestamp"`
	AsOfSequence    int64            `json:"as_of_sequence"`
}

// ReservesResponse reports protocol reserves.
type ReservesResponse struct {
	Reserves     string `json:"reserves"`
	Available    string `json:"available"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SplitterResponse is the splitter singleton with yield accrued to Timestamp.
type SplitterResponse struct {
	Splitter         string                 `json:"splitter"`
	Maturity         int64                  `json:"maturity"`
	Matured          bool                   `json:"matured"`
	PTSupply         string                 `json:"pt_supply"`
	YTSupply         string                 `json:"yt_supply"`
	YieldIndexE18    string                 `json:"yield_index_e18"`
	TrackedValue     string                 `json:"tracked_value"`
	Unallocated      string                 `json:"unallocated"`
	LastYieldAccrual int64                  `json:"last_yield_accrual"`
	Handles          []splitter.ClaimHandle `json:"handles"`
	Timestamp        int64                  `json:"timestamp"`
	AsOfSequence     int64                  `json:"as_of_sequence"`
}

// NewAccountResponse assembles the combined account view.
func NewAccountResponse(v state.AccountView, wallet *uint256.Int, claims splitter.Account, claimable *uint256.Int, now, asOf int64) *AccountResponse {
	return &AccountResponse{
		Address:             addrString(v.Address),
		Shares:              dec(v.Shares),
		DebtShares:          dec(v.DebtShares),
		BalanceWithInterest: dec(v.BalanceWithInterest),
		Debt:                dec(v.Debt),
		MaxBorrow:           dec(v.MaxBorrow),
		MaxWithdraw:         dec(v.MaxWithdraw),
		HealthFactorE18:     dec(v.HealthFactorE18),
		HealthFactorDisplay: HealthFactorDisplay(v.HealthFactorE18),
		WalletBalance:       dec(wallet),
		PTBalance:           dec(claims.PTBalance),
		YTBalance:           dec(claims.YTBalance),
		ClaimableYield:      dec(claimable),
		Timestamp:           now,
		AsOfSequence:        asOf,
	}
}

// NewPoolResponse formats pool stats; rates and utilization become
// percentages.
func NewPoolResponse(pool common.Address, s state.PoolStats, now, asOf int64) *PoolResponse {
	return &PoolResponse{
		Pool:            addrString(pool),
		Owner:           addrString(s.Owner),
		Cash:            dec(s.Cash),
		SupplierAssets:  dec(s.SupplierAssets),
		TotalShares:     dec(s.TotalShares),
		TotalDebt:       dec(s.TotalDebt),
		TotalDebtShares: dec(s.TotalDebtShares),
		BorrowIndexE18:  dec(s.BorrowIndexE18),
		SharePriceE18:   dec(s.SharePriceE18),
		ReserveBalance:  dec(s.ReserveBalance),
		Utilization:     PercentE18(s.UtilizationE18),
		BorrowAPR:       PercentE18(s.BorrowAprE18),
		SupplyAPR:       PercentE18(s.SupplyAprE18),
		Risk:            s.Risk,
		LastAccrual:     s.LastAccrual,
		Timestamp:       now,
		AsOfSequence:    asOf,
	}
}

// NewSplitterResponse formats the splitter state and its claim handles.
func NewSplitterResponse(s splitter.State, pt, yt splitter.ClaimHandle, now, asOf int64) *SplitterResponse {
	return &SplitterResponse{
		Splitter:         addrString(s.Address),
		Maturity:         s.Maturity,
		Matured:          now >= s.Maturity,
		PTSupply:         dec(s.PTSupply),
		YTSupply:         dec(s.YTSupply),
		YieldIndexE18:    dec(s.YieldIndexE18),
		TrackedValue:     dec(s.TrackedValue),
		Unallocated:      dec(s.Unallocated),
		LastYieldAccrual: s.LastYieldAccrual,
		Handles:          []splitter.ClaimHandle{pt, yt},
		Timestamp:        now,
		AsOfSequence:     asOf,
	}
}

var hundred = decimal.NewFromInt(100)

// PercentE18 renders a 1e18-scaled fraction as a percentage with two
// decimals: 5e16 -> "5.00".
func PercentE18(v *uint256.Int) string {
	return fromE18(v).Mul(hundred).StringFixed(2)
}

// HealthFactorDisplay renders a 1e18-scaled health factor with four
// decimals, or "inf" for an account without debt.
func HealthFactorDisplay(v *uint256.Int) string {
	if v == nil || v.Eq(fpmath.MaxUint256) {
		return "inf"
	}
	return fromE18(v).StringFixed(4)
}

func fromE18(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.RequireFromString(v.Dec()).Shift(-18)
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func addrString(a common.Address) string {
	return a.Hex()
}
