package state

import "errors"

// Error kinds. Every operation that returns one of these leaves state
// exactly as it was; callers match with errors.Is.
var (
	ErrInsufficientBalance          = errors.New("insufficient balance")
	ErrExceedsBorrowLimit           = errors.New("exceeds borrow limit")
	ErrUnsafeHealthFactor           = errors.New("unsafe health factor")
	ErrPositionHealthy              = errors.New("position healthy")
	ErrInsufficientRepayAmount      = errors.New("insufficient repay amount")
	ErrZeroAmount                   = errors.New("zero amount")
	ErrInsufficientYTForEarlyRedeem = errors.New("insufficient YT for early redeem")
	ErrUnauthorized                 = errors.New("unauthorized")
	ErrTransferFailed               = errors.New("transfer failed")
	ErrInsufficientLiquidity        = errors.New("insufficient liquidity")
	ErrInvalidParameter             = errors.New("invalid parameter")
	ErrArithmetic                   = errors.New("arithmetic overflow")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrExceedsBorrowLimit, "exceeds_borrow_limit"},
	{ErrUnsafeHealthFactor, "unsafe_health_factor"},
	{ErrPositionHealthy, "position_healthy"},
	{ErrInsufficientRepayAmount, "insufficient_repay_amount"},
	{ErrZeroAmount, "zero_amount"},
	{ErrInsufficientYTForEarlyRedeem, "insufficient_yt_for_early_redeem"},
	{ErrUnauthorized, "unauthorized"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ErrInvalidParameter, "invalid_parameter"},
	{ErrArithmetic, "arithmetic"},
}

// ErrorCode returns a stable snake_case name for the error kind in err's
// chain, or "internal" when it carries none.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
