package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Type discriminates command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeWithdraw
	TypeBorrow
	TypeRepay
	TypeRepayAll
	TypeLiquidate
	TypeSetLtvBps
	TypeSetCloseFactorBps
	TypeSetLiquidationBonusBps
	TypeSetReserveFactorBps
	TypeSetRateModel
	TypeSetBorrowApr
	TypeWithdrawReserves
	TypeTransferOwnership
	TypeSplit
	TypeRedeemPT
	TypeClaimYield
	TypeTransferClaim
	TypeApprove
	TypeMint
)

var typeNames = map[Type]string{
	TypeDeposit:                "deposit",
	TypeWithdraw:               "withdraw",
	TypeBorrow:                 "borrow",
	TypeRepay:                  "repay",
	TypeRepayAll:               "repay_all",
	TypeLiquidate:              "liquidate",
	TypeSetLtvBps:              "set_ltv_bps",
	TypeSetCloseFactorBps:      "set_close_factor_bps",
	TypeSetLiquidationBonusBps: "set_liquidation_bonus_bps",
	TypeSetReserveFactorBps:    "set_reserve_factor_bps",
	TypeSetRateModel:           "set_rate_model",
	TypeSetBorrowApr:           "set_borrow_apr",
	TypeWithdrawReserves:       "withdraw_reserves",
	TypeTransferOwnership:      "transfer_ownership",
	TypeSplit:                  "split",
	TypeRedeemPT:               "redeem_pt",
	TypeClaimYield:             "claim_yield",
	TypeTransferClaim:          "transfer_claim",
	TypeApprove:                "approve",
	TypeMint:                   "mint",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType maps a snake_case command name to its Type.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Types lists every known command type in declaration order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeDeposit; t <= TypeMint; t++ {
		out = append(out, t)
	}
	return out
}

var (
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrMissingAmount         = errors.New("missing amount")
	ErrUnknownType           = errors.New("unknown command type")
)

// Header carries the fields every command shares. Timestamp is the call
// time in unix seconds, supplied by the caller or stamped at ingress.
type Header struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Caller         common.Address `json:"caller"`
	Timestamp      int64          `json:"timestamp"`
}

func (h *Header) Meta() *Header { return h }

// Command is any state-changing call submitted to the engine
type Command interface {
	Type() Type
	Meta() *Header
}

type Deposit struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

type Withdraw struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

type Borrow struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

type Repay struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

type RepayAll struct {
	Header
}

type Liquidate struct {
	Header
	User        common.Address `json:"user"`
	RepayAmount *uint256.Int   `json:"repay_amount"`
}

// SetBps covers the four basis-point risk setters; the command type
// selects which parameter changes.
type SetBps struct {
	Header
	Param Type   `json:"-"`
	Value uint64 `json:"value"`
}

type SetRateModel struct {
	Header
	BaseRateE18 *uint256.Int `json:"base_rate_e18"`
	Slope1E18   *uint256.Int `json:"slope1_e18"`
	KinkUtilE18 *uint256.Int `json:"kink_util_e18"`
	Slope2E18   *uint256.Int `json:"slope2_e18"`
}

type SetBorrowApr struct {
	Header
	AprE18 *uint256.Int `json:"apr_e18"`
}

type WithdrawReserves struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type TransferOwnership struct {
	Header
	NewOwner common.Address `json:"new_owner"`
}

type Split struct {
	Header
	Amount    *uint256.Int   `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

type RedeemPT struct {
	Header
	Amount    *uint256.Int   `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

type ClaimYield struct {
	Header
	Account common.Address `json:"account"`
}

// TransferClaim moves PT or YT balances between holders.
type TransferClaim struct {
	Header
	Kind   string         `json:"kind"` // "pt" or "yt"
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type Approve struct {
	Header
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

type Mint struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*Deposit) Type() Type           { return TypeDeposit }
func (*Withdraw) Type() Type          { return TypeWithdraw }
func (*Borrow) Type() Type            { return TypeBorrow }
func (*Repay) Type() Type             { return TypeRepay }
func (*RepayAll) Type() Type          { return TypeRepayAll }
func (*Liquidate) Type() Type         { return TypeLiquidate }
func (c *SetBps) Type() Type          { return c.Param }
func (*SetRateModel) Type() Type      { return TypeSetRateModel }
func (*SetBorrowApr) Type() Type      { return TypeSetBorrowApr }
func (*WithdrawReserves) Type() Type  { return TypeWithdrawReserves }
func (*TransferOwnership) Type() Type { return TypeTransferOwnership }
func (*Split) Type() Type             { return TypeSplit }
func (*RedeemPT) Type() Type          { return TypeRedeemPT }
func (*ClaimYield) Type() Type        { return TypeClaimYield }
func (*TransferClaim) Type() Type     { return TypeTransferClaim }
func (*Approve) Type() Type           { return TypeApprove }
func (*Mint) Type() Type              { return TypeMint }

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	switch t {
	case TypeDeposit:
		return &Deposit{}, nil
	case TypeWithdraw:
		return &Withdraw{}, nil
	case TypeBorrow:
		return &Borrow{}, nil
	case TypeRepay:
		return &Repay{}, nil
	case TypeRepayAll:
		return &RepayAll{}, nil
	case TypeLiquidate:
		return &Liquidate{}, nil
	case TypeSetLtvBps, TypeSetCloseFactorBps, TypeSetLiquidationBonusBps, TypeSetReserveFactorBps:
		return &SetBps{Param: t}, nil
	case TypeSetRateModel:
		return &SetRateModel{}, nil
	case TypeSetBorrowApr:
		return &SetBorrowApr{}, nil
	case TypeWithdrawReserves:
		return &WithdrawReserves{}, nil
	case TypeTransferOwnership:
		return &TransferOwnership{}, nil
	case TypeSplit:
		return &Split{}, nil
	case TypeRedeemPT:
		return &RedeemPT{}, nil
	case TypeClaimYield:
		return &ClaimYield{}, nil
	case TypeTransferClaim:
		return &TransferClaim{}, nil
	case TypeApprove:
		return &Approve{}, nil
	case TypeMint:
		return &Mint{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
}

// Decode parses a JSON payload for command type t and validates it.
func Decode(t Type, data []byte) (Command, error) {
	cmd, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Encode is the payload stored in the event log; Decode reverses it.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Validate checks structural requirements. Domain rules (zero amounts,
// limits, authorization) are enforced by the engine.
func Validate(cmd Command) error {
	if cmd.Meta().IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	var amounts []*uint256.Int
	switch c := cmd.(type) {
	case *Deposit:
		amounts = append(amounts, c.Amount)
	case *Withdraw:
		amounts = append(amounts, c.Amount)
	case *Borrow:
		amounts = append(amounts, c.Amount)
	case *Repay:
		amounts = append(amounts, c.Amount)
	case *Liquidate:
		amounts = append(amounts, c.RepayAmount)
	case *SetRateModel:
		amounts = append(amounts, c.BaseRateE18, c.Slope1E18, c.KinkUtilE18, c.Slope2E18)
	case *SetBorrowApr:
		amounts = append(amounts, c.AprE18)
	case *WithdrawReserves:
		amounts = append(amounts, c.Amount)
	case *Split:
		amounts = append(amounts, c.Amount)
	case *RedeemPT:
		amounts = append(amounts, c.Amount)
	case *TransferClaim:
		amounts = append(amounts, c.Amount)
		if c.Kind != "pt" && c.Kind != "yt" {
			return fmt.Errorf("transfer_claim: kind must be pt or yt, got %q", c.Kind)
		}
	case *Approve:
		amounts = append(amounts, c.Amount)
	case *Mint:
		amounts = append(amounts, c.Amount)
	}
	for _, a := range amounts {
		if a == nil {
			return fmt.Errorf("%s: %w", cmd.Type(), ErrMissingAmount)
		}
	}
	return nil
}
