package event

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RecordType discriminates the facts emitted by an applied command
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposited
	RecordTypeWithdrawn
	RecordTypeBorrowed
	RecordTypeRepaid
	RecordTypeLiquidated
	RecordTypeInterestAccrued
	RecordTypeParamsUpdated
	RecordTypeReservesWithdrawn
	RecordTypeOwnershipTransferred
	RecordTypeSplit
	RecordTypePTRedeemed
	RecordTypeYieldClaimed
	RecordTypeClaimTransferred
	RecordTypeApproval
	RecordTypeMinted
)

var recordTypeNames = map[RecordType]string{
	RecordTypeDeposited:            "deposited",
	RecordTypeWithdrawn:            "withdrawn",
	RecordTypeBorrowed:             "borrowed",
	RecordTypeRepaid:               "repaid",
	RecordTypeLiquidated:           "liquidated",
	RecordTypeInterestAccrued:      "interest_accrued",
	RecordTypeParamsUpdated:        "params_updated",
	RecordTypeReservesWithdrawn:    "reserves_withdrawn",
	RecordTypeOwnershipTransferred: "ownership_transferred",
	RecordTypeSplit:                "split",
	RecordTypePTRedeemed:           "pt_redeemed",
	RecordTypeYieldClaimed:         "yield_claimed",
	RecordTypeClaimTransferred:     "claim_transferred",
	RecordTypeApproval:             "approval",
	RecordTypeMinted:               "minted",
}

func (rt RecordType) String() string {
	if name, ok := recordTypeNames[rt]; ok {
		return name
	}
	return "unknown"
}

// ParseRecordType is the inverse of RecordType.String.
func ParseRecordType(s string) (RecordType, bool) {
	for rt, name := range recordTypeNames {
		if name == s {
			return rt, true
		}
	}
	return RecordTypeUnknown, false
}

// Record is a fact produced by an applied command
type Record interface {
	RecordType() RecordType
}

type Deposited struct {
	Account common.Address `json:"account"`
	Assets  *uint256.Int   `json:"assets"`
	Shares  *uint256.Int   `json:"shares"`
}

type Withdrawn struct {
	Account common.Address `json:"account"`
	Assets  *uint256.Int   `json:"assets"`
	Shares  *uint256.Int   `json:"shares"`
}

type Borrowed struct {
	Account    common.Address `json:"account"`
	Assets     *uint256.Int   `json:"assets"`
	DebtShares *uint256.Int   `json:"debt_shares"`
}

type Repaid struct {
	Account    common.Address `json:"account"`
	Assets     *uint256.Int   `json:"assets"`
	DebtShares *uint256.Int   `json:"debt_shares"`
}

// Liquidated is the audit record of a single liquidation call.
type Liquidated struct {
	Liquidator       common.Address `json:"liquidator"`
	User             common.Address `json:"user"`
	AssetsPaid       *uint256.Int   `json:"assets_paid"`
	DebtSharesBurned *uint256.Int   `json:"debt_shares_burned"`
	CollateralSeized *uint256.Int   `json:"collateral_seized"`
	SharesSeized     *uint256.Int   `json:"shares_seized"`
	BorrowIndexE18   *uint256.Int   `json:"borrow_index_e18"`
	SharePriceE18    *uint256.Int   `json:"share_price_e18"`
}

type InterestAccrued struct {
	Interest       *uint256.Int `json:"interest"`
	ReserveCut     *uint256.Int `json:"reserve_cut"`
	BorrowIndexE18 *uint256.Int `json:"borrow_index_e18"`
	BorrowAprE18   *uint256.Int `json:"borrow_apr_e18"`
	Elapsed        int64        `json:"elapsed"`
}

// ParamsUpdated records an owner-gated parameter change. Value is the new
// setting in decimal, or a JSON object for the rate model.
type ParamsUpdated struct {
	Caller common.Address `json:"caller"`
	Param  string         `json:"param"`
	Value  string         `json:"value"`
}

type ReservesWithdrawn struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type OwnershipTransferred struct {
	Previous common.Address `json:"previous"`
	Next     common.Address `json:"next"`
}

type Split struct {
	Caller    common.Address `json:"caller"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
}

type PTRedeemed struct {
	Caller    common.Address `json:"caller"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	Early     bool           `json:"early"`
}

type YieldClaimed struct {
	Account       common.Address `json:"account"`
	Amount        *uint256.Int   `json:"amount"`
	YieldIndexE18 *uint256.Int   `json:"yield_index_e18"`
}

type ClaimTransferred struct {
	Kind   string         `json:"kind"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

type Minted struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*Deposited) RecordType() RecordType            { return RecordTypeDeposited }
func (*Withdrawn) RecordType() RecordType            { return RecordTypeWithdrawn }
func (*Borrowed) RecordType() RecordType             { return RecordTypeBorrowed }
func (*Repaid) RecordType() RecordType               { return RecordTypeRepaid }
func (*Liquidated) RecordType() RecordType           { return RecordTypeLiquidated }
func (*InterestAccrued) RecordType() RecordType      { return RecordTypeInterestAccrued }
func (*ParamsUpdated) RecordType() RecordType        { return RecordTypeParamsUpdated }
func (*ReservesWithdrawn) RecordType() RecordType    { return RecordTypeReservesWithdrawn }
func (*OwnershipTransferred) RecordType() RecordType { return RecordTypeOwnershipTransferred }
func (*Split) RecordType() RecordType                { return RecordTypeSplit }
func (*PTRedeemed) RecordType() RecordType           { return RecordTypePTRedeemed }
func (*YieldClaimed) RecordType() RecordType         { return RecordTypeYieldClaimed }
func (*ClaimTransferred) RecordType() RecordType     { return RecordTypeClaimTransferred }
func (*Approval) RecordType() RecordType             { return RecordTypeApproval }
func (*Minted) RecordType() RecordType               { return RecordTypeMinted }

func newRecord(rt RecordType) Record {
	switch rt {
	case RecordTypeDeposited:
		return &Deposited{}
	case RecordTypeWithdrawn:
		return &Withdrawn{}
	case RecordTypeBorrowed:
		return &Borrowed{}
	case RecordTypeRepaid:
		return &Repaid{}
	case RecordTypeLiquidated:
		return &Liquidated{}
	case RecordTypeInterestAccrued:
		return &InterestAccrued{}
	case RecordTypeParamsUpdated:
		return &ParamsUpdated{}
	case RecordTypeReservesWithdrawn:
		return &ReservesWithdrawn{}
	case RecordTypeOwnershipTransferred:
		return &OwnershipTransferred{}
	case RecordTypeSplit:
		return &Split{}
	case RecordTypePTRedeemed:
		return &PTRedeemed{}
	case RecordTypeYieldClaimed:
		return &YieldClaimed{}
	case RecordTypeClaimTransferred:
		return &ClaimTransferred{}
	case RecordTypeApproval:
		return &Approval{}
	case RecordTypeMinted:
		return &Minted{}
	}
	return nil
}

// TaggedRecord is the wire form of a record: a type name plus its fields.
type TaggedRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeRecords serializes records with their type tags.
func EncodeRecords(records []Record) ([]byte, error) {
	tagged := make([]TaggedRecord, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.RecordType(), err)
		}
		tagged = append(tagged, TaggedRecord{Type: r.RecordType().String(), Data: data})
	}
	return json.Marshal(tagged)
}

// DecodeRecords is the inverse of EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var tagged []TaggedRecord
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	out := make([]Record, 0, len(tagged))
	for _, t := range tagged {
		rt, ok := ParseRecordType(t.Type)
		if !ok {
			return nil, fmt.Errorf("unknown record type %q", t.Type)
		}
		r := newRecord(rt)
		if err := json.Unmarshal(t.Data, r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.Type, err)
		}
		out = append(out, r)
	}
	return out, nil
}
