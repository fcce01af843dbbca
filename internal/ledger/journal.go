package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeSupply JournalType = iota
	JournalTypeWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeLiquidationRepay
	JournalTypeLiquidationSeize
	JournalTypeReserveWithdrawal
	JournalTypeSplitPull
	JournalTypeRedeemPayout
	JournalTypeYieldPayout
	JournalTypeMint
	JournalTypeTransfer
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeSupply:
		return "supply"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeReserveWithdrawal:
		return "reserve_withdrawal"
	case JournalTypeSplitPull:
		return "split_pull"
	case JournalTypeRedeemPayout:
		return "redeem_payout"
	case JournalTypeYieldPayout:
		return "yield_payout"
	case JournalTypeMint:
		return "mint"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Transfer is an instruction to move underlying between two accounts. When
// Spender is set the move is a transferFrom and consumes Spender's allowance
// on From.
type Transfer struct {
	From    AccountKey
	To      AccountKey
	Spender *common.Address
	Amount  *uint256.Int
	Type    JournalType
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string          // Idempotency key of source command
	Sequence      int64           // Global event sequence
	DebitAccount  AccountKey      // balance increases
	CreditAccount AccountKey      // balance decreases
	Spender       *common.Address // allowance consumed, if any
	Amount        *uint256.Int    // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // unix seconds of the command
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves a single
// positive amount from credit to debit, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
