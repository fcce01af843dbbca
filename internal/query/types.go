package query

import "encoding/json"

// LiquidationResponse is one liquidation of a borrower.
type LiquidationResponse struct {
	Sequence         int64  `json:"sequence"`
	Liquidator       string `json:"liquidator"`
	User             string `json:"user"`
	AssetsPaid       string `json:"assets_paid"`
	DebtSharesBurned string `json:"debt_shares_burned"`
	CollateralSeized string `json:"collateral_seized"`
	SharesSeized     string `json:"shares_seized"`
	BorrowIndexE18   string `json:"borrow_index_e18"`
	Timestamp        int64  `json:"timestamp"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// YieldResponse is one yield claim paid by the splitter.
type YieldResponse struct {
	Sequence      int64  `json:"sequence"`
	Account       string `json:"account"`
	Amount        string `json:"amount"`
	YieldIndexE18 string `json:"yield_index_e18"`
	Timestamp     int64  `json:"timestamp"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string  `json:"journal_id"`
	BatchID       string  `json:"batch_id"`
	EventRef      string  `json:"event_ref"`
	Sequence      int64   `json:"sequence"`
	DebitAccount  string  `json:"debit_account"`
	CreditAccount string  `json:"credit_account"`
	Spender       *string `json:"spender,omitempty"`
	Amount        string  `json:"amount"`
	JournalType   string  `json:"journal_type"`
	Timestamp     int64   `json:"timestamp"`
}

// EventEntry is one logged command with the records it produced.
type EventEntry struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	Records        json.RawMessage `json:"records"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// LedgerImbalance is issued minus the sum of held balances, when non-zero.
	LedgerImbalance string `json:"ledger_imbalance,omitempty"`
	// PoolCashMismatch is set when the projected pool cash differs from the
	// pool account's ledger balance.
	PoolCashMismatch bool  `json:"pool_cash_mismatch,omitempty"`
	AsOfSequence     int64 `json:"as_of_sequence"`
}
