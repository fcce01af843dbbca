package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/event"
	"yieldledger/internal/ledger"
)

// Txn is one all-or-nothing call against the pool. Begin accrues interest
// to now; operations then mutate the Txn's private copy of the pool and an
// overlay of touched positions, and queue the underlying transfers and
// records they produce. Nothing reaches committed state unless the caller
// commits the Txn, so an error from any operation discards everything.
type Txn struct {
	Pool    Pool
	Now     int64
	Accrual Accrual

	base    Positions
	touched map[common.Address]Position
	order   []common.Address

	Transfers []ledger.Transfer
	Records   []event.Record
}

// Begin starts a transaction at now, running the accrual step first.
func Begin(pool Pool, positions Positions, now int64) (*Txn, error) {
	accrued, acc, err := Accrue(pool, now)
	if err != nil {
		return nil, err
	}
	tx := &Txn{
		Pool:    accrued,
		Now:     now,
		Accrual: acc,
		base:    positions,
		touched: make(map[common.Address]Position),
	}
	if !acc.Interest.IsZero() {
		tx.emit(&event.InterestAccrued{
			Interest:       acc.Interest,
			ReserveCut:     acc.ReserveCut,
			BorrowIndexE18: accrued.BorrowIndex.Clone(),
			BorrowAprE18:   acc.BorrowAprE18,
			Elapsed:        acc.Elapsed,
		})
	}
	return tx, nil
}

// Position returns the position for addr as seen inside the transaction.
func (tx *Txn) Position(addr common.Address) Position {
	if p, ok := tx.touched[addr]; ok {
		return p
	}
	return tx.base.Position(addr).normalized()
}

func (tx *Txn) setPosition(addr common.Address, p Position) {
	if _, ok := tx.touched[addr]; !ok {
		tx.order = append(tx.order, addr)
	}
	tx.touched[addr] = p.normalized()
}

// Touched lists modified positions in first-touch order.
func (tx *Txn) Touched() []PositionEntry {
	out := make([]PositionEntry, 0, len(tx.order))
	for _, addr := range tx.order {
		out = append(out, PositionEntry{Address: addr, Position: tx.touched[addr]})
	}
	return out
}

func (tx *Txn) emit(r event.Record) {
	tx.Records = append(tx.Records, r)
}

// Emit appends a record produced by a layer built on the pool.
func (tx *Txn) Emit(r event.Record) {
	tx.emit(r)
}

// Move queues a transfer between two arbitrary accounts.
func (tx *Txn) Move(tr ledger.Transfer) {
	tx.Transfers = append(tx.Transfers, tr)
}

// pull queues a transferFrom of amount from addr into the pool, spent by
// the pool.
func (tx *Txn) pull(from common.Address, amount *uint256.Int, typ ledger.JournalType) {
	spender := tx.Pool.Address
	tx.Move(ledger.Transfer{
		From:    ledger.NewUserAccountKey(from),
		To:      ledger.NewSystemAccountKey(tx.Pool.Address),
		Spender: &spender,
		Amount:  amount.Clone(),
		Type:    typ,
	})
}

// push queues a transfer of amount from the pool to addr.
func (tx *Txn) push(to common.Address, amount *uint256.Int, typ ledger.JournalType) {
	tx.Move(ledger.Transfer{
		From:   ledger.NewSystemAccountKey(tx.Pool.Address),
		To:     ledger.NewUserAccountKey(to),
		Amount: amount.Clone(),
		Type:   typ,
	})
}

func (tx *Txn) requireOwner(caller common.Address) error {
	if caller != tx.Pool.Admin.Owner {
		return ErrUnauthorized
	}
	return nil
}
