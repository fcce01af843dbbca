package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace derives deterministic journal and batch IDs, so replaying
// the command log reproduces identical rows.
var journalNamespace = uuid.MustParse("8f4c2a7e-3b1d-4e59-9c60-1a2b3c4d5e6f")

// JournalGenerator turns transfer instructions into a journal batch.
type JournalGenerator struct {
	tracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{tracker: tracker}
}

// BatchID returns the deterministic batch ID for a command.
func BatchID(eventRef string, sequence int64) uuid.UUID {
	return uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%s:%d", eventRef, sequence)))
}

// Generate builds one journal per transfer under a single batch. Returns nil
// when there is nothing to move.
func (jg *JournalGenerator) Generate(eventRef string, sequence, timestamp int64, transfers []Transfer) *Batch {
	if len(transfers) == 0 {
		return nil
	}
	batchID := BatchID(eventRef, sequence)
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(transfers)),
	}

	for i, tr := range transfers {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(fmt.Sprintf("journal:%d", i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  jg.scoped(tr.To),
			CreditAccount: jg.scoped(tr.From),
			Spender:       tr.Spender,
			Amount:        tr.Amount.Clone(),
			JournalType:   tr.Type,
			Timestamp:     timestamp,
		})
	}
	return batch
}

func (jg *JournalGenerator) scoped(k AccountKey) AccountKey {
	if k.Scope == AccountScopeExternal {
		return k
	}
	return jg.tracker.KeyFor(k.Address)
}
