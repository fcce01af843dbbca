package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yieldledger/internal/command"
	"yieldledger/internal/core"
	"yieldledger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on sequence and journal_id, so a batch
// retried after a partial failure converges.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // command JSON, replayable via command.Decode
	Records        []byte // tagged record JSON
	StateHash      []byte
	PrevHash       []byte
	CommandTime    time.Time
}

// JournalRow represents a row in event_log.journal. Amount is a decimal
// string bound to NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Spender       *string
	Amount        string
	JournalType   string
	CommandTime   int64
}

// OutputRows is one applied command in row form.
type OutputRows struct {
	Event    EventRow
	Journals []JournalRow
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts an engine output into event log rows.
func RowsFromOutput(out core.CoreOutput) (OutputRows, error) {
	env := out.Envelope
	if env == nil {
		return OutputRows{}, fmt.Errorf("output has no envelope")
	}
	records, err := event.EncodeRecords(env.Records)
	if err != nil {
		return OutputRows{}, err
	}
	rows := OutputRows{
		Event: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         strings.ToLower(env.Caller.Hex()),
			Payload:        env.Payload,
			Records:        records,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			CommandTime:    time.Unix(env.Timestamp, 0).UTC(),
		},
	}
	if out.Batch == nil {
		return rows, nil
	}
	for _, j := range out.Batch.Journals {
		var spender *string
		if j.Spender != nil {
			s := strings.ToLower(j.Spender.Hex())
			spender = &s
		}
		rows.Journals = append(rows.Journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Spender:       spender,
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			CommandTime:   j.Timestamp,
		})
	}
	return rows, nil
}

// EnvelopeFromRow rebuilds the envelope of a logged command for replay.
func EnvelopeFromRow(row EventRow) (*event.EventEnvelope, error) {
	typ, ok := command.ParseType(row.CommandType)
	if !ok {
		return nil, fmt.Errorf("event %d: %w %q", row.Sequence, command.ErrUnknownType, row.CommandType)
	}
	cmd, err := command.Decode(typ, row.Payload)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", row.Sequence, err)
	}
	records, err := event.DecodeRecords(row.Records)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash chain", row.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		CommandType:    typ,
		Caller:         common.HexToAddress(row.Caller),
		Timestamp:      cmd.Meta().Timestamp,
		Payload:        row.Payload,
		Records:        records,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, caller, payload, records, state_hash, prev_hash, command_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			e.Payload, e.Records, e.StateHash, e.PrevHash, e.CommandTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, spender, amount, journal_type, command_time)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Spender, j.Amount,
			j.JournalType, j.CommandTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteBatch writes events and their journals in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errTxBegin, err)
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("%w: %v", errWriteEvents, err)
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("%w: %v", errWriteJournals, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errTxCommit, err)
	}
	return nil
}

// placeholders renders "($n+1, ..., $n+cols)".
func placeholders(offset, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", offset+c)
	}
	b.WriteByte(')')
	return b.String()
}
