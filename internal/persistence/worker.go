package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"yieldledger/internal/core"
	"yieldledger/internal/event"
	"yieldledger/internal/observability"
)

var (
	errTxBegin       = errors.New("tx_begin")
	errWriteEvents   = errors.New("write_events")
	errWriteJournals = errors.New("write_journals")
	errTxCommit      = errors.New("tx_commit")
)

// errorType labels a flush failure for the persist error counter.
func errorType(err error) string {
	for _, e := range []error{errTxBegin, errWriteEvents, errWriteJournals, errTxCommit} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "unknown"
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on this channel blocking, so a slow worker stalls the
// engine rather than losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// committed receives envelopes once their batch is durable; nil disables.
	committed chan<- *event.EventEnvelope
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// ForwardCommitted makes the worker hand each envelope to ch after its
// batch commits. Sends never block; a full channel drops the envelope.
func (pw *PersistenceWorker) ForwardCommitted(ch chan<- *event.EventEnvelope) {
	pw.committed = ch
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel closes, flushing whatever is pending first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*3)
	envelopes := make([]*event.EventEnvelope, 0, pw.batchSize)

	// time the oldest pending output was received
	var pendingSince time.Time

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, events, journals); err != nil {
			pw.logger.Error().Err(err).Int("events", len(events)).Msg("batch flush failed")
		} else {
			if pw.metrics != nil {
				pw.metrics.ApplyToPersist.Observe(time.Since(pendingSince).Seconds())
			}
			pw.forward(envelopes)
		}
		events = events[:0]
		journals = journals[:0]
		envelopes = envelopes[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			rows, err := RowsFromOutput(out)
			if err != nil {
				// An unencodable output is a core bug; it cannot be retried.
				pw.logger.Error().Err(err).Msg("drop unencodable output")
				pw.countError("encode")
				continue
			}
			if len(events) == 0 {
				pendingSince = time.Now()
			}
			events = append(events, rows.Event)
			journals = append(journals, rows.Journals...)
			envelopes = append(envelopes, out.Envelope)

			if len(events) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Events are never dropped: on cancellation it makes one last attempt with
// a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.countError(errorType(err))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, events, journals); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) forward(envelopes []*event.EventEnvelope) {
	if pw.committed == nil {
		return
	}
	for _, env := range envelopes {
		select {
		case pw.committed <- env:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
