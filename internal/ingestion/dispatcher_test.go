package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"yieldledger/internal/command"
	"yieldledger/internal/core"
	"yieldledger/internal/ingestion"
	"yieldledger/internal/state"
)

type fakeEngine struct {
	submitted []command.Command
	err       error
}

func (f *fakeEngine) Submit(cmd command.Command) (*core.Receipt, error) {
	f.submitted = append(f.submitted, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Receipt{Sequence: int64(len(f.submitted))}, nil
}

type acks struct{ acked, naked int }

func (a *acks) wrap(r ingestion.RawCommand) ingestion.RawCommand {
	r.AckFunc = func() { a.acked++ }
	r.NakFunc = func() { a.naked++ }
	return r
}

// =============================================================================
// Dispatcher
// =============================================================================

func TestDispatcherRun_AcksEveryDecision(t *testing.T) {
	eng := &fakeEngine{}
	d := ingestion.NewDispatcher(eng, nil, zerolog.Nop())

	var a acks
	ch := make(chan ingestion.RawCommand, 3)
	ch <- a.wrap(raw("lend.cmd.deposit", `{"idempotency_key":"d1","caller":"0x0000000000000000000000000000000000000011","amount":"10"}`))
	ch <- a.wrap(raw("lend.cmd.deposit", `not json`))
	ch <- a.wrap(raw("lend.cmd.repay_all", `{"idempotency_key":"r1","caller":"0x0000000000000000000000000000000000000011"}`))
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.acked != 3 || a.naked != 0 {
		t.Errorf("acked=%d naked=%d, want 3/0", a.acked, a.naked)
	}
	if len(eng.submitted) != 2 {
		t.Fatalf("submitted %d commands, want 2", len(eng.submitted))
	}
	if eng.submitted[1].Type() != command.TypeRepayAll {
		t.Errorf("second command: got %s", eng.submitted[1].Type())
	}
}

func TestDispatcherRun_NaksOnShutdown(t *testing.T) {
	d := ingestion.NewDispatcher(&fakeEngine{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var a acks
	ch := make(chan ingestion.RawCommand, 1)
	ch <- a.wrap(raw("lend.cmd.deposit", `{}`))

	err := d.Run(ctx, ch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.acked != 0 {
		t.Errorf("acked %d messages after shutdown", a.acked)
	}
}

func TestDispatch_PropagatesDomainError(t *testing.T) {
	eng := &fakeEngine{err: state.ErrExceedsBorrowLimit}
	d := ingestion.NewDispatcher(eng, nil, zerolog.Nop())

	cmd := &command.RepayAll{Header: command.Header{IdempotencyKey: "k"}}
	if _, err := d.Dispatch(cmd, time.Now()); !errors.Is(err, state.ErrExceedsBorrowLimit) {
		t.Errorf("expected ErrExceedsBorrowLimit, got %v", err)
	}
}
