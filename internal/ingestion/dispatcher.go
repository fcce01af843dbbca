package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"yieldledger/internal/command"
	"yieldledger/internal/core"
	"yieldledger/internal/observability"
	"yieldledger/internal/state"
)

// Submitter applies one command; *core.Engine implements it.
type Submitter interface {
	Submit(cmd command.Command) (*core.Receipt, error)
}

// Dispatcher is the single path from every ingress surface (NATS, gRPC,
// HTTP) into the engine.
type Dispatcher struct {
	engine  Submitter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(engine Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, metrics: metrics, logger: logger}
}

// Dispatch submits cmd and records ingress-to-apply latency from received.
func (d *Dispatcher) Dispatch(cmd command.Command, received time.Time) (*core.Receipt, error) {
	receipt, err := d.engine.Submit(cmd)
	meta := cmd.Meta()
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("command", cmd.Type().String()).
			Str("key", meta.IdempotencyKey).
			Str("code", state.ErrorCode(err)).
			Msg("command rejected")
		return nil, err
	}
	if d.metrics != nil && !received.IsZero() {
		d.metrics.IngestToApply.WithLabelValues(cmd.Type().String()).Observe(time.Since(received).Seconds())
	}
	if receipt.Duplicate {
		d.logger.Debug().Str("command", cmd.Type().String()).Str("key", meta.IdempotencyKey).Msg("duplicate command")
	}
	return receipt, nil
}

// Run drains NATS messages into the engine in arrival order. A message is
// acked once the engine has decided on it: unparseable and rejected
// commands are acked too, since redelivery would fail the same way. Only
// shutdown naks.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				raw.NakFunc()
				return ctx.Err()
			}

			cmd, err := ParseRawCommand(raw)
			if err != nil {
				d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
				raw.AckFunc()
				continue
			}

			_, _ = d.Dispatch(cmd, raw.Received)
			raw.AckFunc()
		}
	}
}
