package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"yieldledger/internal/event"
	"yieldledger/internal/observability"
)

// EventSubjectPrefix is prepended to a record type name:
// lend.events.liquidated.
const EventSubjectPrefix = "lend.events."

// OutboundPublisher publishes each record of a committed command to NATS.
// It reads envelopes only after the persistence worker has made them
// durable, so subscribers never see a record the log does not hold.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedRecord is the outbound wire format.
type PublishedRecord struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Timestamp      int64           `json:"timestamp"`
	StateHash      string          `json:"state_hash"`
	RecordType     string          `json:"record_type"`
	Record         json.RawMessage `json:"record"`
}

// OutboundMessage is one subject/payload pair to publish.
type OutboundMessage struct {
	Subject string
	MsgID   string
	Data    []byte
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			msgs, err := BuildMessages(env)
			if err != nil {
				op.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("encode outbound records")
				op.drop(1)
				continue
			}
			for _, m := range msgs {
				// Non-fatal: subscribers can read the event feed instead.
				if _, err := op.js.Publish(ctx, m.Subject, m.Data, jetstream.WithMsgID(m.MsgID)); err != nil {
					op.logger.Warn().Err(err).Str("subject", m.Subject).Int64("sequence", env.Sequence).Msg("outbound publish failed")
					op.drop(1)
				}
			}
		}
	}
}

func (op *OutboundPublisher) drop(n int) {
	if op.metrics != nil {
		op.metrics.PublishDrops.Add(float64(n))
	}
}

// BuildMessages renders one message per record. The message ID
// "{sequence}-{index}" lets JetStream drop republished duplicates.
func BuildMessages(env *event.EventEnvelope) ([]OutboundMessage, error) {
	out := make([]OutboundMessage, 0, len(env.Records))
	for i, r := range env.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.RecordType(), err)
		}
		rt := r.RecordType().String()
		body, err := json.Marshal(PublishedRecord{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         strings.ToLower(env.Caller.Hex()),
			Timestamp:      env.Timestamp,
			StateHash:      "0x" + hex.EncodeToString(env.StateHash[:]),
			RecordType:     rt,
			Record:         data,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, OutboundMessage{
			Subject: EventSubjectPrefix + rt,
			MsgID:   fmt.Sprintf("%d-%d", env.Sequence, i),
			Data:    body,
		})
	}
	return out, nil
}
