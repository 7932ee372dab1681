package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/event"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher
// needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes sequenced events to fwd.events.<type> for
// downstream consumers. The sequence is the JetStream message id, so a
// republish after restart is deduplicated by the stream.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts a sequenced envelope.
func NewPublishableEvent(env *event.EventEnvelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// EventSubject is the outbound subject of an event type.
func EventSubject(et event.EventType) string {
	return EventSubjectPrefix + et.String()
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, log: log}
}

// Run publishes every envelope of every output until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := op.publish(ctx, env); err != nil {
					// downstream consumers can read the event log instead
					op.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(NewPublishableEvent(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(env.EventType), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}
