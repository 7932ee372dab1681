package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/types"
)

// Executor runs one command against the engine.
type Executor interface {
	Execute(ctx context.Context, cmd core.Command) (interface{}, error)
}

// Dispatcher parses raw messages and executes them in arrival order.
// Messages the engine decided on, accepted or rejected, are acked; only
// infrastructure failures are nacked for redelivery.
type Dispatcher struct {
	exec     Executor
	reporter types.AccountID
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// NewDispatcher builds a dispatcher. Observations are issued as reporter.
func NewDispatcher(exec Executor, reporter types.AccountID, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, reporter: reporter, metrics: metrics, log: log}
}

// Run consumes in until ctx is cancelled or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, msg)
		}
	}
}

// Handle processes one message and returns its outcome label.
func (d *Dispatcher) Handle(ctx context.Context, msg RawMessage) string {
	outcome := d.handle(ctx, msg)
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(msg.Kind.String(), outcome).Inc()
	}
	if outcome == "error" {
		if msg.Nak != nil {
			msg.Nak()
		}
	} else if msg.Ack != nil {
		msg.Ack()
	}
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, msg RawMessage) string {
	var (
		cmd core.Command
		err error
	)
	switch msg.Kind {
	case KindObservation:
		cmd, err = ParseObservation(msg.Subject, msg.Data, d.reporter)
	default:
		cmd, err = ParseCommand(msg.Subject, msg.Data)
	}
	if err != nil {
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed message")
		return "malformed"
	}

	_, err = d.exec.Execute(ctx, cmd)
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, types.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, types.ErrStaleData) && msg.Kind == KindObservation:
		return "stale"
	case types.KindOf(err) != types.KindUnknown:
		d.log.Info().
			Err(err).
			Str("request_id", cmd.RequestID).
			Str("command", string(cmd.Type)).
			Msg("command rejected")
		return "rejected"
	default:
		d.log.Error().Err(err).Str("request_id", cmd.RequestID).Msg("command failed; redelivering")
		return "error"
	}
}
