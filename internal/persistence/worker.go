package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel with a blocking send, so if this worker
// falls behind the engine stalls and no output is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	// afterFlush runs after every committed batch with the last command
	// sequence it contained.
	afterFlush func(ctx context.Context, lastCommandSeq int64)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// OnFlush registers a hook run after each committed batch.
func (pw *PersistenceWorker) OnFlush(fn func(ctx context.Context, lastCommandSeq int64)) {
	pw.afterFlush = fn
}

type batch struct {
	commands []CommandRow
	events   []EventRow
}

func (b *batch) add(out core.CoreOutput) {
	cmd, events := RowsFromOutput(out)
	b.commands = append(b.commands, cmd)
	b.events = append(b.events, events...)
}

func (b *batch) reset() {
	b.commands = b.commands[:0]
	b.events = b.events[:0]
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		commands: make([]CommandRow, 0, pw.batchSize),
		events:   make([]EventRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain what the engine already handed over
		drain:
			for {
				select {
				case out, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					b.add(out)
				default:
					break drain
				}
			}
			if len(b.commands) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.log.Error().Err(err).Int("commands", len(b.commands)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(b.commands) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.log.Error().Err(err).Int("commands", len(b.commands)).Msg("final flush failed")
					}
				}
				return nil
			}
			b.add(out)

			if len(b.commands) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.commands) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(b.commands)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, b.commands); err != nil {
		pw.countError("write_commands")
		return err
	}
	if err := pw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.commands)))
		pw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		if len(b.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		}
	}
	if pw.afterFlush != nil {
		pw.afterFlush(ctx, b.commands[len(b.commands)-1].CommandSeq)
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
