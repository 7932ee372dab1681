package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/persistence"
)

// CheckpointName is the projection.checkpoints row of the read-model worker.
const CheckpointName = "read_models"

const holderPrefix = "holder:"

// execer is satisfied by *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates the read-model tables from sequenced events.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		log:       log,
	}
}

// LastSequence is the highest event sequence applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run resumes from the stored checkpoint and applies outputs until ctx is
// cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadCheckpoint(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if len(output.Envelopes) == 0 {
				continue
			}
			if err := pw.Apply(ctx, output.Envelopes); err != nil {
				// projections are eventually consistent and can be rebuilt
				pw.log.Warn().
					Err(err).
					Int64("sequence", output.Envelopes[0].Sequence).
					Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) loadCheckpoint(ctx context.Context) error {
	var seq int64
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projection.checkpoints WHERE name = $1`, CheckpointName,
	).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		pw.lastSeq = -1
	case err != nil:
		return fmt.Errorf("load projection checkpoint: %w", err)
	default:
		pw.lastSeq = seq
	}
	return nil
}

// Apply projects envelopes in one transaction. Envelopes at or below the
// checkpoint are skipped, so re-delivery is harmless.
func (pw *ProjectionWorker) Apply(ctx context.Context, envs []*event.EventEnvelope) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	last := pw.lastSeq
	for _, env := range envs {
		if env.Sequence <= last {
			continue
		}
		evt, err := event.Unmarshal(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		if err := project(ctx, tx, env, evt); err != nil {
			return fmt.Errorf("project %s at seq=%d: %w", env.EventType, env.Sequence, err)
		}
		last = env.Sequence
	}
	if last == pw.lastSeq {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.checkpoints (name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, CheckpointName, last); err != nil {
		return fmt.Errorf("checkpoint update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = last
	return nil
}

// project applies one event. Events without a read-model effect are
// ignored.
func project(ctx context.Context, x execer, env *event.EventEnvelope, evt event.Event) error {
	switch e := evt.(type) {
	case *event.MarketDeployed:
		_, err := x.ExecContext(ctx, `
			INSERT INTO projection.market_summaries (
				market_id, market_key, creator, underlying, quote, long_token, short_token,
				maturity, strike_k, lower_bound_l, upper_bound_u, deployed_at, deploy_sequence, last_sequence
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (market_id) DO NOTHING
		`, marketID(env), e.Key, e.Creator, e.Underlying, e.Quote, e.LongToken, e.ShortToken,
			time.Unix(e.Maturity, 0).UTC(), e.StrikeK.String(), e.LowerBoundL.String(), e.UpperBoundU.String(),
			e.At, env.Sequence)
		if err != nil {
			return err
		}
		return activity(ctx, x, env, e.Creator, "market_deployed", "0", map[string]interface{}{"key": e.Key})

	case *event.PositionCreated:
		if _, err := x.ExecContext(ctx, `
			UPDATE projection.market_summaries
			SET total_collateral = total_collateral + $2,
			    positions_created = positions_created + 1,
			    last_sequence = $3
			WHERE market_id = $1
		`, marketID(env), e.Minted.String(), env.Sequence); err != nil {
			return err
		}
		return activity(ctx, x, env, e.Account, "position_created", e.Amount.String(), map[string]interface{}{
			"action_id": e.ActionID,
			"fee":       e.Fee.String(),
			"minted":    e.Minted.String(),
		})

	case *event.PositionRejected:
		return activity(ctx, x, env, e.Account, "position_rejected", e.Amount.String(), map[string]interface{}{
			"action_id": e.ActionID,
			"reason":    e.Reason,
		})

	case *event.MarketSettled:
		_, err := x.ExecContext(ctx, `
			UPDATE projection.market_summaries
			SET is_settled = TRUE,
			    settlement_price = $2,
			    settled_at = $3,
			    total_collateral = $4,
			    last_sequence = $5
			WHERE market_id = $1
		`, marketID(env), e.Price.String(), e.At, e.TotalCollateral.String(), env.Sequence)
		return err

	case *event.PositionRedeemed:
		if _, err := x.ExecContext(ctx, `
			UPDATE projection.market_summaries
			SET total_collateral = total_collateral - $2,
			    positions_redeemed = positions_redeemed + 1,
			    last_sequence = $3
			WHERE market_id = $1
		`, marketID(env), e.Payout.String(), env.Sequence); err != nil {
			return err
		}
		return activity(ctx, x, env, e.Account, "position_redeemed", e.NetPayout.String(), map[string]interface{}{
			"long_amount":  e.LongAmount.String(),
			"short_amount": e.ShortAmount.String(),
			"fee":          e.Fee.String(),
		})

	case *event.FeeRouted:
		if env.MarketID == nil {
			return nil
		}
		_, err := x.ExecContext(ctx, `
			UPDATE projection.market_summaries
			SET fees_routed = fees_routed + $2, last_sequence = $3
			WHERE market_id = $1
		`, *env.MarketID, e.Amount.String(), env.Sequence)
		return err

	case *event.FeesWithdrawn:
		return activity(ctx, x, env, e.Treasury, "fees_withdrawn", e.Amount.String(), map[string]interface{}{
			"token": e.Token,
			"by":    e.By,
		})

	case *event.JournalPosted:
		return projectJournal(ctx, x, env, e)
	}
	return nil
}

// projectJournal records both holder sides of a ledger journal. The
// issuance account is not an account anyone queries.
func projectJournal(ctx context.Context, x execer, env *event.EventEnvelope, e *event.JournalPosted) error {
	in, inHolder := holder(e.Debit)
	out, outHolder := holder(e.Credit)
	detail := map[string]interface{}{"token": e.Token}
	if e.Memo != "" {
		detail["memo"] = e.Memo
	}
	if inHolder {
		d := withCounterparty(detail, out, outHolder)
		if err := activity(ctx, x, env, in, e.JournalType+"_in", e.Amount.String(), d); err != nil {
			return err
		}
	}
	if outHolder && out != in {
		d := withCounterparty(detail, in, inHolder)
		if err := activity(ctx, x, env, out, e.JournalType+"_out", e.Amount.String(), d); err != nil {
			return err
		}
	}
	return nil
}

func holder(path string) (string, bool) {
	if !strings.HasPrefix(path, holderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(path, holderPrefix), true
}

func withCounterparty(base map[string]interface{}, other string, ok bool) map[string]interface{} {
	d := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		d[k] = v
	}
	if ok {
		d["counterparty"] = other
	}
	return d
}

func activity(ctx context.Context, x execer, env *event.EventEnvelope, account, kind, amount string, detail map[string]interface{}) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO projection.account_activity (sequence, account, market_id, activity, amount, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence, account) DO NOTHING
	`, env.Sequence, account, env.MarketID, kind, amount, string(raw), env.Timestamp)
	return err
}

func marketID(env *event.EventEnvelope) string {
	if env.MarketID == nil {
		return ""
	}
	return *env.MarketID
}

// EventSource pages persisted events in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// RebuildProjections truncates the read models and replays every persisted
// event through the projection. Returns the number of events applied.
func (pw *ProjectionWorker) RebuildProjections(ctx context.Context, src EventSource, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	for _, stmt := range []string{
		`TRUNCATE projection.market_summaries`,
		`TRUNCATE projection.account_activity`,
		`DELETE FROM projection.checkpoints WHERE name = '` + CheckpointName + `'`,
	} {
		if _, err := pw.db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	pw.lastSeq = -1

	total := 0
	for from := int64(0); ; {
		rows, err := src.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		envs := make([]*event.EventEnvelope, 0, len(rows))
		for _, r := range rows {
			env, err := EnvelopeFromRow(r)
			if err != nil {
				return total, err
			}
			envs = append(envs, env)
		}
		if err := pw.Apply(ctx, envs); err != nil {
			return total, err
		}
		total += len(rows)
		from = rows[len(rows)-1].Sequence + 1
	}

	pw.log.Info().Int("events", total).Msg("projection rebuild complete")
	return total, nil
}

// EnvelopeFromRow converts a persisted event back into an envelope.
func EnvelopeFromRow(r persistence.EventRow) (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, err
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		MarketID:       r.MarketID,
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}
