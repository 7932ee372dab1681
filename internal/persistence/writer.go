package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/types"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes commands and events to Postgres using multi-row
// INSERTs. Writes are idempotent on the primary key.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow is a row in event_log.commands.
type CommandRow struct {
	CommandSeq  int64
	RequestID   string
	CommandType string
	Caller      string
	At          time.Time
	Payload     []byte
	Producer    *string
	ProducerSeq *int64
	Result      []byte
	Error       *string
	ErrorKind   *string
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	CommandSeq     int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its command row and
// event rows.
func RowsFromOutput(out core.CoreOutput) (CommandRow, []EventRow) {
	rec := out.Record
	cmd := CommandRow{
		CommandSeq:  rec.Seq,
		RequestID:   rec.Command.RequestID,
		CommandType: string(rec.Command.Type),
		Caller:      string(rec.Command.Caller),
		At:          rec.Command.At,
		Payload:     nullJSON(rec.Command.Payload),
		Result:      nullJSON(rec.Result),
	}
	if rec.Command.Producer != "" {
		p, s := rec.Command.Producer, rec.Command.ProducerSeq
		cmd.Producer, cmd.ProducerSeq = &p, &s
	}
	if rec.Error != "" {
		e, k := rec.Error, rec.ErrorKind
		cmd.Error, cmd.ErrorKind = &e, &k
	}

	events := make([]EventRow, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		stateHash, prevHash := env.StateHash, env.PrevHash
		events = append(events, EventRow{
			Sequence:       env.Sequence,
			CommandSeq:     rec.Seq,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       env.MarketID,
			Payload:        env.Payload,
			StateHash:      stateHash[:],
			PrevHash:       prevHash[:],
			Timestamp:      env.Timestamp,
		})
	}
	return cmd, events
}

// CommandFromRow rebuilds the replayable record of a command row.
func CommandFromRow(r CommandRow) core.CommandRecord {
	rec := core.CommandRecord{
		Seq: r.CommandSeq,
		Command: core.Command{
			RequestID: r.RequestID,
			Type:      core.CommandType(r.CommandType),
			Caller:    types.AccountID(r.Caller),
			At:        r.At.UTC(),
			Payload:   json.RawMessage(r.Payload),
		},
		Result: json.RawMessage(r.Result),
	}
	if r.Producer != nil {
		rec.Command.Producer = *r.Producer
	}
	if r.ProducerSeq != nil {
		rec.Command.ProducerSeq = *r.ProducerSeq
	}
	if r.Error != nil {
		rec.Error = *r.Error
	}
	if r.ErrorKind != nil {
		rec.ErrorKind = *r.ErrorKind
	}
	return rec
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, x execer, rows []CommandRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 11
	query := `INSERT INTO event_log.commands
		(command_seq, request_id, command_type, caller, at, payload, producer, producer_seq, result, error, error_kind)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.CommandSeq, r.RequestID, r.CommandType, r.Caller, r.At,
			jsonArg(r.Payload), r.Producer, r.ProducerSeq, jsonArg(r.Result), r.Error, r.ErrorKind,
		)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (command_seq) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, x execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 9
	query := `INSERT INTO event_log.events
		(sequence, command_seq, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, e := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandSeq, e.EventType, e.IdempotencyKey, e.MarketID,
			jsonArg(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// jsonArg passes JSON as text; lib/pq sends []byte in binary format,
// which jsonb columns reject.
func jsonArg(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}
