package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

const (
	CommandSubjectPrefix = "fwd.cmd."
	PriceSubjectPrefix   = "fwd.prices."
	EventSubjectPrefix   = "fwd.events."
)

// CommandSubject is the subject a producer publishes a command type on.
func CommandSubject(t core.CommandType) string {
	return CommandSubjectPrefix + string(t)
}

// PriceSubject is the subject for observations of a pair. Dots inside
// account ids become underscores so each asset stays one subject token.
func PriceSubject(p oracle.Pair) string {
	return PriceSubjectPrefix + subjectToken(string(p.Underlying)) + "." + subjectToken(string(p.Quote))
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// base-unit integer strings.

type commandJSON struct {
	RequestID   string          `json:"request_id"`
	Type        string          `json:"type,omitempty"`
	Caller      string          `json:"caller"`
	At          *time.Time      `json:"at,omitempty"`
	Producer    string          `json:"producer,omitempty"`
	ProducerSeq int64           `json:"producer_seq,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// ParseCommand converts a message on fwd.cmd.<type> into an engine
// command. A type in the body must agree with the subject.
func ParseCommand(subject string, data []byte) (core.Command, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "subject %q is not a command subject", subject)
	}
	typ := core.CommandType(strings.TrimPrefix(subject, CommandSubjectPrefix))

	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "parse command: %v", err)
	}
	if j.Type != "" && core.CommandType(j.Type) != typ {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "body type %q on subject %q", j.Type, subject)
	}
	if !typ.Valid() {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "unknown command %q", typ)
	}
	if j.RequestID == "" {
		return core.Command{}, errorsmod.Wrap(types.ErrMalformedCommand, "request_id is required")
	}
	if j.Caller == "" {
		return core.Command{}, errorsmod.Wrap(types.ErrMalformedCommand, "caller is required")
	}

	cmd := core.Command{
		RequestID:   j.RequestID,
		Type:        typ,
		Caller:      types.AccountID(j.Caller),
		Payload:     j.Payload,
		Producer:    j.Producer,
		ProducerSeq: j.ProducerSeq,
	}
	if j.At != nil {
		cmd.At = j.At.UTC()
	}
	return cmd, nil
}

type observationJSON struct {
	Sequence          int64  `json:"sequence"`
	PoolID            uint64 `json:"pool_id"`
	Underlying        string `json:"underlying"`
	Quote             string `json:"quote"`
	Price             string `json:"price"`
	ReserveUnderlying string `json:"reserve_underlying,omitempty"`
	ReserveQuote      string `json:"reserve_quote,omitempty"`
	TimestampMs       int64  `json:"timestamp_ms"`
}

// ParseObservation converts a message on fwd.prices.<underlying>.<quote>
// into a record_observation command issued by reporter. The request id is
// derived from pool and sequence so redeliveries deduplicate.
func ParseObservation(subject string, data []byte, reporter types.AccountID) (core.Command, error) {
	var j observationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "parse observation: %v", err)
	}
	pair := oracle.Pair{Underlying: types.AccountID(j.Underlying), Quote: types.AccountID(j.Quote)}
	if err := pair.Validate(); err != nil {
		return core.Command{}, err
	}
	if want := PriceSubject(pair); subject != want {
		return core.Command{}, errorsmod.Wrapf(types.ErrMalformedCommand, "observation for %s on subject %q, want %q", pair.Key(), subject, want)
	}
	if j.PoolID == 0 {
		return core.Command{}, errorsmod.Wrap(types.ErrMalformedCommand, "pool_id is required")
	}
	if j.Sequence <= 0 {
		return core.Command{}, errorsmod.Wrap(types.ErrMalformedCommand, "sequence must be positive")
	}
	if j.TimestampMs <= 0 {
		return core.Command{}, errorsmod.Wrap(types.ErrMalformedCommand, "timestamp_ms is required")
	}

	price, err := parseAmount("price", j.Price, true)
	if err != nil {
		return core.Command{}, err
	}
	update := oracle.PoolUpdate{
		PoolID:    j.PoolID,
		Pair:      pair,
		Price:     price,
		Timestamp: time.UnixMilli(j.TimestampMs).UTC(),
	}
	if j.ReserveUnderlying != "" || j.ReserveQuote != "" {
		if update.ReserveUnderlying, err = parseAmount("reserve_underlying", j.ReserveUnderlying, false); err != nil {
			return core.Command{}, err
		}
		if update.ReserveQuote, err = parseAmount("reserve_quote", j.ReserveQuote, false); err != nil {
			return core.Command{}, err
		}
	}

	cmd, err := core.NewCommand(
		"obs:"+strconv.FormatUint(j.PoolID, 10)+":"+strconv.FormatInt(j.Sequence, 10),
		core.CmdRecordObservation,
		reporter,
		core.ObservationPayload{Sequence: j.Sequence, Update: update},
	)
	if err != nil {
		return core.Command{}, err
	}
	cmd.At = update.Timestamp
	return cmd, nil
}

func parseAmount(field, s string, positive bool) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok || v.IsNegative() {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidAmount, "%s %q", field, s)
	}
	if positive && !v.IsPositive() {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrZeroAmount, "%s", field)
	}
	return v, nil
}

// MarshalObservation renders an update in the wire format ParseObservation
// reads. Used by feeders and tests.
func MarshalObservation(seq int64, u oracle.PoolUpdate) ([]byte, error) {
	j := observationJSON{
		Sequence:    seq,
		PoolID:      u.PoolID,
		Underlying:  string(u.Pair.Underlying),
		Quote:       string(u.Pair.Quote),
		Price:       u.Price.String(),
		TimestampMs: u.Timestamp.UnixMilli(),
	}
	if !u.ReserveUnderlying.IsNil() {
		j.ReserveUnderlying = u.ReserveUnderlying.String()
	}
	if !u.ReserveQuote.IsNil() {
		j.ReserveQuote = u.ReserveQuote.String()
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal observation: %w", err)
	}
	return data, nil
}
