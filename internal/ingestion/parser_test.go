package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/ingestion"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

var pair = oracle.Pair{Underlying: "wrap.near", Quote: "usdc.near"}

func TestSubjects(t *testing.T) {
	if got, want := ingestion.PriceSubject(pair), "fwd.prices.wrap_near.usdc_near"; got != want {
		t.Errorf("price subject: got %s, want %s", got, want)
	}
	if got, want := ingestion.CommandSubject(core.CmdSettle), "fwd.cmd.settle"; got != want {
		t.Errorf("command subject: got %s, want %s", got, want)
	}
}

func TestParseCommand(t *testing.T) {
	body := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"caller":       "alice.near",
		"at":           "2023-11-14T22:13:20Z",
		"producer":     "frontend",
		"producer_seq": 7,
		"payload":      map[string]string{"market": "market-1.factory.near", "amount": "1000"},
	}
	data, _ := json.Marshal(body)

	cmd, err := ingestion.ParseCommand("fwd.cmd.create_position", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Type != core.CmdCreatePosition {
		t.Errorf("type: got %s, want create_position", cmd.Type)
	}
	if cmd.Caller != "alice.near" {
		t.Errorf("caller: got %s, want alice.near", cmd.Caller)
	}
	if !cmd.At.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("at: got %s", cmd.At)
	}
	if cmd.Producer != "frontend" || cmd.ProducerSeq != 7 {
		t.Errorf("producer: got %s/%d, want frontend/7", cmd.Producer, cmd.ProducerSeq)
	}

	var p core.CreatePositionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p.Amount.Equal(sdkmath.NewInt(1000)) {
		t.Errorf("amount: got %s, want 1000", p.Amount)
	}
}

func TestParseCommandRejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
	}{
		{"not json", "fwd.cmd.settle", `{`},
		{"unknown type", "fwd.cmd.rebalance", `{"request_id":"a","caller":"b"}`},
		{"type mismatch", "fwd.cmd.settle", `{"request_id":"a","caller":"b","type":"redeem"}`},
		{"no request id", "fwd.cmd.settle", `{"caller":"b"}`},
		{"no caller", "fwd.cmd.settle", `{"request_id":"a"}`},
		{"wrong subject", "fwd.prices.settle", `{"request_id":"a","caller":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.subject, []byte(tt.body))
			if !errors.Is(err, types.ErrMalformedCommand) {
				t.Errorf("got %v, want ErrMalformedCommand", err)
			}
		})
	}
}

func TestParseObservation(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123).UTC()
	data, err := ingestion.MarshalObservation(42, oracle.PoolUpdate{
		PoolID:            7,
		Pair:              pair,
		Price:             sdkmath.NewInt(60),
		ReserveUnderlying: sdkmath.NewInt(1_000),
		ReserveQuote:      sdkmath.NewInt(60_000),
		Timestamp:         at,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cmd, err := ingestion.ParseObservation(ingestion.PriceSubject(pair), data, "reporter.near")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Type != core.CmdRecordObservation || cmd.Caller != "reporter.near" {
		t.Errorf("command: %s by %s", cmd.Type, cmd.Caller)
	}
	if cmd.RequestID != "obs:7:42" {
		t.Errorf("request id: got %s, want obs:7:42", cmd.RequestID)
	}
	if !cmd.At.Equal(at) {
		t.Errorf("at: got %s, want %s", cmd.At, at)
	}

	var p core.ObservationPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Sequence != 42 || p.Update.PoolID != 7 {
		t.Errorf("sequence/pool: got %d/%d", p.Sequence, p.Update.PoolID)
	}
	if !p.Update.Price.Equal(sdkmath.NewInt(60)) || !p.Update.ReserveQuote.Equal(sdkmath.NewInt(60_000)) {
		t.Errorf("price/reserve: got %s/%s", p.Update.Price, p.Update.ReserveQuote)
	}
}

func TestParseObservationRejects(t *testing.T) {
	good := `{"sequence":1,"pool_id":7,"underlying":"wrap.near","quote":"usdc.near","price":"60","timestamp_ms":1700000000000}`
	subject := ingestion.PriceSubject(pair)

	tests := []struct {
		name    string
		subject string
		body    string
		want    error
	}{
		{"wrong subject", "fwd.prices.other_near.usdc_near", good, types.ErrMalformedCommand},
		{"no pool", subject, `{"sequence":1,"underlying":"wrap.near","quote":"usdc.near","price":"60","timestamp_ms":1}`, types.ErrMalformedCommand},
		{"no sequence", subject, `{"pool_id":7,"underlying":"wrap.near","quote":"usdc.near","price":"60","timestamp_ms":1}`, types.ErrMalformedCommand},
		{"no timestamp", subject, `{"sequence":1,"pool_id":7,"underlying":"wrap.near","quote":"usdc.near","price":"60"}`, types.ErrMalformedCommand},
		{"zero price", subject, `{"sequence":1,"pool_id":7,"underlying":"wrap.near","quote":"usdc.near","price":"0","timestamp_ms":1}`, types.ErrZeroAmount},
		{"decimal price", subject, `{"sequence":1,"pool_id":7,"underlying":"wrap.near","quote":"usdc.near","price":"1.5","timestamp_ms":1}`, types.ErrInvalidAmount},
		{"same asset", "fwd.prices.wrap_near.wrap_near", `{"sequence":1,"pool_id":7,"underlying":"wrap.near","quote":"wrap.near","price":"60","timestamp_ms":1}`, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseObservation(tt.subject, []byte(tt.body), "reporter.near")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
