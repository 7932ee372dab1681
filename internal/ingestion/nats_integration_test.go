package ingestion_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/ingestion"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/testutil"
	"ForwardLedger/internal/types"
)

func TestNATSObservationRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}

	// a fresh pair and consumer per run, so earlier runs' messages are ignored
	run := time.Now().UnixNano()
	pair := oracle.Pair{
		Underlying: types.AccountID(fmt.Sprintf("tok%d.near", run)),
		Quote:      "usdc.near",
	}
	subject := ingestion.PriceSubject(pair)

	out := make(chan ingestion.RawMessage, 1)
	sub := ingestion.NewNATSSubscriber(js, out, zerolog.Nop())
	if err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Stream:   ingestion.PriceStream,
		Subject:  subject,
		Consumer: fmt.Sprintf("it-prices-%d", run),
		Kind:     ingestion.KindObservation,
	}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Stop()

	data, err := ingestion.MarshalObservation(1, oracle.PoolUpdate{
		PoolID:    9,
		Pair:      pair,
		Price:     sdkmath.NewInt(4_200_000),
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("MarshalObservation: %v", err)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case raw := <-out:
		if raw.Kind != ingestion.KindObservation || raw.Subject != subject {
			t.Fatalf("unexpected message %s on %s", raw.Kind, raw.Subject)
		}
		cmd, err := ingestion.ParseObservation(raw.Subject, raw.Data, "reporter.near")
		if err != nil {
			t.Fatalf("ParseObservation: %v", err)
		}
		if cmd.Type != core.CmdRecordObservation {
			t.Errorf("command type: got %s", cmd.Type)
		}
		raw.Ack()
	case <-ctx.Done():
		t.Fatal("observation not delivered")
	}
}
