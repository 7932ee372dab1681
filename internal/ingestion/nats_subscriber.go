package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "FWD_COMMANDS"
	PriceStream   = "FWD_PRICES"
	EventStream   = "FWD_EVENTS"
)

// Kind tells the dispatcher how to parse a message.
type Kind int

const (
	KindCommand Kind = iota
	KindObservation
)

func (k Kind) String() string {
	if k == KindObservation {
		return "prices"
	}
	return "commands"
}

// RawMessage is an unparsed message from NATS, handed to the dispatcher.
type RawMessage struct {
	Kind     Kind
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func() // after the engine has decided on the message
	Nak      func() // on infrastructure failure; the message is redelivered
}

// SubjectConfig binds a durable consumer to a stream subject.
type SubjectConfig struct {
	Stream   string
	Subject  string
	Consumer string
	Kind     Kind
}

// DefaultSubjects returns the command and price consumers.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Stream: CommandStream, Subject: CommandSubjectPrefix + ">", Consumer: "forwardledger-commands", Kind: KindCommand},
		{Stream: PriceStream, Subject: PriceSubjectPrefix + ">", Consumer: "forwardledger-prices", Kind: KindObservation},
	}
}

// NATSSubscriber consumes JetStream subjects and forwards each message to
// the dispatcher channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out, log: log}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
			Durable:       cfg.Consumer,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			// one in flight keeps producer order intact
			MaxAckPending: 1,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Kind:     cfg.Kind,
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { _ = msg.Ack() },
				Nak:      func() { _ = msg.Nak() },
			}
			select {
			case ns.out <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the command, price and event streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: CommandStream, Subjects: []string{CommandSubjectPrefix + ">"}},
		{Name: PriceStream, Subjects: []string{PriceSubjectPrefix + ">"}},
		{Name: EventStream, Subjects: []string{EventSubjectPrefix + ">"}, Duplicates: 10 * time.Minute},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("forwardledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
