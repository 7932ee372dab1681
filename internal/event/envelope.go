package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketDeployed
	EventTypePositionCreated
	EventTypePositionRejected
	EventTypeMarketSettled
	EventTypePositionRedeemed
	EventTypePauseChanged
	EventTypeAdminUpdated
	EventTypeOracleConfigured
	EventTypePriceUpdated
	EventTypePriceRejected
	EventTypeFeeRouted
	EventTypeFeeDeferred
	EventTypeFeesWithdrawn
	EventTypeJournalPosted
)

var eventTypeNames = map[EventType]string{
	EventTypeMarketDeployed:   "MarketDeployed",
	EventTypePositionCreated:  "PositionCreated",
	EventTypePositionRejected: "PositionRejected",
	EventTypeMarketSettled:    "MarketSettled",
	EventTypePositionRedeemed: "PositionRedeemed",
	EventTypePauseChanged:     "PauseChanged",
	EventTypeAdminUpdated:     "AdminUpdated",
	EventTypeOracleConfigured: "OracleConfigured",
	EventTypePriceUpdated:     "PriceUpdated",
	EventTypePriceRejected:    "PriceRejected",
	EventTypeFeeRouted:        "FeeRouted",
	EventTypeFeeDeferred:      "FeeDeferred",
	EventTypeFeesWithdrawn:    "FeesWithdrawn",
	EventTypeJournalPosted:    "JournalPosted",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Request id of the command that produced the event
	IdempotencyKey string

	EventType EventType

	// Market context (nil for global events)
	MarketID *string

	// Protocol time of the event (injected clock, not wall-clock)
	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 of the chain after this event
	StateHash [32]byte

	// Previous event's state hash
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// OccurredAt is the protocol time at which the event was produced
	OccurredAt() time.Time
}

// Base carries the fields shared by every event.
type Base struct {
	Market *string   `json:"market_id,omitempty"`
	At     time.Time `json:"at"`
}

func (b Base) MarketID() *string     { return b.Market }
func (b Base) OccurredAt() time.Time { return b.At }

// NewBase builds a Base for a market-scoped event; pass "" for global events.
func NewBase(marketID string, at time.Time) Base {
	if marketID == "" {
		return Base{At: at}
	}
	m := marketID
	return Base{Market: &m, At: at}
}

// Sink receives events emitted by protocol components.
type Sink interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(evt Event) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Marshal encodes an event payload.
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

var constructors = map[EventType]func() Event{
	EventTypeMarketDeployed:   func() Event { return &MarketDeployed{} },
	EventTypePositionCreated:  func() Event { return &PositionCreated{} },
	EventTypePositionRejected: func() Event { return &PositionRejected{} },
	EventTypeMarketSettled:    func() Event { return &MarketSettled{} },
	EventTypePositionRedeemed: func() Event { return &PositionRedeemed{} },
	EventTypePauseChanged:     func() Event { return &PauseChanged{} },
	EventTypeAdminUpdated:     func() Event { return &AdminUpdated{} },
	EventTypeOracleConfigured: func() Event { return &OracleConfigured{} },
	EventTypePriceUpdated:     func() Event { return &PriceUpdated{} },
	EventTypePriceRejected:    func() Event { return &PriceRejected{} },
	EventTypeFeeRouted:        func() Event { return &FeeRouted{} },
	EventTypeFeeDeferred:      func() Event { return &FeeDeferred{} },
	EventTypeFeesWithdrawn:    func() Event { return &FeesWithdrawn{} },
	EventTypeJournalPosted:    func() Event { return &JournalPosted{} },
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(et EventType, payload []byte) (Event, error) {
	ctor, ok := constructors[et]
	if !ok {
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	evt := ctor()
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
