package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/event"
	"ForwardLedger/internal/factory"
	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// globalCheckInterval is how often, in events, every ledger and market is
// re-verified rather than only the ones a command touched.
const globalCheckInterval = 1000

// TokenConfig describes a base token ledger created at startup.
type TokenConfig struct {
	ID       types.AccountID
	Name     string
	Symbol   string
	Decimals uint8
	Minter   types.AccountID
}

type Config struct {
	Factory   factory.Config
	Collector fees.Config
	// OracleID is the account id the factory binds markets to.
	OracleID    types.AccountID
	OracleOwner types.AccountID
	// Reporter, when set, is the only caller allowed to record price
	// observations.
	Reporter            types.AccountID
	Tokens              []TokenConfig
	IdempotencyCapacity int
	FeedRetention       time.Duration
	// MaxClockSkew bounds how far past the wall clock a live command may
	// be stamped.
	MaxClockSkew time.Duration
	Breaker      oracle.BreakerConfig
}

type Options struct {
	// PersistChan receives every output with a blocking send.
	PersistChan chan<- CoreOutput
	// ProjectionChan and PublishChan are best-effort.
	ProjectionChan chan<- CoreOutput
	PublishChan    chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	PriceStore     oracle.PriceStore
	Metrics        *observability.Metrics
	Log            zerolog.Logger
}

// CommandRecord is the durable log entry of one executed command.
type CommandRecord struct {
	Seq       int64           `json:"seq"`
	Command   Command         `json:"command"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// CoreOutput is everything one command produced.
type CoreOutput struct {
	Record    CommandRecord
	Events    []event.Event
	Envelopes []*event.EventEnvelope
}

// Engine is the single writer in front of the protocol components. It
// serializes commands, runs them against the factory, markets, ledgers,
// oracle and fee collector, and sequences every event they emit into a
// hash chain.
type Engine struct {
	mu sync.Mutex

	cfg               Config
	directory         *ledger.Directory
	collector         *fees.Collector
	feed              *oracle.FeedSource
	breaker           *oracle.BreakerSource
	router            *oracle.Router
	factory           *factory.Factory
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	sequence   int64
	commandSeq int64
	// lastAt is the UnixNano time of the latest applied command. Command
	// times never run backward past it.
	lastAt int64

	// at is the UnixNano time of the executing command, 0 when idle.
	at atomic.Int64

	pendingMu sync.Mutex
	pending   []event.Event

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	if cfg.FeedRetention <= 0 {
		cfg.FeedRetention = 24 * time.Hour
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = time.Minute
	}
	if cfg.Breaker == (oracle.BreakerConfig{}) {
		cfg.Breaker = oracle.DefaultBreakerConfig()
	}
	log := opts.Log.With().Str("component", "core").Logger()

	e := &Engine{
		cfg:               cfg,
		hasher:            NewStateHasher(),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		log:               log,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
		publishChan:       opts.PublishChan,
	}
	e.idempotency = NewIdempotencyChecker(cfg.IdempotencyCapacity, opts.DBChecker, opts.Metrics, log)
	if opts.Metrics != nil {
		e.sequenceValidator.onGap = func(partition string, _, _ int64) {
			opts.Metrics.ObservationGaps.WithLabelValues(partition).Inc()
		}
	}

	sink := event.SinkFunc(e.capture)
	clock := types.Clock(e.now)

	e.directory = ledger.NewDirectory()
	e.directory.SetLedgerHook(e.hookLedger)
	for _, t := range cfg.Tokens {
		if err := t.ID.Validate(); err != nil {
			return nil, fmt.Errorf("token %q: %w", t.ID, err)
		}
		ledger.NewTokenLedger(t.ID, ledger.Metadata{Name: t.Name, Symbol: t.Symbol, Decimals: t.Decimals}, t.Minter, e.directory, opts.Log)
	}

	e.collector = fees.NewCollector(cfg.Collector, e.directory, sink, clock, opts.Log)
	e.feed = oracle.NewFeedSource(cfg.FeedRetention)
	e.breaker = oracle.NewBreakerSource(e.feed, cfg.Breaker, clock, opts.Log)
	e.router = oracle.NewRouter(cfg.OracleOwner, e.breaker, opts.PriceStore, sink, clock, opts.Log)
	e.router.SetDecimalsLookup(func(token types.AccountID) (uint8, bool) {
		l, ok := e.directory.Ledger(token)
		if !ok {
			return 0, false
		}
		return l.Metadata().Decimals, true
	})

	resolver := factory.StaticResolver{
		Oracles:    map[types.AccountID]market.PriceOracle{cfg.OracleID: e.router},
		Collectors: map[types.AccountID]factory.FeeAuthorizer{cfg.Collector.ID: e.collector},
	}
	e.factory = factory.New(cfg.Factory, e.directory, resolver, sink, clock, opts.Log)

	// the collector receives fees and the factory receives deposits on
	// every base token
	ctx := context.Background()
	for _, t := range cfg.Tokens {
		l, _ := e.directory.Ledger(t.ID)
		for _, acct := range []types.AccountID{cfg.Collector.ID, cfg.Factory.ID} {
			if acct == "" {
				continue
			}
			if _, err := l.StorageDeposit(ctx, acct); err != nil {
				return nil, fmt.Errorf("register %s on %s: %w", acct, t.ID, err)
			}
		}
	}
	// startup registrations are not part of any command
	e.drain()
	return e, nil
}

// now is the engine clock: the time of the executing command, or the wall
// clock between commands.
func (e *Engine) now() time.Time {
	if ns := e.at.Load(); ns != 0 {
		return time.Unix(0, ns).UTC()
	}
	return types.SystemClock()
}

func (e *Engine) capture(evt event.Event) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, evt)
	e.pendingMu.Unlock()
}

func (e *Engine) drain() []event.Event {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// hookLedger mirrors every journal of l as a JournalPosted event.
func (e *Engine) hookLedger(l *ledger.TokenLedger) {
	l.SetJournalHook(func(b *ledger.Batch) {
		for _, j := range b.Journals {
			e.capture(&event.JournalPosted{
				Base:        event.NewBase("", e.now()),
				Token:       string(j.Token),
				JournalType: j.JournalType.String(),
				Debit:       j.DebitAccount.AccountPath(),
				Credit:      j.CreditAccount.AccountPath(),
				Amount:      j.Amount,
				Memo:        j.Memo,
			})
		}
	})
}

// Execute runs one command. It returns the command's typed result, or
// the protocol error that rejected it. Events emitted on the way, by a
// rejected command too, are sequenced and sent downstream.
func (e *Engine) Execute(ctx context.Context, cmd Command) (interface{}, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if !cmd.Type.Valid() {
		return nil, errorsmod.Wrapf(types.ErrMalformedCommand, "unknown command %q", cmd.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executeLocked(ctx, cmd, false)
}

func (e *Engine) executeLocked(ctx context.Context, cmd Command, replay bool) (interface{}, error) {
	start := time.Now()
	name := string(cmd.Type)

	isDuplicate := !replay && e.idempotency.IsDuplicate(name, cmd.RequestID)
	if cmd.Producer != "" {
		if err := e.sequenceValidator.ValidateSequence(producerPartition(cmd.Producer), cmd.ProducerSeq, isDuplicate); err != nil {
			e.recordRejected(name, err)
			return nil, err
		}
	}
	if isDuplicate {
		err := errorsmod.Wrapf(types.ErrDuplicateRequest, "%s %s", cmd.Type, cmd.RequestID)
		e.recordRejected(name, err)
		return nil, err
	}

	if cmd.At.IsZero() {
		cmd.At = types.SystemClock()
	} else if !replay {
		if limit := types.SystemClock().Add(e.cfg.MaxClockSkew); cmd.At.After(limit) {
			err := errorsmod.Wrapf(types.ErrClockSkew, "%s stamped %s, wall clock allows up to %s",
				cmd.RequestID, cmd.At.Format(time.RFC3339), limit.Format(time.RFC3339))
			e.recordRejected(name, err)
			return nil, err
		}
	}
	// the clock is monotonic; the record keeps the time actually applied
	if cmd.At.UnixNano() < e.lastAt {
		cmd.At = time.Unix(0, e.lastAt).UTC()
	}
	e.lastAt = cmd.At.UnixNano()
	e.at.Store(e.lastAt)
	result, err := e.dispatch(ctx, cmd)
	e.at.Store(0)

	record := CommandRecord{Seq: e.commandSeq, Command: cmd}
	e.commandSeq++
	if err != nil {
		record.Error = err.Error()
		record.ErrorKind = types.KindOf(err).String()
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			panic(fmt.Sprintf("FATAL: encode %s result: %v", cmd.Type, mErr))
		}
		record.Result = raw
	}

	events := e.drain()
	output := CoreOutput{Record: record, Events: events}
	for _, evt := range events {
		output.Envelopes = append(output.Envelopes, e.sequenceEvent(cmd.RequestID, evt))
		e.observeEvent(evt)
	}

	if vErr := e.postCheckInvariants(events); vErr != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", cmd.Type, cmd.RequestID, vErr))
	}

	if !replay {
		e.emit(output)
	}
	if err == nil {
		e.idempotency.MarkProcessed(name, cmd.RequestID)
	}

	if e.metrics != nil {
		if err != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(name, types.KindOf(err).String()).Inc()
		} else {
			e.metrics.CoreCommandsApplied.WithLabelValues(name).Inc()
		}
		e.metrics.CoreCommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return result, err
}

func (e *Engine) recordRejected(name string, err error) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(name, types.KindOf(err).String()).Inc()
	}
}

// sequenceEvent assigns the next global sequence and chains the hash.
func (e *Engine) sequenceEvent(requestID string, evt event.Event) *event.EventEnvelope {
	payload, err := event.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, eventDigest(evt.EventType(), payload))
	env := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: requestID,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}
	e.sequence++
	return env
}

// emit sends an output downstream. The persist channel blocks so no
// output is lost; the others drop when full and are rebuilt from the log.
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) observeEvent(evt event.Event) {
	m := e.metrics
	if m == nil {
		return
	}
	m.CoreEventsEmitted.WithLabelValues(evt.EventType().String()).Inc()
	switch ev := evt.(type) {
	case *event.MarketDeployed:
		m.MarketsDeployed.Inc()
	case *event.MarketSettled:
		m.MarketsSettled.Inc()
	case *event.PositionCreated:
		m.PositionsCreated.Inc()
	case *event.PositionRejected:
		m.PositionsRejected.Inc()
	case *event.PositionRedeemed:
		m.PositionsRedeemed.Inc()
	case *event.FeeRouted:
		m.FeesRouted.WithLabelValues(ev.Kind).Inc()
	case *event.FeeDeferred:
		m.FeesDeferred.WithLabelValues(ev.Kind).Inc()
	case *event.PriceUpdated:
		m.OraclePriceUpdates.WithLabelValues(ev.Underlying + ":" + ev.Quote).Inc()
	case *event.PriceRejected:
		m.OracleRejections.WithLabelValues(ev.Underlying+":"+ev.Quote, ev.Reason).Inc()
	}
}

// postCheckInvariants re-verifies the markets and ledgers the events
// touched, and everything every globalCheckInterval events.
func (e *Engine) postCheckInvariants(events []event.Event) error {
	markets := map[string]struct{}{}
	tokens := map[string]struct{}{}
	for _, evt := range events {
		if id := evt.MarketID(); id != nil {
			markets[*id] = struct{}{}
		}
		if j, ok := evt.(*event.JournalPosted); ok {
			tokens[j.Token] = struct{}{}
		}
	}

	if e.sequence > 0 && e.sequence/globalCheckInterval != (e.sequence-int64(len(events)))/globalCheckInterval {
		return e.checkAllInvariants()
	}

	for id := range markets {
		m, ok := e.factory.MarketByID(types.AccountID(id))
		if !ok {
			continue
		}
		if err := m.CheckInvariants(); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}
	for id := range tokens {
		l, ok := e.directory.Ledger(types.AccountID(id))
		if !ok {
			continue
		}
		if err := l.CheckInvariants(); err != nil {
			return fmt.Errorf("ledger %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) checkAllInvariants() error {
	for _, l := range e.directory.Ledgers() {
		if err := l.CheckInvariants(); err != nil {
			return fmt.Errorf("ledger %s: %w", l.ID(), err)
		}
	}
	for _, m := range e.factory.Markets() {
		if err := m.CheckInvariants(); err != nil {
			return fmt.Errorf("market %s: %w", m.ID(), err)
		}
	}
	return nil
}

// Replay re-executes logged commands after a snapshot restore. Records at
// or below the restored command sequence are skipped. Outputs are not
// re-emitted.
func (e *Engine) Replay(ctx context.Context, records []CommandRecord) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	applied := 0
	for _, r := range records {
		if r.Seq < e.commandSeq {
			continue
		}
		if r.Seq != e.commandSeq {
			return applied, fmt.Errorf("replay gap: expected command %d, got %d", e.commandSeq, r.Seq)
		}
		_, err := e.executeLocked(ctx, r.Command, true)
		if (err == nil) != (r.Error == "") {
			e.log.Warn().
				Int64("seq", r.Seq).
				Str("request_id", r.Command.RequestID).
				AnErr("replayed", err).
				Str("logged", r.Error).
				Msg("replay outcome diverged from the log")
		}
		applied++
		if e.metrics != nil {
			e.metrics.ReplayEventsTotal.Inc()
		}
	}
	return applied, nil
}

// WarmLRU loads recent composite request keys into the dedup LRU.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next event sequence to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetCommandSequence returns the next command sequence to assign.
func (e *Engine) GetCommandSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commandSeq
}

// GetStateHash returns the current chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

func (e *Engine) Factory() *factory.Factory { return e.factory }

func (e *Engine) Router() *oracle.Router { return e.router }

func (e *Engine) Breaker() *oracle.BreakerSource { return e.breaker }

func (e *Engine) Collector() *fees.Collector { return e.collector }

func (e *Engine) Directory() *ledger.Directory { return e.directory }

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.now() }
