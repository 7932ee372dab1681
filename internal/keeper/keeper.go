// Package keeper runs the protocol's periodic maintenance on a cron
// schedule: settling matured markets, refreshing oracle prices, retrying
// deferred fee routing and taking snapshots. Each job holds a distributed
// lock while it runs so that only one replica acts per tick.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/persistence"
	"ForwardLedger/internal/types"
)

const (
	JobSettle   = "settle"
	JobRefresh  = "refresh"
	JobFeeRetry = "fee_retry"
	JobSnapshot = "snapshot"
)

// ErrLocked is returned by a job that found another replica holding its lock.
var ErrLocked = errors.New("keeper job lock held elsewhere")

// Locker is a distributed mutex. Acquire returns the release function or
// an error when the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SnapshotStore persists and verifies engine snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (persistence.SnapshotInfo, error)
	VerifyPending(ctx context.Context) (int, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

type Config struct {
	// Cron specs; an empty spec disables the job.
	SettleSpec   string
	RefreshSpec  string
	FeeRetrySpec string
	SnapshotSpec string

	Caller       types.AccountID
	LockTTL      time.Duration
	SnapshotKeep int
}

// Keeper schedules the maintenance jobs.
type Keeper struct {
	cfg       Config
	engine    *core.Engine
	snapshots SnapshotStore
	locker    Locker
	metrics   *observability.Metrics
	clock     types.Clock
	cron      *cron.Cron
	log       zerolog.Logger
}

// Option customizes a Keeper.
type Option func(*Keeper)

// WithLocker coordinates jobs across replicas. Without one every replica
// runs every job and relies on request id deduplication.
func WithLocker(l Locker) Option {
	return func(k *Keeper) { k.locker = l }
}

// WithSnapshots enables the snapshot job.
func WithSnapshots(s SnapshotStore) Option {
	return func(k *Keeper) { k.snapshots = s }
}

// WithClock sets the protocol time stamped on keeper commands.
func WithClock(c types.Clock) Option {
	return func(k *Keeper) { k.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(k *Keeper) { k.metrics = m }
}

// New validates the schedule and registers the enabled jobs.
func New(cfg Config, engine *core.Engine, log zerolog.Logger, opts ...Option) (*Keeper, error) {
	if err := cfg.Caller.Validate(); err != nil {
		return nil, fmt.Errorf("keeper caller: %w", err)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	k := &Keeper{
		cfg:    cfg,
		engine: engine,
		clock:  types.SystemClock,
		log:    log.With().Str("component", "keeper").Logger(),
	}
	for _, o := range opts {
		o(k)
	}

	cl := cronLogger{log: k.log}
	k.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	jobs := []struct {
		name string
		spec string
	}{
		{JobSettle, cfg.SettleSpec},
		{JobRefresh, cfg.RefreshSpec},
		{JobFeeRetry, cfg.FeeRetrySpec},
		{JobSnapshot, cfg.SnapshotSpec},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if j.name == JobSnapshot && k.snapshots == nil {
			k.log.Warn().Msg("snapshot job scheduled without a snapshot store, skipping")
			continue
		}
		name := j.name
		if _, err := k.cron.AddFunc(j.spec, func() { k.tick(name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, j.spec, err)
		}
		k.log.Info().Str("job", name).Str("spec", j.spec).Msg("job scheduled")
	}
	return k, nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (k *Keeper) Run(ctx context.Context) error {
	k.cron.Start()
	k.log.Info().Int("jobs", len(k.cron.Entries())).Msg("keeper started")
	<-ctx.Done()
	<-k.cron.Stop().Done()
	k.log.Info().Msg("keeper stopped")
	return nil
}

func (k *Keeper) tick(job string) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.LockTTL)
	defer cancel()
	if err := k.RunJob(ctx, job); err != nil && !errors.Is(err, ErrLocked) {
		k.log.Warn().Err(err).Str("job", job).Msg("job failed")
	}
}

// RunJob runs one job immediately under its lock.
func (k *Keeper) RunJob(ctx context.Context, job string) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if k.metrics != nil {
			k.metrics.KeeperRuns.WithLabelValues(job, outcome).Inc()
			k.metrics.KeeperDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
		}
	}()

	if k.locker != nil {
		release, err := k.locker.Acquire(ctx, "keeper:"+job, k.cfg.LockTTL)
		if err != nil {
			outcome = "skipped"
			k.log.Debug().Err(err).Str("job", job).Msg("lock not acquired")
			return fmt.Errorf("%w: %v", ErrLocked, err)
		}
		defer release()
	}

	var (
		done int
		err  error
	)
	switch job {
	case JobSettle:
		done, err = k.settleMatured(ctx)
	case JobRefresh:
		done, err = k.refreshPrices(ctx)
	case JobFeeRetry:
		done, err = k.retryFees(ctx)
	case JobSnapshot:
		done, err = k.snapshot(ctx)
	default:
		outcome = "error"
		return fmt.Errorf("unknown keeper job %q", job)
	}
	if err != nil {
		outcome = "partial"
	}
	k.log.Debug().Str("job", job).Int("done", done).Dur("took", time.Since(start)).Msg("job finished")
	return err
}

// command builds a keeper command. The request id names job, target and
// second, so replicas firing on the same tick deduplicate.
func (k *Keeper) command(job string, typ core.CommandType, target string, at time.Time, payload interface{}) (core.Command, error) {
	rid := fmt.Sprintf("keeper:%s:%s:%d", job, target, at.Unix())
	cmd, err := core.NewCommand(rid, typ, k.cfg.Caller, payload)
	if err != nil {
		return core.Command{}, err
	}
	cmd.At = at
	return cmd, nil
}

// settleMatured settles every matured, unsettled market. Markets whose
// price is not yet acceptable are retried on the next tick.
func (k *Keeper) settleMatured(ctx context.Context) (int, error) {
	now := k.clock().UTC().Truncate(time.Second)
	var (
		settled int
		errs    []error
	)
	for _, m := range k.engine.Factory().Markets() {
		st := m.State()
		if st.IsSettled || st.PausedSettle || !m.IsMature(now) {
			continue
		}
		id := m.ID().String()
		cmd, err := k.command(JobSettle, core.CmdSettle, id, now, core.MarketRef{Market: id})
		if err != nil {
			return settled, err
		}
		if _, err := k.engine.Execute(ctx, cmd); err != nil {
			if errors.Is(err, types.ErrAlreadySettled) || errors.Is(err, types.ErrSettlementRaceLost) {
				continue
			}
			k.log.Warn().Err(err).Str("market", id).Msg("settlement attempt failed")
			errs = append(errs, fmt.Errorf("settle %s: %w", id, err))
			continue
		}
		settled++
		k.log.Info().Str("market", id).Msg("market settled by keeper")
	}
	return settled, errors.Join(errs...)
}

// refreshPrices fetches and persists every configured pair.
func (k *Keeper) refreshPrices(ctx context.Context) (int, error) {
	router := k.engine.Router()
	if router.Paused() {
		return 0, nil
	}
	now := k.clock().UTC().Truncate(time.Second)
	var (
		refreshed int
		errs      []error
	)
	for _, pair := range router.Pairs() {
		cmd, err := k.command(JobRefresh, core.CmdFetchPrice, pair.Key(), now, core.FetchPricePayload{Pair: pair, Persist: true})
		if err != nil {
			return refreshed, err
		}
		if _, err := k.engine.Execute(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", pair.Key(), err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// retryFees re-sends deferred fees of every market that holds some.
func (k *Keeper) retryFees(ctx context.Context) (int, error) {
	now := k.clock().UTC().Truncate(time.Second)
	var (
		retried int
		errs    []error
	)
	for _, m := range k.engine.Factory().Markets() {
		if !m.UnroutedFees().IsPositive() {
			continue
		}
		id := m.ID().String()
		cmd, err := k.command(JobFeeRetry, core.CmdRetryFeeRouting, id, now, core.MarketRef{Market: id})
		if err != nil {
			return retried, err
		}
		res, err := k.engine.Execute(ctx, cmd)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry fees %s: %w", id, err))
			continue
		}
		if r, ok := res.(core.AmountResult); ok && r.Amount.IsPositive() {
			retried++
			k.log.Info().Str("market", id).Str("routed", r.Amount.String()).Msg("deferred fees routed")
		}
	}
	return retried, errors.Join(errs...)
}

// snapshot saves the engine state, verifies snapshots whose events are
// now durable and prunes old ones.
func (k *Keeper) snapshot(ctx context.Context) (int, error) {
	if k.snapshots == nil {
		return 0, nil
	}
	verified, err := k.snapshots.VerifyPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("verify pending snapshots: %w", err)
	}
	if k.engine.GetSequence() == 0 {
		return verified, nil
	}
	info, err := k.snapshots.SaveSnapshot(ctx, k.engine.CreateSnapshotState())
	if err != nil {
		return verified, fmt.Errorf("save snapshot: %w", err)
	}
	k.log.Info().Int64("sequence", info.Sequence).Int("bytes", info.SizeBytes).Msg("snapshot saved")
	if k.cfg.SnapshotKeep > 0 {
		if _, err := k.snapshots.Prune(ctx, k.cfg.SnapshotKeep); err != nil {
			return verified + 1, fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return verified + 1, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
