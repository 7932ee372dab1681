package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ForwardLedger/internal/cache/redis"
	"ForwardLedger/internal/config"
	"ForwardLedger/internal/core"
	"ForwardLedger/internal/ingestion"
	"ForwardLedger/internal/keeper"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/persistence"
	"ForwardLedger/internal/projection"
	"ForwardLedger/internal/query"
	"ForwardLedger/internal/server"
	"ForwardLedger/internal/types"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "forwardledger",
		Short:         "Bounded forward market ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("FWD_CONFIG"), "path to the TOML config file")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "forwardledger: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := observability.NewLoggerWithLevel("forwardledger", observability.ParseLogLevel(cfg.LogLevel))
	log.Info().Msg("ForwardLedger starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	if cfg.Migrations.Auto {
		if err := persistence.NewMigrator(db, cfg.Migrations.Dir, log).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.AddProbe("postgres", db.PingContext)

	// --- Redis (optional) ---
	var (
		priceStore *redis.PriceStore
		locker     *redis.LockManager
	)
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		priceStore = redis.NewPriceStore(rc)
		locker = redis.NewLockManager(rc)
		health.AddProbe("redis", rc.Ping)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
	}

	// --- S3 snapshot archive (optional) ---
	var archiver persistence.Archiver
	if cfg.S3.Enabled {
		a, err := persistence.NewS3Archiver(ctx, persistence.S3Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = a
		health.AddProbe("s3", a.Health)
	}

	// --- Channels ---
	// The persist channel blocks (no output may be lost); projection and
	// publish drop when full.
	persistCh := make(chan core.CoreOutput, cfg.Persist.PersistBuffer)
	projectionCh := make(chan core.CoreOutput, cfg.Persist.ProjectionBuffer)
	var publishCh chan core.CoreOutput
	if cfg.NATS.Enabled {
		publishCh = make(chan core.CoreOutput, cfg.Persist.PublishBuffer)
	}

	// --- Engine ---
	opts := core.Options{
		PersistChan:    persistCh,
		ProjectionChan: projectionCh,
		PublishChan:    publishCh,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Log:            log,
	}
	if priceStore != nil {
		opts.PriceStore = priceStore
	}
	engine, err := core.NewEngine(cfg.Engine(), opts)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- Recovery ---
	snapshots := persistence.NewSnapshotManager(db, archiver, metrics, log)
	replayed, err := snapshots.Recover(ctx, engine, cfg.Snapshot.RecoverPageSize)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if warmed, err := engine.Router().Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("price cache warm-up failed")
	} else if warmed > 0 {
		log.Info().Int("pairs", warmed).Msg("price cache warmed")
	}

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout.Duration, metrics, log)
	persistWorker.OnFlush(func(ctx context.Context, _ int64) {
		if _, err := snapshots.VerifyPending(ctx); err != nil {
			log.Warn().Err(err).Msg("snapshot verification failed")
		}
	})
	projWorker := projection.NewProjectionWorker(db, projectionCh, log)

	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Engine:       engine,
		Query:        query.NewQueryService(db),
		Snapshots:    snapshots,
		Projection:   projWorker,
		Health:       health,
		Metrics:      metrics,
		SnapshotKeep: cfg.Snapshot.Keep,
		Log:          log,
	})
	if err != nil {
		return err
	}

	var keep *keeper.Keeper
	if cfg.Keeper.Enabled {
		kopts := []keeper.Option{keeper.WithSnapshots(snapshots), keeper.WithMetrics(metrics)}
		if locker != nil {
			kopts = append(kopts, keeper.WithLocker(locker))
		}
		keep, err = keeper.New(keeper.Config{
			SettleSpec:   cfg.Keeper.SettleSpec,
			RefreshSpec:  cfg.Keeper.RefreshSpec,
			FeeRetrySpec: cfg.Keeper.FeeRetrySpec,
			SnapshotSpec: cfg.Keeper.SnapshotSpec,
			Caller:       types.AccountID(cfg.Keeper.Caller),
			LockTTL:      cfg.Keeper.LockTTL.Duration,
			SnapshotKeep: cfg.Snapshot.Keep,
		}, engine, log, kopts...)
		if err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
	}

	// Workers stop when their inputs are closed after the producers, so they
	// get their own context, cancelled only if the drain times out.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	var workers errgroup.Group
	workers.Go(func() error { return persistWorker.Run(workCtx) })
	workers.Go(func() error { return projWorker.Run(workCtx) })

	g, gctx := errgroup.WithContext(ctx)

	// --- NATS (optional) ---
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		health.AddProbe("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		workers.Go(func() error { return ingestion.NewOutboundPublisher(js, publishCh, log).Run(workCtx) })

		rawCh := make(chan ingestion.RawMessage, cfg.Persist.IngestBuffer)
		sub := ingestion.NewNATSSubscriber(js, rawCh, log)
		if err := sub.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Stop()
		dispatcher := ingestion.NewDispatcher(engine, types.AccountID(cfg.Protocol.Reporter), metrics, log)
		g.Go(func() error { return dispatcher.Run(gctx, rawCh) })
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS ingestion started")
	}

	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error {
		return srv.StartHTTP(gctx, cfg.Server.ReadTimeout.Duration, cfg.Server.ShutdownTimeout.Duration)
	})
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, log) })
	if keep != nil {
		g.Go(func() error { return keep.Run(gctx) })
	}

	health.SetReady(true)
	srv.SetServing(true)
	log.Info().
		Int("replayed", replayed).
		Int64("sequence", engine.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("ForwardLedger ready")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("service failed, shutting down")
	} else {
		runErr = nil
		log.Info().Msg("shutting down")
	}
	health.SetReady(false)

	// Every producer has stopped: close the outputs so the workers flush
	// what is buffered and return.
	close(persistCh)
	close(projectionCh)
	if publishCh != nil {
		close(publishCh)
	}
	drained := make(chan error, 1)
	go func() { drained <- workers.Wait() }()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker failed during drain")
		}
	case <-time.After(cfg.Server.ShutdownTimeout.Duration):
		log.Warn().Msg("workers did not drain in time")
		stopWork()
		<-drained
	}

	finalSnapshot(snapshots, engine, cfg.Snapshot.Keep, log)
	log.Info().Msg("ForwardLedger shutdown complete")
	return runErr
}

// finalSnapshot saves the engine state once the log is durable. It is
// verified at the next start.
func finalSnapshot(snapshots *persistence.SnapshotManager, engine *core.Engine, keep int, log zerolog.Logger) {
	if engine.GetSequence() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := snapshots.SaveSnapshot(ctx, engine.CreateSnapshotState())
	if err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
		return
	}
	if _, err := snapshots.VerifyPending(ctx); err != nil {
		log.Warn().Err(err).Msg("final snapshot verification failed")
	}
	if keep > 0 {
		if _, err := snapshots.Prune(ctx, keep); err != nil {
			log.Warn().Err(err).Msg("snapshot prune failed")
		}
	}
	log.Info().Int64("sequence", info.Sequence).Msg("final snapshot saved")
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
