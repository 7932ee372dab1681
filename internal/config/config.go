// Package config defines the service configuration and maps it onto the
// engine and infrastructure settings.
package config

import (
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/factory"
	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by FWD_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	NATS       NATSConfig       `toml:"nats"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Protocol   ProtocolConfig   `toml:"protocol"`
	Oracle     OracleConfig     `toml:"oracle"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Persist    PersistConfig    `toml:"persist"`
	LogLevel   string           `toml:"log_level"`
	Migrations MigrationsConfig `toml:"migrations"`
}

type ServerConfig struct {
	HTTPAddr        string   `toml:"http_addr"`
	GRPCAddr        string   `toml:"grpc_addr"`
	MetricsAddr     string   `toml:"metrics_addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig holds the event log database settings.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime duration `toml:"conn_max_lifetime"`
}

type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// S3Config holds the snapshot archive bucket. Credentials fall back to the
// default AWS chain when the keys are empty.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ProtocolConfig names the accounts and costs of the deployed protocol.
// Amounts are base-unit integer strings.
type ProtocolConfig struct {
	Owner             string        `toml:"owner"`
	Guardian          string        `toml:"guardian"`
	Treasury          string        `toml:"treasury"`
	Reporter          string        `toml:"reporter"`
	FactoryID         string        `toml:"factory_id"`
	FeeCollectorID    string        `toml:"fee_collector_id"`
	OracleID          string        `toml:"oracle_id"`
	NativeToken       string        `toml:"native_token"`
	MarketStorageCost string        `toml:"market_storage_cost"`
	TokenStorageCost  string        `toml:"token_storage_cost"`
	MaxPageLimit      uint64        `toml:"max_page_limit"`
	// MaxClockSkew bounds how far past wall time a command may be stamped.
	MaxClockSkew duration      `toml:"max_clock_skew"`
	Tokens       []TokenConfig `toml:"tokens"`
}

// TokenConfig registers a fungible token with the engine at startup.
type TokenConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
	Minter   string `toml:"minter"`
}

type OracleConfig struct {
	FeedRetention    duration `toml:"feed_retention"`
	BreakerFailures  int      `toml:"breaker_failures"`
	BreakerSuccesses int      `toml:"breaker_successes"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
}

// KeeperConfig holds the cron specs of the scheduled jobs. An empty spec
// disables the job.
type KeeperConfig struct {
	Enabled      bool     `toml:"enabled"`
	SettleSpec   string   `toml:"settle_spec"`
	RefreshSpec  string   `toml:"refresh_spec"`
	FeeRetrySpec string   `toml:"fee_retry_spec"`
	SnapshotSpec string   `toml:"snapshot_spec"`
	Caller       string   `toml:"caller"`
	LockTTL      duration `toml:"lock_ttl"`
}

type SnapshotConfig struct {
	Keep            int `toml:"keep"`
	RecoverPageSize int `toml:"recover_page_size"`
}

type PersistConfig struct {
	BatchSize           int      `toml:"batch_size"`
	FlushTimeout        duration `toml:"flush_timeout"`
	PersistBuffer       int      `toml:"persist_buffer"`
	ProjectionBuffer    int      `toml:"projection_buffer"`
	PublishBuffer       int      `toml:"publish_buffer"`
	IngestBuffer        int      `toml:"ingest_buffer"`
	IdempotencyCapacity int      `toml:"idempotency_capacity"`
}

type MigrationsConfig struct {
	Dir  string `toml:"dir"`
	Auto bool   `toml:"auto"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration that runs against local Postgres with NATS,
// Redis and S3 disabled.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			MetricsAddr:     ":9100",
			ReadTimeout:     duration{10 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			DSN:             "postgres://localhost:5432/forwardledger?sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: duration{5 * time.Minute},
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{Region: "us-east-1", Bucket: "forwardledger-snapshots"},
		Protocol: ProtocolConfig{
			Owner:             "owner.near",
			Guardian:          "guardian.near",
			Treasury:          "treasury.near",
			Reporter:          "reporter.near",
			FactoryID:         "factory.near",
			FeeCollectorID:    "fees.near",
			OracleID:          "oracle.near",
			NativeToken:       "near",
			MarketStorageCost: "5000000000000000000000000",
			TokenStorageCost:  "2500000000000000000000000",
			MaxPageLimit:      100,
			MaxClockSkew:      duration{time.Minute},
			Tokens: []TokenConfig{
				{ID: "near", Name: "NEAR", Symbol: "NEAR", Decimals: 24, Minter: "faucet.near"},
				{ID: "usdc.near", Name: "USD Coin", Symbol: "USDC", Decimals: 6, Minter: "faucet.near"},
			},
		},
		Oracle: OracleConfig{
			FeedRetention:    duration{24 * time.Hour},
			BreakerFailures:  5,
			BreakerSuccesses: 2,
			BreakerCooldown:  duration{30 * time.Second},
		},
		Keeper: KeeperConfig{
			Enabled:      true,
			SettleSpec:   "@every 1m",
			RefreshSpec:  "@every 30s",
			FeeRetrySpec: "@every 5m",
			SnapshotSpec: "@every 10m",
			Caller:       "keeper.near",
			LockTTL:      duration{time.Minute},
		},
		Snapshot: SnapshotConfig{Keep: 5, RecoverPageSize: 1000},
		Persist: PersistConfig{
			BatchSize:           256,
			FlushTimeout:        duration{50 * time.Millisecond},
			PersistBuffer:       4096,
			ProjectionBuffer:    4096,
			PublishBuffer:       4096,
			IngestBuffer:        1024,
			IdempotencyCapacity: 100_000,
		},
		LogLevel:   "info",
		Migrations: MigrationsConfig{Dir: "migrations", Auto: true},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for errors that would prevent startup.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Postgres.DSN == "" {
		errs = append(errs, "postgres: dsn must not be empty")
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server: http_addr must not be empty")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url is required when enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket is required when enabled")
	}

	p := c.Protocol
	for name, v := range map[string]string{
		"owner":            p.Owner,
		"guardian":         p.Guardian,
		"treasury":         p.Treasury,
		"factory_id":       p.FactoryID,
		"fee_collector_id": p.FeeCollectorID,
		"oracle_id":        p.OracleID,
		"native_token":     p.NativeToken,
	} {
		if err := types.AccountID(v).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("protocol: %s: %v", name, err))
		}
	}
	for name, v := range map[string]string{
		"market_storage_cost": p.MarketStorageCost,
		"token_storage_cost":  p.TokenStorageCost,
	} {
		if _, ok := sdkmath.NewIntFromString(v); !ok {
			errs = append(errs, fmt.Sprintf("protocol: %s %q is not an integer", name, v))
		}
	}
	if p.MaxPageLimit == 0 {
		errs = append(errs, "protocol: max_page_limit must be positive")
	}
	native := false
	for i, t := range p.Tokens {
		if err := types.AccountID(t.ID).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("protocol: tokens[%d]: %v", i, err))
		}
		if t.ID == p.NativeToken {
			native = true
		}
	}
	if !native {
		errs = append(errs, fmt.Sprintf("protocol: native_token %q is not in tokens", p.NativeToken))
	}

	if c.Keeper.Enabled && c.Keeper.LockTTL.Duration <= 0 {
		errs = append(errs, "keeper: lock_ttl must be positive")
	}
	if c.Persist.BatchSize <= 0 {
		errs = append(errs, "persist: batch_size must be positive")
	}
	if c.Snapshot.Keep < 1 {
		errs = append(errs, "snapshot: keep must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Engine maps the protocol and oracle sections onto the engine config.
// Validate must have succeeded.
func (c *Config) Engine() core.Config {
	p := c.Protocol
	marketCost, _ := sdkmath.NewIntFromString(p.MarketStorageCost)
	tokenCost, _ := sdkmath.NewIntFromString(p.TokenStorageCost)

	tokens := make([]core.TokenConfig, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		tokens = append(tokens, core.TokenConfig{
			ID:       types.AccountID(t.ID),
			Name:     t.Name,
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
			Minter:   types.AccountID(t.Minter),
		})
	}

	return core.Config{
		Factory: factory.Config{
			ID:                types.AccountID(p.FactoryID),
			Owner:             types.AccountID(p.Owner),
			Guardian:          types.AccountID(p.Guardian),
			Oracle:            types.AccountID(p.OracleID),
			FeeCollector:      types.AccountID(p.FeeCollectorID),
			NativeToken:       types.AccountID(p.NativeToken),
			MarketStorageCost: marketCost,
			TokenStorageCost:  tokenCost,
			MaxPageLimit:      p.MaxPageLimit,
		},
		Collector: fees.Config{
			ID:        types.AccountID(p.FeeCollectorID),
			Owner:     types.AccountID(p.Owner),
			Registrar: types.AccountID(p.FactoryID),
			Treasury:  types.AccountID(p.Treasury),
		},
		OracleID:            types.AccountID(p.OracleID),
		OracleOwner:         types.AccountID(p.Owner),
		Reporter:            types.AccountID(p.Reporter),
		Tokens:              tokens,
		IdempotencyCapacity: c.Persist.IdempotencyCapacity,
		FeedRetention:       c.Oracle.FeedRetention.Duration,
		MaxClockSkew:        p.MaxClockSkew.Duration,
		Breaker: oracle.BreakerConfig{
			FailureThreshold: c.Oracle.BreakerFailures,
			SuccessThreshold: c.Oracle.BreakerSuccesses,
			Cooldown:         c.Oracle.BreakerCooldown.Duration,
		},
	}
}
