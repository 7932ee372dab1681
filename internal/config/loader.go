package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over the defaults, then applies FWD_*
// environment overrides. An empty path skips the file. The result has NOT
// been validated; call Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose FWD_* variable is set, so
// secrets and per-environment addresses stay out of the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "FWD_LOG_LEVEL")

	// ── Server ──
	setStr(&cfg.Server.HTTPAddr, "FWD_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "FWD_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "FWD_METRICS_ADDR")
	setDuration(&cfg.Server.ReadTimeout, "FWD_HTTP_READ_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "FWD_SHUTDOWN_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FWD_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "FWD_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "FWD_POSTGRES_MAX_IDLE_CONNS")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "FWD_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "FWD_NATS_URL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FWD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FWD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FWD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FWD_REDIS_DB")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FWD_S3_ENABLED")
	setStr(&cfg.S3.Bucket, "FWD_S3_BUCKET")
	setStr(&cfg.S3.Region, "FWD_S3_REGION")
	setStr(&cfg.S3.Endpoint, "FWD_S3_ENDPOINT")
	setStr(&cfg.S3.AccessKey, "FWD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FWD_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "FWD_S3_FORCE_PATH_STYLE")

	// ── Protocol ──
	setStr(&cfg.Protocol.Owner, "FWD_OWNER")
	setStr(&cfg.Protocol.Guardian, "FWD_GUARDIAN")
	setStr(&cfg.Protocol.Treasury, "FWD_TREASURY")
	setStr(&cfg.Protocol.Reporter, "FWD_REPORTER")
	setStr(&cfg.Protocol.FactoryID, "FWD_FACTORY_ID")
	setStr(&cfg.Protocol.FeeCollectorID, "FWD_FEE_COLLECTOR_ID")
	setStr(&cfg.Protocol.OracleID, "FWD_ORACLE_ID")
	setStr(&cfg.Protocol.NativeToken, "FWD_NATIVE_TOKEN")
	setStr(&cfg.Protocol.MarketStorageCost, "FWD_MARKET_STORAGE_COST")
	setStr(&cfg.Protocol.TokenStorageCost, "FWD_TOKEN_STORAGE_COST")
	setUint64(&cfg.Protocol.MaxPageLimit, "FWD_MAX_PAGE_LIMIT")
	setDuration(&cfg.Protocol.MaxClockSkew, "FWD_MAX_CLOCK_SKEW")

	// ── Oracle ──
	setDuration(&cfg.Oracle.FeedRetention, "FWD_ORACLE_FEED_RETENTION")
	setInt(&cfg.Oracle.BreakerFailures, "FWD_ORACLE_BREAKER_FAILURES")
	setDuration(&cfg.Oracle.BreakerCooldown, "FWD_ORACLE_BREAKER_COOLDOWN")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "FWD_KEEPER_ENABLED")
	setStr(&cfg.Keeper.SettleSpec, "FWD_KEEPER_SETTLE_SPEC")
	setStr(&cfg.Keeper.RefreshSpec, "FWD_KEEPER_REFRESH_SPEC")
	setStr(&cfg.Keeper.FeeRetrySpec, "FWD_KEEPER_FEE_RETRY_SPEC")
	setStr(&cfg.Keeper.SnapshotSpec, "FWD_KEEPER_SNAPSHOT_SPEC")
	setStr(&cfg.Keeper.Caller, "FWD_KEEPER_CALLER")
	setDuration(&cfg.Keeper.LockTTL, "FWD_KEEPER_LOCK_TTL")

	// ── Persistence ──
	setInt(&cfg.Snapshot.Keep, "FWD_SNAPSHOT_KEEP")
	setInt(&cfg.Persist.BatchSize, "FWD_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persist.FlushTimeout, "FWD_PERSIST_FLUSH_TIMEOUT")
	setStr(&cfg.Migrations.Dir, "FWD_MIGRATIONS_DIR")
	setBool(&cfg.Migrations.Auto, "FWD_MIGRATIONS_AUTO")
}

// ── helpers ──

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
