package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"ForwardLedger/internal/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forwardledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
http_addr = ":18080"
shutdown_timeout = "3s"

[protocol]
owner = "dao.near"
native_token = "wrap.near"
max_page_limit = 25

[[protocol.tokens]]
id = "wrap.near"
symbol = "wNEAR"
decimals = 24
minter = "faucet.near"

[keeper]
lock_ttl = "90s"
`), 0o600))

	t.Setenv("FWD_POSTGRES_DSN", "postgres://db:5432/fwd")
	t.Setenv("FWD_REDIS_ENABLED", "true")
	t.Setenv("FWD_KEEPER_LOCK_TTL", "2m")
	t.Setenv("FWD_MAX_PAGE_LIMIT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":18080", cfg.Server.HTTPAddr)
	require.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration)
	// untouched sections keep their defaults
	require.Equal(t, ":9090", cfg.Server.GRPCAddr)
	require.Equal(t, "dao.near", cfg.Protocol.Owner)
	require.Equal(t, uint64(25), cfg.Protocol.MaxPageLimit)
	require.Len(t, cfg.Protocol.Tokens, 1)
	require.Equal(t, "postgres://db:5432/fwd", cfg.Postgres.DSN)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, 2*time.Minute, cfg.Keeper.LockTTL.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Protocol.FactoryID, cfg.Protocol.FactoryID)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	cfg.Protocol.Owner = "Not An Account"
	cfg.Protocol.MarketStorageCost = "1.5"
	cfg.Protocol.NativeToken = "missing.near"
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "verbose"`,
		"protocol: owner",
		"market_storage_cost",
		`native_token "missing.near" is not in tokens`,
		"nats: url is required",
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	ec := cfg.Engine()

	require.Equal(t, types.AccountID("factory.near"), ec.Factory.ID)
	require.Equal(t, types.AccountID("factory.near"), ec.Collector.Registrar)
	require.Equal(t, types.AccountID("treasury.near"), ec.Collector.Treasury)
	require.Equal(t, types.AccountID("reporter.near"), ec.Reporter)
	require.True(t, ec.Factory.MarketStorageCost.Equal(sdkmath.NewIntWithDecimal(5, 24)))
	require.True(t, ec.Factory.RequiredDeposit().Equal(sdkmath.NewIntWithDecimal(10, 24)))
	require.Len(t, ec.Tokens, 2)
	require.Equal(t, uint8(6), ec.Tokens[1].Decimals)
	require.Equal(t, 5, ec.Breaker.FailureThreshold)
}
