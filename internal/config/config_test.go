package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config that passes Validate in run mode.
func validConfig() Config {
	cfg := Defaults()
	cfg.Ledger.Endpoints = []string{"wss://rpc-a.example", "wss://rpc-b.example"}
	cfg.Ledger.CanonicalEndpoint = "https://rpc-canonical.example"
	cfg.Ledger.SettlementContract = "0x0000000000000000000000000000000000000001"
	cfg.Ledger.GasOracleContract = "0x000000000000000000000000000000000000000F"
	cfg.Wallet.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.Assets = []AssetConfig{
		{Symbol: "WETH", Decimals: 18, PrimaryFeed: "0x00000000000000000000000000000000000000a1", SecondaryFeed: "0x00000000000000000000000000000000000000a2"},
		{Symbol: "USDC", Decimals: 6, PrimaryFeed: "0x00000000000000000000000000000000000000b1", SecondaryFeed: "0x00000000000000000000000000000000000000b2"},
	}
	cfg.Protocols = []ProtocolConfig{
		{Name: "aave", PoolContract: "0x00000000000000000000000000000000000000c1", CollateralAsset: "WETH", DebtAsset: "USDC", LiquidationThreshold: 0.8},
	}
	return cfg
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRequiresEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Endpoints = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one endpoint")
}

func TestValidateRequiresCanonicalOrSecondEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Endpoints = []string{"wss://rpc-a.example"}
	cfg.Ledger.CanonicalEndpoint = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canonical_endpoint")
}

func TestValidateRequiresDistinctOracleFeeds(t *testing.T) {
	cfg := validConfig()
	cfg.Assets[0].SecondaryFeed = cfg.Assets[0].PrimaryFeed
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidateRequiresAssetEntryForProtocol(t *testing.T) {
	cfg := validConfig()
	cfg.Protocols[0].DebtAsset = "DAI"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `debt_asset "DAI"`)
}

func TestValidateWalletOnlyRequiredInRunMode(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.PrivateKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateBribeBandOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Bribe.RaiseBelowRate = 0.95
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raise_below_rate")
}

func TestValidateBaselineAboveCapRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Bribe.BaselineFraction = 0.45 // over the 0.40 cap
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline_fraction")
}

func TestValidateGovernorThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Governor.InclusionHaltBelow = 0.70
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inclusion_halt_below")
}

func TestValidateRelayPathRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Paths = append(cfg.Paths, PathConfig{Name: "fastlane", Kind: "relay"})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay paths require url")
}

func TestValidateDuplicatePathNames(t *testing.T) {
	cfg := validConfig()
	cfg.Paths = append(cfg.Paths, cfg.Paths[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[scanner]
interval = "2s"
min_rough_profit_usd = 75.0

[governor]
max_consecutive_failures = 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Scanner.Interval.Duration)
	assert.Equal(t, 75.0, cfg.Scanner.MinRoughProfitUSD)
	assert.Equal(t, 5, cfg.Governor.MaxConsecutiveFailures)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.15, cfg.Bribe.BaselineFraction)
	assert.Equal(t, 100, cfg.Bribe.WindowSize)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[redis]
addr = "file-redis:6379"
`), 0o600))

	t.Setenv("LIQBOT_REDIS_ADDR", "env-redis:6379")
	t.Setenv("LIQBOT_BRIBE_CAP_FRACTION", "0.35")
	t.Setenv("LIQBOT_LEDGER_ENDPOINTS", "wss://a.example, wss://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.35, cfg.Bribe.CapFraction)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Ledger.Endpoints)
}

func TestDurationParsing(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("150ms")))
	assert.Equal(t, 150*time.Millisecond, d.Duration)

	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := duration{2 * time.Minute}.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(out))
}
