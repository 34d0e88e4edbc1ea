// Package config defines the top-level configuration for the liquidation
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LIQBOT_* environment variables.
//
// Every numeric threshold the engine consults at runtime lives here: these
// values are tuned operationally as competitive conditions evolve and must
// never require a rebuild to change.
type Config struct {
	Ledger    LedgerConfig     `toml:"ledger"`
	Protocols []ProtocolConfig `toml:"protocols"`
	Assets    []AssetConfig    `toml:"assets"`
	Wallet    WalletConfig     `toml:"wallet"`
	Tracker   TrackerConfig    `toml:"tracker"`
	Scanner   ScannerConfig    `toml:"scanner"`
	Planner   PlannerConfig    `toml:"planner"`
	Bribe     BribeConfig      `toml:"bribe"`
	Governor  GovernorConfig   `toml:"governor"`
	Paths     []PathConfig     `toml:"paths"`
	Postgres  PostgresConfig   `toml:"postgres"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Server    ServerConfig     `toml:"server"`
	Notify    NotifyConfig     `toml:"notify"`
	Mode      string           `toml:"mode"`
	LogLevel  string           `toml:"log_level"`
}

// LedgerConfig holds rollup RPC endpoints and chain parameters.
type LedgerConfig struct {
	// Endpoints are independently-operated RPC URLs in failover order. The
	// first healthy one streams heads and events.
	Endpoints []string `toml:"endpoints"`
	// CanonicalEndpoint serves reconciliation reads. It must be operated
	// independently from the streaming endpoint: an endpoint will not catch
	// itself lying about its own state.
	CanonicalEndpoint  string   `toml:"canonical_endpoint"`
	ChainID            int64    `toml:"chain_id"`
	SettlementContract string   `toml:"settlement_contract"`
	GasOracleContract  string   `toml:"gas_oracle_contract"`
	CallTimeout        duration `toml:"call_timeout"`
	FailoverWindow     duration `toml:"failover_window"`
	// ReconcileReadsPerSec rate-limits canonical reads so reconciliation
	// cannot starve the streaming endpoint's quota.
	ReconcileReadsPerSec float64 `toml:"reconcile_reads_per_sec"`
}

// ProtocolConfig describes one tracked lending protocol market.
type ProtocolConfig struct {
	Name                 string  `toml:"name"`
	PoolContract         string  `toml:"pool_contract"`
	CollateralAsset      string  `toml:"collateral_asset"`
	DebtAsset            string  `toml:"debt_asset"`
	LiquidationThreshold float64 `toml:"liquidation_threshold"`
}

// AssetConfig describes one priced asset and its oracle feeds. Primary and
// secondary feeds must be independent sources; the scanner cross-checks them.
type AssetConfig struct {
	Symbol        string `toml:"symbol"`
	Decimals      uint8  `toml:"decimals"`
	PrimaryFeed   string `toml:"primary_feed"`
	SecondaryFeed string `toml:"secondary_feed"`
}

// WalletConfig holds the executor key used to sign settlement transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// TrackerConfig holds ledger-state tracking parameters.
type TrackerConfig struct {
	// DivergenceBps is the cached-vs-canonical mismatch, in basis points,
	// beyond which the tracker signals an immediate halt.
	DivergenceBps    float64  `toml:"divergence_bps"`
	FreshnessWindow  uint64   `toml:"freshness_window_blocks"`
	MaxBlockInterval duration `toml:"max_block_interval"`
	StallWindow      duration `toml:"stall_window"`
	IngestBuffer     int      `toml:"ingest_buffer"`
}

// ScannerConfig holds opportunity-scanner filter parameters.
type ScannerConfig struct {
	Interval             duration `toml:"interval"`
	MinUnhealthyScans    int      `toml:"min_unhealthy_scans"`
	OracleDivergence     float64  `toml:"oracle_divergence"` // fraction, e.g. 0.05
	MaxPriceMove         float64  `toml:"max_price_move"`    // fraction vs previous observation
	MinRoughProfitUSD    float64  `toml:"min_rough_profit_usd"`
	FlatCostEstimateUSD  float64  `toml:"flat_cost_estimate_usd"`
	LiquidationIncentive float64  `toml:"liquidation_incentive"` // fraction of seized collateral
}

// PlannerConfig holds execution-planning parameters.
type PlannerConfig struct {
	MinNetProfitUSD     float64  `toml:"min_net_profit_usd"`
	ProfitGuardFraction float64  `toml:"profit_guard_fraction"` // of the rough estimate
	SlippageBudgetUSD   float64  `toml:"slippage_budget_usd"`
	BorrowPremiumBps    float64  `toml:"borrow_premium_bps"`
	SimTimeout          duration `toml:"sim_timeout"`
	// NativeAsset prices gas costs in USD; its primary feed must be
	// configured under [[assets]].
	NativeAsset         string   `toml:"native_asset"`
	SubmitRetries       int      `toml:"submit_retries"`
	SubmitBackoff       duration `toml:"submit_backoff"`
	GasLimit            uint64   `toml:"gas_limit"`
}

// BribeConfig holds adaptive competitive-payment parameters.
type BribeConfig struct {
	BaselineFraction float64 `toml:"baseline_fraction"` // of gross profit
	StepUp           float64 `toml:"step_up"`           // percentage points
	StepDown         float64 `toml:"step_down"`
	CapFraction      float64 `toml:"cap_fraction"`
	WindowSize       int     `toml:"window_size"`
	RaiseBelowRate   float64 `toml:"raise_below_rate"` // inclusion rate triggering step up
	LowerAboveRate   float64 `toml:"lower_above_rate"`
}

// GovernorConfig holds safety-governor thresholds and limits.
type GovernorConfig struct {
	InclusionHaltBelow     float64  `toml:"inclusion_halt_below"`
	InclusionThrottleBelow float64  `toml:"inclusion_throttle_below"`
	AccuracyHaltBelow      float64  `toml:"accuracy_halt_below"`
	AccuracyThrottleBelow  float64  `toml:"accuracy_throttle_below"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	ThrottleAdmitProb      float64  `toml:"throttle_admit_prob"`
	MaxSingleNotionalUSD   float64  `toml:"max_single_notional_usd"`
	MaxDailyNotionalUSD    float64  `toml:"max_daily_notional_usd"`
	// MinNetProfitUSD is re-checked at admission as the final gate, after
	// the planner's own floor.
	MinNetProfitUSD        float64  `toml:"min_net_profit_usd"`
	MetricsWindow          int      `toml:"metrics_window"`
	MetricsInterval        duration `toml:"metrics_interval"`
}

// PathConfig describes one configured submission path.
type PathConfig struct {
	Name        string  `toml:"name"`
	Kind        string  `toml:"kind"` // "mempool" or "relay"
	URL         string  `toml:"url"`  // relay endpoint, unused for mempool
	FixedFeeUSD float64 `toml:"fixed_fee_usd"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// CacheTTLMinutes bounds freshness of position/quote mirrors.
	CacheTTLMinutes int `toml:"cache_ttl_minutes"`
	StreamMaxLen    int `toml:"stream_max_len"`
}

// S3Config holds S3-compatible cold-storage parameters for record archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds the operator HTTP API parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
	// APISecret signs admin requests; read-only endpoints need only the key.
	APISecret string `toml:"api_secret"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "10m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "10m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the operational default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ChainID:              8453,
			CallTimeout:          duration{3 * time.Second},
			FailoverWindow:       duration{5 * time.Second},
			ReconcileReadsPerSec: 50,
		},
		Tracker: TrackerConfig{
			DivergenceBps:    10,
			FreshnessWindow:  7200,
			MaxBlockInterval: duration{10 * time.Second},
			StallWindow:      duration{30 * time.Second},
			IngestBuffer:     256,
		},
		Scanner: ScannerConfig{
			Interval:             duration{5 * time.Second},
			MinUnhealthyScans:    2,
			OracleDivergence:     0.05,
			MaxPriceMove:         0.30,
			MinRoughProfitUSD:    50,
			FlatCostEstimateUSD:  15,
			LiquidationIncentive: 0.05,
		},
		Planner: PlannerConfig{
			MinNetProfitUSD:     50,
			ProfitGuardFraction: 0.50,
			SlippageBudgetUSD:   10,
			BorrowPremiumBps:    9,
			SimTimeout:          duration{2 * time.Second},
			NativeAsset:         "WETH",
			SubmitRetries:       3,
			SubmitBackoff:       duration{200 * time.Millisecond},
			GasLimit:            1_500_000,
		},
		Bribe: BribeConfig{
			BaselineFraction: 0.15,
			StepUp:           0.05,
			StepDown:         0.02,
			CapFraction:      0.40,
			WindowSize:       100,
			RaiseBelowRate:   0.60,
			LowerAboveRate:   0.90,
		},
		Governor: GovernorConfig{
			InclusionHaltBelow:     0.50,
			InclusionThrottleBelow: 0.60,
			AccuracyHaltBelow:      0.85,
			AccuracyThrottleBelow:  0.90,
			MaxConsecutiveFailures: 3,
			ThrottleAdmitProb:      0.50,
			MaxSingleNotionalUSD:   100_000,
			MaxDailyNotionalUSD:    1_000_000,
			MinNetProfitUSD:        50,
			MetricsWindow:          100,
			MetricsInterval:        duration{10 * time.Minute},
		},
		Paths: []PathConfig{
			{Name: "mempool", Kind: "mempool", FixedFeeUSD: 0},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "liqbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			CacheTTLMinutes: 30,
			StreamMaxLen:    10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "liqbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"halted", "divergence", "execution", "error"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true, // full pipeline with submission
	"monitor": true, // tracker + scanner only, no submission
	"server":  true, // operator API only
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. A validation failure is fatal at
// startup: the process refuses to run with partial or defaulted-over
// configuration.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	mode := strings.ToLower(c.Mode)
	needsLedger := mode == "run" || mode == "monitor"

	// Ledger
	if needsLedger {
		if len(c.Ledger.Endpoints) < 1 {
			errs = append(errs, "ledger: at least one endpoint is required")
		}
		if c.Ledger.CanonicalEndpoint == "" && len(c.Ledger.Endpoints) < 2 {
			errs = append(errs, "ledger: canonical_endpoint must be set (or provide a second endpoint to serve reconciliation reads)")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.SettlementContract == "" {
			errs = append(errs, "ledger: settlement_contract must not be empty")
		}
		if c.Ledger.GasOracleContract == "" {
			errs = append(errs, "ledger: gas_oracle_contract must not be empty")
		}
		if c.Ledger.CallTimeout.Duration <= 0 {
			errs = append(errs, "ledger: call_timeout must be > 0")
		}
		if c.Ledger.ReconcileReadsPerSec <= 0 {
			errs = append(errs, "ledger: reconcile_reads_per_sec must be > 0")
		}
	}

	// Protocols / assets
	if needsLedger {
		if len(c.Protocols) == 0 {
			errs = append(errs, "protocols: at least one protocol market is required")
		}
		if len(c.Assets) == 0 {
			errs = append(errs, "assets: at least one asset is required")
		}
	}
	assets := map[string]bool{}
	for i, a := range c.Assets {
		if a.Symbol == "" {
			errs = append(errs, fmt.Sprintf("assets[%d]: symbol must not be empty", i))
			continue
		}
		assets[a.Symbol] = true
		if a.PrimaryFeed == "" || a.SecondaryFeed == "" {
			errs = append(errs, fmt.Sprintf("assets[%d] (%s): primary_feed and secondary_feed are both required", i, a.Symbol))
		}
		if a.PrimaryFeed != "" && a.PrimaryFeed == a.SecondaryFeed {
			errs = append(errs, fmt.Sprintf("assets[%d] (%s): primary_feed and secondary_feed must differ", i, a.Symbol))
		}
	}
	for i, p := range c.Protocols {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("protocols[%d]: name must not be empty", i))
		}
		if p.PoolContract == "" {
			errs = append(errs, fmt.Sprintf("protocols[%d] (%s): pool_contract must not be empty", i, p.Name))
		}
		if p.LiquidationThreshold <= 0 || p.LiquidationThreshold > 1 {
			errs = append(errs, fmt.Sprintf("protocols[%d] (%s): liquidation_threshold must be in (0, 1]", i, p.Name))
		}
		if len(assets) > 0 {
			if !assets[p.CollateralAsset] {
				errs = append(errs, fmt.Sprintf("protocols[%d] (%s): collateral_asset %q has no [[assets]] entry", i, p.Name, p.CollateralAsset))
			}
			if !assets[p.DebtAsset] {
				errs = append(errs, fmt.Sprintf("protocols[%d] (%s): debt_asset %q has no [[assets]] entry", i, p.Name, p.DebtAsset))
			}
		}
	}

	// Wallet — required only when the engine may submit.
	if mode == "run" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode run")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Tracker
	if c.Tracker.DivergenceBps <= 0 {
		errs = append(errs, "tracker: divergence_bps must be > 0")
	}
	if c.Tracker.FreshnessWindow == 0 {
		errs = append(errs, "tracker: freshness_window_blocks must be > 0")
	}
	if c.Tracker.MaxBlockInterval.Duration <= 0 {
		errs = append(errs, "tracker: max_block_interval must be > 0")
	}
	if c.Tracker.StallWindow.Duration < c.Tracker.MaxBlockInterval.Duration {
		errs = append(errs, "tracker: stall_window must not be shorter than max_block_interval")
	}

	// Scanner
	if c.Scanner.Interval.Duration <= 0 {
		errs = append(errs, "scanner: interval must be > 0")
	}
	if c.Scanner.MinUnhealthyScans < 1 {
		errs = append(errs, "scanner: min_unhealthy_scans must be >= 1")
	}
	if c.Scanner.OracleDivergence <= 0 || c.Scanner.OracleDivergence >= 1 {
		errs = append(errs, "scanner: oracle_divergence must be in (0, 1)")
	}
	if c.Scanner.MaxPriceMove <= 0 || c.Scanner.MaxPriceMove >= 1 {
		errs = append(errs, "scanner: max_price_move must be in (0, 1)")
	}
	if c.Scanner.MinRoughProfitUSD < 0 {
		errs = append(errs, "scanner: min_rough_profit_usd must be >= 0")
	}

	// Planner
	if c.Planner.MinNetProfitUSD <= 0 {
		errs = append(errs, "planner: min_net_profit_usd must be > 0")
	}
	if c.Planner.ProfitGuardFraction <= 0 || c.Planner.ProfitGuardFraction > 1 {
		errs = append(errs, "planner: profit_guard_fraction must be in (0, 1]")
	}
	if c.Planner.SubmitRetries < 0 {
		errs = append(errs, "planner: submit_retries must be >= 0")
	}
	if c.Planner.SimTimeout.Duration <= 0 {
		errs = append(errs, "planner: sim_timeout must be > 0")
	}
	if c.Planner.GasLimit == 0 {
		errs = append(errs, "planner: gas_limit must be > 0")
	}

	// Bribe
	if c.Bribe.BaselineFraction <= 0 || c.Bribe.BaselineFraction > c.Bribe.CapFraction {
		errs = append(errs, "bribe: baseline_fraction must be > 0 and <= cap_fraction")
	}
	if c.Bribe.CapFraction <= 0 || c.Bribe.CapFraction >= 1 {
		errs = append(errs, "bribe: cap_fraction must be in (0, 1)")
	}
	if c.Bribe.WindowSize < 1 {
		errs = append(errs, "bribe: window_size must be >= 1")
	}
	if c.Bribe.RaiseBelowRate >= c.Bribe.LowerAboveRate {
		errs = append(errs, "bribe: raise_below_rate must be < lower_above_rate")
	}

	// Governor
	if c.Governor.InclusionHaltBelow >= c.Governor.InclusionThrottleBelow {
		errs = append(errs, "governor: inclusion_halt_below must be < inclusion_throttle_below")
	}
	if c.Governor.AccuracyHaltBelow >= c.Governor.AccuracyThrottleBelow {
		errs = append(errs, "governor: accuracy_halt_below must be < accuracy_throttle_below")
	}
	if c.Governor.MaxConsecutiveFailures < 1 {
		errs = append(errs, "governor: max_consecutive_failures must be >= 1")
	}
	if c.Governor.ThrottleAdmitProb <= 0 || c.Governor.ThrottleAdmitProb >= 1 {
		errs = append(errs, "governor: throttle_admit_prob must be in (0, 1)")
	}
	if c.Governor.MaxSingleNotionalUSD <= 0 {
		errs = append(errs, "governor: max_single_notional_usd must be > 0")
	}
	if c.Governor.MaxDailyNotionalUSD < c.Governor.MaxSingleNotionalUSD {
		errs = append(errs, "governor: max_daily_notional_usd must be >= max_single_notional_usd")
	}
	if c.Governor.MetricsWindow < 1 {
		errs = append(errs, "governor: metrics_window must be >= 1")
	}
	if c.Governor.MetricsInterval.Duration <= 0 {
		errs = append(errs, "governor: metrics_interval must be > 0")
	}

	// Paths
	if mode == "run" && len(c.Paths) == 0 {
		errs = append(errs, "paths: at least one submission path is required for mode run")
	}
	seen := map[string]bool{}
	for i, p := range c.Paths {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("paths[%d]: name must not be empty", i))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("paths: duplicate name %q", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case "mempool":
		case "relay":
			if p.URL == "" {
				errs = append(errs, fmt.Sprintf("paths[%d] (%s): relay paths require url", i, p.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("paths[%d]: unknown kind %q (valid: mempool, relay)", i, p.Kind))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1 when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
