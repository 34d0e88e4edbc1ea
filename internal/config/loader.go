package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LIQBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LIQBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets and re-tune thresholds at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStringSlice(&cfg.Ledger.Endpoints, "LIQBOT_LEDGER_ENDPOINTS")
	setStr(&cfg.Ledger.CanonicalEndpoint, "LIQBOT_LEDGER_CANONICAL_ENDPOINT")
	setInt64(&cfg.Ledger.ChainID, "LIQBOT_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.SettlementContract, "LIQBOT_LEDGER_SETTLEMENT_CONTRACT")
	setStr(&cfg.Ledger.GasOracleContract, "LIQBOT_LEDGER_GAS_ORACLE_CONTRACT")
	setDuration(&cfg.Ledger.CallTimeout, "LIQBOT_LEDGER_CALL_TIMEOUT")
	setDuration(&cfg.Ledger.FailoverWindow, "LIQBOT_LEDGER_FAILOVER_WINDOW")
	setFloat64(&cfg.Ledger.ReconcileReadsPerSec, "LIQBOT_LEDGER_RECONCILE_READS_PER_SEC")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "LIQBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LIQBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LIQBOT_WALLET_KEY_PASSWORD")

	// ── Tracker ──
	setFloat64(&cfg.Tracker.DivergenceBps, "LIQBOT_TRACKER_DIVERGENCE_BPS")
	setUint64(&cfg.Tracker.FreshnessWindow, "LIQBOT_TRACKER_FRESHNESS_WINDOW_BLOCKS")
	setDuration(&cfg.Tracker.MaxBlockInterval, "LIQBOT_TRACKER_MAX_BLOCK_INTERVAL")
	setDuration(&cfg.Tracker.StallWindow, "LIQBOT_TRACKER_STALL_WINDOW")
	setInt(&cfg.Tracker.IngestBuffer, "LIQBOT_TRACKER_INGEST_BUFFER")

	// ── Scanner ──
	setDuration(&cfg.Scanner.Interval, "LIQBOT_SCANNER_INTERVAL")
	setInt(&cfg.Scanner.MinUnhealthyScans, "LIQBOT_SCANNER_MIN_UNHEALTHY_SCANS")
	setFloat64(&cfg.Scanner.OracleDivergence, "LIQBOT_SCANNER_ORACLE_DIVERGENCE")
	setFloat64(&cfg.Scanner.MaxPriceMove, "LIQBOT_SCANNER_MAX_PRICE_MOVE")
	setFloat64(&cfg.Scanner.MinRoughProfitUSD, "LIQBOT_SCANNER_MIN_ROUGH_PROFIT_USD")
	setFloat64(&cfg.Scanner.FlatCostEstimateUSD, "LIQBOT_SCANNER_FLAT_COST_ESTIMATE_USD")
	setFloat64(&cfg.Scanner.LiquidationIncentive, "LIQBOT_SCANNER_LIQUIDATION_INCENTIVE")

	// ── Planner ──
	setFloat64(&cfg.Planner.MinNetProfitUSD, "LIQBOT_PLANNER_MIN_NET_PROFIT_USD")
	setFloat64(&cfg.Planner.ProfitGuardFraction, "LIQBOT_PLANNER_PROFIT_GUARD_FRACTION")
	setFloat64(&cfg.Planner.SlippageBudgetUSD, "LIQBOT_PLANNER_SLIPPAGE_BUDGET_USD")
	setFloat64(&cfg.Planner.BorrowPremiumBps, "LIQBOT_PLANNER_BORROW_PREMIUM_BPS")
	setDuration(&cfg.Planner.SimTimeout, "LIQBOT_PLANNER_SIM_TIMEOUT")
	setInt(&cfg.Planner.SubmitRetries, "LIQBOT_PLANNER_SUBMIT_RETRIES")
	setDuration(&cfg.Planner.SubmitBackoff, "LIQBOT_PLANNER_SUBMIT_BACKOFF")
	setUint64(&cfg.Planner.GasLimit, "LIQBOT_PLANNER_GAS_LIMIT")
	setStr(&cfg.Planner.NativeAsset, "LIQBOT_PLANNER_NATIVE_ASSET")

	// ── Bribe ──
	setFloat64(&cfg.Bribe.BaselineFraction, "LIQBOT_BRIBE_BASELINE_FRACTION")
	setFloat64(&cfg.Bribe.StepUp, "LIQBOT_BRIBE_STEP_UP")
	setFloat64(&cfg.Bribe.StepDown, "LIQBOT_BRIBE_STEP_DOWN")
	setFloat64(&cfg.Bribe.CapFraction, "LIQBOT_BRIBE_CAP_FRACTION")
	setInt(&cfg.Bribe.WindowSize, "LIQBOT_BRIBE_WINDOW_SIZE")
	setFloat64(&cfg.Bribe.RaiseBelowRate, "LIQBOT_BRIBE_RAISE_BELOW_RATE")
	setFloat64(&cfg.Bribe.LowerAboveRate, "LIQBOT_BRIBE_LOWER_ABOVE_RATE")

	// ── Governor ──
	setFloat64(&cfg.Governor.InclusionHaltBelow, "LIQBOT_GOVERNOR_INCLUSION_HALT_BELOW")
	setFloat64(&cfg.Governor.InclusionThrottleBelow, "LIQBOT_GOVERNOR_INCLUSION_THROTTLE_BELOW")
	setFloat64(&cfg.Governor.AccuracyHaltBelow, "LIQBOT_GOVERNOR_ACCURACY_HALT_BELOW")
	setFloat64(&cfg.Governor.AccuracyThrottleBelow, "LIQBOT_GOVERNOR_ACCURACY_THROTTLE_BELOW")
	setInt(&cfg.Governor.MaxConsecutiveFailures, "LIQBOT_GOVERNOR_MAX_CONSECUTIVE_FAILURES")
	setFloat64(&cfg.Governor.ThrottleAdmitProb, "LIQBOT_GOVERNOR_THROTTLE_ADMIT_PROB")
	setFloat64(&cfg.Governor.MaxSingleNotionalUSD, "LIQBOT_GOVERNOR_MAX_SINGLE_NOTIONAL_USD")
	setFloat64(&cfg.Governor.MaxDailyNotionalUSD, "LIQBOT_GOVERNOR_MAX_DAILY_NOTIONAL_USD")
	setInt(&cfg.Governor.MetricsWindow, "LIQBOT_GOVERNOR_METRICS_WINDOW")
	setDuration(&cfg.Governor.MetricsInterval, "LIQBOT_GOVERNOR_METRICS_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LIQBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LIQBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LIQBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LIQBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LIQBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LIQBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LIQBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LIQBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LIQBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LIQBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIQBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIQBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIQBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIQBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIQBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIQBOT_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.CacheTTLMinutes, "LIQBOT_REDIS_CACHE_TTL_MINUTES")
	setInt(&cfg.Redis.StreamMaxLen, "LIQBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LIQBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LIQBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LIQBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LIQBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LIQBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LIQBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LIQBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LIQBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "LIQBOT_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LIQBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LIQBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LIQBOT_SERVER_API_KEY")
	setStr(&cfg.Server.APISecret, "LIQBOT_SERVER_API_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIQBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIQBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIQBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LIQBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIQBOT_MODE")
	setStr(&cfg.LogLevel, "LIQBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
