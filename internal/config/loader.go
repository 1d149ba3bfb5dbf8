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
// built-in defaults, applies LOOPD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known LOOPD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKeyHex, "LOOPD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LOOPD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LOOPD_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LOOPD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LOOPD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LOOPD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LOOPD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LOOPD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LOOPD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LOOPD_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "LOOPD_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "LOOPD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LOOPD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LOOPD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LOOPD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOOPD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOOPD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOOPD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOOPD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOOPD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LOOPD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOOPD_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOOPD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOOPD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOOPD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOOPD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOOPD_S3_FORCE_PATH_STYLE")

	// ── Venue ──
	setInt64(&cfg.Venue.FeeBps, "LOOPD_VENUE_FEE_BPS")
	setFloat64(&cfg.Venue.DepthValue, "LOOPD_VENUE_DEPTH_VALUE")

	// ── Oracle ──
	setBool(&cfg.Oracle.Enabled, "LOOPD_ORACLE_ENABLED")
	setStr(&cfg.Oracle.WsHost, "LOOPD_ORACLE_WS_HOST")
	setStringSlice(&cfg.Oracle.Assets, "LOOPD_ORACLE_ASSETS")

	// ── Engine ──
	setInt64(&cfg.Engine.SafetyMarginBps, "LOOPD_ENGINE_SAFETY_MARGIN_BPS")
	setInt(&cfg.Engine.DefaultMaxLoops, "LOOPD_ENGINE_DEFAULT_MAX_LOOPS")
	setInt64(&cfg.Engine.DefaultMaxSlippageBps, "LOOPD_ENGINE_DEFAULT_MAX_SLIPPAGE_BPS")
	setFloat64(&cfg.Engine.DefaultMinHealthFactor, "LOOPD_ENGINE_DEFAULT_MIN_HEALTH_FACTOR")

	// ── Risk ──
	setFloat64(&cfg.Risk.SafeAbove, "LOOPD_RISK_SAFE_ABOVE")
	setFloat64(&cfg.Risk.WarningAbove, "LOOPD_RISK_WARNING_ABOVE")
	setFloat64(&cfg.Risk.RiskyAbove, "LOOPD_RISK_RISKY_ABOVE")
	setFloat64(&cfg.Risk.CriticalAbove, "LOOPD_RISK_CRITICAL_ABOVE")
	setIntSlice(&cfg.Risk.UnwindPercentages, "LOOPD_RISK_UNWIND_PERCENTAGES")
	setDuration(&cfg.Risk.PollInterval, "LOOPD_RISK_POLL_INTERVAL")
	setDuration(&cfg.Risk.PriceMaxAge, "LOOPD_RISK_PRICE_MAX_AGE")

	// ── Keeper ──
	setDuration(&cfg.Keeper.PollInterval, "LOOPD_KEEPER_POLL_INTERVAL")
	setDuration(&cfg.Keeper.DedupTTL, "LOOPD_KEEPER_DEDUP_TTL")
	setDuration(&cfg.Keeper.LockTTL, "LOOPD_KEEPER_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LOOPD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LOOPD_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "LOOPD_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LOOPD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LOOPD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LOOPD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "LOOPD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "LOOPD_SERVER_RATE_LIMIT_PER_MIN")
	setDuration(&cfg.Server.AuthSkew, "LOOPD_SERVER_AUTH_SKEW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LOOPD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LOOPD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LOOPD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "LOOPD_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "LOOPD_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "LOOPD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LOOPD_MODE")
	setStr(&cfg.LogLevel, "LOOPD_LOG_LEVEL")
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

func setIntSlice(dst *[]int, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]int, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			n, err := strconv.Atoi(p)
			if err != nil {
				return
			}
			cleaned = append(cleaned, n)
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
