// Package config defines the top-level configuration for the loopvault
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOOPD_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Venue    VenueConfig    `toml:"venue"`
	Oracle   OracleConfig   `toml:"oracle"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the keeper's signing identity. Optional: the service
// runs unattended without one, but unwind audit entries then carry no
// keeper address. PrivateKeyHex takes precedence over the encrypted
// keystore and is meant for development, injected via environment rather
// than written into the TOML file.
type WalletConfig struct {
	PrivateKeyHex    string `toml:"private_key_hex"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
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
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VenueAssetConfig describes one asset listed on the simulated venue.
type VenueAssetConfig struct {
	Decimals  int     `toml:"decimals"`
	LTVBps    int64   `toml:"ltv_bps"`
	LiqBps    int64   `toml:"liq_bps"`
	Price     float64 `toml:"price"`     // USD per whole token
	Liquidity float64 `toml:"liquidity"` // borrowable reserve, whole tokens
}

// VenueConfig seeds the simulated lend/swap venue.
type VenueConfig struct {
	Assets     map[string]VenueAssetConfig `toml:"assets"`
	FeeBps     int64                       `toml:"fee_bps"`
	DepthValue float64                     `toml:"depth_value"` // USD notional for price impact; 0 disables
}

// OracleConfig holds the price feed connection parameters.
type OracleConfig struct {
	Enabled bool     `toml:"enabled"`
	WsHost  string   `toml:"ws_host"`
	Assets  []string `toml:"assets"`
}

// EngineConfig holds loop construction parameters and the defaults applied
// to new positions that do not set their own.
type EngineConfig struct {
	SafetyMarginBps        int64   `toml:"safety_margin_bps"`
	DefaultMaxLoops        int     `toml:"default_max_loops"`
	DefaultMaxSlippageBps  int64   `toml:"default_max_slippage_bps"`
	DefaultMinHealthFactor float64 `toml:"default_min_health_factor"`
}

// RiskConfig holds the classification thresholds, the allowed unwind
// percentages, and the monitor cadence.
type RiskConfig struct {
	SafeAbove         float64  `toml:"safe_above"`
	WarningAbove      float64  `toml:"warning_above"`
	RiskyAbove        float64  `toml:"risky_above"`
	CriticalAbove     float64  `toml:"critical_above"`
	UnwindPercentages []int    `toml:"unwind_percentages"`
	PollInterval      duration `toml:"poll_interval"`
	PriceMaxAge       duration `toml:"price_max_age"`
}

// KeeperConfig holds the unwind worker parameters.
type KeeperConfig struct {
	PollInterval duration `toml:"poll_interval"`
	DedupTTL     duration `toml:"dedup_ttl"`
	LockTTL      duration `toml:"lock_ttl"`
}

// ArchiveConfig holds cold storage rotation parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
	AuthSkew        duration `toml:"auth_skew"`
}

// NotifyConfig holds notification channel credentials. WebhookURL points at
// a generic receiver; deliveries to it are HMAC-signed with WebhookSecret.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "loopvault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loopvault-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Venue: VenueConfig{
			Assets: map[string]VenueAssetConfig{
				"WETH": {Decimals: 18, LTVBps: 8000, LiqBps: 8500, Price: 2000, Liquidity: 10_000},
				"USDC": {Decimals: 6, LTVBps: 8000, LiqBps: 8500, Price: 1, Liquidity: 10_000_000},
			},
			FeeBps:     10,
			DepthValue: 2_000_000,
		},
		Oracle: OracleConfig{
			Enabled: false,
			WsHost:  "",
			Assets:  []string{"WETH", "USDC"},
		},
		Engine: EngineConfig{
			SafetyMarginBps:        500,
			DefaultMaxLoops:        10,
			DefaultMaxSlippageBps:  50,
			DefaultMinHealthFactor: 1.3,
		},
		Risk: RiskConfig{
			SafeAbove:         1.6,
			WarningAbove:      1.3,
			RiskyAbove:        1.1,
			CriticalAbove:     1.0,
			UnwindPercentages: []int{25, 50, 100},
			PollInterval:      duration{15 * time.Second},
			PriceMaxAge:       duration{2 * time.Minute},
		},
		Keeper: KeeperConfig{
			PollInterval: duration{2 * time.Second},
			DedupTTL:     duration{5 * time.Minute},
			LockTTL:      duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
			AuthSkew:        duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"risk_changed", "unwind_executed", "liquidatable", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"keeper":  true,
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// requiredUnwindPcts are the recommendation steps the risk bands map to;
// any configured set must keep them available.
var requiredUnwindPcts = []int{25, 50, 100}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, monitor, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: password must accompany an encrypted key.
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
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
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Venue
	if len(c.Venue.Assets) == 0 {
		errs = append(errs, "venue: at least one asset must be configured")
	}
	for name, a := range c.Venue.Assets {
		if a.Decimals <= 0 || a.Decimals > 30 {
			errs = append(errs, fmt.Sprintf("venue: asset %s: decimals must be 1-30, got %d", name, a.Decimals))
		}
		if a.LTVBps <= 0 || a.LTVBps >= 10_000 {
			errs = append(errs, fmt.Sprintf("venue: asset %s: ltv_bps must be in (0, 10000), got %d", name, a.LTVBps))
		}
		if a.LiqBps <= 0 || a.LiqBps > 10_000 {
			errs = append(errs, fmt.Sprintf("venue: asset %s: liq_bps must be in (0, 10000], got %d", name, a.LiqBps))
		}
		if a.LiqBps < a.LTVBps {
			errs = append(errs, fmt.Sprintf("venue: asset %s: liq_bps must not be below ltv_bps", name))
		}
		if a.Price <= 0 {
			errs = append(errs, fmt.Sprintf("venue: asset %s: price must be > 0", name))
		}
		if a.Liquidity < 0 {
			errs = append(errs, fmt.Sprintf("venue: asset %s: liquidity must be >= 0", name))
		}
	}
	if c.Venue.FeeBps < 0 || c.Venue.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("venue: fee_bps must be in [0, 10000), got %d", c.Venue.FeeBps))
	}
	if c.Venue.DepthValue < 0 {
		errs = append(errs, "venue: depth_value must be >= 0")
	}

	// Oracle
	if c.Oracle.Enabled && c.Oracle.WsHost == "" {
		errs = append(errs, "oracle: ws_host is required when oracle is enabled")
	}

	// Engine
	if c.Engine.SafetyMarginBps < 0 || c.Engine.SafetyMarginBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: safety_margin_bps must be in [0, 10000), got %d", c.Engine.SafetyMarginBps))
	}
	if c.Engine.DefaultMaxLoops < 1 {
		errs = append(errs, "engine: default_max_loops must be >= 1")
	}
	if c.Engine.DefaultMaxSlippageBps <= 0 || c.Engine.DefaultMaxSlippageBps > 1_000 {
		errs = append(errs, fmt.Sprintf("engine: default_max_slippage_bps must be in (0, 1000], got %d", c.Engine.DefaultMaxSlippageBps))
	}
	if c.Engine.DefaultMinHealthFactor <= 1.0 {
		errs = append(errs, fmt.Sprintf("engine: default_min_health_factor must be > 1.0, got %g", c.Engine.DefaultMinHealthFactor))
	}

	// Risk: bands must descend and stay at or above par.
	if c.Risk.CriticalAbove < 1.0 {
		errs = append(errs, fmt.Sprintf("risk: critical_above must be >= 1.0, got %g", c.Risk.CriticalAbove))
	}
	if !(c.Risk.SafeAbove > c.Risk.WarningAbove && c.Risk.WarningAbove > c.Risk.RiskyAbove && c.Risk.RiskyAbove > c.Risk.CriticalAbove) {
		errs = append(errs, "risk: thresholds must satisfy safe_above > warning_above > risky_above > critical_above")
	}
	if len(c.Risk.UnwindPercentages) == 0 {
		errs = append(errs, "risk: unwind_percentages must not be empty")
	}
	for _, pct := range c.Risk.UnwindPercentages {
		if pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Sprintf("risk: unwind percentage must be 1-100, got %d", pct))
		}
	}
	for _, want := range requiredUnwindPcts {
		found := false
		for _, pct := range c.Risk.UnwindPercentages {
			if pct == want {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("risk: unwind_percentages must include %d", want))
		}
	}
	if c.Risk.PollInterval.Duration <= 0 {
		errs = append(errs, "risk: poll_interval must be > 0")
	}
	if c.Risk.PriceMaxAge.Duration <= 0 {
		errs = append(errs, "risk: price_max_age must be > 0")
	}

	// Keeper
	if c.Mode == "keeper" || c.Mode == "full" {
		if c.Keeper.PollInterval.Duration <= 0 {
			errs = append(errs, "keeper: poll_interval must be > 0")
		}
		if c.Keeper.DedupTTL.Duration <= 0 {
			errs = append(errs, "keeper: dedup_ttl must be > 0")
		}
		if c.Keeper.LockTTL.Duration <= 0 {
			errs = append(errs, "keeper: lock_ttl must be > 0")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
		if c.Server.AuthSkew.Duration <= 0 {
			errs = append(errs, "server: auth_skew must be > 0")
		}
	}

	// Notify: webhook deliveries are always signed.
	if c.Notify.WebhookURL != "" && c.Notify.WebhookSecret == "" {
		errs = append(errs, "notify: webhook_secret is required when webhook_url is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
