package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/kweston/loopvault/internal/blob/s3"
	"github.com/kweston/loopvault/internal/cache/redis"
	"github.com/kweston/loopvault/internal/config"
	"github.com/kweston/loopvault/internal/crypto"
	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/notify"
	"github.com/kweston/loopvault/internal/platform/sim"
	"github.com/kweston/loopvault/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore  domain.PositionStore
	RiskEventStore domain.RiskEventStore
	AuditStore     domain.AuditStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Liveness probes for the health endpoint.
	PostgresPing func(ctx context.Context) error
	RedisPing    func(ctx context.Context) error

	// Cold storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Venue and engine
	Venue      *sim.Venue
	Policy     engine.Policy
	Executor   *engine.Executor
	Controller *engine.Controller

	// KeeperAddress is the loaded signing identity; zero when no wallet
	// is configured.
	KeeperAddress common.Address

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage. Full mode
// connects only when archiving is actually enabled, so a default deployment
// does not need a reachable bucket.
func needsS3(mode string, archiveEnabled bool) bool {
	switch mode {
	case "archive":
		return true
	case "full":
		return archiveEnabled
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	// Every mode touches the position book, so the connection is
	// unconditional.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.RiskEventStore = postgres.NewRiskEventStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.PostgresPing = pool.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.RedisPing = redisClient.Ping

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode, cfg.Archive.Enabled) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.RiskEventStore, deps.AuditStore)
	}

	// --- Venue and engine ---
	deps.Venue = buildVenue(cfg.Venue, logger)

	policy, err := buildPolicy(cfg.Risk)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: risk policy: %w", err)
	}
	deps.Policy = policy

	deps.Executor = engine.NewExecutor(engine.ExecutorConfig{
		Gateway:         deps.Venue,
		Policy:          policy,
		SafetyMarginBps: cfg.Engine.SafetyMarginBps,
		Logger:          logger,
	})
	deps.Controller = engine.NewController(engine.ControllerConfig{
		Gateway: deps.Venue,
		Policy:  policy,
		Logger:  logger,
	})

	// --- Keeper wallet (optional) ---
	if cfg.Wallet.PrivateKeyHex != "" || cfg.Wallet.EncryptedKeyPath != "" {
		_, addr, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKeyHex,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		deps.KeeperAddress = addr
		logger.Info("keeper wallet loaded", slog.String("address", addr.Hex()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(
			cfg.Notify.WebhookURL,
			cfg.Notify.WebhookSecret,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// buildVenue seeds the simulated venue from config, converting USD prices to
// WAD and whole-token liquidity to native units.
func buildVenue(cfg config.VenueConfig, logger *slog.Logger) *sim.Venue {
	assets := make(map[string]sim.AssetParams, len(cfg.Assets))
	prices := make(map[string]*big.Int, len(cfg.Assets))
	liquidity := make(map[string]*big.Int, len(cfg.Assets))
	for id, a := range cfg.Assets {
		assets[id] = sim.AssetParams{
			Decimals: uint8(a.Decimals),
			LTVBps:   a.LTVBps,
			LiqBps:   a.LiqBps,
		}
		prices[id] = wadFromFloat(a.Price)
		liquidity[id] = nativeFromFloat(a.Liquidity, a.Decimals)
	}
	return sim.NewVenue(sim.VenueConfig{
		Assets:     assets,
		Prices:     prices,
		Liquidity:  liquidity,
		FeeBps:     cfg.FeeBps,
		DepthValue: wadFromFloat(cfg.DepthValue),
		Logger:     logger,
	})
}

// buildPolicy converts the configured decimal thresholds to WAD and
// validates band ordering.
func buildPolicy(cfg config.RiskConfig) (engine.Policy, error) {
	p := engine.Policy{
		SafeAbove:         wadFromFloat(cfg.SafeAbove),
		WarningAbove:      wadFromFloat(cfg.WarningAbove),
		RiskyAbove:        wadFromFloat(cfg.RiskyAbove),
		CriticalAbove:     wadFromFloat(cfg.CriticalAbove),
		UnwindPercentages: cfg.UnwindPercentages,
	}
	if err := p.Validate(); err != nil {
		return engine.Policy{}, err
	}
	return p, nil
}

// wadFromFloat converts a config-file decimal (threshold, USD price) to WAD
// fixed point. Config values carry few significant digits, so the float
// detour loses nothing.
func wadFromFloat(v float64) *big.Int {
	f := new(big.Float).SetFloat64(v)
	f.Mul(f, new(big.Float).SetInt(domain.WAD))
	out, _ := f.Int(nil)
	return out
}

// nativeFromFloat converts a whole-token amount to the asset's smallest
// unit.
func nativeFromFloat(v float64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f := new(big.Float).SetFloat64(v)
	f.Mul(f, new(big.Float).SetInt(scale))
	out, _ := f.Int(nil)
	return out
}
