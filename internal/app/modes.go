package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/feed"
	"github.com/kweston/loopvault/internal/keeper"
	"github.com/kweston/loopvault/internal/pipeline"
	"github.com/kweston/loopvault/internal/server"
	"github.com/kweston/loopvault/internal/server/handler"
	"github.com/kweston/loopvault/internal/server/ws"
	"github.com/kweston/loopvault/internal/service"
)

// ServerMode serves the REST and WebSocket API without running any
// background risk work. Pair it with keeper or monitor processes when
// splitting a deployment.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false, but server mode always serves the API")
	}

	g, ctx := errgroup.WithContext(ctx)
	startedAt := time.Now().UTC()

	fd := a.startOracleFeed(ctx, g, deps)

	positionSvc := a.newPositionService(deps)
	// Not started: the monitor here only backs the risk summary endpoint.
	// Sweeps belong to a keeper or monitor process.
	monitor := a.newRiskMonitor(deps)

	a.startHTTPServer(ctx, g, deps, positionSvc, monitor, fd, startedAt)

	return g.Wait()
}

// KeeperMode runs the risk monitor and the unwind worker: sweep the book,
// enqueue requests, execute unwinds. No API is served.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startOracleFeed(ctx, g, deps)

	positionSvc := a.newPositionService(deps)

	monitor := a.newRiskMonitor(deps).WithAlerter(deps.Notifier)
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	worker := a.newKeeperWorker(deps, positionSvc)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	return g.Wait()
}

// MonitorMode watches the book without executing anything: sweeps record
// transitions, fire alerts, and enqueue unwind requests for a keeper
// process elsewhere to drain.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startOracleFeed(ctx, g, deps)

	monitor := a.newRiskMonitor(deps).WithAlerter(deps.Notifier)
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	return g.Wait()
}

// ArchiveMode rotates aged rows into cold storage. With a cron expression it
// runs as a daemon; without one it takes a single pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if !a.cfg.Archive.Enabled {
		a.logger.WarnContext(ctx, "archive.enabled is false, but archive mode always runs the archiver")
	}
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: blob storage not wired")
	}

	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	if cron := a.cfg.Archive.Cron; cron != "" {
		return arch.RunCron(ctx, cron)
	}
	return arch.Run(ctx)
}

// FullMode runs every subsystem in one process: API, risk monitor, keeper,
// oracle feed, and the archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	startedAt := time.Now().UTC()

	fd := a.startOracleFeed(ctx, g, deps)

	positionSvc := a.newPositionService(deps)

	monitor := a.newRiskMonitor(deps).WithAlerter(deps.Notifier)
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	worker := a.newKeeperWorker(deps, positionSvc)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, positionSvc, monitor, fd, startedAt)
	}

	return g.Wait()
}

// newPositionService builds the lifecycle service shared by the API and the
// keeper, with config defaults applied to positions that do not set their
// own.
func (a *App) newPositionService(deps *Dependencies) *service.PositionService {
	defaults := domain.PositionConfig{
		MaxLoops:        a.cfg.Engine.DefaultMaxLoops,
		MaxSlippageBps:  a.cfg.Engine.DefaultMaxSlippageBps,
		MinHealthFactor: wadFromFloat(a.cfg.Engine.DefaultMinHealthFactor),
	}
	svc := service.NewPositionService(
		deps.PositionStore, deps.RiskEventStore, deps.Venue,
		deps.Executor, deps.Controller, defaults,
		deps.SignalBus, deps.AuditStore, a.logger,
	).WithLockManager(deps.LockManager, a.cfg.Keeper.LockTTL.Duration)
	if deps.KeeperAddress != (common.Address{}) {
		svc = svc.WithKeeperIdentity(deps.KeeperAddress)
	}
	return svc
}

// newRiskMonitor builds the sweep loop over the shared stores and venue.
func (a *App) newRiskMonitor(deps *Dependencies) *service.RiskMonitor {
	return service.NewRiskMonitor(
		deps.PositionStore, deps.RiskEventStore, deps.PriceCache,
		deps.Venue, deps.Policy, deps.SignalBus,
		a.cfg.Risk.PollInterval.Duration,
		a.cfg.Risk.PriceMaxAge.Duration,
		a.logger,
	)
}

// newKeeperWorker builds the unwind worker bound to the given executor.
func (a *App) newKeeperWorker(deps *Dependencies, unwinder keeper.PositionUnwinder) *keeper.Worker {
	return keeper.NewWorker(
		deps.SignalBus, unwinder, deps.LockManager,
		a.cfg.Keeper.PollInterval.Duration,
		a.cfg.Keeper.DedupTTL.Duration,
		a.cfg.Keeper.LockTTL.Duration,
		a.logger,
	).WithAlerter(deps.Notifier)
}

// startOracleFeed connects the oracle WebSocket when enabled. Each tick
// lands in the shared price cache, moves the venue's oracle, and fans out
// on the bus. Returns nil when the feed is disabled.
func (a *App) startOracleFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) *feed.OracleFeed {
	if !a.cfg.Oracle.Enabled {
		return nil
	}

	onTick := func(ctx context.Context, u domain.PriceUpdate) {
		if err := deps.PriceCache.SetPrice(ctx, u.Quote(), u.Ts); err != nil {
			a.logger.WarnContext(ctx, "price cache update failed",
				slog.String("asset", u.AssetID),
				slog.String("error", err.Error()),
			)
		}
		deps.Venue.ApplyPriceUpdate(u)

		payload, err := json.Marshal(map[string]any{
			"asset_id": u.AssetID,
			"price":    u.Price.String(),
			"ts":       u.Ts.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return
		}
		if err := deps.SignalBus.Publish(ctx, domain.SignalPriceTick, payload); err != nil {
			a.logger.WarnContext(ctx, "price tick publish failed",
				slog.String("asset", u.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}

	fd := feed.NewOracleFeed(a.cfg.Oracle.WsHost, a.cfg.Oracle.Assets, onTick, a.logger)
	g.Go(func() error {
		defer fd.Close()
		return fd.Run(ctx)
	})
	return fd
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled. fd may be nil when the oracle feed is disabled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	positions *service.PositionService,
	risk handler.RiskService,
	fd *feed.OracleFeed,
	startedAt time.Time,
) {
	status := a.statusFunc(deps, fd, startedAt)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
		Status:    status,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	health := handler.NewHealthHandler(a.logger).
		WithDependency("postgres", handler.PingFunc(deps.PostgresPing)).
		WithDependency("redis", handler.PingFunc(deps.RedisPing))

	handlers := server.Handlers{
		Health:    health,
		Status:    handler.NewStatusHandler(status, a.logger),
		Positions: handler.NewPositionHandler(positions, a.cfg.Server.AuthSkew.Duration, a.logger),
		Risk:      handler.NewRiskHandler(risk, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// statusFunc snapshots the running service for the REST status endpoint and
// the hub's connect frame. Counts come from the store so every process in a
// split deployment reports the same book.
func (a *App) statusFunc(deps *Dependencies, fd *feed.OracleFeed, startedAt time.Time) func(ctx context.Context) (domain.EngineStatus, error) {
	return func(ctx context.Context) (domain.EngineStatus, error) {
		byLevel, err := deps.PositionStore.CountByRiskLevel(ctx)
		if err != nil {
			return domain.EngineStatus{}, fmt.Errorf("app: status: %w", err)
		}

		var active, risky int64
		for level, n := range byLevel {
			active += n
			switch level {
			case domain.RiskLevelRisky, domain.RiskLevelCritical, domain.RiskLevelLiquidatable:
				risky += n
			}
		}

		st := domain.EngineStatus{
			Mode:            a.cfg.Mode,
			UptimeSeconds:   int64(time.Since(startedAt).Seconds()),
			ActivePositions: int32(active),
			RiskyPositions:  int32(risky),
		}
		if fd != nil {
			st.FeedConnected = fd.Connected()
		}
		return st, nil
	}
}
