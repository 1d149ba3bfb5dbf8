package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/platform/oracle"
)

// PriceTickHandler is called for each oracle tick (price cache + venue + bus).
type PriceTickHandler func(ctx context.Context, update domain.PriceUpdate)

// OracleFeed connects to the oracle price WebSocket, subscribes to ticks for
// the given assets, and invokes the handler on each update. The underlying
// client reconnects with backoff on its own; this supervisor retries the
// initial dial and subscription.
type OracleFeed struct {
	wsURL     string
	assets    []string
	onTick    PriceTickHandler
	logger    *slog.Logger
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewOracleFeed creates a feed that will subscribe to the given assets.
func NewOracleFeed(wsURL string, assets []string, onTick PriceTickHandler, logger *slog.Logger) *OracleFeed {
	return &OracleFeed{
		wsURL:  wsURL,
		assets: assets,
		onTick: onTick,
		logger: logger.With(slog.String("component", "oracle_feed")),
		done:   make(chan struct{}),
	}
}

// Run connects, subscribes to the configured assets, and runs until ctx is
// cancelled. Dial and subscription failures are retried every 2 seconds.
func (f *OracleFeed) Run(ctx context.Context) error {
	if len(f.assets) == 0 {
		f.logger.Info("no assets to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("oracle feed disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *OracleFeed) runConnection(ctx context.Context) error {
	client := oracle.NewWSClient(f.wsURL)
	defer client.Close()

	client.OnPriceUpdate(func(update domain.PriceUpdate) {
		if f.onTick != nil {
			f.onTick(context.Background(), update)
		}
	})

	// The timeout covers only the dial; the connection itself lives until
	// ctx is cancelled.
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}

	if err := client.Subscribe(ctx, f.assets); err != nil {
		return err
	}
	f.connected.Store(true)
	defer f.connected.Store(false)
	f.logger.Info("oracle feed subscribed", slog.Int("assets", len(f.assets)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

// Connected reports whether the feed holds a live subscription.
func (f *OracleFeed) Connected() bool {
	return f.connected.Load()
}

// Close stops the feed.
func (f *OracleFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
