// Package sim provides an in-memory venue behind the engine gateway
// contract: a lending market with LTV/liquidation parameters, a
// price-referenced exchange with fee and depth-linear impact, and a
// settable oracle. It stands in for on-chain adapters in every mode and
// backs the engine test suites.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
)

// AssetParams describes one listed asset.
type AssetParams struct {
	Decimals uint8
	LTVBps   int64
	LiqBps   int64
}

// VenueConfig seeds the venue.
type VenueConfig struct {
	Assets    map[string]AssetParams
	Prices    map[string]*big.Int // WAD USD per whole token
	Liquidity map[string]*big.Int // borrowable reserves per asset
	FeeBps    int64
	// DepthValue is the WAD notional against which price impact scales;
	// zero disables impact.
	DepthValue *big.Int
	Logger     *slog.Logger
}

// Venue is the simulated lend market + exchange. All mutating gateway
// calls inside Atomic commit or roll back together.
type Venue struct {
	mu sync.Mutex
	st *state

	logger *slog.Logger
}

var _ engine.Gateway = (*Venue)(nil)

type state struct {
	assets    map[string]AssetParams
	prices    map[string]*big.Int
	supplied  map[string]*big.Int
	borrowed  map[string]*big.Int
	liquidity map[string]*big.Int

	feeBps          int64
	depthValue      *big.Int
	fillDiscountBps int64 // extra execution penalty vs quote, test hook
}

// NewVenue creates a seeded venue.
func NewVenue(cfg VenueConfig) *Venue {
	st := &state{
		assets:     make(map[string]AssetParams, len(cfg.Assets)),
		prices:     make(map[string]*big.Int, len(cfg.Prices)),
		supplied:   make(map[string]*big.Int),
		borrowed:   make(map[string]*big.Int),
		liquidity:  make(map[string]*big.Int),
		feeBps:     cfg.FeeBps,
		depthValue: cloneInt(cfg.DepthValue),
	}
	for id, p := range cfg.Assets {
		st.assets[id] = p
		st.supplied[id] = new(big.Int)
		st.borrowed[id] = new(big.Int)
		st.liquidity[id] = new(big.Int)
	}
	for id, p := range cfg.Prices {
		st.prices[id] = cloneInt(p)
	}
	for id, l := range cfg.Liquidity {
		st.liquidity[id] = cloneInt(l)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Venue{st: st, logger: logger.With(slog.String("component", "sim_venue"))}
}

// SetPrice updates the oracle price for one asset.
func (v *Venue) SetPrice(asset string, price *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.st.prices[asset] = cloneInt(price)
}

// ApplyPriceUpdate feeds a streamed oracle tick into the venue oracle.
func (v *Venue) ApplyPriceUpdate(u domain.PriceUpdate) {
	v.SetPrice(u.AssetID, u.Price)
}

// SetFillDiscount degrades every swap fill below its quote by the given
// bps. Test hook for exercising the slippage bound.
func (v *Venue) SetFillDiscount(bps int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.st.fillDiscountBps = bps
}

// Balances returns the venue-side supplied and borrowed totals for one
// asset.
func (v *Venue) Balances(asset string) (supplied, borrowed *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneInt(v.st.supplied[asset]), cloneInt(v.st.borrowed[asset])
}

// Health reports venue availability. The in-memory venue is always up.
func (v *Venue) Health(ctx context.Context) error {
	return nil
}

func (v *Venue) Supply(ctx context.Context, asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.supply(asset, amount)
}

func (v *Venue) Borrow(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.borrow(asset, amount)
}

func (v *Venue) Repay(ctx context.Context, asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.repay(asset, amount)
}

func (v *Venue) Withdraw(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.withdraw(asset, amount)
}

func (v *Venue) GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.price(asset)
}

func (v *Venue) GetLTV(ctx context.Context, market string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.st.assets[market]
	if !ok {
		return 0, fmt.Errorf("sim: market %s: %w", market, domain.ErrNotFound)
	}
	return p.LTVBps, nil
}

func (v *Venue) GetLiquidationThreshold(ctx context.Context, market string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.st.assets[market]
	if !ok {
		return 0, fmt.Errorf("sim: market %s: %w", market, domain.ErrNotFound)
	}
	return p.LiqBps, nil
}

func (v *Venue) Swap(ctx context.Context, assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.swap(assetIn, assetOut, amountIn, minAmountOut)
}

func (v *Venue) GetQuote(ctx context.Context, assetIn, assetOut string, amountIn *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.quote(assetIn, assetOut, amountIn)
}

// Atomic runs fn against the live state and restores the pre-call snapshot
// when fn fails. Holding the venue lock for the whole block gives the
// all-or-nothing semantics the engine requires.
func (v *Venue) Atomic(ctx context.Context, fn func(ctx context.Context, gw engine.Gateway) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	saved := v.st.clone()
	if err := fn(ctx, txnView{v: v}); err != nil {
		v.st = saved
		return err
	}
	return nil
}

// txnView exposes the gateway surface inside an Atomic block without
// re-entering the venue lock.
type txnView struct {
	v *Venue
}

var _ engine.Gateway = txnView{}

func (t txnView) Supply(ctx context.Context, asset string, amount *big.Int) error {
	return t.v.st.supply(asset, amount)
}

func (t txnView) Borrow(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	return t.v.st.borrow(asset, amount)
}

func (t txnView) Repay(ctx context.Context, asset string, amount *big.Int) error {
	return t.v.st.repay(asset, amount)
}

func (t txnView) Withdraw(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	return t.v.st.withdraw(asset, amount)
}

func (t txnView) GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	return t.v.st.price(asset)
}

func (t txnView) GetLTV(ctx context.Context, market string) (int64, error) {
	p, ok := t.v.st.assets[market]
	if !ok {
		return 0, fmt.Errorf("sim: market %s: %w", market, domain.ErrNotFound)
	}
	return p.LTVBps, nil
}

func (t txnView) GetLiquidationThreshold(ctx context.Context, market string) (int64, error) {
	p, ok := t.v.st.assets[market]
	if !ok {
		return 0, fmt.Errorf("sim: market %s: %w", market, domain.ErrNotFound)
	}
	return p.LiqBps, nil
}

func (t txnView) Swap(ctx context.Context, assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	return t.v.st.swap(assetIn, assetOut, amountIn, minAmountOut)
}

func (t txnView) GetQuote(ctx context.Context, assetIn, assetOut string, amountIn *big.Int) (*big.Int, error) {
	return t.v.st.quote(assetIn, assetOut, amountIn)
}

func (t txnView) Atomic(ctx context.Context, fn func(ctx context.Context, gw engine.Gateway) error) error {
	saved := t.v.st.clone()
	if err := fn(ctx, t); err != nil {
		t.v.st = saved
		return err
	}
	return nil
}

func cloneInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
