package engine

import (
	"context"
	"math/big"

	"github.com/kweston/loopvault/internal/domain"
)

// Gateway is the venue surface the engine drives: lend-market moves, swaps,
// and price/parameter lookups. Every call can fail; a failure from any call
// inside an Atomic block aborts the whole block with no venue-side effect.
type Gateway interface {
	// Supply deposits amount of asset as collateral.
	Supply(ctx context.Context, asset string, amount *big.Int) error
	// Borrow draws amount of asset against supplied collateral and returns
	// the proceeds actually received.
	Borrow(ctx context.Context, asset string, amount *big.Int) (*big.Int, error)
	// Repay pays down outstanding debt in asset.
	Repay(ctx context.Context, asset string, amount *big.Int) error
	// Withdraw removes supplied collateral and returns the proceeds.
	Withdraw(ctx context.Context, asset string, amount *big.Int) (*big.Int, error)

	// GetPrice returns the current oracle quote for asset. Fails when no
	// feed exists for it.
	GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error)
	// GetLTV returns the market's loan-to-value limit in bps.
	GetLTV(ctx context.Context, market string) (int64, error)
	// GetLiquidationThreshold returns the market's liquidation threshold in
	// bps.
	GetLiquidationThreshold(ctx context.Context, market string) (int64, error)

	// Swap trades amountIn of assetIn for assetOut, failing if the realized
	// output is below minAmountOut.
	Swap(ctx context.Context, assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error)
	// GetQuote returns the expected swap output for amountIn without
	// executing.
	GetQuote(ctx context.Context, assetIn, assetOut string, amountIn *big.Int) (*big.Int, error)

	// Atomic runs fn against a transactional view of the venue. When fn
	// returns an error every venue effect inside it is rolled back.
	Atomic(ctx context.Context, fn func(ctx context.Context, gw Gateway) error) error
}
