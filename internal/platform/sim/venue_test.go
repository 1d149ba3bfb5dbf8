package sim_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/platform/sim"
)

func w(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), domain.WAD)
}

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVenue lists WETH at $2000 and USDC at $1 with deep reserves.
func newVenue(t *testing.T, feeBps int64, depth *big.Int) *sim.Venue {
	t.Helper()
	return sim.NewVenue(sim.VenueConfig{
		Assets: map[string]sim.AssetParams{
			"WETH": {Decimals: 18, LTVBps: 8000, LiqBps: 8500},
			"USDC": {Decimals: 6, LTVBps: 8000, LiqBps: 8500},
		},
		Prices: map[string]*big.Int{
			"WETH": w(2000),
			"USDC": w(1),
		},
		Liquidity: map[string]*big.Int{
			"WETH": w(10_000),
			"USDC": usdc(10_000_000),
		},
		FeeBps:     feeBps,
		DepthValue: depth,
		Logger:     testLogger(),
	})
}

func TestQuoteParLessFee(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, nil)

	out, err := v.GetQuote(ctx, "WETH", "USDC", w(1))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Cmp(big.NewInt(1_998_000_000)))

	back, err := v.GetQuote(ctx, "USDC", "WETH", usdc(2_000))
	require.NoError(t, err)
	assert.Equal(t, 0, back.Cmp(big.NewInt(999_000_000_000_000_000)))
}

// Larger trades never fill at a better per-unit rate. Cross-multiplied to
// stay in integers: rate(a) >= rate(b) iff quote(a)*b >= quote(b)*a.
func TestQuoteRateMonotoneInSize(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, w(2_000_000))

	sizes := []int64{1, 10, 100, 1_000}
	quotes := make([]*big.Int, len(sizes))
	for i, s := range sizes {
		q, err := v.GetQuote(ctx, "WETH", "USDC", w(s))
		require.NoError(t, err)
		quotes[i] = q
	}
	for i := 1; i < len(sizes); i++ {
		small := new(big.Int).Mul(quotes[i-1], big.NewInt(sizes[i]))
		large := new(big.Int).Mul(quotes[i], big.NewInt(sizes[i-1]))
		assert.True(t, small.Cmp(large) >= 0,
			"size %d quoted a better rate than size %d", sizes[i], sizes[i-1])
	}

	// 100 WETH moves the price; it must fill strictly worse than a hundred
	// single-WETH trades.
	hundredSingles := new(big.Int).Mul(quotes[0], big.NewInt(100))
	assert.Equal(t, -1, quotes[2].Cmp(hundredSingles))
}

// Impact tops out at 10x the fee, so even an outsized trade quotes at a
// bounded discount from par.
func TestQuoteImpactCapped(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, w(2_000_000))

	out, err := v.GetQuote(ctx, "WETH", "USDC", w(10_000))
	require.NoError(t, err)

	want := new(big.Int).Mul(usdc(20_000_000), big.NewInt(9_890))
	want.Quo(want, big.NewInt(10_000))
	assert.Equal(t, 0, out.Cmp(want))
}

func TestQuoteZeroDepthHasNoImpact(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, nil)

	out, err := v.GetQuote(ctx, "WETH", "USDC", w(1_000))
	require.NoError(t, err)

	want := new(big.Int).Mul(usdc(2_000_000), big.NewInt(9_990))
	want.Quo(want, big.NewInt(10_000))
	assert.Equal(t, 0, out.Cmp(want))
}

func TestSwapHonorsMinAmountOut(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, nil)

	quote, err := v.GetQuote(ctx, "WETH", "USDC", w(1))
	require.NoError(t, err)

	fill, err := v.Swap(ctx, "WETH", "USDC", w(1), quote)
	require.NoError(t, err)
	assert.Equal(t, 0, fill.Cmp(quote))

	over := new(big.Int).Add(quote, big.NewInt(1))
	_, err = v.Swap(ctx, "WETH", "USDC", w(1), over)
	require.ErrorIs(t, err, domain.ErrExceedsMaxSlippage)
}

// A degraded venue still quotes at par but executes below it; the
// min-amount-out bound is checked against the execution, not the quote.
func TestSwapFillDiscount(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, nil)
	v.SetFillDiscount(50)

	quote, err := v.GetQuote(ctx, "WETH", "USDC", w(1))
	require.NoError(t, err)
	assert.Equal(t, 0, quote.Cmp(big.NewInt(1_998_000_000)), "quote must not see the discount")

	_, err = v.Swap(ctx, "WETH", "USDC", w(1), quote)
	require.ErrorIs(t, err, domain.ErrExceedsMaxSlippage)

	want := new(big.Int).Mul(quote, big.NewInt(9_950))
	want.Quo(want, big.NewInt(10_000))
	fill, err := v.Swap(ctx, "WETH", "USDC", w(1), want)
	require.NoError(t, err)
	assert.Equal(t, 0, fill.Cmp(want))
}

func TestBorrowAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("market liquidity", func(t *testing.T) {
		v := sim.NewVenue(sim.VenueConfig{
			Assets: map[string]sim.AssetParams{
				"WETH": {Decimals: 18, LTVBps: 8000, LiqBps: 8500},
				"USDC": {Decimals: 6, LTVBps: 8000, LiqBps: 8500},
			},
			Prices:    map[string]*big.Int{"WETH": w(2000), "USDC": w(1)},
			Liquidity: map[string]*big.Int{"USDC": usdc(1_000)},
			Logger:    testLogger(),
		})
		require.NoError(t, v.Supply(ctx, "WETH", w(10)))

		_, err := v.Borrow(ctx, "USDC", usdc(1_001))
		require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

		proceeds, err := v.Borrow(ctx, "USDC", usdc(1_000))
		require.NoError(t, err)
		assert.Equal(t, 0, proceeds.Cmp(usdc(1_000)))

		// Repaying restores reserve for the next draw.
		require.NoError(t, v.Repay(ctx, "USDC", usdc(500)))
		_, err = v.Borrow(ctx, "USDC", usdc(600))
		require.ErrorIs(t, err, domain.ErrInsufficientCollateral)
		_, err = v.Borrow(ctx, "USDC", usdc(500))
		require.NoError(t, err)
	})

	t.Run("ltv capacity", func(t *testing.T) {
		v := newVenue(t, 0, nil)
		require.NoError(t, v.Supply(ctx, "WETH", w(1)))

		// $2000 of collateral at 80% LTV caps total debt value at $1600.
		_, err := v.Borrow(ctx, "USDC", usdc(1_601))
		require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

		_, err = v.Borrow(ctx, "USDC", usdc(1_600))
		require.NoError(t, err)

		_, borrowed := v.Balances("USDC")
		assert.Equal(t, 0, borrowed.Cmp(usdc(1_600)))

		_, err = v.Borrow(ctx, "USDC", usdc(1))
		require.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	})
}

func TestRepayAndWithdrawBounds(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 0, nil)
	require.NoError(t, v.Supply(ctx, "WETH", w(2)))
	_, err := v.Borrow(ctx, "USDC", usdc(100))
	require.NoError(t, err)

	err = v.Repay(ctx, "USDC", usdc(101))
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeds outstanding debt")

	_, err = v.Withdraw(ctx, "WETH", w(3))
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	proceeds, err := v.Withdraw(ctx, "WETH", w(1))
	require.NoError(t, err)
	assert.Equal(t, 0, proceeds.Cmp(w(1)))
}

func TestUnknownAssetRejected(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 10, nil)

	_, err := v.GetPrice(ctx, "DOGE")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = v.GetQuote(ctx, "WETH", "DOGE", w(1))
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = v.GetLTV(ctx, "DOGE")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyPriceUpdateMovesQuotes(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 0, nil)

	v.ApplyPriceUpdate(domain.PriceUpdate{
		AssetID:  "WETH",
		Price:    w(1_500),
		Decimals: 18,
		Ts:       time.Now(),
	})

	q, err := v.GetPrice(ctx, "WETH")
	require.NoError(t, err)
	assert.Equal(t, 0, q.Price.Cmp(w(1_500)))

	out, err := v.GetQuote(ctx, "WETH", "USDC", w(1))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Cmp(usdc(1_500)))
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 0, nil)
	require.NoError(t, v.Supply(ctx, "WETH", w(5)))

	boom := errors.New("boom")
	err := v.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
		if err := gw.Supply(ctx, "WETH", w(1)); err != nil {
			return err
		}
		if _, err := gw.Borrow(ctx, "USDC", usdc(100)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(w(5)))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Sign())
}

func TestAtomicCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 0, nil)

	err := v.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
		if err := gw.Supply(ctx, "WETH", w(3)); err != nil {
			return err
		}
		_, err := gw.Borrow(ctx, "USDC", usdc(1_000))
		return err
	})
	require.NoError(t, err)

	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(w(3)))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Cmp(usdc(1_000)))
}

// An inner Atomic failure unwinds only the inner effects.
func TestAtomicNestedRollback(t *testing.T) {
	ctx := context.Background()
	v := newVenue(t, 0, nil)

	err := v.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
		if err := gw.Supply(ctx, "WETH", w(2)); err != nil {
			return err
		}
		inner := gw.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
			if _, err := gw.Borrow(ctx, "USDC", usdc(100)); err != nil {
				return err
			}
			return errors.New("inner")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(w(2)))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Sign())
}
