package engine_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/platform/sim"
)

// seedLeveraged places a ready-made leveraged position on the venue
// without running the loop executor.
func seedLeveraged(t *testing.T, v *sim.Venue, pos *domain.Position, collateral, debt *big.Int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, v.Supply(ctx, pos.CollateralAsset, collateral))
	pos.CollateralAmount.Set(collateral)
	pos.TotalSupplied.Set(collateral)
	if debt.Sign() > 0 {
		_, err := v.Borrow(ctx, pos.DebtAsset, debt)
		require.NoError(t, err)
		pos.DebtAmount.Set(debt)
		pos.TotalBorrowed.Set(debt)
	}
}

func TestAutoUnwindAfterPriceShock(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(17))
	seedCollateral(t, v, pos, w(1))

	_, err := newExecutor(v).ExecuteLoops(ctx, pos, 5)
	require.NoError(t, err)
	require.Equal(t, domain.RiskLevelSafe, pos.RiskLevel)

	// A 40% collateral crash drops health just above par.
	v.SetPrice("WETH", w(1200))
	ctrl := newController(v)

	res, err := ctrl.AutoUnwind(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Pct)
	assert.Equal(t, domain.RiskLevelCritical, res.LevelBefore)
	assert.Equal(t, domain.RiskLevelRisky, res.LevelAfter)
	assert.Equal(t, 1, res.HFAfter.Cmp(res.HFBefore), "health %s must improve on %s",
		engine.FormatWAD(res.HFAfter), engine.FormatWAD(res.HFBefore))
	assert.Equal(t, 1, res.DebtRepaid.Sign())
	assert.Equal(t, domain.RiskLevelRisky, pos.RiskLevel)
	assert.Equal(t, 0, pos.HealthFactor.Cmp(res.HFAfter))

	// Still risky, so a second pass trims another quarter and recovers
	// the position into the warning band.
	res, err = ctrl.AutoUnwind(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Pct)
	assert.Equal(t, domain.RiskLevelWarning, res.LevelAfter)

	// Recovered: a third trigger is a clean no-op rejection.
	hfBefore := new(big.Int).Set(pos.HealthFactor)
	debtBefore := new(big.Int).Set(pos.DebtAmount)
	_, err = ctrl.AutoUnwind(ctx, pos)
	assert.ErrorIs(t, err, domain.ErrPositionNotRisky)
	assert.Equal(t, 0, pos.HealthFactor.Cmp(hfBefore))
	assert.Equal(t, 0, pos.DebtAmount.Cmp(debtBefore))
}

func TestManualUnwindCascade(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(13))
	seedLeveraged(t, v, pos, w(2), usdc(2400))
	ctrl := newController(v)

	steps := []struct {
		price     *big.Int
		wantLevel domain.RiskLevel
		pct       int
	}{
		{w(1700), domain.RiskLevelRisky, 25},
		{w(1400), domain.RiskLevelRisky, 25},
		{w(1150), domain.RiskLevelCritical, 50},
	}
	for _, step := range steps {
		v.SetPrice("WETH", step.price)

		ev, err := ctrl.Evaluate(ctx, pos)
		require.NoError(t, err)
		require.Equal(t, step.wantLevel, ev.Level, "at price %s", engine.FormatWAD(step.price))

		debtBefore := new(big.Int).Set(pos.DebtAmount)
		res, err := ctrl.ManualUnwind(ctx, pos, step.pct)
		require.NoError(t, err)
		assert.Equal(t, step.pct, res.Pct)
		assert.Equal(t, -1, pos.DebtAmount.Cmp(debtBefore), "debt must shrink each step")
		assert.Equal(t, 1, res.HFAfter.Cmp(res.HFBefore))
		assert.NotEqual(t, domain.RiskLevelLiquidatable, res.LevelAfter)
	}

	assert.Equal(t, domain.RiskLevelWarning, pos.RiskLevel)
	assert.Equal(t, 1, pos.DebtAmount.Sign())
	assert.Equal(t, 1, pos.CollateralAmount.Sign())

	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Cmp(pos.DebtAmount))
}

func TestManualUnwindFullClearsDebt(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(13))
	seedLeveraged(t, v, pos, w(1), usdc(900))
	v.SetPrice("WETH", w(1250))
	ctrl := newController(v)

	res, err := ctrl.ManualUnwind(ctx, pos, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Pct)
	assert.Equal(t, 0, res.DebtRepaid.Cmp(usdc(900)))

	assert.Equal(t, 0, pos.DebtAmount.Sign())
	assert.True(t, engine.IsInfinite(pos.HealthFactor))
	assert.Equal(t, domain.RiskLevelSafe, pos.RiskLevel)

	// Sale proceeds beyond the debt flow back into collateral.
	assert.Equal(t, 1, pos.CollateralAmount.Sign())
	assert.Equal(t, -1, pos.CollateralAmount.Cmp(wadPct(30)))

	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Sign())
	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(pos.CollateralAmount))
}

func TestManualUnwindRejectsInvalidPercentages(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(13))
	seedLeveraged(t, v, pos, w(2), usdc(2400))
	v.SetPrice("WETH", w(1700))
	ctrl := newController(v)

	for _, pct := range []int{-5, 0, 15, 75, 101} {
		_, err := ctrl.ManualUnwind(ctx, pos, pct)
		assert.ErrorIs(t, err, domain.ErrInvalidUnwindPercentage, "pct %d", pct)
	}
	assert.Equal(t, 0, pos.DebtAmount.Cmp(usdc(2400)))
	assert.Equal(t, 0, pos.CollateralAmount.Cmp(w(2)))
}

func TestUnwindAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy position refuses auto, allows manual", func(t *testing.T) {
		v := newTestVenue(t, 10)
		pos := newTestPosition(wTenths(13))
		seedLeveraged(t, v, pos, w(1), usdc(500))
		ctrl := newController(v)

		_, err := ctrl.AutoUnwind(ctx, pos)
		assert.ErrorIs(t, err, domain.ErrPositionNotRisky)

		// The owner may still deleverage by hand; half the collateral more
		// than covers the debt, so the position comes out debt-free.
		res, err := ctrl.ManualUnwind(ctx, pos, 50)
		require.NoError(t, err)
		assert.Equal(t, 0, res.DebtRepaid.Cmp(usdc(500)))
		assert.Equal(t, 0, pos.DebtAmount.Sign())
		assert.True(t, engine.IsInfinite(pos.HealthFactor))
	})

	t.Run("closed position", func(t *testing.T) {
		v := newTestVenue(t, 10)
		pos := newTestPosition(wTenths(13))
		seedLeveraged(t, v, pos, w(1), usdc(500))
		pos.State = domain.PositionStateClosed
		ctrl := newController(v)

		_, err := ctrl.AutoUnwind(ctx, pos)
		assert.ErrorIs(t, err, domain.ErrInactivePosition)
		_, err = ctrl.ManualUnwind(ctx, pos, 50)
		assert.ErrorIs(t, err, domain.ErrInactivePosition)
	})
}

func TestUnwindRevalidationRollsBack(t *testing.T) {
	ctx := context.Background()

	// A 35% exchange fee burns more value than the repayment recovers, so
	// the step cannot improve health and must be rolled back whole.
	v := sim.NewVenue(sim.VenueConfig{
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
		FeeBps: 3500,
		Logger: testLogger(),
	})
	pos := newTestPosition(wTenths(13))
	seedLeveraged(t, v, pos, w(1), usdc(1400))
	ctrl := newController(v)

	ev, err := ctrl.Evaluate(ctx, pos)
	require.NoError(t, err)
	require.Equal(t, domain.RiskLevelRisky, ev.Level)

	_, err = ctrl.ManualUnwind(ctx, pos, 25)
	require.ErrorIs(t, err, domain.ErrRevalidationFailed)

	assert.Equal(t, 0, pos.CollateralAmount.Cmp(w(1)))
	assert.Equal(t, 0, pos.DebtAmount.Cmp(usdc(1400)))
	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(w(1)))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Cmp(usdc(1400)))
}
