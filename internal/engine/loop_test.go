package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/platform/sim"
)

func w(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), domain.WAD)
}

func wTenths(tenths int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(tenths), domain.WAD)
	return out.Quo(out, big.NewInt(10))
}

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestVenue seeds a WETH/USDC market: WETH at $2000 with 80% LTV and
// an 85% liquidation threshold, USDC at $1.
func newTestVenue(t *testing.T, feeBps int64) *sim.Venue {
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
		FeeBps: feeBps,
		Logger: testLogger(),
	})
}

func newTestPosition(minHF *big.Int) *domain.Position {
	return &domain.Position{
		ID:               uuid.NewString(),
		Owner:            common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72"),
		CollateralAsset:  "WETH",
		DebtAsset:        "USDC",
		CollateralAmount: new(big.Int),
		DebtAmount:       new(big.Int),
		TotalSupplied:    new(big.Int),
		TotalBorrowed:    new(big.Int),
		Config: domain.PositionConfig{
			TargetLoops:           5,
			MaxLoops:              10,
			MaxSlippageBps:        50,
			MinHealthFactor:       minHF,
			AutoManagementEnabled: true,
		},
		State:        domain.PositionStateActive,
		HealthFactor: new(big.Int).Set(engine.InfiniteHealthFactor),
		RiskLevel:    domain.RiskLevelSafe,
	}
}

// seedCollateral supplies the initial collateral to the venue and mirrors
// it on the position.
func seedCollateral(t *testing.T, v *sim.Venue, pos *domain.Position, amount *big.Int) {
	t.Helper()
	require.NoError(t, v.Supply(context.Background(), pos.CollateralAsset, amount))
	pos.CollateralAmount.Set(amount)
	pos.TotalSupplied.Set(amount)
}

func newExecutor(gw engine.Gateway) *engine.Executor {
	return engine.NewExecutor(engine.ExecutorConfig{
		Gateway: gw,
		Policy:  engine.DefaultPolicy(),
		Logger:  testLogger(),
	})
}

func newController(gw engine.Gateway) *engine.Controller {
	return engine.NewController(engine.ControllerConfig{
		Gateway: gw,
		Policy:  engine.DefaultPolicy(),
		Logger:  testLogger(),
	})
}

// flakyGateway fails the nth Borrow across the whole run, venue behavior
// otherwise untouched.
type flakyGateway struct {
	engine.Gateway
	failAt  int
	borrows *int
}

func newFlakyGateway(gw engine.Gateway, failBorrowAt int) *flakyGateway {
	return &flakyGateway{Gateway: gw, failAt: failBorrowAt, borrows: new(int)}
}

func (f *flakyGateway) Borrow(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	*f.borrows++
	if *f.borrows == f.failAt {
		return nil, errors.New("venue rpc timeout")
	}
	return f.Gateway.Borrow(ctx, asset, amount)
}

func (f *flakyGateway) Atomic(ctx context.Context, fn func(ctx context.Context, gw engine.Gateway) error) error {
	return f.Gateway.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
		return fn(ctx, &flakyGateway{Gateway: gw, failAt: f.failAt, borrows: f.borrows})
	})
}

func TestExecuteLoopsGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive position", func(t *testing.T) {
		v := newTestVenue(t, 10)
		pos := newTestPosition(wTenths(17))
		seedCollateral(t, v, pos, w(1))
		pos.State = domain.PositionStateClosed

		_, err := newExecutor(v).ExecuteLoops(ctx, pos, 3)
		assert.ErrorIs(t, err, domain.ErrInactivePosition)
	})

	t.Run("zero target", func(t *testing.T) {
		v := newTestVenue(t, 10)
		pos := newTestPosition(wTenths(17))
		seedCollateral(t, v, pos, w(1))

		for _, target := range []int{0, -1} {
			_, err := newExecutor(v).ExecuteLoops(ctx, pos, target)
			assert.ErrorIs(t, err, domain.ErrZeroLoops, "target %d", target)
		}
	})

	t.Run("exceeds max loops", func(t *testing.T) {
		v := newTestVenue(t, 10)
		pos := newTestPosition(wTenths(17))
		seedCollateral(t, v, pos, w(1))

		_, err := newExecutor(v).ExecuteLoops(ctx, pos, pos.Config.MaxLoops+1)
		assert.ErrorIs(t, err, domain.ErrExceedsMaxLoops)

		pos.LoopCount = 8
		_, err = newExecutor(v).ExecuteLoops(ctx, pos, 3)
		assert.ErrorIs(t, err, domain.ErrExceedsMaxLoops)
		assert.Equal(t, 0, pos.DebtAmount.Sign(), "guard must not touch the position")
	})
}

func TestExecuteLoopsBuildsLeverage(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(17))
	seedCollateral(t, v, pos, w(1))

	executed, err := newExecutor(v).ExecuteLoops(ctx, pos, 5)
	require.NoError(t, err)

	// The first iteration is LTV-bound, later ones are sized against the
	// health floor and taper off.
	assert.GreaterOrEqual(t, executed, 2)
	assert.LessOrEqual(t, executed, 5)
	assert.Equal(t, executed, pos.LoopCount)

	assert.Equal(t, 1, pos.HealthFactor.Cmp(wTenths(17)), "health %s must stay above the floor", engine.FormatWAD(pos.HealthFactor))
	assert.Equal(t, domain.RiskLevelSafe, pos.RiskLevel)
	assert.Equal(t, 1, pos.DebtAmount.Sign())
	assert.Equal(t, 0, pos.TotalBorrowed.Cmp(pos.DebtAmount))
	assert.Equal(t, 0, pos.TotalSupplied.Cmp(pos.CollateralAmount))

	// With an 85% threshold and a 1.7 floor the debt ratio converges to
	// one half, so leverage approaches but never reaches 2x.
	price, err := v.GetPrice(ctx, "WETH")
	require.NoError(t, err)
	cv, err := engine.CollateralValue(pos.CollateralAmount, price.Price, price.Decimals)
	require.NoError(t, err)
	dv, err := engine.DebtValue(pos.DebtAmount, w(1), 6)
	require.NoError(t, err)
	lev := engine.Leverage(cv, dv)
	assert.Equal(t, 1, lev.Cmp(wadPct(195)), "leverage %s", engine.FormatWAD(lev))
	assert.Equal(t, -1, lev.Cmp(w(2)), "leverage %s", engine.FormatWAD(lev))

	// Venue books match the position exactly.
	supplied, borrowed := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(pos.CollateralAmount))
	assert.Equal(t, 0, borrowed.Sign())
	_, usdcBorrowed := v.Balances("USDC")
	assert.Equal(t, 0, usdcBorrowed.Cmp(pos.DebtAmount))
}

func TestExecuteLoopsSelfLimits(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(25))
	seedCollateral(t, v, pos, w(1))

	// A 2.5 floor is hit well before five iterations of capacity exist.
	executed, err := newExecutor(v).ExecuteLoops(ctx, pos, 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, executed, 1)
	assert.Less(t, executed, 5)
	assert.Equal(t, executed, pos.LoopCount)
	assert.Equal(t, 1, pos.HealthFactor.Cmp(wTenths(25)))
}

func TestExecuteLoopsRollsBackOnBadFill(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	pos := newTestPosition(wTenths(15))
	pos.Config.MaxSlippageBps = 30
	seedCollateral(t, v, pos, w(1))

	// Fills land 50bps under quote, past the 30bps bound, so the swap
	// inside the first iteration fails and everything rolls back.
	v.SetFillDiscount(50)

	executed, err := newExecutor(v).ExecuteLoops(ctx, pos, 3)
	assert.Equal(t, 0, executed)
	require.ErrorIs(t, err, domain.ErrExceedsMaxSlippage)

	assert.Equal(t, 0, pos.LoopCount)
	assert.Equal(t, 0, pos.DebtAmount.Sign())
	assert.Equal(t, 0, pos.CollateralAmount.Cmp(w(1)))

	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(w(1)))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Sign())
}

func TestExecuteLoopsKeepsCommittedIterations(t *testing.T) {
	ctx := context.Background()
	v := newTestVenue(t, 10)
	gw := newFlakyGateway(v, 2)
	pos := newTestPosition(wTenths(15))
	seedCollateral(t, v, pos, w(1))

	// Borrow fails on the second iteration; the first stays committed.
	executed, err := newExecutor(gw).ExecuteLoops(ctx, pos, 3)
	require.Error(t, err)
	assert.ErrorContains(t, err, "venue rpc timeout")
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, pos.LoopCount)
	assert.Equal(t, 1, pos.DebtAmount.Sign())

	// No partial venue state from the failed iteration.
	supplied, _ := v.Balances("WETH")
	assert.Equal(t, 0, supplied.Cmp(pos.CollateralAmount))
	_, borrowed := v.Balances("USDC")
	assert.Equal(t, 0, borrowed.Cmp(pos.DebtAmount))
}

func wadPct(pct int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(pct), domain.WAD)
	return out.Quo(out, big.NewInt(100))
}
