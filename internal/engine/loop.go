package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/kweston/loopvault/internal/domain"
)

// DefaultSafetyMarginBps shaves the LTV headroom on every borrow so the
// position never sits at the exact borrowing limit.
const DefaultSafetyMarginBps = 500

// Executor builds leverage on a position through repeated
// borrow/swap/supply cycles, each sized so the projected health factor
// stays above the position's floor even at the worst fill the slippage
// bound allows.
type Executor struct {
	gw              Gateway
	policy          Policy
	safetyMarginBps int64
	logger          *slog.Logger
}

// ExecutorConfig configures the loop executor.
type ExecutorConfig struct {
	Gateway         Gateway
	Policy          Policy
	SafetyMarginBps int64
	Logger          *slog.Logger
}

// NewExecutor creates a loop executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.SafetyMarginBps <= 0 {
		cfg.SafetyMarginBps = DefaultSafetyMarginBps
	}
	return &Executor{
		gw:              cfg.Gateway,
		policy:          cfg.Policy,
		safetyMarginBps: cfg.SafetyMarginBps,
		logger:          cfg.Logger.With(slog.String("component", "loop_executor")),
	}
}

// SafeBorrowValue is the gross borrowable WAD value against collateral
// under the market LTV, reduced by the safety margin. It is the total
// borrow ceiling; subtract current debt for the remaining headroom.
func SafeBorrowValue(collateralValue *big.Int, ltvBps, safetyMarginBps int64) (*big.Int, error) {
	if ltvBps <= 0 || ltvBps >= domain.BpsDenom {
		return nil, domain.ErrInvalidThreshold
	}
	if safetyMarginBps < 0 || safetyMarginBps >= domain.BpsDenom {
		return nil, domain.ErrInvalidThreshold
	}
	v := new(big.Int).Mul(collateralValue, big.NewInt(ltvBps))
	v.Quo(v, bpsDenom)
	v.Mul(v, big.NewInt(domain.BpsDenom-safetyMarginBps))
	return v.Quo(v, bpsDenom), nil
}

// ExecuteLoops runs up to target additional iterations, stopping early
// once the next iteration cannot keep the health factor above the floor.
// Each iteration is atomic; the position reflects only fully committed
// iterations. Returns how many iterations actually ran.
func (e *Executor) ExecuteLoops(ctx context.Context, pos *domain.Position, target int) (int, error) {
	if !pos.IsActive() {
		return 0, domain.ErrInactivePosition
	}
	if target <= 0 {
		return 0, domain.ErrZeroLoops
	}
	if pos.LoopCount+target > pos.Config.MaxLoops {
		return 0, domain.ErrExceedsMaxLoops
	}

	executed := 0
	for i := 0; i < target; i++ {
		ran, err := e.executeLoop(ctx, pos)
		if err != nil {
			return executed, err
		}
		if !ran {
			e.logger.Info("loop construction self-limited",
				slog.String("position_id", pos.ID),
				slog.Int("executed", executed),
				slog.Int("target", target),
			)
			break
		}
		executed++
	}
	return executed, nil
}

// loopPlan is one sized iteration ready to execute.
type loopPlan struct {
	borrowAmt *big.Int
	minOut    *big.Int
}

// executeLoop runs one borrow/swap/supply cycle. It returns false with a
// nil error when the position has no safe capacity left.
func (e *Executor) executeLoop(ctx context.Context, pos *domain.Position) (bool, error) {
	snap, err := takeSnapshot(ctx, e.gw, pos)
	if err != nil {
		return false, err
	}
	cv, err := snap.collateralValue(pos.CollateralAmount)
	if err != nil {
		return false, err
	}
	dv, err := snap.debtValue(pos.DebtAmount)
	if err != nil {
		return false, err
	}

	// 1. Size the borrow: remaining LTV headroom, capped so the projected
	// health factor survives a worst-case fill.
	ceiling, err := SafeBorrowValue(cv, snap.ltvBps, e.safetyMarginBps)
	if err != nil {
		return false, err
	}
	headroom := new(big.Int).Sub(ceiling, dv)
	minHF := pos.Config.MinHealthFactor
	retention := domain.BpsDenom - pos.Config.MaxSlippageBps
	b1 := minInt(headroom, borrowCap(cv, dv, snap.liqBps, minHF, retention))
	if b1 == nil || b1.Sign() <= 0 {
		return false, nil
	}

	// 2. Project the post-loop health factor at the worst fill the bound
	// allows. The first pass sizes at par; when venue fees push the
	// projection under the floor, resize once with the realized rate from
	// the quote before giving up.
	plan, projHF, err := e.planLoop(ctx, pos, snap, b1)
	if err != nil {
		return false, err
	}
	if plan.borrowAmt == nil {
		return false, nil
	}
	if projHF.Cmp(minHF) <= 0 {
		realized, err := e.realizedRetention(snap, plan)
		if err != nil {
			return false, err
		}
		if realized <= 0 {
			return false, nil
		}
		b2 := minInt(headroom, borrowCap(cv, dv, snap.liqBps, minHF, realized))
		if b2 == nil || b2.Sign() <= 0 || b2.Cmp(b1) >= 0 {
			return false, nil
		}
		plan, projHF, err = e.planLoop(ctx, pos, snap, b2)
		if err != nil {
			return false, err
		}
		if plan.borrowAmt == nil || projHF.Cmp(minHF) <= 0 {
			return false, nil
		}
	}

	// 3. Execute borrow -> swap -> supply atomically; the position commits
	// only after the venue did.
	working := pos.Clone()
	err = e.gw.Atomic(ctx, func(ctx context.Context, gw Gateway) error {
		proceeds, err := gw.Borrow(ctx, working.DebtAsset, plan.borrowAmt)
		if err != nil {
			return fmt.Errorf("borrow %s: %w", working.DebtAsset, err)
		}
		received, err := gw.Swap(ctx, working.DebtAsset, working.CollateralAsset, proceeds, plan.minOut)
		if err != nil {
			return fmt.Errorf("swap %s->%s: %w", working.DebtAsset, working.CollateralAsset, err)
		}
		if err := gw.Supply(ctx, working.CollateralAsset, received); err != nil {
			return fmt.Errorf("supply %s: %w", working.CollateralAsset, err)
		}

		working.CollateralAmount.Add(working.CollateralAmount, received)
		working.DebtAmount.Add(working.DebtAmount, plan.borrowAmt)
		working.TotalSupplied.Add(working.TotalSupplied, received)
		working.TotalBorrowed.Add(working.TotalBorrowed, plan.borrowAmt)
		working.LoopCount++

		// 4. Recompute health with the committed amounts. received >=
		// minOut, so this can only fail if the venue filled worse than
		// the bound it accepted.
		hf, err := snap.healthFactor(working.CollateralAmount, working.DebtAmount)
		if err != nil {
			return err
		}
		if hf.Cmp(working.Config.MinHealthFactor) <= 0 {
			return fmt.Errorf("post-loop health factor %s at or below floor: %w",
				FormatWAD(hf), domain.ErrExceedsMaxSlippage)
		}
		working.HealthFactor = hf
		working.RiskLevel = e.policy.Classify(hf)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("engine: loop %d: %w", pos.LoopCount+1, err)
	}

	working.UpdatedAt = time.Now().UTC()
	*pos = *working
	e.logger.Debug("loop committed",
		slog.String("position_id", pos.ID),
		slog.Int("loop_count", pos.LoopCount),
		slog.String("health_factor", FormatWAD(pos.HealthFactor)),
	)
	return true, nil
}

// planLoop converts a borrow value into amounts: the borrow amount, the
// quote for swapping it, the slippage-bounded minimum output, and the
// projected health factor at that minimum. A nil borrowAmt in the plan
// means the value was too small to trade.
func (e *Executor) planLoop(ctx context.Context, pos *domain.Position, snap marketSnapshot, borrowValue *big.Int) (loopPlan, *big.Int, error) {
	borrowAmt, err := AmountFromValue(borrowValue, snap.debt)
	if err != nil {
		return loopPlan{}, nil, err
	}
	if borrowAmt.Sign() == 0 {
		return loopPlan{}, nil, nil
	}
	expected, err := e.gw.GetQuote(ctx, pos.DebtAsset, pos.CollateralAsset, borrowAmt)
	if err != nil {
		return loopPlan{}, nil, fmt.Errorf("engine: loop quote: %w", err)
	}
	minOut := applySlippage(expected, pos.Config.MaxSlippageBps)
	if minOut.Sign() == 0 {
		return loopPlan{}, nil, nil
	}
	projCol := new(big.Int).Add(pos.CollateralAmount, minOut)
	projDebt := new(big.Int).Add(pos.DebtAmount, borrowAmt)
	projHF, err := snap.healthFactor(projCol, projDebt)
	if err != nil {
		return loopPlan{}, nil, err
	}
	return loopPlan{borrowAmt: borrowAmt, minOut: minOut}, projHF, nil
}

// realizedRetention measures, in bps, how much of one borrowed unit of
// value survives as collateral at the plan's worst fill.
func (e *Executor) realizedRetention(snap marketSnapshot, plan loopPlan) (int64, error) {
	outVal, err := snap.collateralValue(plan.minOut)
	if err != nil {
		return 0, err
	}
	inVal, err := snap.debtValue(plan.borrowAmt)
	if err != nil {
		return 0, err
	}
	if inVal.Sign() == 0 {
		return 0, nil
	}
	r := new(big.Int).Mul(outVal, bpsDenom)
	r.Quo(r, inVal)
	if !r.IsInt64() {
		return 0, nil
	}
	return r.Int64(), nil
}

// borrowCap returns the largest additional borrow value (WAD) whose
// projected post-swap health factor stays strictly above minHF when each
// borrowed unit of value retains retentionBps of itself as collateral
// after the swap.
//
// From (cv + b*r) * liq / (dv + b) > minHF with r = retentionBps/1e4:
//
//	b < (cv*1e4*liq*WAD - minHF*1e8*dv) / (minHF*1e8 - retention*liq*WAD)
//
// A nil result means the floor cannot bind at that retention and only the
// LTV headroom limits the borrow.
func borrowCap(cv, dv *big.Int, liqBps int64, minHF *big.Int, retentionBps int64) *big.Int {
	liq := big.NewInt(liqBps)
	bpsSq := new(big.Int).Mul(bpsDenom, bpsDenom)

	num := new(big.Int).Mul(cv, bpsDenom)
	num.Mul(num, liq)
	num.Mul(num, domain.WAD)
	sub := new(big.Int).Mul(minHF, bpsSq)
	sub.Mul(sub, dv)
	num.Sub(num, sub)
	if num.Sign() <= 0 {
		return new(big.Int)
	}

	den := new(big.Int).Mul(minHF, bpsSq)
	ret := big.NewInt(retentionBps)
	ret.Mul(ret, liq)
	ret.Mul(ret, domain.WAD)
	den.Sub(den, ret)
	if den.Sign() <= 0 {
		return nil
	}

	num.Sub(num, big.NewInt(1))
	return num.Quo(num, den)
}

// applySlippage discounts a quoted amount by the slippage bound, rounding
// down.
func applySlippage(amount *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(domain.BpsDenom-slippageBps))
	return out.Quo(out, bpsDenom)
}

// minInt returns the smaller operand; nil means unbounded.
func minInt(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
