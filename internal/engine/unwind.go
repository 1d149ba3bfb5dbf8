package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/kweston/loopvault/internal/domain"
)

// Controller runs the unwind state machine: evaluate, authorize, execute,
// revalidate. Triggering is permissionless, so every safety fact is
// re-derived from live venue state before any value moves; the trigger's
// identity and claims are never part of the decision.
type Controller struct {
	gw     Gateway
	policy Policy
	logger *slog.Logger
}

// ControllerConfig configures the unwind controller.
type ControllerConfig struct {
	Gateway Gateway
	Policy  Policy
	Logger  *slog.Logger
}

// NewController creates an unwind controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		gw:     cfg.Gateway,
		policy: cfg.Policy,
		logger: cfg.Logger.With(slog.String("component", "unwind_controller")),
	}
}

// Evaluation is a live risk snapshot used to authorize an unwind.
type Evaluation struct {
	HealthFactor    *big.Int
	Level           domain.RiskLevel
	CollateralValue *big.Int
	DebtValue       *big.Int
	RecommendedPct  int

	snap marketSnapshot
}

// Evaluate recomputes the position's health from live prices. A
// caller-supplied health factor is never trusted.
func (c *Controller) Evaluate(ctx context.Context, pos *domain.Position) (Evaluation, error) {
	if !pos.IsActive() {
		return Evaluation{}, domain.ErrInactivePosition
	}
	snap, err := takeSnapshot(ctx, c.gw, pos)
	if err != nil {
		return Evaluation{}, err
	}
	cv, err := snap.collateralValue(pos.CollateralAmount)
	if err != nil {
		return Evaluation{}, err
	}
	dv, err := snap.debtValue(pos.DebtAmount)
	if err != nil {
		return Evaluation{}, err
	}
	hf, err := HealthFactor(cv, snap.liqBps, dv)
	if err != nil {
		return Evaluation{}, err
	}
	level := c.policy.Classify(hf)
	return Evaluation{
		HealthFactor:    hf,
		Level:           level,
		CollateralValue: cv,
		DebtValue:       dv,
		RecommendedPct:  c.policy.RecommendedUnwind(level),
		snap:            snap,
	}, nil
}

// Authorize rejects unwinds on positions that are not actually at risk. A
// duplicate or stale trigger on a recovered position lands here and is a
// clean no-op rejection.
func (c *Controller) Authorize(ev Evaluation) error {
	if ev.RecommendedPct == 0 {
		return domain.ErrPositionNotRisky
	}
	return nil
}

// UnwindResult reports one committed unwind step.
type UnwindResult struct {
	Pct            int
	HFBefore       *big.Int
	HFAfter        *big.Int
	LevelBefore    domain.RiskLevel
	LevelAfter     domain.RiskLevel
	CollateralSold *big.Int
	DebtRepaid     *big.Int
}

// AutoUnwind evaluates, authorizes, and executes the recommended
// percentage for the position's current band.
func (c *Controller) AutoUnwind(ctx context.Context, pos *domain.Position) (UnwindResult, error) {
	ev, err := c.Evaluate(ctx, pos)
	if err != nil {
		return UnwindResult{}, err
	}
	if err := c.Authorize(ev); err != nil {
		return UnwindResult{}, err
	}
	return c.execute(ctx, pos, ev, ev.RecommendedPct)
}

// ManualUnwind executes a caller-chosen percentage from the configured
// valid set. Unlike AutoUnwind it does not require a risky band: the owner
// may deleverage a healthy position, which is also the only route to the
// zero debt a close requires.
func (c *Controller) ManualUnwind(ctx context.Context, pos *domain.Position, pct int) (UnwindResult, error) {
	if !c.policy.ValidUnwindPct(pct) {
		return UnwindResult{}, domain.ErrInvalidUnwindPercentage
	}
	ev, err := c.Evaluate(ctx, pos)
	if err != nil {
		return UnwindResult{}, err
	}
	return c.execute(ctx, pos, ev, pct)
}

// execute runs withdraw -> swap -> repay atomically, returns any swap
// remainder to collateral, and revalidates that the step strictly improved
// health (or cleared the debt). A failed revalidation rolls the whole step
// back.
func (c *Controller) execute(ctx context.Context, pos *domain.Position, ev Evaluation, pct int) (UnwindResult, error) {
	withdrawAmt := portionOf(pos.CollateralAmount, pct)
	if withdrawAmt.Sign() == 0 {
		return UnwindResult{}, fmt.Errorf("engine: unwind %d%%: %w", pct, domain.ErrInsufficientCollateral)
	}

	working := pos.Clone()
	res := UnwindResult{Pct: pct, HFBefore: ev.HealthFactor, LevelBefore: ev.Level}

	err := c.gw.Atomic(ctx, func(ctx context.Context, gw Gateway) error {
		// 1. Withdraw the slice of collateral.
		proceeds, err := gw.Withdraw(ctx, working.CollateralAsset, withdrawAmt)
		if err != nil {
			return fmt.Errorf("withdraw %s: %w", working.CollateralAsset, err)
		}

		// 2. Swap to the debt asset within the slippage bound.
		expected, err := gw.GetQuote(ctx, working.CollateralAsset, working.DebtAsset, proceeds)
		if err != nil {
			return fmt.Errorf("unwind quote: %w", err)
		}
		minOut := applySlippage(expected, working.Config.MaxSlippageBps)
		out, err := gw.Swap(ctx, working.CollateralAsset, working.DebtAsset, proceeds, minOut)
		if err != nil {
			return fmt.Errorf("swap %s->%s: %w", working.CollateralAsset, working.DebtAsset, err)
		}

		// 3. Repay, capped at outstanding debt.
		repay := new(big.Int).Set(minInt(out, working.DebtAmount))
		if repay.Sign() > 0 {
			if err := gw.Repay(ctx, working.DebtAsset, repay); err != nil {
				return fmt.Errorf("repay %s: %w", working.DebtAsset, err)
			}
		}

		// 4. Any unconsumed remainder goes back into collateral, never
		// discarded.
		remainder := new(big.Int).Sub(out, repay)
		returned := new(big.Int)
		if remainder.Sign() > 0 {
			backExpected, err := gw.GetQuote(ctx, working.DebtAsset, working.CollateralAsset, remainder)
			if err != nil {
				return fmt.Errorf("remainder quote: %w", err)
			}
			backMin := applySlippage(backExpected, working.Config.MaxSlippageBps)
			returned, err = gw.Swap(ctx, working.DebtAsset, working.CollateralAsset, remainder, backMin)
			if err != nil {
				return fmt.Errorf("remainder swap: %w", err)
			}
			if err := gw.Supply(ctx, working.CollateralAsset, returned); err != nil {
				return fmt.Errorf("remainder supply: %w", err)
			}
		}

		working.CollateralAmount.Sub(working.CollateralAmount, withdrawAmt)
		working.CollateralAmount.Add(working.CollateralAmount, returned)
		working.DebtAmount.Sub(working.DebtAmount, repay)
		if returned.Sign() > 0 {
			working.TotalSupplied.Add(working.TotalSupplied, returned)
		}

		// 5. Revalidate against the same snapshot: strictly better health
		// or zero debt, else the whole step is an integrity failure.
		hf, err := ev.snap.healthFactor(working.CollateralAmount, working.DebtAmount)
		if err != nil {
			return err
		}
		if working.DebtAmount.Sign() != 0 && hf.Cmp(ev.HealthFactor) <= 0 {
			return fmt.Errorf("health factor %s did not improve on %s: %w",
				FormatWAD(hf), FormatWAD(ev.HealthFactor), domain.ErrRevalidationFailed)
		}
		working.HealthFactor = hf
		working.RiskLevel = c.policy.Classify(hf)
		res.HFAfter = hf
		res.LevelAfter = working.RiskLevel
		res.CollateralSold = withdrawAmt
		res.DebtRepaid = repay
		return nil
	})
	if err != nil {
		return UnwindResult{}, fmt.Errorf("engine: unwind %d%%: %w", pct, err)
	}

	working.UpdatedAt = time.Now().UTC()
	*pos = *working
	c.logger.Info("unwind committed",
		slog.String("position_id", pos.ID),
		slog.Int("pct", pct),
		slog.String("hf_before", FormatWAD(res.HFBefore)),
		slog.String("hf_after", FormatWAD(res.HFAfter)),
		slog.String("level", string(res.LevelAfter)),
	)
	return res, nil
}

// portionOf returns pct percent of amount rounding down; 100 returns the
// exact amount so a full unwind leaves no dust behind.
func portionOf(amount *big.Int, pct int) *big.Int {
	if pct >= 100 {
		return new(big.Int).Set(amount)
	}
	v := new(big.Int).Mul(amount, big.NewInt(int64(pct)))
	return v.Quo(v, big.NewInt(100))
}
