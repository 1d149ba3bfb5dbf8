package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/kweston/loopvault/internal/domain"
)

// marketSnapshot is one consistent read of venue parameters and prices
// backing a single engine operation. Re-validation inside the operation
// uses the same snapshot so a mid-operation price tick cannot split the
// decision.
type marketSnapshot struct {
	ltvBps int64
	liqBps int64
	col    domain.PriceQuote
	debt   domain.PriceQuote
}

func takeSnapshot(ctx context.Context, gw Gateway, pos *domain.Position) (marketSnapshot, error) {
	ltv, err := gw.GetLTV(ctx, pos.CollateralAsset)
	if err != nil {
		return marketSnapshot{}, fmt.Errorf("engine: ltv %s: %w", pos.CollateralAsset, err)
	}
	liq, err := gw.GetLiquidationThreshold(ctx, pos.CollateralAsset)
	if err != nil {
		return marketSnapshot{}, fmt.Errorf("engine: liquidation threshold %s: %w", pos.CollateralAsset, err)
	}
	col, err := gw.GetPrice(ctx, pos.CollateralAsset)
	if err != nil {
		return marketSnapshot{}, fmt.Errorf("engine: price %s: %w", pos.CollateralAsset, err)
	}
	debt, err := gw.GetPrice(ctx, pos.DebtAsset)
	if err != nil {
		return marketSnapshot{}, fmt.Errorf("engine: price %s: %w", pos.DebtAsset, err)
	}
	return marketSnapshot{ltvBps: ltv, liqBps: liq, col: col, debt: debt}, nil
}

func (s marketSnapshot) collateralValue(amount *big.Int) (*big.Int, error) {
	return CollateralValue(amount, s.col.Price, s.col.Decimals)
}

func (s marketSnapshot) debtValue(amount *big.Int) (*big.Int, error) {
	return DebtValue(amount, s.debt.Price, s.debt.Decimals)
}

func (s marketSnapshot) healthFactor(collateralAmt, debtAmt *big.Int) (*big.Int, error) {
	cv, err := s.collateralValue(collateralAmt)
	if err != nil {
		return nil, err
	}
	dv, err := s.debtValue(debtAmt)
	if err != nil {
		return nil, err
	}
	return HealthFactor(cv, s.liqBps, dv)
}
