package sim

import (
	"fmt"
	"math/big"

	"github.com/kweston/loopvault/internal/domain"
)

var bpsDenom = big.NewInt(domain.BpsDenom)

func (s *state) clone() *state {
	cp := &state{
		assets:          make(map[string]AssetParams, len(s.assets)),
		prices:          make(map[string]*big.Int, len(s.prices)),
		supplied:        make(map[string]*big.Int, len(s.supplied)),
		borrowed:        make(map[string]*big.Int, len(s.borrowed)),
		liquidity:       make(map[string]*big.Int, len(s.liquidity)),
		feeBps:          s.feeBps,
		depthValue:      cloneInt(s.depthValue),
		fillDiscountBps: s.fillDiscountBps,
	}
	for k, v := range s.assets {
		cp.assets[k] = v
	}
	for k, v := range s.prices {
		cp.prices[k] = cloneInt(v)
	}
	for k, v := range s.supplied {
		cp.supplied[k] = cloneInt(v)
	}
	for k, v := range s.borrowed {
		cp.borrowed[k] = cloneInt(v)
	}
	for k, v := range s.liquidity {
		cp.liquidity[k] = cloneInt(v)
	}
	return cp
}

func (s *state) supply(asset string, amount *big.Int) error {
	if _, ok := s.assets[asset]; !ok {
		return fmt.Errorf("sim: supply %s: %w", asset, domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("sim: supply %s: non-positive amount", asset)
	}
	s.supplied[asset] = new(big.Int).Add(s.supplied[asset], amount)
	return nil
}

// borrow checks market liquidity and the account's LTV capacity before
// drawing. Proceeds equal the drawn amount.
func (s *state) borrow(asset string, amount *big.Int) (*big.Int, error) {
	if _, ok := s.assets[asset]; !ok {
		return nil, fmt.Errorf("sim: borrow %s: %w", asset, domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("sim: borrow %s: non-positive amount", asset)
	}
	if s.liquidity[asset].Cmp(amount) < 0 {
		return nil, fmt.Errorf("sim: borrow %s: market liquidity: %w", asset, domain.ErrInsufficientCollateral)
	}

	capacity, err := s.borrowCapacity()
	if err != nil {
		return nil, err
	}
	debt, err := s.totalDebtValue()
	if err != nil {
		return nil, err
	}
	addValue, err := s.value(asset, amount)
	if err != nil {
		return nil, err
	}
	debt.Add(debt, addValue)
	if debt.Cmp(capacity) > 0 {
		return nil, fmt.Errorf("sim: borrow %s: exceeds ltv capacity: %w", asset, domain.ErrInsufficientCollateral)
	}

	s.borrowed[asset] = new(big.Int).Add(s.borrowed[asset], amount)
	s.liquidity[asset] = new(big.Int).Sub(s.liquidity[asset], amount)
	return new(big.Int).Set(amount), nil
}

func (s *state) repay(asset string, amount *big.Int) error {
	if _, ok := s.assets[asset]; !ok {
		return fmt.Errorf("sim: repay %s: %w", asset, domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("sim: repay %s: non-positive amount", asset)
	}
	if s.borrowed[asset].Cmp(amount) < 0 {
		return fmt.Errorf("sim: repay %s: exceeds outstanding debt", asset)
	}
	s.borrowed[asset] = new(big.Int).Sub(s.borrowed[asset], amount)
	s.liquidity[asset] = new(big.Int).Add(s.liquidity[asset], amount)
	return nil
}

// withdraw checks the supplied balance only. Collateralization during an
// unwind is transiently broken between withdraw and repay inside one
// atomic block; the engine's revalidation is the guard.
func (s *state) withdraw(asset string, amount *big.Int) (*big.Int, error) {
	if _, ok := s.assets[asset]; !ok {
		return nil, fmt.Errorf("sim: withdraw %s: %w", asset, domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("sim: withdraw %s: non-positive amount", asset)
	}
	if s.supplied[asset].Cmp(amount) < 0 {
		return nil, fmt.Errorf("sim: withdraw %s: %w", asset, domain.ErrInsufficientCollateral)
	}
	s.supplied[asset] = new(big.Int).Sub(s.supplied[asset], amount)
	return new(big.Int).Set(amount), nil
}

func (s *state) price(asset string) (domain.PriceQuote, error) {
	p, okAsset := s.assets[asset]
	px, okPrice := s.prices[asset]
	if !okAsset || !okPrice {
		return domain.PriceQuote{}, fmt.Errorf("sim: no price feed for %s: %w", asset, domain.ErrNotFound)
	}
	return domain.PriceQuote{AssetID: asset, Price: cloneInt(px), Decimals: p.Decimals}, nil
}

// quote converts at oracle par, less the fee and a price impact that grows
// linearly with trade value against the configured depth.
func (s *state) quote(assetIn, assetOut string, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("sim: quote %s->%s: non-positive amount", assetIn, assetOut)
	}
	in, err := s.price(assetIn)
	if err != nil {
		return nil, err
	}
	out, err := s.price(assetOut)
	if err != nil {
		return nil, err
	}
	if in.Price.Sign() == 0 || out.Price.Sign() == 0 {
		return nil, fmt.Errorf("sim: quote %s->%s: %w", assetIn, assetOut, domain.ErrInvalidPrice)
	}

	par := new(big.Int).Mul(amountIn, in.Price)
	par.Mul(par, pow10(out.Decimals))
	par.Quo(par, out.Price)
	par.Quo(par, pow10(in.Decimals))

	discount := big.NewInt(s.feeBps + s.impactBps(assetIn, amountIn, in))
	expected := new(big.Int).Mul(par, new(big.Int).Sub(bpsDenom, discount))
	return expected.Quo(expected, bpsDenom), nil
}

// impactBps scales with trade value / depth, capped at 10x the fee.
func (s *state) impactBps(assetIn string, amountIn *big.Int, quote domain.PriceQuote) int64 {
	if s.depthValue == nil || s.depthValue.Sign() == 0 {
		return 0
	}
	value := new(big.Int).Mul(amountIn, quote.Price)
	value.Quo(value, pow10(quote.Decimals))
	bps := value.Mul(value, bpsDenom)
	bps.Quo(bps, s.depthValue)
	cap := 10 * s.feeBps
	if cap == 0 {
		cap = 100
	}
	if bps.Cmp(big.NewInt(cap)) > 0 {
		return cap
	}
	return bps.Int64()
}

func (s *state) swap(assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	expected, err := s.quote(assetIn, assetOut, amountIn)
	if err != nil {
		return nil, err
	}
	fill := new(big.Int).Mul(expected, big.NewInt(domain.BpsDenom-s.fillDiscountBps))
	fill.Quo(fill, bpsDenom)
	if minAmountOut != nil && fill.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("sim: swap %s->%s filled %s below min %s: %w",
			assetIn, assetOut, fill.String(), minAmountOut.String(), domain.ErrExceedsMaxSlippage)
	}
	return fill, nil
}

func (s *state) value(asset string, amount *big.Int) (*big.Int, error) {
	q, err := s.price(asset)
	if err != nil {
		return nil, err
	}
	v := new(big.Int).Mul(amount, q.Price)
	return v.Quo(v, pow10(q.Decimals)), nil
}

func (s *state) totalDebtValue() (*big.Int, error) {
	total := new(big.Int)
	for asset, amt := range s.borrowed {
		if amt.Sign() == 0 {
			continue
		}
		v, err := s.value(asset, amt)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

func (s *state) borrowCapacity() (*big.Int, error) {
	total := new(big.Int)
	for asset, amt := range s.supplied {
		if amt.Sign() == 0 {
			continue
		}
		v, err := s.value(asset, amt)
		if err != nil {
			return nil, err
		}
		v.Mul(v, big.NewInt(s.assets[asset].LTVBps))
		v.Quo(v, bpsDenom)
		total.Add(total, v)
	}
	return total, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
