package engine

import (
	"fmt"
	"math/big"

	"github.com/kweston/loopvault/internal/domain"
)

var (
	bpsDenom = big.NewInt(domain.BpsDenom)

	// InfiniteHealthFactor is the sentinel for zero-debt positions. It sits
	// far above any configurable threshold, so classification treats it as
	// maximally safe without a special case.
	InfiniteHealthFactor = new(big.Int).Exp(big.NewInt(2), big.NewInt(128), nil)
)

// IsInfinite reports whether hf is the zero-debt sentinel.
func IsInfinite(hf *big.Int) bool {
	return hf != nil && hf.Cmp(InfiniteHealthFactor) >= 0
}

// CollateralValue converts a raw collateral amount into a WAD monetary
// value: amount * price / 10^decimals. Rejects a non-positive price so a
// dead feed can never value collateral.
func CollateralValue(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	return assetValue(amount, price, decimals)
}

// DebtValue converts a raw debt amount into a WAD monetary value under the
// same contract as CollateralValue.
func DebtValue(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	return assetValue(amount, price, decimals)
}

func assetValue(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, domain.ErrInvalidPrice
	}
	if amount == nil || amount.Sign() == 0 {
		return new(big.Int), nil
	}
	v := new(big.Int).Mul(amount, price)
	return v.Quo(v, pow10(decimals)), nil
}

// AmountFromValue converts a WAD monetary value back into a raw asset
// amount, rounding down: value * 10^decimals / price.
func AmountFromValue(value *big.Int, quote domain.PriceQuote) (*big.Int, error) {
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, domain.ErrInvalidPrice
	}
	if value == nil || value.Sign() <= 0 {
		return new(big.Int), nil
	}
	a := new(big.Int).Mul(value, pow10(quote.Decimals))
	return a.Quo(a, quote.Price), nil
}

// HealthFactor computes (collateralValue * liqThresholdBps / 10000) /
// debtValue at WAD precision. Zero debt yields InfiniteHealthFactor, never
// a division fault. liqThresholdBps must be in (0, 10000].
func HealthFactor(collateralValue *big.Int, liqThresholdBps int64, debtValue *big.Int) (*big.Int, error) {
	if liqThresholdBps <= 0 || liqThresholdBps > domain.BpsDenom {
		return nil, domain.ErrInvalidThreshold
	}
	if debtValue == nil || debtValue.Sign() == 0 {
		return new(big.Int).Set(InfiniteHealthFactor), nil
	}
	if collateralValue == nil {
		collateralValue = new(big.Int)
	}
	num := new(big.Int).Mul(collateralValue, big.NewInt(liqThresholdBps))
	num.Mul(num, domain.WAD)
	den := new(big.Int).Mul(bpsDenom, debtValue)
	return num.Quo(num, den), nil
}

// Leverage computes collateralValue / (collateralValue - debtValue) at WAD
// precision. Non-positive equity yields the infinite sentinel.
func Leverage(collateralValue, debtValue *big.Int) *big.Int {
	if collateralValue == nil || collateralValue.Sign() == 0 {
		return new(big.Int)
	}
	if debtValue == nil {
		debtValue = new(big.Int)
	}
	equity := new(big.Int).Sub(collateralValue, debtValue)
	if equity.Sign() <= 0 {
		return new(big.Int).Set(InfiniteHealthFactor)
	}
	lev := new(big.Int).Mul(collateralValue, domain.WAD)
	return lev.Quo(lev, equity)
}

// FormatWAD renders a WAD fixed-point value with two decimals for logs
// and API payloads. The zero-debt sentinel renders as "inf".
func FormatWAD(v *big.Int) string {
	if v == nil {
		return "0.00"
	}
	if IsInfinite(v) {
		return "inf"
	}
	hundredths := new(big.Int).Quo(v, big.NewInt(1e16))
	whole := new(big.Int).Quo(hundredths, big.NewInt(100))
	frac := new(big.Int).Mod(hundredths, big.NewInt(100))
	return fmt.Sprintf("%s.%02d", whole.String(), frac.Int64())
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
