package engine

import (
	"fmt"
	"math/big"

	"github.com/kweston/loopvault/internal/domain"
)

// Policy holds the risk thresholds and the unwind rules. Thresholds are WAD
// health factors partitioning the domain into five ordered bands; they are
// passed in explicitly so deployments and tests can override them.
type Policy struct {
	SafeAbove     *big.Int
	WarningAbove  *big.Int
	RiskyAbove    *big.Int
	CriticalAbove *big.Int

	// UnwindPercentages is the set accepted by manual and automatic
	// unwinds. The recommended percentages must be members.
	UnwindPercentages []int
}

// Recommended unwind percentages per band.
const (
	UnwindPctRisky        = 25
	UnwindPctCritical     = 50
	UnwindPctLiquidatable = 100
)

// DefaultPolicy returns the standard 1.6 / 1.3 / 1.1 / 1.0 bands with the
// {25, 50, 100} unwind set.
func DefaultPolicy() Policy {
	return Policy{
		SafeAbove:         wadFromTenths(16),
		WarningAbove:      wadFromTenths(13),
		RiskyAbove:        wadFromTenths(11),
		CriticalAbove:     wadFromTenths(10),
		UnwindPercentages: []int{UnwindPctRisky, UnwindPctCritical, UnwindPctLiquidatable},
	}
}

// Validate checks threshold ordering and that every recommended percentage
// is a member of the configured unwind set.
func (p Policy) Validate() error {
	for _, t := range []*big.Int{p.SafeAbove, p.WarningAbove, p.RiskyAbove, p.CriticalAbove} {
		if t == nil || t.Sign() <= 0 {
			return fmt.Errorf("engine: policy threshold missing: %w", domain.ErrInvalidThreshold)
		}
	}
	if p.SafeAbove.Cmp(p.WarningAbove) <= 0 ||
		p.WarningAbove.Cmp(p.RiskyAbove) <= 0 ||
		p.RiskyAbove.Cmp(p.CriticalAbove) <= 0 {
		return fmt.Errorf("engine: policy thresholds out of order: %w", domain.ErrInvalidThreshold)
	}
	for _, pct := range []int{UnwindPctRisky, UnwindPctCritical, UnwindPctLiquidatable} {
		if !p.ValidUnwindPct(pct) {
			return fmt.Errorf("engine: unwind set must contain %d: %w", pct, domain.ErrInvalidUnwindPercentage)
		}
	}
	return nil
}

// Classify maps a WAD health factor onto a risk band. Bands are inclusive
// on their lower bound: exactly 1.6 is warning, exactly 1.1 critical,
// exactly 1.0 liquidatable.
func (p Policy) Classify(hf *big.Int) domain.RiskLevel {
	switch {
	case hf.Cmp(p.SafeAbove) > 0:
		return domain.RiskLevelSafe
	case hf.Cmp(p.WarningAbove) > 0:
		return domain.RiskLevelWarning
	case hf.Cmp(p.RiskyAbove) > 0:
		return domain.RiskLevelRisky
	case hf.Cmp(p.CriticalAbove) > 0:
		return domain.RiskLevelCritical
	default:
		return domain.RiskLevelLiquidatable
	}
}

// RecommendedUnwind returns the unwind percentage for a band. Safe and
// warning positions get 0: nothing to do.
func (p Policy) RecommendedUnwind(level domain.RiskLevel) int {
	switch level {
	case domain.RiskLevelRisky:
		return UnwindPctRisky
	case domain.RiskLevelCritical:
		return UnwindPctCritical
	case domain.RiskLevelLiquidatable:
		return UnwindPctLiquidatable
	default:
		return 0
	}
}

// ValidUnwindPct reports whether pct is a member of the configured set.
func (p Policy) ValidUnwindPct(pct int) bool {
	for _, v := range p.UnwindPercentages {
		if v == pct {
			return true
		}
	}
	return false
}

// wadFromTenths builds a WAD fixed-point value from tenths, e.g. 16 -> 1.6.
func wadFromTenths(tenths int64) *big.Int {
	v := new(big.Int).Mul(domain.WAD, big.NewInt(tenths))
	return v.Quo(v, big.NewInt(10))
}
