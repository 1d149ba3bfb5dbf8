package domain

import (
	"math/big"
	"time"
)

// WAD is the fixed-point basis (1.0 == 1e18) for prices, monetary values,
// and health factors.
var WAD = big.NewInt(1e18)

// BpsDenom is the basis-point denominator.
const BpsDenom = 10_000

// RiskLevel classifies a position's distance from liquidation.
type RiskLevel string

const (
	RiskLevelSafe         RiskLevel = "safe"
	RiskLevelWarning      RiskLevel = "warning"
	RiskLevelRisky        RiskLevel = "risky"
	RiskLevelCritical     RiskLevel = "critical"
	RiskLevelLiquidatable RiskLevel = "liquidatable"
)

// Rank orders levels from safest (0) to liquidatable (4). Unknown levels
// rank safest so a bad value never triggers an unwind.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelWarning:
		return 1
	case RiskLevelRisky:
		return 2
	case RiskLevelCritical:
		return 3
	case RiskLevelLiquidatable:
		return 4
	default:
		return 0
	}
}

// RiskAction is what produced a risk event.
type RiskAction string

const (
	RiskActionTransition   RiskAction = "transition"
	RiskActionAutoUnwind   RiskAction = "auto_unwind"
	RiskActionManualUnwind RiskAction = "manual_unwind"
)

// RiskEvent records a band transition or an unwind on one position. A
// transition back to safe resolves the open chain for that position.
type RiskEvent struct {
	ID           string
	PositionID   string
	Level        RiskLevel
	PrevLevel    RiskLevel
	HealthFactor *big.Int // WAD
	Action       RiskAction
	UnwindPct    int
	Detail       string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}
