package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionState tracks whether a position is active or closed.
type PositionState string

const (
	PositionStateActive PositionState = "active"
	PositionStateClosed PositionState = "closed"
)

// PositionConfig holds the per-position leverage and safety settings.
type PositionConfig struct {
	TargetLoops           int
	MaxLoops              int
	MaxSlippageBps        int64
	MinHealthFactor       *big.Int // WAD
	AutoManagementEnabled bool
}

// MaxSlippageCapBps is the hard ceiling on a position's slippage tolerance.
const MaxSlippageCapBps = 1_000

// Validate checks the invariants enforced at creation and on every
// config update.
func (c PositionConfig) Validate() error {
	if c.MaxLoops <= 0 {
		return ErrInvalidConfig
	}
	if c.TargetLoops < 0 || c.TargetLoops > c.MaxLoops {
		return ErrInvalidConfig
	}
	if c.MaxSlippageBps <= 0 || c.MaxSlippageBps > MaxSlippageCapBps {
		return ErrInvalidConfig
	}
	if c.MinHealthFactor == nil || c.MinHealthFactor.Cmp(WAD) <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Position is a leveraged loop position, exclusively owned by one account.
// Amounts are in the respective asset's native smallest unit and never
// negative.
type Position struct {
	ID               string
	Owner            common.Address
	CollateralAsset  string
	DebtAsset        string
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	TotalSupplied    *big.Int // cumulative, reporting only
	TotalBorrowed    *big.Int // cumulative, reporting only
	LoopCount        int
	Config           PositionConfig
	State            PositionState
	HealthFactor     *big.Int // WAD, refreshed after every mutation
	RiskLevel        RiskLevel
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

// IsActive reports whether the position accepts mutations.
func (p *Position) IsActive() bool {
	return p.State == PositionStateActive
}

// Clone returns a deep copy. Engine operations mutate a clone and swap it
// back only after every step succeeded.
func (p *Position) Clone() *Position {
	cp := *p
	cp.CollateralAmount = cloneInt(p.CollateralAmount)
	cp.DebtAmount = cloneInt(p.DebtAmount)
	cp.TotalSupplied = cloneInt(p.TotalSupplied)
	cp.TotalBorrowed = cloneInt(p.TotalBorrowed)
	cp.HealthFactor = cloneInt(p.HealthFactor)
	cp.Config.MinHealthFactor = cloneInt(p.Config.MinHealthFactor)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
