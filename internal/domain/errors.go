package domain

import "errors"

// Engine errors. Matched with errors.Is across package boundaries.
var (
	ErrInvalidPrice            = errors.New("invalid price")
	ErrInvalidThreshold        = errors.New("invalid threshold")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrExceedsMaxLoops         = errors.New("exceeds max loops")
	ErrZeroLoops               = errors.New("zero loop target")
	ErrExceedsMaxSlippage      = errors.New("exceeds max slippage")
	ErrPositionNotRisky        = errors.New("position not risky")
	ErrInvalidUnwindPercentage = errors.New("invalid unwind percentage")
	ErrNotOwner                = errors.New("not position owner")
	ErrDebtOutstanding         = errors.New("debt outstanding")
	ErrInactivePosition        = errors.New("position not active")
	ErrRevalidationFailed      = errors.New("unwind revalidation failed")
	ErrInvalidConfig           = errors.New("invalid position config")
)

// Infrastructure errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")
)
