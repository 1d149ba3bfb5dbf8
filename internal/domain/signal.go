package domain

import "time"

// Pub/sub channels and streams carried on the signal bus.
const (
	SignalPositionCreated = "position.created"
	SignalLoopsExecuted   = "loops.executed"
	SignalUnwindExecuted  = "unwind.executed"
	SignalPositionClosed  = "position.closed"
	SignalConfigUpdated   = "config.updated"
	SignalRiskChanged     = "risk.changed"
	SignalPriceTick       = "price.tick"

	StreamUnwindRequests = "unwind.requested"
)

// UnwindRequest asks the keeper to evaluate and unwind one position. The
// keeper re-derives risk from live state; the request carries the
// monitor's view for logging only.
type UnwindRequest struct {
	ID           string    `json:"id"`
	PositionID   string    `json:"position_id"`
	Level        RiskLevel `json:"level"`
	HealthFactor string    `json:"health_factor"` // WAD decimal string
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// EngineStatus summarizes the running service for the status endpoint.
type EngineStatus struct {
	Mode            string
	FeedConnected   bool
	UptimeSeconds   int64
	ActivePositions int32
	RiskyPositions  int32
}
