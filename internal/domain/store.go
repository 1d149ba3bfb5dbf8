package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists loop positions. Listing by owner is the indexing
// surface; the engine itself only addresses positions by ID.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Position, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
	Count(ctx context.Context) (int64, error)
	CountByRiskLevel(ctx context.Context) (map[RiskLevel]int64, error)
}

// RiskEventStore persists band transitions and unwind actions.
type RiskEventStore interface {
	Insert(ctx context.Context, ev RiskEvent) error
	Resolve(ctx context.Context, positionID string, at time.Time) error
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]RiskEvent, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]RiskEvent, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
