package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
)

// PositionService manages the position lifecycle: creation, loop execution,
// unwinds, config updates, and closure. Venue effects go through the engine;
// this layer adds persistence, events, and audit.
type PositionService struct {
	positions  domain.PositionStore
	events     domain.RiskEventStore
	gw         engine.Gateway
	executor   *engine.Executor
	controller *engine.Controller
	defaults   domain.PositionConfig
	bus        domain.SignalBus
	audit      domain.AuditStore
	keeper     common.Address
	locks      domain.LockManager
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewPositionService creates a PositionService with all required
// dependencies. defaults fills config fields a caller leaves unset.
func NewPositionService(
	positions domain.PositionStore,
	events domain.RiskEventStore,
	gw engine.Gateway,
	executor *engine.Executor,
	controller *engine.Controller,
	defaults domain.PositionConfig,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions:  positions,
		events:     events,
		gw:         gw,
		executor:   executor,
		controller: controller,
		defaults:   defaults,
		bus:        bus,
		audit:      audit,
		logger:     logger,
	}
}

// WithKeeperIdentity records the keeper's signing address on auto-unwind
// audit entries. Without one those entries carry no keeper field.
func (s *PositionService) WithKeeperIdentity(addr common.Address) *PositionService {
	s.keeper = addr
	return s
}

// WithLockManager serializes mutations on per-position distributed locks,
// so owner calls and keeper unwinds cannot interleave on one position. ttl
// bounds how long a crashed process can hold a lock.
func (s *PositionService) WithLockManager(locks domain.LockManager, ttl time.Duration) *PositionService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	s.locks = locks
	s.lockTTL = ttl
	return s
}

// lockPosition takes the per-position mutation lock. Without a configured
// lock manager it returns a no-op unlock.
func (s *PositionService) lockPosition(ctx context.Context, positionID string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.Acquire(ctx, "position:"+positionID, s.lockTTL)
}

// CreatePositionParams carries everything needed to open a position. Config
// fields left at their zero value fall back to the service defaults.
type CreatePositionParams struct {
	Owner             common.Address
	CollateralAsset   string
	DebtAsset         string
	InitialCollateral *big.Int
	Config            domain.PositionConfig
}

// CreatePosition supplies the initial collateral to the venue and records
// the new position. A fresh position has no debt, so its health factor
// starts at the infinite sentinel.
func (s *PositionService) CreatePosition(ctx context.Context, params CreatePositionParams) (domain.Position, error) {
	if params.InitialCollateral == nil || params.InitialCollateral.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: create: %w", domain.ErrInsufficientCollateral)
	}
	if params.CollateralAsset == "" || params.DebtAsset == "" || params.CollateralAsset == params.DebtAsset {
		return domain.Position{}, fmt.Errorf("position_service: create: asset pair: %w", domain.ErrInvalidConfig)
	}

	cfg := params.Config
	if cfg.MaxLoops == 0 {
		cfg.MaxLoops = s.defaults.MaxLoops
	}
	if cfg.MaxSlippageBps == 0 {
		cfg.MaxSlippageBps = s.defaults.MaxSlippageBps
	}
	if cfg.MinHealthFactor == nil {
		cfg.MinHealthFactor = new(big.Int).Set(s.defaults.MinHealthFactor)
	}
	if err := cfg.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create: %w", err)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:               uuid.NewString(),
		Owner:            params.Owner,
		CollateralAsset:  params.CollateralAsset,
		DebtAsset:        params.DebtAsset,
		CollateralAmount: new(big.Int).Set(params.InitialCollateral),
		DebtAmount:       big.NewInt(0),
		TotalSupplied:    new(big.Int).Set(params.InitialCollateral),
		TotalBorrowed:    big.NewInt(0),
		Config:           cfg,
		State:            domain.PositionStateActive,
		HealthFactor:     new(big.Int).Set(engine.InfiniteHealthFactor),
		RiskLevel:        domain.RiskLevelSafe,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.gw.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
		return gw.Supply(ctx, pos.CollateralAsset, pos.CollateralAmount)
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: supply collateral: %w", err)
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	detail := map[string]any{
		"position_id":       pos.ID,
		"owner":             pos.Owner.Hex(),
		"collateral_asset":  pos.CollateralAsset,
		"debt_asset":        pos.DebtAsset,
		"collateral_amount": pos.CollateralAmount.String(),
	}
	publishJSON(ctx, s.bus, s.logger, domain.SignalPositionCreated, detail)
	logAudit(ctx, s.audit, s.logger, domain.SignalPositionCreated, detail)

	s.logger.InfoContext(ctx, "position_service: position created",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
		slog.String("pair", pos.CollateralAsset+"/"+pos.DebtAsset),
	)

	return pos, nil
}

// ExecuteLoops runs up to target borrow-swap-supply iterations on the
// owner's position. Iterations commit one at a time, so a mid-run failure
// keeps the completed ones; the position is persisted whenever at least one
// iteration landed.
func (s *PositionService) ExecuteLoops(ctx context.Context, positionID string, caller common.Address, target int) (int, domain.Position, error) {
	unlock, err := s.lockPosition(ctx, positionID)
	if err != nil {
		return 0, domain.Position{}, fmt.Errorf("position_service: lock %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return 0, domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Owner != caller {
		return 0, pos, fmt.Errorf("position_service: execute loops %q: %w", positionID, domain.ErrNotOwner)
	}
	if target == 0 {
		target = pos.Config.TargetLoops
	}

	executed, execErr := s.executor.ExecuteLoops(ctx, &pos, target)

	if executed > 0 {
		pos.UpdatedAt = time.Now().UTC()
		if err := s.positions.Update(ctx, pos); err != nil {
			return executed, pos, fmt.Errorf("position_service: persist after %d loops: %w", executed, err)
		}

		detail := map[string]any{
			"position_id":   pos.ID,
			"executed":      executed,
			"loop_count":    pos.LoopCount,
			"health_factor": pos.HealthFactor.String(),
			"debt_amount":   pos.DebtAmount.String(),
		}
		publishJSON(ctx, s.bus, s.logger, domain.SignalLoopsExecuted, detail)
		logAudit(ctx, s.audit, s.logger, domain.SignalLoopsExecuted, detail)

		s.logger.InfoContext(ctx, "position_service: loops executed",
			slog.String("position_id", pos.ID),
			slog.Int("executed", executed),
			slog.String("health_factor", engine.FormatWAD(pos.HealthFactor)),
		)
	}

	if execErr != nil {
		return executed, pos, fmt.Errorf("position_service: execute loops %q: %w", positionID, execErr)
	}
	return executed, pos, nil
}

// AutoUnwind reduces a risky position by the policy-recommended percentage.
// Anyone may trigger it; the engine re-derives risk from live venue state
// and refuses when the position is not actually risky.
func (s *PositionService) AutoUnwind(ctx context.Context, positionID string) (engine.UnwindResult, error) {
	unlock, err := s.lockPosition(ctx, positionID)
	if err != nil {
		return engine.UnwindResult{}, fmt.Errorf("position_service: lock %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return engine.UnwindResult{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}

	res, err := s.controller.AutoUnwind(ctx, &pos)
	if err != nil {
		return res, fmt.Errorf("position_service: auto unwind %q: %w", positionID, err)
	}

	if err := s.recordUnwind(ctx, &pos, res, domain.RiskActionAutoUnwind); err != nil {
		return res, err
	}
	return res, nil
}

// ManualUnwind reduces the owner's position by an explicit percentage from
// the valid set.
func (s *PositionService) ManualUnwind(ctx context.Context, positionID string, caller common.Address, pct int) (engine.UnwindResult, error) {
	unlock, err := s.lockPosition(ctx, positionID)
	if err != nil {
		return engine.UnwindResult{}, fmt.Errorf("position_service: lock %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return engine.UnwindResult{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Owner != caller {
		return engine.UnwindResult{}, fmt.Errorf("position_service: manual unwind %q: %w", positionID, domain.ErrNotOwner)
	}

	res, err := s.controller.ManualUnwind(ctx, &pos, pct)
	if err != nil {
		return res, fmt.Errorf("position_service: manual unwind %q: %w", positionID, err)
	}

	if err := s.recordUnwind(ctx, &pos, res, domain.RiskActionManualUnwind); err != nil {
		return res, err
	}
	return res, nil
}

// recordUnwind persists the mutated position, appends the risk event, and
// emits bus/audit records for an executed unwind.
func (s *PositionService) recordUnwind(ctx context.Context, pos *domain.Position, res engine.UnwindResult, action domain.RiskAction) error {
	now := time.Now().UTC()
	pos.UpdatedAt = now

	if err := s.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("position_service: persist unwind: %w", err)
	}

	ev := domain.RiskEvent{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		Level:        res.LevelAfter,
		PrevLevel:    res.LevelBefore,
		HealthFactor: new(big.Int).Set(res.HFAfter),
		Action:       action,
		UnwindPct:    res.Pct,
		CreatedAt:    now,
	}
	if err := s.events.Insert(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "position_service: insert risk event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	// A position back in the safe band closes out its open risk chain.
	if res.LevelAfter == domain.RiskLevelSafe {
		if err := s.events.Resolve(ctx, pos.ID, now); err != nil {
			s.logger.WarnContext(ctx, "position_service: resolve risk events failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	detail := map[string]any{
		"position_id":     pos.ID,
		"action":          string(action),
		"pct":             res.Pct,
		"hf_before":       res.HFBefore.String(),
		"hf_after":        res.HFAfter.String(),
		"level_before":    string(res.LevelBefore),
		"level_after":     string(res.LevelAfter),
		"collateral_sold": res.CollateralSold.String(),
		"debt_repaid":     res.DebtRepaid.String(),
	}
	if action == domain.RiskActionAutoUnwind && s.keeper != (common.Address{}) {
		detail["keeper"] = s.keeper.Hex()
	}
	publishJSON(ctx, s.bus, s.logger, domain.SignalUnwindExecuted, detail)
	logAudit(ctx, s.audit, s.logger, domain.SignalUnwindExecuted, detail)

	s.logger.InfoContext(ctx, "position_service: unwind executed",
		slog.String("position_id", pos.ID),
		slog.String("action", string(action)),
		slog.Int("pct", res.Pct),
		slog.String("hf_after", engine.FormatWAD(res.HFAfter)),
	)

	return nil
}

// ClosePosition withdraws all remaining collateral and retires the position.
// Outstanding debt blocks closure.
func (s *PositionService) ClosePosition(ctx context.Context, positionID string, caller common.Address) (domain.Position, error) {
	unlock, err := s.lockPosition(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: lock %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Owner != caller {
		return pos, fmt.Errorf("position_service: close %q: %w", positionID, domain.ErrNotOwner)
	}
	if !pos.IsActive() {
		return pos, fmt.Errorf("position_service: close %q: %w", positionID, domain.ErrInactivePosition)
	}
	if pos.DebtAmount.Sign() != 0 {
		return pos, fmt.Errorf("position_service: close %q: %w", positionID, domain.ErrDebtOutstanding)
	}

	withdrawn := new(big.Int).Set(pos.CollateralAmount)
	if withdrawn.Sign() > 0 {
		err := s.gw.Atomic(ctx, func(ctx context.Context, gw engine.Gateway) error {
			_, err := gw.Withdraw(ctx, pos.CollateralAsset, withdrawn)
			return err
		})
		if err != nil {
			return pos, fmt.Errorf("position_service: withdraw collateral: %w", err)
		}
	}

	now := time.Now().UTC()
	pos.CollateralAmount = big.NewInt(0)
	pos.State = domain.PositionStateClosed
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	pos.HealthFactor = new(big.Int).Set(engine.InfiniteHealthFactor)
	pos.RiskLevel = domain.RiskLevelSafe

	if err := s.positions.Update(ctx, pos); err != nil {
		return pos, fmt.Errorf("position_service: persist close: %w", err)
	}

	if err := s.events.Resolve(ctx, pos.ID, now); err != nil {
		s.logger.WarnContext(ctx, "position_service: resolve risk events failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	detail := map[string]any{
		"position_id": pos.ID,
		"owner":       pos.Owner.Hex(),
		"withdrawn":   withdrawn.String(),
	}
	publishJSON(ctx, s.bus, s.logger, domain.SignalPositionClosed, detail)
	logAudit(ctx, s.audit, s.logger, domain.SignalPositionClosed, detail)

	s.logger.InfoContext(ctx, "position_service: position closed",
		slog.String("position_id", pos.ID),
		slog.String("withdrawn", withdrawn.String()),
	)

	return pos, nil
}

// UpdateConfig replaces the owner's position config. The new MaxLoops must
// cover the loops already executed.
func (s *PositionService) UpdateConfig(ctx context.Context, positionID string, caller common.Address, cfg domain.PositionConfig) (domain.Position, error) {
	unlock, err := s.lockPosition(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: lock %q: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Owner != caller {
		return pos, fmt.Errorf("position_service: update config %q: %w", positionID, domain.ErrNotOwner)
	}
	if !pos.IsActive() {
		return pos, fmt.Errorf("position_service: update config %q: %w", positionID, domain.ErrInactivePosition)
	}
	if err := cfg.Validate(); err != nil {
		return pos, fmt.Errorf("position_service: update config %q: %w", positionID, err)
	}
	if cfg.MaxLoops < pos.LoopCount {
		return pos, fmt.Errorf("position_service: update config %q: max loops below executed count: %w", positionID, domain.ErrInvalidConfig)
	}

	pos.Config = cfg
	pos.UpdatedAt = time.Now().UTC()

	if err := s.positions.Update(ctx, pos); err != nil {
		return pos, fmt.Errorf("position_service: persist config: %w", err)
	}

	detail := map[string]any{
		"position_id":       pos.ID,
		"target_loops":      cfg.TargetLoops,
		"max_loops":         cfg.MaxLoops,
		"max_slippage_bps":  cfg.MaxSlippageBps,
		"min_health_factor": cfg.MinHealthFactor.String(),
		"auto_management":   cfg.AutoManagementEnabled,
	}
	publishJSON(ctx, s.bus, s.logger, domain.SignalConfigUpdated, detail)
	logAudit(ctx, s.audit, s.logger, domain.SignalConfigUpdated, detail)

	return pos, nil
}

// GetPosition returns one position by ID.
func (s *PositionService) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	return pos, nil
}

// ListByOwner returns the owner's positions, newest first.
func (s *PositionService) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list for %q: %w", owner, err)
	}
	return positions, nil
}

// ListEvents returns a position's risk events, newest first.
func (s *PositionService) ListEvents(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.RiskEvent, error) {
	events, err := s.events.ListByPosition(ctx, positionID, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list events %q: %w", positionID, err)
	}
	return events, nil
}

// publishJSON marshals payload and publishes it on the bus. Event delivery
// never fails the operation that produced it.
func publishJSON(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.WarnContext(ctx, "service: marshal event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, channel, data); err != nil {
		logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// logAudit writes an audit entry. Audit failures never fail the operation.
func logAudit(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
