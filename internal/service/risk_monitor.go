package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
)

// Alerter delivers out-of-band notifications for transitions operators must
// see. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RiskMonitor sweeps active positions on an interval, recomputes health from
// the freshest price source, records band transitions, and enqueues unwind
// requests for auto-managed positions in a risky band. Cached oracle prices
// are preferred; the venue quote is the fallback when the cache is stale or
// missing.
type RiskMonitor struct {
	positions   domain.PositionStore
	events      domain.RiskEventStore
	prices      domain.PriceCache
	gw          engine.Gateway
	policy      engine.Policy
	bus         domain.SignalBus
	alerter     Alerter
	pollDur     time.Duration
	priceMaxAge time.Duration
	logger      *slog.Logger
}

// NewRiskMonitor creates a RiskMonitor. pollInterval is how often active
// positions are swept; priceMaxAge is the cache staleness cutoff.
func NewRiskMonitor(
	positions domain.PositionStore,
	events domain.RiskEventStore,
	prices domain.PriceCache,
	gw engine.Gateway,
	policy engine.Policy,
	bus domain.SignalBus,
	pollInterval time.Duration,
	priceMaxAge time.Duration,
	logger *slog.Logger,
) *RiskMonitor {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if priceMaxAge <= 0 {
		priceMaxAge = 2 * time.Minute
	}
	return &RiskMonitor{
		positions:   positions,
		events:      events,
		prices:      prices,
		gw:          gw,
		policy:      policy,
		bus:         bus,
		pollDur:     pollInterval,
		priceMaxAge: priceMaxAge,
		logger:      logger.With(slog.String("component", "risk_monitor")),
	}
}

// WithAlerter attaches a notifier for liquidatable transitions. Without one
// the monitor only logs them.
func (m *RiskMonitor) WithAlerter(a Alerter) *RiskMonitor {
	m.alerter = a
	return m
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
// Call in a goroutine.
func (m *RiskMonitor) Run(ctx context.Context) error {
	if err := m.Sweep(ctx); err != nil {
		m.logger.ErrorContext(ctx, "risk sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(m.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "risk sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep recomputes health for every active position. Per-position failures
// are logged and skipped so one bad asset cannot stall the sweep.
func (m *RiskMonitor) Sweep(ctx context.Context) error {
	active, err := m.positions.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	// Quotes and thresholds are shared across positions on the same pair;
	// resolve each asset once per sweep.
	quotes := make(map[string]domain.PriceQuote)
	thresholds := make(map[string]int64)

	for _, pos := range active {
		if err := m.checkPosition(ctx, pos, quotes, thresholds); err != nil {
			m.logger.WarnContext(ctx, "position check failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *RiskMonitor) checkPosition(ctx context.Context, pos domain.Position, quotes map[string]domain.PriceQuote, thresholds map[string]int64) error {
	colQuote, err := m.assetQuote(ctx, pos.CollateralAsset, quotes)
	if err != nil {
		return err
	}
	debtQuote, err := m.assetQuote(ctx, pos.DebtAsset, quotes)
	if err != nil {
		return err
	}

	liqBps, ok := thresholds[pos.CollateralAsset]
	if !ok {
		liqBps, err = m.gw.GetLiquidationThreshold(ctx, pos.CollateralAsset)
		if err != nil {
			return err
		}
		thresholds[pos.CollateralAsset] = liqBps
	}

	cv, err := engine.CollateralValue(pos.CollateralAmount, colQuote.Price, colQuote.Decimals)
	if err != nil {
		return err
	}
	dv, err := engine.DebtValue(pos.DebtAmount, debtQuote.Price, debtQuote.Decimals)
	if err != nil {
		return err
	}
	hf, err := engine.HealthFactor(cv, liqBps, dv)
	if err != nil {
		return err
	}

	level := m.policy.Classify(hf)
	prev := pos.RiskLevel
	now := time.Now().UTC()

	if pos.HealthFactor.Cmp(hf) != 0 || prev != level {
		pos.HealthFactor = hf
		pos.RiskLevel = level
		pos.UpdatedAt = now
		if err := m.positions.Update(ctx, pos); err != nil {
			return err
		}
	}

	if prev != level {
		m.recordTransition(ctx, pos, prev, level, hf, now)
	}

	// Re-request every sweep while the band stays risky; the keeper's dedup
	// absorbs repeats. A request lost to a crash is replaced next sweep.
	if m.policy.RecommendedUnwind(level) > 0 && pos.Config.AutoManagementEnabled {
		m.requestUnwind(ctx, pos, level, hf, now)
	}

	return nil
}

// assetQuote returns the freshest quote for asset, preferring the cache and
// falling back to the venue when the cache is stale or missing.
func (m *RiskMonitor) assetQuote(ctx context.Context, asset string, quotes map[string]domain.PriceQuote) (domain.PriceQuote, error) {
	if q, ok := quotes[asset]; ok {
		return q, nil
	}

	quote, ts, err := m.prices.GetPrice(ctx, asset)
	if err == nil && time.Since(ts) <= m.priceMaxAge {
		quotes[asset] = quote
		return quote, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.DebugContext(ctx, "price cache read failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}

	quote, err = m.gw.GetPrice(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	quotes[asset] = quote
	return quote, nil
}

func (m *RiskMonitor) recordTransition(ctx context.Context, pos domain.Position, prev, level domain.RiskLevel, hf *big.Int, now time.Time) {
	ev := domain.RiskEvent{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		Level:        level,
		PrevLevel:    prev,
		HealthFactor: new(big.Int).Set(hf),
		Action:       domain.RiskActionTransition,
		CreatedAt:    now,
	}
	if err := m.events.Insert(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "insert risk event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	if level == domain.RiskLevelSafe {
		if err := m.events.Resolve(ctx, pos.ID, now); err != nil {
			m.logger.WarnContext(ctx, "resolve risk events failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	publishJSON(ctx, m.bus, m.logger, domain.SignalRiskChanged, map[string]any{
		"position_id":   pos.ID,
		"prev_level":    string(prev),
		"level":         string(level),
		"health_factor": hf.String(),
	})

	m.logger.InfoContext(ctx, "risk level changed",
		slog.String("position_id", pos.ID),
		slog.String("prev", string(prev)),
		slog.String("level", string(level)),
		slog.String("health_factor", engine.FormatWAD(hf)),
	)

	if m.alerter != nil {
		msg := "position " + pos.ID + ": " + string(prev) + " to " + string(level) +
			", health factor " + engine.FormatWAD(hf)
		if err := m.alerter.Notify(ctx, "risk_changed", "Risk level changed", msg); err != nil {
			m.logger.WarnContext(ctx, "risk alert failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if level == domain.RiskLevelLiquidatable {
		m.logger.ErrorContext(ctx, "position liquidatable",
			slog.String("position_id", pos.ID),
			slog.String("health_factor", engine.FormatWAD(hf)),
		)
		if m.alerter != nil {
			msg := "position " + pos.ID + " health factor " + engine.FormatWAD(hf)
			if err := m.alerter.Notify(ctx, "liquidatable", "Position liquidatable", msg); err != nil {
				m.logger.WarnContext(ctx, "liquidatable alert failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *RiskMonitor) requestUnwind(ctx context.Context, pos domain.Position, level domain.RiskLevel, hf *big.Int, now time.Time) {
	req := domain.UnwindRequest{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		Level:        level,
		HealthFactor: hf.String(),
		Source:       "risk_monitor",
		CreatedAt:    now,
	}
	data, err := json.Marshal(req)
	if err != nil {
		m.logger.WarnContext(ctx, "marshal unwind request failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.bus.StreamAppend(ctx, domain.StreamUnwindRequests, data); err != nil {
		m.logger.WarnContext(ctx, "enqueue unwind request failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.logger.DebugContext(ctx, "unwind requested",
		slog.String("position_id", pos.ID),
		slog.String("level", string(level)),
	)
}

// RiskSummaryData aggregates the active book by band for the summary
// endpoint. WorstHF is nil when no active position carries debt.
type RiskSummaryData struct {
	Total           int64
	ByLevel         map[domain.RiskLevel]int64
	WorstHF         *big.Int
	WorstPositionID string
}

// Summary counts active positions per risk band and finds the position
// closest to liquidation. Debt-free positions sit at the infinite sentinel
// and never rank as worst.
func (m *RiskMonitor) Summary(ctx context.Context) (RiskSummaryData, error) {
	active, err := m.positions.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return RiskSummaryData{}, err
	}
	data := RiskSummaryData{ByLevel: make(map[domain.RiskLevel]int64)}
	for _, pos := range active {
		data.Total++
		data.ByLevel[pos.RiskLevel]++
		if pos.HealthFactor == nil || engine.IsInfinite(pos.HealthFactor) {
			continue
		}
		if data.WorstHF == nil || pos.HealthFactor.Cmp(data.WorstHF) < 0 {
			data.WorstHF = new(big.Int).Set(pos.HealthFactor)
			data.WorstPositionID = pos.ID
		}
	}
	return data, nil
}
