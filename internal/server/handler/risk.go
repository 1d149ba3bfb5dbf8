package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/service"
)

// RiskService defines the methods that the risk handler requires.
type RiskService interface {
	Summary(ctx context.Context) (service.RiskSummaryData, error)
}

// RiskHandler serves the aggregated risk view of the active book.
type RiskHandler struct {
	risk   RiskService
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler with the given service and logger.
func NewRiskHandler(risk RiskService, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		risk:   risk,
		logger: logger,
	}
}

// riskSummaryResponse reports the active book per band. All five bands are
// always present so dashboards need no existence checks.
type riskSummaryResponse struct {
	Total                int64            `json:"total"`
	ByLevel              map[string]int64 `json:"by_level"`
	WorstHealthFactor    string           `json:"worst_health_factor,omitempty"`
	WorstHealthFactorWad string           `json:"worst_health_factor_wad,omitempty"`
	WorstPositionID      string           `json:"worst_position_id,omitempty"`
}

// allLevels fixes the band order for the summary payload.
var allLevels = []domain.RiskLevel{
	domain.RiskLevelSafe,
	domain.RiskLevelWarning,
	domain.RiskLevelRisky,
	domain.RiskLevelCritical,
	domain.RiskLevelLiquidatable,
}

// GetSummary returns position counts per risk band and the worst health
// factor on the book.
// GET /api/v1/risk/summary
func (h *RiskHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	data, err := h.risk.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	byLevel := make(map[string]int64, len(allLevels))
	for _, lvl := range allLevels {
		byLevel[string(lvl)] = data.ByLevel[lvl]
	}

	resp := riskSummaryResponse{
		Total:   data.Total,
		ByLevel: byLevel,
	}
	if data.WorstHF != nil {
		resp.WorstHealthFactor = engine.FormatWAD(data.WorstHF)
		resp.WorstHealthFactorWad = data.WorstHF.String()
		resp.WorstPositionID = data.WorstPositionID
	}
	writeJSON(w, http.StatusOK, resp)
}
