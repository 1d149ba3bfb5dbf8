package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kweston/loopvault/internal/domain"
)

// StatusFunc supplies the current engine status snapshot.
type StatusFunc func(ctx context.Context) (domain.EngineStatus, error)

// StatusHandler serves the component status view for the dashboard.
type StatusHandler struct {
	status StatusFunc
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler backed by the given snapshot
// function.
func NewStatusHandler(status StatusFunc, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		status: status,
		logger: logger,
	}
}

// statusResponse is the wire form of domain.EngineStatus.
type statusResponse struct {
	Mode            string `json:"mode"`
	FeedConnected   bool   `json:"feed_connected"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	ActivePositions int32  `json:"active_positions"`
	RiskyPositions  int32  `json:"risky_positions"`
}

// GetStatus responds with the current mode, oracle feed state, uptime, and
// book counts.
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:            st.Mode,
		FeedConnected:   st.FeedConnected,
		UptimeSeconds:   st.UptimeSeconds,
		ActivePositions: st.ActivePositions,
		RiskyPositions:  st.RiskyPositions,
	})
}
