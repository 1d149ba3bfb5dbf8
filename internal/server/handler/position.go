package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kweston/loopvault/internal/crypto"
	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/service"
)

// Owner-signature headers. The signed payload is built by
// crypto.OwnerMessage from the request method, path, and timestamp.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// maxBodyBytes caps request bodies; position payloads are small.
const maxBodyBytes = 1 << 20

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	CreatePosition(ctx context.Context, params service.CreatePositionParams) (domain.Position, error)
	GetPosition(ctx context.Context, positionID string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error)
	ExecuteLoops(ctx context.Context, positionID string, caller common.Address, target int) (int, domain.Position, error)
	ManualUnwind(ctx context.Context, positionID string, caller common.Address, pct int) (engine.UnwindResult, error)
	ClosePosition(ctx context.Context, positionID string, caller common.Address) (domain.Position, error)
	UpdateConfig(ctx context.Context, positionID string, caller common.Address, cfg domain.PositionConfig) (domain.Position, error)
	ListEvents(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.RiskEvent, error)
}

// PositionHandler serves position lifecycle HTTP endpoints. Mutating calls
// are authenticated per request: the caller address is recovered from the
// owner-signature headers and the service layer matches it against the
// position owner.
type PositionHandler struct {
	positions PositionService
	authSkew  time.Duration
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. authSkew bounds how far a
// signed request timestamp may drift from server time.
func NewPositionHandler(positions PositionService, authSkew time.Duration, logger *slog.Logger) *PositionHandler {
	if authSkew <= 0 {
		authSkew = 5 * time.Minute
	}
	return &PositionHandler{
		positions: positions,
		authSkew:  authSkew,
		logger:    logger,
	}
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

// positionConfigPayload is the wire form of a position's config.
// min_health_factor travels as a WAD decimal string to preserve precision.
type positionConfigPayload struct {
	TargetLoops           int    `json:"target_loops"`
	MaxLoops              int    `json:"max_loops"`
	MaxSlippageBps        int64  `json:"max_slippage_bps"`
	MinHealthFactor       string `json:"min_health_factor,omitempty"`
	AutoManagementEnabled bool   `json:"auto_management_enabled"`
}

func (p *positionConfigPayload) toDomain() (domain.PositionConfig, error) {
	cfg := domain.PositionConfig{
		TargetLoops:           p.TargetLoops,
		MaxLoops:              p.MaxLoops,
		MaxSlippageBps:        p.MaxSlippageBps,
		AutoManagementEnabled: p.AutoManagementEnabled,
	}
	if p.MinHealthFactor != "" {
		n, ok := new(big.Int).SetString(p.MinHealthFactor, 10)
		if !ok || n.Sign() <= 0 {
			return cfg, fmt.Errorf("min_health_factor must be a positive WAD integer string")
		}
		cfg.MinHealthFactor = n
	}
	return cfg, nil
}

func toConfigPayload(cfg domain.PositionConfig) positionConfigPayload {
	return positionConfigPayload{
		TargetLoops:           cfg.TargetLoops,
		MaxLoops:              cfg.MaxLoops,
		MaxSlippageBps:        cfg.MaxSlippageBps,
		MinHealthFactor:       bigString(cfg.MinHealthFactor),
		AutoManagementEnabled: cfg.AutoManagementEnabled,
	}
}

// positionPayload is the wire form of a position. Amounts are decimal
// strings in the asset's native smallest unit; health_factor is the
// two-decimal display form and health_factor_wad the full-precision value.
type positionPayload struct {
	ID               string                `json:"id"`
	Owner            string                `json:"owner"`
	CollateralAsset  string                `json:"collateral_asset"`
	DebtAsset        string                `json:"debt_asset"`
	CollateralAmount string                `json:"collateral_amount"`
	DebtAmount       string                `json:"debt_amount"`
	TotalSupplied    string                `json:"total_supplied"`
	TotalBorrowed    string                `json:"total_borrowed"`
	LoopCount        int                   `json:"loop_count"`
	Config           positionConfigPayload `json:"config"`
	State            string                `json:"state"`
	HealthFactor     string                `json:"health_factor"`
	HealthFactorWad  string                `json:"health_factor_wad"`
	RiskLevel        string                `json:"risk_level"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	ClosedAt         *time.Time            `json:"closed_at,omitempty"`
}

func toPositionPayload(p domain.Position) positionPayload {
	return positionPayload{
		ID:               p.ID,
		Owner:            p.Owner.Hex(),
		CollateralAsset:  p.CollateralAsset,
		DebtAsset:        p.DebtAsset,
		CollateralAmount: bigString(p.CollateralAmount),
		DebtAmount:       bigString(p.DebtAmount),
		TotalSupplied:    bigString(p.TotalSupplied),
		TotalBorrowed:    bigString(p.TotalBorrowed),
		LoopCount:        p.LoopCount,
		Config:           toConfigPayload(p.Config),
		State:            string(p.State),
		HealthFactor:     engine.FormatWAD(p.HealthFactor),
		HealthFactorWad:  bigString(p.HealthFactor),
		RiskLevel:        string(p.RiskLevel),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		ClosedAt:         p.ClosedAt,
	}
}

// riskEventPayload is the wire form of one risk event.
type riskEventPayload struct {
	ID              string     `json:"id"`
	PositionID      string     `json:"position_id"`
	Level           string     `json:"level"`
	PrevLevel       string     `json:"prev_level,omitempty"`
	HealthFactor    string     `json:"health_factor"`
	HealthFactorWad string     `json:"health_factor_wad"`
	Action          string     `json:"action"`
	UnwindPct       int        `json:"unwind_pct,omitempty"`
	Detail          string     `json:"detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func toRiskEventPayload(ev domain.RiskEvent) riskEventPayload {
	return riskEventPayload{
		ID:              ev.ID,
		PositionID:      ev.PositionID,
		Level:           string(ev.Level),
		PrevLevel:       string(ev.PrevLevel),
		HealthFactor:    engine.FormatWAD(ev.HealthFactor),
		HealthFactorWad: bigString(ev.HealthFactor),
		Action:          string(ev.Action),
		UnwindPct:       ev.UnwindPct,
		Detail:          ev.Detail,
		CreatedAt:       ev.CreatedAt,
		ResolvedAt:      ev.ResolvedAt,
	}
}

// unwindPayload summarizes one executed unwind.
type unwindPayload struct {
	Pct                int    `json:"pct"`
	LevelBefore        string `json:"level_before"`
	LevelAfter         string `json:"level_after"`
	HealthFactorBefore string `json:"health_factor_before"`
	HealthFactorAfter  string `json:"health_factor_after"`
	CollateralSold     string `json:"collateral_sold"`
	DebtRepaid         string `json:"debt_repaid"`
}

func toUnwindPayload(res engine.UnwindResult) unwindPayload {
	return unwindPayload{
		Pct:                res.Pct,
		LevelBefore:        string(res.LevelBefore),
		LevelAfter:         string(res.LevelAfter),
		HealthFactorBefore: engine.FormatWAD(res.HFBefore),
		HealthFactorAfter:  engine.FormatWAD(res.HFAfter),
		CollateralSold:     bigString(res.CollateralSold),
		DebtRepaid:         bigString(res.DebtRepaid),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --------------------------------------------------------------------------
// Endpoints
// --------------------------------------------------------------------------

type createPositionRequest struct {
	Owner             string                 `json:"owner"`
	CollateralAsset   string                 `json:"collateral_asset"`
	DebtAsset         string                 `json:"debt_asset"`
	InitialCollateral string                 `json:"initial_collateral"`
	Config            *positionConfigPayload `json:"config,omitempty"`
}

// Create opens a new leveraged position. The request must be signed by the
// owner named in the body, which proves control of that address before a
// position is bound to it.
// POST /api/v1/positions
func (h *PositionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req createPositionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !common.IsHexAddress(req.Owner) {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	owner := common.HexToAddress(req.Owner)
	if caller != owner {
		writeServiceError(w, r, h.logger, fmt.Errorf("%w: signature does not match owner", domain.ErrNotOwner))
		return
	}

	collateral, err := parseAmount("initial_collateral", req.InitialCollateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var cfg domain.PositionConfig
	if req.Config != nil {
		if cfg, err = req.Config.toDomain(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	pos, err := h.positions.CreatePosition(r.Context(), service.CreatePositionParams{
		Owner:             owner,
		CollateralAsset:   req.CollateralAsset,
		DebtAsset:         req.DebtAsset,
		InitialCollateral: collateral,
		Config:            cfg,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionPayload(pos))
}

// Get returns one position by ID.
// GET /api/v1/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.GetPosition(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionPayload(pos))
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionPayload `json:"positions"`
}

// List returns one owner's positions, newest first.
// GET /api/v1/positions?owner=0x...
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	if !common.IsHexAddress(owner) {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}

	positions, err := h.positions.ListByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	payload := make([]positionPayload, 0, len(positions))
	for _, p := range positions {
		payload = append(payload, toPositionPayload(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: payload})
}

type executeLoopsRequest struct {
	Target int `json:"target"`
}

type executeLoopsResponse struct {
	Executed int             `json:"executed"`
	Position positionPayload `json:"position"`
}

// ExecuteLoops runs leverage iterations on a position. A missing body or a
// zero target defers to the position's configured target_loops.
// POST /api/v1/positions/{id}/loops
func (h *PositionHandler) ExecuteLoops(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req executeLoopsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	executed, pos, err := h.positions.ExecuteLoops(r.Context(), pathParam(r, "id"), caller, req.Target)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, executeLoopsResponse{
		Executed: executed,
		Position: toPositionPayload(pos),
	})
}

type unwindRequest struct {
	Pct int `json:"pct"`
}

// Unwind deleverages a position by the requested percentage. Unlike the
// keeper's automatic path this is owner-initiated and valid at any risk
// band.
// POST /api/v1/positions/{id}/unwind
func (h *PositionHandler) Unwind(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req unwindRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.positions.ManualUnwind(r.Context(), pathParam(r, "id"), caller, req.Pct)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnwindPayload(res))
}

// Close closes a debt-free position and withdraws remaining collateral.
// POST /api/v1/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pos, err := h.positions.ClosePosition(r.Context(), pathParam(r, "id"), caller)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionPayload(pos))
}

// UpdateConfig replaces a position's config. The body carries the complete
// new config; omitted fields take their zero value and fail validation
// rather than silently keeping old settings.
// PUT /api/v1/positions/{id}/config
func (h *PositionHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req positionConfigPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cfg, err := req.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.positions.UpdateConfig(r.Context(), pathParam(r, "id"), caller, cfg)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionPayload(pos))
}

// listEventsResponse wraps the risk event history response.
type listEventsResponse struct {
	Events []riskEventPayload `json:"events"`
}

// ListEvents returns a position's risk event history, newest first.
// GET /api/v1/positions/{id}/events
func (h *PositionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.positions.ListEvents(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	payload := make([]riskEventPayload, 0, len(events))
	for _, ev := range events {
		payload = append(payload, toRiskEventPayload(ev))
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: payload})
}

// --------------------------------------------------------------------------
// Owner authentication
// --------------------------------------------------------------------------

// callerFromRequest recovers the caller address from the owner-signature
// headers. The signature covers method, path, and timestamp, so it cannot
// be replayed against another position or after the skew window.
func (h *PositionHandler) callerFromRequest(r *http.Request) (common.Address, error) {
	sigHex := r.Header.Get(HeaderSignature)
	tsRaw := r.Header.Get(HeaderTimestamp)
	if sigHex == "" || tsRaw == "" {
		return common.Address{}, fmt.Errorf("%w: owner signature headers required", domain.ErrUnauthorized)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed timestamp", domain.ErrUnauthorized)
	}
	if err := crypto.ValidateTimestamp(ts, h.authSkew); err != nil {
		return common.Address{}, fmt.Errorf("%w: timestamp outside allowed skew", domain.ErrUnauthorized)
	}

	caller, err := crypto.RecoverOwner(r.Method, r.URL.Path, ts, sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: invalid signature", domain.ErrUnauthorized)
	}
	return caller, nil
}

// parseAmount parses a decimal integer amount in native units.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer string", field)
	}
	return n, nil
}
