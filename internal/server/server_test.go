package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/server/handler"
	"github.com/kweston/loopvault/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPositions satisfies handler.PositionService for routing tests; the
// handlers' own behavior is covered in their package.
type stubPositions struct{}

func (stubPositions) CreatePosition(context.Context, service.CreatePositionParams) (domain.Position, error) {
	return domain.Position{}, domain.ErrInvalidConfig
}

func (stubPositions) GetPosition(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (stubPositions) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (stubPositions) ExecuteLoops(context.Context, string, common.Address, int) (int, domain.Position, error) {
	return 0, domain.Position{}, domain.ErrNotFound
}

func (stubPositions) ManualUnwind(context.Context, string, common.Address, int) (engine.UnwindResult, error) {
	return engine.UnwindResult{}, domain.ErrNotFound
}

func (stubPositions) ClosePosition(context.Context, string, common.Address) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (stubPositions) UpdateConfig(context.Context, string, common.Address, domain.PositionConfig) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (stubPositions) ListEvents(context.Context, string, domain.ListOpts) ([]domain.RiskEvent, error) {
	return nil, nil
}

type stubRisk struct{}

func (stubRisk) Summary(context.Context) (service.RiskSummaryData, error) {
	return service.RiskSummaryData{
		Total:   0,
		ByLevel: map[domain.RiskLevel]int64{},
	}, nil
}

type denyLimiter struct{ keys []string }

func (l *denyLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return false, nil
}

func (l *denyLimiter) Wait(context.Context, string) error { return nil }

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter) *Server {
	t.Helper()
	logger := testLogger()
	handlers := Handlers{
		Health: handler.NewHealthHandler(logger),
		Status: handler.NewStatusHandler(func(context.Context) (domain.EngineStatus, error) {
			return domain.EngineStatus{Mode: "server", UptimeSeconds: 7}, nil
		}, logger),
		Positions: handler.NewPositionHandler(stubPositions{}, 5*time.Minute, logger),
		Risk:      handler.NewRiskHandler(stubRisk{}, logger),
	}
	return NewServer(cfg, handlers, nil, limiter, logger)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthExemptFromAuth(t *testing.T) {
	s := newTestServer(t, Config{Port: 8000, APIKey: "sekrit"}, nil)

	for _, path := range []string{"/health", "/api/v1/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := serve(s, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPIRoutesRequireKey(t *testing.T) {
	s := newTestServer(t, Config{Port: 8000, APIKey: "sekrit"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := serve(s, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"server"`)
}

func TestPreflightShortCircuitsBeforeAuth(t *testing.T) {
	s := newTestServer(t, Config{
		Port:        8000,
		APIKey:      "sekrit",
		CORSOrigins: []string{"http://localhost:3000"},
	}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/positions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := serve(s, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitRejectsInsideAuth(t *testing.T) {
	limiter := &denyLimiter{}
	s := newTestServer(t, Config{Port: 8000, APIKey: "sekrit", RateLimitPerMin: 60}, limiter)

	// Without a key the request dies at auth and never reaches the limiter.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := serve(s, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, limiter.keys)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = serve(s, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, limiter.keys, 1)
}

func TestRiskSummaryRouteRegistered(t *testing.T) {
	s := newTestServer(t, Config{Port: 8000}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/summary", nil)
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"by_level"`)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(t, Config{Port: 8000}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := serve(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/positions/abc", nil)
	rec = serve(s, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
