package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
)

func TestGetStatus(t *testing.T) {
	h := NewStatusHandler(func(context.Context) (domain.EngineStatus, error) {
		return domain.EngineStatus{
			Mode:            "full",
			FeedConnected:   true,
			UptimeSeconds:   3600,
			ActivePositions: 12,
			RiskyPositions:  2,
		}, nil
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got statusResponse
	decodeBody(t, rec, &got)
	assert.Equal(t, "full", got.Mode)
	assert.True(t, got.FeedConnected)
	assert.Equal(t, int64(3600), got.UptimeSeconds)
	assert.Equal(t, int32(12), got.ActivePositions)
	assert.Equal(t, int32(2), got.RiskyPositions)
}

func TestGetStatusError(t *testing.T) {
	h := NewStatusHandler(func(context.Context) (domain.EngineStatus, error) {
		return domain.EngineStatus{}, errors.New("store offline")
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
