package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockBlobArchiver struct {
	calls      []string
	lastBefore time.Time
	eventsErr  error
}

func (m *mockBlobArchiver) ArchiveRiskEvents(ctx context.Context, before time.Time) (int64, error) {
	m.calls = append(m.calls, "risk_events")
	m.lastBefore = before
	if m.eventsErr != nil {
		return 0, m.eventsErr
	}
	return 3, nil
}

func (m *mockBlobArchiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	m.calls = append(m.calls, "audit")
	return 7, nil
}

func TestArchiverRun(t *testing.T) {
	blob := &mockBlobArchiver{}
	a := NewArchiver(blob, 30, testLogger())

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, []string{"risk_events", "audit"}, blob.calls)
	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, blob.lastBefore, 2*time.Second)
}

func TestArchiverRunStopsOnRiskEventFailure(t *testing.T) {
	blob := &mockBlobArchiver{eventsErr: errors.New("bucket unreachable")}
	a := NewArchiver(blob, 30, testLogger())

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archiving risk events")
	assert.Equal(t, []string{"risk_events"}, blob.calls, "audit rows untouched after a failure")
}

func TestRunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&mockBlobArchiver{}, 30, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.RunCron(ctx, "* * * * *")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&mockBlobArchiver{}, 30, testLogger())
	err := a.RunCron(context.Background(), "0 3")
	assert.Error(t, err)
}

func TestNextCronTime(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "monthly at 3am",
			expr:  "0 3 1 * *",
			after: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC),
		},
		{
			name:  "every minute",
			expr:  "* * * * *",
			after: time.Date(2026, 3, 15, 12, 0, 30, 0, time.UTC),
			want:  time.Date(2026, 3, 15, 12, 1, 0, 0, time.UTC),
		},
		{
			name:  "daily after today's slot passed",
			expr:  "30 14 * * *",
			after: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 3, 14, 30, 0, 0, time.UTC),
		},
		{
			name:  "list field",
			expr:  "0 0 1,15 * *",
			after: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekday match",
			expr:  "0 9 * * 1",
			after: time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC), // Friday
			want:  time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),  // Monday
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, tt.after)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestParseCronErrors(t *testing.T) {
	_, err := parseCron("0 3 1 *")
	assert.Error(t, err, "four fields")

	_, err = parseCron("x 3 1 * *")
	assert.Error(t, err, "non-numeric field")
}
