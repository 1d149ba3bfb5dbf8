package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweston/loopvault/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockBus hands out channels the test feeds directly.
type mockBus struct {
	mu       sync.Mutex
	channels map[string]chan []byte
}

func newMockBus() *mockBus {
	return &mockBus{channels: make(map[string]chan []byte)}
}

func (b *mockBus) Publish(context.Context, string, []byte) error { return nil }

func (b *mockBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.channels[channel] = ch
	return ch, nil
}

func (b *mockBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *mockBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// emit waits for the hub's subscription to land, then feeds one message.
func (b *mockBus) emit(t *testing.T, channel string, payload []byte) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.channels[channel]
		return ok
	}, time.Second, 5*time.Millisecond, "hub never subscribed to %s", channel)

	b.mu.Lock()
	ch := b.channels[channel]
	b.mu.Unlock()
	ch <- payload
}

type hubFixture struct {
	hub    *Hub
	bus    *mockBus
	runErr chan error
	cancel context.CancelFunc
	srv    *httptest.Server
}

func startHub(t *testing.T, cfg Config) *hubFixture {
	t.Helper()
	bus := newMockBus()
	hub := NewHub(bus, testLogger(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	fx := &hubFixture{hub: hub, bus: bus, runErr: runErr, cancel: cancel, srv: srv}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return fx
}

func (fx *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubSendsInitialStatus(t *testing.T) {
	fx := startHub(t, Config{
		Mode: "Full",
		Status: func(context.Context) (domain.EngineStatus, error) {
			return domain.EngineStatus{
				Mode:            "full",
				FeedConnected:   true,
				UptimeSeconds:   42,
				ActivePositions: 3,
				RiskyPositions:  1,
			}, nil
		},
	})
	conn := fx.dial(t)

	env := readEnvelope(t, conn)
	assert.Equal(t, "engine_status", env.Type)

	var status struct {
		Mode            string `json:"mode"`
		FeedConnected   bool   `json:"feed_connected"`
		ActivePositions int32  `json:"active_positions"`
		RiskyPositions  int32  `json:"risky_positions"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	assert.Equal(t, "full", status.Mode)
	assert.True(t, status.FeedConnected)
	assert.Equal(t, int32(3), status.ActivePositions)
	assert.Equal(t, int32(1), status.RiskyPositions)
}

func TestHubBroadcastsBusSignals(t *testing.T) {
	fx := startHub(t, Config{Mode: "server"})
	conn := fx.dial(t)
	readEnvelope(t, conn) // initial status

	payload := []byte(`{"position_id":"p1","level":"risky","health_factor":"1210000000000000000"}`)
	fx.bus.emit(t, domain.SignalRiskChanged, payload)

	env := readEnvelope(t, conn)
	assert.Equal(t, "signal", env.Type)
	assert.Equal(t, domain.SignalRiskChanged, env.Channel)
	assert.JSONEq(t, string(payload), string(env.Payload))
}

func TestHubSubscriptionFiltering(t *testing.T) {
	fx := startHub(t, Config{Mode: "server"})

	// filtered keeps only the position.* wildcard; control stays on the defaults
	// and sequences the emits so ordering through the broadcast loop is known.
	filtered := fx.dial(t)
	readEnvelope(t, filtered) // initial status
	control := fx.dial(t)
	readEnvelope(t, control) // initial status

	unsub := map[string]any{"action": "unsubscribe", "channels": []string{
		domain.SignalPositionCreated,
		domain.SignalLoopsExecuted,
		domain.SignalUnwindExecuted,
		domain.SignalPositionClosed,
		domain.SignalConfigUpdated,
		domain.SignalRiskChanged,
		domain.SignalPriceTick,
	}}
	require.NoError(t, filtered.WriteJSON(unsub))
	require.NoError(t, filtered.WriteJSON(map[string]any{
		"action":   "subscribe",
		"channels": []string{"position.*"},
	}))

	// Give the read pump a beat to apply both changes.
	time.Sleep(100 * time.Millisecond)

	// Once control sees the risk signal the hub has finished fanning it out, so
	// anything filtered receives afterwards cannot be that signal.
	fx.bus.emit(t, domain.SignalRiskChanged, []byte(`{"level":"critical"}`))
	env := readEnvelope(t, control)
	require.Equal(t, domain.SignalRiskChanged, env.Channel)

	fx.bus.emit(t, domain.SignalPositionClosed, []byte(`{"position_id":"p1"}`))
	env = readEnvelope(t, filtered)
	assert.Equal(t, domain.SignalPositionClosed, env.Channel, "wildcard subscription must still deliver position events")
}

func TestHubRunStopsOnCancel(t *testing.T) {
	fx := startHub(t, Config{Mode: "server"})
	fx.cancel()

	select {
	case err := <-fx.runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{
		"risk.changed": true,
		"position.*":   true,
	}}

	assert.True(t, c.isSubscribed("risk.changed"))
	assert.True(t, c.isSubscribed("position.created"))
	assert.True(t, c.isSubscribed("position.closed"))
	assert.False(t, c.isSubscribed("price.tick"))
	assert.False(t, c.isSubscribed("config.updated"))
}
