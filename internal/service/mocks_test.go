package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
	"github.com/kweston/loopvault/internal/platform/sim"
	"github.com/kweston/loopvault/internal/service"
)

func w(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1e18))
}

func wadTenths(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(1e17))
}

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1e6))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOwner() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

// newTestVenue builds a two-asset venue: WETH at $2000 and USDC at $1, both
// markets at 80% LTV / 85% liquidation threshold.
func newTestVenue(t *testing.T) *sim.Venue {
	t.Helper()
	return sim.NewVenue(sim.VenueConfig{
		Assets: map[string]sim.AssetParams{
			"WETH": {Decimals: 18, LTVBps: 8000, LiqBps: 8500},
			"USDC": {Decimals: 6, LTVBps: 8000, LiqBps: 8500},
		},
		Prices: map[string]*big.Int{
			"WETH": w(2000),
			"USDC": w(1),
		},
		Liquidity: map[string]*big.Int{
			"WETH": w(10_000),
			"USDC": usdc(10_000_000),
		},
		FeeBps:     10,
		DepthValue: new(big.Int).Mul(big.NewInt(2_000_000), big.NewInt(1e18)),
		Logger:     testLogger(),
	})
}

// mockPositionStore is an in-memory domain.PositionStore.
type mockPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	updateErr error
}

func newMockPositionStore() *mockPositionStore {
	return &mockPositionStore{positions: make(map[string]domain.Position)}
}

func (m *mockPositionStore) Create(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.positions[p.ID] = *p.Clone()
	return nil
}

func (m *mockPositionStore) Update(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.positions[p.ID] = *p.Clone()
	return nil
}

func (m *mockPositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p.Clone(), nil
}

func (m *mockPositionStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.State == domain.PositionStateActive {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockPositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := common.HexToAddress(owner)
	var out []domain.Position
	for _, p := range m.positions {
		if p.Owner == addr {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockPositionStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.positions)), nil
}

func (m *mockPositionStore) CountByRiskLevel(ctx context.Context) (map[domain.RiskLevel]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.RiskLevel]int64)
	for _, p := range m.positions {
		if p.State == domain.PositionStateActive {
			counts[p.RiskLevel]++
		}
	}
	return counts, nil
}

// mockRiskEventStore is an in-memory domain.RiskEventStore.
type mockRiskEventStore struct {
	mu     sync.Mutex
	events []domain.RiskEvent
}

func newMockRiskEventStore() *mockRiskEventStore {
	return &mockRiskEventStore{}
}

func (m *mockRiskEventStore) Insert(ctx context.Context, ev domain.RiskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.HealthFactor = new(big.Int).Set(ev.HealthFactor)
	m.events = append(m.events, ev)
	return nil
}

func (m *mockRiskEventStore) Resolve(ctx context.Context, positionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].PositionID == positionID && m.events[i].ResolvedAt == nil {
			t := at
			m.events[i].ResolvedAt = &t
		}
	}
	return nil
}

func (m *mockRiskEventStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.RiskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RiskEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].PositionID == positionID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *mockRiskEventStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.RiskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RiskEvent
	for _, ev := range m.events {
		if ev.ResolvedAt != nil && ev.ResolvedAt.Before(before) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockRiskEventStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.RiskEvent
	var deleted int64
	for _, ev := range m.events {
		if ev.ResolvedAt != nil && ev.ResolvedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted, nil
}

// byAction returns the stored events with the given action, oldest first.
func (m *mockRiskEventStore) byAction(action domain.RiskAction) []domain.RiskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RiskEvent
	for _, ev := range m.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// openCount returns the number of unresolved events for a position.
func (m *mockRiskEventStore) openCount(positionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.PositionID == positionID && ev.ResolvedAt == nil {
			n++
		}
	}
	return n
}

// mockSignalBus records published messages and stream appends.
type mockSignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newMockSignalBus() *mockSignalBus {
	return &mockSignalBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][][]byte),
	}
}

func (m *mockSignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *mockSignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	return ch, nil
}

func (m *mockSignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[stream] = append(m.streams[stream], payload)
	return nil
}

func (m *mockSignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := 0
	if lastID != "0" && lastID != "0-0" {
		seq, _, _ := strings.Cut(lastID, "-")
		n, err := strconv.Atoi(seq)
		if err != nil {
			return nil, fmt.Errorf("bad stream id %q", lastID)
		}
		from = n
	}

	entries := m.streams[stream]
	var out []domain.StreamMessage
	for i := from; i < len(entries) && len(out) < count; i++ {
		out = append(out, domain.StreamMessage{
			ID:      fmt.Sprintf("%d-0", i+1),
			Payload: entries[i],
		})
	}
	return out, nil
}

func (m *mockSignalBus) publishedOn(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[channel]...)
}

func (m *mockSignalBus) streamLen(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[stream])
}

// mockAuditStore records audit events in memory.
type mockAuditStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []domain.AuditEntry
}

func newMockAuditStore() *mockAuditStore {
	return &mockAuditStore{}
}

func (m *mockAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries = append(m.entries, domain.AuditEntry{
		ID:        m.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *mockAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *mockAuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.AuditEntry
	var deleted int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func (m *mockAuditStore) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

// mockLockManager is an in-memory domain.LockManager. Keys marked held
// refuse acquisition; successful acquisitions are recorded in order.
type mockLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released int
}

func newMockLockManager() *mockLockManager {
	return &mockLockManager{held: make(map[string]bool)}
}

func (m *mockLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	m.acquired = append(m.acquired, key)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
		m.released++
	}, nil
}

func (m *mockLockManager) hold(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = true
}

func (m *mockLockManager) acquiredKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acquired...)
}

func (m *mockLockManager) releasedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// testDeps bundles a service with its mock collaborators.
type testDeps struct {
	svc    *service.PositionService
	venue  *sim.Venue
	store  *mockPositionStore
	events *mockRiskEventStore
	bus    *mockSignalBus
	audit  *mockAuditStore
}

func newTestService(t *testing.T) testDeps {
	t.Helper()

	venue := newTestVenue(t)
	store := newMockPositionStore()
	events := newMockRiskEventStore()
	bus := newMockSignalBus()
	audit := newMockAuditStore()
	logger := testLogger()
	policy := engine.DefaultPolicy()

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Gateway: venue,
		Policy:  policy,
		Logger:  logger,
	})
	controller := engine.NewController(engine.ControllerConfig{
		Gateway: venue,
		Policy:  policy,
		Logger:  logger,
	})

	defaults := domain.PositionConfig{
		MaxLoops:        10,
		MaxSlippageBps:  50,
		MinHealthFactor: wadTenths(13),
	}

	svc := service.NewPositionService(
		store, events, venue, executor, controller, defaults, bus, audit, logger,
	)

	return testDeps{
		svc:    svc,
		venue:  venue,
		store:  store,
		events: events,
		bus:    bus,
		audit:  audit,
	}
}
