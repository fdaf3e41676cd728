package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

type memStore struct {
	mu      sync.Mutex
	trades  map[string]domain.Trade
	failIDs map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		trades:  make(map[string]domain.Trade),
		failIDs: make(map[string]error),
	}
}

func (m *memStore) Insert(_ context.Context, t domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failIDs[t.ID]; ok {
		return err
	}
	if _, ok := m.trades[t.ID]; ok {
		return nil
	}
	m.trades[t.ID] = t
	return nil
}

func (m *memStore) ListRecent(context.Context, int) ([]domain.Trade, error) { return nil, nil }
func (m *memStore) ListBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}
func (m *memStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memStore) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.trades)), nil
}

func (m *memStore) get(id string) (domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	return t, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func closedTrade(id string) domain.Trade {
	now := time.Now().UTC()
	return domain.Trade{
		ID:           id,
		AssetAddress: "0xabc",
		AssetSymbol:  "WETH",
		Chain:        "ethereum",
		Amount:       100,
		EntryPrice:   100,
		CurrentPrice: 112,
		ProfitLoss:   12,
		Status:       domain.TradeCompleted,
		OpenedAt:     now.Add(-time.Hour),
		ClosedAt:     now,
		CloseReason:  domain.CloseTakeProfit,
	}
}

func TestRecorder_PersistsClosedTrades(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()

	ms := newMemStore()
	rec := NewRecorder(ms, testLogger())
	detach := rec.Attach(context.Background(), bus)
	defer detach()

	bus.Publish(domain.TradeClosedEvent{Trade: closedTrade("t-1")})

	require.Eventually(t, func() bool {
		_, ok := ms.get("t-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	got, _ := ms.get("t-1")
	require.Equal(t, domain.TradeCompleted, got.Status)
	require.Equal(t, domain.CloseTakeProfit, got.CloseReason)
}

func TestRecorder_IgnoresOtherEventKinds(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()

	ms := newMemStore()
	rec := NewRecorder(ms, testLogger())
	detach := rec.Attach(context.Background(), bus)
	defer detach()

	bus.Publish(domain.NewTradeEvent{Trade: closedTrade("t-open")})
	bus.Publish(domain.TradeUpdateEvent{Trade: closedTrade("t-upd")})
	bus.Publish(domain.CycleStartEvent{Cycle: 1, At: time.Now()})
	bus.Publish(domain.TradeClosedEvent{Trade: closedTrade("t-closed")})

	require.Eventually(t, func() bool {
		_, ok := ms.get("t-closed")
		return ok
	}, time.Second, 10*time.Millisecond)

	n, err := ms.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRecorder_InsertFailureDoesNotStopLaterWrites(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()

	ms := newMemStore()
	ms.failIDs["t-bad"] = errors.New("connection reset")
	rec := NewRecorder(ms, testLogger())
	detach := rec.Attach(context.Background(), bus)
	defer detach()

	bus.Publish(domain.TradeClosedEvent{Trade: closedTrade("t-bad")})
	bus.Publish(domain.TradeClosedEvent{Trade: closedTrade("t-good")})

	require.Eventually(t, func() bool {
		_, ok := ms.get("t-good")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, ok := ms.get("t-bad")
	require.False(t, ok)
}
