package engine

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder collects every event published on the bus, in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func recordEvents(bus *eventbus.Bus) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(func(ev domain.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func newTestLedger(t *testing.T, max int) (*Ledger, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	return NewLedger(max, bus, testLogger()), bus
}

var testAsset = domain.AssetRef{Address: "0xabc", Symbol: "PEPE"}

func TestLedger_OpenEmitsPendingThenExecuting(t *testing.T) {
	ledger, bus := newTestLedger(t, 5)
	rec := recordEvents(bus)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
	assert.NotEmpty(t, trade.ID)
	assert.Equal(t, domain.TradeExecuting, trade.Status)
	assert.Equal(t, "PEPE", trade.AssetSymbol)
	assert.False(t, trade.OpenedAt.IsZero())

	bus.Close()
	require.Equal(t, []domain.EventKind{domain.EventNewTrade, domain.EventTradeUpdate}, rec.kinds())
}

func TestLedger_DuplicateAssetRejected(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	_, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)

	_, err = ledger.Open("ethereum", testAsset, 50, "momentum", 90)
	require.ErrorIs(t, err, domain.ErrDuplicateActiveTrade)

	// The same address on another chain is a distinct position.
	_, err = ledger.Open("bsc", testAsset, 50, "momentum", 90)
	require.NoError(t, err)
}

func TestLedger_DuplicateAllowedAfterClose(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, true, 1.0))
	require.NoError(t, ledger.Close(trade.ID, domain.CloseTakeProfit))

	_, err = ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
}

func TestLedger_CapacityEnforced(t *testing.T) {
	ledger, _ := newTestLedger(t, 2)

	_, err := ledger.Open("ethereum", domain.AssetRef{Address: "0x1", Symbol: "A"}, 10, "momentum", 80)
	require.NoError(t, err)
	_, err = ledger.Open("ethereum", domain.AssetRef{Address: "0x2", Symbol: "B"}, 10, "momentum", 80)
	require.NoError(t, err)

	_, err = ledger.Open("ethereum", domain.AssetRef{Address: "0x3", Symbol: "C"}, 10, "momentum", 80)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	// Capacity frees up once a live trade reaches a terminal state.
	trades := ledger.StopAll(domain.CloseManual)
	require.Len(t, trades, 2)
	_, err = ledger.Open("ethereum", domain.AssetRef{Address: "0x3", Symbol: "C"}, 10, "momentum", 80)
	require.NoError(t, err)
}

func TestLedger_ExecutionSuccessActivates(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 200, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, true, 2.5))

	active := ledger.ActiveTrades()
	require.Len(t, active, 1)
	assert.Equal(t, domain.TradeActive, active[0].Status)
	assert.Equal(t, 2.5, active[0].EntryPrice)
	assert.Equal(t, 2.5, active[0].CurrentPrice)
}

func TestLedger_ExecutionFailureTerminates(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 200, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, false, 0))

	require.Empty(t, ledger.ActiveTrades())
	require.Equal(t, 0, ledger.LiveCount())

	history := ledger.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.TradeFailed, history[0].Status)
	assert.Equal(t, domain.CloseError, history[0].CloseReason)
	assert.False(t, history[0].ClosedAt.IsZero())

	// A failed asset may be retried in a later cycle.
	_, err = ledger.Open("ethereum", testAsset, 200, "momentum", 80)
	require.NoError(t, err)
}

func TestLedger_UpdatePriceComputesPnL(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, true, 100))

	require.NoError(t, ledger.UpdatePrice(trade.ID, 113))

	active := ledger.ActiveTrades()
	require.Len(t, active, 1)
	assert.InDelta(t, 13.0, active[0].ProfitLossPct, 1e-9)
	assert.InDelta(t, 13.0, active[0].ProfitLoss, 1e-9)
}

func TestLedger_UpdatePriceRejectsExecuting(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)

	err = ledger.UpdatePrice(trade.ID, 50)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLedger_CloseMovesToHistory(t *testing.T) {
	ledger, bus := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, true, 100))
	require.NoError(t, ledger.UpdatePrice(trade.ID, 91))

	rec := recordEvents(bus)
	require.NoError(t, ledger.Close(trade.ID, domain.CloseStopLoss))
	bus.Close()

	require.Equal(t, []domain.EventKind{domain.EventTradeClosed}, rec.kinds())

	history := ledger.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.TradeCompleted, history[0].Status)
	assert.Equal(t, domain.CloseStopLoss, history[0].CloseReason)
	assert.InDelta(t, -9.0, history[0].ProfitLoss, 1e-9)
	assert.Equal(t, 1, ledger.CompletedCount())
}

func TestLedger_TerminalMutatorsAreIdempotent(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	trade, err := ledger.Open("ethereum", testAsset, 100, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, true, 100))
	require.NoError(t, ledger.Close(trade.ID, domain.CloseManual))

	// Re-delivered mutations against the finished trade change nothing.
	require.NoError(t, ledger.Close(trade.ID, domain.CloseStopLoss))
	require.NoError(t, ledger.UpdatePrice(trade.ID, 500))
	require.NoError(t, ledger.RecordExecutionResult(trade.ID, false, 0))

	history := ledger.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.CloseManual, history[0].CloseReason)
	assert.Equal(t, domain.TradeCompleted, history[0].Status)
	assert.Equal(t, 100.0, history[0].CurrentPrice)
}

func TestLedger_UnknownTradeID(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	require.ErrorIs(t, ledger.Close("missing", domain.CloseManual), domain.ErrTradeNotFound)
	require.ErrorIs(t, ledger.UpdatePrice("missing", 1), domain.ErrTradeNotFound)
	require.ErrorIs(t, ledger.RecordExecutionResult("missing", true, 1), domain.ErrTradeNotFound)
}

func TestLedger_StopAll(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	a, err := ledger.Open("ethereum", domain.AssetRef{Address: "0x1", Symbol: "A"}, 10, "momentum", 80)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordExecutionResult(a.ID, true, 1.0))
	_, err = ledger.Open("ethereum", domain.AssetRef{Address: "0x2", Symbol: "B"}, 10, "momentum", 80)
	require.NoError(t, err)

	stopped := ledger.StopAll(domain.CloseManual)
	require.Len(t, stopped, 2)
	for _, tr := range stopped {
		assert.Equal(t, domain.TradeStopped, tr.Status)
		assert.Equal(t, domain.CloseManual, tr.CloseReason)
		assert.False(t, tr.ClosedAt.IsZero())
	}
	assert.Equal(t, 0, ledger.LiveCount())
	assert.Len(t, ledger.History(), 2)
}

func TestLedger_Stats(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)

	open := func(addr string, entry, exit float64) {
		t.Helper()
		tr, err := ledger.Open("ethereum", domain.AssetRef{Address: addr, Symbol: addr}, 100, "momentum", 80)
		require.NoError(t, err)
		require.NoError(t, ledger.RecordExecutionResult(tr.ID, true, entry))
		require.NoError(t, ledger.UpdatePrice(tr.ID, exit))
		require.NoError(t, ledger.Close(tr.ID, domain.CloseManual))
	}

	open("0x1", 100, 110) // +10
	open("0x2", 100, 95)  // -5
	open("0x3", 100, 120) // +20

	stats := ledger.Stats()
	assert.Equal(t, 3, stats.TotalTrades)
	assert.InDelta(t, 25.0, stats.TotalProfit, 1e-9)
	assert.InDelta(t, 66.666, stats.WinRate, 0.01)
	assert.InDelta(t, 25.0/3, stats.ProfitPerTrade, 1e-9)
}
