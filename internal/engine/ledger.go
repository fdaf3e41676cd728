// Package engine implements the autonomous trading engine: the trade
// ledger, the risk evaluator, the cycle orchestrator, and the public facade
// consumed by the dashboard API.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

// assetKey identifies the (chain, asset) pair that the dedup invariant is
// keyed on.
type assetKey struct {
	chain   string
	address string
}

// Ledger is the in-memory owner of all trade records. Every mutation goes
// through its methods, which check the dedup and capacity invariants under a
// single mutex and emit an event per transition. Mutators are idempotent on
// trades that already reached a terminal state, so at-least-once delivery
// from the orchestrator is safe.
type Ledger struct {
	mu      sync.Mutex
	max     int
	live    map[string]*domain.Trade // non-terminal trades by ID
	byAsset map[assetKey]string      // EXECUTING/ACTIVE trade ID per asset
	history []domain.Trade           // terminal trades, oldest first

	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates an empty ledger with the given concurrency cap.
func NewLedger(maxConcurrent int, bus *eventbus.Bus, logger *slog.Logger) *Ledger {
	return &Ledger{
		max:     maxConcurrent,
		live:    make(map[string]*domain.Trade),
		byAsset: make(map[assetKey]string),
		bus:     bus,
		logger:  logger.With(slog.String("component", "ledger")),
		now:     time.Now,
	}
}

// SetMaxConcurrent replaces the concurrency cap. Trades already open above a
// lowered cap keep running; only new opens are refused.
func (l *Ledger) SetMaxConcurrent(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = n
}

// Open creates a new trade for the asset and immediately begins execution
// (PENDING then EXECUTING, one event each). It fails with
// domain.ErrDuplicateActiveTrade when an EXECUTING or ACTIVE trade already
// exists for the (asset, chain) pair, and with domain.ErrCapacityExceeded
// when the number of non-terminal trades is already at the cap.
func (l *Ledger) Open(chain string, asset domain.AssetRef, amount float64, strategy string, confidence int) (domain.Trade, error) {
	l.mu.Lock()

	key := assetKey{chain: chain, address: asset.Address}
	if _, exists := l.byAsset[key]; exists {
		l.mu.Unlock()
		return domain.Trade{}, fmt.Errorf("ledger: open %s on %s: %w", asset.Symbol, chain, domain.ErrDuplicateActiveTrade)
	}
	if len(l.live) >= l.max {
		l.mu.Unlock()
		return domain.Trade{}, fmt.Errorf("ledger: open %s on %s: %w", asset.Symbol, chain, domain.ErrCapacityExceeded)
	}

	t := &domain.Trade{
		ID:                 uuid.NewString(),
		AssetAddress:       asset.Address,
		AssetSymbol:        asset.Symbol,
		Chain:              chain,
		Amount:             amount,
		Status:             domain.TradePending,
		StrategyName:       strategy,
		StrategyConfidence: confidence,
		OpenedAt:           l.now().UTC(),
	}
	l.live[t.ID] = t
	l.byAsset[key] = t.ID
	created := *t

	t.Status = domain.TradeExecuting
	executing := *t
	l.mu.Unlock()

	l.logger.Info("trade opened",
		slog.String("trade_id", created.ID),
		slog.String("chain", chain),
		slog.String("asset", asset.Symbol),
		slog.Float64("amount", amount),
		slog.String("strategy", strategy),
	)

	l.bus.Publish(domain.NewTradeEvent{Trade: created})
	l.bus.Publish(domain.TradeUpdateEvent{Trade: executing})
	return executing, nil
}

// RecordExecutionResult resolves an EXECUTING trade: on success it becomes
// ACTIVE with the given entry price, on failure it becomes FAILED. Calls on
// trades that already left EXECUTING are no-ops.
func (l *Ledger) RecordExecutionResult(id string, success bool, entryPrice float64) error {
	l.mu.Lock()

	t, ok := l.live[id]
	if !ok {
		if l.inHistoryLocked(id) {
			l.mu.Unlock()
			return nil // re-delivered result for a finished trade
		}
		l.mu.Unlock()
		return fmt.Errorf("ledger: record execution for %s: %w", id, domain.ErrTradeNotFound)
	}
	if t.Status != domain.TradeExecuting {
		l.mu.Unlock()
		return nil
	}

	if success {
		t.Status = domain.TradeActive
		t.EntryPrice = entryPrice
		t.CurrentPrice = entryPrice
		snapshot := *t
		l.mu.Unlock()

		l.logger.Info("trade active",
			slog.String("trade_id", id),
			slog.Float64("entry_price", entryPrice),
		)
		l.bus.Publish(domain.TradeUpdateEvent{Trade: snapshot})
		return nil
	}

	t.Status = domain.TradeFailed
	t.ClosedAt = l.now().UTC()
	t.CloseReason = domain.CloseError
	snapshot := l.retireLocked(t)
	l.mu.Unlock()

	l.logger.Warn("trade execution failed", slog.String("trade_id", id))
	l.bus.Publish(domain.TradeClosedEvent{Trade: snapshot})
	return nil
}

// UpdatePrice records a fresh price for an ACTIVE trade and recomputes its
// PnL. Updates for non-ACTIVE trades are rejected, except terminal trades
// where the call is a harmless no-op.
func (l *Ledger) UpdatePrice(id string, price float64) error {
	l.mu.Lock()

	t, ok := l.live[id]
	if !ok {
		if l.inHistoryLocked(id) {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return fmt.Errorf("ledger: update price for %s: %w", id, domain.ErrTradeNotFound)
	}
	if t.Status != domain.TradeActive {
		l.mu.Unlock()
		return fmt.Errorf("ledger: update price for %s in %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}

	t.CurrentPrice = price
	if t.EntryPrice > 0 {
		t.ProfitLossPct = (price - t.EntryPrice) / t.EntryPrice * 100
		t.ProfitLoss = t.Amount * t.ProfitLossPct / 100
	}
	snapshot := *t
	l.mu.Unlock()

	l.bus.Publish(domain.TradeUpdateEvent{Trade: snapshot})
	return nil
}

// Close completes an ACTIVE trade with the given reason and moves it into
// history. Closing an already-terminal trade is a no-op.
func (l *Ledger) Close(id string, reason domain.CloseReason) error {
	l.mu.Lock()

	t, ok := l.live[id]
	if !ok {
		if l.inHistoryLocked(id) {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return fmt.Errorf("ledger: close %s: %w", id, domain.ErrTradeNotFound)
	}
	if t.Status != domain.TradeActive {
		l.mu.Unlock()
		return fmt.Errorf("ledger: close %s in %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}

	t.Status = domain.TradeCompleted
	t.ClosedAt = l.now().UTC()
	t.CloseReason = reason
	snapshot := l.retireLocked(t)
	l.mu.Unlock()

	l.logger.Info("trade closed",
		slog.String("trade_id", id),
		slog.String("reason", string(reason)),
		slog.Float64("pnl", snapshot.ProfitLoss),
	)
	l.bus.Publish(domain.TradeClosedEvent{Trade: snapshot})
	return nil
}

// StopAll moves every non-terminal trade to STOPPED with the given close
// reason. Used on operator stop.
func (l *Ledger) StopAll(reason domain.CloseReason) []domain.Trade {
	l.mu.Lock()
	stopped := make([]domain.Trade, 0, len(l.live))
	for _, t := range l.live {
		t.Status = domain.TradeStopped
		t.ClosedAt = l.now().UTC()
		t.CloseReason = reason
		stopped = append(stopped, l.retireLocked(t))
	}
	l.mu.Unlock()

	for _, t := range stopped {
		l.bus.Publish(domain.TradeClosedEvent{Trade: t})
	}
	return stopped
}

// retireLocked removes a now-terminal trade from the live set and appends it
// to history, returning a copy. Caller must hold l.mu.
func (l *Ledger) retireLocked(t *domain.Trade) domain.Trade {
	delete(l.live, t.ID)
	delete(l.byAsset, assetKey{chain: t.Chain, address: t.AssetAddress})
	l.history = append(l.history, *t)
	return *t
}

func (l *Ledger) inHistoryLocked(id string) bool {
	for i := range l.history {
		if l.history[i].ID == id {
			return true
		}
	}
	return false
}

// ActiveTrades returns copies of all ACTIVE trades.
func (l *Ledger) ActiveTrades() []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Trade, 0, len(l.live))
	for _, t := range l.live {
		if t.Status == domain.TradeActive {
			out = append(out, *t)
		}
	}
	return out
}

// LiveCount returns the number of non-terminal trades.
func (l *Ledger) LiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// History returns copies of all terminal trades, oldest first.
func (l *Ledger) History() []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Trade, len(l.history))
	copy(out, l.history)
	return out
}

// CompletedCount returns the number of trades closed as COMPLETED.
func (l *Ledger) CompletedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.history {
		if l.history[i].Status == domain.TradeCompleted {
			n++
		}
	}
	return n
}

// Stats computes cumulative statistics from the trade history.
func (l *Ledger) Stats() domain.EngineStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := domain.EngineStats{TotalTrades: len(l.history)}
	if stats.TotalTrades == 0 {
		return stats
	}

	wins := 0
	for i := range l.history {
		t := &l.history[i]
		stats.TotalProfit += t.ProfitLoss
		if t.Status == domain.TradeCompleted && t.ProfitLoss > 0 {
			wins++
		}
	}
	stats.WinRate = float64(wins) / float64(stats.TotalTrades) * 100
	stats.ProfitPerTrade = stats.TotalProfit / float64(stats.TotalTrades)
	return stats
}
