// Package store bridges the in-process event bus to the persistent trade
// store: every trade that reaches a terminal state is written through for
// dashboard history and archival.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

// insertTimeout bounds each write so a wedged database cannot back up the
// recorder's subscriber goroutine indefinitely.
const insertTimeout = 10 * time.Second

// Recorder subscribes to the event bus and persists every closed trade.
// Inserts are idempotent on trade ID, so redelivery is harmless.
type Recorder struct {
	store  domain.TradeStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to the given store.
func NewRecorder(store domain.TradeStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With(slog.String("component", "trade_recorder")),
	}
}

// Attach subscribes the recorder to the bus. The returned function detaches
// it. ctx bounds in-flight inserts once the application begins shutdown.
func (r *Recorder) Attach(ctx context.Context, bus *eventbus.Bus) func() {
	return bus.Subscribe(func(ev domain.Event) {
		closed, ok := ev.(domain.TradeClosedEvent)
		if !ok {
			return
		}
		r.record(ctx, closed.Trade)
	})
}

func (r *Recorder) record(ctx context.Context, trade domain.Trade) {
	opCtx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	if err := r.store.Insert(opCtx, trade); err != nil {
		r.logger.Error("failed to persist closed trade",
			slog.String("trade_id", trade.ID),
			slog.String("status", string(trade.Status)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("closed trade persisted",
		slog.String("trade_id", trade.ID),
		slog.String("status", string(trade.Status)),
		slog.String("close_reason", string(trade.CloseReason)),
	)
}
