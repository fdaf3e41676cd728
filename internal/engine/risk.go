package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quantfold/chainbot/internal/domain"
)

// RiskEvaluator walks the active trades each cycle, refreshes their prices
// and closes the ones that crossed the stop-loss or take-profit threshold.
// Take-profit is checked first, so a price that somehow satisfies both
// closes as a win.
type RiskEvaluator struct {
	ledger *Ledger
	feed   domain.PriceFeed
	logger *slog.Logger

	mu            sync.Mutex
	stopLossPct   float64
	takeProfitPct float64
}

// NewRiskEvaluator builds an evaluator with the given thresholds, both
// expressed as positive percentages.
func NewRiskEvaluator(ledger *Ledger, feed domain.PriceFeed, stopLossPct, takeProfitPct float64, logger *slog.Logger) *RiskEvaluator {
	return &RiskEvaluator{
		ledger:        ledger,
		feed:          feed,
		logger:        logger.With(slog.String("component", "risk")),
		stopLossPct:   stopLossPct,
		takeProfitPct: takeProfitPct,
	}
}

// SetThresholds replaces both thresholds. Called on config updates.
func (r *RiskEvaluator) SetThresholds(stopLossPct, takeProfitPct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLossPct = stopLossPct
	r.takeProfitPct = takeProfitPct
}

func (r *RiskEvaluator) thresholds() (stopLoss, takeProfit float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLossPct, r.takeProfitPct
}

// EvaluateAll refreshes and evaluates every active trade. A failure on one
// trade (price feed down for its asset, say) is logged and the walk
// continues; the number of trades closed is returned.
func (r *RiskEvaluator) EvaluateAll(ctx context.Context) int {
	closed := 0
	for _, trade := range r.ledger.ActiveTrades() {
		if ctx.Err() != nil {
			return closed
		}
		didClose, err := r.evaluate(ctx, trade)
		if err != nil {
			r.logger.Warn("risk evaluation failed, keeping position",
				slog.String("trade_id", trade.ID),
				slog.String("asset", trade.AssetSymbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if didClose {
			closed++
		}
	}
	return closed
}

func (r *RiskEvaluator) evaluate(ctx context.Context, trade domain.Trade) (bool, error) {
	price, err := r.feed.CurrentPrice(ctx, trade.Chain, trade.AssetAddress)
	if err != nil {
		return false, err
	}
	if err := r.ledger.UpdatePrice(trade.ID, price); err != nil {
		return false, err
	}

	if trade.EntryPrice <= 0 {
		return false, nil
	}
	changePct := (price - trade.EntryPrice) / trade.EntryPrice * 100
	stopLoss, takeProfit := r.thresholds()

	switch {
	case changePct >= takeProfit:
		r.logger.Info("take profit hit",
			slog.String("trade_id", trade.ID),
			slog.String("asset", trade.AssetSymbol),
			slog.Float64("change_pct", changePct),
		)
		return true, r.ledger.Close(trade.ID, domain.CloseTakeProfit)
	case changePct <= -stopLoss:
		r.logger.Info("stop loss hit",
			slog.String("trade_id", trade.ID),
			slog.String("asset", trade.AssetSymbol),
			slog.Float64("change_pct", changePct),
		)
		return true, r.ledger.Close(trade.ID, domain.CloseStopLoss)
	}
	return false, nil
}
