package domain

import "time"

// TradeStatus is the lifecycle state of a trade. PENDING, EXECUTING, and
// ACTIVE are live states; COMPLETED, FAILED, and STOPPED are terminal.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeExecuting TradeStatus = "EXECUTING"
	TradeActive    TradeStatus = "ACTIVE"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeFailed    TradeStatus = "FAILED"
	TradeStopped   TradeStatus = "STOPPED"
)

// Terminal reports whether the status is one of the three end states.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeCompleted, TradeFailed, TradeStopped:
		return true
	}
	return false
}

// CloseReason explains why an ACTIVE trade was closed.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
	CloseError      CloseReason = "error"
)

// Trade is one attempted or completed position. The ledger is the sole owner
// of Trade records; everything else sees copies.
type Trade struct {
	ID           string `json:"id"`
	AssetAddress string `json:"asset_address"`
	AssetSymbol  string `json:"asset_symbol"`
	Chain        string `json:"chain"`

	// Amount is the position size in USD, fixed at open.
	Amount float64 `json:"amount"`

	// EntryPrice is set once on the transition to ACTIVE. CurrentPrice and
	// the PnL fields are updated only by the risk evaluator while ACTIVE.
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	ProfitLoss    float64 `json:"profit_loss"`
	ProfitLossPct float64 `json:"profit_loss_pct"`

	Status             TradeStatus `json:"status"`
	StrategyName       string      `json:"strategy_name"`
	StrategyConfidence int         `json:"strategy_confidence"`

	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// EngineStatus is a point-in-time snapshot of the engine for the dashboard.
type EngineStatus struct {
	Running               bool   `json:"running"`
	ActiveTradeCount      int    `json:"active_trade_count"`
	CompletedTradeCount   int    `json:"completed_trade_count"`
	CycleCount            uint64 `json:"cycle_count"`
	ConsecutiveErrorCount int    `json:"consecutive_error_count"`
}

// EngineStats are cumulative trade statistics computed on demand from the
// ledger history.
type EngineStats struct {
	TotalTrades    int     `json:"total_trades"`
	TotalProfit    float64 `json:"total_profit"`
	WinRate        float64 `json:"win_rate"`
	ProfitPerTrade float64 `json:"profit_per_trade"`
}
