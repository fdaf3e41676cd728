package domain

import "time"

// EventKind tags every event variant emitted on the engine event bus. The
// set is closed: subscribers can switch exhaustively on it.
type EventKind string

const (
	EventBotStatus     EventKind = "bot_status"
	EventConfigUpdate  EventKind = "config_update"
	EventCycleStart    EventKind = "cycle_start"
	EventCycleComplete EventKind = "cycle_complete"
	EventCycleError    EventKind = "cycle_error"
	EventNewTrade      EventKind = "new_trade"
	EventTradeUpdate   EventKind = "trade_update"
	EventTradeClosed   EventKind = "trade_closed"
	EventBotStopped    EventKind = "bot_stopped"
)

// Event is implemented by every event variant. Payloads carry only the
// fields their kind needs.
type Event interface {
	Kind() EventKind
}

// BotStatusEvent announces a running-state change (start/stop acknowledged).
type BotStatusEvent struct {
	Running bool      `json:"running"`
	At      time.Time `json:"at"`
}

func (BotStatusEvent) Kind() EventKind { return EventBotStatus }

// ConfigUpdateEvent carries the merged engine configuration after an update.
type ConfigUpdateEvent struct {
	Config EngineConfig `json:"config"`
	At     time.Time    `json:"at"`
}

func (ConfigUpdateEvent) Kind() EventKind { return EventConfigUpdate }

// CycleStartEvent marks the beginning of a scheduled cycle.
type CycleStartEvent struct {
	Cycle uint64    `json:"cycle"`
	At    time.Time `json:"at"`
}

func (CycleStartEvent) Kind() EventKind { return EventCycleStart }

// CycleCompleteEvent summarises a successfully finished cycle.
type CycleCompleteEvent struct {
	Cycle    uint64        `json:"cycle"`
	Opened   int           `json:"opened"`
	Closed   int           `json:"closed"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

func (CycleCompleteEvent) Kind() EventKind { return EventCycleComplete }

// CycleErrorEvent reports an error that escaped the cycle body. Consecutive
// is the error streak length after this failure.
type CycleErrorEvent struct {
	Cycle       uint64    `json:"cycle"`
	Err         string    `json:"error"`
	Consecutive int       `json:"consecutive"`
	At          time.Time `json:"at"`
}

func (CycleErrorEvent) Kind() EventKind { return EventCycleError }

// NewTradeEvent announces a freshly opened trade.
type NewTradeEvent struct {
	Trade Trade `json:"trade"`
}

func (NewTradeEvent) Kind() EventKind { return EventNewTrade }

// TradeUpdateEvent carries a trade whose status or pricing changed while the
// trade is still live.
type TradeUpdateEvent struct {
	Trade Trade `json:"trade"`
}

func (TradeUpdateEvent) Kind() EventKind { return EventTradeUpdate }

// TradeClosedEvent carries a trade that reached a terminal state.
type TradeClosedEvent struct {
	Trade Trade `json:"trade"`
}

func (TradeClosedEvent) Kind() EventKind { return EventTradeClosed }

// BotStoppedEvent announces that the engine halted itself or was stopped.
// Reason is "too_many_errors" when the circuit breaker tripped.
type BotStoppedEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (BotStoppedEvent) Kind() EventKind { return EventBotStopped }
