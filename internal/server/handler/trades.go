package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantfold/chainbot/internal/domain"
)

// TradeReader is the slice of the engine facade serving trade data.
type TradeReader interface {
	GetActiveTrades() []domain.Trade
	GetTradeHistory() []domain.Trade
	GetStats() domain.EngineStats
}

// TradeHandler serves active trades, trade history and statistics. When a
// persistent store is configured, history beyond the in-memory window is
// read from it; otherwise history comes from the ledger alone.
type TradeHandler struct {
	engine TradeReader
	store  domain.TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. store may be nil.
func NewTradeHandler(engine TradeReader, store domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		engine: engine,
		store:  store,
		logger: logger.With(slog.String("handler", "trades")),
	}
}

// ListActive responds with all currently ACTIVE trades.
// GET /api/trades/active
func (h *TradeHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	trades := h.engine.GetActiveTrades()
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListHistory responds with finished trades, newest first. With a store
// configured the persisted history is served; the in-memory ledger covers
// the rest.
// GET /api/trades/history?limit=N&source=memory
func (h *TradeHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 1000)

	if h.store != nil && r.URL.Query().Get("source") != "memory" {
		trades, err := h.store.ListRecent(r.Context(), limit)
		if err != nil {
			h.logger.Error("history query failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		if trades == nil {
			trades = []domain.Trade{}
		}
		writeJSON(w, http.StatusOK, trades)
		return
	}

	history := h.engine.GetTradeHistory()
	// Ledger history is oldest first; the dashboard wants newest first.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	if len(history) > limit {
		history = history[:limit]
	}
	if history == nil {
		history = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetStats responds with cumulative performance statistics.
// GET /api/stats
func (h *TradeHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStats())
}
