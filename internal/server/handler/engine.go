package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantfold/chainbot/internal/domain"
)

// EngineController is the slice of the engine facade the HTTP layer needs.
type EngineController interface {
	Start() error
	Stop()
	UpdateConfig(patch domain.EngineConfigPatch) error
	GetStatus() domain.EngineStatus
	GetConfig() domain.EngineConfig
}

// EngineHandler serves the engine control endpoints for the dashboard.
type EngineHandler struct {
	engine EngineController
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler driving the given engine.
func NewEngineHandler(engine EngineController, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "engine")),
	}
}

// GetStatus responds with a snapshot of the engine counters.
// GET /api/engine/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

// Start launches the cycle schedule.
// POST /api/engine/start
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(); err != nil {
		h.logger.Warn("start refused", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

// Stop halts the schedule; open trades are closed as STOPPED.
// POST /api/engine/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

// GetConfig responds with the live engine configuration.
// GET /api/engine/config
func (h *EngineHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetConfig())
}

// UpdateConfig applies a partial configuration update. Absent fields retain
// their prior values; changing the interval while running restarts the
// schedule.
// PUT /api/engine/config
func (h *EngineHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.EngineConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config patch: "+err.Error())
		return
	}

	if err := h.engine.UpdateConfig(patch); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.engine.GetConfig())
}
