package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
	"github.com/quantfold/chainbot/internal/rpcpool"
)

// Engine is the public surface of the trading engine, consumed by the HTTP
// handlers and the websocket hub. It owns the ledger, the risk evaluator and
// the orchestrator and exposes their operations as one facade.
type Engine struct {
	orch   *Orchestrator
	ledger *Ledger
	bus    *eventbus.Bus
	logger *slog.Logger

	mu   sync.Mutex
	root context.Context
}

// Options configures New beyond the mandatory collaborators.
type Options struct {
	// StrategyName labels opened trades.
	StrategyName string
}

// New assembles an engine from its collaborators. The event bus is shared:
// callers subscribe to the same bus the ledger and orchestrator publish on.
func New(
	cfg domain.EngineConfig,
	pool *rpcpool.Pool,
	analyzer domain.Analyzer,
	feed domain.PriceFeed,
	candidates domain.CandidateSource,
	bus *eventbus.Bus,
	logger *slog.Logger,
	opts Options,
) *Engine {
	ledger := NewLedger(cfg.MaxConcurrentTrades, bus, logger)
	risk := NewRiskEvaluator(ledger, feed, cfg.StopLossPercent, cfg.TakeProfitPercent, logger)
	orch := NewOrchestrator(Deps{
		Config:       cfg,
		Pool:         pool,
		Ledger:       ledger,
		Risk:         risk,
		Analyzer:     analyzer,
		Feed:         feed,
		Candidates:   candidates,
		Bus:          bus,
		Logger:       logger,
		StrategyName: opts.StrategyName,
	})
	return &Engine{
		orch:   orch,
		ledger: ledger,
		bus:    bus,
		logger: logger.With(slog.String("component", "engine")),
	}
}

// Run anchors the engine to ctx and blocks until ctx is cancelled. When the
// configuration enables the engine it is started immediately; otherwise it
// waits for an operator Start. On return the schedule is stopped and open
// trades are closed as STOPPED.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.root = ctx
	e.mu.Unlock()

	if e.orch.Config().Enabled {
		if err := e.orch.Start(ctx); err != nil {
			return err
		}
	} else {
		e.logger.Info("engine disabled, waiting for operator start")
	}

	<-ctx.Done()
	e.orch.Stop()
	return ctx.Err()
}

// Start launches the cycle schedule. It is an error to start before Run has
// anchored the engine to a lifetime context.
func (e *Engine) Start() error {
	e.mu.Lock()
	root := e.root
	e.mu.Unlock()
	if root == nil {
		return errors.New("engine: not running, call Run first")
	}
	return e.orch.Start(root)
}

// Stop halts the schedule and closes all open trades as STOPPED.
func (e *Engine) Stop() {
	e.orch.Stop()
}

// UpdateConfig applies a partial configuration update.
func (e *Engine) UpdateConfig(patch domain.EngineConfigPatch) error {
	return e.orch.UpdateConfig(patch)
}

// GetStatus returns a snapshot of the engine counters.
func (e *Engine) GetStatus() domain.EngineStatus {
	return e.orch.Status()
}

// GetConfig returns a copy of the live engine configuration.
func (e *Engine) GetConfig() domain.EngineConfig {
	return e.orch.Config()
}

// GetActiveTrades returns copies of all ACTIVE trades.
func (e *Engine) GetActiveTrades() []domain.Trade {
	return e.ledger.ActiveTrades()
}

// GetTradeHistory returns copies of all finished trades, oldest first.
func (e *Engine) GetTradeHistory() []domain.Trade {
	return e.ledger.History()
}

// GetStats returns cumulative performance statistics.
func (e *Engine) GetStats() domain.EngineStats {
	return e.ledger.Stats()
}

// Subscribe attaches a handler to the engine event stream and returns its
// unsubscribe function.
func (e *Engine) Subscribe(h eventbus.Handler) func() {
	return e.bus.Subscribe(h)
}
