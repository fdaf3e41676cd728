package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
	"github.com/quantfold/chainbot/internal/rpcpool"
)

// restartGrace is the pause between Stop and Start when an interval change
// forces a schedule restart.
const restartGrace = 250 * time.Millisecond

// minCycleDeadline floors the per-cycle soft deadline so short intervals do
// not starve external calls.
const minCycleDeadline = 30 * time.Second

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config     domain.EngineConfig
	Pool       *rpcpool.Pool
	Ledger     *Ledger
	Risk       *RiskEvaluator
	Analyzer   domain.Analyzer
	Feed       domain.PriceFeed
	Candidates domain.CandidateSource
	Bus        *eventbus.Bus
	Logger     *slog.Logger

	// StrategyName labels opened trades. Defaults to "momentum".
	StrategyName string
}

// Orchestrator drives the trading schedule: one cycle immediately on Start,
// then one per configured interval. Each cycle evaluates risk on open
// positions and scans the enabled chains for new opportunities. Cycles are
// single-flight: a tick that collides with a running cycle is skipped.
type Orchestrator struct {
	mu      sync.Mutex // guards cfg, running, cancel, done, parent
	cfg     domain.EngineConfig
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	parent  context.Context

	cycleMu      sync.Mutex // held for the duration of one cycle
	cycleCount   atomic.Uint64
	consecErrors atomic.Int64
	breakerFired atomic.Bool

	pool       *rpcpool.Pool
	ledger     *Ledger
	risk       *RiskEvaluator
	analyzer   domain.Analyzer
	feed       domain.PriceFeed
	candidates domain.CandidateSource
	bus        *eventbus.Bus
	logger     *slog.Logger
	strategy   string
	grace      time.Duration
	now        func() time.Time
}

// NewOrchestrator wires an orchestrator. It does not start the schedule.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.StrategyName == "" {
		d.StrategyName = "momentum"
	}
	return &Orchestrator{
		cfg:        d.Config,
		pool:       d.Pool,
		ledger:     d.Ledger,
		risk:       d.Risk,
		analyzer:   d.Analyzer,
		feed:       d.Feed,
		candidates: d.Candidates,
		bus:        d.Bus,
		logger:     d.Logger.With(slog.String("component", "orchestrator")),
		strategy:   d.StrategyName,
		grace:      restartGrace,
		now:        time.Now,
	}
}

// Start validates the configuration and launches the cycle schedule under
// ctx. Starting while already running is a logged no-op, as is starting with
// the engine disabled in config. Configuration errors are returned and
// nothing is started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		o.logger.Info("start requested but engine already running")
		return nil
	}
	if !o.cfg.Enabled {
		o.logger.Info("start requested but engine disabled in config")
		return nil
	}
	if err := o.startableLocked(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	o.consecErrors.Store(0)
	o.breakerFired.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	o.parent = ctx
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	interval := time.Duration(o.cfg.IntervalSeconds) * time.Second
	go o.loop(runCtx, interval, o.done)

	o.logger.Info("engine started", slog.Duration("interval", interval))
	o.bus.Publish(domain.BotStatusEvent{Running: true, At: o.now().UTC()})
	return nil
}

// startableLocked checks the parts of the config that Start refuses on.
func (o *Orchestrator) startableLocked() error {
	if o.cfg.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", o.cfg.IntervalSeconds)
	}
	for _, name := range o.cfg.EnabledChains() {
		if o.pool.Supports(name) {
			return nil
		}
	}
	return errors.New("no enabled chain has configured endpoints")
}

// Stop cancels the schedule and waits for any in-flight cycle to finish,
// then moves every open trade to STOPPED. Stopping a stopped engine is a
// no-op.
func (o *Orchestrator) Stop() {
	o.stop(domain.CloseManual)
}

func (o *Orchestrator) stop(reason domain.CloseReason) {
	if !o.haltSchedule() {
		return
	}
	stopped := o.ledger.StopAll(reason)
	o.logger.Info("engine stopped", slog.Int("trades_stopped", len(stopped)))
}

// haltSchedule cancels the schedule and waits for the loop and any in-flight
// cycle to exit. Open trades are left untouched, so a schedule restart does
// not liquidate positions. It reports whether the engine was running.
func (o *Orchestrator) haltSchedule() bool {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return false
	}
	o.running = false
	cancel := o.cancel
	done := o.done
	o.cancel = nil
	o.done = nil
	o.mu.Unlock()

	cancel()
	<-done

	o.bus.Publish(domain.BotStatusEvent{Running: false, At: o.now().UTC()})
	return true
}

// Running reports whether the schedule is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status assembles a point-in-time snapshot of the engine counters.
func (o *Orchestrator) Status() domain.EngineStatus {
	return domain.EngineStatus{
		Running:               o.Running(),
		ActiveTradeCount:      len(o.ledger.ActiveTrades()),
		CompletedTradeCount:   o.ledger.CompletedCount(),
		CycleCount:            o.cycleCount.Load(),
		ConsecutiveErrorCount: int(o.consecErrors.Load()),
	}
}

// Config returns a copy of the current engine configuration.
func (o *Orchestrator) Config() domain.EngineConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig merges the patch into the live configuration and propagates
// the new limits to the ledger and risk evaluator. When the cycle interval
// changes while the engine runs, the schedule is restarted once after a
// short grace period.
func (o *Orchestrator) UpdateConfig(patch domain.EngineConfigPatch) error {
	o.mu.Lock()
	oldInterval := o.cfg.IntervalSeconds
	o.cfg = patch.Apply(o.cfg)
	cfg := o.cfg
	running := o.running
	parent := o.parent
	o.mu.Unlock()

	o.ledger.SetMaxConcurrent(cfg.MaxConcurrentTrades)
	o.risk.SetThresholds(cfg.StopLossPercent, cfg.TakeProfitPercent)

	o.logger.Info("config updated",
		slog.Int("interval_seconds", cfg.IntervalSeconds),
		slog.Int("max_concurrent_trades", cfg.MaxConcurrentTrades),
	)
	o.bus.Publish(domain.ConfigUpdateEvent{Config: cfg, At: o.now().UTC()})

	if running && cfg.IntervalSeconds != oldInterval {
		o.logger.Info("interval changed, restarting schedule",
			slog.Int("old", oldInterval),
			slog.Int("new", cfg.IntervalSeconds),
		)
		// Restart only the schedule: open positions carry over.
		o.haltSchedule()
		time.Sleep(o.grace)
		return o.Start(parent)
	}
	return nil
}

// loop owns the ticker. The first cycle runs right away so an operator start
// gives immediate feedback.
func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.runCycle(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx, interval)
		}
	}
}

// runCycle executes one full cycle, accounting its outcome against the
// circuit breaker. Panics anywhere in the cycle are converted to cycle
// errors so one bad candidate cannot kill the schedule.
func (o *Orchestrator) runCycle(ctx context.Context, interval time.Duration) {
	if !o.cycleMu.TryLock() {
		o.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	defer o.cycleMu.Unlock()

	cycle := o.cycleCount.Add(1)
	start := o.now()
	o.bus.Publish(domain.CycleStartEvent{Cycle: cycle, At: start.UTC()})
	o.logger.Info("cycle start", slog.Uint64("cycle", cycle))

	deadline := interval
	if deadline < minCycleDeadline {
		deadline = minCycleDeadline
	}
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	opened, closed, err := o.cycle(cycleCtx)
	elapsed := o.now().Sub(start)

	if err != nil {
		// A cancelled schedule aborts the cycle cleanly; only real
		// failures feed the breaker.
		if errors.Is(err, context.Canceled) {
			o.logger.Info("cycle aborted", slog.Uint64("cycle", cycle))
			return
		}

		consec := o.consecErrors.Add(1)
		o.logger.Error("cycle failed",
			slog.Uint64("cycle", cycle),
			slog.Int64("consecutive_errors", consec),
			slog.String("error", err.Error()),
		)
		o.bus.Publish(domain.CycleErrorEvent{
			Cycle:       cycle,
			Err:         err.Error(),
			Consecutive: int(consec),
			At:          o.now().UTC(),
		})

		maxErrors := o.Config().MaxErrors
		if maxErrors > 0 && consec >= int64(maxErrors) && o.breakerFired.CompareAndSwap(false, true) {
			o.logger.Error("too many consecutive cycle errors, stopping engine",
				slog.Int64("consecutive_errors", consec),
			)
			// Cancel the schedule now so no further tick fires. The full
			// stop waits on this goroutine's exit, so it runs outside.
			o.mu.Lock()
			if o.cancel != nil {
				o.cancel()
			}
			o.mu.Unlock()
			go func() {
				o.stop(domain.CloseError)
				o.bus.Publish(domain.BotStoppedEvent{
					Reason: "too_many_errors",
					At:     o.now().UTC(),
				})
			}()
		}
		return
	}

	o.consecErrors.Store(0)
	o.logger.Info("cycle complete",
		slog.Uint64("cycle", cycle),
		slog.Int("opened", opened),
		slog.Int("closed", closed),
		slog.Duration("elapsed", elapsed),
	)
	o.bus.Publish(domain.CycleCompleteEvent{
		Cycle:    cycle,
		Opened:   opened,
		Closed:   closed,
		Duration: elapsed,
		At:       o.now().UTC(),
	})
}

// cycle runs the two cycle phases: risk evaluation on open positions, then
// the opportunity scan across enabled chains.
func (o *Orchestrator) cycle(ctx context.Context) (opened, closed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	cfg := o.Config()

	closed = o.risk.EvaluateAll(ctx)
	if err := ctx.Err(); err != nil {
		return 0, closed, err
	}

	if o.ledger.LiveCount() >= cfg.MaxConcurrentTrades {
		o.logger.Debug("at capacity, skipping opportunity scan")
		return 0, closed, nil
	}

	chains := make([]domain.ChainConfig, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		if ch.Enabled && o.pool.Supports(ch.Name) {
			chains = append(chains, ch)
		}
	}
	if len(chains) == 0 {
		return 0, closed, errors.New("no enabled chain has configured endpoints")
	}

	var (
		openedTotal atomic.Int64
		errMu       sync.Mutex
		chainErrs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chains {
		ch := ch
		g.Go(func() error {
			// Chain failures are isolated: record and keep the other
			// chains scanning.
			defer func() {
				if r := recover(); r != nil {
					errMu.Lock()
					chainErrs = append(chainErrs, fmt.Errorf("chain %s panic: %v", ch.Name, r))
					errMu.Unlock()
				}
			}()
			n, err := o.scanChain(gctx, cfg, ch)
			openedTotal.Add(int64(n))
			if err != nil {
				o.logger.Warn("chain scan failed",
					slog.String("chain", ch.Name),
					slog.String("error", err.Error()),
				)
				errMu.Lock()
				chainErrs = append(chainErrs, fmt.Errorf("chain %s: %w", ch.Name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	opened = int(openedTotal.Load())

	// A cycle only counts as failed when the whole scan got nowhere.
	if len(chainErrs) == len(chains) {
		return opened, closed, errors.Join(chainErrs...)
	}
	return opened, closed, nil
}

// scanChain checks the chain's endpoint, lists a bounded candidate set and
// opens the candidates that qualify. Per-candidate analysis failures are
// skipped.
func (o *Orchestrator) scanChain(ctx context.Context, cfg domain.EngineConfig, chain domain.ChainConfig) (int, error) {
	if _, err := o.pool.Get(ctx, chain.Name); err != nil {
		return 0, fmt.Errorf("endpoint: %w", err)
	}

	assets, err := o.candidates.ListCandidates(ctx, chain.Name, cfg.CandidatesPerChain)
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}

	opened := 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			break
		}
		if o.ledger.LiveCount() >= cfg.MaxConcurrentTrades {
			break
		}

		analysis, err := o.analyzer.Analyze(ctx, chain.Name, asset.Address, cfg.MaxInvestmentPerTrade)
		if err != nil {
			o.logger.Debug("analysis failed, skipping candidate",
				slog.String("chain", chain.Name),
				slog.String("asset", asset.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !qualifies(cfg, analysis) {
			continue
		}
		if o.openTrade(ctx, cfg, chain.Name, asset, analysis) {
			opened++
		}
	}
	return opened, nil
}

// qualifies applies the opening criteria to one analysis result.
func qualifies(cfg domain.EngineConfig, a domain.Analysis) bool {
	if !a.Profitable || a.Confidence < cfg.MinConfidence {
		return false
	}
	expectedUSD := a.ProfitPotentialPct / 100 * cfg.MaxInvestmentPerTrade
	return expectedUSD >= cfg.ProfitThresholdUSD
}

// openTrade opens a ledger position and resolves its execution. Execution is
// simulated against the price feed; a missing entry price fails the trade.
func (o *Orchestrator) openTrade(ctx context.Context, cfg domain.EngineConfig, chain string, asset domain.AssetRef, analysis domain.Analysis) bool {
	trade, err := o.ledger.Open(chain, asset, cfg.MaxInvestmentPerTrade, o.strategy, analysis.Confidence)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateActiveTrade) || errors.Is(err, domain.ErrCapacityExceeded) {
			o.logger.Debug("open refused",
				slog.String("chain", chain),
				slog.String("asset", asset.Symbol),
				slog.String("reason", err.Error()),
			)
			return false
		}
		o.logger.Warn("open failed",
			slog.String("chain", chain),
			slog.String("asset", asset.Symbol),
			slog.String("error", err.Error()),
		)
		return false
	}

	entry, err := o.feed.CurrentPrice(ctx, chain, asset.Address)
	if err != nil || entry <= 0 {
		if err == nil {
			err = errors.New("no entry price")
		}
		o.logger.Warn("execution failed",
			slog.String("trade_id", trade.ID),
			slog.String("asset", asset.Symbol),
			slog.String("error", err.Error()),
		)
		if rerr := o.ledger.RecordExecutionResult(trade.ID, false, 0); rerr != nil {
			o.logger.Warn("record execution failure", slog.String("error", rerr.Error()))
		}
		return false
	}

	if cfg.DryRun {
		o.logger.Info("dry run execution",
			slog.String("trade_id", trade.ID),
			slog.String("asset", asset.Symbol),
			slog.Float64("entry_price", entry),
		)
	}
	if err := o.ledger.RecordExecutionResult(trade.ID, true, entry); err != nil {
		o.logger.Warn("record execution success", slog.String("error", err.Error()))
		return false
	}
	return true
}
