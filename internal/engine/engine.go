package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/config"
	"paper-trading-engine/internal/circuit"
	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/ledger"
	"paper-trading-engine/internal/market"
	"paper-trading-engine/internal/risk"
	"paper-trading-engine/internal/strategy"
)

// MarketData is the read side of the market stream the engine consumes.
type MarketData interface {
	Buffer(symbol string) []market.Candle
	Latest(symbol string) (market.Candle, bool)
	IsUnstable(symbol string) bool
}

// Engine owns every trading singleton: strategy state, ledger, risk
// manager, circuit breaker, history store and the per-symbol actors. All
// symbol-local mutation is serialized per symbol; cross-symbol state is
// guarded by its own lock.
type Engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	bus      *events.Bus
	data     MarketData
	store    history.Store
	ledger   *ledger.Ledger
	riskMgr  *risk.Manager
	breaker  *circuit.Breaker
	strategy *strategy.State
	refinery *strategy.Refinery
	status   *statusTracker
	training *trainingLog

	mu     sync.Mutex
	actors map[string]*symbolActor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// symbolActor serializes all mutation for one symbol. lastBarTs dedupes the
// candle-close and tick triggers when they land on the same bar.
type symbolActor struct {
	mu            sync.Mutex
	symbol        string
	lastBarTs     int64
	lastTradeTime time.Time
}

// New wires an engine from its dependencies.
func New(cfg *config.Config, data MarketData, store history.Store, bus *events.Bus, logger zerolog.Logger) *Engine {
	state := strategy.NewState(strategy.DefaultParameters())
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		data:     data,
		store:    store,
		ledger:   ledger.New(cfg.InitialBalance),
		riskMgr:  risk.NewManager(logger),
		breaker:  circuit.New(circuit.DefaultThresholds(), bus, logger),
		strategy: state,
		status:   newStatusTracker(cfg.AutoPaper, cfg.ConfidenceThreshold),
		training: &trainingLog{},
		actors:   make(map[string]*symbolActor),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, sym := range cfg.Symbols {
		key := market.Normalize(sym)
		e.actors[key] = &symbolActor{symbol: key}
	}
	return e
}

// SetAdvisor installs the refinement advisor. Must be called before Start.
func (e *Engine) SetAdvisor(advisor strategy.Advisor) {
	e.refinery = strategy.NewRefinery(e.strategy, advisor, e.cfg.InitialBalance, e.logger)
}

// Status returns the current engine status snapshot.
func (e *Engine) Status() Status {
	s := e.status.snapshot()
	s.OpenPositions = e.ledger.OpenPositionCount()
	return s
}

// Strategy exposes the strategy state for the API facade.
func (e *Engine) Strategy() *strategy.State { return e.strategy }

// Breaker exposes the circuit breaker for operator reset.
func (e *Engine) Breaker() *circuit.Breaker { return e.breaker }

// Store exposes the history store for read queries.
func (e *Engine) Store() history.Store { return e.store }

// TrainingLog returns a copy of the training entries, oldest first.
func (e *Engine) TrainingLog() []TrainingEntry { return e.training.all() }

// LatestTrainingEntry returns the newest training entry.
func (e *Engine) LatestTrainingEntry() (TrainingEntry, bool) { return e.training.latest() }

// UpdateSettings adjusts the runtime toggles exposed over the API.
func (e *Engine) UpdateSettings(autoPaper *bool, confidenceThreshold *float64) {
	e.status.updateSettings(autoPaper, confidenceThreshold)
}

func (e *Engine) actor(symbol string) *symbolActor {
	key := market.Normalize(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[key]
	if !ok {
		a = &symbolActor{symbol: key}
		e.actors[key] = a
	}
	return a
}

// OnCandleClose is the stream handler: it evaluates the symbol on every
// closed bar.
func (e *Engine) OnCandleClose(symbol string, c market.Candle) {
	e.Evaluate(symbol, "candle_close")
}

// Start launches the per-symbol tickers and the refinement scheduler.
// Stream bootstrap and subscription are wired by the caller.
func (e *Engine) Start() {
	e.status.setRunning(true)
	e.bus.Publish(events.Event{Type: events.EventEngineStarted})

	for _, sym := range e.cfg.Symbols {
		symbol := market.Normalize(sym)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tickLoop(symbol)
		}()
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.refinementLoop()
	}()
	go func() {
		defer e.wg.Done()
		e.snapshotLoop()
	}()

	e.logger.Info().Strs("symbols", e.cfg.Symbols).Str("timeframe", e.cfg.Timeframe).Msg("engine started")
}

// tickLoop guarantees a decision per minute even when the stream stalls.
func (e *Engine) tickLoop(symbol string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.status.heartbeat(time.Now())
			e.Evaluate(symbol, "tick")
		}
	}
}

// snapshotLoop journals a portfolio snapshot per symbol every 15 minutes,
// in addition to the snapshot written with every fill.
func (e *Engine) snapshotLoop() {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.cfg.Symbols {
				symbol := market.Normalize(sym)
				latest, ok := e.data.Latest(symbol)
				if !ok {
					continue
				}
				ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
				if err := e.store.AppendSnapshot(ctx, *e.snapshotRecord(symbol, latest.Close, time.Now())); err != nil {
					e.logger.Warn().Err(err).Str("symbol", symbol).Msg("periodic snapshot write failed")
				}
				cancel()
			}
		}
	}
}

// refinementLoop checks every minute whether the 24h refinement cadence is
// due and no cycle is in flight.
func (e *Engine) refinementLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if e.refinery == nil || !e.refinery.Due(now) {
				continue
			}
			e.RunRefinement(now)
		}
	}
}

// RunRefinement executes one refinement cycle over the last day's closed
// trades. Also used by force paths and tests.
func (e *Engine) RunRefinement(now time.Time) {
	if e.refinery == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 2*time.Minute)
	defer cancel()

	records, err := e.store.ClosedTradesSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		e.strategy.Warn("refinement aborted: could not load closed trades: " + err.Error())
		e.logger.Warn().Err(err).Msg("refinement trade query failed")
		return
	}

	trades := make([]strategy.ClosedTrade, 0, len(records))
	for _, r := range records {
		t := strategy.ClosedTrade{
			Symbol:     r.Symbol,
			EntryTime:  r.TsOpen,
			EntryPrice: r.EntryPrice,
			Qty:        r.Qty,
			RMultiple:  r.RMultiple,
			Regime:     strategy.Regime(r.Regime),
			Score:      r.Score,
			ExitReason: r.ExitReason,
		}
		if r.TsClose != nil {
			t.ExitTime = *r.TsClose
		}
		if r.ExitPrice != nil {
			t.ExitPrice = *r.ExitPrice
		}
		if r.PnLAbs != nil {
			t.PnL = *r.PnLAbs
		}
		trades = append(trades, t)
	}

	if report := e.refinery.Run(ctx, trades, now); report != nil && report.Accepted {
		e.bus.Publish(events.Event{
			Type:     events.EventStrategyUpdated,
			Strategy: &events.StrategyUpdated{Version: e.strategy.Version()},
		})
	}
	e.saveStrategyState(ctx)
}

// Shutdown stops the loops, waits for any in-flight refinement up to 30s,
// and closes the store.
func (e *Engine) Shutdown() {
	e.status.setRunning(false)
	e.cancel()
	e.wg.Wait()

	if e.refinery != nil {
		deadline := time.Now().Add(30 * time.Second)
		for e.refinery.Running() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.saveStrategyState(saveCtx)
	saveCancel()

	e.bus.Publish(events.Event{Type: events.EventEngineStopped})
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("history store close failed")
	}
	e.logger.Info().Msg("engine stopped")
}
