package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/ledger"
	"paper-trading-engine/internal/strategy"
)

// Restore rebuilds in-memory state from the history store after a restart:
// the persisted strategy snapshot is reinstalled so the version sequence
// stays monotonic, realized PnL of every closed trade is credited back to
// cash, then each open trade becomes a live lot again with its original id
// so stop and target exits keep closing the right trade rows.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.restoreStrategyState(ctx); err != nil {
		return err
	}

	closed, err := e.store.ClosedTradesSince(ctx, time.Unix(0, 0))
	if err != nil {
		return fmt.Errorf("restore: load closed trades: %w", err)
	}
	var realized float64
	for _, t := range closed {
		if t.PnLAbs != nil {
			realized += *t.PnLAbs
		}
	}
	if realized != 0 {
		e.ledger.Credit(realized)
	}

	open, err := e.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("restore: load open trades: %w", err)
	}
	restored := 0
	for _, t := range open {
		lot, err := lotFromTrade(t)
		if err != nil {
			e.logger.Warn().Err(err).Str("trade", t.ID).Msg("open trade not restorable, skipped")
			continue
		}
		if err := e.ledger.RestoreLot(lot); err != nil {
			e.logger.Warn().Err(err).Str("trade", t.ID).Msg("lot restore failed")
			continue
		}
		a := e.actor(t.Symbol)
		a.mu.Lock()
		if t.TsOpen.After(a.lastTradeTime) {
			a.lastTradeTime = t.TsOpen
		}
		a.mu.Unlock()
		restored++
	}

	e.status.setOpenPositions(e.ledger.OpenPositionCount())
	e.logger.Info().
		Int("open_trades", restored).
		Int("closed_trades", len(closed)).
		Float64("realized_pnl", realized).
		Float64("balance", e.ledger.Balance()).
		Msg("portfolio state restored from history")
	return nil
}

func (e *Engine) restoreStrategyState(ctx context.Context) error {
	st, err := e.store.LoadEngineState(ctx)
	if err != nil {
		return fmt.Errorf("restore: load engine state: %w", err)
	}
	if st == nil || len(st.Strategy) == 0 {
		return nil
	}
	var p strategy.Persisted
	if err := json.Unmarshal(st.Strategy, &p); err != nil {
		e.logger.Warn().Err(err).Msg("persisted strategy state unreadable, keeping defaults")
		return nil
	}
	if e.strategy.Restore(p) {
		e.logger.Info().
			Int("version", p.Version).
			Time("last_refinement", p.LastRefinementTime).
			Msg("strategy state restored")
	}
	return nil
}

// saveStrategyState writes the current strategy snapshot as the engine
// state singleton.
func (e *Engine) saveStrategyState(ctx context.Context) {
	payload, err := json.Marshal(e.strategy.Export())
	if err != nil {
		e.logger.Error().Err(err).Msg("strategy state marshal failed")
		return
	}
	if err := e.store.SaveEngineState(ctx, history.EngineState{
		Strategy:  payload,
		UpdatedAt: time.Now(),
	}); err != nil {
		e.logger.Warn().Err(err).Msg("engine state save failed")
	}
}

func lotFromTrade(t history.TradeRecord) (ledger.Lot, error) {
	if t.Qty <= 0 || t.EntryPrice <= 0 {
		return ledger.Lot{}, fmt.Errorf("trade %s: degenerate qty %v price %v", t.ID, t.Qty, t.EntryPrice)
	}
	if t.SLPrice == nil || t.TPPrice == nil {
		return ledger.Lot{}, fmt.Errorf("trade %s: missing stop or target", t.ID)
	}
	return ledger.Lot{
		ID:                 t.ID,
		Symbol:             t.Symbol,
		EntryPrice:         t.EntryPrice,
		Amount:             t.Qty,
		StopLoss:           *t.SLPrice,
		TakeProfit:         *t.TPPrice,
		Ts:                 t.TsOpen,
		InitialRiskPerUnit: t.EntryPrice - *t.SLPrice,
		EntryFeePerUnit:    t.Fee / t.Qty,
	}, nil
}
