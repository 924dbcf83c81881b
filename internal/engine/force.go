package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/execution"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/market"
)

// ForceTradeRequest is an operator-initiated paper trade. DecisionID makes
// the request idempotent: replaying the same id yields one open trade and a
// SKIPPED order for the duplicate.
type ForceTradeRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	NotionalUSD float64 `json:"notionalUsd"`
	Qty         float64 `json:"qty"`
	TPPct       float64 `json:"tpPct"`
	SLPct       float64 `json:"slPct"`
	TPPrice     float64 `json:"tpPrice"`
	SLPrice     float64 `json:"slPrice"`
	DecisionID  string  `json:"decisionId"`
}

// ForceTradeResult reports what the forced trade did.
type ForceTradeResult struct {
	Executed   bool    `json:"executed"`
	Skipped    bool    `json:"skipped"`
	DecisionID string  `json:"decisionId,omitempty"`
	TradeID    string  `json:"tradeId,omitempty"`
	FillPrice  float64 `json:"fillPrice,omitempty"`
	Qty        float64 `json:"qty,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ForceTrade executes an operator trade at the latest mark, bypassing the
// strategy but not the ledger. The circuit breaker still blocks entries.
func (e *Engine) ForceTrade(ctx context.Context, req ForceTradeRequest) (ForceTradeResult, error) {
	side := strings.ToUpper(req.Side)
	if side != "BUY" && side != "SELL" {
		return ForceTradeResult{}, fmt.Errorf("force trade: unsupported side %q", req.Side)
	}
	a := e.actor(req.Symbol)
	a.mu.Lock()
	defer a.mu.Unlock()

	latest, ok := e.data.Latest(a.symbol)
	if !ok {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: no market data", a.symbol)
	}
	now := time.Now()
	if now.UnixMilli()-latest.CloseTime > e.cfg.StaleDataMs {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: market data stale", a.symbol)
	}

	decisionID := req.DecisionID
	if decisionID == "" {
		decisionID = uuid.NewString()
	}
	key := fmt.Sprintf("force|%s|%s|%s", a.symbol, decisionID, side)

	seen, err := e.store.HasOrderKey(ctx, key)
	if err != nil {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: idempotency check: %w", a.symbol, err)
	}
	if seen {
		skipped := history.OrderRecord{
			OrderID: uuid.NewString(), DecisionID: decisionID, IdempotencyKey: key,
			Ts: now, Symbol: a.symbol, Side: side,
			Qty: req.Qty, RequestedPrice: latest.Close, Status: history.OrderSkipped,
		}
		if err := e.store.AppendSet(ctx, history.RecordSet{Order: &skipped}); err != nil {
			e.logger.Error().Err(err).Msg("skipped force order journal write failed")
		}
		return ForceTradeResult{Skipped: true, DecisionID: decisionID, Reason: "duplicate decision id"}, nil
	}

	if side == "BUY" {
		return e.forceBuy(ctx, a, req, latest, decisionID, now, key)
	}
	return e.forceSell(ctx, a, req, latest, decisionID, now, key)
}

func (e *Engine) forceBuy(ctx context.Context, a *symbolActor, req ForceTradeRequest,
	latest market.Candle, decisionID string, now time.Time, key string) (ForceTradeResult, error) {

	if e.breaker.Tripped() {
		return ForceTradeResult{Reason: "circuit breaker open"}, fmt.Errorf("force trade %s: circuit breaker open", a.symbol)
	}

	qty := req.Qty
	if qty <= 0 && req.NotionalUSD > 0 {
		qty = req.NotionalUSD / latest.Close
	}
	if qty <= 0 {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: qty or notionalUsd required", a.symbol)
	}

	params, _ := e.strategy.Snapshot()
	atrPct := atrPctOf(e.data.Buffer(a.symbol))

	sl, tp := req.SLPrice, req.TPPrice
	if sl <= 0 && req.SLPct > 0 {
		sl = latest.Close * (1 - req.SLPct)
	}
	if tp <= 0 && req.TPPct > 0 {
		tp = latest.Close * (1 + req.TPPct)
	}
	// fall back to the strategy's ATR levels
	atrAbs := atrPct * latest.Close
	if sl <= 0 {
		sl = latest.Close - atrAbs*params.StopLossATR*params.ATRMultiplier
	}
	if tp <= 0 {
		tp = latest.Close + atrAbs*params.TakeProfitATR*params.ATRMultiplier
	}
	if !(sl < latest.Close && latest.Close < tp) {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: levels must satisfy sl %.6f < price %.6f < tp %.6f", a.symbol, sl, latest.Close, tp)
	}

	feeRate := e.cfg.PaperFeeBps / 10_000
	sim := execution.SimulateEntry(a.symbol, "BUY", latest.CloseTime, latest.Close, atrPct, qty, feeRate)

	lot, err := e.ledger.Open(a.symbol, sim.FillPrice, qty, sl, tp, sim.Fees, sim.FillPrice-sl, now, e.strategy.Version())
	if err != nil {
		return ForceTradeResult{}, fmt.Errorf("force trade %s: %w", a.symbol, err)
	}

	orderID := uuid.NewString()
	set := history.RecordSet{
		Decision: &history.DecisionRecord{
			ID: decisionID, Ts: now, Symbol: a.symbol, Timeframe: e.cfg.Timeframe,
			Decision: "BUY", Confidence: 1, Reasons: []string{"forced by operator"},
			ModelVersion: e.strategy.Version(),
		},
		Order: &history.OrderRecord{
			OrderID: orderID, DecisionID: decisionID, IdempotencyKey: key,
			Ts: now, Symbol: a.symbol, Side: "BUY",
			Qty: qty, RequestedPrice: latest.Close, Status: history.OrderFilled,
		},
		Fill: &history.FillRecord{
			FillID: uuid.NewString(), OrderID: orderID, Ts: now,
			Symbol: a.symbol, Side: "BUY", AvgPrice: sim.FillPrice,
			Qty: qty, Fees: sim.Fees, Status: "FILLED", Simulation: sim,
		},
		Snapshot: e.snapshotRecord(a.symbol, latest.Close, now),
		Trade: &history.TradeRecord{
			ID: lot.ID, TsOpen: now, Symbol: a.symbol, Side: "BUY",
			Qty: qty, EntryPrice: sim.FillPrice, Fee: sim.Fees,
			SLPrice: &sl, TPPrice: &tp, Slippage: sim.Slippage,
			Status: history.TradeOpen, DecisionID: decisionID,
		},
	}
	if err := e.store.AppendSet(ctx, set); err != nil {
		e.logger.Error().Err(err).Str("symbol", a.symbol).Msg("force entry journal write failed")
	}

	a.lastTradeTime = now
	e.status.setOpenPositions(e.ledger.OpenPositionCount())
	e.bus.Publish(events.Event{
		Type:  events.EventTradeOpened,
		Trade: &events.TradeEvent{Symbol: a.symbol, Side: "BUY", Price: sim.FillPrice, Qty: qty},
	})
	e.logger.Info().Str("symbol", a.symbol).Str("decision_id", decisionID).
		Float64("qty", qty).Float64("fill", sim.FillPrice).Msg("forced entry filled")

	return ForceTradeResult{
		Executed: true, DecisionID: decisionID, TradeID: lot.ID,
		FillPrice: sim.FillPrice, Qty: qty, StopLoss: sl, TakeProfit: tp,
	}, nil
}

func (e *Engine) forceSell(ctx context.Context, a *symbolActor, req ForceTradeRequest,
	latest market.Candle, decisionID string, now time.Time, key string) (ForceTradeResult, error) {

	qty, err := e.riskMgr.EvaluateSell(a.symbol, e.ledger.Holdings(a.symbol), req.Qty)
	if err != nil {
		return ForceTradeResult{}, err
	}

	set := history.RecordSet{Decision: &history.DecisionRecord{
		ID: decisionID, Ts: now, Symbol: a.symbol, Timeframe: e.cfg.Timeframe,
		Decision: "SELL", Confidence: 1, Reasons: []string{"forced by operator"},
		ModelVersion: e.strategy.Version(),
	}}
	if err := e.store.AppendSet(ctx, set); err != nil {
		e.logger.Error().Err(err).Msg("force decision journal write failed")
	}

	atrPct := atrPctOf(e.data.Buffer(a.symbol))
	if err := e.forceExit(ctx, a, qty, latest, atrPct, decisionID, now, key); err != nil {
		return ForceTradeResult{}, err
	}
	e.status.setOpenPositions(e.ledger.OpenPositionCount())
	return ForceTradeResult{Executed: true, DecisionID: decisionID, Qty: qty, FillPrice: latest.Close}, nil
}

// forceExit mirrors executeExit but keys the order on the forced decision
// instead of the bar.
func (e *Engine) forceExit(ctx context.Context, a *symbolActor, qty float64,
	latest market.Candle, atrPct float64, decisionID string, ts time.Time, key string) error {

	feeRate := e.cfg.PaperFeeBps / 10_000
	sim := execution.SimulateExit(a.symbol, latest.CloseTime, latest.Close, atrPct, qty, feeRate)

	res, err := e.ledger.Consume(a.symbol, qty, "")
	if err != nil {
		return err
	}
	e.ledger.Settle(sim.FillPrice, res.Qty, sim.Fees)

	entryFees := res.WeightedFeePerUnit * res.Qty
	pnl := execution.PnL(res.WeightedEntry, sim.FillPrice, res.Qty, entryFees, sim.Fees)
	e.riskMgr.RecordTradeResult(pnl, ts)
	a.lastTradeTime = ts

	orderID := uuid.NewString()
	set := history.RecordSet{
		Order: &history.OrderRecord{
			OrderID: orderID, DecisionID: decisionID, IdempotencyKey: key,
			Ts: ts, Symbol: a.symbol, Side: "SELL",
			Qty: res.Qty, RequestedPrice: latest.Close, Status: history.OrderFilled,
		},
		Fill: &history.FillRecord{
			FillID: uuid.NewString(), OrderID: orderID, Ts: ts,
			Symbol: a.symbol, Side: "SELL", AvgPrice: sim.FillPrice,
			Qty: res.Qty, Fees: sim.Fees, Status: "FILLED",
			PnL: &pnl, ExitReason: "MANUAL", Simulation: sim,
		},
		Snapshot: e.snapshotRecord(a.symbol, latest.Close, ts),
	}
	if err := e.store.AppendSet(ctx, set); err != nil {
		e.logger.Error().Err(err).Msg("force exit journal write failed")
	}

	e.closeConsumedLots(ctx, res, sim.FillPrice, sim.Fees, "MANUAL", ts)

	e.bus.Publish(events.Event{
		Type: events.EventTradeClosed,
		Trade: &events.TradeEvent{Symbol: a.symbol, Side: "SELL", Price: sim.FillPrice,
			Qty: res.Qty, PnL: pnl, ExitReason: "MANUAL"},
	})
	e.logger.Info().Str("symbol", a.symbol).Float64("pnl", pnl).Msg("forced exit filled")
	return nil
}
