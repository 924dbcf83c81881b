package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"paper-trading-engine/internal/circuit"
	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/execution"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/indicators"
	"paper-trading-engine/internal/ledger"
	"paper-trading-engine/internal/market"
	"paper-trading-engine/internal/risk"
	"paper-trading-engine/internal/strategy"
)

// Evaluate runs one full evaluation for symbol. Both the candle-close
// handler and the minute tick land here; a bar-timestamp guard keeps the
// two triggers from double-executing the same fresh bar.
//
// The decision record is always journaled before any order, fill or trade
// row that references it, so the gate chain runs against a planned action
// first and execution follows the write.
func (e *Engine) Evaluate(symbol, trigger string) {
	a := e.actor(symbol)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	latest, ok := e.data.Latest(a.symbol)
	if !ok {
		return
	}

	// same bar, recently evaluated: the other trigger already ran
	if latest.CloseTime == a.lastBarTs && now.UnixMilli()-latest.CloseTime < 55_000 {
		return
	}

	if now.UnixMilli()-latest.CloseTime > e.cfg.StaleDataMs {
		e.strategy.Warn(fmt.Sprintf("%s: stale market data, latest bar %s old, evaluation skipped",
			a.symbol, time.Duration(now.UnixMilli()-latest.CloseTime)*time.Millisecond))
		e.logger.Warn().Str("symbol", a.symbol).Str("trigger", trigger).Msg("evaluation skipped on stale data")
		return
	}
	a.lastBarTs = latest.CloseTime

	candles := e.data.Buffer(a.symbol)
	params, version := e.strategy.Snapshot()
	holdings := e.ledger.Holdings(a.symbol)

	decision := strategy.Decide(strategy.Input{
		Candles:       candles,
		Params:        params,
		Holdings:      holdings,
		LastTradeTime: a.lastTradeTime,
		Now:           now,
	})

	ind, ready := indicatorsOf(candles)
	atrPct := ind.ATRPct
	if ready {
		e.bus.Publish(events.Event{
			Type: events.EventIndicatorUpdate,
			Indicator: &events.IndicatorUpdate{
				Symbol: a.symbol, Close: ind.Close, ATRPct: ind.ATRPct, RSI: ind.RSI,
			},
		})
	}

	equity := e.ledger.TotalPortfolioValue(map[string]float64{a.symbol: latest.Close})
	dailyPnL := e.riskMgr.DailyPnL(now)
	drawdownPct := 0.0
	if dailyPnL < 0 && equity > 0 {
		drawdownPct = -dailyPnL / equity
	}
	e.breaker.Observe(circuit.Inputs{
		DailyDrawdownPct:       drawdownPct,
		ConsecutiveLargeLosses: e.riskMgr.LossStreak(),
		VolatilityPct:          atrPct,
		StreamUnstable:         e.data.IsUnstable(a.symbol),
	})

	decisionID := uuid.NewString()
	decisionTs := now
	ctx, cancel := context.WithTimeout(e.ctx, market.RequestTimeout)
	defer cancel()

	plan := e.planAction(ctx, a, decision, params, latest, atrPct, equity, decisionTs)

	rec := history.DecisionRecord{
		ID:           decisionID,
		Ts:           decisionTs,
		Symbol:       a.symbol,
		Timeframe:    e.cfg.Timeframe,
		Decision:     string(plan.action),
		Confidence:   decision.Confidence,
		Reasons:      plan.reasons,
		FeaturesHash: featuresHash(candles),
		ModelVersion: version,
	}
	if err := e.store.AppendSet(ctx, history.RecordSet{Decision: &rec}); err != nil {
		e.logger.Error().Err(err).Str("symbol", a.symbol).Msg("decision journal write failed")
	}

	// stop/target exits run before the new decision acts
	traded := e.runAutoExits(ctx, a, latest, atrPct, decisionID, decisionTs)
	traded = e.executePlan(ctx, a, plan, decision, latest, atrPct, decisionID, decisionTs) || traded

	e.training.add(decisionTs, a.symbol, decision)
	e.status.recordEvaluation(decision.Action != strategy.ActionHold, traded)
	e.status.setOpenPositions(e.ledger.OpenPositionCount())

	e.bus.Publish(events.Event{
		Type: events.EventDecisionMade,
		Decision: &events.DecisionMade{
			Symbol:     a.symbol,
			Action:     string(plan.action),
			Confidence: decision.Confidence,
			Regime:     string(decision.Regime),
			Reasons:    plan.reasons,
		},
	})
}

// actionPlan is the gated outcome of one evaluation: the action the decision
// journal records and everything execution needs to carry it out.
type actionPlan struct {
	action    strategy.Action
	reasons   []string
	key       string
	duplicate bool // order key already journaled, record a SKIPPED order
	side      string
	approval  risk.Approval // sized entry, valid when action is BUY
	qty       float64
}

// planAction walks the raw decision through the breaker, toggle, confidence,
// risk and idempotency gates without mutating anything. A rejected action is
// downgraded to HOLD with the gate's reason attached; the breaker annotates
// even HOLD decisions so the journal shows why the engine is parked.
func (e *Engine) planAction(ctx context.Context, a *symbolActor, decision strategy.Decision,
	params strategy.Parameters, latest market.Candle, atrPct, equity float64,
	now time.Time) actionPlan {

	reasons := append([]string{}, decision.Reasons...)

	if e.breaker.Tripped() {
		reasons = append(reasons, "circuit breaker open: "+fmt.Sprint(e.breaker.Reasons()))
		return actionPlan{action: strategy.ActionHold, reasons: reasons}
	}
	if decision.Action == strategy.ActionHold {
		return actionPlan{action: strategy.ActionHold, reasons: reasons}
	}
	autoPaper, threshold := e.status.settings()
	if !autoPaper {
		reasons = append(reasons, "automatic paper trading disabled")
		return actionPlan{action: strategy.ActionHold, reasons: reasons}
	}

	hold := func(reason string) actionPlan {
		return actionPlan{action: strategy.ActionHold, reasons: append(reasons, reason)}
	}

	switch decision.Action {
	case strategy.ActionBuy:
		if decision.Confidence < threshold {
			return hold(fmt.Sprintf("confidence %.2f below threshold %.2f", decision.Confidence, threshold))
		}
		approval := e.riskMgr.EvaluateBuy(risk.BuyRequest{
			Symbol:        a.symbol,
			Price:         latest.Close,
			ATR:           atrPct * latest.Close,
			ATRPct:        atrPct,
			Regime:        decision.Regime,
			Balance:       e.ledger.Balance(),
			Equity:        equity,
			OpenPositions: e.ledger.OpenPositionCount(),
		}, params, now)
		if !approval.OK {
			return actionPlan{action: strategy.ActionHold, reasons: append(reasons, approval.Reasons...)}
		}
		reasons = append(reasons, approval.Reasons...)

		// portfolio caps on top of the risk sizing
		qty := approval.Qty
		if maxNotional := e.cfg.MaxPositionSizePct * equity; qty*latest.Close > maxNotional {
			qty = maxNotional / latest.Close
			reasons = append(reasons, fmt.Sprintf("qty capped by position size limit %.0f%%", e.cfg.MaxPositionSizePct*100))
		}
		exposure := equity - e.ledger.Balance()
		if maxExposure := e.cfg.MaxExposurePct * equity; exposure+qty*latest.Close > maxExposure {
			room := maxExposure - exposure
			if room <= 0 {
				return hold("portfolio exposure limit reached")
			}
			qty = room / latest.Close
			reasons = append(reasons, fmt.Sprintf("qty capped by exposure limit %.0f%%", e.cfg.MaxExposurePct*100))
		}

		key := history.IdempotencyKey(a.symbol, e.cfg.Timeframe, time.UnixMilli(latest.CloseTime), "BUY")
		seen, err := e.store.HasOrderKey(ctx, key)
		if err != nil {
			return hold("idempotency check failed: " + err.Error())
		}
		if seen {
			plan := hold("duplicate order skipped: " + key)
			plan.duplicate = true
			plan.key = key
			plan.side = "BUY"
			plan.qty = qty
			return plan
		}
		return actionPlan{action: strategy.ActionBuy, reasons: reasons, key: key, side: "BUY", approval: approval, qty: qty}

	case strategy.ActionSell:
		qty, err := e.riskMgr.EvaluateSell(a.symbol, e.ledger.Holdings(a.symbol), 0)
		if err != nil {
			return hold(err.Error())
		}
		key := history.IdempotencyKey(a.symbol, e.cfg.Timeframe, time.UnixMilli(latest.CloseTime), "SELL")
		seen, err := e.store.HasOrderKey(ctx, key)
		if err != nil {
			return hold("idempotency check failed: " + err.Error())
		}
		if seen {
			plan := hold("duplicate order skipped: " + key)
			plan.duplicate = true
			plan.key = key
			plan.side = "SELL"
			plan.qty = qty
			return plan
		}
		return actionPlan{action: strategy.ActionSell, reasons: reasons, key: key, side: "SELL", qty: qty}
	}
	return actionPlan{action: strategy.ActionHold, reasons: reasons}
}

// executePlan carries out the planned action after the decision is on disk.
func (e *Engine) executePlan(ctx context.Context, a *symbolActor, plan actionPlan,
	decision strategy.Decision, latest market.Candle, atrPct float64,
	decisionID string, ts time.Time) bool {

	switch {
	case plan.duplicate:
		skipped := history.OrderRecord{
			OrderID: uuid.NewString(), DecisionID: decisionID, IdempotencyKey: plan.key,
			Ts: ts, Symbol: a.symbol, Side: plan.side,
			Qty: plan.qty, RequestedPrice: latest.Close, Status: history.OrderSkipped,
		}
		if err := e.store.AppendSet(ctx, history.RecordSet{Order: &skipped}); err != nil {
			e.logger.Error().Err(err).Msg("skipped order journal write failed")
		}
		return false

	case plan.action == strategy.ActionBuy:
		return e.executeBuy(ctx, a, plan, decision, latest, atrPct, decisionID, ts)

	case plan.action == strategy.ActionSell:
		// auto-exits may have consumed lots since sizing; sell what remains
		qty := plan.qty
		if h := e.ledger.Holdings(a.symbol); h < qty {
			qty = h
		}
		if qty <= 0 {
			return false
		}
		if err := e.executeExit(ctx, a, qty, "", "SIGNAL", latest, atrPct, decisionID, ts); err != nil {
			e.logger.Error().Err(err).Str("symbol", a.symbol).Msg("signal exit failed")
			return false
		}
		return true
	}
	return false
}

// executeBuy fills the pre-sized entry. The decision row is already
// journaled; a ledger rejection leaves a REJECTED order behind it.
func (e *Engine) executeBuy(ctx context.Context, a *symbolActor, plan actionPlan,
	decision strategy.Decision, latest market.Candle, atrPct float64,
	decisionID string, ts time.Time) bool {

	feeRate := e.cfg.PaperFeeBps / 10_000
	sim := execution.SimulateEntry(a.symbol, "BUY", latest.CloseTime, latest.Close, atrPct, plan.qty, feeRate)
	riskPerUnit := sim.FillPrice - plan.approval.StopLoss

	lot, err := e.ledger.Open(a.symbol, sim.FillPrice, plan.qty, plan.approval.StopLoss, plan.approval.TakeProfit,
		sim.Fees, riskPerUnit, ts, e.strategy.Version())
	if err != nil {
		rejected := history.OrderRecord{
			OrderID: uuid.NewString(), DecisionID: decisionID, IdempotencyKey: plan.key,
			Ts: ts, Symbol: a.symbol, Side: "BUY",
			Qty: plan.qty, RequestedPrice: latest.Close, Status: history.OrderRejected,
		}
		if err := e.store.AppendSet(ctx, history.RecordSet{Order: &rejected}); err != nil {
			e.logger.Error().Err(err).Msg("rejected order journal write failed")
		}
		e.logger.Warn().Err(err).Str("symbol", a.symbol).Msg("ledger rejected entry")
		return false
	}

	orderID := uuid.NewString()
	sl, tp := plan.approval.StopLoss, plan.approval.TakeProfit
	set := history.RecordSet{
		Order: &history.OrderRecord{
			OrderID: orderID, DecisionID: decisionID, IdempotencyKey: plan.key,
			Ts: ts, Symbol: a.symbol, Side: "BUY",
			Qty: plan.qty, RequestedPrice: latest.Close, Status: history.OrderFilled,
		},
		Fill: &history.FillRecord{
			FillID: uuid.NewString(), OrderID: orderID, Ts: ts,
			Symbol: a.symbol, Side: "BUY", AvgPrice: sim.FillPrice,
			Qty: plan.qty, Fees: sim.Fees, Status: "FILLED", Simulation: sim,
		},
		Snapshot: e.snapshotRecord(a.symbol, latest.Close, ts),
		Trade: &history.TradeRecord{
			ID: lot.ID, TsOpen: ts, Symbol: a.symbol, Side: "BUY",
			Qty: plan.qty, EntryPrice: sim.FillPrice, Fee: sim.Fees,
			SLPrice: &sl, TPPrice: &tp, Slippage: sim.Slippage,
			Score: decision.Score, Regime: string(decision.Regime),
			Status: history.TradeOpen, DecisionID: decisionID,
		},
	}
	if err := e.store.AppendSet(ctx, set); err != nil {
		e.logger.Error().Err(err).Str("symbol", a.symbol).Msg("entry journal write failed")
	}

	a.lastTradeTime = ts
	e.bus.Publish(events.Event{
		Type:  events.EventTradeOpened,
		Trade: &events.TradeEvent{Symbol: a.symbol, Side: "BUY", Price: sim.FillPrice, Qty: plan.qty},
	})
	e.logger.Info().Str("symbol", a.symbol).
		Float64("qty", plan.qty).Float64("fill", sim.FillPrice).
		Float64("sl", sl).Float64("tp", tp).
		Msg("paper entry filled")
	return true
}

// runAutoExits closes any lot whose stop or target was touched by the
// latest close. Stop-loss wins when both levels are satisfied.
func (e *Engine) runAutoExits(ctx context.Context, a *symbolActor, latest market.Candle,
	atrPct float64, decisionID string, ts time.Time) bool {

	exits := e.ledger.AutoExits(a.symbol, latest.Close)
	traded := false
	for _, exit := range exits {
		if err := e.executeExit(ctx, a, exit.Lot.Amount, exit.Lot.ID, exit.Reason, latest, atrPct, decisionID, ts); err != nil {
			e.logger.Error().Err(err).Str("symbol", a.symbol).Str("lot", exit.Lot.ID).Msg("auto exit failed")
			continue
		}
		traded = true
	}
	return traded
}

// executeExit simulates the exit fill, consumes the ledger slice, settles
// cash and journals the order, fill and snapshot. Each fully consumed lot
// closes its trade row with its own share of the realized PnL.
func (e *Engine) executeExit(ctx context.Context, a *symbolActor, qty float64, targetLotID, reason string,
	latest market.Candle, atrPct float64, decisionID string, ts time.Time) error {

	key := history.IdempotencyKey(a.symbol, e.cfg.Timeframe, time.UnixMilli(latest.CloseTime), "SELL")
	if targetLotID != "" {
		// lot-targeted exits key on the lot so multiple lots can close on one bar
		key = fmt.Sprintf("%s|%s", key, targetLotID)
	}

	feeRate := e.cfg.PaperFeeBps / 10_000
	sim := execution.SimulateExit(a.symbol, latest.CloseTime, latest.Close, atrPct, qty, feeRate)

	res, err := e.ledger.Consume(a.symbol, qty, targetLotID)
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
			PnL: &pnl, ExitReason: reason, Simulation: sim,
		},
		Snapshot: e.snapshotRecord(a.symbol, latest.Close, ts),
	}
	if err := e.store.AppendSet(ctx, set); err != nil {
		e.logger.Error().Err(err).Str("symbol", a.symbol).Msg("exit journal write failed")
	}

	e.closeConsumedLots(ctx, res, sim.FillPrice, sim.Fees, reason, ts)

	e.bus.Publish(events.Event{
		Type: events.EventTradeClosed,
		Trade: &events.TradeEvent{Symbol: a.symbol, Side: "SELL", Price: sim.FillPrice,
			Qty: res.Qty, PnL: pnl, ExitReason: reason},
	})
	e.logger.Info().Str("symbol", a.symbol).Str("reason", reason).
		Float64("qty", res.Qty).Float64("fill", sim.FillPrice).Float64("pnl", pnl).
		Msg("paper exit filled")
	return nil
}

// closeConsumedLots closes the trade row of every fully consumed lot. PnL is
// attributed per lot: each lot's own entry, entry fee and risk against the
// shared exit fill, with the exit fee split pro rata by quantity. Summing the
// closed rows therefore reproduces the aggregate realized PnL exactly.
func (e *Engine) closeConsumedLots(ctx context.Context, res ledger.ConsumeResult,
	fillPrice, exitFees float64, reason string, ts time.Time) {

	for _, slice := range res.Slices {
		if !slice.Closed {
			continue
		}
		exitFee := 0.0
		if res.Qty > 0 {
			exitFee = exitFees * slice.Qty / res.Qty
		}
		pnl := execution.PnL(slice.EntryPrice, fillPrice, slice.Qty, slice.FeePerUnit*slice.Qty, exitFee)
		rMult := execution.RMultiple(pnl, slice.RiskPerUnit, slice.Qty)
		pnlPct := 0.0
		if notional := slice.EntryPrice * slice.Qty; notional > 0 {
			pnlPct = pnl / notional
		}
		if err := e.store.CloseTrade(ctx, history.TradeClose{
			TradeID: slice.LotID, TsClose: ts, ExitPrice: fillPrice,
			PnLAbs: pnl, PnLPct: pnlPct, Reason: reason, RMultiple: rMult, Fee: exitFee,
		}); err != nil {
			e.logger.Warn().Err(err).Str("trade", slice.LotID).Msg("trade close journal failed")
		}
	}
}

func (e *Engine) snapshotRecord(symbol string, markPrice float64, ts time.Time) *history.SnapshotRecord {
	return &history.SnapshotRecord{
		Ts:                  ts,
		Symbol:              symbol,
		Balance:             e.ledger.Balance(),
		PositionSize:        e.ledger.Holdings(symbol),
		AvgEntryPrice:       e.ledger.AvgEntry(symbol),
		TotalPortfolioValue: e.ledger.TotalPortfolioValue(map[string]float64{symbol: markPrice}),
	}
}

// indicatorsOf rebuilds the indicator bundle over the buffered candles.
func indicatorsOf(candles []market.Candle) (indicators.Snapshot, bool) {
	set := indicators.NewSet()
	for _, c := range candles {
		set.Update(c.High, c.Low, c.Close, c.Volume)
	}
	snap := set.Snapshot()
	if math.IsNaN(snap.ATRPct) {
		snap.ATRPct = 0
	}
	return snap, set.Ready()
}

func atrPctOf(candles []market.Candle) float64 {
	snap, _ := indicatorsOf(candles)
	return snap.ATRPct
}

// featuresHash fingerprints the evaluation input for the decision journal.
func featuresHash(candles []market.Candle) string {
	h := sha256.New()
	for _, c := range candles {
		fmt.Fprintf(h, "%d:%.8f:%.8f;", c.OpenTime, c.Close, c.Volume)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
