package execution

import (
	"fmt"
	"hash/fnv"
	"math"
)

// Simulation is the deterministic fill model output attached to every
// simulated trade.
type Simulation struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Ts        int64   `json:"ts"`
	Close     float64 `json:"close"`
	ATRPct    float64 `json:"atr_pct"`
	Spread    float64 `json:"spread"`
	Slippage  float64 `json:"slippage"`
	FillPrice float64 `json:"fill_price"`
	Qty       float64 `json:"qty"`
	Fees      float64 `json:"fees"`
}

// hashUnit maps (symbol, ts, side) onto [0, 1). It is the only source of
// per-fill variation, so replays of the same order produce the same fill.
func hashUnit(symbol string, ts int64, side string) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", symbol, ts, side)
	return float64(h.Sum64()%1_000_000) / 1_000_000
}

func spreadFor(close, atrPct float64) float64 {
	return close * (0.00015 + math.Min(0.001, 0.18*atrPct))
}

func slippageFor(symbol, side string, ts int64, close, atrPct float64) float64 {
	return close * (0.00005 + 0.08*atrPct + 0.0002*hashUnit(symbol, ts, side))
}

// SimulateEntry produces the fill for opening a position. BUY fills above
// the close, SELL below.
func SimulateEntry(symbol, side string, ts int64, close, atrPct, qty, feeRate float64) Simulation {
	dir := 1.0
	if side == "SELL" {
		dir = -1
	}
	spread := spreadFor(close, atrPct)
	slippage := slippageFor(symbol, side, ts, close, atrPct)
	fill := close + dir*(spread/2+slippage)
	return Simulation{
		Symbol:    symbol,
		Side:      side,
		Ts:        ts,
		Close:     close,
		ATRPct:    atrPct,
		Spread:    spread,
		Slippage:  slippage,
		FillPrice: fill,
		Qty:       qty,
		Fees:      feeRate * fill * qty,
	}
}

// SimulateExit produces the fill for closing a long position. The exit
// always pays the spread, so the fill lands below the close.
func SimulateExit(symbol string, ts int64, close, atrPct, qty, feeRate float64) Simulation {
	spread := spreadFor(close, atrPct)
	slippage := slippageFor(symbol, "SELL", ts, close, atrPct)
	fill := close - (spread/2 + slippage)
	return Simulation{
		Symbol:    symbol,
		Side:      "SELL",
		Ts:        ts,
		Close:     close,
		ATRPct:    atrPct,
		Spread:    spread,
		Slippage:  slippage,
		FillPrice: fill,
		Qty:       qty,
		Fees:      feeRate * fill * qty,
	}
}

// PnL computes realized profit for a closed slice net of both fees.
func PnL(entryFill, exitFill, qty, entryFee, exitFee float64) float64 {
	return (exitFill-entryFill)*qty - entryFee - exitFee
}

// RMultiple expresses realized PnL in units of the initial risk taken.
func RMultiple(pnl, initialRiskPerUnit, qty float64) float64 {
	risk := initialRiskPerUnit * qty
	if risk <= 0 {
		return 0
	}
	return pnl / risk
}
