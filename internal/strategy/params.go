package strategy

import "math"

// Parameters is one immutable strategy parameter set. Instances are
// committed through State and never mutated afterwards.
type Parameters struct {
	MinScore            float64 `json:"min_score"`
	ATRMultiplier       float64 `json:"atr_multiplier"`
	StopLossATR         float64 `json:"stop_loss_atr"`
	TakeProfitATR       float64 `json:"take_profit_atr"`
	MaxRiskPerTradePct  float64 `json:"max_risk_per_trade_pct"`
	DailyMaxLossPct     float64 `json:"daily_max_loss_pct"`
	MaxConcurrentTrades int     `json:"max_concurrent_trades"`
	KillSwitchLosses    int     `json:"kill_switch_losses"`
	MinATRPct           float64 `json:"min_atr_pct"`
	MaxATRPct           float64 `json:"max_atr_pct"`
}

// DefaultParameters is the boot configuration before any refinement.
func DefaultParameters() Parameters {
	return Parameters{
		MinScore:            0.62,
		ATRMultiplier:       1.0,
		StopLossATR:         1.5,
		TakeProfitATR:       2.5,
		MaxRiskPerTradePct:  0.01,
		DailyMaxLossPct:     0.03,
		MaxConcurrentTrades: 3,
		KillSwitchLosses:    4,
		MinATRPct:           0.0015,
		MaxATRPct:           0.04,
	}
}

// bound is one sanitizer range.
type bound struct{ lo, hi float64 }

var paramBounds = map[string]bound{
	"minScore":            {0.5, 0.95},
	"atrMultiplier":       {0.6, 2.5},
	"stopLossATR":         {0.8, 3.5},
	"takeProfitATR":       {1.2, 5},
	"maxRiskPerTradePct":  {0.003, 0.03},
	"dailyMaxLossPct":     {0.01, 0.1},
	"maxConcurrentTrades": {1, 5},
	"killSwitchLosses":    {2, 6},
	"minAtrPct":           {0.0008, 0.02},
	"maxAtrPct":           {0.005, 0.08},
}

func clampTo(name string, v float64) float64 {
	b := paramBounds[name]
	return math.Min(b.hi, math.Max(b.lo, v))
}

// Sanitize clamps every field to its allowed range and returns the result.
func (p Parameters) Sanitize() Parameters {
	p.MinScore = clampTo("minScore", p.MinScore)
	p.ATRMultiplier = clampTo("atrMultiplier", p.ATRMultiplier)
	p.StopLossATR = clampTo("stopLossATR", p.StopLossATR)
	p.TakeProfitATR = clampTo("takeProfitATR", p.TakeProfitATR)
	p.MaxRiskPerTradePct = clampTo("maxRiskPerTradePct", p.MaxRiskPerTradePct)
	p.DailyMaxLossPct = clampTo("dailyMaxLossPct", p.DailyMaxLossPct)
	p.MaxConcurrentTrades = int(clampTo("maxConcurrentTrades", float64(p.MaxConcurrentTrades)))
	p.KillSwitchLosses = int(clampTo("killSwitchLosses", float64(p.KillSwitchLosses)))
	p.MinATRPct = clampTo("minAtrPct", p.MinATRPct)
	p.MaxATRPct = clampTo("maxAtrPct", p.MaxATRPct)
	return p
}

// boundDelta limits a candidate value to within maxDeltaPct of current, then
// re-clamps to the global bound. Refinement uses this to keep any single
// cycle's adjustment small.
func boundDelta(name string, current, candidate, maxDeltaPct float64) float64 {
	lo := current * (1 - maxDeltaPct)
	hi := current * (1 + maxDeltaPct)
	v := math.Min(hi, math.Max(lo, candidate))
	return clampTo(name, v)
}
