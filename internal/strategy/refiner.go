package strategy

import (
	"fmt"
	"math"
	"time"

	"paper-trading-engine/internal/indicators"
	"paper-trading-engine/internal/market"
)

// Regime is the coarse market state label.
type Regime string

const (
	RegimeChop           Regime = "CHOP"
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
	RegimeTrendingUp     Regime = "TRENDING_UP"
	RegimeTrendingDown   Regime = "TRENDING_DOWN"
	RegimeRanging        Regime = "RANGING"
)

// Action is a discrete trade decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision is the output of one evaluation.
type Decision struct {
	Action     Action   `json:"action"`
	Confidence float64  `json:"confidence"`
	Regime     Regime   `json:"regime"`
	Score      float64  `json:"score"`
	Reasons    []string `json:"reasons"`
}

// Input bundles the evaluation context.
type Input struct {
	Candles       []market.Candle
	Params        Parameters
	Holdings      float64
	LastTradeTime time.Time
	Now           time.Time
}

const (
	minBars        = 50
	trendGap       = 0.0015
	buyConfFloor   = 0.62
	idleRelaxAfter = 2 * time.Hour
	idleRelaxSpan  = 12 * time.Hour
	idleRelaxMax   = 0.08
)

// regimePenalties feed the confidence formula. TRENDING_UP carries none.
var regimePenalties = map[Regime]float64{
	RegimeChop:           0.25,
	RegimeHighVolatility: 0.20,
	RegimeTrendingDown:   0.10,
	RegimeRanging:        0.05,
	RegimeTrendingUp:     0,
}

// Decide maps candles and parameters to a trade decision. It is a pure
// function of its input: same candles, same parameters, same clock give a
// bit-identical result.
func Decide(in Input) Decision {
	if len(in.Candles) < minBars {
		return Decision{
			Action:     ActionHold,
			Confidence: 0.2,
			Regime:     RegimeRanging,
			Reasons:    []string{fmt.Sprintf("insufficient history: %d bars, need %d", len(in.Candles), minBars)},
		}
	}

	set := indicators.NewSet()
	for _, c := range in.Candles {
		set.Update(c.High, c.Low, c.Close, c.Volume)
	}
	snap := set.Snapshot()
	if !set.Ready() {
		return Decision{
			Action:     ActionHold,
			Confidence: 0.2,
			Regime:     RegimeRanging,
			Reasons:    []string{"indicators still seeding"},
		}
	}

	regime := classifyRegime(snap, in.Params)
	score, subReasons := setupScore(snap, regime)
	effMinScore, relaxReason := effectiveMinScore(in.Params.MinScore, in.LastTradeTime, in.Now)

	reasons := append([]string{
		fmt.Sprintf("regime=%s atrPct=%.5f", regime, snap.ATRPct),
		fmt.Sprintf("score=%.4f effMinScore=%.4f", score, effMinScore),
	}, subReasons...)
	if relaxReason != "" {
		reasons = append(reasons, relaxReason)
	}

	action := ActionHold
	switch {
	case regime == RegimeTrendingUp && score >= effMinScore:
		action = ActionBuy
		reasons = append(reasons, "trend entry: score above threshold")
	case regime == RegimeRanging:
		buffer := 0.04
		if !in.LastTradeTime.IsZero() && in.Now.Sub(in.LastTradeTime) >= 6*time.Hour {
			buffer = 0.01
		}
		rsiScore := rsiRecoveryScore(snap)
		momScore := momentumScore(snap)
		if score >= effMinScore+buffer && rsiScore >= 0.55 && momScore >= 0.5 {
			action = ActionBuy
			reasons = append(reasons, fmt.Sprintf("range entry: buffer=%.2f rsiRecovery=%.2f momentum=%.2f", buffer, rsiScore, momScore))
		}
	case (regime == RegimeTrendingDown || regime == RegimeHighVolatility) && in.Holdings > 0:
		action = ActionSell
		reasons = append(reasons, "exit: adverse regime with open holdings")
	}

	confidence := clamp(0.35+0.55*score-regimePenalties[regime], 0.1, 0.95)
	if action == ActionBuy && confidence < buyConfFloor {
		confidence = buyConfFloor
	}

	return Decision{
		Action:     action,
		Confidence: confidence,
		Regime:     regime,
		Score:      score,
		Reasons:    reasons,
	}
}

func classifyRegime(s indicators.Snapshot, p Parameters) Regime {
	switch {
	case s.ATRPct < p.MinATRPct:
		return RegimeChop
	case s.ATRPct > 1.2*p.MaxATRPct:
		return RegimeHighVolatility
	}
	gap := (s.EMAShort - s.EMALong) / s.Close
	switch {
	case gap > trendGap && s.Close >= s.EMAShort:
		return RegimeTrendingUp
	case gap < -trendGap && s.Close <= s.EMAShort:
		return RegimeTrendingDown
	default:
		return RegimeRanging
	}
}

// setupScore is the weighted sum of five clamped sub-scores.
func setupScore(s indicators.Snapshot, regime Regime) (float64, []string) {
	pullback := clamp(1-(math.Abs(s.Close-s.EMAShort)/s.Close)/0.0035, 0, 1)
	rsiRec := rsiRecoveryScore(s)
	momentum := momentumScore(s)
	volume := clamp((s.VolumeRatio-0.9)/0.4, 0, 1)

	trend := 0.0
	switch regime {
	case RegimeTrendingUp:
		trend = 1
	case RegimeRanging:
		trend = 0.45
	}

	score := 0.22*pullback + 0.20*rsiRec + 0.20*momentum + 0.16*volume + 0.22*trend
	reasons := []string{
		fmt.Sprintf("subscores pullback=%.2f rsi=%.2f momentum=%.2f volume=%.2f trend=%.2f",
			pullback, rsiRec, momentum, volume, trend),
	}
	return score, reasons
}

func rsiRecoveryScore(s indicators.Snapshot) float64 {
	v := (s.RSI - 45) / 20
	if s.RSIRising {
		v += 0.2
	}
	return clamp(v, 0, 1)
}

func momentumScore(s indicators.Snapshot) float64 {
	if s.PrevClose <= 0 {
		return 0
	}
	v := (s.Close/s.PrevClose - 1) / 0.004
	if s.Close > s.PrevClose {
		v += 0.3
	}
	return clamp(v, 0, 1)
}

// effectiveMinScore linearly relaxes the entry threshold after a long idle
// stretch, by up to idleRelaxMax over the 12 hours following the first two.
func effectiveMinScore(minScore float64, lastTrade, now time.Time) (float64, string) {
	if lastTrade.IsZero() {
		return minScore, ""
	}
	idle := now.Sub(lastTrade)
	if idle < idleRelaxAfter {
		return minScore, ""
	}
	frac := math.Min(1, float64(idle-idleRelaxAfter)/float64(idleRelaxSpan))
	relax := idleRelaxMax * frac
	return minScore - relax, fmt.Sprintf("inactivity relax: idle=%s relax=%.4f", idle.Truncate(time.Minute), relax)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
