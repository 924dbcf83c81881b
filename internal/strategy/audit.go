package strategy

import (
	"fmt"
	"math"
	"math/rand"

	"paper-trading-engine/internal/market"
)

const (
	determinismRuns  = 100
	robustnessTrials = 20
	robustnessFloor  = 12 // 60% of trials must agree
	noiseAmplitude   = 0.001
)

// AuditResult summarizes one stability audit.
type AuditResult struct {
	Deterministic  bool    `json:"deterministic"`
	AgreeingTrials int     `json:"agreeing_trials"`
	Robust         bool    `json:"robust"`
	MaxConfDelta   float64 `json:"max_conf_delta"`
}

// Audit verifies that Decide is a pure function of its input and that its
// action survives small price noise. Determinism requires bit-identical
// action and confidence across repeated runs; robustness requires the
// baseline action on at least robustnessFloor of the perturbed trials.
func Audit(in Input) (AuditResult, error) {
	baseline := Decide(in)

	res := AuditResult{Deterministic: true}
	for i := 0; i < determinismRuns; i++ {
		d := Decide(in)
		delta := math.Abs(d.Confidence - baseline.Confidence)
		if delta > res.MaxConfDelta {
			res.MaxConfDelta = delta
		}
		if d.Action != baseline.Action || delta >= 1e-12 {
			res.Deterministic = false
		}
	}
	if !res.Deterministic {
		return res, fmt.Errorf("decide is not deterministic: max confidence delta %g", res.MaxConfDelta)
	}

	// fixed seed keeps the audit itself reproducible
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < robustnessTrials; trial++ {
		perturbed := make([]market.Candle, len(in.Candles))
		copy(perturbed, in.Candles)
		for i := range perturbed {
			noise := 1 + (rng.Float64()*2-1)*noiseAmplitude
			perturbed[i].Close *= noise
			if perturbed[i].Close > perturbed[i].High {
				perturbed[i].High = perturbed[i].Close
			}
			if perturbed[i].Close < perturbed[i].Low {
				perturbed[i].Low = perturbed[i].Close
			}
		}
		trialIn := in
		trialIn.Candles = perturbed
		if Decide(trialIn).Action == baseline.Action {
			res.AgreeingTrials++
		}
	}
	res.Robust = res.AgreeingTrials >= robustnessFloor

	if !res.Robust {
		return res, fmt.Errorf("decide is not robust: %d/%d trials agree, need %d",
			res.AgreeingTrials, robustnessTrials, robustnessFloor)
	}
	return res, nil
}
