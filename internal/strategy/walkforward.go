package strategy

import (
	"fmt"
	"sort"
)

// WindowResult is one walk-forward window's forward-period summary.
type WindowResult struct {
	TrainStart int                `json:"train_start"`
	TrainEnd   int                `json:"train_end"`
	TestEnd    int                `json:"test_end"`
	Metrics    PerformanceMetrics `json:"metrics"`
	Accepted   bool               `json:"accepted"`
}

// WalkForwardReport is the outcome of comparing a candidate parameter set
// against the incumbent over the forward slice of a 70/30 split.
type WalkForwardReport struct {
	BaselineMetrics  PerformanceMetrics `json:"baseline_metrics"`
	CandidateMetrics PerformanceMetrics `json:"candidate_metrics"`
	BaselineCount    int                `json:"baseline_count"`
	CandidateCount   int                `json:"candidate_count"`
	Accepted         bool               `json:"accepted"`
	Reason           string             `json:"reason"`
}

// filterTrades keeps trades whose recorded setup score clears the parameter
// set's entry threshold. Trades recorded without a score pass through.
func filterTrades(trades []ClosedTrade, p Parameters) []ClosedTrade {
	out := make([]ClosedTrade, 0, len(trades))
	for _, t := range trades {
		if t.Score == 0 || t.Score >= p.MinScore {
			out = append(out, t)
		}
	}
	return out
}

// EvaluateCandidate runs the 70/30 walk-forward acceptance test. The
// chronological forward slice is filtered through both parameter sets; the
// candidate is accepted iff its drawdown is not worse, its profit factor is
// at least the baseline's, and it retains enough forward trades.
func EvaluateCandidate(trades []ClosedTrade, baseline, candidate Parameters, startingEquity float64) WalkForwardReport {
	sorted := make([]ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	split := len(sorted) * 70 / 100
	forward := sorted[split:]

	baseFwd := filterTrades(forward, baseline)
	candFwd := filterTrades(forward, candidate)

	report := WalkForwardReport{
		BaselineMetrics:  ComputeMetrics(baseFwd, startingEquity),
		CandidateMetrics: ComputeMetrics(candFwd, startingEquity),
		BaselineCount:    len(baseFwd),
		CandidateCount:   len(candFwd),
	}

	minCount := len(baseFwd) / 2
	if minCount < 6 {
		minCount = 6
	}
	switch {
	case report.CandidateCount < minCount:
		report.Reason = fmt.Sprintf("too few forward trades: %d, need %d", report.CandidateCount, minCount)
	case report.CandidateMetrics.DrawdownPct > report.BaselineMetrics.DrawdownPct:
		report.Reason = fmt.Sprintf("drawdown regressed: %.4f > %.4f",
			report.CandidateMetrics.DrawdownPct, report.BaselineMetrics.DrawdownPct)
	case report.CandidateMetrics.ProfitFactor < report.BaselineMetrics.ProfitFactor:
		report.Reason = fmt.Sprintf("profit factor regressed: %.4f < %.4f",
			report.CandidateMetrics.ProfitFactor, report.BaselineMetrics.ProfitFactor)
	default:
		report.Accepted = true
		report.Reason = "candidate dominates baseline on forward slice"
	}
	return report
}

// Run slides a 70/30 window across the trade history and summarizes each
// forward slice. windowSize trades per window; windows advance by the
// forward-slice length so forward periods never overlap.
func Run(trades []ClosedTrade, params Parameters, startingEquity float64, windowSize int) []WindowResult {
	if windowSize <= 0 {
		windowSize = 40
	}
	sorted := make([]ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	var results []WindowResult
	step := windowSize * 30 / 100
	if step < 1 {
		step = 1
	}
	for start := 0; start+windowSize <= len(sorted); start += step {
		trainEnd := start + windowSize*70/100
		testEnd := start + windowSize
		forward := filterTrades(sorted[trainEnd:testEnd], params)
		metrics := ComputeMetrics(forward, startingEquity)
		results = append(results, WindowResult{
			TrainStart: start,
			TrainEnd:   trainEnd,
			TestEnd:    testEnd,
			Metrics:    metrics,
			Accepted:   metrics.ProfitFactor >= 1 && len(forward) > 0,
		})
	}
	return results
}
