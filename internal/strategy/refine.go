package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Candidate is the tunable subset an advisor may adjust per cycle.
type Candidate struct {
	MinScore      float64 `json:"min_score"`
	ATRMultiplier float64 `json:"atr_multiplier"`
	StopLossATR   float64 `json:"stop_loss_atr"`
}

// Advisor proposes a candidate from recent performance. Implementations may
// call out to an external service; a failed proposal falls back to the
// deterministic heuristic.
type Advisor interface {
	Propose(ctx context.Context, current Parameters, metrics PerformanceMetrics,
		buckets ConditionBuckets, clusters []LossCluster) (Candidate, error)
}

const (
	refineInterval  = 24 * time.Hour
	refineMinTrades = 20
	maxDeltaPct     = 0.15
)

// Refinery owns the periodic parameter refinement cycle. At most one cycle
// runs at a time.
type Refinery struct {
	state          *State
	advisor        Advisor
	logger         zerolog.Logger
	startingEquity float64

	mu      sync.Mutex
	running bool
}

// NewRefinery wires a refinement loop over the given strategy state.
func NewRefinery(state *State, advisor Advisor, startingEquity float64, logger zerolog.Logger) *Refinery {
	return &Refinery{state: state, advisor: advisor, startingEquity: startingEquity, logger: logger}
}

// Due reports whether a cycle should start: the cadence has elapsed and no
// cycle is in flight.
func (r *Refinery) Due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	last := r.state.LastRefinementTime()
	return last.IsZero() || now.Sub(last) >= refineInterval
}

// Running reports whether a cycle is in flight.
func (r *Refinery) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run executes one refinement cycle over the closed trades of the last day.
// Every failure inside the cycle is swallowed into the warnings buffer; the
// previous parameters survive any error.
func (r *Refinery) Run(ctx context.Context, trades []ClosedTrade, now time.Time) *WalkForwardReport {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.state.MarkRefined(now)
	}()

	if len(trades) < refineMinTrades {
		msg := fmt.Sprintf("refinement skipped: %d closed trades, need %d", len(trades), refineMinTrades)
		r.state.Warn(msg)
		r.logger.Info().Int("trades", len(trades)).Msg("refinement skipped, not enough trades")
		return nil
	}

	current, version := r.state.Snapshot()
	metrics := ComputeMetrics(trades, r.startingEquity)
	buckets := BucketByRegime(trades, r.startingEquity)
	clusters := FindLossClusters(trades)

	candidate, err := r.advisor.Propose(ctx, current, metrics, buckets, clusters)
	if err != nil {
		r.state.Warn(fmt.Sprintf("advisor unavailable, using heuristic: %v", err))
		r.logger.Warn().Err(err).Msg("advisor proposal failed, falling back to heuristic")
		candidate = HeuristicCandidate(current, metrics)
	}

	next := current
	next.MinScore = boundDelta("minScore", current.MinScore, candidate.MinScore, maxDeltaPct)
	next.ATRMultiplier = boundDelta("atrMultiplier", current.ATRMultiplier, candidate.ATRMultiplier, maxDeltaPct)
	next.StopLossATR = boundDelta("stopLossATR", current.StopLossATR, candidate.StopLossATR, maxDeltaPct)

	report := EvaluateCandidate(trades, current, next, r.startingEquity)
	if !report.Accepted {
		r.state.Warn(fmt.Sprintf("refinement rejected at version %d: %s", version, report.Reason))
		r.logger.Info().Str("reason", report.Reason).Msg("candidate rejected by walk-forward")
		return &report
	}

	newVersion := r.state.Commit(next, fmt.Sprintf("refinement accepted: %s", report.Reason), now)
	r.logger.Info().
		Int("version", newVersion).
		Float64("min_score", next.MinScore).
		Float64("atr_multiplier", next.ATRMultiplier).
		Float64("stop_loss_atr", next.StopLossATR).
		Msg("strategy parameters refined")
	return &report
}

// HeuristicCandidate is the deterministic fallback when the advisor is
// unreachable: raise the entry bar on weak win-rate, tighten sizing on
// drawdown, tighten stops on weak average R.
func HeuristicCandidate(current Parameters, m PerformanceMetrics) Candidate {
	c := Candidate{
		MinScore:      current.MinScore,
		ATRMultiplier: current.ATRMultiplier,
		StopLossATR:   current.StopLossATR,
	}
	if m.WinRate < 0.45 {
		c.MinScore = current.MinScore * 1.05
	}
	if m.DrawdownPct > 0.05 {
		c.ATRMultiplier = current.ATRMultiplier * 0.9
	}
	if m.AvgR < 0.5 {
		c.StopLossATR = current.StopLossATR * 0.92
	}
	return c
}
