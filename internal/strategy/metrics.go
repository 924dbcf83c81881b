package strategy

import (
	"math"
	"time"
)

// ClosedTrade is the minimal closed-trade view the refinement loop and
// walk-forward analysis consume.
type ClosedTrade struct {
	Symbol     string    `json:"symbol"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Qty        float64   `json:"qty"`
	PnL        float64   `json:"pnl"`
	RMultiple  float64   `json:"r_multiple"`
	Regime     Regime    `json:"regime,omitempty"`
	Score      float64   `json:"score,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// PerformanceMetrics summarizes a trade set.
type PerformanceMetrics struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	NetPnL       float64 `json:"net_pnl"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgR         float64 `json:"avg_r"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	Sharpe       float64 `json:"sharpe"`
}

// ComputeMetrics folds a chronological trade list into summary metrics.
// Drawdown is measured on the cumulative PnL curve relative to its running
// peak plus the given starting equity.
func ComputeMetrics(trades []ClosedTrade, startingEquity float64) PerformanceMetrics {
	m := PerformanceMetrics{Trades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var grossWin, grossLoss, sumR, sumPnL, sumSq float64
	equity := startingEquity
	peak := startingEquity
	for _, t := range trades {
		sumPnL += t.PnL
		sumR += t.RMultiple
		sumSq += t.PnL * t.PnL
		if t.PnL > 0 {
			m.Wins++
			grossWin += t.PnL
		} else {
			m.Losses++
			grossLoss += -t.PnL
		}
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > m.DrawdownPct {
				m.DrawdownPct = dd
			}
		}
	}

	n := float64(len(trades))
	m.NetPnL = sumPnL
	m.WinRate = float64(m.Wins) / n
	m.AvgR = sumR / n
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}

	mean := sumPnL / n
	variance := sumSq/n - mean*mean
	if variance > 0 {
		m.Sharpe = mean / math.Sqrt(variance)
	}
	return m
}

// ConditionBuckets groups metrics by the regime a trade was entered in.
type ConditionBuckets map[Regime]PerformanceMetrics

// BucketByRegime splits trades per regime and summarizes each bucket.
func BucketByRegime(trades []ClosedTrade, startingEquity float64) ConditionBuckets {
	byRegime := make(map[Regime][]ClosedTrade)
	for _, t := range trades {
		byRegime[t.Regime] = append(byRegime[t.Regime], t)
	}
	out := make(ConditionBuckets, len(byRegime))
	for regime, ts := range byRegime {
		out[regime] = ComputeMetrics(ts, startingEquity)
	}
	return out
}

// LossCluster is a run of consecutive losing trades.
type LossCluster struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Length int       `json:"length"`
	PnL    float64   `json:"pnl"`
}

// FindLossClusters returns runs of two or more consecutive losses.
func FindLossClusters(trades []ClosedTrade) []LossCluster {
	var clusters []LossCluster
	var cur *LossCluster
	for _, t := range trades {
		if t.PnL < 0 {
			if cur == nil {
				cur = &LossCluster{Start: t.ExitTime}
			}
			cur.End = t.ExitTime
			cur.Length++
			cur.PnL += t.PnL
			continue
		}
		if cur != nil && cur.Length >= 2 {
			clusters = append(clusters, *cur)
		}
		cur = nil
	}
	if cur != nil && cur.Length >= 2 {
		clusters = append(clusters, *cur)
	}
	return clusters
}
