package engine

import (
	"sync"
	"time"

	"paper-trading-engine/internal/strategy"
)

const maxTrainingEntries = 500

// TrainingEntry is one evaluation's feature row, kept for offline analysis
// of the decision surface.
type TrainingEntry struct {
	Ts           time.Time       `json:"ts"`
	Symbol       string          `json:"symbol"`
	Action       strategy.Action `json:"action"`
	Confidence   float64         `json:"confidence"`
	Regime       strategy.Regime `json:"regime"`
	MarketStatus string          `json:"marketStatus"`
	Score        float64         `json:"score"`
}

// trainingLog is a bounded in-memory ring of training entries.
type trainingLog struct {
	mu      sync.Mutex
	entries []TrainingEntry
}

// add appends one entry, deriving marketStatus from the regime: CHOP maps
// to LOW_VOLATILITY, everything else is ACTIVE.
func (l *trainingLog) add(ts time.Time, symbol string, d strategy.Decision) {
	status := "ACTIVE"
	if d.Regime == strategy.RegimeChop {
		status = "LOW_VOLATILITY"
	}
	l.mu.Lock()
	l.entries = append(l.entries, TrainingEntry{
		Ts:           ts,
		Symbol:       symbol,
		Action:       d.Action,
		Confidence:   d.Confidence,
		Regime:       d.Regime,
		MarketStatus: status,
		Score:        d.Score,
	})
	if len(l.entries) > maxTrainingEntries {
		l.entries = l.entries[len(l.entries)-maxTrainingEntries:]
	}
	l.mu.Unlock()
}

// latest returns the newest entry, if any.
func (l *trainingLog) latest() (TrainingEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return TrainingEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// all returns a copy of the log, oldest first.
func (l *trainingLog) all() []TrainingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrainingEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
