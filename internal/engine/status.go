package engine

import (
	"sync"
	"time"
)

// Status is the process-wide engine status, exposed over the API.
type Status struct {
	Running             bool      `json:"running"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	Evaluations         int64     `json:"evaluations"`
	Signals             int64     `json:"signals"`
	TradesExecuted      int64     `json:"tradesExecuted"`
	OpenPositions       int       `json:"openPositions"`
	AutoPaper           bool      `json:"autoPaper"`
	ConfidenceThreshold float64   `json:"confidenceThreshold"`
}

// statusTracker guards the mutable engine status. Counter updates keep the
// invariant tradesExecuted <= signals <= evaluations.
type statusTracker struct {
	mu sync.Mutex
	s  Status
}

func newStatusTracker(autoPaper bool, confidenceThreshold float64) *statusTracker {
	return &statusTracker{s: Status{AutoPaper: autoPaper, ConfidenceThreshold: confidenceThreshold}}
}

func (t *statusTracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *statusTracker) setRunning(v bool) {
	t.mu.Lock()
	t.s.Running = v
	t.mu.Unlock()
}

func (t *statusTracker) heartbeat(ts time.Time) {
	t.mu.Lock()
	t.s.LastHeartbeat = ts
	t.mu.Unlock()
}

func (t *statusTracker) recordEvaluation(signal, traded bool) {
	t.mu.Lock()
	t.s.Evaluations++
	// a stop or target exit on a HOLD bar still counts as an acted-on signal
	if signal || traded {
		t.s.Signals++
	}
	if traded {
		t.s.TradesExecuted++
	}
	t.mu.Unlock()
}

func (t *statusTracker) setOpenPositions(n int) {
	t.mu.Lock()
	t.s.OpenPositions = n
	t.mu.Unlock()
}

func (t *statusTracker) settings() (bool, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.AutoPaper, t.s.ConfidenceThreshold
}

func (t *statusTracker) updateSettings(autoPaper *bool, confidenceThreshold *float64) {
	t.mu.Lock()
	if autoPaper != nil {
		t.s.AutoPaper = *autoPaper
	}
	if confidenceThreshold != nil {
		t.s.ConfidenceThreshold = *confidenceThreshold
	}
	t.mu.Unlock()
}
