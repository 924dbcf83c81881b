package strategy

import (
	"sync"
	"time"
)

const (
	maxHistory  = 40
	maxWarnings = 20
)

// HistoryEntry records one committed parameter version.
type HistoryEntry struct {
	Version   int        `json:"version"`
	Params    Parameters `json:"params"`
	Notes     string     `json:"notes,omitempty"`
	Committed time.Time  `json:"committed"`
}

// State owns the current strategy parameters and their version history.
// Parameters are copy-on-write: readers take a snapshot, commits swap the
// whole set under the lock.
type State struct {
	mu                 sync.RWMutex
	version            int
	current            Parameters
	lastRefinementTime time.Time
	history            []HistoryEntry
	warnings           []string
}

// NewState creates version-1 state from the given parameters.
func NewState(initial Parameters) *State {
	s := &State{}
	s.commitLocked(initial.Sanitize(), "initial parameters", time.Now())
	return s
}

// Snapshot returns the current parameters and their version.
func (s *State) Snapshot() (Parameters, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Version returns the current version number.
func (s *State) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastRefinementTime returns when the last refinement cycle completed.
func (s *State) LastRefinementTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefinementTime
}

// MarkRefined records that a refinement cycle ran at ts, whether or not it
// produced a new version.
func (s *State) MarkRefined(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefinementTime = ts
}

// Commit sanitizes the candidate and installs it as a new monotonic
// version, appending a history entry and pruning to the bounded window.
func (s *State) Commit(candidate Parameters, notes string, ts time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(candidate.Sanitize(), notes, ts)
}

func (s *State) commitLocked(p Parameters, notes string, ts time.Time) int {
	s.version++
	s.current = p
	s.history = append(s.history, HistoryEntry{
		Version:   s.version,
		Params:    p,
		Notes:     notes,
		Committed: ts,
	})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	return s.version
}

// Persisted is the serializable form of the state, carried across restarts
// through the history store so journaled model versions stay monotonic.
type Persisted struct {
	Version            int            `json:"version"`
	Params             Parameters     `json:"params"`
	History            []HistoryEntry `json:"history,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	LastRefinementTime time.Time      `json:"last_refinement_time"`
}

// Export snapshots everything Restore needs.
func (s *State) Export() Persisted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]HistoryEntry, len(s.history))
	copy(history, s.history)
	warnings := make([]string, len(s.warnings))
	copy(warnings, s.warnings)
	return Persisted{
		Version:            s.version,
		Params:             s.current,
		History:            history,
		Warnings:           warnings,
		LastRefinementTime: s.lastRefinementTime,
	}
}

// Restore replaces the in-memory state with a persisted one. Versions never
// go backwards: a snapshot older than the current version is ignored.
func (s *State) Restore(p Persisted) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version < s.version {
		return false
	}
	s.version = p.Version
	s.current = p.Params.Sanitize()
	s.history = append(s.history[:0], p.History...)
	s.warnings = append(s.warnings[:0], p.Warnings...)
	s.lastRefinementTime = p.LastRefinementTime
	return true
}

// Warn appends a warning, pruning the buffer to its bound.
func (s *State) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
	if len(s.warnings) > maxWarnings {
		s.warnings = s.warnings[len(s.warnings)-maxWarnings:]
	}
}

// Warnings returns a copy of the warning buffer, oldest first.
func (s *State) Warnings() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// History returns a copy of the committed version history, oldest first.
func (s *State) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}
