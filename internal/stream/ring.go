package stream

import (
	"sort"

	"paper-trading-engine/internal/market"
)

// ring is a bounded candle buffer keyed by open time. Upserting an existing
// timestamp replaces the bar in place, which is how REST backfill reconciles
// closes missed during a reconnect.
type ring struct {
	max   int
	bars  []market.Candle
	index map[int64]int
}

func newRing(max int) *ring {
	return &ring{max: max, index: make(map[int64]int)}
}

// upsert inserts or replaces the bar with the same open time. Returns true
// if the bar was new.
func (r *ring) upsert(c market.Candle) bool {
	if i, ok := r.index[c.OpenTime]; ok {
		r.bars[i] = c
		return false
	}
	r.bars = append(r.bars, c)
	if len(r.bars) > 1 && r.bars[len(r.bars)-2].OpenTime > c.OpenTime {
		sort.Slice(r.bars, func(i, j int) bool { return r.bars[i].OpenTime < r.bars[j].OpenTime })
	}
	if len(r.bars) > r.max {
		r.bars = r.bars[len(r.bars)-r.max:]
	}
	r.reindex()
	return true
}

func (r *ring) reindex() {
	for k := range r.index {
		delete(r.index, k)
	}
	for i, b := range r.bars {
		r.index[b.OpenTime] = i
	}
}

// snapshot returns a copy of the buffered bars, oldest first.
func (r *ring) snapshot() []market.Candle {
	out := make([]market.Candle, len(r.bars))
	copy(out, r.bars)
	return out
}

// latest returns the newest bar, if any.
func (r *ring) latest() (market.Candle, bool) {
	if len(r.bars) == 0 {
		return market.Candle{}, false
	}
	return r.bars[len(r.bars)-1], true
}

func (r *ring) len() int { return len(r.bars) }
