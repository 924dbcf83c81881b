package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/events"
)

// Inputs is the per-tick observation the breaker evaluates.
type Inputs struct {
	DailyDrawdownPct       float64
	ConsecutiveLargeLosses int
	VolatilityPct          float64
	StreamUnstable         bool
}

// Thresholds configures when the breaker latches.
type Thresholds struct {
	MaxDailyDrawdownPct       float64
	MaxConsecutiveLargeLosses int
	MaxVolatilityPct          float64
	TripOnStreamUnstable      bool
}

// DefaultThresholds are the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDailyDrawdownPct:       0.05,
		MaxConsecutiveLargeLosses: 3,
		MaxVolatilityPct:          0.06,
		TripOnStreamUnstable:      true,
	}
}

// Breaker is a latching trading gate. Once tripped it blocks order flow
// until an explicit Reset, regardless of later observations.
type Breaker struct {
	logger     zerolog.Logger
	bus        *events.Bus
	thresholds Thresholds

	mu        sync.Mutex
	tripped   bool
	reasons   []string
	trippedAt time.Time
}

// New creates an armed breaker.
func New(thresholds Thresholds, bus *events.Bus, logger zerolog.Logger) *Breaker {
	return &Breaker{logger: logger, bus: bus, thresholds: thresholds}
}

// Observe folds one tick's inputs into the breaker. Returns true if the
// breaker is (now or already) tripped.
func (b *Breaker) Observe(in Inputs) bool {
	var reasons []string
	if in.DailyDrawdownPct >= b.thresholds.MaxDailyDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("daily drawdown %.2f%% >= %.2f%%",
			in.DailyDrawdownPct*100, b.thresholds.MaxDailyDrawdownPct*100))
	}
	if in.ConsecutiveLargeLosses >= b.thresholds.MaxConsecutiveLargeLosses {
		reasons = append(reasons, fmt.Sprintf("%d consecutive large losses", in.ConsecutiveLargeLosses))
	}
	if in.VolatilityPct >= b.thresholds.MaxVolatilityPct {
		reasons = append(reasons, fmt.Sprintf("volatility %.2f%% >= %.2f%%",
			in.VolatilityPct*100, b.thresholds.MaxVolatilityPct*100))
	}
	if b.thresholds.TripOnStreamUnstable && in.StreamUnstable {
		reasons = append(reasons, "market stream unstable")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return true
	}
	if len(reasons) == 0 {
		return false
	}

	b.tripped = true
	b.reasons = reasons
	b.trippedAt = time.Now()
	b.logger.Warn().Strs("reasons", reasons).Msg("circuit breaker tripped")
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:    events.EventBreakerTripped,
			Breaker: &events.BreakerEvent{Tripped: true, Reasons: reasons},
		})
	}
	return true
}

// Tripped reports the latched state.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Reasons returns a copy of the reasons that latched the breaker.
func (b *Breaker) Reasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.reasons))
	copy(out, b.reasons)
	return out
}

// Reset re-arms the breaker. Only an operator action calls this.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasTripped := b.tripped
	b.tripped = false
	b.reasons = nil
	b.mu.Unlock()

	if wasTripped {
		b.logger.Info().Msg("circuit breaker reset")
		if b.bus != nil {
			b.bus.Publish(events.Event{
				Type:    events.EventBreakerReset,
				Breaker: &events.BreakerEvent{Tripped: false},
			})
		}
	}
}
