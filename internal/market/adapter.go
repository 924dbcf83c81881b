package market

import (
	"context"
	"sync"
	"time"
)

// Adapter is the capability set every venue driver exposes. All calls take
// a context and honor its deadline; drivers additionally cap requests at
// the package-level RequestTimeout.
type Adapter interface {
	Name() Venue
	BestBidAsk(ctx context.Context, symbol string) (*BookTicker, error)
	OrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	Fees(ctx context.Context) (FeeSchedule, error)
	Latency() time.Duration
}

// RequestTimeout bounds every outbound venue call.
const RequestTimeout = 12 * time.Second

// latencyTracker keeps an exponentially weighted moving average of request
// round-trip times, shared by the venue drivers.
type latencyTracker struct {
	mu  sync.Mutex
	ewa time.Duration
}

func (lt *latencyTracker) observe(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.ewa == 0 {
		lt.ewa = d
		return
	}
	// alpha = 0.2
	lt.ewa = time.Duration(float64(lt.ewa)*0.8 + float64(d)*0.2)
}

func (lt *latencyTracker) value() time.Duration {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.ewa
}
