package events

import (
	"sync"
	"time"
)

// EventType enumerates the event kinds the engine publishes.
type EventType string

const (
	EventMarketUpdate    EventType = "MARKET_UPDATE"
	EventIndicatorUpdate EventType = "INDICATOR_UPDATE"
	EventDecisionMade    EventType = "DECISION_MADE"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerReset    EventType = "BREAKER_RESET"
	EventStrategyUpdated EventType = "STRATEGY_UPDATED"
	EventArbOpportunity  EventType = "ARB_OPPORTUNITY"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventError           EventType = "ERROR"
)

// MarketUpdate is published once per closed bar.
type MarketUpdate struct {
	Symbol        string  `json:"symbol"`
	LagMs         int64   `json:"lag_ms"`
	CandleCloseTs int64   `json:"candle_close_ts"`
	Close         float64 `json:"close"`
}

// IndicatorUpdate is published when every indicator window is filled.
type IndicatorUpdate struct {
	Symbol string  `json:"symbol"`
	Close  float64 `json:"close"`
	ATRPct float64 `json:"atr_pct"`
	RSI    float64 `json:"rsi"`
}

// DecisionMade carries the outcome of one evaluation.
type DecisionMade struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Regime     string   `json:"regime"`
	Reasons    []string `json:"reasons"`
}

// TradeEvent covers both opens and closes.
type TradeEvent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	PnL        float64 `json:"pnl,omitempty"`
	ExitReason string  `json:"exit_reason,omitempty"`
}

// BreakerEvent carries circuit breaker transitions.
type BreakerEvent struct {
	Tripped bool     `json:"tripped"`
	Reasons []string `json:"reasons,omitempty"`
}

// StrategyUpdated announces a committed strategy version.
type StrategyUpdated struct {
	Version int    `json:"version"`
	Notes   string `json:"notes,omitempty"`
}

// ArbOpportunity is published when a positive net cross-venue spread is found.
type ArbOpportunity struct {
	Symbol    string  `json:"symbol"`
	BuyVenue  string  `json:"buy_venue"`
	SellVenue string  `json:"sell_venue"`
	NetPct    float64 `json:"net_pct"`
}

// ErrorEvent wraps recovered component errors.
type ErrorEvent struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Err     string `json:"error,omitempty"`
}

// Event is a typed envelope. Exactly one payload field is set, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Market    *MarketUpdate    `json:"market,omitempty"`
	Indicator *IndicatorUpdate `json:"indicator,omitempty"`
	Decision  *DecisionMade    `json:"decision,omitempty"`
	Trade     *TradeEvent      `json:"trade,omitempty"`
	Breaker   *BreakerEvent    `json:"breaker,omitempty"`
	Strategy  *StrategyUpdated `json:"strategy,omitempty"`
	Arb       *ArbOpportunity  `json:"arb,omitempty"`
	Error     *ErrorEvent      `json:"error,omitempty"`
}

// Subscriber handles published events. Handlers run synchronously on the
// publisher's goroutine, so they must not block.
type Subscriber func(Event)

// Bus is a small typed publish/subscribe hub. Listeners are registered at
// boot and never removed.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}

// PublishMarketUpdate publishes one closed-bar notification.
func (b *Bus) PublishMarketUpdate(symbol string, lagMs, closeTs int64, close float64) {
	b.Publish(Event{
		Type:   EventMarketUpdate,
		Market: &MarketUpdate{Symbol: symbol, LagMs: lagMs, CandleCloseTs: closeTs, Close: close},
	})
}

// PublishError publishes a recovered component error.
func (b *Bus) PublishError(source, message string, err error) {
	ev := &ErrorEvent{Source: source, Message: message}
	if err != nil {
		ev.Err = err.Error()
	}
	b.Publish(Event{Type: EventError, Error: ev})
}
