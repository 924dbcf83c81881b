package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"paper-trading-engine/internal/execution"
)

// OrderStatus is the lifecycle state of a recorded order.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderSkipped  OrderStatus = "SKIPPED"
	OrderRejected OrderStatus = "REJECTED"
	OrderFilled   OrderStatus = "FILLED"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "OPEN"
	TradeClosed   TradeStatus = "CLOSED"
	TradeCanceled TradeStatus = "CANCELED"
)

// DecisionRecord is one evaluation outcome, appended per tick.
type DecisionRecord struct {
	ID           string    `json:"id"`
	Ts           time.Time `json:"ts"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Decision     string    `json:"decision"`
	Confidence   float64   `json:"confidence"`
	Reasons      []string  `json:"reasons"`
	FeaturesHash string    `json:"features_hash,omitempty"`
	ModelVersion int       `json:"model_version"`
}

// OrderRecord is the journal entry for a submitted (or skipped) order.
type OrderRecord struct {
	OrderID        string      `json:"order_id"`
	DecisionID     string      `json:"decision_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Ts             time.Time   `json:"ts"`
	Symbol         string      `json:"symbol"`
	Side           string      `json:"side"`
	Qty            float64     `json:"qty"`
	RequestedPrice float64     `json:"requested_price"`
	Status         OrderStatus `json:"status"`
}

// FillRecord is the journal entry for an executed fill.
type FillRecord struct {
	FillID     string               `json:"fill_id"`
	OrderID    string               `json:"order_id"`
	Ts         time.Time            `json:"ts"`
	Symbol     string               `json:"symbol"`
	Side       string               `json:"side"`
	AvgPrice   float64              `json:"avg_price"`
	Qty        float64              `json:"qty"`
	Fees       float64              `json:"fees"`
	Status     string               `json:"status"`
	PnL        *float64             `json:"pnl,omitempty"`
	ExitReason string               `json:"exit_reason,omitempty"`
	Simulation execution.Simulation `json:"simulation"`
	ArbID      string               `json:"arbitrage_id,omitempty"`
}

// SnapshotRecord is a periodic portfolio snapshot.
type SnapshotRecord struct {
	Ts                  time.Time `json:"ts"`
	Symbol              string    `json:"symbol"`
	Balance             float64   `json:"balance"`
	PositionSize        float64   `json:"position_size"`
	AvgEntryPrice       float64   `json:"avg_entry_price"`
	TotalPortfolioValue float64   `json:"total_portfolio_value"`
}

// TradeRecord is the queryable trade view: one row per trade, updated once
// on close.
type TradeRecord struct {
	ID         string      `json:"id"`
	TsOpen     time.Time   `json:"ts_open"`
	TsClose    *time.Time  `json:"ts_close,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"`
	Qty        float64     `json:"qty"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  *float64    `json:"exit_price,omitempty"`
	Fee        float64     `json:"fee"`
	SLPrice    *float64    `json:"sl_price,omitempty"`
	TPPrice    *float64    `json:"tp_price,omitempty"`
	Slippage   float64     `json:"slippage"`
	PnLAbs     *float64    `json:"pnl_abs,omitempty"`
	PnLPct     *float64    `json:"pnl_pct,omitempty"`
	ExitReason string      `json:"exit_reason,omitempty"`
	Status     TradeStatus `json:"status"`
	DecisionID string      `json:"decision_id"`
	RMultiple  float64     `json:"r_multiple,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Regime     string      `json:"regime,omitempty"`
	ArbID      string      `json:"arbitrage_id,omitempty"`
}

// RecordSet is one evaluation's durable output, written atomically where
// the backend supports transactions.
type RecordSet struct {
	Decision *DecisionRecord
	Order    *OrderRecord
	Fill     *FillRecord
	Snapshot *SnapshotRecord
	Trade    *TradeRecord
}

// EngineState is the durable singleton for mutable engine state that is not
// derivable from the journals, currently the versioned strategy snapshot.
type EngineState struct {
	Strategy  json.RawMessage `json:"strategy"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TradeClose carries the fields set when a trade closes.
type TradeClose struct {
	TradeID   string
	TsClose   time.Time
	ExitPrice float64
	PnLAbs    float64
	PnLPct    float64
	Reason    string
	RMultiple float64
	Fee       float64
}

// Store is the persistence contract. Journals are append-only; TradeRecord
// rows additionally transition OPEN to CLOSED via CloseTrade.
type Store interface {
	AppendSet(ctx context.Context, set RecordSet) error
	AppendSnapshot(ctx context.Context, snap SnapshotRecord) error
	CloseTrade(ctx context.Context, close TradeClose) error

	// HasOrderKey reports whether a non-SKIPPED order with the key exists.
	HasOrderKey(ctx context.Context, key string) (bool, error)

	SaveEngineState(ctx context.Context, state EngineState) error
	// LoadEngineState returns nil when nothing has been saved yet.
	LoadEngineState(ctx context.Context) (*EngineState, error)

	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
	OpenTrades(ctx context.Context) ([]TradeRecord, error)

	Close() error
}

// IdempotencyKey builds the stable order key.
func IdempotencyKey(symbol, timeframe string, decisionTs time.Time, side string) string {
	return fmt.Sprintf("%s|%s|%d|%s", symbol, timeframe, decisionTs.UnixMilli(), side)
}

// RoundPrice rounds to the store boundary precision for prices (6dp).
func RoundPrice(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// RoundSize rounds to the store boundary precision for sizes (8dp).
func RoundSize(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
