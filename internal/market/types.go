package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Venue identifies a supported exchange.
type Venue string

const (
	VenueBinance Venue = "BINANCE"
	VenueKucoin  Venue = "KUCOIN"
	VenueBybit   Venue = "BYBIT"
)

// Candle is a closed OHLCV bar. OpenTime/CloseTime are unix milliseconds.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// Validate rejects bars with non-finite prices or an inconsistent range.
func (c Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s@%d has non-finite field", c.Symbol, c.OpenTime)
		}
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s@%d violates low<=open,close<=high", c.Symbol, c.OpenTime)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%d has negative volume", c.Symbol, c.OpenTime)
	}
	return nil
}

// BookTicker is the best bid/ask on one venue.
type BookTicker struct {
	Venue   Venue     `json:"venue"`
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	BidQty  float64   `json:"bid_qty"`
	Ask     float64   `json:"ask"`
	AskQty  float64   `json:"ask_qty"`
	FetchAt time.Time `json:"fetch_at"`
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is a depth snapshot, bids descending and asks ascending.
type OrderBook struct {
	Venue  Venue            `json:"venue"`
	Symbol string           `json:"symbol"`
	Bids   []OrderBookLevel `json:"bids"`
	Asks   []OrderBookLevel `json:"asks"`
}

// FeeSchedule carries venue trading fees as fractions (0.001 = 10 bps).
type FeeSchedule struct {
	MakerRate float64 `json:"maker_rate"`
	TakerRate float64 `json:"taker_rate"`
}

// OrderRequest is a venue-bound order.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // BUY or SELL
	Type     string  `json:"type"` // MARKET or LIMIT
	Qty      float64 `json:"qty"`
	Price    float64 `json:"price,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
}

// OrderResult is the venue acknowledgement of an order.
type OrderResult struct {
	Venue    Venue   `json:"venue"`
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	AvgPrice float64 `json:"avg_price"`
	Qty      float64 `json:"qty"`
	Status   string  `json:"status"`
}

// Normalize maps any USDT/USDC spelling of a pair onto the engine's
// canonical dash-separated USDC form: BTCUSDT, BTC-USDT and BTCUSDC all
// become BTC-USDC. Symbols quoted in anything else pass through with a
// dash inserted only if already present.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "-", ""))
	for _, quote := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-USDC"
		}
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// VenueSymbol converts a canonical symbol into a venue's native spelling.
func VenueSymbol(venue Venue, symbol string) string {
	switch venue {
	case VenueKucoin:
		return symbol // KuCoin uses the dashed form natively
	default:
		return strings.ReplaceAll(symbol, "-", "")
	}
}
