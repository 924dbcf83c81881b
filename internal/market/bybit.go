package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// BybitAdapter drives the Bybit v5 spot REST API. Only public market data
// endpoints are implemented; order placement is not supported and callers
// route executions elsewhere.
type BybitAdapter struct {
	http *resty.Client
	fees FeeSchedule
	lat  latencyTracker
}

// NewBybitAdapter creates a Bybit spot market-data driver.
func NewBybitAdapter(baseURL string) *BybitAdapter {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(RequestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &BybitAdapter{
		http: httpClient,
		fees: FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
}

func (a *BybitAdapter) Name() Venue { return VenueBybit }

func (a *BybitAdapter) Latency() time.Duration { return a.lat.value() }

func (a *BybitAdapter) Fees(ctx context.Context) (FeeSchedule, error) {
	return a.fees, nil
}

// BestBidAsk fetches the spot ticker for symbol.
func (a *BybitAdapter) BestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Bid1Price string `json:"bid1Price"`
				Bid1Size  string `json:"bid1Size"`
				Ask1Price string `json:"ask1Price"`
				Ask1Size  string `json:"ask1Size"`
			} `json:"list"`
		} `json:"result"`
	}

	start := time.Now()
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("category", "spot").
		SetQueryParam("symbol", VenueSymbol(VenueBybit, symbol)).
		SetResult(&result).
		Get("/v5/market/tickers")
	a.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("bybit tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("bybit tickers: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit tickers: retCode %d: %s", result.RetCode, result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("bybit tickers: empty list for %s", symbol)
	}

	t := result.Result.List[0]
	bid, _ := strconv.ParseFloat(t.Bid1Price, 64)
	bidQty, _ := strconv.ParseFloat(t.Bid1Size, 64)
	ask, _ := strconv.ParseFloat(t.Ask1Price, 64)
	askQty, _ := strconv.ParseFloat(t.Ask1Size, 64)

	return &BookTicker{
		Venue:   VenueBybit,
		Symbol:  Normalize(symbol),
		Bid:     bid,
		BidQty:  bidQty,
		Ask:     ask,
		AskQty:  askQty,
		FetchAt: time.Now(),
	}, nil
}

// OrderBook fetches a depth snapshot.
func (a *BybitAdapter) OrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
		} `json:"result"`
	}

	start := time.Now()
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("category", "spot").
		SetQueryParam("symbol", VenueSymbol(VenueBybit, symbol)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/v5/market/orderbook")
	a.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("bybit orderbook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("bybit orderbook: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook: retCode %d: %s", result.RetCode, result.RetMsg)
	}

	book := &OrderBook{Venue: VenueBybit, Symbol: Normalize(symbol)}
	for _, lvl := range result.Result.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range result.Result.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	return book, nil
}

// PlaceOrder always fails; Bybit is a quote source only.
func (a *BybitAdapter) PlaceOrder(ctx context.Context, order OrderRequest) (*OrderResult, error) {
	return nil, fmt.Errorf("bybit adapter is read-only, cannot place %s %s", order.Side, order.Symbol)
}
