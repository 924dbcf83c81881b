package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// BinanceAdapter drives the Binance spot REST API.
type BinanceAdapter struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	fees       FeeSchedule
	lat        latencyTracker
}

// NewBinanceAdapter creates a Binance spot driver. Keys may be empty in
// paper mode; only PlaceOrder requires them.
func NewBinanceAdapter(apiKey, secretKey, baseURL string) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceAdapter{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		fees:       FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
}

func (a *BinanceAdapter) Name() Venue { return VenueBinance }

// Latency returns the moving average round-trip time of recent requests.
func (a *BinanceAdapter) Latency() time.Duration { return a.lat.value() }

// Fees returns the static spot fee schedule.
func (a *BinanceAdapter) Fees(ctx context.Context) (FeeSchedule, error) {
	return a.fees, nil
}

func (a *BinanceAdapter) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()
	a.lat.observe(time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance API error: %s", string(body))
	}
	return body, nil
}

// Klines fetches up to limit closed candles for symbol/interval.
func (a *BinanceAdapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", VenueSymbol(VenueBinance, symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := a.get(ctx, fmt.Sprintf("%s/api/v3/klines?%s", a.baseURL, params.Encode()))
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]Candle, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 7 {
			continue
		}
		candles = append(candles, Candle{
			Symbol:    Normalize(symbol),
			Interval:  interval,
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
			Closed:    true,
		})
	}
	return candles, nil
}

// BestBidAsk fetches the top of book.
func (a *BinanceAdapter) BestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/bookTicker?symbol=%s", a.baseURL, VenueSymbol(VenueBinance, symbol))
	body, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bidPrice,string"`
		BidQty float64 `json:"bidQty,string"`
		Ask    float64 `json:"askPrice,string"`
		AskQty float64 `json:"askQty,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing book ticker: %w", err)
	}

	return &BookTicker{
		Venue:   VenueBinance,
		Symbol:  Normalize(symbol),
		Bid:     resp.Bid,
		BidQty:  resp.BidQty,
		Ask:     resp.Ask,
		AskQty:  resp.AskQty,
		FetchAt: time.Now(),
	}, nil
}

// OrderBook fetches a depth snapshot.
func (a *BinanceAdapter) OrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	endpoint := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", a.baseURL, VenueSymbol(VenueBinance, symbol), limit)
	body, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing depth: %w", err)
	}

	book := &OrderBook{Venue: VenueBinance, Symbol: Normalize(symbol)}
	for _, lvl := range resp.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range resp.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	return book, nil
}

// PlaceOrder submits a signed spot order.
func (a *BinanceAdapter) PlaceOrder(ctx context.Context, order OrderRequest) (*OrderResult, error) {
	if a.apiKey == "" || a.secretKey == "" {
		return nil, fmt.Errorf("binance order rejected: no API credentials configured")
	}

	params := map[string]string{
		"symbol":    VenueSymbol(VenueBinance, order.Symbol),
		"side":      order.Side,
		"type":      order.Type,
		"quantity":  strconv.FormatFloat(order.Qty, 'f', 8, 64),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if order.Type == "LIMIT" {
		params["price"] = strconv.FormatFloat(order.Price, 'f', 6, 64)
		params["timeInForce"] = "GTC"
	}
	if order.ClientID != "" {
		params["newClientOrderId"] = order.ClientID
	}
	params["signature"] = a.sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/v3/order", a.baseURL), nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("X-MBX-APIKEY", a.apiKey)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	defer resp.Body.Close()
	a.lat.observe(time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance API error: %s", string(body))
	}

	var orderResp struct {
		OrderID             int64   `json:"orderId"`
		Status              string  `json:"status"`
		ExecutedQty         float64 `json:"executedQty,string"`
		CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	}
	if err := json.Unmarshal(body, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	avgPrice := 0.0
	if orderResp.ExecutedQty > 0 {
		avgPrice = orderResp.CummulativeQuoteQty / orderResp.ExecutedQty
	}
	return &OrderResult{
		Venue:    VenueBinance,
		OrderID:  strconv.FormatInt(orderResp.OrderID, 10),
		Symbol:   Normalize(order.Symbol),
		Side:     order.Side,
		AvgPrice: avgPrice,
		Qty:      orderResp.ExecutedQty,
		Status:   orderResp.Status,
	}, nil
}

// sign creates a signature for authenticated requests.
func (a *BinanceAdapter) sign(params map[string]string) string {
	query := ""
	for k, v := range params {
		if k != "signature" {
			if query != "" {
				query += "&"
			}
			query += k + "=" + v
		}
	}
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
