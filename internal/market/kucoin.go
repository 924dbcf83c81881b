package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// KucoinAdapter drives the KuCoin spot REST API.
type KucoinAdapter struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	passphrase string
	fees       FeeSchedule
	lat        latencyTracker
}

// NewKucoinAdapter creates a KuCoin spot driver.
func NewKucoinAdapter(apiKey, apiSecret, passphrase, baseURL string) *KucoinAdapter {
	if baseURL == "" {
		baseURL = "https://api.kucoin.com"
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

	return &KucoinAdapter{
		http:       httpClient,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		fees:       FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
}

func (a *KucoinAdapter) Name() Venue { return VenueKucoin }

func (a *KucoinAdapter) Latency() time.Duration { return a.lat.value() }

func (a *KucoinAdapter) Fees(ctx context.Context) (FeeSchedule, error) {
	return a.fees, nil
}

// BestBidAsk fetches level-1 market data.
func (a *KucoinAdapter) BestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	var result struct {
		Data struct {
			BestBid     string `json:"bestBid"`
			BestBidSize string `json:"bestBidSize"`
			BestAsk     string `json:"bestAsk"`
			BestAskSize string `json:"bestAskSize"`
		} `json:"data"`
	}

	start := time.Now()
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", VenueSymbol(VenueKucoin, symbol)).
		SetResult(&result).
		Get("/api/v1/market/orderbook/level1")
	a.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("kucoin level1: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kucoin level1: status %d: %s", resp.StatusCode(), resp.String())
	}

	bid, _ := strconv.ParseFloat(result.Data.BestBid, 64)
	bidQty, _ := strconv.ParseFloat(result.Data.BestBidSize, 64)
	ask, _ := strconv.ParseFloat(result.Data.BestAsk, 64)
	askQty, _ := strconv.ParseFloat(result.Data.BestAskSize, 64)

	return &BookTicker{
		Venue:   VenueKucoin,
		Symbol:  Normalize(symbol),
		Bid:     bid,
		BidQty:  bidQty,
		Ask:     ask,
		AskQty:  askQty,
		FetchAt: time.Now(),
	}, nil
}

// OrderBook fetches the top 20 or 100 depth snapshot.
func (a *KucoinAdapter) OrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	depth := "20"
	if limit > 20 {
		depth = "100"
	}

	var result struct {
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}

	start := time.Now()
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", VenueSymbol(VenueKucoin, symbol)).
		SetResult(&result).
		Get("/api/v1/market/orderbook/level2_" + depth)
	a.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("kucoin level2: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kucoin level2: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &OrderBook{Venue: VenueKucoin, Symbol: Normalize(symbol)}
	for i, lvl := range result.Data.Bids {
		if i >= limit {
			break
		}
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	for i, lvl := range result.Data.Asks {
		if i >= limit {
			break
		}
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, OrderBookLevel{Price: parseFloat(lvl[0]), Qty: parseFloat(lvl[1])})
		}
	}
	return book, nil
}

// PlaceOrder submits a signed spot order.
func (a *KucoinAdapter) PlaceOrder(ctx context.Context, order OrderRequest) (*OrderResult, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		return nil, fmt.Errorf("kucoin order rejected: no API credentials configured")
	}

	clientOID := order.ClientID
	if clientOID == "" {
		clientOID = uuid.NewString()
	}
	payload := map[string]string{
		"clientOid": clientOID,
		"symbol":    VenueSymbol(VenueKucoin, order.Symbol),
		"side":      stringsLower(order.Side),
		"type":      stringsLower(order.Type),
		"size":      strconv.FormatFloat(order.Qty, 'f', 8, 64),
	}
	if order.Type == "LIMIT" {
		payload["price"] = strconv.FormatFloat(order.Price, 'f', 6, 64)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	bodyJSON := fmt.Sprintf(`{"clientOid":%q,"symbol":%q,"side":%q,"type":%q,"size":%q`,
		payload["clientOid"], payload["symbol"], payload["side"], payload["type"], payload["size"])
	if p, ok := payload["price"]; ok {
		bodyJSON += fmt.Sprintf(`,"price":%q`, p)
	}
	bodyJSON += "}"

	var result struct {
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}

	start := time.Now()
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("KC-API-KEY", a.apiKey).
		SetHeader("KC-API-TIMESTAMP", ts).
		SetHeader("KC-API-SIGN", a.sign(ts+"POST/api/v1/orders"+bodyJSON)).
		SetHeader("KC-API-PASSPHRASE", a.sign(a.passphrase)).
		SetHeader("KC-API-KEY-VERSION", "2").
		SetBody(bodyJSON).
		SetResult(&result).
		Post("/api/v1/orders")
	a.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("kucoin place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kucoin place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &OrderResult{
		Venue:   VenueKucoin,
		OrderID: result.Data.OrderID,
		Symbol:  Normalize(order.Symbol),
		Side:    order.Side,
		Qty:     order.Qty,
		Status:  "NEW",
	}, nil
}

func (a *KucoinAdapter) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func stringsLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
