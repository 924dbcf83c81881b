package arb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/market"
)

// Config tunes the cross-venue scanner.
type Config struct {
	Symbols           []string
	Interval          time.Duration
	Notional          float64 // USD per leg
	MinNetPct         float64 // minimum net edge to act on
	SlippageBufferPct float64
	LatencyBufferPct  float64
	Paper             bool // record simulated fills instead of placing orders
}

// DefaultConfig returns conservative scanner settings.
func DefaultConfig(symbols []string) Config {
	return Config{
		Symbols:           symbols,
		Interval:          15 * time.Second,
		Notional:          50,
		MinNetPct:         0.0010,
		SlippageBufferPct: 0.0005,
		LatencyBufferPct:  0.0002,
		Paper:             true,
	}
}

// Opportunity is one positive net cross-venue spread.
type Opportunity struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	BuyVenue  market.Venue `json:"buy_venue"`
	SellVenue market.Venue `json:"sell_venue"`
	BuyAsk    float64      `json:"buy_ask"`
	SellBid   float64      `json:"sell_bid"`
	GrossPct  float64      `json:"gross_pct"`
	NetPct    float64      `json:"net_pct"`
	Qty       float64      `json:"qty"`
	Ts        time.Time    `json:"ts"`
}

// LegResult is the outcome of one leg of a dual-leg execution.
type LegResult struct {
	Venue    market.Venue `json:"venue"`
	Side     string       `json:"side"`
	AvgPrice float64      `json:"avg_price"`
	Qty      float64      `json:"qty"`
	Hedged   bool         `json:"hedged"`
	Err      string       `json:"error,omitempty"`
}

// Scanner polls every venue's top of book, nets out fees and buffers and
// executes both legs of any spread that clears the threshold.
type Scanner struct {
	cfg      Config
	adapters []market.Adapter
	store    history.Store
	bus      *events.Bus
	logger   zerolog.Logger
}

// New creates a scanner over the given venue adapters.
func New(cfg Config, adapters []market.Adapter, store history.Store, bus *events.Bus, logger zerolog.Logger) *Scanner {
	return &Scanner{cfg: cfg, adapters: adapters, store: store, bus: bus, logger: logger}
}

// Run polls until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range s.cfg.Symbols {
				opp, err := s.Scan(ctx, market.Normalize(symbol))
				if err != nil {
					s.logger.Debug().Err(err).Str("symbol", symbol).Msg("arb scan failed")
					continue
				}
				if opp == nil {
					continue
				}
				if _, err := s.Execute(ctx, *opp); err != nil {
					s.logger.Warn().Err(err).Str("arb_id", opp.ID).Msg("arb execution failed")
				}
			}
		}
	}
}

type quote struct {
	adapter market.Adapter
	ticker  *market.BookTicker
	fees    market.FeeSchedule
}

// Scan queries every venue concurrently and returns the best executable
// opportunity for symbol, or nil when no spread clears the net threshold.
func (s *Scanner) Scan(ctx context.Context, symbol string) (*Opportunity, error) {
	if len(s.adapters) < 2 {
		return nil, fmt.Errorf("arb scan %s: need at least two venues, have %d", symbol, len(s.adapters))
	}

	quotes := make([]quote, len(s.adapters))
	errs := make([]error, len(s.adapters))
	var wg sync.WaitGroup
	for i, a := range s.adapters {
		wg.Add(1)
		go func(i int, a market.Adapter) {
			defer wg.Done()
			t, err := a.BestBidAsk(ctx, symbol)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
				return
			}
			fees, err := a.Fees(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s fees: %w", a.Name(), err)
				return
			}
			quotes[i] = quote{adapter: a, ticker: t, fees: fees}
		}(i, a)
	}
	wg.Wait()

	var live []quote
	for i, q := range quotes {
		if errs[i] != nil {
			s.logger.Debug().Err(errs[i]).Str("symbol", symbol).Msg("venue quote unavailable")
			continue
		}
		if q.ticker.Ask <= 0 || q.ticker.Bid <= 0 {
			continue
		}
		live = append(live, q)
	}
	if len(live) < 2 {
		return nil, fmt.Errorf("arb scan %s: fewer than two live quotes", symbol)
	}

	var buy, sell quote
	for _, q := range live {
		if buy.ticker == nil || q.ticker.Ask < buy.ticker.Ask {
			buy = q
		}
		if sell.ticker == nil || q.ticker.Bid > sell.ticker.Bid {
			sell = q
		}
	}
	if buy.adapter.Name() == sell.adapter.Name() {
		return nil, nil
	}

	gross := (sell.ticker.Bid - buy.ticker.Ask) / buy.ticker.Ask
	net := gross - buy.fees.TakerRate - sell.fees.TakerRate - s.cfg.SlippageBufferPct - s.cfg.LatencyBufferPct
	if net < s.cfg.MinNetPct {
		return nil, nil
	}

	qty := s.cfg.Notional / buy.ticker.Ask
	if maxQty := min2(buy.ticker.AskQty, sell.ticker.BidQty); maxQty > 0 && qty > maxQty {
		qty = maxQty
	}

	opp := &Opportunity{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		BuyVenue:  buy.adapter.Name(),
		SellVenue: sell.adapter.Name(),
		BuyAsk:    buy.ticker.Ask,
		SellBid:   sell.ticker.Bid,
		GrossPct:  gross,
		NetPct:    net,
		Qty:       qty,
		Ts:        time.Now(),
	}
	s.bus.Publish(events.Event{
		Type: events.EventArbOpportunity,
		Arb: &events.ArbOpportunity{Symbol: symbol, BuyVenue: string(opp.BuyVenue),
			SellVenue: string(opp.SellVenue), NetPct: net},
	})
	s.logger.Info().Str("symbol", symbol).
		Str("buy", string(opp.BuyVenue)).Str("sell", string(opp.SellVenue)).
		Float64("net_pct", net).Float64("qty", qty).
		Msg("arbitrage opportunity")
	return opp, nil
}

// Execute runs both legs concurrently. If exactly one leg fills, the filled
// venue is immediately flattened with an opposite order so no directional
// exposure survives a partial failure.
func (s *Scanner) Execute(ctx context.Context, opp Opportunity) ([]LegResult, error) {
	buyAdapter := s.adapterFor(opp.BuyVenue)
	sellAdapter := s.adapterFor(opp.SellVenue)
	if buyAdapter == nil || sellAdapter == nil {
		return nil, fmt.Errorf("arb %s: venue adapter missing", opp.ID)
	}

	var wg sync.WaitGroup
	legs := make([]LegResult, 2)
	legErr := make([]error, 2)

	run := func(i int, a market.Adapter, side, venueSide string, price float64) {
		defer wg.Done()
		legs[i] = LegResult{Venue: a.Name(), Side: side, Qty: opp.Qty}
		if s.cfg.Paper {
			legs[i].AvgPrice = price
			return
		}
		res, err := a.PlaceOrder(ctx, market.OrderRequest{
			Symbol: opp.Symbol, Side: side, Type: "MARKET", Qty: opp.Qty,
			ClientID: opp.ID + "-" + venueSide,
		})
		if err != nil {
			legErr[i] = err
			legs[i].Err = err.Error()
			return
		}
		legs[i].AvgPrice = res.AvgPrice
	}

	wg.Add(2)
	go run(0, buyAdapter, "BUY", "buy", opp.BuyAsk)
	go run(1, sellAdapter, "SELL", "sell", opp.SellBid)
	wg.Wait()

	switch {
	case legErr[0] != nil && legErr[1] != nil:
		return legs, fmt.Errorf("arb %s: both legs failed: buy %v, sell %v", opp.ID, legErr[0], legErr[1])
	case legErr[0] != nil:
		// sell filled without its buy: buy it back where it sold
		legs[1].Hedged = s.hedge(ctx, sellAdapter, opp, "BUY")
	case legErr[1] != nil:
		// buy filled without its sell: flatten on the buy venue
		legs[0].Hedged = s.hedge(ctx, buyAdapter, opp, "SELL")
	}

	s.journal(ctx, opp, legs)
	return legs, nil
}

func (s *Scanner) hedge(ctx context.Context, a market.Adapter, opp Opportunity, side string) bool {
	_, err := a.PlaceOrder(ctx, market.OrderRequest{
		Symbol: opp.Symbol, Side: side, Type: "MARKET", Qty: opp.Qty,
		ClientID: opp.ID + "-hedge",
	})
	if err != nil {
		s.logger.Error().Err(err).Str("arb_id", opp.ID).Str("venue", string(a.Name())).
			Msg("hedge leg failed, position left unflattened")
		return false
	}
	s.logger.Warn().Str("arb_id", opp.ID).Str("venue", string(a.Name())).Msg("partial fill hedged")
	return true
}

// journal appends one order and fill row per successful leg, tagged with
// the arbitrage id so both sides can be joined later. The opportunity itself
// is recorded as the decision both orders reference, written with the first
// leg so order rows never precede it.
func (s *Scanner) journal(ctx context.Context, opp Opportunity, legs []LegResult) {
	decision := &history.DecisionRecord{
		ID: opp.ID, Ts: opp.Ts, Symbol: opp.Symbol, Timeframe: "book",
		Decision: "ARBITRAGE", Confidence: 1,
		Reasons: []string{fmt.Sprintf("buy %s at %.6f, sell %s at %.6f, net %.4f%%",
			opp.BuyVenue, opp.BuyAsk, opp.SellVenue, opp.SellBid, opp.NetPct*100)},
	}
	for _, leg := range legs {
		if leg.Err != "" {
			continue
		}
		requested := opp.BuyAsk
		if leg.Side == "SELL" {
			requested = opp.SellBid
		}
		orderID := opp.ID + "-" + string(leg.Venue)
		set := history.RecordSet{
			Decision: decision,
			Order: &history.OrderRecord{
				OrderID: orderID, DecisionID: opp.ID,
				IdempotencyKey: fmt.Sprintf("arb|%s|%s", opp.ID, leg.Venue),
				Ts:             opp.Ts, Symbol: opp.Symbol, Side: leg.Side,
				Qty: leg.Qty, RequestedPrice: requested, Status: history.OrderFilled,
			},
			Fill: &history.FillRecord{
				FillID:     uuid.NewString(),
				OrderID:    orderID,
				Ts:         opp.Ts,
				Symbol:     opp.Symbol,
				Side:       leg.Side,
				AvgPrice:   leg.AvgPrice,
				Qty:        leg.Qty,
				Status:     "FILLED",
				ArbID:      opp.ID,
				ExitReason: "ARBITRAGE",
			},
		}
		decision = nil
		if err := s.store.AppendSet(ctx, set); err != nil {
			s.logger.Error().Err(err).Str("arb_id", opp.ID).Msg("arb leg journal write failed")
		}
	}
}

func (s *Scanner) adapterFor(v market.Venue) market.Adapter {
	for _, a := range s.adapters {
		if a.Name() == v {
			return a
		}
	}
	return nil
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
