package arb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/market"
)

// fakeAdapter is a scripted venue for scanner tests.
type fakeAdapter struct {
	name     market.Venue
	bid, ask float64
	taker    float64
	quoteErr error
	orderErr error

	mu     sync.Mutex
	orders []market.OrderRequest
}

func (f *fakeAdapter) Name() market.Venue { return f.name }

func (f *fakeAdapter) BestBidAsk(ctx context.Context, symbol string) (*market.BookTicker, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &market.BookTicker{
		Venue: f.name, Symbol: symbol,
		Bid: f.bid, BidQty: 10, Ask: f.ask, AskQty: 10,
		FetchAt: time.Now(),
	}, nil
}

func (f *fakeAdapter) OrderBook(ctx context.Context, symbol string, limit int) (*market.OrderBook, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req market.OrderRequest) (*market.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	price := f.ask
	if req.Side == "SELL" {
		price = f.bid
	}
	return &market.OrderResult{
		Venue: f.name, OrderID: "o-1", Symbol: req.Symbol,
		Side: req.Side, AvgPrice: price, Qty: req.Qty, Status: "FILLED",
	}, nil
}

func (f *fakeAdapter) Fees(ctx context.Context) (market.FeeSchedule, error) {
	return market.FeeSchedule{TakerRate: f.taker, MakerRate: f.taker / 2}, nil
}

func (f *fakeAdapter) Latency() time.Duration { return 50 * time.Millisecond }

func (f *fakeAdapter) placed() []market.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]market.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

func testScanner(t *testing.T, cfg Config, adapters ...market.Adapter) (*Scanner, *history.FileStore) {
	t.Helper()
	store, err := history.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(cfg, adapters, store, events.NewBus(), zerolog.Nop()), store
}

func TestScanFindsCrossVenueSpread(t *testing.T) {
	cheap := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001}
	rich := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001}

	cfg := DefaultConfig([]string{"BTC-USDC"})
	s, _ := testScanner(t, cfg, cheap, rich)

	opp, err := s.Scan(context.Background(), "BTC-USDC")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.BuyVenue != market.VenueBinance || opp.SellVenue != market.VenueKucoin {
		t.Errorf("routing = buy %s sell %s", opp.BuyVenue, opp.SellVenue)
	}
	// gross 0.8% minus 2x10bps fees and 7bps of buffers
	wantNet := (100.8-100.0)/100.0 - 0.002 - cfg.SlippageBufferPct - cfg.LatencyBufferPct
	if diff := opp.NetPct - wantNet; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("net = %v, want %v", opp.NetPct, wantNet)
	}
}

func TestScanIgnoresThinSpread(t *testing.T) {
	a := &fakeAdapter{name: market.VenueBinance, bid: 99.99, ask: 100.0, taker: 0.001}
	b := &fakeAdapter{name: market.VenueKucoin, bid: 100.05, ask: 100.06, taker: 0.001}

	s, _ := testScanner(t, DefaultConfig([]string{"BTC-USDC"}), a, b)
	opp, err := s.Scan(context.Background(), "BTC-USDC")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if opp != nil {
		t.Errorf("5bps gross must not clear fees and buffers, got %+v", opp)
	}
}

func TestScanSurvivesOneDeadVenue(t *testing.T) {
	dead := &fakeAdapter{name: market.VenueBybit, quoteErr: errors.New("timeout")}
	cheap := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001}
	rich := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001}

	s, _ := testScanner(t, DefaultConfig([]string{"BTC-USDC"}), dead, cheap, rich)
	opp, err := s.Scan(context.Background(), "BTC-USDC")
	if err != nil || opp == nil {
		t.Fatalf("scan should route around the dead venue, opp=%v err=%v", opp, err)
	}
}

func TestExecutePaperModePlacesNoOrders(t *testing.T) {
	cheap := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001}
	rich := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001}

	cfg := DefaultConfig([]string{"BTC-USDC"})
	s, _ := testScanner(t, cfg, cheap, rich)

	opp, _ := s.Scan(context.Background(), "BTC-USDC")
	legs, err := s.Execute(context.Background(), *opp)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(legs) != 2 || legs[0].AvgPrice != 100.0 || legs[1].AvgPrice != 100.8 {
		t.Errorf("paper legs = %+v", legs)
	}
	if len(cheap.placed())+len(rich.placed()) != 0 {
		t.Error("paper mode must not hit venue order endpoints")
	}
}

func TestExecuteHedgesPartialFill(t *testing.T) {
	cheap := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001}
	rich := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001,
		orderErr: errors.New("insufficient balance")}

	cfg := DefaultConfig([]string{"BTC-USDC"})
	cfg.Paper = false
	s, _ := testScanner(t, cfg, cheap, rich)

	opp, _ := s.Scan(context.Background(), "BTC-USDC")
	// clear the orderErr race: rich rejects the sell leg, buy leg fills
	legs, err := s.Execute(context.Background(), *opp)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if legs[1].Err == "" {
		t.Fatal("sell leg should have failed")
	}
	if !legs[0].Hedged {
		t.Error("surviving buy leg must be hedged")
	}

	placed := cheap.placed()
	if len(placed) != 2 {
		t.Fatalf("buy venue orders = %d, want entry plus hedge", len(placed))
	}
	if placed[1].Side != "SELL" || placed[1].ClientID != opp.ID+"-hedge" {
		t.Errorf("hedge order = %+v", placed[1])
	}
}

func TestExecuteJournalsOrdersWithDecision(t *testing.T) {
	cheap := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001}
	rich := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001}

	s, store := testScanner(t, DefaultConfig([]string{"BTC-USDC"}), cheap, rich)
	ctx := context.Background()

	opp, _ := s.Scan(ctx, "BTC-USDC")
	if _, err := s.Execute(ctx, *opp); err != nil {
		t.Fatalf("execute: %v", err)
	}

	decisions, _ := store.RecentDecisions(ctx, 5)
	var found bool
	for _, d := range decisions {
		if d.ID == opp.ID && d.Decision == "ARBITRAGE" {
			found = true
		}
	}
	if !found {
		t.Errorf("opportunity decision not journaled, decisions = %+v", decisions)
	}

	// each fill must sit behind an order row keyed to its venue leg
	for _, venue := range []market.Venue{market.VenueBinance, market.VenueKucoin} {
		key := "arb|" + opp.ID + "|" + string(venue)
		seen, err := store.HasOrderKey(ctx, key)
		if err != nil || !seen {
			t.Errorf("leg order missing for %s, seen=%v err=%v", venue, seen, err)
		}
	}
}

func TestExecuteBothLegsFailed(t *testing.T) {
	a := &fakeAdapter{name: market.VenueBinance, bid: 99.9, ask: 100.0, taker: 0.001,
		orderErr: errors.New("down")}
	b := &fakeAdapter{name: market.VenueKucoin, bid: 100.8, ask: 100.9, taker: 0.001,
		orderErr: errors.New("down")}

	cfg := DefaultConfig([]string{"BTC-USDC"})
	cfg.Paper = false
	s, _ := testScanner(t, cfg, a, b)

	opp, _ := s.Scan(context.Background(), "BTC-USDC")
	if _, err := s.Execute(context.Background(), *opp); err == nil {
		t.Error("double failure must surface an error")
	}
}
