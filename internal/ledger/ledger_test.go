package ledger

import (
	"math"
	"testing"
	"time"
)

func TestOpenDebitsBalance(t *testing.T) {
	l := New(1000)
	lot, err := l.Open("BTC-USDC", 100, 1, 98, 104, 0.1, 2, time.Now(), 1)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if lot.ID == "" {
		t.Error("lot should get an id")
	}
	if got := l.Balance(); math.Abs(got-899.9) > 1e-9 {
		t.Errorf("balance = %v, want 899.9", got)
	}
	if l.Holdings("BTC-USDC") != 1 {
		t.Errorf("holdings = %v", l.Holdings("BTC-USDC"))
	}
	if l.AvgEntry("BTC-USDC") != 100 {
		t.Errorf("avg entry = %v", l.AvgEntry("BTC-USDC"))
	}
}

func TestOpenRejections(t *testing.T) {
	l := New(50)
	if _, err := l.Open("BTC-USDC", 100, 1, 98, 104, 0, 2, time.Now(), 1); err == nil {
		t.Error("cost above balance must be rejected")
	}
	if _, err := l.Open("BTC-USDC", 100, 0, 98, 104, 0, 2, time.Now(), 1); err == nil {
		t.Error("zero quantity must be rejected")
	}
	if _, err := l.Open("BTC-USDC", 100, 0.1, 104, 98, 0, 2, time.Now(), 1); err == nil {
		t.Error("inverted sl/tp must be rejected")
	}
}

func TestConsumeFIFOAcrossLots(t *testing.T) {
	l := New(10000)
	l.Open("BTC-USDC", 100, 1, 98, 110, 1, 2, time.Now(), 1)
	l.Open("BTC-USDC", 102, 1, 99, 112, 1, 2, time.Now(), 1)

	// 1.5 units: full first lot plus half the second
	res, err := l.Consume("BTC-USDC", 1.5, "")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	wantEntry := (100*1 + 102*0.5) / 1.5
	if math.Abs(res.WeightedEntry-wantEntry) > 1e-9 {
		t.Errorf("weighted entry = %v, want %v", res.WeightedEntry, wantEntry)
	}
	if len(res.Slices) != 2 {
		t.Fatalf("consumed %d lots, want 2", len(res.Slices))
	}
	first, second := res.Slices[0], res.Slices[1]
	if first.Qty != 1 || first.EntryPrice != 100 || !first.Closed {
		t.Errorf("first slice = %+v, want full closed lot at 100", first)
	}
	if math.Abs(second.Qty-0.5) > 1e-9 || second.EntryPrice != 102 || second.Closed {
		t.Errorf("second slice = %+v, want half-open lot at 102", second)
	}
	if math.Abs(l.Holdings("BTC-USDC")-0.5) > 1e-9 {
		t.Errorf("holdings = %v, want 0.5", l.Holdings("BTC-USDC"))
	}
	// only the second lot remains, so avg entry is its price
	if math.Abs(l.AvgEntry("BTC-USDC")-102) > 1e-9 {
		t.Errorf("avg entry = %v, want 102", l.AvgEntry("BTC-USDC"))
	}
}

func TestConsumeTargetedLot(t *testing.T) {
	l := New(10000)
	l.Open("BTC-USDC", 100, 1, 98, 110, 0, 2, time.Now(), 1)
	second, _ := l.Open("BTC-USDC", 102, 1, 99, 112, 0, 2, time.Now(), 1)

	res, err := l.Consume("BTC-USDC", 1, second.ID)
	if err != nil {
		t.Fatalf("targeted consume failed: %v", err)
	}
	if res.WeightedEntry != 102 {
		t.Errorf("targeted consume should hit lot 2, entry = %v", res.WeightedEntry)
	}
	lots := l.OpenLots("BTC-USDC")
	if len(lots) != 1 || lots[0].EntryPrice != 100 {
		t.Errorf("first lot should survive: %+v", lots)
	}
}

func TestConsumeOverHoldings(t *testing.T) {
	l := New(10000)
	l.Open("BTC-USDC", 100, 1, 98, 110, 0, 2, time.Now(), 1)
	if _, err := l.Consume("BTC-USDC", 2, ""); err == nil {
		t.Error("consuming more than holdings must fail")
	}
	if l.Holdings("BTC-USDC") != 1 {
		t.Error("failed consume must not mutate holdings")
	}
}

func TestDustCollapsesToZero(t *testing.T) {
	l := New(10000)
	l.Open("BTC-USDC", 100, 1, 98, 110, 0, 2, time.Now(), 1)
	l.Consume("BTC-USDC", 1-1e-9, "")
	if l.Holdings("BTC-USDC") != 0 {
		t.Errorf("sub-dust residue should zero out, got %v", l.Holdings("BTC-USDC"))
	}
	if l.AvgEntry("BTC-USDC") != 0 {
		t.Errorf("avg entry should zero with holdings, got %v", l.AvgEntry("BTC-USDC"))
	}
}

func TestAutoExitsStopBeforeTarget(t *testing.T) {
	l := New(10000)
	l.Open("BTC-USDC", 100, 1, 98, 104, 0, 2, time.Now(), 1)

	if got := l.AutoExits("BTC-USDC", 100); len(got) != 0 {
		t.Errorf("price inside the band should trigger nothing, got %v", got)
	}
	got := l.AutoExits("BTC-USDC", 98)
	if len(got) != 1 || got[0].Reason != "STOP_LOSS" {
		t.Fatalf("stop touch should yield STOP_LOSS, got %v", got)
	}
	got = l.AutoExits("BTC-USDC", 104)
	if len(got) != 1 || got[0].Reason != "TAKE_PROFIT" {
		t.Fatalf("target touch should yield TAKE_PROFIT, got %v", got)
	}

	// degenerate lot where price satisfies both: stop wins
	l2 := New(10000)
	l2.Open("ETH-USDC", 100, 1, 99.9999, 100.0001, 0, 2, time.Now(), 1)
	got = l2.AutoExits("ETH-USDC", 99.9999)
	if len(got) != 1 || got[0].Reason != "STOP_LOSS" {
		t.Errorf("stop-loss must be checked first, got %v", got)
	}
}

func TestPnLIdentityOverManyTrades(t *testing.T) {
	const feeRate = 0.001
	l := New(1000)
	var sumPnL float64
	for i := 0; i < 1000; i++ {
		entry := 100 + float64(i%20)*0.2
		exit := entry * 1.004
		if i%2 == 1 {
			exit = entry * 0.996
		}
		qty := 0.1

		entryFee := feeRate * entry * qty
		lot, err := l.Open("BTC-USDC", entry, qty, entry*0.9, entry*1.1, entryFee, entry*0.01, time.Now(), 1)
		if err != nil {
			t.Fatalf("trade %d open: %v", i, err)
		}
		res, err := l.Consume("BTC-USDC", qty, lot.ID)
		if err != nil {
			t.Fatalf("trade %d consume: %v", i, err)
		}
		exitFee := feeRate * exit * qty
		l.Settle(exit, qty, exitFee)

		pnl := (exit-res.WeightedEntry)*qty - res.WeightedFeePerUnit*qty - exitFee
		sumPnL += pnl
	}

	equity := l.Balance()
	if math.Abs(equity-(1000+sumPnL)) > 1e-8 {
		t.Errorf("equity %v deviates from 1000 + sum pnl %v", equity, 1000+sumPnL)
	}
	if l.OpenPositionCount() != 0 {
		t.Error("all positions should be closed")
	}
}

func TestTotalPortfolioValue(t *testing.T) {
	l := New(1000)
	l.Open("BTC-USDC", 100, 2, 90, 120, 0, 2, time.Now(), 1)
	l.Open("ETH-USDC", 10, 5, 9, 12, 0, 0.5, time.Now(), 1)

	total := l.TotalPortfolioValue(map[string]float64{"BTC-USDC": 110, "ETH-USDC": 11})
	// cash 1000-200-50 = 750, marks 220 + 55
	if math.Abs(total-1025) > 1e-6 {
		t.Errorf("portfolio value = %v, want 1025", total)
	}
}
