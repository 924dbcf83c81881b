package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSet(symbol string, ts time.Time) RecordSet {
	decisionID := uuid.NewString()
	orderID := uuid.NewString()
	tradeID := uuid.NewString()
	sl, tp := 98.0, 104.0
	return RecordSet{
		Decision: &DecisionRecord{
			ID: decisionID, Ts: ts, Symbol: symbol, Timeframe: "1h",
			Decision: "BUY", Confidence: 0.7, Reasons: []string{"test"}, ModelVersion: 1,
		},
		Order: &OrderRecord{
			OrderID: orderID, DecisionID: decisionID,
			IdempotencyKey: IdempotencyKey(symbol, "1h", ts, "BUY"),
			Ts:             ts, Symbol: symbol, Side: "BUY", Qty: 0.1,
			RequestedPrice: 100, Status: OrderFilled,
		},
		Fill: &FillRecord{
			FillID: uuid.NewString(), OrderID: orderID, Ts: ts,
			Symbol: symbol, Side: "BUY", AvgPrice: 100.05, Qty: 0.1,
			Fees: 0.01, Status: "FILLED",
		},
		Snapshot: &SnapshotRecord{Ts: ts, Symbol: symbol, Balance: 990, PositionSize: 0.1,
			AvgEntryPrice: 100.05, TotalPortfolioValue: 1000},
		Trade: &TradeRecord{
			ID: tradeID, TsOpen: ts, Symbol: symbol, Side: "BUY", Qty: 0.1,
			EntryPrice: 100.05, Fee: 0.01, SLPrice: &sl, TPPrice: &tp,
			Status: TradeOpen, DecisionID: decisionID,
		},
	}
}

func TestAppendSetAndQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Unix(1_700_000_000, 0).UTC()

	set := sampleSet("BTC-USDC", ts)
	if err := s.AppendSet(ctx, set); err != nil {
		t.Fatalf("append: %v", err)
	}

	decisions, _ := s.RecentDecisions(ctx, 10)
	if len(decisions) != 1 || decisions[0].Symbol != "BTC-USDC" {
		t.Errorf("decisions = %+v", decisions)
	}
	trades, _ := s.RecentTrades(ctx, 10)
	if len(trades) != 1 || trades[0].Status != TradeOpen {
		t.Errorf("trades = %+v", trades)
	}
	open, _ := s.OpenTrades(ctx)
	if len(open) != 1 {
		t.Errorf("open trades = %d", len(open))
	}

	seen, err := s.HasOrderKey(ctx, set.Order.IdempotencyKey)
	if err != nil || !seen {
		t.Errorf("order key should be indexed, seen=%v err=%v", seen, err)
	}
	if seen, _ := s.HasOrderKey(ctx, "unknown"); seen {
		t.Error("unknown key reported as seen")
	}
}

func TestSkippedOrdersDoNotIndexKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	key := IdempotencyKey("ETH-USDC", "1h", ts, "BUY")
	err := s.AppendSet(ctx, RecordSet{Order: &OrderRecord{
		OrderID: uuid.NewString(), DecisionID: uuid.NewString(),
		IdempotencyKey: key, Ts: ts, Symbol: "ETH-USDC", Side: "BUY",
		Status: OrderSkipped,
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seen, _ := s.HasOrderKey(ctx, key); seen {
		t.Error("SKIPPED orders must not claim the idempotency key")
	}
}

func TestCloseTradeAndClosedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Unix(1_700_000_000, 0).UTC()

	set := sampleSet("BTC-USDC", ts)
	s.AppendSet(ctx, set)

	closeTs := ts.Add(2 * time.Hour)
	err := s.CloseTrade(ctx, TradeClose{
		TradeID: set.Trade.ID, TsClose: closeTs, ExitPrice: 104,
		PnLAbs: 0.38, PnLPct: 0.0038, Reason: "TAKE_PROFIT", RMultiple: 1.9, Fee: 0.0104,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if open, _ := s.OpenTrades(ctx); len(open) != 0 {
		t.Error("closed trade still reported open")
	}
	closed, _ := s.ClosedTradesSince(ctx, ts)
	if len(closed) != 1 {
		t.Fatalf("closed = %d", len(closed))
	}
	got := closed[0]
	if got.Status != TradeClosed || got.ExitReason != "TAKE_PROFIT" || got.PnLAbs == nil {
		t.Errorf("closed trade = %+v", got)
	}
	if got.Fee != 0.01+0.0104 {
		t.Errorf("close should accumulate the exit fee, fee = %v", got.Fee)
	}

	if err := s.CloseTrade(ctx, TradeClose{TradeID: "missing"}); err == nil {
		t.Error("closing an unknown trade must fail")
	}

	if none, _ := s.ClosedTradesSince(ctx, closeTs.Add(time.Minute)); len(none) != 0 {
		t.Error("since filter leaked an older close")
	}
}

func TestReplayRebuildsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Unix(1_700_000_000, 0).UTC()

	s, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	set := sampleSet("BTC-USDC", ts)
	s.AppendSet(ctx, set)
	s.CloseTrade(ctx, TradeClose{
		TradeID: set.Trade.ID, TsClose: ts.Add(time.Hour), ExitPrice: 104,
		PnLAbs: 0.3, PnLPct: 0.003, Reason: "TAKE_PROFIT",
	})
	s.Close()

	// reopen and verify the replayed view matches
	s2, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if seen, _ := s2.HasOrderKey(ctx, set.Order.IdempotencyKey); !seen {
		t.Error("idempotency index lost on restart")
	}
	trades, _ := s2.RecentTrades(ctx, 10)
	if len(trades) != 1 {
		t.Fatalf("replayed trades = %d, want 1 (latest version per id)", len(trades))
	}
	if trades[0].Status != TradeClosed {
		t.Errorf("replay should surface the closed version, got %s", trades[0].Status)
	}
	decisions, _ := s2.RecentDecisions(ctx, 10)
	if len(decisions) != 1 {
		t.Errorf("replayed decisions = %d", len(decisions))
	}
}

func TestEngineStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if st, err := s.LoadEngineState(ctx); err != nil || st != nil {
		t.Fatalf("fresh store state = %+v, err = %v, want none", st, err)
	}

	saved := EngineState{
		Strategy:  json.RawMessage(`{"version":3}`),
		UpdatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := s.SaveEngineState(ctx, saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s2, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	st, err := s2.LoadEngineState(ctx)
	if err != nil || st == nil {
		t.Fatalf("state lost on reopen, st=%v err=%v", st, err)
	}
	if string(st.Strategy) != `{"version":3}` {
		t.Errorf("strategy payload = %s", st.Strategy)
	}
	if !st.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("updated at = %v, want %v", st.UpdatedAt, saved.UpdatedAt)
	}
}

func TestRecentTradesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		s.AppendSet(ctx, sampleSet("BTC-USDC", base.Add(time.Duration(i)*time.Hour)))
	}
	trades, _ := s.RecentTrades(ctx, 3)
	if len(trades) != 3 {
		t.Fatalf("limit not honored, got %d", len(trades))
	}
	if !trades[0].TsOpen.After(trades[2].TsOpen) {
		t.Error("trades should be newest first")
	}
}

func TestRoundingHelpers(t *testing.T) {
	if got := RoundPrice(100.1234567); got != 100.123457 {
		t.Errorf("RoundPrice = %v", got)
	}
	if got := RoundSize(0.123456789); got != 0.12345679 {
		t.Errorf("RoundSize = %v", got)
	}
}
