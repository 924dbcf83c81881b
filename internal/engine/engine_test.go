package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/config"
	"paper-trading-engine/internal/circuit"
	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/market"
)

func circuitInputsTripping() circuit.Inputs {
	return circuit.Inputs{DailyDrawdownPct: 0.10}
}

// fakeData is a settable MarketData for tests.
type fakeData struct {
	mu      sync.Mutex
	candles map[string][]market.Candle
}

func (f *fakeData) set(symbol string, candles []market.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candles == nil {
		f.candles = make(map[string][]market.Candle)
	}
	f.candles[symbol] = candles
}

func (f *fakeData) Buffer(symbol string) []market.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]market.Candle, len(f.candles[symbol]))
	copy(out, f.candles[symbol])
	return out
}

func (f *fakeData) Latest(symbol string) (market.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars := f.candles[symbol]
	if len(bars) == 0 {
		return market.Candle{}, false
	}
	return bars[len(bars)-1], true
}

func (f *fakeData) IsUnstable(string) bool { return false }

func testConfig() *config.Config {
	return &config.Config{
		Symbols:             []string{"BTC-USDC"},
		Timeframe:           "1h",
		StaleDataMs:         7_200_000,
		InitialBalance:      1000,
		AutoPaper:           true,
		ConfidenceThreshold: 0.6,
		MaxPositionSizePct:  0.25,
		MaxExposurePct:      0.7,
		PaperFeeBps:         10,
		PaperSlippageBps:    4,
	}
}

func newTestEngine(t *testing.T, dir string) (*Engine, *fakeData) {
	t.Helper()
	store, err := history.NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return newTestEngineWithStore(t, store)
}

func newTestEngineWithStore(t *testing.T, store history.Store) (*Engine, *fakeData) {
	t.Helper()
	data := &fakeData{}
	e := New(testConfig(), data, store, events.NewBus(), zerolog.Nop())
	t.Cleanup(func() { store.Close() })
	return e, data
}

// trendingCandles ends at nowMs so staleness checks pass.
func trendingCandles(n int, nowMs int64) []market.Candle {
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		base := 60_000 + float64(i)*10
		closeTime := nowMs - int64(n-1-i)*3_600_000
		out[i] = market.Candle{
			OpenTime:  closeTime - 3_600_000,
			CloseTime: closeTime,
			Open:      base - 5,
			High:      base * 1.001,
			Low:       base * 0.999,
			Close:     base,
			Volume:    1200 + float64(i%7)*10,
		}
	}
	return out
}

func TestEvaluateRecordsDecisionAndTraining(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	now := time.Now().UnixMilli()
	data.set("BTC-USDC", trendingCandles(60, now))

	e.Evaluate("BTC-USDC", "candle_close")

	ctx := context.Background()
	decisions, err := e.Store().RecentDecisions(ctx, 10)
	if err != nil || len(decisions) == 0 {
		t.Fatalf("decision journal empty, err=%v", err)
	}
	d := decisions[0]
	if d.Symbol != "BTC-USDC" || d.Timeframe != "1h" || d.ModelVersion != 1 {
		t.Errorf("decision = %+v", d)
	}
	if d.Decision != "BUY" && d.Decision != "HOLD" && d.Decision != "SELL" {
		t.Errorf("unexpected action %q", d.Decision)
	}

	entry, ok := e.LatestTrainingEntry()
	if !ok {
		t.Fatal("no training entry after evaluation")
	}
	if entry.Symbol != "BTC-USDC" || entry.MarketStatus == "" {
		t.Errorf("training entry = %+v", entry)
	}
	if got := e.Status().Evaluations; got != 1 {
		t.Errorf("evaluations = %d, want 1", got)
	}
}

func TestEvaluateDedupesSameBar(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	now := time.Now().UnixMilli()
	data.set("BTC-USDC", trendingCandles(60, now))

	e.Evaluate("BTC-USDC", "candle_close")
	e.Evaluate("BTC-USDC", "tick")

	if got := e.Status().Evaluations; got != 1 {
		t.Errorf("same bar evaluated %d times, want 1", got)
	}
}

func TestEvaluateSkipsStaleData(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	old := time.Now().Add(-3 * time.Hour).UnixMilli()
	data.set("BTC-USDC", trendingCandles(60, old))

	e.Evaluate("BTC-USDC", "tick")

	if decisions, _ := e.Store().RecentDecisions(context.Background(), 10); len(decisions) != 0 {
		t.Error("stale data must not produce a decision record")
	}
	if len(e.Strategy().Warnings()) == 0 {
		t.Error("stale skip should leave a strategy warning")
	}
}

func TestForceTradeIdempotent(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	now := time.Now().UnixMilli()
	data.set("BTC-USDC", trendingCandles(60, now))
	ctx := context.Background()

	req := ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", NotionalUSD: 100,
		SLPct: 0.02, TPPct: 0.04, DecisionID: "op-123",
	}
	first, err := e.ForceTrade(ctx, req)
	if err != nil {
		t.Fatalf("force trade: %v", err)
	}
	if !first.Executed || first.TradeID == "" {
		t.Fatalf("first force trade not executed: %+v", first)
	}

	second, err := e.ForceTrade(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Executed || !second.Skipped {
		t.Errorf("replay must be skipped, got %+v", second)
	}

	open, _ := e.Store().OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want exactly 1", len(open))
	}
	if open[0].ID != first.TradeID {
		t.Errorf("open trade id %s != returned %s", open[0].ID, first.TradeID)
	}
	if h := e.ledger.Holdings("BTC-USDC"); h <= 0 {
		t.Error("no holdings after forced entry")
	}
}

func TestAutoExitStopLoss(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	nowMs := time.Now().UnixMilli()
	// 10 bars keeps the strategy in HOLD so the only activity is the exit
	bars := trendingCandles(10, nowMs)
	data.set("BTC-USDC", bars)
	ctx := context.Background()

	entryPrice := bars[len(bars)-1].Close
	res, err := e.ForceTrade(ctx, ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", Qty: 0.001,
		SLPrice: entryPrice * 0.98, TPPrice: entryPrice * 1.05,
	})
	if err != nil || !res.Executed {
		t.Fatalf("entry failed: %v %+v", err, res)
	}

	// next bar gaps below the stop
	crash := bars[len(bars)-1]
	crash.OpenTime += 3_600_000
	crash.CloseTime += 3_600_000
	crash.Close = entryPrice * 0.97
	crash.Low = crash.Close * 0.999
	crash.High = entryPrice
	data.set("BTC-USDC", append(bars, crash))

	e.Evaluate("BTC-USDC", "candle_close")

	if h := e.ledger.Holdings("BTC-USDC"); h != 0 {
		t.Errorf("holdings after stop = %v, want 0", h)
	}
	closed, _ := e.Store().ClosedTradesSince(ctx, time.Unix(0, 0))
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	got := closed[0]
	if got.ExitReason != "STOP_LOSS" {
		t.Errorf("exit reason = %q, want STOP_LOSS", got.ExitReason)
	}
	if got.PnLAbs == nil || *got.PnLAbs >= 0 {
		t.Errorf("stop exit should realize a loss, pnl = %v", got.PnLAbs)
	}
	if open, _ := e.Store().OpenTrades(ctx); len(open) != 0 {
		t.Error("stop exit must not leave or reopen a position")
	}
	if e.riskMgr.LossStreak() != 1 {
		t.Errorf("loss streak = %d, want 1", e.riskMgr.LossStreak())
	}
}

func TestRestoreRebuildsPortfolio(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()
	bars := trendingCandles(10, nowMs)

	e1, data1 := newTestEngine(t, dir)
	data1.set("BTC-USDC", bars)
	res, err := e1.ForceTrade(ctx, ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", Qty: 0.001,
		SLPct: 0.02, TPPct: 0.04,
	})
	if err != nil || !res.Executed {
		t.Fatalf("entry failed: %v", err)
	}
	balanceBefore := e1.ledger.Balance()
	e1.store.Close()

	e2, data2 := newTestEngine(t, dir)
	data2.set("BTC-USDC", bars)
	if err := e2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h := e2.ledger.Holdings("BTC-USDC"); h != 0.001 {
		t.Errorf("restored holdings = %v, want 0.001", h)
	}
	if got := e2.ledger.Balance(); got < balanceBefore-1e-6 || got > balanceBefore+1e-6 {
		t.Errorf("restored balance = %v, want %v", got, balanceBefore)
	}
	if e2.Status().OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", e2.Status().OpenPositions)
	}

	// restored lot keeps its id, so the stop still closes the same trade row
	lots := e2.ledger.OpenLots("BTC-USDC")
	if len(lots) != 1 || lots[0].ID != res.TradeID {
		t.Errorf("restored lots = %+v, want id %s", lots, res.TradeID)
	}
}

// recordingStore captures the record kinds of every AppendSet in write
// order, on top of a real store.
type recordingStore struct {
	history.Store
	mu  sync.Mutex
	seq []string
}

func (r *recordingStore) AppendSet(ctx context.Context, set history.RecordSet) error {
	kinds := ""
	if set.Decision != nil {
		kinds += "D"
	}
	if set.Order != nil {
		kinds += "O"
	}
	if set.Fill != nil {
		kinds += "F"
	}
	r.mu.Lock()
	r.seq = append(r.seq, kinds)
	r.mu.Unlock()
	return r.Store.AppendSet(ctx, set)
}

func (r *recordingStore) sets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seq))
	copy(out, r.seq)
	return out
}

func (r *recordingStore) reset() {
	r.mu.Lock()
	r.seq = nil
	r.mu.Unlock()
}

func TestDecisionJournaledBeforeExitOrders(t *testing.T) {
	inner, err := history.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rec := &recordingStore{Store: inner}
	e, data := newTestEngineWithStore(t, rec)

	nowMs := time.Now().UnixMilli()
	bars := trendingCandles(10, nowMs)
	data.set("BTC-USDC", bars)
	ctx := context.Background()

	entryPrice := bars[len(bars)-1].Close
	if _, err := e.ForceTrade(ctx, ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", Qty: 0.001,
		SLPrice: entryPrice * 0.98, TPPrice: entryPrice * 1.05,
	}); err != nil {
		t.Fatalf("entry: %v", err)
	}
	rec.reset()

	crash := bars[len(bars)-1]
	crash.OpenTime += 3_600_000
	crash.CloseTime += 3_600_000
	crash.Close = entryPrice * 0.97
	crash.Low = crash.Close * 0.999
	crash.High = entryPrice
	data.set("BTC-USDC", append(bars, crash))

	e.Evaluate("BTC-USDC", "candle_close")

	seq := rec.sets()
	firstD, firstO := -1, -1
	for i, kinds := range seq {
		if firstD == -1 && strings.Contains(kinds, "D") {
			firstD = i
		}
		if firstO == -1 && strings.Contains(kinds, "O") {
			firstO = i
		}
	}
	if firstD == -1 || firstO == -1 {
		t.Fatalf("write sequence %v missing decision or exit order", seq)
	}
	if firstO < firstD {
		t.Errorf("exit order written before the decision it references: %v", seq)
	}
}

func TestMultiLotExitApportionsPnL(t *testing.T) {
	dir := t.TempDir()
	e, data := newTestEngine(t, dir)
	nowMs := time.Now().UnixMilli()
	bars := trendingCandles(10, nowMs)
	data.set("BTC-USDC", bars)
	ctx := context.Background()

	entryPrice := bars[len(bars)-1].Close
	for _, id := range []string{"op-a", "op-b"} {
		res, err := e.ForceTrade(ctx, ForceTradeRequest{
			Symbol: "BTC-USDC", Side: "BUY", Qty: 0.001,
			SLPrice: entryPrice * 0.95, TPPrice: entryPrice * 1.05, DecisionID: id,
		})
		if err != nil || !res.Executed {
			t.Fatalf("entry %s: %v %+v", id, err, res)
		}
	}

	sell, err := e.ForceTrade(ctx, ForceTradeRequest{Symbol: "BTC-USDC", Side: "SELL", DecisionID: "op-c"})
	if err != nil || !sell.Executed {
		t.Fatalf("sell: %v %+v", err, sell)
	}

	closed, _ := e.Store().ClosedTradesSince(ctx, time.Unix(0, 0))
	if len(closed) != 2 {
		t.Fatalf("closed trades = %d, want 2", len(closed))
	}
	var sum float64
	for _, tr := range closed {
		if tr.PnLAbs == nil {
			t.Fatalf("closed trade %s has no pnl", tr.ID)
		}
		sum += *tr.PnLAbs
	}
	realized := e.ledger.Balance() - 1000
	if math.Abs(sum-realized) > 1e-9 {
		t.Errorf("per-lot pnl sums to %v, realized is %v", sum, realized)
	}
	// identical lots split the shared exit evenly
	if math.Abs(*closed[0].PnLAbs-*closed[1].PnLAbs) > 1e-9 {
		t.Errorf("uneven split over identical lots: %v vs %v", *closed[0].PnLAbs, *closed[1].PnLAbs)
	}

	// restarting over the journal must land on the same balance
	balanceBefore := e.ledger.Balance()
	e.store.Close()
	e2, _ := newTestEngine(t, dir)
	if err := e2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := e2.ledger.Balance(); math.Abs(got-balanceBefore) > 1e-6 {
		t.Errorf("restored balance = %v, want %v", got, balanceBefore)
	}
}

func TestAutoExitCountsAsSignal(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	nowMs := time.Now().UnixMilli()
	bars := trendingCandles(10, nowMs)
	data.set("BTC-USDC", bars)
	ctx := context.Background()

	entryPrice := bars[len(bars)-1].Close
	if _, err := e.ForceTrade(ctx, ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", Qty: 0.001,
		SLPrice: entryPrice * 0.98, TPPrice: entryPrice * 1.05,
	}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	crash := bars[len(bars)-1]
	crash.OpenTime += 3_600_000
	crash.CloseTime += 3_600_000
	crash.Close = entryPrice * 0.97
	crash.Low = crash.Close * 0.999
	crash.High = entryPrice
	data.set("BTC-USDC", append(bars, crash))

	e.Evaluate("BTC-USDC", "candle_close")

	st := e.Status()
	if st.TradesExecuted != 1 {
		t.Fatalf("trades executed = %d, want 1", st.TradesExecuted)
	}
	if st.TradesExecuted > st.Signals || st.Signals > st.Evaluations {
		t.Errorf("counters %+v violate tradesExecuted <= signals <= evaluations", st)
	}
}

func TestHoldDecisionCarriesBreakerReasons(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	data.set("BTC-USDC", trendingCandles(10, time.Now().UnixMilli()))

	e.Breaker().Observe(circuitInputsTripping())
	e.Evaluate("BTC-USDC", "tick")

	decisions, _ := e.Store().RecentDecisions(context.Background(), 5)
	if len(decisions) == 0 {
		t.Fatal("no decision journaled")
	}
	d := decisions[0]
	if d.Decision != "HOLD" {
		t.Errorf("decision = %q, want HOLD while tripped", d.Decision)
	}
	found := false
	for _, r := range d.Reasons {
		if strings.Contains(r, "circuit breaker") {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons %v missing the breaker annotation", d.Reasons)
	}
}

func TestStrategyStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, _ := newTestEngine(t, dir)
	params, _ := e1.Strategy().Snapshot()
	if v := e1.Strategy().Commit(params, "tuned", time.Now()); v != 2 {
		t.Fatalf("commit version = %d, want 2", v)
	}
	e1.Shutdown()

	e2, _ := newTestEngine(t, dir)
	if err := e2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := e2.Strategy().Version(); got != 2 {
		t.Errorf("version after restart = %d, want 2", got)
	}
	if got := len(e2.Strategy().History()); got != 2 {
		t.Errorf("history entries after restart = %d, want 2", got)
	}
}

func TestBreakerBlocksForcedEntry(t *testing.T) {
	e, data := newTestEngine(t, t.TempDir())
	data.set("BTC-USDC", trendingCandles(10, time.Now().UnixMilli()))

	e.Breaker().Observe(circuitInputsTripping())
	if !e.Breaker().Tripped() {
		t.Fatal("breaker should be tripped")
	}
	_, err := e.ForceTrade(context.Background(), ForceTradeRequest{
		Symbol: "BTC-USDC", Side: "BUY", NotionalUSD: 100, SLPct: 0.02, TPPct: 0.04,
	})
	if err == nil {
		t.Error("forced entry must be blocked while the breaker is open")
	}
}
