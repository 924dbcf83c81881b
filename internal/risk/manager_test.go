package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/strategy"
)

func baseRequest() BuyRequest {
	return BuyRequest{
		Symbol:        "BTC-USDC",
		Price:         60000,
		ATR:           120,
		ATRPct:        0.002,
		Regime:        strategy.RegimeTrendingUp,
		Balance:       1000,
		Equity:        1000,
		OpenPositions: 0,
	}
}

func TestEvaluateBuyApproves(t *testing.T) {
	m := NewManager(zerolog.Nop())
	p := strategy.DefaultParameters()
	now := time.Unix(1_700_000_000, 0)

	a := m.EvaluateBuy(baseRequest(), p, now)
	if !a.OK {
		t.Fatalf("healthy request rejected: %v", a.Reasons)
	}

	// qty = min(risk/stopDistance, balance/price)
	stopDistance := 120 * p.StopLossATR * p.ATRMultiplier
	wantQty := math.Min(1000*p.MaxRiskPerTradePct/stopDistance, 1000.0/60000)
	if math.Abs(a.Qty-wantQty) > 1e-12 {
		t.Errorf("qty = %v, want %v", a.Qty, wantQty)
	}
	if a.StopLoss >= 60000 || a.TakeProfit <= 60000 {
		t.Errorf("levels not bracketing price: sl=%v tp=%v", a.StopLoss, a.TakeProfit)
	}
}

func TestGateChain(t *testing.T) {
	p := strategy.DefaultParameters()
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name   string
		mutate func(*BuyRequest, *Manager)
		want   string
	}{
		{"low balance", func(r *BuyRequest, m *Manager) { r.Balance = 12 }, "tradable floor"},
		{"chop regime", func(r *BuyRequest, m *Manager) { r.Regime = strategy.RegimeChop }, "CHOP"},
		{"position limit", func(r *BuyRequest, m *Manager) { r.OpenPositions = p.MaxConcurrentTrades }, "at limit"},
		{"daily loss", func(r *BuyRequest, m *Manager) {
			m.RecordTradeResult(-p.DailyMaxLossPct*r.Equity-1, now)
		}, "max daily loss"},
		{"kill switch", func(r *BuyRequest, m *Manager) {
			for i := 0; i < p.KillSwitchLosses; i++ {
				m.RecordTradeResult(-0.01, now)
			}
		}, "kill switch"},
		{"atr too low", func(r *BuyRequest, m *Manager) { r.ATRPct = p.MinATRPct / 2 }, "atrPct"},
		{"atr too high", func(r *BuyRequest, m *Manager) { r.ATRPct = p.MaxATRPct * 2 }, "atrPct"},
		{"tiny notional", func(r *BuyRequest, m *Manager) { r.ATR = 60000 }, "below minimum"},
	}

	for _, tc := range cases {
		m := NewManager(zerolog.Nop())
		req := baseRequest()
		tc.mutate(&req, m)
		a := m.EvaluateBuy(req, p, now)
		if a.OK {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if len(a.Reasons) == 0 || !strings.Contains(a.Reasons[0], tc.want) {
			t.Errorf("%s: reason %v does not mention %q", tc.name, a.Reasons, tc.want)
		}
	}
}

func TestRiskScalingUnderLosses(t *testing.T) {
	p := strategy.DefaultParameters()
	now := time.Unix(1_700_000_000, 0)

	clean := NewManager(zerolog.Nop())
	baseline := clean.EvaluateBuy(baseRequest(), p, now)

	streaky := NewManager(zerolog.Nop())
	streaky.RecordTradeResult(-1, now)
	streaky.RecordTradeResult(-1, now)
	scaled := streaky.EvaluateBuy(baseRequest(), p, now)

	if !scaled.OK {
		t.Fatalf("two small losses should still allow trading: %v", scaled.Reasons)
	}
	if scaled.RiskAmount >= baseline.RiskAmount {
		t.Errorf("loss streak should shrink risk: %v >= %v", scaled.RiskAmount, baseline.RiskAmount)
	}

	// streak multiplier floors at 0.45
	floor := NewManager(zerolog.Nop())
	for i := 0; i < 3; i++ {
		floor.RecordTradeResult(-0.001, now)
	}
	floored := floor.EvaluateBuy(baseRequest(), p, now)
	if floored.OK && floored.RiskAmount < baseline.RiskAmount*0.45*0.49 {
		t.Errorf("risk fell below combined floors: %v", floored.RiskAmount)
	}
}

func TestDailyRollover(t *testing.T) {
	m := NewManager(zerolog.Nop())
	day1 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC)

	m.RecordTradeResult(-50, day1)
	if m.DailyPnL(day1) != -50 {
		t.Errorf("daily pnl = %v", m.DailyPnL(day1))
	}
	if m.DailyPnL(day2) != 0 {
		t.Errorf("pnl should reset at UTC midnight, got %v", m.DailyPnL(day2))
	}
	// loss streak survives the rollover
	if m.LossStreak() != 1 {
		t.Errorf("loss streak should persist across days, got %d", m.LossStreak())
	}
}

func TestEvaluateSell(t *testing.T) {
	m := NewManager(zerolog.Nop())
	if _, err := m.EvaluateSell("BTC-USDC", 0, 1); err == nil {
		t.Error("sell with no holdings must fail")
	}
	qty, err := m.EvaluateSell("BTC-USDC", 2, 0)
	if err != nil || qty != 2 {
		t.Errorf("zero qty should default to full position, got %v err %v", qty, err)
	}
	qty, _ = m.EvaluateSell("BTC-USDC", 2, 5)
	if qty != 2 {
		t.Errorf("oversized qty should cap at holdings, got %v", qty)
	}
	qty, _ = m.EvaluateSell("BTC-USDC", 2, 0.5)
	if qty != 0.5 {
		t.Errorf("partial qty should pass through, got %v", qty)
	}
}
