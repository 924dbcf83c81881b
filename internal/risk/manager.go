package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/strategy"
)

const (
	minTradableBalance = 15.0
	minNotional        = 10.0
)

// BuyRequest carries everything the gate chain needs for one entry.
type BuyRequest struct {
	Symbol        string
	Price         float64
	ATR           float64
	ATRPct        float64
	Regime        strategy.Regime
	Balance       float64
	Equity        float64
	OpenPositions int
}

// Approval is the sized, gated outcome of a BUY request.
type Approval struct {
	OK         bool     `json:"ok"`
	Qty        float64  `json:"qty"`
	Notional   float64  `json:"notional"`
	StopLoss   float64  `json:"stop_loss"`
	TakeProfit float64  `json:"take_profit"`
	RiskAmount float64  `json:"risk_amount"`
	Reasons    []string `json:"reasons"`
}

// Manager applies the layered risk gates and ATR-based sizing. Daily PnL
// and the loss streak are tracked here and reset at UTC midnight.
type Manager struct {
	logger zerolog.Logger

	mu         sync.Mutex
	dailyPnL   float64
	dailyDate  string
	lossStreak int
}

// NewManager creates a risk manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// RecordTradeResult folds one closed trade into the daily counters.
func (m *Manager) RecordTradeResult(pnl float64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(ts)
	m.dailyPnL += pnl
	if pnl < 0 {
		m.lossStreak++
	} else {
		m.lossStreak = 0
	}
}

// DailyPnL returns today's realized PnL.
func (m *Manager) DailyPnL(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(now)
	return m.dailyPnL
}

// LossStreak returns the current consecutive-loss count.
func (m *Manager) LossStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lossStreak
}

func (m *Manager) rolloverLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != m.dailyDate {
		m.dailyDate = day
		m.dailyPnL = 0
	}
}

// EvaluateBuy runs the gate chain and, if every gate passes, sizes the
// order from the ATR stop distance. A failed gate returns OK=false with the
// gate's reason; no order should be placed.
func (m *Manager) EvaluateBuy(req BuyRequest, params strategy.Parameters, now time.Time) Approval {
	m.mu.Lock()
	m.rolloverLocked(now)
	dailyPnL := m.dailyPnL
	lossStreak := m.lossStreak
	m.mu.Unlock()

	reject := func(reason string) Approval {
		m.logger.Debug().Str("symbol", req.Symbol).Str("reason", reason).Msg("buy rejected by risk gate")
		return Approval{Reasons: []string{reason}}
	}

	if req.Balance <= minTradableBalance {
		return reject(fmt.Sprintf("balance %.2f at or below tradable floor %.2f", req.Balance, minTradableBalance))
	}
	if req.Regime == strategy.RegimeChop {
		return reject("regime CHOP: volatility too low to trade")
	}
	if req.OpenPositions >= params.MaxConcurrentTrades {
		return reject(fmt.Sprintf("open positions %d at limit %d", req.OpenPositions, params.MaxConcurrentTrades))
	}
	maxDailyLoss := params.DailyMaxLossPct * req.Equity
	if dailyPnL <= -maxDailyLoss {
		return reject(fmt.Sprintf("daily pnl %.2f breaches max daily loss %.2f", dailyPnL, maxDailyLoss))
	}
	if lossStreak >= params.KillSwitchLosses {
		return reject(fmt.Sprintf("loss streak %d hit kill switch %d", lossStreak, params.KillSwitchLosses))
	}
	if req.ATRPct < params.MinATRPct || req.ATRPct > params.MaxATRPct {
		return reject(fmt.Sprintf("atrPct %.5f outside [%.5f, %.5f]", req.ATRPct, params.MinATRPct, params.MaxATRPct))
	}

	base := req.Equity * params.MaxRiskPerTradePct
	streakMult := math.Max(0.45, 1-0.15*float64(lossStreak))
	ddMult := 1.0
	if dailyPnL < 0 && maxDailyLoss > 0 {
		ddMult = math.Max(0.5, 1+dailyPnL/maxDailyLoss)
	}
	effectiveRisk := base * streakMult * ddMult

	stopDistance := req.ATR * params.StopLossATR * params.ATRMultiplier
	tpDistance := req.ATR * params.TakeProfitATR * params.ATRMultiplier
	if stopDistance <= 0 {
		return reject("degenerate stop distance")
	}

	qty := math.Min(effectiveRisk/stopDistance, req.Balance/req.Price)
	notional := qty * req.Price
	if notional < minNotional {
		return reject(fmt.Sprintf("notional %.2f below minimum %.2f", notional, minNotional))
	}

	return Approval{
		OK:         true,
		Qty:        qty,
		Notional:   notional,
		StopLoss:   req.Price - stopDistance,
		TakeProfit: req.Price + tpDistance,
		RiskAmount: effectiveRisk,
		Reasons: []string{
			fmt.Sprintf("sized qty=%.8f risk=%.2f streakMult=%.2f ddMult=%.2f", qty, effectiveRisk, streakMult, ddMult),
		},
	}
}

// EvaluateSell gates an exit: only allowed while holdings exist. Quantity
// defaults to the full position when zero or above holdings.
func (m *Manager) EvaluateSell(symbol string, holdings, qty float64) (float64, error) {
	if holdings <= 0 {
		return 0, fmt.Errorf("sell %s: no open holdings", symbol)
	}
	if qty <= 0 || qty > holdings {
		qty = holdings
	}
	return qty, nil
}
