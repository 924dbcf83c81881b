package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dust = 1e-6

// Lot is one open position slice with its own stop and target.
type Lot struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	EntryPrice         float64   `json:"entry_price"`
	Amount             float64   `json:"amount"`
	StopLoss           float64   `json:"stop_loss"`
	TakeProfit         float64   `json:"take_profit"`
	Ts                 time.Time `json:"ts"`
	InitialRiskPerUnit float64   `json:"initial_risk_per_unit"`
	EntryFeePerUnit    float64   `json:"entry_fee_per_unit"`
	StrategyVersion    int       `json:"strategy_version"`
}

// ConsumedSlice is the portion of one lot removed by a SELL. Closed marks
// lots that were fully consumed.
type ConsumedSlice struct {
	LotID       string  `json:"lot_id"`
	Qty         float64 `json:"qty"`
	EntryPrice  float64 `json:"entry_price"`
	RiskPerUnit float64 `json:"risk_per_unit"`
	FeePerUnit  float64 `json:"fee_per_unit"`
	Closed      bool    `json:"closed"`
}

// ConsumeResult is the weighted view of the slice a SELL removed, plus the
// per-lot breakdown so realized PnL can be attributed lot by lot.
type ConsumeResult struct {
	Qty                 float64         `json:"qty"`
	WeightedEntry       float64         `json:"weighted_entry"`
	WeightedRiskPerUnit float64         `json:"weighted_risk_per_unit"`
	WeightedFeePerUnit  float64         `json:"weighted_fee_per_unit"`
	Slices              []ConsumedSlice `json:"slices"`
}

// ExitCandidate pairs a lot with the reason its exit level was hit.
type ExitCandidate struct {
	Lot    Lot    `json:"lot"`
	Reason string `json:"reason"` // STOP_LOSS or TAKE_PROFIT
}

// Ledger owns cash balance and the FIFO lot book per symbol. Lots live in a
// slice per symbol in insertion order plus an id index, so consume walks
// forward without rewriting the whole book.
type Ledger struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	lots     map[string][]*Lot
	byID     map[string]*Lot
	holdings map[string]float64
	avgEntry map[string]float64
}

// New creates a ledger with the given starting cash balance.
func New(initialBalance float64) *Ledger {
	return &Ledger{
		balance:  decimal.NewFromFloat(initialBalance),
		lots:     make(map[string][]*Lot),
		byID:     make(map[string]*Lot),
		holdings: make(map[string]float64),
		avgEntry: make(map[string]float64),
	}
}

// Balance returns the current cash balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, _ := l.balance.Float64()
	return f
}

// Holdings returns the open amount for symbol.
func (l *Ledger) Holdings(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdings[symbol]
}

// AvgEntry returns the average entry price over the remaining lots.
func (l *Ledger) AvgEntry(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.avgEntry[symbol]
}

// OpenLots returns copies of the open lots for symbol, oldest first.
func (l *Ledger) OpenLots(symbol string) []Lot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Lot, 0, len(l.lots[symbol]))
	for _, lot := range l.lots[symbol] {
		out = append(out, *lot)
	}
	return out
}

// OpenPositionCount returns the number of symbols with open holdings.
func (l *Ledger) OpenPositionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, h := range l.holdings {
		if h > dust {
			n++
		}
	}
	return n
}

// Open records a BUY fill as a new lot, debiting cash by notional plus fee.
func (l *Ledger) Open(symbol string, fillPrice, qty, stopLoss, takeProfit, fee, riskPerUnit float64, ts time.Time, strategyVersion int) (Lot, error) {
	if qty <= 0 {
		return Lot{}, fmt.Errorf("open %s: non-positive quantity %v", symbol, qty)
	}
	if !(stopLoss < fillPrice && fillPrice < takeProfit) {
		return Lot{}, fmt.Errorf("open %s: levels must satisfy sl %v < entry %v < tp %v", symbol, stopLoss, fillPrice, takeProfit)
	}

	cost := decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromFloat(qty)).Add(decimal.NewFromFloat(fee))

	l.mu.Lock()
	defer l.mu.Unlock()
	if cost.GreaterThan(l.balance) {
		cf, _ := cost.Float64()
		bf, _ := l.balance.Float64()
		return Lot{}, fmt.Errorf("open %s: cost %.6f exceeds balance %.6f", symbol, cf, bf)
	}

	lot := &Lot{
		ID:                 uuid.NewString(),
		Symbol:             symbol,
		EntryPrice:         fillPrice,
		Amount:             qty,
		StopLoss:           stopLoss,
		TakeProfit:         takeProfit,
		Ts:                 ts,
		InitialRiskPerUnit: riskPerUnit,
		EntryFeePerUnit:    fee / qty,
		StrategyVersion:    strategyVersion,
	}
	l.balance = l.balance.Sub(cost)
	l.lots[symbol] = append(l.lots[symbol], lot)
	l.byID[lot.ID] = lot
	l.recomputeLocked(symbol)
	return *lot, nil
}

// Credit adds delta to the cash balance. Used when replaying realized PnL
// during restart recovery.
func (l *Ledger) Credit(delta float64) {
	l.mu.Lock()
	l.balance = l.balance.Add(decimal.NewFromFloat(delta))
	l.mu.Unlock()
}

// RestoreLot re-inserts a previously journaled lot, keeping its original id,
// and debits its cost. No balance check: the journal is the authority during
// recovery and restore order is not guaranteed to match trade order.
func (l *Ledger) RestoreLot(lot Lot) error {
	if lot.ID == "" || lot.Amount <= 0 {
		return fmt.Errorf("restore %s: invalid lot %+v", lot.Symbol, lot)
	}
	cost := decimal.NewFromFloat(lot.EntryPrice).Mul(decimal.NewFromFloat(lot.Amount)).
		Add(decimal.NewFromFloat(lot.EntryFeePerUnit * lot.Amount))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[lot.ID]; exists {
		return fmt.Errorf("restore %s: lot %s already present", lot.Symbol, lot.ID)
	}
	c := lot
	l.balance = l.balance.Sub(cost)
	l.lots[lot.Symbol] = append(l.lots[lot.Symbol], &c)
	l.byID[lot.ID] = &c
	l.recomputeLocked(lot.Symbol)
	return nil
}

// Consume removes qty from the symbol's lots in FIFO order, or only from
// the targeted lot when targetID is given. It returns the weighted entry,
// risk and fee per unit of the consumed slice. Cash is not touched here;
// Settle credits the proceeds once the exit fill is known.
func (l *Ledger) Consume(symbol string, qty float64, targetID string) (ConsumeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if qty <= 0 {
		return ConsumeResult{}, fmt.Errorf("consume %s: non-positive quantity %v", symbol, qty)
	}
	if l.holdings[symbol]+dust < qty {
		return ConsumeResult{}, fmt.Errorf("consume %s: quantity %v exceeds holdings %v", symbol, qty, l.holdings[symbol])
	}

	var res ConsumeResult
	var weightedEntry, weightedRisk, weightedFee float64
	remaining := qty

	book := l.lots[symbol]
	for _, lot := range book {
		if remaining <= dust {
			break
		}
		if targetID != "" && lot.ID != targetID {
			continue
		}
		take := lot.Amount
		if take > remaining {
			take = remaining
		}
		weightedEntry += lot.EntryPrice * take
		weightedRisk += lot.InitialRiskPerUnit * take
		weightedFee += lot.EntryFeePerUnit * take
		lot.Amount -= take
		remaining -= take
		res.Slices = append(res.Slices, ConsumedSlice{
			LotID:       lot.ID,
			Qty:         take,
			EntryPrice:  lot.EntryPrice,
			RiskPerUnit: lot.InitialRiskPerUnit,
			FeePerUnit:  lot.EntryFeePerUnit,
			Closed:      lot.Amount <= dust,
		})
	}
	if remaining > dust {
		return ConsumeResult{}, fmt.Errorf("consume %s: could not fill %v from lots", symbol, remaining)
	}

	consumed := qty - remaining
	res.Qty = consumed
	res.WeightedEntry = weightedEntry / consumed
	res.WeightedRiskPerUnit = weightedRisk / consumed
	res.WeightedFeePerUnit = weightedFee / consumed

	// drop emptied lots, keep insertion order
	kept := book[:0]
	for _, lot := range book {
		if lot.Amount > dust {
			kept = append(kept, lot)
		} else {
			delete(l.byID, lot.ID)
		}
	}
	l.lots[symbol] = kept
	l.recomputeLocked(symbol)
	return res, nil
}

// Settle credits the cash proceeds of an exit fill, net of the exit fee.
func (l *Ledger) Settle(fillPrice, qty, fee float64) {
	proceeds := decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromFloat(qty)).Sub(decimal.NewFromFloat(fee))
	l.mu.Lock()
	l.balance = l.balance.Add(proceeds)
	l.mu.Unlock()
}

// AutoExits scans the symbol's open lots against the mark price. Stop-loss
// is checked before take-profit for every lot.
func (l *Ledger) AutoExits(symbol string, price float64) []ExitCandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ExitCandidate
	for _, lot := range l.lots[symbol] {
		switch {
		case price <= lot.StopLoss:
			out = append(out, ExitCandidate{Lot: *lot, Reason: "STOP_LOSS"})
		case price >= lot.TakeProfit:
			out = append(out, ExitCandidate{Lot: *lot, Reason: "TAKE_PROFIT"})
		}
	}
	return out
}

// TotalPortfolioValue recomputes cash plus the mark value of every holding.
func (l *Ledger) TotalPortfolioValue(markPrices map[string]float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.balance
	for symbol, amount := range l.holdings {
		if amount <= dust {
			continue
		}
		total = total.Add(decimal.NewFromFloat(markPrices[symbol]).Mul(decimal.NewFromFloat(amount)))
	}
	f, _ := total.Float64()
	return f
}

// recomputeLocked rebuilds holdings and average entry from remaining lots.
// Totals below the dust threshold collapse to exactly zero.
func (l *Ledger) recomputeLocked(symbol string) {
	var amount, notional float64
	for _, lot := range l.lots[symbol] {
		amount += lot.Amount
		notional += lot.EntryPrice * lot.Amount
	}
	if amount < dust {
		l.holdings[symbol] = 0
		l.avgEntry[symbol] = 0
		return
	}
	l.holdings[symbol] = amount
	l.avgEntry[symbol] = notional / amount
}
