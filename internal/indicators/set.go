package indicators

// Snapshot is the point-in-time view of all indicators for one symbol.
type Snapshot struct {
	Close       float64 `json:"close"`
	PrevClose   float64 `json:"prev_close"`
	EMAShort    float64 `json:"ema_short"`
	EMALong     float64 `json:"ema_long"`
	RSI         float64 `json:"rsi"`
	RSIRising   bool    `json:"rsi_rising"`
	ATR         float64 `json:"atr"`
	ATRPct      float64 `json:"atr_pct"`
	VolumeRatio float64 `json:"volume_ratio"`
	MACD        float64 `json:"macd"`
	MACDSignal  float64 `json:"macd_signal"`
	Bars        int     `json:"bars"`
}

// Set bundles the per-symbol indicator state. Updates are causal: each bar
// is folded in exactly once, in timestamp order.
type Set struct {
	emaShort *EMA
	emaLong  *EMA
	rsi      *RSI
	atr      *ATR
	volume   *VolumeSMA
	macd     *MACD

	bars      int
	close     float64
	prevClose float64
}

// NewSet creates the standard indicator bundle: EMA(9,21), RSI(14),
// ATR(14), volume SMA(20), MACD(12,26,9).
func NewSet() *Set {
	return &Set{
		emaShort: NewEMA(9),
		emaLong:  NewEMA(21),
		rsi:      NewRSI(14),
		atr:      NewATR(14),
		volume:   NewVolumeSMA(20),
		macd:     NewMACD(12, 26, 9),
	}
}

// Update folds in one closed bar.
func (s *Set) Update(high, low, close, volume float64) {
	s.prevClose = s.close
	s.close = close
	s.bars++

	s.emaShort.Update(close)
	s.emaLong.Update(close)
	s.rsi.Update(close)
	s.atr.Update(high, low, close)
	s.volume.Update(volume)
	s.macd.Update(close)
}

// Ready reports whether every required window is filled.
func (s *Set) Ready() bool {
	return s.emaShort.Ready() && s.emaLong.Ready() && s.rsi.Ready() &&
		s.atr.Ready() && s.volume.Ready() && s.macd.Ready()
}

// Bars returns how many bars have been folded in.
func (s *Set) Bars() int { return s.bars }

// Snapshot captures the current indicator values.
func (s *Set) Snapshot() Snapshot {
	atrPct := 0.0
	if s.close > 0 {
		atrPct = s.atr.Value() / s.close
	}
	return Snapshot{
		Close:       s.close,
		PrevClose:   s.prevClose,
		EMAShort:    s.emaShort.Value(),
		EMALong:     s.emaLong.Value(),
		RSI:         s.rsi.Value(),
		RSIRising:   s.rsi.Rising(),
		ATR:         s.atr.Value(),
		ATRPct:      atrPct,
		VolumeRatio: s.volume.Ratio(),
		MACD:        s.macd.Line(),
		MACDSignal:  s.macd.Signal(),
		Bars:        s.bars,
	}
}
