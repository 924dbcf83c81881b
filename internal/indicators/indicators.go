package indicators

import (
	"math"
)

// EMA is an incremental exponential moving average, seeded with the SMA of
// the first period values.
type EMA struct {
	period int
	count  int
	sum    float64
	value  float64
}

// NewEMA creates an EMA over period bars.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

// Update folds in one close and returns the current value. The value is
// meaningless until Ready reports true.
func (e *EMA) Update(close float64) float64 {
	e.count++
	if e.count <= e.period {
		e.sum += close
		e.value = e.sum / float64(e.count)
		return e.value
	}
	k := 2.0 / float64(e.period+1)
	e.value = (close-e.value)*k + e.value
	return e.value
}

// Ready reports whether the seeding window is filled.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Value returns the latest EMA.
func (e *EMA) Value() float64 { return e.value }

// RSI implements Wilder's relative strength index.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	prevValue float64
	value     float64
}

// NewRSI creates an RSI over period bars.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update folds in one close.
func (r *RSI) Update(close float64) float64 {
	if r.count == 0 {
		r.prevClose = close
		r.count = 1
		r.value = 50
		return r.value
	}

	delta := close - r.prevClose
	r.prevClose = close
	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period {
		// accumulate the seed averages
		r.avgGain += gain / float64(r.period)
		r.avgLoss += loss / float64(r.period)
	} else {
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
	r.count++

	r.prevValue = r.value
	if r.avgLoss == 0 {
		r.value = 100
	} else {
		rs := r.avgGain / r.avgLoss
		r.value = 100 - 100/(1+rs)
	}
	return r.value
}

// Ready reports whether enough deltas have been seen.
func (r *RSI) Ready() bool { return r.count > r.period }

// Value returns the latest RSI.
func (r *RSI) Value() float64 { return r.value }

// Rising reports whether the last update moved the RSI up.
func (r *RSI) Rising() bool { return r.value > r.prevValue }

// ATR implements Wilder's average true range.
type ATR struct {
	period    int
	count     int
	prevClose float64
	sum       float64
	value     float64
}

// NewATR creates an ATR over period bars.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Update folds in one bar.
func (a *ATR) Update(high, low, close float64) float64 {
	tr := high - low
	if a.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	}
	a.prevClose = close
	a.count++

	if a.count <= a.period {
		a.sum += tr
		a.value = a.sum / float64(a.count)
		return a.value
	}
	p := float64(a.period)
	a.value = (a.value*(p-1) + tr) / p
	return a.value
}

// Ready reports whether the seeding window is filled.
func (a *ATR) Ready() bool { return a.count >= a.period }

// Value returns the latest ATR.
func (a *ATR) Value() float64 { return a.value }

// VolumeSMA keeps a rolling simple average of volume and the ratio of the
// latest volume to that average.
type VolumeSMA struct {
	window []float64
	size   int
	head   int
	count  int
	sum    float64
	latest float64
}

// NewVolumeSMA creates a rolling volume average over size bars.
func NewVolumeSMA(size int) *VolumeSMA {
	return &VolumeSMA{window: make([]float64, size), size: size}
}

// Update folds in one volume sample.
func (v *VolumeSMA) Update(volume float64) {
	if v.count == v.size {
		v.sum -= v.window[v.head]
	} else {
		v.count++
	}
	v.window[v.head] = volume
	v.head = (v.head + 1) % v.size
	v.sum += volume
	v.latest = volume
}

// Ready reports whether the window is filled.
func (v *VolumeSMA) Ready() bool { return v.count >= v.size }

// Value returns the rolling average.
func (v *VolumeSMA) Value() float64 {
	if v.count == 0 {
		return 0
	}
	return v.sum / float64(v.count)
}

// Ratio returns latest volume over the rolling average.
func (v *VolumeSMA) Ratio() float64 {
	avg := v.Value()
	if avg == 0 {
		return 0
	}
	return v.latest / avg
}

// MACD is EMA(fast) - EMA(slow) with an EMA(signal) of the MACD line.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
	line   float64
}

// NewMACD creates a MACD with the given EMA periods.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{fast: NewEMA(fast), slow: NewEMA(slow), signal: NewEMA(signal)}
}

// Update folds in one close and returns (line, signal).
func (m *MACD) Update(close float64) (float64, float64) {
	f := m.fast.Update(close)
	s := m.slow.Update(close)
	m.line = f - s
	sig := m.signal.Update(m.line)
	return m.line, sig
}

// Ready reports whether the slow and signal windows are filled.
func (m *MACD) Ready() bool { return m.slow.Ready() && m.signal.Ready() }

// Line returns the latest MACD line value.
func (m *MACD) Line() float64 { return m.line }

// Signal returns the latest signal line value.
func (m *MACD) Signal() float64 { return m.signal.Value() }
