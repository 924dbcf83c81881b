package indicators

import (
	"math"
	"testing"
)

func TestEMASeedsWithSMA(t *testing.T) {
	e := NewEMA(3)
	e.Update(10)
	e.Update(20)
	v := e.Update(30)
	if math.Abs(v-20) > 1e-12 {
		t.Errorf("seed value = %v, want SMA 20", v)
	}
	if !e.Ready() {
		t.Error("EMA should be ready after period bars")
	}

	// after seeding: (40-20)*0.5 + 20 = 30
	v = e.Update(40)
	if math.Abs(v-30) > 1e-12 {
		t.Errorf("post-seed value = %v, want 30", v)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := NewRSI(14)
	for i := 0; i < 30; i++ {
		up.Update(100 + float64(i))
	}
	if !up.Ready() {
		t.Fatal("RSI should be ready after 30 bars")
	}
	if up.Value() != 100 {
		t.Errorf("monotone rising closes should give RSI 100, got %v", up.Value())
	}

	down := NewRSI(14)
	for i := 0; i < 30; i++ {
		down.Update(100 - float64(i))
	}
	if down.Value() > 1 {
		t.Errorf("monotone falling closes should give RSI near 0, got %v", down.Value())
	}
}

func TestATRConstantRange(t *testing.T) {
	a := NewATR(14)
	for i := 0; i < 40; i++ {
		// constant 2-point range, no gaps
		a.Update(101, 99, 100)
	}
	if !a.Ready() {
		t.Fatal("ATR should be ready")
	}
	if math.Abs(a.Value()-2) > 1e-9 {
		t.Errorf("constant range should converge to 2, got %v", a.Value())
	}
}

func TestVolumeSMARolls(t *testing.T) {
	v := NewVolumeSMA(3)
	v.Update(10)
	v.Update(20)
	if v.Ready() {
		t.Error("window of 3 should not be ready after 2 samples")
	}
	v.Update(30)
	if !v.Ready() {
		t.Fatal("window should be ready")
	}
	if math.Abs(v.Value()-20) > 1e-12 {
		t.Errorf("avg = %v, want 20", v.Value())
	}
	v.Update(60) // window is now 20,30,60
	if math.Abs(v.Value()-110.0/3) > 1e-12 {
		t.Errorf("rolled avg = %v, want %v", v.Value(), 110.0/3)
	}
	if math.Abs(v.Ratio()-60/(110.0/3)) > 1e-12 {
		t.Errorf("ratio = %v", v.Ratio())
	}
}

func TestMACDFlatSeries(t *testing.T) {
	m := NewMACD(12, 26, 9)
	for i := 0; i < 60; i++ {
		m.Update(100)
	}
	if !m.Ready() {
		t.Fatal("MACD should be ready after 60 bars")
	}
	if math.Abs(m.Line()) > 1e-9 || math.Abs(m.Signal()) > 1e-9 {
		t.Errorf("flat series should give zero MACD, got line=%v signal=%v", m.Line(), m.Signal())
	}
}

func TestSetReadiness(t *testing.T) {
	s := NewSet()
	for i := 0; i < 34; i++ {
		price := 100 + float64(i)*0.1
		s.Update(price+0.5, price-0.5, price, 1000)
	}
	// slow EMA(26) + signal(9) is the longest chain; 34 bars is still short
	if s.Ready() {
		t.Error("set should not be ready before the MACD signal window fills")
	}
	for i := 0; i < 16; i++ {
		price := 103.4 + float64(i)*0.1
		s.Update(price+0.5, price-0.5, price, 1000)
	}
	if !s.Ready() {
		t.Error("set should be ready after 50 bars")
	}

	snap := s.Snapshot()
	if snap.Bars != 50 {
		t.Errorf("bars = %d, want 50", snap.Bars)
	}
	if snap.ATRPct <= 0 {
		t.Errorf("atrPct should be positive, got %v", snap.ATRPct)
	}
	if snap.EMAShort <= snap.EMALong {
		t.Error("rising series should put short EMA above long EMA")
	}
}

func TestSetDeterminism(t *testing.T) {
	run := func() Snapshot {
		s := NewSet()
		for i := 0; i < 80; i++ {
			price := 60000 + 10*float64(i)
			s.Update(price+5, price-5, price, 1200+float64(i%7)*10)
		}
		return s.Snapshot()
	}
	a, b := run(), run()
	if a != b {
		t.Errorf("identical input produced different snapshots:\n%+v\n%+v", a, b)
	}
}
