package market

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTC-USDC"},
		{"BTC-USDT", "BTC-USDC"},
		{"BTCUSDC", "BTC-USDC"},
		{"BTC-USDC", "BTC-USDC"},
		{"ethusdt", "ETH-USDC"},
		{" SOL-USDC ", "SOL-USDC"},
		{"BTCEUR", "BTCEUR"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVenueSymbol(t *testing.T) {
	if got := VenueSymbol(VenueKucoin, "BTC-USDC"); got != "BTC-USDC" {
		t.Errorf("kucoin symbol = %q, want BTC-USDC", got)
	}
	if got := VenueSymbol(VenueBinance, "BTC-USDC"); got != "BTCUSDC" {
		t.Errorf("binance symbol = %q, want BTCUSDC", got)
	}
	if got := VenueSymbol(VenueBybit, "BTC-USDC"); got != "BTCUSDC" {
		t.Errorf("bybit symbol = %q, want BTCUSDC", got)
	}
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Symbol: "BTC-USDC", OpenTime: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	bad := good
	bad.Low = 11.5
	if err := bad.Validate(); err == nil {
		t.Error("candle with low above open should be rejected")
	}

	nan := good
	nan.Close = math.NaN()
	if err := nan.Validate(); err == nil {
		t.Error("candle with NaN close should be rejected")
	}

	neg := good
	neg.Volume = -1
	if err := neg.Validate(); err == nil {
		t.Error("candle with negative volume should be rejected")
	}
}

func TestLatencyTracker(t *testing.T) {
	var lt latencyTracker
	if lt.value() != 0 {
		t.Fatal("fresh tracker should report zero")
	}
	lt.observe(100)
	if lt.value() != 100 {
		t.Errorf("first observation should seed the average, got %d", lt.value())
	}
	lt.observe(200)
	got := lt.value()
	if got <= 100 || got >= 200 {
		t.Errorf("EWMA should land between samples, got %d", got)
	}
}
