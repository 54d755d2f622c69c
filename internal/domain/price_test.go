package domain

import (
	"testing"

	"github.com/arbx/goarb/clob/types"
)

// TestPriceConversions pips/小数/分换算
func TestPriceConversions(t *testing.T) {
	cases := []struct {
		decimal float64
		pips    int
		cents   int
	}{
		{0.50, 5000, 50},
		{0.01, 100, 1},
		{0.99, 9900, 99},
		{0.4550, 4550, 46},
		{0.0001, 1, 0},
	}
	for _, c := range cases {
		p := PriceFromDecimal(c.decimal)
		if p.Pips != c.pips {
			t.Errorf("PriceFromDecimal(%v).Pips = %d, want %d", c.decimal, p.Pips, c.pips)
		}
		if p.ToCents() != c.cents {
			t.Errorf("Price(%v).ToCents() = %d, want %d", c.decimal, p.ToCents(), c.cents)
		}
	}
}

// TestPriceCentArithmetic 按分加减
func TestPriceCentArithmetic(t *testing.T) {
	p := PriceFromDecimal(0.72)
	if got := p.AddCents(1).ToDecimal(); got != 0.73 {
		t.Errorf("AddCents(1) = %v, want 0.73", got)
	}
	if got := p.SubCents(15).ToDecimal(); got != 0.57 {
		t.Errorf("SubCents(15) = %v, want 0.57", got)
	}
}

// TestRoundToTick 不同 tick 下的取整
func TestRoundToTick(t *testing.T) {
	cases := []struct {
		in   float64
		tick types.TickSize
		want float64
	}{
		{0.4567, types.TickSize001, 0.46},
		{0.4543, types.TickSize001, 0.45},
		{0.4567, types.TickSize0001, 0.457},
		{0.4567, types.TickSize00001, 0.4567},
		{0.44, types.TickSize01, 0.4},
	}
	for _, c := range cases {
		got := PriceFromDecimal(c.in).RoundToTick(c.tick).ToDecimal()
		if got != c.want {
			t.Errorf("RoundToTick(%v, %s) = %v, want %v", c.in, c.tick, got, c.want)
		}
	}
}

// TestClampToBand 价格钳制到 [tick, 1-tick]
func TestClampToBand(t *testing.T) {
	cases := []struct {
		in   float64
		tick types.TickSize
		want float64
	}{
		{0.005, types.TickSize001, 0.01},
		{0.995, types.TickSize001, 0.99},
		{-0.10, types.TickSize001, 0.01},
		{1.20, types.TickSize001, 0.99},
		{0.50, types.TickSize001, 0.50},
		{0.0004, types.TickSize0001, 0.001},
	}
	for _, c := range cases {
		got := PriceFromDecimal(c.in).ClampToBand(c.tick).ToDecimal()
		if got != c.want {
			t.Errorf("ClampToBand(%v, %s) = %v, want %v", c.in, c.tick, got, c.want)
		}
	}
}

// TestNormalizeOrderID 订单 ID 全链路小写
func TestNormalizeOrderID(t *testing.T) {
	if got := NormalizeOrderID("  0xABCdef123  "); got != "0xabcdef123" {
		t.Errorf("NormalizeOrderID = %q", got)
	}
}

// TestOrderFillLifecycle 订单累计成交与 90% 清除线
func TestOrderFillLifecycle(t *testing.T) {
	o := NewOrder("0xAAA", "btc-updown-15m-1", "tok", types.SideBuy, PriceFromDecimal(0.50), 100, RoleAccumulation, types.OrderTypeGTC)
	if o.OrderID != "0xaaa" {
		t.Errorf("order id not lowercased: %q", o.OrderID)
	}
	if o.FilledSize != 0 {
		t.Errorf("initial FilledSize = %v, want 0", o.FilledSize)
	}

	o.ApplyFill(40, 0.50)
	o.ApplyFill(45, 0.48)
	// 85 < 90，还不算接近全成交
	if o.NearlyFilled() {
		t.Error("85/100 should not reach the 90% line yet")
	}
	if o.FilledSize != 85 {
		t.Errorf("FilledSize = %v, want 85", o.FilledSize)
	}

	o.ApplyFill(10, 0.48)
	if !o.NearlyFilled() {
		t.Error("95/100 should pass the 90% line")
	}
	if o.Status == OrderStatusMatched {
		t.Error("95/100 is not fully matched yet")
	}

	o.ApplyFill(5, 0.48)
	if o.Status != OrderStatusMatched {
		t.Errorf("status = %s, want matched", o.Status)
	}
}

// TestMarketComplement 二元市场对侧查找
func TestMarketComplement(t *testing.T) {
	m := &Market{
		Slug:        "nhl-tor-bos-2026-01-01",
		ConditionID: "0xcond",
		Outcomes: []Outcome{
			{Label: "Maple Leafs", AssetID: "tokA", Index: 0},
			{Label: "Bruins", AssetID: "tokB", Index: 1},
		},
	}
	c, ok := m.Complement("tokA")
	if !ok || c.AssetID != "tokB" {
		t.Errorf("Complement(tokA) = %+v, %v", c, ok)
	}
	if _, ok := m.Complement("nope"); ok {
		t.Error("unknown asset should not resolve")
	}
	if o, ok := m.OutcomeByLabel("bruins"); !ok || o.AssetID != "tokB" {
		t.Errorf("OutcomeByLabel case-insensitive lookup failed: %+v %v", o, ok)
	}
}
