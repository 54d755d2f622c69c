package updownarb

import (
	"math"
	"testing"
)

func TestDynamicThresholdAnchors(t *testing.T) {
	// 各分段端点与中点：0~100 走 100%->86%，100~500 走 86%->30%，
	// 500~2000 走 30%->5%，之后踩 5% 下限
	cases := []struct {
		shares float64
		want   float64
	}{
		{0, 1.0},
		{50, 0.93},
		{100, 0.86},
		{300, 0.58},
		{500, 0.30},
		{1250, 0.175},
		{2000, 0.05},
		{5000, 0.05},
	}
	for _, c := range cases {
		got := dynamicThreshold(c.shares)
		if math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("dynamicThreshold(%.0f) = %.4f, want %.4f", c.shares, got, c.want)
		}
	}
}

// 门槛必须随总持仓单调不增，且始终不低于 5%
func TestDynamicThresholdMonotone(t *testing.T) {
	prev := dynamicThreshold(0)
	for shares := 1.0; shares <= 3000; shares++ {
		cur := dynamicThreshold(shares)
		if cur > prev+1e-12 {
			t.Fatalf("门槛在 %.0f 份处回升: %.6f -> %.6f", shares, prev, cur)
		}
		if cur < 0.05-1e-12 {
			t.Fatalf("门槛在 %.0f 份处跌破下限: %.6f", shares, cur)
		}
		prev = cur
	}
}
