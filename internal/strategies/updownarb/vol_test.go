package updownarb

import (
	"math"
	"testing"
)

func TestVolEstimatorConstantDrift(t *testing.T) {
	v := newVolEstimator(10)
	// 匀速单边漂移的差分恒定，标准差为 0
	for _, mid := range []float64{0.50, 0.51, 0.52, 0.53, 0.54} {
		v.Observe(mid)
	}
	if got := v.Sigma(); math.Abs(got) > 1e-12 {
		t.Fatalf("匀速漂移 Sigma = %v, want 0", got)
	}
}

func TestVolEstimatorAlternating(t *testing.T) {
	v := newVolEstimator(10)
	for _, mid := range []float64{0.50, 0.51, 0.50, 0.51, 0.50, 0.51} {
		v.Observe(mid)
	}
	// 差分 [+0.01,-0.01,+0.01,-0.01,+0.01]：均值 0.002，σ=sqrt(0.000096)
	want := math.Sqrt(0.000096)
	if got := v.Sigma(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Sigma = %v, want %v", got, want)
	}
}

func TestVolEstimatorWindowEviction(t *testing.T) {
	v := newVolEstimator(3)
	// 前段剧烈波动，窗口滑过之后只剩平稳段
	for _, mid := range []float64{0.10, 0.90, 0.10, 0.50, 0.50, 0.50, 0.50} {
		v.Observe(mid)
	}
	if got := v.Sigma(); math.Abs(got) > 1e-12 {
		t.Fatalf("窗口滑出后 Sigma = %v, want 0", got)
	}
}

func TestVolEstimatorIgnoresMissingSide(t *testing.T) {
	v := newVolEstimator(10)
	v.Observe(0.50)
	v.Observe(0) // 半边盘口缺失时 Mid 为 0，不能当成价格跳变
	v.Observe(0.50)
	if got := v.Sigma(); math.Abs(got) > 1e-12 {
		t.Fatalf("缺失 mid 混入差分: Sigma = %v", got)
	}
}

func TestVolEstimatorReset(t *testing.T) {
	v := newVolEstimator(5)
	for _, mid := range []float64{0.30, 0.70, 0.30} {
		v.Observe(mid)
	}
	v.Reset()
	if got := v.Sigma(); got != 0 {
		t.Fatalf("Reset 后 Sigma = %v, want 0", got)
	}
	// Reset 后首个观测只做基准，不产生差分
	v.Observe(0.60)
	if got := v.Sigma(); got != 0 {
		t.Fatalf("Reset 后单个观测 Sigma = %v, want 0", got)
	}
}
