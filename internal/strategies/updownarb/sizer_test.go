package updownarb

import (
	"math"
	"testing"
	"time"
)

func TestCoreSizerBaseline(t *testing.T) {
	s := coreSizer{baseUSD: 50, minShares: 5, decayStart: 6}
	// 衰减开始前：$50 按 0.50 参考价换算成 100 份
	if got := s.Shares(3*time.Minute, 0); got != 100 {
		t.Fatalf("Shares = %v, want 100", got)
	}
	// 正好第 6 分钟还不衰减
	if got := s.Shares(6*time.Minute+30*time.Second, 0); got != 100 {
		t.Fatalf("第 6 分钟 Shares = %v, want 100", got)
	}
}

func TestCoreSizerTimeDecay(t *testing.T) {
	s := coreSizer{baseUSD: 50, minShares: 5, decayStart: 6}
	// 第 8 分钟：100 × 0.8² = 64
	if got := s.Shares(8*time.Minute, 0); math.Abs(got-64) > 1e-9 {
		t.Fatalf("第 8 分钟 Shares = %v, want 64", got)
	}
	// 第 10 分钟：100 × 0.8⁴ = 40.96
	if got := s.Shares(10*time.Minute, 0); math.Abs(got-40.96) > 1e-9 {
		t.Fatalf("第 10 分钟 Shares = %v, want 40.96", got)
	}
}

func TestCoreSizerLockDecay(t *testing.T) {
	s := coreSizer{baseUSD: 50, minShares: 5, decayStart: 6}
	if got := s.Shares(time.Minute, 1); math.Abs(got-70) > 1e-9 {
		t.Fatalf("锁利 1 次 Shares = %v, want 70", got)
	}
	if got := s.Shares(time.Minute, 2); math.Abs(got-49) > 1e-9 {
		t.Fatalf("锁利 2 次 Shares = %v, want 49", got)
	}
}

func TestCoreSizerFloor(t *testing.T) {
	s := coreSizer{baseUSD: 1, minShares: 5, decayStart: 6}
	// $1 只换得 2 份，被平台最小份数顶起
	if got := s.Shares(time.Minute, 0); got != 5 {
		t.Fatalf("Shares = %v, want 5（平台下限）", got)
	}
	// 深度衰减叠加后同样不跌破下限
	s.baseUSD = 50
	if got := s.Shares(14*time.Minute, 5); got != 5 {
		t.Fatalf("深度衰减 Shares = %v, want 5", got)
	}
}
