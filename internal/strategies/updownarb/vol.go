package updownarb

import "math"

// volEstimator 逐 tick 波动率估计：对最近 window 个中间价差分求标准差。
// 只在核心循环里读写，不加锁。
type volEstimator struct {
	diffs   []float64 // 环形缓冲，存相邻 mid 的差分
	idx     int
	count   int
	lastMid float64
	hasLast bool
}

func newVolEstimator(window int) *volEstimator {
	if window < 2 {
		window = 2
	}
	return &volEstimator{diffs: make([]float64, window)}
}

// Observe 记录一个新的中间价。mid <= 0（半边盘口缺失）直接忽略。
func (v *volEstimator) Observe(mid float64) {
	if mid <= 0 {
		return
	}
	if !v.hasLast {
		v.lastMid = mid
		v.hasLast = true
		return
	}
	v.diffs[v.idx] = mid - v.lastMid
	v.idx = (v.idx + 1) % len(v.diffs)
	if v.count < len(v.diffs) {
		v.count++
	}
	v.lastMid = mid
}

// Sigma 返回当前窗口的差分标准差；样本不足 2 个时返回 0。
func (v *volEstimator) Sigma() float64 {
	if v.count < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < v.count; i++ {
		sum += v.diffs[i]
	}
	mean := sum / float64(v.count)
	var ss float64
	for i := 0; i < v.count; i++ {
		d := v.diffs[i] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(v.count))
}

// Reset 清空窗口（切换市场时调用）。
func (v *volEstimator) Reset() {
	v.idx = 0
	v.count = 0
	v.hasLast = false
	v.lastMid = 0
}
