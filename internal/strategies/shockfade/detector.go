package shockfade

import (
	"math"
	"time"
)

// 样本太少时 σ 没意义，不触发
const detectorMinSamples = 12

// shockSignal 一次越线的价格冲击。
type shockSignal struct {
	Mid   float64 // 冲击后的 mid（阶梯锚点）
	Delta float64 // 相对上一样本的变化（正 = 被打高）
	Sigma float64 // 窗口内逐样本变化的 σ
	Z     float64 // |Delta| / Sigma
}

type midSample struct {
	at  time.Time
	mid float64
}

// shockDetector 单 token 的滚动 z-score 冲击检测。
// 四个门槛同时满足才算冲击：z、绝对移动、价格带、冷却。
// 只在核心循环线程上使用，不加锁。
type shockDetector struct {
	window   time.Duration
	z        float64
	absMove  float64 // 绝对阈值（小数价格）
	floor    float64
	ceiling  float64
	cooldown time.Duration

	samples   []midSample
	lastShock time.Time
}

func newShockDetector(cfg *Config) *shockDetector {
	return &shockDetector{
		window:   time.Duration(cfg.WindowSecs) * time.Second,
		z:        cfg.ZThreshold,
		absMove:  cfg.AbsMoveCents / 100,
		floor:    float64(cfg.FloorCents) / 100,
		ceiling:  float64(cfg.CeilingCents) / 100,
		cooldown: time.Duration(cfg.CooldownSecs) * time.Second,
	}
}

// Observe 喂入一个 mid 样本，越线时返回冲击信号。
func (d *shockDetector) Observe(mid float64, now time.Time) (shockSignal, bool) {
	d.evict(now)

	var delta float64
	hasPrev := len(d.samples) > 0
	if hasPrev {
		delta = mid - d.samples[len(d.samples)-1].mid
	}
	sigma := d.sigma()
	n := len(d.samples)
	d.samples = append(d.samples, midSample{at: now, mid: mid})

	if !hasPrev || n < detectorMinSamples || sigma <= 0 {
		return shockSignal{}, false
	}
	if mid < d.floor || mid > d.ceiling {
		return shockSignal{}, false
	}
	abs := math.Abs(delta)
	if abs < d.absMove || abs < d.z*sigma {
		return shockSignal{}, false
	}
	if !d.lastShock.IsZero() && now.Sub(d.lastShock) < d.cooldown {
		return shockSignal{}, false
	}
	d.lastShock = now
	return shockSignal{Mid: mid, Delta: delta, Sigma: sigma, Z: abs / sigma}, true
}

// sigma 窗口内逐样本变化的标准差。
func (d *shockDetector) sigma() float64 {
	if len(d.samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(d.samples); i++ {
		sum += d.samples[i].mid - d.samples[i-1].mid
	}
	n := float64(len(d.samples) - 1)
	mean := sum / n
	var ss float64
	for i := 1; i < len(d.samples); i++ {
		diff := d.samples[i].mid - d.samples[i-1].mid
		ss += (diff - mean) * (diff - mean)
	}
	return math.Sqrt(ss / n)
}

func (d *shockDetector) evict(now time.Time) {
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(d.samples) && d.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.samples = append(d.samples[:0], d.samples[i:]...)
	}
}

func (d *shockDetector) Reset() {
	d.samples = d.samples[:0]
	d.lastShock = time.Time{}
}
