package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶速率限制器
type TokenBucket struct {
	capacity   int           // 桶容量
	tokens     int           // 当前令牌数
	refillRate int           // 每秒补充的令牌数
	windowSize time.Duration // 时间窗口大小
	lastRefill time.Time     // 上次补充时间
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶
func NewTokenBucket(capacity, refillRate int, windowSize time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		windowSize: windowSize,
		lastRefill: time.Now(),
	}
}

// refill 补充令牌（调用方必须持有锁）
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds()) * tb.refillRate
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		tb.mu.Lock()
		tb.refill()
		waitTime := time.Duration(0)
		if tb.tokens == 0 && tb.refillRate > 0 {
			waitTime = time.Second / time.Duration(tb.refillRate)
		}
		tb.mu.Unlock()

		if waitTime <= 0 {
			// refillRate 为 0 时退化为整窗等待
			waitTime = tb.windowSize
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// GetResetTime 获取桶填满的预计时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens < tb.capacity && tb.refillRate > 0 {
		needed := tb.capacity - tb.tokens
		seconds := float64(needed) / float64(tb.refillRate)
		return time.Now().Add(time.Duration(seconds * float64(time.Second)))
	}
	return time.Now()
}

// SlidingWindow 滑动窗口速率限制器
type SlidingWindow struct {
	limit      int           // 窗口内允许的请求数
	windowSize time.Duration // 窗口大小
	requests   []time.Time   // 请求时间戳（按时间递增）
	mu         sync.Mutex
}

// NewSlidingWindow 创建新的滑动窗口速率限制器
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		requests:   make([]time.Time, 0, limit),
	}
}

// prune 丢弃窗口之外的时间戳（调用方必须持有锁）。
// requests 按递增顺序追加，找到第一个仍在窗口内的下标即可整段裁剪。
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	keep := len(sw.requests)
	for i, ts := range sw.requests {
		if ts.After(cutoff) {
			keep = i
			break
		}
	}
	if keep > 0 {
		sw.requests = append(sw.requests[:0], sw.requests[keep:]...)
	}
}

// Allow 检查是否允许请求
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.prune(now)

	if len(sw.requests) >= sw.limit {
		return false
	}

	sw.requests = append(sw.requests, now)
	return true
}

// Wait 等待直到允许请求
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}

		sw.mu.Lock()
		waitTime := 100 * time.Millisecond
		if len(sw.requests) > 0 {
			// 最老的请求滑出窗口后就能腾出名额
			if d := sw.windowSize - time.Since(sw.requests[0]); d > waitTime {
				waitTime = d
			}
		}
		sw.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// GetRemaining 获取剩余请求数
func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(time.Now())
	return max(0, sw.limit-len(sw.requests))
}

// GetResetTime 获取重置时间
func (sw *SlidingWindow) GetResetTime() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(sw.requests) == 0 {
		return time.Now()
	}
	return sw.requests[0].Add(sw.windowSize)
}

// 端点名称常量，服务层统一引用这些键
const (
	EndpointOrderPost    = "clob:order:post"
	EndpointOrderCancel  = "clob:order:cancel"
	EndpointOrdersGet    = "clob:orders:get"
	EndpointTradesGet    = "clob:trades:get"
	EndpointBookGet      = "clob:book:get"
	EndpointPriceGet     = "clob:price:get"
	EndpointGammaMarkets = "gamma:markets:get"
	EndpointGammaEvents  = "gamma:events:get"
	EndpointDataGeneral  = "data:general"
	EndpointRelayer      = "relayer:submit"
)

// Manager 按端点管理速率限制器
type Manager struct {
	limiters map[string]RateLimiter
	mu       sync.RWMutex
}

// NewManager 创建管理器并注册默认端点限制
func NewManager() *Manager {
	m := &Manager{
		limiters: make(map[string]RateLimiter),
	}
	m.initDefaultLimiters()
	return m
}

// initDefaultLimiters 初始化默认的速率限制器
func (m *Manager) initDefaultLimiters() {
	// CLOB 下单/撤单：持续速率 60/s 与 30/s，桶容量取 10 秒窗口的额度
	m.limiters[EndpointOrderPost] = NewTokenBucket(600, 60, 10*time.Second)
	m.limiters[EndpointOrderCancel] = NewTokenBucket(300, 30, 10*time.Second)

	// CLOB 只读端点
	m.limiters[EndpointOrdersGet] = NewSlidingWindow(150, 10*time.Second)
	m.limiters[EndpointTradesGet] = NewSlidingWindow(150, 10*time.Second)
	m.limiters[EndpointBookGet] = NewSlidingWindow(200, 10*time.Second)
	m.limiters[EndpointPriceGet] = NewSlidingWindow(200, 10*time.Second)

	// Gamma / Data API
	m.limiters[EndpointGammaMarkets] = NewSlidingWindow(125, 10*time.Second)
	m.limiters[EndpointGammaEvents] = NewSlidingWindow(100, 10*time.Second)
	m.limiters[EndpointDataGeneral] = NewSlidingWindow(200, 10*time.Second)

	// Relayer（split/merge/redeem）：25 次/分钟，超限必须等待而不是丢弃任务
	m.limiters[EndpointRelayer] = NewSlidingWindow(25, time.Minute)
}

// Register 覆盖或新增某个端点的限制器
func (m *Manager) Register(endpoint string, limiter RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[endpoint] = limiter
}

// GetLimiter 获取指定端点的速率限制器
func (m *Manager) GetLimiter(endpoint string) RateLimiter {
	m.mu.RLock()
	limiter, ok := m.limiters[endpoint]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	// 未注册的端点给一个宽松的兜底限制
	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok = m.limiters[endpoint]; ok {
		return limiter
	}
	limiter = NewSlidingWindow(500, 10*time.Second)
	m.limiters[endpoint] = limiter
	return limiter
}

// Wait 等待直到指定端点允许请求
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	return m.GetLimiter(endpoint).Wait(ctx)
}

// Allow 检查指定端点是否允许请求
func (m *Manager) Allow(endpoint string) bool {
	return m.GetLimiter(endpoint).Allow()
}

// GetRemaining 获取指定端点的剩余请求数
func (m *Manager) GetRemaining(endpoint string) int {
	return m.GetLimiter(endpoint).GetRemaining()
}
