package services

import (
	"sync"
	"time"

	"github.com/arbx/goarb/internal/domain"
)

// RepriceGuard 改价防抖。
// 盘口每跳一下就撤单重挂会把挂单队列位置全部丢掉，还会吃掉撤单限频。
// 四个条件全部满足才放行：价差达到阈值、订单已挂满最小时长、
// 距上次改价满最小间隔、该订单链累计改价次数未超上限。
type RepriceGuard struct {
	mu      sync.Mutex
	entries map[string]*repriceEntry

	threshold   domain.Price  // 最小价差（默认 4¢）
	minAge      time.Duration // 订单最小存续（默认 10s）
	minInterval time.Duration // 两次改价最小间隔（默认 30s）
	maxCount    int           // 单订单链最多改价次数（默认 2）
}

type repriceEntry struct {
	count  int
	lastAt time.Time
}

// RepriceConfig 改价防抖参数，零值落到默认
type RepriceConfig struct {
	ThresholdCents int
	MinAge         time.Duration
	MinInterval    time.Duration
	MaxReprices    int
}

func NewRepriceGuard(cfg RepriceConfig) *RepriceGuard {
	if cfg.ThresholdCents <= 0 {
		cfg.ThresholdCents = 4
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 10 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.MaxReprices <= 0 {
		cfg.MaxReprices = 2
	}
	return &RepriceGuard{
		entries:     make(map[string]*repriceEntry),
		threshold:   domain.PriceFromCents(cfg.ThresholdCents),
		minAge:      cfg.MinAge,
		minInterval: cfg.MinInterval,
		maxCount:    cfg.MaxReprices,
	}
}

// ShouldReprice 判断订单是否允许撤单重挂
func (g *RepriceGuard) ShouldReprice(o *domain.Order, newPrice domain.Price, now time.Time) bool {
	if g == nil || o == nil {
		return false
	}
	diff := o.Price.Sub(newPrice)
	if diff.Pips < 0 {
		diff = newPrice.Sub(o.Price)
	}
	if diff.Pips < g.threshold.Pips {
		return false
	}
	if now.Sub(o.CreatedAt) < g.minAge {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[o.OrderID]
	if !ok {
		return true
	}
	if e.count >= g.maxCount {
		return false
	}
	return now.Sub(e.lastAt) >= g.minInterval
}

// NoteReprice 记录一次改价：旧订单的改价计数转移到新订单上，
// 防止"撤了重挂就清零"绕过上限。
func (g *RepriceGuard) NoteReprice(oldID, newID string, now time.Time) {
	if g == nil {
		return
	}
	oldID = domain.NormalizeOrderID(oldID)
	newID = domain.NormalizeOrderID(newID)

	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	if e, ok := g.entries[oldID]; ok {
		count = e.count
		delete(g.entries, oldID)
	}
	if newID == "" {
		return
	}
	g.entries[newID] = &repriceEntry{count: count + 1, lastAt: now}
}

// Forget 订单终态后清理记录
func (g *RepriceGuard) Forget(orderID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.entries, domain.NormalizeOrderID(orderID))
	g.mu.Unlock()
}

// Reset 周期切换时清空
func (g *RepriceGuard) Reset() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.entries = make(map[string]*repriceEntry)
	g.mu.Unlock()
}
