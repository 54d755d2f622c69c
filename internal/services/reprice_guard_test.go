package services

import (
	"testing"
	"time"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

func agedOrder(id string, priceCents int, age time.Duration, now time.Time) *domain.Order {
	o := domain.NewOrder(id, "m1", "token-up", types.SideBuy, domain.PriceFromCents(priceCents), 10, domain.RoleTrigger, types.OrderTypeGTC)
	o.CreatedAt = now.Add(-age)
	o.Status = domain.OrderStatusLive
	return o
}

func TestRepriceGuard_Gates(t *testing.T) {
	g := NewRepriceGuard(RepriceConfig{})
	now := time.Now()

	// 价差不足 4¢ 不动
	o := agedOrder("0xa", 48, time.Minute, now)
	if g.ShouldReprice(o, domain.PriceFromCents(45), now) {
		t.Fatalf("3¢ 价差不应放行")
	}
	// 价差够但订单太新
	young := agedOrder("0xb", 48, 5*time.Second, now)
	if g.ShouldReprice(young, domain.PriceFromCents(43), now) {
		t.Fatalf("挂单不足 10s 不应放行")
	}
	// 价差够且挂满最小时长
	if !g.ShouldReprice(o, domain.PriceFromCents(43), now) {
		t.Fatalf("5¢ 价差 + 1 分钟订单应放行")
	}
	// 反向价差同样计绝对值
	if !g.ShouldReprice(o, domain.PriceFromCents(53), now) {
		t.Fatalf("向上 5¢ 也应放行")
	}
}

func TestRepriceGuard_IntervalAndCap(t *testing.T) {
	g := NewRepriceGuard(RepriceConfig{})
	now := time.Now()

	first := agedOrder("0xa", 48, time.Minute, now)
	if !g.ShouldReprice(first, domain.PriceFromCents(43), now) {
		t.Fatalf("首次改价应放行")
	}
	g.NoteReprice("0xa", "0xb", now)

	// 改价计数跟着新订单走，30s 内不许再动
	second := agedOrder("0xb", 43, time.Minute, now)
	if g.ShouldReprice(second, domain.PriceFromCents(38), now.Add(10*time.Second)) {
		t.Fatalf("30s 间隔内不应放行")
	}
	if !g.ShouldReprice(second, domain.PriceFromCents(38), now.Add(31*time.Second)) {
		t.Fatalf("满 30s 后应放行")
	}
	g.NoteReprice("0xb", "0xc", now.Add(31*time.Second))

	// 链上已改两次，第三次封顶
	third := agedOrder("0xc", 38, time.Minute, now.Add(31*time.Second))
	if g.ShouldReprice(third, domain.PriceFromCents(33), now.Add(2*time.Minute)) {
		t.Fatalf("超过 2 次改价上限不应放行")
	}
}

func TestRepriceGuard_ForgetAndReset(t *testing.T) {
	g := NewRepriceGuard(RepriceConfig{MaxReprices: 1})
	now := time.Now()

	g.NoteReprice("", "0xA", now)
	o := agedOrder("0xa", 48, time.Minute, now.Add(time.Minute))
	if g.ShouldReprice(o, domain.PriceFromCents(43), now.Add(time.Minute)) {
		t.Fatalf("计数 1 已到上限")
	}

	// 订单终态后记录清理，同 ID 重新开始
	g.Forget("0xA")
	if !g.ShouldReprice(o, domain.PriceFromCents(43), now.Add(time.Minute)) {
		t.Fatalf("Forget 后应放行")
	}

	g.NoteReprice("", "0xa", now)
	g.Reset()
	if !g.ShouldReprice(o, domain.PriceFromCents(43), now.Add(time.Minute)) {
		t.Fatalf("Reset 后应放行")
	}
}

func TestRepriceGuard_CustomConfig(t *testing.T) {
	g := NewRepriceGuard(RepriceConfig{ThresholdCents: 2, MinAge: time.Second})
	now := time.Now()

	o := agedOrder("0xa", 48, 2*time.Second, now)
	if !g.ShouldReprice(o, domain.PriceFromCents(46), now) {
		t.Fatalf("2¢ 阈值 + 1s 最小存续应放行")
	}
	if g.ShouldReprice(o, domain.PriceFromCents(47), now) {
		t.Fatalf("1¢ 价差不应放行")
	}
}
