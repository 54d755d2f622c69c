package updownarb

import (
	"math"
	"testing"

	"github.com/arbx/goarb/internal/domain"
)

// 两侧对齐 640 对、总成本 635：merge 落袋 $5。
func TestLockedPnLBalanced(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 640, QtyDown: 640,
		TotalCost: 635, HedgedPairs: 640,
	}
	if got := lockedPnL(snap, domain.PriceFromCents(30)); math.Abs(got-5) > 1e-9 {
		t.Fatalf("pnl = %v, 期望 5", got)
	}
}

// 有短缺时要把补齐成本（ask+1 分）算进去。
func TestLockedPnLWithDeficit(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 100, QtyDown: 300,
		TotalCost: 170, Imbalance: 200,
	}
	// 300 - 170 - 200×0.73 = -16：此时锁定只会亏钱
	if got := lockedPnL(snap, domain.PriceFromCents(72)); math.Abs(got-(-16)) > 1e-9 {
		t.Fatalf("pnl = %v, 期望 -16", got)
	}
}

// 空仓没有可锁的利润。
func TestLockedPnLEmpty(t *testing.T) {
	if got := lockedPnL(domain.Snapshot{}, domain.PriceFromCents(50)); got != 0 {
		t.Fatalf("空仓 pnl = %v, 期望 0", got)
	}
}

// 补齐计划：吃短缺侧 ask+1 分，补满后 merge 多数侧的份数。
func TestPlanLock(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 100, QtyDown: 300,
		TotalCost: 170, Imbalance: 200,
	}
	q := planLock(snap, domain.PriceFromCents(72))
	if q.Token != domain.TokenTypeUp {
		t.Fatalf("应补短缺的 up 侧, got %v", q.Token)
	}
	if q.Price.ToCents() != 73 {
		t.Fatalf("补齐价 %d, 期望 73", q.Price.ToCents())
	}
	if q.Shares != 200 {
		t.Fatalf("补齐 %v 份, 期望 200", q.Shares)
	}
	if q.Pairs != 300 {
		t.Fatalf("可 merge %v 对, 期望 300", q.Pairs)
	}
}

// 已平衡时 Shares 为 0，直接走 merge。
func TestPlanLockBalanced(t *testing.T) {
	snap := domain.Snapshot{QtyUp: 640, QtyDown: 640, HedgedPairs: 640}
	q := planLock(snap, domain.PriceFromCents(30))
	if q.Shares != 0 {
		t.Fatalf("平衡仓位还要补 %v 份", q.Shares)
	}
	if q.Pairs != 640 {
		t.Fatalf("可 merge %v 对, 期望 640", q.Pairs)
	}
}
