package updownarb

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/internal/domain"
)

// 持仓 up 100 份 $50 / down 300 份 $120，触发侧 ask 0.72：
// 对冲价 0.22，稀释 340 对，总触发 540 / 总对冲 340。
func TestPlanMicroDilution(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 100, CostUp: 50, AvgUp: 0.50,
		QtyDown: 300, CostDown: 120, AvgDown: 0.40,
		TotalQty: 400, TotalCost: 170,
		Imbalance: 200, HedgedPairs: 100,
	}
	plan, err := planMicro(snap, 0.72, 0.99)
	if err != nil {
		t.Fatalf("planMicro 失败: %v", err)
	}
	if plan.Trigger != domain.TokenTypeUp || plan.Hedge != domain.TokenTypeDown {
		t.Fatalf("短缺侧应为 up, got trigger=%v hedge=%v", plan.Trigger, plan.Hedge)
	}
	if math.Abs(plan.HedgePrice-0.22) > 1e-9 {
		t.Fatalf("对冲价 = %v, 期望 0.22", plan.HedgePrice)
	}
	if plan.Dilution != 340 {
		t.Fatalf("稀释份数 = %v, 期望 340", plan.Dilution)
	}
	if plan.TotalTrigger != 540 || plan.TotalHedge != 340 {
		t.Fatalf("总量 = %v/%v, 期望 540/340", plan.TotalTrigger, plan.TotalHedge)
	}
}

// ask 超过 0.90 时缓冲从 0.05 收紧到 0.02。
func TestPlanMicroTightBuffer(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 100, QtyDown: 300,
		TotalCost: 170, Imbalance: 200,
	}
	plan, err := planMicro(snap, 0.92, 0.99)
	if err != nil {
		t.Fatalf("planMicro 失败: %v", err)
	}
	if math.Abs(plan.HedgePrice-0.05) > 1e-9 {
		t.Fatalf("对冲价 = %v, 期望 0.05", plan.HedgePrice)
	}
}

// ask 高到对冲腿无利润空间时拒绝入场。
func TestPlanMicroHedgeExhausted(t *testing.T) {
	snap := domain.Snapshot{
		QtyUp: 100, QtyDown: 300,
		TotalCost: 170, Imbalance: 200,
	}
	if _, err := planMicro(snap, 0.97, 0.99); !errors.Is(err, errHedgeExhausted) {
		t.Fatalf("期望 errHedgeExhausted, got %v", err)
	}
}

// 持仓已平衡时没有可触发的短缺。
func TestPlanMicroNoDeficit(t *testing.T) {
	snap := domain.Snapshot{QtyUp: 200, QtyDown: 200, TotalCost: 180}
	if _, err := planMicro(snap, 0.60, 0.99); !errors.Is(err, errNoDeficit) {
		t.Fatalf("期望 errNoDeficit, got %v", err)
	}
}

// 比例对冲：ratio = 340/540，触发腿按 10/11/10 成交时
// 对冲腿整数份推进 6/7/6，余数留在累加器。
func TestHedgeAccumulator(t *testing.T) {
	b := newMicroBalancer(microPlan{
		Trigger: domain.TokenTypeUp, Hedge: domain.TokenTypeDown,
		TriggerAsk: 0.72, Target: 0.99,
		TotalTrigger: 540, TotalHedge: 340,
	})

	wantPlace := []float64{6, 7, 6}
	for i, fill := range []float64{10, 11, 10} {
		size, price := b.OnTriggerFill(fill, 0.72)
		if size != wantPlace[i] {
			t.Fatalf("第 %d 笔成交后对冲 %v 份, 期望 %v", i+1, size, wantPlace[i])
		}
		// 0.99 - 0.72 - 0.05 = 0.22
		if price.Pips != 2200 {
			t.Fatalf("第 %d 笔对冲价 %d pips, 期望 2200", i+1, price.Pips)
		}
	}
	if math.Abs(b.accum-14.0/27.0) > 1e-9 {
		t.Fatalf("累加器 = %v, 期望 14/27", b.accum)
	}
	if b.hedgeOrdered != 19 {
		t.Fatalf("已下单对冲 = %v, 期望 19", b.hedgeOrdered)
	}
}

// 触发均价太高时对冲价跌破 1 分，份额留在累加器等最终对冲。
func TestHedgeAccumulatorPriceFloor(t *testing.T) {
	b := newMicroBalancer(microPlan{Target: 0.99, TotalTrigger: 100, TotalHedge: 100})
	size, _ := b.OnTriggerFill(10, 0.95)
	if size != 0 {
		t.Fatalf("对冲价不足 1 分仍然下单: %v 份", size)
	}
	if math.Abs(b.accum-10) > 1e-9 {
		t.Fatalf("累加器 = %v, 期望保留 10", b.accum)
	}
}

// 对冲下单量封顶在计划总量，超出部分不再下。
func TestHedgeAccumulatorRoomCap(t *testing.T) {
	b := newMicroBalancer(microPlan{Target: 0.99, TotalTrigger: 10, TotalHedge: 5})
	size, _ := b.OnTriggerFill(20, 0.50)
	if size != 5 {
		t.Fatalf("封顶后应下 5 份, got %v", size)
	}
	size, _ = b.OnTriggerFill(2, 0.50)
	if size != 0 {
		t.Fatalf("额度用尽后仍下单: %v 份", size)
	}
}

// 对冲回滚把额度和份额都退回去。
func TestRollbackHedge(t *testing.T) {
	b := newMicroBalancer(microPlan{Target: 0.99, TotalTrigger: 540, TotalHedge: 340})
	b.OnTriggerFill(10, 0.72)
	b.RollbackHedge(6)
	if b.hedgeOrdered != 0 {
		t.Fatalf("回滚后 ordered = %v, 期望 0", b.hedgeOrdered)
	}
	if math.Abs(b.accum-340.0/54.0) > 1e-9 {
		t.Fatalf("回滚后累加器 = %v, 期望 6.296...", b.accum)
	}
}

// 触发腿打满后冻结对冲目标：只收缩、永不回升。
func TestFreezeShrinkOnly(t *testing.T) {
	b := newMicroBalancer(microPlan{TotalTrigger: 540, TotalHedge: 340})
	b.triggerFilled = 540
	b.hedgeFilled = 300
	b.hedgeOrdered = 340
	b.accum = 0.7

	// 场上 640/620：还差 20 对，目标缩到 300+20=320，超发在途回表
	b.Freeze(640, 620)
	if b.plan.TotalHedge != 320 {
		t.Fatalf("冻结后目标 = %v, 期望 320", b.plan.TotalHedge)
	}
	if b.hedgeOrdered != 320 || b.accum != 0 {
		t.Fatalf("回表后 ordered=%v accum=%v, 期望 320/0", b.hedgeOrdered, b.accum)
	}

	// 差距重新拉大也不回升
	b.Freeze(640, 600)
	if b.plan.TotalHedge != 320 {
		t.Fatalf("目标回升到 %v, 冻结应单调收缩", b.plan.TotalHedge)
	}
}

// 触发腿未打满时不冻结。
func TestFreezeRequiresTriggersDone(t *testing.T) {
	b := newMicroBalancer(microPlan{TotalTrigger: 540, TotalHedge: 340})
	b.triggerFilled = 100
	b.Freeze(640, 500)
	if b.plan.TotalHedge != 340 {
		t.Fatalf("未打满就冻结: %v", b.plan.TotalHedge)
	}
}

// 梯形触发单：bid+1 挂核心份数，bid/bid-5/bid-15 按 2%/5%/8% 挂。
func TestTiers(t *testing.T) {
	b := newMicroBalancer(microPlan{
		Trigger: domain.TokenTypeUp,
		TotalTrigger: 540, TotalHedge: 340,
	})
	plans := b.Tiers(domain.PriceFromCents(70), 10, 5)
	if len(plans) != 4 {
		t.Fatalf("期望 4 档, got %d", len(plans))
	}
	want := []struct {
		cents int
		size  float64
	}{{71, 10}, {70, 10.8}, {65, 27}, {55, 43.2}}
	for i, w := range want {
		if plans[i].Price.ToCents() != w.cents {
			t.Fatalf("第 %d 档价格 %d, 期望 %d", i, plans[i].Price.ToCents(), w.cents)
		}
		if math.Abs(plans[i].Size-w.size) > 1e-9 {
			t.Fatalf("第 %d 档 %v 份, 期望 %v", i, plans[i].Size, w.size)
		}
		if plans[i].Token != domain.TokenTypeUp {
			t.Fatalf("第 %d 档腿错了: %v", i, plans[i].Token)
		}
	}
}

// 剩余触发额度不足时后面的档位整档跳过。
func TestTiersRemainingCap(t *testing.T) {
	b := newMicroBalancer(microPlan{Trigger: domain.TokenTypeUp, TotalTrigger: 540})
	b.triggerFilled = 530
	plans := b.Tiers(domain.PriceFromCents(70), 10, 5)
	if len(plans) != 1 {
		t.Fatalf("期望只剩 1 档, got %d", len(plans))
	}
	if plans[0].Price.ToCents() != 71 || plans[0].Size != 10 {
		t.Fatalf("剩余档 = %d@%v, 期望 71@10", plans[0].Price.ToCents(), plans[0].Size)
	}
}

// bid 贴着 0.99 时越界的档位跳过。
func TestTiersPriceBounds(t *testing.T) {
	b := newMicroBalancer(microPlan{Trigger: domain.TokenTypeUp, TotalTrigger: 540})
	plans := b.Tiers(domain.PriceFromCents(99), 10, 5)
	if len(plans) != 3 {
		t.Fatalf("期望 3 档, got %d", len(plans))
	}
	if plans[0].Price.ToCents() != 99 {
		t.Fatalf("首档 %d, 期望 99", plans[0].Price.ToCents())
	}
}

// 只在 bid 上穿挂单水位时追涨，下跌不动。
func TestShouldChase(t *testing.T) {
	b := newMicroBalancer(microPlan{Trigger: domain.TokenTypeUp, TotalTrigger: 540})
	if b.ShouldChase(domain.PriceFromCents(80)) {
		t.Fatal("未挂过梯队就追涨")
	}
	b.Tiers(domain.PriceFromCents(70), 10, 5)
	if !b.ShouldChase(domain.PriceFromCents(71)) {
		t.Fatal("bid 上穿未触发追涨")
	}
	if b.ShouldChase(domain.PriceFromCents(70)) || b.ShouldChase(domain.PriceFromCents(69)) {
		t.Fatal("bid 持平或下跌不应追")
	}
}

// 最终对冲：still-profitable 价与 ask 取低者。
func TestFinalHedge(t *testing.T) {
	cases := []struct {
		name      string
		totalCost float64
		wantPips  int
	}{
		// maxP = (640-620)/40 = 0.50 高于 ask，用 ask
		{"保本价高于盘口", 620, 3000},
		// maxP = (640-638)/40 = 0.05 低于 ask，用保本价
		{"保本价低于盘口", 638, 500},
		// maxP < 0.01，认损用 ask
		{"无保本空间", 645, 3000},
	}
	for _, c := range cases {
		b := newMicroBalancer(microPlan{TotalTrigger: 540, TotalHedge: 340})
		size, price, ok := b.FinalHedge(640, 600, 0, c.totalCost, 0, domain.PriceFromCents(30), 5)
		if !ok {
			t.Fatalf("%s: 应需要收尾对冲", c.name)
		}
		if size != 40 {
			t.Fatalf("%s: size = %v, 期望 40", c.name, size)
		}
		if price.Pips != c.wantPips {
			t.Fatalf("%s: price = %d pips, 期望 %d", c.name, price.Pips, c.wantPips)
		}
	}
}

// 缺口小于最小份数或已挂过收尾单时不再动作；回滚后允许重试。
func TestFinalHedgeLatch(t *testing.T) {
	b := newMicroBalancer(microPlan{TotalTrigger: 540, TotalHedge: 340})
	if _, _, ok := b.FinalHedge(640, 636, 0, 620, 0, domain.PriceFromCents(30), 5); ok {
		t.Fatal("缺口 4 份低于最小 5 份, 不应下单")
	}

	size, _, ok := b.FinalHedge(640, 600, 0, 620, 0, domain.PriceFromCents(30), 5)
	if !ok || size != 40 {
		t.Fatalf("首次收尾失败: ok=%v size=%v", ok, size)
	}
	if _, _, ok := b.FinalHedge(640, 600, 0, 620, 0, domain.PriceFromCents(30), 5); ok {
		t.Fatal("重复下收尾单")
	}

	b.RollbackFinal(40)
	if _, _, ok := b.FinalHedge(640, 600, 0, 620, 0, domain.PriceFromCents(30), 5); !ok {
		t.Fatal("回滚后应允许重试")
	}
}

// 在途对冲抵扣缺口。
func TestFinalHedgePendingOffset(t *testing.T) {
	b := newMicroBalancer(microPlan{TotalTrigger: 540, TotalHedge: 340})
	if _, _, ok := b.FinalHedge(640, 600, 38, 620, 10, domain.PriceFromCents(30), 5); ok {
		t.Fatal("在途 38 份后缺口仅 2 份, 不应下单")
	}
	size, _, ok := b.FinalHedge(640, 600, 20, 620, 6, domain.PriceFromCents(30), 5)
	if !ok || size != 20 {
		t.Fatalf("在途抵扣后 size=%v ok=%v, 期望 20/true", size, ok)
	}
}
