package updownarb

import (
	"math"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/internal/domain"
)

// microEps 浮点比较容差（0.99·300-314 这类算式带噪声，ceil 前要消掉）
const microEps = 1e-9

var (
	// errHedgeExhausted hedge 腿已无利润空间，降级到 PAIR_IMPROVEMENT
	errHedgeExhausted = errors.New("updownarb: hedge price exhausted")
	// errBadDenominator 稀释方程分母非负，数学前提不成立
	errBadDenominator = errors.New("updownarb: dilution denominator not negative")
	// errNoDeficit 无失衡可平
	errNoDeficit = errors.New("updownarb: no deficit to balance")
)

// microPlan BALANCING 入场时一次性算出的计划，入场后不变。
type microPlan struct {
	Trigger    domain.TokenType // 短缺侧（触发腿）
	Hedge      domain.TokenType // 盈余侧（对冲腿）
	Deficit    float64          // |qty_up - qty_down|
	TriggerAsk float64          // 入场时触发侧 ask
	HedgePrice float64          // 被动对冲价 = target - trigger_ask - buffer
	Dilution   float64          // 稀释份数 X（可为 0）
	Target     float64          // 目标 pair 成本（0.99）

	TotalTrigger float64 // deficit + max(0, X)
	TotalHedge   float64 // max(0, X)
}

// planMicro 由账本快照和触发侧 ask 推导 micro 入场计划。
//
// 稀释份数 X 解的是：补平短缺并以 (trigger_ask, hedge_price) 的组合继续
// 加仓 X 对之后，pair 均摊成本恰好回到 target。组合单价低于 target
// 时（分母为负）X 才有意义。
func planMicro(snap domain.Snapshot, triggerAsk, target float64) (microPlan, error) {
	deficit := snap.Imbalance
	if deficit <= 0 {
		return microPlan{}, errNoDeficit
	}

	plan := microPlan{Deficit: deficit, TriggerAsk: triggerAsk, Target: target}
	if snap.QtyUp < snap.QtyDown {
		plan.Trigger, plan.Hedge = domain.TokenTypeUp, domain.TokenTypeDown
	} else {
		plan.Trigger, plan.Hedge = domain.TokenTypeDown, domain.TokenTypeUp
	}

	maxHedge := target - triggerAsk
	buffer := 0.05
	if triggerAsk > 0.90 {
		buffer = 0.02
	}
	plan.HedgePrice = maxHedge - buffer
	if plan.HedgePrice <= microEps {
		return microPlan{}, errHedgeExhausted
	}

	basePairs := math.Max(snap.QtyUp, snap.QtyDown)
	costAfter := snap.TotalCost + deficit*triggerAsk
	numerator := target*basePairs - costAfter
	denominator := triggerAsk + plan.HedgePrice - target
	if denominator >= -microEps {
		return microPlan{}, errBadDenominator
	}
	plan.Dilution = math.Ceil(numerator/denominator - microEps)
	if plan.Dilution < 0 {
		plan.Dilution = 0
	}

	plan.TotalTrigger = deficit + plan.Dilution
	plan.TotalHedge = plan.Dilution
	return plan, nil
}

// microBalancer BALANCING 模式的运行状态。
// 只在核心循环里推进；下单失败用 Rollback 系列方法回滚。
type microBalancer struct {
	plan         microPlan
	initialHedge float64 // 对冲总量硬上限，永不上调

	triggerFilled float64 // 触发腿累计成交份数
	triggerCost   float64 // 触发腿累计成交金额
	hedgeFilled   float64 // 对冲腿累计成交份数
	hedgeOrdered  float64 // 对冲腿累计已下单份数（含在途）
	accum         float64 // 比例对冲的小数累加器

	chaseBid    domain.Price // 当前梯队挂单时的触发侧 bid（追涨水位线）
	placedFinal bool
}

func newMicroBalancer(plan microPlan) *microBalancer {
	return &microBalancer{plan: plan, initialHedge: plan.TotalHedge}
}

// tier 定义：相对 bid 的偏移（分）与占 TotalTrigger 的比例。
// 第一档固定挂 core size，不按比例。
var tierOffsets = [4]int{+1, 0, -5, -15}
var tierPcts = [4]float64{0, 0.02, 0.05, 0.08}

// Tiers 按当前触发侧 bid 生成梯形触发买单。
// 各档依次受剩余触发额度约束；低于最小份数的档不挂。
func (b *microBalancer) Tiers(bid domain.Price, core, minShares float64) []quotePlan {
	remaining := b.plan.TotalTrigger - b.triggerFilled
	if remaining <= 0 {
		return nil
	}
	var plans []quotePlan
	for i, off := range tierOffsets {
		price := bid.AddCents(off)
		if price.ToCents() <= 0 || price.ToCents() >= 100 {
			continue
		}
		size := core
		if tierPcts[i] > 0 {
			size = b.plan.TotalTrigger * tierPcts[i]
		}
		if size > remaining {
			size = remaining
		}
		size = floorShares(size)
		if size < minShares {
			continue
		}
		remaining -= size
		plans = append(plans, quotePlan{Token: b.plan.Trigger, Price: price, Size: size})
	}
	b.chaseBid = bid
	return plans
}

// ShouldChase 只追涨：触发侧 bid 向上突破挂单水位时重建梯队；
// 下跌时保留原挂单等被动成交。
func (b *microBalancer) ShouldChase(newBid domain.Price) bool {
	return !b.chaseBid.IsZero() && newBid.GreaterThan(b.chaseBid)
}

// OnTriggerFill 记录触发腿成交并按比例推进对冲。
// 返回应立即追加的对冲单（size 为 0 表示这次不挂）。
func (b *microBalancer) OnTriggerFill(size, price float64) (float64, domain.Price) {
	b.triggerFilled += size
	b.triggerCost += size * price

	if b.plan.TotalTrigger <= 0 || b.plan.TotalHedge <= 0 {
		return 0, domain.Price{}
	}
	ratio := b.plan.TotalHedge / b.plan.TotalTrigger
	b.accum += size * ratio

	place := math.Floor(b.accum)
	if place < 1 {
		return 0, domain.Price{}
	}
	// 对冲总量封顶
	if room := b.plan.TotalHedge - b.hedgeOrdered; place > room {
		place = math.Floor(room)
	}
	if place < 1 {
		return 0, domain.Price{}
	}

	avgTrigger := b.triggerCost / b.triggerFilled
	priceDec := b.plan.Target - avgTrigger - 0.05
	if priceDec < 0.01 {
		// 对冲价已无空间，份额留在累加器里等最终对冲
		return 0, domain.Price{}
	}

	b.accum -= place
	b.hedgeOrdered += place
	return place, domain.PriceFromDecimal(priceDec)
}

// OnHedgeFill 记录对冲腿成交。
func (b *microBalancer) OnHedgeFill(size float64) {
	b.hedgeFilled += size
}

// RollbackHedge 对冲单下单失败或被撤时回补额度，份额回到累加器。
func (b *microBalancer) RollbackHedge(size float64) {
	if size <= 0 {
		return
	}
	b.hedgeOrdered -= size
	if b.hedgeOrdered < 0 {
		b.hedgeOrdered = 0
	}
	b.accum += size
}

// TriggersDone 触发腿是否已全部成交。
func (b *microBalancer) TriggersDone() bool {
	return b.triggerFilled >= b.plan.TotalTrigger-microEps
}

// Freeze 触发腿打满后冻结对冲目标：只允许向「补平所需」收缩，
// 永不超过入场时的硬上限。超发的在途对冲做一次回表（ordered 对齐
// 目标，累加器清零）。
func (b *microBalancer) Freeze(triggerQty, hedgeQty float64) {
	if !b.TriggersDone() {
		return
	}
	target := b.hedgeFilled + math.Max(0, triggerQty-hedgeQty)
	if target < b.plan.TotalHedge {
		b.plan.TotalHedge = target
	}
	if b.plan.TotalHedge > b.initialHedge {
		b.plan.TotalHedge = b.initialHedge
	}
	if b.hedgeOrdered > b.plan.TotalHedge {
		b.hedgeOrdered = b.plan.TotalHedge
		b.accum = 0
	}
}

// FinalHedge 触发腿完成后的收尾对冲：凑平两侧数量。
// 优先用仍能保住利润的价格，不存在时接受 hedge_ask 认损平衡。
// 返回 ok=false 表示已经平衡（或仅差在途单），不需要收尾。
func (b *microBalancer) FinalHedge(triggerQty, hedgeQty, pendingQty, totalCost, pendingCost float64, hedgeAsk domain.Price, minShares float64) (float64, domain.Price, bool) {
	if b.placedFinal {
		return 0, domain.Price{}, false
	}
	need := triggerQty - hedgeQty - pendingQty
	if need < minShares {
		return 0, domain.Price{}, false
	}
	need = floorShares(need)

	price := hedgeAsk
	if maxP := (triggerQty - totalCost - pendingCost) / need; maxP >= 0.01 {
		if p := domain.PriceFromDecimal(maxP); p.LessThan(hedgeAsk) {
			price = p
		}
	}
	b.placedFinal = true
	b.hedgeOrdered += need
	return need, price, true
}

// RollbackFinal 收尾对冲下单失败时重置，允许下个事件重试。
func (b *microBalancer) RollbackFinal(size float64) {
	b.placedFinal = false
	b.hedgeOrdered -= size
	if b.hedgeOrdered < 0 {
		b.hedgeOrdered = 0
	}
}

// AvgTriggerPrice 触发腿的已成交均价（无成交时为 0）。
func (b *microBalancer) AvgTriggerPrice() float64 {
	if b.triggerFilled <= 0 {
		return 0
	}
	return b.triggerCost / b.triggerFilled
}
