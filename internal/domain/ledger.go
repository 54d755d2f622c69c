package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrLedgerUnderflow 账本断言错误：扣减超过持仓。
// 调用方必须记日志并跳过，不允许让账本进入负值状态。
var ErrLedgerUnderflow = errors.New("ledger: operation would underflow position")

// SidePosition 单侧持仓：数量与总成本
type SidePosition struct {
	Qty  float64 // 持仓数量（shares）
	Cost float64 // 总成本（USDC）
}

// Avg 平均成本价（无持仓时为 0）
func (s SidePosition) Avg() float64 {
	if s.Qty <= 0 {
		return 0
	}
	return s.Cost / s.Qty
}

// Baseline 平衡基线：balancing 成功退出时记录，阻止同一失衡重复触发
type Baseline struct {
	Imbalance float64   // 退出时的绝对失衡
	UpQty     float64   // 退出时 UP 数量
	DownQty   float64   // 退出时 DOWN 数量
	SavedAt   time.Time // 记录时间
}

// MarketCounters 每市场累计计数器
type MarketCounters struct {
	CumulativeCost   float64   // 累计投入成本
	CumulativeProfit float64   // 累计锁定利润（merge/redeem 实现）
	FlipCount        int       // balancing 进出次数
	LockCount        int       // profit lock 成功次数
	LastMergeAttempt time.Time // 最近一次 merge 尝试（冷却用）
}

// Snapshot 账本市场快照（只读拷贝，可跨 goroutine 传递）
type Snapshot struct {
	Market           string
	QtyUp            float64
	QtyDown          float64
	CostUp           float64
	CostDown         float64
	AvgUp            float64
	AvgDown          float64
	TotalQty         float64
	TotalCost        float64
	PairCost         float64 // avg_up + avg_down（已实现均价之和）
	HedgedPairs      float64 // min(qty_up, qty_down)
	GuaranteedProfit float64 // hedged_pairs - total_cost（hedged_pairs >= total_cost 时有意义）
	Imbalance        float64 // |qty_up - qty_down|
	ImbalanceRatio   float64 // |up-down|/(up+down)，无持仓时为 0
	Taken            time.Time
}

// MergeResult merge 记账结果
type MergeResult struct {
	Pairs       float64 // 实际 merge 的 pair 数
	CostRemoved float64 // 两侧合计移除的成本
	Profit      float64 // pairs - cost_removed
}

type marketPosition struct {
	up   SidePosition
	down SidePosition
}

// Ledger 持仓账本：进程内唯一的权威持仓状态。
//
// 约定：所有方法只在策略核心循环内调用，不加锁。
// 其他 goroutine 只能消费 Snapshot 拷贝。
// 持仓只能被成交事件和 merge/redeem 记账改变，下单/撤单不动账本。
type Ledger struct {
	positions map[string]*marketPosition
	baselines map[string]*Baseline
	counters  map[string]*MarketCounters
}

// NewLedger 创建空账本
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]*marketPosition),
		baselines: make(map[string]*Baseline),
		counters:  make(map[string]*MarketCounters),
	}
}

func (l *Ledger) pos(market string) *marketPosition {
	p, ok := l.positions[market]
	if !ok {
		p = &marketPosition{}
		l.positions[market] = p
	}
	return p
}

func (l *Ledger) cnt(market string) *MarketCounters {
	c, ok := l.counters[market]
	if !ok {
		c = &MarketCounters{}
		l.counters[market] = c
	}
	return c
}

func (l *Ledger) side(market string, side TokenType) *SidePosition {
	p := l.pos(market)
	if side == TokenTypeUp {
		return &p.up
	}
	return &p.down
}

// ApplyFill 记一笔成交：qty += size; cost += size*price
func (l *Ledger) ApplyFill(market string, side TokenType, size, price float64) error {
	if size <= 0 {
		return fmt.Errorf("ledger: fill size must be positive, got %v", size)
	}
	if price < 0 || price > 1 {
		return fmt.Errorf("ledger: fill price out of range [0,1]: %v", price)
	}
	sp := l.side(market, side)
	sp.Qty += size
	sp.Cost += size * price
	l.cnt(market).CumulativeCost += size * price
	return nil
}

// ApplySell 记一笔卖出成交：qty -= size，成本按均价等比例移除，
// 卖出溢价（price - avg）计入累计利润。
func (l *Ledger) ApplySell(market string, side TokenType, size, price float64) error {
	if size <= 0 {
		return fmt.Errorf("ledger: sell size must be positive, got %v", size)
	}
	sp := l.side(market, side)
	if size > sp.Qty {
		// 钳制到零并上报断言错误，不允许负持仓
		held := sp.Qty
		removed := sp.Cost
		l.cnt(market).CumulativeProfit += price*held - removed
		sp.Qty = 0
		sp.Cost = 0
		return fmt.Errorf("%w: sell %v > held %v on %s/%s", ErrLedgerUnderflow, size, held, market, side)
	}
	avg := sp.Avg()
	removed := avg * size
	sp.Qty -= size
	sp.Cost -= removed
	if sp.Cost < 0 {
		sp.Cost = 0
	}
	l.cnt(market).CumulativeProfit += price*size - removed
	return nil
}

// RecordMerge 记一次成功 merge：两侧各扣 pairs 份，成本按比例移除，
// 利润 = pairs*$1 - 移除成本。merge 失败不得调用（账本只记成功）。
func (l *Ledger) RecordMerge(market string, pairs float64) (MergeResult, error) {
	if pairs <= 0 {
		return MergeResult{}, fmt.Errorf("ledger: merge pairs must be positive, got %v", pairs)
	}
	p := l.pos(market)
	if pairs > p.up.Qty || pairs > p.down.Qty {
		return MergeResult{}, fmt.Errorf("%w: merge %v pairs but held up=%v down=%v on %s",
			ErrLedgerUnderflow, pairs, p.up.Qty, p.down.Qty, market)
	}

	removedUp := p.up.Cost * pairs / p.up.Qty
	removedDown := p.down.Cost * pairs / p.down.Qty
	p.up.Qty -= pairs
	p.up.Cost -= removedUp
	p.down.Qty -= pairs
	p.down.Cost -= removedDown
	clampZero(&p.up)
	clampZero(&p.down)

	res := MergeResult{
		Pairs:       pairs,
		CostRemoved: removedUp + removedDown,
		Profit:      pairs - (removedUp + removedDown),
	}
	l.cnt(market).CumulativeProfit += res.Profit
	return res, nil
}

// RecordRedeem 记一次成功 redeem：扣减获胜侧持仓，返回实现盈亏。
// payout 为每股赔付（获胜侧 $1.00）。
func (l *Ledger) RecordRedeem(market string, side TokenType, shares, payout float64) (float64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("ledger: redeem shares must be positive, got %v", shares)
	}
	sp := l.side(market, side)
	if shares > sp.Qty {
		held := sp.Qty
		realized := payout*held - sp.Cost
		l.cnt(market).CumulativeProfit += realized
		sp.Qty = 0
		sp.Cost = 0
		return realized, fmt.Errorf("%w: redeem %v > held %v on %s/%s", ErrLedgerUnderflow, shares, held, market, side)
	}
	removed := sp.Avg() * shares
	sp.Qty -= shares
	sp.Cost -= removed
	clampZero(sp)
	realized := payout*shares - removed
	l.cnt(market).CumulativeProfit += realized
	return realized, nil
}

// WriteOff 清零一侧持仓（败方结算归零），返回移除的成本
func (l *Ledger) WriteOff(market string, side TokenType) float64 {
	sp := l.side(market, side)
	removed := sp.Cost
	l.cnt(market).CumulativeProfit -= removed
	sp.Qty = 0
	sp.Cost = 0
	return removed
}

// Side 读取单侧持仓（值拷贝）
func (l *Ledger) Side(market string, side TokenType) SidePosition {
	return *l.side(market, side)
}

// Take 生成市场快照
func (l *Ledger) Take(market string) Snapshot {
	p := l.pos(market)
	s := Snapshot{
		Market:   market,
		QtyUp:    p.up.Qty,
		QtyDown:  p.down.Qty,
		CostUp:   p.up.Cost,
		CostDown: p.down.Cost,
		AvgUp:    p.up.Avg(),
		AvgDown:  p.down.Avg(),
		Taken:    time.Now(),
	}
	s.TotalQty = s.QtyUp + s.QtyDown
	s.TotalCost = s.CostUp + s.CostDown
	s.PairCost = s.AvgUp + s.AvgDown
	s.HedgedPairs = math.Min(s.QtyUp, s.QtyDown)
	s.GuaranteedProfit = s.HedgedPairs - s.TotalCost
	s.Imbalance = math.Abs(s.QtyUp - s.QtyDown)
	if s.TotalQty > 0 {
		s.ImbalanceRatio = s.Imbalance / s.TotalQty
	}
	return s
}

// Markets 返回当前有持仓记录的市场列表
func (l *Ledger) Markets() []string {
	out := make([]string, 0, len(l.positions))
	for m := range l.positions {
		out = append(out, m)
	}
	return out
}

// SaveBaseline 记录平衡基线
func (l *Ledger) SaveBaseline(market string, snap Snapshot) {
	l.baselines[market] = &Baseline{
		Imbalance: snap.Imbalance,
		UpQty:     snap.QtyUp,
		DownQty:   snap.QtyDown,
		SavedAt:   time.Now(),
	}
}

// Baseline 读取基线（可能为 nil）
func (l *Ledger) Baseline(market string) *Baseline {
	return l.baselines[market]
}

// ResetBaseline 清除基线（profit lock 成功后）
func (l *Ledger) ResetBaseline(market string) {
	delete(l.baselines, market)
}

// Counters 读取计数器（值拷贝）
func (l *Ledger) Counters(market string) MarketCounters {
	return *l.cnt(market)
}

// AddFlip balancing 进出计数
func (l *Ledger) AddFlip(market string) {
	l.cnt(market).FlipCount++
}

// AddLock profit lock 成功计数
func (l *Ledger) AddLock(market string) {
	l.cnt(market).LockCount++
}

// TouchMergeAttempt 记录 merge 尝试时间（冷却判定）
func (l *Ledger) TouchMergeAttempt(market string, at time.Time) {
	l.cnt(market).LastMergeAttempt = at
}

// MergeCooldownOver merge 冷却是否结束
func (l *Ledger) MergeCooldownOver(market string, cooldown time.Duration, now time.Time) bool {
	last := l.cnt(market).LastMergeAttempt
	return last.IsZero() || now.Sub(last) >= cooldown
}

func clampZero(sp *SidePosition) {
	if sp.Qty < 1e-9 {
		sp.Qty = 0
	}
	if sp.Cost < 1e-9 {
		sp.Cost = 0
	}
}
