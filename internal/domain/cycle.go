package domain

import (
	"time"

	"github.com/google/uuid"
)

// CycleOutcome shock-fade 周期结果
type CycleOutcome string

const (
	CycleOutcomeOpen      CycleOutcome = "open"      // 进行中
	CycleOutcomeWon       CycleOutcome = "won"       // 阶梯全部成交或结算获胜
	CycleOutcomeLost      CycleOutcome = "lost"      // 对侧退出或结算败北
	CycleOutcomeHeld      CycleOutcome = "held"      // 超时持有到结算
	CycleOutcomeCancelled CycleOutcome = "cancelled" // 未入场即终止
)

// Cycle shock-fade 单次交易生命周期。
// 从 split 创建，到 merge 或市场结算终止；跨组件只传 CycleID。
type Cycle struct {
	CycleID      string       // 唯一 ID
	GameID       string       // 所属比赛（league API 的 game id）
	MarketSlug   string       // 市场 slug
	ConditionID  string       // 链上条件 ID
	PresplitUSD  float64      // 预 split 金额（= 每侧份额数）
	SplitTxHash  string       // split 交易哈希
	ShockAssetID string       // 被冲击（上涨）的 token
	ShockSide    string       // 冲击方队名
	EntryMid     float64      // 冲击时的 mid（阶梯锚点）
	ShockAt      time.Time    // 冲击时间
	LadderIDs    []string     // 阶梯卖单 ID（小写）
	SoldShares   float64      // 已卖出份额
	SoldProceeds float64      // 卖出所得（USDC）
	Outcome      CycleOutcome // 周期结果
	MergeTxHash  string       // 清理 merge 交易哈希
	CreatedAt    time.Time    // 创建时间
	ClosedAt     *time.Time   // 终止时间
}

// NewCycle 创建周期（split 成功后调用）
func NewCycle(gameID, marketSlug, conditionID string, presplit float64, splitTx string) *Cycle {
	return &Cycle{
		CycleID:     uuid.NewString(),
		GameID:      gameID,
		MarketSlug:  marketSlug,
		ConditionID: conditionID,
		PresplitUSD: presplit,
		SplitTxHash: splitTx,
		Outcome:     CycleOutcomeOpen,
		CreatedAt:   time.Now(),
	}
}

// IsOpen 周期是否仍在进行
func (c *Cycle) IsOpen() bool {
	return c.Outcome == CycleOutcomeOpen
}

// Armed 是否已进入冲击交易阶段（阶梯已挂）
func (c *Cycle) Armed() bool {
	return c.ShockAssetID != "" && len(c.LadderIDs) > 0
}

// FadeExpired 冲击后是否超过持有窗口
func (c *Cycle) FadeExpired(window time.Duration, now time.Time) bool {
	return c.Armed() && now.Sub(c.ShockAt) >= window
}

// Close 终止周期
func (c *Cycle) Close(outcome CycleOutcome) {
	if !c.IsOpen() {
		return
	}
	c.Outcome = outcome
	now := time.Now()
	c.ClosedAt = &now
}

// RealizedPnL 周期已实现盈亏：卖出所得相对冲击前 mid 的差额。
// 阶梯在 entry_mid+k·spacing 成交，每股利润即 k·spacing。
// 结算后的残余持仓盈亏由账本 redeem/writeoff 入账，不在这里。
func (c *Cycle) RealizedPnL() float64 {
	if c.SoldShares <= 0 {
		return 0
	}
	return c.SoldProceeds - c.SoldShares*c.EntryMid
}
