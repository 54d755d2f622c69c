package updownarb

import (
	"math"

	"github.com/arbx/goarb/internal/domain"
)

// lockQuote PROFIT_LOCK 的补齐买单（FAK 吃短缺侧）
type lockQuote struct {
	Token  domain.TokenType
	Price  domain.Price // ask + 1 分
	Shares float64      // 需要补齐的份数
	Pairs  float64      // 补齐后可 merge 的 pair 数
}

// lockedPnL 计算「现在吃掉短缺侧并全部 merge」能落袋的利润。
//
// 买入 deficit 份短缺侧、价格 ask+1 分之后两侧数量对齐，
// merge 每对回收 $1：pnl = pairs - (已投入成本 + 补齐成本)。
// 已经平衡（deficit 0）时就是 pairs - total_cost。
func lockedPnL(snap domain.Snapshot, deficitAsk domain.Price) float64 {
	pairs := math.Max(snap.QtyUp, snap.QtyDown)
	if pairs <= 0 {
		return 0
	}
	fillPrice := deficitAsk.AddCents(1).ToDecimal()
	return pairs - snap.TotalCost - snap.Imbalance*fillPrice
}

// planLock 生成补齐短缺侧的 FAK 计划。已平衡时 Shares 为 0，直接进 merge。
func planLock(snap domain.Snapshot, deficitAsk domain.Price) lockQuote {
	q := lockQuote{Pairs: math.Max(snap.QtyUp, snap.QtyDown)}
	if snap.QtyUp < snap.QtyDown {
		q.Token = domain.TokenTypeUp
	} else {
		q.Token = domain.TokenTypeDown
	}
	q.Price = deficitAsk.AddCents(1)
	q.Shares = floorShares(snap.Imbalance)
	return q
}
