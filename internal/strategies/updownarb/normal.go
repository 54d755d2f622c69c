package updownarb

import (
	"math"

	"github.com/arbx/goarb/internal/domain"
)

// quotePlan 一条待挂的 GTC 买单
type quotePlan struct {
	Token domain.TokenType
	Price domain.Price
	Size  float64
}

// normalInputs NORMAL 模式报价的全部输入（纯数据，便于测试）
type normalInputs struct {
	Snap    domain.Snapshot
	BidUp   domain.Price
	BidDown domain.Price
	Sigma   float64 // tick 间波动率
	Gamma   float64 // 风险厌恶系数
	TFrac   float64 // 周期剩余比例 [0,1]
	Levels  int
	Core    float64 // 基础份数
	Growth  float64 // 每低于均价 1 分的倍率
	CapUSD  float64 // 单笔订单价值上限
	Min     float64 // 平台最小份数
}

// normalQuotes 计算双侧多层买单。
//
// 每侧从保留价 r = bid - q·γ·σ²·T 起以 1 分间隔向下铺 Levels 层；
// q 是库存偏度，持仓越偏向该侧 r 越低（少接），偏向对侧 r 越高（多接）。
// 所有候选价先过 maxPrice = 0.99 - avg_other - 0.01 过滤，
// 保证任意一层成交后 pair 成本仍然小于 0.99。
// 层的大小按低于本侧均价的分数加码（摊低均价优先），超过价值上限的层跳过。
func normalQuotes(in normalInputs) []quotePlan {
	var plans []quotePlan
	plans = append(plans, sideQuotes(in, domain.TokenTypeUp)...)
	plans = append(plans, sideQuotes(in, domain.TokenTypeDown)...)
	return plans
}

func sideQuotes(in normalInputs, token domain.TokenType) []quotePlan {
	var (
		bid             domain.Price
		qtySide, qtyOth float64
		avgSide, avgOth float64
	)
	if token == domain.TokenTypeUp {
		bid = in.BidUp
		qtySide, qtyOth = in.Snap.QtyUp, in.Snap.QtyDown
		avgSide, avgOth = in.Snap.AvgUp, in.Snap.AvgDown
	} else {
		bid = in.BidDown
		qtySide, qtyOth = in.Snap.QtyDown, in.Snap.QtyUp
		avgSide, avgOth = in.Snap.AvgDown, in.Snap.AvgUp
	}
	if bid.IsZero() {
		return nil
	}

	// 库存偏度修正后的保留价
	q := 0.0
	if total := qtySide + qtyOth; total > 0 {
		q = (qtySide - qtyOth) / total
	}
	r := bid.ToDecimal() - q*in.Gamma*in.Sigma*in.Sigma*in.TFrac

	// 成交后 pair 成本不能到 0.99
	maxCents := int(math.Floor((0.99-avgOth-0.01)*100 + 1e-9))
	startCents := int(math.Floor(r*100 + 1e-9))
	if startCents > maxCents {
		startCents = maxCents
	}
	if startCents > 99 {
		startCents = 99
	}

	var plans []quotePlan
	for k := 0; k < in.Levels; k++ {
		cents := startCents - k
		if cents <= 0 {
			break
		}
		price := domain.PriceFromCents(cents)
		size := in.Core
		if qtySide > 0 && avgSide > 0 {
			below := int(math.Round((avgSide - price.ToDecimal()) * 100))
			if below > 0 {
				size *= math.Pow(in.Growth, float64(below))
			}
		}
		// 价值上限：超限层收缩，收缩到最小份数以下就不挂
		if capShares := in.CapUSD / price.ToDecimal(); size > capShares {
			size = capShares
		}
		if size < in.Min {
			continue
		}
		plans = append(plans, quotePlan{Token: token, Price: price, Size: floorShares(size)})
	}
	return plans
}
