package updownarb

import (
	"math"

	"github.com/arbx/goarb/internal/domain"
)

// improveInputs PAIR_IMPROVEMENT 报价输入
type improveInputs struct {
	Snap        domain.Snapshot
	OffsetCents int     // 低于均价的挂单距离
	Growth      float64 // 每低 1 分的加码倍率
	Core        float64
	CapUSD      float64
	Min         float64
}

// improveQuotes 双侧在各自均价下方挂修复买单。
//
// BALANCING 被迫退出后 pair 成本可能 >= 1.00，此时唯一的自救是
// 两侧都在均价下方吃回来摊低成本。挂单价 = avg - offset，
// 规模按低于均价的分数以 Growth 加码（买得越低修复越快）。
// 均价未形成（没持仓）的一侧不挂。
func improveQuotes(in improveInputs) []quotePlan {
	var plans []quotePlan
	for _, token := range []domain.TokenType{domain.TokenTypeUp, domain.TokenTypeDown} {
		qty, avg := in.Snap.QtyUp, in.Snap.AvgUp
		if token == domain.TokenTypeDown {
			qty, avg = in.Snap.QtyDown, in.Snap.AvgDown
		}
		if qty <= 0 || avg <= 0 {
			continue
		}
		cents := int(math.Floor(avg*100+1e-9)) - in.OffsetCents
		if cents <= 0 {
			continue
		}
		price := domain.PriceFromCents(cents)
		size := in.Core * math.Pow(in.Growth, float64(in.OffsetCents))
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
