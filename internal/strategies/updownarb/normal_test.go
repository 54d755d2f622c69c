package updownarb

import (
	"math"
	"testing"

	"github.com/arbx/goarb/internal/domain"
)

// 平衡持仓、无波动：双侧都从各自 bid 起向下铺三层，核心层不加码。
func TestNormalQuotesBalancedBook(t *testing.T) {
	in := normalInputs{
		Snap: domain.Snapshot{
			QtyUp: 100, QtyDown: 100,
			AvgUp: 0.50, AvgDown: 0.40,
		},
		BidUp:   domain.PriceFromCents(52),
		BidDown: domain.PriceFromCents(40),
		Sigma:   0,
		Gamma:   0.3,
		TFrac:   1,
		Levels:  3,
		Core:    10,
		Growth:  1.1,
		CapUSD:  100,
		Min:     5,
	}
	plans := normalQuotes(in)
	if len(plans) != 6 {
		t.Fatalf("期望 6 层报价, got %d", len(plans))
	}

	// Up 侧：52/51/50 全部核心份数（没有低于均价 0.50 的层）
	for i, cents := range []int{52, 51, 50} {
		p := plans[i]
		if p.Token != domain.TokenTypeUp || p.Price.ToCents() != cents {
			t.Fatalf("up[%d] = %v@%d, 期望 up@%d", i, p.Token, p.Price.ToCents(), cents)
		}
		if math.Abs(p.Size-10) > 1e-9 {
			t.Fatalf("up[%d] size = %v, 期望 10", i, p.Size)
		}
	}

	// Down 侧：40 核心，39/38 低于均价 0.40 逐层 ×1.1
	wantDown := []struct {
		cents int
		size  float64
	}{{40, 10}, {39, 11}, {38, 12.1}}
	for i, w := range wantDown {
		p := plans[3+i]
		if p.Token != domain.TokenTypeDown || p.Price.ToCents() != w.cents {
			t.Fatalf("down[%d] = %v@%d, 期望 down@%d", i, p.Token, p.Price.ToCents(), w.cents)
		}
		if math.Abs(p.Size-w.size) > 1e-9 {
			t.Fatalf("down[%d] size = %v, 期望 %v", i, p.Size, w.size)
		}
	}
}

// bid 低于持仓均价时每低 1 分加码 10%。
func TestNormalQuotesGrowthBelowAvg(t *testing.T) {
	in := normalInputs{
		Snap: domain.Snapshot{
			QtyUp: 100,
			AvgUp: 0.50,
		},
		BidUp:  domain.PriceFromCents(49),
		Levels: 3,
		Core:   10,
		Growth: 1.1,
		CapUSD: 100,
		Min:    5,
	}
	plans := normalQuotes(in)
	if len(plans) != 3 {
		t.Fatalf("期望 3 层, got %d", len(plans))
	}
	want := []struct {
		cents int
		size  float64
	}{{49, 11}, {48, 12.1}, {47, 13.31}}
	for i, w := range want {
		if plans[i].Price.ToCents() != w.cents {
			t.Fatalf("plans[%d] 价格 %d, 期望 %d", i, plans[i].Price.ToCents(), w.cents)
		}
		if math.Abs(plans[i].Size-w.size) > 1e-9 {
			t.Fatalf("plans[%d] size = %v, 期望 %v", i, plans[i].Size, w.size)
		}
	}
}

// 对侧均价抬高后 max_price = 0.99 - avg_other - 0.01 把起始层往下压。
func TestNormalQuotesMaxPriceClamp(t *testing.T) {
	in := normalInputs{
		Snap: domain.Snapshot{
			QtyUp: 100, QtyDown: 100,
			AvgUp: 0.50, AvgDown: 0.55,
		},
		BidUp:   domain.PriceFromCents(60),
		BidDown: domain.Price{},
		Levels:  3,
		Core:    10,
		Growth:  1.1,
		CapUSD:  100,
		Min:     1,
	}
	plans := normalQuotes(in)
	if len(plans) != 3 {
		t.Fatalf("期望 3 层, got %d", len(plans))
	}
	// 0.99 - 0.55 - 0.01 = 0.43，bid 0.60 被压到 43 分起步
	for i, cents := range []int{43, 42, 41} {
		if plans[i].Price.ToCents() != cents {
			t.Fatalf("plans[%d] 价格 %d, 期望 %d", i, plans[i].Price.ToCents(), cents)
		}
	}
}

// 库存偏度把保留价往下压：q=0.5, γ=10, σ=0.02, T=1 → 压 0.002。
func TestNormalQuotesInventorySkew(t *testing.T) {
	in := normalInputs{
		Snap: domain.Snapshot{
			QtyUp: 300, QtyDown: 100,
			AvgUp: 0.50, AvgDown: 0.20,
		},
		BidUp:   domain.PriceFromCents(52),
		BidDown: domain.PriceFromCents(40),
		Sigma:   0.02,
		Gamma:   10,
		TFrac:   1,
		Levels:  1,
		Core:    10,
		Growth:  1.1,
		CapUSD:  100,
		Min:     5,
	}
	plans := normalQuotes(in)
	if len(plans) != 2 {
		t.Fatalf("期望 2 层, got %d", len(plans))
	}
	// 重仓的 Up 侧 r = 0.52 - 0.002 = 0.518 → 51 分；
	// 轻仓的 Down 侧 r = 0.40 + 0.002 = 0.402 → 仍是 40 分
	if plans[0].Token != domain.TokenTypeUp || plans[0].Price.ToCents() != 51 {
		t.Fatalf("up 首层 %d, 期望 51", plans[0].Price.ToCents())
	}
	if plans[1].Token != domain.TokenTypeDown || plans[1].Price.ToCents() != 40 {
		t.Fatalf("down 首层 %d, 期望 40", plans[1].Price.ToCents())
	}
}

// 没有盘口的一侧不报价。
func TestNormalQuotesZeroBidSkipsSide(t *testing.T) {
	in := normalInputs{
		BidUp:   domain.Price{},
		BidDown: domain.PriceFromCents(40),
		Levels:  3,
		Core:    10,
		Growth:  1.1,
		CapUSD:  100,
		Min:     5,
	}
	plans := normalQuotes(in)
	if len(plans) != 3 {
		t.Fatalf("期望只有 down 的 3 层, got %d", len(plans))
	}
	for _, p := range plans {
		if p.Token != domain.TokenTypeDown {
			t.Fatalf("出现了 up 侧报价: %+v", p)
		}
	}
}

// 价值上限收缩单层大小，缩到最小份数以下就整层不挂。
func TestNormalQuotesCapAndMinShares(t *testing.T) {
	in := normalInputs{
		BidUp:  domain.PriceFromCents(52),
		Levels: 3,
		Core:   10,
		Growth: 1.1,
		CapUSD: 3,
		Min:    5,
	}
	plans := normalQuotes(in)
	if len(plans) != 3 {
		t.Fatalf("期望 3 层, got %d", len(plans))
	}
	want := []float64{5.76, 5.88, 6} // 3 USD / 0.52, 0.51, 0.50
	for i, w := range want {
		if math.Abs(plans[i].Size-w) > 1e-9 {
			t.Fatalf("plans[%d] size = %v, 期望 %v", i, plans[i].Size, w)
		}
	}

	in.CapUSD = 2 // 2/0.52 ≈ 3.8 份，低于最小 5 份
	if plans := normalQuotes(in); len(plans) != 0 {
		t.Fatalf("上限低于最小份数时应不挂单, got %d 层", len(plans))
	}
}
