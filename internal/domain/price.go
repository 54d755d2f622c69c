package domain

import (
	"fmt"
	"math"

	"github.com/arbx/goarb/clob/types"
)

// Price 价格值对象（固定精度：1e-4）
//
// Polymarket 的 tick size 可能为 0.1 / 0.01 / 0.001 / 0.0001。
// 为了让策略/执行层不丢精度，内部使用 1e-4 作为最小单位（pips）：
//   - 1 pip  = 0.0001
//   - 100 pips = 0.01（1 cent）
//   - 10000 pips = 1.0
type Price struct {
	// Pips: 价格 * 10000（有效范围 1..9999）
	Pips int
}

const (
	// PipsPerCent 1 cent 对应的 pips 数
	PipsPerCent = 100
	// PipsPerDollar 1 美元对应的 pips 数
	PipsPerDollar = 10000
)

// PriceFromDecimal 从小数创建价格（四舍五入到 1e-4）
func PriceFromDecimal(decimal float64) Price {
	return Price{Pips: int(math.Round(decimal * 10000))}
}

// PriceFromCents 从分创建价格（1 分 = 100 pips）
func PriceFromCents(cents int) Price {
	return Price{Pips: cents * PipsPerCent}
}

// ToDecimal 转换为小数（例如 6000 pips = 0.6000）
func (p Price) ToDecimal() float64 {
	return float64(p.Pips) / 10000.0
}

// ToCents 返回"分（0.01）口径"的整数（用于阈值/日志换算）。
// 注意：这不是内部精度，只是展示/阈值换算用。
func (p Price) ToCents() int {
	return int(math.Round(float64(p.Pips) / 100.0))
}

// IsZero 价格是否为零（未知价格用零表示）
func (p Price) IsZero() bool {
	return p.Pips == 0
}

// Add 价格相加
func (p Price) Add(other Price) Price {
	return Price{Pips: p.Pips + other.Pips}
}

// Sub 价格相减
func (p Price) Sub(other Price) Price {
	return Price{Pips: p.Pips - other.Pips}
}

// AddCents 加 n 分
func (p Price) AddCents(cents int) Price {
	return Price{Pips: p.Pips + cents*PipsPerCent}
}

// SubCents 减 n 分
func (p Price) SubCents(cents int) Price {
	return Price{Pips: p.Pips - cents*PipsPerCent}
}

// GreaterThan 检查是否大于
func (p Price) GreaterThan(other Price) bool {
	return p.Pips > other.Pips
}

// LessThan 检查是否小于
func (p Price) LessThan(other Price) bool {
	return p.Pips < other.Pips
}

// GreaterThanOrEqual 检查是否大于等于
func (p Price) GreaterThanOrEqual(other Price) bool {
	return p.Pips >= other.Pips
}

// LessThanOrEqual 检查是否小于等于
func (p Price) LessThanOrEqual(other Price) bool {
	return p.Pips <= other.Pips
}

// AddTick 加一个最小报价单位
func (p Price) AddTick(tick types.TickSize) Price {
	return Price{Pips: p.Pips + tickPips(tick)}
}

// RoundToTick 按市场 tick size 四舍五入
func (p Price) RoundToTick(tick types.TickSize) Price {
	step := tickPips(tick)
	if step <= 1 {
		return p
	}
	rounded := int(math.Round(float64(p.Pips)/float64(step))) * step
	return Price{Pips: rounded}
}

// ClampToBand 裁剪到合法挂单区间 [tick, 1-tick]。
// 下单前所有价格都必须通过这里，越界价格会被交易所直接拒绝。
func (p Price) ClampToBand(tick types.TickSize) Price {
	step := tickPips(tick)
	min := step
	max := PipsPerDollar - step
	if p.Pips < min {
		return Price{Pips: min}
	}
	if p.Pips > max {
		return Price{Pips: max}
	}
	return p
}

// String 实现 Stringer，固定 4 位小数
func (p Price) String() string {
	return fmt.Sprintf("%.4f", p.ToDecimal())
}

func tickPips(tick types.TickSize) int {
	switch tick {
	case types.TickSize01:
		return 1000
	case types.TickSize001:
		return 100
	case types.TickSize0001:
		return 10
	case types.TickSize00001:
		return 1
	default:
		return 100
	}
}
