package client

import (
	"fmt"
	"math"
	"strconv"

	"github.com/arbx/goarb/clob/types"
)

// CalculateOptimalFill 根据订单簿计算市价吃单的成交量和均价。
//
// 参数:
//   - book: 订单簿快照
//   - side: 买入或卖出
//   - amount: 买入时为 USDC 金额，卖出时为 token 数量
//
// 返回:
//   - totalSize: 能成交的 token 数量
//   - avgPrice: 平均成交价格
//   - filled: 买入时为实际花费的 USDC，卖出时为获得的 USDC
func CalculateOptimalFill(book *types.OrderBookSummary, side types.Side, amount float64) (totalSize float64, avgPrice float64, filled float64) {
	if book == nil || amount <= 0 {
		return 0, 0, 0
	}

	if side == types.SideBuy {
		return fillBuy(book.Asks, amount)
	}
	return fillSell(book.Bids, amount)
}

// fillBuy 沿卖单逐层消耗 USDC 预算
func fillBuy(asks []types.OrderSummary, budgetUSDC float64) (totalSize float64, avgPrice float64, spentUSDC float64) {
	remaining := budgetUSDC

	for _, level := range asks {
		price, _ := strconv.ParseFloat(level.Price, 64)
		size, _ := strconv.ParseFloat(level.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}

		levelValue := size * price
		if levelValue <= remaining {
			totalSize += size
			spentUSDC += levelValue
			remaining -= levelValue
		} else {
			fillSize := remaining / price
			totalSize += fillSize
			spentUSDC += remaining
			remaining = 0
			break
		}

		if remaining <= 0 {
			break
		}
	}

	if totalSize > 0 {
		avgPrice = spentUSDC / totalSize
	}
	return totalSize, avgPrice, spentUSDC
}

// fillSell 沿买单逐层消耗 token 数量，累计 USDC 所得
func fillSell(bids []types.OrderSummary, quantity float64) (totalSize float64, avgPrice float64, proceedsUSDC float64) {
	remaining := quantity

	for _, level := range bids {
		price, _ := strconv.ParseFloat(level.Price, 64)
		size, _ := strconv.ParseFloat(level.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}

		if size <= remaining {
			totalSize += size
			proceedsUSDC += size * price
			remaining -= size
		} else {
			totalSize += remaining
			proceedsUSDC += remaining * price
			remaining = 0
			break
		}

		if remaining <= 0 {
			break
		}
	}

	if totalSize > 0 {
		avgPrice = proceedsUSDC / totalSize
	}
	return totalSize, avgPrice, proceedsUSDC
}

// AvailableQuantityAt 统计订单簿某一侧在限价内可成交的 token 总量。
// BUY 统计 price <= limit 的卖单量，SELL 统计 price >= limit 的买单量。
func AvailableQuantityAt(book *types.OrderBookSummary, side types.Side, limit float64) float64 {
	if book == nil {
		return 0
	}

	var total float64
	if side == types.SideBuy {
		for _, level := range book.Asks {
			price, _ := strconv.ParseFloat(level.Price, 64)
			size, _ := strconv.ParseFloat(level.Size, 64)
			if price > 0 && price <= limit+1e-9 {
				total += size
			}
		}
	} else {
		for _, level := range book.Bids {
			price, _ := strconv.ParseFloat(level.Price, 64)
			size, _ := strconv.ParseFloat(level.Size, 64)
			if price >= limit-1e-9 {
				total += size
			}
		}
	}
	return total
}

// RoundToTickSize 将价格四舍五入到 tick size
func RoundToTickSize(price float64, tickSize types.TickSize) float64 {
	tick := tickSize.Decimal()
	return math.Round(price/tick) * tick
}

// ClampToTickRange 把价格限制在 [tick, 1-tick] 区间内
func ClampToTickRange(price float64, tickSize types.TickSize) float64 {
	tick := tickSize.Decimal()
	if price < tick {
		return tick
	}
	if price > 1-tick {
		return 1 - tick
	}
	return price
}

// ValidateFOKPrecision 验证 FOK/FAK 订单的精度要求。
// Price 最多 2 位小数，Size 最多 4 位小数。
// 判断基于十进制最短表示，避免二进制浮点噪声导致的误报。
func ValidateFOKPrecision(size float64, price float64, side types.Side) error {
	if decimalPlaces(price) > 2 {
		return fmt.Errorf("FOK/FAK 订单价格必须是 2 位小数，当前: %s", strconv.FormatFloat(price, 'f', -1, 64))
	}

	if decimalPlaces(size) > 4 {
		return fmt.Errorf("FOK/FAK 订单数量必须是 4 位小数，当前: %s", strconv.FormatFloat(size, 'f', -1, 64))
	}

	return nil
}
