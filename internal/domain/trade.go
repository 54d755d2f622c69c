package domain

import (
	"time"

	"github.com/arbx/goarb/clob/types"
)

// Fill 一笔归一化成交。
// 用户频道的单条 trade 消息按 maker 展开后产生多个 Fill（每 maker 一个），
// Size 是该 maker 的 matched_amount，不是消息顶层的请求数量。
type Fill struct {
	TradeID   string     // 交易 ID
	OrderID   string     // 关联订单 ID（小写）
	AssetID   string     // 资产 ID
	Side      types.Side // 方向
	Price     Price      // 成交价格
	Size      float64    // 本笔实际成交数量
	TokenType TokenType  // Token 类型（updown 市场）
	Market    string     // 市场 slug 或 condition id
	Time      time.Time  // 成交时间
	FeeBps    int        // 手续费率（基点）
}

// Key 去重键：同一 trade 按 maker 展开后每条唯一
func (f *Fill) Key() string {
	return f.TradeID + ":" + f.OrderID
}

// Notional 成交金额（USDC）
func (f *Fill) Notional() float64 {
	return f.Price.ToDecimal() * f.Size
}
