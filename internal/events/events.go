package events

import (
	"time"

	"github.com/arbx/goarb/internal/domain"
)

// PriceUpdateEvent 订单簿变化事件（某 token 的盘口或深度有更新）
type PriceUpdateEvent struct {
	AssetID   string
	BestBid   domain.Price
	BestAsk   domain.Price
	Timestamp time.Time
}

// FillEvent 归一化成交事件（用户频道 trade 消息按 maker 展开后逐条投递）
type FillEvent struct {
	Fill      *domain.Fill
	Timestamp time.Time
}

// OrderStatusEvent 订单状态事件。
// 只用于 CANCELLED/EXPIRED 检测，MATCHED 的数量以 trade 事件为准。
type OrderStatusEvent struct {
	OrderID   string // 小写
	AssetID   string
	Status    domain.OrderStatus
	Timestamp time.Time
}

// HeartbeatEvent 核心循环心跳（定时器驱动，检查超时/冷却/阶段）
type HeartbeatEvent struct {
	Timestamp time.Time
}

// BookStaleEvent 订单簿静默超阈值（只上报，不合成价格）
type BookStaleEvent struct {
	AssetID   string
	Silence   time.Duration
	Timestamp time.Time
}

// GameUpdateEvent 比赛事件（league API 轮询产出）
type GameUpdateEvent struct {
	GameID    string
	League    string
	Kind      string // "score" | "period" | "final" 等
	Team      string // 得分方（归一化队名）
	HomeScore int
	AwayScore int
	At        time.Time // 事件在比赛流中的时间
	Timestamp time.Time // 本地接收时间
}

// ResyncEvent 用户频道（重）连接完成。
// 断线期间可能漏成交，收到后用 REST 对账在途订单，不做消息重放。
type ResyncEvent struct {
	Timestamp time.Time
}

// ReloadEvent SIGHUP 配置重载事件（只影响新建周期）
type ReloadEvent struct {
	Timestamp time.Time
}

// CriticalErrorEvent 严重错误事件（触发策略停机）
type CriticalErrorEvent struct {
	Strategy  string
	Reason    string
	Err       string
	Timestamp time.Time
}
