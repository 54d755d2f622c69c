package domain

import (
	"strings"
	"time"

	"github.com/arbx/goarb/clob/types"
)

// OrderRole 订单在策略中的角色标签
type OrderRole string

const (
	RoleAccumulation  OrderRole = "accumulation"   // NORMAL 模式分层买入
	RoleTrigger       OrderRole = "trigger"        // BALANCING 触发单（缺口侧被动买入）
	RoleHedge         OrderRole = "hedge"          // BALANCING 对冲单（盈余侧按比例买入）
	RoleFinalHedge    OrderRole = "final-hedge"    // BALANCING 收尾补齐单
	RoleImprovement   OrderRole = "improvement"    // PAIR_IMPROVEMENT 降均价买入
	RoleLock          OrderRole = "lock"           // PROFIT_LOCK 吃单
	RoleLadder        OrderRole = "ladder"         // shock-fade 阶梯卖出
	RoleExit          OrderRole = "exit"           // shock-fade 对侧退出卖出
	RoleCancelReplace OrderRole = "cancel-replace" // 改价重挂
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 已提交，未确认上书
	OrderStatusLive      OrderStatus = "live"      // 已上书
	OrderStatusMatched   OrderStatus = "matched"   // 已全部成交
	OrderStatusCancelled OrderStatus = "cancelled" // 已取消
	OrderStatusExpired   OrderStatus = "expired"   // 已过期（GTD）
	OrderStatusFailed    OrderStatus = "failed"    // 提交失败
)

// Order 订单领域模型。
// OrderID 一律小写存储；FilledSize 初始恒为 0，成交只来自用户频道 trade 事件。
type Order struct {
	OrderID      string          // 订单 ID（小写）
	MarketSlug   string          // 所属市场周期
	ConditionID  string          // 链上条件 ID（按市场批量撤单用）
	AssetID      string          // 资产 ID
	Side         types.Side      // 订单方向
	Price        Price           // 订单价格
	Size         float64         // 原始请求数量
	FilledSize   float64         // 已成交数量（trade 事件累计）
	AvgFillPrice float64         // 实际成交均价（来自 trade 事件，0 表示未成交）
	Role         OrderRole       // 策略角色标签
	TokenType    TokenType       // Token 类型（updown 市场）
	OrderType    types.OrderType // GTC/GTD/FOK/FAK
	Expiration   *time.Time      // GTD 过期时间（可选）
	Status       OrderStatus     // 订单状态
	CreatedAt    time.Time       // 创建时间
	ClosedAt     *time.Time      // 终态时间（可选）
}

// NormalizeOrderID 订单 ID 规范化（全链路小写比较）
func NormalizeOrderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NewOrder 创建本地订单记录。FilledSize 固定从 0 开始，
// 即使下单响应里带了成交量也不采信（成交走用户频道）。
func NewOrder(orderID, marketSlug, assetID string, side types.Side, price Price, size float64, role OrderRole, orderType types.OrderType) *Order {
	return &Order{
		OrderID:    NormalizeOrderID(orderID),
		MarketSlug: marketSlug,
		AssetID:    assetID,
		Side:       side,
		Price:      price,
		Size:       size,
		FilledSize: 0,
		Role:       role,
		OrderType:  orderType,
		Status:     OrderStatusPending,
		CreatedAt:  time.Now(),
	}
}

// IsFinal 是否终态（terminal 状态不再被中间状态覆盖）
func (o *Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusMatched, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// IsResting 是否仍在订单簿上
func (o *Order) IsResting() bool {
	return o.Status == OrderStatusLive || o.Status == OrderStatusPending
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// NearlyFilled 累计成交是否达到原始数量的 90%。
// 达到后订单即可从在途表清除，尾部碎片靠 REST 对账兜底。
func (o *Order) NearlyFilled() bool {
	return o.Size > 0 && o.FilledSize >= o.Size*0.9
}

// ApplyFill 累计一笔成交并更新成交均价
func (o *Order) ApplyFill(size, price float64) {
	if size <= 0 {
		return
	}
	prevCost := o.AvgFillPrice * o.FilledSize
	o.FilledSize += size
	if o.FilledSize > 0 {
		o.AvgFillPrice = (prevCost + size*price) / o.FilledSize
	}
	if o.FilledSize >= o.Size {
		o.Status = OrderStatusMatched
		now := time.Now()
		o.ClosedAt = &now
	}
}

// MarkClosed 标记终态
func (o *Order) MarkClosed(status OrderStatus) {
	if o.IsFinal() {
		return
	}
	o.Status = status
	now := time.Now()
	o.ClosedAt = &now
}

// Age 订单存续时长
func (o *Order) Age() time.Duration {
	return time.Since(o.CreatedAt)
}
