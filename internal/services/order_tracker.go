package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

var trackerLog = logrus.WithField("component", "order_tracker")

// openOrderSource 对账用的 REST 切面
type openOrderSource interface {
	GetOpenOrders(ctx context.Context, params *types.OpenOrderParams) (types.OpenOrdersResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
}

// OrderTracker 在途订单表。
// 同周期内登记过的订单一直保留（含已了结的）：成交归因需要按 ID 反查，
// 90% 清出只影响"在途"视图，不影响归因。周期切换时 Reset。
//
// 写路径都来自事件循环，锁只是为了 dashboard/CLI 的并发读。
type OrderTracker struct {
	mu        sync.RWMutex
	orders    map[string]*domain.Order
	seenFills map[string]struct{} // Fill.Key() 去重（WS 重放/对账合成互斥）
}

func NewOrderTracker() *OrderTracker {
	return &OrderTracker{
		orders:    make(map[string]*domain.Order),
		seenFills: make(map[string]struct{}),
	}
}

// Track 登记订单。ID 为空不登记。
func (t *OrderTracker) Track(o *domain.Order) {
	if t == nil || o == nil || o.OrderID == "" {
		return
	}
	t.mu.Lock()
	t.orders[o.OrderID] = o
	t.mu.Unlock()
}

// Get 按 ID 查订单（大小写不敏感）
func (t *OrderTracker) Get(orderID string) (*domain.Order, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[domain.NormalizeOrderID(orderID)]
	return o, ok
}

// ApplyFill 把一笔成交累计到对应订单。
// 返回 (订单, 是否实际入账)：非本策略订单或重复投递返回 false，
// 调用方据此决定要不要动台账。
func (t *OrderTracker) ApplyFill(f *domain.Fill) (*domain.Order, bool) {
	if t == nil || f == nil || f.Size <= 0 {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[domain.NormalizeOrderID(f.OrderID)]
	if !ok {
		return nil, false
	}
	if _, dup := t.seenFills[f.Key()]; dup {
		trackerLog.Debugf("重复成交已忽略: %s", f.Key())
		return o, false
	}
	t.seenFills[f.Key()] = struct{}{}
	o.ApplyFill(f.Size, f.Price.ToDecimal())
	return o, true
}

// ApplyStatus 应用终态状态（CANCELLED/EXPIRED/FAILED）。
// 终态不会被覆盖；未知订单返回 false。
func (t *OrderTracker) ApplyStatus(orderID string, status domain.OrderStatus) (*domain.Order, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[domain.NormalizeOrderID(orderID)]
	if !ok {
		return nil, false
	}
	o.MarkClosed(status)
	return o, true
}

// MarkAllCancelled 把一个市场（空则全部）的在途订单标记为已取消。
// market 按 slug 或 conditionID 匹配都行，批量撤单的本地登记配套。
func (t *OrderTracker) MarkAllCancelled(market string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.orders {
		if !o.IsResting() {
			continue
		}
		if market != "" && o.MarketSlug != market && o.ConditionID != market {
			continue
		}
		o.MarkClosed(domain.OrderStatusCancelled)
	}
}

// Open 当前在途订单（resting 且未达 90% 成交）
func (t *OrderTracker) Open() []*domain.Order {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*domain.Order
	for _, o := range t.orders {
		if o.IsResting() && !o.NearlyFilled() {
			out = append(out, o)
		}
	}
	return out
}

// OpenForAsset 指定资产的在途订单
func (t *OrderTracker) OpenForAsset(assetID string) []*domain.Order {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*domain.Order
	for _, o := range t.orders {
		if o.AssetID == assetID && o.IsResting() && !o.NearlyFilled() {
			out = append(out, o)
		}
	}
	return out
}

// PendingSize 指定资产某方向的在途未成交数量（pending_hedge_qty 的数据源）
func (t *OrderTracker) PendingSize(assetID string, side types.Side) float64 {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, o := range t.orders {
		if o.AssetID == assetID && o.Side == side && o.IsResting() && !o.NearlyFilled() {
			total += o.Remaining()
		}
	}
	return total
}

// PendingCost 指定资产某方向的在途挂单成本（按挂单价计）
func (t *OrderTracker) PendingCost(assetID string, side types.Side) float64 {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, o := range t.orders {
		if o.AssetID == assetID && o.Side == side && o.IsResting() && !o.NearlyFilled() {
			total += o.Remaining() * o.Price.ToDecimal()
		}
	}
	return total
}

// Drop 从登记表移除订单（不再参与归因）
func (t *OrderTracker) Drop(orderID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.orders, domain.NormalizeOrderID(orderID))
	t.mu.Unlock()
}

// Reset 清空登记表和成交去重集（周期切换时调用）
func (t *OrderTracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.orders = make(map[string]*domain.Order)
	t.seenFills = make(map[string]struct{})
	t.mu.Unlock()
}

// Count 登记订单总数（含已了结）
func (t *OrderTracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// ReconcileReport REST 对账结果。
// Fills 是补出来的缺口成交（带唯一 TradeID，走正常成交路径入账）；
// Closed 是交易所侧已消失、应标记终态的订单。
type ReconcileReport struct {
	Fills  []*domain.Fill
	Closed []ClosedOrder
}

// ClosedOrder 对账发现的终态订单
type ClosedOrder struct {
	OrderID string
	Status  domain.OrderStatus
}

// Reconcile 用 REST 在途订单接口对账本地登记表。
// 只读不改：网络 IO 在工作池里跑，报表回到事件循环后再统一落账，
// 保证台账仍然只被循环线程改。dry_run_ 前缀的本地单不对账。
func (t *OrderTracker) Reconcile(ctx context.Context, src openOrderSource) (*ReconcileReport, error) {
	if t == nil || src == nil {
		return &ReconcileReport{}, nil
	}

	t.mu.RLock()
	resting := make([]*domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if !o.IsResting() || strings.HasPrefix(o.OrderID, "dry_run_") {
			continue
		}
		resting = append(resting, o)
	}
	t.mu.RUnlock()

	report := &ReconcileReport{}
	if len(resting) == 0 {
		return report, nil
	}

	open, err := src.GetOpenOrders(ctx, nil)
	if err != nil {
		return nil, err
	}
	exchange := make(map[string]float64, len(open))
	for _, oo := range open {
		exchange[domain.NormalizeOrderID(oo.ID)] = parseSizeMatched(oo.SizeMatched)
	}

	for _, o := range resting {
		if matched, ok := exchange[o.OrderID]; ok {
			t.appendGapFill(report, o, matched)
			continue
		}

		// 不在挂单列表里：要么全成要么被撤，查单笔终态确认
		od, err := src.GetOrder(ctx, o.OrderID)
		if err != nil {
			if isNotFound(err) {
				report.Closed = append(report.Closed, ClosedOrder{OrderID: o.OrderID, Status: domain.OrderStatusCancelled})
				continue
			}
			trackerLog.Warnf("⚠️ 对账查单失败，下轮重试: %s: %v", o.OrderID, err)
			continue
		}
		matched := parseSizeMatched(od.SizeMatched)
		t.appendGapFill(report, o, matched)
		status := domain.OrderStatusCancelled
		if matched >= o.Size-fillTolerance {
			status = domain.OrderStatusMatched
		}
		report.Closed = append(report.Closed, ClosedOrder{OrderID: o.OrderID, Status: status})
	}

	if len(report.Fills) > 0 || len(report.Closed) > 0 {
		trackerLog.Infof("📡 对账完成: 补成交 %d 笔, 终态订单 %d 个", len(report.Fills), len(report.Closed))
	}
	return report, nil
}

// fillTolerance 浮点成交量比较容差
const fillTolerance = 1e-4

// appendGapFill 交易所累计成交多于本地时合成一笔缺口成交。
// 成交价未知，用挂单价兜底（被动单只会按挂价或更优成交）。
func (t *OrderTracker) appendGapFill(report *ReconcileReport, o *domain.Order, exchangeMatched float64) {
	t.mu.RLock()
	local := o.FilledSize
	t.mu.RUnlock()

	delta := exchangeMatched - local
	if delta <= fillTolerance {
		return
	}
	report.Fills = append(report.Fills, &domain.Fill{
		TradeID:   fmt.Sprintf("resync-%s-%d", o.OrderID, time.Now().UnixNano()),
		OrderID:   o.OrderID,
		AssetID:   o.AssetID,
		Side:      o.Side,
		Price:     o.Price,
		Size:      delta,
		TokenType: o.TokenType,
		Market:    o.MarketSlug,
		Time:      time.Now(),
	})
}

func parseSizeMatched(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "not found") || strings.Contains(lower, "404")
}
