package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

var tradingLog = logrus.WithField("component", "trading")

// clobOrderAPI 是交易服务用到的 clob 客户端切面。
// 生产环境传 *client.Client，测试注入假实现。
type clobOrderAPI interface {
	PlaceLimitOrder(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error)
	PlaceOrderFAK(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error)
	PlaceOrderFOK(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, params *types.OrderMarketCancelParams) (*types.CancelResponse, error)
	GetOpenOrders(ctx context.Context, params *types.OpenOrderParams) (types.OpenOrdersResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
}

// TradingConfig 交易服务配置
type TradingConfig struct {
	DryRun        bool    // 只记日志不下单（不伪造成交）
	TakerFeeBps   int     // 吃单手续费（万分比），updown 市场用；体育卖出为 0
	MinOrderValue float64 // 最小订单价值（美元），0 落到平台默认 $1
	DedupTTL      time.Duration
}

// OrderReceipt 下单回执。
// Order 是本地登记的订单（FilledSize 恒从 0 起步，成交走用户频道）；
// FilledShares/FilledPrice 来自下单响应，只作即时决策参考，不进台账。
type OrderReceipt struct {
	Order        *domain.Order
	FilledShares float64
	FilledPrice  domain.Price
}

// TradingService 订单执行门面。
// 校验、归一、去重之后转发给 clob 客户端，并把新订单登记进在途表。
// 下单失败的订单不登记：失败的 place 不存在"已挂出"状态。
type TradingService struct {
	api      clobOrderAPI
	tracker  *OrderTracker
	inflight *InFlightDeduper

	dryRun        bool
	takerFeeBps   int
	minOrderValue float64
}

// NewTradingService 创建交易服务。tracker 可为 nil（只下单不跟踪，CLI 用）。
func NewTradingService(api clobOrderAPI, tracker *OrderTracker, cfg TradingConfig) *TradingService {
	minValue := cfg.MinOrderValue
	if minValue <= 0 {
		minValue = 1.0
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if cfg.DryRun {
		tradingLog.Warnf("📝 dry-run 模式已启用：不会发出真实订单")
	}
	return &TradingService{
		api:           api,
		tracker:       tracker,
		inflight:      NewInFlightDeduper(ttl, 0),
		dryRun:        cfg.DryRun,
		takerFeeBps:   cfg.TakerFeeBps,
		minOrderValue: minValue,
	}
}

// Tracker 暴露在途订单表（事件循环把 fill/状态事件喂给它）
func (s *TradingService) Tracker() *OrderTracker {
	return s.tracker
}

// BuyGTC 挂被动买单。价格按市场 tick 取整并夹到 [tick, 1-tick]。
func (s *TradingService) BuyGTC(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price, role domain.OrderRole) (*OrderReceipt, error) {
	return s.placeLimit(ctx, m, assetID, types.SideBuy, size, price, role)
}

// SellGTC 挂被动卖单（体育阶梯出货、对侧退出用）
func (s *TradingService) SellGTC(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price, role domain.OrderRole) (*OrderReceipt, error) {
	return s.placeLimit(ctx, m, assetID, types.SideSell, size, price, role)
}

func (s *TradingService) placeLimit(ctx context.Context, m *domain.Market, assetID string, side types.Side, size float64, price domain.Price, role domain.OrderRole) (*OrderReceipt, error) {
	if m == nil || assetID == "" {
		return nil, errors.New("market/assetID 不能为空")
	}
	if size <= 0 {
		return nil, errors.Errorf("无效数量: %.4f", size)
	}
	if price.Pips <= 0 || price.Pips >= domain.PipsPerDollar {
		return nil, errors.Wrapf(ErrPriceOutOfBand, "price=%s", price)
	}
	tick := m.Tick()
	px := price.RoundToTick(tick).ClampToBand(tick)
	if size*px.ToDecimal() < s.minOrderValue {
		return nil, errors.Wrapf(ErrOrderValueTooSmall, "%.4f @ %s = $%.4f < $%.2f",
			size, px, size*px.ToDecimal(), s.minOrderValue)
	}

	key := fmt.Sprintf("place|%s|%s|%d|%.2f", assetID, side, px.Pips, size)
	if err := s.inflight.TryAcquire(key); err != nil {
		return nil, err
	}

	if s.dryRun {
		return s.dryReceipt(m, assetID, side, px, size, role, types.OrderTypeGTC), nil
	}

	resp, err := s.api.PlaceLimitOrder(ctx, assetID, side, size, px.ToDecimal(), s.orderOptions(m))
	if err != nil {
		s.inflight.Release(key)
		return nil, err
	}
	if !resp.Success {
		s.inflight.Release(key)
		return nil, classifyOrderError(resp.ErrorMsg)
	}

	receipt := s.buildReceipt(resp, m, assetID, side, px, size, role, types.OrderTypeGTC)
	tradingLog.Infof("✅ GTC %s %s: %.2f @ %s [%s] id=%s",
		side, m.Slug, size, px, role, receipt.Order.OrderID)
	return receipt, nil
}

// BuyFAK 吃单买入，花费不超过 amountUSD，接受价不超过 maxPrice 加上配置的
// 手续费余量。部分成交即收，剩余自动撤掉。
func (s *TradingService) BuyFAK(ctx context.Context, m *domain.Market, assetID string, amountUSD float64, maxPrice domain.Price, role domain.OrderRole) (*OrderReceipt, error) {
	return s.placeTaker(ctx, m, assetID, amountUSD, maxPrice, role, types.OrderTypeFAK)
}

// BuyFOK 吃单买入，全部成交或全部撤销
func (s *TradingService) BuyFOK(ctx context.Context, m *domain.Market, assetID string, amountUSD float64, maxPrice domain.Price, role domain.OrderRole) (*OrderReceipt, error) {
	return s.placeTaker(ctx, m, assetID, amountUSD, maxPrice, role, types.OrderTypeFOK)
}

func (s *TradingService) placeTaker(ctx context.Context, m *domain.Market, assetID string, amountUSD float64, maxPrice domain.Price, role domain.OrderRole, orderType types.OrderType) (*OrderReceipt, error) {
	if m == nil || assetID == "" {
		return nil, errors.New("market/assetID 不能为空")
	}
	if amountUSD < s.minOrderValue {
		return nil, errors.Wrapf(ErrOrderValueTooSmall, "$%.4f < $%.2f", amountUSD, s.minOrderValue)
	}
	if maxPrice.Pips <= 0 || maxPrice.Pips >= domain.PipsPerDollar {
		return nil, errors.Wrapf(ErrPriceOutOfBand, "price=%s", maxPrice)
	}
	tick := m.Tick()
	limit := s.takerPrice(maxPrice).RoundToTick(tick).ClampToBand(tick)
	// 数量以整数 pips 计算再落回 0.01 股：浮点除法会把 100.00 股磨成 99.99，
	// 整数截断既躲开噪声又保证总花费不超出 amountUSD
	amountPips := int(math.Round(amountUSD * domain.PipsPerDollar))
	size := float64(amountPips*100/limit.Pips) / 100
	if size <= 0 || size*limit.ToDecimal() < s.minOrderValue {
		return nil, errors.Wrapf(ErrOrderValueTooSmall, "$%.4f @ %s", amountUSD, limit)
	}

	key := fmt.Sprintf("taker|%s|%s|%d|%.2f", assetID, orderType, limit.Pips, amountUSD)
	if err := s.inflight.TryAcquire(key); err != nil {
		return nil, err
	}

	if s.dryRun {
		return s.dryReceipt(m, assetID, types.SideBuy, limit, size, role, orderType), nil
	}

	var (
		resp *types.OrderResponse
		err  error
	)
	if orderType == types.OrderTypeFOK {
		resp, err = s.api.PlaceOrderFOK(ctx, assetID, types.SideBuy, size, limit.ToDecimal(), s.orderOptions(m))
	} else {
		resp, err = s.api.PlaceOrderFAK(ctx, assetID, types.SideBuy, size, limit.ToDecimal(), s.orderOptions(m))
	}
	if err != nil {
		s.inflight.Release(key)
		return nil, err
	}
	if !resp.Success {
		s.inflight.Release(key)
		return nil, classifyOrderError(resp.ErrorMsg)
	}

	receipt := s.buildReceipt(resp, m, assetID, types.SideBuy, limit, size, role, orderType)
	tradingLog.Infof("💰 %s BUY %s: $%.2f 上限 %s 实成 %.2f @ %s [%s]",
		orderType, m.Slug, amountUSD, limit, receipt.FilledShares, receipt.FilledPrice, role)
	return receipt, nil
}

// CancelOrder 撤销单个订单。交易所报告"已取消/不存在"时按成功处理。
func (s *TradingService) CancelOrder(ctx context.Context, orderID string) error {
	id := domain.NormalizeOrderID(orderID)
	if id == "" {
		return nil
	}
	if s.dryRun {
		tradingLog.Infof("📝 [dry-run] 撤单: %s", id)
		s.tracker.ApplyStatus(id, domain.OrderStatusCancelled)
		return nil
	}

	key := "cancel|" + id
	if err := s.inflight.TryAcquire(key); err != nil {
		return err
	}

	resp, err := s.api.CancelOrder(ctx, orderID)
	if err != nil {
		s.inflight.Release(key)
		return err
	}
	if reason, ok := notCanceledReason(resp, orderID); ok {
		if !alreadyGone(reason) {
			s.inflight.Release(key)
			return errors.Errorf("撤单被拒: %s: %s", id, reason)
		}
		// 目标状态已达成，剩下的只是登记清理
		tradingLog.Debugf("撤单目标已达成（%s）: %s", reason, id)
	}
	s.tracker.ApplyStatus(id, domain.OrderStatusCancelled)
	tradingLog.Infof("🛑 撤单完成: %s", id)
	return nil
}

// CancelOrdersFor 撤销指定市场的全部订单；conditionID 为空撤全部。
func (s *TradingService) CancelOrdersFor(ctx context.Context, conditionID string) error {
	if s.dryRun {
		tradingLog.Infof("📝 [dry-run] 批量撤单: market=%q", conditionID)
		s.tracker.MarkAllCancelled(conditionID)
		return nil
	}

	var (
		resp *types.CancelResponse
		err  error
	)
	if conditionID == "" {
		resp, err = s.api.CancelAll(ctx)
	} else {
		resp, err = s.api.CancelMarketOrders(ctx, &types.OrderMarketCancelParams{Market: &conditionID})
	}
	if err != nil {
		return err
	}
	for _, id := range resp.Canceled {
		s.tracker.ApplyStatus(id, domain.OrderStatusCancelled)
	}
	for id, reason := range resp.NotCanceled {
		if alreadyGone(reason) {
			s.tracker.ApplyStatus(id, domain.OrderStatusCancelled)
			continue
		}
		tradingLog.Warnf("⚠️ 批量撤单有残留: %s: %s", id, reason)
	}
	tradingLog.Infof("🛑 批量撤单: market=%q canceled=%d", conditionID, len(resp.Canceled))
	return nil
}

// OpenOrders 查交易所在途订单；conditionID 为空查全部。
func (s *TradingService) OpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	var params *types.OpenOrderParams
	if conditionID != "" {
		params = &types.OpenOrderParams{Market: &conditionID}
	}
	return s.api.GetOpenOrders(ctx, params)
}

// Reconcile 用 REST 对账在途订单，补回断线期间漏掉的成交/撤单。
// 只产出报表，落账由调用方在事件循环里完成。
func (s *TradingService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	if s.tracker == nil {
		return &ReconcileReport{}, nil
	}
	return s.tracker.Reconcile(ctx, s.api)
}

// takerPrice 吃单限价加上手续费余量。费率为 0 时原样返回。
func (s *TradingService) takerPrice(p domain.Price) domain.Price {
	if s.takerFeeBps <= 0 {
		return p
	}
	feePips := (p.Pips*s.takerFeeBps + 9999) / 10000 // 向上取整，宁可多留一 pip
	return domain.Price{Pips: p.Pips + feePips}
}

func (s *TradingService) orderOptions(m *domain.Market) *types.CreateOrderOptions {
	negRisk := m.NegRisk
	return &types.CreateOrderOptions{
		TickSize: m.Tick(),
		NegRisk:  &negRisk,
	}
}

func (s *TradingService) buildReceipt(resp *types.OrderResponse, m *domain.Market, assetID string, side types.Side, price domain.Price, size float64, role domain.OrderRole, orderType types.OrderType) *OrderReceipt {
	order := domain.NewOrder(resp.OrderID, m.Slug, assetID, side, price, size, role, orderType)
	order.ConditionID = m.ConditionID
	if tt, ok := m.TokenTypeOf(assetID); ok {
		order.TokenType = tt
	}
	switch strings.ToLower(resp.Status) {
	case "live":
		order.Status = domain.OrderStatusLive
	case "matched":
		order.Status = domain.OrderStatusMatched
	default:
		// "delayed" 等中间态：已被交易所接受，尚未上书
		order.Status = domain.OrderStatusPending
	}
	s.tracker.Track(order)

	shares, avg := fillFromResponse(resp, side)
	receipt := &OrderReceipt{Order: order, FilledShares: shares}
	if avg > 0 {
		receipt.FilledPrice = domain.PriceFromDecimal(avg)
	}
	return receipt
}

func (s *TradingService) dryReceipt(m *domain.Market, assetID string, side types.Side, price domain.Price, size float64, role domain.OrderRole, orderType types.OrderType) *OrderReceipt {
	id := fmt.Sprintf("dry_run_%d", time.Now().UnixNano())
	order := domain.NewOrder(id, m.Slug, assetID, side, price, size, role, orderType)
	order.ConditionID = m.ConditionID
	if tt, ok := m.TokenTypeOf(assetID); ok {
		order.TokenType = tt
	}
	if orderType == types.OrderTypeGTC {
		order.Status = domain.OrderStatusLive
		s.tracker.Track(order)
	} else {
		// 吃单在 dry-run 下不模拟成交，直接记为已了结
		order.Status = domain.OrderStatusMatched
	}
	tradingLog.Infof("📝 [dry-run] %s %s %s: %.2f @ %s [%s] id=%s",
		orderType, side, m.Slug, size, price, role, id)
	return &OrderReceipt{Order: order}
}

// fillFromResponse 从下单响应推导即时成交量与均价。
// BUY 单 takingAmount 是股数、makingAmount 是花费；SELL 反过来。
func fillFromResponse(resp *types.OrderResponse, side types.Side) (shares, avgPrice float64) {
	taking := parseAmount(resp.TakingAmount)
	making := parseAmount(resp.MakingAmount)
	if side == types.SideBuy {
		shares = taking
		if taking > 0 {
			avgPrice = making / taking
		}
		return shares, avgPrice
	}
	shares = making
	if making > 0 {
		avgPrice = taking / making
	}
	return shares, avgPrice
}

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func notCanceledReason(resp *types.CancelResponse, orderID string) (string, bool) {
	if resp == nil {
		return "", false
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		return reason, true
	}
	reason, ok := resp.NotCanceled[domain.NormalizeOrderID(orderID)]
	return reason, ok
}

// alreadyGone 撤单失败但目标状态其实已达成（幂等重复）
func alreadyGone(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "already") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "canceled") ||
		strings.Contains(lower, "cancelled") ||
		strings.Contains(lower, "matched")
}
