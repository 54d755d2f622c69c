package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/events"
	"github.com/arbx/goarb/internal/marketstate"
	"github.com/arbx/goarb/pkg/syncgroup"
)

var marketLog = logrus.WithField("component", "market_feed")

const (
	staleCheckInterval = 5 * time.Second
	defaultStaleAfter  = 30 * time.Second
)

// MarketFeed 市场频道客户端：维护订阅资产的订单簿并投递 PriceUpdateEvent。
//
// 协议：连接后发订阅帧，10 秒一次文本 "PING"；服务端推全量快照（book）
// 和档位增量（price_change），增量严格按到达顺序应用。断线信号驱动重连，
// 指数退避，重连后全量重订阅。重连期间账本保留 last-known 数据不清空，
// 静默超阈值只上报 BookStaleEvent，绝不合成价格。
type MarketFeed struct {
	store *marketstate.Store
	sink  Sink
	url   string

	conn       *websocket.Conn
	connCancel context.CancelFunc
	connMu     sync.Mutex
	connSg     *syncgroup.Group

	subs  map[string]bool
	subMu sync.RWMutex

	views  []*marketstate.PairView
	viewMu sync.RWMutex

	reconnectC chan struct{}
	closeC     chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once

	attempts   int
	attemptsMu sync.Mutex

	lastPong time.Time
	pongMu   sync.RWMutex

	staleAfter time.Duration
	staleFlag  map[string]bool
	staleMu    sync.Mutex

	sg *syncgroup.Group
}

func NewMarketFeed(store *marketstate.Store, sink Sink) *MarketFeed {
	return &MarketFeed{
		store:      store,
		sink:       sink,
		url:        wsMarketURL,
		connSg:     syncgroup.New(),
		subs:       make(map[string]bool),
		reconnectC: make(chan struct{}, 1),
		closeC:     make(chan struct{}),
		lastPong:   time.Now(),
		staleAfter: defaultStaleAfter,
		staleFlag:  make(map[string]bool),
		sg:         syncgroup.New(),
	}
}

// SetStaleAfter 覆盖账本静默上报阈值。
func (m *MarketFeed) SetStaleAfter(d time.Duration) {
	if d > 0 {
		m.staleAfter = d
	}
}

// WatchPair 注册市场对视图，其两侧账本变更后会被刷新。
func (m *MarketFeed) WatchPair(view *marketstate.PairView) {
	m.viewMu.Lock()
	m.views = append(m.views, view)
	m.viewMu.Unlock()
}

// UnwatchAll 清空视图注册（市场周期切换后旧视图不再刷新）。
func (m *MarketFeed) UnwatchAll() {
	m.viewMu.Lock()
	m.views = nil
	m.viewMu.Unlock()
}

// Subscribe 订阅资产，幂等：已订阅的直接跳过。
// 未连接时只登记，连接建立后统一发订阅帧。
func (m *MarketFeed) Subscribe(assetIDs ...string) error {
	m.subMu.Lock()
	fresh := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		if id == "" || m.subs[id] {
			continue
		}
		m.subs[id] = true
		fresh = append(fresh, id)
	}
	m.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return m.sendSubscribe(conn, fresh)
}

// Unsubscribe 注销资产并释放它们的账本。服务端没有退订帧，
// 有连接时触发一次重连让服务器侧的订阅集收敛到剩余资产。
func (m *MarketFeed) Unsubscribe(assetIDs ...string) {
	m.subMu.Lock()
	removed := 0
	for _, id := range assetIDs {
		if m.subs[id] {
			delete(m.subs, id)
			removed++
		}
	}
	m.subMu.Unlock()
	if removed == 0 {
		return
	}

	for _, id := range assetIDs {
		m.store.Drop(id)
	}
	m.staleMu.Lock()
	for _, id := range assetIDs {
		delete(m.staleFlag, id)
	}
	m.staleMu.Unlock()

	m.connMu.Lock()
	connected := m.conn != nil
	m.connMu.Unlock()
	if connected {
		marketLog.Infof("🔄 注销 %d 个资产，重连收敛订阅集", removed)
		m.Reconnect()
	}
}

// SubscriptionCount 当前登记的订阅数。
func (m *MarketFeed) SubscriptionCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

func (m *MarketFeed) subscribedAssets() []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	return out
}

// Connect 建立连接并启动重连器/静默监视器。
func (m *MarketFeed) Connect(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.sg.Go("market-feed-reconnector", func() {
			m.reconnector(ctx)
		})
		m.sg.Go("market-feed-stale-monitor", func() {
			m.monitor(ctx)
		})
	})
	return m.dialAndConnect(ctx)
}

func (m *MarketFeed) dialAndConnect(ctx context.Context) error {
	select {
	case <-m.closeC:
		return errors.New("market feed 已关闭")
	default:
	}

	conn, err := dialWS(m.url)
	if err != nil {
		return errors.Wrap(err, "连接市场 WebSocket 失败")
	}

	connCtx, oldSg := m.swapConn(ctx, conn)

	// 等旧连接的 goroutine 退出，避免两套 read/ping 并存
	if oldSg != nil && !waitTimeout(oldSg, 2*time.Second) {
		marketLog.Debugf("等待旧连接 goroutine 退出超时，继续启动新连接")
	}

	sg := syncgroup.New()
	m.connMu.Lock()
	m.connSg = sg
	m.connMu.Unlock()

	sg.Go("market-feed-read", func() {
		m.readLoop(connCtx, conn)
	})
	sg.Go("market-feed-ping", func() {
		m.pingLoop(connCtx, conn)
	})

	if assets := m.subscribedAssets(); len(assets) > 0 {
		if err := m.sendSubscribe(conn, assets); err != nil {
			conn.Close()
			return errors.Wrap(err, "发送订阅帧失败")
		}
	}

	m.attemptsMu.Lock()
	m.attempts = 0
	m.attemptsMu.Unlock()

	m.pongMu.Lock()
	m.lastPong = time.Now()
	m.pongMu.Unlock()

	marketLog.Infof("✅ 市场频道已连接（订阅 %d 个资产）", m.SubscriptionCount())
	return nil
}

// swapConn 原子替换连接：取消旧连接的 ctx，返回新连接 ctx 和旧的 goroutine 组。
func (m *MarketFeed) swapConn(ctx context.Context, conn *websocket.Conn) (context.Context, *syncgroup.Group) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connCancel != nil {
		m.connCancel()
	}
	if m.conn != nil {
		m.conn.Close()
	}
	old := m.connSg

	connCtx, cancel := context.WithCancel(ctx)
	m.conn = conn
	m.connCancel = cancel
	return connCtx, old
}

func (m *MarketFeed) sendSubscribe(conn *websocket.Conn, assetIDs []string) error {
	for i := 0; i < len(assetIDs); i += maxSubscribeBatch {
		end := i + maxSubscribeBatch
		if end > len(assetIDs) {
			end = len(assetIDs)
		}
		frame := map[string]any{
			"type":       "market",
			"assets_ids": assetIDs[i:end],
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
		marketLog.Infof("📡 已订阅 %d 个资产", end-i)
	}
	return nil
}

// Reconnect 触发重连（信号驱动，channel 满则已有待处理信号）。
func (m *MarketFeed) Reconnect() {
	select {
	case m.reconnectC <- struct{}{}:
	default:
	}
}

func (m *MarketFeed) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeC:
			return
		case <-m.reconnectC:
			m.attemptsMu.Lock()
			m.attempts++
			attempt := m.attempts
			m.attemptsMu.Unlock()

			delay := backoffDelay(attempt)
			marketLog.Warnf("⚠️ 市场频道断开，%s 后第 %d 次重连...", delay, attempt)

			select {
			case <-ctx.Done():
				return
			case <-m.closeC:
				return
			case <-time.After(delay):
			}

			if err := m.dialAndConnect(ctx); err != nil {
				marketLog.Warnf("重连失败: %v", err)
				m.Reconnect()
			}
		}
	}
}

func (m *MarketFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeC:
			return
		default:
		}

		// deadline 让 ReadMessage 至多阻塞 readTimeout，超时继续检查退出信号
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			marketLog.Errorf("设置读取超时失败: %v", err)
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isBenignClose(err) {
				marketLog.Debugf("市场频道连接已关闭")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-m.closeC:
				return
			default:
			}
			marketLog.Warnf("市场频道读取错误: %v，触发重连", err)
			conn.Close()
			m.Reconnect()
			return
		}

		m.handleMessage(message)
	}
}

func (m *MarketFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeC:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				marketLog.Warnf("发送 PING 失败: %v，触发重连", err)
				m.Reconnect()
				return
			}
		}
	}
}

// monitor 周期扫描：账本静默上报 + 连接心跳兜底。
func (m *MarketFeed) monitor(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeC:
			return
		case <-ticker.C:
			m.checkStale()
			m.checkPong()
		}
	}
}

// checkStale 对每个订阅资产检查账本静默时间，超阈值投递 BookStaleEvent。
// 每段静默只上报一次，账本再次更新后解除标记。
func (m *MarketFeed) checkStale() {
	now := time.Now()
	for _, assetID := range m.subscribedAssets() {
		book, ok := m.store.Peek(assetID)
		if !ok || !book.HasSnapshot() {
			continue
		}
		silence := now.Sub(book.UpdatedAt())
		if silence < m.staleAfter {
			continue
		}

		m.staleMu.Lock()
		reported := m.staleFlag[assetID]
		if !reported {
			m.staleFlag[assetID] = true
		}
		m.staleMu.Unlock()
		if reported {
			continue
		}

		marketLog.Warnf("⚠️ 账本静默 %s（asset=%s），保留 last-known 数据", silence.Truncate(time.Second), assetID)
		m.sink.Post(&events.BookStaleEvent{
			AssetID:   assetID,
			Silence:   silence,
			Timestamp: now,
		})
	}
}

func (m *MarketFeed) checkPong() {
	m.pongMu.RLock()
	last := m.lastPong
	m.pongMu.RUnlock()
	if time.Since(last) <= pongStaleAfter {
		return
	}

	m.connMu.Lock()
	connected := m.conn != nil
	m.connMu.Unlock()
	if !connected {
		return
	}

	marketLog.Warnf("⚠️ 超过 %s 未收到 PONG，触发重连", pongStaleAfter)
	m.pongMu.Lock()
	m.lastPong = time.Now()
	m.pongMu.Unlock()
	m.Reconnect()
}

func (m *MarketFeed) markPong() {
	m.pongMu.Lock()
	m.lastPong = time.Now()
	m.pongMu.Unlock()
}

// wireLevelChange price_change 消息里的单条档位变更。
// 两种线上方言：顶层 changes（asset 在消息级）和 price_changes（asset 在条目级）。
type wireLevelChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Side    string `json:"side"`
	Size    string `json:"size"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wirePriceChange struct {
	EventType    string            `json:"event_type"`
	AssetID      string            `json:"asset_id"`
	Market       string            `json:"market"`
	Changes      []wireLevelChange `json:"changes"`
	PriceChanges []wireLevelChange `json:"price_changes"`
	Timestamp    string            `json:"timestamp"`
}

func (m *MarketFeed) handleMessage(message []byte) {
	if len(message) == 0 {
		return
	}

	// 服务端的应用层心跳是纯文本
	switch string(message) {
	case "PING":
		m.connMu.Lock()
		conn := m.conn
		m.connMu.Unlock()
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		}
		return
	case "PONG", "pong":
		m.markPong()
		return
	}

	// 部分消息打包成数组推送，逐条处理保持到达顺序
	if message[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(message, &raws); err == nil {
			for _, raw := range raws {
				if len(raw) > 0 {
					m.handleMessage(raw)
				}
			}
			return
		}
	}

	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		preview := message
		if len(preview) > 200 {
			preview = preview[:200]
		}
		marketLog.Debugf("解析消息类型失败（可能是非 JSON）: %v, msg=%q", err, string(preview))
		return
	}

	switch head.EventType {
	case "book":
		m.handleBookSnapshot(message)
	case "price_change":
		m.handlePriceChange(message)
	case "tick_size_change":
		marketLog.Debugf("收到 tick size 变化消息")
	case "last_trade_price":
		marketLog.Debugf("收到最新成交价消息")
	case "pong":
		m.markPong()
	default:
		preview := message
		if len(preview) > 200 {
			preview = preview[:200]
		}
		marketLog.Debugf("收到未知消息类型 %q: %s", head.EventType, string(preview))
	}
}

// handleBookSnapshot 全量快照：替换该资产的整个账本。
func (m *MarketFeed) handleBookSnapshot(message []byte) {
	var summary types.OrderBookSummary
	if err := json.Unmarshal(message, &summary); err != nil {
		marketLog.Warnf("解析订单簿快照失败: %v", err)
		return
	}
	if summary.AssetID == "" {
		return
	}
	m.store.ApplySnapshot(&summary)
	m.afterBookMutation(summary.AssetID)
}

// handlePriceChange 档位增量：逐条应用，顺序即语义。
func (m *MarketFeed) handlePriceChange(message []byte) {
	var msg wirePriceChange
	if err := json.Unmarshal(message, &msg); err != nil {
		marketLog.Warnf("解析价格增量失败: %v", err)
		return
	}

	touched := make([]string, 0, 2)
	seen := make(map[string]bool, 2)
	apply := func(entry wireLevelChange) {
		assetID := entry.AssetID
		if assetID == "" {
			assetID = msg.AssetID
		}
		if assetID == "" {
			return
		}
		if entry.Price == "" || entry.Size == "" {
			// 只带 best_bid/best_ask 的条目没有档位信息，top 由账本自己重算
			return
		}
		side, ok := parseWireSide(entry.Side)
		if !ok {
			marketLog.Debugf("跳过未知方向的档位变更: side=%q asset=%s", entry.Side, assetID)
			return
		}
		m.store.ApplyPriceChange(assetID, side, entry.Price, entry.Size)
		if !seen[assetID] {
			seen[assetID] = true
			touched = append(touched, assetID)
		}
	}

	for _, entry := range msg.Changes {
		apply(entry)
	}
	for _, entry := range msg.PriceChanges {
		apply(entry)
	}

	for _, assetID := range touched {
		m.afterBookMutation(assetID)
	}
}

// afterBookMutation 账本变更后的统一收尾：刷新市场对视图、解除静默标记、投递价格事件。
func (m *MarketFeed) afterBookMutation(assetID string) {
	m.viewMu.RLock()
	for _, view := range m.views {
		view.Refresh(assetID)
	}
	m.viewMu.RUnlock()

	m.staleMu.Lock()
	delete(m.staleFlag, assetID)
	m.staleMu.Unlock()

	m.sink.Post(&events.PriceUpdateEvent{
		AssetID:   assetID,
		BestBid:   m.store.BestBid(assetID),
		BestAsk:   m.store.BestAsk(assetID),
		Timestamp: time.Now(),
	})
}

func parseWireSide(s string) (types.Side, bool) {
	switch s {
	case "BUY", "buy", "BID", "bid":
		return types.SideBuy, true
	case "SELL", "sell", "ASK", "ask":
		return types.SideSell, true
	}
	return "", false
}

// Close 关闭连接并等待所有 goroutine 退出。账本数据保留。
func (m *MarketFeed) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeC)
	})

	m.connMu.Lock()
	if m.connCancel != nil {
		m.connCancel()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	connSg := m.connSg
	m.connMu.Unlock()

	if connSg != nil && !waitTimeout(connSg, 5*time.Second) {
		marketLog.Warnf("等待连接 goroutine 退出超时（5 秒），继续关闭")
	}
	if !waitTimeout(m.sg, 5*time.Second) {
		marketLog.Warnf("等待后台 goroutine 退出超时（5 秒），继续关闭")
	}
	marketLog.Infof("🛑 市场频道已关闭")
	return nil
}
