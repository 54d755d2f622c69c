package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/events"
	"github.com/arbx/goarb/pkg/syncgroup"
)

var userLog = logrus.WithField("component", "user_feed")

// UserFeed 用户频道客户端：认证后接收本账户的成交和订单状态，归一化后投递。
//
// 成交语义：只有 trade 事件是成交量的权威来源，单条消息按 maker 逐条展开
// （每个 maker 的 matched_amount 一个 Fill），taker 侧的实际成交量是
// matched_amount 之和，顶层 size 是请求数量，永远不用。order 事件只用来
// 检测 CANCELLED/EXPIRED。断线重连后投递 ResyncEvent 触发 REST 对账。
type UserFeed struct {
	sink    Sink
	url     string
	creds   types.ApiKeyCreds
	markets []string

	conn       *websocket.Conn
	connCancel context.CancelFunc
	connMu     sync.Mutex
	connSg     *syncgroup.Group

	reconnectC chan struct{}
	closeC     chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once

	attempts   int
	attemptsMu sync.Mutex

	lastPong time.Time
	pongMu   sync.RWMutex

	sg *syncgroup.Group
}

func NewUserFeed(sink Sink) *UserFeed {
	return &UserFeed{
		sink:       sink,
		url:        wsUserURL,
		connSg:     syncgroup.New(),
		reconnectC: make(chan struct{}, 1),
		closeC:     make(chan struct{}),
		lastPong:   time.Now(),
		sg:         syncgroup.New(),
	}
}

// Connect 用 L2 凭证连接用户频道。markets 为空表示订阅全部市场。
func (u *UserFeed) Connect(ctx context.Context, creds types.ApiKeyCreds, markets []string) error {
	if creds.Key == "" || creds.Secret == "" || creds.Passphrase == "" {
		return errors.New("用户频道需要完整的 API 凭证")
	}
	u.creds = creds
	u.markets = markets

	u.startOnce.Do(func() {
		u.sg.Go("user-feed-reconnector", func() {
			u.reconnector(ctx)
		})
		u.sg.Go("user-feed-pong-monitor", func() {
			u.monitor(ctx)
		})
	})
	return u.dialAndConnect(ctx)
}

func (u *UserFeed) dialAndConnect(ctx context.Context) error {
	select {
	case <-u.closeC:
		return errors.New("user feed 已关闭")
	default:
	}

	conn, err := dialWS(u.url)
	if err != nil {
		return errors.Wrap(err, "连接用户 WebSocket 失败")
	}

	// 认证帧必须是连接后的第一条消息
	if err := u.sendAuth(conn); err != nil {
		conn.Close()
		return errors.Wrap(err, "发送认证帧失败")
	}

	connCtx, oldSg := u.swapConn(ctx, conn)
	if oldSg != nil && !waitTimeout(oldSg, 2*time.Second) {
		userLog.Debugf("等待旧连接 goroutine 退出超时，继续启动新连接")
	}

	sg := syncgroup.New()
	u.connMu.Lock()
	u.connSg = sg
	u.connMu.Unlock()

	sg.Go("user-feed-read", func() {
		u.readLoop(connCtx, conn)
	})
	sg.Go("user-feed-ping", func() {
		u.pingLoop(connCtx, conn)
	})

	u.attemptsMu.Lock()
	u.attempts = 0
	u.attemptsMu.Unlock()

	u.pongMu.Lock()
	u.lastPong = time.Now()
	u.pongMu.Unlock()

	userLog.Infof("✅ 用户频道已连接（markets=%d，空表示全部）", len(u.markets))

	// 断线窗口内的成交不重放，交给 REST 对账补
	u.sink.Post(&events.ResyncEvent{Timestamp: time.Now()})
	return nil
}

func (u *UserFeed) sendAuth(conn *websocket.Conn) error {
	frame := map[string]any{
		"auth": map[string]string{
			"apikey":     u.creds.Key,
			"secret":     u.creds.Secret,
			"passphrase": u.creds.Passphrase,
		},
		"type": "user",
	}
	if len(u.markets) > 0 {
		frame["markets"] = u.markets
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func (u *UserFeed) swapConn(ctx context.Context, conn *websocket.Conn) (context.Context, *syncgroup.Group) {
	u.connMu.Lock()
	defer u.connMu.Unlock()

	if u.connCancel != nil {
		u.connCancel()
	}
	if u.conn != nil {
		u.conn.Close()
	}
	old := u.connSg

	connCtx, cancel := context.WithCancel(ctx)
	u.conn = conn
	u.connCancel = cancel
	return connCtx, old
}

// Reconnect 触发重连（信号驱动）。
func (u *UserFeed) Reconnect() {
	select {
	case u.reconnectC <- struct{}{}:
	default:
	}
}

func (u *UserFeed) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.closeC:
			return
		case <-u.reconnectC:
			u.attemptsMu.Lock()
			u.attempts++
			attempt := u.attempts
			u.attemptsMu.Unlock()

			delay := backoffDelay(attempt)
			userLog.Warnf("⚠️ 用户频道断开，%s 后第 %d 次重连...", delay, attempt)

			select {
			case <-ctx.Done():
				return
			case <-u.closeC:
				return
			case <-time.After(delay):
			}

			if err := u.dialAndConnect(ctx); err != nil {
				userLog.Warnf("重连失败: %v", err)
				u.Reconnect()
			}
		}
	}
}

func (u *UserFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.closeC:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			userLog.Errorf("设置读取超时失败: %v", err)
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isBenignClose(err) {
				userLog.Debugf("用户频道连接已关闭")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-u.closeC:
				return
			default:
			}
			userLog.Warnf("用户频道读取错误: %v，触发重连", err)
			conn.Close()
			u.Reconnect()
			return
		}

		u.handleMessage(message)
	}
}

func (u *UserFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.closeC:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				userLog.Warnf("发送 PING 失败: %v，触发重连", err)
				u.Reconnect()
				return
			}
		}
	}
}

func (u *UserFeed) monitor(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.closeC:
			return
		case <-ticker.C:
			u.pongMu.RLock()
			last := u.lastPong
			u.pongMu.RUnlock()
			if time.Since(last) <= pongStaleAfter {
				continue
			}

			u.connMu.Lock()
			connected := u.conn != nil
			u.connMu.Unlock()
			if !connected {
				continue
			}

			userLog.Warnf("⚠️ 超过 %s 未收到 PONG，触发重连", pongStaleAfter)
			u.pongMu.Lock()
			u.lastPong = time.Now()
			u.pongMu.Unlock()
			u.Reconnect()
		}
	}
}

func (u *UserFeed) markPong() {
	u.pongMu.Lock()
	u.lastPong = time.Now()
	u.pongMu.Unlock()
}

func (u *UserFeed) handleMessage(message []byte) {
	if len(message) == 0 {
		return
	}

	switch string(message) {
	case "PING":
		u.connMu.Lock()
		conn := u.conn
		u.connMu.Unlock()
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		}
		return
	case "PONG", "pong":
		u.markPong()
		return
	}

	if message[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(message, &raws); err == nil {
			for _, raw := range raws {
				if len(raw) > 0 {
					u.handleMessage(raw)
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
		userLog.Debugf("解析消息类型失败: %v, msg=%q", err, string(preview))
		return
	}

	switch head.EventType {
	case "trade":
		u.handleTrade(message)
	case "order":
		u.handleOrder(message)
	default:
		preview := message
		if len(preview) > 200 {
			preview = preview[:200]
		}
		userLog.Debugf("收到未知用户消息类型 %q: %s", head.EventType, string(preview))
	}
}

// handleTrade 把一条 trade 消息展开成归一化 Fill 序列。
//
// 展开规则：每个 maker 订单一个 Fill（数量取该 maker 的 matched_amount，
// 方向与 taker 相反），再为 taker 订单补一个汇总 Fill（数量是 matched_amount
// 之和）。不属于本账户的订单 ID 由在途表匹配时自然丢弃，feed 不做归属判断。
func (u *UserFeed) handleTrade(message []byte) {
	var trade types.Trade
	if err := json.Unmarshal(message, &trade); err != nil {
		userLog.Warnf("解析 trade 消息失败: %v", err)
		return
	}

	// MINED/CONFIRMED 是同一笔成交的后续生命周期回显，采信会重复计数
	if trade.Status != "MATCHED" {
		userLog.Debugf("跳过非 MATCHED 成交: trade=%s status=%s", trade.ID, trade.Status)
		return
	}

	takerSide := trade.Side
	topPrice, topPriceErr := parsePrice(trade.Price)
	fillTime := parseWireTime(trade.MatchTime)
	if fillTime.IsZero() {
		fillTime = time.Now()
	}

	now := time.Now()
	var total float64
	emitted := 0

	for _, mo := range trade.MakerOrders {
		matched, err := strconv.ParseFloat(mo.MatchedAmount, 64)
		if err != nil || matched <= 0 {
			continue
		}
		total += matched

		price, err := parsePrice(mo.Price)
		if err != nil {
			if topPriceErr != nil {
				userLog.Warnf("maker 成交缺少可解析价格: trade=%s maker=%s", trade.ID, mo.OrderID)
				continue
			}
			price = topPrice
		}

		assetID := mo.AssetID
		if assetID == "" {
			assetID = trade.AssetID
		}
		outcome := mo.Outcome
		if outcome == "" {
			outcome = trade.Outcome
		}

		fill := &domain.Fill{
			TradeID:   trade.ID,
			OrderID:   domain.NormalizeOrderID(mo.OrderID),
			AssetID:   assetID,
			Side:      takerSide.Opposite(),
			Price:     price,
			Size:      matched,
			TokenType: outcomeToken(outcome),
			Market:    trade.Market,
			Time:      fillTime,
			FeeBps:    parseFeeBps(mo.FeeRateBps),
		}
		u.sink.Post(&events.FillEvent{Fill: fill, Timestamp: now})
		emitted++
	}

	// taker 的实际成交量 = Σ matched_amount，顶层 size 是请求数量
	if trade.TakerOrderID != "" && total > 0 && topPriceErr == nil {
		fill := &domain.Fill{
			TradeID:   trade.ID,
			OrderID:   domain.NormalizeOrderID(trade.TakerOrderID),
			AssetID:   trade.AssetID,
			Side:      takerSide,
			Price:     topPrice,
			Size:      total,
			TokenType: outcomeToken(trade.Outcome),
			Market:    trade.Market,
			Time:      fillTime,
			FeeBps:    parseFeeBps(trade.FeeRateBps),
		}
		u.sink.Post(&events.FillEvent{Fill: fill, Timestamp: now})
		emitted++
	}

	if emitted == 0 {
		userLog.Warnf("⚠️ trade 消息没有可用的 maker 成交记录，忽略: trade=%s", trade.ID)
		return
	}
	userLog.Debugf("成交已展开: trade=%s makers=%d total=%.4f", trade.ID, len(trade.MakerOrders), total)
}

// wireOrder 用户频道 order 消息。
type wireOrder struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
	Type         string `json:"type"` // PLACEMENT | UPDATE | CANCELLATION
	Timestamp    string `json:"timestamp"`
}

// handleOrder 订单状态事件：只取消和过期有意义。
// UPDATE 携带的 size_matched 不可靠，成交量一律以 trade 事件为准。
func (u *UserFeed) handleOrder(message []byte) {
	var order wireOrder
	if err := json.Unmarshal(message, &order); err != nil {
		userLog.Warnf("解析 order 消息失败: %v", err)
		return
	}
	if order.ID == "" {
		return
	}

	var status domain.OrderStatus
	switch {
	case order.Type == "CANCELLATION", order.Status == "CANCELED", order.Status == "CANCELLED":
		status = domain.OrderStatusCancelled
	case order.Status == "EXPIRED":
		status = domain.OrderStatusExpired
	default:
		userLog.Debugf("忽略订单事件: id=%s type=%s status=%s", order.ID, order.Type, order.Status)
		return
	}

	u.sink.Post(&events.OrderStatusEvent{
		OrderID:   domain.NormalizeOrderID(order.ID),
		AssetID:   order.AssetID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// Close 关闭连接并等待 goroutine 退出。
func (u *UserFeed) Close() error {
	u.closeOnce.Do(func() {
		close(u.closeC)
	})

	u.connMu.Lock()
	if u.connCancel != nil {
		u.connCancel()
	}
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	connSg := u.connSg
	u.connMu.Unlock()

	if connSg != nil && !waitTimeout(connSg, 5*time.Second) {
		userLog.Warnf("等待连接 goroutine 退出超时（5 秒），继续关闭")
	}
	if !waitTimeout(u.sg, 5*time.Second) {
		userLog.Warnf("等待后台 goroutine 退出超时（5 秒），继续关闭")
	}
	userLog.Infof("🛑 用户频道已关闭")
	return nil
}

func outcomeToken(outcome string) domain.TokenType {
	switch outcome {
	case "Up", "UP", "up", "Yes", "YES", "yes":
		return domain.TokenTypeUp
	case "Down", "DOWN", "down", "No", "NO", "no":
		return domain.TokenTypeDown
	}
	return ""
}

func parseFeeBps(s string) int {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// parseWireTime 解析 unix 时间戳字符串（秒或毫秒），失败返回零值。
func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	if ts > 1e12 {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}
