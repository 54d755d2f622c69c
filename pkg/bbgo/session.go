package bbgo

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/feed"
	"github.com/arbx/goarb/internal/marketstate"
)

var sessionLog = logrus.WithField("component", "session")

// 进程启动到策略循环就位之间的事件积压上限。超过后丢最旧的，
// 正常启动顺序下这个窗口只有几十毫秒。
const sinkBacklogLimit = 8192

// sinkMux 是 feed 和策略循环之间的插座。feed 在进程启动时就创建并连接，
// 策略循环晚一步才出现；这之间到达的事件先积压，AttachSink 时按序补投。
// 周期切换时重复 Attach 同一个循环是幂等的。
type sinkMux struct {
	mu      sync.Mutex
	sink    feed.Sink
	backlog []any
	dropped int
}

func newSinkMux() *sinkMux {
	return &sinkMux{}
}

// Post 实现 feed.Sink。没有下游时积压，有下游时直通。
func (m *sinkMux) Post(event any) bool {
	m.mu.Lock()
	if m.sink == nil {
		if len(m.backlog) >= sinkBacklogLimit {
			m.backlog = m.backlog[1:]
			m.dropped++
		}
		m.backlog = append(m.backlog, event)
		m.mu.Unlock()
		return true
	}
	sink := m.sink
	m.mu.Unlock()
	return sink.Post(event)
}

// Attach 接上下游并按序冲掉积压。
func (m *sinkMux) Attach(sink feed.Sink) {
	m.mu.Lock()
	if m.sink == sink {
		m.mu.Unlock()
		return
	}
	backlog := m.backlog
	dropped := m.dropped
	m.backlog = nil
	m.dropped = 0
	m.sink = sink
	m.mu.Unlock()

	if dropped > 0 {
		sessionLog.Warnf("⚠️ 启动积压超限，丢弃了最旧的 %d 条事件", dropped)
	}
	for _, ev := range backlog {
		sink.Post(ev)
	}
}

// ExchangeSession 一个交易周期里策略看到的市场视图：
// market 元数据、双边盘口的 PairView，以及把 feed 事件接到策略循环的入口。
// WebSocket 连接归 Environment 所有并跨周期复用，session 只是订阅的生命周期单位。
type ExchangeSession struct {
	Name string

	env    *Environment
	market *domain.Market
	pair   *marketstate.PairView
}

// Market 本周期的市场元数据。
func (s *ExchangeSession) Market() *domain.Market { return s.market }

// Pair 双边最优价的无锁视图。
func (s *ExchangeSession) Pair() *marketstate.PairView { return s.pair }

// Books 全量订单簿（按 asset 路由，看深度用）。
func (s *ExchangeSession) Books() *marketstate.Store {
	if s.env == nil {
		return nil
	}
	return s.env.Books
}

// MarketFeed 底层行情连接。多市场策略可以在会话之外追加订阅。
func (s *ExchangeSession) MarketFeed() *feed.MarketFeed {
	if s.env == nil {
		return nil
	}
	return s.env.MarketFeed
}

// AttachSink 把 feed 事件流接到策略的事件循环。幂等，
// 周期切换后策略在 bindSession 里重复调用是预期用法。
func (s *ExchangeSession) AttachSink(sink feed.Sink) {
	if s.env == nil || s.env.mux == nil {
		return
	}
	s.env.mux.Attach(sink)
}

// Close 释放本周期的订单簿。连接不断开，归 Environment 管。
func (s *ExchangeSession) Close() error {
	if s.env == nil || s.market == nil {
		return nil
	}
	for _, o := range s.market.Outcomes {
		s.env.Books.Drop(o.AssetID)
	}
	return nil
}
