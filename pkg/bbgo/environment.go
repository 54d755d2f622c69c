package bbgo

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/feed"
	"github.com/arbx/goarb/internal/marketstate"
	"github.com/arbx/goarb/internal/risk"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/store"
	"github.com/arbx/goarb/pkg/shutdown"
)

var envLog = logrus.WithField("component", "environment")

// Environment 进程级运行环境：两条 WebSocket 连接、订单簿仓库和全部服务。
// 连接跨周期复用，周期切换只换订阅不换连接。
// 策略通过 ServiceInjector 接口从这里取服务。
type Environment struct {
	TradingService *services.TradingService
	CTF            *services.CTFService
	AUM            *services.AUMService
	Discovery      *services.Discovery
	Ledger         *domain.Ledger
	Store          *store.Store
	Breakers       *risk.SessionBreakers

	Books      *marketstate.Store
	MarketFeed *feed.MarketFeed
	UserFeed   *feed.UserFeed

	mux        *sinkMux
	sessions   map[string]*ExchangeSession
	sessionsMu sync.RWMutex
	shutdown   *shutdown.Manager
}

// NewEnvironment 创建环境。feed 立刻构造但不连接，Connect 时才拨号。
func NewEnvironment() *Environment {
	env := &Environment{
		Books:    marketstate.NewStore(),
		mux:      newSinkMux(),
		sessions: make(map[string]*ExchangeSession),
		shutdown: shutdown.NewManager(),
	}
	env.MarketFeed = feed.NewMarketFeed(env.Books, env.mux)
	env.UserFeed = feed.NewUserFeed(env.mux)
	return env
}

// ShutdownManager 关停回调注册点。
func (e *Environment) ShutdownManager() *shutdown.Manager { return e.shutdown }

// Connect 建立行情连接；有凭证时同时接入用户频道（空市场列表订阅全部）。
func (e *Environment) Connect(ctx context.Context, creds types.ApiKeyCreds) error {
	if err := e.MarketFeed.Connect(ctx); err != nil {
		return errors.Wrap(err, "行情连接失败")
	}
	if creds.Key != "" {
		if err := e.UserFeed.Connect(ctx, creds, nil); err != nil {
			return errors.Wrap(err, "用户频道连接失败")
		}
	} else {
		envLog.Warn("⚠️ 缺少 API 凭证，用户频道未接入（成交确认不可用）")
	}
	return nil
}

// NewSession 为一个市场开新会话：登记 PairView 并订阅它的全部资产。
// 不清掉已有订阅，多市场策略可以并行持有多个会话。
func (e *Environment) NewSession(name string, market *domain.Market) (*ExchangeSession, error) {
	if market == nil || len(market.Outcomes) == 0 {
		return nil, errors.New("会话需要带结果资产的市场")
	}
	view := marketstate.NewPairView(e.Books, market)
	e.MarketFeed.WatchPair(view)

	assets := make([]string, 0, len(market.Outcomes))
	for _, o := range market.Outcomes {
		assets = append(assets, o.AssetID)
	}
	if err := e.MarketFeed.Subscribe(assets...); err != nil {
		return nil, errors.Wrapf(err, "订阅市场 %s 失败", market.Slug)
	}

	sess := &ExchangeSession{Name: name, env: e, market: market, pair: view}
	e.sessionsMu.Lock()
	e.sessions[name] = sess
	e.sessionsMu.Unlock()
	envLog.Infof("📡 会话就绪: %s market=%s assets=%d", name, market.Slug, len(assets))
	return sess, nil
}

// AttachSink 把 feed 事件接到一个消费端，接上前的事件按序补投。
// 多市场策略没有单一会话可绑时用这个入口。
func (e *Environment) AttachSink(sink feed.Sink) {
	e.mux.Attach(sink)
}

// Session 按名取会话。
func (e *Environment) Session(name string) (*ExchangeSession, bool) {
	e.sessionsMu.RLock()
	defer e.sessionsMu.RUnlock()
	sess, ok := e.sessions[name]
	return sess, ok
}

// Close 断开全部连接。
func (e *Environment) Close() error {
	var firstErr error
	if err := e.MarketFeed.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.UserFeed.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
