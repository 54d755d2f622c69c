package bbgo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/pkg/logger"
	"github.com/arbx/goarb/pkg/marketspec"
)

var schedulerLog = logrus.WithField("component", "market_scheduler")

// MarketScheduler 周期市场的调度器：每个 timeframe 边界解析下一周期的
// 市场并换会话，WebSocket 连接不动，只换订阅。
//
// fail-safe：拿不到下一周期的市场时进入暂停态——撤掉旧周期的全部挂单、
// 注销旧订阅，然后持续重试；恢复前没有任何行情进策略，保证不交易。
type MarketScheduler struct {
	environment *Environment
	discovery   *services.Discovery
	trader      *Trader
	sessionName string
	spec        marketspec.MarketSpec

	mu             sync.RWMutex
	currentSession *ExchangeSession
	currentMarket  *domain.Market
	paused         bool
	pendingPeriod  int64
	pausedSince    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMarketScheduler(environ *Environment, discovery *services.Discovery, trader *Trader, sessionName string, spec marketspec.MarketSpec) *MarketScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &MarketScheduler{
		environment: environ,
		discovery:   discovery,
		trader:      trader,
		sessionName: sessionName,
		spec:        spec,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 绑定当前周期并启动调度循环。
func (s *MarketScheduler) Start(ctx context.Context) error {
	periodStart := s.spec.CurrentPeriodStartUnix(time.Now())
	if err := s.switchTo(ctx, periodStart); err != nil {
		return errors.Wrap(err, "绑定首个周期失败")
	}

	s.wg.Add(1)
	go s.scheduleLoop()
	schedulerLog.Infof("✅ 市场调度器已启动: %s/%s", s.spec.SlugPrefix(), s.spec.Timeframe)
	return nil
}

func (s *MarketScheduler) scheduleLoop() {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(s.nextSleep())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.checkAndSwitch()
		}
	}
}

// nextSleep 睡到当前周期边界，提前半秒醒来留出切换余量。
// 暂停态或无市场时退化为 1 秒的重试节拍；长周期里每 30 秒醒一次
// 校对时间漂移。
func (s *MarketScheduler) nextSleep() time.Duration {
	s.mu.RLock()
	market := s.currentMarket
	s.mu.RUnlock()

	if market == nil {
		return time.Second
	}

	deadline := time.Unix(market.Timestamp, 0).Add(s.spec.Duration())
	d := time.Until(deadline)
	if d <= 0 {
		return 50 * time.Millisecond
	}
	if d > 500*time.Millisecond {
		d -= 500 * time.Millisecond
	}
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func (s *MarketScheduler) checkAndSwitch() {
	s.mu.RLock()
	market := s.currentMarket
	paused := s.paused
	pending := s.pendingPeriod
	s.mu.RUnlock()

	if paused {
		if err := s.switchTo(s.ctx, pending); err != nil {
			schedulerLog.Errorf("⏳ [暂停交易] 仍无法进入周期 %d: %v", pending, err)
		}
		return
	}
	if market == nil {
		return
	}

	endTs := market.Timestamp + int64(s.spec.Duration().Seconds())
	if time.Now().Unix() < endTs {
		return
	}

	nextPeriod := s.spec.CurrentPeriodStartUnix(time.Now())
	if nextPeriod <= market.Timestamp {
		nextPeriod = s.spec.NextPeriodStartUnix(market.Timestamp)
	}
	schedulerLog.Infof("🔄 周期结束: %s -> %d", market.Slug, nextPeriod)
	if err := s.switchTo(s.ctx, nextPeriod); err != nil {
		s.failSafe(nextPeriod, err)
	}
}

// switchTo 解析目标周期的市场并完成会话切换。
// 成功后自动脱离暂停态。
func (s *MarketScheduler) switchTo(ctx context.Context, periodStart int64) error {
	market, err := s.discovery.ResolveUpDown(ctx, s.spec, periodStart)
	if err != nil {
		return errors.Wrapf(err, "解析周期 %d 市场失败", periodStart)
	}

	// 先切日志文件，让后续的切换日志落进新周期的文件
	logger.SetMarketSlug(market.Slug)
	if err := logger.CheckAndRotateLogWithForce(logger.Config{
		LogByCycle:    true,
		CycleDuration: s.spec.Duration(),
	}, true); err != nil {
		schedulerLog.Errorf("切换日志文件失败: %v", err)
	}

	s.mu.RLock()
	oldMarket := s.currentMarket
	s.mu.RUnlock()

	s.environment.MarketFeed.UnwatchAll()
	session, err := s.environment.NewSession(s.sessionName, market)
	if err != nil {
		return errors.Wrap(err, "创建周期会话失败")
	}

	s.mu.Lock()
	wasPaused := s.paused
	pausedFor := time.Since(s.pausedSince)
	s.currentSession = session
	s.currentMarket = market
	s.paused = false
	s.pendingPeriod = 0
	s.pausedSince = time.Time{}
	s.mu.Unlock()

	if wasPaused {
		schedulerLog.Warnf("✅ [恢复交易] 暂停 %s 后进入新周期: %s", pausedFor.Round(time.Second), market.Slug)
	}

	// 策略先拿到新会话再清旧订阅，防止切换窗口里盘口真空
	s.trader.Subscribe(session)

	if oldMarket != nil && oldMarket.Slug != market.Slug {
		assets := make([]string, 0, len(oldMarket.Outcomes))
		for _, o := range oldMarket.Outcomes {
			assets = append(assets, o.AssetID)
		}
		s.environment.MarketFeed.Unsubscribe(assets...)
		s.discovery.Invalidate(oldMarket.Slug)
	}

	schedulerLog.Infof("✅ 已进入周期: %s (start=%d)", market.Slug, market.Timestamp)
	return nil
}

// failSafe 进入暂停态：撤掉旧周期全部挂单、注销订阅，之后按秒重试。
func (s *MarketScheduler) failSafe(pendingPeriod int64, cause error) {
	s.mu.Lock()
	oldMarket := s.currentMarket
	s.currentSession = nil
	s.currentMarket = nil
	s.paused = true
	s.pendingPeriod = pendingPeriod
	s.pausedSince = time.Now()
	s.mu.Unlock()

	if oldMarket != nil {
		if ts := s.environment.TradingService; ts != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := ts.CancelOrdersFor(cancelCtx, oldMarket.ConditionID); err != nil {
				schedulerLog.Errorf("❌ [暂停交易] 撤单失败: %v", err)
			}
			cancel()
		}
		assets := make([]string, 0, len(oldMarket.Outcomes))
		for _, o := range oldMarket.Outcomes {
			assets = append(assets, o.AssetID)
		}
		s.environment.MarketFeed.UnwatchAll()
		s.environment.MarketFeed.Unsubscribe(assets...)
	}

	schedulerLog.Errorf("🛑 [暂停交易] fail-safe 生效: pendingPeriod=%d cause=%v", pendingPeriod, cause)
}

// Stop 停止调度循环并等它退出。
func (s *MarketScheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		schedulerLog.Info("市场调度器已停止")
		return nil
	case <-ctx.Done():
		schedulerLog.Warn("停止市场调度器超时")
		return ctx.Err()
	}
}

// CurrentSession 当前周期的会话，暂停态返回 nil。
func (s *MarketScheduler) CurrentSession() *ExchangeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSession
}

// CurrentMarket 当前周期的市场，暂停态返回 nil。
func (s *MarketScheduler) CurrentMarket() *domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentMarket
}

// Paused 是否处于 fail-safe 暂停态。
func (s *MarketScheduler) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}
