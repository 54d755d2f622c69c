package shockfade

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/engine"
	"github.com/arbx/goarb/internal/events"
	"github.com/arbx/goarb/internal/marketstate"
	"github.com/arbx/goarb/internal/risk"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/sports"
	"github.com/arbx/goarb/internal/store"
	"github.com/arbx/goarb/pkg/bbgo"
)

const ID = "shockfade"

var log = logrus.WithField("strategy", ID)

func init() { bbgo.RegisterStrategy(ID, &Strategy{}) }

const (
	heartbeatInterval = time.Second
	exitGrace         = 30 * time.Second // 对侧退出单的成交宽限
	gameResolveRetry  = 30 * time.Second // 记分牌上找不到比赛时的重试间隔
	scoreboardTimeout = 8 * time.Second
)

// 核心循环内部事件（IO 结果回表）
type marketReadyEvent struct {
	target  MarketTarget
	session *bbgo.ExchangeSession
	err     error
}
type gameFoundEvent struct {
	slug string
	game sports.Game
	err  error
}
type splitDoneEvent struct {
	slug string
	err  error
}
type classifyDoneEvent struct {
	slug    string
	assetID string
	signal  shockSignal
	shockAt time.Time
	verdict sports.Verdict
	err     error
}
type ladderDoneEvent struct {
	slug    string
	cycleID string
	orders  []*domain.Order
	err     error
}
type mergeDoneEvent struct {
	slug      string
	submitted float64
	err       error
}
type redeemDoneEvent struct {
	slug   string
	token  domain.TokenType
	shares float64
}
type configReloadEvent struct{ cfg Config }
type reconcileDoneEvent struct {
	report *services.ReconcileReport
	err    error
}

// watch 一个盯盘市场的全部状态，只在核心循环线程读写。
type watch struct {
	target  MarketTarget
	league  sports.League
	session *bbgo.ExchangeSession
	market  *domain.Market
	pair    *marketstate.PairView

	src        sports.Source
	classifier *sports.Classifier
	game       *sports.Game
	homeAsset  string
	awayAsset  string

	resolvingGame   bool
	nextGameResolve time.Time
	pollerStarted   bool
	finalized       bool

	detectors map[string]*shockDetector

	cycle        *domain.Cycle
	splitting    bool
	classifying  bool
	laddering    bool
	exiting      bool
	exitShares   float64
	exitProceeds float64
	exitDeadline time.Time

	merging      bool
	mergePending float64 // 周期收尾后待 merge 的 pair 数
}

// Strategy：体育 moneyline 市场的冲击回归。
//
// 运行方式：
// - 预先 split，把之后的阶梯和退出变成纯卖单（免手续费、即时生效）
// - 冲击检测在盘口事件上跑滚动 z-score，归因交给爆发轮询的分类器，
//   只有 single_event 的冲击才武装阶梯
// - 阶梯挂出后靠比赛事件驱动退出：不利事件撤梯从对侧离场、
//   有利事件原地等回归、超时持有到结算
// - 所有事件进同一条串行循环，网络 IO 全部丢给工作池、结果以事件回表
type Strategy struct {
	TradingService *services.TradingService
	Ledger         *domain.Ledger
	Store          *store.Store
	CTF            *services.CTFService
	Discovery      *services.Discovery
	Breakers       *risk.SessionBreakers

	Config `yaml:",inline" json:",inline"`

	env  *bbgo.Environment
	loop *engine.Loop
	io   *services.IOExecutor

	// 以下状态只在核心循环线程读写
	live         Config // 开新周期时生效的配置（热载只影响新周期）
	watches map[string]*watch
	assets  map[string]string // assetID → market slug
}

func (s *Strategy) ID() string   { return ID }
func (s *Strategy) Name() string { return ID }

func (s *Strategy) Defaults() error { return nil }

// InjectServices 从运行环境取服务。测试里预先塞好的不覆盖。
func (s *Strategy) InjectServices(env *bbgo.Environment) {
	s.env = env
	if s.TradingService == nil {
		s.TradingService = env.TradingService
	}
	if s.Ledger == nil {
		s.Ledger = env.Ledger
	}
	if s.Store == nil {
		s.Store = env.Store
	}
	if s.CTF == nil {
		s.CTF = env.CTF
	}
	if s.Discovery == nil {
		s.Discovery = env.Discovery
	}
	if s.Breakers == nil {
		s.Breakers = env.Breakers
	}
}

func (s *Strategy) Validate() error { return s.Config.Validate() }

func (s *Strategy) Initialize() error {
	s.live = s.Config
	s.watches = make(map[string]*watch)
	s.assets = make(map[string]string)
	if s.Breakers == nil {
		s.Breakers = risk.NewSessionBreakers(risk.SessionLimits{
			MaxConsecutiveLosses: s.MaxConsecutiveLosses,
			MaxSessionLossUSD:    s.MaxSessionLossUSD,
			MaxConcurrentGames:   s.MaxConcurrentGames,
			MaxCyclesPerGame:     s.MaxCyclesPerGame,
		})
		// 回填到环境里，面板和 status 命令读同一份计数
		if s.env != nil && s.env.Breakers == nil {
			s.env.Breakers = s.Breakers
		}
	}
	return nil
}

// ApplyConfig 热载新配置。校验失败原样返回；生效范围只有之后开的新周期，
// 在途周期沿用创建时的参数。
func (s *Strategy) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.loop != nil {
		s.loop.Post(&configReloadEvent{cfg: cfg})
	}
	return nil
}

// Run 启动核心循环并解析全部盯盘市场。策略自己管会话，
// 不依赖调度器传入的周期会话。
func (s *Strategy) Run(ctx context.Context, _ bbgo.OrderExecutor, _ *bbgo.ExchangeSession) error {
	if s.TradingService == nil {
		return errors.New("shockfade: TradingService 未注入")
	}
	if s.Ledger == nil {
		return errors.New("shockfade: Ledger 未注入")
	}
	if s.Discovery == nil {
		return errors.New("shockfade: Discovery 未注入")
	}
	if s.env == nil {
		return errors.New("shockfade: 运行环境未注入")
	}
	if s.CTF == nil && !s.MonitorOnly {
		return errors.New("shockfade: CTF 服务未注入（split/merge/redeem 不可用）")
	}

	s.io = services.NewIOExecutor(ctx, ID, 4, 64)
	s.loop = engine.NewLoop(ID, s, heartbeatInterval)
	s.loop.Start(ctx)
	s.env.AttachSink(s.loop)

	for _, t := range s.Targets {
		s.openWatch(ctx, t)
	}
	log.Infof("✅ 策略已启动: 盯盘 %d 个市场 presplit=$%.0f monitorOnly=%v", len(s.Targets), s.PresplitUSD, s.MonitorOnly)
	return nil
}

// Shutdown 撤掉全部在途订单后停循环。
func (s *Strategy) Shutdown(ctx context.Context, _ *sync.WaitGroup) {
	if !s.MonitorOnly && s.TradingService != nil {
		for _, w := range s.watches {
			if err := s.TradingService.CancelOrdersFor(ctx, w.market.ConditionID); err != nil {
				log.Errorf("❌ 关停撤单失败: %s %v", w.market.Slug, err)
			}
		}
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.io != nil {
		s.io.Close()
	}
	log.Info("🛑 策略已关停")
}

// Handle 核心循环入口：单线程消费全部事件。
func (s *Strategy) Handle(ctx context.Context, event any) {
	now := time.Now()
	switch ev := event.(type) {
	case *marketReadyEvent:
		s.bindWatch(ctx, ev, now)
	case *gameFoundEvent:
		s.onGameFound(ctx, ev, now)
	case *splitDoneEvent:
		s.onSplitDone(ctx, ev)
	case *classifyDoneEvent:
		s.onClassified(ctx, ev, now)
	case *ladderDoneEvent:
		s.onLadderDone(ctx, ev)
	case *mergeDoneEvent:
		s.onMergeDone(ev)
	case *redeemDoneEvent:
		s.onRedeemDone(ctx, ev)
	case *configReloadEvent:
		s.live = ev.cfg
		log.Infof("🔄 配置已热载（只影响新周期）: presplit=$%.0f z=%.1f spacing=%d¢", s.live.PresplitUSD, s.live.ZThreshold, s.live.spacing())
	case *events.PriceUpdateEvent:
		s.onPrice(ctx, ev, now)
	case *events.GameUpdateEvent:
		s.onGameUpdate(ctx, ev, now)
	case *events.FillEvent:
		s.onFill(ctx, ev, now)
	case *events.OrderStatusEvent:
		s.onStatus(ctx, ev)
	case *events.HeartbeatEvent:
		s.onHeartbeat(ctx, now)
	case *events.BookStaleEvent:
		log.Warnf("⚠️ 盘口静默 %v: %s", ev.Silence.Round(time.Second), shortAsset(ev.AssetID))
	case *events.ResyncEvent:
		s.startReconcile(ctx)
	case *reconcileDoneEvent:
		s.onReconcile(ctx, ev, now)
	case *events.ReloadEvent:
		// 新配置由 main 侧经 ApplyConfig 注入，这里只记收到信号
		log.Info("🔄 收到配置重载信号")
	}
}

// ---------------------------------------------------------------- watch setup

// openWatch 异步解析目标市场并建会话。
func (s *Strategy) openWatch(ctx context.Context, target MarketTarget) {
	s.submitIO(ctx, "resolve-market", func(ioCtx context.Context) {
		market, err := s.Discovery.ResolveMarket(ioCtx, target.Slug)
		if err != nil {
			s.loop.Post(&marketReadyEvent{target: target, err: err})
			return
		}
		session, err := s.env.NewSession(target.Slug, market)
		s.loop.Post(&marketReadyEvent{target: target, session: session, err: err})
	})
}

func (s *Strategy) bindWatch(ctx context.Context, ev *marketReadyEvent, now time.Time) {
	if ev.err != nil {
		log.Errorf("❌ 市场 %s 解析失败: %v", ev.target.Slug, ev.err)
		return
	}
	market := ev.session.Market()
	if len(market.Outcomes) != 2 {
		log.Errorf("❌ 市场 %s 不是二元市场（%d 个结果），跳过", market.Slug, len(market.Outcomes))
		return
	}
	league, err := sports.ParseLeague(ev.target.League)
	if err != nil {
		log.Errorf("❌ %v", err)
		return
	}
	src, err := sports.NewSource(league)
	if err != nil {
		log.Errorf("❌ 市场 %s 无比分源: %v", market.Slug, err)
		return
	}

	w := &watch{
		target:  ev.target,
		league:  league,
		session: ev.session,
		market:  market,
		pair:    ev.session.Pair(),
		src:     src,
		classifier: sports.NewClassifier(src, sports.ClassifierConfig{
			BurstCutoff: time.Duration(s.live.BurstCutoffSecs) * time.Second,
		}),
		detectors: make(map[string]*shockDetector, len(market.Outcomes)),
	}
	for _, o := range market.Outcomes {
		w.detectors[o.AssetID] = newShockDetector(&s.live)
		s.assets[o.AssetID] = market.Slug
	}
	s.watches[market.Slug] = w
	log.Infof("📡 盯盘就绪: %s (%s vs %s, %s)", market.Slug, market.Outcomes[0].Label, market.Outcomes[1].Label, league)
	s.resolveGame(ctx, w, now)
}

// resolveGame 在联盟记分牌里找到这个市场对应的比赛。
func (s *Strategy) resolveGame(ctx context.Context, w *watch, now time.Time) {
	if w.resolvingGame {
		return
	}
	w.resolvingGame = true
	w.nextGameResolve = now.Add(gameResolveRetry)
	slug := w.market.Slug
	teamA, teamB := w.market.Outcomes[0].Label, w.market.Outcomes[1].Label
	src := w.src
	s.submitIO(ctx, "scoreboard", func(ioCtx context.Context) {
		games, err := src.Scoreboard(ioCtx)
		if err != nil {
			s.loop.Post(&gameFoundEvent{slug: slug, err: err})
			return
		}
		game, ok := sports.FindGame(games, teamA, teamB)
		if !ok {
			s.loop.Post(&gameFoundEvent{slug: slug, err: errors.Errorf("记分牌上没有 %s vs %s", teamA, teamB)})
			return
		}
		s.loop.Post(&gameFoundEvent{slug: slug, game: game})
	})
}

func (s *Strategy) onGameFound(ctx context.Context, ev *gameFoundEvent, now time.Time) {
	w := s.watches[ev.slug]
	if w == nil {
		return
	}
	w.resolvingGame = false
	if ev.err != nil {
		log.Warnf("⚠️ 比赛解析失败（%s 后重试）: %s %v", gameResolveRetry, ev.slug, ev.err)
		return
	}
	game := ev.game
	w.game = &game
	w.homeAsset, w.awayAsset = mapTeams(w.market, game)
	log.Infof("📊 比赛就位: %s %s@%s state=%s", game.League, game.Away.Abbrev, game.Home.Abbrev, game.State)

	s.startGamePoller(ctx, w)
	s.maybeOpenCycle(ctx, w)
}

// mapTeams 把主客队对到市场的两个结果 token 上。
func mapTeams(m *domain.Market, g sports.Game) (homeAsset, awayAsset string) {
	if g.Home.Matches(m.Outcomes[0].Label) {
		return m.Outcomes[0].AssetID, m.Outcomes[1].AssetID
	}
	return m.Outcomes[1].AssetID, m.Outcomes[0].AssetID
}

// startGamePoller 为一场比赛启动记分牌轮询。比分变化、节次变化、
// 终场都以事件回表，轮询线程不碰策略状态。
func (s *Strategy) startGamePoller(ctx context.Context, w *watch) {
	if w.pollerStarted || w.game == nil {
		return
	}
	w.pollerStarted = true

	src := w.src
	gameID := w.game.ID
	league := string(w.league)
	home, away := w.game.Home, w.game.Away
	homeScore, awayScore := w.game.HomeScore, w.game.AwayScore
	period := w.game.Period
	interval := time.Duration(s.live.GamePollSecs) * time.Second
	loop := s.loop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pollCtx, cancel := context.WithTimeout(ctx, scoreboardTimeout)
			games, err := src.Scoreboard(pollCtx)
			cancel()
			if err != nil {
				log.Warnf("⚠️ 记分牌轮询失败: %s %v", gameID, err)
				continue
			}
			var cur *sports.Game
			for i := range games {
				if games[i].ID == gameID {
					cur = &games[i]
					break
				}
			}
			if cur == nil {
				continue
			}
			now := time.Now()
			if cur.HomeScore != homeScore {
				loop.Post(&events.GameUpdateEvent{GameID: gameID, League: league, Kind: "score", Team: home.Abbrev,
					HomeScore: cur.HomeScore, AwayScore: cur.AwayScore, At: now, Timestamp: now})
			}
			if cur.AwayScore != awayScore {
				loop.Post(&events.GameUpdateEvent{GameID: gameID, League: league, Kind: "score", Team: away.Abbrev,
					HomeScore: cur.HomeScore, AwayScore: cur.AwayScore, At: now, Timestamp: now})
			}
			if cur.Period != period {
				loop.Post(&events.GameUpdateEvent{GameID: gameID, League: league, Kind: "period",
					HomeScore: cur.HomeScore, AwayScore: cur.AwayScore, At: now, Timestamp: now})
			}
			homeScore, awayScore, period = cur.HomeScore, cur.AwayScore, cur.Period
			if cur.State == sports.GameFinal {
				loop.Post(&events.GameUpdateEvent{GameID: gameID, League: league, Kind: "final",
					HomeScore: cur.HomeScore, AwayScore: cur.AwayScore, At: now, Timestamp: now})
				return
			}
		}
	}()
}

// ---------------------------------------------------------------- cycle open

// maybeOpenCycle 风控放行后预先 split，让之后的阶梯是纯卖单（免手续费）。
func (s *Strategy) maybeOpenCycle(ctx context.Context, w *watch) {
	if w.cycle != nil || w.splitting || w.finalized || w.game == nil {
		return
	}
	if s.MonitorOnly {
		return // 不占资金，冲击时只落监控表
	}
	if err := s.Breakers.CanOpenCycle(w.game.ID); err != nil {
		log.Debugf("⏳ 周期准入被拒: %s %v", w.market.Slug, err)
		return
	}
	amount := s.live.PresplitUSD
	w.splitting = true
	slug := w.market.Slug
	conditionID := w.market.ConditionID
	negRisk := w.market.NegRisk
	s.submitIO(ctx, "split", func(ioCtx context.Context) {
		err := s.CTF.Split(ioCtx, conditionID, amount, negRisk)
		s.loop.Post(&splitDoneEvent{slug: slug, err: err})
	})
}

func (s *Strategy) onSplitDone(ctx context.Context, ev *splitDoneEvent) {
	w := s.watches[ev.slug]
	if w == nil {
		return
	}
	w.splitting = false
	if ev.err != nil {
		log.Errorf("❌ split 失败: %s %v", ev.slug, ev.err)
		return
	}
	if w.game == nil {
		return
	}
	amount := s.live.PresplitUSD
	w.cycle = domain.NewCycle(w.game.ID, w.market.Slug, w.market.ConditionID, amount, "")
	s.Breakers.CycleOpened(w.game.ID)

	// split 等价于两侧各按 $0.50 建仓（1 USDC → 每侧 1 份）
	if err := s.Ledger.ApplyFill(w.market.Slug, domain.TokenTypeUp, amount, 0.5); err != nil {
		log.Errorf("🔥 台账落账失败: %v", err)
	}
	if err := s.Ledger.ApplyFill(w.market.Slug, domain.TokenTypeDown, amount, 0.5); err != nil {
		log.Errorf("🔥 台账落账失败: %v", err)
	}
	s.persistCycle(ctx, w.cycle)
	log.Infof("💰 已预 split: %s $%.0f → 每侧 %.0f 份 (cycle=%s)", ev.slug, amount, amount, w.cycle.CycleID)
}

// ---------------------------------------------------------------- shock path

func (s *Strategy) onPrice(ctx context.Context, ev *events.PriceUpdateEvent, now time.Time) {
	slug, ok := s.assets[ev.AssetID]
	if !ok {
		return
	}
	w := s.watches[slug]
	det := w.detectors[ev.AssetID]
	if det == nil || ev.BestBid.IsZero() || ev.BestAsk.IsZero() {
		return
	}
	mid := (ev.BestBid.ToDecimal() + ev.BestAsk.ToDecimal()) / 2
	signal, fired := det.Observe(mid, now)
	if !fired || signal.Delta <= 0 {
		return // 只交易向上冲击：卖被打高的那一侧
	}
	s.onShock(ctx, w, ev.AssetID, signal, now)
}

// onShock 冲击出现后转入爆发归因。只有 single_event 会武装阶梯。
func (s *Strategy) onShock(ctx context.Context, w *watch, assetID string, signal shockSignal, now time.Time) {
	if w.classifying || w.laddering || w.exiting || w.finalized || w.game == nil {
		return
	}
	armed := w.cycle != nil && w.cycle.Armed()
	if armed {
		return
	}
	if w.cycle == nil && !s.MonitorOnly {
		return // split 未就绪（熔断中或 split 失败），冲击放掉
	}
	outcome, _ := w.market.OutcomeByAsset(assetID)
	log.Infof("📊 价格冲击: %s %s Δ=%+.3f z=%.1f mid=%.3f", w.market.Slug, outcome.Label, signal.Delta, signal.Z, signal.Mid)

	w.classifying = true
	slug := w.market.Slug
	gameID := w.game.ID
	classifier := w.classifier
	s.submitIO(ctx, "classify", func(ioCtx context.Context) {
		verdict, err := classifier.Classify(ioCtx, gameID, now)
		s.loop.Post(&classifyDoneEvent{slug: slug, assetID: assetID, signal: signal, shockAt: now, verdict: verdict, err: err})
	})
}

func (s *Strategy) onClassified(ctx context.Context, ev *classifyDoneEvent, now time.Time) {
	w := s.watches[ev.slug]
	if w == nil {
		return
	}
	w.classifying = false
	if ev.err != nil {
		log.Warnf("⚠️ 冲击归因失败: %s %v", ev.slug, ev.err)
		return
	}
	if ev.verdict.Class != sports.ClassSingleEvent {
		log.Infof("📊 冲击不入场: %s 归因=%s (%d 轮)", ev.slug, ev.verdict.Class, ev.verdict.Polls)
		return
	}
	if w.finalized || w.exiting {
		return
	}
	s.armLadder(ctx, w, ev)
}

// armLadder 武装阶梯：在被打高的 token 上挂 ladder_levels 个 GTC 卖单，
// 价格 锚点+k·档距，每档 ceil(presplit/档数)，末档收余数（85/3 → 29/29/27）。
func (s *Strategy) armLadder(ctx context.Context, w *watch, ev *classifyDoneEvent) {
	outcome, ok := w.market.OutcomeByAsset(ev.assetID)
	if !ok {
		return
	}
	anchor := domain.PriceFromDecimal(ev.signal.Mid)
	prices := ladderPrices(anchor, s.live.LadderLevels, s.live.spacing(), s.live.CeilingCents, w.market.Tick())
	if len(prices) == 0 {
		log.Warnf("⚠️ 阶梯全部越过上限，放弃入场: %s 锚点=%.3f", w.market.Slug, ev.signal.Mid)
		return
	}
	presplit := s.live.PresplitUSD
	if w.cycle != nil {
		presplit = w.cycle.PresplitUSD
	}
	sizes := ladderSizes(presplit, len(prices))

	if s.MonitorOnly || w.cycle == nil {
		for i, p := range prices {
			s.recordMonitor(ctx, w, ev.assetID, types.SideSell, p, sizes[i], "ladder")
		}
		return
	}

	cycle := w.cycle
	cycle.ShockAssetID = ev.assetID
	cycle.ShockSide = outcome.Label
	cycle.EntryMid = ev.signal.Mid
	cycle.ShockAt = ev.shockAt

	market := w.market
	assetID := ev.assetID
	w.laddering = true
	s.submitIO(ctx, "ladder", func(ioCtx context.Context) {
		var orders []*domain.Order
		var firstErr error
		for i, p := range prices {
			receipt, err := s.TradingService.SellGTC(ioCtx, market, assetID, sizes[i], p, domain.RoleLadder)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				log.Errorf("❌ 阶梯第 %d 档失败: %.0f @ %s %v", i+1, sizes[i], p, err)
				continue
			}
			orders = append(orders, receipt.Order)
		}
		s.loop.Post(&ladderDoneEvent{slug: market.Slug, cycleID: cycle.CycleID, orders: orders, err: firstErr})
	})
	log.Infof("📝 武装阶梯: %s %s 锚点=%.3f 档距=%d¢ × %d 档", market.Slug, outcome.Label, ev.signal.Mid, s.live.spacing(), len(prices))
}

func (s *Strategy) onLadderDone(ctx context.Context, ev *ladderDoneEvent) {
	w := s.watches[ev.slug]
	if w == nil || w.cycle == nil || w.cycle.CycleID != ev.cycleID {
		return
	}
	w.laddering = false
	if len(ev.orders) == 0 {
		log.Errorf("❌ 阶梯全部失败，周期退回待命: %s %v", ev.slug, ev.err)
		w.cycle.ShockAssetID = ""
		w.cycle.ShockSide = ""
		w.cycle.EntryMid = 0
		w.cycle.ShockAt = time.Time{}
		return
	}
	ids := make([]string, 0, len(ev.orders))
	for _, o := range ev.orders {
		ids = append(ids, o.OrderID)
	}
	w.cycle.LadderIDs = ids
	s.persistCycle(ctx, w.cycle)
	if ev.err != nil {
		log.Warnf("⚠️ 阶梯部分失败: %s 只挂出 %d 档", ev.slug, len(ids))
	}
	log.Infof("✅ 阶梯就位: %s %d 档 (cycle=%s)", ev.slug, len(ids), w.cycle.CycleID)
}

// ladderPrices 阶梯价位：锚点上方每档一个，贴 tick 并压在准入上限内，
// 越过上限的档直接丢弃（0.85 以上的薄盘卖不出好价）。
func ladderPrices(anchor domain.Price, levels, spacingCents, ceilingCents int, tick types.TickSize) []domain.Price {
	ceiling := domain.PriceFromCents(ceilingCents)
	out := make([]domain.Price, 0, levels)
	for k := 1; k <= levels; k++ {
		p := anchor.AddCents(k * spacingCents).RoundToTick(tick).ClampToBand(tick)
		if p.GreaterThan(ceiling) {
			break
		}
		out = append(out, p)
	}
	return out
}

// ladderSizes 每档 ceil(presplit/档数)，末档收余数。
func ladderSizes(presplit float64, levels int) []float64 {
	if levels <= 0 {
		return nil
	}
	base := math.Ceil(presplit / float64(levels))
	out := make([]float64, 0, levels)
	remaining := presplit
	for i := 0; i < levels; i++ {
		size := math.Min(base, remaining)
		if size <= 0 {
			break
		}
		out = append(out, size)
		remaining -= size
	}
	return out
}

// ---------------------------------------------------------------- game events

func (s *Strategy) onGameUpdate(ctx context.Context, ev *events.GameUpdateEvent, now time.Time) {
	var w *watch
	for _, cand := range s.watches {
		if cand.game != nil && cand.game.ID == ev.GameID {
			w = cand
			break
		}
	}
	if w == nil {
		return
	}
	w.game.HomeScore, w.game.AwayScore = ev.HomeScore, ev.AwayScore

	switch ev.Kind {
	case "score":
		s.onScore(ctx, w, ev, now)
	case "final":
		s.onGameFinal(ctx, w, now)
	}
}

// onScore 阶梯在场时的事件驱动退出：冲击方再得分=不利，撤梯并从对侧离场
// （对侧盘口比体育 feed 慢约 3 秒，来得及卖）；对方得分=有利，阶梯原地等回归。
func (s *Strategy) onScore(ctx context.Context, w *watch, ev *events.GameUpdateEvent, now time.Time) {
	c := w.cycle
	if c == nil || !c.Armed() || !c.IsOpen() || w.exiting {
		return
	}
	scoringAsset := w.awayAsset
	if w.game != nil && ev.Team == w.game.Home.Abbrev {
		scoringAsset = w.homeAsset
	}
	if scoringAsset != c.ShockAssetID {
		log.Infof("📊 有利事件（%s 得分），阶梯继续等回归: %s", ev.Team, w.market.Slug)
		return
	}
	log.Warnf("🛑 不利事件（%s 再次得分），撤梯从对侧离场: %s", ev.Team, w.market.Slug)
	s.cancelLadder(ctx, w)
	s.placeComplementExit(ctx, w, now)
}

// placeComplementExit 对侧 token 的 GTC 卖单，价格 bid+1tick：
// 赶在不利动量反映进对侧盘口之前把完整仓位打出去。
func (s *Strategy) placeComplementExit(ctx context.Context, w *watch, now time.Time) {
	c := w.cycle
	comp, ok := w.market.Complement(c.ShockAssetID)
	if !ok {
		return
	}
	token, _ := w.market.TokenTypeOf(comp.AssetID)
	bid := w.pair.Best().Bid(token)
	if bid.IsZero() {
		log.Warnf("⚠️ 对侧无 bid，改持有到结算: %s", w.market.Slug)
		s.closeCycle(ctx, w, domain.CycleOutcomeHeld)
		return
	}
	price := bid.AddTick(w.market.Tick()).ClampToBand(w.market.Tick())
	size := c.PresplitUSD // 对侧从未卖出，份额完整

	w.exiting = true
	w.exitDeadline = now.Add(exitGrace)
	market := w.market
	assetID := comp.AssetID
	s.submitIO(ctx, "exit", func(ioCtx context.Context) {
		if _, err := s.TradingService.SellGTC(ioCtx, market, assetID, size, price, domain.RoleExit); err != nil {
			log.Errorf("❌ 对侧退出单失败: %s %v", market.Slug, err)
		}
	})
	log.Infof("📝 对侧退出: %s %s %.0f @ %s", market.Slug, comp.Label, size, price)
}

// onGameFinal 比赛终场：撤掉全部挂单，按比分 redeem 胜方、核销败方。
func (s *Strategy) onGameFinal(ctx context.Context, w *watch, now time.Time) {
	if w.finalized {
		return
	}
	w.finalized = true
	log.Infof("📊 比赛终场: %s %d-%d", w.market.Slug, w.game.HomeScore, w.game.AwayScore)

	if c := w.cycle; c != nil && c.IsOpen() {
		s.cancelLadder(ctx, w)
		outcome := domain.CycleOutcomeHeld
		if !c.Armed() {
			outcome = domain.CycleOutcomeCancelled
		}
		s.closeCycle(ctx, w, outcome)
	}
	s.settle(ctx, w)
}

// settle 终场结算：胜方持仓走 redeem（$1/份），败方直接核销。
// 平局不结算（moneyline 市场会进加时或退款，留给人工处理）。
func (s *Strategy) settle(ctx context.Context, w *watch) {
	if w.game.HomeScore == w.game.AwayScore {
		log.Warnf("⚠️ 终场平分，跳过自动结算: %s", w.market.Slug)
		return
	}
	winnerAsset := w.homeAsset
	if w.game.AwayScore > w.game.HomeScore {
		winnerAsset = w.awayAsset
	}
	winOutcome, _ := w.market.OutcomeByAsset(winnerAsset)
	winToken, _ := w.market.TokenTypeOf(winnerAsset)
	slug := w.market.Slug

	if written := s.Ledger.WriteOff(slug, winToken.Opposite()); written > 0 {
		log.Infof("📊 败方核销: %s %.0f 份归零", slug, written)
	}

	snap := s.Ledger.Take(slug)
	shares := snap.QtyUp
	if winToken == domain.TokenTypeDown {
		shares = snap.QtyDown
	}
	if shares <= 0 || s.MonitorOnly || s.CTF == nil {
		return
	}
	conditionID := w.market.ConditionID
	negRisk := w.market.NegRisk
	index := winOutcome.Index
	token := winToken
	s.submitIO(ctx, "redeem", func(ioCtx context.Context) {
		if err := s.CTF.Redeem(ioCtx, conditionID, index, negRisk, shares); err != nil {
			log.Errorf("❌ redeem 失败: %s %v", slug, err)
			return
		}
		s.loop.Post(&redeemDoneEvent{slug: slug, token: token, shares: shares})
	})
	log.Infof("💰 赎回胜方: %s %s %.0f 份", slug, winOutcome.Label, shares)
}

func (s *Strategy) onRedeemDone(ctx context.Context, ev *redeemDoneEvent) {
	profit, err := s.Ledger.RecordRedeem(ev.slug, ev.token, ev.shares, ev.shares)
	if err != nil {
		log.Errorf("🔥 redeem 记账失败: %v", err)
		return
	}
	log.Infof("💰 redeem 落账: %s %.0f 份，盈亏 $%.2f", ev.slug, ev.shares, profit)
	if s.Store == nil {
		return
	}
	w := s.watches[ev.slug]
	if w == nil {
		return
	}
	attempt := store.RedemptionAttempt{
		ConditionID: w.market.ConditionID,
		Market:      ev.slug,
		Status:      "submitted",
		PayoutUSD:   ev.shares,
		AttemptedAt: time.Now(),
	}
	s.submitIO(ctx, "store-redeem", func(ioCtx context.Context) {
		if err := s.Store.RecordRedemption(ioCtx, attempt); err != nil {
			log.Warnf("⚠️ redeem 审计写入失败: %v", err)
		}
	})
}

// ---------------------------------------------------------------- fills

func (s *Strategy) onFill(ctx context.Context, ev *events.FillEvent, now time.Time) {
	f := ev.Fill
	if f == nil || f.Size <= 0 {
		return
	}

	order, applied := s.TradingService.Tracker().ApplyFill(f)
	if order == nil {
		// 未登记订单的成交只记日志不落账：用户频道把 MATCHED 吃单
		// 展开成对手方 maker 腿一起推过来，对手腿的 order_id 不是我们的，
		// 落账会把别人的卖单记成我们的持仓。漏单靠 REST 对账补。
		log.Warnf("⚠️ 未登记订单的成交已跳过: %s %s %s %.2f",
			f.Key(), shortAsset(f.AssetID), f.Side, f.Size)
		return
	}
	if !applied {
		return // 已登记订单的重复成交
	}

	// 台账键用订单登记时的 slug，不用线上 market 字段（用户频道给的是 condition id）
	slug := order.MarketSlug
	if slug == "" {
		slug = s.assets[f.AssetID]
	}
	if slug == "" {
		log.Warnf("⚠️ 无法归属的成交已忽略: %s %s", f.Key(), shortAsset(f.AssetID))
		return
	}
	w := s.watches[slug]

	token := f.TokenType
	if token == "" {
		token = order.TokenType
	}
	if token == "" && w != nil {
		token, _ = w.market.TokenTypeOf(f.AssetID)
	}
	price := f.Price.ToDecimal()
	var err error
	if f.Side == types.SideSell {
		err = s.Ledger.ApplySell(slug, token, f.Size, price)
	} else {
		err = s.Ledger.ApplyFill(slug, token, f.Size, price)
	}
	if err != nil {
		log.Errorf("🔥 台账落账失败: %s %v", f.Key(), err)
	}
	log.Infof("📨 成交: %s %s %.2f @ %.2f (%s)", token, f.Side, f.Size, price, slug)

	if s.Store != nil {
		fill := *f
		s.submitIO(ctx, "store-fill", func(ioCtx context.Context) {
			if err := s.Store.RecordFill(ioCtx, &fill); err != nil {
				log.Warnf("⚠️ 成交审计写入失败: %v", err)
			}
		})
	}
	if order.IsFinal() {
		s.persistOrder(ctx, order)
	}
	if w == nil || w.cycle == nil {
		return
	}
	switch order.Role {
	case domain.RoleLadder:
		s.onLadderFill(ctx, w, f)
	case domain.RoleExit:
		s.onExitFill(ctx, w, f)
	}
}

// onLadderFill 阶梯成交落进周期；全卖光即周期获胜收尾。
func (s *Strategy) onLadderFill(ctx context.Context, w *watch, f *domain.Fill) {
	c := w.cycle
	c.SoldShares += f.Size
	c.SoldProceeds += f.Size * f.Price.ToDecimal()
	s.persistCycle(ctx, c)
	if c.SoldShares >= c.PresplitUSD-1e-9 {
		log.Infof("💰 阶梯全部成交: %s 卖出 %.0f 份，收 $%.2f", c.MarketSlug, c.SoldShares, c.SoldProceeds)
		s.closeCycle(ctx, w, domain.CycleOutcomeWon)
	}
}

func (s *Strategy) onExitFill(ctx context.Context, w *watch, f *domain.Fill) {
	if !w.exiting {
		return
	}
	w.exitShares += f.Size
	w.exitProceeds += f.Size * f.Price.ToDecimal()
	if w.cycle != nil && w.exitShares >= w.cycle.PresplitUSD-1e-9 {
		log.Infof("✅ 对侧退出完成: %s %.0f 份收 $%.2f", w.market.Slug, w.exitShares, w.exitProceeds)
		s.closeCycle(ctx, w, domain.CycleOutcomeLost)
	}
}

func (s *Strategy) onStatus(ctx context.Context, ev *events.OrderStatusEvent) {
	order, changed := s.TradingService.Tracker().ApplyStatus(ev.OrderID, ev.Status)
	if !changed || order == nil {
		return
	}
	if order.IsFinal() {
		s.persistOrder(ctx, order)
	}
}

// ---------------------------------------------------------------- heartbeat

func (s *Strategy) onHeartbeat(ctx context.Context, now time.Time) {
	for _, w := range s.watches {
		if w.game == nil {
			if !w.resolvingGame && now.After(w.nextGameResolve) {
				s.resolveGame(ctx, w, now)
			}
			continue
		}
		c := w.cycle
		if c == nil {
			if w.mergePending > 0 {
				s.tryMergeCleanup(ctx, w, now)
			} else if !w.finalized {
				s.maybeOpenCycle(ctx, w)
			}
			continue
		}
		if w.exiting && now.After(w.exitDeadline) {
			log.Warnf("⚠️ 对侧退出超时（成交 %.0f/%.0f），余仓持有到结算: %s", w.exitShares, c.PresplitUSD, w.market.Slug)
			s.cancelExit(ctx, w)
			s.closeCycle(ctx, w, domain.CycleOutcomeHeld)
			continue
		}
		fadeWindow := time.Duration(s.live.FadeWindowSecs) * time.Second
		if !w.exiting && c.FadeExpired(fadeWindow, now) {
			log.Infof("⏳ 回归窗口到期（已卖 %.0f/%.0f），撤梯持有到结算: %s", c.SoldShares, c.PresplitUSD, w.market.Slug)
			s.cancelLadder(ctx, w)
			s.closeCycle(ctx, w, domain.CycleOutcomeHeld)
		}
	}
}

// ---------------------------------------------------------------- cycle close

// closeCycle 终止周期：结算已实现盈亏进熔断器、落库，
// 并把剩余的对敲库存排进 merge 清理（终场后不 merge，走结算）。
func (s *Strategy) closeCycle(ctx context.Context, w *watch, outcome domain.CycleOutcome) {
	c := w.cycle
	if c == nil || !c.IsOpen() {
		return
	}
	c.Close(outcome)
	pnl := s.cyclePnL(w, c)
	s.Breakers.CycleClosed(c.GameID, pnl)
	s.persistCycle(ctx, c)
	log.Infof("📊 周期终止: %s outcome=%s 已实现 $%.2f", c.MarketSlug, outcome, pnl)

	w.cycle = nil
	w.exiting = false
	w.exitShares = 0
	w.exitProceeds = 0
	w.exitDeadline = time.Time{}

	if w.finalized {
		return
	}
	snap := s.Ledger.Take(c.MarketSlug)
	pairs := math.Floor(math.Min(snap.QtyUp, snap.QtyDown))
	if pairs > 0 {
		w.mergePending = pairs
		s.tryMergeCleanup(ctx, w, time.Now())
	}
}

// cyclePnL 周期已实现盈亏：阶梯相对锚点的差额加上对侧退出的折价
// （对侧建仓成本 $0.50/份）。结算后的残余持仓由 redeem/writeoff 另行入账。
func (s *Strategy) cyclePnL(w *watch, c *domain.Cycle) float64 {
	pnl := c.RealizedPnL()
	if w.exitShares > 0 {
		pnl += w.exitProceeds - w.exitShares*0.5
	}
	return pnl
}

// tryMergeCleanup 周期后的 merge 清理，两次尝试之间至少隔 mergeCooldown，
// 把对敲库存换回 USDC、腾出比赛名额。
func (s *Strategy) tryMergeCleanup(ctx context.Context, w *watch, now time.Time) {
	if w.merging || w.mergePending <= 0 {
		return
	}
	if s.MonitorOnly || s.CTF == nil {
		w.mergePending = 0
		return
	}
	cooldown := time.Duration(s.live.MergeCooldownSecs) * time.Second
	if !s.Ledger.MergeCooldownOver(w.market.Slug, cooldown, now) {
		return
	}
	s.Ledger.TouchMergeAttempt(w.market.Slug, now)

	pairs := w.mergePending
	// 冷却积压里的份额别重复交：只把增量交给 merge
	if queued := s.CTF.QueuedShares(w.market.ConditionID); queued > 0 {
		pairs = math.Max(0, pairs-queued)
		if pairs <= 0 {
			return
		}
	}
	w.merging = true
	slug := w.market.Slug
	conditionID := w.market.ConditionID
	negRisk := w.market.NegRisk
	s.submitIO(ctx, "merge", func(ioCtx context.Context) {
		submitted, err := s.CTF.Merge(ioCtx, conditionID, pairs, negRisk)
		s.loop.Post(&mergeDoneEvent{slug: slug, submitted: submitted, err: err})
	})
}

func (s *Strategy) onMergeDone(ev *mergeDoneEvent) {
	w := s.watches[ev.slug]
	if w == nil {
		return
	}
	w.merging = false
	if ev.err != nil {
		log.Errorf("❌ merge 清理失败（冷却后重试）: %s %v", ev.slug, ev.err)
		return
	}
	if ev.submitted <= 0 {
		log.Infof("⏳ merge 已进中继冷却队列: %s", ev.slug)
		return
	}
	result, err := s.Ledger.RecordMerge(ev.slug, math.Min(ev.submitted, w.mergePending))
	if err != nil {
		log.Errorf("🔥 merge 记账失败: %v", err)
		return
	}
	w.mergePending = math.Max(0, w.mergePending-ev.submitted)
	log.Infof("💰 merge 清理完成: %s %.0f 对（剩 %.0f）", ev.slug, result.Pairs, w.mergePending)
}

// ---------------------------------------------------------------- reconcile

func (s *Strategy) startReconcile(ctx context.Context) {
	s.submitIO(ctx, "reconcile", func(ioCtx context.Context) {
		report, err := s.TradingService.Reconcile(ioCtx)
		s.loop.Post(&reconcileDoneEvent{report: report, err: err})
	})
}

func (s *Strategy) onReconcile(ctx context.Context, ev *reconcileDoneEvent, now time.Time) {
	if ev.err != nil {
		log.Warnf("⚠️ 对账失败: %v", ev.err)
		return
	}
	if ev.report == nil {
		return
	}
	for _, f := range ev.report.Fills {
		s.onFill(ctx, &events.FillEvent{Fill: f, Timestamp: now}, now)
	}
	for _, closed := range ev.report.Closed {
		s.onStatus(ctx, &events.OrderStatusEvent{OrderID: closed.OrderID, Status: closed.Status, Timestamp: now})
	}
	if len(ev.report.Fills) > 0 || len(ev.report.Closed) > 0 {
		log.Infof("📊 对账完成: 补 %d 笔成交，关 %d 张订单", len(ev.report.Fills), len(ev.report.Closed))
	}
}

// ---------------------------------------------------------------- order plumbing

func (s *Strategy) cancelLadder(ctx context.Context, w *watch) {
	c := w.cycle
	if c == nil || s.MonitorOnly {
		return
	}
	for _, id := range c.LadderIDs {
		if o, ok := s.TradingService.Tracker().Get(id); ok && o.IsFinal() {
			continue
		}
		orderID := id
		s.submitIO(ctx, "cancel", func(ioCtx context.Context) {
			if err := s.TradingService.CancelOrder(ioCtx, orderID); err != nil {
				log.Warnf("❌ 撤单失败: %s %v", orderID, err)
			}
		})
	}
}

// cancelExit 撤掉对侧退出单的未成交部分。
func (s *Strategy) cancelExit(ctx context.Context, w *watch) {
	if s.MonitorOnly || w.cycle == nil {
		return
	}
	comp, ok := w.market.Complement(w.cycle.ShockAssetID)
	if !ok {
		return
	}
	for _, o := range s.TradingService.Tracker().OpenForAsset(comp.AssetID) {
		if o.Role != domain.RoleExit {
			continue
		}
		orderID := o.OrderID
		s.submitIO(ctx, "cancel", func(ioCtx context.Context) {
			if err := s.TradingService.CancelOrder(ioCtx, orderID); err != nil {
				log.Warnf("❌ 撤单失败: %s %v", orderID, err)
			}
		})
	}
}

// submitIO 往工作池里排队，满了也要等（事件不能丢，决策不能默默蒸发）。
func (s *Strategy) submitIO(ctx context.Context, name string, fn func(context.Context)) {
	if s.io == nil {
		return
	}
	if err := s.io.Submit(ctx, name, fn); err != nil {
		log.Errorf("🔥 IO 排队失败(%s): %v", name, err)
	}
}

// ---------------------------------------------------------------- persistence

func (s *Strategy) persistCycle(ctx context.Context, c *domain.Cycle) {
	if s.Store == nil || c == nil {
		return
	}
	snapshot := *c
	snapshot.LadderIDs = append([]string(nil), c.LadderIDs...)
	s.submitIO(ctx, "store-cycle", func(ioCtx context.Context) {
		if err := s.Store.SaveCycle(ioCtx, &snapshot); err != nil {
			log.Warnf("⚠️ 周期写入失败: %v", err)
		}
	})
}

func (s *Strategy) persistOrder(ctx context.Context, order *domain.Order) {
	if s.Store == nil {
		return
	}
	o := *order
	s.submitIO(ctx, "store-order", func(ioCtx context.Context) {
		if err := s.Store.RecordOrder(ioCtx, &o, ID); err != nil {
			log.Warnf("⚠️ 订单审计写入失败: %v", err)
		}
	})
}

func (s *Strategy) recordMonitor(ctx context.Context, w *watch, assetID string, side types.Side, price domain.Price, size float64, reason string) {
	log.Infof("📝 [monitor] %s %s %.2f @ %s (%s)", shortAsset(assetID), side, size, price, reason)
	if s.Store == nil {
		return
	}
	mt := store.MonitorTrade{
		Strategy: ID,
		Market:   w.market.Slug,
		AssetID:  assetID,
		Side:     string(side),
		Price:    price.ToDecimal(),
		Size:     size,
		Reason:   reason,
		At:       time.Now(),
	}
	s.submitIO(ctx, "store-monitor", func(ioCtx context.Context) {
		if err := s.Store.RecordMonitorTrade(ioCtx, mt); err != nil {
			log.Warnf("⚠️ 监控记录写入失败: %v", err)
		}
	})
}

// ---------------------------------------------------------------- helpers

func shortAsset(assetID string) string {
	if len(assetID) <= 10 {
		return assetID
	}
	return assetID[:10] + "…"
}
