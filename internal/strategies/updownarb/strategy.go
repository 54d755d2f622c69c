package updownarb

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
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/store"
	"github.com/arbx/goarb/pkg/bbgo"
)

const ID = "updownarb"

var log = logrus.WithField("strategy", ID)

func init() { bbgo.RegisterStrategy(ID, &Strategy{}) }

type mode string

const (
	modeNormal    mode = "NORMAL"
	modeBalancing mode = "BALANCING"
	modeImprove   mode = "PAIR_IMPROVEMENT"
	modeLock      mode = "PROFIT_LOCK"
)

const (
	heartbeatInterval = time.Second
	bookFreshWindow   = 10 * time.Second
	lockMergeGrace    = 2 * time.Second // FAK 回执后等用户频道成交落账的时间
	lockRetryGap      = time.Minute     // merge 进了中继冷却队列后的重试间隔
)

// 核心循环内部事件（IO 结果回表）
type sessionSwitchEvent struct{ session *bbgo.ExchangeSession }
type aumUpdatedEvent struct{ total float64 }
type hedgeRollbackEvent struct {
	size  float64
	final bool
}
type lockPhaseEvent struct {
	phase int // 1=撤单完成 2=FAK 回执 3=merge 回执
	pairs float64
	err   error
}
type reconcileDoneEvent struct {
	report *services.ReconcileReport
	err    error
}

// Strategy：15 分钟 Up/Down 市场的双边做市套利。
//
// 运行方式：
// - 所有事件（盘口、成交、心跳、对账）进同一条串行事件循环，
//   策略状态只在循环线程上读写，不加锁
// - 网络 IO（下单、撤单、merge、对账）全部丢给工作池，结果以事件回表
// - 每个 tick 重新仲裁模式：PROFIT_LOCK > BALANCING > PAIR_IMPROVEMENT > NORMAL
type Strategy struct {
	TradingService *services.TradingService
	Ledger         *domain.Ledger
	Store          *store.Store
	CTF            *services.CTFService
	AUM            *services.AUMService

	Config `yaml:",inline" json:",inline"`

	// Subscribe 可能先于 Run 到达，session 在这两个入口间交接
	sessMu  sync.Mutex
	pending *bbgo.ExchangeSession

	loop *engine.Loop
	io   *services.IOExecutor

	// 以下状态只在核心循环线程读写
	market      *domain.Market
	pair        *marketstate.PairView
	sizer       coreSizer
	vol         map[domain.TokenType]*volEstimator
	guard       *services.RepriceGuard
	aum         float64
	windowStart time.Time
	windowEnd   time.Time

	mode         mode
	micro        *microBalancer
	improving    bool
	locking      bool
	lockStep     int
	lockMergeDue time.Time
	lockHoldPnL  float64 // 本次锁利序列预期落袋的利润
	lockPnL      float64 // 上次成功锁利的水位线
	lockRetryAt  time.Time
	exitLatched  bool
	lastQuote    time.Time
}

func (s *Strategy) ID() string   { return ID }
func (s *Strategy) Name() string { return ID }

func (s *Strategy) Defaults() error { return nil }

// InjectServices 从运行环境取服务。测试里预先塞好的不覆盖。
func (s *Strategy) InjectServices(env *bbgo.Environment) {
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
	if s.AUM == nil {
		s.AUM = env.AUM
	}
}

func (s *Strategy) Validate() error { return s.Config.Validate() }

func (s *Strategy) Initialize() error {
	s.vol = map[domain.TokenType]*volEstimator{
		domain.TokenTypeUp:   newVolEstimator(s.VolWindowTicks),
		domain.TokenTypeDown: newVolEstimator(s.VolWindowTicks),
	}
	s.guard = services.NewRepriceGuard(services.RepriceConfig{
		MinInterval: time.Duration(s.RequoteIntervalMs) * time.Millisecond,
	})
	s.mode = modeNormal
	return nil
}

// Subscribe 登记会话。首个会话由 Run 绑定；周期切换时后续会话
// 以事件形式进核心循环，保证状态重置发生在循环线程上。
func (s *Strategy) Subscribe(session *bbgo.ExchangeSession) {
	s.sessMu.Lock()
	s.pending = session
	loop := s.loop
	s.sessMu.Unlock()
	if loop != nil {
		loop.Post(&sessionSwitchEvent{session: session})
	}
}

func (s *Strategy) Run(ctx context.Context, _ bbgo.OrderExecutor, session *bbgo.ExchangeSession) error {
	if s.TradingService == nil {
		return errors.New("updownarb: TradingService 未注入")
	}
	if s.Ledger == nil {
		return errors.New("updownarb: Ledger 未注入")
	}

	s.io = services.NewIOExecutor(ctx, ID, 4, 64)
	s.loop = engine.NewLoop(ID, s, heartbeatInterval)
	s.loop.Start(ctx)

	s.sessMu.Lock()
	if s.pending != nil {
		session = s.pending
		s.pending = nil
	}
	s.sessMu.Unlock()
	s.loop.Post(&sessionSwitchEvent{session: session})

	log.Infof("✅ 策略已启动: monitorOnly=%v budgetPct=%.2f levels=%d", s.MonitorOnly, s.BudgetPct, s.LevelsPerSide)
	return nil
}

// Shutdown 撤掉全部在途订单后停循环。
func (s *Strategy) Shutdown(ctx context.Context, _ *sync.WaitGroup) {
	market := s.market
	if market != nil && !s.MonitorOnly {
		if err := s.TradingService.CancelOrdersFor(ctx, market.ConditionID); err != nil {
			log.Errorf("❌ 关停撤单失败: %v", err)
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
	case *sessionSwitchEvent:
		s.bindSession(ctx, ev.session)
	case *events.PriceUpdateEvent:
		s.onPrice(ctx, ev, now)
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
	case *aumUpdatedEvent:
		s.aum = ev.total
		s.rebuildSizer()
		log.Infof("💰 AUM 已更新: $%.2f -> 基础单 $%.2f", ev.total, s.sizer.baseUSD)
	case *hedgeRollbackEvent:
		if s.micro != nil {
			if ev.final {
				s.micro.RollbackFinal(ev.size)
			} else {
				s.micro.RollbackHedge(ev.size)
			}
		}
	case *lockPhaseEvent:
		s.onLockPhase(ctx, ev, now)
	case *reconcileDoneEvent:
		s.onReconcile(ctx, ev, now)
	}
}

// ---------------------------------------------------------------- session

// bindSession 绑定新周期：重置全部周期内状态，异步刷新 AUM。
func (s *Strategy) bindSession(ctx context.Context, session *bbgo.ExchangeSession) {
	if session == nil || session.Market() == nil {
		return
	}
	newMarket := session.Market()
	if s.market != nil && s.market.Slug == newMarket.Slug {
		return
	}

	if old := s.market; old != nil {
		s.closeOutCycle(ctx, old)
	}

	s.market = newMarket
	s.pair = session.Pair()
	s.windowStart = time.Unix(newMarket.Timestamp, 0)
	s.windowEnd = s.windowStart.Add(time.Duration(s.WindowMinutes) * time.Minute)
	if !newMarket.EndAt.IsZero() {
		s.windowEnd = newMarket.EndAt
	}

	s.mode = modeNormal
	s.micro = nil
	s.improving = false
	s.locking = false
	s.lockStep = 0
	s.lockMergeDue = time.Time{}
	s.lockPnL = 0
	s.lockRetryAt = time.Time{}
	s.exitLatched = false
	s.lastQuote = time.Time{}
	for _, v := range s.vol {
		v.Reset()
	}
	s.guard.Reset()
	s.rebuildSizer()

	session.AttachSink(s.loop)
	s.refreshAUM(ctx)
	log.Infof("📡 进入新周期: %s (%s ~ %s)", newMarket.Slug,
		s.windowStart.Format("15:04:05"), s.windowEnd.Format("15:04:05"))
}

// closeOutCycle 旧周期收尾：撤掉遗留挂单并落一条持仓快照。
func (s *Strategy) closeOutCycle(ctx context.Context, old *domain.Market) {
	slug := old.Slug
	conditionID := old.ConditionID
	if !s.MonitorOnly {
		s.submitIO(ctx, "cycle-cancel", func(ioCtx context.Context) {
			if err := s.TradingService.CancelOrdersFor(ioCtx, conditionID); err != nil {
				log.Errorf("❌ 旧周期撤单失败: %s %v", slug, err)
			}
		})
	}
	s.TradingService.Tracker().MarkAllCancelled(slug)
	s.persistSnapshot(ctx, s.Ledger.Take(slug), "cycle_end")
	log.Infof("📊 周期收尾: %s 挂单已清理", slug)
}

func (s *Strategy) rebuildSizer() {
	s.sizer = coreSizer{
		baseUSD:    services.BaseOrderSize(s.aum, s.BudgetPct, s.TargetTrades),
		minShares:  s.MinShares,
		decayStart: s.DecayStartMinute,
	}
}

func (s *Strategy) refreshAUM(ctx context.Context) {
	if s.AUM == nil {
		return
	}
	s.submitIO(ctx, "aum", func(ioCtx context.Context) {
		snap, err := s.AUM.Snapshot(ioCtx)
		if err != nil {
			log.Warnf("⚠️ AUM 获取失败，沿用旧值: %v", err)
			return
		}
		s.loop.Post(&aumUpdatedEvent{total: snap.Total()})
	})
}

// ---------------------------------------------------------------- events

func (s *Strategy) onPrice(ctx context.Context, ev *events.PriceUpdateEvent, now time.Time) {
	if s.pair == nil || !s.pair.Covers(ev.AssetID) {
		return
	}
	token, ok := s.pair.TokenOf(ev.AssetID)
	if !ok {
		return
	}
	best := s.pair.Best()
	s.vol[token].Observe(best.Mid(token))

	s.checkDecided(ctx, best)

	// BALANCING 的追涨：触发侧 bid 向上突破时整组重挂
	if s.mode == modeBalancing && s.micro != nil && token == s.micro.plan.Trigger {
		if newBid := best.Bid(token); s.micro.ShouldChase(newBid) {
			s.rebuildTiers(ctx, newBid, now)
		}
	}

	s.arbitrate(ctx, now)
}

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
	market := order.MarketSlug
	if market == "" && s.market != nil {
		market = s.market.Slug
	}
	if market == "" {
		log.Warnf("⚠️ 无法归属的成交已忽略: %s %s", f.Key(), shortAsset(f.AssetID))
		return
	}

	token := f.TokenType
	if token == "" {
		token = order.TokenType
	}
	price := f.Price.ToDecimal()
	var err error
	if f.Side == types.SideSell {
		err = s.Ledger.ApplySell(market, token, f.Size, price)
	} else {
		err = s.Ledger.ApplyFill(market, token, f.Size, price)
	}
	if err != nil {
		log.Errorf("🔥 台账落账失败: %s %v", f.Key(), err)
	}
	log.Infof("📨 成交: %s %s %.2f @ %.2f (%s)", token, f.Side, f.Size, price, market)

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

	// micro 腿归因按订单角色走
	if s.mode == modeBalancing && s.micro != nil && s.market != nil && market == s.market.Slug {
		switch order.Role {
		case domain.RoleTrigger:
			s.onTriggerFill(ctx, f.Size, price)
		case domain.RoleHedge, domain.RoleFinalHedge:
			s.micro.OnHedgeFill(f.Size)
		}
		s.advanceMicro(ctx)
	}

	s.arbitrate(ctx, now)
}

func (s *Strategy) onStatus(ctx context.Context, ev *events.OrderStatusEvent) {
	order, changed := s.TradingService.Tracker().ApplyStatus(ev.OrderID, ev.Status)
	if !changed || order == nil {
		return
	}
	s.guard.Forget(order.OrderID)
	if order.IsFinal() {
		s.persistOrder(ctx, order)
	}

	// 对冲单被交易所撤掉时把未成交部分放回额度
	if s.micro != nil && order.IsFinal() && order.Status != domain.OrderStatusMatched {
		switch order.Role {
		case domain.RoleHedge:
			s.micro.RollbackHedge(order.Remaining())
		case domain.RoleFinalHedge:
			s.micro.RollbackFinal(order.Remaining())
		}
	}
}

func (s *Strategy) onHeartbeat(ctx context.Context, now time.Time) {
	if s.market == nil {
		return
	}
	if s.locking {
		s.lockHeartbeat(ctx, now)
		return
	}
	s.checkTimeExit(ctx, now)
	s.arbitrate(ctx, now)
}

// ---------------------------------------------------------------- arbitration

// arbitrate 每个 tick 重新裁定模式。锁利序列进行中不被打断。
func (s *Strategy) arbitrate(ctx context.Context, now time.Time) {
	if s.market == nil || s.pair == nil || s.locking {
		return
	}

	snap := s.Ledger.Take(s.market.Slug)
	best := s.pair.Best()

	// 1) PROFIT_LOCK：锁得住且比上次多才动手
	if s.tryEnterLock(ctx, snap, best, now) {
		return
	}

	// 2) BALANCING：已在场内先查退出，不在场内查入场
	if s.mode == modeBalancing {
		s.checkBalancingExit(ctx, snap, best)
		if s.mode == modeBalancing {
			s.advanceMicro(ctx)
			return
		}
	} else if !s.exitLatched && s.shouldEnterBalancing(snap, best) {
		s.enterBalancing(ctx, snap, best, now)
		if s.mode == modeBalancing {
			return
		}
	}

	// 3) PAIR_IMPROVEMENT：pair 成本修复完成前持续
	if s.improving {
		if snap.PairCost < 1.0 || snap.HedgedPairs <= 0 {
			s.improving = false
			s.mode = modeNormal
			log.Infof("✅ pair 成本已修复: %.4f，回到 NORMAL", snap.PairCost)
		} else {
			s.mode = modeImprove
		}
	}

	if !s.improving && s.mode != modeBalancing {
		s.mode = modeNormal
	}

	if s.exitLatched {
		return
	}
	s.refreshQuotes(ctx, snap, best, now)
}

// ---------------------------------------------------------------- normal / improvement quoting

// refreshQuotes 维护 NORMAL / PAIR_IMPROVEMENT 的常驻挂单。
// 盘口不新鲜或间隔未到时不动。
func (s *Strategy) refreshQuotes(ctx context.Context, snap domain.Snapshot, best marketstate.BestBookSnapshot, now time.Time) {
	if now.Sub(s.lastQuote) < time.Duration(s.RequoteIntervalMs)*time.Millisecond {
		return
	}
	if !s.pair.BestBook().IsFresh(bookFreshWindow) {
		return
	}

	var plans []quotePlan
	role := domain.RoleAccumulation
	switch s.mode {
	case modeNormal:
		plans = normalQuotes(normalInputs{
			Snap:    snap,
			BidUp:   best.Bid(domain.TokenTypeUp),
			BidDown: best.Bid(domain.TokenTypeDown),
			Sigma:   s.sigma(),
			Gamma:   s.GammaRisk,
			TFrac:   s.tFrac(now),
			Levels:  s.LevelsPerSide,
			Core:    s.coreShares(now),
			Growth:  s.SizeGrowth,
			CapUSD:  s.SizeCapUSD,
			Min:     s.MinShares,
		})
	case modeImprove:
		role = domain.RoleImprovement
		plans = improveQuotes(improveInputs{
			Snap:        snap,
			OffsetCents: s.ImproveOffsetCents,
			Growth:      s.ImproveGrowth,
			Core:        s.coreShares(now),
			CapUSD:      s.SizeCapUSD,
			Min:         s.MinShares,
		})
	default:
		return
	}

	for _, token := range []domain.TokenType{domain.TokenTypeUp, domain.TokenTypeDown} {
		var desired []quotePlan
		for _, p := range plans {
			if p.Token == token {
				desired = append(desired, p)
			}
		}
		s.syncSide(ctx, token, desired, role, now)
	}
	s.lastQuote = now
}

// syncSide 把一侧的挂单对齐到目标集合。
// 价位集合一致时不动（规模漂移不值得丢队列位置）；
// 不一致时撤掉落伍价位、补挂缺失价位，头部订单过改价防抖。
func (s *Strategy) syncSide(ctx context.Context, token domain.TokenType, desired []quotePlan, role domain.OrderRole, now time.Time) {
	assetID := s.market.AssetID(token)
	var open []*domain.Order
	for _, o := range s.TradingService.Tracker().OpenForAsset(assetID) {
		if o.Side == types.SideBuy && o.Role == role {
			open = append(open, o)
		}
	}

	wantCents := make(map[int]quotePlan, len(desired))
	for _, p := range desired {
		wantCents[p.Price.ToCents()] = p
	}
	haveCents := make(map[int]bool, len(open))
	same := len(open) == len(desired)
	for _, o := range open {
		haveCents[o.Price.ToCents()] = true
		if _, ok := wantCents[o.Price.ToCents()]; !ok {
			same = false
		}
	}
	if same {
		return
	}

	// 头部订单做防抖闸门：盘口小抖动不拆整侧挂单
	if len(open) > 0 && len(desired) > 0 {
		top := open[0]
		for _, o := range open[1:] {
			if o.Price.GreaterThan(top.Price) {
				top = o
			}
		}
		if !s.guard.ShouldReprice(top, desired[0].Price, now) {
			return
		}
	}

	for _, o := range open {
		if _, keep := wantCents[o.Price.ToCents()]; !keep {
			s.cancelOrder(ctx, o.OrderID)
		}
	}
	for cents, p := range wantCents {
		if !haveCents[cents] {
			s.placeBuy(ctx, token, p.Price, p.Size, role, string(s.mode))
		}
	}
}

// ---------------------------------------------------------------- balancing

// shouldEnterBalancing BALANCING 入场三条件。
func (s *Strategy) shouldEnterBalancing(snap domain.Snapshot, best marketstate.BestBookSnapshot) bool {
	if snap.TotalQty <= 0 || snap.Imbalance <= 0 {
		return false
	}
	ratioHit := snap.ImbalanceRatio >= dynamicThreshold(snap.TotalQty)
	absHit := snap.Imbalance >= s.ImbalanceMinShares
	if !ratioHit && !absHit {
		return false
	}

	deficit := deficitToken(snap)
	ask := best.Ask(deficit)
	if ask.IsZero() || ask.ToDecimal() <= s.TriggerFloor {
		return false
	}

	// 基线挡住同一笔失衡的反复入场
	if bl := s.Ledger.Baseline(s.market.Slug); bl != nil {
		if snap.Imbalance-bl.Imbalance < s.ImbalanceMinShares {
			return false
		}
	}
	return true
}

func (s *Strategy) enterBalancing(ctx context.Context, snap domain.Snapshot, best marketstate.BestBookSnapshot, now time.Time) {
	deficit := deficitToken(snap)
	ask := best.Ask(deficit)

	plan, err := planMicro(snap, ask.ToDecimal(), s.TargetPairCost)
	switch {
	case err == nil:
	case errors.Is(err, errHedgeExhausted):
		log.Warnf("⚠️ 对冲腿无空间（ask=%.2f），转入 PAIR_IMPROVEMENT", ask.ToDecimal())
		s.improving = true
		s.mode = modeImprove
		return
	default:
		log.Warnf("⚠️ micro 入场放弃: %v", err)
		return
	}

	s.cancelAllOrders(ctx, "balancing_entry")
	s.micro = newMicroBalancer(plan)
	s.mode = modeBalancing
	s.Ledger.AddFlip(s.market.Slug)
	log.Infof("⚖️ 进入 BALANCING: trigger=%s deficit=%.0f X=%.0f totalTrigger=%.0f totalHedge=%.0f hedgePrice=%.2f",
		plan.Trigger, plan.Deficit, plan.Dilution, plan.TotalTrigger, plan.TotalHedge, plan.HedgePrice)

	s.rebuildTiers(ctx, best.Bid(plan.Trigger), now)
}

// rebuildTiers 重建触发梯队：撤掉旧触发单、按当前 bid 重挂。
func (s *Strategy) rebuildTiers(ctx context.Context, bid domain.Price, now time.Time) {
	if bid.IsZero() || s.micro == nil {
		return
	}
	assetID := s.market.AssetID(s.micro.plan.Trigger)
	for _, o := range s.TradingService.Tracker().OpenForAsset(assetID) {
		if o.Role == domain.RoleTrigger {
			s.cancelOrder(ctx, o.OrderID)
		}
	}
	tiers := s.micro.Tiers(bid, s.coreShares(now), s.MinShares)
	for _, t := range tiers {
		s.placeBuy(ctx, t.Token, t.Price, t.Size, domain.RoleTrigger, "micro_trigger")
	}
	if len(tiers) > 0 {
		log.Infof("📝 触发梯队已重挂: bid=%s 共 %d 档", bid, len(tiers))
	}
}

// onTriggerFill 触发腿成交 → 按比例挂对冲单。
func (s *Strategy) onTriggerFill(ctx context.Context, size, price float64) {
	hedgeSize, hedgePrice := s.micro.OnTriggerFill(size, price)
	if hedgeSize <= 0 {
		return
	}
	token := s.micro.plan.Hedge
	s.placeHedge(ctx, token, hedgePrice, hedgeSize, domain.RoleHedge)
}

// placeHedge 下对冲单，失败时回滚 balancer 额度。
func (s *Strategy) placeHedge(ctx context.Context, token domain.TokenType, price domain.Price, size float64, role domain.OrderRole) {
	if s.MonitorOnly {
		s.recordMonitor(ctx, token, types.SideBuy, price, size, "micro_hedge")
		return
	}
	market := s.market
	assetID := market.AssetID(token)
	final := role == domain.RoleFinalHedge
	s.submitIO(ctx, "hedge", func(ioCtx context.Context) {
		if _, err := s.TradingService.BuyGTC(ioCtx, market, assetID, size, price, role); err != nil {
			log.Errorf("❌ 对冲单失败: %s %.2f @ %s %v", token, size, price, err)
			s.loop.Post(&hedgeRollbackEvent{size: size, final: final})
		}
	})
}

// advanceMicro 触发腿打满后的冻结与收尾对冲。
func (s *Strategy) advanceMicro(ctx context.Context) {
	if s.micro == nil || !s.micro.TriggersDone() {
		return
	}
	snap := s.Ledger.Take(s.market.Slug)
	trigQty := tokenQty(snap, s.micro.plan.Trigger)
	hedgeQty := tokenQty(snap, s.micro.plan.Hedge)
	s.micro.Freeze(trigQty, hedgeQty)

	hedgeAsset := s.market.AssetID(s.micro.plan.Hedge)
	tracker := s.TradingService.Tracker()
	pendingQty := tracker.PendingSize(hedgeAsset, types.SideBuy)
	pendingCost := tracker.PendingCost(hedgeAsset, types.SideBuy)
	hedgeAsk := s.pair.Best().Ask(s.micro.plan.Hedge)
	if hedgeAsk.IsZero() {
		return
	}

	size, price, ok := s.micro.FinalHedge(trigQty, hedgeQty, pendingQty, snap.TotalCost, pendingCost, hedgeAsk, s.MinShares)
	if !ok {
		return
	}
	log.Infof("💰 收尾对冲: %.2f @ %s (ask=%s)", size, price, hedgeAsk)
	s.placeHedge(ctx, s.micro.plan.Hedge, price, size, domain.RoleFinalHedge)
}

// checkBalancingExit SUCCESS / FORCED 两种退出。
func (s *Strategy) checkBalancingExit(ctx context.Context, snap domain.Snapshot, best marketstate.BestBookSnapshot) {
	if s.micro == nil {
		s.mode = modeNormal
		return
	}

	triggerAsk := best.Ask(s.micro.plan.Trigger)
	if !triggerAsk.IsZero() && triggerAsk.ToDecimal() <= s.TriggerFloor {
		log.Warnf("🛑 BALANCING 强制退出: trigger ask %.2f <= %.2f", triggerAsk.ToDecimal(), s.TriggerFloor)
		s.exitBalancing(ctx, snap, true)
		return
	}

	if snap.Imbalance < s.MinShares && snap.PairCost < 1.0 {
		log.Infof("✅ BALANCING 完成: imbalance=%.2f pairCost=%.4f profit=%.2f",
			snap.Imbalance, snap.PairCost, snap.GuaranteedProfit)
		s.exitBalancing(ctx, snap, false)
	}
}

// exitBalancing 存基线、撤 micro 挂单、按结果转到 NORMAL 或 PAIR_IMPROVEMENT。
func (s *Strategy) exitBalancing(ctx context.Context, snap domain.Snapshot, forced bool) {
	s.Ledger.SaveBaseline(s.market.Slug, snap)
	s.persistBaseline(ctx, snap)
	s.cancelAllOrders(ctx, "balancing_exit")
	s.persistSnapshot(ctx, snap, "balancing_exit")
	s.micro = nil

	if forced || snap.PairCost >= 1.0 {
		s.improving = true
		s.mode = modeImprove
	} else {
		s.mode = modeNormal
	}
}

// ---------------------------------------------------------------- profit lock

// tryEnterLock 锁利水位线推进时启动锁利序列。
func (s *Strategy) tryEnterLock(ctx context.Context, snap domain.Snapshot, best marketstate.BestBookSnapshot, now time.Time) bool {
	if snap.HedgedPairs <= 0 || now.Before(s.lockRetryAt) {
		return false
	}
	deficit := deficitToken(snap)
	ask := best.Ask(deficit)
	if ask.IsZero() {
		return false
	}
	pnl := lockedPnL(snap, ask)
	if pnl <= 0 || pnl <= s.lockPnL {
		return false
	}

	quote := planLock(snap, ask)
	log.Infof("🔒 进入 PROFIT_LOCK: 补 %s %.2f @ %s，预期落袋 $%.2f (上次 $%.2f)",
		quote.Token, quote.Shares, quote.Price, pnl, s.lockPnL)

	s.locking = true
	s.lockStep = 1
	s.lockHoldPnL = pnl
	s.mode = modeLock
	s.micro = nil

	if s.MonitorOnly {
		s.recordMonitor(ctx, quote.Token, types.SideBuy, quote.Price, quote.Shares, "profit_lock")
		s.lockPnL = pnl
		s.locking = false
		s.mode = modeNormal
		return true
	}

	conditionID := s.market.ConditionID
	s.submitIO(ctx, "lock-cancel", func(ioCtx context.Context) {
		err := s.TradingService.CancelOrdersFor(ioCtx, conditionID)
		s.loop.Post(&lockPhaseEvent{phase: 1, err: err})
	})
	return true
}

func (s *Strategy) onLockPhase(ctx context.Context, ev *lockPhaseEvent, now time.Time) {
	if !s.locking {
		return
	}
	switch ev.phase {
	case 1: // 撤单完成，补齐短缺侧
		if ev.err != nil {
			log.Errorf("❌ 锁利撤单失败，放弃本轮: %v", ev.err)
			s.abortLock(now)
			return
		}
		snap := s.Ledger.Take(s.market.Slug)
		quote := planLock(snap, s.pair.Best().Ask(deficitToken(snap)))
		if quote.Shares < s.MinShares {
			// 已经平衡，直接进 merge 等待
			s.lockStep = 3
			s.lockMergeDue = now.Add(lockMergeGrace)
			return
		}
		market := s.market
		assetID := market.AssetID(quote.Token)
		amountUSD := quote.Shares * quote.Price.ToDecimal()
		s.lockStep = 2
		s.submitIO(ctx, "lock-buy", func(ioCtx context.Context) {
			_, err := s.TradingService.BuyFAK(ioCtx, market, assetID, amountUSD, quote.Price, domain.RoleLock)
			s.loop.Post(&lockPhaseEvent{phase: 2, err: err})
		})
	case 2: // FAK 回执，等用户频道把成交落进台账
		if ev.err != nil {
			log.Errorf("❌ 锁利补单失败，放弃本轮: %v", ev.err)
			s.abortLock(now)
			return
		}
		s.lockStep = 3
		s.lockMergeDue = now.Add(lockMergeGrace)
	case 3: // merge 回执
		s.finishLock(ctx, ev, now)
	}
}

// lockHeartbeat merge 等待期满后提交合并。
func (s *Strategy) lockHeartbeat(ctx context.Context, now time.Time) {
	if s.lockStep != 3 || s.lockMergeDue.IsZero() || now.Before(s.lockMergeDue) {
		return
	}
	s.lockMergeDue = time.Time{}

	snap := s.Ledger.Take(s.market.Slug)
	pairs := floorShares(snap.HedgedPairs)
	if pairs <= 0 {
		log.Warnf("⚠️ 锁利后无对可合并，放弃本轮")
		s.abortLock(now)
		return
	}
	if s.CTF == nil {
		log.Warnf("⚠️ 未配置 CTF 服务，跳过 merge")
		s.abortLock(now)
		return
	}
	// 冷却积压里的份额别重复交：只把增量交给 merge
	if queued := s.CTF.QueuedShares(s.market.ConditionID); queued > 0 {
		pairs = math.Max(0, pairs-queued)
	}
	market := s.market
	s.submitIO(ctx, "lock-merge", func(ioCtx context.Context) {
		submitted, err := s.CTF.Merge(ioCtx, market.ConditionID, pairs, market.NegRisk)
		s.loop.Post(&lockPhaseEvent{phase: 3, pairs: submitted, err: err})
	})
}

// finishLock merge 结果落账：记账、清基线、推进水位线。
func (s *Strategy) finishLock(ctx context.Context, ev *lockPhaseEvent, now time.Time) {
	defer func() {
		s.locking = false
		s.lockStep = 0
		s.mode = modeNormal
	}()

	if ev.err != nil {
		log.Errorf("❌ merge 失败: %v", ev.err)
		s.lockRetryAt = now.Add(lockRetryGap)
		return
	}
	if ev.pairs <= 0 {
		// 进了中继冷却队列，别立刻再触发一轮锁利
		s.lockRetryAt = now.Add(lockRetryGap)
		log.Infof("⏳ merge 已积压，%v 后重试", lockRetryGap)
		return
	}

	snap := s.Ledger.Take(s.market.Slug)
	pairs := math.Min(ev.pairs, snap.HedgedPairs)
	result, err := s.Ledger.RecordMerge(s.market.Slug, pairs)
	if err != nil {
		log.Errorf("🔥 merge 记账失败: %v", err)
		return
	}
	s.Ledger.AddLock(s.market.Slug)
	s.Ledger.ResetBaseline(s.market.Slug)
	s.lockPnL = s.lockHoldPnL
	s.persistSnapshot(ctx, s.Ledger.Take(s.market.Slug), "profit_lock")
	log.Infof("💰 锁利完成: merge %.2f 对，落袋 $%.2f（累计水位 $%.2f）", result.Pairs, result.Profit, s.lockPnL)
}

func (s *Strategy) abortLock(now time.Time) {
	s.locking = false
	s.lockStep = 0
	s.lockMergeDue = time.Time{}
	s.lockRetryAt = now.Add(lockRetryGap)
	s.mode = modeNormal
}

// ---------------------------------------------------------------- market exit

// checkDecided 任一侧 bid 贴近 0 或 1 视为已定盘，停止新单。
func (s *Strategy) checkDecided(ctx context.Context, best marketstate.BestBookSnapshot) {
	if s.exitLatched {
		return
	}
	for _, token := range []domain.TokenType{domain.TokenTypeUp, domain.TokenTypeDown} {
		bid := best.Bid(token)
		if bid.IsZero() {
			continue
		}
		cents := bid.ToCents()
		if cents <= s.DecidedBidCents || cents >= 100-s.DecidedBidCents {
			log.Warnf("🛑 市场已定盘（%s bid=%s），停止新单", token, bid)
			s.latchExit(ctx, "market_decided")
			return
		}
	}
}

// checkTimeExit 时间与资金占用的盈利即停。
func (s *Strategy) checkTimeExit(ctx context.Context, now time.Time) {
	if s.exitLatched {
		return
	}
	snap := s.Ledger.Take(s.market.Slug)
	profitable := snap.GuaranteedProfit > 0
	if !profitable {
		return
	}
	if now.Sub(s.windowStart) >= time.Duration(s.StopMinute)*time.Minute {
		log.Infof("🛑 到达第 %d 分钟且已盈利 $%.2f，停止新单", s.StopMinute, snap.GuaranteedProfit)
		s.latchExit(ctx, "stop_minute")
		return
	}
	if budget := s.aum * s.BudgetPct; budget > 0 && snap.TotalCost >= budget*s.MaxCapitalPct {
		log.Infof("🛑 资金占用 %.0f%% 且已盈利，停止新单", 100*snap.TotalCost/budget)
		s.latchExit(ctx, "capital_cap")
	}
}

func (s *Strategy) latchExit(ctx context.Context, reason string) {
	s.exitLatched = true
	s.cancelAllOrders(ctx, reason)
	s.persistSnapshot(ctx, s.Ledger.Take(s.market.Slug), reason)
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

// placeBuy 挂 GTC 买单；monitor-only 时只记审计不下单。
func (s *Strategy) placeBuy(ctx context.Context, token domain.TokenType, price domain.Price, size float64, role domain.OrderRole, reason string) {
	if s.exitLatched {
		return
	}
	if s.MonitorOnly {
		s.recordMonitor(ctx, token, types.SideBuy, price, size, reason)
		return
	}
	market := s.market
	assetID := market.AssetID(token)
	s.submitIO(ctx, "place", func(ioCtx context.Context) {
		if _, err := s.TradingService.BuyGTC(ioCtx, market, assetID, size, price, role); err != nil {
			log.Warnf("❌ 挂单失败: %s %.2f @ %s %v", token, size, price, err)
		}
	})
}

func (s *Strategy) cancelOrder(ctx context.Context, orderID string) {
	if s.MonitorOnly {
		return
	}
	s.submitIO(ctx, "cancel", func(ioCtx context.Context) {
		if err := s.TradingService.CancelOrder(ioCtx, orderID); err != nil {
			log.Warnf("❌ 撤单失败: %s %v", orderID, err)
		}
	})
}

func (s *Strategy) cancelAllOrders(ctx context.Context, reason string) {
	if s.MonitorOnly {
		return
	}
	conditionID := s.market.ConditionID
	s.submitIO(ctx, "cancel-all", func(ioCtx context.Context) {
		if err := s.TradingService.CancelOrdersFor(ioCtx, conditionID); err != nil {
			log.Warnf("❌ 批量撤单失败(%s): %v", reason, err)
		}
	})
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

func (s *Strategy) persistSnapshot(ctx context.Context, snap domain.Snapshot, reason string) {
	if s.Store == nil {
		return
	}
	s.submitIO(ctx, "store-snap", func(ioCtx context.Context) {
		if err := s.Store.SavePositionSnapshot(ioCtx, snap, reason); err != nil {
			log.Warnf("⚠️ 持仓快照写入失败: %v", err)
		}
	})
}

func (s *Strategy) persistBaseline(ctx context.Context, snap domain.Snapshot) {
	if s.Store == nil {
		return
	}
	market := s.market.Slug
	bl := domain.Baseline{Imbalance: snap.Imbalance, UpQty: snap.QtyUp, DownQty: snap.QtyDown, SavedAt: time.Now()}
	s.submitIO(ctx, "store-baseline", func(ioCtx context.Context) {
		if err := s.Store.SaveBaseline(ioCtx, market, bl); err != nil {
			log.Warnf("⚠️ 基线写入失败: %v", err)
		}
	})
}

func (s *Strategy) recordMonitor(ctx context.Context, token domain.TokenType, side types.Side, price domain.Price, size float64, reason string) {
	log.Infof("📝 [monitor] %s %s %.2f @ %s (%s)", token, side, size, price, reason)
	if s.Store == nil {
		return
	}
	mt := store.MonitorTrade{
		Strategy: ID,
		Market:   s.market.Slug,
		AssetID:  s.market.AssetID(token),
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

func (s *Strategy) sigma() float64 {
	up := s.vol[domain.TokenTypeUp].Sigma()
	down := s.vol[domain.TokenTypeDown].Sigma()
	return math.Max(up, down)
}

// tFrac 周期剩余时间比例，[0,1]
func (s *Strategy) tFrac(now time.Time) float64 {
	total := s.windowEnd.Sub(s.windowStart)
	if total <= 0 {
		return 0
	}
	frac := float64(s.windowEnd.Sub(now)) / float64(total)
	return math.Max(0, math.Min(1, frac))
}

func (s *Strategy) coreShares(now time.Time) float64 {
	lockCount := s.Ledger.Counters(s.market.Slug).LockCount
	return s.sizer.Shares(now.Sub(s.windowStart), lockCount)
}

// deficitToken 短缺侧（两侧相等时按 DOWN 处理，调用方需自行判断是否有失衡）
func deficitToken(snap domain.Snapshot) domain.TokenType {
	if snap.QtyUp < snap.QtyDown {
		return domain.TokenTypeUp
	}
	return domain.TokenTypeDown
}

func tokenQty(snap domain.Snapshot, token domain.TokenType) float64 {
	if token == domain.TokenTypeUp {
		return snap.QtyUp
	}
	return snap.QtyDown
}

func shortAsset(assetID string) string {
	if len(assetID) <= 10 {
		return assetID
	}
	return assetID[:10] + "…"
}
