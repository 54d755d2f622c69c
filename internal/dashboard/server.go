// Package dashboard 只读运营面板：JSON API + WS 推送。
// 不碰交易路径，读的全是台账、追踪器和审计库的快照口径。
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/feed"
	"github.com/arbx/goarb/internal/risk"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/store"
)

var log = logrus.WithField("component", "dashboard")

type Config struct {
	Addr         string // 默认只绑 localhost
	SnapshotSecs int    // WS 快照推送间隔
}

// Deps 面板依赖。Ledger 和 Tracker 必填，其余可空（对应接口返回空数据）。
type Deps struct {
	Ledger     *domain.Ledger
	Tracker    *services.OrderTracker
	Store      *store.Store
	Breakers   *risk.SessionBreakers
	AUM        *services.AUMService
	MarketFeed *feed.MarketFeed
}

type Server struct {
	cfg     Config
	deps    Deps
	hub     *hub
	started time.Time

	httpSrv *http.Server
	cancel  func()
	done    chan struct{}
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Ledger == nil {
		return nil, errors.New("dashboard: ledger is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("dashboard: order tracker is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if cfg.SnapshotSecs <= 0 {
		cfg.SnapshotSecs = 3
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		hub:     newHub(),
		started: time.Now(),
		done:    make(chan struct{}),
	}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/orders", s.handleOrders)
	api.GET("/cycles", s.handleCycles)

	r.GET("/ws", s.handleWS)

	return r
}

// Start 启动 HTTP 监听和快照推送循环。非阻塞，Close 停止。
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.Router()}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("❌ 面板监听失败: %v", err)
		}
	}()
	go s.snapshotLoop(ctx)

	log.Infof("📊 面板已启动: http://%s", s.cfg.Addr)
	return nil
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.hub.closeAll()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Publish 推一条自定义事件给所有 WS 客户端（模式切换、熔断触发等）。
func (s *Server) Publish(kind string, data any) {
	s.hub.broadcast(Event{Type: kind, At: time.Now(), Data: data})
}

// snapshotLoop 周期性把台账快照推给 WS 客户端。没人连就不干活。
func (s *Server) snapshotLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.cfg.SnapshotSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.count() == 0 {
				continue
			}
			s.hub.broadcast(s.snapshotEvent())
		}
	}
}

func (s *Server) snapshotEvent() Event {
	return Event{Type: "positions", At: time.Now(), Data: s.livePositions()}
}

func (s *Server) livePositions() []positionView {
	markets := s.deps.Ledger.Markets()
	views := make([]positionView, 0, len(markets))
	for _, m := range markets {
		views = append(views, newPositionView(s.deps.Ledger.Take(m)))
	}
	return views
}

func (s *Server) handleStatus(c *gin.Context) {
	view := statusView{
		StartedAt:  s.started,
		UptimeSecs: int64(time.Since(s.started).Seconds()),
		Markets:    len(s.deps.Ledger.Markets()),
		OpenOrders: len(s.deps.Tracker.Open()),
		WSClients:  s.hub.count(),
	}
	if s.deps.MarketFeed != nil {
		view.Subscriptions = s.deps.MarketFeed.SubscriptionCount()
	}
	if s.deps.Breakers != nil {
		view.Breakers = newBreakersView(s.deps.Breakers.Snapshot())
	}
	if s.deps.AUM != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if snap, err := s.deps.AUM.Snapshot(ctx); err == nil {
			view.AUM = &aumView{
				CashUSDC:       snap.CashUSDC,
				PositionsValue: snap.PositionsValue,
				Total:          snap.Total(),
			}
		} else {
			log.Warnf("⚠️ AUM 快照失败: %v", err)
		}
	}
	c.JSON(http.StatusOK, view)
}

// handlePositions 实时台账优先；进程刚起台账为空时退回审计库最新快照。
func (s *Server) handlePositions(c *gin.Context) {
	views := s.livePositions()
	if len(views) == 0 && s.deps.Store != nil {
		rows, err := s.deps.Store.LatestPositions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, row := range rows {
			views = append(views, positionView{
				Market:           row.Market,
				QtyUp:            row.QtyUp,
				QtyDown:          row.QtyDown,
				CostUp:           row.CostUp,
				CostDown:         row.CostDown,
				HedgedPairs:      row.HedgedPairs,
				GuaranteedProfit: row.GuaranteedProfit,
				Imbalance:        row.Imbalance,
				Taken:            row.At,
			})
		}
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleOrders(c *gin.Context) {
	open := s.deps.Tracker.Open()
	views := make([]orderView, 0, len(open))
	for _, o := range open {
		views = append(views, newOrderView(o))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleCycles(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusOK, []cycleView{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	openCycles, err := s.deps.Store.OpenCycles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recent, err := s.deps.Store.RecentCycles(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	seen := make(map[string]struct{}, len(openCycles))
	views := make([]cycleView, 0, len(openCycles)+len(recent))
	for _, cyc := range openCycles {
		seen[cyc.CycleID] = struct{}{}
		views = append(views, newCycleView(cyc))
	}
	for _, cyc := range recent {
		if _, ok := seen[cyc.CycleID]; ok {
			continue
		}
		views = append(views, newCycleView(cyc))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleWS(c *gin.Context) {
	s.hub.serve(c.Request.Context(), c.Writer, c.Request, s.snapshotEvent())
}
