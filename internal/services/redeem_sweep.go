package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/pkg/sdk/api"
	"github.com/arbx/goarb/pkg/syncgroup"
)

var sweepLog = logrus.WithField("component", "redeem_sweep")

// positionSource 数据 API 切面（持仓与赎回历史）
type positionSource interface {
	GetOpenPositions(ctx context.Context, user string, sizeThreshold float64) ([]api.OpenPosition, error)
	GetRedemptions(ctx context.Context, user string) ([]api.Activity, error)
}

// redeemer 赎回执行切面（生产环境是 *CTFService）
type redeemer interface {
	Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) error
}

// SweepConfig 赎回清扫配置，零值落到默认
type SweepConfig struct {
	Interval    time.Duration // 扫描间隔（默认 3 分钟）
	MaxPerSweep int           // 单轮最多赎回笔数（默认 5）
}

// RedeemSweeper 后台赎回清扫。
// 定时扫数据 API 持仓，把已结算的 outcome（价格贴 0/1 或标记 redeemable）
// 送去赎回。每个 (conditionID, outcome) 整个进程生命周期只尝试一次：
// 失败的留给下次重启，重复提交由中继器的 ALREADY_REDEEMED 兜底。
type RedeemSweeper struct {
	source positionSource
	ctf    redeemer
	user   string // proxy 钱包地址（持仓归属方）

	interval    time.Duration
	maxPerSweep int

	mu        sync.Mutex
	attempted map[string]struct{}

	sg        *syncgroup.Group
	closeC    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

func NewRedeemSweeper(source positionSource, ctf redeemer, user string, cfg SweepConfig) *RedeemSweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	maxPerSweep := cfg.MaxPerSweep
	if maxPerSweep <= 0 {
		maxPerSweep = 5
	}
	return &RedeemSweeper{
		source:      source,
		ctf:         ctf,
		user:        user,
		interval:    interval,
		maxPerSweep: maxPerSweep,
		attempted:   make(map[string]struct{}),
		sg:          syncgroup.New(),
		closeC:      make(chan struct{}),
	}
}

// Start 启动后台清扫循环（重复调用只生效一次）
func (s *RedeemSweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.sg.Go("redeem-sweeper", func() {
			s.loop(ctx)
		})
	})
}

// Close 停止清扫并等待循环退出
func (s *RedeemSweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
	s.sg.Wait()
}

// AttemptedCount 已尝试过的 (market, outcome) 数量
func (s *RedeemSweeper) AttemptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempted)
}

func (s *RedeemSweeper) loop(ctx context.Context) {
	s.seed(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			sweepLog.Warnf("⚠️ 赎回扫描失败: %v", err)
		} else if n > 0 {
			sweepLog.Infof("💰 本轮赎回提交 %d 笔", n)
		}

		select {
		case <-s.closeC:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// seed 用历史赎回记录预热 attempted 集，避免重启后重复提交。
// 预热失败不致命（ALREADY_REDEEMED 按成功处理），记一条警告继续。
func (s *RedeemSweeper) seed(ctx context.Context) {
	history, err := s.source.GetRedemptions(ctx, s.user)
	if err != nil {
		sweepLog.Warnf("⚠️ 赎回历史预热失败: %v", err)
		return
	}
	s.mu.Lock()
	for _, a := range history {
		s.attempted[redeemKey(a.ConditionID, a.OutcomeIndex)] = struct{}{}
	}
	n := len(s.attempted)
	s.mu.Unlock()
	sweepLog.Infof("✅ 赎回历史预热完成: %d 条", n)
}

// SweepOnce 扫一轮持仓并提交赎回。返回本轮提交笔数。
// 命中中继器配额立即收队，剩下的留给下一轮。
func (s *RedeemSweeper) SweepOnce(ctx context.Context) (int, error) {
	positions, err := s.source.GetOpenPositions(ctx, s.user, 1.0)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range positions {
		if !redeemablePosition(p) {
			continue
		}
		key := redeemKey(p.ConditionID, p.OutcomeIndex)
		if s.alreadyAttempted(key) {
			continue
		}
		s.markAttempted(key)

		err := s.ctf.Redeem(ctx, p.ConditionID, p.OutcomeIndex, p.NegativeRisk, p.Size.Float64())
		if errors.Is(err, ErrRateLimited) {
			// 配额耗尽时什么都没提交出去，退回这次机会留给下一轮
			s.unmarkAttempted(key)
			sweepLog.Warnf("🛑 中继器配额耗尽，本轮收队（已提交 %d 笔）", count)
			return count, nil
		}
		if err != nil {
			sweepLog.Errorf("❌ 赎回失败: %s outcome=%d: %v", p.Slug, p.OutcomeIndex, err)
			continue
		}
		count++
		if count >= s.maxPerSweep {
			break
		}
	}
	return count, nil
}

func (s *RedeemSweeper) alreadyAttempted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attempted[key]
	return ok
}

func (s *RedeemSweeper) markAttempted(key string) {
	s.mu.Lock()
	s.attempted[key] = struct{}{}
	s.mu.Unlock()
}

func (s *RedeemSweeper) unmarkAttempted(key string) {
	s.mu.Lock()
	delete(s.attempted, key)
	s.mu.Unlock()
}

// redeemablePosition 仓位是否已可赎回：数据 API 明确标记，
// 或价格已贴死 0/1（市场已出结果但标记滞后）。
func redeemablePosition(p api.OpenPosition) bool {
	if p.Size.Float64() <= 0 {
		return false
	}
	if p.Redeemable {
		return true
	}
	cur := p.CurPrice.Float64()
	return cur > 0.999 || cur < 0.001
}

func redeemKey(conditionID string, outcomeIndex int) string {
	return fmt.Sprintf("%s|%d", conditionID, outcomeIndex)
}
