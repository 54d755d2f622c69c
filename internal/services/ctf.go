package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/pkg/ratelimit"
	"github.com/arbx/goarb/pkg/relayer"
)

var ctfLog = logrus.WithField("component", "ctf")

// relayerAPI 中继器切面（Safe 托管钱包的免 gas 路径）
type relayerAPI interface {
	Execute(ctx context.Context, txns []relayer.SafeTransaction, metadata string) (*relayer.SubmitResponse, error)
	WaitForTransaction(ctx context.Context, id string) (*relayer.TransactionStatus, error)
}

// CTFConfig CTF 服务配置，零值落到默认
type CTFConfig struct {
	DryRun           bool
	MergeCooldown    time.Duration // 同一市场两次 merge 尝试的最小间隔（默认 5 分钟）
	RelayerPerMinute int           // 中继器提交配额（默认 25/分钟）
}

// CTFService 链上条件代币操作：拆分、合并、赎回。
// 全部经由中继器提交（免 gas），共享一个 25/分钟的令牌桶。
// merge 有 per-market 冷却：冷却期内的份额积压到下一次尝试，
// 台账在 merge 确认成功之前绝不扣减。
type CTFService struct {
	relayer  relayerAPI
	limiter  *ratelimit.TokenBucket
	inflight *InFlightDeduper

	dryRun        bool
	mergeCooldown time.Duration

	mu        sync.Mutex
	lastMerge map[string]time.Time // conditionID -> 上次尝试时间
	queued    map[string]float64   // conditionID -> 冷却/失败积压的份额
}

func NewCTFService(r relayerAPI, cfg CTFConfig) *CTFService {
	cooldown := cfg.MergeCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	perMinute := cfg.RelayerPerMinute
	if perMinute <= 0 {
		perMinute = 25
	}
	return &CTFService{
		relayer:       r,
		limiter:       ratelimit.NewTokenBucket(perMinute, perMinute, time.Minute),
		inflight:      NewInFlightDeduper(10*time.Second, 0),
		dryRun:        cfg.DryRun,
		mergeCooldown: cooldown,
		lastMerge:     make(map[string]time.Time),
		queued:        make(map[string]float64),
	}
}

// Split 把 USDC 拆成完整对（amountUSD 美元 -> amountUSD 份 Up + Down）
func (s *CTFService) Split(ctx context.Context, conditionID string, amountUSD float64, negRisk bool) error {
	if conditionID == "" || amountUSD <= 0 {
		return errors.Errorf("无效拆分参数: cond=%q amount=%.4f", conditionID, amountUSD)
	}
	if s.dryRun {
		ctfLog.Infof("📝 [dry-run] split: %s $%.2f negRisk=%v", shortCond(conditionID), amountUSD, negRisk)
		return nil
	}

	key := fmt.Sprintf("split|%s|%.6f", conditionID, amountUSD)
	if err := s.inflight.TryAcquire(key); err != nil {
		return err
	}
	defer s.inflight.Release(key)

	amount := decimal.NewFromFloat(amountUSD)
	var (
		tx  relayer.SafeTransaction
		err error
	)
	if negRisk {
		tx, err = relayer.BuildNegRiskSplitTransaction(common.HexToHash(conditionID), amount)
	} else {
		tx, err = relayer.BuildSplitTransaction(common.HexToHash(conditionID), amount)
	}
	if err != nil {
		return err
	}

	if err := s.submit(ctx, tx, fmt.Sprintf("split %s $%.2f", shortCond(conditionID), amountUSD)); err != nil {
		return err
	}
	ctfLog.Infof("✅ split 完成: %s $%.2f", shortCond(conditionID), amountUSD)
	return nil
}

// Merge 把完整对合并回 USDC。返回实际提交合并的份额。
// 冷却期内只积压不提交（返回 0, nil）；积压份额并入下一次尝试。
func (s *CTFService) Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (float64, error) {
	if conditionID == "" {
		return 0, errors.New("conditionID 不能为空")
	}

	s.mu.Lock()
	total := shares + s.queued[conditionID]
	if total <= 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if last, ok := s.lastMerge[conditionID]; ok && time.Since(last) < s.mergeCooldown {
		s.queued[conditionID] = total
		remain := s.mergeCooldown - time.Since(last)
		s.mu.Unlock()
		ctfLog.Infof("⏳ merge 冷却中（还剩 %v），积压 %.2f 份: %s", remain.Round(time.Second), total, shortCond(conditionID))
		return 0, nil
	}
	s.lastMerge[conditionID] = time.Now()
	s.queued[conditionID] = 0
	s.mu.Unlock()

	if s.dryRun {
		ctfLog.Infof("📝 [dry-run] merge: %s %.2f 份 negRisk=%v", shortCond(conditionID), total, negRisk)
		return 0, nil
	}

	key := fmt.Sprintf("merge|%s|%.6f", conditionID, total)
	if err := s.inflight.TryAcquire(key); err != nil {
		return 0, err
	}
	defer s.inflight.Release(key)

	amount := decimal.NewFromFloat(total)
	var (
		tx  relayer.SafeTransaction
		err error
	)
	if negRisk {
		tx, err = relayer.BuildNegRiskMergeTransaction(common.HexToHash(conditionID), amount)
	} else {
		tx, err = relayer.BuildMergeTransaction(common.HexToHash(conditionID), amount)
	}
	if err != nil {
		s.requeue(conditionID, total)
		return 0, err
	}

	if err := s.submit(ctx, tx, fmt.Sprintf("merge %s %.2f", shortCond(conditionID), total)); err != nil {
		// 提交阶段失败说明链上肯定没执行，份额放回积压；
		// 等待确认阶段的失败不放回（可能已上链，重放会双重合并），
		// 由下一轮持仓对账兜底。
		if !errors.Is(err, errConfirmTimeout) {
			s.requeue(conditionID, total)
		}
		return 0, err
	}
	ctfLog.Infof("💰 merge 完成: %s %.2f 份", shortCond(conditionID), total)
	return total, nil
}

// Redeem 结算后赎回。标准市场按全部 indexSet 赎回（败方兑 0，不需要份额）；
// neg-risk 市场的适配器要求显式金额，shares 只在这条路径生效。
func (s *CTFService) Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) error {
	if conditionID == "" {
		return errors.New("conditionID 不能为空")
	}
	if outcomeIndex != 0 && outcomeIndex != 1 {
		return errors.Errorf("无效 outcomeIndex: %d", outcomeIndex)
	}
	if s.dryRun {
		ctfLog.Infof("📝 [dry-run] redeem: %s outcome=%d negRisk=%v shares=%.2f",
			shortCond(conditionID), outcomeIndex, negRisk, shares)
		return nil
	}

	key := fmt.Sprintf("redeem|%s|%d", conditionID, outcomeIndex)
	if err := s.inflight.TryAcquire(key); err != nil {
		return err
	}
	defer s.inflight.Release(key)

	var (
		tx  relayer.SafeTransaction
		err error
	)
	if negRisk {
		if shares <= 0 {
			return errors.New("neg-risk 赎回需要明确份额")
		}
		yes, no := decimal.Zero, decimal.Zero
		if outcomeIndex == 0 {
			yes = decimal.NewFromFloat(shares)
		} else {
			no = decimal.NewFromFloat(shares)
		}
		tx, err = relayer.BuildNegRiskRedeemTransaction(common.HexToHash(conditionID), yes, no)
	} else {
		// 两个 indexSet 都带上：合约按结算结果兑付，败方兑 0
		indexSets := []*big.Int{relayer.IndexSetForOutcome(0), relayer.IndexSetForOutcome(1)}
		tx, err = relayer.BuildRedeemTransaction(common.HexToHash(conditionID), indexSets)
	}
	if err != nil {
		return err
	}

	if err := s.submit(ctx, tx, fmt.Sprintf("redeem %s outcome=%d", shortCond(conditionID), outcomeIndex)); err != nil {
		return err
	}
	ctfLog.Infof("💰 redeem 完成: %s outcome=%d", shortCond(conditionID), outcomeIndex)
	return nil
}

// QueuedShares 指定市场当前积压待合并的份额
func (s *CTFService) QueuedShares(conditionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued[conditionID]
}

var errConfirmTimeout = errors.New("relayer confirm timeout")

// submit 过配额、提交、等上链。ALREADY_* 的结果按成功返回。
func (s *CTFService) submit(ctx context.Context, tx relayer.SafeTransaction, metadata string) error {
	if !s.limiter.Allow() {
		return errors.Wrap(ErrRateLimited, "relayer 配额耗尽")
	}

	resp, err := s.relayer.Execute(ctx, []relayer.SafeTransaction{tx}, metadata)
	if err != nil {
		return err
	}
	if resp.AlreadyDone {
		ctfLog.Infof("✅ 目标状态已达成（%s），按成功处理", metadata)
		return nil
	}
	if resp.TransactionID == "" {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := s.relayer.WaitForTransaction(waitCtx, resp.TransactionID); err != nil {
		return errors.Wrapf(errConfirmTimeout, "%s: %v", metadata, err)
	}
	return nil
}

func (s *CTFService) requeue(conditionID string, shares float64) {
	s.mu.Lock()
	s.queued[conditionID] += shares
	s.mu.Unlock()
}

// shortCond 日志里的 conditionID 缩写
func shortCond(cond string) string {
	if len(cond) <= 12 {
		return cond
	}
	return cond[:10] + "…"
}
