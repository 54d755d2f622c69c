package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/pkg/sdk/api"
)

type fakePositionSource struct {
	mu        sync.Mutex
	positions []api.OpenPosition
	posErr    error
	history   []api.Activity
	histErr   error
	posCalls  int
}

func (f *fakePositionSource) GetOpenPositions(_ context.Context, _ string, _ float64) ([]api.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posCalls++
	return f.positions, f.posErr
}

func (f *fakePositionSource) GetRedemptions(_ context.Context, _ string) ([]api.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.histErr
}

type fakeRedeemer struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
}

func (f *fakeRedeemer) Redeem(_ context.Context, conditionID string, outcomeIndex int, _ bool, _ float64) error {
	key := fmt.Sprintf("%s|%d", conditionID, outcomeIndex)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err, ok := f.errFor[key]; ok {
		return err
	}
	return nil
}

func (f *fakeRedeemer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sweepPos(cond string, idx int, size, cur float64, redeemable bool) api.OpenPosition {
	return api.OpenPosition{
		ConditionID:  cond,
		OutcomeIndex: idx,
		Size:         api.Numeric(size),
		CurPrice:     api.Numeric(cur),
		Redeemable:   redeemable,
		Slug:         "market-" + cond,
	}
}

func TestRedeemSweeper_SweepOnce(t *testing.T) {
	src := &fakePositionSource{positions: []api.OpenPosition{
		sweepPos("0xa", 0, 10, 0.5, true),   // 明确标记可赎回
		sweepPos("0xb", 1, 20, 0.9995, false), // 价格贴死 1
		sweepPos("0xc", 0, 30, 0.5, false),  // 还没出结果
		sweepPos("0xd", 0, 0, 1.0, true),    // 零仓位
		sweepPos("0xe", 1, 15, 0.0004, false), // 价格贴死 0（败方，兑 0 清仓）
	}}
	rd := &fakeRedeemer{}
	sw := NewRedeemSweeper(src, rd, "0xwallet", SweepConfig{})

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("n=%d calls=%v", n, rd.calls)
	}
	if sw.AttemptedCount() != 3 {
		t.Fatalf("attempted=%d", sw.AttemptedCount())
	}

	// 已尝试的不再重复提交
	n, err = sw.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second: n=%d err=%v", n, err)
	}
	if rd.callCount() != 3 {
		t.Fatalf("calls=%v", rd.calls)
	}
}

func TestRedeemSweeper_SeedFromHistory(t *testing.T) {
	src := &fakePositionSource{
		positions: []api.OpenPosition{
			sweepPos("0xa", 0, 10, 0.5, true),
			sweepPos("0xb", 1, 20, 0.5, true),
		},
		history: []api.Activity{
			{ConditionID: "0xa", OutcomeIndex: 0, Type: "REDEEM"},
		},
	}
	rd := &fakeRedeemer{}
	sw := NewRedeemSweeper(src, rd, "0xwallet", SweepConfig{})

	// 历史里已赎回过的直接跳过，避免开机重放 ALREADY_REDEEMED
	sw.seed(context.Background())
	n, err := sw.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(rd.calls) != 1 || rd.calls[0] != "0xb|1" {
		t.Fatalf("calls=%v", rd.calls)
	}
}

func TestRedeemSweeper_QuotaStopReturnsAttempt(t *testing.T) {
	src := &fakePositionSource{positions: []api.OpenPosition{
		sweepPos("0xa", 0, 10, 0.5, true),
		sweepPos("0xb", 1, 20, 0.5, true),
	}}
	rd := &fakeRedeemer{errFor: map[string]error{
		"0xa|0": errors.Wrap(ErrRateLimited, "relayer 配额耗尽"),
	}}
	sw := NewRedeemSweeper(src, rd, "0xwallet", SweepConfig{})

	// 配额耗尽立即收队，且这笔机会退回（什么都没提交出去）
	n, err := sw.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if sw.AttemptedCount() != 0 {
		t.Fatalf("attempted=%d", sw.AttemptedCount())
	}

	rd.errFor = nil
	n, err = sw.SweepOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
}

func TestRedeemSweeper_FailureBurnsAttempt(t *testing.T) {
	src := &fakePositionSource{positions: []api.OpenPosition{
		sweepPos("0xa", 0, 10, 0.5, true),
		sweepPos("0xb", 1, 20, 0.5, true),
	}}
	rd := &fakeRedeemer{errFor: map[string]error{
		"0xa|0": errors.New("execution reverted"),
	}}
	sw := NewRedeemSweeper(src, rd, "0xwallet", SweepConfig{})

	n, err := sw.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	// 真实失败烧掉尝试机会：每个 outcome 只试一次，不无限重放
	rd.errFor = nil
	n, err = sw.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
	if got := rd.callCount(); got != 2 {
		t.Fatalf("calls=%v", rd.calls)
	}
}

func TestRedeemSweeper_MaxPerSweep(t *testing.T) {
	src := &fakePositionSource{positions: []api.OpenPosition{
		sweepPos("0xa", 0, 10, 0.5, true),
		sweepPos("0xb", 1, 20, 0.5, true),
		sweepPos("0xc", 0, 30, 0.5, true),
	}}
	rd := &fakeRedeemer{}
	sw := NewRedeemSweeper(src, rd, "0xwallet", SweepConfig{MaxPerSweep: 2})

	n, _ := sw.SweepOnce(context.Background())
	if n != 2 {
		t.Fatalf("n=%d", n)
	}
	n, _ = sw.SweepOnce(context.Background())
	if n != 1 {
		t.Fatalf("溢出部分应留到下一轮: n=%d", n)
	}
}

func TestRedeemSweeper_PositionsError(t *testing.T) {
	src := &fakePositionSource{posErr: errors.New("data api 503")}
	sw := NewRedeemSweeper(src, &fakeRedeemer{}, "0xwallet", SweepConfig{})

	if _, err := sw.SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedeemSweeper_StartClose(t *testing.T) {
	src := &fakePositionSource{}
	sw := NewRedeemSweeper(src, &fakeRedeemer{}, "0xwallet", SweepConfig{Interval: 10 * time.Millisecond})

	sw.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sw.Close()

	src.mu.Lock()
	calls := src.posCalls
	src.mu.Unlock()
	if calls == 0 {
		t.Fatalf("后台循环没有扫过持仓")
	}
	sw.Close() // 重复关闭安全
}
