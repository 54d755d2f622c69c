package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/pkg/relayer"
)

// fakeRelayer 可编程中继器假实现
type fakeRelayer struct {
	execCalls []string
	execResp  *relayer.SubmitResponse
	execErr   error
	waitCalls []string
	waitErr   error
}

func (f *fakeRelayer) Execute(_ context.Context, _ []relayer.SafeTransaction, metadata string) (*relayer.SubmitResponse, error) {
	f.execCalls = append(f.execCalls, metadata)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResp != nil {
		return f.execResp, nil
	}
	return &relayer.SubmitResponse{TransactionID: "tx-1", State: "STATE_EXECUTED"}, nil
}

func (f *fakeRelayer) WaitForTransaction(_ context.Context, id string) (*relayer.TransactionStatus, error) {
	f.waitCalls = append(f.waitCalls, id)
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &relayer.TransactionStatus{TransactionID: id, State: "STATE_MINED"}, nil
}

const testCond = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

func TestCTFService_SplitAndMerge(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{})

	if err := svc.Split(context.Background(), testCond, 50, false); err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(r.execCalls) != 1 || len(r.waitCalls) != 1 {
		t.Fatalf("exec=%d wait=%d", len(r.execCalls), len(r.waitCalls))
	}

	done, err := svc.Merge(context.Background(), testCond, 10, false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if done != 10 {
		t.Fatalf("done=%v", done)
	}
	if len(r.execCalls) != 2 {
		t.Fatalf("exec=%d", len(r.execCalls))
	}
}

func TestCTFService_MergeCooldown(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{})

	if _, err := svc.Merge(context.Background(), testCond, 10, false); err != nil {
		t.Fatalf("merge: %v", err)
	}
	// 冷却期内只积压不提交
	done, err := svc.Merge(context.Background(), testCond, 5, false)
	if err != nil || done != 0 {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := svc.QueuedShares(testCond); got != 5 {
		t.Fatalf("queued=%v", got)
	}
	if len(r.execCalls) != 1 {
		t.Fatalf("冷却期内不应提交: exec=%d", len(r.execCalls))
	}

	// 冷却期过后积压并入本次提交
	svc.mu.Lock()
	svc.lastMerge[testCond] = time.Now().Add(-6 * time.Minute)
	svc.mu.Unlock()

	done, err = svc.Merge(context.Background(), testCond, 2, false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if done != 7 {
		t.Fatalf("done=%v", done)
	}
	if got := svc.QueuedShares(testCond); got != 0 {
		t.Fatalf("queued=%v", got)
	}
}

func TestCTFService_MergeSubmitErrorRequeues(t *testing.T) {
	r := &fakeRelayer{execErr: errors.New("relayer 500")}
	svc := NewCTFService(r, CTFConfig{})

	if _, err := svc.Merge(context.Background(), testCond, 10, false); err == nil {
		t.Fatalf("expected error")
	}
	// 提交阶段失败肯定没上链，份额放回积压
	if got := svc.QueuedShares(testCond); got != 10 {
		t.Fatalf("queued=%v", got)
	}
}

func TestCTFService_MergeConfirmTimeoutNoRequeue(t *testing.T) {
	r := &fakeRelayer{waitErr: errors.New("deadline exceeded")}
	svc := NewCTFService(r, CTFConfig{})

	_, err := svc.Merge(context.Background(), testCond, 10, false)
	if !errors.Is(err, errConfirmTimeout) {
		t.Fatalf("got %v", err)
	}
	// 确认超时可能已上链，重放会双重合并，不放回积压
	if got := svc.QueuedShares(testCond); got != 0 {
		t.Fatalf("queued=%v", got)
	}
}

func TestCTFService_AlreadyDoneIsSuccess(t *testing.T) {
	r := &fakeRelayer{execResp: &relayer.SubmitResponse{AlreadyDone: true}}
	svc := NewCTFService(r, CTFConfig{})

	done, err := svc.Merge(context.Background(), testCond, 10, false)
	if err != nil || done != 10 {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if len(r.waitCalls) != 0 {
		t.Fatalf("已达成不应等确认: %v", r.waitCalls)
	}
	if err := svc.Redeem(context.Background(), testCond, 0, false, 0); err != nil {
		t.Fatalf("redeem: %v", err)
	}
}

func TestCTFService_Redeem(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{})

	// 标准市场不需要份额
	if err := svc.Redeem(context.Background(), testCond, 1, false, 0); err != nil {
		t.Fatalf("standard: %v", err)
	}
	// neg-risk 市场必须带份额
	if err := svc.Redeem(context.Background(), testCond, 0, true, 0); err == nil {
		t.Fatalf("neg-risk 零份额应被拒")
	}
	if err := svc.Redeem(context.Background(), testCond, 0, true, 12.5); err != nil {
		t.Fatalf("neg-risk: %v", err)
	}

	if err := svc.Redeem(context.Background(), testCond, 2, false, 0); err == nil {
		t.Fatalf("outcomeIndex=2 应被拒")
	}
	if err := svc.Redeem(context.Background(), "", 0, false, 0); err == nil {
		t.Fatalf("空 conditionID 应被拒")
	}
}

func TestCTFService_RelayerQuota(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{RelayerPerMinute: 1})

	if err := svc.Split(context.Background(), testCond, 50, false); err != nil {
		t.Fatalf("split: %v", err)
	}
	// 配额耗尽：merge 失败且份额放回积压
	_, err := svc.Merge(context.Background(), testCond, 10, false)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v", err)
	}
	if got := svc.QueuedShares(testCond); got != 10 {
		t.Fatalf("queued=%v", got)
	}
	if len(r.execCalls) != 1 {
		t.Fatalf("配额耗尽不应提交: exec=%d", len(r.execCalls))
	}
}

func TestCTFService_DryRun(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{DryRun: true})

	if err := svc.Split(context.Background(), testCond, 50, false); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := svc.Merge(context.Background(), testCond, 10, false); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := svc.Redeem(context.Background(), testCond, 0, false, 0); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if len(r.execCalls) != 0 {
		t.Fatalf("dry-run 不应碰中继器: %v", r.execCalls)
	}
}

func TestCTFService_MergeNothing(t *testing.T) {
	r := &fakeRelayer{}
	svc := NewCTFService(r, CTFConfig{})

	done, err := svc.Merge(context.Background(), testCond, 0, false)
	if err != nil || done != 0 {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if len(r.execCalls) != 0 {
		t.Fatalf("零份额不应提交")
	}
	if err := svc.Split(context.Background(), testCond, 0, false); err == nil {
		t.Fatalf("零金额拆分应被拒")
	}
}
