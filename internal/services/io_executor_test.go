package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestIOExecutor_RunsJobs(t *testing.T) {
	e := NewIOExecutor(context.Background(), "test", 2, 8)
	defer e.Close()

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		if err := e.Submit(context.Background(), "job", func(context.Context) {
			done <- struct{}{}
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("任务 %d 未执行", i)
		}
	}
}

func TestIOExecutor_PanicDoesNotKillWorker(t *testing.T) {
	// 单工作协程：panic 后同一个协程还得继续消费
	e := NewIOExecutor(context.Background(), "test", 1, 8)
	defer e.Close()

	_ = e.Submit(context.Background(), "boom", func(context.Context) {
		panic("boom")
	})
	ran := make(chan struct{})
	_ = e.Submit(context.Background(), "after", func(context.Context) {
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("panic 后工作协程没有恢复")
	}
}

func TestIOExecutor_CloseDrainsBacklog(t *testing.T) {
	e := NewIOExecutor(context.Background(), "test", 1, 4)

	gate := make(chan struct{})
	started := make(chan struct{})
	_ = e.Submit(context.Background(), "hold", func(context.Context) {
		close(started)
		<-gate
	})
	<-started

	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		if err := e.Submit(context.Background(), "queued", func(context.Context) {
			ran <- struct{}{}
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	close(gate)
	e.Close()
	// Close 返回即全部跑完，积压不丢
	if len(ran) != 3 {
		t.Fatalf("drained=%d", len(ran))
	}
	e.Close() // 重复关闭应立即返回
}

func TestIOExecutor_SubmitAfterClose(t *testing.T) {
	e := NewIOExecutor(context.Background(), "test", 1, 1)
	e.Close()

	err := e.Submit(context.Background(), "late", func(context.Context) {})
	if !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("got %v", err)
	}
	if e.TrySubmit("late", func(context.Context) {}) {
		t.Fatalf("关闭后 TrySubmit 应返回 false")
	}
}

func TestIOExecutor_QueueFull(t *testing.T) {
	e := NewIOExecutor(context.Background(), "test", 1, 1)

	gate := make(chan struct{})
	started := make(chan struct{})
	_ = e.Submit(context.Background(), "hold", func(context.Context) {
		close(started)
		<-gate
	})
	<-started
	// 唯一的队列槽占住
	if err := e.Submit(context.Background(), "queued", func(context.Context) {}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if e.TrySubmit("overflow", func(context.Context) {}) {
		t.Fatalf("队列满时 TrySubmit 应返回 false")
	}
	if e.Backlog() != 1 {
		t.Fatalf("backlog=%d", e.Backlog())
	}

	// 阻塞式 Submit 尊重调用方的取消
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Submit(ctx, "cancelled", func(context.Context) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}

	close(gate)
	e.Close()
}
