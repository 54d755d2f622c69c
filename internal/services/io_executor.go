package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/pkg/syncgroup"
)

var ioLog = logrus.WithField("component", "io_executor")

// ErrExecutorClosed 提交到已关闭的执行器
var ErrExecutorClosed = errors.New("io executor closed")

// IOExecutor 有界 IO 工作池。
// 事件循环自身永远不做网络 IO：结果不影响本轮决策的操作
// （撤单清场、merge、redeem、对账）丢给这里排队执行。
// 队列满时 Submit 阻塞而不是丢弃，宁可让提交方等一拍
// 也不能吞掉一笔撤单或对冲。
type IOExecutor struct {
	name      string
	ctx       context.Context
	jobs      chan ioJob
	sg        *syncgroup.Group
	closeC    chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once
}

type ioJob struct {
	name string
	fn   func(context.Context)
}

// NewIOExecutor 创建并启动工作池。workers/queueSize 非正值落到 4/64。
func NewIOExecutor(ctx context.Context, name string, workers, queueSize int) *IOExecutor {
	if ctx == nil {
		ctx = context.Background()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &IOExecutor{
		name:   name,
		ctx:    ctx,
		jobs:   make(chan ioJob, queueSize),
		sg:     syncgroup.New(),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.sg.Go(name+"-io-worker", e.worker)
	}
	return e
}

// Submit 把任务排入队列。队列满时阻塞等待，直到有空位、
// ctx 取消或执行器关闭。任务本身的错误由任务内部消化（记日志），
// Submit 只报告"是否成功入队"。
func (e *IOExecutor) Submit(ctx context.Context, name string, fn func(context.Context)) error {
	if fn == nil {
		return nil
	}
	start := time.Now()
	select {
	case <-e.closeC:
		return errors.Wrap(ErrExecutorClosed, name)
	case <-ctx.Done():
		return ctx.Err()
	case e.jobs <- ioJob{name: name, fn: fn}:
		if wait := time.Since(start); wait > 100*time.Millisecond {
			ioLog.Warnf("⚠️ IO 队列拥塞：%s 入队等待 %v", name, wait)
		}
		return nil
	}
}

// TrySubmit 非阻塞入队，队列满或已关闭返回 false。只给可丢的心跳类任务用。
func (e *IOExecutor) TrySubmit(name string, fn func(context.Context)) bool {
	if fn == nil {
		return true
	}
	select {
	case <-e.closeC:
		return false
	default:
	}
	select {
	case e.jobs <- ioJob{name: name, fn: fn}:
		return true
	default:
		return false
	}
}

// Backlog 当前排队任务数（监控用）
func (e *IOExecutor) Backlog() int {
	return len(e.jobs)
}

// Close 停止接收新任务，等在途任务跑完并清空积压。重复调用安全。
func (e *IOExecutor) Close() {
	e.closeOnce.Do(func() {
		close(e.closeC)
		e.sg.Wait()
		// 关闭瞬间挤进队列的任务在这里补跑完，不丢活
		for {
			select {
			case job := <-e.jobs:
				e.run(job)
			default:
				close(e.doneC)
				return
			}
		}
	})
	<-e.doneC
}

// worker 消费队列直到收到关闭信号，然后把剩余积压清空再退出。
// jobs 通道从不 close：带缓冲的发送和 close 之间没有安全的竞争解法。
func (e *IOExecutor) worker() {
	for {
		select {
		case job := <-e.jobs:
			e.run(job)
		case <-e.closeC:
			for {
				select {
				case job := <-e.jobs:
					e.run(job)
				default:
					return
				}
			}
		}
	}
}

func (e *IOExecutor) run(job ioJob) {
	defer func() {
		if r := recover(); r != nil {
			ioLog.Errorf("🔥 IO 任务 panic: %s: %v", job.name, r)
		}
	}()
	start := time.Now()
	job.fn(e.ctx)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		ioLog.Warnf("⚠️ IO 任务偏慢: %s 耗时 %v", job.name, elapsed)
	}
}
