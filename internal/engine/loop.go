package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/internal/events"
	"github.com/arbx/goarb/pkg/syncgroup"
)

// Handler 消费一个事件。所有状态变更都发生在这里，单线程串行。
type Handler interface {
	Handle(ctx context.Context, event any)
}

// HandlerFunc 函数适配器。
type HandlerFunc func(ctx context.Context, event any)

func (f HandlerFunc) Handle(ctx context.Context, event any) { f(ctx, event) }

// Loop 串行事件循环。
//
// 外部生产者（市场 WS、用户 WS、league 轮询、定时器）只往队列投递，
// 单个 drain goroutine 按到达顺序逐条分发。每次分发都包 panic 恢复：
// 单个事件处理崩溃只记日志，循环继续。
type Loop struct {
	name      string
	queue     *Queue
	handler   Handler
	heartbeat time.Duration

	// drain 与辅助 goroutine 分开管理：优雅停机要先等 drain 排空，
	// 再取消心跳/closer。
	drainGroup *syncgroup.Group
	auxGroup   *syncgroup.Group
	log        *logrus.Entry

	cancel context.CancelFunc
}

// NewLoop 创建循环。heartbeat > 0 时会定期往队列投递 HeartbeatEvent，
// 让超时/冷却/阶段检查也走串行通道。
func NewLoop(name string, handler Handler, heartbeat time.Duration) *Loop {
	return &Loop{
		name:       name,
		queue:      NewQueue(),
		handler:    handler,
		heartbeat:  heartbeat,
		drainGroup: syncgroup.New(),
		auxGroup:   syncgroup.New(),
		log:        logrus.WithField("component", "engine").WithField("loop", name),
	}
}

// Post 投递事件。循环已停止时返回 false。
func (l *Loop) Post(event any) bool {
	return l.queue.Push(event)
}

// Backlog 当前积压的事件数。
func (l *Loop) Backlog() int {
	return l.queue.Len()
}

// Start 启动 drain goroutine（和可选的心跳）。ctx 取消触发快速停机：
// 队列关闭且剩余事件不再分发。
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.drainGroup.Go(l.name+"-drain", func() {
		l.drain(ctx)
	})

	if l.heartbeat > 0 {
		l.auxGroup.Go(l.name+"-heartbeat", func() {
			ticker := time.NewTicker(l.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					l.queue.Push(&events.HeartbeatEvent{Timestamp: t})
				}
			}
		})
	}

	// ctx 取消时关闭队列，释放阻塞中的 Pop
	l.auxGroup.Go(l.name+"-closer", func() {
		<-ctx.Done()
		l.queue.Close()
	})
}

// Stop 优雅停机：不再接收新事件，排空积压并分发完毕后返回。
func (l *Loop) Stop() {
	l.queue.Close()
	l.drainGroup.Wait()
	if l.cancel != nil {
		l.cancel()
	}
	l.auxGroup.Wait()
}

func (l *Loop) drain(ctx context.Context) {
	for {
		event, ok := l.queue.Pop()
		if !ok {
			return
		}
		// 硬停机路径：不再分发剩余事件
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.dispatch(ctx, event)
	}
}

func (l *Loop) dispatch(ctx context.Context, event any) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("🔥 事件处理 panic（跳过该事件继续）: %v\n%s", r, debug.Stack())
		}
	}()
	l.handler.Handle(ctx, event)
}
