package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler 关闭处理函数（应尊重 ctx 超时）
type Handler func(ctx context.Context)

// Manager 优雅关闭管理器。
// 回调按注册顺序分组并发执行：先停策略循环，再关连接。
type Manager struct {
	mu        sync.Mutex
	callbacks []Handler
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown 执行所有关闭回调（阻塞，直到完成或 ctx 超时）。
// 重复调用是安全的，只有第一次生效。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	logrus.Infof("🛑 开始优雅关闭，共 %d 个回调", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(handler Handler) {
			defer wg.Done()
			handler(ctx)
		}(cb)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logrus.Info("✅ 所有关闭回调已完成")
	case <-ctx.Done():
		logrus.Warnf("⚠️ 关闭超时: %v", ctx.Err())
	}
}
