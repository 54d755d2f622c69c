package syncgroup

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Group 是 sync.WaitGroup 的包装器：统一 Add/Done 管理并捕获 panic。
// 后台 goroutine 的 panic 只记日志，不拖垮进程。
type Group struct {
	wg sync.WaitGroup
}

// New 创建新的 Group
func New() *Group {
	return &Group{}
}

// Go 启动一个被管理的 goroutine
func (g *Group) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).
					Errorf("🔥 goroutine panic: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (g *Group) Wait() {
	g.wg.Wait()
}
