package bbgo

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// WaitForShutdown 阻塞到 SIGINT/SIGTERM 或 ctx 取消，然后在 timeout 内
// 依次执行：策略关停钩子（撤单、停循环）、环境断连。
func WaitForShutdown(ctx context.Context, trader *Trader, environ *Environment, timeout time.Duration) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	select {
	case sig := <-sigC:
		logrus.Infof("🛑 收到信号 %s，开始优雅关停...", sig)
	case <-ctx.Done():
		logrus.Info("🛑 上下文取消，开始优雅关停...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	trader.Shutdown(shutdownCtx)
	if err := environ.Close(); err != nil {
		logrus.Warnf("⚠️ 断开连接出错: %v", err)
	}
	logrus.Info("✅ 关停完成")
}
