package risk

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrTradingHalted 熔断已打开，禁止继续下单。
var ErrTradingHalted = errors.New("trading halted")

// ExecBreakerConfig 执行熔断配置。阈值 <= 0 表示关闭对应限制。
type ExecBreakerConfig struct {
	// MaxConsecutiveFailures 连续执行失败上限（下单被拒、撤单失败、relayer 报错）。
	MaxConsecutiveFailures int64
}

// ExecBreaker 执行链路熔断器。策略循环每次下单前都要过一遍，
// 热路径全用原子变量；签名失败这类灾难性错误由上层直接 Halt。
type ExecBreaker struct {
	halted   atomic.Bool
	reason   atomic.Value // string
	failures atomic.Int64

	maxFailures atomic.Int64
}

func NewExecBreaker(cfg ExecBreakerConfig) *ExecBreaker {
	b := &ExecBreaker{}
	b.SetConfig(cfg)
	return b
}

func (b *ExecBreaker) SetConfig(cfg ExecBreakerConfig) {
	if b == nil {
		return
	}
	b.maxFailures.Store(cfg.MaxConsecutiveFailures)
}

// Allow 快路径检查是否允许执行。熔断时带上触发原因。
func (b *ExecBreaker) Allow() error {
	if b == nil {
		return nil
	}
	if b.halted.Load() {
		if r := b.Reason(); r != "" {
			return errors.Wrap(ErrTradingHalted, r)
		}
		return ErrTradingHalted
	}
	limit := b.maxFailures.Load()
	if limit > 0 && b.failures.Load() >= limit {
		b.trip("连续执行失败")
		return errors.Wrap(ErrTradingHalted, "连续执行失败")
	}
	return nil
}

// OnSuccess 一次关键执行成功，清空连续失败计数。
func (b *ExecBreaker) OnSuccess() {
	if b == nil {
		return
	}
	b.failures.Store(0)
}

// OnFailure 一次关键执行失败，累计连续失败计数。
func (b *ExecBreaker) OnFailure() {
	if b == nil {
		return
	}
	b.failures.Add(1)
}

// Halt 手动熔断（灾难性错误或人工介入）。
func (b *ExecBreaker) Halt(reason string) {
	if b == nil {
		return
	}
	b.reason.Store(reason)
	b.halted.Store(true)
}

// Resume 恢复交易并清空连续失败计数。
func (b *ExecBreaker) Resume() {
	if b == nil {
		return
	}
	b.halted.Store(false)
	b.reason.Store("")
	b.failures.Store(0)
}

func (b *ExecBreaker) Halted() bool {
	if b == nil {
		return false
	}
	return b.halted.Load()
}

func (b *ExecBreaker) Reason() string {
	if b == nil {
		return ""
	}
	if r, ok := b.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (b *ExecBreaker) trip(reason string) {
	if b.halted.CompareAndSwap(false, true) {
		b.reason.Store(reason)
	}
}
