package bbgo

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var traderLog = logrus.WithField("component", "trader")

// StrategyID 所有策略必须实现。
type StrategyID interface {
	ID() string
}

// SingleExchangeStrategy 核心策略接口。Run 只负责启动（创建事件循环后返回），
// 生命周期由 Trader 和 ShutdownManager 托管。
type SingleExchangeStrategy interface {
	StrategyID
	Run(ctx context.Context, orderExecutor OrderExecutor, session *ExchangeSession) error
}

// StrategyDefaulter 可选：在 Validate 之前填默认值。
type StrategyDefaulter interface {
	Defaults() error
}

// StrategyValidator 可选：校验配置。
type StrategyValidator interface {
	Validate() error
}

// StrategyInitializer 可选：在 Run 之前初始化内部状态。
type StrategyInitializer interface {
	Initialize() error
}

// ServiceInjector 可选：从环境取服务。显式赋值，不走反射。
type ServiceInjector interface {
	InjectServices(env *Environment)
}

// ExchangeSessionSubscriber 可选：周期切换时收到新会话。
// Subscribe 可能先于 Run 到达，也可能在任意周期边界到达。
type ExchangeSessionSubscriber interface {
	Subscribe(session *ExchangeSession)
}

// StrategyShutdown 可选：关停钩子。
type StrategyShutdown interface {
	Shutdown(ctx context.Context, wg *sync.WaitGroup)
}

// Trader 策略生命周期管理：注入、初始化、订阅、启动、关停。
type Trader struct {
	environment *Environment

	mu         sync.RWMutex
	strategies []any
}

func NewTrader(environ *Environment) *Trader {
	return &Trader{environment: environ}
}

func (t *Trader) AddStrategy(strategy any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.strategies = append(t.strategies, strategy)
}

func (t *Trader) Strategies() []any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]any, len(t.strategies))
	copy(out, t.strategies)
	return out
}

// Initialize 依次执行 Defaults -> Validate -> InjectServices -> Initialize。
func (t *Trader) Initialize(ctx context.Context) error {
	for _, s := range t.Strategies() {
		id := strategyID(s)
		if defaulter, ok := s.(StrategyDefaulter); ok {
			if err := defaulter.Defaults(); err != nil {
				return errors.Wrapf(err, "策略 %s 默认值失败", id)
			}
		}
		if validator, ok := s.(StrategyValidator); ok {
			if err := validator.Validate(); err != nil {
				return errors.Wrapf(err, "策略 %s 配置校验失败", id)
			}
		}
		if injector, ok := s.(ServiceInjector); ok {
			injector.InjectServices(t.environment)
		}
		if initializer, ok := s.(StrategyInitializer); ok {
			if err := initializer.Initialize(); err != nil {
				return errors.Wrapf(err, "策略 %s 初始化失败", id)
			}
		}
	}
	return nil
}

// Subscribe 把新会话递给全部策略。策略侧的 Subscribe 只登记不阻塞，
// panic 被吃掉以免一个策略拖垮周期切换。
func (t *Trader) Subscribe(session *ExchangeSession) {
	for _, s := range t.Strategies() {
		subscriber, ok := s.(ExchangeSessionSubscriber)
		if !ok {
			continue
		}
		id := strategyID(s)
		func() {
			defer func() {
				if r := recover(); r != nil {
					traderLog.Errorf("❌ 策略 %s Subscribe panic: %v", id, r)
				}
			}()
			subscriber.Subscribe(session)
		}()
		traderLog.Infof("🔄 策略 %s 已订阅会话 %s", id, session.Name)
	}
}

// Run 启动全部策略并登记关停钩子。
func (t *Trader) Run(ctx context.Context, session *ExchangeSession) error {
	var orderExecutor OrderExecutor
	if t.environment.TradingService != nil {
		orderExecutor = NewTradingServiceOrderExecutor(t.environment.TradingService)
	}

	strategies := t.Strategies()
	for _, s := range strategies {
		if sh, ok := s.(StrategyShutdown); ok {
			t.environment.ShutdownManager().OnShutdown(func(shutdownCtx context.Context) {
				var wg sync.WaitGroup
				sh.Shutdown(shutdownCtx, &wg)
				wg.Wait()
			})
		}
		single, ok := s.(SingleExchangeStrategy)
		if !ok {
			continue
		}
		if err := single.Run(ctx, orderExecutor, session); err != nil {
			return errors.Wrapf(err, "策略 %s 启动失败", single.ID())
		}
		traderLog.Infof("✅ 策略 %s 已启动", single.ID())
	}
	traderLog.Infof("共启动 %d 个策略", len(strategies))
	return nil
}

// Shutdown 触发全部关停钩子。
func (t *Trader) Shutdown(ctx context.Context) {
	t.environment.ShutdownManager().Shutdown(ctx)
}

func strategyID(s any) string {
	if sid, ok := s.(StrategyID); ok {
		return sid.ID()
	}
	return "unknown"
}
