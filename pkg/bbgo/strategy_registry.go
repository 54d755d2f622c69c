package bbgo

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	loadedStrategies   = make(map[string]any)
	loadedStrategiesMu sync.RWMutex
)

// RegisterStrategy 登记策略原型，策略包在 init() 里调用。
// 重复登记是编码错误，直接 panic。
func RegisterStrategy(id string, strategy any) {
	loadedStrategiesMu.Lock()
	defer loadedStrategiesMu.Unlock()

	if _, exists := loadedStrategies[id]; exists {
		panic(errors.Errorf("策略 %s 重复注册", id))
	}
	loadedStrategies[id] = strategy
}

// GetRegisteredStrategy 按 ID 取策略原型。
func GetRegisteredStrategy(id string) (any, error) {
	loadedStrategiesMu.RLock()
	defer loadedStrategiesMu.RUnlock()

	strategy, exists := loadedStrategies[id]
	if !exists {
		return nil, errors.Errorf("策略 %s 未注册", id)
	}
	return strategy, nil
}

// RegisteredStrategyIDs 全部已注册的策略 ID。
func RegisteredStrategyIDs() []string {
	loadedStrategiesMu.RLock()
	defer loadedStrategiesMu.RUnlock()

	ids := make([]string, 0, len(loadedStrategies))
	for id := range loadedStrategies {
		ids = append(ids, id)
	}
	return ids
}
