package all

// 统一导入全部内置策略以触发 init() 注册，
// cmd/bot 只需要匿名导入这一处。

import (
	_ "github.com/arbx/goarb/internal/strategies/shockfade"
	_ "github.com/arbx/goarb/internal/strategies/updownarb"
)
