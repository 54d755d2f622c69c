package shockfade

import (
	"fmt"

	"github.com/arbx/goarb/internal/sports"
)

// MarketTarget 盯盘目标：一个体育 moneyline 市场和它所属联盟。
type MarketTarget struct {
	Slug   string `json:"slug" yaml:"slug"`
	League string `json:"league" yaml:"league"`
}

// Config：体育市场冲击回归策略
//
// 资金口径：
// - 每周期固定 split PresplitUSD，每侧得到同数量份额；之后的阶梯和
//   退出全是纯卖单（免平台手续费）。
// - 分数单位的阈值一律用"分"表示；写成小数（0.03）也认，载入时换算。
type Config struct {
	Targets []MarketTarget `json:"targets" yaml:"targets"` // 盯盘市场列表

	// ----- 资金 -----
	PresplitUSD float64 `json:"presplitUSD" yaml:"presplitUSD"` // 每周期 split 金额，默认 85

	// ----- 冲击检测 -----
	ZThreshold   float64 `json:"zThreshold" yaml:"zThreshold"`     // z-score 阈值，默认 2.5
	AbsMoveCents float64 `json:"absMoveCents" yaml:"absMoveCents"` // 绝对移动阈值（分），默认 4
	WindowSecs   int     `json:"windowSecs" yaml:"windowSecs"`     // σ 滚动窗口（秒），默认 60
	CooldownSecs int     `json:"cooldownSecs" yaml:"cooldownSecs"` // 同 token 冲击冷却（秒），默认 30
	FloorCents   int     `json:"floorCents" yaml:"floorCents"`     // 准入价格下限（分），默认 7
	CeilingCents int     `json:"ceilingCents" yaml:"ceilingCents"` // 准入价格上限（分），默认 85

	// ----- 阶梯 -----
	LadderLevels   int     `json:"ladderLevels" yaml:"ladderLevels"`     // 阶梯档数，默认 3
	SpacingCents   float64 `json:"spacingCents" yaml:"spacingCents"`     // 档距（分），默认 3
	FadeWindowSecs int     `json:"fadeWindowSecs" yaml:"fadeWindowSecs"` // 冲击后回归窗口（秒），默认 600

	// ----- 事件归因 -----
	BurstCutoffSecs int `json:"burstCutoffSecs" yaml:"burstCutoffSecs"` // 爆发轮询总预算（秒），默认 10
	GamePollSecs    int `json:"gamePollSecs" yaml:"gamePollSecs"`       // 记分牌轮询间隔（秒），默认 20

	// ----- 清理 -----
	MergeCooldownSecs int `json:"mergeCooldownSecs" yaml:"mergeCooldownSecs"` // merge 重试冷却（秒），默认 300

	// ----- 熔断 -----
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses" yaml:"maxConsecutiveLosses"` // 连亏周期上限，默认 3
	MaxSessionLossUSD    float64 `json:"maxSessionLossUSD" yaml:"maxSessionLossUSD"`       // 会话亏损上限，默认 30
	MaxConcurrentGames   int     `json:"maxConcurrentGames" yaml:"maxConcurrentGames"`     // 并发比赛上限，默认 2
	MaxCyclesPerGame     int     `json:"maxCyclesPerGame" yaml:"maxCyclesPerGame"`         // 单场并发周期上限，默认 2

	// ----- 执行 -----
	MonitorOnly bool `json:"monitorOnly" yaml:"monitorOnly"` // 只记录决策不下单
}

func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets 不能为空")
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Slug == "" {
			return fmt.Errorf("targets[%d].slug 不能为空", i)
		}
		if seen[t.Slug] {
			return fmt.Errorf("targets 里 %s 重复", t.Slug)
		}
		seen[t.Slug] = true
		if _, err := sports.ParseLeague(t.League); err != nil {
			return fmt.Errorf("targets[%d]: %v", i, err)
		}
	}
	if c.PresplitUSD <= 0 {
		c.PresplitUSD = 85
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = 2.5
	}
	if c.AbsMoveCents <= 0 {
		c.AbsMoveCents = 4
	}
	// 把误写成小数价格的阈值换算回分
	if c.AbsMoveCents < 1 {
		converted := c.AbsMoveCents * 100
		log.Warnf("⚠️ absMoveCents=%.3f 看起来是小数价格，按 %.0f 分处理", c.AbsMoveCents, converted)
		c.AbsMoveCents = converted
	}
	if c.WindowSecs <= 0 {
		c.WindowSecs = 60
	}
	if c.CooldownSecs <= 0 {
		c.CooldownSecs = 30
	}
	if c.FloorCents <= 0 {
		c.FloorCents = 7
	}
	if c.CeilingCents <= 0 {
		c.CeilingCents = 85
	}
	if c.CeilingCents > 99 {
		return fmt.Errorf("ceilingCents 不能超过 99")
	}
	if c.FloorCents >= c.CeilingCents {
		return fmt.Errorf("floorCents 必须小于 ceilingCents（%d >= %d）", c.FloorCents, c.CeilingCents)
	}
	if c.LadderLevels <= 0 {
		c.LadderLevels = 3
	}
	if c.LadderLevels > 10 {
		return fmt.Errorf("ladderLevels 不能超过 10（挂单过多会被限频）")
	}
	if c.SpacingCents <= 0 {
		c.SpacingCents = 3
	}
	if c.SpacingCents < 1 {
		converted := c.SpacingCents * 100
		log.Warnf("⚠️ spacingCents=%.3f 看起来是小数价格，按 %.0f 分处理", c.SpacingCents, converted)
		c.SpacingCents = converted
	}
	if c.FadeWindowSecs <= 0 {
		c.FadeWindowSecs = 600
	}
	if c.BurstCutoffSecs <= 0 {
		c.BurstCutoffSecs = 10
	}
	if c.GamePollSecs <= 0 {
		c.GamePollSecs = 20
	}
	if c.MergeCooldownSecs <= 0 {
		c.MergeCooldownSecs = 300
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = 3
	}
	if c.MaxSessionLossUSD <= 0 {
		c.MaxSessionLossUSD = 30
	}
	if c.MaxConcurrentGames <= 0 {
		c.MaxConcurrentGames = 2
	}
	if c.MaxCyclesPerGame <= 0 {
		c.MaxCyclesPerGame = 2
	}
	return nil
}

// spacing 档距（整数分）。Validate 已保证 >= 1。
func (c *Config) spacing() int {
	return int(c.SpacingCents)
}
