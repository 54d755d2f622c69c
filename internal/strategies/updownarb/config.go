package updownarb

import "fmt"

// Config：15 分钟 Up/Down 做市套利策略
//
// 资金口径：
// - 每周期的基础下单额由 AUM × BudgetPct 摊到 TargetTrades 笔上（见 sizer.go），
//   不在这里配置绝对金额，换市场不用改配置。
// - 6 分钟后基础量按 0.8^(minute-6) 衰减，每次成功锁利后再乘 0.7^lockCount。
type Config struct {
	// ----- 资金与规模 -----
	BudgetPct    float64 `json:"budgetPct" yaml:"budgetPct"`       // AUM 占用比例（0~1），默认 0.5
	TargetTrades int     `json:"targetTrades" yaml:"targetTrades"` // 预算摊到的目标笔数，默认 25
	SizeCapUSD   float64 `json:"sizeCapUSD" yaml:"sizeCapUSD"`     // 单笔订单价值硬上限，默认 50
	MinShares    float64 `json:"minShares" yaml:"minShares"`       // 平台最小下单份额，默认 5

	// ----- NORMAL 挂单 -----
	LevelsPerSide  int     `json:"levelsPerSide" yaml:"levelsPerSide"`   // 每侧最多挂单层数，默认 3
	GammaRisk      float64 `json:"gammaRisk" yaml:"gammaRisk"`           // 保留价风险厌恶系数 γ，默认 0.3
	VolWindowTicks int     `json:"volWindowTicks" yaml:"volWindowTicks"` // σ 滚动窗口 tick 数，默认 120
	SizeGrowth     float64 `json:"sizeGrowth" yaml:"sizeGrowth"`         // 每低于均价 1 分的加码倍率，默认 1.1

	// ----- BALANCING（micro trigger-hedge） -----
	ImbalanceMinShares float64 `json:"imbalanceMinShares" yaml:"imbalanceMinShares"` // 绝对失衡门槛（份），默认 110
	TargetPairCost     float64 `json:"targetPairCost" yaml:"targetPairCost"`         // micro 目标 pair 成本，默认 0.99
	TriggerFloor       float64 `json:"triggerFloor" yaml:"triggerFloor"`             // trigger ask 低于此值强制退出，默认 0.50

	// ----- PAIR_IMPROVEMENT -----
	ImproveOffsetCents int     `json:"improveOffsetCents" yaml:"improveOffsetCents"` // 挂单低于均价的分数，默认 2
	ImproveGrowth      float64 `json:"improveGrowth" yaml:"improveGrowth"`           // 每低 1 分的加码倍率，默认 1.3

	// ----- 周期与退出 -----
	WindowMinutes    int     `json:"windowMinutes" yaml:"windowMinutes"`       // 市场周期时长（分钟），默认 15
	DecayStartMinute int     `json:"decayStartMinute" yaml:"decayStartMinute"` // 基础量开始衰减的分钟，默认 6
	StopMinute       int     `json:"stopMinute" yaml:"stopMinute"`             // 盈利即停的分钟数，默认 12
	MaxCapitalPct    float64 `json:"maxCapitalPct" yaml:"maxCapitalPct"`       // 盈利即停的资金占用比例，默认 0.9
	DecidedBidCents  int     `json:"decidedBidCents" yaml:"decidedBidCents"`   // 视为已定盘的 bid 边界（分），默认 2

	// ----- 执行 -----
	RequoteIntervalMs int  `json:"requoteIntervalMs" yaml:"requoteIntervalMs"` // NORMAL 重报价的最小间隔，默认 1500
	MonitorOnly       bool `json:"monitorOnly" yaml:"monitorOnly"`             // 只记录决策不下单
}

func (c *Config) Validate() error {
	if c.BudgetPct <= 0 {
		c.BudgetPct = 0.5
	}
	if c.BudgetPct > 1 {
		return fmt.Errorf("budgetPct 必须在 (0,1] 范围内")
	}
	if c.TargetTrades <= 0 {
		c.TargetTrades = 25
	}
	if c.SizeCapUSD <= 0 {
		c.SizeCapUSD = 50
	}
	if c.MinShares <= 0 {
		c.MinShares = 5
	}
	if c.LevelsPerSide <= 0 {
		c.LevelsPerSide = 3
	}
	if c.LevelsPerSide > 5 {
		return fmt.Errorf("levelsPerSide 不能超过 5（挂单过多会被限频）")
	}
	if c.GammaRisk <= 0 {
		c.GammaRisk = 0.3
	}
	if c.VolWindowTicks <= 1 {
		c.VolWindowTicks = 120
	}
	if c.SizeGrowth <= 0 {
		c.SizeGrowth = 1.1
	}
	if c.ImbalanceMinShares <= 0 {
		c.ImbalanceMinShares = 110
	}
	if c.TargetPairCost <= 0 {
		c.TargetPairCost = 0.99
	}
	if c.TargetPairCost >= 1.0 {
		return fmt.Errorf("targetPairCost 必须 < 1.0，否则锁不住利润")
	}
	if c.TriggerFloor <= 0 {
		c.TriggerFloor = 0.50
	}
	if c.ImproveOffsetCents <= 0 {
		c.ImproveOffsetCents = 2
	}
	if c.ImproveGrowth <= 0 {
		c.ImproveGrowth = 1.3
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 15
	}
	if c.DecayStartMinute <= 0 {
		c.DecayStartMinute = 6
	}
	if c.StopMinute <= 0 {
		c.StopMinute = 12
	}
	if c.StopMinute > c.WindowMinutes {
		return fmt.Errorf("stopMinute 不能超过 windowMinutes（%d > %d）", c.StopMinute, c.WindowMinutes)
	}
	if c.MaxCapitalPct <= 0 {
		c.MaxCapitalPct = 0.9
	}
	if c.MaxCapitalPct > 1 {
		return fmt.Errorf("maxCapitalPct 必须在 (0,1] 范围内")
	}
	if c.DecidedBidCents <= 0 {
		c.DecidedBidCents = 2
	}
	if c.RequoteIntervalMs <= 0 {
		c.RequoteIntervalMs = 1500
	}
	return nil
}
