package updownarb

import (
	"math"
	"time"
)

// refPrice 把基础金额换算成份数用的参考价。
// 二元市场两侧围绕 0.50 波动，用中点换算让每侧的名义敞口对称。
const refPrice = 0.50

// coreSizer 计算当前的基础下单份数（core size）。
// baseUSD 在每个周期开始时由 AUM × 预算比例摊到目标笔数上算一次，
// 之后只随时间和锁利次数衰减。
type coreSizer struct {
	baseUSD    float64
	minShares  float64
	decayStart int // 开始时间衰减的分钟
}

// Shares 返回当前时点的基础份数。
//
// 衰减有两层：
//   - 周期后段（elapsed 超过 decayStart 分钟）按 0.8^(minute-decayStart) 收缩，
//     临近结算少建新仓；
//   - 每次成功锁利后按 0.7^lockCount 收缩，同一周期反复锁利时规模递减。
//
// 结果不低于平台最小份数。
func (s *coreSizer) Shares(elapsed time.Duration, lockCount int) float64 {
	shares := s.baseUSD / refPrice
	minute := int(elapsed / time.Minute)
	if minute > s.decayStart {
		shares *= math.Pow(0.8, float64(minute-s.decayStart))
	}
	if lockCount > 0 {
		shares *= math.Pow(0.7, float64(lockCount))
	}
	if shares < s.minShares {
		return s.minShares
	}
	return floorShares(shares)
}

// floorShares 份数向下取到 0.01 粒度。
// 0.7²×100 这类乘积会落在 48.999999999999993，直接 Floor 会少一分，
// 先加一个远小于粒度的补偿再截断。
func floorShares(x float64) float64 {
	return math.Floor(x*100+1e-6) / 100
}
