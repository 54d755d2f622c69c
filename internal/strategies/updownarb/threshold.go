package updownarb

// dynamicThreshold 按总持仓份数给出失衡率门槛（分段线性，单调不增）。
//
// 小仓位天然失衡率高（买一笔就是 100%），门槛要宽；仓位越大越该严格再平衡：
//
//	0~100 份    100% -> 86%
//	100~500     86%  -> 30%
//	500~2000    30%  -> 5%
//	>2000       5%（下限）
func dynamicThreshold(totalShares float64) float64 {
	switch {
	case totalShares <= 0:
		return 1.0
	case totalShares <= 100:
		return lerp(totalShares, 0, 100, 1.0, 0.86)
	case totalShares <= 500:
		return lerp(totalShares, 100, 500, 0.86, 0.30)
	case totalShares <= 2000:
		return lerp(totalShares, 500, 2000, 0.30, 0.05)
	default:
		return 0.05
	}
}

// lerp 在 [x0,x1] 上把 x 线性映射到 [y0,y1]
func lerp(x, x0, x1, y0, y1 float64) float64 {
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}
